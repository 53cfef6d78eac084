package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/guseggert/clawgate/frame"
	"github.com/guseggert/clawgate/gateway"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// AdminKeyHeader carries the admin key on mutating routes.
const AdminKeyHeader = "X-Admin-Key"

const defaultProfile = "openclaw"

// screenshotTimeout is the browser's own capture deadline; the gateway request gets a little longer.
const screenshotTimeout = 60 * time.Second

// Server is an HTTP bridge to the gateway. Every HTTP request runs on its own gateway connection.
type Server struct {
	logger *zap.SugaredLogger
	client *gateway.Client

	adminKey       string
	listenAddr     string
	requestTimeout time.Duration
	eventBuffer    int
	pingInterval   time.Duration

	httpServer *http.Server
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("bridge").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithAdminKey sets the key required by admin routes. With no key, admin routes always reject.
func WithAdminKey(k string) Option {
	return func(s *Server) {
		s.adminKey = k
	}
}

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithRequestTimeout bounds every gateway request made on behalf of an HTTP call.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.requestTimeout = d
	}
}

// WithEventBuffer sets how many events may queue for a slow event stream before new ones are dropped.
func WithEventBuffer(n int) Option {
	return func(s *Server) {
		s.eventBuffer = n
	}
}

// WithPingInterval sets how often idle event streams get a comment line to keep proxies from timing out.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		s.pingInterval = d
	}
}

func New(client *gateway.Client, opts ...Option) *Server {
	s := &Server{
		logger:         zap.NewNop().Sugar(),
		client:         client,
		listenAddr:     "127.0.0.1:3001",
		requestTimeout: 30 * time.Second,
		eventBuffer:    64,
		pingInterval:   15 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	s.httpServer = &http.Server{Handler: s.Handler()}
	return s
}

// Handler returns the bridge's routes.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/api/status", s.status)
	router.GET("/api/agents", s.simple("agents.list"))
	router.GET("/api/skills", s.skills)
	router.GET("/api/cron", s.cronList)
	router.POST("/api/cron", s.admin(s.cronAction))
	router.GET("/api/browser/tabs", s.browserTabs)
	router.POST("/api/browser/tabs", s.browserOpenTab)
	router.POST("/api/browser/navigate", s.browserNavigate)
	router.GET("/api/browser/status", s.browserStatus)
	router.POST("/api/browser/screenshot", s.browserScreenshot)
	router.POST("/api/rpc/:method", s.admin(s.rpc))
	router.GET("/api/events", s.events)
	return router
}

// Run serves the bridge on the listen address and returns once it has stopped.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	s.logger.Infow("bridge listening", "Addr", listener.Addr().String())

	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the listener and every open connection, ending in-flight event streams.
func (s *Server) Stop() error {
	return s.httpServer.Close()
}

type envelope struct {
	OK     bool   `json:"ok"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
	Stdout string `json:"stdout,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.logger.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		s.logger.Debugf("error writing response: %s", err)
	}
}

func (s *Server) writeData(w http.ResponseWriter, data json.RawMessage) {
	if data == nil {
		data = json.RawMessage("null")
	}
	s.writeJSON(w, http.StatusOK, envelope{OK: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, envelope{Error: msg})
}

// writeGatewayError maps a gateway failure onto an HTTP status.
func (s *Server) writeGatewayError(w http.ResponseWriter, err error) {
	status := http.StatusServiceUnavailable
	switch {
	case errors.Is(err, gateway.ErrRemote):
		status = http.StatusBadGateway
	case errors.Is(err, gateway.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, gateway.ErrConfig):
		status = http.StatusInternalServerError
	}
	s.logger.Debugw("gateway call failed", "Status", status, "Error", err)
	s.writeError(w, status, err.Error())
}

// call runs a single request on a fresh gateway connection.
func (s *Server) call(ctx context.Context, method string, params any, opts ...gateway.RequestOption) (json.RawMessage, error) {
	opts = append([]gateway.RequestOption{gateway.WithTimeout(s.requestTimeout)}, opts...)
	return gateway.Do(ctx, s.client, func(ctx context.Context, sess gateway.Session) (json.RawMessage, error) {
		return sess.Request(ctx, method, params, opts...)
	})
}

func (s *Server) admin(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		key := r.Header.Get(AdminKeyHeader)
		if s.adminKey == "" || key != s.adminKey {
			s.writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		h(w, r, params)
	}
}

func (s *Server) simple(method string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		payload, err := s.call(r.Context(), method, map[string]any{})
		if err != nil {
			s.writeGatewayError(w, err)
			return
		}
		s.writeData(w, payload)
	}
}

// status also returns the payload pretty-printed in stdout, which the dashboard renders verbatim.
func (s *Server) status(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	payload, err := s.call(r.Context(), "status", map[string]any{})
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		s.writeGatewayError(w, err)
		return
	}
	stdout, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{OK: true, Data: payload, Stdout: string(stdout)})
}

type cronListParams struct {
	IncludeDisabled bool `json:"includeDisabled,omitempty"`
}

func (s *Server) cronList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	params := cronListParams{IncludeDisabled: r.URL.Query().Get("all") == "1"}
	payload, err := s.call(r.Context(), "cron.list", params)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{OK: true, Data: withArrayField(payload, "jobs")})
}

func (s *Server) skills(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	payload, err := s.call(r.Context(), "skills.status", map[string]any{})
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{OK: true, Data: withArrayField(payload, "skills")})
}

// withArrayField returns payload as an object whose field is guaranteed to be an array.
func withArrayField(payload json.RawMessage, field string) map[string]json.RawMessage {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		fields = map[string]json.RawMessage{}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(fields[field], &items); err != nil || items == nil {
		fields[field] = json.RawMessage("[]")
	}
	return fields
}

type CronActionRequest struct {
	Action string `json:"action"`
	ID     string `json:"id"`
}

type cronPatch struct {
	Enabled bool `json:"enabled"`
}

type cronJobParams struct {
	JobID string     `json:"jobId"`
	Patch *cronPatch `json:"patch,omitempty"`
}

func (s *Server) cronAction(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req CronActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid body")
		return
	}
	if req.ID == "" {
		s.writeError(w, http.StatusBadRequest, "Invalid body: id is required")
		return
	}

	var (
		method string
		params = cronJobParams{JobID: req.ID}
	)
	switch req.Action {
	case "enable":
		method, params.Patch = "cron.update", &cronPatch{Enabled: true}
	case "disable":
		method, params.Patch = "cron.update", &cronPatch{Enabled: false}
	case "run":
		method = "cron.run"
	case "remove":
		method = "cron.remove"
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid body: unsupported action %q", req.Action))
		return
	}

	payload, err := s.call(r.Context(), method, params)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	s.writeData(w, payload)
}

type browserParams struct {
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Query     map[string]string `json:"query,omitempty"`
	Body      any               `json:"body,omitempty"`
	TimeoutMS int64             `json:"timeoutMs,omitempty"`
}

func (s *Server) browser(w http.ResponseWriter, r *http.Request, params browserParams, opts ...gateway.RequestOption) {
	payload, err := s.call(r.Context(), "browser.request", params, opts...)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	s.writeData(w, payload)
}

func queryProfile(r *http.Request) string {
	if profile := r.URL.Query().Get("profile"); profile != "" {
		return profile
	}
	return defaultProfile
}

func (s *Server) browserStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.browser(w, r, browserParams{Method: http.MethodGet, Path: "/", Query: map[string]string{"profile": queryProfile(r)}})
}

func (s *Server) browserTabs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.browser(w, r, browserParams{Method: http.MethodGet, Path: "/tabs", Query: map[string]string{"profile": queryProfile(r)}})
}

type BrowserRequest struct {
	Profile  string `json:"profile"`
	URL      string `json:"url"`
	TargetID string `json:"targetId,omitempty"`
	FullPage bool   `json:"fullPage,omitempty"`
}

func decodeBrowserRequest(r *http.Request) BrowserRequest {
	var req BrowserRequest
	// a missing or malformed body falls through to the url check
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Profile == "" {
		req.Profile = defaultProfile
	}
	return req
}

func (s *Server) browserOpenTab(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req := decodeBrowserRequest(r)
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	s.browser(w, r, browserParams{
		Method: http.MethodPost,
		Path:   "/tabs/open",
		Query:  map[string]string{"profile": req.Profile},
		Body:   map[string]string{"url": req.URL},
	})
}

func (s *Server) browserNavigate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req := decodeBrowserRequest(r)
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	body := map[string]string{"url": req.URL}
	if req.TargetID != "" {
		body["targetId"] = req.TargetID
	}
	s.browser(w, r, browserParams{
		Method: http.MethodPost,
		Path:   "/navigate",
		Query:  map[string]string{"profile": req.Profile},
		Body:   body,
	})
}

type screenshotBody struct {
	TargetID string `json:"targetId,omitempty"`
	FullPage bool   `json:"fullPage"`
	Type     string `json:"type"`
}

func (s *Server) browserScreenshot(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req := decodeBrowserRequest(r)
	s.browser(w, r, browserParams{
		Method:    http.MethodPost,
		Path:      "/screenshot",
		Query:     map[string]string{"profile": req.Profile},
		Body:      screenshotBody{TargetID: req.TargetID, FullPage: req.FullPage, Type: "png"},
		TimeoutMS: screenshotTimeout.Milliseconds(),
	}, gateway.WithTimeout(screenshotTimeout+10*time.Second))
}

// RPCRequest is the body of a generic gateway call.
type RPCRequest struct {
	Params      json.RawMessage `json:"params"`
	ExpectFinal bool            `json:"expectFinal"`
	TimeoutMS   int64           `json:"timeoutMs"`
}

func (s *Server) rpc(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	method := ps.ByName("method")

	var req RPCRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid body: %s", err))
			return
		}
	}
	if req.TimeoutMS < 0 {
		s.writeError(w, http.StatusBadRequest, "Invalid body: timeoutMs must not be negative")
		return
	}

	var opts []gateway.RequestOption
	if req.ExpectFinal {
		opts = append(opts, gateway.ExpectFinal())
	}
	if req.TimeoutMS > 0 {
		opts = append(opts, gateway.WithTimeout(time.Duration(req.TimeoutMS)*time.Millisecond))
	}
	var params any
	if len(req.Params) > 0 && string(req.Params) != "null" {
		params = req.Params
	}

	payload, err := s.call(r.Context(), method, params, opts...)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	s.writeData(w, payload)
}

// events relays gateway events as server-sent events until the HTTP client or the gateway goes away.
// The optional names query parameter is a comma-separated allowlist of event names.
func (s *Server) events(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	allowed := map[string]bool{}
	for _, name := range strings.Split(r.URL.Query().Get("names"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			allowed[name] = true
		}
	}

	started := false
	err := s.client.Run(r.Context(), func(ctx context.Context, sess gateway.Session) error {
		queue := make(chan frame.Event, s.eventBuffer)
		unsubscribe := sess.OnEvent(func(evt frame.Event) {
			if len(allowed) > 0 && !allowed[evt.Name] {
				return
			}
			select {
			case queue <- evt:
			default:
				s.logger.Warnw("event stream is behind, dropping event", "Event", evt.Name)
			}
		})
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		started = true
		if err := writeSSE(w, "ready", json.RawMessage(`{}`)); err != nil {
			return err
		}
		flusher.Flush()

		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sess.Done():
				return writeSSE(w, "end", json.RawMessage(`{"reason":"gateway connection closed"}`))
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return err
				}
			case evt := <-queue:
				b, err := json.Marshal(evt)
				if err != nil {
					s.logger.Debugf("error marshaling event: %s", err)
					continue
				}
				if err := writeSSE(w, evt.Name, b); err != nil {
					return err
				}
			}
			flusher.Flush()
		}
	})
	if err != nil {
		if !started {
			s.writeGatewayError(w, err)
			return
		}
		s.logger.Debugf("event stream ended: %s", err)
	}
}

// sseNameCleaner strips line breaks, which would otherwise start a new SSE field.
var sseNameCleaner = strings.NewReplacer("\r", "", "\n", "")

func writeSSE(w http.ResponseWriter, name string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sseNameCleaner.Replace(name), data)
	return err
}
