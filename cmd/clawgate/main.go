package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/guseggert/clawgate/bridge"
	"github.com/guseggert/clawgate/config"
	"github.com/guseggert/clawgate/frame"
	"github.com/guseggert/clawgate/gateway"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "clawgate",
		Usage: "talk to a local OpenClaw gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to openclaw.json. Defaults to searching .openclaw/openclaw.json upward, then in $HOME.",
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "Gateway host, overriding the config file.",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Gateway port, overriding the config file.",
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "Gateway auth token, overriding the config file.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "warn",
			},
			&cli.DurationFlag{
				Name:  "handshake-timeout",
				Usage: "How long to wait for the gateway to accept the connection.",
				Value: gateway.DefaultHandshakeTimeout,
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "call",
				Usage:     "send one request and print its result",
				ArgsUsage: "METHOD [PARAMS_JSON]",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "expect-final",
						Usage: "Wait past an interim accepted response for the final one.",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "Fail if no final response arrives in time. Zero waits indefinitely.",
						Value: 30 * time.Second,
					},
				},
				Action: call,
			},
			{
				Name:  "events",
				Usage: "print gateway events as JSON lines",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "duration",
						Usage: "Stop after this long. Zero streams until interrupted.",
					},
					&cli.StringSliceFlag{
						Name:  "name",
						Usage: "Only print events with this name. May be repeated.",
					},
				},
				Action: events,
			},
			{
				Name:  "serve",
				Usage: "run the HTTP bridge",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen-addr",
						Usage: "The address for the HTTP server to listen on.",
						Value: "127.0.0.1:3001",
					},
					&cli.StringFlag{
						Name:    "admin-key",
						Usage:   "Key required in the X-Admin-Key header by mutating routes. Empty disables them.",
						EnvVars: []string{"CLAWGATE_ADMIN_KEY"},
					},
					&cli.DurationFlag{
						Name:  "request-timeout",
						Usage: "Timeout for each gateway request made by the bridge.",
						Value: 30 * time.Second,
					},
				},
				Action: serve,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(cliCtx *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cliCtx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// loadConfig resolves connection parameters with flags taking precedence over env and the config file.
func loadConfig(cliCtx *cli.Context) gateway.ConfigLoader {
	return func(ctx context.Context) (config.Gateway, error) {
		return config.Resolve(cliCtx.String("config"), config.Overrides{
			Host:  cliCtx.String("host"),
			Port:  cliCtx.Int("port"),
			Token: cliCtx.String("token"),
		})
	}
}

func newClient(cliCtx *cli.Context) (*gateway.Client, *zap.Logger, error) {
	logger, err := newLogger(cliCtx)
	if err != nil {
		return nil, nil, err
	}
	client := gateway.NewClient(
		gateway.WithLogger(logger),
		gateway.WithConfigLoader(loadConfig(cliCtx)),
		gateway.WithHandshakeTimeout(cliCtx.Duration("handshake-timeout")),
	)
	return client, logger, nil
}

func signalContext(cliCtx *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
}

func call(cliCtx *cli.Context) error {
	if cliCtx.NArg() < 1 || cliCtx.NArg() > 2 {
		return cli.ShowSubcommandHelp(cliCtx)
	}
	method := cliCtx.Args().Get(0)
	var params any
	if raw := cliCtx.Args().Get(1); raw != "" {
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("params must be valid JSON: %s", raw)
		}
		params = json.RawMessage(raw)
	}

	var opts []gateway.RequestOption
	if cliCtx.Bool("expect-final") {
		opts = append(opts, gateway.ExpectFinal())
	}
	if d := cliCtx.Duration("timeout"); d > 0 {
		opts = append(opts, gateway.WithTimeout(d))
	}

	client, logger, err := newClient(cliCtx)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signalContext(cliCtx)
	defer cancel()

	payload, err := gateway.Do(ctx, client, func(ctx context.Context, s gateway.Session) (json.RawMessage, error) {
		return s.Request(ctx, method, params, opts...)
	})
	if err != nil {
		return err
	}
	return printJSON(payload)
}

func printJSON(payload json.RawMessage) error {
	var v any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("decoding payload: %w", err)
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func events(cliCtx *cli.Context) error {
	client, logger, err := newClient(cliCtx)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signalContext(cliCtx)
	defer cancel()
	if d := cliCtx.Duration("duration"); d > 0 {
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	names := map[string]bool{}
	for _, n := range cliCtx.StringSlice("name") {
		names[strings.TrimSpace(n)] = true
	}

	return client.Run(ctx, func(ctx context.Context, s gateway.Session) error {
		enc := json.NewEncoder(os.Stdout)
		s.OnEvent(func(evt frame.Event) {
			if len(names) > 0 && !names[evt.Name] {
				return
			}
			if err := enc.Encode(evt); err != nil {
				logger.Sugar().Debugf("error writing event: %s", err)
			}
		})
		select {
		case <-ctx.Done():
			return nil
		case <-s.Done():
			return fmt.Errorf("%w: event stream ended", gateway.ErrConnectionClosed)
		}
	})
}

func serve(cliCtx *cli.Context) error {
	client, logger, err := newClient(cliCtx)
	if err != nil {
		return err
	}
	defer logger.Sync()

	srv := bridge.New(
		client,
		bridge.WithLogger(logger),
		bridge.WithListenAddr(cliCtx.String("listen-addr")),
		bridge.WithAdminKey(cliCtx.String("admin-key")),
		bridge.WithRequestTimeout(cliCtx.Duration("request-timeout")),
	)

	ctx, cancel := signalContext(cliCtx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer cancel()
		return srv.Run()
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return srv.Stop()
	})
	return group.Wait()
}
