/*
Package frame implements the JSON envelope exchanged with an OpenClaw gateway.

Every WebSocket message carries exactly one frame, discriminated by its "type" field:

	{"type":"req","id":"<id>","method":"<method>","params":<any>}
	{"type":"res","id":"<id>","ok":<bool>,"payload":<any>,"error":{"message":"<msg>"}}
	{"type":"evt","event":"<name>","payload":<any>,"seq":<number>}

Requests are sent by the client, responses echo the request id back, and events are unsolicited.
*/
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the frame discriminator.
type Type string

const (
	TypeRequest  Type = "req"
	TypeResponse Type = "res"
	TypeEvent    Type = "evt"
)

// StatusAccepted is the payload status of an interim response.
const StatusAccepted = "accepted"

// Frame is one of Request, Response or Event.
type Frame interface {
	Type() Type
	isFrame()
}

type Request struct {
	ID     string
	Method string
	Params any
}

func (Request) Type() Type { return TypeRequest }
func (Request) isFrame()   {}

// MarshalJSON adds the type discriminator.
func (r Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type   Type   `json:"type"`
		ID     string `json:"id"`
		Method string `json:"method"`
		Params any    `json:"params,omitempty"`
	}{TypeRequest, r.ID, r.Method, r.Params})
}

// ErrorShape is the error object of a failed response.
type ErrorShape struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type Response struct {
	ID      string
	OK      bool
	Payload json.RawMessage
	Error   *ErrorShape
}

func (Response) Type() Type { return TypeResponse }
func (Response) isFrame()   {}

// Status returns payload.status when the payload is an object with a string status field.
func (r Response) Status() string {
	if len(r.Payload) == 0 || r.Payload[0] != '{' {
		return ""
	}
	var p struct {
		Status json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Status, &s); err != nil {
		return ""
	}
	return s
}

// Interim reports whether the response only acknowledges a long-running request.
func (r Response) Interim() bool {
	return r.OK && r.Status() == StatusAccepted
}

func (r Response) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    Type            `json:"type"`
		ID      string          `json:"id"`
		OK      bool            `json:"ok"`
		Payload json.RawMessage `json:"payload,omitempty"`
		Error   *ErrorShape     `json:"error,omitempty"`
	}{TypeResponse, r.ID, r.OK, r.Payload, r.Error})
}

type Event struct {
	Name    string
	Payload json.RawMessage
	Seq     *int64
}

func (Event) Type() Type { return TypeEvent }
func (Event) isFrame()   {}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    Type            `json:"type"`
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload,omitempty"`
		Seq     *int64          `json:"seq,omitempty"`
	}{TypeEvent, e.Name, e.Payload, e.Seq})
}

// ErrDecode matches every error returned by Decode.
var ErrDecode = errors.New("frame decode error")

type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decoding frame: %s: %s", e.Reason, e.Err)
	}
	return fmt.Sprintf("decoding frame: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error        { return e.Err }
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// envelope is the union of all frame fields, used only for decoding.
// Only type and id are strict; the remaining fields tolerate unexpected JSON types.
type envelope struct {
	Type    json.RawMessage `json:"type"`
	ID      json.RawMessage `json:"id"`
	Method  json.RawMessage `json:"method"`
	Params  json.RawMessage `json:"params"`
	OK      json.RawMessage `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Error   json.RawMessage `json:"error"`
	Event   json.RawMessage `json:"event"`
	Seq     json.RawMessage `json:"seq"`
}

// Decode parses a single wire message.
// Anything that is not a JSON object with a known "type" yields a *DecodeError, as does a response or request
// without a string id.
func Decode(b []byte) (Frame, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return nil, &DecodeError{Reason: "not a JSON object"}
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, &DecodeError{Reason: "invalid JSON", Err: err}
	}
	typ, ok := stringField(env.Type)
	if !ok {
		return nil, &DecodeError{Reason: "missing type"}
	}

	switch Type(typ) {
	case TypeResponse:
		id, ok := stringField(env.ID)
		if !ok {
			return nil, &DecodeError{Reason: "response without id"}
		}
		okFlag, _ := boolField(env.OK)
		return Response{
			ID:      id,
			OK:      okFlag,
			Payload: nullToEmpty(env.Payload),
			Error:   errorField(env.Error),
		}, nil
	case TypeEvent:
		name, _ := stringField(env.Event)
		return Event{
			Name:    name,
			Payload: nullToEmpty(env.Payload),
			Seq:     seqField(env.Seq),
		}, nil
	case TypeRequest:
		id, ok := stringField(env.ID)
		if !ok {
			return nil, &DecodeError{Reason: "request without id"}
		}
		method, _ := stringField(env.Method)
		req := Request{ID: id, Method: method}
		if p := nullToEmpty(env.Params); p != nil {
			req.Params = p
		}
		return req, nil
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown frame type %q", typ)}
	}
}

func stringField(raw json.RawMessage) (string, bool) {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return "", false
	}
	return s, true
}

func boolField(raw json.RawMessage) (bool, bool) {
	var v bool
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return false, false
	}
	return v, true
}

// errorField returns nil when the error is absent or null. Any other value yields an ErrorShape, which is empty
// unless the value is an object carrying a string message and a string or numeric code.
func errorField(raw json.RawMessage) *ErrorShape {
	raw = nullToEmpty(raw)
	if raw == nil {
		return nil
	}
	e := &ErrorShape{}
	var fields struct {
		Code    json.RawMessage `json:"code"`
		Message json.RawMessage `json:"message"`
	}
	if raw[0] != '{' || json.Unmarshal(raw, &fields) != nil {
		return e
	}
	e.Message, _ = stringField(fields.Message)
	if code, ok := stringField(fields.Code); ok {
		e.Code = code
	} else {
		var n json.Number
		if json.Unmarshal(fields.Code, &n) == nil {
			e.Code = n.String()
		}
	}
	return e
}

// seqField returns nil unless raw is an integral number.
func seqField(raw json.RawMessage) *int64 {
	var f float64
	if len(raw) == 0 || json.Unmarshal(raw, &f) != nil {
		return nil
	}
	seq := int64(f)
	if float64(seq) != f {
		return nil
	}
	return &seq
}

// Encode serializes an outbound request.
func Encode(r Request) ([]byte, error) {
	if r.ID == "" {
		return nil, errors.New("encoding request: empty id")
	}
	if r.Method == "" {
		return nil, errors.New("encoding request: empty method")
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding request %q: %w", r.Method, err)
	}
	return b, nil
}

func nullToEmpty(m json.RawMessage) json.RawMessage {
	if len(m) == 0 || bytes.Equal(m, []byte("null")) {
		return nil
	}
	return m
}
