// Package frame implements the control-channel wire format: one JSON object
// per line, terminated by 0x0A, with bodies carried as base64 text.
package frame

import (
	"errors"
	"fmt"
)

// Kind discriminates the frame variants on the wire.
type Kind string

const (
	KindRegister   Kind = "register"
	KindRegistered Kind = "registered"
	KindRequest    Kind = "request"
	KindResponse   Kind = "response"
	KindError      Kind = "error"
	KindPing       Kind = "ping"
	KindPong       Kind = "pong"
)

// DefaultMaxBytes is the default per-frame length cap, body included.
const DefaultMaxBytes = 16 << 20

// Error codes carried in error frames.
const (
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	CodeShuttingDown    = "SHUTTING_DOWN"
	CodeBadRegister     = "BAD_REGISTER"
	CodeInternal        = "INTERNAL"
)

var (
	// ErrTooLarge means a frame exceeded the configured length cap.
	// Fatal for the connection.
	ErrTooLarge = errors.New("frame too large")
	// ErrMalformed means a frame failed to parse or was missing a required
	// field. Fatal for the connection.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownKind means the frame parsed but its kind is not recognized.
	// Not fatal: receivers log and ignore these.
	ErrUnknownKind = errors.New("unknown frame kind")
)

// Frame is the tagged union of all wire variants. Unused fields stay at
// their zero value and are omitted from the encoded form; Validate enforces
// the per-kind required set. Body is base64-encoded by encoding/json.
type Frame struct {
	Kind Kind `json:"kind"`

	// register
	Token      string `json:"token,omitempty"`
	TargetPort int    `json:"targetPort,omitempty"`

	// registered
	OK *bool `json:"ok,omitempty"`

	// request / response / error
	ID         uint64            `json:"id,omitempty"`
	Method     string            `json:"method,omitempty"`
	Path       string            `json:"path,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	RemoteAddr string            `json:"remoteAddr,omitempty"`
	Status     int               `json:"status,omitempty"`
	Code       string            `json:"code,omitempty"`
	Message    string            `json:"message,omitempty"`

	// ping / pong: sender monotonic milliseconds, echoed back verbatim.
	TS int64 `json:"ts,omitempty"`
}

// Validate checks the per-kind required fields. A validation failure is a
// protocol error and terminates the connection.
func (f *Frame) Validate() error {
	switch f.Kind {
	case KindRegister:
		if f.Token == "" {
			return fmt.Errorf("%w: register without token", ErrMalformed)
		}
	case KindRegistered:
		if f.OK == nil {
			return fmt.Errorf("%w: registered without ok", ErrMalformed)
		}
		if !*f.OK && f.Code == "" {
			return fmt.Errorf("%w: registered ok=false without code", ErrMalformed)
		}
	case KindRequest:
		if f.ID == 0 {
			return fmt.Errorf("%w: request without id", ErrMalformed)
		}
		if f.Method == "" || f.Path == "" {
			return fmt.Errorf("%w: request %d without method or path", ErrMalformed, f.ID)
		}
	case KindResponse:
		if f.ID == 0 {
			return fmt.Errorf("%w: response without id", ErrMalformed)
		}
		if f.Status < 100 || f.Status > 599 {
			return fmt.Errorf("%w: response %d with status %d", ErrMalformed, f.ID, f.Status)
		}
	case KindError:
		if f.Code == "" {
			return fmt.Errorf("%w: error frame without code", ErrMalformed)
		}
	case KindPing, KindPong:
		// ts may legitimately be zero on a fresh monotonic clock.
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, f.Kind)
	}
	return nil
}

// Register builds a register frame.
func Register(token string, targetPort int) *Frame {
	return &Frame{Kind: KindRegister, Token: token, TargetPort: targetPort}
}

// Registered builds a registered frame. code and message are only set on
// rejection.
func Registered(ok bool, code, message string) *Frame {
	return &Frame{Kind: KindRegistered, OK: &ok, Code: code, Message: message}
}

// Response builds a response frame for the given request id.
func Response(id uint64, status int, headers map[string]string, body []byte) *Frame {
	return &Frame{Kind: KindResponse, ID: id, Status: status, Headers: headers, Body: body}
}

// Error builds an error frame. id is zero when the error is not tied to a
// specific request.
func Error(id uint64, code, message string) *Frame {
	return &Frame{Kind: KindError, ID: id, Code: code, Message: message}
}

// Ping builds a ping frame carrying the sender's monotonic milliseconds.
func Ping(ts int64) *Frame { return &Frame{Kind: KindPing, TS: ts} }

// Pong builds a pong frame echoing ts.
func Pong(ts int64) *Frame { return &Frame{Kind: KindPong, TS: ts} }
