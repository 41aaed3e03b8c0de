package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	tunnel "github.com/burrowhq/burrow/internal"
)

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func errorResponse(code, msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Code = code
	return e
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, tunnel.ErrBadHost):
		return http.StatusBadRequest
	case errors.Is(err, tunnel.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, tunnel.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, tunnel.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, tunnel.ErrTunnelOffline),
		errors.Is(err, tunnel.ErrAliasUnknown),
		errors.Is(err, tunnel.ErrUpstream),
		errors.Is(err, tunnel.ErrQueueFull),
		errors.Is(err, tunnel.ErrShuttingDown):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorCodeHeader carries the machine-readable error code on dispatch
// failures so the plain-text body can stay exactly the documented string.
const errorCodeHeader = "X-Relay-Error-Code"

// writeError renders a data-path failure. Tunnel traffic gets short
// plain-text bodies, not the JSON envelope: callers behind the tunnel are
// arbitrary HTTP clients, and the contract promises short ASCII strings.
func writeError(w http.ResponseWriter, err error, code, msg string) {
	w.Header().Set(errorCodeHeader, code)
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(errorStatus(err))
	io.WriteString(w, msg)
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
