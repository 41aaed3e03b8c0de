package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/burrowhq/burrow/internal/frame"
)

// hopByHop lists connection-scoped headers that must not be replayed against
// the local service or sent back over the tunnel.
var hopByHop = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"proxy-connection":    {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// handleRequest replays one tunneled request against the local service and
// writes back exactly one response or error frame.
func (f *Forwarder) handleRequest(ctx context.Context, enc *lockedEncoder, req *frame.Frame) {
	f.requests.Add(1)
	start := time.Now()

	out := f.forward(ctx, req)
	if out.Kind == frame.KindError || (out.Kind == frame.KindResponse && out.Status >= 500) {
		f.errCount.Add(1)
	}
	if err := enc.write(out); err != nil {
		f.errCount.Add(1)
		return
	}

	slog.LogAttrs(ctx, slog.LevelDebug, "request forwarded",
		slog.Uint64("id", req.ID),
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.Int("status", out.Status),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}

func (f *Forwarder) forward(ctx context.Context, req *frame.Frame) *frame.Frame {
	if int64(len(req.Body)) > f.cfg.MaxBodyBytes {
		return textResponse(req.ID, http.StatusRequestEntityTooLarge, "request body too large")
	}

	rctx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	target := "http://127.0.0.1:" + strconv.Itoa(f.cfg.LocalPort) + req.Path
	hreq, err := http.NewRequestWithContext(rctx, req.Method, target, bytes.NewReader(req.Body))
	if err != nil {
		return frame.Error(req.ID, "BAD_REQUEST", "build local request: "+err.Error())
	}
	for k, v := range req.Headers {
		if _, drop := hopByHop[k]; drop {
			continue
		}
		hreq.Header.Set(k, v)
	}
	// The local service sees itself as the host, like any direct caller.
	hreq.Host = "127.0.0.1:" + strconv.Itoa(f.cfg.LocalPort)

	resp, err := f.local.Do(hreq)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return textResponse(req.ID, http.StatusGatewayTimeout, "local service did not respond in time")
		case isConnRefused(err):
			return textResponse(req.ID, http.StatusBadGateway, "local service is not listening")
		default:
			return frame.Error(req.ID, "UPSTREAM_ERROR", err.Error())
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return frame.Error(req.ID, "UPSTREAM_ERROR", "read local response: "+err.Error())
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return frame.Error(req.ID, frame.CodePayloadTooLarge, "local response body exceeds frame limit")
	}

	headers := make(map[string]string, len(resp.Header))
	for k, vals := range resp.Header {
		lk := strings.ToLower(k)
		if _, drop := hopByHop[lk]; drop {
			continue
		}
		headers[lk] = strings.Join(vals, ", ")
	}
	return frame.Response(req.ID, resp.StatusCode, headers, body)
}

func textResponse(id uint64, status int, msg string) *frame.Frame {
	return frame.Response(id, status,
		map[string]string{"content-type": "text/plain; charset=utf-8"},
		[]byte(msg))
}

func isConnRefused(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.ECONNREFUSED
		}
	}
	return false
}
