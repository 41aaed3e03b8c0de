package server

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	tunnel "github.com/burrowhq/burrow/internal"
	"github.com/burrowhq/burrow/internal/frame"
	"github.com/burrowhq/burrow/internal/telemetry"
)

// hopByHop lists headers that are connection-scoped and must not cross the
// tunnel, per RFC 9110 §7.6.1.
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

// upstreamErrorHeader carries the client-reported error code on 502s so
// callers can distinguish local-service failures from relay failures.
const upstreamErrorHeader = "X-Relay-Upstream-Error"

// handleDispatch is the whole ingress data path: resolve the Host to a
// token, apply limits, serialize the request into a frame, park on the
// pending map and relay whatever comes back first.
func (s *server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(r.Context(), "ingress.dispatch")
	defer span.End()

	token, alias, err := s.deps.Resolver.Resolve(ctx, r.Host)
	if err != nil {
		if errors.Is(err, tunnel.ErrBadHost) {
			writeError(w, err, "BAD_HOST", "missing or invalid Host header")
			return
		}
		// Unknown alias and resolver failure are both reported as an
		// offline tunnel. The distinction stays in the logs so the public
		// surface cannot be used to enumerate aliases.
		slog.LogAttrs(ctx, slog.LevelInfo, "resolve failed",
			slog.String("host", r.Host),
			slog.String("error", err.Error()),
		)
		writeError(w, tunnel.ErrTunnelOffline, "TUNNEL_OFFLINE", "tunnel offline")
		return
	}
	span.SetAttributes(attribute.String("burrow.token", tunnel.Redact(token)))

	reg, ok := s.deps.Table.Lookup(token)
	if !ok {
		s.deps.Stats.OnRequest(token, alias)
		s.deps.Stats.OnComplete(token, alias, http.StatusBadGateway, 0)
		writeError(w, tunnel.ErrTunnelOffline, "TUNNEL_OFFLINE", "tunnel offline")
		return
	}

	// Rate limiting keys on the token, so alias and token callers share one
	// bucket. Rejections are counted like any other completion.
	if res := s.deps.RateLimiter.Allow(token); !res.Allowed {
		s.deps.Stats.OnRequest(token, alias)
		s.deps.Stats.OnComplete(token, alias, http.StatusTooManyRequests, 0)
		if s.deps.Metrics != nil {
			s.deps.Metrics.RateLimitRejects.Inc()
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfterSeconds))))
		writeError(w, tunnel.ErrRateLimited, "RATE_LIMITED", "rate limit exceeded")
		return
	}

	s.deps.Stats.OnRequest(token, alias)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.deps.MaxRequestSize))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			// Too large to forward; the frame is never built.
			s.deps.Stats.OnComplete(token, alias, http.StatusRequestEntityTooLarge, 0)
			writeError(w, tunnel.ErrPayloadTooLarge, "PAYLOAD_TOO_LARGE", "request body too large")
			return
		}
		s.deps.Stats.OnComplete(token, alias, http.StatusBadRequest, 0)
		w.Header()["Content-Type"] = plainCT
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, "failed to read request body")
		return
	}
	s.deps.Stats.AddBytesIn(token, alias, int64(len(body)))

	id, respCh := reg.NewPending()
	req := &frame.Frame{
		Kind:       frame.KindRequest,
		ID:         id,
		Method:     r.Method,
		Path:       r.URL.RequestURI(),
		Headers:    forwardHeaders(r),
		Body:       body,
		RemoteAddr: clientIP(r.RemoteAddr),
	}
	if err := reg.Send(req); err != nil {
		reg.DropPending(id)
		s.deps.Stats.OnComplete(token, alias, http.StatusBadGateway, 0)
		if s.deps.Metrics != nil && errors.Is(err, tunnel.ErrQueueFull) {
			s.deps.Metrics.WriteQueueDrops.Inc()
		}
		writeError(w, err, "TUNNEL_OFFLINE", "tunnel offline")
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.PendingRequests.Inc()
		defer s.deps.Metrics.PendingRequests.Dec()
	}

	timer := time.NewTimer(s.deps.RequestTimeout)
	defer timer.Stop()

	status, bytesOut := http.StatusBadGateway, int64(0)
	select {
	case f := <-respCh:
		switch f.Kind {
		case frame.KindResponse:
			status, bytesOut = f.Status, int64(len(f.Body))
			writeTunnelResponse(w, f)
		default: // error frame
			span.SetStatus(codes.Error, f.Code)
			w.Header().Set(upstreamErrorHeader, f.Code)
			writeError(w, tunnel.ErrUpstream, f.Code, "upstream error: "+f.Message)
		}

	case <-timer.C:
		reg.DropPending(id)
		status = http.StatusGatewayTimeout
		writeError(w, tunnel.ErrRequestTimeout, "TIMEOUT", "tunnel did not respond in time")

	case <-reg.Done():
		reg.DropPending(id)
		writeError(w, tunnel.ErrTunnelOffline, "TUNNEL_OFFLINE", "tunnel offline")

	case <-r.Context().Done():
		// Caller gave up; a late response frame will find no pending entry.
		reg.DropPending(id)
		s.deps.Stats.OnComplete(token, alias, 0, 0)
		return
	}

	s.deps.Stats.OnComplete(token, alias, status, bytesOut)

	if s.deps.Journal != nil {
		s.deps.Journal.Record(tunnel.TrafficRecord{
			RequestID: tunnel.RequestIDFromContext(ctx),
			Token:     token,
			Alias:     alias,
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    status,
			BytesIn:   int64(len(body)),
			BytesOut:  bytesOut,
			Duration:  time.Since(start),
			At:        start.UTC(),
		})
	}
}

// writeTunnelResponse relays a response frame back to the caller. Header
// names arrive lowercased; Header.Set re-canonicalizes them.
func writeTunnelResponse(w http.ResponseWriter, f *frame.Frame) {
	h := w.Header()
	for k, v := range f.Headers {
		if _, drop := hopByHop[k]; drop {
			continue
		}
		h.Set(k, v)
	}
	h.Set("Content-Length", strconv.Itoa(len(f.Body)))
	w.WriteHeader(f.Status)
	if len(f.Body) > 0 {
		w.Write(f.Body)
	}
}

// forwardHeaders flattens the request headers for the wire: lowercased
// names, multi-values joined, hop-by-hop headers and any named by the
// Connection header stripped, forwarding metadata appended.
func forwardHeaders(r *http.Request) map[string]string {
	perConn := map[string]struct{}{}
	for _, v := range r.Header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
				perConn[name] = struct{}{}
			}
		}
	}

	out := make(map[string]string, len(r.Header)+3)
	for k, vals := range r.Header {
		lk := strings.ToLower(k)
		if _, drop := hopByHop[lk]; drop {
			continue
		}
		if _, drop := perConn[lk]; drop {
			continue
		}
		out[lk] = strings.Join(vals, ", ")
	}

	ip := clientIP(r.RemoteAddr)
	if prior, ok := out["x-forwarded-for"]; ok && prior != "" {
		out["x-forwarded-for"] = prior + ", " + ip
	} else {
		out["x-forwarded-for"] = ip
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	out["x-forwarded-proto"] = proto
	out["x-forwarded-host"] = r.Host
	return out
}

// clientIP strips the port from a host:port remote address.
func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
