// Package server implements the public HTTP side of the Burrow relay: the
// ingress dispatcher that forwards requests over registered tunnels, the
// health endpoints, and the secret-guarded introspection surface.
package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	tunnel "github.com/burrowhq/burrow/internal"
	"github.com/burrowhq/burrow/internal/ratelimit"
	"github.com/burrowhq/burrow/internal/relay"
	"github.com/burrowhq/burrow/internal/routing"
	"github.com/burrowhq/burrow/internal/stats"
	"github.com/burrowhq/burrow/internal/telemetry"
)

// AliasResolver maps an ingress Host to the routing token it addresses.
type AliasResolver interface {
	Resolve(ctx context.Context, host string) (token, alias string, err error)
}

// TrafficJournal records completed requests asynchronously.
type TrafficJournal interface {
	Record(tunnel.TrafficRecord)
}

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Resolver       AliasResolver
	Table          *routing.Table[*relay.Registration]
	Stats          *stats.Registry
	RateLimiter    *ratelimit.Registry // nil = no rate limiting
	Metrics        *telemetry.Metrics  // nil = no metrics
	MetricsHandler http.Handler        // nil = no /internal/metrics route
	Journal        TrafficJournal      // nil = no journaling
	ReadyCheck     ReadyChecker        // nil = always ready (for tests)
	InternalSecret string              // empty = introspection disabled

	RequestTimeout time.Duration // default 30s
	MaxRequestSize int64         // default 10 MiB
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 30 * time.Second
	}
	if deps.MaxRequestSize <= 0 {
		deps.MaxRequestSize = 10 << 20
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	r.Use(s.logging)

	// System endpoints (relay-owned paths on every host)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	// Introspection, shared-secret guarded
	r.Route("/internal", func(r chi.Router) {
		r.Use(s.internalAuth)
		r.Get("/connected-tokens", s.handleConnectedTokens)
		r.Get("/traffic-stats", s.handleTrafficStats)
		if deps.MetricsHandler != nil {
			r.Handle("/metrics", deps.MetricsHandler)
		}
	})

	// Everything else is tunnel traffic, routed by Host.
	r.HandleFunc("/*", s.handleDispatch)

	return r
}

type server struct {
	deps Deps
}

// Pre-allocated response body and header value slice, saving per-call allocs
// on the health endpoints.
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			w.Header()["Content-Type"] = plainCT
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(notReadyBody)
			return
		}
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// connectedTokensResponse is the JSON shape of /internal/connected-tokens.
// The flat tokens array exists alongside the detailed tunnels list so the
// control plane can diff membership without parsing the details.
type connectedTokensResponse struct {
	Count   int                 `json:"count"`
	Tokens  []string            `json:"tokens"`
	Tunnels []tunnel.TunnelInfo `json:"tunnels"`
}

func (s *server) handleConnectedTokens(w http.ResponseWriter, _ *http.Request) {
	infos := []tunnel.TunnelInfo{}
	s.deps.Table.Range(func(token string, reg *relay.Registration) bool {
		infos = append(infos, tunnel.TunnelInfo{
			Token:       token,
			ClientIP:    clientIP(reg.RemoteAddr()),
			TargetPort:  reg.TargetPort(),
			ConnectedAt: reg.ConnectedAt(),
		})
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].Token < infos[j].Token })
	tokens := make([]string, len(infos))
	for i, info := range infos {
		tokens[i] = info.Token
	}
	writeJSON(w, http.StatusOK, connectedTokensResponse{
		Count:   len(infos),
		Tokens:  tokens,
		Tunnels: infos,
	})
}

func (s *server) handleTrafficStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Stats.Snapshot())
}
