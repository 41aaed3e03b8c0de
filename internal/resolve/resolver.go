// Package resolve turns an inbound Host header into a routable token,
// consulting the control plane for aliases through a bounded TTL cache.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	tunnel "github.com/burrowhq/burrow/internal"
	"github.com/burrowhq/burrow/internal/telemetry"
)

// DefaultReserved seeds the reserved-alias set with the control-plane host
// labels. The full set is configuration, not protocol.
var DefaultReserved = []string{"www", "api", "relay", "internal", "admin"}

// Options configures a Resolver. Zero durations and sizes pick the defaults
// from the configuration table.
type Options struct {
	ControlPlane *ControlPlane
	PositiveTTL  time.Duration // default 60s
	NegativeTTL  time.Duration // default 10s
	CacheSize    int           // default 10_000
	Reserved     []string      // nil = DefaultReserved
	Metrics      *telemetry.Metrics
}

// aliasEntry caches one alias lookup. An empty token is a tombstone
// (negative cache).
type aliasEntry struct {
	token     string
	expiresAt time.Time
}

// Resolver classifies the leftmost DNS label of Host and resolves aliases.
// Safe for concurrent use.
type Resolver struct {
	cp       *ControlPlane
	cache    *otter.Cache[string, aliasEntry]
	reserved map[string]struct{}
	posTTL   time.Duration
	negTTL   time.Duration
	metrics  *telemetry.Metrics
}

// New builds a Resolver.
func New(opts Options) (*Resolver, error) {
	if opts.PositiveTTL <= 0 {
		opts.PositiveTTL = 60 * time.Second
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = 10 * time.Second
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 10_000
	}
	reserved := opts.Reserved
	if reserved == nil {
		reserved = DefaultReserved
	}

	cache, err := otter.New[string, aliasEntry](&otter.Options[string, aliasEntry]{
		MaximumSize:      opts.CacheSize,
		ExpiryCalculator: otter.ExpiryWriting[string, aliasEntry](opts.PositiveTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create alias cache: %w", err)
	}

	r := &Resolver{
		cp:       opts.ControlPlane,
		cache:    cache,
		reserved: make(map[string]struct{}, len(reserved)),
		posTTL:   opts.PositiveTTL,
		negTTL:   opts.NegativeTTL,
		metrics:  opts.Metrics,
	}
	for _, a := range reserved {
		r.reserved[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	return r, nil
}

// Label extracts the leftmost DNS label from a Host header value, dropping
// any port. Empty when the host is unusable.
func Label(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	// Host may carry a port; IPv6 literals are never valid identities.
	if strings.HasPrefix(host, "[") {
		return ""
	}
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	label, _, _ := strings.Cut(host, ".")
	return strings.ToLower(label)
}

// Resolve maps a Host header to the owning token. Errors:
// tunnel.ErrBadHost for an unusable host, tunnel.ErrAliasUnknown for an
// unroutable label (including reserved and tombstoned aliases),
// tunnel.ErrUpstream when the control plane misbehaves.
func (r *Resolver) Resolve(ctx context.Context, host string) (token, alias string, err error) {
	label := Label(host)
	if label == "" {
		return "", "", tunnel.ErrBadHost
	}
	if tunnel.ValidToken(label) {
		return label, "", nil
	}
	if !tunnel.ValidAlias(label) {
		return "", "", fmt.Errorf("%w: label %q", tunnel.ErrAliasUnknown, label)
	}
	if _, ok := r.reserved[label]; ok {
		return "", "", fmt.Errorf("%w: label %q is reserved", tunnel.ErrAliasUnknown, label)
	}

	if e, ok := r.cache.GetIfPresent(label); ok {
		if time.Now().Before(e.expiresAt) {
			if r.metrics != nil {
				r.metrics.AliasCacheHits.Inc()
			}
			if e.token == "" {
				return "", label, tunnel.ErrAliasUnknown
			}
			return e.token, label, nil
		}
		r.cache.Invalidate(label)
	}
	if r.metrics != nil {
		r.metrics.AliasCacheMisses.Inc()
	}

	tok, err := r.cp.ResolveAlias(ctx, label)
	switch {
	case err == nil:
		r.cache.Set(label, aliasEntry{token: tok, expiresAt: time.Now().Add(r.posTTL)})
		return tok, label, nil
	case errors.Is(err, tunnel.ErrAliasDisabled):
		// Fail closed: without a configured shim, tokens are the only
		// routable identity.
		return "", label, tunnel.ErrAliasUnknown
	case errors.Is(err, tunnel.ErrAliasUnknown):
		r.cache.Set(label, aliasEntry{expiresAt: time.Now().Add(r.negTTL)})
		return "", label, tunnel.ErrAliasUnknown
	default:
		slog.LogAttrs(ctx, slog.LevelWarn, "alias resolution failed",
			slog.String("alias", label),
			slog.String("error", err.Error()),
		)
		return "", label, err
	}
}

// InvalidateAlias drops one cache entry, for operators and tests.
func (r *Resolver) InvalidateAlias(alias string) {
	r.cache.Invalidate(alias)
}
