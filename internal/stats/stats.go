// Package stats keeps in-memory per-token and per-alias traffic counters.
// Counters are monotonic within one relay run and reset on restart; the run
// id lets the control plane compute deltas across restarts.
package stats

import (
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// NewRunID returns a random 128-bit value rendered as lowercase hex.
func NewRunID() string {
	var b [16]byte
	// crypto/rand.Read never fails on supported platforms.
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// counter holds the per-identity totals. Only atomic access.
type counter struct {
	requests   atomic.Int64
	bytesIn    atomic.Int64
	bytesOut   atomic.Int64
	lastStatus atomic.Int64
	lastSeenMS atomic.Int64 // unix milliseconds
}

// Entry is the JSON snapshot of one identity's counters.
type Entry struct {
	Identity   string    `json:"identity"`
	Requests   int64     `json:"requests"`
	BytesIn    int64     `json:"bytesIn"`
	BytesOut   int64     `json:"bytesOut"`
	LastStatus int       `json:"lastStatus"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Totals aggregates across all identities.
type Totals struct {
	Requests int64 `json:"requests"`
	BytesIn  int64 `json:"bytesIn"`
	BytesOut int64 `json:"bytesOut"`
}

// Snapshot is the read-only view served by /internal/traffic-stats.
type Snapshot struct {
	RelayRunID string    `json:"relayRunId"`
	Since      time.Time `json:"since"`
	Timestamp  time.Time `json:"timestamp"`
	Totals     Totals    `json:"totals"`
	ByToken    []Entry   `json:"byToken"`
	ByAlias    []Entry   `json:"byAlias"`
}

// Registry owns the two counter maps. Only the ingress dispatcher mutates
// them; introspection handlers read snapshots.
type Registry struct {
	runID   string
	since   time.Time
	tokens  *xsync.Map[string, *counter]
	aliases *xsync.Map[string, *counter]
}

// NewRegistry stamps a fresh run id and returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		runID:   NewRunID(),
		since:   time.Now().UTC(),
		tokens:  xsync.NewMap[string, *counter](),
		aliases: xsync.NewMap[string, *counter](),
	}
}

// RunID returns the run identifier stamped at startup.
func (r *Registry) RunID() string { return r.runID }

func (r *Registry) get(m *xsync.Map[string, *counter], key string) *counter {
	c, _ := m.LoadOrCompute(key, func() (*counter, bool) {
		return &counter{}, false
	})
	return c
}

func (r *Registry) each(token, alias string, fn func(*counter)) {
	if token != "" {
		fn(r.get(r.tokens, token))
	}
	if alias != "" {
		fn(r.get(r.aliases, alias))
	}
}

// OnRequest records receipt of one ingress request. alias is "" when the
// caller addressed the token directly.
func (r *Registry) OnRequest(token, alias string) {
	now := time.Now().UnixMilli()
	r.each(token, alias, func(c *counter) {
		c.requests.Add(1)
		c.lastSeenMS.Store(now)
	})
}

// AddBytesIn records request body bytes once they are known.
func (r *Registry) AddBytesIn(token, alias string, n int64) {
	if n <= 0 {
		return
	}
	r.each(token, alias, func(c *counter) {
		c.bytesIn.Add(n)
	})
}

// OnComplete records the final status and response bytes of one request.
func (r *Registry) OnComplete(token, alias string, status int, bytesOut int64) {
	now := time.Now().UnixMilli()
	r.each(token, alias, func(c *counter) {
		if bytesOut > 0 {
			c.bytesOut.Add(bytesOut)
		}
		c.lastStatus.Store(int64(status))
		c.lastSeenMS.Store(now)
	})
}

func snapshotMap(m *xsync.Map[string, *counter]) ([]Entry, Totals) {
	var entries []Entry
	var totals Totals
	m.Range(func(key string, c *counter) bool {
		e := Entry{
			Identity:   key,
			Requests:   c.requests.Load(),
			BytesIn:    c.bytesIn.Load(),
			BytesOut:   c.bytesOut.Load(),
			LastStatus: int(c.lastStatus.Load()),
		}
		if ms := c.lastSeenMS.Load(); ms > 0 {
			e.LastSeenAt = time.UnixMilli(ms).UTC()
		}
		entries = append(entries, e)
		totals.Requests += e.Requests
		totals.BytesIn += e.BytesIn
		totals.BytesOut += e.BytesOut
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Identity < entries[j].Identity })
	return entries, totals
}

// Snapshot returns a point-in-time copy of all counters. Totals aggregate
// the per-token view only; alias counters double-count the same traffic.
func (r *Registry) Snapshot() Snapshot {
	byToken, totals := snapshotMap(r.tokens)
	byAlias, _ := snapshotMap(r.aliases)
	if byToken == nil {
		byToken = []Entry{}
	}
	if byAlias == nil {
		byAlias = []Entry{}
	}
	return Snapshot{
		RelayRunID: r.runID,
		Since:      r.since,
		Timestamp:  time.Now().UTC(),
		Totals:     totals,
		ByToken:    byToken,
		ByAlias:    byAlias,
	}
}

// Token returns the snapshot entry for one token, for tests and logs.
func (r *Registry) Token(token string) (Entry, bool) {
	c, ok := r.tokens.Load(token)
	if !ok {
		return Entry{}, false
	}
	e := Entry{
		Identity:   token,
		Requests:   c.requests.Load(),
		BytesIn:    c.bytesIn.Load(),
		BytesOut:   c.bytesOut.Load(),
		LastStatus: int(c.lastStatus.Load()),
	}
	if ms := c.lastSeenMS.Load(); ms > 0 {
		e.LastSeenAt = time.UnixMilli(ms).UTC()
	}
	return e, true
}
