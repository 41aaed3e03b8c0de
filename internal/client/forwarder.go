package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/dnscache"

	"github.com/burrowhq/burrow/internal/frame"
)

// Reconnect backoff bounds.
const (
	backoffMin = 500 * time.Millisecond
	backoffMax = 30 * time.Second
)

const handshakeTimeout = 10 * time.Second

// Stats is a point-in-time view of the forwarder's lifetime counters.
type Stats struct {
	Connected       bool
	Requests        int64
	Errors          int64
	Reconnects      int64
	StartedAt       time.Time
	LastConnectedAt time.Time
}

// Forwarder maintains one control channel to the relay and forwards tunneled
// requests to the local service. Safe for a single Run caller; Stats and
// Stop may be called from any goroutine.
type Forwarder struct {
	cfg      Config
	resolver *dnscache.Resolver
	local    *http.Client

	connected  atomic.Bool
	requests   atomic.Int64
	errCount   atomic.Int64
	reconnects atomic.Int64
	startedAt  time.Time
	lastConnMS atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New validates cfg and builds a forwarder. The local HTTP client dials
// loopback directly, bypassing any system proxy.
func New(cfg Config) (*Forwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.normalize()
	return &Forwarder{
		cfg:      cfg,
		resolver: &dnscache.Resolver{},
		local: &http.Client{
			Transport: &http.Transport{
				Proxy:               nil, // loopback traffic never goes through a proxy
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
			// Per-request contexts carry the timeout; the client itself
			// must not cut off large slow bodies.
			Timeout: 0,
		},
		startedAt: time.Now().UTC(),
		stopCh:    make(chan struct{}),
	}, nil
}

// Stats returns the current counters.
func (f *Forwarder) Stats() Stats {
	s := Stats{
		Connected:  f.connected.Load(),
		Requests:   f.requests.Load(),
		Errors:     f.errCount.Load(),
		Reconnects: f.reconnects.Load(),
		StartedAt:  f.startedAt,
	}
	if ms := f.lastConnMS.Load(); ms > 0 {
		s.LastConnectedAt = time.UnixMilli(ms).UTC()
	}
	return s
}

// Stop terminates Run. Idempotent.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}

// Run connects, serves one session, and reconnects with jittered exponential
// backoff until ctx is cancelled or Stop is called. The backoff resets after
// every accepted registration.
func (f *Forwarder) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-f.stopCh
		cancel()
	}()

	delay := backoffMin
	first := true
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !first {
			f.reconnects.Add(1)
		}
		first = false

		registered, err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if registered {
			delay = backoffMin
		}
		if err != nil {
			slog.Warn("session ended", "error", err, "retry_in", delay)
		}

		// Full jitter keeps a fleet of clients from reconnecting in
		// lockstep after a relay restart.
		sleep := backoffMin + rand.N(delay)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, backoffMax)
	}
}

// dial resolves the relay host through the caching resolver and connects.
func (f *Forwarder) dial(ctx context.Context) (net.Conn, error) {
	port := strconv.Itoa(f.cfg.RelayCtrlPort)
	ips, err := f.resolver.LookupHost(ctx, f.cfg.RelayHost)
	if err != nil || len(ips) == 0 {
		// Let the dialer resolve; covers literal addresses the cache
		// cannot.
		var d net.Dialer
		return d.DialContext(ctx, "tcp", net.JoinHostPort(f.cfg.RelayHost, port))
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", net.JoinHostPort(ips[0], port))
}

// session runs one connect-register-serve cycle. It reports whether the
// relay accepted the registration, which is what resets the backoff.
func (f *Forwarder) session(ctx context.Context) (registered bool, err error) {
	conn, err := f.dial(ctx)
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	// The connection dies with the context so a parked Read unblocks.
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sctx.Done()
		conn.Close()
	}()

	// The wire cap stays at the protocol default: bodies are bounded
	// separately by MaxBodyBytes, and base64 expansion must still fit.
	dec := frame.NewDecoder(conn, frame.DefaultMaxBytes)
	enc := &lockedEncoder{enc: frame.NewEncoder(conn, frame.DefaultMaxBytes), conn: conn}

	if err := enc.write(frame.Register(f.cfg.Token, f.cfg.LocalPort)); err != nil {
		return false, fmt.Errorf("send register: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	resp, err := dec.Read()
	if err != nil {
		return false, fmt.Errorf("await registered: %w", err)
	}
	if resp.Kind != frame.KindRegistered || resp.OK == nil || !*resp.OK {
		return false, fmt.Errorf("registration rejected: %s %s", resp.Code, resp.Message)
	}

	f.connected.Store(true)
	f.lastConnMS.Store(time.Now().UnixMilli())
	defer f.connected.Store(false)
	slog.Info("tunnel registered",
		"relay", f.cfg.RelayHost, "local_port", f.cfg.LocalPort)

	var lastPong atomic.Int64
	lastPong.Store(time.Now().UnixMilli())

	go f.heartbeat(sctx, enc, &lastPong, cancel)

	for {
		conn.SetReadDeadline(time.Now().Add(f.cfg.HeartbeatTimeout))
		req, err := dec.Read()
		if err != nil {
			if errors.Is(err, frame.ErrUnknownKind) {
				continue
			}
			if sctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("control read: %w", err)
		}
		switch req.Kind {
		case frame.KindRequest:
			go f.handleRequest(sctx, enc, req)
		case frame.KindPing:
			enc.write(frame.Pong(req.TS))
		case frame.KindPong:
			lastPong.Store(time.Now().UnixMilli())
		}
	}
}

// heartbeat pings on the interval and kills the connection when the relay
// stays silent past the timeout.
func (f *Forwarder) heartbeat(ctx context.Context, enc *lockedEncoder, lastPong *atomic.Int64, kill func()) {
	t := time.NewTicker(f.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if silence := time.Since(time.UnixMilli(lastPong.Load())); silence > f.cfg.HeartbeatTimeout {
				slog.Warn("relay unresponsive, reconnecting", "silence", silence)
				kill()
				return
			}
			if err := enc.write(frame.Ping(time.Now().UnixMilli())); err != nil {
				kill()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// lockedEncoder serializes concurrent frame writes from the request workers
// and the heartbeat onto the one socket.
type lockedEncoder struct {
	mu   sync.Mutex
	enc  *frame.Encoder
	conn net.Conn
}

func (l *lockedEncoder) write(f *frame.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return l.enc.Write(f)
}
