package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/burrowhq/burrow/internal/frame"
	"github.com/burrowhq/burrow/internal/relay"
	"github.com/burrowhq/burrow/internal/routing"
)

const testToken = "fedcba9876543210fedcba9876543210"

func TestConfigValidateCollectsAllProblems(t *testing.T) {
	t.Parallel()
	cfg := Config{} // everything wrong at once
	err := cfg.Validate()
	if err == nil {
		t.Fatal("zero config must not validate")
	}
	for _, want := range []string{"relay_host", "relay_ctrl_port", "token", "local_port"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestConfigValidateHeartbeatOrdering(t *testing.T) {
	t.Parallel()
	cfg := Config{
		RelayHost:         "relay.example.com",
		RelayCtrlPort:     7071,
		Token:             testToken,
		LocalPort:         3000,
		HeartbeatInterval: time.Minute,
		HeartbeatTimeout:  time.Second,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("interval >= timeout must not validate")
	}
}

type harness struct {
	table    *routing.Table[*relay.Registration]
	fwd      *Forwarder
	backend  *httptest.Server
	runDone  chan struct{}
	runErr   error
	cancelFn context.CancelFunc
}

// startHarness wires a relay control server, an optional local backend, and a
// running forwarder pointed at both.
func startHarness(t *testing.T, backend http.Handler, mutate func(*Config)) *harness {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	table := routing.NewTable[*relay.Registration]()
	ctrl := relay.NewServer(relay.Config{DrainWindow: 20 * time.Millisecond}, table, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ctrlDone := make(chan struct{})
	go func() {
		defer close(ctrlDone)
		ctrl.Serve(ctx, ln)
	}()

	h := &harness{table: table, runDone: make(chan struct{}), cancelFn: cancel}

	localPort := 1 // closed port unless a backend is given
	if backend != nil {
		h.backend = httptest.NewServer(backend)
		_, portStr, _ := net.SplitHostPort(h.backend.Listener.Addr().String())
		localPort = atoiOrFatal(t, portStr)
	}

	_, ctrlPortStr, _ := net.SplitHostPort(ln.Addr().String())
	cfg := Config{
		RelayHost:     "127.0.0.1",
		RelayCtrlPort: atoiOrFatal(t, ctrlPortStr),
		Token:         testToken,
		LocalPort:     localPort,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	fwd, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	h.fwd = fwd
	go func() {
		defer close(h.runDone)
		h.runErr = fwd.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-h.runDone
		<-ctrlDone
		if h.backend != nil {
			h.backend.Close()
		}
	})

	h.waitRegistered(t)
	return h
}

func atoiOrFatal(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func (h *harness) waitRegistered(t *testing.T) *relay.Registration {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if reg, ok := h.table.Lookup(testToken); ok && !reg.Closed() {
			return reg
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("forwarder never registered")
	return nil
}

// roundTrip pushes a request frame through the registration and waits for
// the forwarder's reply.
func (h *harness) roundTrip(t *testing.T, req *frame.Frame) *frame.Frame {
	t.Helper()
	reg := h.waitRegistered(t)
	id, ch := reg.NewPending()
	req.ID = id
	if err := reg.Send(req); err != nil {
		t.Fatal(err)
	}
	select {
	case f := <-ch:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no reply from forwarder")
		return nil
	}
}

func TestForwardHappyPath(t *testing.T) {
	t.Parallel()
	var gotHost, gotXFF string
	h := startHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotXFF = r.Header.Get("X-Forwarded-For")
		w.Header().Set("X-Backend", "hit")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}), nil)

	resp := h.roundTrip(t, &frame.Frame{
		Kind:   frame.KindRequest,
		Method: http.MethodGet,
		Path:   "/teapot?x=1",
		Headers: map[string]string{
			"x-forwarded-for": "198.51.100.7",
			"accept":          "*/*",
		},
	})
	if resp.Kind != frame.KindResponse || resp.Status != http.StatusTeapot {
		t.Fatalf("resp = %+v", resp)
	}
	if string(resp.Body) != "short and stout" {
		t.Fatalf("body = %q", resp.Body)
	}
	if resp.Headers["x-backend"] != "hit" {
		t.Fatalf("x-backend = %q", resp.Headers["x-backend"])
	}
	if !strings.HasPrefix(gotHost, "127.0.0.1:") {
		t.Fatalf("backend saw Host %q, want loopback rewrite", gotHost)
	}
	if gotXFF != "198.51.100.7" {
		t.Fatalf("backend saw X-Forwarded-For %q", gotXFF)
	}

	s := h.fwd.Stats()
	if !s.Connected || s.Requests != 1 || s.Errors != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestForwardLocalServiceDown(t *testing.T) {
	t.Parallel()
	h := startHarness(t, nil, nil) // nothing listening on the local port

	resp := h.roundTrip(t, &frame.Frame{Kind: frame.KindRequest, Method: http.MethodGet, Path: "/"})
	if resp.Kind == frame.KindResponse {
		if resp.Status != http.StatusBadGateway {
			t.Fatalf("status = %d, want 502", resp.Status)
		}
	} else if resp.Kind != frame.KindError {
		t.Fatalf("resp = %+v", resp)
	}
	if s := h.fwd.Stats(); s.Errors != 1 {
		t.Fatalf("errors = %d, want 1", s.Errors)
	}
}

func TestForwardLocalTimeout(t *testing.T) {
	t.Parallel()
	h := startHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}), func(c *Config) { c.RequestTimeout = 100 * time.Millisecond })

	resp := h.roundTrip(t, &frame.Frame{Kind: frame.KindRequest, Method: http.MethodGet, Path: "/slow"})
	if resp.Kind != frame.KindResponse || resp.Status != http.StatusGatewayTimeout {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestForwardOversizeResponseBecomesErrorFrame(t *testing.T) {
	t.Parallel()
	h := startHarness(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(make([]byte, 64<<10))
	}), func(c *Config) { c.MaxBodyBytes = 16 << 10 })

	resp := h.roundTrip(t, &frame.Frame{Kind: frame.KindRequest, Method: http.MethodGet, Path: "/big"})
	if resp.Kind != frame.KindError || resp.Code != frame.CodePayloadTooLarge {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestForwarderReconnectsAfterEviction(t *testing.T) {
	t.Parallel()
	h := startHarness(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}), nil)

	first := h.waitRegistered(t)

	// A competing registration for the same token displaces the forwarder.
	first.Evict(0)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if reg, ok := h.table.Lookup(testToken); ok && reg != first && !reg.Closed() {
			if s := h.fwd.Stats(); s.Reconnects < 1 {
				t.Fatalf("reconnects = %d, want >= 1", s.Reconnects)
			}
			// The fresh session serves traffic.
			resp := h.roundTrip(t, &frame.Frame{Kind: frame.KindRequest, Method: http.MethodGet, Path: "/"})
			if resp.Kind != frame.KindResponse || resp.Status != http.StatusOK {
				t.Fatalf("post-reconnect resp = %+v", resp)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("forwarder never re-registered after eviction")
}

func TestForwarderAnswersRelayPings(t *testing.T) {
	t.Parallel()
	h := startHarness(t, nil, nil)
	reg := h.waitRegistered(t)

	// A relay-originated ping comes back as a pong and keeps the session up.
	if err := reg.Send(frame.Ping(7)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if !h.fwd.Stats().Connected {
		t.Fatal("session dropped after ping")
	}
}
