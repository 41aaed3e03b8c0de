package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/burrowhq/burrow/internal/frame"
	"github.com/burrowhq/burrow/internal/routing"
)

const testToken = "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6"

type testRelay struct {
	table *routing.Table[*Registration]
	srv   *Server
	addr  string
}

func startRelay(t *testing.T, cfg Config) *testRelay {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	table := routing.NewTable[*Registration]()
	srv := NewServer(cfg, table, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &testRelay{table: table, srv: srv, addr: ln.Addr().String()}
}

type testClient struct {
	conn net.Conn
	dec  *frame.Decoder
	enc  *frame.Encoder
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{
		conn: conn,
		dec:  frame.NewDecoder(conn, 0),
		enc:  frame.NewEncoder(conn, 0),
	}
}

func (c *testClient) register(t *testing.T, token string) *frame.Frame {
	t.Helper()
	if err := c.enc.Write(frame.Register(token, 3000)); err != nil {
		t.Fatal(err)
	}
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := c.dec.Read()
	if err != nil {
		t.Fatalf("read registered: %v", err)
	}
	if f.Kind != frame.KindRegistered {
		t.Fatalf("want registered, got %s", f.Kind)
	}
	return f
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRegisterHandshake(t *testing.T) {
	t.Parallel()
	rl := startRelay(t, Config{})
	c := dialClient(t, rl.addr)

	f := c.register(t, testToken)
	if f.OK == nil || !*f.OK {
		t.Fatalf("registration rejected: %+v", f)
	}

	waitFor(t, func() bool {
		reg, ok := rl.table.Lookup(testToken)
		return ok && reg.TargetPort() == 3000
	}, "registration never appeared in the routing table")
}

func TestRejectsNonRegisterFirstFrame(t *testing.T) {
	t.Parallel()
	rl := startRelay(t, Config{})
	c := dialClient(t, rl.addr)

	if err := c.enc.Write(frame.Ping(1)); err != nil {
		t.Fatal(err)
	}
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := c.dec.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Kind != frame.KindRegistered || f.OK == nil || *f.OK {
		t.Fatalf("want registered ok=false, got %+v", f)
	}
	if f.Code != frame.CodeBadRegister {
		t.Fatalf("code = %q, want %q", f.Code, frame.CodeBadRegister)
	}
}

func TestRejectsMalformedToken(t *testing.T) {
	t.Parallel()
	rl := startRelay(t, Config{})
	c := dialClient(t, rl.addr)

	if err := c.enc.Write(frame.Register("SHORT", 3000)); err != nil {
		t.Fatal(err)
	}
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := c.dec.Read()
	if err != nil {
		t.Fatal(err)
	}
	if f.OK == nil || *f.OK {
		t.Fatalf("malformed token must be rejected: %+v", f)
	}
	if _, ok := rl.table.Lookup("SHORT"); ok {
		t.Fatal("rejected token must not enter the routing table")
	}
}

func TestResponseDeliveryAndDuplicateDrop(t *testing.T) {
	t.Parallel()
	rl := startRelay(t, Config{})
	c := dialClient(t, rl.addr)
	c.register(t, testToken)

	var reg *Registration
	waitFor(t, func() bool {
		var ok bool
		reg, ok = rl.table.Lookup(testToken)
		return ok
	}, "no registration")

	id, ch := reg.NewPending()
	if err := reg.Send(&frame.Frame{
		Kind: frame.KindRequest, ID: id, Method: "GET", Path: "/",
	}); err != nil {
		t.Fatal(err)
	}

	// Client receives the request and responds twice with the same id.
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	req, err := c.dec.Read()
	if err != nil || req.Kind != frame.KindRequest || req.ID != id {
		t.Fatalf("client read = %+v, %v", req, err)
	}
	for range 2 {
		if err := c.enc.Write(frame.Response(id, 200, nil, []byte("ok"))); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case f := <-ch:
		if f.Kind != frame.KindResponse || f.Status != 200 || string(f.Body) != "ok" {
			t.Fatalf("delivered frame = %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("response never delivered")
	}

	// The duplicate must not resurrect the pending entry.
	waitFor(t, func() bool { return reg.PendingCount() == 0 }, "pending entry leaked")

	// Ping still round-trips: the duplicate did not kill the connection.
	if err := c.enc.Write(frame.Ping(42)); err != nil {
		t.Fatal(err)
	}
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := c.dec.Read()
	if err != nil || f.Kind != frame.KindPong || f.TS != 42 {
		t.Fatalf("pong = %+v, %v", f, err)
	}
}

func TestSecondRegistrationEvictsFirst(t *testing.T) {
	t.Parallel()
	rl := startRelay(t, Config{DrainWindow: 50 * time.Millisecond})

	c1 := dialClient(t, rl.addr)
	c1.register(t, testToken)
	var first *Registration
	waitFor(t, func() bool {
		var ok bool
		first, ok = rl.table.Lookup(testToken)
		return ok
	}, "first registration missing")

	c2 := dialClient(t, rl.addr)
	c2.register(t, testToken)

	waitFor(t, func() bool {
		reg, ok := rl.table.Lookup(testToken)
		return ok && reg != first
	}, "second registration must own the token")

	// The displaced registration drains, then fully closes.
	waitFor(t, func() bool { return first.Closed() }, "evicted registration never closed")

	// Its socket is gone: the old client sees EOF.
	c1.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c1.dec.Read(); err == nil {
		t.Fatal("evicted client should have been disconnected")
	}
}

func TestDisconnectFailsPending(t *testing.T) {
	t.Parallel()
	rl := startRelay(t, Config{})
	c := dialClient(t, rl.addr)
	c.register(t, testToken)

	var reg *Registration
	waitFor(t, func() bool {
		var ok bool
		reg, ok = rl.table.Lookup(testToken)
		return ok
	}, "no registration")

	_, ch := reg.NewPending()
	c.conn.Close()

	select {
	case f := <-ch:
		if f.Kind != frame.KindError {
			t.Fatalf("want error frame, got %+v", f)
		}
	case <-reg.Done():
		// Equally acceptable: dispatcher fails on Done.
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed on disconnect")
	}

	waitFor(t, func() bool {
		_, ok := rl.table.Lookup(testToken)
		return !ok
	}, "registration not removed after disconnect")
}

func TestShutdownFailsPendingWithShuttingDown(t *testing.T) {
	t.Parallel()
	rl := startRelay(t, Config{})
	c := dialClient(t, rl.addr)
	c.register(t, testToken)

	var reg *Registration
	waitFor(t, func() bool {
		var ok bool
		reg, ok = rl.table.Lookup(testToken)
		return ok
	}, "no registration")

	_, ch := reg.NewPending()
	rl.srv.Shutdown()

	select {
	case f := <-ch:
		if f.Kind != frame.KindError || f.Code != frame.CodeShuttingDown {
			t.Fatalf("want SHUTTING_DOWN error, got %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed on shutdown")
	}
}

func TestWriteQueueOverflowDropsRegistration(t *testing.T) {
	t.Parallel()
	rl := startRelay(t, Config{WriteQueue: 4})
	c := dialClient(t, rl.addr)
	c.register(t, testToken)

	var reg *Registration
	waitFor(t, func() bool {
		var ok bool
		reg, ok = rl.table.Lookup(testToken)
		return ok
	}, "no registration")

	// The client never reads, so the kernel buffers fill and the writer
	// stalls; enqueueing past the bounded queue must drop the registration
	// instead of blocking ingress.
	big := make([]byte, 256<<10)
	var sendErr error
	for i := uint64(1); i < 10_000; i++ {
		f := &frame.Frame{Kind: frame.KindRequest, ID: i, Method: "POST", Path: "/", Body: big}
		if sendErr = reg.Send(f); sendErr != nil {
			break
		}
	}
	if sendErr == nil {
		t.Fatal("send never failed despite stalled client")
	}
	waitFor(t, func() bool { return reg.Closed() }, "overflowed registration never closed")
}
