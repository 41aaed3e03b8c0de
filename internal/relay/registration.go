package relay

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	tunnel "github.com/burrowhq/burrow/internal"
	"github.com/burrowhq/burrow/internal/frame"
)

// Registration states. A registration is REGISTERED once the routing table
// holds it, DRAINING after eviction while in-flight responses may still
// arrive, and CLOSED once the socket is gone and all pending requests have
// been failed.
const (
	stateRegistered int32 = iota
	stateDraining
	stateClosed
)

// Registration is the live association between a token and one connected
// control-channel socket. It owns the socket's write side through a single
// writer goroutine fed by a bounded queue; the reader goroutine lives in the
// Server.
type Registration struct {
	token       string
	targetPort  int
	remoteAddr  string
	connectedAt time.Time

	conn         net.Conn
	sendCh       chan *frame.Frame
	pending      *xsync.Map[uint64, chan *frame.Frame]
	nextID       atomic.Uint64
	state        atomic.Int32
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
}

func newRegistration(conn net.Conn, token string, targetPort int, queue int, writeTimeout time.Duration) *Registration {
	return &Registration{
		token:        token,
		targetPort:   targetPort,
		remoteAddr:   conn.RemoteAddr().String(),
		connectedAt:  time.Now().UTC(),
		conn:         conn,
		sendCh:       make(chan *frame.Frame, queue),
		pending:      xsync.NewMap[uint64, chan *frame.Frame](),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

// Token returns the registered identity.
func (r *Registration) Token() string { return r.token }

// TargetPort returns the client-reported local port (informational).
func (r *Registration) TargetPort() int { return r.targetPort }

// RemoteAddr returns the client's remote address.
func (r *Registration) RemoteAddr() string { return r.remoteAddr }

// ConnectedAt returns when the registration completed.
func (r *Registration) ConnectedAt() time.Time { return r.connectedAt }

// Done is closed when the registration reaches CLOSED. Dispatchers parked on
// a pending request select on it to fail fast on disconnect.
func (r *Registration) Done() <-chan struct{} { return r.done }

// Closed reports whether the registration has fully torn down.
func (r *Registration) Closed() bool { return r.state.Load() == stateClosed }

// NewPending allocates the next request id and parks a oneshot channel for
// its response. The caller must either receive on the channel or call
// DropPending.
func (r *Registration) NewPending() (uint64, <-chan *frame.Frame) {
	id := r.nextID.Add(1)
	ch := make(chan *frame.Frame, 1)
	r.pending.Store(id, ch)
	return id, ch
}

// DropPending removes a pending entry, used on deadline, caller disconnect
// and send failure. Idempotent.
func (r *Registration) DropPending(id uint64) {
	r.pending.Delete(id)
}

// PendingCount returns the number of parked requests.
func (r *Registration) PendingCount() int { return r.pending.Size() }

// Send enqueues a frame on the write lane. It never blocks: a full queue
// means the client cannot keep up, and the registration is dropped rather
// than letting one slow tunnel stall the relay.
func (r *Registration) Send(f *frame.Frame) error {
	select {
	case <-r.done:
		return tunnel.ErrTunnelOffline
	default:
	}
	select {
	case r.sendCh <- f:
		return nil
	case <-r.done:
		return tunnel.ErrTunnelOffline
	default:
		slog.Warn("write queue overflow, dropping registration",
			"token", tunnel.Redact(r.token), "queued", cap(r.sendCh))
		r.close()
		return tunnel.ErrQueueFull
	}
}

// deliver routes a response or error frame to its parked dispatcher. The
// LoadAndDelete makes acceptance exactly-once: a duplicate id misses and is
// reported to the caller as not delivered.
func (r *Registration) deliver(f *frame.Frame) bool {
	ch, ok := r.pending.LoadAndDelete(f.ID)
	if !ok {
		return false
	}
	ch <- f // buffered, never blocks
	return true
}

// writeLoop owns the socket's output side. It is the only goroutine that
// touches enc.
func (r *Registration) writeLoop(enc *frame.Encoder) {
	for {
		select {
		case f := <-r.sendCh:
			r.conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
			if err := enc.Write(f); err != nil {
				slog.LogAttrs(context.Background(), slog.LevelWarn, "control write failed",
					slog.String("token", tunnel.Redact(r.token)),
					slog.String("error", err.Error()),
				)
				r.close()
				return
			}
		case <-r.done:
			return
		}
	}
}

// Evict transitions to DRAINING: the registration has been displaced by a
// newer one for the same token. No new requests can reach it (the routing
// table no longer points here), in-flight responses may still drain, and
// after the window the socket is closed.
func (r *Registration) Evict(drainWindow time.Duration) {
	if !r.state.CompareAndSwap(stateRegistered, stateDraining) {
		return
	}
	slog.Info("registration evicted, draining", "token", tunnel.Redact(r.token), "window", drainWindow)
	time.AfterFunc(drainWindow, r.close)
}

// failPending completes every parked request with a synthesized error frame.
func (r *Registration) failPending(code, message string) {
	r.pending.Range(func(id uint64, _ chan *frame.Frame) bool {
		if ch, ok := r.pending.LoadAndDelete(id); ok {
			ch <- frame.Error(id, code, message)
		}
		return true
	})
}

// Shutdown fails pending callers with a shutdown error before closing, used
// on graceful process exit.
func (r *Registration) Shutdown() {
	r.failPending(frame.CodeShuttingDown, "relay shutting down")
	r.close()
}

// close tears the registration down exactly once: state CLOSED, socket
// closed, done closed so parked dispatchers fail fast.
func (r *Registration) close() {
	r.closeOnce.Do(func() {
		r.state.Store(stateClosed)
		close(r.done)
		r.conn.Close()
	})
}
