// Package relay implements the control-channel server: the TCP endpoint
// clients dial outbound, the registration lifecycle, and the demultiplexing
// of response frames back to parked ingress requests.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	tunnel "github.com/burrowhq/burrow/internal"
	"github.com/burrowhq/burrow/internal/frame"
	"github.com/burrowhq/burrow/internal/routing"
	"github.com/burrowhq/burrow/internal/telemetry"
)

// Config holds control-channel tunables. Zero values select the defaults
// from the configuration table.
type Config struct {
	MaxFrameBytes    int           // default 16 MiB
	WriteQueue       int           // default 256
	WriteTimeout     time.Duration // default 10s
	HandshakeTimeout time.Duration // default 10s
	HeartbeatTimeout time.Duration // default 45s
	DrainWindow      time.Duration // default 2s
}

func (c *Config) setDefaults() {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = frame.DefaultMaxBytes
	}
	if c.WriteQueue <= 0 {
		c.WriteQueue = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 45 * time.Second
	}
	if c.DrainWindow <= 0 {
		c.DrainWindow = 2 * time.Second
	}
}

// Server accepts client control connections and maintains per-connection
// state until disconnect.
type Server struct {
	cfg     Config
	table   *routing.Table[*Registration]
	metrics *telemetry.Metrics

	wg sync.WaitGroup
}

// NewServer creates a control-channel server registering into table.
// metrics may be nil.
func NewServer(cfg Config, table *routing.Table[*Registration], metrics *telemetry.Metrics) *Server {
	cfg.setDefaults()
	return &Server{cfg: cfg, table: table, metrics: metrics}
}

// Serve accepts connections on ln until ctx is cancelled. It returns nil on
// clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Shutdown gracefully tears down every live registration: pending callers
// receive a shutdown error, sockets close.
func (s *Server) Shutdown() {
	s.table.Range(func(token string, reg *Registration) bool {
		s.table.Unregister(token, reg)
		reg.Shutdown()
		return true
	})
	s.wg.Wait()
}

func (s *Server) observeRegistration(outcome string) {
	if s.metrics != nil {
		s.metrics.Registrations.WithLabelValues(outcome).Inc()
	}
}

func (s *Server) observeFrame(kind frame.Kind, direction string) {
	if s.metrics != nil {
		s.metrics.FramesTotal.WithLabelValues(string(kind), direction).Inc()
	}
}

// handleConn runs the registration handshake, then the read loop, then the
// teardown. It owns the connection for its whole lifetime.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	dec := frame.NewDecoder(conn, s.cfg.MaxFrameBytes)
	enc := frame.NewEncoder(conn, s.cfg.MaxFrameBytes)

	// Handshake: exactly one register frame within the deadline.
	conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	f, err := dec.Read()
	if err != nil || f.Kind != frame.KindRegister {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		enc.Write(frame.Registered(false, frame.CodeBadRegister, "expected register frame"))
		conn.Close()
		s.observeRegistration("bad_handshake")
		return
	}
	if !tunnel.ValidToken(f.Token) {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		enc.Write(frame.Registered(false, frame.CodeBadRegister, "malformed token"))
		conn.Close()
		s.observeRegistration("invalid_token")
		return
	}

	reg := newRegistration(conn, f.Token, f.TargetPort, s.cfg.WriteQueue, s.cfg.WriteTimeout)

	// Token possession is the whole data-path authorization; a second
	// registration for the same token displaces the first.
	if prior, had := s.table.Register(f.Token, reg); had {
		prior.Evict(s.cfg.DrainWindow)
		s.observeRegistration("displaced_prior")
	}
	s.observeRegistration("accepted")
	if s.metrics != nil {
		s.metrics.ConnectedTunnels.Inc()
	}

	go reg.writeLoop(enc)
	if err := reg.Send(frame.Registered(true, "", "")); err != nil {
		s.teardown(reg)
		return
	}

	slog.LogAttrs(ctx, slog.LevelInfo, "tunnel registered",
		slog.String("token", tunnel.Redact(reg.token)),
		slog.String("remote", reg.remoteAddr),
		slog.Int("target_port", reg.targetPort),
	)

	s.readLoop(ctx, reg, dec)
	s.teardown(reg)
}

// readLoop demultiplexes inbound frames into the pending-request map and the
// heartbeat tracker until the connection dies. The read deadline doubles as
// dead-peer detection: a healthy client pings well inside the heartbeat
// timeout.
func (s *Server) readLoop(ctx context.Context, reg *Registration, dec *frame.Decoder) {
	for {
		reg.conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))
		f, err := dec.Read()
		if err != nil {
			if errors.Is(err, frame.ErrUnknownKind) {
				slog.Debug("ignoring unknown frame kind", "token", tunnel.Redact(reg.token), "kind", f.Kind)
				continue
			}
			if reg.Closed() {
				return
			}
			slog.LogAttrs(ctx, slog.LevelInfo, "control connection lost",
				slog.String("token", tunnel.Redact(reg.token)),
				slog.String("error", err.Error()),
			)
			return
		}
		s.observeFrame(f.Kind, "in")

		switch f.Kind {
		case frame.KindResponse, frame.KindError:
			if f.ID == 0 {
				// Connection-scoped client error; nothing to match.
				slog.Warn("client error frame", "token", tunnel.Redact(reg.token), "code", f.Code, "message", f.Message)
				continue
			}
			if !reg.deliver(f) {
				// Duplicate id or the caller already gave up; drop.
				slog.Debug("unmatched frame dropped", "token", tunnel.Redact(reg.token), "id", f.ID, "kind", f.Kind)
			}
		case frame.KindPing:
			reg.Send(frame.Pong(f.TS))
			s.observeFrame(frame.KindPong, "out")
		case frame.KindPong:
			// Relay does not originate pings; a stray pong is harmless.
		default:
			// register/registered after the handshake is a protocol
			// violation; close the connection.
			slog.Warn("protocol violation, closing", "token", tunnel.Redact(reg.token), "kind", f.Kind)
			return
		}
	}
}

// teardown unregisters (only if we still own the token), fails all parked
// requests and closes the socket.
func (s *Server) teardown(reg *Registration) {
	s.table.Unregister(reg.token, reg)
	if s.metrics != nil {
		s.metrics.ConnectedTunnels.Dec()
	}
	reg.failPending(frame.CodeInternal, "tunnel disconnected")
	reg.close()
	slog.Info("tunnel closed", "token", tunnel.Redact(reg.token), "remote", reg.remoteAddr)
}
