// Package link implements the single-peer TCP server behind the device and
// companion streams.
//
// A Server keeps at most one live connection. A newly accepted connection
// replaces the previous one, which is closed without notice
// (last-connect-wins). Write failures close the peer and the server returns
// to the idle state until the next connection arrives.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrNoPeer is returned by Write while nobody is connected.
var ErrNoPeer = errors.New("link: no peer connected")

// acceptBackoff is the pause after a failed Accept.
const acceptBackoff = time.Second

// Config holds server settings.
type Config struct {
	// Name tags log lines and stats ("device", "companion").
	Name string
	Addr string

	// KeepAlive is the TCP keepalive period on accepted sockets. Zero
	// disables keepalive.
	KeepAlive time.Duration

	// DrainReads makes the server read and discard peer traffic, so a
	// closed socket is noticed without waiting for the next write.
	// Otherwise the peer is treated as a write-only sink.
	DrainReads bool

	// CheckInterval is the liveness bookkeeping period for write-only
	// peers.
	CheckInterval time.Duration
}

// Stats is a point-in-time view of a server.
type Stats struct {
	Name          string    `json:"name"`
	Addr          string    `json:"addr"`
	Connected     bool      `json:"connected"`
	PeerID        string    `json:"peer_id,omitempty"`
	PeerAddr      string    `json:"peer_addr,omitempty"`
	ConnectedAt   time.Time `json:"connected_at,omitempty"`
	Accepted      uint64    `json:"accepted"`
	Evicted       uint64    `json:"evicted"`
	Disconnects   uint64    `json:"disconnects"`
	WriteFailures uint64    `json:"write_failures"`
	MessagesSent  uint64    `json:"messages_sent"`
	BytesSent     uint64    `json:"bytes_sent"`
}

type peer struct {
	id    string
	conn  net.Conn
	since time.Time
	done  chan struct{}
	once  sync.Once
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// Server is a last-connect-wins TCP server.
type Server struct {
	cfg    Config
	ln     net.Listener
	logger *slog.Logger

	peerMu sync.Mutex
	peer   *peer

	// writeMu serializes whole messages on the wire.
	writeMu sync.Mutex

	onConnect func()

	accepted      atomic.Uint64
	evicted       atomic.Uint64
	disconnects   atomic.Uint64
	writeFailures atomic.Uint64
	messagesSent  atomic.Uint64
	bytesSent     atomic.Uint64

	// closed is guarded by peerMu so that attach and Close agree on
	// whether a new peer may be installed.
	closed bool
	wg     sync.WaitGroup
}

// Listen binds the server address. Call Serve to start accepting.
func Listen(cfg Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("link %s: listen %s: %w", cfg.Name, cfg.Addr, err)
	}
	return &Server{
		cfg:    cfg,
		ln:     ln,
		logger: logger.With("component", "link", "link", cfg.Name),
	}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// OnConnect registers fn to run after each new peer becomes active. It must
// be set before Serve.
func (s *Server) OnConnect(fn func()) { s.onConnect = fn }

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.logger.Info("listening", "addr", s.ln.Addr().String())

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptBackoff):
			}
			continue
		}
		s.attach(conn)
	}
}

func (s *Server) attach(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok && s.cfg.KeepAlive > 0 {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(s.cfg.KeepAlive)
	}

	p := &peer{
		id:    uuid.NewString(),
		conn:  conn,
		since: time.Now(),
		done:  make(chan struct{}),
	}

	s.peerMu.Lock()
	if s.closed {
		s.peerMu.Unlock()
		conn.Close()
		return
	}
	old := s.peer
	s.peer = p
	s.wg.Add(1)
	s.peerMu.Unlock()

	s.accepted.Add(1)
	if old != nil {
		old.close()
		s.evicted.Add(1)
		s.logger.Info("peer replaced",
			"old_peer", old.id,
			"old_addr", old.conn.RemoteAddr().String(),
		)
	}
	s.logger.Info("peer connected",
		"peer", p.id,
		"addr", conn.RemoteAddr().String(),
	)

	go s.watch(p)

	if s.onConnect != nil {
		s.onConnect()
	}
}

// watch runs for the lifetime of one peer.
func (s *Server) watch(p *peer) {
	defer s.wg.Done()

	if s.cfg.DrainReads {
		io.Copy(io.Discard, p.conn)
		if s.drop(p) {
			s.disconnects.Add(1)
			s.logger.Info("peer disconnected", "peer", p.id)
		}
		return
	}

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			s.logger.Debug("peer alive",
				"peer", p.id,
				"uptime", time.Since(p.since).Round(time.Second).String(),
				"bytes_sent", s.bytesSent.Load(),
			)
		}
	}
}

// drop closes p and clears it if it is still the active peer. It reports
// whether p was active.
func (s *Server) drop(p *peer) bool {
	s.peerMu.Lock()
	active := s.peer == p
	if active {
		s.peer = nil
	}
	s.peerMu.Unlock()

	p.close()
	return active
}

func (s *Server) isClosed() bool {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	return s.closed
}

func (s *Server) current() *peer {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	return s.peer
}

// Write sends msg to the active peer in a single write. On failure the peer
// is closed and cleared.
func (s *Server) Write(msg []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	p := s.current()
	if p == nil {
		return ErrNoPeer
	}

	n, err := p.conn.Write(msg)
	s.bytesSent.Add(uint64(n))
	if err != nil {
		s.writeFailures.Add(1)
		if s.drop(p) {
			s.logger.Warn("write failed, peer dropped",
				"peer", p.id,
				"error", err,
			)
		}
		return fmt.Errorf("link %s: write: %w", s.cfg.Name, err)
	}
	s.messagesSent.Add(1)
	return nil
}

// Connected reports whether a peer is active.
func (s *Server) Connected() bool {
	return s.current() != nil
}

// Stats returns counters and the active peer.
func (s *Server) Stats() Stats {
	st := Stats{
		Name:          s.cfg.Name,
		Addr:          s.ln.Addr().String(),
		Accepted:      s.accepted.Load(),
		Evicted:       s.evicted.Load(),
		Disconnects:   s.disconnects.Load(),
		WriteFailures: s.writeFailures.Load(),
		MessagesSent:  s.messagesSent.Load(),
		BytesSent:     s.bytesSent.Load(),
	}
	if p := s.current(); p != nil {
		st.Connected = true
		st.PeerID = p.id
		st.PeerAddr = p.conn.RemoteAddr().String()
		st.ConnectedAt = p.since
	}
	return st
}

// Close stops accepting, closes the active peer and waits for the peer
// goroutines. It is safe to call more than once.
func (s *Server) Close() error {
	s.peerMu.Lock()
	if s.closed {
		s.peerMu.Unlock()
		return nil
	}
	s.closed = true
	p := s.peer
	s.peer = nil
	s.peerMu.Unlock()

	err := s.ln.Close()
	if p != nil {
		p.close()
	}

	s.wg.Wait()
	return err
}
