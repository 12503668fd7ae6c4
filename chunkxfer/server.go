package chunkxfer

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

// ServerConfig configures the connection acceptor.
type ServerConfig struct {
	// Addr is the TCP listen address, e.g. ":9000"
	Addr string

	// MaxConns caps concurrently served connections (0 = unlimited)
	MaxConns int

	// SocketBuffer sets SO_RCVBUF on accepted TCP connections (0 = OS default)
	SocketBuffer int

	// Transfer is the per-session transfer configuration
	Transfer *Config

	// Log is the base logger; every session gets session and remote fields
	Log *logrus.Logger

	// OnSessionEnd reports each session's terminal status. It is called from
	// the session's goroutine.
	OnSessionEnd func(id string, transfer *Transfer, err error)
}

// Server accepts inbound connections and runs one Receiver per connection.
// Sessions run independently; one session's failure never stops the accept
// loop.
type Server struct {
	config ServerConfig
	log    *logrus.Entry

	mu       sync.Mutex
	listener net.Listener

	wg     sync.WaitGroup
	active atomic.Int64
}

// NewServer creates a new acceptor.
func NewServer(config ServerConfig) *Server {
	if config.Log == nil {
		config.Log = logrus.StandardLogger()
	}
	return &Server{
		config: config,
		log:    logrus.NewEntry(config.Log),
	}
}

// ListenAndServe listens on config.Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.config.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or Close is called,
// then waits for running sessions to end. Sessions inherit ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.config.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConns)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.wg.Wait()

	s.log.Infof("Accepting transfers on %s", ln.Addr())

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.log.Info("Acceptor stopped")
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.log.WithError(err).Errorf("Accept failed, retrying in %v", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go s.handle(ctx, conn)
	}
}

// Addr returns the listener address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Active returns the number of sessions currently running.
func (s *Server) Active() int64 {
	return s.active.Load()
}

// Close stops accepting. Running sessions continue until they end.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	s.active.Add(1)
	defer s.active.Add(-1)

	id := uuid.NewString()
	entry := s.log.WithFields(logrus.Fields{
		"session": id,
		"remote":  conn.RemoteAddr().String(),
	})
	tuneConn(conn, s.config.SocketBuffer)
	entry.Info("Session started")

	session := NewSession(conn, nil,
		WithConfig(s.config.Transfer),
		WithSessionLogger(NewLogrusLogger(entry)),
		WithContext(ctx),
	)
	transfer, err := session.ReceiveFile(ctx)
	if err != nil {
		entry.WithError(err).Error("Session failed")
	} else {
		entry.WithFields(logrus.Fields{
			"file":   transfer.Name,
			"bytes":  transfer.Bytes,
			"chunks": transfer.Chunks,
			"blake3": transfer.DigestHex(),
		}).Info("Session complete")
	}

	if s.config.OnSessionEnd != nil {
		s.config.OnSessionEnd(id, transfer, err)
	}
}

// tuneConn applies socket options to TCP connections.
func tuneConn(conn net.Conn, buffer int) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok || buffer <= 0 {
		return
	}
	tcp.SetReadBuffer(buffer)
}
