package chunkxfer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Config holds transfer configuration shared by senders and receivers.
type Config struct {
	// ChunkSize is the sender's chunk body size
	ChunkSize int

	// MaxChunkSize is the largest chunk body a receiver buffers
	MaxChunkSize int

	// Termination must be the same on both ends
	Termination Termination

	// Timeout bounds every single read or write (0 = none)
	Timeout time.Duration

	// Dir is where receivers create files when no OnFileCreate hook is set
	Dir string

	// ProgressInterval is the minimum time between OnProgress calls
	ProgressInterval time.Duration

	// Trace logs every raw read and write at debug level
	Trace bool

	Context   context.Context
	Logger    Logger
	Callbacks *Callbacks
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:        DefaultChunkSize,
		MaxChunkSize:     DefaultMaxChunkSize,
		Termination:      TerminateOnLength,
		Timeout:          30 * time.Second,
		Dir:              ".",
		ProgressInterval: 100 * time.Millisecond,
		Context:          context.Background(),
	}
}

// withDefaults returns a copy of c with unset fields filled in.
func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		c = def
	}
	out := *c
	if out.ChunkSize <= 0 {
		out.ChunkSize = def.ChunkSize
	}
	if out.MaxChunkSize <= 0 {
		out.MaxChunkSize = def.MaxChunkSize
	}
	if out.MaxChunkSize < out.ChunkSize {
		out.MaxChunkSize = out.ChunkSize
	}
	if out.Dir == "" {
		out.Dir = def.Dir
	}
	if out.ProgressInterval <= 0 {
		out.ProgressInterval = def.ProgressInterval
	}
	if out.Context == nil {
		out.Context = context.Background()
	}
	if out.Logger == nil {
		out.Logger = NoopLogger{}
	}
	out.Callbacks = mergeCallbacks(out.Callbacks)
	return &out
}

// Session represents one transfer connection.
// It provides a high-level API for sending or receiving a file.
type Session struct {
	// I/O
	reader io.Reader
	writer io.Writer

	// Configuration
	config *Config

	// Callbacks
	callbacks *Callbacks

	// Internal state
	sender   *Sender
	receiver *Receiver

	// Context
	ctx context.Context

	// Logger
	logger Logger
}

// Option configures a Session.
type Option func(*Session)

// WithConfig sets the session configuration.
func WithConfig(config *Config) Option {
	return func(s *Session) {
		s.config = config
	}
}

// WithCallbacks sets the session callbacks.
func WithCallbacks(callbacks *Callbacks) Option {
	return func(s *Session) {
		s.callbacks = mergeCallbacks(callbacks)
	}
}

// WithContext sets the session context.
func WithContext(ctx context.Context) Option {
	return func(s *Session) {
		s.ctx = ctx
	}
}

// WithSessionLogger sets a logger for protocol debugging.
func WithSessionLogger(logger Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// NewSession creates a new transfer session. reader is the receiving side of
// the stream and writer the sending side; either may be nil if the session
// only goes one way.
func NewSession(reader io.Reader, writer io.Writer, opts ...Option) *Session {
	s := &Session{
		reader: reader,
		writer: writer,
		config: DefaultConfig(),
	}

	for _, opt := range opts {
		opt(s)
	}

	config := s.config.withDefaults()
	if s.callbacks != nil {
		config.Callbacks = s.callbacks
	}
	if s.ctx != nil {
		config.Context = s.ctx
	}
	if s.logger != nil {
		config.Logger = s.logger
	}
	s.config = config
	s.callbacks = config.Callbacks
	s.ctx = config.Context
	s.logger = config.Logger

	if config.Trace {
		if s.reader != nil {
			s.reader = NewTraceReader(s.reader, s.logger, "stream")
		}
		if s.writer != nil {
			s.writer = NewTraceWriter(s.writer, s.logger, "stream")
		}
	}

	if s.writer != nil {
		s.sender = NewSender(s.writer, config)
	}
	if s.reader != nil {
		s.receiver = NewReceiver(s.reader, config)
	}

	return s
}

// SendFile sends the file at path under its base name.
func (s *Session) SendFile(ctx context.Context, path string) (*Transfer, error) {
	if s.sender == nil {
		return nil, NewError(ErrConnection, "session has no write side")
	}

	var (
		file io.Reader
		info os.FileInfo
		err  error
	)
	if s.callbacks.OnFileOpen != nil {
		file, info, err = s.callbacks.OnFileOpen(path)
	} else {
		file, info, err = openFile(path)
	}
	if err != nil {
		err = wrapError(ErrIO, err, "open %s", path)
		s.callbacks.OnError(err, "open file")
		return nil, err
	}
	if closer, ok := file.(io.Closer); ok {
		defer closer.Close()
	}
	if info.IsDir() {
		err := NewError(ErrIO, path+" is a directory")
		s.callbacks.OnError(err, "open file")
		return nil, err
	}

	return s.SendReader(ctx, filepath.Base(path), info.Size(), file)
}

// SendReader sends length bytes of file under name.
func (s *Session) SendReader(ctx context.Context, name string, length int64, file io.Reader) (*Transfer, error) {
	if s.sender == nil {
		return nil, NewError(ErrConnection, "session has no write side")
	}
	if ctx == nil {
		ctx = s.ctx
	}
	return s.sender.Send(ctx, name, length, file)
}

// ReceiveFile receives one file over the session.
func (s *Session) ReceiveFile(ctx context.Context) (*Transfer, error) {
	if s.receiver == nil {
		return nil, NewError(ErrConnection, "session has no read side")
	}
	if ctx == nil {
		ctx = s.ctx
	}
	return s.receiver.Receive(ctx)
}

// Sender returns the session's sender, nil for a receive-only session.
func (s *Session) Sender() *Sender { return s.sender }

// Receiver returns the session's receiver, nil for a send-only session.
func (s *Session) Receiver() *Receiver { return s.receiver }

func openFile(path string) (io.Reader, os.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrap(err, "stat")
	}
	return f, info, nil
}
