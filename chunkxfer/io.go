package chunkxfer

import (
	"context"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

// ReadDeadliner is implemented by streams that support read timeouts.
type ReadDeadliner interface {
	SetReadDeadline(time.Time) error
}

// WriteDeadliner is implemented by streams that support write timeouts.
type WriteDeadliner interface {
	SetWriteDeadline(time.Time) error
}

// streamIO performs whole reads and writes on one side of a session's stream,
// one operation at a time, each bounded by the per-operation timeout.
type streamIO struct {
	reader  io.Reader
	writer  io.Writer
	timeout time.Duration
	ctx     context.Context
}

// newStreamIO creates the stream I/O for one session.
//
// Parameters:
//   - reader/writer: either may be nil when the session only uses one direction
//   - timeout: per-operation timeout, 0 = none (applied only to streams that
//     implement ReadDeadliner/WriteDeadliner; os.ErrNoDeadline is ignored so
//     regular files work as streams)
func newStreamIO(ctx context.Context, reader io.Reader, writer io.Writer, timeout time.Duration) *streamIO {
	if ctx == nil {
		ctx = context.Background()
	}
	return &streamIO{
		reader:  reader,
		writer:  writer,
		timeout: timeout,
		ctx:     ctx,
	}
}

// watch unblocks a pending operation when the context is cancelled by
// pushing the stream deadlines into the past. Call the returned function
// when the session ends.
func (s *streamIO) watch() func() bool {
	return context.AfterFunc(s.ctx, func() {
		past := time.Unix(1, 0)
		if d, ok := s.reader.(ReadDeadliner); ok {
			d.SetReadDeadline(past)
		}
		if d, ok := s.writer.(WriteDeadliner); ok {
			d.SetWriteDeadline(past)
		}
	})
}

func (s *streamIO) deadline() time.Time {
	if s.timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(s.timeout)
}

// ReadFull fills buf from the stream.
func (s *streamIO) ReadFull(buf []byte, what string) error {
	if err := s.ctx.Err(); err != nil {
		return wrapError(ErrCancelled, err, "reading %s", what)
	}
	if d, ok := s.reader.(ReadDeadliner); ok {
		if err := d.SetReadDeadline(s.deadline()); err != nil && !errors.Is(err, os.ErrNoDeadline) {
			return s.classify(err, "reading %s", what)
		}
	}
	// the watcher may have fired between the check above and the deadline reset
	if err := s.ctx.Err(); err != nil {
		return wrapError(ErrCancelled, err, "reading %s", what)
	}

	if _, err := io.ReadFull(s.reader, buf); err != nil {
		return s.classify(err, "reading %s", what)
	}
	return nil
}

// WriteAll writes buf to the stream.
func (s *streamIO) WriteAll(buf []byte, what string) error {
	if err := s.ctx.Err(); err != nil {
		return wrapError(ErrCancelled, err, "writing %s", what)
	}
	if d, ok := s.writer.(WriteDeadliner); ok {
		if err := d.SetWriteDeadline(s.deadline()); err != nil && !errors.Is(err, os.ErrNoDeadline) {
			return s.classify(err, "writing %s", what)
		}
	}
	if err := s.ctx.Err(); err != nil {
		return wrapError(ErrCancelled, err, "writing %s", what)
	}

	if _, err := s.writer.Write(buf); err != nil {
		return s.classify(err, "writing %s", what)
	}
	return nil
}

// classify labels a transport error.
func (s *streamIO) classify(err error, format string, args ...interface{}) error {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return wrapError(ErrCancelled, ctxErr, format, args...)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return wrapError(ErrTimeout, err, format, args...)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wrapError(ErrTimeout, err, format, args...)
	}
	return wrapError(ErrConnection, err, format, args...)
}
