package chunkxfer

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Logger receives printf-style session logs.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// LogrusLogger adapts a logrus entry to Logger.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps entry. Fields set on the entry are attached to every line.
func NewLogrusLogger(entry *logrus.Entry) *LogrusLogger {
	return &LogrusLogger{entry: entry}
}

func (l *LogrusLogger) Debug(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *LogrusLogger) Info(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *LogrusLogger) Error(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

// WithField returns a logger that adds key=value to every line.
func (l *LogrusLogger) WithField(key string, value interface{}) *LogrusLogger {
	return &LogrusLogger{entry: l.entry.WithField(key, value)}
}

// Entry returns the underlying logrus entry.
func (l *LogrusLogger) Entry() *logrus.Entry {
	return l.entry
}

// FileLogger is a LogrusLogger appending debug-level text lines to a file.
type FileLogger struct {
	*LogrusLogger
	out *os.File
}

// NewFileLogger opens path for appending, creating it if needed.
func NewFileLogger(path string) (*FileLogger, error) {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open log file")
	}

	base := logrus.New()
	base.SetOutput(out)
	base.SetLevel(logrus.DebugLevel)
	base.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	return &FileLogger{
		LogrusLogger: NewLogrusLogger(logrus.NewEntry(base)),
		out:          out,
	}, nil
}

// Close closes the log file.
func (l *FileLogger) Close() error {
	if l == nil || l.out == nil {
		return nil
	}
	return l.out.Close()
}

// NoopLogger discards everything. It is the default when no logger is set.
type NoopLogger struct{}

func (NoopLogger) Debug(string, ...interface{}) {}
func (NoopLogger) Info(string, ...interface{})  {}
func (NoopLogger) Error(string, ...interface{}) {}

// FormatChunkLog formats a chunk header for logging with optional body truncation
func FormatChunkLog(direction string, hdr ChunkHeader, body []byte) string {
	msg := fmt.Sprintf("%s %s", direction, hdr)
	if len(body) == 0 {
		return msg
	}

	displayLen := len(body)
	if displayLen > 32 {
		return msg + fmt.Sprintf(", data=%q...[truncated]", body[:32])
	}
	return msg + fmt.Sprintf(", data=%q", body[:displayLen])
}

// TraceReader logs every read on a stream at debug level. It keeps the
// wrapped stream's read deadline support.
type TraceReader struct {
	io.Reader
	log   Logger
	label string
}

// NewTraceReader wraps r.
func NewTraceReader(r io.Reader, log Logger, label string) *TraceReader {
	return &TraceReader{Reader: r, log: log, label: label}
}

func (t *TraceReader) Read(p []byte) (int, error) {
	n, err := t.Reader.Read(p)
	trace(t.log, t.label, "read", n, err)
	return n, err
}

func (t *TraceReader) SetReadDeadline(deadline time.Time) error {
	if d, ok := t.Reader.(ReadDeadliner); ok {
		return d.SetReadDeadline(deadline)
	}
	return nil
}

// TraceWriter logs every write on a stream at debug level. It keeps the
// wrapped stream's write deadline support.
type TraceWriter struct {
	io.Writer
	log   Logger
	label string
}

// NewTraceWriter wraps w.
func NewTraceWriter(w io.Writer, log Logger, label string) *TraceWriter {
	return &TraceWriter{Writer: w, log: log, label: label}
}

func (t *TraceWriter) Write(p []byte) (int, error) {
	n, err := t.Writer.Write(p)
	trace(t.log, t.label, "wrote", n, err)
	return n, err
}

func (t *TraceWriter) SetWriteDeadline(deadline time.Time) error {
	if d, ok := t.Writer.(WriteDeadliner); ok {
		return d.SetWriteDeadline(deadline)
	}
	return nil
}

func trace(log Logger, label, op string, n int, err error) {
	if log == nil {
		return
	}
	if n > 0 {
		log.Debug("%s: %s %d bytes", label, op, n)
	}
	if err != nil && err != io.EOF {
		log.Error("%s: %s failed: %v", label, op, err)
	}
}
