package chunkxfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Receiver drives the receiving side of one connection.
//
// State flow:
//
//	AwaitingHeader -> AwaitingChunkHeader <-> AwaitingChunkBody
//	                        |
//	                        +-> Complete      (any state -> Failed)
//
// Chunks are appended in stream order; a chunk whose index or offset does not
// continue the stream, or whose size would overrun the declared length, fails
// the session before any of its bytes are written. A body is read completely
// before it is written, so a failure mid-body leaves only whole chunks in the
// destination file. Nothing is rolled back on failure.
type Receiver struct {
	// I/O
	reader io.Reader
	file   io.Writer
	buf    []byte

	// Configuration
	termination      Termination
	timeout          time.Duration
	maxChunkSize     int
	dir              string
	progressInterval time.Duration

	// State
	state     ReceiverState
	header    MessageHeader
	pending   ChunkHeader
	received  int64
	nextIndex int64
	err       error

	ctx       context.Context
	logger    Logger
	callbacks *Callbacks
}

// NewReceiver creates a receiver reading from reader.
func NewReceiver(reader io.Reader, config *Config) *Receiver {
	config = config.withDefaults()
	return &Receiver{
		reader:           reader,
		termination:      config.Termination,
		timeout:          config.Timeout,
		maxChunkSize:     config.MaxChunkSize,
		dir:              config.Dir,
		progressInterval: config.ProgressInterval,
		state:            ReceiverAwaitingHeader,
		ctx:              config.Context,
		logger:           config.Logger,
		callbacks:        config.Callbacks,
	}
}

// State returns the current state.
func (r *Receiver) State() ReceiverState {
	return r.state
}

// Received returns the number of body bytes written so far.
func (r *Receiver) Received() int64 {
	return r.received
}

// Header returns the message header, once read.
func (r *Receiver) Header() MessageHeader {
	return r.header
}

// Err returns the error that failed the session, if any.
func (r *Receiver) Err() error {
	return r.err
}

// Receive runs the session to a terminal state. The destination file is
// closed before Receive returns.
func (r *Receiver) Receive(ctx context.Context) (*Transfer, error) {
	if r.state != ReceiverAwaitingHeader {
		return nil, NewError(ErrProtocol, "receiver already used")
	}
	if ctx == nil {
		ctx = r.ctx
	}

	stream := newStreamIO(ctx, r.reader, nil, r.timeout)
	stop := stream.watch()
	defer stop()
	defer r.closeFile()

	sum := newDigest()
	progress := NewProgressTracker(r.callbacks.OnProgress, r.progressInterval)

	r.logger.Info("Receive: waiting for message header (termination=%s)", r.termination)

	for {
		switch r.state {
		case ReceiverAwaitingHeader:
			hdr, err := readMessageHeader(stream)
			if err != nil {
				r.fail(err, "read message header")
				continue
			}
			name, err := baseName(hdr.Name)
			if err != nil {
				r.fail(err, "read message header")
				continue
			}
			r.header = MessageHeader{Length: hdr.Length, Name: name}
			r.logger.Info("Receive: file=%s, length=%d", name, hdr.Length)

			file, err := r.create(name, hdr.Length)
			if err != nil {
				r.fail(wrapError(ErrIO, err, "create %s", name), "create file")
				continue
			}
			r.file = file
			r.callbacks.OnFileStart(name, hdr.Length)
			progress.Start(name, hdr.Length)
			r.setState(ReceiverAwaitingChunkHeader)

		case ReceiverAwaitingChunkHeader:
			if r.termination == TerminateOnLength && r.received == r.header.Length {
				r.setState(ReceiverComplete)
				continue
			}
			hdr, err := readChunkHeader(stream)
			if err != nil {
				r.fail(err, "read chunk header")
				continue
			}
			if err := r.check(hdr); err != nil {
				r.fail(err, "check chunk header")
				continue
			}
			if hdr.IsSentinel() {
				r.logger.Debug("%s", FormatChunkLog("received", hdr, nil))
				r.callbacks.emit(EventChunkReceived, "end of stream", hdr)
				r.setState(ReceiverComplete)
				continue
			}
			r.pending = hdr
			r.setState(ReceiverAwaitingChunkBody)

		case ReceiverAwaitingChunkBody:
			hdr := r.pending
			body := r.buffer(hdr.Size)
			if err := stream.ReadFull(body, "chunk body"); err != nil {
				r.fail(err, "read chunk body")
				continue
			}
			if _, err := r.file.Write(body); err != nil {
				r.fail(wrapError(ErrIO, err, "write chunk %d of %s", hdr.Index, r.header.Name), "write file")
				continue
			}

			sum.add(body)
			r.received += hdr.Size
			r.nextIndex++
			progress.Chunk(hdr.Size)
			r.logger.Debug("%s", FormatChunkLog("received", hdr, body))
			r.callbacks.emit(EventChunkReceived, "", hdr)
			r.setState(ReceiverAwaitingChunkHeader)

		case ReceiverComplete:
			if err := r.closeFile(); err != nil {
				r.fail(wrapError(ErrIO, err, "close %s", r.header.Name), "close file")
				continue
			}
			duration := progress.Complete()
			r.logger.Info("Receive: completed %s (%d bytes, %d chunks in %v)",
				r.header.Name, r.received, r.nextIndex, duration)
			r.callbacks.OnFileComplete(r.header.Name, r.received, duration)
			return &Transfer{
				Name:     r.header.Name,
				Length:   r.header.Length,
				Bytes:    r.received,
				Chunks:   r.nextIndex,
				Digest:   sum.sum(),
				Duration: duration,
			}, nil

		case ReceiverFailed:
			return nil, r.err

		default:
			r.fail(NewError(ErrProtocol, "unexpected receiver state "+r.state.String()), "receive")
		}
	}
}

// check validates a chunk header against the stream so far.
func (r *Receiver) check(hdr ChunkHeader) error {
	if hdr.IsSentinel() {
		if r.termination != TerminateOnSentinel {
			return NewError(ErrProtocol, "end-of-stream marker under length termination")
		}
		if r.received != r.header.Length {
			r.logger.Error("Receive: end-of-stream marker after %d of %d bytes", r.received, r.header.Length)
		}
		return nil
	}

	switch {
	case hdr.Index != r.nextIndex:
		return NewError(ErrProtocol, fmt.Sprintf("chunk index %d, want %d", hdr.Index, r.nextIndex))
	case hdr.Offset != r.received:
		return NewError(ErrProtocol, fmt.Sprintf("chunk %d at offset %d, want %d", hdr.Index, hdr.Offset, r.received))
	case hdr.Size > r.header.Length-r.received:
		return NewError(ErrProtocol, fmt.Sprintf("chunk %d of %d bytes overruns declared length %d (have %d)",
			hdr.Index, hdr.Size, r.header.Length, r.received))
	case hdr.Size > int64(r.maxChunkSize):
		return NewError(ErrProtocol, fmt.Sprintf("chunk %d of %d bytes exceeds limit %d",
			hdr.Index, hdr.Size, r.maxChunkSize))
	}
	return nil
}

// buffer returns the session buffer resized to size bytes.
func (r *Receiver) buffer(size int64) []byte {
	if int64(cap(r.buf)) < size {
		r.buf = make([]byte, size)
	}
	return r.buf[:size]
}

func (r *Receiver) create(name string, size int64) (io.Writer, error) {
	if r.callbacks.OnFileCreate != nil {
		return r.callbacks.OnFileCreate(name, size)
	}
	f, err := os.Create(filepath.Join(r.dir, name))
	if err != nil {
		return nil, errors.Wrap(err, "create destination")
	}
	return f, nil
}

// closeFile closes the destination once.
func (r *Receiver) closeFile() error {
	if r.file == nil {
		return nil
	}
	file := r.file
	r.file = nil
	if closer, ok := file.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (r *Receiver) setState(next ReceiverState) {
	r.logger.Debug("Receiver: %s -> %s", r.state, next)
	r.state = next
	r.callbacks.emit(EventStateChange, next.String(), ChunkHeader{})
}

func (r *Receiver) fail(err error, where string) {
	r.err = err
	r.logger.Error("Receive: %s: %v", where, err)
	r.callbacks.OnError(err, where)
	r.callbacks.emit(EventError, err.Error(), ChunkHeader{})
	r.setState(ReceiverFailed)
}

// baseName reduces a wire name to a plain file name. Both separators are
// stripped so a peer on any platform cannot escape the destination directory.
func baseName(name string) (string, error) {
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	switch base {
	case ".", "..", "/":
		return "", NewError(ErrMalformedHeader, fmt.Sprintf("unusable file name %q", name))
	}
	return base, nil
}
