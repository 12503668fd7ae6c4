package chunkxfer

import (
	"context"
	"io"
	"time"
)

// Sender drives the sending side of one connection.
//
// State flow:
//
//	Connecting -> SendingHeader -> SendingChunks -> Done
//	                  \________________\___________-> Failed
//
// Every chunk header and body is fully written before the next chunk is
// read from the file, so at most one chunk is in flight.
type Sender struct {
	// I/O
	writer io.Writer

	// Configuration
	chunkSize        int
	termination      Termination
	timeout          time.Duration
	progressInterval time.Duration

	// State
	state  SenderState
	sent   int64
	chunks int64
	err    error

	ctx       context.Context
	logger    Logger
	callbacks *Callbacks
}

// NewSender creates a sender writing to writer.
func NewSender(writer io.Writer, config *Config) *Sender {
	config = config.withDefaults()
	return &Sender{
		writer:           writer,
		chunkSize:        config.ChunkSize,
		termination:      config.Termination,
		timeout:          config.Timeout,
		progressInterval: config.ProgressInterval,
		state:            SenderConnecting,
		ctx:              config.Context,
		logger:           config.Logger,
		callbacks:        config.Callbacks,
	}
}

// State returns the current state.
func (s *Sender) State() SenderState {
	return s.state
}

// Sent returns the number of body bytes written so far.
func (s *Sender) Sent() int64 {
	return s.sent
}

// Err returns the error that failed the session, if any.
func (s *Sender) Err() error {
	return s.err
}

// Send transfers length bytes of file under name. A Sender carries exactly
// one transfer; calling Send twice fails.
func (s *Sender) Send(ctx context.Context, name string, length int64, file io.Reader) (*Transfer, error) {
	if s.state != SenderConnecting {
		return nil, NewError(ErrProtocol, "sender already used")
	}
	if ctx == nil {
		ctx = s.ctx
	}

	stream := newStreamIO(ctx, nil, s.writer, s.timeout)
	stop := stream.watch()
	defer stop()

	source := NewChunkSource(file, length, s.chunkSize)
	sum := newDigest()
	progress := NewProgressTracker(s.callbacks.OnProgress, s.progressInterval)

	s.logger.Info("Send: file=%s, length=%d, chunk=%d, termination=%s",
		name, length, s.chunkSize, s.termination)
	s.callbacks.OnFileStart(name, length)
	progress.Start(name, length)
	s.setState(SenderSendingHeader)

	for {
		switch s.state {
		case SenderSendingHeader:
			if err := writeMessageHeader(stream, MessageHeader{Length: length, Name: name}); err != nil {
				s.fail(err, "send message header")
				continue
			}
			s.setState(SenderSendingChunks)

		case SenderSendingChunks:
			hdr, body, err := source.Next()
			if err == io.EOF {
				if err := s.finish(stream, length); err != nil {
					s.fail(err, "finish transfer")
					continue
				}
				s.setState(SenderDone)
				continue
			}
			if err != nil {
				s.fail(err, "read file")
				continue
			}

			if err := writeChunkHeader(stream, hdr); err != nil {
				s.fail(err, "send chunk header")
				continue
			}
			if err := stream.WriteAll(body, "chunk body"); err != nil {
				s.fail(err, "send chunk body")
				continue
			}

			sum.add(body)
			s.sent += hdr.Size
			s.chunks++
			progress.Chunk(hdr.Size)
			s.logger.Debug("%s", FormatChunkLog("sent", hdr, body))
			s.callbacks.emit(EventChunkSent, "", hdr)

		case SenderDone:
			duration := progress.Complete()
			s.logger.Info("Send: completed %s (%d bytes, %d chunks in %v)", name, s.sent, s.chunks, duration)
			s.callbacks.OnFileComplete(name, s.sent, duration)
			return &Transfer{
				Name:     name,
				Length:   length,
				Bytes:    s.sent,
				Chunks:   s.chunks,
				Digest:   sum.sum(),
				Duration: duration,
			}, nil

		case SenderFailed:
			return nil, s.err

		default:
			s.fail(NewError(ErrProtocol, "unexpected sender state "+s.state.String()), "send")
		}
	}
}

// finish checks the byte count against the declared length and, under the
// sentinel policy, writes the end-of-stream marker.
func (s *Sender) finish(stream *streamIO, length int64) error {
	if s.sent != length {
		return wrapError(ErrIO, io.ErrUnexpectedEOF, "file ended after %d of %d bytes", s.sent, length)
	}
	if s.termination != TerminateOnSentinel {
		return nil
	}
	if err := writeChunkHeader(stream, SentinelHeader); err != nil {
		return err
	}
	s.logger.Debug("%s", FormatChunkLog("sent", SentinelHeader, nil))
	s.callbacks.emit(EventChunkSent, "end of stream", SentinelHeader)
	return nil
}

func (s *Sender) setState(next SenderState) {
	s.logger.Debug("Sender: %s -> %s", s.state, next)
	s.state = next
	s.callbacks.emit(EventStateChange, next.String(), ChunkHeader{})
}

func (s *Sender) fail(err error, where string) {
	s.err = err
	s.logger.Error("Send: %s: %v", where, err)
	s.callbacks.OnError(err, where)
	s.callbacks.emit(EventError, err.Error(), ChunkHeader{})
	s.setState(SenderFailed)
}
