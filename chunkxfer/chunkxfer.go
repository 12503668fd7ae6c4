// Package chunkxfer implements a single-file chunked transfer protocol over a
// persistent byte stream.
//
// A transfer is one MessageHeader (file length and base name) followed by a
// sequence of ChunkHeader + chunk body pairs. The sender keeps exactly one
// chunk in flight, so memory per transfer is bounded by one chunk regardless
// of the file size. The receiver finishes either when it has received the
// declared number of bytes or when it reads the end-of-stream sentinel,
// depending on the configured Termination policy. Both ends must use the
// same policy.
//
// The package is designed as a library: callers hand it a connected stream
// (a net.Conn, an SSH session, stdin/stdout) and get back a Transfer or a
// labelled *Error. Callback hooks report progress and state transitions.
package chunkxfer

// Wire layout
const (
	// NameWidth is the fixed width of the file name field. Changing it
	// changes the protocol version.
	NameWidth = 256

	// MessageHeaderSize is the encoded size of a MessageHeader.
	MessageHeaderSize = 8 + NameWidth

	// ChunkHeaderSize is the encoded size of a ChunkHeader.
	ChunkHeaderSize = 8 + 8 + 8

	// SentinelIndex is the reserved chunk index of the end-of-stream marker.
	SentinelIndex = -1
)

// Chunk sizing
const (
	// DefaultChunkSize is the sender's chunk size (1 MiB).
	DefaultChunkSize = 1024 * 1024

	// DefaultMaxChunkSize is the largest chunk body a receiver accepts.
	DefaultMaxChunkSize = 8 * 1024 * 1024
)

// Termination selects how a receiver detects the end of a transfer.
type Termination int

const (
	// TerminateOnLength ends the transfer once the declared file length has
	// been received. No sentinel is sent or expected.
	TerminateOnLength Termination = iota

	// TerminateOnSentinel ends the transfer when the sentinel chunk header
	// arrives. The sender always writes it after the last chunk.
	TerminateOnSentinel
)

func (t Termination) String() string {
	switch t {
	case TerminateOnLength:
		return "length"
	case TerminateOnSentinel:
		return "sentinel"
	default:
		return "unknown"
	}
}

// SenderState is a state of the Sender state machine.
type SenderState int

const (
	SenderConnecting SenderState = iota
	SenderSendingHeader
	SenderSendingChunks
	SenderDone
	SenderFailed
)

var senderStates = []string{
	"Connecting",
	"SendingHeader",
	"SendingChunks",
	"Done",
	"Failed",
}

func (s SenderState) String() string {
	if s < 0 || int(s) >= len(senderStates) {
		return "UNKNOWN"
	}
	return senderStates[s]
}

// ReceiverState is a state of the Receiver state machine.
type ReceiverState int

const (
	ReceiverAwaitingHeader ReceiverState = iota
	ReceiverAwaitingChunkHeader
	ReceiverAwaitingChunkBody
	ReceiverComplete
	ReceiverFailed
)

var receiverStates = []string{
	"AwaitingHeader",
	"AwaitingChunkHeader",
	"AwaitingChunkBody",
	"Complete",
	"Failed",
}

func (s ReceiverState) String() string {
	if s < 0 || int(s) >= len(receiverStates) {
		return "UNKNOWN"
	}
	return receiverStates[s]
}
