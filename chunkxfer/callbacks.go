package chunkxfer

import (
	"io"
	"os"
	"time"
)

// Callbacks are optional hooks into a session. They run on the session's
// goroutine and must not block for long.
type Callbacks struct {
	// OnFileStart is called once the file name and length are known.
	OnFileStart func(filename string, size int64)

	// OnProgress reports bytes moved so far against the declared length,
	// with the rate in bytes per second since the previous report.
	OnProgress func(filename string, transferred, total int64, rate float64)

	// OnFileComplete is called once the session reaches Done or Complete.
	OnFileComplete func(filename string, bytesTransferred int64, duration time.Duration)

	// OnError is called once when a session fails; context names the step.
	OnError func(err error, context string)

	// OnEvent is called for state transitions and chunk traffic.
	OnEvent func(event Event)

	// OnFileOpen replaces os.Open for Session.SendFile.
	OnFileOpen func(filename string) (io.Reader, os.FileInfo, error)

	// OnFileCreate is called when creating the destination file (receiver).
	// filename is already reduced to a base name.
	// If nil, the file is created in Config.Dir.
	OnFileCreate func(filename string, size int64) (io.Writer, error)
}

// Event is a state transition or chunk observed by a session.
type Event struct {
	Type      EventType
	Message   string
	Chunk     ChunkHeader
	Timestamp time.Time
}

// EventType tells events apart.
type EventType int

const (
	EventStateChange EventType = iota
	EventChunkSent
	EventChunkReceived
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventStateChange:
		return "state"
	case EventChunkSent:
		return "chunk-sent"
	case EventChunkReceived:
		return "chunk-received"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// mergeCallbacks returns a copy of user with every unset notification hook
// replaced by a no-op. File hooks stay nil so the built-in file handling
// applies.
func mergeCallbacks(user *Callbacks) *Callbacks {
	var out Callbacks
	if user != nil {
		out = *user
	}
	if out.OnFileStart == nil {
		out.OnFileStart = func(string, int64) {}
	}
	if out.OnProgress == nil {
		out.OnProgress = func(string, int64, int64, float64) {}
	}
	if out.OnFileComplete == nil {
		out.OnFileComplete = func(string, int64, time.Duration) {}
	}
	if out.OnError == nil {
		out.OnError = func(error, string) {}
	}
	if out.OnEvent == nil {
		out.OnEvent = func(Event) {}
	}
	return &out
}

func (c *Callbacks) emit(t EventType, message string, chunk ChunkHeader) {
	c.OnEvent(Event{
		Type:      t,
		Message:   message,
		Chunk:     chunk,
		Timestamp: time.Now(),
	})
}
