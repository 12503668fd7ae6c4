package chunkxfer

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MessageHeader is sent once per transfer, first on the wire.
//
// Layout (little-endian):
//
//	int64 Length | [NameWidth]byte Name (NUL-padded)
type MessageHeader struct {
	// Length is the total number of file bytes that follow in chunks
	Length int64

	// Name is the base name of the file
	Name string
}

// ChunkHeader precedes every chunk body.
//
// Layout (little-endian):
//
//	int64 Index | int64 Offset | int64 Size
type ChunkHeader struct {
	Index  int64
	Offset int64
	Size   int64
}

// SentinelHeader marks the end of the chunk stream under TerminateOnSentinel.
var SentinelHeader = ChunkHeader{Index: SentinelIndex, Offset: 0, Size: 0}

// IsSentinel reports whether h is the end-of-stream marker.
func (h ChunkHeader) IsSentinel() bool {
	return h.Index == SentinelIndex
}

func (h ChunkHeader) String() string {
	if h.IsSentinel() {
		return "chunk[EOF]"
	}
	return fmt.Sprintf("chunk[%d] offset=%d size=%d", h.Index, h.Offset, h.Size)
}

// EncodeMessageHeader encodes h into a MessageHeaderSize block.
func EncodeMessageHeader(h MessageHeader) ([]byte, error) {
	if h.Length < 0 {
		return nil, NewError(ErrMalformedHeader, fmt.Sprintf("negative file length %d", h.Length))
	}
	if h.Name == "" {
		return nil, NewError(ErrMalformedHeader, "empty file name")
	}
	// one byte is kept for the terminating NUL
	if len(h.Name) > NameWidth-1 {
		return nil, NewError(ErrMalformedHeader,
			fmt.Sprintf("file name is %d bytes, limit is %d", len(h.Name), NameWidth-1))
	}
	if bytes.IndexByte([]byte(h.Name), 0) >= 0 {
		return nil, NewError(ErrMalformedHeader, "file name contains NUL")
	}

	buf := make([]byte, MessageHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.Length))
	copy(buf[8:], h.Name)
	return buf, nil
}

// DecodeMessageHeader decodes a MessageHeaderSize block.
func DecodeMessageHeader(b []byte) (MessageHeader, error) {
	var h MessageHeader
	if len(b) != MessageHeaderSize {
		return h, NewError(ErrMalformedHeader,
			fmt.Sprintf("message header is %d bytes, want %d", len(b), MessageHeaderSize))
	}

	h.Length = int64(binary.LittleEndian.Uint64(b[0:8]))
	if h.Length < 0 {
		return h, NewError(ErrMalformedHeader, fmt.Sprintf("negative file length %d", h.Length))
	}

	field := b[8:]
	end := bytes.IndexByte(field, 0)
	if end < 0 {
		return h, NewError(ErrMalformedHeader, "file name is not terminated")
	}
	if end == 0 {
		return h, NewError(ErrMalformedHeader, "empty file name")
	}
	h.Name = string(field[:end])
	return h, nil
}

// EncodeChunkHeader encodes h into a ChunkHeaderSize block.
func EncodeChunkHeader(h ChunkHeader) []byte {
	buf := make([]byte, ChunkHeaderSize)
	putChunkHeader(buf, h)
	return buf
}

func putChunkHeader(buf []byte, h ChunkHeader) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.Index))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.Offset))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.Size))
}

// DecodeChunkHeader decodes a ChunkHeaderSize block.
func DecodeChunkHeader(b []byte) (ChunkHeader, error) {
	var h ChunkHeader
	if len(b) != ChunkHeaderSize {
		return h, NewError(ErrMalformedHeader,
			fmt.Sprintf("chunk header is %d bytes, want %d", len(b), ChunkHeaderSize))
	}

	h.Index = int64(binary.LittleEndian.Uint64(b[0:8]))
	h.Offset = int64(binary.LittleEndian.Uint64(b[8:16]))
	h.Size = int64(binary.LittleEndian.Uint64(b[16:24]))

	switch {
	case h.Index < SentinelIndex:
		return h, NewError(ErrMalformedHeader, fmt.Sprintf("invalid chunk index %d", h.Index))
	case h.IsSentinel() && (h.Size != 0 || h.Offset != 0):
		return h, NewError(ErrMalformedHeader,
			fmt.Sprintf("sentinel with offset=%d size=%d", h.Offset, h.Size))
	case h.Offset < 0:
		return h, NewError(ErrMalformedHeader, fmt.Sprintf("negative chunk offset %d", h.Offset))
	case h.Size < 0:
		return h, NewError(ErrMalformedHeader, fmt.Sprintf("negative chunk size %d", h.Size))
	}
	return h, nil
}

// readMessageHeader reads and decodes one MessageHeader from the stream.
func readMessageHeader(s *streamIO) (MessageHeader, error) {
	var buf [MessageHeaderSize]byte
	if err := s.ReadFull(buf[:], "message header"); err != nil {
		return MessageHeader{}, err
	}
	return DecodeMessageHeader(buf[:])
}

// writeMessageHeader encodes and writes one MessageHeader.
func writeMessageHeader(s *streamIO, h MessageHeader) error {
	buf, err := EncodeMessageHeader(h)
	if err != nil {
		return err
	}
	return s.WriteAll(buf, "message header")
}

// readChunkHeader reads and decodes one ChunkHeader from the stream.
func readChunkHeader(s *streamIO) (ChunkHeader, error) {
	var buf [ChunkHeaderSize]byte
	if err := s.ReadFull(buf[:], "chunk header"); err != nil {
		return ChunkHeader{}, err
	}
	return DecodeChunkHeader(buf[:])
}

// writeChunkHeader encodes and writes one ChunkHeader.
func writeChunkHeader(s *streamIO, h ChunkHeader) error {
	var buf [ChunkHeaderSize]byte
	putChunkHeader(buf[:], h)
	return s.WriteAll(buf[:], "chunk header")
}
