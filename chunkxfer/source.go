package chunkxfer

import "io"

// ChunkSource reads a file front to back and yields it as a finite,
// non-restartable sequence of chunks.
type ChunkSource struct {
	reader    io.Reader
	buf       []byte
	index     int64
	consumed  int64
	exhausted bool
	err       error
}

// NewChunkSource creates a source over at most length bytes of r, cut into
// chunks of chunkSize bytes.
func NewChunkSource(r io.Reader, length int64, chunkSize int) *ChunkSource {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if length < 0 {
		length = 0
	}
	// a short file needs no more than its own length in buffer
	if length < int64(chunkSize) {
		chunkSize = int(length)
	}
	return &ChunkSource{
		reader: io.LimitReader(r, length),
		buf:    make([]byte, chunkSize),
	}
}

// Next returns the next chunk header and body. The body is only valid until
// the next call. Next returns io.EOF once the input is exhausted, and keeps
// returning it; a failed read poisons the source with an ErrIO error.
func (s *ChunkSource) Next() (ChunkHeader, []byte, error) {
	if s.err != nil {
		return ChunkHeader{}, nil, s.err
	}
	if s.exhausted || len(s.buf) == 0 {
		s.exhausted = true
		return ChunkHeader{}, nil, io.EOF
	}

	n, err := io.ReadFull(s.reader, s.buf)
	switch err {
	case nil:
	case io.EOF:
		s.exhausted = true
		return ChunkHeader{}, nil, io.EOF
	case io.ErrUnexpectedEOF:
		// short final chunk
		s.exhausted = true
	default:
		s.err = wrapError(ErrIO, err, "reading chunk %d at offset %d", s.index, s.consumed+int64(n))
		return ChunkHeader{}, nil, s.err
	}

	hdr := ChunkHeader{
		Index:  s.index,
		Offset: s.consumed,
		Size:   int64(n),
	}
	s.index++
	s.consumed += int64(n)
	return hdr, s.buf[:n], nil
}

// Consumed returns the number of bytes produced so far.
func (s *ChunkSource) Consumed() int64 {
	return s.consumed
}

// Chunks returns the number of chunks produced so far.
func (s *ChunkSource) Chunks() int64 {
	return s.index
}
