package chunkxfer

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

type result struct {
	transfer *Transfer
	err      error
}

// runTransfer sends data as payload.bin from one end of an in-memory pipe to
// a receiver configured by recv.
func runTransfer(t *testing.T, data []byte, send, recv *Config) (sent, got result) {
	t.Helper()

	src := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(src, data, 0644); err != nil {
		t.Fatal(err)
	}

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan result, 1)
	go func() {
		tr, err := NewSession(b, nil, WithConfig(recv)).ReceiveFile(context.Background())
		b.Close()
		done <- result{tr, err}
	}()

	tr, err := NewSession(nil, a, WithConfig(send)).SendFile(context.Background(), src)
	a.Close()
	return result{tr, err}, <-done
}

func TestTransferRoundTrip(t *testing.T) {
	const chunk = 1024
	for _, termination := range []Termination{TerminateOnLength, TerminateOnSentinel} {
		for _, n := range []int{0, 1, chunk - 1, chunk, chunk + 1, 10*chunk + 7} {
			data := make([]byte, n)
			rand.New(rand.NewSource(int64(n))).Read(data)
			dir := t.TempDir()

			sent, got := runTransfer(t, data,
				&Config{ChunkSize: chunk, Termination: termination},
				&Config{Dir: dir, Termination: termination})

			if sent.err != nil || got.err != nil {
				t.Fatalf("%s/%d: send=%v receive=%v", termination, n, sent.err, got.err)
			}

			out, err := os.ReadFile(filepath.Join(dir, "payload.bin"))
			if err != nil {
				t.Fatalf("%s/%d: %v", termination, n, err)
			}
			if !bytes.Equal(out, data) {
				t.Fatalf("%s/%d: received %d bytes that differ from the source", termination, n, len(out))
			}

			want := blake3.Sum256(data)
			if sent.transfer.Digest != want || got.transfer.Digest != want {
				t.Fatalf("%s/%d: digest mismatch", termination, n)
			}
			chunks := int64((n + chunk - 1) / chunk)
			if sent.transfer.Chunks != chunks || got.transfer.Chunks != chunks {
				t.Fatalf("%s/%d: chunks sent=%d received=%d, want %d",
					termination, n, sent.transfer.Chunks, got.transfer.Chunks, chunks)
			}
			if got.transfer.Bytes != int64(n) || got.transfer.Length != int64(n) {
				t.Fatalf("%s/%d: receiver reports %+v", termination, n, got.transfer)
			}
		}
	}
}

func TestSenderWireImage(t *testing.T) {
	var wire bytes.Buffer
	sender := NewSender(&wire, &Config{ChunkSize: 4, Termination: TerminateOnSentinel})

	tr, err := sender.Send(context.Background(), "f.txt", 10, bytes.NewReader([]byte("abcdefghij")))
	if err != nil {
		t.Fatal(err)
	}
	if tr.Bytes != 10 || tr.Chunks != 3 || sender.State() != SenderDone {
		t.Fatalf("transfer %+v in state %s", tr, sender.State())
	}

	want := streamBytes(t, MessageHeader{Length: 10, Name: "f.txt"},
		ChunkHeader{0, 0, 4}, "abcd",
		ChunkHeader{1, 4, 4}, "efgh",
		ChunkHeader{2, 8, 2}, "ij",
		SentinelHeader, "")
	if !bytes.Equal(wire.Bytes(), want) {
		t.Fatalf("wire image mismatch:\n got %x\nwant %x", wire.Bytes(), want)
	}
}

// streamBytes builds a raw stream from a message header and alternating
// chunk headers and bodies.
func streamBytes(t *testing.T, hdr MessageHeader, parts ...interface{}) []byte {
	t.Helper()
	buf, err := EncodeMessageHeader(hdr)
	if err != nil {
		t.Fatal(err)
	}
	for _, part := range parts {
		switch p := part.(type) {
		case ChunkHeader:
			buf = append(buf, EncodeChunkHeader(p)...)
		case string:
			buf = append(buf, p...)
		default:
			t.Fatalf("unexpected stream part %T", part)
		}
	}
	return buf
}

func receiveRaw(t *testing.T, stream io.Reader, config *Config) (string, *Transfer, error) {
	t.Helper()
	dir := t.TempDir()
	if config == nil {
		config = &Config{}
	}
	config.Dir = dir
	tr, err := NewSession(stream, nil, WithConfig(config)).ReceiveFile(context.Background())
	return dir, tr, err
}

func readOut(t *testing.T, dir string) string {
	t.Helper()
	out, err := os.ReadFile(filepath.Join(dir, "out.bin"))
	if err != nil {
		t.Fatal(err)
	}
	return string(out)
}

func TestReceiverLengthLeavesTrailingBytes(t *testing.T) {
	stream := bytes.NewBuffer(streamBytes(t, MessageHeader{Length: 4, Name: "out.bin"},
		ChunkHeader{0, 0, 4}, "abcd",
		"trailing"))

	dir, tr, err := receiveRaw(t, stream, nil)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Bytes != 4 || readOut(t, dir) != "abcd" {
		t.Fatalf("received %+v", tr)
	}
	if stream.String() != "trailing" {
		t.Fatalf("receiver consumed trailing bytes, %q left", stream.String())
	}
}

func TestReceiverZeroLength(t *testing.T) {
	// no chunk header is read under the length policy
	dir, tr, err := receiveRaw(t, bytes.NewReader(streamBytes(t, MessageHeader{Length: 0, Name: "out.bin"})), nil)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Bytes != 0 || tr.Chunks != 0 || readOut(t, dir) != "" {
		t.Fatalf("received %+v", tr)
	}

	stream := streamBytes(t, MessageHeader{Length: 0, Name: "out.bin"}, SentinelHeader)
	dir, tr, err = receiveRaw(t, bytes.NewReader(stream), &Config{Termination: TerminateOnSentinel})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Bytes != 0 || readOut(t, dir) != "" {
		t.Fatalf("received %+v", tr)
	}
}

func TestReceiverSentinelShortCount(t *testing.T) {
	stream := streamBytes(t, MessageHeader{Length: 8, Name: "out.bin"},
		ChunkHeader{0, 0, 4}, "abcd",
		SentinelHeader)

	dir, tr, err := receiveRaw(t, bytes.NewReader(stream), &Config{Termination: TerminateOnSentinel})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Bytes != 4 || tr.Length != 8 || readOut(t, dir) != "abcd" {
		t.Fatalf("received %+v", tr)
	}
}

func TestReceiverRejectsBadChunks(t *testing.T) {
	hdr := MessageHeader{Length: 8, Name: "out.bin"}
	tests := []struct {
		name    string
		stream  []byte
		config  *Config
		check   func(error) bool
		written string
	}{
		{
			name:    "overrun",
			stream:  streamBytes(t, MessageHeader{Length: 4, Name: "out.bin"}, ChunkHeader{0, 0, 8}, "abcdefgh"),
			check:   IsProtocol,
			written: "",
		},
		{
			name:    "overrun after first chunk",
			stream:  streamBytes(t, hdr, ChunkHeader{0, 0, 4}, "abcd", ChunkHeader{1, 4, 5}, "efghi"),
			check:   IsProtocol,
			written: "abcd",
		},
		{
			name:    "index gap",
			stream:  streamBytes(t, hdr, ChunkHeader{1, 0, 4}, "abcd"),
			check:   IsProtocol,
			written: "",
		},
		{
			name:    "offset gap",
			stream:  streamBytes(t, hdr, ChunkHeader{0, 0, 4}, "abcd", ChunkHeader{1, 6, 2}, "gh"),
			check:   IsProtocol,
			written: "abcd",
		},
		{
			name:    "sentinel under length policy",
			stream:  streamBytes(t, hdr, ChunkHeader{0, 0, 4}, "abcd", SentinelHeader),
			check:   IsProtocol,
			written: "abcd",
		},
		{
			name:    "chunk above limit",
			stream:  streamBytes(t, hdr, ChunkHeader{0, 0, 8}, "abcdefgh"),
			config:  &Config{ChunkSize: 4, MaxChunkSize: 4},
			check:   IsProtocol,
			written: "",
		},
		{
			name:    "truncated body",
			stream:  streamBytes(t, hdr, ChunkHeader{0, 0, 4}, "abcd", ChunkHeader{1, 4, 4}, "ef"),
			check:   IsConnection,
			written: "abcd",
		},
		{
			name:    "missing chunk header",
			stream:  streamBytes(t, hdr, ChunkHeader{0, 0, 4}, "abcd"),
			check:   IsConnection,
			written: "abcd",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, tr, err := receiveRaw(t, bytes.NewReader(tt.stream), tt.config)
			if tr != nil || !tt.check(err) {
				t.Fatalf("got %+v, %v", tr, err)
			}
			if out := readOut(t, dir); out != tt.written {
				t.Fatalf("destination holds %q, want %q", out, tt.written)
			}
		})
	}
}

func TestReceiverRejectsMalformedHeader(t *testing.T) {
	stream := make([]byte, MessageHeaderSize)
	stream[0] = 4 // length 4, empty name

	dir, _, err := receiveRaw(t, bytes.NewReader(stream), nil)
	if !IsMalformed(err) {
		t.Fatalf("got %v, want malformed header error", err)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Fatalf("receiver created %d files", len(entries))
	}

	_, _, err = receiveRaw(t, bytes.NewReader(stream[:100]), nil)
	if !IsConnection(err) {
		t.Fatalf("short header: got %v, want connection error", err)
	}
}

func TestReceiverNames(t *testing.T) {
	tests := []struct {
		wire string
		want string
	}{
		{"plain.txt", "plain.txt"},
		{"../../etc/passwd", "passwd"},
		{`..\..\boot.ini`, "boot.ini"},
		{"/abs/path/file", "file"},
		{"dir/", "dir"},
		{"..", ""},
		{"/", ""},
		{".", ""},
	}
	for _, tt := range tests {
		got, err := baseName(tt.wire)
		if tt.want == "" {
			if !IsMalformed(err) {
				t.Errorf("baseName(%q) = %q, %v; want malformed header error", tt.wire, got, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("baseName(%q) = %q, %v; want %q", tt.wire, got, err, tt.want)
		}
	}

	stream := streamBytes(t, MessageHeader{Length: 2, Name: "../escape.bin"}, ChunkHeader{0, 0, 2}, "hi")
	dir, tr, err := receiveRaw(t, bytes.NewReader(stream), nil)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Name != "escape.bin" {
		t.Fatalf("name %q", tr.Name)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.bin")); err != nil {
		t.Fatalf("file not created inside destination: %v", err)
	}
}

func TestTerminationMismatch(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 3000)

	// the receiver stops at the declared length and never reads the sentinel
	dir := t.TempDir()
	_, got := runTransfer(t, data,
		&Config{ChunkSize: 1024, Termination: TerminateOnSentinel},
		&Config{Dir: dir, Termination: TerminateOnLength})
	if got.err != nil || got.transfer.Bytes != 3000 {
		t.Fatalf("length receiver: %+v, %v", got.transfer, got.err)
	}

	// the receiver waits for a sentinel that never comes
	dir = t.TempDir()
	sent, got := runTransfer(t, data,
		&Config{ChunkSize: 1024, Termination: TerminateOnLength},
		&Config{Dir: dir, Termination: TerminateOnSentinel})
	if sent.err != nil {
		t.Fatalf("sender: %v", sent.err)
	}
	if !IsConnection(got.err) {
		t.Fatalf("sentinel receiver: got %v, want connection error", got.err)
	}
	out, err := os.ReadFile(filepath.Join(dir, "payload.bin"))
	if err != nil || !bytes.Equal(out, data) {
		t.Fatalf("destination holds %d bytes, %v", len(out), err)
	}
}

func TestReceiverTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	receiver := NewReceiver(b, &Config{Dir: t.TempDir(), Timeout: 50 * time.Millisecond})
	_, err := receiver.Receive(context.Background())
	if !IsTimeout(err) {
		t.Fatalf("got %v, want timeout", err)
	}
	if receiver.State() != ReceiverFailed {
		t.Fatalf("state %s", receiver.State())
	}
}

func TestReceiverCancel(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	receiver := NewReceiver(b, &Config{Dir: t.TempDir(), Timeout: 0})
	_, err := receiver.Receive(ctx)
	if !IsCancelled(err) {
		t.Fatalf("got %v, want cancellation", err)
	}
}

func TestSenderCancel(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	// nobody reads b, so the header write blocks until cancellation
	sender := NewSender(a, &Config{Timeout: 0})
	_, err := sender.Send(ctx, "f", 4, bytes.NewReader([]byte("abcd")))
	if !IsCancelled(err) {
		t.Fatalf("got %v, want cancellation", err)
	}
	if sender.State() != SenderFailed {
		t.Fatalf("state %s", sender.State())
	}
}

// failingWriter accepts a number of writes and then fails every write.
type failingWriter struct {
	ok     int
	writes int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes > w.ok {
		return 0, errors.New("connection reset")
	}
	return len(p), nil
}

func TestSenderStopsAfterWriteFailure(t *testing.T) {
	w := &failingWriter{ok: 1}
	sender := NewSender(w, &Config{ChunkSize: 2})

	_, err := sender.Send(context.Background(), "f", 6, bytes.NewReader([]byte("abcdef")))
	if !IsConnection(err) {
		t.Fatalf("got %v, want connection error", err)
	}
	// header, then the failed chunk header; nothing after
	if w.writes != 2 {
		t.Fatalf("%d writes, want 2", w.writes)
	}
	if sender.Sent() != 0 || sender.Err() != err {
		t.Fatalf("sent %d, err %v", sender.Sent(), sender.Err())
	}
}

func TestSenderShortFile(t *testing.T) {
	var wire bytes.Buffer
	sender := NewSender(&wire, &Config{ChunkSize: 4})

	_, err := sender.Send(context.Background(), "f", 10, bytes.NewReader([]byte("abcdef")))
	if !IsIO(err) {
		t.Fatalf("got %v, want I/O error", err)
	}
	if sender.Sent() != 6 {
		t.Fatalf("sent %d bytes", sender.Sent())
	}
}

func TestSenderSingleUse(t *testing.T) {
	sender := NewSender(io.Discard, nil)
	if _, err := sender.Send(context.Background(), "f", 1, bytes.NewReader([]byte("a"))); err != nil {
		t.Fatal(err)
	}
	if _, err := sender.Send(context.Background(), "f", 1, bytes.NewReader([]byte("a"))); !IsProtocol(err) {
		t.Fatalf("second send: got %v", err)
	}
}

func TestStateEvents(t *testing.T) {
	var sendStates, recvStates []string
	record := func(states *[]string) *Callbacks {
		return &Callbacks{OnEvent: func(e Event) {
			if e.Type == EventStateChange {
				*states = append(*states, e.Message)
			}
		}}
	}

	src := filepath.Join(t.TempDir(), "one.bin")
	if err := os.WriteFile(src, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	dir := t.TempDir()
	done := make(chan error, 1)
	go func() {
		session := NewSession(b, nil, WithConfig(&Config{Dir: dir}), WithCallbacks(record(&recvStates)))
		_, err := session.ReceiveFile(context.Background())
		done <- err
	}()

	session := NewSession(nil, a, WithCallbacks(record(&sendStates)))
	if _, err := session.SendFile(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	wantSend := []string{"SendingHeader", "SendingChunks", "Done"}
	if !reflect.DeepEqual(sendStates, wantSend) {
		t.Errorf("sender states %v, want %v", sendStates, wantSend)
	}
	wantRecv := []string{"AwaitingChunkHeader", "AwaitingChunkBody", "AwaitingChunkHeader", "Complete"}
	if !reflect.DeepEqual(recvStates, wantRecv) {
		t.Errorf("receiver states %v, want %v", recvStates, wantRecv)
	}
}

func TestSessionSendFileErrors(t *testing.T) {
	session := NewSession(nil, io.Discard)

	_, err := session.SendFile(context.Background(), filepath.Join(t.TempDir(), "missing"))
	if !IsIO(err) {
		t.Fatalf("missing file: got %v", err)
	}

	_, err = session.SendFile(context.Background(), t.TempDir())
	if !IsIO(err) {
		t.Fatalf("directory: got %v", err)
	}

	if _, err := session.ReceiveFile(context.Background()); !IsConnection(err) {
		t.Fatalf("receive on send-only session: got %v", err)
	}
}

func TestDigestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.bin")
	data := []byte("digest me")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	sum, err := DigestFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if sum != blake3.Sum256(data) {
		t.Fatalf("digest mismatch")
	}
}

func TestReceiverFromRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture")
	stream := streamBytes(t, MessageHeader{Length: 3, Name: "out.bin"}, ChunkHeader{0, 0, 3}, "abc")
	if err := os.WriteFile(path, stream, 0644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	// regular files do not support deadlines; the timeout must not break them
	dir, _, err := receiveRaw(t, f, &Config{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if readOut(t, dir) != "abc" {
		t.Fatal("wrong content")
	}
}
