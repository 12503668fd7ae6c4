package chunkxfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type sessionEnd struct {
	id       string
	transfer *Transfer
	err      error
}

func startServer(t *testing.T, config ServerConfig) (*Server, string, chan sessionEnd, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	config.Log = quiet

	ends := make(chan sessionEnd, 16)
	config.OnSessionEnd = func(id string, transfer *Transfer, err error) {
		ends <- sessionEnd{id, transfer, err}
	}

	server := NewServer(config)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- server.Serve(ctx, ln)
	}()

	stop := func() {
		cancel()
		select {
		case err := <-served:
			if err != nil {
				t.Errorf("Serve returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancellation")
		}
	}
	return server, ln.Addr().String(), ends, stop
}

func sendTo(addr string, path string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = NewSession(nil, conn, WithConfig(&Config{ChunkSize: 1000})).SendFile(context.Background(), path)
	return err
}

func TestServerConcurrentSessions(t *testing.T) {
	dir := t.TempDir()
	_, addr, ends, stop := startServer(t, ServerConfig{
		MaxConns: 2,
		Transfer: &Config{Dir: dir, Timeout: 5 * time.Second},
	})
	defer stop()

	// a peer that hangs up mid-header must not stop the acceptor
	bad, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	bad.Write([]byte("not a header"))
	bad.Close()

	srcDir := t.TempDir()
	files := map[string][]byte{}
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("file-%d.bin", i)
		data := bytes.Repeat([]byte{byte('a' + i)}, 5000+i*1234)
		if err := os.WriteFile(filepath.Join(srcDir, name), data, 0644); err != nil {
			t.Fatal(err)
		}
		files[name] = data
	}

	var wg sync.WaitGroup
	for name := range files {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := sendTo(addr, filepath.Join(srcDir, name)); err != nil {
				t.Errorf("send %s: %v", name, err)
			}
		}(name)
	}
	wg.Wait()

	var failed, completed int
	ids := map[string]bool{}
	for i := 0; i < len(files)+1; i++ {
		select {
		case end := <-ends:
			ids[end.id] = true
			if end.err != nil {
				if !IsConnection(end.err) {
					t.Errorf("bad session failed with %v", end.err)
				}
				failed++
				continue
			}
			completed++
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d sessions ended", i)
		}
	}
	if failed != 1 || completed != len(files) {
		t.Fatalf("%d failed, %d completed", failed, completed)
	}
	if len(ids) != len(files)+1 {
		t.Fatalf("session ids are not unique: %v", ids)
	}

	for name, data := range files {
		out, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(out, data) {
			t.Errorf("%s: received %d bytes, want %d", name, len(out), len(data))
		}
	}
}

func TestServerStopsOnCancel(t *testing.T) {
	server, addr, _, stop := startServer(t, ServerConfig{
		Transfer: &Config{Dir: t.TempDir()},
	})
	stop()

	if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		conn.Close()
		t.Fatal("listener still accepting after cancellation")
	}
	if server.Active() != 0 {
		t.Fatalf("%d sessions still active", server.Active())
	}
}
