package chunkxfer

import (
	"bufio"
	"context"
	"io"

	"golang.org/x/crypto/ssh"
)

// DefaultRemoteCommand receives one transfer on the remote side's stdin.
const DefaultRemoteCommand = "cxrecv --stdio"

// SSHSession carries a transfer over an SSH session: the remote runs a
// receiver reading from its stdin and the local sender writes into it.
// SSH only supplies the byte stream; the transfer protocol is unchanged.
type SSHSession struct {
	*Session
	sshSession *ssh.Session
	stdin      io.WriteCloser
	stderr     io.Reader
}

// NewSSHSession creates a send-only transfer session from an SSH session.
func NewSSHSession(sshSession *ssh.Session, opts ...Option) (*SSHSession, error) {
	stdin, err := sshSession.StdinPipe()
	if err != nil {
		return nil, wrapError(ErrConnection, err, "stdin pipe")
	}

	stderr, err := sshSession.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, wrapError(ErrConnection, err, "stderr pipe")
	}

	return &SSHSession{
		Session:    NewSession(nil, stdin, opts...),
		sshSession: sshSession,
		stdin:      stdin,
		stderr:     stderr,
	}, nil
}

// SendFile starts remoteCommand (DefaultRemoteCommand if empty) and sends
// the file at path to it. The transfer only counts as complete once the
// remote command has exited cleanly.
func (s *SSHSession) SendFile(ctx context.Context, path, remoteCommand string) (*Transfer, error) {
	if remoteCommand == "" {
		remoteCommand = DefaultRemoteCommand
	}
	if ctx == nil {
		ctx = s.ctx
	}

	if err := s.sshSession.Start(remoteCommand); err != nil {
		return nil, wrapError(ErrConnection, err, "start %q", remoteCommand)
	}

	// Forward remote diagnostics so the pipe never fills up
	go func() {
		scanner := bufio.NewScanner(s.stderr)
		for scanner.Scan() {
			s.logger.Info("remote: %s", scanner.Text())
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- s.sshSession.Wait()
	}()

	transfer, err := s.Session.SendFile(ctx, path)

	// EOF on the remote stdin ends the remote receiver
	s.stdin.Close()

	select {
	case waitErr := <-done:
		if err == nil && waitErr != nil {
			return nil, wrapError(ErrConnection, waitErr, "remote %q", remoteCommand)
		}
	case <-ctx.Done():
		return nil, wrapError(ErrCancelled, ctx.Err(), "waiting for remote %q", remoteCommand)
	}

	return transfer, err
}

// Close closes stdin and the SSH session and returns the first failure.
func (s *SSHSession) Close() error {
	stdinErr := s.stdin.Close()
	sessionErr := s.sshSession.Close()
	for _, err := range []error{stdinErr, sessionErr} {
		if err != nil && err != io.EOF {
			return err
		}
	}
	return nil
}
