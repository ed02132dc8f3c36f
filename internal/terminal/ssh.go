package terminal

import (
	"context"
	"fmt"
	"io"
	"sync"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/hostbridge/hostbridge/backend/internal/connstore"
	"github.com/hostbridge/hostbridge/backend/internal/remote"
)

// sshConnectFn is overridable in tests so Connect can be exercised without
// a live SSH server.
var sshConnectFn = func(ctx context.Context, d *remote.Dialer, conn connstore.Connection) (shellStream, error) {
	client, err := d.Dial(ctx, conn)
	if err != nil {
		return nil, err
	}
	shell, err := newSSHShell(client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return shell, nil
}

// sshShell wraps an SSH client + session + remote PTY.
type sshShell struct {
	client  *cryptossh.Client
	session *cryptossh.Session
	stdin   io.WriteCloser
	output  *io.PipeReader
	mu      sync.Mutex
}

func newSSHShell(client *cryptossh.Client) (*sshShell, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("terminal: new session: %w", err)
	}

	modes := cryptossh.TerminalModes{
		cryptossh.ECHO:          1,
		cryptossh.TTY_OP_ISPEED: 14400,
		cryptossh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("terminal: request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("terminal: stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("terminal: stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("terminal: stderr pipe: %w", err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("terminal: start login shell: %w", err)
	}

	// Merge stdout and stderr into one stream. With a PTY most servers fold
	// stderr into the PTY stream already; the extra copy covers the rest.
	pr, pw := io.Pipe()
	var copies sync.WaitGroup
	for _, src := range []io.Reader{stdout, stderr} {
		copies.Add(1)
		go func(r io.Reader) {
			defer copies.Done()
			_, _ = io.Copy(pw, r)
		}(src)
	}
	go func() {
		copies.Wait()
		_ = pw.Close()
	}()

	return &sshShell{
		client:  client,
		session: sess,
		stdin:   stdin,
		output:  pr,
	}, nil
}

func (s *sshShell) Read(p []byte) (int, error) {
	return s.output.Read(p)
}

func (s *sshShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin.Write(p)
}

func (s *sshShell) Resize(rows, cols uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.WindowChange(int(rows), int(cols))
}

func (s *sshShell) Close() error {
	_ = s.stdin.Close()
	_ = s.session.Close()
	_ = s.output.Close()
	return s.client.Close()
}

var _ shellStream = (*sshShell)(nil)
