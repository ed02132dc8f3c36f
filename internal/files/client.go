// Package files owns one reusable SSH+SFTP connection per saved connection
// id, independent of terminal sessions, and everything built on top of it:
// the directory listing cache and cursor engine, the transfer pipeline and
// remote command execution.
package files

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/pkg/sftp"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/hostbridge/hostbridge/backend/internal/connstore"
	"github.com/hostbridge/hostbridge/backend/internal/remote"
)

// RemoteFile is an open remote file handle.
type RemoteFile interface {
	io.Reader
	io.Writer
	io.Closer
}

// DirHandle represents an in-progress remote directory enumeration.
// ReadPage returns one protocol read round of entries; io.EOF signals
// exhaustion. Some servers return empty rounds without signalling EOF,
// which the cursor layer bounds with maxEmptyReadRounds.
type DirHandle interface {
	ReadPage() ([]fs.FileInfo, error)
	Close() error
}

// ExecResult is the outcome of a non-interactive remote command.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Client is the subset of remote operations the engine needs from an
// SSH+SFTP connection. Production clients wrap golang.org/x/crypto/ssh and
// github.com/pkg/sftp; tests substitute fakes.
type Client interface {
	Stat(path string) (fs.FileInfo, error)
	Lstat(path string) (fs.FileInfo, error)
	Open(path string) (RemoteFile, error)
	Create(path string) (RemoteFile, error)
	Mkdir(path string) error
	Remove(path string) error
	Rename(oldPath, newPath string) error
	Glob(pattern string) ([]string, error)
	Getwd() (string, error)

	// OpenDir starts a paginated enumeration of a remote directory.
	OpenDir(path string) (DirHandle, error)

	// RunCommand executes a command on a dedicated exec channel, never the
	// SFTP channel.
	RunCommand(ctx context.Context, command string) (ExecResult, error)

	// Wait blocks until the underlying transport dies.
	Wait() error

	Close() error
}

// sftpConnectFn dials and opens the SFTP subsystem; overridable in tests.
var sftpConnectFn = func(ctx context.Context, d *remote.Dialer, conn connstore.Connection) (Client, error) {
	sshClient, err := d.Dial(ctx, conn)
	if err != nil {
		return nil, err
	}
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("files: open sftp subsystem: %w", err)
	}
	return &sshSFTPClient{ssh: sshClient, sftp: sftpClient}, nil
}

// sshSFTPClient is the production Client over one SSH connection.
type sshSFTPClient struct {
	ssh  *cryptossh.Client
	sftp *sftp.Client
}

func (c *sshSFTPClient) Stat(path string) (fs.FileInfo, error)  { return c.sftp.Stat(path) }
func (c *sshSFTPClient) Lstat(path string) (fs.FileInfo, error) { return c.sftp.Lstat(path) }
func (c *sshSFTPClient) Mkdir(path string) error                { return c.sftp.Mkdir(path) }
func (c *sshSFTPClient) Remove(path string) error               { return c.sftp.Remove(path) }
func (c *sshSFTPClient) Rename(from, to string) error           { return c.sftp.Rename(from, to) }
func (c *sshSFTPClient) Glob(pattern string) ([]string, error)  { return c.sftp.Glob(pattern) }
func (c *sshSFTPClient) Getwd() (string, error)                 { return c.sftp.Getwd() }

func (c *sshSFTPClient) Open(path string) (RemoteFile, error)   { return c.sftp.Open(path) }
func (c *sshSFTPClient) Create(path string) (RemoteFile, error) { return c.sftp.Create(path) }

// readPageSize approximates one SFTP readdir round. The Go SFTP client only
// exposes whole-directory reads, so pages are sliced client-side; the
// cursor layer treats each slice as one read round.
const readPageSize = 100

func (c *sshSFTPClient) OpenDir(path string) (DirHandle, error) {
	// Verify the directory up front so a bad path fails at open time, not on
	// the first page read.
	fi, err := c.sftp.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("files: stat %q: %w", path, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("files: %q is not a directory", path)
	}
	return &sftpDirHandle{client: c.sftp, path: path}, nil
}

type sftpDirHandle struct {
	client  *sftp.Client
	path    string
	fetched bool
	remain  []fs.FileInfo
	closed  bool
}

func (h *sftpDirHandle) ReadPage() ([]fs.FileInfo, error) {
	if h.closed {
		return nil, errors.New("files: read on closed dir handle")
	}
	if !h.fetched {
		infos, err := h.client.ReadDir(h.path)
		if err != nil {
			return nil, fmt.Errorf("files: readdir %q: %w", h.path, err)
		}
		h.remain = infos
		h.fetched = true
	}
	if len(h.remain) == 0 {
		return nil, io.EOF
	}
	n := readPageSize
	if n > len(h.remain) {
		n = len(h.remain)
	}
	page := h.remain[:n]
	h.remain = h.remain[n:]
	return page, nil
}

func (h *sftpDirHandle) Close() error {
	h.closed = true
	h.remain = nil
	return nil
}

// RunCommand executes the command on a fresh SSH session. Exit codes are
// recovered from ExitError; a missing status (connection torn down
// mid-command) reports -1.
func (c *sshSFTPClient) RunCommand(ctx context.Context, command string) (ExecResult, error) {
	sess, err := c.ssh.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("files: exec session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	type runResult struct{ err error }
	ch := make(chan runResult, 1)
	go func() {
		ch <- runResult{sess.Run(command)}
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(cryptossh.SIGKILL)
		return ExecResult{}, ctx.Err()
	case r := <-ch:
		res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if r.err != nil {
			var exitErr *cryptossh.ExitError
			if errors.As(r.err, &exitErr) {
				res.ExitCode = exitErr.ExitStatus()
				return res, nil
			}
			var missing *cryptossh.ExitMissingError
			if errors.As(r.err, &missing) {
				res.ExitCode = -1
				return res, nil
			}
			return res, fmt.Errorf("files: exec: %w", r.err)
		}
		return res, nil
	}
}

func (c *sshSFTPClient) Wait() error { return c.ssh.Wait() }

func (c *sshSFTPClient) Close() error {
	_ = c.sftp.Close()
	return c.ssh.Close()
}

var _ Client = (*sshSFTPClient)(nil)
