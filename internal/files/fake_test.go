package files

// Shared fakes for the files package tests. fakeClient stands in for the
// SSH+SFTP client; fakeDirHandle scripts directory read rounds, including
// the empty-round and error behaviors real servers exhibit.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hostbridge/hostbridge/backend/internal/connstore"
	"github.com/hostbridge/hostbridge/backend/internal/events"
	"github.com/hostbridge/hostbridge/backend/internal/remote"
)

type fakeInfo struct {
	name string
	dir  bool
	size int64
}

func (f fakeInfo) Name() string { return f.name }
func (f fakeInfo) Size() int64  { return f.size }
func (f fakeInfo) Mode() fs.FileMode {
	if f.dir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}
func (f fakeInfo) ModTime() time.Time { return time.Unix(1700000000, 0) }
func (f fakeInfo) IsDir() bool        { return f.dir }
func (f fakeInfo) Sys() any           { return nil }

// genInfos builds n file infos named entry-0000 .. entry-n.
func genInfos(n int) []fs.FileInfo {
	out := make([]fs.FileInfo, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fakeInfo{name: fmt.Sprintf("entry-%04d", i), size: int64(i)})
	}
	return out
}

// pagesOf slices infos into read rounds of pageSize.
func pagesOf(infos []fs.FileInfo, pageSize int) [][]fs.FileInfo {
	var pages [][]fs.FileInfo
	for len(infos) > 0 {
		n := pageSize
		if n > len(infos) {
			n = len(infos)
		}
		pages = append(pages, infos[:n])
		infos = infos[n:]
	}
	return pages
}

type fakeDirHandle struct {
	mu    sync.Mutex
	pages [][]fs.FileInfo
	idx   int

	// readErr, when set, is returned once the scripted pages run out,
	// instead of io.EOF.
	readErr error
	// noEOF makes an exhausted handle return empty rounds forever.
	noEOF bool

	closes int
}

func (h *fakeDirHandle) ReadPage() ([]fs.FileInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.idx < len(h.pages) {
		page := h.pages[h.idx]
		h.idx++
		return page, nil
	}
	if h.readErr != nil {
		return nil, h.readErr
	}
	if h.noEOF {
		return []fs.FileInfo{}, nil
	}
	return nil, io.EOF
}

func (h *fakeDirHandle) Close() error {
	h.mu.Lock()
	h.closes++
	h.mu.Unlock()
	return nil
}

func (h *fakeDirHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

type fakeReadFile struct{ r *bytes.Reader }

func (f *fakeReadFile) Read(p []byte) (int, error)  { return f.r.Read(p) }
func (f *fakeReadFile) Write(p []byte) (int, error) { return 0, errors.New("read-only handle") }
func (f *fakeReadFile) Close() error                { return nil }

type fakeWriteFile struct {
	c    *fakeClient
	path string
}

func (f *fakeWriteFile) Read(p []byte) (int, error) { return 0, io.EOF }
func (f *fakeWriteFile) Write(p []byte) (int, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	f.c.files[f.path] = append(f.c.files[f.path], p...)
	return len(p), nil
}
func (f *fakeWriteFile) Close() error { return nil }

// gatedWriteFile blocks every Write until Close, signalling the first
// attempt on started. It lets cancellation tests freeze a transfer
// mid-stream deterministically.
type gatedWriteFile struct {
	started   chan struct{}
	startOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

func newGatedWriteFile() *gatedWriteFile {
	return &gatedWriteFile{started: make(chan struct{}), done: make(chan struct{})}
}

func (g *gatedWriteFile) Read(p []byte) (int, error) { return 0, io.EOF }

func (g *gatedWriteFile) Write(p []byte) (int, error) {
	g.startOnce.Do(func() { close(g.started) })
	<-g.done
	return 0, errors.New("write after end")
}

func (g *gatedWriteFile) Close() error {
	g.closeOnce.Do(func() { close(g.done) })
	return nil
}

// fakeClient is an in-memory Client. Directory listings come either from
// scripted pages (pages map) or from the dirs set.
type fakeClient struct {
	mu sync.Mutex

	home  string
	files map[string][]byte
	dirs  map[string]bool

	// createFn, when set, overrides Create.
	createFn func(path string) (RemoteFile, error)

	// pages scripts OpenDir read rounds per path.
	pages   map[string][][]fs.FileInfo
	noEOF   map[string]bool
	readErr map[string]error

	openDirs int
	handles  []*fakeDirHandle

	execFn func(cmd string) (ExecResult, error)
	cmds   []string

	removed []string
	renames [][2]string

	waitOnce sync.Once
	waitCh   chan struct{}
	closed   bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		home:    "/home/amy",
		files:   make(map[string][]byte),
		dirs:    make(map[string]bool),
		pages:   make(map[string][][]fs.FileInfo),
		noEOF:   make(map[string]bool),
		readErr: make(map[string]error),
		waitCh:  make(chan struct{}),
	}
}

func (c *fakeClient) Stat(p string) (fs.FileInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dirs[p] {
		return fakeInfo{name: path.Base(p), dir: true}, nil
	}
	if _, ok := c.pages[p]; ok {
		return fakeInfo{name: path.Base(p), dir: true}, nil
	}
	if data, ok := c.files[p]; ok {
		return fakeInfo{name: path.Base(p), size: int64(len(data))}, nil
	}
	return nil, fmt.Errorf("stat %q: %w", p, fs.ErrNotExist)
}

func (c *fakeClient) Lstat(p string) (fs.FileInfo, error) { return c.Stat(p) }

func (c *fakeClient) Open(p string) (RemoteFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.files[p]
	if !ok {
		return nil, fmt.Errorf("open %q: %w", p, fs.ErrNotExist)
	}
	return &fakeReadFile{r: bytes.NewReader(data)}, nil
}

func (c *fakeClient) Create(p string) (RemoteFile, error) {
	c.mu.Lock()
	fn := c.createFn
	c.mu.Unlock()
	if fn != nil {
		return fn(p)
	}
	c.mu.Lock()
	c.files[p] = nil
	c.mu.Unlock()
	return &fakeWriteFile{c: c, path: p}, nil
}

func (c *fakeClient) Mkdir(p string) error {
	c.mu.Lock()
	c.dirs[p] = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Remove(p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, p)
	delete(c.files, p)
	delete(c.dirs, p)
	return nil
}

func (c *fakeClient) Rename(from, to string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renames = append(c.renames, [2]string{from, to})
	if data, ok := c.files[from]; ok {
		delete(c.files, from)
		c.files[to] = data
	}
	return nil
}

func (c *fakeClient) Glob(pattern string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for p := range c.files {
		if ok, _ := path.Match(pattern, p); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *fakeClient) Getwd() (string, error) { return c.home, nil }

func (c *fakeClient) OpenDir(p string) (DirHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pages, ok := c.pages[p]
	if !ok && !c.dirs[p] {
		return nil, fmt.Errorf("opendir %q: %w", p, fs.ErrNotExist)
	}
	c.openDirs++
	h := &fakeDirHandle{pages: pages, noEOF: c.noEOF[p], readErr: c.readErr[p]}
	c.handles = append(c.handles, h)
	return h, nil
}

func (c *fakeClient) RunCommand(ctx context.Context, command string) (ExecResult, error) {
	c.mu.Lock()
	c.cmds = append(c.cmds, command)
	fn := c.execFn
	c.mu.Unlock()
	if fn != nil {
		return fn(command)
	}
	return ExecResult{}, nil
}

func (c *fakeClient) Wait() error {
	<-c.waitCh
	return errors.New("connection lost")
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.waitOnce.Do(func() { close(c.waitCh) })
	return nil
}

// dropTransport simulates the remote side going away without Close being
// called locally.
func (c *fakeClient) dropTransport() {
	c.waitOnce.Do(func() { close(c.waitCh) })
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) openDirCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openDirs
}

func (c *fakeClient) lastHandle() *fakeDirHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handles) == 0 {
		return nil
	}
	return c.handles[len(c.handles)-1]
}

func (c *fakeClient) commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cmds...)
}

func (c *fakeClient) removedPaths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.removed...)
}

var _ Client = (*fakeClient)(nil)

type staticStore struct{}

func (staticStore) Get(id string) (connstore.Connection, error) {
	return connstore.Connection{ID: id, Host: "test", Username: "amy"}, nil
}

// managerFor wires a Manager whose connect path always yields client.
func managerFor(t *testing.T, client Client) (*Manager, *events.Bus) {
	t.Helper()
	orig := sftpConnectFn
	sftpConnectFn = func(ctx context.Context, d *remote.Dialer, conn connstore.Connection) (Client, error) {
		return client, nil
	}
	t.Cleanup(func() { sftpConnectFn = orig })

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	m := NewManager(staticStore{}, &remote.Dialer{}, bus, zerolog.Nop(), t.TempDir())
	t.Cleanup(m.Shutdown)
	return m, bus
}

func entryNames(entries []ListEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func containsCommand(cmds []string, prefix string) bool {
	for _, c := range cmds {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}
