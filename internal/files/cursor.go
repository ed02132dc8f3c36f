package files

import (
	"sync"
	"time"
)

const (
	// cursorTTL expires a pagination stream after inactivity; expired sftp
	// cursors must release their remote handle.
	cursorTTL = 30 * time.Second

	// maxEmptyReadRounds bounds consecutive empty read rounds with no EOF.
	// Some server implementations return empty pages without signalling
	// end-of-directory; without this bound the reader would loop forever.
	maxEmptyReadRounds = 5

	// maxListLimit caps the page size a caller may request.
	maxListLimit = 1000
)

// cursor is the tagged union over the two pagination strategies: serving
// slices of a cache snapshot, or pulling further pages from an open remote
// directory handle.
type cursor interface {
	meta() *cursorMeta
	// release frees any remote resource. Idempotent, best-effort.
	release()
}

type cursorMeta struct {
	id           string
	connectionID string
	path         string
	limit        int
	lastAccess   time.Time
}

func (m *cursorMeta) meta() *cursorMeta { return m }

// cacheCursor serves a point-in-time snapshot of a complete cache entry.
type cacheCursor struct {
	cursorMeta
	mu       sync.Mutex
	snapshot []ListEntry
	offset   int
}

func (c *cacheCursor) release() {}

// sftpCursor streams pages from an open remote directory. Entries fetched
// beyond the requested page size wait in pending; everything already handed
// to the caller accumulates in served so the finished stream can install
// the full listing in one piece. The cache never sees an in-flight stream.
type sftpCursor struct {
	cursorMeta
	mu      sync.Mutex
	handle  DirHandle
	pending []ListEntry
	served  []ListEntry
	eof     bool
	closed  bool
}

func (c *sftpCursor) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
}

func (c *sftpCursor) releaseLocked() {
	if c.closed {
		return
	}
	c.closed = true
	_ = c.handle.Close()
}

// cursorTable registers live cursors by id and prunes them on TTL expiry.
type cursorTable struct {
	mu      sync.Mutex
	cursors map[string]cursor
	ttl     time.Duration
	now     func() time.Time
}

func newCursorTable(ttl time.Duration) *cursorTable {
	return &cursorTable{
		cursors: make(map[string]cursor),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (t *cursorTable) put(c cursor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c.meta().lastAccess = t.now()
	t.cursors[c.meta().id] = c
}

func (t *cursorTable) get(id string) (cursor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.cursors[id]
	if !ok {
		return nil, false
	}
	c.meta().lastAccess = t.now()
	return c, true
}

func (t *cursorTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cursors, id)
}

// prune releases and drops every cursor idle past the TTL.
func (t *cursorTable) prune() {
	t.mu.Lock()
	var expired []cursor
	now := t.now()
	for id, c := range t.cursors {
		if now.Sub(c.meta().lastAccess) > t.ttl {
			delete(t.cursors, id)
			expired = append(expired, c)
		}
	}
	t.mu.Unlock()
	for _, c := range expired {
		c.release()
	}
}

// dropPath releases and drops every cursor for (connectionID, path).
func (t *cursorTable) dropPath(connectionID, path string) {
	t.mu.Lock()
	var dropped []cursor
	for id, c := range t.cursors {
		if c.meta().connectionID == connectionID && c.meta().path == path {
			delete(t.cursors, id)
			dropped = append(dropped, c)
		}
	}
	t.mu.Unlock()
	for _, c := range dropped {
		c.release()
	}
}

// purgeConnection releases and drops every cursor for connectionID.
func (t *cursorTable) purgeConnection(connectionID string) {
	t.mu.Lock()
	var dropped []cursor
	for id, c := range t.cursors {
		if c.meta().connectionID == connectionID {
			delete(t.cursors, id)
			dropped = append(dropped, c)
		}
	}
	t.mu.Unlock()
	for _, c := range dropped {
		c.release()
	}
}

func (t *cursorTable) closeAll() {
	t.mu.Lock()
	all := make([]cursor, 0, len(t.cursors))
	for _, c := range t.cursors {
		all = append(all, c)
	}
	t.cursors = make(map[string]cursor)
	t.mu.Unlock()
	for _, c := range all {
		c.release()
	}
}
