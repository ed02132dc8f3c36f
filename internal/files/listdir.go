package files

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// ListOptions control a directory listing request.
type ListOptions struct {
	// Cursor continues a previous paginated listing.
	Cursor string
	// Limit requests pagination; 0 means the full listing. Capped at 1000.
	Limit int
	// Refresh drops any cache entry and cursors for the path first.
	Refresh bool
}

// ListResult is a directory listing or one page of it.
type ListResult struct {
	Entries    []ListEntry `json:"entries"`
	HasMore    bool        `json:"has_more"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

// ListDir lists a remote directory, serving from the per-path cache when it
// is fresh and complete, and paginating through either a cache snapshot or
// a live remote handle when a limit is given.
func (m *Manager) ListDir(ctx context.Context, connectionID, dirPath string, opts ListOptions) (ListResult, error) {
	var res ListResult
	err := m.WithSession(ctx, connectionID, func(sess *FileSession) error {
		p, err := m.resolvePath(sess, dirPath)
		if err != nil {
			return err
		}
		key := cacheKey{connectionID: connectionID, path: p}

		// Expired state is pruned before any work.
		m.cache.prune()
		m.cursors.prune()

		if opts.Refresh {
			m.cache.drop(key)
			m.cursors.dropPath(connectionID, p)
		}

		if opts.Cursor != "" {
			return m.continueCursor(key, opts, &res)
		}

		limit := opts.Limit
		if limit > maxListLimit {
			limit = maxListLimit
		}
		if limit <= 0 {
			return m.listAll(sess, key, &res)
		}
		return m.startCursor(sess, key, limit, &res)
	})
	if err != nil {
		return ListResult{}, err
	}
	return res, nil
}

// listAll serves the full entry set: from cache when complete and fresh,
// otherwise from a single remote pass that replaces the cache entry.
func (m *Manager) listAll(sess *FileSession, key cacheKey, res *ListResult) error {
	if e, ok := m.cache.fresh(key); ok && e.complete {
		res.Entries = append([]ListEntry(nil), e.entries...)
		return nil
	}

	handle, err := sess.client.OpenDir(key.path)
	if err != nil {
		return err
	}
	entries, err := drainAll(handle, key.path)
	if err != nil {
		// The cache keeps whatever it had; incomplete entries are never
		// served without another remote pass.
		return err
	}
	m.cache.replace(key, entries, true)
	res.Entries = append([]ListEntry(nil), entries...)
	return nil
}

// drainAll reads a handle to exhaustion and closes it.
func drainAll(handle DirHandle, dir string) ([]ListEntry, error) {
	var entries []ListEntry
	emptyRounds := 0
	for {
		page, err := handle.ReadPage()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = handle.Close()
			return nil, err
		}
		if len(page) == 0 {
			emptyRounds++
			if emptyRounds >= maxEmptyReadRounds {
				break
			}
			continue
		}
		emptyRounds = 0
		for _, fi := range page {
			entries = append(entries, entryFromInfo(dir, fi))
		}
	}
	_ = handle.Close()
	return entries, nil
}

// startCursor opens a new pagination stream and serves its first page.
func (m *Manager) startCursor(sess *FileSession, key cacheKey, limit int, res *ListResult) error {
	if e, ok := m.cache.fresh(key); ok && e.complete {
		c := &cacheCursor{
			cursorMeta: cursorMeta{
				id:           uuid.NewString(),
				connectionID: key.connectionID,
				path:         key.path,
				limit:        limit,
			},
			snapshot: append([]ListEntry(nil), e.entries...),
		}
		m.cursors.put(c)
		return m.pageFromCache(c, limit, res)
	}

	handle, err := sess.client.OpenDir(key.path)
	if err != nil {
		return err
	}
	// A leftover incomplete entry from a failed stream is useless once a
	// fresh enumeration starts; drop it.
	m.cache.drop(key)
	c := &sftpCursor{
		cursorMeta: cursorMeta{
			id:           uuid.NewString(),
			connectionID: key.connectionID,
			path:         key.path,
			limit:        limit,
		},
		handle: handle,
	}
	m.cursors.put(c)
	return m.pageFromRemote(c, limit, key, res)
}

// continueCursor advances an existing pagination stream. The cursor must
// belong to the same (connection id, path) pair it was created for.
func (m *Manager) continueCursor(key cacheKey, opts ListOptions, res *ListResult) error {
	c, ok := m.cursors.get(opts.Cursor)
	if !ok {
		return fmt.Errorf("files: cursor %q expired or unknown", opts.Cursor)
	}
	meta := c.meta()
	if meta.connectionID != key.connectionID || meta.path != key.path {
		return fmt.Errorf("files: cursor %q does not match %q", opts.Cursor, key.path)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = meta.limit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	switch cur := c.(type) {
	case *cacheCursor:
		return m.pageFromCache(cur, limit, res)
	case *sftpCursor:
		return m.pageFromRemote(cur, limit, key, res)
	default:
		return fmt.Errorf("files: unknown cursor variant %T", c)
	}
}

// pageFromCache slices the next page out of the snapshot.
func (m *Manager) pageFromCache(c *cacheCursor, limit int, res *ListResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	end := c.offset + limit
	if end > len(c.snapshot) {
		end = len(c.snapshot)
	}
	res.Entries = append([]ListEntry(nil), c.snapshot[c.offset:end]...)
	c.offset = end

	if c.offset >= len(c.snapshot) {
		m.cursors.remove(c.id)
		return nil
	}
	res.HasMore = true
	res.NextCursor = c.id
	return nil
}

// pageFromRemote drains up to limit entries from the pending buffer and
// further read rounds. Served entries accumulate on the cursor, never in
// the cache: a stream can outlive the cache TTL, and a pruned-then-refilled
// entry would hold only the later pages yet end up flagged complete.
// Exhaustion (an explicit EOF, or maxEmptyReadRounds consecutive empty
// rounds) closes the handle and then installs the full listing as a fresh
// complete entry (close first, then install: a failed close must not leave
// a complete-flagged entry backed by a live handle).
func (m *Manager) pageFromRemote(c *sftpCursor, limit int, key cacheKey, res *ListResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []ListEntry
	take := func() {
		n := limit - len(out)
		if n > len(c.pending) {
			n = len(c.pending)
		}
		out = append(out, c.pending[:n]...)
		c.pending = c.pending[n:]
	}
	take()

	emptyRounds := 0
	for !c.eof && len(out) < limit {
		page, err := c.handle.ReadPage()
		if err == io.EOF {
			c.eof = true
			break
		}
		if err != nil {
			// A read error is terminal for this stream: drop the cursor,
			// release the handle, let the error propagate. Entries already
			// served are kept behind an incomplete flag and never served
			// again without another remote pass.
			m.cursors.remove(c.id)
			c.releaseLocked()
			if len(c.served) > 0 {
				m.cache.replace(key, append([]ListEntry(nil), c.served...), false)
			}
			return err
		}
		if len(page) == 0 {
			emptyRounds++
			if emptyRounds >= maxEmptyReadRounds {
				c.eof = true
				break
			}
			continue
		}
		emptyRounds = 0
		for _, fi := range page {
			c.pending = append(c.pending, entryFromInfo(key.path, fi))
		}
		take()
	}

	c.served = append(c.served, out...)
	res.Entries = out

	if c.eof && len(c.pending) == 0 {
		m.cursors.remove(c.id)
		c.releaseLocked()
		m.cache.replace(key, append([]ListEntry(nil), c.served...), true)
		return nil
	}
	res.HasMore = true
	res.NextCursor = c.id
	return nil
}
