package files

import (
	"io/fs"
	"os"
	"path"
	"sync"
	"time"
)

// cacheTTL bounds how long a directory listing is served without going back
// to the remote side.
const cacheTTL = 30 * time.Second

// ListEntry is one file, directory or symlink in a remote listing.
type ListEntry struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Type      string `json:"type"` // file | directory | symlink
	Size      int64  `json:"size"`
	ModTimeMs int64  `json:"mtime_ms"`
}

func entryFromInfo(dir string, fi fs.FileInfo) ListEntry {
	t := "file"
	if fi.IsDir() {
		t = "directory"
	} else if fi.Mode()&os.ModeSymlink != 0 {
		t = "symlink"
	}
	return ListEntry{
		Name:      fi.Name(),
		Path:      path.Join(dir, fi.Name()),
		Type:      t,
		Size:      fi.Size(),
		ModTimeMs: fi.ModTime().UnixMilli(),
	}
}

type cacheKey struct {
	connectionID string
	path         string
}

type dirCacheEntry struct {
	entries    []ListEntry
	complete   bool
	createdAt  time.Time
	lastAccess time.Time
}

// dirCache holds per-path listings. Entries expire TTL after creation and
// are pruned lazily on the next touch; nothing is pushed proactively.
// Concurrent listings for one path race on the entry and the last writer
// wins; entries are advisory.
type dirCache struct {
	mu      sync.Mutex
	entries map[cacheKey]*dirCacheEntry
	ttl     time.Duration
	now     func() time.Time
}

func newDirCache(ttl time.Duration) *dirCache {
	return &dirCache{
		entries: make(map[cacheKey]*dirCacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// fresh returns the entry for key if it exists and has not expired.
func (c *dirCache) fresh(key cacheKey) (*dirCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.createdAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	e.lastAccess = c.now()
	return e, true
}

// replace installs a full listing for key.
func (c *dirCache) replace(key cacheKey, entries []ListEntry, complete bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.entries[key] = &dirCacheEntry{
		entries:    entries,
		complete:   complete,
		createdAt:  now,
		lastAccess: now,
	}
}

// drop removes the entry for key, if any.
func (c *dirCache) drop(key cacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// prune evicts every expired entry.
func (c *dirCache) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, e := range c.entries {
		if now.Sub(e.createdAt) > c.ttl {
			delete(c.entries, key)
		}
	}
}

// purgeConnection drops every entry belonging to connectionID.
func (c *dirCache) purgeConnection(connectionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.connectionID == connectionID {
			delete(c.entries, key)
		}
	}
}

func (c *dirCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]*dirCacheEntry)
}
