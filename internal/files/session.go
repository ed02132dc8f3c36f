package files

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/hostbridge/hostbridge/backend/internal/connstore"
	"github.com/hostbridge/hostbridge/backend/internal/events"
	"github.com/hostbridge/hostbridge/backend/internal/remote"
)

// ConfigSource resolves saved connections. Satisfied by *connstore.Store.
type ConfigSource interface {
	Get(id string) (connstore.Connection, error)
}

// FileSession is one live SSH+SFTP connection, keyed by connection id.
// There is at most one per connection id; a broken session is replaced
// wholesale, never repaired in place.
type FileSession struct {
	ConnectionID string

	client Client

	mu       sync.Mutex
	homeDir  string
	lastUsed time.Time

	broken atomic.Bool
}

// Client exposes the raw remote client for the operation callbacks.
func (s *FileSession) Client() Client { return s.client }

func (s *FileSession) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// markBroken flags the session so the next acquire replaces it.
func (s *FileSession) markBroken() { s.broken.Store(true) }

func (s *FileSession) usable() bool { return !s.broken.Load() }

// Manager owns file sessions, the directory cache, the cursor table and the
// upload task registry for every connection id.
type Manager struct {
	store   ConfigSource
	dialer  *remote.Dialer
	bus     *events.Bus
	log     zerolog.Logger
	tempDir string

	mu       sync.Mutex
	sessions map[string]*FileSession
	group    singleflight.Group

	cache   *dirCache
	cursors *cursorTable

	tasksMu sync.Mutex
	tasks   map[string]*uploadTask
}

// NewManager creates an empty file session manager. tempDir holds local
// temporary archives for folder uploads.
func NewManager(store ConfigSource, dialer *remote.Dialer, bus *events.Bus, logger zerolog.Logger, tempDir string) *Manager {
	return &Manager{
		store:    store,
		dialer:   dialer,
		bus:      bus,
		log:      logger,
		tempDir:  tempDir,
		sessions: make(map[string]*FileSession),
		cache:    newDirCache(cacheTTL),
		cursors:  newCursorTable(cursorTTL),
		tasks:    make(map[string]*uploadTask),
	}
}

// WithSession runs fn against the file session for connectionID, connecting
// first if necessary. Concurrent callers for a not-yet-connected id share a
// single connect attempt. If fn fails with a transport-classified error the
// session is torn down and purged after the error is returned; the caller
// decides whether to retry. Unclassified errors (missing file, permission)
// leave the session intact.
func (m *Manager) WithSession(ctx context.Context, connectionID string, fn func(*FileSession) error) error {
	sess, err := m.acquire(ctx, connectionID)
	if err != nil {
		return err
	}
	sess.touch()

	err = fn(sess)
	if err != nil && remote.IsTransportErr(err) {
		m.log.Warn().Err(err).Str("connection", connectionID).Msg("transport error, resetting file session")
		m.Reset(connectionID)
	}
	return err
}

// acquire returns the live session for connectionID, or converges all
// concurrent callers onto one connect attempt.
func (m *Manager) acquire(ctx context.Context, connectionID string) (*FileSession, error) {
	m.mu.Lock()
	if sess, ok := m.sessions[connectionID]; ok && sess.usable() {
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(connectionID, func() (any, error) {
		// Re-check: another caller may have connected between the fast path
		// and the singleflight slot.
		m.mu.Lock()
		if sess, ok := m.sessions[connectionID]; ok && sess.usable() {
			m.mu.Unlock()
			return sess, nil
		}
		// A broken session must be torn down before it is replaced.
		stale := m.sessions[connectionID]
		delete(m.sessions, connectionID)
		m.mu.Unlock()
		if stale != nil {
			_ = stale.client.Close()
		}

		conn, err := m.store.Get(connectionID)
		if err != nil {
			return nil, fmt.Errorf("files: connection %q: %w", connectionID, err)
		}
		// The budget covers the whole connect, dial and the SFTP subsystem
		// open included; a hung subsystem request must not pin the
		// singleflight slot forever. A client arriving after the budget is
		// closed, not registered.
		client, err := remote.WithTimeoutCleanup(ctx, fmt.Sprintf("sftp connect %s", conn.Host), remote.DialTimeout,
			func(ctx context.Context) (Client, error) {
				return sftpConnectFn(ctx, m.dialer, conn)
			},
			func(c Client) { _ = c.Close() })
		if err != nil {
			return nil, err
		}

		sess := &FileSession{ConnectionID: connectionID, client: client, lastUsed: time.Now()}
		m.mu.Lock()
		m.sessions[connectionID] = sess
		m.mu.Unlock()

		// Flag the session when the transport dies so the next acquire
		// replaces it instead of reusing dead channel state.
		go func() {
			_ = client.Wait()
			sess.markBroken()
		}()

		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*FileSession), nil
}

// Reset tears down the session for connectionID and purges its cache
// entries and cursors. The next WithSession call establishes a brand-new
// connection.
func (m *Manager) Reset(connectionID string) {
	m.mu.Lock()
	sess := m.sessions[connectionID]
	delete(m.sessions, connectionID)
	m.mu.Unlock()

	if sess != nil {
		_ = sess.client.Close()
	}
	m.cache.purgeConnection(connectionID)
	m.cursors.purgeConnection(connectionID)
}

// PurgeConnection is called when a connection is deleted from the store.
func (m *Manager) PurgeConnection(connectionID string) {
	m.Reset(connectionID)
}

// ConnectionIDs returns the connection ids with a live file session.
func (m *Manager) ConnectionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown closes every session and releases every cursor handle. Dangling
// remote handles after shutdown are a bug, not a leak to tolerate.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	open := m.sessions
	m.sessions = make(map[string]*FileSession)
	m.mu.Unlock()

	m.cursors.closeAll()
	m.cache.clear()
	for _, sess := range open {
		_ = sess.client.Close()
	}
}
