// Package connstore persists saved connection configurations in a JSON
// document on disk and notifies observers when the file changes externally.
//
// The engine consumes Get to build connect parameters and TouchConnected for
// last-connected bookkeeping; everything else serves the configuration UI.
package connstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hostbridge/hostbridge/backend/internal/secrets"
)

// changeDebounce coalesces bursts of file events (editors write in several
// steps) into a single reload.
const changeDebounce = 200 * time.Millisecond

// AuthMethod selects how the SSH connection authenticates.
type AuthMethod string

const (
	AuthPassword   AuthMethod = "password"
	AuthPrivateKey AuthMethod = "private_key"
	AuthAgent      AuthMethod = "agent"
)

// Connection is one saved remote host. Immutable for the duration of a live
// session; changes take effect on the next connect.
type Connection struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	GroupID         string     `json:"group_id,omitempty"`
	Host            string     `json:"host"`
	Port            int        `json:"port"`
	Username        string     `json:"username"`
	AuthMethod      AuthMethod `json:"auth_method"`
	Password        string     `json:"password,omitempty"`
	PrivateKey      string     `json:"private_key,omitempty"`
	Passphrase      string     `json:"passphrase,omitempty"`
	ProxyJumpID     string     `json:"proxy_jump_id,omitempty"`
	KeepAliveSec    int        `json:"keep_alive_sec,omitempty"`
	StartupCommand  string     `json:"startup_command,omitempty"`
	DefaultDir      string     `json:"default_dir,omitempty"`
	LastConnectedAt time.Time  `json:"last_connected_at,omitempty"`
}

// Group is a folder for organizing connections in the UI.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type document struct {
	Connections []Connection `json:"connections"`
	Groups      []Group      `json:"groups"`
}

// ErrNotFound is returned by Get/Update/Delete for unknown connection ids.
var ErrNotFound = errors.New("connstore: connection not found")

// Store is the on-disk connection configuration store.
type Store struct {
	path string

	mu  sync.Mutex
	doc document

	watcher  *fsnotify.Watcher
	debounce *time.Timer
	// lastWrite marks our own saves so the watcher can skip them.
	lastWrite time.Time

	onChange []func()
	onDelete []func(connectionID string)

	closed chan struct{}
}

// Open loads the store at path, creating an empty document if the file does
// not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path, closed: make(chan struct{})}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.doc = document{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("connstore: read %q: %w", s.path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("connstore: parse %q: %w", s.path, err)
	}
	for i := range doc.Connections {
		if err := openSecrets(&doc.Connections[i]); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// openSecrets decrypts credential fields in place after load.
func openSecrets(c *Connection) error {
	var err error
	if c.Password, err = secrets.Open(c.Password); err != nil {
		return fmt.Errorf("connstore: connection %q: %w", c.ID, err)
	}
	if c.PrivateKey, err = secrets.Open(c.PrivateKey); err != nil {
		return fmt.Errorf("connstore: connection %q: %w", c.ID, err)
	}
	if c.Passphrase, err = secrets.Open(c.Passphrase); err != nil {
		return fmt.Errorf("connstore: connection %q: %w", c.ID, err)
	}
	return nil
}

// sealSecrets encrypts credential fields for persistence.
func sealSecrets(c *Connection) error {
	var err error
	if c.Password, err = secrets.Seal(c.Password); err != nil {
		return fmt.Errorf("connstore: connection %q: %w", c.ID, err)
	}
	if c.PrivateKey, err = secrets.Seal(c.PrivateKey); err != nil {
		return fmt.Errorf("connstore: connection %q: %w", c.ID, err)
	}
	if c.Passphrase, err = secrets.Seal(c.Passphrase); err != nil {
		return fmt.Errorf("connstore: connection %q: %w", c.ID, err)
	}
	return nil
}

// save writes the document atomically (temp file + rename). Credentials
// are sealed in the serialized copy; the in-memory document stays plain.
func (s *Store) save() error {
	doc := document{
		Connections: append([]Connection(nil), s.doc.Connections...),
		Groups:      s.doc.Groups,
	}
	for i := range doc.Connections {
		if err := sealSecrets(&doc.Connections[i]); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("connstore: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("connstore: mkdir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("connstore: write %q: %w", tmp, err)
	}
	s.lastWrite = time.Now()
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("connstore: rename %q: %w", s.path, err)
	}
	return nil
}

// List returns all saved connections.
func (s *Store) List() []Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Connection, len(s.doc.Connections))
	copy(out, s.doc.Connections)
	return out
}

// Get returns the connection with the given id.
func (s *Store) Get(id string) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.doc.Connections {
		if c.ID == id {
			return c, nil
		}
	}
	return Connection{}, ErrNotFound
}

// ListGroups returns all groups.
func (s *Store) ListGroups() []Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Group, len(s.doc.Groups))
	copy(out, s.doc.Groups)
	return out
}

// Create persists a new connection and returns it with a generated id.
func (s *Store) Create(c Connection) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Port == 0 {
		c.Port = 22
	}
	s.doc.Connections = append(s.doc.Connections, c)
	if err := s.save(); err != nil {
		return Connection{}, err
	}
	return c, nil
}

// Update replaces the stored connection with the same id.
func (s *Store) Update(c Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Connections {
		if s.doc.Connections[i].ID == c.ID {
			s.doc.Connections[i] = c
			return s.save()
		}
	}
	return ErrNotFound
}

// Delete removes the connection and fires delete hooks so the engine can
// purge live sessions, cache entries and cursors for the id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	found := false
	for i := range s.doc.Connections {
		if s.doc.Connections[i].ID == id {
			s.doc.Connections = append(s.doc.Connections[:i], s.doc.Connections[i+1:]...)
			found = true
			break
		}
	}
	var err error
	if found {
		err = s.save()
	}
	hooks := make([]func(string), len(s.onDelete))
	copy(hooks, s.onDelete)
	s.mu.Unlock()

	if !found {
		return ErrNotFound
	}
	for _, fn := range hooks {
		fn(id)
	}
	return err
}

// TouchConnected records a successful terminal connect.
func (s *Store) TouchConnected(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Connections {
		if s.doc.Connections[i].ID == id {
			s.doc.Connections[i].LastConnectedAt = time.Now().UTC()
			return s.save()
		}
	}
	return ErrNotFound
}

// OnChange registers fn to run after an external modification of the store
// file has been detected (debounced). Not called for the store's own writes.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// OnDelete registers fn to run whenever a connection is deleted.
func (s *Store) OnDelete(fn func(connectionID string)) {
	s.mu.Lock()
	s.onDelete = append(s.onDelete, fn)
	s.mu.Unlock()
}

// Watch starts the file watcher. Safe to skip in tests.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("connstore: watcher: %w", err)
	}
	// Watch the directory: editors replace the file via rename, which drops
	// a watch registered on the file itself.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return fmt.Errorf("connstore: watch %q: %w", filepath.Dir(s.path), err)
	}
	s.watcher = w

	go func() {
		for {
			select {
			case <-s.closed:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				s.scheduleReload()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("connstore watcher error")
			}
		}
	}()
	return nil
}

func (s *Store) scheduleReload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Skip events caused by our own atomic save.
	if time.Since(s.lastWrite) < changeDebounce {
		return
	}
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(changeDebounce, func() {
		if err := s.load(); err != nil {
			log.Warn().Err(err).Msg("connstore reload failed")
			return
		}
		s.mu.Lock()
		hooks := make([]func(), len(s.onChange))
		copy(hooks, s.onChange)
		s.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	})
}

// Close stops the watcher.
func (s *Store) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
