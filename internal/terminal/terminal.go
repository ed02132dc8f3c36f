// Package terminal owns interactive shell sessions, one per logical
// terminal tab. Terminals never share connections with file operations, so
// a long transfer cannot starve interactive typing.
//
// Output from the remote shell is appended to a bounded ring buffer and
// also published on the event bus tagged with a sequence number; a
// catching-up reader calls ReadOutput with the last sequence it saw and
// receives only the gap.
package terminal

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hostbridge/hostbridge/backend/internal/connstore"
	"github.com/hostbridge/hostbridge/backend/internal/events"
	"github.com/hostbridge/hostbridge/backend/internal/remote"
)

// Status of a terminal session.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// ConfigSource resolves saved connections. Satisfied by *connstore.Store.
type ConfigSource interface {
	Get(id string) (connstore.Connection, error)
	TouchConnected(id string) error
}

// Info is the caller-facing session summary.
type Info struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connection_id"`
	Status       Status `json:"status"`
	Error        string `json:"error,omitempty"`
}

// Manager owns the terminal session registry.
type Manager struct {
	store  ConfigSource
	dialer *remote.Dialer
	bus    *events.Bus
	log    zerolog.Logger

	ringCap int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty terminal session manager. ringCap bounds the
// per-session output ring in bytes; 0 selects the default 1 MiB.
func NewManager(store ConfigSource, dialer *remote.Dialer, bus *events.Bus, logger zerolog.Logger, ringCap int) *Manager {
	if ringCap <= 0 {
		ringCap = defaultRingBytes
	}
	return &Manager{
		store:    store,
		dialer:   dialer,
		bus:      bus,
		log:      logger,
		ringCap:  ringCap,
		sessions: make(map[string]*Session),
	}
}

// Connect opens a fresh SSH connection for connectionID, requests an
// interactive PTY and registers the session. The attempt is bounded by the
// connect budget; on failure no session is left behind.
func (m *Manager) Connect(ctx context.Context, connectionID string) (string, error) {
	conn, err := m.store.Get(connectionID)
	if err != nil {
		return "", fmt.Errorf("terminal: connection %q: %w", connectionID, err)
	}

	sessionID := uuid.NewString()
	m.bus.Publish(events.TerminalStatus{
		SessionID:    sessionID,
		ConnectionID: connectionID,
		Status:       string(StatusConnecting),
	})

	shell, err := remote.WithTimeoutCleanup(ctx, "terminal connect", remote.DialTimeout,
		func(ctx context.Context) (shellStream, error) {
			return sshConnectFn(ctx, m.dialer, conn)
		},
		func(s shellStream) { _ = s.Close() })
	if err != nil {
		m.bus.Publish(events.TerminalStatus{
			SessionID:    sessionID,
			ConnectionID: connectionID,
			Status:       string(StatusError),
			Error:        err.Error(),
		})
		return "", fmt.Errorf("terminal: connect %q: %w", connectionID, err)
	}

	sess := newSession(sessionID, connectionID, shell, m.ringCap)
	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	sess.setStatus(StatusConnected, "")
	m.bus.Publish(events.TerminalStatus{
		SessionID:    sessionID,
		ConnectionID: connectionID,
		Status:       string(StatusConnected),
	})

	// Pump shell output into the ring and onto the bus until the stream
	// closes, then retire the session.
	go m.pump(sess)

	// Startup command and default directory are typed as raw keystrokes, as
	// if the user had entered them.
	if conn.StartupCommand != "" {
		_, _ = shell.Write([]byte(conn.StartupCommand + "\n"))
	}
	if conn.DefaultDir != "" {
		_, _ = shell.Write([]byte("cd " + remote.QuoteArg(conn.DefaultDir) + "\n"))
	}

	if err := m.store.TouchConnected(connectionID); err != nil {
		m.log.Warn().Err(err).Str("connection", connectionID).Msg("last-connected bookkeeping failed")
	}

	return sessionID, nil
}

// pump reads shell output until EOF, then marks the session disconnected
// and removes it from the registry.
func (m *Manager) pump(sess *Session) {
	buf := make([]byte, 4096)
	for {
		n, err := sess.shell.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			seq := sess.appendOutput(data)
			m.bus.Publish(events.TerminalOutput{
				SessionID: sess.ID,
				Seq:       seq,
				Data:      data,
			})
		}
		if err != nil {
			break
		}
	}
	m.retire(sess, StatusDisconnected, "")
}

// retire removes the session from the registry and closes its shell. Safe
// to call more than once; only the first call wins.
func (m *Manager) retire(sess *Session, status Status, errMsg string) {
	m.mu.Lock()
	_, registered := m.sessions[sess.ID]
	delete(m.sessions, sess.ID)
	m.mu.Unlock()
	if !registered {
		return
	}

	sess.setStatus(status, errMsg)
	_ = sess.shell.Close()
	m.bus.Publish(events.TerminalStatus{
		SessionID:    sess.ID,
		ConnectionID: sess.ConnectionID,
		Status:       string(status),
		Error:        errMsg,
	})
}

// Send writes raw keystrokes to the session's shell. Fire-and-forget at the
// boundary, but write failures retire the session.
func (m *Manager) Send(sessionID string, data []byte) error {
	sess, err := m.get(sessionID)
	if err != nil {
		return err
	}
	if _, err := sess.shell.Write(data); err != nil {
		m.retire(sess, StatusError, err.Error())
		return fmt.Errorf("terminal: send: %w", err)
	}
	return nil
}

// Resize changes the remote PTY dimensions.
func (m *Manager) Resize(sessionID string, cols, rows uint16) error {
	sess, err := m.get(sessionID)
	if err != nil {
		return err
	}
	return sess.shell.Resize(rows, cols)
}

// Disconnect closes the session and removes it from the registry.
func (m *Manager) Disconnect(sessionID string) error {
	sess, err := m.get(sessionID)
	if err != nil {
		return err
	}
	m.retire(sess, StatusDisconnected, "")
	return nil
}

// List returns a summary of every registered session.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		status, errMsg := s.statusErr()
		out = append(out, Info{
			ID:           s.ID,
			ConnectionID: s.ConnectionID,
			Status:       status,
			Error:        errMsg,
		})
	}
	return out
}

// ReadOutput returns buffered output chunks with sequence numbers greater
// than sinceSeq, plus the newest sequence number seen.
func (m *Manager) ReadOutput(sessionID string, sinceSeq uint64) (uint64, []OutputChunk, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return 0, nil, err
	}
	last, chunks := sess.readSince(sinceSeq)
	return last, chunks, nil
}

// DisconnectConnection closes every session opened against connectionID,
// e.g. after the connection is deleted from the store.
func (m *Manager) DisconnectConnection(connectionID string) {
	m.mu.Lock()
	var doomed []*Session
	for _, s := range m.sessions {
		if s.ConnectionID == connectionID {
			doomed = append(doomed, s)
		}
	}
	m.mu.Unlock()
	for _, s := range doomed {
		m.retire(s, StatusDisconnected, "")
	}
}

// Shutdown closes every open session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()
	for _, s := range open {
		m.retire(s, StatusDisconnected, "")
	}
}

func (m *Manager) get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("terminal: unknown session %q", sessionID)
	}
	return sess, nil
}
