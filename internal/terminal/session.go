package terminal

import "sync"

// defaultRingBytes caps the per-session replay buffer.
const defaultRingBytes = 1 << 20 // 1 MiB

// shellStream is the interactive shell behind a session: raw keystrokes in,
// raw output out. Implemented by sshShell in production and by fakes in
// tests.
type shellStream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(rows, cols uint16) error
	Close() error
}

// OutputChunk is one buffered piece of shell output.
type OutputChunk struct {
	Seq  uint64 `json:"seq"`
	Data []byte `json:"data"`
}

// Session is one interactive terminal tab. Owned exclusively by the
// Manager; all mutation goes through its mutex.
type Session struct {
	ID           string
	ConnectionID string

	shell shellStream

	mu      sync.Mutex
	status  Status
	errMsg  string
	seq     uint64
	chunks  []OutputChunk
	bytes   int
	ringCap int
}

func newSession(id, connectionID string, shell shellStream, ringCap int) *Session {
	return &Session{
		ID:           id,
		ConnectionID: connectionID,
		shell:        shell,
		status:       StatusConnecting,
		ringCap:      ringCap,
	}
}

func (s *Session) setStatus(status Status, errMsg string) {
	s.mu.Lock()
	s.status = status
	s.errMsg = errMsg
	s.mu.Unlock()
}

func (s *Session) statusErr() (Status, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.errMsg
}

// appendOutput stores a chunk in the ring and returns its sequence number.
// Oldest chunks are evicted once the ring exceeds its byte cap, but at
// least one chunk is always retained so ReadOutput can report the latest
// sequence even after a large burst.
func (s *Session) appendOutput(data []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.chunks = append(s.chunks, OutputChunk{Seq: s.seq, Data: data})
	s.bytes += len(data)
	for s.bytes > s.ringCap && len(s.chunks) > 1 {
		s.bytes -= len(s.chunks[0].Data)
		s.chunks = s.chunks[1:]
	}
	return s.seq
}

// readSince returns chunks with sequence numbers greater than sinceSeq and
// the newest sequence number.
func (s *Session) readSince(sinceSeq uint64) (uint64, []OutputChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutputChunk
	for _, c := range s.chunks {
		if c.Seq > sinceSeq {
			out = append(out, c)
		}
	}
	return s.seq, out
}
