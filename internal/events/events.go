// Package events carries engine-to-observer notifications: terminal status
// and output, transfer progress and upload stage changes. The bus is
// in-process; whatever transport fronts the engine forwards from here.
package events

import "sync"

// Event is implemented by every broadcast payload.
type Event interface {
	eventKind() string
}

// TerminalStatus reports a terminal session status transition.
type TerminalStatus struct {
	SessionID    string `json:"session_id"`
	ConnectionID string `json:"connection_id"`
	Status       string `json:"status"` // connecting | connected | disconnected | error
	Error        string `json:"error,omitempty"`
}

// TerminalOutput is one chunk of shell output tagged with its sequence
// number so catching-up readers can request the gap via ReadOutput.
type TerminalOutput struct {
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
	Data      []byte `json:"data"`
}

// TransferProgress reports bytes moved for an upload or download. Emission
// is throttled by the producer (at most one per 200 ms per transfer).
type TransferProgress struct {
	TaskID  string  `json:"task_id"`
	Path    string  `json:"path"`
	Sent    int64   `json:"sent"`
	Total   int64   `json:"total"`
	Percent float64 `json:"percent"`
}

// Upload pipeline stages.
const (
	StageCompress    = "compress"
	StageUpload      = "upload"
	StageRemoteUnzip = "remote_unzip"
	StageCleanup     = "cleanup"
	StageDone        = "done"
	StageError       = "error"
	StageCanceled    = "canceled"
)

// UploadStage marks an upload task advancing through the pipeline.
type UploadStage struct {
	TaskID string `json:"task_id"`
	Stage  string `json:"stage"`
	Detail string `json:"detail,omitempty"`
}

// CompressProgress reports local archiving progress by entry count.
type CompressProgress struct {
	TaskID  string `json:"task_id"`
	Entries int    `json:"entries"`
	Total   int    `json:"total"`
}

func (TerminalStatus) eventKind() string   { return "terminal.status" }
func (TerminalOutput) eventKind() string   { return "terminal.output" }
func (TransferProgress) eventKind() string { return "transfer.progress" }
func (UploadStage) eventKind() string      { return "upload.stage" }
func (CompressProgress) eventKind() string { return "compress.progress" }

// subscriberBuffer bounds each subscriber's queue; a stalled observer drops
// its own events rather than blocking producers or other subscribers.
const subscriberBuffer = 256

// Bus fans events out to subscribers. Publish order is preserved per bus:
// a single mutex serializes producers, so events for one session or task
// arrive in the order they were published.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers an observer. The returned cancel func unsubscribes
// and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber. Never blocks: a full subscriber
// buffer drops the event for that subscriber only.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
