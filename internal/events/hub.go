// Package events is the in-process notification bus for job lifecycle changes.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle event types.
const (
	JobEnqueued       = "job.enqueued"
	TriggerRejected   = "trigger.rejected"
	JobClaimed        = "job.claimed"
	JobCompleted      = "job.completed"
	JobRetryScheduled = "job.retry_scheduled"
	// JobFailed fires once per job when its attempt budget is spent.
	JobFailed      = "job.failed"
	SweeperExpired = "sweeper.expired"
)

// Publisher is what producers depend on.
type Publisher interface {
	Publish(eventType string, data any)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(string, any) {}

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// JobEvent is the payload for job.* events.
type JobEvent struct {
	JobID             string `json:"job_id"`
	Agent             string `json:"agent"`
	Branch            string `json:"branch,omitempty"`
	State             string `json:"state,omitempty"`
	Attempt           int    `json:"attempt,omitempty"`
	WorkerID          string `json:"worker_id,omitempty"`
	Reason            string `json:"reason,omitempty"`
	PublishedLocation string `json:"published_location,omitempty"`
	RetryAt           string `json:"retry_at,omitempty"`
}

// RejectionEvent is the payload for trigger.rejected.
type RejectionEvent struct {
	Outcome    string `json:"outcome"`
	SourceRepo string `json:"source_repo,omitempty"`
	Agent      string `json:"agent,omitempty"`
	Branch     string `json:"branch,omitempty"`
}

// Hub is an in-memory pub/sub with a ring buffer so late SSE clients can catch up.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]subscriber
	nextSubID int
}

type subscriber struct {
	ch    chan Event
	types map[string]struct{}
}

func (s subscriber) wants(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]subscriber),
	}
}

func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.pushLocked(ev)
	for _, sub := range h.subs {
		if !sub.wants(eventType) {
			continue
		}
		// Slow subscribers drop events rather than block workers.
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe registers a listener for the given types, or all types when none
// are given. The returned cancel func closes the channel.
func (h *Hub) Subscribe(types ...string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := subscriber{ch: make(chan Event, 128)}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	id := h.nextSubID
	h.nextSubID++
	h.subs[id] = sub

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	// Full: overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
