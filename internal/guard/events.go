package guard

import (
	"sync"
	"time"
)

// EventAction classifies an instance-guard event.
type EventAction string

const (
	EventOpened         EventAction = "OPENED"
	EventClosed         EventAction = "CLOSED"
	EventAutoClosed     EventAction = "AUTO_CLOSED"
	EventInstanceClosed EventAction = "INSTANCE_CLOSED"
)

// Event is one observability record for the instance-guard history. Events
// are never consulted for decisions.
type Event struct {
	ID         int64       `json:"id"`
	Timestamp  time.Time   `json:"timestamp"`
	Action     EventAction `json:"action"`
	WorldID    string      `json:"worldId"`
	WorldName  string      `json:"worldName"`
	InstanceID string      `json:"instanceId"`
	GroupID    string      `json:"groupId"`
	Reason     string      `json:"reason,omitempty"`
	OwnerID    string      `json:"ownerId,omitempty"`
	OwnerName  string      `json:"ownerName,omitempty"`
	WasAgeGated bool       `json:"wasAgeGated,omitempty"`
	UserCount  int         `json:"userCount,omitempty"`
}

// EventRing is an append-only capped ring buffer of events, newest-first on
// read. Appends beyond the cap overwrite the oldest entries.
type EventRing struct {
	mu     sync.Mutex
	cap    int
	seq    int64
	buf    []Event
	next   int
	filled bool
}

// NewEventRing creates a ring holding at most cap events.
func NewEventRing(cap int) *EventRing {
	if cap <= 0 {
		cap = 200
	}
	return &EventRing{
		cap: cap,
		buf: make([]Event, cap),
	}
}

// Append records e, assigning its ID and timestamp.
func (r *EventRing) Append(e Event) Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	e.ID = r.seq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	r.buf[r.next] = e
	r.next++
	if r.next == r.cap {
		r.next = 0
		r.filled = true
	}
	return e
}

// Snapshot returns all retained events, newest first.
func (r *EventRing) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.filled {
		n = r.cap
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		idx := r.next - 1 - i
		if idx < 0 {
			idx += r.cap
		}
		out = append(out, r.buf[idx])
	}
	return out
}

// Len returns the number of retained events.
func (r *EventRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled {
		return r.cap
	}
	return r.next
}
