package testutil

import (
	"sync"

	"github.com/groupwarden/groupwarden/internal/audit"
)

// RecorderSink collects audit entries in memory.
type RecorderSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

// NewRecorderSink returns an empty RecorderSink.
func NewRecorderSink() *RecorderSink {
	return &RecorderSink{}
}

func (s *RecorderSink) Persist(e audit.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

// Entries returns a copy of all persisted entries in arrival order.
func (s *RecorderSink) Entries() []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Entry(nil), s.entries...)
}

// BroadcastRecord is one captured Broadcast call.
type BroadcastRecord struct {
	Channel string
	Payload interface{}
}

// RecorderBroadcaster collects broadcast calls in memory.
type RecorderBroadcaster struct {
	mu      sync.Mutex
	records []BroadcastRecord
}

// NewRecorderBroadcaster returns an empty RecorderBroadcaster.
func NewRecorderBroadcaster() *RecorderBroadcaster {
	return &RecorderBroadcaster{}
}

func (b *RecorderBroadcaster) Broadcast(channel string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, BroadcastRecord{Channel: channel, Payload: payload})
}

// Records returns a copy of all captured broadcasts in arrival order.
func (b *RecorderBroadcaster) Records() []BroadcastRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BroadcastRecord(nil), b.records...)
}

// OnChannel returns the captured broadcasts for one channel.
func (b *RecorderBroadcaster) OnChannel(channel string) []BroadcastRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []BroadcastRecord
	for _, r := range b.records {
		if r.Channel == channel {
			out = append(out, r)
		}
	}
	return out
}
