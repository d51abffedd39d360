package guard

import (
	"fmt"
	"testing"
)

func TestEventRingAppendAssignsIDs(t *testing.T) {
	r := NewEventRing(10)
	first := r.Append(Event{Action: EventOpened})
	second := r.Append(Event{Action: EventAutoClosed})

	if first.ID == 0 || second.ID != first.ID+1 {
		t.Fatalf("IDs should be sequential, got %d then %d", first.ID, second.ID)
	}
	if first.Timestamp.IsZero() {
		t.Fatal("Append should stamp the event")
	}
}

func TestEventRingSnapshotNewestFirst(t *testing.T) {
	r := NewEventRing(10)
	for i := 0; i < 3; i++ {
		r.Append(Event{Reason: fmt.Sprintf("e%d", i)})
	}
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 events, got %d", len(snap))
	}
	if snap[0].Reason != "e2" || snap[2].Reason != "e0" {
		t.Fatalf("snapshot should be newest first: %+v", snap)
	}
}

func TestEventRingCaps(t *testing.T) {
	r := NewEventRing(3)
	for i := 0; i < 5; i++ {
		r.Append(Event{Reason: fmt.Sprintf("e%d", i)})
	}
	if r.Len() != 3 {
		t.Fatalf("ring should hold at most 3, got %d", r.Len())
	}
	snap := r.Snapshot()
	if snap[0].Reason != "e4" || snap[2].Reason != "e2" {
		t.Fatalf("oldest events should be overwritten: %+v", snap)
	}
}
