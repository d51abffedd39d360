package dedup

import (
	"fmt"
	"testing"
	"time"
)

func TestSetMark(t *testing.T) {
	t.Run("first mark is new, second is not", func(t *testing.T) {
		s := NewSet(10)
		if !s.Mark("a") {
			t.Fatal("first Mark should report newly added")
		}
		if s.Mark("a") {
			t.Fatal("second Mark of same key should report already present")
		}
		if !s.Seen("a") {
			t.Fatal("Seen should report marked key")
		}
		if s.Seen("b") {
			t.Fatal("Seen should not report unmarked key")
		}
	})

	t.Run("exceeding cap evicts the oldest half", func(t *testing.T) {
		s := NewSet(4)
		for i := 0; i < 5; i++ {
			s.Mark(fmt.Sprintf("k%d", i))
		}
		// Prune triggers at the 5th insert: k0, k1 dropped; k2..k4 retained.
		if s.Seen("k0") || s.Seen("k1") {
			t.Fatal("oldest half should have been evicted")
		}
		for _, k := range []string{"k2", "k3", "k4"} {
			if !s.Seen(k) {
				t.Fatalf("recent key %s should survive the prune", k)
			}
		}
		if s.Len() != 3 {
			t.Fatalf("expected 3 keys after prune, got %d", s.Len())
		}
	})

	t.Run("evicted key can be re-marked", func(t *testing.T) {
		s := NewSet(4)
		for i := 0; i < 5; i++ {
			s.Mark(fmt.Sprintf("k%d", i))
		}
		if !s.Mark("k0") {
			t.Fatal("evicted key should be markable again")
		}
	})
}

func TestTTLSet(t *testing.T) {
	t.Run("mark then contains", func(t *testing.T) {
		s := NewTTLSet(10, time.Minute)
		s.Mark("inst")
		if !s.Contains("inst") {
			t.Fatal("marked key should be present before expiry")
		}
		if s.Contains("other") {
			t.Fatal("unmarked key should be absent")
		}
	})

	t.Run("entries expire", func(t *testing.T) {
		s := NewTTLSet(10, 20*time.Millisecond)
		s.Mark("inst")
		time.Sleep(60 * time.Millisecond)
		if s.Contains("inst") {
			t.Fatal("key should expire after the TTL")
		}
	})

	t.Run("capacity bound evicts", func(t *testing.T) {
		s := NewTTLSet(2, time.Minute)
		s.Mark("a")
		s.Mark("b")
		s.Mark("c")
		if s.Contains("a") {
			t.Fatal("oldest key should be evicted at capacity")
		}
	})
}
