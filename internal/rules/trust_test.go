package rules

import "testing"

func TestTrustRankOrdering(t *testing.T) {
	ranks := []TrustRank{TrustVisitor, TrustBasic, TrustKnown, TrustTrusted, TrustVeteran, TrustLegend}
	for i := 1; i < len(ranks); i++ {
		if ranks[i-1] >= ranks[i] {
			t.Fatalf("%s should order below %s", ranks[i-1], ranks[i])
		}
	}
}

func TestRankFromTags(t *testing.T) {
	t.Run("empty tags are indeterminate", func(t *testing.T) {
		rank, ok := RankFromTags(nil)
		if ok {
			t.Fatal("empty tags should report ok=false")
		}
		if rank != TrustVisitor {
			t.Fatalf("expected visitor fallback, got %s", rank)
		}
	})

	t.Run("tags without trust tag are visitor", func(t *testing.T) {
		rank, ok := RankFromTags([]string{"language_eng", "system_avatar_access"})
		if !ok || rank != TrustVisitor {
			t.Fatalf("expected visitor,true; got %s,%v", rank, ok)
		}
	})

	t.Run("highest trust tag wins", func(t *testing.T) {
		rank, ok := RankFromTags([]string{
			"system_trust_basic",
			"system_trust_trusted",
			"system_trust_known",
		})
		if !ok || rank != TrustTrusted {
			t.Fatalf("expected trusted, got %s,%v", rank, ok)
		}
	})
}

func TestWatchlistShouldForceReject(t *testing.T) {
	cases := []struct {
		name  string
		entry WatchlistEntry
		want  bool
	}{
		{"critical priority", WatchlistEntry{UserID: "usr_1", Priority: "critical"}, true},
		{"very-low priority", WatchlistEntry{UserID: "usr_1", Priority: "very-low"}, true},
		{"malicious tag", WatchlistEntry{UserID: "usr_1", Tags: []string{"malicious"}}, true},
		{"nuisance tag", WatchlistEntry{UserID: "usr_1", Tags: []string{"nuisance"}}, true},
		{"plain entry", WatchlistEntry{UserID: "usr_1", Priority: "medium", Tags: []string{"observed"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.entry.ShouldForceReject(); got != tc.want {
				t.Fatalf("ShouldForceReject() = %v, want %v", got, tc.want)
			}
		})
	}
}
