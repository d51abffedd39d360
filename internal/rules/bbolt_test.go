package rules

import (
	"testing"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewBboltStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBboltStore_GroupConfig(t *testing.T) {
	store := newTestStore(t)

	t.Run("unseen group returns empty defaults", func(t *testing.T) {
		cfg, err := store.GetGroupConfig("grp_fresh")
		if err != nil {
			t.Fatalf("GetGroupConfig: %v", err)
		}
		if len(cfg.Rules) != 0 || cfg.EnableAutoReject || cfg.EnableAutoBan {
			t.Fatalf("expected zero-value config, got %+v", cfg)
		}
	})

	t.Run("save and load round-trip", func(t *testing.T) {
		in := GroupConfig{
			EnableAutoReject: true,
			Rules: []Rule{
				{ID: 1, Name: "no scams", Enabled: true, Type: KeywordBlock, Config: `["scam"]`, ActionType: ActionReject},
			},
		}
		if err := store.SaveGroupConfig("grp_rt", in); err != nil {
			t.Fatalf("SaveGroupConfig: %v", err)
		}
		out, err := store.GetGroupConfig("grp_rt")
		if err != nil {
			t.Fatalf("GetGroupConfig: %v", err)
		}
		if !out.EnableAutoReject || len(out.Rules) != 1 || out.Rules[0].Name != "no scams" {
			t.Fatalf("round-trip mismatch: %+v", out)
		}
	})
}

func TestBboltStore_SaveRule(t *testing.T) {
	store := newTestStore(t)
	const group = "grp_rules"

	t.Run("new rule gets an ID and CreatedAt", func(t *testing.T) {
		saved, err := store.SaveRule(group, Rule{Name: "first", Type: KeywordBlock, ActionType: ActionReject})
		if err != nil {
			t.Fatalf("SaveRule: %v", err)
		}
		if saved.ID == 0 {
			t.Fatal("expected a non-zero ID after save")
		}
		if saved.CreatedAt.IsZero() {
			t.Fatal("expected CreatedAt to be stamped")
		}
	})

	t.Run("IDs are unique across groups", func(t *testing.T) {
		a, _ := store.SaveRule("grp_one", Rule{Name: "a", Type: KeywordBlock, ActionType: ActionReject})
		b, _ := store.SaveRule("grp_two", Rule{Name: "b", Type: KeywordBlock, ActionType: ActionReject})
		if a.ID == b.ID {
			t.Fatalf("duplicate rule ID %d assigned across groups", a.ID)
		}
	})

	t.Run("save with existing ID replaces in place", func(t *testing.T) {
		saved, _ := store.SaveRule(group, Rule{Name: "original", Type: KeywordBlock, ActionType: ActionReject})
		saved.Name = "updated"
		if _, err := store.SaveRule(group, saved); err != nil {
			t.Fatalf("SaveRule update: %v", err)
		}
		cfg, _ := store.GetGroupConfig(group)
		var found *Rule
		for i := range cfg.Rules {
			if cfg.Rules[i].ID == saved.ID {
				found = &cfg.Rules[i]
			}
		}
		if found == nil || found.Name != "updated" {
			t.Fatalf("update not applied: %+v", cfg.Rules)
		}
	})

	t.Run("stored order is preserved", func(t *testing.T) {
		const g = "grp_order"
		for _, name := range []string{"one", "two", "three"} {
			if _, err := store.SaveRule(g, Rule{Name: name, Type: KeywordBlock, ActionType: ActionReject}); err != nil {
				t.Fatalf("SaveRule: %v", err)
			}
		}
		cfg, _ := store.GetGroupConfig(g)
		if len(cfg.Rules) != 3 || cfg.Rules[0].Name != "one" || cfg.Rules[2].Name != "three" {
			t.Fatalf("insertion order not preserved: %+v", cfg.Rules)
		}
	})

	t.Run("delete removes only the named rule", func(t *testing.T) {
		const g = "grp_del"
		a, _ := store.SaveRule(g, Rule{Name: "keep", Type: KeywordBlock, ActionType: ActionReject})
		b, _ := store.SaveRule(g, Rule{Name: "drop", Type: KeywordBlock, ActionType: ActionReject})
		if err := store.DeleteRule(g, b.ID); err != nil {
			t.Fatalf("DeleteRule: %v", err)
		}
		cfg, _ := store.GetGroupConfig(g)
		if len(cfg.Rules) != 1 || cfg.Rules[0].ID != a.ID {
			t.Fatalf("unexpected rules after delete: %+v", cfg.Rules)
		}
	})
}

func TestBboltStore_Toggles(t *testing.T) {
	store := newTestStore(t)
	const group = "grp_toggle"

	if err := store.SetAutoReject(group, true); err != nil {
		t.Fatalf("SetAutoReject: %v", err)
	}
	if err := store.SetAutoBan(group, true); err != nil {
		t.Fatalf("SetAutoBan: %v", err)
	}
	cfg, _ := store.GetGroupConfig(group)
	if !cfg.EnableAutoReject || !cfg.EnableAutoBan {
		t.Fatalf("toggles not persisted: %+v", cfg)
	}

	if err := store.SetAutoBan(group, false); err != nil {
		t.Fatalf("SetAutoBan off: %v", err)
	}
	cfg, _ = store.GetGroupConfig(group)
	if !cfg.EnableAutoReject || cfg.EnableAutoBan {
		t.Fatalf("toggle flip lost other state: %+v", cfg)
	}
}

func TestBboltStore_Watchlist(t *testing.T) {
	store := newTestStore(t)
	const group = "grp_watch"

	t.Run("empty by default", func(t *testing.T) {
		entries, err := store.Watchlist(group)
		if err != nil || len(entries) != 0 {
			t.Fatalf("expected empty watchlist, got %v, %v", entries, err)
		}
	})

	t.Run("save then list", func(t *testing.T) {
		entry := WatchlistEntry{UserID: "usr_1", Priority: "critical", Note: "repeat offender"}
		if err := store.SaveWatchlistEntry(group, entry); err != nil {
			t.Fatalf("SaveWatchlistEntry: %v", err)
		}
		entries, _ := store.Watchlist(group)
		if len(entries) != 1 || entries[0].Note != "repeat offender" {
			t.Fatalf("unexpected entries: %+v", entries)
		}
	})

	t.Run("save same user replaces", func(t *testing.T) {
		if err := store.SaveWatchlistEntry(group, WatchlistEntry{UserID: "usr_1", Priority: "normal"}); err != nil {
			t.Fatalf("SaveWatchlistEntry: %v", err)
		}
		entries, _ := store.Watchlist(group)
		if len(entries) != 1 || entries[0].Priority != "normal" {
			t.Fatalf("expected in-place replace: %+v", entries)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := store.DeleteWatchlistEntry(group, "usr_1"); err != nil {
			t.Fatalf("DeleteWatchlistEntry: %v", err)
		}
		entries, _ := store.Watchlist(group)
		if len(entries) != 0 {
			t.Fatalf("expected empty after delete: %+v", entries)
		}
	})
}
