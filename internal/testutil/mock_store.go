package testutil

import (
	"sync"

	"github.com/groupwarden/groupwarden/internal/rules"
)

// MockStore implements rules.Store with in-memory maps for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu        sync.Mutex
	configs   map[string]rules.GroupConfig
	watchlist map[string][]rules.WatchlistEntry

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	nextRuleID int64
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		configs:   make(map[string]rules.GroupConfig),
		watchlist: make(map[string][]rules.WatchlistEntry),
		errors:    make(map[string]error),
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

func (m *MockStore) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func (m *MockStore) GetGroupConfig(groupID string) (rules.GroupConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetGroupConfig"); err != nil {
		return rules.GroupConfig{}, err
	}
	cfg := m.configs[groupID]
	cfg.Rules = append([]rules.Rule(nil), cfg.Rules...)
	return cfg, nil
}

func (m *MockStore) SaveGroupConfig(groupID string, cfg rules.GroupConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SaveGroupConfig"); err != nil {
		return err
	}
	m.configs[groupID] = cfg
	return nil
}

func (m *MockStore) SaveRule(groupID string, rule rules.Rule) (rules.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SaveRule"); err != nil {
		return rules.Rule{}, err
	}
	cfg := m.configs[groupID]
	if rule.ID == 0 {
		m.nextRuleID++
		rule.ID = m.nextRuleID
		cfg.Rules = append(cfg.Rules, rule)
	} else {
		replaced := false
		for i := range cfg.Rules {
			if cfg.Rules[i].ID == rule.ID {
				cfg.Rules[i] = rule
				replaced = true
				break
			}
		}
		if !replaced {
			cfg.Rules = append(cfg.Rules, rule)
		}
	}
	m.configs[groupID] = cfg
	return rule, nil
}

func (m *MockStore) DeleteRule(groupID string, ruleID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("DeleteRule"); err != nil {
		return err
	}
	cfg := m.configs[groupID]
	kept := cfg.Rules[:0]
	for _, r := range cfg.Rules {
		if r.ID != ruleID {
			kept = append(kept, r)
		}
	}
	cfg.Rules = kept
	m.configs[groupID] = cfg
	return nil
}

func (m *MockStore) SetAutoReject(groupID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SetAutoReject"); err != nil {
		return err
	}
	cfg := m.configs[groupID]
	cfg.EnableAutoReject = enabled
	m.configs[groupID] = cfg
	return nil
}

func (m *MockStore) SetAutoBan(groupID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SetAutoBan"); err != nil {
		return err
	}
	cfg := m.configs[groupID]
	cfg.EnableAutoBan = enabled
	m.configs[groupID] = cfg
	return nil
}

func (m *MockStore) Watchlist(groupID string) ([]rules.WatchlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("Watchlist"); err != nil {
		return nil, err
	}
	return append([]rules.WatchlistEntry(nil), m.watchlist[groupID]...), nil
}

func (m *MockStore) SaveWatchlistEntry(groupID string, entry rules.WatchlistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SaveWatchlistEntry"); err != nil {
		return err
	}
	list := m.watchlist[groupID]
	for i := range list {
		if list[i].UserID == entry.UserID {
			list[i] = entry
			return nil
		}
	}
	m.watchlist[groupID] = append(list, entry)
	return nil
}

func (m *MockStore) DeleteWatchlistEntry(groupID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("DeleteWatchlistEntry"); err != nil {
		return err
	}
	list := m.watchlist[groupID]
	kept := list[:0]
	for _, e := range list {
		if e.UserID != userID {
			kept = append(kept, e)
		}
	}
	m.watchlist[groupID] = kept
	return nil
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.popError("Close")
}
