package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketGroups    = "groups"
	bucketWatchlist = "watchlist"
	bucketSeq       = "seq"
)

type bboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/rules.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "rules.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketGroups, bucketWatchlist, bucketSeq} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

func (s *bboltStore) GetGroupConfig(groupID string) (GroupConfig, error) {
	var cfg GroupConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketGroups)).Get([]byte(groupID))
		if v == nil {
			return nil // lazily created: empty defaults
		}
		return msgpack.Unmarshal(v, &cfg)
	})
	if err != nil {
		return GroupConfig{}, err
	}
	return cfg, nil
}

func (s *bboltStore) SaveGroupConfig(groupID string, cfg GroupConfig) error {
	data, err := msgpack.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal GroupConfig: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketGroups)).Put([]byte(groupID), data)
	})
}

// SaveRule inserts or replaces a rule by ID within a single transaction.
// Rules with ID 0 are assigned the next value of a store-wide sequence.
func (s *bboltStore) SaveRule(groupID string, rule Rule) (Rule, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if rule.ID == 0 {
			seq, err := tx.Bucket([]byte(bucketSeq)).NextSequence()
			if err != nil {
				return fmt.Errorf("next rule id: %w", err)
			}
			rule.ID = int64(seq)
			if rule.CreatedAt.IsZero() {
				rule.CreatedAt = time.Now().UTC()
			}
		}

		b := tx.Bucket([]byte(bucketGroups))
		var cfg GroupConfig
		if v := b.Get([]byte(groupID)); v != nil {
			if err := msgpack.Unmarshal(v, &cfg); err != nil {
				return fmt.Errorf("unmarshal GroupConfig: %w", err)
			}
		}

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

		data, err := msgpack.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal GroupConfig: %w", err)
		}
		return b.Put([]byte(groupID), data)
	})
	if err != nil {
		return Rule{}, err
	}
	return rule, nil
}

func (s *bboltStore) DeleteRule(groupID string, ruleID int64) error {
	return s.updateConfig(groupID, func(cfg *GroupConfig) {
		kept := cfg.Rules[:0]
		for _, r := range cfg.Rules {
			if r.ID != ruleID {
				kept = append(kept, r)
			}
		}
		cfg.Rules = kept
	})
}

func (s *bboltStore) SetAutoReject(groupID string, enabled bool) error {
	return s.updateConfig(groupID, func(cfg *GroupConfig) {
		cfg.EnableAutoReject = enabled
	})
}

func (s *bboltStore) SetAutoBan(groupID string, enabled bool) error {
	return s.updateConfig(groupID, func(cfg *GroupConfig) {
		cfg.EnableAutoBan = enabled
	})
}

// updateConfig applies mutate to the stored config inside one transaction.
func (s *bboltStore) updateConfig(groupID string, mutate func(*GroupConfig)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketGroups))
		var cfg GroupConfig
		if v := b.Get([]byte(groupID)); v != nil {
			if err := msgpack.Unmarshal(v, &cfg); err != nil {
				return fmt.Errorf("unmarshal GroupConfig: %w", err)
			}
		}
		mutate(&cfg)
		data, err := msgpack.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal GroupConfig: %w", err)
		}
		return b.Put([]byte(groupID), data)
	})
}

// ---- Watchlist -------------------------------------------------------------

func (s *bboltStore) Watchlist(groupID string) ([]WatchlistEntry, error) {
	var entries []WatchlistEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketWatchlist)).Get([]byte(groupID))
		if v == nil {
			return nil
		}
		return msgpack.Unmarshal(v, &entries)
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *bboltStore) SaveWatchlistEntry(groupID string, entry WatchlistEntry) error {
	return s.updateWatchlist(groupID, func(entries []WatchlistEntry) []WatchlistEntry {
		for i := range entries {
			if entries[i].UserID == entry.UserID {
				entries[i] = entry
				return entries
			}
		}
		return append(entries, entry)
	})
}

func (s *bboltStore) DeleteWatchlistEntry(groupID, userID string) error {
	return s.updateWatchlist(groupID, func(entries []WatchlistEntry) []WatchlistEntry {
		kept := entries[:0]
		for _, e := range entries {
			if e.UserID != userID {
				kept = append(kept, e)
			}
		}
		return kept
	})
}

func (s *bboltStore) updateWatchlist(groupID string, mutate func([]WatchlistEntry) []WatchlistEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketWatchlist))
		var entries []WatchlistEntry
		if v := b.Get([]byte(groupID)); v != nil {
			if err := msgpack.Unmarshal(v, &entries); err != nil {
				return fmt.Errorf("unmarshal watchlist: %w", err)
			}
		}
		entries = mutate(entries)
		data, err := msgpack.Marshal(entries)
		if err != nil {
			return fmt.Errorf("marshal watchlist: %w", err)
		}
		return b.Put([]byte(groupID), data)
	})
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}
