// Package audit persists moderation-action records and pushes UI
// notifications. Both surfaces are fire-and-forget from the engine's
// perspective: failures are logged, never propagated.
package audit

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/groupwarden/groupwarden/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

// Action is the recorded moderation outcome.
type Action string

const (
	ActionAutoAccept Action = "AUTO_ACCEPT"
	ActionReject     Action = "REJECT"
	ActionAutoBlock  Action = "AUTO_BLOCK"
	ActionNotify     Action = "NOTIFY"
	ActionAutoClose  Action = "AUTO_CLOSE"
)

// Entry is one persisted moderation-action record.
type Entry struct {
	ID        int64     `msgpack:"id" json:"id"`
	Timestamp time.Time `msgpack:"timestamp" json:"timestamp"`
	GroupID   string    `msgpack:"groupId" json:"groupId"`
	UserID    string    `msgpack:"userId" json:"userId"`
	UserName  string    `msgpack:"userName" json:"userName"`
	Action    Action    `msgpack:"action" json:"action"`
	RuleID    int64     `msgpack:"ruleId" json:"ruleId"`
	RuleName  string    `msgpack:"ruleName" json:"ruleName"`
	Reason    string    `msgpack:"reason" json:"reason"`
	Broadcast bool      `msgpack:"broadcast" json:"broadcast"`
}

// Sink accepts moderation-action records.
type Sink interface {
	Persist(e Entry)
}

// Broadcaster pushes payloads to the UI layer.
type Broadcaster interface {
	Broadcast(channel string, payload interface{})
}

// NopBroadcaster discards all broadcasts.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(string, interface{}) {}

// Log is a bbolt-backed Sink with newest-first retrieval.
type Log struct {
	db  *bolt.DB
	log zerolog.Logger
}

const bucketAudit = "audit"

// NewLog opens (or creates) the audit database at dataDir/audit.db.
func NewLog(dataDir string, log zerolog.Logger) (*Log, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "audit.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketAudit))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Log{db: db, log: log}, nil
}

// Persist writes e under a monotonic sequence key. Errors are logged, not
// returned: persistence must never block a moderation decision.
func (l *Log) Persist(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAudit))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.ID = int64(seq)
		data, err := msgpack.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal Entry: %w", err)
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], data)
	})
	if err != nil {
		l.log.Error().Err(err).Str("group", e.GroupID).Str("action", string(e.Action)).
			Msg("persist audit entry failed")
	}
}

// Recent returns up to limit entries newest-first, optionally filtered by
// groupID ("" = all groups).
func (l *Log) Recent(groupID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketAudit)).Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var e Entry
			if err := msgpack.Unmarshal(v, &e); err != nil {
				continue // skip corrupt entries
			}
			if groupID != "" && e.GroupID != groupID {
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// SizeBytes reports the on-disk database size and updates the gauge.
func (l *Log) SizeBytes() (int64, error) {
	info, err := os.Stat(l.db.Path())
	if err != nil {
		return 0, err
	}
	metrics.AuditLogSizeBytes.Set(float64(info.Size()))
	return info.Size(), nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
