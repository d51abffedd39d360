package rules

// Store is the persistence interface for per-group rule configuration.
//
// GetGroupConfig lazily creates an empty config for unseen group ids, so it
// always returns a populated value. SaveGroupConfig is a full overwrite; there
// is no partial-update API, callers read-modify-write the whole config. Two
// concurrent writers to the same group race last-write-wins, which is
// acceptable because edits are human-driven and rare relative to reads.
type Store interface {
	GetGroupConfig(groupID string) (GroupConfig, error)
	SaveGroupConfig(groupID string, cfg GroupConfig) error

	// Rule helpers; all read-modify-write the full GroupConfig.
	SaveRule(groupID string, rule Rule) (Rule, error)
	DeleteRule(groupID string, ruleID int64) error
	SetAutoReject(groupID string, enabled bool) error
	SetAutoBan(groupID string, enabled bool) error

	// Watchlist
	Watchlist(groupID string) ([]WatchlistEntry, error)
	SaveWatchlistEntry(groupID string, entry WatchlistEntry) error
	DeleteWatchlistEntry(groupID, userID string) error

	Close() error
}
