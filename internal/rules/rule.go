// Package rules holds the per-group moderation rule model, its persistent
// store, and the parser that normalises raw rule configuration into the
// pre-compiled form the evaluator consumes.
package rules

import (
	"time"
)

// RuleType discriminates how a rule's config is interpreted and matched.
type RuleType string

const (
	KeywordBlock           RuleType = "KEYWORD_BLOCK"
	AgeVerification        RuleType = "AGE_VERIFICATION"
	TrustCheck             RuleType = "TRUST_CHECK"
	BlacklistedGroups      RuleType = "BLACKLISTED_GROUPS"
	Instance18Guard        RuleType = "INSTANCE_18_GUARD"
	InstancePermissionGuard RuleType = "INSTANCE_PERMISSION_GUARD"
	CloseAllInstances      RuleType = "CLOSE_ALL_INSTANCES"
)

// Valid reports whether t is a known rule type. Unknown types are carried
// through the store untouched but never match.
func (t RuleType) Valid() bool {
	switch t {
	case KeywordBlock, AgeVerification, TrustCheck, BlacklistedGroups,
		Instance18Guard, InstancePermissionGuard, CloseAllInstances:
		return true
	}
	return false
}

// ActionType is what the engine does when a rule matches.
type ActionType string

const (
	ActionReject     ActionType = "REJECT"
	ActionAutoBlock  ActionType = "AUTO_BLOCK"
	ActionNotifyOnly ActionType = "NOTIFY_ONLY"
)

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	switch a {
	case ActionReject, ActionAutoBlock, ActionNotifyOnly:
		return true
	}
	return false
}

// Rule is one configurable moderation rule. Config is an opaque JSON string
// whose shape depends on Type; the parser tolerates several legacy shapes.
// ID 0 means unsaved; the store assigns IDs on first save.
type Rule struct {
	ID                  int64      `msgpack:"id" json:"id"`
	Name                string     `msgpack:"name" json:"name"`
	Enabled             bool       `msgpack:"enabled" json:"enabled"`
	Type                RuleType   `msgpack:"type" json:"type"`
	Config              string     `msgpack:"config" json:"config"`
	ActionType          ActionType `msgpack:"actionType" json:"actionType"`
	WhitelistedUserIDs  []string   `msgpack:"whitelistedUserIds" json:"whitelistedUserIds"`
	WhitelistedGroupIDs []string   `msgpack:"whitelistedGroupIds" json:"whitelistedGroupIds"`
	CreatedAt           time.Time  `msgpack:"createdAt" json:"createdAt"`
}

// GroupConfig is the full per-group moderation configuration. Rules are kept
// in stored order; the evaluator honours that order (first match wins).
type GroupConfig struct {
	Rules            []Rule `msgpack:"rules" json:"rules"`
	EnableAutoReject bool   `msgpack:"enableAutoReject" json:"enableAutoReject"`
	EnableAutoBan    bool   `msgpack:"enableAutoBan" json:"enableAutoBan"`
}

// WatchlistEntry flags a user for forced rejection regardless of rule
// outcome when the priority or tags mark them as a known problem.
type WatchlistEntry struct {
	UserID   string   `msgpack:"userId" json:"userId"`
	Priority string   `msgpack:"priority" json:"priority"` // critical | very-low | normal
	Tags     []string `msgpack:"tags" json:"tags"`
	Note     string   `msgpack:"note" json:"note"`
}

// ShouldForceReject reports whether this entry overrides an ALLOW verdict.
func (w WatchlistEntry) ShouldForceReject() bool {
	if w.Priority == "critical" || w.Priority == "very-low" {
		return true
	}
	for _, t := range w.Tags {
		if t == "malicious" || t == "nuisance" {
			return true
		}
	}
	return false
}
