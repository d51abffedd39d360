// Package evaluator maps a user snapshot and a group's rule set to a
// verdict. It is deliberately free of side effects: the enforcement loops own
// all action dispatch, so the decision function stays unit-testable without
// mocking I/O.
package evaluator

import (
	"context"
	"fmt"
	"strings"

	"github.com/groupwarden/groupwarden/internal/metrics"
	"github.com/groupwarden/groupwarden/internal/rules"
	"github.com/groupwarden/groupwarden/internal/vrchat"
	"github.com/rs/zerolog"
)

// Action is a verdict outcome.
type Action string

const (
	ActionAllow      Action = "ALLOW"
	ActionReject     Action = "REJECT"
	ActionAutoBlock  Action = "AUTO_BLOCK"
	ActionNotifyOnly Action = "NOTIFY_ONLY"
)

// Verdict is the terminal, immutable result of one evaluation.
type Verdict struct {
	Action   Action `json:"action"`
	Reason   string `json:"reason,omitempty"`
	RuleName string `json:"ruleName,omitempty"`
	RuleID   int64  `json:"ruleId,omitempty"`
}

// Allow is the fail-open verdict.
func Allow() Verdict {
	return Verdict{Action: ActionAllow}
}

// Options tunes evaluation behaviour.
type Options struct {
	// AllowMissingData skips indeterminate checks (currently TRUST_CHECK on a
	// user with no tags) instead of treating absence as a violation.
	AllowMissingData bool
}

// GroupResolver fetches a user's group memberships, best-effort. Failures are
// non-fatal: evaluation proceeds with an empty membership list.
type GroupResolver interface {
	UserGroups(ctx context.Context, userID string) ([]vrchat.UserGroup, error)
}

// Evaluator applies a group's enabled rules to user snapshots.
type Evaluator struct {
	store    rules.Store
	parser   *rules.Parser
	resolver GroupResolver
	log      zerolog.Logger
}

// New constructs an Evaluator.
func New(store rules.Store, parser *rules.Parser, resolver GroupResolver, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		store:    store,
		parser:   parser,
		resolver: resolver,
		log:      log,
	}
}

// Evaluate runs user through the group's enabled rules in stored order; the
// first matching rule wins. It never returns an error: any internal failure
// resolves to ALLOW (fail-open) and is logged — the engine must never block a
// legitimate user because of a bug, trading false negatives for availability.
func (e *Evaluator) Evaluate(ctx context.Context, user *vrchat.User, opts Options, groupID string) (verdict Verdict) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("group", groupID).Str("user", user.ID).
				Msg("evaluation panicked, failing open")
			verdict = Allow()
		}
	}()

	cfg, err := e.store.GetGroupConfig(groupID)
	if err != nil {
		e.log.Warn().Err(err).Str("group", groupID).Msg("load group config failed, failing open")
		return Allow()
	}

	for i := range cfg.Rules {
		rule := &cfg.Rules[i]
		if !rule.Enabled {
			continue
		}

		matched, reason := e.matchRule(ctx, user, opts, rule)
		if !matched {
			metrics.Evaluations.WithLabelValues(string(rule.Type), "pass").Inc()
			continue
		}

		metrics.Evaluations.WithLabelValues(string(rule.Type), "match").Inc()
		return Verdict{
			Action:   Action(rule.ActionType),
			Reason:   reason,
			RuleName: rule.Name,
			RuleID:   rule.ID,
		}
	}
	return Allow()
}

// matchRule applies one rule's type-specific algorithm.
func (e *Evaluator) matchRule(ctx context.Context, user *vrchat.User, opts Options, rule *rules.Rule) (bool, string) {
	parsed := e.parser.Parse(*rule)

	switch rule.Type {
	case rules.KeywordBlock:
		return e.matchKeywordBlock(ctx, user, parsed)
	case rules.AgeVerification:
		// The standalone rule requires exactly "18+".
		if user.AgeVerificationStatus != "18+" {
			return true, fmt.Sprintf("age verification status is %q, 18+ required", user.AgeVerificationStatus)
		}
		return false, ""
	case rules.TrustCheck:
		return e.matchTrustCheck(user, opts, parsed)
	case rules.BlacklistedGroups:
		return e.matchBlacklistedGroups(ctx, user, parsed)
	}

	// Instance rule types are driven by the enforcement loops against
	// instance and audit-log data, not through per-user evaluation.
	return false, ""
}

// matchKeywordBlock implements the keyword scan with whitelist overrides.
func (e *Evaluator) matchKeywordBlock(ctx context.Context, user *vrchat.User, parsed *rules.ParsedRule) (bool, string) {
	if _, ok := parsed.WhitelistedUserIDs[user.ID]; ok {
		return false, ""
	}

	// Group memberships are only fetched when something needs them; a fetch
	// failure downgrades to an empty list rather than failing the rule.
	var userGroups []vrchat.UserGroup
	if len(parsed.WhitelistedGroupIDs) > 0 || parsed.ScanGroups {
		groups, err := e.resolver.UserGroups(ctx, user.ID)
		if err != nil {
			e.log.Warn().Err(err).Str("user", user.ID).Msg("user group fetch failed, proceeding without memberships")
		} else {
			userGroups = groups
		}
	}
	for _, g := range userGroups {
		if _, ok := parsed.WhitelistedGroupIDs[g.GroupID]; ok {
			return false, ""
		}
	}

	// Fields are scanned in fixed priority order; the first unsuppressed hit
	// wins and later fields are not consulted.
	fields := []struct {
		name string
		text string
		scan bool
	}{
		{"display name", user.DisplayName, true},
		{"bio", user.Bio, parsed.ScanBio},
		{"status", strings.TrimSpace(user.Status + " " + user.StatusDescription), parsed.ScanStatus},
		{"pronouns", user.Pronouns, parsed.ScanPronouns},
	}

	for _, f := range fields {
		if !f.scan || f.text == "" {
			continue
		}
		if hit, kw := matchField(f.text, parsed); hit {
			return true, fmt.Sprintf("keyword %q matched in %s", kw, f.name)
		}
	}

	if parsed.ScanGroups {
		for _, g := range userGroups {
			text := strings.TrimSpace(g.Name + " " + g.ShortCode)
			if hit, kw := matchField(text, parsed); hit {
				return true, fmt.Sprintf("keyword %q matched in group %q", kw, g.Name)
			}
		}
	}

	// Age verification re-check inside the keyword branch: an observed quirk
	// of the shipped behaviour, kept intact pending product clarification.
	// Unlike the standalone AGE_VERIFICATION rule this only fires when the
	// status is present, and "hidden" is acceptable.
	if s := strings.ToLower(user.AgeVerificationStatus); s != "" && s != "18+" && s != "hidden" {
		return true, fmt.Sprintf("age verification status is %q", user.AgeVerificationStatus)
	}

	return false, ""
}

// matchField reports the first keyword hit in text that is not suppressed by
// the rule's free-text whitelist.
func matchField(text string, parsed *rules.ParsedRule) (bool, string) {
	lower := strings.ToLower(text)
	for i, kw := range parsed.Keywords {
		var hit bool
		if parsed.MatchMode == rules.MatchWholeWord {
			// Boundary patterns run against the raw, non-lowercased text;
			// they are compiled case-insensitive.
			if i < len(parsed.Patterns) && parsed.Patterns[i] != nil {
				hit = parsed.Patterns[i].MatchString(text)
			}
		} else {
			hit = strings.Contains(lower, strings.ToLower(kw))
		}
		if !hit {
			continue
		}
		if whitelisted(lower, parsed.Whitelist) {
			// Suppress this specific match, keep scanning.
			continue
		}
		return true, kw
	}
	return false, ""
}

// whitelisted reports whether any free-text whitelist phrase appears in the
// same field's lowercased text.
func whitelisted(lowerText string, whitelist []string) bool {
	for _, wl := range whitelist {
		if strings.Contains(lowerText, strings.ToLower(wl)) {
			return true
		}
	}
	return false
}

func (e *Evaluator) matchTrustCheck(user *vrchat.User, opts Options, parsed *rules.ParsedRule) (bool, string) {
	if !parsed.HasMinTrust {
		return false, ""
	}
	rank, ok := rules.RankFromTags(user.Tags)
	if !ok && opts.AllowMissingData {
		// No tags at all: indeterminate, not a violation.
		return false, ""
	}
	if rank < parsed.MinTrust {
		return true, fmt.Sprintf("trust rank %s is below required %s", rank, parsed.MinTrust)
	}
	return false, ""
}

func (e *Evaluator) matchBlacklistedGroups(ctx context.Context, user *vrchat.User, parsed *rules.ParsedRule) (bool, string) {
	if len(parsed.BlacklistedGroupIDs) == 0 {
		return false, ""
	}
	groups, err := e.resolver.UserGroups(ctx, user.ID)
	if err != nil {
		e.log.Warn().Err(err).Str("user", user.ID).Msg("user group fetch failed, proceeding without memberships")
		return false, ""
	}
	for _, g := range groups {
		if _, ok := parsed.BlacklistedGroupIDs[g.GroupID]; ok {
			return true, fmt.Sprintf("member of blacklisted group %q", g.Name)
		}
	}
	return false, ""
}
