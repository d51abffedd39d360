// Package service wires the rule engine together and exposes the surface the
// UI and automation callers consume: rule CRUD, toggles, ad-hoc checks, bulk
// scans, whitelist management, and history retrieval.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/groupwarden/groupwarden/internal/audit"
	"github.com/groupwarden/groupwarden/internal/dedup"
	"github.com/groupwarden/groupwarden/internal/evaluator"
	"github.com/groupwarden/groupwarden/internal/guard"
	"github.com/groupwarden/groupwarden/internal/retry"
	"github.com/groupwarden/groupwarden/internal/rules"
	"github.com/groupwarden/groupwarden/internal/vrchat"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config holds service-level parameters, mapped from the application config.
type Config struct {
	Groups []string

	GatekeeperInterval     time.Duration
	GatekeeperRequestDelay time.Duration

	InstanceGuardInterval     time.Duration
	InstanceGuardRequestDelay time.Duration
	ClosedInstanceTTL         time.Duration

	PermissionGuardInterval time.Duration
	AuditLogWindow          int
	RoleCacheTTL            time.Duration

	RuleCacheSize   int
	RuleCacheTTL    time.Duration
	DedupMaxEntries int

	Retry  retry.Config
	DryRun bool
}

// MemberStatus classifies a member in a bulk scan.
type MemberStatus string

const (
	MemberBanned    MemberStatus = "BANNED"
	MemberViolation MemberStatus = "VIOLATION"
	MemberSafe      MemberStatus = "SAFE"
)

// MemberVerdict is one row of a bulk scan result.
type MemberVerdict struct {
	UserID      string            `json:"userId"`
	DisplayName string            `json:"displayName"`
	Status      MemberStatus      `json:"status"`
	Verdict     evaluator.Verdict `json:"verdict"`
}

// Service owns the engine's shared state — caches, dedup sets, the event
// ring — as explicit instances constructed at startup and injected into the
// loops, so tests can run isolated engines side by side.
type Service struct {
	cfg       Config
	api       vrchat.Client
	store     rules.Store
	parser    *rules.Parser
	eval      *evaluator.Evaluator
	auditLog  *audit.Log
	broadcast audit.Broadcaster

	gatekeeper      *guard.Gatekeeper
	instanceGuard   *guard.InstanceGuard
	permissionGuard *guard.PermissionGuard
	events          *guard.EventRing

	log zerolog.Logger
}

// New constructs a fully wired Service.
func New(cfg Config, api vrchat.Client, store rules.Store, auditLog *audit.Log,
	broadcast audit.Broadcaster, log zerolog.Logger) *Service {

	if broadcast == nil {
		broadcast = audit.NopBroadcaster{}
	}

	parser := rules.NewParser(cfg.RuleCacheSize, cfg.RuleCacheTTL, log)
	resolver := evaluator.NewCachedGroupResolver(api, 500, cfg.RuleCacheTTL)
	eval := evaluator.New(store, parser, resolver, log)

	events := guard.NewEventRing(200)
	closedInstances := dedup.NewTTLSet(cfg.DedupMaxEntries, cfg.ClosedInstanceTTL)

	gatekeeper := guard.NewGatekeeper(guard.GatekeeperConfig{
		Groups:       cfg.Groups,
		Interval:     cfg.GatekeeperInterval,
		RequestDelay: cfg.GatekeeperRequestDelay,
		Retry:        cfg.Retry,
		DryRun:       cfg.DryRun,
	}, api, store, eval, auditLog, broadcast, dedup.NewSet(cfg.DedupMaxEntries), log)

	instanceGuard := guard.NewInstanceGuard(guard.InstanceGuardConfig{
		Groups:       cfg.Groups,
		Interval:     cfg.InstanceGuardInterval,
		RequestDelay: cfg.InstanceGuardRequestDelay,
		Retry:        cfg.Retry,
		DryRun:       cfg.DryRun,
	}, api, store, parser, auditLog, broadcast,
		dedup.NewSet(cfg.DedupMaxEntries), closedInstances, events, log)

	permissionGuard := guard.NewPermissionGuard(guard.PermissionGuardConfig{
		Groups:         cfg.Groups,
		Interval:       cfg.PermissionGuardInterval,
		AuditLogWindow: cfg.AuditLogWindow,
		RoleCacheTTL:   cfg.RoleCacheTTL,
		Retry:          cfg.Retry,
		DryRun:         cfg.DryRun,
	}, api, store, auditLog, broadcast,
		dedup.NewSet(cfg.DedupMaxEntries), closedInstances, events, log)

	return &Service{
		cfg:             cfg,
		api:             api,
		store:           store,
		parser:          parser,
		eval:            eval,
		auditLog:        auditLog,
		broadcast:       broadcast,
		gatekeeper:      gatekeeper,
		instanceGuard:   instanceGuard,
		permissionGuard: permissionGuard,
		events:          events,
		log:             log,
	}
}

// Run starts the three enforcement loops and blocks until ctx is cancelled
// or a loop returns a fatal error.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.gatekeeper.Run(gctx) })
	g.Go(func() error { return s.instanceGuard.Run(gctx) })
	g.Go(func() error { return s.permissionGuard.Run(gctx) })
	return g.Wait()
}

// Gatekeeper exposes the reactive join-request entry point for push events.
func (s *Service) Gatekeeper() *guard.Gatekeeper {
	return s.gatekeeper
}

// --- Rule CRUD and toggles --------------------------------------------------

// GroupConfig returns the group's configuration, never failing to the caller:
// a load error degrades to empty defaults.
func (s *Service) GroupConfig(groupID string) rules.GroupConfig {
	cfg, err := s.store.GetGroupConfig(groupID)
	if err != nil {
		s.log.Warn().Err(err).Str("group", groupID).Msg("group config load failed, returning defaults")
		return rules.GroupConfig{}
	}
	return cfg
}

// SaveRule validates and persists a rule, returning it with its assigned ID.
func (s *Service) SaveRule(groupID string, rule rules.Rule) (rules.Rule, error) {
	if rule.Name == "" {
		return rules.Rule{}, fmt.Errorf("rule name is required")
	}
	if !rule.Type.Valid() {
		return rules.Rule{}, fmt.Errorf("unknown rule type %q", rule.Type)
	}
	if !rule.ActionType.Valid() {
		return rules.Rule{}, fmt.Errorf("unknown action type %q", rule.ActionType)
	}
	return s.store.SaveRule(groupID, rule)
}

func (s *Service) DeleteRule(groupID string, ruleID int64) error {
	return s.store.DeleteRule(groupID, ruleID)
}

func (s *Service) SetAutoReject(groupID string, enabled bool) error {
	return s.store.SetAutoReject(groupID, enabled)
}

func (s *Service) SetAutoBan(groupID string, enabled bool) error {
	return s.store.SetAutoBan(groupID, enabled)
}

// --- Whitelist management ---------------------------------------------------

// WhitelistEntities returns a rule's whitelisted user and group ids.
func (s *Service) WhitelistEntities(groupID string, ruleID int64) (users, groups []string, err error) {
	rule, err := s.findRule(groupID, ruleID)
	if err != nil {
		return nil, nil, err
	}
	return rule.WhitelistedUserIDs, rule.WhitelistedGroupIDs, nil
}

// AddWhitelistUser adds userID to the rule's user whitelist.
func (s *Service) AddWhitelistUser(groupID string, ruleID int64, userID string) error {
	return s.mutateRule(groupID, ruleID, func(r *rules.Rule) {
		r.WhitelistedUserIDs = appendUnique(r.WhitelistedUserIDs, userID)
	})
}

// RemoveWhitelistUser removes userID from the rule's user whitelist.
func (s *Service) RemoveWhitelistUser(groupID string, ruleID int64, userID string) error {
	return s.mutateRule(groupID, ruleID, func(r *rules.Rule) {
		r.WhitelistedUserIDs = removeString(r.WhitelistedUserIDs, userID)
	})
}

// AddWhitelistGroup adds a group id to the rule's group whitelist.
func (s *Service) AddWhitelistGroup(groupID string, ruleID int64, whitelistedGroupID string) error {
	return s.mutateRule(groupID, ruleID, func(r *rules.Rule) {
		r.WhitelistedGroupIDs = appendUnique(r.WhitelistedGroupIDs, whitelistedGroupID)
	})
}

// RemoveWhitelistGroup removes a group id from the rule's group whitelist.
func (s *Service) RemoveWhitelistGroup(groupID string, ruleID int64, whitelistedGroupID string) error {
	return s.mutateRule(groupID, ruleID, func(r *rules.Rule) {
		r.WhitelistedGroupIDs = removeString(r.WhitelistedGroupIDs, whitelistedGroupID)
	})
}

func (s *Service) findRule(groupID string, ruleID int64) (rules.Rule, error) {
	cfg, err := s.store.GetGroupConfig(groupID)
	if err != nil {
		return rules.Rule{}, err
	}
	for _, r := range cfg.Rules {
		if r.ID == ruleID {
			return r, nil
		}
	}
	return rules.Rule{}, fmt.Errorf("rule %d not found in group %s", ruleID, groupID)
}

func (s *Service) mutateRule(groupID string, ruleID int64, mutate func(*rules.Rule)) error {
	rule, err := s.findRule(groupID, ruleID)
	if err != nil {
		return err
	}
	mutate(&rule)
	_, err = s.store.SaveRule(groupID, rule)
	return err
}

// --- Evaluation surface -----------------------------------------------------

// CheckUser evaluates a single user ad hoc.
func (s *Service) CheckUser(ctx context.Context, groupID, userID string) (evaluator.Verdict, error) {
	user, err := retry.DoValue(ctx, s.cfg.Retry, s.log, "fetch user",
		func(ctx context.Context) (*vrchat.User, error) {
			return s.api.GetUser(ctx, userID)
		})
	if err != nil {
		return evaluator.Allow(), fmt.Errorf("fetch user %s: %w", userID, err)
	}
	return s.eval.Evaluate(ctx, user, evaluator.Options{}, groupID), nil
}

// ScanGroupMembers evaluates every member of the group and classifies each
// as BANNED, VIOLATION, or SAFE. Banned users are taken from the group ban
// list and short-circuit evaluation.
func (s *Service) ScanGroupMembers(ctx context.Context, groupID string) ([]MemberVerdict, error) {
	const pageSize = 100

	banned := make(map[string]struct{})
	for offset := 0; ; offset += pageSize {
		bans, err := retry.DoValue(ctx, s.cfg.Retry, s.log, "list group bans",
			func(ctx context.Context) ([]vrchat.GroupBan, error) {
				return s.api.GetGroupBans(ctx, groupID, pageSize, offset)
			})
		if err != nil {
			return nil, fmt.Errorf("list bans: %w", err)
		}
		for _, b := range bans {
			banned[b.UserID] = struct{}{}
		}
		if len(bans) < pageSize {
			break
		}
	}

	var results []MemberVerdict
	for offset := 0; ; offset += pageSize {
		members, err := retry.DoValue(ctx, s.cfg.Retry, s.log, "list group members",
			func(ctx context.Context) ([]vrchat.GroupMember, error) {
				return s.api.GetGroupMembers(ctx, groupID, pageSize, offset)
			})
		if err != nil {
			return nil, fmt.Errorf("list members: %w", err)
		}

		for _, m := range members {
			mv := MemberVerdict{UserID: m.UserID, Status: MemberSafe, Verdict: evaluator.Allow()}
			user := m.User
			if user == nil {
				user = &vrchat.User{ID: m.UserID}
			}
			mv.DisplayName = user.DisplayName

			if _, isBanned := banned[m.UserID]; isBanned || m.IsBanned {
				mv.Status = MemberBanned
			} else {
				verdict := s.eval.Evaluate(ctx, user, evaluator.Options{AllowMissingData: true}, groupID)
				if verdict.Action != evaluator.ActionAllow {
					mv.Status = MemberViolation
					mv.Verdict = verdict
				}
			}
			results = append(results, mv)
		}

		if len(members) < pageSize {
			break
		}
	}
	return results, nil
}

// --- History ----------------------------------------------------------------

// AutoModHistory returns recent moderation-action records, newest first.
func (s *Service) AutoModHistory(groupID string, limit int) ([]audit.Entry, error) {
	return s.auditLog.Recent(groupID, limit)
}

// InstanceGuardHistory returns retained instance-guard events, newest first.
func (s *Service) InstanceGuardHistory() []guard.Event {
	return s.events.Snapshot()
}

// --- Watchlist --------------------------------------------------------------

func (s *Service) Watchlist(groupID string) ([]rules.WatchlistEntry, error) {
	return s.store.Watchlist(groupID)
}

func (s *Service) SaveWatchlistEntry(groupID string, entry rules.WatchlistEntry) error {
	if entry.UserID == "" {
		return fmt.Errorf("watchlist entry requires a user id")
	}
	return s.store.SaveWatchlistEntry(groupID, entry)
}

func (s *Service) DeleteWatchlistEntry(groupID, userID string) error {
	return s.store.DeleteWatchlistEntry(groupID, userID)
}

// --- helpers ----------------------------------------------------------------

func appendUnique(items []string, item string) []string {
	for _, it := range items {
		if it == item {
			return items
		}
	}
	return append(items, item)
}

func removeString(items []string, item string) []string {
	kept := items[:0]
	for _, it := range items {
		if it != item {
			kept = append(kept, it)
		}
	}
	return kept
}
