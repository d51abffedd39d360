package guard

import (
	"context"
	"errors"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/groupwarden/groupwarden/internal/audit"
	"github.com/groupwarden/groupwarden/internal/dedup"
	"github.com/groupwarden/groupwarden/internal/metrics"
	"github.com/groupwarden/groupwarden/internal/retry"
	"github.com/groupwarden/groupwarden/internal/rules"
	"github.com/groupwarden/groupwarden/internal/vrchat"
	"github.com/rs/zerolog"
)

// auditEventInstanceCreate is the audit-log event type the permission guard acts on.
const auditEventInstanceCreate = "group.instance.create"

// instanceCreatePermissions are the role permissions that authorize opening
// group instances. A wildcard permission also authorizes.
var instanceCreatePermissions = []string{
	"group-instance-open-create",
	"group-instance-plus-create",
	"group-instance-public-create",
	"group-instance-restricted-create",
	"group-instance-age-gated-create",
}

// PermissionGuardConfig holds permission-guard loop parameters.
type PermissionGuardConfig struct {
	Groups         []string
	Interval       time.Duration
	AuditLogWindow int // recent audit-log entries fetched per pass
	RoleCacheTTL   time.Duration
	Retry          retry.Config
	DryRun         bool
}

// PermissionGuard watches the group audit log for instance creations by
// members without create permission and closes them.
type PermissionGuard struct {
	cfg       PermissionGuardConfig
	api       vrchat.Client
	store     rules.Store
	sink      audit.Sink
	broadcast audit.Broadcaster
	processed *dedup.Set    // groupID:logID, marked before any handling
	closed    *dedup.TTLSet // shared with the instance guard
	events    *EventRing
	roleCache *lru.LRU[string, []vrchat.GroupRole]
	log       zerolog.Logger
}

// NewPermissionGuard constructs a PermissionGuard.
func NewPermissionGuard(cfg PermissionGuardConfig, api vrchat.Client, store rules.Store,
	sink audit.Sink, broadcast audit.Broadcaster, processed *dedup.Set,
	closed *dedup.TTLSet, events *EventRing, log zerolog.Logger) *PermissionGuard {

	ttl := cfg.RoleCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if cfg.AuditLogWindow <= 0 {
		cfg.AuditLogWindow = 20
	}
	return &PermissionGuard{
		cfg:       cfg,
		api:       api,
		store:     store,
		sink:      sink,
		broadcast: broadcast,
		processed: processed,
		closed:    closed,
		events:    events,
		roleCache: lru.NewLRU[string, []vrchat.GroupRole](64, nil, ttl),
		log:       log,
	}
}

// Run executes the permission-guard loop until ctx is cancelled.
func (pg *PermissionGuard) Run(ctx context.Context) error {
	ticker := time.NewTicker(pg.cfg.Interval)
	defer ticker.Stop()

	pg.pass(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pg.pass(ctx)
		}
	}
}

func (pg *PermissionGuard) pass(ctx context.Context) {
	start := time.Now()
	for _, groupID := range pg.cfg.Groups {
		rule := pg.activeRule(groupID)
		if rule == nil {
			continue
		}
		pg.sweepGroup(ctx, groupID, rule)
	}
	metrics.GuardPassDuration.WithLabelValues("permission_guard").Observe(time.Since(start).Seconds())
}

func (pg *PermissionGuard) activeRule(groupID string) *rules.Rule {
	cfg, err := pg.store.GetGroupConfig(groupID)
	if err != nil {
		pg.log.Warn().Err(err).Str("group", groupID).Msg("permission guard: config load failed")
		return nil
	}
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if r.Enabled && r.Type == rules.InstancePermissionGuard {
			return r
		}
	}
	return nil
}

func (pg *PermissionGuard) sweepGroup(ctx context.Context, groupID string, rule *rules.Rule) {
	logs, err := retry.DoValue(ctx, pg.cfg.Retry, pg.log, "fetch audit logs",
		func(ctx context.Context) ([]vrchat.AuditLogEntry, error) {
			return pg.api.GetGroupAuditLogs(ctx, groupID, pg.cfg.AuditLogWindow)
		})
	if err != nil {
		pg.log.Warn().Err(err).Str("group", groupID).Msg("permission guard: audit log fetch failed")
		return
	}

	for _, entry := range logs {
		if entry.EventType != auditEventInstanceCreate {
			continue
		}
		// Marked processed before any handling: at-most-once even when polls overlap.
		if !pg.processed.Mark(groupID + ":" + entry.ID) {
			metrics.DedupSuppressed.WithLabelValues("permission_guard").Inc()
			continue
		}
		pg.handleCreation(ctx, groupID, rule, entry)
	}
}

func (pg *PermissionGuard) handleCreation(ctx context.Context, groupID string, rule *rules.Rule, entry vrchat.AuditLogEntry) {
	worldID, instanceID, ok := splitTarget(entry.TargetID)
	if !ok {
		pg.log.Warn().Str("target", entry.TargetID).Str("group", groupID).
			Msg("permission guard: unparseable creation target")
		return
	}

	authorized, err := pg.creatorAuthorized(ctx, groupID, entry.ActorID)
	if err != nil {
		// Unknown authorization state fails open; the entry is already
		// marked processed so it will not be re-examined.
		pg.log.Warn().Err(err).Str("group", groupID).Str("actor", entry.ActorID).
			Msg("permission guard: authorization check failed, skipping")
		return
	}
	if authorized {
		return
	}

	key := groupID + ":" + worldID + ":" + instanceID
	if pg.closed.Contains(key) {
		return
	}

	if pg.cfg.DryRun {
		pg.log.Info().Str("instance", key).Str("actor", entry.ActorID).
			Msg("permission guard: dry-run, would close unauthorized instance")
		pg.closed.Mark(key)
		return
	}

	err = retry.Do(ctx, pg.cfg.Retry, pg.log, "close instance", func(ctx context.Context) error {
		return pg.api.CloseInstance(ctx, worldID, instanceID)
	})
	pg.closed.Mark(key)
	if err != nil {
		metrics.Actions.WithLabelValues("close", "error").Inc()
		pg.log.Error().Err(err).Str("instance", key).Msg("permission guard: close failed")
		return
	}
	metrics.Actions.WithLabelValues("close", "success").Inc()
	metrics.InstancesClosed.WithLabelValues("permission_guard", "unauthorized_creator").Inc()

	// Unlike the instance guard's silent closes, sniped instances surface in
	// the audit feed with broadcast enabled.
	pg.sink.Persist(audit.Entry{
		GroupID:   groupID,
		UserID:    entry.ActorID,
		UserName:  entry.ActorName,
		Action:    audit.ActionAutoClose,
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Reason:    "instance created without create permission",
		Broadcast: true,
	})
	ev := pg.events.Append(Event{
		Action:     EventAutoClosed,
		GroupID:    groupID,
		WorldID:    worldID,
		InstanceID: instanceID,
		Reason:     "unauthorized creator",
		OwnerID:    entry.ActorID,
		OwnerName:  entry.ActorName,
	})
	pg.broadcast.Broadcast("instance-guard:event", ev)
}

// creatorAuthorized resolves the creator's current roles and checks them for
// a wildcard or any instance-creation permission. A creator who is no longer
// in the group is unauthorized.
func (pg *PermissionGuard) creatorAuthorized(ctx context.Context, groupID, userID string) (bool, error) {
	member, err := pg.api.GetGroupMember(ctx, groupID, userID)
	if err != nil {
		var notFound *vrchat.ErrNotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}

	roles, err := pg.groupRoles(ctx, groupID)
	if err != nil {
		return false, err
	}

	perms := make(map[string][]string, len(roles))
	for _, r := range roles {
		perms[r.ID] = r.Permissions
	}
	for _, roleID := range member.RoleIDs {
		for _, p := range perms[roleID] {
			if p == "*" || isInstanceCreatePermission(p) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (pg *PermissionGuard) groupRoles(ctx context.Context, groupID string) ([]vrchat.GroupRole, error) {
	if roles, ok := pg.roleCache.Get(groupID); ok {
		return roles, nil
	}
	roles, err := pg.api.GetGroupRoles(ctx, groupID)
	if err != nil {
		return nil, err
	}
	pg.roleCache.Add(groupID, roles)
	return roles, nil
}

func isInstanceCreatePermission(p string) bool {
	for _, perm := range instanceCreatePermissions {
		if p == perm {
			return true
		}
	}
	return false
}

// splitTarget parses a composite "worldID:instanceID" target id.
func splitTarget(target string) (worldID, instanceID string, ok bool) {
	parts := strings.SplitN(target, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
