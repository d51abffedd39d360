package guard

import (
	"context"
	"strings"
	"time"

	"github.com/groupwarden/groupwarden/internal/audit"
	"github.com/groupwarden/groupwarden/internal/dedup"
	"github.com/groupwarden/groupwarden/internal/metrics"
	"github.com/groupwarden/groupwarden/internal/retry"
	"github.com/groupwarden/groupwarden/internal/rules"
	"github.com/groupwarden/groupwarden/internal/vrchat"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// InstanceGuardConfig holds instance-guard loop parameters.
type InstanceGuardConfig struct {
	Groups       []string
	Interval     time.Duration
	RequestDelay time.Duration
	Retry        retry.Config
	DryRun       bool
}

// InstanceGuard sweeps open group instances, closing those that violate an
// enabled age-gate or close-all rule.
type InstanceGuard struct {
	cfg       InstanceGuardConfig
	api       vrchat.Client
	store     rules.Store
	parser    *rules.Parser
	sink      audit.Sink
	broadcast audit.Broadcaster
	opened    *dedup.Set    // instances we have emitted an OPENED event for
	closed    *dedup.TTLSet // instances already submitted for closing
	events    *EventRing
	limiter   *rate.Limiter
	log       zerolog.Logger
}

// NewInstanceGuard constructs an InstanceGuard.
func NewInstanceGuard(cfg InstanceGuardConfig, api vrchat.Client, store rules.Store,
	parser *rules.Parser, sink audit.Sink, broadcast audit.Broadcaster,
	opened *dedup.Set, closed *dedup.TTLSet, events *EventRing, log zerolog.Logger) *InstanceGuard {

	delay := cfg.RequestDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	return &InstanceGuard{
		cfg:       cfg,
		api:       api,
		store:     store,
		parser:    parser,
		sink:      sink,
		broadcast: broadcast,
		opened:    opened,
		closed:    closed,
		events:    events,
		limiter:   rate.NewLimiter(rate.Every(delay), 1),
		log:       log,
	}
}

// Run executes the instance-guard loop until ctx is cancelled.
func (ig *InstanceGuard) Run(ctx context.Context) error {
	ticker := time.NewTicker(ig.cfg.Interval)
	defer ticker.Stop()

	ig.pass(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ig.pass(ctx)
		}
	}
}

func (ig *InstanceGuard) pass(ctx context.Context) {
	start := time.Now()
	for _, groupID := range ig.cfg.Groups {
		rule := ig.activeRule(groupID)
		if rule == nil {
			continue
		}
		ig.sweepGroup(ctx, groupID, rule)
	}
	metrics.GuardPassDuration.WithLabelValues("instance_guard").Observe(time.Since(start).Seconds())
}

// activeRule returns the first enabled age-gate or close-all rule for the
// group, or nil. Rule state is re-read every pass so disabling a rule takes
// effect at the next action, not the next restart.
func (ig *InstanceGuard) activeRule(groupID string) *rules.Rule {
	cfg, err := ig.store.GetGroupConfig(groupID)
	if err != nil {
		ig.log.Warn().Err(err).Str("group", groupID).Msg("instance guard: config load failed")
		return nil
	}
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if r.Enabled && (r.Type == rules.Instance18Guard || r.Type == rules.CloseAllInstances) {
			return r
		}
	}
	return nil
}

func (ig *InstanceGuard) sweepGroup(ctx context.Context, groupID string, rule *rules.Rule) {
	parsed := ig.parser.Parse(*rule)

	instances, err := retry.DoValue(ctx, ig.cfg.Retry, ig.log, "list group instances",
		func(ctx context.Context) ([]vrchat.GroupInstance, error) {
			return ig.api.GetGroupInstances(ctx, groupID)
		})
	if err != nil {
		ig.log.Warn().Err(err).Str("group", groupID).Msg("instance guard: list instances failed")
		return
	}

	for _, inst := range instances {
		if err := ig.limiter.Wait(ctx); err != nil {
			return
		}
		ig.checkInstance(ctx, groupID, rule, parsed, inst)
	}
}

func (ig *InstanceGuard) checkInstance(ctx context.Context, groupID string, rule *rules.Rule,
	parsed *rules.ParsedRule, inst vrchat.GroupInstance) {

	worldID := inst.World.ID
	if worldID == "" {
		worldID = worldIDFromLocation(inst.Location)
	}
	key := groupID + ":" + worldID + ":" + inst.InstanceID

	// Instance detail is fetched lazily and reused for both the OPENED event
	// and the age-gate decision.
	var detail *vrchat.Instance
	fetchDetail := func() *vrchat.Instance {
		if detail != nil {
			return detail
		}
		d, err := ig.api.GetInstance(ctx, worldID, inst.InstanceID)
		if err != nil {
			ig.log.Debug().Err(err).Str("instance", key).Msg("instance guard: detail fetch failed")
			return nil
		}
		detail = d
		return detail
	}

	// A never-seen instance gets an OPENED event before any closing decision.
	if ig.opened.Mark(key) {
		ev := Event{
			Action:     EventOpened,
			GroupID:    groupID,
			WorldID:    worldID,
			WorldName:  inst.World.Name,
			InstanceID: inst.InstanceID,
			UserCount:  inst.MemberCount,
		}
		if d := fetchDetail(); d != nil {
			ev.OwnerID = d.OwnerID
			ev.WasAgeGated = d.AgeGate
			if owner, err := ig.api.GetUser(ctx, d.OwnerID); err == nil {
				ev.OwnerName = owner.DisplayName
			}
		}
		ev = ig.events.Append(ev)
		ig.broadcast.Broadcast("instance-guard:event", ev)
	}

	if ig.closed.Contains(key) {
		metrics.DedupSuppressed.WithLabelValues("instance_guard").Inc()
		return
	}
	if _, ok := parsed.WhitelistedWorlds[worldID]; ok {
		return
	}

	var reason string
	switch {
	case hasKey(parsed.BlacklistedWorlds, worldID):
		reason = "blacklisted world"
	case rule.Type == rules.Instance18Guard:
		gated := strings.Contains(inst.Location, "ageGate")
		if d := fetchDetail(); d != nil {
			gated = gated || d.AgeGate
		}
		if gated {
			return
		}
		reason = "instance is not age-gated"
	default: // CLOSE_ALL_INSTANCES
		reason = "all instances closed by rule"
	}

	ig.closeInstance(ctx, groupID, rule, inst, worldID, key, reason)
}

func (ig *InstanceGuard) closeInstance(ctx context.Context, groupID string, rule *rules.Rule,
	inst vrchat.GroupInstance, worldID, key, reason string) {

	if ig.cfg.DryRun {
		ig.log.Info().Str("instance", key).Str("reason", reason).Msg("instance guard: dry-run, would close")
		ig.closed.Mark(key)
		return
	}

	err := retry.Do(ctx, ig.cfg.Retry, ig.log, "close instance", func(ctx context.Context) error {
		return ig.api.CloseInstance(ctx, worldID, inst.InstanceID)
	})
	// A failed close is still cached as closed so a flapping API error
	// doesn't turn into a retry storm on every pass.
	ig.closed.Mark(key)
	if err != nil {
		metrics.Actions.WithLabelValues("close", "error").Inc()
		ig.log.Error().Err(err).Str("instance", key).Msg("instance guard: close failed")
		return
	}
	metrics.Actions.WithLabelValues("close", "success").Inc()
	metrics.InstancesClosed.WithLabelValues("instance_guard", reason).Inc()

	// Instance-guard closes are silent in the audit feed; the event ring and
	// UI broadcast carry the visibility.
	ig.sink.Persist(audit.Entry{
		GroupID:  groupID,
		Action:   audit.ActionAutoClose,
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Reason:   reason,
	})
	ev := ig.events.Append(Event{
		Action:     EventAutoClosed,
		GroupID:    groupID,
		WorldID:    worldID,
		WorldName:  inst.World.Name,
		InstanceID: inst.InstanceID,
		Reason:     reason,
		UserCount:  inst.MemberCount,
	})
	ig.broadcast.Broadcast("instance-guard:event", ev)
}

// worldIDFromLocation extracts the world id from a "wrld_x:12345~..." location.
func worldIDFromLocation(location string) string {
	if i := strings.IndexByte(location, ':'); i > 0 {
		return location[:i]
	}
	return location
}

func hasKey(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}
