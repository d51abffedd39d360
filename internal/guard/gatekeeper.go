// Package guard contains the three enforcement loops: the gatekeeper
// (pending join requests), the instance guard (age-gate and blacklist
// closing), and the permission guard (unauthorized-instance sniping). Each
// loop reads the rule store, consults the evaluator or parsed instance rules,
// and dispatches moderation actions through the retry helper.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/groupwarden/groupwarden/internal/audit"
	"github.com/groupwarden/groupwarden/internal/dedup"
	"github.com/groupwarden/groupwarden/internal/evaluator"
	"github.com/groupwarden/groupwarden/internal/metrics"
	"github.com/groupwarden/groupwarden/internal/retry"
	"github.com/groupwarden/groupwarden/internal/rules"
	"github.com/groupwarden/groupwarden/internal/vrchat"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Outcome is the terminal state of one join request.
type Outcome string

const (
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeRejected Outcome = "REJECTED"
	OutcomeSkipped  Outcome = "SKIPPED"
)

// GatekeeperConfig holds gatekeeper loop parameters.
type GatekeeperConfig struct {
	Groups       []string
	Interval     time.Duration
	RequestDelay time.Duration // pause between processed requests
	Retry        retry.Config
	DryRun       bool
}

// Gatekeeper auto-processes pending group join requests.
type Gatekeeper struct {
	cfg       GatekeeperConfig
	api       vrchat.Client
	store     rules.Store
	eval      *evaluator.Evaluator
	sink      audit.Sink
	broadcast audit.Broadcaster
	seen      *dedup.Set
	limiter   *rate.Limiter
	log       zerolog.Logger
}

// NewGatekeeper constructs a Gatekeeper. The dedup set is injected so the
// owning service can share session scope across reactive and periodic entry
// points.
func NewGatekeeper(cfg GatekeeperConfig, api vrchat.Client, store rules.Store,
	eval *evaluator.Evaluator, sink audit.Sink, broadcast audit.Broadcaster,
	seen *dedup.Set, log zerolog.Logger) *Gatekeeper {

	delay := cfg.RequestDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &Gatekeeper{
		cfg:       cfg,
		api:       api,
		store:     store,
		eval:      eval,
		sink:      sink,
		broadcast: broadcast,
		seen:      seen,
		limiter:   rate.NewLimiter(rate.Every(delay), 1),
		log:       log,
	}
}

// Run executes the gatekeeper loop until ctx is cancelled.
func (g *Gatekeeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	// Run immediately on start
	g.pass(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.pass(ctx)
		}
	}
}

func (g *Gatekeeper) pass(ctx context.Context) {
	start := time.Now()
	for _, groupID := range g.cfg.Groups {
		reqs, err := retry.DoValue(ctx, g.cfg.Retry, g.log, "list join requests",
			func(ctx context.Context) ([]vrchat.JoinRequest, error) {
				return g.api.GetGroupJoinRequests(ctx, groupID)
			})
		if err != nil {
			g.log.Warn().Err(err).Str("group", groupID).Msg("gatekeeper: list join requests failed")
			continue
		}
		metrics.OpenJoinRequests.WithLabelValues(groupID).Set(float64(len(reqs)))

		for _, req := range reqs {
			// Deliberate pacing between requests keeps us under API limits.
			if err := g.limiter.Wait(ctx); err != nil {
				return
			}
			g.HandleJoinRequest(ctx, groupID, req)
		}
	}
	metrics.GuardPassDuration.WithLabelValues("gatekeeper").Observe(time.Since(start).Seconds())
}

// HandleJoinRequest processes one pending join request. It is the shared
// entry point for the periodic pass and reactive push notifications; the
// dedup mark happens before any action so overlapping invocations converge on
// at-most-once processing.
func (g *Gatekeeper) HandleJoinRequest(ctx context.Context, groupID string, req vrchat.JoinRequest) Outcome {
	key := "gatekeeper:" + groupID + ":" + req.UserID
	if !g.seen.Mark(key) {
		metrics.DedupSuppressed.WithLabelValues("gatekeeper").Inc()
		return OutcomeSkipped
	}

	user := g.resolveUser(ctx, req)
	verdict := g.eval.Evaluate(ctx, user, evaluator.Options{AllowMissingData: true}, groupID)
	verdict = g.applyWatchlist(groupID, req.UserID, verdict)

	if verdict.Action == evaluator.ActionAllow {
		return g.accept(ctx, groupID, user)
	}
	return g.enforce(ctx, groupID, user, verdict)
}

// resolveUser backfills a sparse join-request snapshot with a full user
// fetch. Fetch failure is non-fatal: evaluation proceeds with what we have.
func (g *Gatekeeper) resolveUser(ctx context.Context, req vrchat.JoinRequest) *vrchat.User {
	user := req.User
	if user != nil && (len(user.Tags) > 0 || user.Bio != "") {
		return user
	}
	full, err := retry.DoValue(ctx, g.cfg.Retry, g.log, "fetch user",
		func(ctx context.Context) (*vrchat.User, error) {
			return g.api.GetUser(ctx, req.UserID)
		})
	if err != nil {
		g.log.Warn().Err(err).Str("user", req.UserID).Msg("gatekeeper: user fetch failed, evaluating partial snapshot")
		if user != nil {
			return user
		}
		return &vrchat.User{ID: req.UserID}
	}
	return full
}

// applyWatchlist forces REJECT for flagged users regardless of rule outcome.
func (g *Gatekeeper) applyWatchlist(groupID, userID string, verdict evaluator.Verdict) evaluator.Verdict {
	entries, err := g.store.Watchlist(groupID)
	if err != nil {
		g.log.Warn().Err(err).Str("group", groupID).Msg("gatekeeper: watchlist load failed")
		return verdict
	}
	for _, e := range entries {
		if e.UserID == userID && e.ShouldForceReject() {
			reason := "watchlisted"
			if e.Note != "" {
				reason = fmt.Sprintf("watchlisted: %s", e.Note)
			}
			return evaluator.Verdict{Action: evaluator.ActionReject, Reason: reason}
		}
	}
	return verdict
}

func (g *Gatekeeper) accept(ctx context.Context, groupID string, user *vrchat.User) Outcome {
	if g.cfg.DryRun {
		g.log.Info().Str("group", groupID).Str("user", user.ID).Msg("gatekeeper: dry-run, would accept")
		return OutcomeAccepted
	}
	err := retry.Do(ctx, g.cfg.Retry, g.log, "accept join request", func(ctx context.Context) error {
		return g.api.RespondJoinRequest(ctx, groupID, user.ID, true)
	})
	if err != nil {
		metrics.Actions.WithLabelValues("accept", "error").Inc()
		g.log.Error().Err(err).Str("group", groupID).Str("user", user.ID).Msg("gatekeeper: accept failed")
		return OutcomeSkipped
	}
	metrics.Actions.WithLabelValues("accept", "success").Inc()
	// Auto-accepts are persisted silently: no UI broadcast.
	g.sink.Persist(audit.Entry{
		GroupID:  groupID,
		UserID:   user.ID,
		UserName: user.DisplayName,
		Action:   audit.ActionAutoAccept,
	})
	return OutcomeAccepted
}

func (g *Gatekeeper) enforce(ctx context.Context, groupID string, user *vrchat.User, verdict evaluator.Verdict) Outcome {
	// Violations are surfaced to the UI before any action is taken.
	g.broadcast.Broadcast("automod:violation", map[string]interface{}{
		"groupId":     groupID,
		"userId":      user.ID,
		"displayName": user.DisplayName,
		"verdict":     verdict,
	})

	cfg, err := g.store.GetGroupConfig(groupID)
	if err != nil {
		g.log.Warn().Err(err).Str("group", groupID).Msg("gatekeeper: config load failed at action time")
	}

	if verdict.Action == evaluator.ActionAutoBlock && cfg.EnableAutoBan {
		return g.ban(ctx, groupID, user, verdict)
	}

	if verdict.Action == evaluator.ActionNotifyOnly || !cfg.EnableAutoReject {
		g.sink.Persist(audit.Entry{
			GroupID:   groupID,
			UserID:    user.ID,
			UserName:  user.DisplayName,
			Action:    audit.ActionNotify,
			RuleID:    verdict.RuleID,
			RuleName:  verdict.RuleName,
			Reason:    verdict.Reason,
			Broadcast: true,
		})
		return OutcomeSkipped
	}

	if g.cfg.DryRun {
		g.log.Info().Str("group", groupID).Str("user", user.ID).Str("reason", verdict.Reason).
			Msg("gatekeeper: dry-run, would reject")
		return OutcomeRejected
	}

	err = retry.Do(ctx, g.cfg.Retry, g.log, "reject join request", func(ctx context.Context) error {
		return g.api.RespondJoinRequest(ctx, groupID, user.ID, false)
	})
	if err != nil {
		// Reported, not retried again this cycle; the request stays pending
		// server-side but the dedup mark prevents re-processing this session.
		metrics.Actions.WithLabelValues("reject", "error").Inc()
		g.log.Error().Err(err).Str("group", groupID).Str("user", user.ID).Msg("gatekeeper: reject failed")
		return OutcomeSkipped
	}
	metrics.Actions.WithLabelValues("reject", "success").Inc()
	g.sink.Persist(audit.Entry{
		GroupID:   groupID,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Action:    audit.ActionReject,
		RuleID:    verdict.RuleID,
		RuleName:  verdict.RuleName,
		Reason:    verdict.Reason,
		Broadcast: true,
	})
	return OutcomeRejected
}

func (g *Gatekeeper) ban(ctx context.Context, groupID string, user *vrchat.User, verdict evaluator.Verdict) Outcome {
	if g.cfg.DryRun {
		g.log.Info().Str("group", groupID).Str("user", user.ID).Msg("gatekeeper: dry-run, would ban")
		return OutcomeRejected
	}
	err := retry.Do(ctx, g.cfg.Retry, g.log, "ban group member", func(ctx context.Context) error {
		return g.api.BanGroupMember(ctx, groupID, user.ID)
	})
	if err != nil {
		metrics.Actions.WithLabelValues("ban", "error").Inc()
		g.log.Error().Err(err).Str("group", groupID).Str("user", user.ID).Msg("gatekeeper: ban failed")
		return OutcomeSkipped
	}
	metrics.Actions.WithLabelValues("ban", "success").Inc()
	g.sink.Persist(audit.Entry{
		GroupID:   groupID,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Action:    audit.ActionAutoBlock,
		RuleID:    verdict.RuleID,
		RuleName:  verdict.RuleName,
		Reason:    verdict.Reason,
		Broadcast: true,
	})
	return OutcomeRejected
}
