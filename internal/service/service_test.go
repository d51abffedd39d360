package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/groupwarden/groupwarden/internal/audit"
	"github.com/groupwarden/groupwarden/internal/evaluator"
	"github.com/groupwarden/groupwarden/internal/retry"
	"github.com/groupwarden/groupwarden/internal/rules"
	"github.com/groupwarden/groupwarden/internal/service"
	"github.com/groupwarden/groupwarden/internal/testutil"
	"github.com/groupwarden/groupwarden/internal/vrchat"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const group = "grp_test"

type fixture struct {
	api       *testutil.MockClient
	store     *testutil.MockStore
	auditLog  *audit.Log
	broadcast *testutil.RecorderBroadcaster
	svc       *service.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	api := testutil.NewMockClient()
	store := testutil.NewMockStore()
	broadcast := testutil.NewRecorderBroadcaster()
	log := zerolog.Nop()

	auditLog, err := audit.NewLog(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLog.Close() })

	svc := service.New(service.Config{
		Groups:                    []string{group},
		GatekeeperInterval:        time.Hour,
		GatekeeperRequestDelay:    time.Millisecond,
		InstanceGuardInterval:     time.Hour,
		InstanceGuardRequestDelay: time.Millisecond,
		ClosedInstanceTTL:         time.Minute,
		PermissionGuardInterval:   time.Hour,
		AuditLogWindow:            20,
		RoleCacheTTL:              time.Minute,
		RuleCacheSize:             10,
		RuleCacheTTL:              time.Minute,
		DedupMaxEntries:           100,
		Retry:                     retry.Config{MaxAttempts: 2, Base: time.Millisecond},
	}, api, store, auditLog, broadcast, log)

	return &fixture{api: api, store: store, auditLog: auditLog, broadcast: broadcast, svc: svc}
}

func TestSaveRuleValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SaveRule(group, rules.Rule{Type: rules.KeywordBlock, ActionType: rules.ActionReject})
	require.Error(t, err, "missing name should be rejected")

	_, err = f.svc.SaveRule(group, rules.Rule{Name: "x", Type: "BOGUS", ActionType: rules.ActionReject})
	require.Error(t, err, "unknown rule type should be rejected")

	_, err = f.svc.SaveRule(group, rules.Rule{Name: "x", Type: rules.KeywordBlock, ActionType: "EXPLODE"})
	require.Error(t, err, "unknown action type should be rejected")

	saved, err := f.svc.SaveRule(group, rules.Rule{
		Name: "ok", Type: rules.KeywordBlock, Config: `["scam"]`, ActionType: rules.ActionReject,
	})
	require.NoError(t, err)
	require.NotZero(t, saved.ID)
}

func TestRuleLifecycle(t *testing.T) {
	f := newFixture(t)

	saved, err := f.svc.SaveRule(group, rules.Rule{
		Name: "r", Enabled: true, Type: rules.KeywordBlock, Config: `["x"]`, ActionType: rules.ActionReject,
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.SetAutoReject(group, true))
	require.NoError(t, f.svc.SetAutoBan(group, true))

	cfg := f.svc.GroupConfig(group)
	require.Len(t, cfg.Rules, 1)
	require.True(t, cfg.EnableAutoReject)
	require.True(t, cfg.EnableAutoBan)

	require.NoError(t, f.svc.DeleteRule(group, saved.ID))
	require.Empty(t, f.svc.GroupConfig(group).Rules)
}

func TestWhitelistManagement(t *testing.T) {
	f := newFixture(t)
	saved, err := f.svc.SaveRule(group, rules.Rule{
		Name: "r", Type: rules.KeywordBlock, Config: `["x"]`, ActionType: rules.ActionReject,
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.AddWhitelistUser(group, saved.ID, "usr_a"))
	require.NoError(t, f.svc.AddWhitelistUser(group, saved.ID, "usr_a")) // idempotent
	require.NoError(t, f.svc.AddWhitelistGroup(group, saved.ID, "grp_partner"))

	users, groups, err := f.svc.WhitelistEntities(group, saved.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"usr_a"}, users)
	require.Equal(t, []string{"grp_partner"}, groups)

	require.NoError(t, f.svc.RemoveWhitelistUser(group, saved.ID, "usr_a"))
	require.NoError(t, f.svc.RemoveWhitelistGroup(group, saved.ID, "grp_partner"))
	users, groups, err = f.svc.WhitelistEntities(group, saved.ID)
	require.NoError(t, err)
	require.Empty(t, users)
	require.Empty(t, groups)

	require.Error(t, f.svc.AddWhitelistUser(group, 9999, "usr_a"), "unknown rule id should error")
}

func TestCheckUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SaveRule(group, rules.Rule{
		Name: "no scams", Enabled: true, Type: rules.KeywordBlock,
		Config: `["scam"]`, ActionType: rules.ActionReject,
	})
	require.NoError(t, err)

	f.api.SetUser(&vrchat.User{ID: "usr_bad", DisplayName: "scam central"})
	f.api.SetUser(&vrchat.User{ID: "usr_ok", DisplayName: "harmless"})

	verdict, err := f.svc.CheckUser(context.Background(), group, "usr_bad")
	require.NoError(t, err)
	require.Equal(t, evaluator.ActionReject, verdict.Action)

	verdict, err = f.svc.CheckUser(context.Background(), group, "usr_ok")
	require.NoError(t, err)
	require.Equal(t, evaluator.ActionAllow, verdict.Action)

	_, err = f.svc.CheckUser(context.Background(), group, "usr_missing")
	require.Error(t, err, "unknown user should surface the fetch error")
}

func TestScanGroupMembers(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SaveRule(group, rules.Rule{
		Name: "no scams", Enabled: true, Type: rules.KeywordBlock,
		Config: `["scam"]`, ActionType: rules.ActionReject,
	})
	require.NoError(t, err)

	f.api.SetBans(group, []vrchat.GroupBan{{UserID: "usr_banned"}})
	f.api.SetMembers(group, []vrchat.GroupMember{
		{UserID: "usr_banned", User: &vrchat.User{ID: "usr_banned", DisplayName: "scam lord"}},
		{UserID: "usr_bad", User: &vrchat.User{ID: "usr_bad", DisplayName: "scam merchant"}},
		{UserID: "usr_ok", User: &vrchat.User{ID: "usr_ok", DisplayName: "regular"}},
	})

	results, err := f.svc.ScanGroupMembers(context.Background(), group)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byUser := map[string]service.MemberVerdict{}
	for _, r := range results {
		byUser[r.UserID] = r
	}
	// Ban status wins over rule evaluation.
	require.Equal(t, service.MemberBanned, byUser["usr_banned"].Status)
	require.Equal(t, service.MemberViolation, byUser["usr_bad"].Status)
	require.Equal(t, "no scams", byUser["usr_bad"].Verdict.RuleName)
	require.Equal(t, service.MemberSafe, byUser["usr_ok"].Status)
}

func TestHistorySurfaces(t *testing.T) {
	f := newFixture(t)

	history, err := f.svc.AutoModHistory(group, 10)
	require.NoError(t, err)
	require.Empty(t, history)
	require.Empty(t, f.svc.InstanceGuardHistory())

	f.auditLog.Persist(audit.Entry{GroupID: group, UserID: "usr_x", Action: audit.ActionReject})
	history, err = f.svc.AutoModHistory(group, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, audit.ActionReject, history[0].Action)
}

func TestWatchlistSurface(t *testing.T) {
	f := newFixture(t)

	require.Error(t, f.svc.SaveWatchlistEntry(group, rules.WatchlistEntry{}), "user id required")
	require.NoError(t, f.svc.SaveWatchlistEntry(group, rules.WatchlistEntry{UserID: "usr_x", Priority: "critical"}))

	entries, err := f.svc.Watchlist(group)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, f.svc.DeleteWatchlistEntry(group, "usr_x"))
	entries, err = f.svc.Watchlist(group)
	require.NoError(t, err)
	require.Empty(t, entries)
}

// TestJoinRequestEndToEnd drives the wired gatekeeper through the service:
// a keyword violation on a pending join request ends in a rejection, an audit
// record, and a UI broadcast.
func TestJoinRequestEndToEnd(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SaveRule(group, rules.Rule{
		Name: "no scams", Enabled: true, Type: rules.KeywordBlock,
		Config: `["scam"]`, ActionType: rules.ActionReject,
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.SetAutoReject(group, true))

	req := vrchat.JoinRequest{
		UserID: "usr_bad",
		User:   &vrchat.User{ID: "usr_bad", DisplayName: "scam merchant", Bio: "offers"},
	}
	f.svc.Gatekeeper().HandleJoinRequest(context.Background(), group, req)

	require.Len(t, f.api.Responded, 1)
	require.False(t, f.api.Responded[0].Accept)

	history, err := f.svc.AutoModHistory(group, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, audit.ActionReject, history[0].Action)
	require.Equal(t, "no scams", history[0].RuleName)

	require.Len(t, f.broadcast.OnChannel("automod:violation"), 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
