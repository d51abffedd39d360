package guard

import (
	"context"
	"testing"
	"time"

	"github.com/groupwarden/groupwarden/internal/audit"
	"github.com/groupwarden/groupwarden/internal/dedup"
	"github.com/groupwarden/groupwarden/internal/retry"
	"github.com/groupwarden/groupwarden/internal/rules"
	"github.com/groupwarden/groupwarden/internal/testutil"
	"github.com/groupwarden/groupwarden/internal/vrchat"
	"github.com/rs/zerolog"
)

type permissionFixture struct {
	api       *testutil.MockClient
	store     *testutil.MockStore
	sink      *testutil.RecorderSink
	broadcast *testutil.RecorderBroadcaster
	events    *EventRing
	pg        *PermissionGuard
}

func newPermissionFixture(t *testing.T) *permissionFixture {
	t.Helper()
	api := testutil.NewMockClient()
	store := testutil.NewMockStore()
	sink := testutil.NewRecorderSink()
	broadcast := testutil.NewRecorderBroadcaster()
	events := NewEventRing(50)
	log := zerolog.Nop()

	pg := NewPermissionGuard(PermissionGuardConfig{
		Groups:         []string{testGroup},
		Interval:       time.Hour,
		AuditLogWindow: 20,
		RoleCacheTTL:   time.Minute,
		Retry:          retry.Config{MaxAttempts: 2, Base: time.Millisecond},
	}, api, store, sink, broadcast, dedup.NewSet(100), dedup.NewTTLSet(100, time.Minute), events, log)

	if _, err := store.SaveRule(testGroup, rules.Rule{
		Name: "instance sniper", Enabled: true, Type: rules.InstancePermissionGuard,
		ActionType: rules.ActionReject,
	}); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}

	return &permissionFixture{api: api, store: store, sink: sink, broadcast: broadcast, events: events, pg: pg}
}

func creationEntry(id, actor, target string) vrchat.AuditLogEntry {
	return vrchat.AuditLogEntry{
		ID:        id,
		EventType: auditEventInstanceCreate,
		ActorID:   actor,
		ActorName: "Actor " + actor,
		TargetID:  target,
	}
}

// setMemberWithRole presets a group member holding the named role.
func (f *permissionFixture) setMemberWithRole(userID, roleID string, permissions ...string) {
	f.api.SetMembers(testGroup, []vrchat.GroupMember{{UserID: userID, RoleIDs: []string{roleID}}})
	f.api.SetRoles(testGroup, []vrchat.GroupRole{{ID: roleID, Name: "role", Permissions: permissions}})
}

func TestPermissionGuardClosesUnauthorized(t *testing.T) {
	f := newPermissionFixture(t)
	f.setMemberWithRole("usr_peon", "rol_member", "group-members-viewall")
	f.api.SetAuditLogs(testGroup, []vrchat.AuditLogEntry{
		creationEntry("log_1", "usr_peon", "wrld_a:1234"),
	})

	f.pg.pass(context.Background())

	if len(f.api.Closed) != 1 || f.api.Closed[0] != "wrld_a:1234" {
		t.Fatalf("expected unauthorized instance closed, got %+v", f.api.Closed)
	}
	// Sniped instances surface in the audit feed with broadcast on.
	entries := f.sink.Entries()
	if len(entries) != 1 || entries[0].Action != audit.ActionAutoClose || !entries[0].Broadcast {
		t.Fatalf("expected broadcast AUTO_CLOSE entry, got %+v", entries)
	}
	if entries[0].UserID != "usr_peon" {
		t.Fatalf("entry should name the creator, got %+v", entries[0])
	}
	snap := f.events.Snapshot()
	if len(snap) != 1 || snap[0].Action != EventAutoClosed || snap[0].OwnerID != "usr_peon" {
		t.Fatalf("unexpected event history: %+v", snap)
	}
}

func TestPermissionGuardAuthorization(t *testing.T) {
	cases := []struct {
		name        string
		permissions []string
		wantClose   bool
	}{
		{"explicit create permission", []string{"group-instance-open-create"}, false},
		{"age-gated create permission", []string{"group-instance-age-gated-create"}, false},
		{"wildcard permission", []string{"*"}, false},
		{"unrelated permissions", []string{"group-members-viewall", "group-bans-manage"}, true},
		{"no permissions", nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newPermissionFixture(t)
			f.setMemberWithRole("usr_x", "rol_x", tc.permissions...)
			f.api.SetAuditLogs(testGroup, []vrchat.AuditLogEntry{
				creationEntry("log_1", "usr_x", "wrld_a:1"),
			})

			f.pg.pass(context.Background())
			closed := len(f.api.Closed) > 0
			if closed != tc.wantClose {
				t.Fatalf("close=%v, want %v (closed: %+v)", closed, tc.wantClose, f.api.Closed)
			}
		})
	}
}

func TestPermissionGuardDepartedCreatorIsUnauthorized(t *testing.T) {
	f := newPermissionFixture(t)
	// No members preset: GetGroupMember returns not-found.
	f.api.SetAuditLogs(testGroup, []vrchat.AuditLogEntry{
		creationEntry("log_1", "usr_gone", "wrld_a:1"),
	})

	f.pg.pass(context.Background())
	if len(f.api.Closed) != 1 {
		t.Fatalf("departed creator's instance should be closed, got %+v", f.api.Closed)
	}
}

func TestPermissionGuardDedup(t *testing.T) {
	f := newPermissionFixture(t)
	f.setMemberWithRole("usr_peon", "rol_member")
	f.api.SetAuditLogs(testGroup, []vrchat.AuditLogEntry{
		creationEntry("log_1", "usr_peon", "wrld_a:1"),
	})

	f.pg.pass(context.Background())
	f.pg.pass(context.Background())
	if len(f.api.Closed) != 1 {
		t.Fatalf("same log entry must be handled once, got %d closes", len(f.api.Closed))
	}
}

func TestPermissionGuardIgnoresOtherEvents(t *testing.T) {
	f := newPermissionFixture(t)
	f.api.SetAuditLogs(testGroup, []vrchat.AuditLogEntry{
		{ID: "log_1", EventType: "group.member.join", ActorID: "usr_a", TargetID: "wrld_a:1"},
		{ID: "log_2", EventType: "group.instance.close", ActorID: "usr_b", TargetID: "wrld_a:2"},
	})

	f.pg.pass(context.Background())
	if len(f.api.Closed) != 0 {
		t.Fatalf("non-creation events must be ignored, got %+v", f.api.Closed)
	}
	if f.api.Calls("GetGroupMember") != 0 {
		t.Fatal("no authorization checks expected for ignored events")
	}
}

func TestPermissionGuardUnparseableTarget(t *testing.T) {
	f := newPermissionFixture(t)
	f.api.SetAuditLogs(testGroup, []vrchat.AuditLogEntry{
		creationEntry("log_1", "usr_x", "not-a-composite-id"),
	})

	f.pg.pass(context.Background())
	if len(f.api.Closed) != 0 {
		t.Fatalf("unparseable target must not close anything, got %+v", f.api.Closed)
	}
}

func TestPermissionGuardRoleCache(t *testing.T) {
	f := newPermissionFixture(t)
	f.setMemberWithRole("usr_peon", "rol_member")
	f.api.SetAuditLogs(testGroup, []vrchat.AuditLogEntry{
		creationEntry("log_1", "usr_peon", "wrld_a:1"),
	})

	f.pg.pass(context.Background())
	f.api.SetAuditLogs(testGroup, []vrchat.AuditLogEntry{
		creationEntry("log_2", "usr_peon", "wrld_a:2"),
	})
	f.pg.pass(context.Background())

	if f.api.Calls("GetGroupRoles") != 1 {
		t.Fatalf("roles should be served from cache on the second pass, got %d fetches", f.api.Calls("GetGroupRoles"))
	}
	if len(f.api.Closed) != 2 {
		t.Fatalf("both creations should close, got %+v", f.api.Closed)
	}
}

func TestPermissionGuardNoRuleNoSweep(t *testing.T) {
	api := testutil.NewMockClient()
	store := testutil.NewMockStore()
	log := zerolog.Nop()
	pg := NewPermissionGuard(PermissionGuardConfig{
		Groups:   []string{testGroup},
		Interval: time.Hour,
		Retry:    retry.Config{MaxAttempts: 1, Base: time.Millisecond},
	}, api, store, testutil.NewRecorderSink(), testutil.NewRecorderBroadcaster(),
		dedup.NewSet(10), dedup.NewTTLSet(10, time.Minute), NewEventRing(10), log)

	pg.pass(context.Background())
	if api.Calls("GetGroupAuditLogs") != 0 {
		t.Fatal("no audit-log fetch expected without an enabled rule")
	}
}
