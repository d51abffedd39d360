// Package testutil provides in-memory fakes for the VRChat client and the
// rule store, plus recorders for the audit surfaces.
package testutil

import (
	"context"
	"sync"

	"github.com/groupwarden/groupwarden/internal/vrchat"
)

// MockClient implements vrchat.Client for testing.
// All methods are safe for concurrent use.
type MockClient struct {
	mu sync.Mutex

	// Preset responses
	users        map[string]*vrchat.User
	userGroups   map[string][]vrchat.UserGroup
	members      map[string][]vrchat.GroupMember // groupID -> members
	joinRequests map[string][]vrchat.JoinRequest
	roles        map[string][]vrchat.GroupRole
	bans         map[string][]vrchat.GroupBan
	auditLogs    map[string][]vrchat.AuditLogEntry
	instances    map[string][]vrchat.GroupInstance
	details      map[string]*vrchat.Instance // "worldID:instanceID"

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// Call counts per method
	calls map[string]int

	// Recorded moderation actions
	Responded []JoinResponse
	Banned    []GroupUser
	Kicked    []GroupUser
	Closed    []string // "worldID:instanceID"
}

// JoinResponse records one RespondJoinRequest call.
type JoinResponse struct {
	GroupID string
	UserID  string
	Accept  bool
}

// GroupUser records one ban or kick.
type GroupUser struct {
	GroupID string
	UserID  string
}

// NewMockClient returns a zero-state MockClient ready for use.
func NewMockClient() *MockClient {
	return &MockClient{
		users:        make(map[string]*vrchat.User),
		userGroups:   make(map[string][]vrchat.UserGroup),
		members:      make(map[string][]vrchat.GroupMember),
		joinRequests: make(map[string][]vrchat.JoinRequest),
		roles:        make(map[string][]vrchat.GroupRole),
		bans:         make(map[string][]vrchat.GroupBan),
		auditLogs:    make(map[string][]vrchat.AuditLogEntry),
		instances:    make(map[string][]vrchat.GroupInstance),
		details:      make(map[string]*vrchat.Instance),
		errors:       make(map[string]error),
		calls:        make(map[string]int),
	}
}

// SetUser presets the user returned by GetUser.
func (m *MockClient) SetUser(u *vrchat.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// SetUserGroups presets a user's group memberships.
func (m *MockClient) SetUserGroups(userID string, groups []vrchat.UserGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userGroups[userID] = groups
}

// SetMembers presets a group's member list.
func (m *MockClient) SetMembers(groupID string, members []vrchat.GroupMember) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[groupID] = members
}

// SetJoinRequests presets a group's pending join requests.
func (m *MockClient) SetJoinRequests(groupID string, reqs []vrchat.JoinRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joinRequests[groupID] = reqs
}

// SetRoles presets a group's role list.
func (m *MockClient) SetRoles(groupID string, roles []vrchat.GroupRole) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[groupID] = roles
}

// SetBans presets a group's ban list.
func (m *MockClient) SetBans(groupID string, bans []vrchat.GroupBan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bans[groupID] = bans
}

// SetAuditLogs presets a group's recent audit-log entries.
func (m *MockClient) SetAuditLogs(groupID string, logs []vrchat.AuditLogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditLogs[groupID] = logs
}

// SetInstances presets a group's open instances.
func (m *MockClient) SetInstances(groupID string, instances []vrchat.GroupInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[groupID] = instances
}

// SetInstanceDetail presets the detail returned by GetInstance.
func (m *MockClient) SetInstanceDetail(worldID, instanceID string, d *vrchat.Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.details[worldID+":"+instanceID] = d
}

// SetError injects an error returned on the next call to the named method.
func (m *MockClient) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// Calls returns how many times the named method has been invoked.
func (m *MockClient) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockClient) enter(method string) error {
	m.calls[method]++
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// --- Users ------------------------------------------------------------------

func (m *MockClient) GetUser(_ context.Context, userID string) (*vrchat.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetUser"); err != nil {
		return nil, err
	}
	if u, ok := m.users[userID]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, &vrchat.ErrNotFound{ID: "user " + userID}
}

func (m *MockClient) GetUserGroups(_ context.Context, userID string) ([]vrchat.UserGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetUserGroups"); err != nil {
		return nil, err
	}
	return append([]vrchat.UserGroup(nil), m.userGroups[userID]...), nil
}

// --- Group moderation -------------------------------------------------------

func (m *MockClient) GetGroupMembers(_ context.Context, groupID string, n, offset int) ([]vrchat.GroupMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetGroupMembers"); err != nil {
		return nil, err
	}
	return page(m.members[groupID], n, offset), nil
}

func (m *MockClient) GetGroupMember(_ context.Context, groupID, userID string) (*vrchat.GroupMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetGroupMember"); err != nil {
		return nil, err
	}
	for _, member := range m.members[groupID] {
		if member.UserID == userID {
			cp := member
			return &cp, nil
		}
	}
	return nil, &vrchat.ErrNotFound{ID: "member " + userID}
}

func (m *MockClient) GetGroupJoinRequests(_ context.Context, groupID string) ([]vrchat.JoinRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetGroupJoinRequests"); err != nil {
		return nil, err
	}
	return append([]vrchat.JoinRequest(nil), m.joinRequests[groupID]...), nil
}

func (m *MockClient) GetGroupRoles(_ context.Context, groupID string) ([]vrchat.GroupRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetGroupRoles"); err != nil {
		return nil, err
	}
	return append([]vrchat.GroupRole(nil), m.roles[groupID]...), nil
}

func (m *MockClient) GetGroupBans(_ context.Context, groupID string, n, offset int) ([]vrchat.GroupBan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetGroupBans"); err != nil {
		return nil, err
	}
	return page(m.bans[groupID], n, offset), nil
}

func (m *MockClient) GetGroupAuditLogs(_ context.Context, groupID string, n int) ([]vrchat.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetGroupAuditLogs"); err != nil {
		return nil, err
	}
	logs := m.auditLogs[groupID]
	if n > 0 && len(logs) > n {
		logs = logs[:n]
	}
	return append([]vrchat.AuditLogEntry(nil), logs...), nil
}

func (m *MockClient) RespondJoinRequest(_ context.Context, groupID, userID string, accept bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RespondJoinRequest"); err != nil {
		return err
	}
	m.Responded = append(m.Responded, JoinResponse{GroupID: groupID, UserID: userID, Accept: accept})
	return nil
}

func (m *MockClient) BanGroupMember(_ context.Context, groupID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("BanGroupMember"); err != nil {
		return err
	}
	m.Banned = append(m.Banned, GroupUser{GroupID: groupID, UserID: userID})
	m.bans[groupID] = append(m.bans[groupID], vrchat.GroupBan{UserID: userID})
	return nil
}

func (m *MockClient) KickGroupMember(_ context.Context, groupID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("KickGroupMember"); err != nil {
		return err
	}
	m.Kicked = append(m.Kicked, GroupUser{GroupID: groupID, UserID: userID})
	return nil
}

// --- Instances --------------------------------------------------------------

func (m *MockClient) GetGroupInstances(_ context.Context, groupID string) ([]vrchat.GroupInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetGroupInstances"); err != nil {
		return nil, err
	}
	return append([]vrchat.GroupInstance(nil), m.instances[groupID]...), nil
}

func (m *MockClient) GetInstance(_ context.Context, worldID, instanceID string) (*vrchat.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetInstance"); err != nil {
		return nil, err
	}
	if d, ok := m.details[worldID+":"+instanceID]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, &vrchat.ErrNotFound{ID: "instance " + worldID + ":" + instanceID}
}

func (m *MockClient) CloseInstance(_ context.Context, worldID, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CloseInstance"); err != nil {
		return err
	}
	m.Closed = append(m.Closed, worldID+":"+instanceID)
	return nil
}

// --- Session ----------------------------------------------------------------

func (m *MockClient) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter("Ping")
}

func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter("Close")
}

func page[T any](items []T, n, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if n > 0 && offset+n < end {
		end = offset + n
	}
	return append([]T(nil), items[offset:end]...)
}
