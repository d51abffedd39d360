package vrchat

import (
	"context"
	"fmt"
	"time"
)

// User is the full user record as returned by the API. The engine only relies
// on the fields below; everything else is ignored on decode.
type User struct {
	ID                    string   `json:"id"`
	DisplayName           string   `json:"displayName"`
	Tags                  []string `json:"tags"`
	Bio                   string   `json:"bio"`
	Status                string   `json:"status"`
	StatusDescription     string   `json:"statusDescription"`
	Pronouns              string   `json:"pronouns"`
	AgeVerificationStatus string   `json:"ageVerificationStatus"`
}

// UserGroup is one entry of a user's group membership list.
type UserGroup struct {
	GroupID   string `json:"groupId"`
	Name      string `json:"name"`
	ShortCode string `json:"shortCode"`
}

// JoinRequest is a pending group join request.
type JoinRequest struct {
	UserID      string    `json:"userId"`
	User        *User     `json:"user"`
	RequestedAt time.Time `json:"createdAt"`
}

// GroupMember is a group membership record.
type GroupMember struct {
	UserID   string   `json:"userId"`
	RoleIDs  []string `json:"roleIds"`
	User     *User    `json:"user"`
	IsBanned bool     `json:"isBanned"`
}

// GroupRole carries a role's permission set.
type GroupRole struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// GroupBan is one entry of a group's ban list.
type GroupBan struct {
	UserID string `json:"userId"`
}

// AuditLogEntry is one group audit log event.
type AuditLogEntry struct {
	ID          string    `json:"id"`
	EventType   string    `json:"eventType"`
	ActorID     string    `json:"actorId"`
	ActorName   string    `json:"actorDisplayName"`
	TargetID    string    `json:"targetId"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// GroupInstance is a running instance owned by a group, as listed by the
// group-instances endpoint.
type GroupInstance struct {
	InstanceID  string `json:"instanceId"`
	Location    string `json:"location"`
	MemberCount int    `json:"memberCount"`
	World       struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"world"`
}

// Instance is the authoritative per-instance record.
type Instance struct {
	InstanceID string `json:"instanceId"`
	WorldID    string `json:"worldId"`
	Name       string `json:"name"`
	Location   string `json:"location"`
	OwnerID    string `json:"ownerId"`
	AgeGate    bool   `json:"ageGate"`
	UserCount  int    `json:"userCount"`
	World      struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"world"`
}

// Client is the VRChat moderation API seam. All methods accept context for
// deadline control. Implementations translate HTTP 401/404/429 into the typed
// errors below so callers can branch without status-code knowledge.
type Client interface {
	// Users
	GetUser(ctx context.Context, userID string) (*User, error)
	GetUserGroups(ctx context.Context, userID string) ([]UserGroup, error)

	// Group moderation
	GetGroupMembers(ctx context.Context, groupID string, n, offset int) ([]GroupMember, error)
	GetGroupMember(ctx context.Context, groupID, userID string) (*GroupMember, error)
	GetGroupJoinRequests(ctx context.Context, groupID string) ([]JoinRequest, error)
	GetGroupRoles(ctx context.Context, groupID string) ([]GroupRole, error)
	GetGroupBans(ctx context.Context, groupID string, n, offset int) ([]GroupBan, error)
	GetGroupAuditLogs(ctx context.Context, groupID string, n int) ([]AuditLogEntry, error)
	RespondJoinRequest(ctx context.Context, groupID, userID string, accept bool) error
	BanGroupMember(ctx context.Context, groupID, userID string) error
	KickGroupMember(ctx context.Context, groupID, userID string) error

	// Instances
	GetGroupInstances(ctx context.Context, groupID string) ([]GroupInstance, error)
	GetInstance(ctx context.Context, worldID, instanceID string) (*Instance, error)
	CloseInstance(ctx context.Context, worldID, instanceID string) error

	// Session
	Ping(ctx context.Context) error
	Close() error
}

// --- Typed errors -----------------------------------------------------------

// ErrUnauthorized is returned on HTTP 401 responses. Callers must stop and
// surface a "not authenticated" condition rather than retry.
type ErrUnauthorized struct {
	Msg string
}

func (e *ErrUnauthorized) Error() string {
	return fmt.Sprintf("not authenticated: %s", e.Msg)
}

// ErrNotFound is returned when a resource does not exist.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("not found: %s", e.ID)
}

// ErrRateLimit is returned when the API signals throttling (HTTP 429).
type ErrRateLimit struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimit) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}
