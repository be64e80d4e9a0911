package collab

import (
	"context"
	"time"
)

// Capabilities carried in a UserProfile's permission set.
const (
	PermissionRead    = "read"
	PermissionComment = "comment"
	PermissionWrite   = "write"
)

// UserProfile is the identity oracle's answer for a verified token.
type UserProfile struct {
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name"`
	AvatarRef   string   `json:"avatar_ref,omitempty"`
	Permissions []string `json:"permissions"`
}

// HasPermission reports whether the profile carries the given capability.
func (p UserProfile) HasPermission(perm string) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

// IdentityService verifies connection tokens against the external identity
// provider. A nil profile with a nil error never occurs; verification
// failures return an error.
type IdentityService interface {
	VerifyToken(ctx context.Context, token, claimedUserID string) (*UserProfile, error)
}

// SessionRow is the durable representation of a session, hydrated into an
// in-memory Session on first join.
type SessionRow struct {
	ID             string
	ResourceType   string
	ResourceID     string
	IsActive       bool
	CreatedAt      time.Time
	LastActivityAt time.Time
	Metadata       map[string]string
}

// SessionRepository is the durable store behind the in-memory session
// registry. Writes are fire-and-forget from the engine's perspective:
// failures are logged, never rolled back into memory.
type SessionRepository interface {
	LoadSession(ctx context.Context, sessionID string) (*SessionRow, error)
	UpsertSession(ctx context.Context, row *SessionRow) error
	UpsertParticipant(ctx context.Context, sessionID string, p *Participant) error
	MarkInactive(ctx context.Context, sessionID string) error
}

// ResourceUpdater applies an authoritative field mutation to the external
// business resource (the cap table). Only the conflict tracker gate calls
// this; broadcast handlers never mutate the resource directly.
type ResourceUpdater interface {
	ApplyFieldUpdate(ctx context.Context, resourceType, resourceID, elementID, field string, newValue any) error
}

// ActivitySink records activity entries for the audit trail. Fire-and-forget.
type ActivitySink interface {
	RecordActivity(ctx context.Context, sessionID, userID string, activityType ActivityType, payload any) error
}
