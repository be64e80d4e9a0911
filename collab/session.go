package collab

import (
	"sync"
	"time"
)

// ParticipantStatus is a user's presence state within a session.
type ParticipantStatus string

const (
	StatusActive ParticipantStatus = "active"
	StatusIdle   ParticipantStatus = "idle"
	StatusAway   ParticipantStatus = "away"
)

// CursorPosition is a participant's cursor location in resource coordinates.
type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Participant is a user's live presence within one Session. It is owned
// exclusively by its Session and mutated only under the session lock.
type Participant struct {
	UserID      string            `json:"user_id"`
	DisplayName string            `json:"display_name"`
	AvatarRef   string            `json:"avatar_ref,omitempty"`
	JoinedAt    time.Time         `json:"joined_at"`
	LastSeenAt  time.Time         `json:"last_seen_at"`
	Status      ParticipantStatus `json:"status"`
	Cursor      *CursorPosition   `json:"cursor,omitempty"`
	Selection   []string          `json:"selection,omitempty"`
	Permissions []string          `json:"permissions"`

	// Live transport bindings for this user (multi-tab). Not serialized.
	connections map[string]struct{}
}

// ConnectionCount returns the number of live connections bound to this
// participant. Callers must hold the session lock.
func (p *Participant) ConnectionCount() int {
	return len(p.connections)
}

// HasPermission reports whether the participant carries the given capability.
func (p *Participant) HasPermission(perm string) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

// Session is one collaborative context over one external resource. At most
// one Session object exists per ID across the process; the SessionStore
// enforces that and serializes all mutation through the session lock.
type Session struct {
	ID             string            `json:"id"`
	ResourceType   string            `json:"resource_type"`
	ResourceID     string            `json:"resource_id"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	IsActive       bool              `json:"is_active"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	// userID -> participant, unique per user
	participants map[string]*Participant
	// elementID -> userID holding the advisory lock
	locks map[string]string

	mu sync.Mutex
}

func newSessionFromRow(row *SessionRow) *Session {
	meta := row.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	return &Session{
		ID:             row.ID,
		ResourceType:   row.ResourceType,
		ResourceID:     row.ResourceID,
		CreatedAt:      row.CreatedAt,
		LastActivityAt: row.LastActivityAt,
		IsActive:       true,
		Metadata:       meta,
		participants:   make(map[string]*Participant),
		locks:          make(map[string]string),
	}
}

// touch advances LastActivityAt, keeping it monotonically non-decreasing.
// Callers must hold the session lock.
func (s *Session) touch(now time.Time) {
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
}

// Snapshot returns a copy of the roster for broadcast. Participants are
// copied so the caller can marshal without holding the session lock.
func (s *Session) Snapshot() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		cp := *p
		cp.connections = nil
		if p.Cursor != nil {
			c := *p.Cursor
			cp.Cursor = &c
		}
		cp.Selection = append([]string(nil), p.Selection...)
		cp.Permissions = append([]string(nil), p.Permissions...)
		out = append(out, cp)
	}
	return out
}

// Participant returns a copy of the named participant, or false when absent.
func (s *Session) Participant(userID string) (Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[userID]
	if !ok {
		return Participant{}, false
	}
	cp := *p
	cp.connections = nil
	return cp, true
}

// ParticipantCount returns the current roster size.
func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// LockHolder returns the user holding the advisory lock on elementID, if any.
func (s *Session) LockHolder(elementID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	holder, ok := s.locks[elementID]
	return holder, ok
}

// AcquireLock takes the advisory lock on elementID for userID. Re-acquiring
// a lock already held by the same user succeeds. Returns the current holder
// and false when another user holds it.
func (s *Session) AcquireLock(elementID, userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if holder, ok := s.locks[elementID]; ok && holder != userID {
		return holder, false
	}
	s.locks[elementID] = userID
	return userID, true
}

// ReleaseLock drops the advisory lock on elementID if userID holds it.
func (s *Session) ReleaseLock(elementID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if holder, ok := s.locks[elementID]; !ok || holder != userID {
		return false
	}
	delete(s.locks, elementID)
	return true
}

// releaseLocksHeldBy drops every advisory lock held by userID and returns the
// released element IDs. Callers must hold the session lock.
func (s *Session) releaseLocksHeldBy(userID string) []string {
	var released []string
	for elementID, holder := range s.locks {
		if holder == userID {
			delete(s.locks, elementID)
			released = append(released, elementID)
		}
	}
	return released
}
