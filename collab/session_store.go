package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openequity/collab/internal/slogging"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrSessionNotFound is returned when no durable row exists for a session ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrConnectionLimit is returned by Join when the user already has the
	// maximum number of connections bound to the session.
	ErrConnectionLimit = errors.New("connection limit reached for user")
)

// connBinding records which (session, user) pair owns a physical connection.
type connBinding struct {
	sessionID string
	userID    string
}

// SessionObserver receives roster lifecycle events from the store. The hub
// implements it to notify remaining participants; tests implement it to
// observe reaping.
type SessionObserver interface {
	// ParticipantRemoved fires after a participant is reaped from the roster
	// (grace period elapsed with no remaining connection).
	ParticipantRemoved(sessionID string, p Participant)
	// SessionRetired fires after an idle session is evicted from memory.
	SessionRetired(sessionID string)
}

// SessionStoreConfig bounds the store's lifecycle timers.
type SessionStoreConfig struct {
	// SessionTimeout retires sessions idle longer than this.
	SessionTimeout time.Duration
	// LeaveGracePeriod keeps an away participant on the roster after their
	// last connection drops, so a quick reconnect is invisible to others.
	LeaveGracePeriod time.Duration
	// IdleAfter demotes participants to idle when they have been silent this
	// long. Zero disables demotion.
	IdleAfter time.Duration
	// MaxConnectionsPerUser caps simultaneous connections per (session, user).
	MaxConnectionsPerUser int
}

func (c *SessionStoreConfig) applyDefaults() {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Minute
	}
	if c.LeaveGracePeriod <= 0 {
		c.LeaveGracePeriod = 30 * time.Second
	}
	if c.MaxConnectionsPerUser <= 0 {
		c.MaxConnectionsPerUser = 5
	}
}

// SessionStore is the in-memory registry of active sessions and the single
// owner of all Session/Participant mutation. Mutations on one session are
// serialized by that session's lock; different sessions proceed
// independently. Durable writes happen off the lock, fire-and-forget.
type SessionStore struct {
	repo     SessionRepository
	cfg      SessionStoreConfig
	observer SessionObserver

	mu       sync.RWMutex
	sessions map[string]*Session
	conns    map[string]connBinding

	hydrate singleflight.Group
}

// NewSessionStore creates a store backed by the given durable repository.
func NewSessionStore(repo SessionRepository, cfg SessionStoreConfig) *SessionStore {
	cfg.applyDefaults()
	return &SessionStore{
		repo:     repo,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		conns:    make(map[string]connBinding),
	}
}

// SetObserver registers the single roster observer. Must be called before
// connections start arriving.
func (st *SessionStore) SetObserver(obs SessionObserver) {
	st.observer = obs
}

// GetOrLoad returns the in-memory session, hydrating it from durable storage
// on first access. Concurrent loads of the same ID collapse into one read.
// A session with no durable row is ErrSessionNotFound.
func (st *SessionStore) GetOrLoad(ctx context.Context, sessionID string) (*Session, error) {
	st.mu.RLock()
	if s, ok := st.sessions[sessionID]; ok {
		st.mu.RUnlock()
		return s, nil
	}
	st.mu.RUnlock()

	v, err, _ := st.hydrate.Do(sessionID, func() (any, error) {
		// Re-check under the write path; another flight may have landed.
		st.mu.RLock()
		if s, ok := st.sessions[sessionID]; ok {
			st.mu.RUnlock()
			return s, nil
		}
		st.mu.RUnlock()

		row, err := st.repo.LoadSession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
		}
		if row == nil || !row.IsActive {
			return nil, ErrSessionNotFound
		}

		s := newSessionFromRow(row)

		st.mu.Lock()
		if existing, ok := st.sessions[sessionID]; ok {
			st.mu.Unlock()
			return existing, nil
		}
		st.sessions[sessionID] = s
		activeSessions.Set(float64(len(st.sessions)))
		st.mu.Unlock()

		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Get returns the in-memory session without hydrating.
func (st *SessionStore) Get(sessionID string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[sessionID]
}

// Join adds or refreshes the participant for userID, binds the connection,
// and persists the roster asynchronously. The returned session is live.
// The per-user connection cap is enforced here, under the session lock, so
// two simultaneous handshakes cannot both slip past it.
func (st *SessionStore) Join(ctx context.Context, sessionID string, profile UserProfile, connectionID string) (*Session, error) {
	s, err := st.GetOrLoad(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	s.mu.Lock()
	p, ok := s.participants[profile.UserID]
	if ok && len(p.connections) >= st.cfg.MaxConnectionsPerUser {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConnectionLimit, profile.UserID)
	}
	if !ok {
		p = &Participant{
			UserID:      profile.UserID,
			DisplayName: profile.DisplayName,
			AvatarRef:   profile.AvatarRef,
			JoinedAt:    now,
			Permissions: append([]string(nil), profile.Permissions...),
			connections: make(map[string]struct{}),
		}
		s.participants[profile.UserID] = p
	}
	p.Status = StatusActive
	p.LastSeenAt = now
	p.connections[connectionID] = struct{}{}
	s.touch(now)
	snapshot := *p
	s.mu.Unlock()

	st.mu.Lock()
	st.conns[connectionID] = connBinding{sessionID: sessionID, userID: profile.UserID}
	st.mu.Unlock()

	// Roster persistence is fire-and-forget; a failed write leaves memory
	// authoritative and is retried on the next mutation.
	go st.persistParticipant(sessionID, &snapshot)

	return s, nil
}

// Leave unbinds a connection. When no other live connection remains for that
// user in the session, the participant turns away immediately and is reaped
// after the grace period unless they reconnect.
func (st *SessionStore) Leave(connectionID string) {
	st.mu.Lock()
	binding, ok := st.conns[connectionID]
	if !ok {
		st.mu.Unlock()
		return
	}
	delete(st.conns, connectionID)
	st.mu.Unlock()

	s := st.Get(binding.sessionID)
	if s == nil {
		return
	}

	now := time.Now().UTC()

	s.mu.Lock()
	p, ok := s.participants[binding.userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(p.connections, connectionID)
	remaining := len(p.connections)
	if remaining == 0 {
		p.Status = StatusAway
		p.LastSeenAt = now
	}
	s.touch(now)
	snapshot := *p
	s.mu.Unlock()

	if remaining > 0 {
		return
	}

	go st.persistParticipant(binding.sessionID, &snapshot)

	time.AfterFunc(st.cfg.LeaveGracePeriod, func() {
		st.reapIfStillAway(binding.sessionID, binding.userID)
	})
}

// reapIfStillAway removes the participant when the grace period elapsed with
// no reconnection.
func (st *SessionStore) reapIfStillAway(sessionID, userID string) {
	s := st.Get(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	p, ok := s.participants[userID]
	if !ok || len(p.connections) > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.participants, userID)
	s.releaseLocksHeldBy(userID)
	removed := *p
	removed.connections = nil
	s.mu.Unlock()

	slogging.Get().Info("Reaped participant after grace period - session_id=%s user_id=%s", sessionID, userID)

	if st.observer != nil {
		st.observer.ParticipantRemoved(sessionID, removed)
	}
}

// Binding returns the (sessionID, userID) pair a connection is bound to.
func (st *SessionStore) Binding(connectionID string) (sessionID, userID string, ok bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	b, ok := st.conns[connectionID]
	return b.sessionID, b.userID, ok
}

// ConnectionCountFor returns the number of live connections a user has bound
// to the given session.
func (st *SessionStore) ConnectionCountFor(sessionID, userID string) int {
	s := st.Get(sessionID)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[userID]; ok {
		return len(p.connections)
	}
	return 0
}

// UpdateCursor records a participant's cursor position.
func (st *SessionStore) UpdateCursor(sessionID, userID string, pos CursorPosition) bool {
	return st.mutateParticipant(sessionID, userID, func(p *Participant) {
		p.Cursor = &pos
	})
}

// UpdateSelection records a participant's selected elements.
func (st *SessionStore) UpdateSelection(sessionID, userID string, elementIDs []string) bool {
	return st.mutateParticipant(sessionID, userID, func(p *Participant) {
		p.Selection = append([]string(nil), elementIDs...)
	})
}

// SetStatus records a participant's announced presence status.
func (st *SessionStore) SetStatus(sessionID, userID string, status ParticipantStatus) bool {
	return st.mutateParticipant(sessionID, userID, func(p *Participant) {
		p.Status = status
	})
}

// TouchParticipant refreshes a participant's last-seen time and revives an
// idle participant to active.
func (st *SessionStore) TouchParticipant(sessionID, userID string) bool {
	return st.mutateParticipant(sessionID, userID, func(p *Participant) {
		if p.Status == StatusIdle {
			p.Status = StatusActive
		}
	})
}

func (st *SessionStore) mutateParticipant(sessionID, userID string, fn func(*Participant)) bool {
	s := st.Get(sessionID)
	if s == nil {
		return false
	}

	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[userID]
	if !ok {
		return false
	}
	fn(p)
	p.LastSeenAt = now
	s.touch(now)
	return true
}

// Sweep evicts sessions idle past the timeout, marking them inactive in
// durable storage, and demotes silent participants to idle. Run it
// periodically from StartSweeper.
func (st *SessionStore) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	cutoff := now.Add(-st.cfg.SessionTimeout)

	st.mu.Lock()
	var expired []*Session
	for id, s := range st.sessions {
		s.mu.Lock()
		last := s.LastActivityAt
		s.mu.Unlock()
		if last.Before(cutoff) {
			expired = append(expired, s)
			delete(st.sessions, id)
		}
	}
	activeSessions.Set(float64(len(st.sessions)))
	remaining := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		remaining = append(remaining, s)
	}
	st.mu.Unlock()

	for _, s := range expired {
		s.mu.Lock()
		s.IsActive = false
		st.dropBindingsLocked(s)
		s.mu.Unlock()

		slogging.Get().Info("Retiring idle session - session_id=%s", s.ID)
		if err := st.repo.MarkInactive(ctx, s.ID); err != nil {
			slogging.Get().Error("Failed to mark session inactive - session_id=%s error=%v", s.ID, err)
		}
		if st.observer != nil {
			st.observer.SessionRetired(s.ID)
		}
	}

	if st.cfg.IdleAfter > 0 {
		idleCutoff := now.Add(-st.cfg.IdleAfter)
		for _, s := range remaining {
			s.mu.Lock()
			for _, p := range s.participants {
				if p.Status == StatusActive && p.LastSeenAt.Before(idleCutoff) {
					p.Status = StatusIdle
				}
			}
			s.mu.Unlock()
		}
	}
}

// dropBindingsLocked clears the connection index entries for a retired
// session. Callers hold the session lock.
func (st *SessionStore) dropBindingsLocked(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for connID, b := range st.conns {
		if b.sessionID == s.ID {
			delete(st.conns, connID)
		}
	}
}

// StartSweeper runs Sweep on the given interval until the context ends.
func (st *SessionStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (st *SessionStore) persistParticipant(sessionID string, p *Participant) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := st.repo.UpsertParticipant(ctx, sessionID, p); err != nil {
		slogging.Get().Error("Failed to persist participant - session_id=%s user_id=%s error=%v",
			sessionID, p.UserID, err)
	}
}

// PersistSession writes the session row asynchronously.
func (st *SessionStore) PersistSession(s *Session) {
	s.mu.Lock()
	row := &SessionRow{
		ID:             s.ID,
		ResourceType:   s.ResourceType,
		ResourceID:     s.ResourceID,
		IsActive:       s.IsActive,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		Metadata:       s.Metadata,
	}
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.repo.UpsertSession(ctx, row); err != nil {
			slogging.Get().Error("Failed to persist session - session_id=%s error=%v", row.ID, err)
		}
	}()
}
