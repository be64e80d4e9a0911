package collab

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Conflict tracker errors.
var (
	ErrConflictNotFound = errors.New("conflict not found")
	ErrConflictResolved = errors.New("conflict already resolved")
)

// ConflictStatus is the lifecycle state of a Conflict.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
)

// ContentChange is one field mutation. Immutable after creation.
type ContentChange struct {
	ChangeID   string     `json:"change_id"`
	ElementID  string     `json:"element_id"`
	Field      string     `json:"field"`
	OldValue   any        `json:"old_value,omitempty"`
	NewValue   any        `json:"new_value"`
	ChangeType ChangeType `json:"change_type"`
}

// ConflictingChange is one contender captured in a Conflict, in FIFO arrival
// order.
type ConflictingChange struct {
	UserID    string    `json:"user_id"`
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Conflict tracks simultaneous competing changes to the same
// (elementID, field) pair, pending human resolution. Once resolved it is
// immutable and eligible for garbage collection.
type Conflict struct {
	ConflictID         string              `json:"conflict_id"`
	ElementID          string              `json:"element_id"`
	Field              string              `json:"field"`
	BaseValue          any                 `json:"base_value,omitempty"`
	ConflictingChanges []ConflictingChange `json:"conflicting_changes"`
	Status             ConflictStatus      `json:"status"`
	CreatedAt          time.Time           `json:"created_at"`
	ResolvedAt         *time.Time          `json:"resolved_at,omitempty"`
	ResolvedBy         string              `json:"resolved_by,omitempty"`
}

// contenderIDs returns the users with a captured change in this conflict, in
// arrival order with duplicates kept.
func (c *Conflict) contenderIDs() []string {
	ids := make([]string, 0, len(c.ConflictingChanges))
	for _, cc := range c.ConflictingChanges {
		ids = append(ids, cc.UserID)
	}
	return ids
}

type fieldKey struct {
	elementID string
	field     string
}

// inflight marks a change accepted for commit but not yet durably applied.
type inflight struct {
	change ContentChange
	userID string
	since  time.Time
}

// ProposeResult is the outcome of ProposeChange: either the change was
// optimistically applied (caller commits it), or a Conflict captured it.
type ProposeResult struct {
	Applied  bool
	Conflict *Conflict
}

// ConflictTracker is the single gate for mutations to the external resource.
// It enforces at most one in-flight change per (elementID, field); a second
// proposal while one is in flight always yields a Conflict, never a silent
// overwrite.
type ConflictTracker struct {
	mu        sync.Mutex
	inflights map[fieldKey]*inflight
	conflicts map[string]*Conflict
	byField   map[fieldKey]*Conflict
	retention time.Duration
}

// NewConflictTracker creates a tracker. Resolved conflicts are garbage
// collected after retention (default 10 minutes); unresolved conflicts never
// expire.
func NewConflictTracker(retention time.Duration) *ConflictTracker {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &ConflictTracker{
		inflights: make(map[fieldKey]*inflight),
		conflicts: make(map[string]*Conflict),
		byField:   make(map[fieldKey]*Conflict),
		retention: retention,
	}
}

// ProposeChange admits the first change for a quiet (elementID, field) as
// in-flight and tells the caller to commit it. Any contender arriving before
// that commit lands is captured into a pending Conflict in arrival order and
// must NOT be committed by the caller.
func (t *ConflictTracker) ProposeChange(userID string, change ContentChange) ProposeResult {
	key := fieldKey{elementID: change.ElementID, field: change.Field}
	now := time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.byField[key]; ok {
		// A pending conflict already exists for this field; append the new
		// contender.
		c.ConflictingChanges = append(c.ConflictingChanges, ConflictingChange{
			UserID:    userID,
			Value:     change.NewValue,
			Timestamp: now,
		})
		return ProposeResult{Conflict: c}
	}

	if inf, ok := t.inflights[key]; ok {
		// Second change while the first is uncommitted: open a conflict
		// capturing both, first contender first.
		c := &Conflict{
			ConflictID: newID(),
			ElementID:  change.ElementID,
			Field:      change.Field,
			BaseValue:  inf.change.OldValue,
			ConflictingChanges: []ConflictingChange{
				{UserID: inf.userID, Value: inf.change.NewValue, Timestamp: inf.since},
				{UserID: userID, Value: change.NewValue, Timestamp: now},
			},
			Status:    ConflictPending,
			CreatedAt: now,
		}
		t.conflicts[c.ConflictID] = c
		t.byField[key] = c
		conflictsOpen.Set(float64(len(t.byField)))
		return ProposeResult{Conflict: c}
	}

	t.inflights[key] = &inflight{change: change, userID: userID, since: now}
	return ProposeResult{Applied: true}
}

// Commit clears the in-flight marker after the change was durably applied.
// When a conflict opened meanwhile, the marker stays until Resolve.
func (t *ConflictTracker) Commit(elementID, field string) {
	key := fieldKey{elementID: elementID, field: field}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, conflicted := t.byField[key]; conflicted {
		return
	}
	delete(t.inflights, key)
}

// Abort clears the in-flight marker when the durable apply failed, so the
// next proposal for the field is admitted. A pending conflict keeps the
// field gated.
func (t *ConflictTracker) Abort(elementID, field string) {
	t.Commit(elementID, field)
}

// Resolve marks the conflict resolved exactly once and returns the
// authoritative ContentChange for the caller to commit. A second resolve of
// the same ID is ErrConflictResolved, never a second commit.
func (t *ConflictTracker) Resolve(conflictID string, selectedValue any, resolvingUserID string) (ContentChange, error) {
	now := time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conflicts[conflictID]
	if !ok {
		return ContentChange{}, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	if c.Status == ConflictResolved {
		return ContentChange{}, fmt.Errorf("%w: %s", ErrConflictResolved, conflictID)
	}

	c.Status = ConflictResolved
	c.ResolvedAt = &now
	c.ResolvedBy = resolvingUserID

	key := fieldKey{elementID: c.ElementID, field: c.Field}
	delete(t.byField, key)
	delete(t.inflights, key)
	conflictsOpen.Set(float64(len(t.byField)))

	return ContentChange{
		ChangeID:   newID(),
		ElementID:  c.ElementID,
		Field:      c.Field,
		OldValue:   c.BaseValue,
		NewValue:   selectedValue,
		ChangeType: ChangeTypeUpdate,
	}, nil
}

// Get returns the conflict with the given ID, if present.
func (t *ConflictTracker) Get(conflictID string) (*Conflict, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conflicts[conflictID]
	return c, ok
}

// Pending returns the conflicts still awaiting resolution.
func (t *ConflictTracker) Pending() []*Conflict {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Conflict, 0, len(t.byField))
	for _, c := range t.byField {
		out = append(out, c)
	}
	return out
}

// InFlight reports whether a change is currently in flight for the field.
func (t *ConflictTracker) InFlight(elementID, field string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inflights[fieldKey{elementID: elementID, field: field}]
	return ok
}

// SweepResolved garbage-collects resolved conflicts older than the retention
// window. Unresolved conflicts are surfaced indefinitely.
func (t *ConflictTracker) SweepResolved() int {
	cutoff := time.Now().UTC().Add(-t.retention)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, c := range t.conflicts {
		if c.Status == ConflictResolved && c.ResolvedAt != nil && c.ResolvedAt.Before(cutoff) {
			delete(t.conflicts, id)
			removed++
		}
	}
	return removed
}
