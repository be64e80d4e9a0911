package collab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConflictTrackerFirstChangeApplied(t *testing.T) {
	tracker := NewConflictTracker(0)

	result := tracker.ProposeChange("alice", ContentChange{
		ChangeID:   "c1",
		ElementID:  "share-class-a",
		Field:      "price",
		OldValue:   float64(90),
		NewValue:   float64(100),
		ChangeType: ChangeTypeUpdate,
	})

	assert.True(t, result.Applied)
	assert.Nil(t, result.Conflict)
	assert.True(t, tracker.InFlight("share-class-a", "price"))
}

func TestConflictTrackerSecondChangeOpensConflict(t *testing.T) {
	tracker := NewConflictTracker(0)

	first := tracker.ProposeChange("alice", ContentChange{
		ChangeID: "c1", ElementID: "share-class-a", Field: "price",
		OldValue: float64(90), NewValue: float64(100), ChangeType: ChangeTypeUpdate,
	})
	require.True(t, first.Applied)

	second := tracker.ProposeChange("bob", ContentChange{
		ChangeID: "c2", ElementID: "share-class-a", Field: "price",
		NewValue: float64(120), ChangeType: ChangeTypeUpdate,
	})

	require.False(t, second.Applied)
	require.NotNil(t, second.Conflict)

	c := second.Conflict
	assert.Equal(t, ConflictPending, c.Status)
	assert.Equal(t, "share-class-a", c.ElementID)
	assert.Equal(t, "price", c.Field)
	assert.Equal(t, float64(90), c.BaseValue)

	// Contenders in arrival order, the in-flight change first.
	require.Len(t, c.ConflictingChanges, 2)
	assert.Equal(t, "alice", c.ConflictingChanges[0].UserID)
	assert.Equal(t, float64(100), c.ConflictingChanges[0].Value)
	assert.Equal(t, "bob", c.ConflictingChanges[1].UserID)
	assert.Equal(t, float64(120), c.ConflictingChanges[1].Value)
}

func TestConflictTrackerThirdChangeAppendsContender(t *testing.T) {
	tracker := NewConflictTracker(0)

	tracker.ProposeChange("alice", ContentChange{
		ElementID: "e1", Field: "shares", NewValue: float64(1000), ChangeType: ChangeTypeUpdate,
	})
	second := tracker.ProposeChange("bob", ContentChange{
		ElementID: "e1", Field: "shares", NewValue: float64(2000), ChangeType: ChangeTypeUpdate,
	})
	third := tracker.ProposeChange("carol", ContentChange{
		ElementID: "e1", Field: "shares", NewValue: float64(3000), ChangeType: ChangeTypeUpdate,
	})

	require.False(t, third.Applied)
	assert.Equal(t, second.Conflict.ConflictID, third.Conflict.ConflictID)
	require.Len(t, third.Conflict.ConflictingChanges, 3)
	assert.Equal(t, "carol", third.Conflict.ConflictingChanges[2].UserID)
}

func TestConflictTrackerIndependentFields(t *testing.T) {
	tracker := NewConflictTracker(0)

	first := tracker.ProposeChange("alice", ContentChange{
		ElementID: "e1", Field: "price", NewValue: float64(1), ChangeType: ChangeTypeUpdate,
	})
	other := tracker.ProposeChange("bob", ContentChange{
		ElementID: "e1", Field: "shares", NewValue: float64(2), ChangeType: ChangeTypeUpdate,
	})

	assert.True(t, first.Applied)
	assert.True(t, other.Applied)
}

func TestConflictTrackerCommitReopensField(t *testing.T) {
	tracker := NewConflictTracker(0)

	tracker.ProposeChange("alice", ContentChange{
		ElementID: "e1", Field: "price", NewValue: float64(1), ChangeType: ChangeTypeUpdate,
	})
	tracker.Commit("e1", "price")
	assert.False(t, tracker.InFlight("e1", "price"))

	// A later change on the same field is admitted, not conflicted.
	result := tracker.ProposeChange("bob", ContentChange{
		ElementID: "e1", Field: "price", NewValue: float64(2), ChangeType: ChangeTypeUpdate,
	})
	assert.True(t, result.Applied)
}

func TestConflictTrackerCommitKeepsConflictedFieldGated(t *testing.T) {
	tracker := NewConflictTracker(0)

	tracker.ProposeChange("alice", ContentChange{
		ElementID: "e1", Field: "price", NewValue: float64(1), ChangeType: ChangeTypeUpdate,
	})
	tracker.ProposeChange("bob", ContentChange{
		ElementID: "e1", Field: "price", NewValue: float64(2), ChangeType: ChangeTypeUpdate,
	})
	tracker.Commit("e1", "price")

	// The field stays gated until a human resolves the conflict.
	result := tracker.ProposeChange("carol", ContentChange{
		ElementID: "e1", Field: "price", NewValue: float64(3), ChangeType: ChangeTypeUpdate,
	})
	assert.False(t, result.Applied)
	require.Len(t, result.Conflict.ConflictingChanges, 3)
}

func TestConflictTrackerAbortReopensField(t *testing.T) {
	tracker := NewConflictTracker(0)

	tracker.ProposeChange("alice", ContentChange{
		ElementID: "e1", Field: "price", NewValue: float64(1), ChangeType: ChangeTypeUpdate,
	})
	tracker.Abort("e1", "price")

	result := tracker.ProposeChange("bob", ContentChange{
		ElementID: "e1", Field: "price", NewValue: float64(2), ChangeType: ChangeTypeUpdate,
	})
	assert.True(t, result.Applied)
}

func TestConflictTrackerResolve(t *testing.T) {
	tracker := NewConflictTracker(0)

	tracker.ProposeChange("alice", ContentChange{
		ElementID: "e1", Field: "price", OldValue: float64(90), NewValue: float64(100), ChangeType: ChangeTypeUpdate,
	})
	result := tracker.ProposeChange("bob", ContentChange{
		ElementID: "e1", Field: "price", NewValue: float64(120), ChangeType: ChangeTypeUpdate,
	})
	require.NotNil(t, result.Conflict)
	conflictID := result.Conflict.ConflictID

	change, err := tracker.Resolve(conflictID, float64(120), "carol")
	require.NoError(t, err)
	assert.Equal(t, "e1", change.ElementID)
	assert.Equal(t, "price", change.Field)
	assert.Equal(t, float64(90), change.OldValue)
	assert.Equal(t, float64(120), change.NewValue)

	resolved, ok := tracker.Get(conflictID)
	require.True(t, ok)
	assert.Equal(t, ConflictResolved, resolved.Status)
	assert.Equal(t, "carol", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	// The field is open again.
	next := tracker.ProposeChange("alice", ContentChange{
		ElementID: "e1", Field: "price", NewValue: float64(130), ChangeType: ChangeTypeUpdate,
	})
	assert.True(t, next.Applied)
}

func TestConflictTrackerResolveExactlyOnce(t *testing.T) {
	tracker := NewConflictTracker(0)

	tracker.ProposeChange("alice", ContentChange{
		ElementID: "e1", Field: "price", NewValue: float64(100), ChangeType: ChangeTypeUpdate,
	})
	result := tracker.ProposeChange("bob", ContentChange{
		ElementID: "e1", Field: "price", NewValue: float64(120), ChangeType: ChangeTypeUpdate,
	})
	conflictID := result.Conflict.ConflictID

	_, err := tracker.Resolve(conflictID, float64(120), "alice")
	require.NoError(t, err)

	_, err = tracker.Resolve(conflictID, float64(100), "bob")
	assert.ErrorIs(t, err, ErrConflictResolved)
}

func TestConflictTrackerResolveUnknownID(t *testing.T) {
	tracker := NewConflictTracker(0)

	_, err := tracker.Resolve("no-such-conflict", float64(1), "alice")
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

func TestConflictTrackerSweepResolved(t *testing.T) {
	tracker := NewConflictTracker(time.Millisecond)

	tracker.ProposeChange("alice", ContentChange{
		ElementID: "e1", Field: "price", NewValue: float64(100), ChangeType: ChangeTypeUpdate,
	})
	conflicted := tracker.ProposeChange("bob", ContentChange{
		ElementID: "e1", Field: "price", NewValue: float64(120), ChangeType: ChangeTypeUpdate,
	})
	resolvedID := conflicted.Conflict.ConflictID
	_, err := tracker.Resolve(resolvedID, float64(120), "alice")
	require.NoError(t, err)

	// A second, unresolved conflict on another field must survive the sweep.
	tracker.ProposeChange("alice", ContentChange{
		ElementID: "e2", Field: "shares", NewValue: float64(1), ChangeType: ChangeTypeUpdate,
	})
	pending := tracker.ProposeChange("bob", ContentChange{
		ElementID: "e2", Field: "shares", NewValue: float64(2), ChangeType: ChangeTypeUpdate,
	})
	pendingID := pending.Conflict.ConflictID

	time.Sleep(5 * time.Millisecond)
	removed := tracker.SweepResolved()

	assert.Equal(t, 1, removed)
	_, ok := tracker.Get(resolvedID)
	assert.False(t, ok)
	_, ok = tracker.Get(pendingID)
	assert.True(t, ok)
	assert.Len(t, tracker.Pending(), 1)
}
