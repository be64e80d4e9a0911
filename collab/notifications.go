package collab

import (
	"sync"
	"time"
)

// ActivityType tags activity entries recorded against a session.
type ActivityType string

const (
	ActivityContentChanged    ActivityType = "content_changed"
	ActivityCommentAdded      ActivityType = "comment_added"
	ActivityCommentReplied    ActivityType = "comment_replied"
	ActivityLockAcquired      ActivityType = "lock_acquired"
	ActivityLockReleased      ActivityType = "lock_released"
	ActivityConflictDetected  ActivityType = "conflict_detected"
	ActivityConflictResolved  ActivityType = "conflict_resolved"
	ActivityParticipantJoined ActivityType = "participant_joined"
	ActivityParticipantLeft   ActivityType = "participant_left"
)

// ActivityPayload is the tagged union of per-type activity bodies. One shape
// per tag; no untyped maps cross this boundary.
type ActivityPayload interface {
	ActivityType() ActivityType
}

// ContentChangedActivity carries an applied field mutation.
type ContentChangedActivity struct {
	Change ContentChange `json:"change"`
}

func (ContentChangedActivity) ActivityType() ActivityType { return ActivityContentChanged }

// CommentActivity carries a new comment or reply.
type CommentActivity struct {
	CommentID string `json:"comment_id"`
	ElementID string `json:"element_id,omitempty"`
	ParentID  string `json:"parent_id,omitempty"`
	Text      string `json:"text"`
}

func (a CommentActivity) ActivityType() ActivityType {
	if a.ParentID != "" {
		return ActivityCommentReplied
	}
	return ActivityCommentAdded
}

// LockActivity carries an advisory lock transition.
type LockActivity struct {
	ElementID string `json:"element_id"`
	Locked    bool   `json:"locked"`
}

func (a LockActivity) ActivityType() ActivityType {
	if a.Locked {
		return ActivityLockAcquired
	}
	return ActivityLockReleased
}

// ConflictActivity carries a conflict lifecycle event.
type ConflictActivity struct {
	Conflict Conflict `json:"conflict"`
}

func (a ConflictActivity) ActivityType() ActivityType {
	if a.Conflict.Status == ConflictResolved {
		return ActivityConflictResolved
	}
	return ActivityConflictDetected
}

// PresenceActivity carries a roster transition.
type PresenceActivity struct {
	Status ParticipantStatus `json:"status"`
	Joined bool              `json:"joined"`
}

func (a PresenceActivity) ActivityType() ActivityType {
	if a.Joined {
		return ActivityParticipantJoined
	}
	return ActivityParticipantLeft
}

// Activity is one incremental entry delivered to session subscribers.
// Subscribers receive deltas, never recomputed full lists.
type Activity struct {
	Type      ActivityType    `json:"type"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   ActivityPayload `json:"payload"`
}

// Notification is one incremental entry delivered to a specific user's
// subscribers, independent of which session produced it.
type Notification struct {
	Type      ActivityType    `json:"type"`
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   ActivityPayload `json:"payload"`
}

// ActivityFunc consumes session activity deltas.
type ActivityFunc func(Activity)

// NotificationFunc consumes per-user notification deltas.
type NotificationFunc func(Notification)

// Broker fans activity and notification deltas out to the UI/business layer.
// Subscription is explicit: Subscribe returns an unsubscribe handle and
// delivery stops once it is called. Callbacks run on their own goroutine so
// a slow consumer cannot stall the engine.
type Broker struct {
	mu           sync.RWMutex
	nextID       int
	activitySubs map[string]map[int]ActivityFunc
	notifSubs    map[string]map[int]NotificationFunc
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		activitySubs: make(map[string]map[int]ActivityFunc),
		notifSubs:    make(map[string]map[int]NotificationFunc),
	}
}

// SubscribeActivity registers fn for a session's activity deltas and returns
// the unsubscribe handle.
func (b *Broker) SubscribeActivity(sessionID string, fn ActivityFunc) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.activitySubs[sessionID] == nil {
		b.activitySubs[sessionID] = make(map[int]ActivityFunc)
	}
	b.activitySubs[sessionID][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.activitySubs[sessionID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.activitySubs, sessionID)
			}
		}
	}
}

// SubscribeNotifications registers fn for a user's notification deltas and
// returns the unsubscribe handle.
func (b *Broker) SubscribeNotifications(userID string, fn NotificationFunc) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.notifSubs[userID] == nil {
		b.notifSubs[userID] = make(map[int]NotificationFunc)
	}
	b.notifSubs[userID][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.notifSubs[userID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.notifSubs, userID)
			}
		}
	}
}

// PublishActivity delivers one activity delta to the session's subscribers.
func (b *Broker) PublishActivity(a Activity) {
	b.mu.RLock()
	subs := make([]ActivityFunc, 0, len(b.activitySubs[a.SessionID]))
	for _, fn := range b.activitySubs[a.SessionID] {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		go fn(a)
	}
}

// PublishNotification delivers one notification delta to the user's
// subscribers.
func (b *Broker) PublishNotification(n Notification) {
	b.mu.RLock()
	subs := make([]NotificationFunc, 0, len(b.notifSubs[n.UserID]))
	for _, fn := range b.notifSubs[n.UserID] {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		go fn(n)
	}
}
