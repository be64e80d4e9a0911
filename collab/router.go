package collab

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/openequity/collab/internal/slogging"
)

const applyTimeout = 5 * time.Second

// MessageHandler processes one validated inbound message type.
type MessageHandler interface {
	MessageType() MessageType
	Handle(c *Connection, env *Envelope, payload Payload) error
}

// MessageRouter dispatches validated envelopes to their type handler. A panic
// in a handler is recovered at the dispatch boundary so one poison message
// cannot take down the connection pump.
type MessageRouter struct {
	hub      *Hub
	handlers map[MessageType]MessageHandler
}

// NewMessageRouter builds a router with the full handler set registered.
func NewMessageRouter(h *Hub) *MessageRouter {
	r := &MessageRouter{
		hub:      h,
		handlers: make(map[MessageType]MessageHandler),
	}
	r.Register(&CursorMoveHandler{hub: h})
	r.Register(&SelectionChangeHandler{hub: h})
	r.Register(&ContentChangeHandler{hub: h})
	r.Register(&CommentAddHandler{hub: h})
	r.Register(&CommentReplyHandler{hub: h})
	r.Register(&UserStatusHandler{hub: h})
	r.Register(&FileLockHandler{hub: h})
	r.Register(&FileUnlockHandler{hub: h})
	r.Register(&ConflictResolutionHandler{hub: h})
	r.Register(&HeartbeatHandler{hub: h})
	r.Register(&JoinSessionHandler{hub: h})
	r.Register(&LeaveSessionHandler{hub: h})
	return r
}

// Register installs a handler, replacing any existing one for its type.
func (r *MessageRouter) Register(h MessageHandler) {
	r.handlers[h.MessageType()] = h
}

// Dispatch routes one validated envelope. The payload decodes cleanly here
// because the validator already checked it; a decode failure at this point is
// a programming error and is dropped with a log.
func (r *MessageRouter) Dispatch(c *Connection, env *Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			slogging.Get().Error("Panic handling message - type=%s connection_id=%s panic=%v\n%s",
				env.Type, c.ID, rec, debug.Stack())
			r.hub.SendError(c, "internal_error", "message could not be processed")
		}
	}()

	handler, ok := r.handlers[env.Type]
	if !ok {
		r.hub.SendError(c, "unsupported_type", fmt.Sprintf("no handler for message type %s", env.Type))
		return
	}

	payload, err := DecodePayload(env.Type, env.Data)
	if err != nil {
		slogging.Get().Error("Payload decode failed after validation - type=%s error=%v", env.Type, err)
		return
	}

	// Any well-formed message counts as activity for presence purposes.
	r.hub.store.TouchParticipant(c.SessionID, c.UserID)

	if err := handler.Handle(c, env, payload); err != nil {
		slogging.Get().Debug("Handler error - type=%s connection_id=%s error=%v", env.Type, c.ID, err)
	}
	messagesDispatched.WithLabelValues(string(env.Type)).Inc()
}

// CursorMoveHandler records the sender's cursor and relays it to everyone
// else in the session.
type CursorMoveHandler struct {
	hub *Hub
}

func (h *CursorMoveHandler) MessageType() MessageType { return MessageTypeCursorMove }

func (h *CursorMoveHandler) Handle(c *Connection, env *Envelope, payload Payload) error {
	p := payload.(*CursorMovePayload)

	if !h.hub.store.UpdateCursor(c.SessionID, c.UserID, CursorPosition{X: *p.X, Y: *p.Y}) {
		return fmt.Errorf("participant %s not in session %s", c.UserID, c.SessionID)
	}

	h.hub.Broadcast(c.SessionID, env, []string{c.UserID})
	return nil
}

// SelectionChangeHandler records the sender's selection and relays it.
type SelectionChangeHandler struct {
	hub *Hub
}

func (h *SelectionChangeHandler) MessageType() MessageType { return MessageTypeSelectionChange }

func (h *SelectionChangeHandler) Handle(c *Connection, env *Envelope, payload Payload) error {
	p := payload.(*SelectionChangePayload)

	if !h.hub.store.UpdateSelection(c.SessionID, c.UserID, p.ElementIDs) {
		return fmt.Errorf("participant %s not in session %s", c.UserID, c.SessionID)
	}

	h.hub.Broadcast(c.SessionID, env, []string{c.UserID})
	return nil
}

// ContentChangeHandler is the write path: permission gate, advisory lock
// gate, conflict gate, durable apply, then relay. The sender never receives
// its own echo; a denial goes back to the sender alone.
type ContentChangeHandler struct {
	hub *Hub
}

func (h *ContentChangeHandler) MessageType() MessageType { return MessageTypeContentChange }

func (h *ContentChangeHandler) Handle(c *Connection, env *Envelope, payload Payload) error {
	p := payload.(*ContentChangePayload)

	session := h.hub.store.Get(c.SessionID)
	if session == nil {
		return fmt.Errorf("session %s not in memory", c.SessionID)
	}

	if !c.Profile.HasPermission(PermissionWrite) {
		h.hub.SendError(c, "insufficient_permissions", "write permission required for content changes")
		return nil
	}

	if holder, ok := session.LockHolder(p.ElementID); ok && holder != c.UserID {
		h.hub.SendError(c, "element_locked", fmt.Sprintf("element is locked by %s", holder))
		return nil
	}

	change := ContentChange{
		ChangeID:   p.ChangeID,
		ElementID:  p.ElementID,
		Field:      p.Field,
		OldValue:   p.OldValue,
		NewValue:   p.NewValue,
		ChangeType: p.ChangeType,
	}
	if change.ChangeID == "" {
		change.ChangeID = newID()
	}

	result := h.hub.tracker.ProposeChange(c.UserID, change)
	if !result.Applied {
		return h.announceConflict(c, session, result.Conflict)
	}

	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	err := h.hub.resources.ApplyFieldUpdate(ctx, session.ResourceType, session.ResourceID,
		change.ElementID, change.Field, change.NewValue)
	if err != nil {
		h.hub.tracker.Abort(change.ElementID, change.Field)
		slogging.Get().Error("Failed to apply content change - session_id=%s element_id=%s field=%s error=%v",
			c.SessionID, change.ElementID, change.Field, err)
		h.hub.SendError(c, "apply_failed", "change could not be applied to the resource")
		return nil
	}
	h.hub.tracker.Commit(change.ElementID, change.Field)

	h.hub.Broadcast(c.SessionID, env, []string{c.UserID})

	h.hub.recordActivity(c.SessionID, c.UserID, ContentChangedActivity{Change: change})
	return nil
}

func (h *ContentChangeHandler) announceConflict(c *Connection, session *Session, conflict *Conflict) error {
	env, err := NewServerEnvelope(MessageTypeConflictDetected, c.SessionID, "", map[string]any{
		"conflict": conflict,
	})
	if err != nil {
		return err
	}

	// Everyone sees the conflict, the contenders included.
	h.hub.Broadcast(c.SessionID, env, nil)

	h.hub.recordActivity(c.SessionID, c.UserID, ConflictActivity{Conflict: *conflict})
	h.hub.notifyUsers(c.SessionID, conflict.contenderIDs(), ConflictActivity{Conflict: *conflict})
	return nil
}

// CommentAddHandler records a comment and relays it to the rest of the
// session.
type CommentAddHandler struct {
	hub *Hub
}

func (h *CommentAddHandler) MessageType() MessageType { return MessageTypeCommentAdd }

func (h *CommentAddHandler) Handle(c *Connection, env *Envelope, payload Payload) error {
	p := payload.(*CommentAddPayload)

	if !c.Profile.HasPermission(PermissionComment) && !c.Profile.HasPermission(PermissionWrite) {
		h.hub.SendError(c, "insufficient_permissions", "comment permission required")
		return nil
	}
	if p.CommentID == "" {
		p.CommentID = newID()
	}

	h.hub.Broadcast(c.SessionID, env, []string{c.UserID})

	h.hub.recordActivity(c.SessionID, c.UserID, CommentActivity{
		CommentID: p.CommentID,
		ElementID: p.ElementID,
		Text:      p.Text,
	})
	return nil
}

// CommentReplyHandler records a threaded reply and relays it.
type CommentReplyHandler struct {
	hub *Hub
}

func (h *CommentReplyHandler) MessageType() MessageType { return MessageTypeCommentReply }

func (h *CommentReplyHandler) Handle(c *Connection, env *Envelope, payload Payload) error {
	p := payload.(*CommentReplyPayload)

	if !c.Profile.HasPermission(PermissionComment) && !c.Profile.HasPermission(PermissionWrite) {
		h.hub.SendError(c, "insufficient_permissions", "comment permission required")
		return nil
	}
	if p.CommentID == "" {
		p.CommentID = newID()
	}

	h.hub.Broadcast(c.SessionID, env, []string{c.UserID})

	h.hub.recordActivity(c.SessionID, c.UserID, CommentActivity{
		CommentID: p.CommentID,
		ParentID:  p.ParentID,
		Text:      p.Text,
	})
	return nil
}

// UserStatusHandler records an announced presence change and relays it.
type UserStatusHandler struct {
	hub *Hub
}

func (h *UserStatusHandler) MessageType() MessageType { return MessageTypeUserStatus }

func (h *UserStatusHandler) Handle(c *Connection, env *Envelope, payload Payload) error {
	p := payload.(*UserStatusPayload)

	if !h.hub.store.SetStatus(c.SessionID, c.UserID, p.Status) {
		return fmt.Errorf("participant %s not in session %s", c.UserID, c.SessionID)
	}

	h.hub.Broadcast(c.SessionID, env, []string{c.UserID})
	return nil
}

// FileLockHandler takes an advisory element lock for the sender. The lock is
// cooperative: it gates content changes, not reads.
type FileLockHandler struct {
	hub *Hub
}

func (h *FileLockHandler) MessageType() MessageType { return MessageTypeFileLock }

func (h *FileLockHandler) Handle(c *Connection, env *Envelope, payload Payload) error {
	p := payload.(*FileLockPayload)

	session := h.hub.store.Get(c.SessionID)
	if session == nil {
		return fmt.Errorf("session %s not in memory", c.SessionID)
	}
	if !c.Profile.HasPermission(PermissionWrite) {
		h.hub.SendError(c, "insufficient_permissions", "write permission required to lock elements")
		return nil
	}

	holder, ok := session.AcquireLock(p.ElementID, c.UserID)
	if !ok {
		h.hub.SendError(c, "lock_held", fmt.Sprintf("element is locked by %s", holder))
		return nil
	}

	h.hub.broadcastLockState(c.SessionID, p.ElementID, c.UserID, true)
	return nil
}

// FileUnlockHandler releases an advisory element lock held by the sender.
type FileUnlockHandler struct {
	hub *Hub
}

func (h *FileUnlockHandler) MessageType() MessageType { return MessageTypeFileUnlock }

func (h *FileUnlockHandler) Handle(c *Connection, env *Envelope, payload Payload) error {
	p := payload.(*FileLockPayload)

	session := h.hub.store.Get(c.SessionID)
	if session == nil {
		return fmt.Errorf("session %s not in memory", c.SessionID)
	}

	if !session.ReleaseLock(p.ElementID, c.UserID) {
		h.hub.SendError(c, "not_lock_holder", "element is not locked by you")
		return nil
	}

	h.hub.broadcastLockState(c.SessionID, p.ElementID, c.UserID, false)
	return nil
}

// ConflictResolutionHandler applies a human's pick for a pending conflict.
// Resolution is exactly-once: a second resolve of the same conflict returns
// an error envelope and causes no second write.
type ConflictResolutionHandler struct {
	hub *Hub
}

func (h *ConflictResolutionHandler) MessageType() MessageType { return MessageTypeConflictResolution }

func (h *ConflictResolutionHandler) Handle(c *Connection, env *Envelope, payload Payload) error {
	p := payload.(*ConflictResolutionPayload)

	session := h.hub.store.Get(c.SessionID)
	if session == nil {
		return fmt.Errorf("session %s not in memory", c.SessionID)
	}
	if !c.Profile.HasPermission(PermissionWrite) {
		h.hub.SendError(c, "insufficient_permissions", "write permission required to resolve conflicts")
		return nil
	}

	change, err := h.hub.tracker.Resolve(p.ConflictID, p.SelectedValue, c.UserID)
	if err != nil {
		switch {
		case errors.Is(err, ErrConflictResolved):
			h.hub.SendError(c, "conflict_already_resolved", "conflict was already resolved")
		case errors.Is(err, ErrConflictNotFound):
			h.hub.SendError(c, "conflict_not_found", "no such conflict")
		default:
			h.hub.SendError(c, "resolve_failed", "conflict could not be resolved")
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	err = h.hub.resources.ApplyFieldUpdate(ctx, session.ResourceType, session.ResourceID,
		change.ElementID, change.Field, change.NewValue)
	if err != nil {
		slogging.Get().Error("Failed to apply conflict resolution - session_id=%s conflict_id=%s error=%v",
			c.SessionID, p.ConflictID, err)
		h.hub.SendError(c, "apply_failed", "resolved value could not be applied to the resource")
		return nil
	}

	conflict, _ := h.hub.tracker.Get(p.ConflictID)
	out, err := NewServerEnvelope(MessageTypeConflictResolved, c.SessionID, c.UserID, map[string]any{
		"conflict": conflict,
		"change":   change,
	})
	if err != nil {
		return err
	}

	// The resolver sees the outcome too.
	h.hub.Broadcast(c.SessionID, out, nil)

	if conflict != nil {
		h.hub.recordActivity(c.SessionID, c.UserID, ConflictActivity{Conflict: *conflict})
		h.hub.notifyUsers(c.SessionID, conflict.contenderIDs(), ConflictActivity{Conflict: *conflict})
	}
	return nil
}

// HeartbeatHandler refreshes presence. The touch already happened in
// Dispatch; the handler exists so heartbeats are first-class protocol
// messages rather than dropped unknowns.
type HeartbeatHandler struct {
	hub *Hub
}

func (h *HeartbeatHandler) MessageType() MessageType { return MessageTypeHeartbeat }

func (h *HeartbeatHandler) Handle(c *Connection, env *Envelope, payload Payload) error {
	return nil
}

// JoinSessionHandler serves an in-band roster resync. The real join happened
// during the connection handshake.
type JoinSessionHandler struct {
	hub *Hub
}

func (h *JoinSessionHandler) MessageType() MessageType { return MessageTypeJoinSession }

func (h *JoinSessionHandler) Handle(c *Connection, env *Envelope, payload Payload) error {
	session := h.hub.store.Get(c.SessionID)
	if session == nil {
		return fmt.Errorf("session %s not in memory", c.SessionID)
	}
	h.hub.sendRosterSnapshot(c, session)
	return nil
}

// LeaveSessionHandler performs a graceful disconnect announced by the client.
type LeaveSessionHandler struct {
	hub *Hub
}

func (h *LeaveSessionHandler) MessageType() MessageType { return MessageTypeLeaveSession }

func (h *LeaveSessionHandler) Handle(c *Connection, env *Envelope, payload Payload) error {
	// An announced leave is immediate; only abnormal disconnects get the
	// reconnection grace period. Multi-tab users stay present until the
	// last connection goes.
	if h.hub.store.ConnectionCountFor(c.SessionID, c.UserID) <= 1 {
		out, err := NewServerEnvelope(MessageTypeParticipantLeft, c.SessionID, c.UserID, map[string]any{
			"user_id":      c.UserID,
			"display_name": c.Profile.DisplayName,
		})
		if err == nil {
			h.hub.Broadcast(c.SessionID, out, []string{c.UserID})
		}
	}
	c.close()
	return nil
}

// broadcastLockState tells the whole session who holds an element lock now.
func (h *Hub) broadcastLockState(sessionID, elementID, userID string, locked bool) {
	data := map[string]any{
		"element_id": elementID,
		"locked":     locked,
	}
	if locked {
		data["locked_by"] = userID
	}
	env, err := NewServerEnvelope(MessageTypeLockState, sessionID, userID, data)
	if err != nil {
		return
	}
	h.Broadcast(sessionID, env, nil)

	h.broker.PublishActivity(Activity{
		Type:      LockActivity{Locked: locked}.ActivityType(),
		SessionID: sessionID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Payload:   LockActivity{ElementID: elementID, Locked: locked},
	})
}

// notifyUsers delivers one per-user notification delta to each distinct user,
// so UI subscribers see conflict events for their own changes regardless of
// which session view they have open.
func (h *Hub) notifyUsers(sessionID string, userIDs []string, payload ActivityPayload) {
	now := time.Now().UTC()
	seen := make(map[string]bool, len(userIDs))
	for _, userID := range userIDs {
		if userID == "" || seen[userID] {
			continue
		}
		seen[userID] = true
		h.broker.PublishNotification(Notification{
			Type:      payload.ActivityType(),
			UserID:    userID,
			SessionID: sessionID,
			Timestamp: now,
			Payload:   payload,
		})
	}
}

// recordActivity writes the audit entry and publishes the broker delta,
// fire-and-forget.
func (h *Hub) recordActivity(sessionID, userID string, payload ActivityPayload) {
	now := time.Now().UTC()
	activityType := payload.ActivityType()

	if h.activities != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.activities.RecordActivity(ctx, sessionID, userID, activityType, payload); err != nil {
				slogging.Get().Error("Failed to record activity - session_id=%s type=%s error=%v",
					sessionID, activityType, err)
			}
		}()
	}

	h.broker.PublishActivity(Activity{
		Type:      activityType,
		SessionID: sessionID,
		UserID:    userID,
		Timestamp: now,
		Payload:   payload,
	})
}
