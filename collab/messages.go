// Package collab implements the realtime collaboration engine: session and
// participant bookkeeping, the wire protocol, conflict detection over shared
// fields, and fan-out broadcast to connected participants.
package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the top-level discriminator for every Envelope on the wire.
type MessageType string

const (
	// Client-originated message types
	MessageTypeJoinSession        MessageType = "join_session"
	MessageTypeLeaveSession       MessageType = "leave_session"
	MessageTypeCursorMove         MessageType = "cursor_move"
	MessageTypeSelectionChange    MessageType = "selection_change"
	MessageTypeContentChange      MessageType = "content_change"
	MessageTypeCommentAdd         MessageType = "comment_add"
	MessageTypeCommentReply       MessageType = "comment_reply"
	MessageTypeUserStatus         MessageType = "user_status"
	MessageTypeFileLock           MessageType = "file_lock"
	MessageTypeFileUnlock         MessageType = "file_unlock"
	MessageTypeConflictResolution MessageType = "conflict_resolution"
	MessageTypeHeartbeat          MessageType = "heartbeat"

	// Server-originated message types
	MessageTypeParticipantJoined  MessageType = "participant_joined"
	MessageTypeParticipantLeft    MessageType = "participant_left"
	MessageTypeParticipantsUpdate MessageType = "participants_update"
	MessageTypeConflictDetected   MessageType = "conflict_detected"
	MessageTypeConflictResolved   MessageType = "conflict_resolved"
	MessageTypeLockState          MessageType = "lock_state"
	MessageTypeError              MessageType = "error"
)

// clientMessageTypes are the types a client is allowed to send. Everything
// else on an inbound connection is a protocol violation.
var clientMessageTypes = map[MessageType]bool{
	MessageTypeJoinSession:        true,
	MessageTypeLeaveSession:       true,
	MessageTypeCursorMove:         true,
	MessageTypeSelectionChange:    true,
	MessageTypeContentChange:      true,
	MessageTypeCommentAdd:         true,
	MessageTypeCommentReply:       true,
	MessageTypeUserStatus:         true,
	MessageTypeFileLock:           true,
	MessageTypeFileUnlock:         true,
	MessageTypeConflictResolution: true,
	MessageTypeHeartbeat:          true,
}

// serverMessageTypes are emitted by the engine only.
var serverMessageTypes = map[MessageType]bool{
	MessageTypeParticipantJoined:  true,
	MessageTypeParticipantLeft:    true,
	MessageTypeParticipantsUpdate: true,
	MessageTypeConflictDetected:   true,
	MessageTypeConflictResolved:   true,
	MessageTypeLockState:          true,
	MessageTypeError:              true,
}

// IsClientMessageType reports whether clients may send this type.
func IsClientMessageType(t MessageType) bool { return clientMessageTypes[t] }

// IsKnownMessageType reports whether the type exists in the protocol at all.
func IsKnownMessageType(t MessageType) bool {
	return clientMessageTypes[t] || serverMessageTypes[t]
}

// Envelope is the unit of communication over a collaboration connection.
// Data carries the type-specific payload; MessageID is server-assigned when
// the client omits it.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	MessageID string          `json:"message_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Payload is implemented by every type-specific message body.
type Payload interface {
	Validate() error
}

// CursorMovePayload carries a participant's cursor position.
type CursorMovePayload struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

func (p CursorMovePayload) Validate() error {
	if p.X == nil || p.Y == nil {
		return fmt.Errorf("cursor payload requires numeric x and y")
	}
	return nil
}

// SelectionChangePayload carries the set of elements a participant has selected.
type SelectionChangePayload struct {
	ElementIDs []string `json:"element_ids"`
}

func (p SelectionChangePayload) Validate() error {
	for i, id := range p.ElementIDs {
		if !identifierPattern.MatchString(id) {
			return fmt.Errorf("element_ids[%d] is not a valid identifier", i)
		}
	}
	return nil
}

// ChangeType discriminates the kind of field mutation in a ContentChange.
type ChangeType string

const (
	ChangeTypeInsert ChangeType = "insert"
	ChangeTypeUpdate ChangeType = "update"
	ChangeTypeDelete ChangeType = "delete"
)

// ContentChangePayload proposes a single field mutation on the shared resource.
type ContentChangePayload struct {
	ChangeID   string     `json:"change_id,omitempty"`
	ElementID  string     `json:"element_id"`
	Field      string     `json:"field"`
	OldValue   any        `json:"old_value,omitempty"`
	NewValue   any        `json:"new_value"`
	ChangeType ChangeType `json:"change_type"`
}

func (p ContentChangePayload) Validate() error {
	if !identifierPattern.MatchString(p.ElementID) {
		return fmt.Errorf("element_id is not a valid identifier")
	}
	if p.Field == "" {
		return fmt.Errorf("field is required")
	}
	switch p.ChangeType {
	case ChangeTypeInsert, ChangeTypeUpdate, ChangeTypeDelete:
	default:
		return fmt.Errorf("change_type must be insert, update, or delete, got: %s", p.ChangeType)
	}
	if p.ChangeType != ChangeTypeDelete && p.NewValue == nil {
		return fmt.Errorf("%s change requires new_value", p.ChangeType)
	}
	return nil
}

// CommentAddPayload attaches a new comment to an element.
type CommentAddPayload struct {
	CommentID string `json:"comment_id,omitempty"`
	ElementID string `json:"element_id"`
	Text      string `json:"text"`
}

func (p CommentAddPayload) Validate() error {
	if !identifierPattern.MatchString(p.ElementID) {
		return fmt.Errorf("element_id is not a valid identifier")
	}
	if p.Text == "" {
		return fmt.Errorf("text is required")
	}
	return nil
}

// CommentReplyPayload replies to an existing comment thread.
type CommentReplyPayload struct {
	CommentID string `json:"comment_id,omitempty"`
	ParentID  string `json:"parent_id"`
	Text      string `json:"text"`
}

func (p CommentReplyPayload) Validate() error {
	if p.ParentID == "" {
		return fmt.Errorf("parent_id is required")
	}
	if p.Text == "" {
		return fmt.Errorf("text is required")
	}
	return nil
}

// UserStatusPayload announces a presence status change.
type UserStatusPayload struct {
	Status ParticipantStatus `json:"status"`
}

func (p UserStatusPayload) Validate() error {
	switch p.Status {
	case StatusActive, StatusIdle, StatusAway:
		return nil
	default:
		return fmt.Errorf("status must be active, idle, or away, got: %s", p.Status)
	}
}

// FileLockPayload requests or releases an advisory lock on an element.
type FileLockPayload struct {
	ElementID string `json:"element_id"`
}

func (p FileLockPayload) Validate() error {
	if !identifierPattern.MatchString(p.ElementID) {
		return fmt.Errorf("element_id is not a valid identifier")
	}
	return nil
}

// ConflictResolutionPayload selects the authoritative value for a pending conflict.
type ConflictResolutionPayload struct {
	ConflictID    string `json:"conflict_id"`
	SelectedValue any    `json:"selected_value"`
}

func (p ConflictResolutionPayload) Validate() error {
	if p.ConflictID == "" {
		return fmt.Errorf("conflict_id is required")
	}
	return nil
}

// HeartbeatPayload keeps intermediaries from idling out the connection.
// It carries no fields.
type HeartbeatPayload struct{}

func (p HeartbeatPayload) Validate() error { return nil }

// JoinSessionPayload is accepted in-band as a roster resync request.
type JoinSessionPayload struct{}

func (p JoinSessionPayload) Validate() error { return nil }

// LeaveSessionPayload announces a graceful leave before transport close.
type LeaveSessionPayload struct{}

func (p LeaveSessionPayload) Validate() error { return nil }

// DecodePayload parses the type-specific body of an envelope. Unknown or
// server-only types return an error.
func DecodePayload(t MessageType, data json.RawMessage) (Payload, error) {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	var payload Payload
	switch t {
	case MessageTypeCursorMove:
		payload = &CursorMovePayload{}
	case MessageTypeSelectionChange:
		payload = &SelectionChangePayload{}
	case MessageTypeContentChange:
		payload = &ContentChangePayload{}
	case MessageTypeCommentAdd:
		payload = &CommentAddPayload{}
	case MessageTypeCommentReply:
		payload = &CommentReplyPayload{}
	case MessageTypeUserStatus:
		payload = &UserStatusPayload{}
	case MessageTypeFileLock, MessageTypeFileUnlock:
		payload = &FileLockPayload{}
	case MessageTypeConflictResolution:
		payload = &ConflictResolutionPayload{}
	case MessageTypeHeartbeat:
		payload = &HeartbeatPayload{}
	case MessageTypeJoinSession:
		payload = &JoinSessionPayload{}
	case MessageTypeLeaveSession:
		payload = &LeaveSessionPayload{}
	default:
		return nil, fmt.Errorf("unsupported message type: %s", t)
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("failed to parse %s payload: %w", t, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

// ErrorData is the body of an error envelope sent back to a single client.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewServerEnvelope builds a server-originated envelope with a fresh message ID.
func NewServerEnvelope(t MessageType, sessionID, userID string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s data: %w", t, err)
	}
	return &Envelope{
		Type:      t,
		SessionID: sessionID,
		UserID:    userID,
		MessageID: newID(),
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}
