package collab

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCursorMessage(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"type":       "cursor_move",
		"session_id": "session-1",
		"user_id":    "alice",
		"data":       map[string]any{"x": 10.5, "y": 20.0},
	})
	require.NoError(t, err)
	return raw
}

func TestValidateRawAcceptsWellFormedMessage(t *testing.T) {
	v := NewValidator(0)

	env, err := v.ValidateRaw(validCursorMessage(t))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeCursorMove, env.Type)
	assert.Equal(t, "session-1", env.SessionID)
	assert.Equal(t, "alice", env.UserID)
	// Missing message ID and timestamp are server-assigned.
	assert.NotEmpty(t, env.MessageID)
	assert.False(t, env.Timestamp.IsZero())
}

func TestValidateRawRejectsOversizedMessage(t *testing.T) {
	v := NewValidator(128)

	raw := append(validCursorMessage(t), bytes.Repeat([]byte(" "), 256)...)
	_, err := v.ValidateRaw(raw)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestValidateRawRejectsMalformedJSON(t *testing.T) {
	v := NewValidator(0)

	_, err := v.ValidateRaw([]byte("this is not json"))
	assert.ErrorIs(t, err, ErrBadEnvelope)
}

func TestValidateRawRejectsMissingType(t *testing.T) {
	v := NewValidator(0)

	_, err := v.ValidateRaw([]byte(`{"session_id":"s1","user_id":"alice"}`))
	assert.ErrorIs(t, err, ErrBadEnvelope)
}

func TestValidateRawRejectsUnknownType(t *testing.T) {
	v := NewValidator(0)

	_, err := v.ValidateRaw([]byte(`{"type":"definitely_not_a_thing"}`))
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestValidateRawRejectsServerOnlyType(t *testing.T) {
	v := NewValidator(0)

	for _, msgType := range []string{"participant_joined", "conflict_detected", "error"} {
		t.Run(msgType, func(t *testing.T) {
			raw, err := json.Marshal(map[string]any{"type": msgType})
			require.NoError(t, err)
			_, err = v.ValidateRaw(raw)
			assert.ErrorIs(t, err, ErrServerOnlyType)
		})
	}
}

func TestValidateRawRejectsBadIdentifiers(t *testing.T) {
	v := NewValidator(0)

	raw, err := json.Marshal(map[string]any{
		"type":       "heartbeat",
		"session_id": "has spaces in it",
	})
	require.NoError(t, err)
	_, err = v.ValidateRaw(raw)
	assert.ErrorIs(t, err, ErrBadIdentifier)
}

func TestValidateRawRejectsBadPayload(t *testing.T) {
	v := NewValidator(0)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"cursor missing y", map[string]any{
			"type": "cursor_move", "data": map[string]any{"x": 1.0},
		}},
		{"content change missing field", map[string]any{
			"type": "content_change", "data": map[string]any{
				"element_id": "e1", "new_value": 5, "change_type": "update",
			},
		}},
		{"content change bad change type", map[string]any{
			"type": "content_change", "data": map[string]any{
				"element_id": "e1", "field": "price", "new_value": 5, "change_type": "upsert",
			},
		}},
		{"comment without text", map[string]any{
			"type": "comment_add", "data": map[string]any{"element_id": "e1"},
		}},
		{"bad status", map[string]any{
			"type": "user_status", "data": map[string]any{"status": "napping"},
		}},
		{"resolution without conflict id", map[string]any{
			"type": "conflict_resolution", "data": map[string]any{"selected_value": 5},
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := json.Marshal(tc.body)
			require.NoError(t, err)
			_, err = v.ValidateRaw(raw)
			assert.ErrorIs(t, err, ErrBadPayload)
		})
	}
}

func TestValidateRawKeepsClientMessageID(t *testing.T) {
	v := NewValidator(0)

	raw, err := json.Marshal(map[string]any{
		"type":       "heartbeat",
		"message_id": "client-chosen-id",
	})
	require.NoError(t, err)

	env, err := v.ValidateRaw(raw)
	require.NoError(t, err)
	assert.Equal(t, "client-chosen-id", env.MessageID)
}

func TestValidIdentifier(t *testing.T) {
	assert.True(t, ValidIdentifier("session-1"))
	assert.True(t, ValidIdentifier("alice@example.com"))
	assert.True(t, ValidIdentifier("a"))
	assert.False(t, ValidIdentifier(""))
	assert.False(t, ValidIdentifier("-leading-dash"))
	assert.False(t, ValidIdentifier("has spaces"))
	assert.False(t, ValidIdentifier(string(bytes.Repeat([]byte("x"), 200))))
}

func TestDecodePayloadDeleteWithoutNewValue(t *testing.T) {
	payload, err := DecodePayload(MessageTypeContentChange, json.RawMessage(
		`{"element_id":"e1","field":"price","change_type":"delete"}`))
	require.NoError(t, err)
	p := payload.(*ContentChangePayload)
	assert.Equal(t, ChangeTypeDelete, p.ChangeType)
	assert.Nil(t, p.NewValue)
}
