package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openequity/collab/collab"
)

var testKey = []byte("test-signing-key-for-collab-tokens")

func TestVerifyTokenRoundTrip(t *testing.T) {
	verifier, err := NewJWTVerifier(testKey, 0)
	require.NoError(t, err)

	token, err := MintToken(testKey, "alice", "Alice Example",
		[]string{collab.PermissionRead, collab.PermissionWrite}, time.Minute)
	require.NoError(t, err)

	profile, err := verifier.VerifyToken(context.Background(), token, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", profile.UserID)
	assert.Equal(t, "Alice Example", profile.DisplayName)
	assert.True(t, profile.HasPermission(collab.PermissionWrite))
}

func TestVerifyTokenRejectsWrongKey(t *testing.T) {
	verifier, err := NewJWTVerifier(testKey, 0)
	require.NoError(t, err)

	token, err := MintToken([]byte("a-different-key"), "alice", "Alice", nil, time.Minute)
	require.NoError(t, err)

	_, err = verifier.VerifyToken(context.Background(), token, "alice")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	verifier, err := NewJWTVerifier(testKey, 0)
	require.NoError(t, err)

	token, err := MintToken(testKey, "alice", "Alice", nil, -time.Minute)
	require.NoError(t, err)

	_, err = verifier.VerifyToken(context.Background(), token, "alice")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyTokenLeewayToleratesRecentExpiry(t *testing.T) {
	verifier, err := NewJWTVerifier(testKey, time.Minute)
	require.NoError(t, err)

	token, err := MintToken(testKey, "alice", "Alice", nil, -10*time.Second)
	require.NoError(t, err)

	_, err = verifier.VerifyToken(context.Background(), token, "alice")
	assert.NoError(t, err)
}

func TestVerifyTokenRejectsSubjectMismatch(t *testing.T) {
	verifier, err := NewJWTVerifier(testKey, 0)
	require.NoError(t, err)

	token, err := MintToken(testKey, "alice", "Alice", nil, time.Minute)
	require.NoError(t, err)

	_, err = verifier.VerifyToken(context.Background(), token, "mallory")
	assert.ErrorIs(t, err, ErrUserMismatch)
}

func TestVerifyTokenDefaults(t *testing.T) {
	verifier, err := NewJWTVerifier(testKey, 0)
	require.NoError(t, err)

	// No display name or permissions in the claims.
	token, err := MintToken(testKey, "alice", "", nil, time.Minute)
	require.NoError(t, err)

	profile, err := verifier.VerifyToken(context.Background(), token, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", profile.DisplayName)
	assert.Equal(t, []string{collab.PermissionRead}, profile.Permissions)
}

func TestNewJWTVerifierRequiresKey(t *testing.T) {
	_, err := NewJWTVerifier(nil, 0)
	assert.Error(t, err)
}
