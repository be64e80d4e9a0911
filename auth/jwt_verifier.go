// Package auth verifies the short-lived connection tokens the application
// server mints for collaboration clients.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/openequity/collab/collab"
	"github.com/openequity/collab/internal/slogging"
)

// Verification errors.
var (
	ErrInvalidToken  = errors.New("token is invalid or expired")
	ErrUserMismatch  = errors.New("token subject does not match claimed user")
	ErrMissingClaims = errors.New("token is missing required claims")
)

// ConnectionClaims is the claim set carried by a collaboration token. The
// application server mints these when handing a client its websocket URL.
type ConnectionClaims struct {
	DisplayName string   `json:"name,omitempty"`
	AvatarRef   string   `json:"avatar,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier implements collab.IdentityService over HS256 tokens signed
// with a shared key.
type JWTVerifier struct {
	signingKey []byte
	leeway     time.Duration
}

// NewJWTVerifier creates a verifier for tokens signed with key.
func NewJWTVerifier(signingKey []byte, leeway time.Duration) (*JWTVerifier, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("jwt signing key is required")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &JWTVerifier{signingKey: signingKey, leeway: leeway}, nil
}

// VerifyToken parses and validates the token and checks its subject against
// the user ID the client claimed on connect.
func (v *JWTVerifier) VerifyToken(ctx context.Context, tokenStr, claimedUserID string) (*collab.UserProfile, error) {
	logger := slogging.Get()

	claims := &ConnectionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.signingKey, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		logger.Debug("Token parse failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, ErrMissingClaims
	}
	if claims.Subject != claimedUserID {
		logger.Warn("Token subject mismatch: subject=%s claimed=%s", claims.Subject, claimedUserID)
		return nil, ErrUserMismatch
	}

	profile := &collab.UserProfile{
		UserID:      claims.Subject,
		DisplayName: claims.DisplayName,
		AvatarRef:   claims.AvatarRef,
		Permissions: append([]string(nil), claims.Permissions...),
	}
	if profile.DisplayName == "" {
		profile.DisplayName = profile.UserID
	}
	if len(profile.Permissions) == 0 {
		profile.Permissions = []string{collab.PermissionRead}
	}
	return profile, nil
}

// MintToken signs a connection token for userID. Primarily used by the
// application server and by tests.
func MintToken(signingKey []byte, userID, displayName string, permissions []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ConnectionClaims{
		DisplayName: displayName,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
