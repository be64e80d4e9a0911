package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Identifiers are opaque but bounded: no whitespace, no control characters,
// and a length cap so hostile input cannot balloon the roster maps.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@-]{0,127}$`)

// Validation errors. Soft failures drop the message; ErrBadEnvelope on the
// first message of a connection closes it with a policy violation code.
var (
	ErrMessageTooLarge    = errors.New("message exceeds maximum size")
	ErrBadEnvelope        = errors.New("envelope missing mandatory fields")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrServerOnlyType     = errors.New("message type is server-only")
	ErrBadIdentifier      = errors.New("identifier failed format check")
	ErrBadPayload         = errors.New("payload failed shape check")
)

// DefaultMaxMessageBytes caps a single wire message at 64 KiB.
const DefaultMaxMessageBytes = 64 * 1024

// Validator parses raw bytes into an Envelope and rejects malformed,
// oversized, or unknown input. It never panics on hostile bytes and never
// closes the connection itself; callers decide that from the returned error.
type Validator struct {
	MaxMessageBytes int64
}

// NewValidator returns a validator with the given byte ceiling, or the
// default when zero.
func NewValidator(maxBytes int64) *Validator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	return &Validator{MaxMessageBytes: maxBytes}
}

// ValidateRaw checks size, envelope shape, identifier format, and the
// type-specific payload shape. On success the returned envelope has a
// server-assigned message ID and timestamp if the client omitted them.
func (v *Validator) ValidateRaw(raw []byte) (*Envelope, error) {
	if int64(len(raw)) > v.MaxMessageBytes {
		validationFailures.WithLabelValues("oversize").Inc()
		return nil, ErrMessageTooLarge
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		validationFailures.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	if env.Type == "" {
		validationFailures.WithLabelValues("missing_type").Inc()
		return nil, fmt.Errorf("%w: type is required", ErrBadEnvelope)
	}
	if !IsKnownMessageType(env.Type) {
		validationFailures.WithLabelValues("unknown_type").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, env.Type)
	}
	if !IsClientMessageType(env.Type) {
		validationFailures.WithLabelValues("server_only_type").Inc()
		return nil, fmt.Errorf("%w: %s", ErrServerOnlyType, env.Type)
	}

	if env.SessionID != "" && !identifierPattern.MatchString(env.SessionID) {
		validationFailures.WithLabelValues("bad_session_id").Inc()
		return nil, fmt.Errorf("%w: session_id", ErrBadIdentifier)
	}
	if env.UserID != "" && !identifierPattern.MatchString(env.UserID) {
		validationFailures.WithLabelValues("bad_user_id").Inc()
		return nil, fmt.Errorf("%w: user_id", ErrBadIdentifier)
	}

	if _, err := DecodePayload(env.Type, env.Data); err != nil {
		validationFailures.WithLabelValues("bad_payload").Inc()
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	if env.MessageID == "" {
		env.MessageID = newID()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	return &env, nil
}

// ValidIdentifier reports whether s passes the identifier format check.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

func newID() string {
	return uuid.New().String()
}
