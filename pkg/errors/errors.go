package errors

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Authentication and token errors.
var (
	// ErrInvalidToken is returned when a token signature cannot be verified.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned when a token has expired.
	ErrTokenExpired = errors.New("token expired")
	// ErrMalformedToken is returned when a token is missing a required claim
	// or carries an unrecognized one.
	ErrMalformedToken = errors.New("malformed token")
	// ErrUnknownRole is returned when a role string is not a recognized tier.
	ErrUnknownRole = errors.New("unknown role")
)

// Connection and subscription errors.
var (
	// ErrQuotaExceeded is returned when a per-IP or per-subject connection quota is hit.
	ErrQuotaExceeded = errors.New("connection quota exceeded")
	// ErrPermissionDenied is returned when a role lacks access to a channel.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrRateLimited is returned while a client is inside a rate-limit block.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrSessionNotFound is returned when a connection id is not registered.
	ErrSessionNotFound = errors.New("session not found")
	// ErrConnectionClosed is returned when writing to a closed transport.
	ErrConnectionClosed = errors.New("connection closed")
)

// Message contract errors.
var (
	// ErrInvalidEnvelope is returned when a message is missing type, payload or timestamp.
	ErrInvalidEnvelope = errors.New("invalid message envelope")
	// ErrUnsupportedMessageType is returned for an unrecognized message type tag.
	ErrUnsupportedMessageType = errors.New("unsupported message type")
	// ErrInvalidPayload is returned when a payload fails its schema check.
	ErrInvalidPayload = errors.New("invalid payload")
)

// New creates a new error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// Wrap wraps an error with additional context. The original error stays in
// the chain, so sentinel checks with errors.Is still match.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// LogWithError logs the error with context and returns a wrapped error. Use this for standardized error logging across services.
func LogWithError(ctx context.Context, log *zap.Logger, msg string, err error, fields ...zap.Field) error {
	if log != nil {
		if ctx != nil {
			if reqID, ok := ctx.Value("request_id").(string); ok && reqID != "" {
				fields = append(fields, zap.String("request_id", reqID))
			}
		}
		log.Error(msg, append(fields, zap.Error(err))...)
	}
	return Wrap(err, msg)
}
