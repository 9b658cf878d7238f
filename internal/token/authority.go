// Package token issues and verifies the short-lived signed identity tokens
// clients present during the WebSocket handshake.
package token

import (
	stderrors "errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/nmxmxh/marketgate/pkg/errors"
)

const (
	// MinTTL and MaxTTL bound the validity window of issued tokens.
	MinTTL = 10 * time.Minute
	MaxTTL = 30 * time.Minute
)

// Claims are the verified contents of an identity token.
type Claims struct {
	SubjectID string
	Role      Role
	IssuedAt  time.Time
	ExpiresAt time.Time
	TokenID   string
}

// Authority signs and verifies identity tokens. Stateless aside from the clock.
type Authority struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

// NewAuthority creates a token authority signing with the given HMAC secret.
func NewAuthority(secret, issuer string) *Authority {
	return &Authority{
		secret: []byte(secret),
		issuer: issuer,
		clock:  time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (a *Authority) WithClock(clock func() time.Time) *Authority {
	a.clock = clock
	return a
}

// ClampTTL forces a requested TTL into the [MinTTL, MaxTTL] window.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl < MinTTL {
		return MinTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

// Generate issues a signed token for the subject with the given role. The TTL
// is clamped to the allowed window before signing.
func (a *Authority) Generate(subjectID string, role Role, ttl time.Duration) (string, error) {
	ttl = ClampTTL(ttl)
	now := a.clock()
	claims := jwt.MapClaims{
		"sub":  subjectID,
		"role": role.String(),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
		"jti":  uuid.NewString(),
		"iss":  a.issuer,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(a.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token")
	}
	return signed, nil
}

// Verify checks signature and expiry and extracts the claims. Failures map to
// ErrInvalidToken (bad signature), ErrTokenExpired (exp passed) or
// ErrMalformedToken (missing or unrecognized required claim).
func (a *Authority) Verify(tokenStr string) (*Claims, error) {
	mapClaims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenStr, mapClaims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.ErrInvalidToken
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.clock))
	if err != nil {
		switch {
		case stderrors.Is(err, jwt.ErrTokenExpired):
			return nil, errors.ErrTokenExpired
		case stderrors.Is(err, jwt.ErrTokenMalformed):
			return nil, errors.ErrMalformedToken
		default:
			return nil, errors.ErrInvalidToken
		}
	}
	if !tok.Valid {
		return nil, errors.ErrInvalidToken
	}

	sub, _ := mapClaims["sub"].(string)
	roleStr, _ := mapClaims["role"].(string)
	jti, _ := mapClaims["jti"].(string)
	if sub == "" || roleStr == "" || jti == "" {
		return nil, errors.ErrMalformedToken
	}
	role, err := ParseRole(roleStr)
	if err != nil {
		return nil, errors.ErrMalformedToken
	}

	return &Claims{
		SubjectID: sub,
		Role:      role,
		IssuedAt:  numericTime(mapClaims["iat"]),
		ExpiresAt: numericTime(mapClaims["exp"]),
		TokenID:   jti,
	}, nil
}

// numericTime converts a JWT numeric date claim to time.Time.
func numericTime(v interface{}) time.Time {
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0)
	case int64:
		return time.Unix(t, 0)
	}
	return time.Time{}
}
