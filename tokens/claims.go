package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoExpiry is returned by DecodeClaims when the token carries no exp claim.
var ErrNoExpiry = errors.New("tokens: access token has no exp claim")

// Claims is the subset of access token claims the client cares about. It is
// derived on demand and never stored.
type Claims struct {
	ExpiresAt time.Time
	IssuedAt  time.Time
	Subject   string
	// UserID mirrors the "user_id" claim issued by the API alongside sub.
	UserID string
}

// DecodeClaims reads the payload segment of a JWT without verifying its
// signature. The API verifies tokens; the client only needs to know when one
// is about to lapse.
func DecodeClaims(token string) (Claims, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Claims{}, fmt.Errorf("tokens: decode: %w", err)
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, errors.New("tokens: unexpected claims type")
	}

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return Claims{}, fmt.Errorf("tokens: exp: %w", err)
	}
	if exp == nil {
		return Claims{}, ErrNoExpiry
	}

	c := Claims{ExpiresAt: exp.Time}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	c.Subject, _ = mc.GetSubject()
	switch v := mc["user_id"].(type) {
	case string:
		c.UserID = v
	case float64:
		c.UserID = fmt.Sprintf("%.0f", v)
	}
	return c, nil
}

// IsExpiring reports whether token lapses within the given window of now.
// Tokens that cannot be decoded, or that carry no exp, count as expiring.
func IsExpiring(token string, within time.Duration, now time.Time) bool {
	c, err := DecodeClaims(token)
	if err != nil {
		return true
	}
	return !c.ExpiresAt.After(now.Add(within))
}

// Describe renders a token for logs without leaking it.
func Describe(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	c, err := DecodeClaims(token)
	if err != nil {
		return "present (exp unknown)"
	}
	remaining := c.ExpiresAt.Sub(now).Truncate(time.Second)
	if remaining < 0 {
		remaining = 0
	}
	return fmt.Sprintf("present (exp %s, %s remaining)", c.ExpiresAt.UTC().Format(time.RFC3339), remaining)
}
