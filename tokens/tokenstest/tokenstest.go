// Package tokenstest mints throwaway JWTs for tests. The signatures are real
// (HS256 with a fixed key) but nothing on the client verifies them.
package tokenstest

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var signingKey = []byte("tokenstest-not-a-secret")

// Mint returns an access token expiring at exp for a fixed test user.
func Mint(tb testing.TB, exp time.Time) string {
	tb.Helper()
	return sign(tb, jwt.MapClaims{
		"sub":        "42",
		"user_id":    42,
		"token_type": "access",
		"iat":        time.Now().Unix(),
		"exp":        exp.Unix(),
		"jti":        uuid.NewString(),
	})
}

// MintValid returns a token good for an hour.
func MintValid(tb testing.TB) string {
	tb.Helper()
	return Mint(tb, time.Now().Add(time.Hour))
}

// MintWithoutExp returns a well-formed token that has no exp claim.
func MintWithoutExp(tb testing.TB) string {
	tb.Helper()
	return sign(tb, jwt.MapClaims{"sub": "42", "jti": uuid.NewString()})
}

func sign(tb testing.TB, claims jwt.MapClaims) string {
	tb.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		tb.Fatalf("sign test token: %v", err)
	}
	return s
}
