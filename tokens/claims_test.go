package tokens_test

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/procurement-session-go/tokens"
	"github.com/ggoodman/procurement-session-go/tokens/tokenstest"
)

func TestDecodeClaims(t *testing.T) {
	exp := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	c, err := tokens.DecodeClaims(tokenstest.Mint(t, exp))
	if err != nil {
		t.Fatalf("DecodeClaims() failed: %v", err)
	}
	if !c.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt: want %v, got %v", exp, c.ExpiresAt)
	}
	if want, got := "42", c.Subject; want != got {
		t.Errorf("Subject: want %q, got %q", want, got)
	}
	if want, got := "42", c.UserID; want != got {
		t.Errorf("UserID: want %q, got %q", want, got)
	}
}

func TestDecodeClaimsWithoutExp(t *testing.T) {
	_, err := tokens.DecodeClaims(tokenstest.MintWithoutExp(t))
	if !errors.Is(err, tokens.ErrNoExpiry) {
		t.Fatalf("want ErrNoExpiry, got %v", err)
	}
}

func TestIsExpiring(t *testing.T) {
	now := time.Now()
	window := 30 * time.Second

	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"exp":"soon"}`))
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

	cases := []struct {
		name  string
		token string
		want  bool
	}{
		{"valid for an hour", tokenstest.Mint(t, now.Add(time.Hour)), false},
		{"expires in ten seconds", tokenstest.Mint(t, now.Add(10*time.Second)), true},
		{"already expired", tokenstest.Mint(t, now.Add(-time.Minute)), true},
		{"exactly at the window edge", tokenstest.Mint(t, now.Add(window)), true},
		{"no exp claim", tokenstest.MintWithoutExp(t), true},
		{"not a jwt", "opaque-access-token", true},
		{"garbage payload", "aaa.%%%.bbb", true},
		{"non numeric exp", strings.Join([]string{header, payload, "sig"}, "."), true},
		{"empty", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tokens.IsExpiring(tc.token, window, now); got != tc.want {
				t.Errorf("IsExpiring() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDescribeNeverLeaksToken(t *testing.T) {
	tok := tokenstest.MintValid(t)
	desc := tokens.Describe(tok, time.Now())
	if strings.Contains(desc, tok) {
		t.Fatal("description contains the raw token")
	}
	if !strings.HasPrefix(desc, "present (exp ") {
		t.Errorf("unexpected description %q", desc)
	}
	if want, got := "none", tokens.Describe("", time.Now()); want != got {
		t.Errorf("want %q, got %q", want, got)
	}
	if want, got := "present (exp unknown)", tokens.Describe("opaque", time.Now()); want != got {
		t.Errorf("want %q, got %q", want, got)
	}
}
