package refresh

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/procurement-session-go/tokens"
	"golang.org/x/oauth2"
)

// ErrSessionEnded is returned by the token source once the session is gone.
var ErrSessionEnded = errors.New("refresh: session ended")

type tokenSource struct {
	ctx    context.Context
	co     *Coordinator
	leeway time.Duration
	now    func() time.Time
}

// TokenSource adapts the coordinator to oauth2.TokenSource so libraries that
// speak golang.org/x/oauth2 ride the same session. Tokens expiring within
// leeway are refreshed first, through the same single flight as everyone else.
func (co *Coordinator) TokenSource(ctx context.Context, leeway time.Duration) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, co: co, leeway: leeway, now: time.Now}
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	access := ts.co.store.Read().AccessToken
	if access == "" || tokens.IsExpiring(access, ts.leeway, ts.now()) {
		fresh, err := ts.co.Refresh(ts.ctx)
		if err != nil {
			return nil, err
		}
		if fresh == "" {
			return nil, ErrSessionEnded
		}
		access = fresh
	}

	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	if c, err := tokens.DecodeClaims(access); err == nil {
		tok.Expiry = c.ExpiresAt
	}
	return tok, nil
}
