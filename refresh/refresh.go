// Package refresh exchanges a refresh token for a new access token under a
// single-flight discipline. Refresh tokens are single-use on the API, so two
// concurrent exchanges would invalidate each other; every caller that arrives
// while an exchange is in flight shares its outcome instead of starting one.
package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ggoodman/procurement-session-go/tokens"
	"golang.org/x/sync/singleflight"
)

// Path is the refresh endpoint, relative to the API base URL.
const Path = "/auth/token/refresh/"

const flightKey = "refresh"

var (
	// ErrNoRefreshToken means there is nothing to exchange.
	ErrNoRefreshToken = errors.New("refresh: no refresh token")
	// ErrRejected means the API refused the refresh token.
	ErrRejected = errors.New("refresh: rejected")
)

// Store is the slice of the token custodian the coordinator needs.
type Store interface {
	Read() tokens.Session
	SetAccess(ctx context.Context, access string) error
	SetTokens(ctx context.Context, access, refresh string) error
	Clear(ctx context.Context) error
}

// Stats counts coordinator activity.
type Stats struct {
	Flights  int64 // network exchanges started
	Shared   int64 // callers whose result came from an exchange with other waiters
	Failures int64 // exchanges that ended the session
}

// Coordinator runs at most one refresh exchange at a time.
type Coordinator struct {
	endpoint string
	client   *http.Client
	store    Store
	timeout  time.Duration
	log      *slog.Logger

	group singleflight.Group

	flights  atomic.Int64
	shared   atomic.Int64
	failures atomic.Int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHTTPClient sets the client used for the exchange. It must not route
// through the authorization gatekeeper, or a 401 from the refresh endpoint
// would recurse back into the coordinator.
func WithHTTPClient(c *http.Client) Option {
	return func(co *Coordinator) { co.client = c }
}

// WithTimeout bounds a single exchange. Defaults to 15s.
func WithTimeout(d time.Duration) Option {
	return func(co *Coordinator) { co.timeout = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) { co.log = l }
}

// New returns a Coordinator posting to baseURL + Path.
func New(baseURL string, store Store, opts ...Option) *Coordinator {
	co := &Coordinator{
		endpoint: strings.TrimRight(baseURL, "/") + Path,
		client:   &http.Client{},
		store:    store,
		timeout:  15 * time.Second,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// Endpoint reports the absolute refresh URL.
func (co *Coordinator) Endpoint() string { return co.endpoint }

// Refresh returns a fresh access token, or "" when the session could not be
// renewed (no refresh token, or the exchange failed, in which case the
// session has already been cleared). The error is non-nil only when ctx ended
// before the shared exchange settled; the exchange itself keeps running for
// the other callers.
func (co *Coordinator) Refresh(ctx context.Context) (string, error) {
	ch := co.group.DoChan(flightKey, func() (any, error) {
		return co.exchange(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Shared {
			co.shared.Add(1)
		}
		tok, _ := res.Val.(string)
		return tok, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stats returns a snapshot of the counters.
func (co *Coordinator) Stats() Stats {
	return Stats{
		Flights:  co.flights.Load(),
		Shared:   co.shared.Load(),
		Failures: co.failures.Load(),
	}
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// exchange is the body of one flight. It never returns an error: failures
// resolve to "" after clearing the session, so every waiter sees one value.
func (co *Coordinator) exchange(ctx context.Context) (any, error) {
	refreshToken := co.store.Read().RefreshToken
	if refreshToken == "" {
		co.log.DebugContext(ctx, "refresh.skip", slog.String("reason", ErrNoRefreshToken.Error()))
		return "", nil
	}

	co.flights.Add(1)
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, co.timeout)
	defer cancel()

	resp, err := co.post(ctx, refreshToken)
	if err != nil {
		co.failures.Add(1)
		co.log.WarnContext(ctx, "refresh.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		if cerr := co.store.Clear(context.WithoutCancel(ctx)); cerr != nil {
			co.log.ErrorContext(ctx, "refresh.clear.fail", slog.String("err", cerr.Error()))
		}
		return "", nil
	}

	var perr error
	if resp.Refresh != "" && resp.Refresh != refreshToken {
		perr = co.store.SetTokens(ctx, resp.Access, resp.Refresh)
	} else {
		perr = co.store.SetAccess(ctx, resp.Access)
	}
	switch {
	case errors.Is(perr, tokens.ErrSuperseded):
		// A peer logged out or rotated the pair first; its session wins.
		access := co.store.Read().AccessToken
		co.log.InfoContext(ctx, "refresh.superseded", slog.Bool("access", access != ""))
		return access, nil
	case perr != nil:
		// The snapshot holds the new token; only durability was lost.
		co.log.WarnContext(ctx, "refresh.persist.fail", slog.String("err", perr.Error()))
	}
	co.log.InfoContext(ctx, "refresh.ok", slog.Duration("dur", time.Since(start)), slog.Bool("rotated", resp.Refresh != ""))
	return resp.Access, nil
}

func (co *Coordinator) post(ctx context.Context, refreshToken string) (*refreshResponse, error) {
	body, err := json.Marshal(refreshRequest{Refresh: refreshToken})
	if err != nil {
		return nil, fmt.Errorf("marshal refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, co.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := co.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
		return nil, fmt.Errorf("%w: status %d", ErrRejected, res.StatusCode)
	}

	var out refreshResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	if out.Access == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrRejected)
	}
	return &out, nil
}
