// Package gatekeeper authorizes outbound API calls. Transport attaches the
// bearer token to every request and, when the API answers 401, renews the
// session through the refresh coordinator and re-issues the request once.
package gatekeeper

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/ggoodman/procurement-session-go/internal/logctx"
	"github.com/ggoodman/procurement-session-go/refresh"
	"github.com/ggoodman/procurement-session-go/tokens"
	"github.com/google/uuid"
)

const (
	// RetryHeader marks a request that has already been re-issued after a
	// refresh. A 401 on such a request is final.
	RetryHeader = "X-Auth-Retry"
	// RequestIDHeader correlates the first attempt and its retry in logs.
	RequestIDHeader = "X-Request-Id"
	// LoginRoute is where the navigator is sent when the session ends.
	LoginRoute = "/login"
)

// TokenReader exposes the current credential pair.
type TokenReader interface {
	Read() tokens.Session
}

// Refresher renews the access token. An empty token with a nil error means
// the session could not be renewed and has been cleared.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Navigator redirects the user, e.g. to the login route.
type Navigator interface {
	Navigate(route string)
}

// NavigatorFunc adapts a func to Navigator.
type NavigatorFunc func(route string)

func (f NavigatorFunc) Navigate(route string) { f(route) }

type nopNavigator struct{}

func (nopNavigator) Navigate(string) {}

// Transport is an http.RoundTripper that authorizes requests.
type Transport struct {
	base        http.RoundTripper
	tokens      TokenReader
	refresher   Refresher
	nav         Navigator
	refreshPath string
	log         *slog.Logger

	// navigatedFor is the refresh token whose failure already redirected
	// the user, so one lost session redirects once.
	navMu        sync.Mutex
	navigatedFor string
}

// Option configures a Transport.
type Option func(*Transport)

// WithNavigator sets the navigator used when the session cannot be renewed.
func WithNavigator(n Navigator) Option {
	return func(t *Transport) { t.nav = n }
}

// WithRefreshPath overrides the path that identifies the refresh endpoint.
// Requests to it are never recovered. Defaults to refresh.Path.
func WithRefreshPath(p string) Option {
	return func(t *Transport) { t.refreshPath = p }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// New wraps base. A nil base means http.DefaultTransport.
func New(base http.RoundTripper, tr TokenReader, r Refresher, opts ...Option) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &Transport{
		base:        base,
		tokens:      tr,
		refresher:   r,
		nav:         nopNavigator{},
		refreshPath: refresh.Path,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	getBody, err := replayable(req)
	if err != nil {
		return nil, err
	}

	reqID := req.Header.Get(RequestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	retried := req.Header.Get(RetryHeader) != ""
	ctx := logctx.WithRequestData(req.Context(), &logctx.RequestData{
		RequestID: reqID,
		Method:    req.Method,
		Path:      req.URL.Path,
		Retry:     retried,
	})

	sess := t.tokens.Read()
	first, err := t.prepare(req, getBody, sess.AccessToken, reqID, retried)
	if err != nil {
		return nil, err
	}
	res, err := t.base.RoundTrip(first)
	if err != nil || res.StatusCode != http.StatusUnauthorized {
		return res, err
	}

	if retried || t.isRefreshCall(req) {
		return res, nil
	}
	cur := t.tokens.Read()
	if !cur.HasRefresh() {
		t.log.DebugContext(ctx, "auth.unauthorized.no_refresh")
		return res, nil
	}

	// Someone else already renewed the token while this request was out.
	token := cur.AccessToken
	if token == "" || token == sess.AccessToken {
		token, err = t.refresher.Refresh(req.Context())
		if err != nil {
			t.log.DebugContext(ctx, "auth.refresh.abandoned", slog.String("err", err.Error()))
			return res, nil
		}
		if token == "" {
			t.sessionLost(ctx, cur.RefreshToken)
			return res, nil
		}
	}

	drain(res)
	retry, err := t.prepare(req, getBody, token, reqID, true)
	if err != nil {
		return nil, err
	}
	t.log.DebugContext(ctx, "auth.retry")
	return t.base.RoundTrip(retry)
}

func (t *Transport) prepare(req *http.Request, getBody func() (io.ReadCloser, error), access, reqID string, retry bool) (*http.Request, error) {
	out := req.Clone(req.Context())
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
		out.GetBody = getBody
	}
	if access != "" {
		out.Header.Set("Authorization", "Bearer "+access)
	} else {
		out.Header.Del("Authorization")
	}
	out.Header.Set(RequestIDHeader, reqID)
	if retry {
		out.Header.Set(RetryHeader, "1")
	}
	return out, nil
}

func (t *Transport) isRefreshCall(req *http.Request) bool {
	return strings.Contains(req.URL.Path, t.refreshPath)
}

func (t *Transport) sessionLost(ctx context.Context, refreshToken string) {
	t.navMu.Lock()
	first := t.navigatedFor != refreshToken
	t.navigatedFor = refreshToken
	t.navMu.Unlock()
	if !first {
		return
	}
	t.log.InfoContext(ctx, "auth.session.lost")
	t.nav.Navigate(LoginRoute)
}

// replayable returns a func producing fresh copies of the request body, or
// nil when there is no body. Bodies without GetBody are read into memory and
// the original is closed.
func replayable(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		_ = req.Body.Close()
		return req.GetBody, nil
	}
	buf, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, err
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}, nil
}

func drain(res *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	_ = res.Body.Close()
}
