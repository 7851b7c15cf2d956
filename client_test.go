package session_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	session "github.com/ggoodman/procurement-session-go"
	"github.com/ggoodman/procurement-session-go/gatekeeper"
	"github.com/ggoodman/procurement-session-go/internal/logctx"
	"github.com/ggoodman/procurement-session-go/storage/memory"
	"github.com/ggoodman/procurement-session-go/stream"
	"github.com/ggoodman/procurement-session-go/tokens"
	"github.com/ggoodman/procurement-session-go/tokens/tokenstest"
)

// backend is a small stand-in for the procurement API. Access tokens are
// valid only once the backend has issued them.
type backend struct {
	*httptest.Server

	mu    sync.Mutex
	valid map[string]bool

	refreshCalls atomic.Int64
	unreadCalls  atomic.Int64
	streamCalls  atomic.Int64
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{valid: make(map[string]bool)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login/", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Email, Password string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Password != "secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "No active account found with the given credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access":  b.issue(t),
			"refresh": "r1",
			"user":    map[string]any{"id": 42, "email": body.Email, "is_active": true, "roles": []string{"approver"}},
		})
	})
	mux.HandleFunc("POST /api/auth/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		b.refreshCalls.Add(1)
		var body struct {
			Refresh string `json:"refresh"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Refresh != "r1" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token is invalid or expired"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"access": b.issue(t)})
	})
	mux.HandleFunc("GET /api/auth/me/", b.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": 42, "email": "ada@example.com", "is_active": true, "roles": []string{"admin"}})
	}))
	mux.HandleFunc("GET /api/notifications/unread-count/", b.authed(func(w http.ResponseWriter, r *http.Request) {
		b.unreadCalls.Add(1)
		writeJSON(w, http.StatusOK, map[string]int{"unread": 7})
	}))
	mux.HandleFunc("GET /api/boms/", b.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []any{})
	}))
	mux.HandleFunc("POST /api/attachments/", b.authed(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	mux.HandleFunc("GET /api/search/", b.authed(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	mux.HandleFunc("GET /api"+stream.Path, func(w http.ResponseWriter, r *http.Request) {
		b.streamCalls.Add(1)
		if !b.isValid(r.URL.Query().Get("token")) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, "event: unread_count\ndata: {\"unread\":2}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

func (b *backend) issue(t *testing.T) string {
	tok := tokenstest.MintValid(t)
	b.mu.Lock()
	b.valid[tok] = true
	b.mu.Unlock()
	return tok
}

func (b *backend) isValid(tok string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.valid[tok]
}

func (b *backend) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !b.isValid(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Given token not valid for any token type"})
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type navigator struct {
	mu     sync.Mutex
	routes []string
}

func (n *navigator) Navigate(route string) {
	n.mu.Lock()
	n.routes = append(n.routes, route)
	n.mu.Unlock()
}

func (n *navigator) Routes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.routes)
}

type harness struct {
	api *backend
	nav *navigator
	c   *session.Client
}

// newHarness builds a Client over memory storage. access/refresh, when set,
// are stored before the client starts.
func newHarness(t *testing.T, mode session.Mode, access, refreshToken string, opts ...session.Option) *harness {
	t.Helper()
	api := newBackend(t)
	nav := &navigator{}

	store, err := memory.New(16)
	if err != nil {
		t.Fatalf("memory.New() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if access != "" {
		seed, err := tokens.Load(t.Context(), store)
		if err != nil {
			t.Fatalf("tokens.Load() failed: %v", err)
		}
		if err := seed.SetTokens(t.Context(), access, refreshToken); err != nil {
			t.Fatalf("SetTokens() failed: %v", err)
		}
	}

	opts = append([]session.Option{
		session.WithStorage(store),
		session.WithNavigator(nav),
		session.WithBaseTransport(api.Client().Transport),
	}, opts...)
	c, err := session.New(t.Context(), session.Config{BaseURL: api.URL, Mode: mode}, opts...)
	if err != nil {
		t.Fatalf("session.New() failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return &harness{api: api, nav: nav, c: c}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoginStartsStream(t *testing.T) {
	h := newHarness(t, session.ModeStream, "", "")
	if h.c.IsAuthenticated() {
		t.Fatal("fresh client should not be authenticated")
	}

	u, err := h.c.Login(t.Context(), "ada@example.com", "secret")
	if err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	if u == nil || h.c.User() != u {
		t.Fatalf("want user from login response, got %+v", h.c.User())
	}
	if !h.c.HasRole("approver") || !h.c.HasRole("employee") || h.c.HasRole("admin") {
		t.Errorf("unexpected roles for %+v", u)
	}
	if want, got := "r1", h.c.Tokens().RefreshToken(); want != got {
		t.Errorf("want refresh token %q, got %q", want, got)
	}
	if want, got := []string{"/"}, h.nav.Routes(); !slices.Equal(want, got) {
		t.Errorf("want navigation %v, got %v", want, got)
	}

	waitFor(t, "open stream", func() bool { return h.c.ChannelState().Status == stream.Open })
	waitFor(t, "unread from stream", func() bool { return h.c.Unread().Value() == 2 })
	if h.c.PollerRunning() {
		t.Error("stream mode must not run the adaptive poller")
	}
}

func TestLoginRejected(t *testing.T) {
	h := newHarness(t, session.ModeStream, "", "")

	_, err := h.c.Login(t.Context(), "ada@example.com", "wrong")
	var httpErr *gatekeeper.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401 HTTPError, got %v", err)
	}
	if h.c.IsAuthenticated() || h.c.User() != nil {
		t.Error("failed login must not create a session")
	}
	if routes := h.nav.Routes(); len(routes) != 0 {
		t.Errorf("no navigation expected, got %v", routes)
	}
	if n := h.api.refreshCalls.Load(); n != 0 {
		t.Errorf("no refresh expected without a refresh token, got %d", n)
	}
}

func TestLogoutStopsDelivery(t *testing.T) {
	h := newHarness(t, session.ModeStream, "", "")
	if _, err := h.c.Login(t.Context(), "ada@example.com", "secret"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	waitFor(t, "open stream", func() bool { return h.c.ChannelState().Status == stream.Open })

	if err := h.c.Logout(t.Context()); err != nil {
		t.Fatalf("Logout() failed: %v", err)
	}
	if h.c.IsAuthenticated() || h.c.User() != nil {
		t.Error("logout must clear the session and user")
	}
	if want, got := []string{"/", "/login"}, h.nav.Routes(); !slices.Equal(want, got) {
		t.Errorf("want navigation %v, got %v", want, got)
	}
	waitFor(t, "stopped channel", func() bool { return h.c.ChannelState() == stream.State{} })
	waitFor(t, "cleared unread", func() bool { return h.c.Unread().Value() == 0 })
}

func TestPollModeNeverOpensStream(t *testing.T) {
	h := newHarness(t, session.ModePoll, "", "")
	if _, err := h.c.Login(t.Context(), "ada@example.com", "secret"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}

	waitFor(t, "unread from poll", func() bool { return h.c.Unread().Value() == 7 })
	if !h.c.PollerRunning() {
		t.Error("want poller running")
	}
	if s := h.c.ChannelState(); s != (stream.State{}) {
		t.Errorf("want no channel in poll mode, got %+v", s)
	}
	if n := h.api.streamCalls.Load(); n != 0 {
		t.Errorf("poll mode opened the stream %d times", n)
	}

	if err := h.c.Logout(t.Context()); err != nil {
		t.Fatalf("Logout() failed: %v", err)
	}
	waitFor(t, "stopped poller", func() bool { return !h.c.PollerRunning() })
}

func TestUnrecoverableSessionNavigatesOnce(t *testing.T) {
	expired := tokenstest.Mint(t, time.Now().Add(-time.Minute))
	h := newHarness(t, session.ModePoll, expired, "stale",
		session.WithRouteReader(session.RouteReaderFunc(func() string { return "/boms" })),
	)

	// The poller's first fetch and LoadMe race to the same dead session.
	waitFor(t, "cleared session", func() bool { return !h.c.IsAuthenticated() })
	waitFor(t, "login navigation", func() bool { return len(h.nav.Routes()) > 0 })

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, h.api.URL+"/api/boms/", nil)
	if err != nil {
		t.Fatalf("NewRequest() failed: %v", err)
	}
	res, err := h.c.HTTPClient().Do(req)
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	res.Body.Close()
	if want, got := http.StatusUnauthorized, res.StatusCode; want != got {
		t.Errorf("want status %d, got %d", want, got)
	}

	waitFor(t, "stopped poller", func() bool { return !h.c.PollerRunning() })
	if want, got := []string{"/login"}, h.nav.Routes(); !slices.Equal(want, got) {
		t.Errorf("want navigation %v, got %v", want, got)
	}
	if h.c.User() != nil {
		t.Error("user should be dropped with the session")
	}
}

func TestNavigationSkipsCurrentRoute(t *testing.T) {
	h := newHarness(t, session.ModeStream, "", "",
		session.WithRouteReader(session.RouteReaderFunc(func() string { return "/login" })),
	)
	if err := h.c.Logout(t.Context()); err != nil {
		t.Fatalf("Logout() failed: %v", err)
	}
	if routes := h.nav.Routes(); len(routes) != 0 {
		t.Errorf("already on /login, got navigation %v", routes)
	}
}

func TestExistingSessionLoadsUser(t *testing.T) {
	api := newBackend(t)
	access := api.issue(t)

	store, err := memory.New(16)
	if err != nil {
		t.Fatalf("memory.New() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	seed, err := tokens.Load(t.Context(), store)
	if err != nil {
		t.Fatalf("tokens.Load() failed: %v", err)
	}
	if err := seed.SetTokens(t.Context(), access, "r1"); err != nil {
		t.Fatalf("SetTokens() failed: %v", err)
	}

	c, err := session.New(t.Context(), session.Config{BaseURL: api.URL + "/api/"},
		session.WithStorage(store),
		session.WithBaseTransport(api.Client().Transport),
	)
	if err != nil {
		t.Fatalf("session.New() failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if u := c.User(); u == nil || !u.HasRole("admin") {
		t.Fatalf("want user loaded at startup, got %+v", u)
	}
	waitFor(t, "open stream", func() bool { return c.ChannelState().Status == stream.Open })

	tok, err := c.TokenSource(t.Context()).Token()
	if err != nil {
		t.Fatalf("Token() failed: %v", err)
	}
	if tok.AccessToken != access {
		t.Errorf("token source should hand out the stored access token")
	}
}

func TestHTTPClientRaisesNotices(t *testing.T) {
	h := newHarness(t, session.ModeStream, "", "")
	if _, err := h.c.Login(t.Context(), "ada@example.com", "secret"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}

	for _, tc := range []struct {
		method, path, want string
	}{
		{http.MethodGet, "/api/search/", gatekeeper.TooManyRequestsMessage},
		{http.MethodPost, "/api/attachments/", gatekeeper.TooLargeMessage},
	} {
		req, err := http.NewRequestWithContext(t.Context(), tc.method, h.api.URL+tc.path, nil)
		if err != nil {
			t.Fatalf("NewRequest() failed: %v", err)
		}
		res, err := h.c.HTTPClient().Do(req)
		if err != nil {
			t.Fatalf("Do() failed: %v", err)
		}
		res.Body.Close()

		found := false
		for _, n := range h.c.Notices().Items() {
			found = found || n.Message == tc.want
		}
		if !found {
			t.Errorf("%s %s: want notice %q", tc.method, tc.path, tc.want)
		}
	}
	if h.c.Loading().IsLoading() {
		t.Errorf("want no requests in flight, got %d", h.c.Loading().Count())
	}
}

func TestRouteChangedRefreshesUnread(t *testing.T) {
	h := newHarness(t, session.ModeStream, "", "")

	h.c.RouteChanged(t.Context(), "/boms")
	if n := h.api.unreadCalls.Load(); n != 0 {
		t.Errorf("signed out: want no unread fetch, got %d", n)
	}

	if _, err := h.c.Login(t.Context(), "ada@example.com", "secret"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	h.c.RouteChanged(t.Context(), "/login?next=/boms")
	if n := h.api.unreadCalls.Load(); n != 0 {
		t.Errorf("auth route: want no unread fetch, got %d", n)
	}
	h.c.RouteChanged(t.Context(), "/purchase-orders/12")
	if want, got := int64(1), h.api.unreadCalls.Load(); want != got {
		t.Errorf("want %d unread fetch, got %d", want, got)
	}
}

func TestIsAuthRoute(t *testing.T) {
	cases := map[string]bool{
		"/login":                 true,
		"/login?next=/":          true,
		"/reset-password/abc":    true,
		"/activate":              true,
		"/register":              true,
		"/":                      false,
		"/boms":                  false,
		"/login-help":            false,
		"/purchase-orders/login": false,
	}
	for path, want := range cases {
		if got := session.IsAuthRoute(path); got != want {
			t.Errorf("IsAuthRoute(%q): want %v, got %v", path, want, got)
		}
	}
}

func TestUnknownMode(t *testing.T) {
	if _, err := session.New(t.Context(), session.Config{Mode: "carrier-pigeon", Store: session.StoreMemory}); err == nil {
		t.Fatal("want error for unknown mode")
	}
}

// logBuffer collects log output written from several goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) has(parts ...string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, line := range strings.Split(b.buf.String(), "\n") {
		if containsAll(line, parts) {
			return true
		}
	}
	return false
}

func (b *logBuffer) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

func containsAll(s string, parts []string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}

func TestLogContextFollowsLoginAndLogout(t *testing.T) {
	var out logBuffer
	log := slog.New(logctx.Handler{Handler: slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug})})
	h := newHarness(t, session.ModePoll, "", "", session.WithLogger(log))

	waitFor(t, "logged-out start record", func() bool {
		return out.has("session.delivery.halt", "sess.access=false", "sess.refresh=false")
	})

	if _, err := h.c.Login(t.Context(), "ada@example.com", "secret"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	waitFor(t, "record carrying the new session", func() bool {
		return out.has("session.delivery.resume", "sess.access=true", "sess.refresh=true")
	})

	out.reset()
	if err := h.c.Logout(t.Context()); err != nil {
		t.Fatalf("Logout() failed: %v", err)
	}
	waitFor(t, "record after logout", func() bool {
		return out.has("session.delivery.halt", "sess.access=false", "sess.refresh=false")
	})
}
