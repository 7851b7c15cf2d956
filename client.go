// Package session wires the token custodian, refresh coordinator,
// authorization gatekeeper and notification delivery into one Client that a
// procurement front end (or a headless agent) holds for its lifetime.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/procurement-session-go/gatekeeper"
	"github.com/ggoodman/procurement-session-go/internal/config"
	"github.com/ggoodman/procurement-session-go/internal/logctx"
	"github.com/ggoodman/procurement-session-go/notices"
	"github.com/ggoodman/procurement-session-go/notifications"
	"github.com/ggoodman/procurement-session-go/poller"
	"github.com/ggoodman/procurement-session-go/refresh"
	"github.com/ggoodman/procurement-session-go/storage"
	"github.com/ggoodman/procurement-session-go/storage/file"
	"github.com/ggoodman/procurement-session-go/storage/memory"
	redisstore "github.com/ggoodman/procurement-session-go/storage/redis"
	"github.com/ggoodman/procurement-session-go/stream"
	"github.com/ggoodman/procurement-session-go/tokens"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

// API paths, relative to the base URL.
const (
	LoginPath = "/auth/login/"
	MePath    = "/auth/me/"
)

// Routes the client navigates to.
const (
	HomeRoute  = "/"
	LoginRoute = gatekeeper.LoginRoute
)

// authRoutes are the pages a signed-out user may sit on.
var authRoutes = []string{"/login", "/register", "/activate", "/reset-password"}

// Mode selects how unread-count updates reach the client.
type Mode string

const (
	// ModeStream holds a server-sent event stream and falls back to a slow
	// poll while the stream keeps failing.
	ModeStream Mode = "stream"
	// ModePoll polls the unread count adaptively and never opens a stream.
	ModePoll Mode = "poll"
)

// Storage backends accepted in Config.Store.
const (
	StoreFile   = config.StoreFile
	StoreMemory = config.StoreMemory
	StoreRedis  = config.StoreRedis
)

// Config describes where the backend lives and how the session is kept.
type Config struct {
	// BaseURL is the API root. It is normalised to end in /api.
	BaseURL string

	// Store is one of StoreFile, StoreMemory or StoreRedis. Ignored when
	// WithStorage is given.
	Store       string
	TokenFile   string
	RedisAddr   string
	StorePrefix string
	Profile     string

	Mode Mode

	RefreshTimeout   time.Duration
	FallbackInterval time.Duration
}

// ConfigFromEnv reads Config from the environment.
func ConfigFromEnv() (Config, error) {
	env, err := config.FromEnv()
	if err != nil {
		return Config{}, err
	}
	return Config{
		BaseURL:          env.APIBase,
		Store:            env.TokenStore,
		TokenFile:        env.TokenFile,
		RedisAddr:        env.RedisAddr,
		StorePrefix:      env.StorePrefix,
		Profile:          env.Profile,
		Mode:             Mode(env.Delivery),
		RefreshTimeout:   env.RefreshTimeout,
		FallbackInterval: env.FallbackInterval,
	}, nil
}

// RouteReader reports the path the user is currently on.
type RouteReader interface {
	CurrentRoute() string
}

// RouteReaderFunc adapts a func to RouteReader.
type RouteReaderFunc func() string

func (f RouteReaderFunc) CurrentRoute() string { return f() }

// User is the signed-in account as the API reports it.
type User struct {
	ID        int      `json:"id"`
	Email     string   `json:"email"`
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	IsActive  bool     `json:"is_active"`
	Roles     []string `json:"roles"`
}

// HasRole reports whether the user holds role. Every user is an employee.
func (u *User) HasRole(role string) bool {
	if u == nil {
		return false
	}
	if role == "employee" {
		return true
	}
	return slices.Contains(u.Roles, role)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	User    *User  `json:"user,omitempty"`
}

// ErrNoTokens is returned by Login when the response lacks a token pair.
var ErrNoTokens = errors.New("session: login response carried no tokens")

type options struct {
	navigator gatekeeper.Navigator
	routes    RouteReader
	log       *slog.Logger
	store     storage.Storage
	base      http.RoundTripper
	now       func() time.Time
}

// Option configures a Client.
type Option func(*options)

// WithNavigator receives route changes: "/" after login, "/login" after
// logout or when the session cannot be recovered.
func WithNavigator(n gatekeeper.Navigator) Option {
	return func(o *options) { o.navigator = n }
}

// WithRouteReader lets the client skip redundant navigation and refresh the
// unread count when the user moves between pages.
func WithRouteReader(r RouteReader) Option {
	return func(o *options) { o.routes = r }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithStorage supplies the token storage. The caller keeps ownership and
// must close it.
func WithStorage(s storage.Storage) Option {
	return func(o *options) { o.store = s }
}

// WithBaseTransport sets the transport beneath every client the session
// builds. Defaults to http.DefaultTransport.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.base = rt }
}

// WithNow overrides the clock used for expiry checks.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Client is the session core. It is safe for concurrent use.
type Client struct {
	cfg       Config
	log       *slog.Logger
	now       func() time.Time
	navigator gatekeeper.Navigator
	routes    RouteReader

	store      storage.Storage
	ownsStore  bool
	tokens     *tokens.Custodian
	refresher  *refresh.Coordinator
	httpClient *http.Client
	loading    *gatekeeper.Loading
	panel      *notices.Panel
	unread     *notifications.Unread
	notes      *notifications.Client
	channel    *stream.Channel
	poller     *poller.Poller

	userMu sync.RWMutex
	user   *User

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	closed sync.Once
}

// New builds a Client and starts delivery if a session is already stored.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	o := options{
		navigator: gatekeeper.NavigatorFunc(func(string) {}),
		log:       slog.Default(),
		base:      http.DefaultTransport,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	cfg.BaseURL = config.NormalizeBase(cfg.BaseURL)
	if cfg.Mode == "" {
		cfg.Mode = ModeStream
	}
	if cfg.Mode != ModeStream && cfg.Mode != ModePoll {
		return nil, fmt.Errorf("session: unknown delivery mode %q", cfg.Mode)
	}
	if cfg.Profile == "" {
		cfg.Profile = storage.DefaultProfile
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 15 * time.Second
	}
	if cfg.FallbackInterval <= 0 {
		cfg.FallbackInterval = stream.DefaultFallbackInterval
	}

	c := &Client{
		cfg:       cfg,
		log:       o.log,
		now:       o.now,
		navigator: o.navigator,
		routes:    o.routes,
		store:     o.store,
		loading:   &gatekeeper.Loading{},
		done:      make(chan struct{}),
	}
	if c.store == nil {
		s, err := openStorage(ctx, cfg)
		if err != nil {
			return nil, err
		}
		c.store = s
		c.ownsStore = true
	}

	cust, err := tokens.Load(ctx, c.store, tokens.WithProfile(cfg.Profile), tokens.WithLogger(o.log))
	if err != nil {
		c.closeStore()
		return nil, fmt.Errorf("session: load tokens: %w", err)
	}
	c.tokens = cust

	raw := &http.Client{Transport: o.base}
	c.refresher = refresh.New(cfg.BaseURL, cust,
		refresh.WithHTTPClient(raw),
		refresh.WithTimeout(cfg.RefreshTimeout),
		refresh.WithLogger(o.log),
	)
	c.panel = notices.NewPanel(notices.WithLogger(o.log), notices.WithNow(o.now))
	c.httpClient = &http.Client{Transport: gatekeeper.Chain(o.base,
		gatekeeper.Track(c.loading),
		gatekeeper.Authorize(cust, c.refresher,
			gatekeeper.WithNavigator(gatekeeper.NavigatorFunc(c.navigate)),
			gatekeeper.WithLogger(o.log),
		),
		gatekeeper.Notify(c.panel),
	)}

	c.unread = notifications.NewUnread()
	c.notes = notifications.NewClient(cfg.BaseURL, c.httpClient, c.unread, notifications.WithLogger(o.log))
	fetch := func(ctx context.Context) error {
		_, err := c.notes.RefreshUnread(ctx)
		return err
	}
	switch cfg.Mode {
	case ModeStream:
		c.channel = stream.New(cfg.BaseURL, cust, c.refresher, c.unread, fetch,
			stream.WithHTTPClient(raw),
			stream.WithFallbackInterval(cfg.FallbackInterval),
			stream.WithNow(o.now),
			stream.WithLogger(o.log),
		)
	case ModePoll:
		c.poller = poller.New(fetch, poller.WithLogger(o.log))
	}

	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	sess := cust.Read()
	c.ctx = logctx.WithSessionData(c.ctx, &logctx.SessionData{
		Profile: cfg.Profile,
		Tokens: func() (bool, bool) {
			s := cust.Read()
			return s.HasAccess(), s.HasRefresh()
		},
	})
	if err := cust.Watch(c.ctx); err != nil {
		c.log.WarnContext(c.ctx, "session.watch.fail", slog.String("err", err.Error()))
	}

	sub, unsubscribe := cust.Subscribe()
	go c.supervise(sub, unsubscribe)

	c.log.InfoContext(c.ctx, "session.start",
		slog.String("base", cfg.BaseURL),
		slog.String("mode", string(cfg.Mode)),
		slog.String("access", tokens.Describe(sess.AccessToken, o.now())),
	)
	if sess.HasAccess() {
		if _, err := c.LoadMe(ctx); err != nil {
			c.log.DebugContext(c.ctx, "session.me.fail", slog.String("err", err.Error()))
		}
	}
	return c, nil
}

func openStorage(ctx context.Context, cfg Config) (storage.Storage, error) {
	switch cfg.Store {
	case StoreMemory:
		return memory.New(64)
	case StoreRedis:
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rc.Ping(ctx).Err(); err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("session: redis ping: %w", err)
		}
		return redisstore.New(redisstore.Config{Client: rc, KeyPrefix: cfg.StorePrefix})
	case StoreFile, "":
		path := cfg.TokenFile
		if path == "" {
			p, err := file.DefaultPath()
			if err != nil {
				return nil, fmt.Errorf("session: token file: %w", err)
			}
			path = p
		}
		return file.New(path)
	default:
		return nil, fmt.Errorf("session: unknown token store %q", cfg.Store)
	}
}

// supervise starts delivery while an access token is present and stops it
// when the session ends.
func (c *Client) supervise(sub <-chan tokens.Session, unsubscribe func()) {
	defer close(c.done)
	defer unsubscribe()

	c.reconcile()
	for {
		select {
		case <-c.ctx.Done():
			return
		case _, ok := <-sub:
			if !ok {
				return
			}
			c.reconcile()
		}
	}
}

// reconcile brings delivery in line with the current snapshot. The notified
// value may already be stale, so it reads the custodian itself.
func (c *Client) reconcile() {
	if c.tokens.Read().HasAccess() {
		c.log.DebugContext(c.ctx, "session.delivery.resume")
		if c.channel != nil {
			c.channel.Start()
		}
		if c.poller != nil {
			c.poller.Start()
		}
		return
	}
	c.log.DebugContext(c.ctx, "session.delivery.halt")
	if c.channel != nil {
		c.channel.Stop()
	}
	if c.poller != nil {
		c.poller.Stop()
	}
	c.unread.Clear()
	c.setUser(nil)
}

// navigate forwards to the navigator unless the user is already there.
func (c *Client) navigate(route string) {
	if c.routes != nil && c.routes.CurrentRoute() == route {
		return
	}
	c.navigator.Navigate(route)
}

// Login exchanges credentials for a token pair, stores it and navigates home.
func (c *Client) Login(ctx context.Context, email, password string) (*User, error) {
	body, err := json.Marshal(loginRequest{Email: email, Password: password})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+LoginPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var out loginResponse
	if err := gatekeeper.DecodeJSON(res, &out); err != nil {
		c.log.InfoContext(ctx, "session.login.fail", slog.String("err", err.Error()))
		return nil, err
	}
	if out.Access == "" || out.Refresh == "" {
		return nil, ErrNoTokens
	}
	if err := c.tokens.SetTokens(ctx, out.Access, out.Refresh); err != nil {
		c.log.WarnContext(ctx, "session.login.persist.fail", slog.String("err", err.Error()))
	}
	if out.User != nil {
		c.setUser(out.User)
	}
	c.log.InfoContext(ctx, "session.login.ok", slog.Bool("user", out.User != nil))
	c.navigate(HomeRoute)
	return out.User, nil
}

// Logout clears the session, forgets the user and navigates to the login
// page. The local session ends even if storage could not be cleared.
func (c *Client) Logout(ctx context.Context) error {
	err := c.tokens.Clear(ctx)
	c.setUser(nil)
	c.unread.Clear()
	c.log.InfoContext(ctx, "session.logout")
	c.navigate(LoginRoute)
	return err
}

// LoadMe fetches the signed-in user. On any failure the user is forgotten
// and the error returned.
func (c *Client) LoadMe(ctx context.Context) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+MePath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		c.setUser(nil)
		return nil, err
	}
	defer res.Body.Close()

	var u User
	if err := gatekeeper.DecodeJSON(res, &u); err != nil {
		c.setUser(nil)
		return nil, err
	}
	c.setUser(&u)
	return &u, nil
}

// RouteChanged tells the client the user moved to path. Outside the auth
// pages a signed-in user gets a fresh unread count.
func (c *Client) RouteChanged(ctx context.Context, path string) {
	if IsAuthRoute(path) || !c.IsAuthenticated() {
		return
	}
	if _, err := c.notes.RefreshUnread(ctx); err != nil {
		c.log.DebugContext(ctx, "session.unread.fail", slog.String("err", err.Error()))
	}
}

// IsAuthRoute reports whether path (query ignored) is one of the signed-out
// pages or below one.
func IsAuthRoute(path string) bool {
	path, _, _ = strings.Cut(path, "?")
	for _, prefix := range authRoutes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

func (c *Client) setUser(u *User) {
	c.userMu.Lock()
	c.user = u
	c.userMu.Unlock()
}

// User returns the last loaded user, or nil.
func (c *Client) User() *User {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	return c.user
}

func (c *Client) HasRole(role string) bool { return c.User().HasRole(role) }

// IsAuthenticated reports whether an access token is held. The token may be
// expired; the gatekeeper renews it on first use.
func (c *Client) IsAuthenticated() bool { return c.tokens.Read().HasAccess() }

// HTTPClient returns the client every API call should go through: it
// attaches the bearer token, renews it on 401, counts in-flight requests and
// raises notices for 429 and 413.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// TokenSource exposes the session to golang.org/x/oauth2 consumers.
func (c *Client) TokenSource(ctx context.Context) oauth2.TokenSource {
	return c.refresher.TokenSource(ctx, stream.DefaultExpiryWindow)
}

func (c *Client) Tokens() *tokens.Custodian            { return c.tokens }
func (c *Client) Unread() *notifications.Unread        { return c.unread }
func (c *Client) Notices() *notices.Panel              { return c.panel }
func (c *Client) Loading() *gatekeeper.Loading         { return c.loading }
func (c *Client) Notifications() *notifications.Client { return c.notes }
func (c *Client) Refresher() *refresh.Coordinator      { return c.refresher }
func (c *Client) Mode() Mode                           { return c.cfg.Mode }

// ChannelState reports the stream state. It is the zero State in ModePoll.
func (c *Client) ChannelState() stream.State {
	if c.channel == nil {
		return stream.State{}
	}
	return c.channel.Snapshot()
}

// PollerRunning reports whether the adaptive poller is active. It is always
// false in ModeStream.
func (c *Client) PollerRunning() bool {
	return c.poller != nil && c.poller.Running()
}

// Close stops delivery and releases storage the client opened.
func (c *Client) Close() error {
	var err error
	c.closed.Do(func() {
		c.cancel()
		<-c.done
		if c.channel != nil {
			c.channel.Close()
		}
		if c.poller != nil {
			c.poller.Stop()
		}
		c.panel.Close()
		err = c.closeStore()
	})
	return err
}

func (c *Client) closeStore() error {
	if !c.ownsStore {
		return nil
	}
	return c.store.Close()
}
