// Package tokens owns the access/refresh credential pair. A Custodian persists
// the pair to a storage.Storage and serves copy-on-write snapshots to any
// number of concurrent readers, notifying subscribers whenever it changes.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/procurement-session-go/storage"
)

// SessionKey is the storage key holding the pair. Both tokens live in one
// value so every change is a single write that peers observe whole.
const SessionKey = "auth.session"

var (
	// ErrEmptyToken is returned when a setter is handed an empty credential.
	ErrEmptyToken = errors.New("tokens: empty token")
	// ErrSuperseded is returned by SetAccess when storage no longer holds the
	// refresh token the access token was minted from. The custodian adopts
	// the stored session instead.
	ErrSuperseded = errors.New("tokens: session changed in storage")
)

// storedSession is the persisted shape of the pair.
type storedSession struct {
	Access  string `json:"access,omitempty"`
	Refresh string `json:"refresh,omitempty"`
}

// Session is a snapshot of the credential pair. Empty strings mean absent.
type Session struct {
	AccessToken  string
	RefreshToken string
}

func (s Session) HasAccess() bool  { return s.AccessToken != "" }
func (s Session) HasRefresh() bool { return s.RefreshToken != "" }

// Custodian is the single authoritative cell for the session. Writes go to
// storage first and then replace the in-memory snapshot; the snapshot is
// authoritative for this process even if persisting failed, and the storage
// error is returned to the caller.
type Custodian struct {
	store   storage.Storage
	profile string
	log     *slog.Logger

	// wmu serialises writers so storage and snapshot change in the same order.
	wmu sync.Mutex

	mu  sync.RWMutex
	cur Session

	subsMu sync.Mutex
	subs   map[chan Session]struct{}
}

// Option configures a Custodian.
type Option func(*Custodian)

// WithProfile selects the storage profile the pair lives under.
func WithProfile(name string) Option {
	return func(c *Custodian) { c.profile = name }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Custodian) { c.log = l }
}

// Load builds a Custodian and reads the initial pair from store once.
func Load(ctx context.Context, store storage.Storage, opts ...Option) (*Custodian, error) {
	if store == nil {
		return nil, errors.New("tokens: storage is required")
	}
	c := &Custodian{
		store:   store,
		profile: storage.DefaultProfile,
		log:     slog.Default(),
		subs:    make(map[chan Session]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	s, err := c.readStore(ctx)
	if err != nil {
		return nil, err
	}
	c.cur = s
	c.log.InfoContext(ctx, "tokens.load.ok",
		slog.String("access", Describe(s.AccessToken, time.Now())),
		slog.Bool("refresh", s.HasRefresh()),
	)
	return c, nil
}

// Read returns the current snapshot.
func (c *Custodian) Read() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur
}

// AccessToken is shorthand for Read().AccessToken.
func (c *Custodian) AccessToken() string { return c.Read().AccessToken }

// RefreshToken is shorthand for Read().RefreshToken.
func (c *Custodian) RefreshToken() string { return c.Read().RefreshToken }

// SetAccess replaces the access token, keeping the refresh token. The write
// only lands if storage still holds the refresh token this custodian has; if a
// peer logged out or rotated the pair meanwhile, the stored session is adopted
// and ErrSuperseded is returned.
func (c *Custodian) SetAccess(ctx context.Context, access string) error {
	if access == "" {
		return ErrEmptyToken
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	next := c.Read()
	held := next.RefreshToken
	next.AccessToken = access

	var stored Session
	err := c.update(ctx, func(cur Session) (Session, error) {
		if cur.RefreshToken != held {
			stored = cur
			return cur, ErrSuperseded
		}
		return next, nil
	})
	switch {
	case errors.Is(err, ErrSuperseded):
		c.log.InfoContext(ctx, "tokens.access.superseded",
			slog.Bool("access", stored.HasAccess()),
			slog.Bool("refresh", stored.HasRefresh()),
		)
		c.swap(stored)
		return err
	case err != nil:
		err = fmt.Errorf("tokens: persist access: %w", err)
		c.log.WarnContext(ctx, "tokens.persist.fail", slog.String("err", err.Error()))
	}

	c.swap(next)
	return err
}

// SetTokens replaces both tokens, as after a login.
func (c *Custodian) SetTokens(ctx context.Context, access, refresh string) error {
	if access == "" || refresh == "" {
		return ErrEmptyToken
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	next := Session{AccessToken: access, RefreshToken: refresh}
	err := c.write(ctx, next)
	if err != nil {
		err = fmt.Errorf("tokens: persist pair: %w", err)
		c.log.WarnContext(ctx, "tokens.persist.fail", slog.String("err", err.Error()))
	}

	c.swap(next)
	return err
}

// Clear removes both tokens. The snapshot is swapped in one step, so no
// reader ever sees one token without the other. The local session ends even
// if storage could not be cleared.
func (c *Custodian) Clear(ctx context.Context) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	err := c.write(ctx, Session{})
	if err != nil {
		err = fmt.Errorf("tokens: clear storage: %w", err)
		c.log.WarnContext(ctx, "tokens.clear.fail", slog.String("err", err.Error()))
	}

	c.swap(Session{})
	return err
}

// Subscribe returns a channel that always holds the latest snapshot after a
// change. Slow readers skip intermediate values rather than block writers.
// Call the returned func to unsubscribe; it closes the channel.
func (c *Custodian) Subscribe() (<-chan Session, func()) {
	ch := make(chan Session, 1)
	c.subsMu.Lock()
	c.subs[ch] = struct{}{}
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, ch)
			c.subsMu.Unlock()
			close(ch)
		})
	}
}

// Watch reloads the snapshot whenever the backend reports an outside write,
// until ctx is done. It returns immediately with nil if the backend cannot
// watch.
func (c *Custodian) Watch(ctx context.Context) error {
	w, ok := c.store.(storage.Watcher)
	if !ok {
		return nil
	}
	changes, err := w.Watch(ctx)
	if err != nil {
		return fmt.Errorf("tokens: watch: %w", err)
	}
	go func() {
		for range changes {
			if err := c.Reload(ctx); err != nil && ctx.Err() == nil {
				c.log.WarnContext(ctx, "tokens.reload.fail", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}

// Reload re-reads the pair from storage and publishes it if it differs from
// the current snapshot.
func (c *Custodian) Reload(ctx context.Context) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	s, err := c.readStore(ctx)
	if err != nil {
		return err
	}
	if s == c.Read() {
		return nil
	}
	c.log.InfoContext(ctx, "tokens.reload.changed",
		slog.Bool("access", s.HasAccess()),
		slog.Bool("refresh", s.HasRefresh()),
	)
	c.swap(s)
	return nil
}

func (c *Custodian) opts() []storage.Option {
	return []storage.Option{storage.WithProfile(c.profile)}
}

func (c *Custodian) readStore(ctx context.Context) (Session, error) {
	item, err := c.store.Get(ctx, SessionKey, c.opts()...)
	if err != nil {
		return Session{}, fmt.Errorf("tokens: read session: %w", err)
	}
	if item == nil {
		return Session{}, nil
	}
	return decode(item.Data)
}

// write persists s as one value; the empty session deletes the key.
func (c *Custodian) write(ctx context.Context, s Session) error {
	if s == (Session{}) {
		return c.store.Delete(ctx, append(c.opts(), storage.WithKey(SessionKey))...)
	}
	b, err := encode(s)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, SessionKey, b, c.opts()...)
}

// update runs fn against the stored session and writes its result. Backends
// that implement storage.Updater make the cycle atomic across every process
// sharing the backend.
func (c *Custodian) update(ctx context.Context, fn func(Session) (Session, error)) error {
	u, ok := c.store.(storage.Updater)
	if !ok {
		cur, err := c.readStore(ctx)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		return c.write(ctx, next)
	}
	return u.Update(ctx, SessionKey, func(raw []byte) ([]byte, error) {
		var cur Session
		if raw != nil {
			var err error
			if cur, err = decode(raw); err != nil {
				return nil, err
			}
		}
		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		if next == (Session{}) {
			return nil, nil
		}
		return encode(next)
	}, c.opts()...)
}

func encode(s Session) ([]byte, error) {
	b, err := json.Marshal(storedSession{Access: s.AccessToken, Refresh: s.RefreshToken})
	if err != nil {
		return nil, fmt.Errorf("tokens: encode session: %w", err)
	}
	return b, nil
}

func decode(b []byte) (Session, error) {
	var ss storedSession
	if err := json.Unmarshal(b, &ss); err != nil {
		return Session{}, fmt.Errorf("tokens: decode session: %w", err)
	}
	return Session{AccessToken: ss.Access, RefreshToken: ss.Refresh}, nil
}

// swap must be called with wmu held.
func (c *Custodian) swap(next Session) {
	c.mu.Lock()
	c.cur = next
	c.mu.Unlock()

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- next:
		default:
		}
	}
}
