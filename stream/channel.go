// Package stream keeps a server-sent event connection open for unread
// notification updates. The connection logic is a pure state machine
// (Transition) driven by a single goroutine that owns every timer and
// connection, so Start and Stop may be called from anywhere, any number of
// times.
package stream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/procurement-session-go/internal/logctx"
	"github.com/ggoodman/procurement-session-go/notifications"
	"github.com/ggoodman/procurement-session-go/tokens"
)

// Path is the stream endpoint, relative to the API base URL.
const Path = "/notifications/stream/"

const (
	// DefaultExpiryWindow is how close to expiry an access token may be
	// before the channel refreshes it instead of connecting with it.
	DefaultExpiryWindow = 30 * time.Second
	// DefaultFallbackInterval is the period of the fallback unread poll.
	DefaultFallbackInterval = 60 * time.Second
)

var eventStreamMediaType = contenttype.NewMediaType("text/event-stream")

// Tokens is the slice of the token custodian the channel needs.
type Tokens interface {
	Read() tokens.Session
	Subscribe() (<-chan tokens.Session, func())
}

// Refresher renews the access token; "" means the session is gone.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// FetchFunc fetches the unread count, used by the fallback poll.
type FetchFunc func(ctx context.Context) error

type inputKind int

const (
	inControl inputKind = iota
	inConn
	inMessage
	inRefresh
	inTimer
)

type input struct {
	kind  inputKind
	ev    Event
	epoch uint64
	conn  uint64
	timer uint64
	msg   Message
}

// Channel is the realtime notification connection.
type Channel struct {
	endpoint      string
	client        *http.Client
	tokens        Tokens
	refresher     Refresher
	unread        *notifications.Unread
	fetch         FetchFunc
	window        time.Duration
	fallbackEvery time.Duration
	now           func() time.Time
	log           *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	inbox     chan input
	done      chan struct{}
	closeOnce sync.Once

	snapMu sync.RWMutex
	snap   State

	// Owned by the loop goroutine.
	state          State
	epoch          uint64
	connGen        uint64
	connCancel     context.CancelFunc
	lastToken      string
	timer          *time.Timer
	timerID        uint64
	fallbackCancel context.CancelFunc
}

// Option configures a Channel.
type Option func(*Channel)

// WithHTTPClient sets the client used to open the stream. It should not
// route through the gatekeeper; the stream authenticates with a query
// parameter and handles its own failures.
func WithHTTPClient(c *http.Client) Option {
	return func(ch *Channel) { ch.client = c }
}

// WithFallbackInterval sets the fallback poll period.
func WithFallbackInterval(d time.Duration) Option {
	return func(ch *Channel) { ch.fallbackEvery = d }
}

// WithExpiryWindow sets how early an expiring token is refreshed.
func WithExpiryWindow(d time.Duration) Option {
	return func(ch *Channel) { ch.window = d }
}

// WithNow overrides the clock used for token expiry checks.
func WithNow(now func() time.Time) Option {
	return func(ch *Channel) { ch.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(ch *Channel) { ch.log = l }
}

// New returns a stopped Channel and starts its event loop. Call Close to
// release it.
func New(baseURL string, tr Tokens, r Refresher, unread *notifications.Unread, fetch FetchFunc, opts ...Option) *Channel {
	ch := &Channel{
		endpoint:      strings.TrimRight(baseURL, "/") + Path,
		client:        &http.Client{},
		tokens:        tr,
		refresher:     r,
		unread:        unread,
		fetch:         fetch,
		window:        DefaultExpiryWindow,
		fallbackEvery: DefaultFallbackInterval,
		now:           time.Now,
		log:           slog.Default(),
		inbox:         make(chan input, 16),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ch)
	}
	ch.ctx, ch.cancel = context.WithCancel(context.Background())
	sub, unsubscribe := tr.Subscribe()
	go ch.loop(sub, unsubscribe)
	return ch
}

// Start activates the channel. It is a no-op while active.
func (ch *Channel) Start() { ch.send(input{kind: inControl, ev: Started}) }

// Stop closes the connection, cancels every timer, stops the fallback poll
// and resets the counters.
func (ch *Channel) Stop() { ch.send(input{kind: inControl, ev: Stopped}) }

// Snapshot returns the most recent state.
func (ch *Channel) Snapshot() State {
	ch.snapMu.RLock()
	defer ch.snapMu.RUnlock()
	return ch.snap
}

// Close stops the channel and ends its goroutine. It blocks until teardown
// is complete.
func (ch *Channel) Close() {
	ch.closeOnce.Do(ch.cancel)
	<-ch.done
}

func (ch *Channel) send(in input) {
	select {
	case ch.inbox <- in:
	case <-ch.done:
	}
}

func (ch *Channel) loop(sub <-chan tokens.Session, unsubscribe func()) {
	defer close(ch.done)
	defer unsubscribe()

	for {
		select {
		case <-ch.ctx.Done():
			ch.epoch++
			ch.apply(Stopped)
			return

		case in := <-ch.inbox:
			ch.handle(in)

		case s, ok := <-sub:
			if !ok {
				sub = nil
				continue
			}
			ch.onToken(s)
		}
	}
}

func (ch *Channel) handle(in input) {
	switch in.kind {
	case inControl:
		if in.ev == Stopped {
			ch.epoch++
		}
		ch.apply(in.ev)

	case inConn:
		if in.epoch != ch.epoch || in.conn != ch.connGen {
			return
		}
		ch.apply(in.ev)

	case inMessage:
		if in.epoch != ch.epoch || in.conn != ch.connGen {
			return
		}
		ch.deliver(in.msg)

	case inRefresh:
		if in.epoch != ch.epoch {
			return
		}
		ch.apply(in.ev)

	case inTimer:
		if in.timer != ch.timerID {
			return
		}
		ch.timer = nil
		ch.apply(ReconnectDue)
	}
}

func (ch *Channel) onToken(s tokens.Session) {
	if !ch.state.Active {
		return
	}
	if s.AccessToken == "" {
		ch.epoch++
		ch.apply(Stopped)
		return
	}
	if s.AccessToken != ch.lastToken {
		ch.apply(TokenChanged)
	}
}

// apply runs ev through the state machine along with any events its
// actions answer with.
func (ch *Channel) apply(ev Event) {
	prev := ch.state
	queue := []Event{ev}
	for len(queue) > 0 {
		ev, queue = queue[0], queue[1:]
		next, actions := Transition(ch.state, ev)
		ch.state = next
		for _, a := range actions {
			if follow, ok := ch.run(a); ok {
				queue = append(queue, follow)
			}
		}
	}

	ch.snapMu.Lock()
	ch.snap = ch.state
	ch.snapMu.Unlock()

	if prev.Status != ch.state.Status || prev.FallbackActive != ch.state.FallbackActive {
		ctx := logctx.WithStreamData(ch.ctx, &logctx.StreamData{
			Status:  ch.state.Status.String(),
			Attempt: ch.state.ReconnectAttempt,
			Errors:  ch.state.ConsecutiveErrors,
		})
		ch.log.DebugContext(ctx, "stream.state",
			slog.String("from", prev.Status.String()),
			slog.String("event", ev.String()),
			slog.Bool("fallback", ch.state.FallbackActive),
		)
	}
}

func (ch *Channel) run(a Action) (Event, bool) {
	switch a.Kind {
	case Connect:
		tok := ch.tokens.Read().AccessToken
		switch {
		case tok == "":
			return TokenMissing, true
		case tokens.IsExpiring(tok, ch.window, ch.now()):
			return TokenExpiring, true
		}
		return TokenValid, true

	case Dial:
		tok := ch.tokens.Read().AccessToken
		if tok == "" {
			return TokenMissing, true
		}
		ch.dial(tok)

	case CloseConn:
		ch.closeConn()

	case Refresh:
		epoch := ch.epoch
		go func() {
			tok, err := ch.refresher.Refresh(ch.ctx)
			ev := RefreshSucceeded
			if err != nil || tok == "" {
				ev = RefreshFailed
			}
			ch.send(input{kind: inRefresh, ev: ev, epoch: epoch})
		}()

	case ScheduleReconnect:
		ch.stopTimer()
		id := ch.timerID
		ch.timer = time.AfterFunc(a.Delay, func() {
			ch.send(input{kind: inTimer, timer: id})
		})

	case CancelReconnect:
		ch.stopTimer()

	case StartFallback:
		if ch.fallbackCancel != nil {
			break
		}
		ctx, cancel := context.WithCancel(ch.ctx)
		ch.fallbackCancel = cancel
		go ch.fallback(ctx)

	case StopFallback:
		if ch.fallbackCancel != nil {
			ch.fallbackCancel()
			ch.fallbackCancel = nil
		}
	}
	return 0, false
}

func (ch *Channel) stopTimer() {
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}
	// Invalidate a timer that fired before Stop could catch it.
	ch.timerID++
}

func (ch *Channel) closeConn() {
	if ch.connCancel != nil {
		ch.connCancel()
		ch.connCancel = nil
	}
}

func (ch *Channel) dial(tok string) {
	ch.closeConn()
	ch.connGen++
	ctx, cancel := context.WithCancel(ch.ctx)
	ch.connCancel = cancel
	ch.lastToken = tok
	go ch.consume(ctx, ch.epoch, ch.connGen, tok)
}

// consume opens one connection and feeds its lifecycle back to the loop.
func (ch *Channel) consume(ctx context.Context, epoch, gen uint64, tok string) {
	report := func(ev Event) {
		if ctx.Err() != nil {
			return
		}
		ch.send(input{kind: inConn, ev: ev, epoch: epoch, conn: gen})
	}

	u := ch.endpoint + "?" + url.Values{"token": {tok}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		report(TransportError)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	res, err := ch.client.Do(req)
	if err != nil {
		ch.log.DebugContext(ctx, "stream.dial.fail", slog.String("err", redact(err.Error(), tok)))
		report(TransportError)
		return
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK || !isEventStream(res.Header) {
		ch.log.DebugContext(ctx, "stream.dial.rejected", slog.Int("status", res.StatusCode))
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
		report(TransportError)
		return
	}
	report(Opened)

	dec := NewDecoder(res.Body)
	for {
		m, err := dec.Next()
		if err != nil {
			report(TransportError)
			return
		}
		if ctx.Err() != nil {
			return
		}
		ch.send(input{kind: inMessage, epoch: epoch, conn: gen, msg: m})
	}
}

func (ch *Channel) deliver(m Message) {
	u, ok := ParseUpdate(m)
	if !ok {
		ch.log.DebugContext(ch.ctx, "stream.message.drop", slog.String("event", m.Event))
		return
	}
	ch.unread.Set(u.Unread)
	if u.Kind == KindNotification {
		ch.unread.NotifyIncoming()
	}
}

func (ch *Channel) fallback(ctx context.Context) {
	t := time.NewTicker(ch.fallbackEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fctx, cancel := context.WithTimeout(ctx, ch.fallbackEvery)
			err := ch.fetch(fctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				ch.log.DebugContext(ctx, "stream.fallback.fail", slog.String("err", err.Error()))
			}
		}
	}
}

func isEventStream(h http.Header) bool {
	mt, err := contenttype.GetMediaType(&http.Request{Header: h})
	return err == nil && mt.Type == eventStreamMediaType.Type && mt.Subtype == eventStreamMediaType.Subtype
}

// redact keeps the query credential out of logged transport errors, which
// quote the request URL.
func redact(s, tok string) string {
	if tok == "" {
		return s
	}
	return strings.ReplaceAll(s, url.QueryEscape(tok), "REDACTED")
}
