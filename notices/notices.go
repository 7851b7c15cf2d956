// Package notices holds short-lived, user-visible messages such as "too many
// requests". Notices auto-dismiss after their duration; UIs render Items or
// follow Subscribe.
package notices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Variant picks how a notice is styled.
type Variant string

const (
	VariantInfo    Variant = "info"
	VariantSuccess Variant = "success"
	VariantError   Variant = "error"
)

// Default display durations per variant.
const (
	InfoDuration    = 3500 * time.Millisecond
	SuccessDuration = 2500 * time.Millisecond
	ErrorDuration   = 5000 * time.Millisecond
)

// SessionExpiredMessage replaces the API's token-not-valid details.
const SessionExpiredMessage = "Session expired. Please sign in again."

// Notice is one visible message.
type Notice struct {
	ID        string
	Message   string
	Variant   Variant
	CreatedAt time.Time
}

// BodyCarrier is implemented by errors that carry a decoded response body,
// such as gatekeeper.HTTPError.
type BodyCarrier interface {
	ResponseBody() any
}

// Panel is the ordered list of visible notices. The zero value is not usable;
// call NewPanel.
type Panel struct {
	log *slog.Logger
	now func() time.Time

	mu     sync.Mutex
	items  []Notice
	timers map[string]*time.Timer
	subs   map[chan []Notice]struct{}
	closed bool
}

// Option configures a Panel.
type Option func(*Panel)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Panel) { p.log = l }
}

// WithNow overrides the clock used for CreatedAt.
func WithNow(now func() time.Time) Option {
	return func(p *Panel) { p.now = now }
}

func NewPanel(opts ...Option) *Panel {
	p := &Panel{
		log:    slog.Default(),
		now:    time.Now,
		timers: make(map[string]*time.Timer),
		subs:   make(map[chan []Notice]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Panel) Info(msg string, d ...time.Duration) string {
	return p.Show(msg, VariantInfo, durationOr(d, InfoDuration))
}

func (p *Panel) Success(msg string, d ...time.Duration) string {
	return p.Show(msg, VariantSuccess, durationOr(d, SuccessDuration))
}

func (p *Panel) Error(msg string, d ...time.Duration) string {
	return p.Show(msg, VariantError, durationOr(d, ErrorDuration))
}

// ErrorFrom shows an error notice whose text is derived from err. An empty
// fallback defaults to "Request failed".
func (p *Panel) ErrorFrom(err error, fallback string, d ...time.Duration) string {
	if fallback == "" {
		fallback = "Request failed"
	}
	return p.Show(MessageFrom(err, fallback), VariantError, durationOr(d, ErrorDuration))
}

// Show appends a notice and returns its id. A positive duration schedules its
// dismissal.
func (p *Panel) Show(msg string, variant Variant, d time.Duration) string {
	if variant == "" {
		variant = VariantInfo
	}
	n := Notice{ID: uuid.NewString(), Message: msg, Variant: variant, CreatedAt: p.now()}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return n.ID
	}
	p.items = append(p.items, n)
	if d > 0 {
		p.timers[n.ID] = time.AfterFunc(d, func() { p.Dismiss(n.ID) })
	}
	p.publishLocked()
	p.mu.Unlock()

	p.log.DebugContext(context.Background(), "notices.show",
		slog.String("id", n.ID),
		slog.String("variant", string(variant)),
	)
	return n.ID
}

// Dismiss removes the notice with the given id. Unknown ids are ignored.
func (p *Panel) Dismiss(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[id]; ok {
		t.Stop()
		delete(p.timers, id)
	}
	for i, n := range p.items {
		if n.ID == id {
			p.items = append(p.items[:i:i], p.items[i+1:]...)
			p.publishLocked()
			return
		}
	}
}

// Items returns a copy of the visible notices, oldest first.
func (p *Panel) Items() []Notice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Notice(nil), p.items...)
}

// Subscribe returns a channel holding the latest list after each change.
func (p *Panel) Subscribe() (<-chan []Notice, func()) {
	ch := make(chan []Notice, 1)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, ch)
			p.mu.Unlock()
			close(ch)
		})
	}
}

// Close stops pending dismissal timers. Later Show calls are ignored.
func (p *Panel) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
}

func (p *Panel) publishLocked() {
	snap := append([]Notice(nil), p.items...)
	for ch := range p.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func durationOr(d []time.Duration, def time.Duration) time.Duration {
	if len(d) > 0 {
		return d[0]
	}
	return def
}

// MessageFrom turns err into text suitable for a notice. Errors carrying an
// API body are resolved from it: a plain string body; a "detail" string; a
// "detail" list; or field errors rendered as "field: value" pairs.
func MessageFrom(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	var bc BodyCarrier
	if errors.As(err, &bc) {
		if msg := messageFromBody(bc.ResponseBody()); msg != "" {
			return msg
		}
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fallback
}

func messageFromBody(body any) string {
	switch b := body.(type) {
	case string:
		return b
	case map[string]any:
		switch detail := b["detail"].(type) {
		case string:
			lowered := strings.ToLower(detail)
			if strings.Contains(lowered, "token not valid") || strings.Contains(lowered, "not valid for any token type") {
				return SessionExpiredMessage
			}
			return detail
		case []any:
			return joinValues(detail)
		}

		keys := make([]string, 0, len(b))
		for k := range b {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var fields []string
		for _, k := range keys {
			switch v := b[k].(type) {
			case nil:
			case []any:
				fields = append(fields, k+": "+joinValues(v))
			case map[string]any:
				raw, _ := json.Marshal(v)
				fields = append(fields, k+": "+string(raw))
			default:
				fields = append(fields, fmt.Sprintf("%s: %v", k, v))
			}
		}
		return strings.Join(fields, " | ")
	}
	return ""
}

func joinValues(vs []any) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ", ")
}
