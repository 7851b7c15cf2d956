// Package poller fetches the unread count on a timer, slowing down after
// repeated failures and speeding back up after a success.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultInterval  = 300 * time.Millisecond
	DefaultBackoff   = 1000 * time.Millisecond
	DefaultThreshold = 3
)

// FetchFunc performs one poll.
type FetchFunc func(ctx context.Context) error

// Poller runs FetchFunc periodically. At most one fetch is outstanding at a
// time; ticks that arrive while one is running are dropped.
type Poller struct {
	fetch     FetchFunc
	base      time.Duration
	backoff   time.Duration
	threshold int
	log       *slog.Logger

	mu       sync.Mutex
	running  bool
	gen      uint64
	cancel   context.CancelFunc
	ticker   *time.Ticker
	interval time.Duration
	failures int
	inFlight bool
	polls    int64
	skipped  int64
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval sets the baseline interval.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.base = d }
}

// WithBackoff sets the interval used after Threshold consecutive failures.
func WithBackoff(d time.Duration) Option {
	return func(p *Poller) { p.backoff = d }
}

// WithThreshold sets the failure count that switches to the backoff interval.
func WithThreshold(n int) Option {
	return func(p *Poller) { p.threshold = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.log = l }
}

func New(fetch FetchFunc, opts ...Option) *Poller {
	p := &Poller{
		fetch:     fetch,
		base:      DefaultInterval,
		backoff:   DefaultBackoff,
		threshold: DefaultThreshold,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.interval = p.base
	return p
}

// Start polls immediately and then on every tick. It is a no-op while
// running.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.gen++
	p.failures = 0
	p.inFlight = false
	p.interval = p.base

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.ticker = time.NewTicker(p.interval)
	p.log.Debug("poller.start", slog.Duration("interval", p.interval))

	go p.loop(ctx, p.ticker, p.gen)
}

// Stop cancels the timer and any outstanding fetch and resets the counters.
// A fetch that completes after Stop is ignored.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.gen++
	p.cancel()
	p.ticker.Stop()
	p.cancel = nil
	p.ticker = nil
	p.failures = 0
	p.inFlight = false
	p.interval = p.base
	p.log.Debug("poller.stop")
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Interval reports the current tick interval.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Failures reports consecutive failed polls.
func (p *Poller) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// Stats reports how many polls ran and how many ticks were skipped since
// construction.
func (p *Poller) Stats() (polls, skipped int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls, p.skipped
}

func (p *Poller) loop(ctx context.Context, t *time.Ticker, gen uint64) {
	p.poll(ctx, gen)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.poll(ctx, gen)
		}
	}
}

func (p *Poller) poll(ctx context.Context, gen uint64) {
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return
	}
	if p.inFlight {
		p.skipped++
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	p.polls++
	p.mu.Unlock()

	go func() {
		err := p.fetch(ctx)
		p.settle(gen, err)
	}()
}

func (p *Poller) settle(gen uint64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		return
	}
	p.inFlight = false

	if err == nil {
		if p.failures == 0 && p.interval == p.base {
			return
		}
		p.failures = 0
		if p.interval != p.base {
			p.interval = p.base
			p.ticker.Reset(p.interval)
			p.log.Debug("poller.backoff.reset", slog.Duration("interval", p.interval))
		}
		return
	}

	p.failures++
	p.log.Debug("poller.fail", slog.Int("failures", p.failures), slog.String("err", err.Error()))
	if p.failures >= p.threshold && p.interval != p.backoff {
		p.interval = p.backoff
		p.ticker.Reset(p.interval)
		p.log.Debug("poller.backoff", slog.Duration("interval", p.interval))
	}
}
