package gatekeeper

import (
	"io"
	"net/http"
	"sync"
	"time"
)

// Middleware wraps a RoundTripper.
type Middleware func(http.RoundTripper) http.RoundTripper

// RoundTripperFunc adapts a func to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// Chain wraps base with mws. The first middleware is the outermost, so it
// sees the request first and the response last.
func Chain(base http.RoundTripper, mws ...Middleware) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	for i := len(mws) - 1; i >= 0; i-- {
		base = mws[i](base)
	}
	return base
}

// Authorize returns a Middleware installing a Transport.
func Authorize(tr TokenReader, r Refresher, opts ...Option) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return New(next, tr, r, opts...)
	}
}

// Notifier shows user-visible error notices. notices.Panel satisfies it.
type Notifier interface {
	Error(msg string, d ...time.Duration) string
}

// Messages shown for statuses the user should hear about.
const (
	TooManyRequestsMessage = "Too many requests. Please wait a moment and try again."
	TooLargeMessage        = "Upload is too large for the server limit."
)

// NoticeTransport raises a notice for rate-limited (429) and oversized (413)
// requests. The response is returned unchanged and never retried.
type NoticeTransport struct {
	Base     http.RoundTripper
	Notifier Notifier
}

// Notify returns a Middleware installing a NoticeTransport.
func Notify(n Notifier) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return &NoticeTransport{Base: next, Notifier: n}
	}
}

func (t *NoticeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := t.Base.RoundTrip(req)
	if err != nil {
		return res, err
	}
	switch res.StatusCode {
	case http.StatusTooManyRequests:
		t.Notifier.Error(TooManyRequestsMessage)
	case http.StatusRequestEntityTooLarge:
		t.Notifier.Error(TooLargeMessage)
	}
	return res, nil
}

// Loading counts requests in flight. A request stays in flight until its
// response body is closed or the round trip fails.
type Loading struct {
	mu    sync.Mutex
	count int
}

func (l *Loading) Start() {
	l.mu.Lock()
	l.count++
	l.mu.Unlock()
}

// Stop never takes the count below zero.
func (l *Loading) Stop() {
	l.mu.Lock()
	if l.count > 0 {
		l.count--
	}
	l.mu.Unlock()
}

func (l *Loading) Reset() {
	l.mu.Lock()
	l.count = 0
	l.mu.Unlock()
}

func (l *Loading) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func (l *Loading) IsLoading() bool { return l.Count() > 0 }

// LoadingTransport tracks requests on a Loading counter.
type LoadingTransport struct {
	Base    http.RoundTripper
	Loading *Loading
}

// Track returns a Middleware installing a LoadingTransport.
func Track(l *Loading) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return &LoadingTransport{Base: next, Loading: l}
	}
}

func (t *LoadingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.Loading.Start()
	res, err := t.Base.RoundTrip(req)
	if err != nil {
		t.Loading.Stop()
		return res, err
	}
	res.Body = &stopOnClose{ReadCloser: res.Body, stop: t.Loading.Stop}
	return res, nil
}

type stopOnClose struct {
	io.ReadCloser
	once sync.Once
	stop func()
}

func (b *stopOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.stop)
	return err
}
