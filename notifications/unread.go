// Package notifications holds the shared unread count and the REST calls
// around the notifications inbox.
package notifications

import "sync"

// Unread is the process-wide unread notification count. It never goes below
// zero. Writers may race; the last write wins.
type Unread struct {
	mu       sync.Mutex
	n        int
	subs     map[chan int]struct{}
	incoming map[chan struct{}]struct{}
}

func NewUnread() *Unread {
	return &Unread{
		subs:     make(map[chan int]struct{}),
		incoming: make(map[chan struct{}]struct{}),
	}
}

// Set stores n, clamped at zero.
func (u *Unread) Set(n int) {
	if n < 0 {
		n = 0
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.n = n
	for ch := range u.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- n:
		default:
		}
	}
}

func (u *Unread) Clear() { u.Set(0) }

func (u *Unread) Value() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.n
}

// Subscribe returns a channel holding the latest count after each Set.
func (u *Unread) Subscribe() (<-chan int, func()) {
	ch := make(chan int, 1)
	u.mu.Lock()
	u.subs[ch] = struct{}{}
	u.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			u.mu.Lock()
			delete(u.subs, ch)
			u.mu.Unlock()
			close(ch)
		})
	}
}

// Incoming returns a channel signalled whenever a new notification arrives,
// for bell badges and toasts. Bursts coalesce into one signal.
func (u *Unread) Incoming() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	u.mu.Lock()
	u.incoming[ch] = struct{}{}
	u.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			u.mu.Lock()
			delete(u.incoming, ch)
			u.mu.Unlock()
			close(ch)
		})
	}
}

// NotifyIncoming raises the incoming signal.
func (u *Unread) NotifyIncoming() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for ch := range u.incoming {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
