package stream

import (
	"fmt"
	"testing"
	"time"
)

func kinds(actions []Action) string {
	return fmt.Sprint(actions)
}

func TestDelaySequence(t *testing.T) {
	want := []time.Duration{1000, 2000, 5000, 10000, 10000, 10000, 10000}
	for attempt, ms := range want {
		if got := Delay(attempt); got != ms*time.Millisecond {
			t.Errorf("Delay(%d): want %v, got %v", attempt, ms*time.Millisecond, got)
		}
	}
	if got := Delay(-1); got != time.Second {
		t.Errorf("Delay(-1): want 1s, got %v", got)
	}
}

func TestReconnectDelaysGrowThroughTheStateMachine(t *testing.T) {
	s, _ := Transition(State{}, Started)
	var delays []time.Duration
	for range 6 {
		s, _ = Transition(s, TokenValid)
		s, _ = Transition(s, TransportError)
		var actions []Action
		s, actions = Transition(s, RefreshFailed)
		if len(actions) != 1 || actions[0].Kind != ScheduleReconnect {
			t.Fatalf("want one ScheduleReconnect, got %v", actions)
		}
		delays = append(delays, actions[0].Delay)
		s, _ = Transition(s, ReconnectDue)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second}
	if fmt.Sprint(delays) != fmt.Sprint(want) {
		t.Errorf("want %v, got %v", want, delays)
	}
	if s.ReconnectAttempt != 6 {
		t.Errorf("want attempt 6, got %d", s.ReconnectAttempt)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	s, actions := Transition(State{}, Started)
	if s.Status != Connecting || !s.Active || kinds(actions) != "[connect]" {
		t.Fatalf("unexpected %+v %v", s, actions)
	}
	s2, actions := Transition(s, Started)
	if s2 != s || len(actions) != 0 {
		t.Errorf("second Start should do nothing, got %+v %v", s2, actions)
	}
}

func TestConnectOutcomes(t *testing.T) {
	s, _ := Transition(State{}, Started)

	if _, a := Transition(s, TokenValid); kinds(a) != "[dial]" {
		t.Errorf("TokenValid: want [dial], got %v", a)
	}

	exp, a := Transition(s, TokenExpiring)
	if kinds(a) != "[refresh]" || !exp.Refreshing {
		t.Errorf("TokenExpiring: want [refresh], got %v", a)
	}
	// The refresh lands before any dial.
	if _, a := Transition(exp, RefreshSucceeded); kinds(a) != "[cancel_reconnect dial]" {
		t.Errorf("RefreshSucceeded: want [cancel_reconnect dial], got %v", a)
	}

	missing, a := Transition(s, TokenMissing)
	if missing.Status != Closed || len(a) != 0 {
		t.Errorf("TokenMissing: want idle Closed, got %+v %v", missing, a)
	}
}

func TestFallbackStartsAtThirdErrorAndStopsOnOpen(t *testing.T) {
	s, _ := Transition(State{}, Started)
	s, _ = Transition(s, TokenValid)

	var starts int
	for i := 1; i <= 5; i++ {
		var a []Action
		s, a = Transition(s, TransportError)
		for _, x := range a {
			if x.Kind == StartFallback {
				starts++
				if i != ErrorThreshold {
					t.Errorf("fallback started at error %d", i)
				}
			}
		}
		if s.ConsecutiveErrors != i {
			t.Errorf("want %d errors, got %d", i, s.ConsecutiveErrors)
		}
		if i < ErrorThreshold && s.Status != Backoff {
			t.Errorf("error %d: want backoff, got %s", i, s.Status)
		}
		if i >= ErrorThreshold && (s.Status != FallbackPoll || !s.FallbackActive) {
			t.Errorf("error %d: want fallback_poll, got %s", i, s.Status)
		}
		s, _ = Transition(s, RefreshSucceeded)
	}
	if starts != 1 {
		t.Errorf("fallback should start exactly once, started %d times", starts)
	}

	s, a := Transition(s, Opened)
	if kinds(a) != "[stop_fallback]" {
		t.Errorf("Opened: want [stop_fallback], got %v", a)
	}
	if s.Status != Open || s.FallbackActive || s.ConsecutiveErrors != 0 || s.ReconnectAttempt != 0 {
		t.Errorf("Opened should reset counters, got %+v", s)
	}
}

func TestTransportErrorTearsDownThenRefreshes(t *testing.T) {
	s, _ := Transition(State{}, Started)
	s, _ = Transition(s, TokenValid)
	s, _ = Transition(s, Opened)
	s, a := Transition(s, TransportError)
	if kinds(a) != "[close refresh]" {
		t.Errorf("want [close refresh], got %v", a)
	}
	if !s.Refreshing {
		t.Error("want Refreshing")
	}
}

func TestPendingReconnectIsNotDuplicated(t *testing.T) {
	s, _ := Transition(State{}, Started)
	s, _ = Transition(s, TransportError)
	s, a := Transition(s, RefreshFailed)
	if len(a) != 1 {
		t.Fatalf("want one schedule, got %v", a)
	}
	s, _ = Transition(s, TransportError)
	s, a = Transition(s, RefreshFailed)
	if len(a) != 0 {
		t.Errorf("a timer is already armed, got %v", a)
	}
	if s.ReconnectAttempt != 1 {
		t.Errorf("attempt should not advance without a new timer, got %d", s.ReconnectAttempt)
	}
}

func TestTokenChanged(t *testing.T) {
	s, _ := Transition(State{}, Started)
	s, _ = Transition(s, TokenValid)
	s, _ = Transition(s, Opened)

	s2, a := Transition(s, TokenChanged)
	if kinds(a) != "[close cancel_reconnect connect]" || s2.Status != Connecting {
		t.Errorf("want reconnect with the new token, got %+v %v", s2, a)
	}

	refreshing, _ := Transition(s, TransportError)
	if _, a := Transition(refreshing, TokenChanged); len(a) != 0 {
		t.Errorf("a refresh in flight will reconnect by itself, got %v", a)
	}
}

func TestStopResetsEverything(t *testing.T) {
	s, _ := Transition(State{}, Started)
	for range 4 {
		s, _ = Transition(s, TransportError)
		s, _ = Transition(s, RefreshFailed)
		s, _ = Transition(s, ReconnectDue)
	}
	s, a := Transition(s, Stopped)
	if s != (State{}) {
		t.Errorf("want zero state, got %+v", s)
	}
	if kinds(a) != "[close cancel_reconnect stop_fallback]" {
		t.Errorf("want full teardown, got %v", a)
	}
}

func TestInactiveChannelIgnoresEvents(t *testing.T) {
	for _, ev := range []Event{Stopped, TokenValid, TransportError, RefreshSucceeded, RefreshFailed, ReconnectDue, TokenChanged} {
		s, a := Transition(State{}, ev)
		if s != (State{}) || len(a) != 0 {
			t.Errorf("%s: want no-op, got %+v %v", ev, s, a)
		}
	}
	if _, a := Transition(State{}, Opened); kinds(a) != "[close]" {
		t.Errorf("a connection that outlived Stop must be closed, got %v", a)
	}
}
