package stream

import (
	"fmt"
	"time"
)

// Status is the connection state of the channel.
type Status int

const (
	Closed Status = iota
	Connecting
	Open
	Backoff
	// FallbackPoll is Backoff while the fallback poll is running.
	FallbackPoll
)

func (s Status) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Backoff:
		return "backoff"
	case FallbackPoll:
		return "fallback_poll"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ErrorThreshold is the number of consecutive transport errors that starts
// the fallback poll.
const ErrorThreshold = 3

// ReconnectDelays is indexed by reconnect attempt. Attempts past the end use
// the last entry.
var ReconnectDelays = [...]time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// Delay returns the reconnect delay for the given attempt.
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(ReconnectDelays) {
		attempt = len(ReconnectDelays) - 1
	}
	return ReconnectDelays[attempt]
}

// State is everything the channel knows about itself. The zero value is a
// stopped channel.
type State struct {
	Status            Status
	ReconnectAttempt  int
	ConsecutiveErrors int
	FallbackActive    bool

	// Active is true between Start and Stop.
	Active bool
	// Refreshing is true while a token refresh requested by the channel is
	// outstanding.
	Refreshing bool
	// ReconnectPending is true while a reconnect timer is armed.
	ReconnectPending bool
}

// Event is an input to the state machine.
type Event int

const (
	Started Event = iota
	Stopped
	// TokenValid, TokenExpiring and TokenMissing answer a Connect action.
	TokenValid
	TokenExpiring
	TokenMissing
	Opened
	TransportError
	RefreshSucceeded
	RefreshFailed
	ReconnectDue
	// TokenChanged means the stored access token differs from the one the
	// channel last connected with.
	TokenChanged
)

func (e Event) String() string {
	switch e {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case TokenValid:
		return "token_valid"
	case TokenExpiring:
		return "token_expiring"
	case TokenMissing:
		return "token_missing"
	case Opened:
		return "opened"
	case TransportError:
		return "transport_error"
	case RefreshSucceeded:
		return "refresh_succeeded"
	case RefreshFailed:
		return "refresh_failed"
	case ReconnectDue:
		return "reconnect_due"
	case TokenChanged:
		return "token_changed"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// ActionKind names a side effect requested by the state machine.
type ActionKind int

const (
	// Connect asks the runner to inspect the access token and answer with
	// TokenValid, TokenExpiring or TokenMissing.
	Connect ActionKind = iota
	Dial
	CloseConn
	Refresh
	ScheduleReconnect
	CancelReconnect
	StartFallback
	StopFallback
)

func (k ActionKind) String() string {
	switch k {
	case Connect:
		return "connect"
	case Dial:
		return "dial"
	case CloseConn:
		return "close"
	case Refresh:
		return "refresh"
	case ScheduleReconnect:
		return "schedule_reconnect"
	case CancelReconnect:
		return "cancel_reconnect"
	case StartFallback:
		return "start_fallback"
	case StopFallback:
		return "stop_fallback"
	}
	return fmt.Sprintf("action(%d)", int(k))
}

// Action is a side effect. Delay is set for ScheduleReconnect.
type Action struct {
	Kind  ActionKind
	Delay time.Duration
}

func (a Action) String() string {
	if a.Kind == ScheduleReconnect {
		return fmt.Sprintf("%s(%s)", a.Kind, a.Delay)
	}
	return a.Kind.String()
}

func act(kinds ...ActionKind) []Action {
	out := make([]Action, len(kinds))
	for i, k := range kinds {
		out[i] = Action{Kind: k}
	}
	return out
}

// Transition computes the next state and the side effects to run, in order.
// It performs no I/O.
func Transition(s State, ev Event) (State, []Action) {
	if ev == Started {
		if s.Active {
			return s, nil
		}
		return State{Active: true, Status: Connecting}, act(Connect)
	}
	if !s.Active {
		if ev == Opened {
			// A connection that outlived Stop.
			return s, act(CloseConn)
		}
		return s, nil
	}

	switch ev {
	case Stopped:
		return State{}, act(CloseConn, CancelReconnect, StopFallback)

	case TokenValid:
		s.Status = Connecting
		return s, act(Dial)

	case TokenExpiring:
		s.Status = Connecting
		if s.Refreshing {
			return s, nil
		}
		s.Refreshing = true
		return s, act(Refresh)

	case TokenMissing:
		s.Status = Closed
		return s, nil

	case Opened:
		s.Status = Open
		s.ConsecutiveErrors = 0
		s.ReconnectAttempt = 0
		if s.FallbackActive {
			s.FallbackActive = false
			return s, act(StopFallback)
		}
		return s, nil

	case TransportError:
		var out []Action
		s.ConsecutiveErrors++
		if s.ConsecutiveErrors >= ErrorThreshold && !s.FallbackActive {
			s.FallbackActive = true
			out = append(out, Action{Kind: StartFallback})
		}
		out = append(out, Action{Kind: CloseConn})
		s.Status = waiting(s)
		if !s.Refreshing {
			s.Refreshing = true
			out = append(out, Action{Kind: Refresh})
		}
		return s, out

	case RefreshSucceeded:
		s.Refreshing = false
		s.ReconnectPending = false
		s.Status = Connecting
		return s, act(CancelReconnect, Dial)

	case RefreshFailed:
		s.Refreshing = false
		s.Status = waiting(s)
		if s.ReconnectPending {
			return s, nil
		}
		d := Delay(s.ReconnectAttempt)
		s.ReconnectAttempt++
		s.ReconnectPending = true
		return s, []Action{{Kind: ScheduleReconnect, Delay: d}}

	case ReconnectDue:
		s.ReconnectPending = false
		s.Status = Connecting
		return s, act(Connect)

	case TokenChanged:
		if s.Refreshing {
			return s, nil
		}
		s.ReconnectPending = false
		s.Status = Connecting
		return s, act(CloseConn, CancelReconnect, Connect)
	}
	return s, nil
}

func waiting(s State) Status {
	if s.FallbackActive {
		return FallbackPoll
	}
	return Backoff
}
