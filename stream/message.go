package stream

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Payload kinds carried by the stream.
const (
	KindUnreadCount  = "unread_count"
	KindNotification = "notification"
)

// Update is a decoded stream payload.
type Update struct {
	Kind   string
	Unread int
	// ID is the notification id for KindNotification, when present.
	ID int64
}

// ParseUpdate interprets one event. Named unread_count and notification
// events take their kind from the event name unless the payload says
// otherwise; unnamed events rely on the payload's "type", or on a numeric
// "unread" alone. ok is false for anything malformed or unrecognised.
func ParseUpdate(m Message) (u Update, ok bool) {
	var fallback string
	switch m.Event {
	case "", "message":
	case KindUnreadCount, KindNotification:
		fallback = m.Event
	default:
		return Update{}, false
	}
	if strings.TrimSpace(m.Data) == "" {
		return Update{}, false
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(m.Data), &raw); err != nil || raw == nil {
		return Update{}, false
	}
	unread, hasUnread := number(raw["unread"])
	kind, _ := raw["type"].(string)
	if kind == "" {
		kind = fallback
	}
	if kind == "" && hasUnread {
		kind = KindUnreadCount
	}
	if !hasUnread || (kind != KindUnreadCount && kind != KindNotification) {
		return Update{}, false
	}

	u = Update{Kind: kind, Unread: int(unread)}
	if id, ok := number(raw["id"]); ok {
		u.ID = int64(id)
	}
	return u, true
}

func number(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		var err error
		f, err = strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	// Out of range float-to-int conversions are implementation defined.
	if f < math.MinInt || f >= math.MaxInt {
		return 0, false
	}
	return f, true
}
