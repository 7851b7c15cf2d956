package stream

import "testing"

func TestParseUpdate(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want Update
		ok   bool
	}{
		{"named unread_count", Message{Event: "unread_count", Data: `{"unread":3}`}, Update{Kind: KindUnreadCount, Unread: 3}, true},
		{"named notification", Message{Event: "notification", Data: `{"id":12,"unread":4}`}, Update{Kind: KindNotification, Unread: 4, ID: 12}, true},
		{"unnamed with type", Message{Data: `{"type":"notification","id":1,"unread":2}`}, Update{Kind: KindNotification, Unread: 2, ID: 1}, true},
		{"unnamed without type", Message{Data: `{"unread":9}`}, Update{Kind: KindUnreadCount, Unread: 9}, true},
		{"generic message event", Message{Event: "message", Data: `{"unread":1}`}, Update{Kind: KindUnreadCount, Unread: 1}, true},
		{"numeric string", Message{Event: "unread_count", Data: `{"unread":"6"}`}, Update{Kind: KindUnreadCount, Unread: 6}, true},
		{"payload type wins over event name", Message{Event: "unread_count", Data: `{"type":"notification","unread":2}`}, Update{Kind: KindNotification, Unread: 2}, true},
		{"not json", Message{Data: `unread=3`}, Update{}, false},
		{"json array", Message{Data: `[1,2]`}, Update{}, false},
		{"json null", Message{Data: `null`}, Update{}, false},
		{"empty", Message{Event: "unread_count"}, Update{}, false},
		{"missing unread", Message{Event: "notification", Data: `{"id":3}`}, Update{}, false},
		{"non numeric unread", Message{Event: "unread_count", Data: `{"unread":"many"}`}, Update{}, false},
		{"unread beyond int range", Message{Event: "unread_count", Data: `{"unread":1e19}`}, Update{}, false},
		{"unread string beyond int range", Message{Event: "unread_count", Data: `{"unread":"1e19"}`}, Update{}, false},
		{"unread far below int range", Message{Event: "unread_count", Data: `{"unread":-1e300}`}, Update{}, false},
		{"large unread within range", Message{Event: "unread_count", Data: `{"unread":1e9}`}, Update{Kind: KindUnreadCount, Unread: 1e9}, true},
		{"id beyond int range is dropped", Message{Event: "notification", Data: `{"id":1e30,"unread":2}`}, Update{Kind: KindNotification, Unread: 2}, true},
		{"unknown type", Message{Data: `{"type":"ping","unread":1}`}, Update{}, false},
		{"unknown event name", Message{Event: "heartbeat", Data: `{"unread":1}`}, Update{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseUpdate(tc.msg)
			if ok != tc.ok || got != tc.want {
				t.Errorf("want %+v/%v, got %+v/%v", tc.want, tc.ok, got, ok)
			}
		})
	}
}
