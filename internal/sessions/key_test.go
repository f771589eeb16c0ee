package sessions

import "testing"

func TestChatKey(t *testing.T) {
	tests := []struct {
		chatID string
		want   string
	}{
		{"12345@c.us", "12345"},
		{"120363041234567890@g.us", "120363041234567890"},
		{"plain", "plain"},
		{"", ""},
		{"a@b@c", "a"},
	}
	for _, tt := range tests {
		if got := ChatKey(tt.chatID); got != tt.want {
			t.Errorf("ChatKey(%q) = %q, want %q", tt.chatID, got, tt.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		chatID string
		want   PeerKind
	}{
		{"12345@c.us", PeerDirect},
		{"120363041234567890@g.us", PeerGroup},
		{"status@broadcast", PeerUnknown},
		{"12345", PeerUnknown},
	}
	for _, tt := range tests {
		if got := KindOf(tt.chatID); got != tt.want {
			t.Errorf("KindOf(%q) = %q, want %q", tt.chatID, got, tt.want)
		}
	}
}

func TestSubscriber(t *testing.T) {
	t.Run("direct chat", func(t *testing.T) {
		sub, ok := Subscriber("12345@c.us")
		if !ok || sub != "12345" {
			t.Errorf("Subscriber = (%q, %v), want (12345, true)", sub, ok)
		}
	})

	for _, chatID := range []string{"120363041234567890@g.us", "12345", "@c.us", "x@y@c.us", ""} {
		t.Run("rejects "+chatID, func(t *testing.T) {
			if sub, ok := Subscriber(chatID); ok {
				t.Errorf("Subscriber(%q) = %q, want no subscriber", chatID, sub)
			}
		})
	}
}
