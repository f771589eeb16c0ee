// Package sessions parses chat identities into store keys and subscriber ids.
//
// WhatsApp chat ids have the form {local}@{suffix}:
//
//	Direct chat: 254700000001@c.us
//	Group:       120363041234567890@g.us
//
// Session state is keyed by the local part only; the gateway subscriber
// (MSISDN) is the local part of a direct chat.
package sessions

import "strings"

// PeerKind distinguishes direct chats from groups and other channel types.
type PeerKind string

const (
	PeerDirect  PeerKind = "direct"
	PeerGroup   PeerKind = "group"
	PeerUnknown PeerKind = "unknown"
)

const (
	// DirectSuffix marks a one-to-one chat.
	DirectSuffix = "@c.us"
	// GroupSuffix marks a group chat.
	GroupSuffix = "@g.us"
)

// ChatKey returns the session store key for a chat id: everything before the
// first "@". Ids without "@" are returned unchanged.
func ChatKey(chatID string) string {
	local, _, _ := strings.Cut(chatID, "@")
	return local
}

// KindOf classifies a chat id by its channel-type suffix.
func KindOf(chatID string) PeerKind {
	switch {
	case strings.HasSuffix(chatID, DirectSuffix):
		return PeerDirect
	case strings.HasSuffix(chatID, GroupSuffix):
		return PeerGroup
	default:
		return PeerUnknown
	}
}

// Subscriber resolves the subscriber id for a direct chat ("12345@c.us" -> "12345").
// It returns false for groups and any chat id without the direct-chat suffix.
func Subscriber(chatID string) (string, bool) {
	if KindOf(chatID) != PeerDirect {
		return "", false
	}
	sub := strings.TrimSuffix(chatID, DirectSuffix)
	if sub == "" || strings.Contains(sub, "@") {
		return "", false
	}
	return sub, true
}
