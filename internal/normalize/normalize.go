// Package normalize turns raw WhatsApp bridge payloads into bus.InboundMessage
// records. It isolates the router from upstream payload-shape variance: a
// payload either yields a complete message or an error, never a partial one.
package normalize

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/nextlevelbuilder/ussdgate/internal/bus"
)

var (
	// ErrMalformed is returned for payloads that are not valid JSON.
	ErrMalformed = errors.New("malformed payload")
	// ErrUnprocessable is returned when a required field is missing or mistyped.
	ErrUnprocessable = errors.New("unprocessable payload")
	// ErrNotChat is returned for payloads without a chat object (status updates, acks).
	ErrNotChat = errors.New("payload is not a chat message")
)

// IsPermanent reports whether err is a normalisation failure that can never
// succeed on redelivery.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnprocessable) || errors.Is(err, ErrNotChat)
}

// Parse extracts an InboundMessage from a raw bridge payload.
func Parse(raw []byte) (bus.InboundMessage, error) {
	if !gjson.ValidBytes(raw) {
		return bus.InboundMessage{}, ErrMalformed
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return bus.InboundMessage{}, fmt.Errorf("%w: top level is not an object", ErrMalformed)
	}

	var (
		msg bus.InboundMessage
		err error
	)
	if msg.ID, err = requireString(doc, "id"); err != nil {
		return bus.InboundMessage{}, err
	}
	if msg.Body, err = requireString(doc, "body"); err != nil {
		return bus.InboundMessage{}, err
	}
	if msg.IsForwarded, err = requireBool(doc, "isForwarded"); err != nil {
		return bus.InboundMessage{}, err
	}
	if msg.Author, err = requireString(doc, "sender.id._serialized"); err != nil {
		return bus.InboundMessage{}, err
	}
	if msg.Time, err = requireInt(doc, "t"); err != nil {
		return bus.InboundMessage{}, err
	}
	if msg.ChatID, err = requireString(doc, "chatId._serialized"); err != nil {
		return bus.InboundMessage{}, err
	}
	if msg.Type, err = requireString(doc, "type"); err != nil {
		return bus.InboundMessage{}, err
	}
	if msg.Caption, err = optionalString(doc, "caption"); err != nil {
		return bus.InboundMessage{}, err
	}
	if msg.QuotedMsgID, err = quotedID(doc); err != nil {
		return bus.InboundMessage{}, err
	}
	msg.SenderName = senderName(doc)

	if chat := doc.Get("chat"); !chat.Exists() || chat.Type == gjson.Null {
		return bus.InboundMessage{}, ErrNotChat
	}

	return msg, nil
}

func requireString(doc gjson.Result, path string) (string, error) {
	v := doc.Get(path)
	if !v.Exists() {
		return "", fmt.Errorf("%w: missing %s", ErrUnprocessable, path)
	}
	if v.Type != gjson.String {
		return "", fmt.Errorf("%w: %s is not a string", ErrUnprocessable, path)
	}
	return v.String(), nil
}

func requireInt(doc gjson.Result, path string) (int64, error) {
	v := doc.Get(path)
	if !v.Exists() {
		return 0, fmt.Errorf("%w: missing %s", ErrUnprocessable, path)
	}
	if v.Type != gjson.Number {
		return 0, fmt.Errorf("%w: %s is not a number", ErrUnprocessable, path)
	}
	return v.Int(), nil
}

// requireBool accepts true, false and null (as false); the key itself must exist.
func requireBool(doc gjson.Result, path string) (bool, error) {
	v := doc.Get(path)
	if !v.Exists() {
		return false, fmt.Errorf("%w: missing %s", ErrUnprocessable, path)
	}
	switch v.Type {
	case gjson.True, gjson.False, gjson.Null:
		return v.Bool(), nil
	default:
		return false, fmt.Errorf("%w: %s is not a bool", ErrUnprocessable, path)
	}
}

// optionalString requires the key but allows a null value.
func optionalString(doc gjson.Result, path string) (string, error) {
	v := doc.Get(path)
	if !v.Exists() {
		return "", fmt.Errorf("%w: missing %s", ErrUnprocessable, path)
	}
	switch v.Type {
	case gjson.Null:
		return "", nil
	case gjson.String:
		return v.String(), nil
	default:
		return "", fmt.Errorf("%w: %s is not a string", ErrUnprocessable, path)
	}
}

// quotedID reads quotedMsg, which bridges send as an id string, a numeric id,
// null, or the quoted message object itself.
func quotedID(doc gjson.Result) (string, error) {
	v := doc.Get("quotedMsg")
	if !v.Exists() {
		return "", fmt.Errorf("%w: missing quotedMsg", ErrUnprocessable)
	}
	switch v.Type {
	case gjson.Null:
		return "", nil
	case gjson.String:
		return v.String(), nil
	case gjson.Number:
		return v.Raw, nil
	case gjson.JSON:
		if id := v.Get("id"); id.Type == gjson.String {
			return id.String(), nil
		}
	}
	return "", fmt.Errorf("%w: quotedMsg has unexpected type", ErrUnprocessable)
}

// senderName falls back from the sender's push name to the contact's
// formatted name, then to "".
func senderName(doc gjson.Result) string {
	for _, path := range []string{"sender.name", "chat.contact.formattedName"} {
		if v := doc.Get(path); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
