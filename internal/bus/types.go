package bus

import "context"

// InboundMessage is a chat message received from a channel, normalised from
// the bridge payload (see internal/normalize).
type InboundMessage struct {
	Channel     string            `json:"channel"`
	ID          string            `json:"id"`
	Body        string            `json:"body"`
	IsForwarded bool              `json:"is_forwarded"`
	Author      string            `json:"author"`
	Time        int64             `json:"time"` // unix seconds
	ChatID      string            `json:"chat_id"`
	Type        string            `json:"type"`
	SenderName  string            `json:"sender_name"`
	Caption     string            `json:"caption,omitempty"`
	QuotedMsgID string            `json:"quoted_msg_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a reply to be published back to a channel.
// Its JSON form is the payload the WhatsApp bridge consumes from the queue.
type OutboundMessage struct {
	Channel  string            `json:"-"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"message"`
	Type     string            `json:"type"`
	Metadata map[string]string `json:"-"`
}

// MessageTypeChat is the only outbound message type the bridge understands.
const MessageTypeChat = "chat"

// MessageHandler handles an inbound message synchronously. A non-nil error
// means the message was not fully processed and may be redelivered.
type MessageHandler func(ctx context.Context, msg InboundMessage) error

// MessageRouter abstracts inbound/outbound message passing between channels
// without acknowledgements and the processor.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
