package chat

import (
	"encoding/json"
	"time"

	"relaychat/internal/app/store"
	"relaychat/internal/app/user"
)

// FrameType identifies the kind of event carried by an Envelope.
type FrameType string

const (
	// inbound
	TypeJoin     FrameType = "join"
	TypeSend     FrameType = "send"
	TypeMarkRead FrameType = "markRead"

	// outbound
	TypeHistory          FrameType = "history"
	TypeRoster           FrameType = "roster"
	TypePresence         FrameType = "presence"
	TypeMessageDelivered FrameType = "messageDelivered"
	TypeMessageRead      FrameType = "messageRead"
)

// Envelope is the JSON frame exchanged over the websocket in both directions.
type Envelope struct {
	Type      FrameType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// JoinPayload binds a connection to a participant.
type JoinPayload struct {
	Identity string    `json:"identity" validate:"required"`
	Role     user.Role `json:"role" validate:"required"`
}

// SendPayload asks the broker to route a message. Sender defaults to the joined identity and
// SentAt to the server clock.
type SendPayload struct {
	Sender    string     `json:"sender,omitempty"`
	Recipient string     `json:"recipient" validate:"required"`
	Body      string     `json:"body" validate:"required"`
	SentAt    *time.Time `json:"sentAt,omitempty"`
}

// MarkReadPayload acknowledges a message.
type MarkReadPayload struct {
	MessageID int64      `json:"messageId" validate:"required,gt=0"`
	ReadAt    *time.Time `json:"readAt" validate:"required"`
}

type HistoryPayload struct {
	Messages []store.Message `json:"messages"`
}

type RosterPayload struct {
	Users []user.User `json:"users"`
}

type PresencePayload struct {
	Role   user.Role `json:"role"`
	Active []string  `json:"active"`
}

type MessageDeliveredPayload struct {
	Message store.Message `json:"message"`
}

type MessageReadPayload struct {
	MessageID int64     `json:"messageId"`
	ReadAt    time.Time `json:"readAt"`
}

// NewFrame marshals payload into an Envelope of type t stamped with at.
func NewFrame(t FrameType, payload any, at time.Time) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(Envelope{
		Type:      t,
		Payload:   raw,
		Timestamp: at.UnixMilli(),
	})
}
