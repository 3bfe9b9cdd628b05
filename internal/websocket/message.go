package websocket

type MessageType string

const (
	MessageTypeNotification MessageType = "notification"
	MessageTypeConnected    MessageType = "connected"
	MessageTypePing         MessageType = "ping"
	MessageTypePong         MessageType = "pong"
	MessageTypeError        MessageType = "error"
)

type IncomingMessage struct {
	Type MessageType `json:"type"`
}

type OutgoingMessage struct {
	Type    MessageType `json:"type"`
	OwnerID string      `json:"ownerId,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// NotificationMessage carries a server-side payload, such as a committed
// upload, to every connection of its owner.
type NotificationMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

type ownerMessage struct {
	ownerID string
	payload interface{}
}
