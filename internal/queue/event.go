// Package queue defines message payloads exchanged over the message broker.
package queue

// MessageStoredQueue is the broker queue carrying stored-message events.
const MessageStoredQueue = "chat.message.stored"

// MessageStoredEvent is published after a chat message has been durably
// stored. It carries enough information for downstream consumers to
// log, notify, or feed analytics without querying the primary database.
// The message body itself is deliberately excluded: audit consumers get
// sizes and identifiers, not user content.
type MessageStoredEvent struct {
	MessageID    string `json:"message_id"`
	RoomID       string `json:"room_id"`
	SenderID     string `json:"sender_id"`
	SenderName   string `json:"sender_name"`
	MessageType  string `json:"message_type"`
	ContentBytes int    `json:"content_bytes"`
	ReplyTo      string `json:"reply_to,omitempty"`
	StoredAt     string `json:"stored_at"`
}
