package model

import "time"

// Message represents a chat message row in the `messages` table. The
// same struct is used as the wire shape inside NewMessage broadcasts,
// so json tags are included here rather than on a separate DTO.
// SenderName is captured at send time; later display-name changes do
// not rewrite history. Content is validated non-empty and
// size-bounded by the hub before it ever reaches the store.
type Message struct {
	ID         string            `json:"id"`                  // messages.id
	RoomID     string            `json:"room_id"`             // messages.room_id
	SenderID   string            `json:"sender_id"`           // messages.sender_id
	SenderName string            `json:"sender_name"`         // messages.sender_name
	Type       string            `json:"type"`                // messages.type
	Content    string            `json:"content"`             // messages.content
	ReplyTo    string            `json:"reply_to,omitempty"`  // messages.reply_to (nullable)
	Metadata   map[string]string `json:"metadata,omitempty"`  // messages.metadata (JSON column)
	CreatedAt  time.Time         `json:"created_at"`          // messages.created_at
	EditedAt   *time.Time        `json:"edited_at,omitempty"` // messages.edited_at (nullable)
}

// Reaction models a row in the `reactions` table. A reaction is unique
// per (message, user, emoji); adding the same reaction twice is a
// database-level no-op.
type Reaction struct {
	MessageID string    `json:"message_id"` // reactions.message_id
	UserID    string    `json:"user_id"`    // reactions.user_id
	Emoji     string    `json:"emoji"`      // reactions.emoji
	CreatedAt time.Time `json:"created_at"` // reactions.created_at
}

// ReadReceipt models a row in the `read_receipts` table recording the
// last message a user has read in a room. MarkRead upserts this row.
type ReadReceipt struct {
	RoomID    string    `json:"room_id"`    // read_receipts.room_id
	UserID    string    `json:"user_id"`    // read_receipts.user_id
	MessageID string    `json:"message_id"` // read_receipts.message_id
	ReadAt    time.Time `json:"read_at"`    // read_receipts.read_at
}
