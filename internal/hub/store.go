package hub

import (
	"context"
	"time"

	"github.com/stagedoor/realtime/internal/model"
)

// ChatStore is the durable chat storage collaborator. Every method is
// a suspension point for the hub: calls happen outside the hub lock
// and a failure aborts the triggering event without mutating any
// in-memory index. Implementations must wrap ErrNotFound for missing
// rooms or messages; any other error is surfaced to the caller as
// StorageUnavailable. CreateRoom stores the room together with the
// creator's membership, atomically.
type ChatStore interface {
	CreateRoom(ctx context.Context, name, description, createdBy string, isPrivate bool) (model.Room, error)
	ListRoomsForUser(ctx context.Context, userID string) ([]model.Room, error)
	JoinRoom(ctx context.Context, roomID, userID string) error
	LeaveRoom(ctx context.Context, roomID, userID string) error
	ListMessages(ctx context.Context, roomID string, limit, offset int) ([]model.Message, error)
	InsertMessage(ctx context.Context, msg model.Message) error
	EditMessage(ctx context.Context, roomID, messageID, userID, content string) (model.Message, error)
	DeleteMessage(ctx context.Context, roomID, messageID, userID string) error
	AddReaction(ctx context.Context, roomID, messageID, userID, emoji string) error
	RemoveReaction(ctx context.Context, roomID, messageID, userID, emoji string) error
	MarkRead(ctx context.Context, roomID, userID, messageID string) error
}

// EphemeralStore is a TTL-capable key-value cache used to mirror
// typing state, presence status and room-membership snapshots for
// cross-instance visibility. It is best-effort and never
// authoritative: the hub logs and carries on when a call fails, and
// Get misses are treated as absence, not errors.
type EphemeralStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
}

// Conn is the abstract outbound channel the transport hands to the
// hub. A Session exclusively owns one Conn at a time; a fresh
// Authenticate for the same user supersedes (and closes) the old one.
// Send must not block indefinitely; a Send failure degrades delivery
// to the target's offline queue.
type Conn interface {
	Send(evt Outbound) error
	Close() error
}

// EventPublisher receives best-effort notifications after a message
// has been durably stored, for analytics and audit consumers. Failures
// must be swallowed by the implementation; the hub never checks them.
type EventPublisher interface {
	MessageStored(ctx context.Context, msg model.Message)
}
