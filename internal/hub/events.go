// Package hub implements the real-time presence and messaging core: the
// in-memory layer that sits between the websocket transport and the
// durable chat store. It tracks connected sessions, room occupancy,
// typing indicators, and per-user offline delivery queues, and it fans
// outbound events to the relevant connections.
package hub

import (
	"encoding/json"
	"time"

	"github.com/stagedoor/realtime/internal/model"
)

// Inbound event types. Each websocket frame decodes to an Event whose
// Type selects one of these and whose Payload carries the matching
// *Payload struct below.
const (
	EventAuthenticate   = "authenticate"
	EventJoinRoom       = "join_room"
	EventLeaveRoom      = "leave_room"
	EventSendMessage    = "send_message"
	EventEditMessage    = "edit_message"
	EventDeleteMessage  = "delete_message"
	EventMarkRead       = "mark_read"
	EventAddReaction    = "add_reaction"
	EventRemoveReaction = "remove_reaction"
	EventStartTyping    = "start_typing"
	EventStopTyping     = "stop_typing"
	EventUpdateStatus   = "update_status"
	EventGetHistory     = "get_history"
	EventGetOnlineUsers = "get_online_users"
	EventGetRooms       = "get_rooms"
	EventCreateRoom     = "create_room"
	EventDisconnect     = "disconnect"
)

// Outbound event types emitted by the hub to connections.
const (
	OutAuthenticated   = "authenticated"
	OutError           = "error"
	OutRoomJoined      = "room_joined"
	OutRoomLeft        = "room_left"
	OutUserJoinedRoom  = "user_joined_room"
	OutUserLeftRoom    = "user_left_room"
	OutNewMessage      = "new_message"
	OutMessageEdited   = "message_edited"
	OutMessageDeleted  = "message_deleted"
	OutMessagesRead    = "messages_read"
	OutReactionAdded   = "reaction_added"
	OutReactionRemoved = "reaction_removed"
	OutTypingChanged   = "typing_changed"
	OutStatusChanged   = "status_changed"
	OutUserOffline     = "user_offline"
	OutMessageHistory  = "message_history"
	OutOnlineUsers     = "online_users"
	OutRoomList        = "room_list"
	OutRoomCreated     = "room_created"
)

// Session status values. Invisible users appear as offline to their
// peers but keep full delivery semantics.
const (
	StatusOnline    = "online"
	StatusAway      = "away"
	StatusBusy      = "busy"
	StatusInvisible = "invisible"
	StatusOffline   = "offline"
)

// Event is the inbound discriminated union consumed by
// HandleConnectionEvent. Payload stays raw until the Type is known.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is a typed event emitted to one or many connections. The
// transport marshals it as a single JSON frame.
type Outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// ----- inbound payloads -----

type AuthenticatePayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

type JoinRoomPayload struct {
	RoomID string `json:"room_id"`
}

type LeaveRoomPayload struct {
	RoomID string `json:"room_id"`
}

type SendMessagePayload struct {
	RoomID      string            `json:"room_id"`
	Content     string            `json:"content"`
	MessageType string            `json:"message_type"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type EditMessagePayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type DeleteMessagePayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

type MarkReadPayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

type ReactionPayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type TypingPayload struct {
	RoomID string `json:"room_id"`
}

type UpdateStatusPayload struct {
	Status string `json:"status"`
}

type GetHistoryPayload struct {
	RoomID string `json:"room_id"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

type GetOnlineUsersPayload struct {
	RoomID string `json:"room_id"`
}

type CreateRoomPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPrivate   bool   `json:"is_private"`
}

// ----- outbound payloads -----

type AuthenticatedPayload struct {
	UserID string   `json:"user_id"`
	Rooms  []string `json:"rooms"`
}

type ErrorPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type RoomJoinedPayload struct {
	RoomID         string          `json:"room_id"`
	RecentMessages []model.Message `json:"recent_messages"`
}

type RoomLeftPayload struct {
	RoomID string `json:"room_id"`
}

type RoomEventPayload struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
}

type MessageDeletedPayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

type MessagesReadPayload struct {
	UserID    string `json:"user_id"`
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

type ReactionChangedPayload struct {
	UserID    string `json:"user_id"`
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type TypingChangedPayload struct {
	UserID   string `json:"user_id"`
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

type StatusChangedPayload struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

type MessageHistoryPayload struct {
	RoomID   string          `json:"room_id"`
	Messages []model.Message `json:"messages"`
	Limit    int             `json:"limit"`
	Offset   int             `json:"offset"`
}

type OnlineUserPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
}

type OnlineUsersPayload struct {
	RoomID string              `json:"room_id"`
	Users  []OnlineUserPayload `json:"users"`
}

type RoomListPayload struct {
	Rooms []model.Room `json:"rooms"`
}

type RoomCreatedPayload struct {
	Room model.Room `json:"room"`
}

// Queued event kinds for the offline delivery queue.
const (
	QueuedKindMessage   = "message"
	QueuedKindMention   = "mention"
	QueuedKindBroadcast = "broadcast"
)

// QueuedEvent is one buffered outbound event awaiting a user's next
// authentication. The buffer is best-effort and process-local; it is
// not a durable outbox.
type QueuedEvent struct {
	Kind       string
	Event      Outbound
	EnqueuedAt time.Time
}

func validStatus(s string) bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusInvisible, StatusOffline:
		return true
	}
	return false
}
