package model

import "time"

// Room represents a chat room record as stored in the `rooms` table.
// Durable room existence is owned by the database; the hub only mirrors
// which connected users currently occupy a room. The json tags are
// present because rooms are returned to clients both over the REST
// surface and inside websocket payloads.
type Room struct {
	ID          string    `json:"id"`          // rooms.id
	Name        string    `json:"name"`        // rooms.name
	Description string    `json:"description"` // rooms.description
	CreatedBy   string    `json:"created_by"`  // rooms.created_by
	IsPrivate   bool      `json:"is_private"`  // rooms.is_private
	CreatedAt   time.Time `json:"created_at"`  // rooms.created_at
}

// RoomMember models a row in the `room_members` join table. The hub's
// in-memory membership mirror is kept consistent with this table on
// every join and leave.
type RoomMember struct {
	RoomID   string    `json:"room_id"`   // room_members.room_id
	UserID   string    `json:"user_id"`   // room_members.user_id
	JoinedAt time.Time `json:"joined_at"` // room_members.joined_at
}
