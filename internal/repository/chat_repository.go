// Package repository provides data access to the chat tables. The
// hub's error taxonomy is reused here: missing rooms or messages wrap
// hub.ErrNotFound so callers can distinguish absence from an outage.
// All timestamps are stored and compared in UTC.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stagedoor/realtime/internal/hub"
	"github.com/stagedoor/realtime/internal/model"
)

// ChatRepo implements hub.ChatStore on MySQL. It is the durable side
// of the room/message/reaction model; the hub only mirrors membership
// in memory and never owns room existence.
type ChatRepo struct {
	db *sql.DB
}

// NewChatRepo returns a ChatRepo bound to the provided database.
func NewChatRepo(db *sql.DB) *ChatRepo { return &ChatRepo{db: db} }

// CreateRoom inserts the room row and the creator's membership in one
// transaction and returns the stored record. Either both rows land or
// neither does; a memberless room is never persisted.
func (r *ChatRepo) CreateRoom(ctx context.Context, name, description, createdBy string, isPrivate bool) (model.Room, error) {
	room := model.Room{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedBy:   createdBy,
		IsPrivate:   isPrivate,
		CreatedAt:   time.Now().UTC(),
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Room{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rooms (id, name, description, created_by, is_private, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		room.ID, room.Name, room.Description, room.CreatedBy, room.IsPrivate, room.CreatedAt,
	); err != nil {
		return model.Room{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO room_members (room_id, user_id, joined_at) VALUES (?, ?, UTC_TIMESTAMP())`,
		room.ID, room.CreatedBy,
	); err != nil {
		return model.Room{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Room{}, err
	}
	return room, nil
}

// ListRoomsForUser returns every room the user is a member of, newest
// first.
func (r *ChatRepo) ListRoomsForUser(ctx context.Context, userID string) ([]model.Room, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT r.id, r.name, r.description, r.created_by, r.is_private, r.created_at
		 FROM rooms r
		 JOIN room_members m ON m.room_id = r.id
		 WHERE m.user_id = ?
		 ORDER BY r.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Room
	for rows.Next() {
		var rm model.Room
		if err := rows.Scan(&rm.ID, &rm.Name, &rm.Description, &rm.CreatedBy, &rm.IsPrivate, &rm.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rm)
	}
	return out, rows.Err()
}

// JoinRoom inserts the membership row. Joining a room twice is a
// no-op (INSERT IGNORE keeps the call idempotent); joining a room
// that does not exist is NotFound.
func (r *ChatRepo) JoinRoom(ctx context.Context, roomID, userID string) error {
	exists, err := r.roomExists(ctx, roomID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: room %s", hub.ErrNotFound, roomID)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT IGNORE INTO room_members (room_id, user_id, joined_at) VALUES (?, ?, UTC_TIMESTAMP())`,
		roomID, userID,
	)
	return err
}

// LeaveRoom removes the membership row. Leaving a room the user is
// not in is a no-op.
func (r *ChatRepo) LeaveRoom(ctx context.Context, roomID, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM room_members WHERE room_id = ? AND user_id = ?`,
		roomID, userID,
	)
	return err
}

// ListMessages returns a page of non-deleted messages for a room,
// oldest first within the page, paged from the most recent backwards.
func (r *ChatRepo) ListMessages(ctx context.Context, roomID string, limit, offset int) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, room_id, sender_id, sender_name, type, content, reply_to, metadata, created_at, edited_at
		 FROM (
		     SELECT * FROM messages
		     WHERE room_id = ? AND deleted_at IS NULL
		     ORDER BY created_at DESC
		     LIMIT ? OFFSET ?
		 ) page
		 ORDER BY created_at ASC`,
		roomID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var (
			m        model.Message
			replyTo  sql.NullString
			metaJSON sql.NullString
			editedAt sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Type, &m.Content,
			&replyTo, &metaJSON, &m.CreatedAt, &editedAt); err != nil {
			return nil, err
		}
		m.ReplyTo = replyTo.String
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for message %s: %w", m.ID, err)
			}
		}
		if editedAt.Valid {
			t := editedAt.Time
			m.EditedAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertMessage stores a message row. The id, timestamps and sender
// fields are expected to be populated by the caller.
func (r *ChatRepo) InsertMessage(ctx context.Context, msg model.Message) error {
	var metaJSON any
	if len(msg.Metadata) > 0 {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metaJSON = string(b)
	}
	var replyTo any
	if msg.ReplyTo != "" {
		replyTo = msg.ReplyTo
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, sender_id, sender_name, type, content, reply_to, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RoomID, msg.SenderID, msg.SenderName, msg.Type, msg.Content, replyTo, metaJSON, msg.CreatedAt,
	)
	return err
}

// EditMessage updates the content of a message owned by the editor
// and returns the stored row. Editing someone else's message, or a
// message that does not exist, is NotFound: the update is scoped by
// sender so the two cases are indistinguishable on purpose.
func (r *ChatRepo) EditMessage(ctx context.Context, roomID, messageID, userID, content string) (model.Message, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, edited_at = UTC_TIMESTAMP()
		 WHERE id = ? AND room_id = ? AND sender_id = ? AND deleted_at IS NULL`,
		content, messageID, roomID, userID,
	)
	if err != nil {
		return model.Message{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Message{}, err
	}
	if n == 0 {
		return model.Message{}, fmt.Errorf("%w: message %s", hub.ErrNotFound, messageID)
	}
	return r.getMessage(ctx, messageID)
}

// DeleteMessage soft-deletes a message owned by the caller.
func (r *ChatRepo) DeleteMessage(ctx context.Context, roomID, messageID, userID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET deleted_at = UTC_TIMESTAMP()
		 WHERE id = ? AND room_id = ? AND sender_id = ? AND deleted_at IS NULL`,
		messageID, roomID, userID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: message %s", hub.ErrNotFound, messageID)
	}
	return nil
}

// AddReaction inserts a reaction row; duplicates are ignored so the
// call is idempotent.
func (r *ChatRepo) AddReaction(ctx context.Context, roomID, messageID, userID, emoji string) error {
	exists, err := r.messageExists(ctx, roomID, messageID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: message %s", hub.ErrNotFound, messageID)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT IGNORE INTO reactions (message_id, user_id, emoji, created_at)
		 VALUES (?, ?, ?, UTC_TIMESTAMP())`,
		messageID, userID, emoji,
	)
	return err
}

// RemoveReaction deletes the reaction row. Removing a reaction that
// was never added is a no-op.
func (r *ChatRepo) RemoveReaction(ctx context.Context, roomID, messageID, userID, emoji string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
		messageID, userID, emoji,
	)
	return err
}

// MarkRead upserts the user's read position in a room.
func (r *ChatRepo) MarkRead(ctx context.Context, roomID, userID, messageID string) error {
	exists, err := r.messageExists(ctx, roomID, messageID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: message %s", hub.ErrNotFound, messageID)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO read_receipts (room_id, user_id, message_id, read_at)
		 VALUES (?, ?, ?, UTC_TIMESTAMP())
		 ON DUPLICATE KEY UPDATE message_id = VALUES(message_id), read_at = VALUES(read_at)`,
		roomID, userID, messageID,
	)
	return err
}

func (r *ChatRepo) getMessage(ctx context.Context, messageID string) (model.Message, error) {
	var (
		m        model.Message
		replyTo  sql.NullString
		metaJSON sql.NullString
		editedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, room_id, sender_id, sender_name, type, content, reply_to, metadata, created_at, edited_at
		 FROM messages WHERE id = ? AND deleted_at IS NULL`,
		messageID,
	).Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Type, &m.Content,
		&replyTo, &metaJSON, &m.CreatedAt, &editedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, fmt.Errorf("%w: message %s", hub.ErrNotFound, messageID)
	}
	if err != nil {
		return model.Message{}, err
	}
	m.ReplyTo = replyTo.String
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &m.Metadata); err != nil {
			return model.Message{}, fmt.Errorf("decode metadata for message %s: %w", m.ID, err)
		}
	}
	if editedAt.Valid {
		t := editedAt.Time
		m.EditedAt = &t
	}
	return m, nil
}

func (r *ChatRepo) roomExists(ctx context.Context, roomID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM rooms WHERE id = ?`, roomID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *ChatRepo) messageExists(ctx context.Context, roomID, messageID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE id = ? AND room_id = ? AND deleted_at IS NULL`,
		messageID, roomID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
