package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagedoor/realtime/internal/model"
)

// Config carries the hub's tunable timings and limits. Zero values are
// replaced by the defaults below; a non-positive SweepInterval
// disables the background typing sweep entirely (useful in tests).
type Config struct {
	TypingExpiry    time.Duration // natural expiry of a typing indicator with no refresh
	TypingCeiling   time.Duration // hard cap on a continuous typing session
	SweepInterval   time.Duration // period of the defensive typing reconciliation sweep
	DisconnectGrace time.Duration // delay between disconnect and destructive cleanup

	MaxMessageBytes    int // upper bound on message content size
	RecentMessageLimit int // messages returned with RoomJoined
	HistoryMaxLimit    int // cap on GetHistory page size
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		TypingExpiry:       10 * time.Second,
		TypingCeiling:      5 * time.Second,
		SweepInterval:      60 * time.Second,
		DisconnectGrace:    30 * time.Second,
		MaxMessageBytes:    4096,
		RecentMessageLimit: 50,
		HistoryMaxLimit:    200,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TypingExpiry <= 0 {
		c.TypingExpiry = d.TypingExpiry
	}
	if c.TypingCeiling <= 0 {
		c.TypingCeiling = d.TypingCeiling
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = d.DisconnectGrace
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.RecentMessageLimit <= 0 {
		c.RecentMessageLimit = d.RecentMessageLimit
	}
	if c.HistoryMaxLimit <= 0 {
		c.HistoryMaxLimit = d.HistoryMaxLimit
	}
	return c
}

// Hub orchestrates presence and messaging for one process. All four
// in-memory indices (sessions, room mirror, typing tracker, offline
// queue) are exclusively owned by the Hub and guarded by its mutex;
// calls into the durable store and the ephemeral store happen outside
// the lock and handlers re-validate state after resuming. Multiple
// independent Hub instances can coexist: there is no package-level
// state.
type Hub struct {
	cfg    Config
	store  ChatStore
	cache  EphemeralStore
	events EventPublisher // optional, best-effort

	mu       sync.Mutex
	sessions *sessionRegistry
	rooms    *roomMirror
	typing   *typingTracker
	offline  *offlineQueue
	grace    *graceController

	done      chan struct{}
	closeOnce sync.Once
}

// New builds a Hub around the given collaborators and starts the
// periodic typing sweep when the config enables it. The publisher may
// be nil. Call Close to stop the sweeper.
func New(cfg Config, store ChatStore, cache EphemeralStore, events EventPublisher) *Hub {
	h := &Hub{
		cfg:      cfg.withDefaults(),
		store:    store,
		cache:    cache,
		events:   events,
		sessions: newSessionRegistry(),
		rooms:    newRoomMirror(),
		typing:   newTypingTracker(),
		offline:  newOfflineQueue(),
		grace:    newGraceController(),
		done:     make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go h.sweepLoop(cfg.SweepInterval)
	}
	return h
}

// Close stops the background sweep. Pending typing and grace timers
// finish on their own.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// HandleConnectionEvent is the hub's single entry point. The transport
// calls it synchronously from each connection's read loop, which gives
// per-connection arrival ordering for free. Any event other than
// Authenticate on a connection without a session is rejected with no
// side effects; taxonomy errors are also echoed to the originating
// connection as an error frame.
func (h *Hub) HandleConnectionEvent(ctx context.Context, conn Conn, evt Event) error {
	var err error
	switch evt.Type {
	case EventAuthenticate:
		err = h.handleAuthenticate(ctx, conn, evt.Payload)
	case EventDisconnect:
		h.handleDisconnect(conn)
		return nil
	default:
		h.mu.Lock()
		sess := h.sessions.byConnection(conn)
		h.mu.Unlock()
		if sess == nil {
			err = ErrUnauthenticated
		} else {
			err = h.dispatch(ctx, conn, sess, evt)
		}
	}
	if err != nil {
		h.sendError(conn, err)
	}
	return err
}

func (h *Hub) dispatch(ctx context.Context, conn Conn, sess *Session, evt Event) error {
	switch evt.Type {
	case EventJoinRoom:
		var p JoinRoomPayload
		if err := decodePayload(evt.Payload, &p); err != nil {
			return err
		}
		return h.handleJoinRoom(ctx, conn, sess, p)
	case EventLeaveRoom:
		var p LeaveRoomPayload
		if err := decodePayload(evt.Payload, &p); err != nil {
			return err
		}
		return h.handleLeaveRoom(ctx, conn, sess, p)
	case EventSendMessage:
		var p SendMessagePayload
		if err := decodePayload(evt.Payload, &p); err != nil {
			return err
		}
		return h.handleSendMessage(ctx, sess, p)
	case EventEditMessage:
		var p EditMessagePayload
		if err := decodePayload(evt.Payload, &p); err != nil {
			return err
		}
		return h.handleEditMessage(ctx, sess, p)
	case EventDeleteMessage:
		var p DeleteMessagePayload
		if err := decodePayload(evt.Payload, &p); err != nil {
			return err
		}
		return h.handleDeleteMessage(ctx, sess, p)
	case EventMarkRead:
		var p MarkReadPayload
		if err := decodePayload(evt.Payload, &p); err != nil {
			return err
		}
		return h.handleMarkRead(ctx, sess, p)
	case EventAddReaction:
		var p ReactionPayload
		if err := decodePayload(evt.Payload, &p); err != nil {
			return err
		}
		return h.handleReaction(ctx, sess, p, true)
	case EventRemoveReaction:
		var p ReactionPayload
		if err := decodePayload(evt.Payload, &p); err != nil {
			return err
		}
		return h.handleReaction(ctx, sess, p, false)
	case EventStartTyping:
		var p TypingPayload
		if err := decodePayload(evt.Payload, &p); err != nil {
			return err
		}
		return h.handleStartTyping(ctx, sess, p)
	case EventStopTyping:
		var p TypingPayload
		if err := decodePayload(evt.Payload, &p); err != nil {
			return err
		}
		return h.handleStopTyping(ctx, sess, p)
	case EventUpdateStatus:
		var p UpdateStatusPayload
		if err := decodePayload(evt.Payload, &p); err != nil {
			return err
		}
		return h.handleUpdateStatus(ctx, sess, p)
	case EventGetHistory:
		var p GetHistoryPayload
		if err := decodePayload(evt.Payload, &p); err != nil {
			return err
		}
		return h.handleGetHistory(ctx, conn, sess, p)
	case EventGetOnlineUsers:
		var p GetOnlineUsersPayload
		if err := decodePayload(evt.Payload, &p); err != nil {
			return err
		}
		return h.handleGetOnlineUsers(conn, sess, p)
	case EventGetRooms:
		return h.handleGetRooms(ctx, conn, sess)
	case EventCreateRoom:
		var p CreateRoomPayload
		if err := decodePayload(evt.Payload, &p); err != nil {
			return err
		}
		return h.handleCreateRoom(ctx, conn, sess, p)
	}
	return fmt.Errorf("%w: unknown event type %q", ErrValidation, evt.Type)
}

// ----- authenticate / disconnect -----

func (h *Hub) handleAuthenticate(ctx context.Context, conn Conn, raw json.RawMessage) error {
	var p AuthenticatePayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	p.UserID = strings.TrimSpace(p.UserID)
	if p.UserID == "" {
		return fmt.Errorf("%w: user_id required", ErrValidation)
	}
	if p.DisplayName == "" {
		p.DisplayName = p.UserID
	}

	now := time.Now().UTC()

	// Rooms are restored from the mirror on a grace-window reconnect.
	// An empty mirror (fresh session, or grace cleanup already ran)
	// reloads them from the store as the recovery path. The mirror
	// check and registration happen under one lock hold so a grace
	// timer blocked on the mutex cannot empty the mirror in between;
	// when the store fetch suspends, the emptiness is re-checked after
	// resuming.
	h.mu.Lock()
	reconnected := h.grace.disarm(p.UserID)
	if len(h.rooms.roomsOf(p.UserID)) == 0 {
		h.mu.Unlock()
		stored, err := h.store.ListRoomsForUser(ctx, p.UserID)
		if err != nil {
			return storeError(err)
		}
		h.mu.Lock()
		if len(h.rooms.roomsOf(p.UserID)) == 0 {
			for _, r := range stored {
				h.rooms.join(r.ID, p.UserID)
			}
		}
	}
	sess, superseded := h.sessions.register(p.UserID, p.DisplayName, p.Role, conn, now)
	rooms := h.rooms.roomsOf(p.UserID)
	queued := h.offline.drain(p.UserID)
	status := sess.Status
	h.mu.Unlock()

	if superseded != nil {
		_ = superseded.Close()
	}
	sort.Strings(rooms)

	h.mirrorPresence(ctx, p.UserID, status, now)
	for _, rid := range rooms {
		h.broadcastRoom(rid, Outbound{Type: OutStatusChanged, Payload: StatusChangedPayload{
			UserID: p.UserID,
			Status: visibleStatus(status),
		}}, p.UserID)
	}

	h.sendTo(conn, Outbound{Type: OutAuthenticated, Payload: AuthenticatedPayload{UserID: p.UserID, Rooms: rooms}})
	h.flushQueued(conn, p.UserID, queued)

	if reconnected {
		log.Printf("hub: %s reconnected within grace window (%d rooms preserved)", p.UserID, len(rooms))
	} else {
		log.Printf("hub: %s authenticated (%d rooms, %d queued events)", p.UserID, len(rooms), len(queued))
	}
	return nil
}

// flushQueued delivers drained offline events to the fresh connection
// in their original order. If a send fails mid-flush the remainder is
// re-queued so the next authentication tries again (at-least-once).
func (h *Hub) flushQueued(conn Conn, userID string, queued []QueuedEvent) {
	for i, q := range queued {
		if err := conn.Send(q.Event); err != nil {
			log.Printf("hub: flush to %s failed, re-queueing %d events: %v", userID, len(queued)-i, err)
			h.mu.Lock()
			for _, rest := range queued[i:] {
				h.offline.byUser[userID] = append(h.offline.byUser[userID], rest)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) handleDisconnect(conn Conn) {
	h.mu.Lock()
	sess := h.sessions.detach(conn, time.Now().UTC())
	if sess == nil {
		h.mu.Unlock()
		return
	}
	uid := sess.UserID
	h.grace.arm(uid, h.cfg.DisconnectGrace, func() { h.finalizeDisconnect(uid) })
	h.mu.Unlock()
	log.Printf("hub: %s disconnected, cleanup deferred %s", uid, h.cfg.DisconnectGrace)
}

// finalizeDisconnect runs in the grace timer's goroutine when no
// reconnection arrived in time. It removes the session, the user's
// mirror entries and typing records, then fans "user offline" out to
// every formerly-occupied room.
func (h *Hub) finalizeDisconnect(userID string) {
	ctx := context.Background()

	h.mu.Lock()
	sess := h.sessions.get(userID)
	if sess == nil || sess.Conn != nil {
		// Reconnected while the timer was firing; nothing to clean.
		h.mu.Unlock()
		return
	}
	h.grace.disarm(userID)
	typingRoom := h.typing.stopAll(userID)
	rooms := h.rooms.removeUserFromAll(userID)
	h.sessions.remove(userID)
	h.mu.Unlock()

	sort.Strings(rooms)
	if typingRoom != "" {
		h.deleteCache(ctx, typingKey(typingRoom, userID))
		h.broadcastRoom(typingRoom, typingChanged(userID, typingRoom, false), userID)
	}
	for _, rid := range rooms {
		h.broadcastRoom(rid, Outbound{Type: OutUserOffline, Payload: RoomEventPayload{UserID: userID, RoomID: rid}}, userID)
		h.mirrorRoom(ctx, rid)
	}
	h.mirrorPresence(ctx, userID, StatusOffline, time.Now().UTC())
	log.Printf("hub: %s cleaned up after grace expiry (%d rooms)", userID, len(rooms))
}

// ----- rooms -----

func (h *Hub) handleJoinRoom(ctx context.Context, conn Conn, sess *Session, p JoinRoomPayload) error {
	if p.RoomID == "" {
		return fmt.Errorf("%w: room_id required", ErrValidation)
	}
	uid := sess.UserID

	h.mu.Lock()
	already := h.rooms.contains(p.RoomID, uid)
	h.mu.Unlock()

	// Durable write first; the mirror never holds an entry the store
	// does not. Suspension points.
	if !already {
		if err := h.store.JoinRoom(ctx, p.RoomID, uid); err != nil {
			return storeError(err)
		}
	}
	recent, err := h.store.ListMessages(ctx, p.RoomID, h.cfg.RecentMessageLimit, 0)
	if err != nil {
		return storeError(err)
	}

	h.mu.Lock()
	if h.sessions.get(uid) == nil {
		// Grace cleanup interleaved with the storage calls.
		h.mu.Unlock()
		return ErrUnauthenticated
	}
	fresh := h.rooms.join(p.RoomID, uid)
	h.mu.Unlock()

	h.mirrorRoom(ctx, p.RoomID)
	if fresh && !already {
		h.broadcastRoom(p.RoomID, Outbound{Type: OutUserJoinedRoom, Payload: RoomEventPayload{UserID: uid, RoomID: p.RoomID}}, uid)
	}
	h.sendTo(conn, Outbound{Type: OutRoomJoined, Payload: RoomJoinedPayload{RoomID: p.RoomID, RecentMessages: recent}})
	return nil
}

func (h *Hub) handleLeaveRoom(ctx context.Context, conn Conn, sess *Session, p LeaveRoomPayload) error {
	if p.RoomID == "" {
		return fmt.Errorf("%w: room_id required", ErrValidation)
	}
	uid := sess.UserID

	h.mu.Lock()
	member := h.rooms.contains(p.RoomID, uid)
	h.mu.Unlock()

	if member {
		if err := h.store.LeaveRoom(ctx, p.RoomID, uid); err != nil {
			return storeError(err)
		}
	}

	h.mu.Lock()
	removed := h.rooms.leave(p.RoomID, uid)
	wasTyping := false
	if removed {
		wasTyping = h.typing.stop(p.RoomID, uid)
	}
	h.mu.Unlock()

	if removed {
		h.mirrorRoom(ctx, p.RoomID)
		if wasTyping {
			h.deleteCache(ctx, typingKey(p.RoomID, uid))
			h.broadcastRoom(p.RoomID, typingChanged(uid, p.RoomID, false), uid)
		}
		h.broadcastRoom(p.RoomID, Outbound{Type: OutUserLeftRoom, Payload: RoomEventPayload{UserID: uid, RoomID: p.RoomID}}, uid)
	}
	h.sendTo(conn, Outbound{Type: OutRoomLeft, Payload: RoomLeftPayload{RoomID: p.RoomID}})
	return nil
}

func (h *Hub) handleCreateRoom(ctx context.Context, conn Conn, sess *Session, p CreateRoomPayload) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return fmt.Errorf("%w: name required", ErrValidation)
	}
	// CreateRoom stores the room and the creator's membership in one
	// transaction, so a failure never leaves a memberless room behind.
	room, err := h.store.CreateRoom(ctx, p.Name, p.Description, sess.UserID, p.IsPrivate)
	if err != nil {
		return storeError(err)
	}

	h.mu.Lock()
	if h.sessions.get(sess.UserID) != nil {
		h.rooms.join(room.ID, sess.UserID)
	}
	h.mu.Unlock()

	h.mirrorRoom(ctx, room.ID)
	h.sendTo(conn, Outbound{Type: OutRoomCreated, Payload: RoomCreatedPayload{Room: room}})
	return nil
}

// ----- messages -----

func (h *Hub) handleSendMessage(ctx context.Context, sess *Session, p SendMessagePayload) error {
	if p.RoomID == "" {
		return fmt.Errorf("%w: room_id required", ErrValidation)
	}
	content := strings.TrimSpace(p.Content)
	if content == "" {
		return fmt.Errorf("%w: empty message", ErrValidation)
	}
	if len(content) > h.cfg.MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d bytes", ErrValidation, h.cfg.MaxMessageBytes)
	}
	uid := sess.UserID

	h.mu.Lock()
	member := h.rooms.contains(p.RoomID, uid)
	name := sess.DisplayName
	h.mu.Unlock()
	if !member {
		return ErrAccessDenied
	}

	msgType := p.MessageType
	if msgType == "" {
		msgType = "text"
	}
	msg := model.Message{
		ID:         uuid.NewString(),
		RoomID:     p.RoomID,
		SenderID:   uid,
		SenderName: name,
		Type:       msgType,
		Content:    content,
		ReplyTo:    p.ReplyTo,
		Metadata:   p.Metadata,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.store.InsertMessage(ctx, msg); err != nil {
		return storeError(err)
	}

	evt := Outbound{Type: OutNewMessage, Payload: msg}
	now := time.Now().UTC()

	h.mu.Lock()
	if s := h.sessions.get(uid); s != nil {
		s.LastSeen = now
	}
	wasTyping := h.typing.stop(p.RoomID, uid)
	for _, member := range h.rooms.membersOf(p.RoomID) {
		h.deliverLocked(member, h.queueKind(member, content), evt, now)
	}
	h.mu.Unlock()

	if wasTyping {
		h.deleteCache(ctx, typingKey(p.RoomID, uid))
		h.broadcastRoom(p.RoomID, typingChanged(uid, p.RoomID, false), uid)
	}
	if h.events != nil {
		h.events.MessageStored(ctx, msg)
	}
	return nil
}

// queueKind classifies a message for the offline queue: a mention when
// the content names the target's display name, a plain message
// otherwise. Caller holds the lock.
func (h *Hub) queueKind(targetUserID, content string) string {
	if s := h.sessions.get(targetUserID); s != nil && s.DisplayName != "" &&
		strings.Contains(content, "@"+s.DisplayName) {
		return QueuedKindMention
	}
	return QueuedKindMessage
}

func (h *Hub) handleEditMessage(ctx context.Context, sess *Session, p EditMessagePayload) error {
	if p.RoomID == "" || p.MessageID == "" {
		return fmt.Errorf("%w: room_id and message_id required", ErrValidation)
	}
	content := strings.TrimSpace(p.Content)
	if content == "" {
		return fmt.Errorf("%w: empty message", ErrValidation)
	}
	if len(content) > h.cfg.MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d bytes", ErrValidation, h.cfg.MaxMessageBytes)
	}
	if !h.isMember(p.RoomID, sess.UserID) {
		return ErrAccessDenied
	}
	msg, err := h.store.EditMessage(ctx, p.RoomID, p.MessageID, sess.UserID, content)
	if err != nil {
		return storeError(err)
	}
	h.broadcastRoom(p.RoomID, Outbound{Type: OutMessageEdited, Payload: msg})
	return nil
}

func (h *Hub) handleDeleteMessage(ctx context.Context, sess *Session, p DeleteMessagePayload) error {
	if p.RoomID == "" || p.MessageID == "" {
		return fmt.Errorf("%w: room_id and message_id required", ErrValidation)
	}
	if !h.isMember(p.RoomID, sess.UserID) {
		return ErrAccessDenied
	}
	if err := h.store.DeleteMessage(ctx, p.RoomID, p.MessageID, sess.UserID); err != nil {
		return storeError(err)
	}
	h.broadcastRoom(p.RoomID, Outbound{Type: OutMessageDeleted, Payload: MessageDeletedPayload{RoomID: p.RoomID, MessageID: p.MessageID}})
	return nil
}

func (h *Hub) handleMarkRead(ctx context.Context, sess *Session, p MarkReadPayload) error {
	if p.RoomID == "" || p.MessageID == "" {
		return fmt.Errorf("%w: room_id and message_id required", ErrValidation)
	}
	if !h.isMember(p.RoomID, sess.UserID) {
		return ErrAccessDenied
	}
	if err := h.store.MarkRead(ctx, p.RoomID, sess.UserID, p.MessageID); err != nil {
		return storeError(err)
	}
	h.broadcastRoom(p.RoomID, Outbound{Type: OutMessagesRead, Payload: MessagesReadPayload{
		UserID:    sess.UserID,
		RoomID:    p.RoomID,
		MessageID: p.MessageID,
	}}, sess.UserID)
	return nil
}

func (h *Hub) handleReaction(ctx context.Context, sess *Session, p ReactionPayload, add bool) error {
	if p.RoomID == "" || p.MessageID == "" || p.Emoji == "" {
		return fmt.Errorf("%w: room_id, message_id and emoji required", ErrValidation)
	}
	if !h.isMember(p.RoomID, sess.UserID) {
		return ErrAccessDenied
	}
	var err error
	outType := OutReactionAdded
	if add {
		err = h.store.AddReaction(ctx, p.RoomID, p.MessageID, sess.UserID, p.Emoji)
	} else {
		err = h.store.RemoveReaction(ctx, p.RoomID, p.MessageID, sess.UserID, p.Emoji)
		outType = OutReactionRemoved
	}
	if err != nil {
		return storeError(err)
	}
	h.broadcastRoom(p.RoomID, Outbound{Type: outType, Payload: ReactionChangedPayload{
		UserID:    sess.UserID,
		RoomID:    p.RoomID,
		MessageID: p.MessageID,
		Emoji:     p.Emoji,
	}})
	return nil
}

// ----- typing -----

func (h *Hub) handleStartTyping(ctx context.Context, sess *Session, p TypingPayload) error {
	if p.RoomID == "" {
		return fmt.Errorf("%w: room_id required", ErrValidation)
	}
	uid := sess.UserID
	if !h.isMember(p.RoomID, uid) {
		return ErrAccessDenied
	}

	roomID := p.RoomID
	h.mu.Lock()
	prevRoom, fresh := h.typing.start(roomID, uid, h.cfg.TypingExpiry, h.cfg.TypingCeiling,
		time.Now().UTC(), func() { h.autoStopTyping(roomID, uid) })
	h.mu.Unlock()

	if prevRoom != "" {
		// Never typing in two rooms at once: correct the old room first.
		h.deleteCache(ctx, typingKey(prevRoom, uid))
		h.broadcastRoom(prevRoom, typingChanged(uid, prevRoom, false), uid)
	}
	h.setCache(ctx, typingKey(roomID, uid), "1", h.cfg.TypingExpiry)
	if fresh {
		h.broadcastRoom(roomID, typingChanged(uid, roomID, true), uid)
	}
	return nil
}

func (h *Hub) handleStopTyping(ctx context.Context, sess *Session, p TypingPayload) error {
	if p.RoomID == "" {
		return fmt.Errorf("%w: room_id required", ErrValidation)
	}
	uid := sess.UserID

	h.mu.Lock()
	stopped := h.typing.stop(p.RoomID, uid)
	h.mu.Unlock()

	// Idempotent: a second stop emits nothing.
	if stopped {
		h.deleteCache(ctx, typingKey(p.RoomID, uid))
		h.broadcastRoom(p.RoomID, typingChanged(uid, p.RoomID, false), uid)
	}
	return nil
}

// autoStopTyping is the shared callback for the natural-expiry timer,
// the ceiling timer and the sweep. Whichever fires first wins; the
// rest find no record and emit nothing.
func (h *Hub) autoStopTyping(roomID, userID string) {
	h.mu.Lock()
	stopped := h.typing.stop(roomID, userID)
	h.mu.Unlock()
	if !stopped {
		return
	}
	ctx := context.Background()
	h.deleteCache(ctx, typingKey(roomID, userID))
	h.broadcastRoom(roomID, typingChanged(userID, roomID, false), userID)
}

// sweepLoop reconciles in-memory typing records against the ephemeral
// store. A record whose TTL key already lapsed but whose timer did not
// fire (process hiccup, clock skew) gets a corrective stop.
func (h *Hub) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.sweepTyping(context.Background())
		}
	}
}

func (h *Hub) sweepTyping(ctx context.Context) {
	h.mu.Lock()
	snap := h.typing.snapshot()
	h.mu.Unlock()

	now := time.Now().UTC()
	for uid, rec := range snap {
		// A record younger than its natural expiry is still owned by
		// its timers; only stragglers are the sweep's business.
		if now.Sub(rec.startedAt) <= h.cfg.TypingExpiry {
			continue
		}
		_, ok, err := h.cache.Get(ctx, typingKey(rec.roomID, uid))
		if err != nil {
			log.Printf("hub: typing sweep read failed for %s/%s: %v", rec.roomID, uid, err)
			continue
		}
		if !ok {
			h.autoStopTyping(rec.roomID, uid)
		}
	}
}

// ----- status / queries -----

func (h *Hub) handleUpdateStatus(ctx context.Context, sess *Session, p UpdateStatusPayload) error {
	if !validStatus(p.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, p.Status)
	}
	uid := sess.UserID
	now := time.Now().UTC()

	h.mu.Lock()
	if !h.sessions.updateStatus(uid, p.Status, now) {
		h.mu.Unlock()
		return ErrUnauthenticated
	}
	rooms := h.rooms.roomsOf(uid)
	h.mu.Unlock()

	h.mirrorPresence(ctx, uid, p.Status, now)
	for _, rid := range rooms {
		h.broadcastRoom(rid, Outbound{Type: OutStatusChanged, Payload: StatusChangedPayload{
			UserID: uid,
			Status: visibleStatus(p.Status),
		}}, uid)
	}
	return nil
}

func (h *Hub) handleGetHistory(ctx context.Context, conn Conn, sess *Session, p GetHistoryPayload) error {
	if p.RoomID == "" {
		return fmt.Errorf("%w: room_id required", ErrValidation)
	}
	if !h.isMember(p.RoomID, sess.UserID) {
		return ErrAccessDenied
	}
	limit := p.Limit
	if limit <= 0 {
		limit = h.cfg.RecentMessageLimit
	}
	if limit > h.cfg.HistoryMaxLimit {
		limit = h.cfg.HistoryMaxLimit
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	msgs, err := h.store.ListMessages(ctx, p.RoomID, limit, offset)
	if err != nil {
		return storeError(err)
	}
	h.sendTo(conn, Outbound{Type: OutMessageHistory, Payload: MessageHistoryPayload{
		RoomID:   p.RoomID,
		Messages: msgs,
		Limit:    limit,
		Offset:   offset,
	}})
	return nil
}

func (h *Hub) handleGetOnlineUsers(conn Conn, sess *Session, p GetOnlineUsersPayload) error {
	if p.RoomID == "" {
		return fmt.Errorf("%w: room_id required", ErrValidation)
	}
	if !h.isMember(p.RoomID, sess.UserID) {
		return ErrAccessDenied
	}

	h.mu.Lock()
	members := h.rooms.membersOf(p.RoomID)
	users := make([]OnlineUserPayload, 0, len(members))
	for _, uid := range members {
		u := OnlineUserPayload{UserID: uid, Status: StatusOffline}
		if s := h.sessions.get(uid); s != nil {
			u.DisplayName = s.DisplayName
			if s.Conn != nil {
				u.Status = visibleStatus(s.Status)
			}
		}
		users = append(users, u)
	}
	h.mu.Unlock()

	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	h.sendTo(conn, Outbound{Type: OutOnlineUsers, Payload: OnlineUsersPayload{RoomID: p.RoomID, Users: users}})
	return nil
}

func (h *Hub) handleGetRooms(ctx context.Context, conn Conn, sess *Session) error {
	rooms, err := h.store.ListRoomsForUser(ctx, sess.UserID)
	if err != nil {
		return storeError(err)
	}
	h.sendTo(conn, Outbound{Type: OutRoomList, Payload: RoomListPayload{Rooms: rooms}})
	return nil
}

// ----- delivery -----

// deliverLocked attempts live delivery and degrades to the offline
// queue when the target has no active connection or the send fails.
// Caller holds the hub lock.
func (h *Hub) deliverLocked(userID, kind string, evt Outbound, now time.Time) {
	if s := h.sessions.get(userID); s != nil && s.Conn != nil {
		err := s.Conn.Send(evt)
		if err == nil {
			return
		}
		log.Printf("hub: send to %s failed, queueing: %v", userID, err)
	}
	h.offline.enqueue(userID, kind, evt, now)
}

// broadcastRoom fans an event out to every current member of a room,
// minus the excluded users (typically the originator).
func (h *Hub) broadcastRoom(roomID string, evt Outbound, except ...string) {
	skip := make(map[string]bool, len(except))
	for _, uid := range except {
		skip[uid] = true
	}
	now := time.Now().UTC()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, uid := range h.rooms.membersOf(roomID) {
		if skip[uid] {
			continue
		}
		h.deliverLocked(uid, QueuedKindBroadcast, evt, now)
	}
}

func (h *Hub) sendTo(conn Conn, evt Outbound) {
	if err := conn.Send(evt); err != nil {
		log.Printf("hub: direct send failed: %v", err)
	}
}

func (h *Hub) sendError(conn Conn, err error) {
	_ = conn.Send(Outbound{Type: OutError, Payload: ErrorPayload{
		Code:   errorCode(err),
		Reason: err.Error(),
	}})
}

// ----- helpers -----

func (h *Hub) isMember(roomID, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms.contains(roomID, userID)
}

// RoomsOf exposes the mirror's view of a user's rooms, primarily for
// inspection and tests.
func (h *Hub) RoomsOf(userID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms := h.rooms.roomsOf(userID)
	sort.Strings(rooms)
	return rooms
}

// MembersOf exposes the mirror's view of a room's members.
func (h *Hub) MembersOf(roomID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms.membersOf(roomID)
	sort.Strings(members)
	return members
}

// PendingFor reports how many events are queued for a user.
func (h *Hub) PendingFor(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.offline.pending(userID)
}

func typingChanged(userID, roomID string, isTyping bool) Outbound {
	return Outbound{Type: OutTypingChanged, Payload: TypingChangedPayload{
		UserID:   userID,
		RoomID:   roomID,
		IsTyping: isTyping,
	}}
}

// visibleStatus maps the stored status onto what peers see: invisible
// users read as offline.
func visibleStatus(s string) string {
	if s == StatusInvisible {
		return StatusOffline
	}
	return s
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrValidation)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// ----- ephemeral-store mirroring (best-effort, never authoritative) -----

func typingKey(roomID, userID string) string { return "typing:" + roomID + ":" + userID }
func presenceKey(userID string) string       { return "presence:status:" + userID }
func roomSnapshotKey(roomID string) string   { return "presence:room:" + roomID }

const presenceTTL = time.Hour

type presenceValue struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"`
}

func (h *Hub) mirrorPresence(ctx context.Context, userID, status string, now time.Time) {
	b, _ := json.Marshal(presenceValue{Status: status, LastSeen: now.UnixMilli()})
	h.setCache(ctx, presenceKey(userID), string(b), presenceTTL)
}

func (h *Hub) mirrorRoom(ctx context.Context, roomID string) {
	h.mu.Lock()
	members := h.rooms.membersOf(roomID)
	h.mu.Unlock()
	if len(members) == 0 {
		h.deleteCache(ctx, roomSnapshotKey(roomID))
		return
	}
	sort.Strings(members)
	b, _ := json.Marshal(members)
	h.setCache(ctx, roomSnapshotKey(roomID), string(b), presenceTTL)
}

func (h *Hub) setCache(ctx context.Context, key, value string, ttl time.Duration) {
	if err := h.cache.Set(ctx, key, value, ttl); err != nil {
		log.Printf("hub: cache set %s failed: %v", key, err)
	}
}

func (h *Hub) deleteCache(ctx context.Context, key string) {
	if err := h.cache.Delete(ctx, key); err != nil {
		log.Printf("hub: cache delete %s failed: %v", key, err)
	}
}
