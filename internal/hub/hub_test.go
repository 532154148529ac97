package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stagedoor/realtime/internal/model"
)

// ----- test doubles -----

// fakeConn records every outbound event it receives.
type fakeConn struct {
	mu       sync.Mutex
	events   []Outbound
	failSend bool
	closed   bool
}

func (c *fakeConn) Send(evt Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errors.New("send failed")
	}
	c.events = append(c.events, evt)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) ofType(t string) []Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Outbound
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (c *fakeConn) all() []Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Outbound, len(c.events))
	copy(out, c.events)
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeStore is an in-memory ChatStore.
type fakeStore struct {
	mu        sync.Mutex
	fail      error
	rooms     map[string]model.Room
	members   map[string]map[string]bool // room -> users
	messages  map[string][]model.Message // room -> ordered messages
	reactions map[string]bool            // message|user|emoji
	reads     map[string]string          // room|user -> last read message
	joins     int
	roomLists int // ListRoomsForUser call count
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms:     make(map[string]model.Room),
		members:   make(map[string]map[string]bool),
		messages:  make(map[string][]model.Message),
		reactions: make(map[string]bool),
		reads:     make(map[string]string),
	}
}

// hasMessage reports whether a message exists in a room. Caller holds
// the fake's lock.
func (s *fakeStore) hasMessage(roomID, messageID string) bool {
	for _, m := range s.messages[roomID] {
		if m.ID == messageID {
			return true
		}
	}
	return false
}

// seedRoom creates a room with the given members, bypassing the hub.
func (s *fakeStore) seedRoom(roomID string, members ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID] = model.Room{ID: roomID, Name: roomID, CreatedAt: time.Now().UTC()}
	set := make(map[string]bool)
	for _, m := range members {
		set[m] = true
	}
	s.members[roomID] = set
}

func (s *fakeStore) CreateRoom(_ context.Context, name, description, createdBy string, isPrivate bool) (model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return model.Room{}, s.fail
	}
	room := model.Room{
		ID:          "room-" + name,
		Name:        name,
		Description: description,
		CreatedBy:   createdBy,
		IsPrivate:   isPrivate,
		CreatedAt:   time.Now().UTC(),
	}
	// Creator membership lands with the room, atomically.
	s.rooms[room.ID] = room
	s.members[room.ID] = map[string]bool{createdBy: true}
	return room, nil
}

func (s *fakeStore) ListRoomsForUser(_ context.Context, userID string) ([]model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomLists++
	if s.fail != nil {
		return nil, s.fail
	}
	var out []model.Room
	for rid, set := range s.members {
		if set[userID] {
			out = append(out, s.rooms[rid])
		}
	}
	return out, nil
}

func (s *fakeStore) JoinRoom(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if _, ok := s.rooms[roomID]; !ok {
		return fmt.Errorf("%w: room %s", ErrNotFound, roomID)
	}
	if s.members[roomID] == nil {
		s.members[roomID] = make(map[string]bool)
	}
	if !s.members[roomID][userID] {
		s.members[roomID][userID] = true
		s.joins++
	}
	return nil
}

func (s *fakeStore) LeaveRoom(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	delete(s.members[roomID], userID)
	return nil
}

func (s *fakeStore) ListMessages(_ context.Context, roomID string, limit, offset int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	msgs := s.messages[roomID]
	if offset >= len(msgs) {
		return nil, nil
	}
	end := offset + limit
	if end > len(msgs) {
		end = len(msgs)
	}
	out := make([]model.Message, end-offset)
	copy(out, msgs[offset:end])
	return out, nil
}

func (s *fakeStore) InsertMessage(_ context.Context, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], msg)
	return nil
}

func (s *fakeStore) EditMessage(_ context.Context, roomID, messageID, userID, content string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return model.Message{}, s.fail
	}
	for i, m := range s.messages[roomID] {
		if m.ID == messageID && m.SenderID == userID {
			now := time.Now().UTC()
			m.Content = content
			m.EditedAt = &now
			s.messages[roomID][i] = m
			return m, nil
		}
	}
	return model.Message{}, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
}

func (s *fakeStore) DeleteMessage(_ context.Context, roomID, messageID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	for i, m := range s.messages[roomID] {
		if m.ID == messageID && m.SenderID == userID {
			s.messages[roomID] = append(s.messages[roomID][:i], s.messages[roomID][i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
}

func (s *fakeStore) AddReaction(_ context.Context, roomID, messageID, userID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if !s.hasMessage(roomID, messageID) {
		return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	s.reactions[messageID+"|"+userID+"|"+emoji] = true
	return nil
}

func (s *fakeStore) RemoveReaction(_ context.Context, roomID, messageID, userID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	delete(s.reactions, messageID+"|"+userID+"|"+emoji)
	return nil
}

func (s *fakeStore) MarkRead(_ context.Context, roomID, userID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if !s.hasMessage(roomID, messageID) {
		return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	s.reads[roomID+"|"+userID] = messageID
	return nil
}

func (s *fakeStore) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// fakeCache is an in-memory EphemeralStore with real TTL semantics.
type fakeCache struct {
	mu      sync.Mutex
	values  map[string]string
	expires map[string]time.Time
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		values:  make(map[string]string),
		expires: make(map[string]time.Time),
	}
}

func (c *fakeCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	if ttl > 0 {
		c.expires[key] = time.Now().Add(ttl)
	} else {
		delete(c.expires, key)
	}
	return nil
}

func (c *fakeCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	if !ok {
		return "", false, nil
	}
	if exp, has := c.expires[key]; has && time.Now().After(exp) {
		delete(c.values, key)
		delete(c.expires, key)
		return "", false, nil
	}
	return v, true, nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	delete(c.expires, key)
	return nil
}

// ----- helpers -----

func testConfig() Config {
	return Config{
		TypingExpiry:       200 * time.Millisecond,
		TypingCeiling:      100 * time.Millisecond,
		SweepInterval:      0, // sweep driven manually in tests
		DisconnectGrace:    100 * time.Millisecond,
		MaxMessageBytes:    256,
		RecentMessageLimit: 10,
		HistoryMaxLimit:    20,
	}
}

func newTestHub(t *testing.T, store *fakeStore) (*Hub, *fakeCache) {
	t.Helper()
	cache := newFakeCache()
	h := New(testConfig(), store, cache, nil)
	t.Cleanup(h.Close)
	return h, cache
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func send(t *testing.T, h *Hub, conn Conn, typ string, payload any) error {
	t.Helper()
	evt := Event{Type: typ}
	if payload != nil {
		evt.Payload = mustJSON(t, payload)
	}
	return h.HandleConnectionEvent(context.Background(), conn, evt)
}

func authenticate(t *testing.T, h *Hub, userID string) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	if err := send(t, h, conn, EventAuthenticate, AuthenticatePayload{UserID: userID, DisplayName: userID}); err != nil {
		t.Fatalf("authenticate %s: %v", userID, err)
	}
	return conn
}

// ----- authenticate / session -----

func TestUnauthenticatedEventRejected(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice")
	h, _ := newTestHub(t, store)

	conn := &fakeConn{}
	err := send(t, h, conn, EventSendMessage, SendMessagePayload{RoomID: "r1", Content: "hi"})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	errs := conn.ofType(OutError)
	if len(errs) != 1 {
		t.Fatalf("expected one error frame, got %d", len(errs))
	}
	if store.messages["r1"] != nil {
		t.Error("rejected event must have no side effects")
	}
}

func TestAuthenticateLoadsRoomsFromStore(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice")
	store.seedRoom("r2", "alice", "bob")
	h, _ := newTestHub(t, store)

	conn := authenticate(t, h, "alice")

	replies := conn.ofType(OutAuthenticated)
	if len(replies) != 1 {
		t.Fatalf("expected one authenticated reply, got %d", len(replies))
	}
	p := replies[0].Payload.(AuthenticatedPayload)
	if p.UserID != "alice" || len(p.Rooms) != 2 {
		t.Fatalf("unexpected authenticated payload: %+v", p)
	}
	rooms := h.RoomsOf("alice")
	if len(rooms) != 2 || rooms[0] != "r1" || rooms[1] != "r2" {
		t.Fatalf("mirror not populated from store: %v", rooms)
	}
}

func TestAuthenticateValidation(t *testing.T) {
	store := newFakeStore()
	h, _ := newTestHub(t, store)

	conn := &fakeConn{}
	err := send(t, h, conn, EventAuthenticate, AuthenticatePayload{UserID: "   "})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestAuthenticateSupersedesConnection(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice")
	h, _ := newTestHub(t, store)

	first := authenticate(t, h, "alice")
	second := authenticate(t, h, "alice")

	if !first.isClosed() {
		t.Error("superseded connection must be closed")
	}
	if second.isClosed() {
		t.Error("fresh connection must stay open")
	}
	// Messages flow to the new connection only.
	if err := send(t, h, second, EventSendMessage, SendMessagePayload{RoomID: "r1", Content: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := len(second.ofType(OutNewMessage)); got != 1 {
		t.Errorf("new connection expected the message, got %d", got)
	}
}

// ----- join / leave -----

func TestJoinRoomIdempotent(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "bob")
	h, _ := newTestHub(t, store)

	bobConn := authenticate(t, h, "bob")
	aliceConn := authenticate(t, h, "alice")

	for i := 0; i < 2; i++ {
		if err := send(t, h, aliceConn, EventJoinRoom, JoinRoomPayload{RoomID: "r1"}); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
	}

	if got := len(h.MembersOf("r1")); got != 2 {
		t.Errorf("membership count must increase by exactly one: got %d members", got)
	}
	if got := len(bobConn.ofType(OutUserJoinedRoom)); got != 1 {
		t.Errorf("expected exactly one UserJoinedRoom broadcast, got %d", got)
	}
	if got := len(aliceConn.ofType(OutRoomJoined)); got != 2 {
		t.Errorf("each join should be acknowledged, got %d", got)
	}
	if store.joins != 1 {
		t.Errorf("store join must run once, ran %d times", store.joins)
	}
}

func TestJoinRoomStorageFailureAbortsEvent(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1")
	h, _ := newTestHub(t, store)
	conn := authenticate(t, h, "alice")

	store.setFail(errors.New("db down"))
	err := send(t, h, conn, EventJoinRoom, JoinRoomPayload{RoomID: "r1"})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if len(h.RoomsOf("alice")) != 0 {
		t.Error("mirror must be untouched when the store call fails")
	}
}

func TestLeaveRoomRemovesMembershipAndGC(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice", "bob")
	h, _ := newTestHub(t, store)

	authenticate(t, h, "alice")
	bobConn := authenticate(t, h, "bob")

	if err := send(t, h, bobConn, EventLeaveRoom, LeaveRoomPayload{RoomID: "r1"}); err != nil {
		t.Fatalf("leave: %v", err)
	}
	for _, uid := range h.MembersOf("r1") {
		if uid == "bob" {
			t.Error("bob must not be a member after leave")
		}
	}
	// Leaving again is a no-op, not an error.
	if err := send(t, h, bobConn, EventLeaveRoom, LeaveRoomPayload{RoomID: "r1"}); err != nil {
		t.Fatalf("second leave: %v", err)
	}
}

// ----- messages -----

func TestSendMessageBroadcastsToRoom(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice", "bob")
	h, _ := newTestHub(t, store)

	aliceConn := authenticate(t, h, "alice")
	bobConn := authenticate(t, h, "bob")

	if err := send(t, h, aliceConn, EventSendMessage, SendMessagePayload{RoomID: "r1", Content: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	for name, conn := range map[string]*fakeConn{"alice": aliceConn, "bob": bobConn} {
		msgs := conn.ofType(OutNewMessage)
		if len(msgs) != 1 {
			t.Fatalf("%s expected one NewMessage, got %d", name, len(msgs))
		}
		m := msgs[0].Payload.(model.Message)
		if m.Content != "hi" || m.SenderID != "alice" || m.RoomID != "r1" {
			t.Errorf("%s got unexpected message %+v", name, m)
		}
	}
	if len(store.messages["r1"]) != 1 {
		t.Errorf("message must be durably stored")
	}
}

func TestSendMessageAccessDenied(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "bob")
	h, _ := newTestHub(t, store)
	conn := authenticate(t, h, "alice")

	err := send(t, h, conn, EventSendMessage, SendMessagePayload{RoomID: "r1", Content: "hi"})
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if len(store.messages["r1"]) != 0 {
		t.Error("denied event must not reach the store")
	}
}

func TestSendMessageValidation(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice")
	h, _ := newTestHub(t, store)
	conn := authenticate(t, h, "alice")

	cases := []struct {
		name    string
		payload SendMessagePayload
	}{
		{"empty content", SendMessagePayload{RoomID: "r1", Content: "   "}},
		{"missing room", SendMessagePayload{Content: "hi"}},
		{"oversized", SendMessagePayload{RoomID: "r1", Content: string(make([]byte, 1024))}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := send(t, h, conn, EventSendMessage, tc.payload)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
	if len(store.messages["r1"]) != 0 {
		t.Error("invalid payloads must not reach the store")
	}
}

func TestSendMessageStorageFailureLeavesStateUntouched(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice", "bob")
	h, _ := newTestHub(t, store)
	aliceConn := authenticate(t, h, "alice")
	bobConn := authenticate(t, h, "bob")

	store.setFail(errors.New("connection reset"))
	err := send(t, h, aliceConn, EventSendMessage, SendMessagePayload{RoomID: "r1", Content: "hi"})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if got := len(bobConn.ofType(OutNewMessage)); got != 0 {
		t.Errorf("no broadcast on storage failure, got %d", got)
	}
	if h.PendingFor("bob") != 0 {
		t.Error("no queueing on storage failure")
	}
}

func TestEditMessageNotFound(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice")
	h, _ := newTestHub(t, store)
	conn := authenticate(t, h, "alice")

	err := send(t, h, conn, EventEditMessage, EditMessagePayload{RoomID: "r1", MessageID: "nope", Content: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// ----- offline queue and disconnect grace -----

func TestOfflineDeliveryInOriginalOrder(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice", "bob")
	h, _ := newTestHub(t, store)

	aliceConn := authenticate(t, h, "alice")
	bobConn := authenticate(t, h, "bob")

	// Bob drops; his session enters the grace window.
	if err := send(t, h, bobConn, EventDisconnect, nil); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	for _, text := range []string{"hi", "are you there?", "ping"} {
		if err := send(t, h, aliceConn, EventSendMessage, SendMessagePayload{RoomID: "r1", Content: text}); err != nil {
			t.Fatalf("send %q: %v", text, err)
		}
	}
	if h.PendingFor("bob") != 3 {
		t.Fatalf("expected 3 queued events for bob, got %d", h.PendingFor("bob"))
	}

	// Bob reconnects before the grace deadline.
	bobConn2 := authenticate(t, h, "bob")

	events := bobConn2.all()
	if len(events) < 4 {
		t.Fatalf("expected authenticated reply plus 3 queued messages, got %d events", len(events))
	}
	if events[0].Type != OutAuthenticated {
		t.Fatalf("first event must be the authenticated reply, got %s", events[0].Type)
	}
	want := []string{"hi", "are you there?", "ping"}
	msgs := bobConn2.ofType(OutNewMessage)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 delivered messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Payload.(model.Message).Content != want[i] {
			t.Errorf("message %d out of order: got %q want %q", i, m.Payload.(model.Message).Content, want[i])
		}
	}
	if h.PendingFor("bob") != 0 {
		t.Error("drain must be destructive")
	}
}

func TestReconnectWithinGracePreservesRooms(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice", "bob")
	store.seedRoom("r2", "bob")
	h, _ := newTestHub(t, store)

	aliceConn := authenticate(t, h, "alice")
	bobConn := authenticate(t, h, "bob")

	before := h.RoomsOf("bob")
	if err := send(t, h, bobConn, EventDisconnect, nil); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	authenticate(t, h, "bob")

	after := h.RoomsOf("bob")
	if len(after) != len(before) {
		t.Fatalf("rooms not preserved across grace reconnect: before %v after %v", before, after)
	}
	// Give a potential (buggy) cleanup a chance to run, then verify no
	// offline broadcast ever reached alice.
	time.Sleep(300 * time.Millisecond)
	if got := len(aliceConn.ofType(OutUserOffline)); got != 0 {
		t.Errorf("expected zero user_offline broadcasts, got %d", got)
	}
}

func TestGraceExpiryCleansUpAndBroadcastsOnce(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice", "bob")
	store.seedRoom("r2", "alice", "bob")
	h, _ := newTestHub(t, store)

	aliceConn := authenticate(t, h, "alice")
	bobConn := authenticate(t, h, "bob")

	if err := send(t, h, bobConn, EventDisconnect, nil); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	time.Sleep(400 * time.Millisecond) // well past the 100ms grace

	if got := len(h.RoomsOf("bob")); got != 0 {
		t.Fatalf("roomsOf must be empty after cleanup, got %v", h.RoomsOf("bob"))
	}
	offline := aliceConn.ofType(OutUserOffline)
	if len(offline) != 2 {
		t.Fatalf("expected exactly one user_offline per shared room (2), got %d", len(offline))
	}
	seen := map[string]bool{}
	for _, e := range offline {
		p := e.Payload.(RoomEventPayload)
		if p.UserID != "bob" {
			t.Errorf("unexpected offline user %q", p.UserID)
		}
		if seen[p.RoomID] {
			t.Errorf("duplicate user_offline for room %s", p.RoomID)
		}
		seen[p.RoomID] = true
	}
}

func TestReArmingGraceExtendsDeadline(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "bob")
	h, _ := newTestHub(t, store)

	bobConn := authenticate(t, h, "bob")
	if err := send(t, h, bobConn, EventDisconnect, nil); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	// Reconnect and drop again just before the first deadline: the
	// second marker replaces the first, it does not stack.
	time.Sleep(60 * time.Millisecond)
	bobConn2 := authenticate(t, h, "bob")
	if err := send(t, h, bobConn2, EventDisconnect, nil); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	time.Sleep(70 * time.Millisecond)
	// First deadline has passed but the replacement timer is still
	// running: bob must still own his rooms.
	if got := len(h.RoomsOf("bob")); got != 1 {
		t.Fatalf("cleanup ran too early: rooms %v", h.RoomsOf("bob"))
	}
	time.Sleep(300 * time.Millisecond)
	if got := len(h.RoomsOf("bob")); got != 0 {
		t.Fatalf("cleanup must eventually run: rooms %v", h.RoomsOf("bob"))
	}
}

func TestMentionsAreQueuedAsMentions(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice", "bob")
	h, _ := newTestHub(t, store)

	aliceConn := authenticate(t, h, "alice")
	bobConn := authenticate(t, h, "bob")
	if err := send(t, h, bobConn, EventDisconnect, nil); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	if err := send(t, h, aliceConn, EventSendMessage, SendMessagePayload{RoomID: "r1", Content: "hey @bob"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := send(t, h, aliceConn, EventSendMessage, SendMessagePayload{RoomID: "r1", Content: "hey @bob"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	h.mu.Lock()
	queued := h.offline.byUser["bob"]
	h.mu.Unlock()
	if len(queued) != 2 {
		t.Fatalf("expected 2 queued events (duplicates preserved), got %d", len(queued))
	}
	for i, qe := range queued {
		if qe.Kind != QueuedKindMention {
			t.Errorf("queued event %d: kind %q, want mention", i, qe.Kind)
		}
	}
}

// ----- status -----

func TestUpdateStatusBroadcastsToOccupiedRooms(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice", "bob")
	h, _ := newTestHub(t, store)

	aliceConn := authenticate(t, h, "alice")
	bobConn := authenticate(t, h, "bob")

	if err := send(t, h, aliceConn, EventUpdateStatus, UpdateStatusPayload{Status: StatusAway}); err != nil {
		t.Fatalf("update status: %v", err)
	}
	changed := bobConn.ofType(OutStatusChanged)
	if len(changed) == 0 {
		t.Fatal("bob received no status broadcasts")
	}
	// Bob may also have seen alice come online during her authenticate;
	// the away change must be the most recent one.
	last := changed[len(changed)-1].Payload.(StatusChangedPayload)
	if last.UserID != "alice" || last.Status != StatusAway {
		t.Fatalf("unexpected status broadcast %+v", last)
	}
	// Alice never sees her own status changes echoed back.
	for _, e := range aliceConn.ofType(OutStatusChanged) {
		if e.Payload.(StatusChangedPayload).UserID == "alice" {
			t.Error("status changes must not echo to the originator")
		}
	}
}

func TestInvisibleReadsAsOffline(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice", "bob")
	h, _ := newTestHub(t, store)

	aliceConn := authenticate(t, h, "alice")
	bobConn := authenticate(t, h, "bob")

	if err := send(t, h, aliceConn, EventUpdateStatus, UpdateStatusPayload{Status: StatusInvisible}); err != nil {
		t.Fatalf("update status: %v", err)
	}
	changed := bobConn.ofType(OutStatusChanged)
	last := changed[len(changed)-1].Payload.(StatusChangedPayload)
	if last.Status != StatusOffline {
		t.Fatalf("invisible must be broadcast as offline, got %q", last.Status)
	}

	if err := send(t, h, bobConn, EventGetOnlineUsers, GetOnlineUsersPayload{RoomID: "r1"}); err != nil {
		t.Fatalf("get online users: %v", err)
	}
	lists := bobConn.ofType(OutOnlineUsers)
	users := lists[len(lists)-1].Payload.(OnlineUsersPayload).Users
	for _, u := range users {
		if u.UserID == "alice" && u.Status != StatusOffline {
			t.Errorf("alice must appear offline to peers, got %q", u.Status)
		}
	}
}

func TestUpdateStatusValidation(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice")
	h, _ := newTestHub(t, store)
	conn := authenticate(t, h, "alice")

	err := send(t, h, conn, EventUpdateStatus, UpdateStatusPayload{Status: "sleeping"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

// ----- queries -----

func TestGetHistoryClampsLimit(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice")
	for i := 0; i < 30; i++ {
		store.messages["r1"] = append(store.messages["r1"], model.Message{
			ID: fmt.Sprintf("m%d", i), RoomID: "r1", SenderID: "alice", Content: fmt.Sprintf("%d", i),
		})
	}
	h, _ := newTestHub(t, store)
	conn := authenticate(t, h, "alice")

	if err := send(t, h, conn, EventGetHistory, GetHistoryPayload{RoomID: "r1", Limit: 9999}); err != nil {
		t.Fatalf("get history: %v", err)
	}
	replies := conn.ofType(OutMessageHistory)
	if len(replies) != 1 {
		t.Fatalf("expected one history reply, got %d", len(replies))
	}
	p := replies[0].Payload.(MessageHistoryPayload)
	if p.Limit != 20 {
		t.Errorf("limit must clamp to the configured max, got %d", p.Limit)
	}
	if len(p.Messages) != 20 {
		t.Errorf("expected 20 messages, got %d", len(p.Messages))
	}
}

func TestCreateRoomJoinsCreator(t *testing.T) {
	store := newFakeStore()
	h, _ := newTestHub(t, store)
	conn := authenticate(t, h, "alice")

	if err := send(t, h, conn, EventCreateRoom, CreateRoomPayload{Name: "backstage"}); err != nil {
		t.Fatalf("create room: %v", err)
	}
	replies := conn.ofType(OutRoomCreated)
	if len(replies) != 1 {
		t.Fatalf("expected one room_created reply, got %d", len(replies))
	}
	room := replies[0].Payload.(RoomCreatedPayload).Room
	members := h.MembersOf(room.ID)
	if len(members) != 1 || members[0] != "alice" {
		t.Fatalf("creator must be joined to the new room, members %v", members)
	}
	store.mu.Lock()
	durable := store.members[room.ID]["alice"]
	store.mu.Unlock()
	if !durable {
		t.Error("creator membership must be stored with the room")
	}
}

// ----- read receipts / reactions / deletes -----

func (s *fakeStore) seedMessage(roomID, messageID, senderID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[roomID] = append(s.messages[roomID], model.Message{
		ID:         messageID,
		RoomID:     roomID,
		SenderID:   senderID,
		SenderName: senderID,
		Type:       "text",
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	})
}

func TestMarkReadBroadcastsExcludingReader(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice", "bob")
	store.seedMessage("r1", "m1", "bob", "hello")
	h, _ := newTestHub(t, store)

	aliceConn := authenticate(t, h, "alice")
	bobConn := authenticate(t, h, "bob")

	if err := send(t, h, aliceConn, EventMarkRead, MarkReadPayload{RoomID: "r1", MessageID: "m1"}); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	reads := bobConn.ofType(OutMessagesRead)
	if len(reads) != 1 {
		t.Fatalf("expected one messages_read broadcast, got %d", len(reads))
	}
	p := reads[0].Payload.(MessagesReadPayload)
	if p.UserID != "alice" || p.RoomID != "r1" || p.MessageID != "m1" {
		t.Fatalf("unexpected messages_read payload %+v", p)
	}
	if got := len(aliceConn.ofType(OutMessagesRead)); got != 0 {
		t.Errorf("reader must not receive their own receipt, got %d", got)
	}
	store.mu.Lock()
	stored := store.reads["r1|alice"]
	store.mu.Unlock()
	if stored != "m1" {
		t.Errorf("read position must be persisted, got %q", stored)
	}
}

func TestMarkReadUnknownMessageNotFound(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice")
	h, _ := newTestHub(t, store)
	conn := authenticate(t, h, "alice")

	err := send(t, h, conn, EventMarkRead, MarkReadPayload{RoomID: "r1", MessageID: "nope"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkReadRequiresMembership(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "bob")
	store.seedMessage("r1", "m1", "bob", "hello")
	h, _ := newTestHub(t, store)
	conn := authenticate(t, h, "alice")

	err := send(t, h, conn, EventMarkRead, MarkReadPayload{RoomID: "r1", MessageID: "m1"})
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestReactionAddRemoveBroadcasts(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice", "bob")
	store.seedMessage("r1", "m1", "bob", "hello")
	h, _ := newTestHub(t, store)

	aliceConn := authenticate(t, h, "alice")
	bobConn := authenticate(t, h, "bob")

	if err := send(t, h, aliceConn, EventAddReaction, ReactionPayload{RoomID: "r1", MessageID: "m1", Emoji: "👍"}); err != nil {
		t.Fatalf("add reaction: %v", err)
	}
	// Reactions fan out to the whole room, reactor included.
	for name, conn := range map[string]*fakeConn{"alice": aliceConn, "bob": bobConn} {
		added := conn.ofType(OutReactionAdded)
		if len(added) != 1 {
			t.Fatalf("%s expected one reaction_added, got %d", name, len(added))
		}
		p := added[0].Payload.(ReactionChangedPayload)
		if p.UserID != "alice" || p.MessageID != "m1" || p.Emoji != "👍" {
			t.Errorf("%s got unexpected payload %+v", name, p)
		}
	}
	store.mu.Lock()
	stored := store.reactions["m1|alice|👍"]
	store.mu.Unlock()
	if !stored {
		t.Error("reaction must be persisted")
	}

	if err := send(t, h, aliceConn, EventRemoveReaction, ReactionPayload{RoomID: "r1", MessageID: "m1", Emoji: "👍"}); err != nil {
		t.Fatalf("remove reaction: %v", err)
	}
	if got := len(bobConn.ofType(OutReactionRemoved)); got != 1 {
		t.Fatalf("expected one reaction_removed broadcast, got %d", got)
	}
	store.mu.Lock()
	stored = store.reactions["m1|alice|👍"]
	store.mu.Unlock()
	if stored {
		t.Error("reaction must be removed from the store")
	}
}

func TestAddReactionUnknownMessageNotFound(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice")
	h, _ := newTestHub(t, store)
	conn := authenticate(t, h, "alice")

	err := send(t, h, conn, EventAddReaction, ReactionPayload{RoomID: "r1", MessageID: "nope", Emoji: "👍"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteMessageBroadcastsToRoom(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice", "bob")
	store.seedMessage("r1", "m1", "alice", "typo")
	h, _ := newTestHub(t, store)

	aliceConn := authenticate(t, h, "alice")
	bobConn := authenticate(t, h, "bob")

	if err := send(t, h, aliceConn, EventDeleteMessage, DeleteMessagePayload{RoomID: "r1", MessageID: "m1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	deleted := bobConn.ofType(OutMessageDeleted)
	if len(deleted) != 1 {
		t.Fatalf("expected one message_deleted broadcast, got %d", len(deleted))
	}
	p := deleted[0].Payload.(MessageDeletedPayload)
	if p.RoomID != "r1" || p.MessageID != "m1" {
		t.Fatalf("unexpected message_deleted payload %+v", p)
	}
	store.mu.Lock()
	gone := !store.hasMessage("r1", "m1")
	store.mu.Unlock()
	if !gone {
		t.Error("message must be gone from the store")
	}
}

func TestDeleteMessageOnlyBySender(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice", "bob")
	store.seedMessage("r1", "m1", "bob", "mine")
	h, _ := newTestHub(t, store)
	aliceConn := authenticate(t, h, "alice")

	err := send(t, h, aliceConn, EventDeleteMessage, DeleteMessagePayload{RoomID: "r1", MessageID: "m1"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleting someone else's message must read as not found, got %v", err)
	}
	store.mu.Lock()
	kept := store.hasMessage("r1", "m1")
	store.mu.Unlock()
	if !kept {
		t.Error("message must survive")
	}
}

func TestGetRoomsListsStoreMemberships(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "alice")
	store.seedRoom("r2", "alice")
	store.seedRoom("r3", "bob")
	h, _ := newTestHub(t, store)
	conn := authenticate(t, h, "alice")

	if err := send(t, h, conn, EventGetRooms, nil); err != nil {
		t.Fatalf("get rooms: %v", err)
	}
	lists := conn.ofType(OutRoomList)
	if len(lists) != 1 {
		t.Fatalf("expected one room_list reply, got %d", len(lists))
	}
	rooms := lists[0].Payload.(RoomListPayload).Rooms
	if len(rooms) != 2 {
		t.Fatalf("expected alice's 2 rooms, got %d", len(rooms))
	}
	for _, r := range rooms {
		if r.ID == "r3" {
			t.Error("room list must not include rooms the user is not in")
		}
	}
}

// ----- authenticate vs. grace cleanup ordering -----

func TestReconnectWithinGraceSkipsStoreReload(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "bob")
	h, _ := newTestHub(t, store)

	bobConn := authenticate(t, h, "bob")
	if err := send(t, h, bobConn, EventDisconnect, nil); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	authenticate(t, h, "bob")

	store.mu.Lock()
	calls := store.roomLists
	store.mu.Unlock()
	if calls != 1 {
		t.Fatalf("grace reconnect must restore rooms from the mirror, not the store; %d fetches", calls)
	}
	if got := h.RoomsOf("bob"); len(got) != 1 || got[0] != "r1" {
		t.Fatalf("rooms not preserved: %v", got)
	}
}

func TestAuthenticateAfterCleanupReloadsRooms(t *testing.T) {
	store := newFakeStore()
	store.seedRoom("r1", "bob")
	cfg := testConfig()
	cfg.DisconnectGrace = 20 * time.Millisecond
	h := New(cfg, store, newFakeCache(), nil)
	t.Cleanup(h.Close)

	bobConn := authenticate(t, h, "bob")
	if err := send(t, h, bobConn, EventDisconnect, nil); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	time.Sleep(200 * time.Millisecond) // cleanup has emptied the mirror

	if got := len(h.RoomsOf("bob")); got != 0 {
		t.Fatalf("precondition failed: mirror should be empty, got %v", h.RoomsOf("bob"))
	}

	bobConn2 := authenticate(t, h, "bob")
	if got := h.RoomsOf("bob"); len(got) != 1 || got[0] != "r1" {
		t.Fatalf("empty mirror must reload rooms from the store, got %v", got)
	}
	store.mu.Lock()
	calls := store.roomLists
	store.mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected a second store fetch on the recovery path, got %d", calls)
	}
	replies := bobConn2.ofType(OutAuthenticated)
	if len(replies) != 1 || len(replies[0].Payload.(AuthenticatedPayload).Rooms) != 1 {
		t.Fatalf("authenticated reply must carry the reloaded rooms: %+v", replies)
	}
}
