package hub

// roomMirror tracks room membership with both forward and reverse
// indexes. Forward: room -> set of user ids, for computing broadcast
// delivery sets. Reverse: user -> set of rooms, for O(1) roomsOf
// lookups during status fanout and disconnect cleanup. The structure
// mirrors the persistent store's membership table for currently
// connected (or grace-period) users; the store, not the mirror, owns
// room existence. The hub's lock guards all access.
type roomMirror struct {
	rooms map[string]map[string]bool // forward: room -> users
	users map[string]map[string]bool // reverse: user -> rooms
}

func newRoomMirror() *roomMirror {
	return &roomMirror{
		rooms: make(map[string]map[string]bool),
		users: make(map[string]map[string]bool),
	}
}

// join adds the relation. Joining twice is a no-op; it reports whether
// the entry was newly added so callers can suppress duplicate
// broadcasts.
func (m *roomMirror) join(roomID, userID string) bool {
	if m.rooms[roomID][userID] {
		return false
	}
	if m.rooms[roomID] == nil {
		m.rooms[roomID] = make(map[string]bool)
	}
	m.rooms[roomID][userID] = true
	if m.users[userID] == nil {
		m.users[userID] = make(map[string]bool)
	}
	m.users[userID][roomID] = true
	return true
}

// leave removes the relation and garbage-collects a room entry whose
// member set becomes empty. Leaving a room the user is not in is a
// no-op; it reports whether an entry was actually removed.
func (m *roomMirror) leave(roomID, userID string) bool {
	members, ok := m.rooms[roomID]
	if !ok || !members[userID] {
		return false
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(m.rooms, roomID)
	}
	if rooms, ok := m.users[userID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(m.users, userID)
		}
	}
	return true
}

func (m *roomMirror) contains(roomID, userID string) bool {
	return m.rooms[roomID][userID]
}

func (m *roomMirror) membersOf(roomID string) []string {
	members := m.rooms[roomID]
	if len(members) == 0 {
		return nil
	}
	out := make([]string, 0, len(members))
	for uid := range members {
		out = append(out, uid)
	}
	return out
}

func (m *roomMirror) roomsOf(userID string) []string {
	rooms := m.users[userID]
	if len(rooms) == 0 {
		return nil
	}
	out := make([]string, 0, len(rooms))
	for rid := range rooms {
		out = append(out, rid)
	}
	return out
}

// removeUserFromAll drops every membership of the user and returns the
// affected rooms, garbage-collecting any room left empty.
func (m *roomMirror) removeUserFromAll(userID string) []string {
	rooms, ok := m.users[userID]
	if !ok {
		return nil
	}
	affected := make([]string, 0, len(rooms))
	for rid := range rooms {
		affected = append(affected, rid)
		if members, ok := m.rooms[rid]; ok {
			delete(members, userID)
			if len(members) == 0 {
				delete(m.rooms, rid)
			}
		}
	}
	delete(m.users, userID)
	return affected
}
