package hub

import (
	"sort"
	"testing"
)

func TestMirrorJoinIdempotent(t *testing.T) {
	m := newRoomMirror()
	if !m.join("r1", "alice") {
		t.Fatal("first join must report a new entry")
	}
	if m.join("r1", "alice") {
		t.Fatal("second join must be a no-op")
	}
	if got := len(m.membersOf("r1")); got != 1 {
		t.Fatalf("expected 1 member, got %d", got)
	}
}

func TestMirrorReverseIndexStaysInSync(t *testing.T) {
	m := newRoomMirror()
	m.join("r1", "alice")
	m.join("r2", "alice")
	m.join("r1", "bob")

	rooms := m.roomsOf("alice")
	sort.Strings(rooms)
	if len(rooms) != 2 || rooms[0] != "r1" || rooms[1] != "r2" {
		t.Fatalf("roomsOf(alice) = %v", rooms)
	}

	m.leave("r1", "alice")
	if m.contains("r1", "alice") {
		t.Error("forward index still holds alice after leave")
	}
	for _, rid := range m.roomsOf("alice") {
		if rid == "r1" {
			t.Error("reverse index still holds r1 after leave")
		}
	}
}

func TestMirrorLeaveGarbageCollectsEmptyRoom(t *testing.T) {
	m := newRoomMirror()
	m.join("r1", "alice")
	if !m.leave("r1", "alice") {
		t.Fatal("leave must report removal")
	}
	if _, ok := m.rooms["r1"]; ok {
		t.Error("empty room entry must be garbage-collected")
	}
	if _, ok := m.users["alice"]; ok {
		t.Error("empty user entry must be garbage-collected")
	}
	if m.leave("r1", "alice") {
		t.Error("leaving again must be a no-op")
	}
}

func TestMirrorRemoveUserFromAll(t *testing.T) {
	m := newRoomMirror()
	m.join("r1", "alice")
	m.join("r2", "alice")
	m.join("r2", "bob")

	affected := m.removeUserFromAll("alice")
	sort.Strings(affected)
	if len(affected) != 2 || affected[0] != "r1" || affected[1] != "r2" {
		t.Fatalf("affected rooms = %v", affected)
	}
	if _, ok := m.rooms["r1"]; ok {
		t.Error("r1 left empty must be garbage-collected")
	}
	if !m.contains("r2", "bob") {
		t.Error("bob's membership in r2 must survive")
	}
	if m.removeUserFromAll("alice") != nil {
		t.Error("second removal must return nothing")
	}
}
