package hub

import "time"

// typingRecord tracks one user's active typing indicator. Two
// independent timers guard it: a natural expiry that fires when no
// refresh or explicit stop arrives, and a hard ceiling that bounds
// broadcast noise even under continuous keystrokes. A refresh resets
// only the natural expiry; the ceiling keeps counting from the first
// keystroke.
type typingRecord struct {
	roomID    string
	startedAt time.Time
	expiry    *time.Timer
	ceiling   *time.Timer
}

// typingTracker keys records by user: a user is never reported as
// typing in two rooms at once, so starting in a second room first
// stops the indicator in the previous one. The hub's lock guards the
// map; the timers call back into the hub, which re-acquires it.
type typingTracker struct {
	byUser map[string]*typingRecord
}

func newTypingTracker() *typingTracker {
	return &typingTracker{byUser: make(map[string]*typingRecord)}
}

// start inserts or refreshes the record for (roomID, userID). The
// onExpire callback fires in a timer goroutine when either timer
// lapses. Return values: prevRoom is a different room the user was
// typing in (now stopped, caller must emit a corrective event), and
// fresh reports whether a new record was created, in which case the
// caller broadcasts "typing started".
func (t *typingTracker) start(roomID, userID string, expiry, ceiling time.Duration, now time.Time, onExpire func()) (prevRoom string, fresh bool) {
	rec, ok := t.byUser[userID]
	if ok && rec.roomID == roomID {
		rec.expiry.Reset(expiry)
		return "", false
	}
	if ok {
		prevRoom = rec.roomID
		t.cancel(rec)
		delete(t.byUser, userID)
	}
	rec = &typingRecord{
		roomID:    roomID,
		startedAt: now,
		expiry:    time.AfterFunc(expiry, onExpire),
		ceiling:   time.AfterFunc(ceiling, onExpire),
	}
	t.byUser[userID] = rec
	return prevRoom, true
}

// stop removes the record for (roomID, userID) if present, cancelling
// both timers. Stopping is idempotent: it reports whether a record
// actually existed so the caller can suppress duplicate "stopped"
// broadcasts.
func (t *typingTracker) stop(roomID, userID string) bool {
	rec, ok := t.byUser[userID]
	if !ok || rec.roomID != roomID {
		return false
	}
	t.cancel(rec)
	delete(t.byUser, userID)
	return true
}

// stopAll removes the user's record regardless of room and returns the
// room it named, or "" when the user was not typing. Used by
// disconnect cleanup.
func (t *typingTracker) stopAll(userID string) string {
	rec, ok := t.byUser[userID]
	if !ok {
		return ""
	}
	t.cancel(rec)
	delete(t.byUser, userID)
	return rec.roomID
}

// typingSnapshot is one entry of the sweep's working set.
type typingSnapshot struct {
	roomID    string
	startedAt time.Time
}

// snapshot returns the current records keyed by user, for the periodic
// sweep to reconcile against the ephemeral store.
func (t *typingTracker) snapshot() map[string]typingSnapshot {
	out := make(map[string]typingSnapshot, len(t.byUser))
	for uid, rec := range t.byUser {
		out[uid] = typingSnapshot{roomID: rec.roomID, startedAt: rec.startedAt}
	}
	return out
}

func (t *typingTracker) cancel(rec *typingRecord) {
	rec.expiry.Stop()
	rec.ceiling.Stop()
}
