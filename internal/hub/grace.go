package hub

import "time"

// graceController defers destructive cleanup after a disconnect so a
// fast reconnect keeps its session, rooms and status intact. At most
// one pending cleanup exists per user: re-arming replaces the previous
// timer instead of stacking a second one. The hub's lock guards the
// map; the cleanup callback runs in a timer goroutine and must take
// the lock itself.
type graceController struct {
	timers map[string]*time.Timer
}

func newGraceController() *graceController {
	return &graceController{timers: make(map[string]*time.Timer)}
}

// arm schedules cleanup for the user after d. An existing timer is
// cancelled and replaced, extending rather than stacking the deadline.
func (g *graceController) arm(userID string, d time.Duration, cleanup func()) {
	if t, ok := g.timers[userID]; ok {
		t.Stop()
	}
	g.timers[userID] = time.AfterFunc(d, cleanup)
}

// disarm cancels a pending cleanup, reporting whether one was armed.
// A true result means the caller is handling a reconnect inside the
// grace window.
func (g *graceController) disarm(userID string) bool {
	t, ok := g.timers[userID]
	if !ok {
		return false
	}
	t.Stop()
	delete(g.timers, userID)
	return true
}
