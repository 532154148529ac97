package hub

import "time"

// offlineQueue buffers events whose live delivery attempt found no
// active connection for the target. FIFO per user, no deduplication:
// duplicate mentions are intentionally preserved so a user is never
// silently under-notified. The buffer lives only for the process
// lifetime; it is a best-effort at-least-once queue, not a durable
// outbox. The hub's lock guards all access.
type offlineQueue struct {
	byUser map[string][]QueuedEvent
}

func newOfflineQueue() *offlineQueue {
	return &offlineQueue{byUser: make(map[string][]QueuedEvent)}
}

func (q *offlineQueue) enqueue(userID, kind string, evt Outbound, now time.Time) {
	q.byUser[userID] = append(q.byUser[userID], QueuedEvent{
		Kind:       kind,
		Event:      evt,
		EnqueuedAt: now,
	})
}

// drain removes and returns the user's queued events in enqueue order.
func (q *offlineQueue) drain(userID string) []QueuedEvent {
	events := q.byUser[userID]
	delete(q.byUser, userID)
	return events
}

func (q *offlineQueue) pending(userID string) int {
	return len(q.byUser[userID])
}
