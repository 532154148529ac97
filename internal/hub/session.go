package hub

import "time"

// Session is the live record of one authenticated, connected identity.
// The Conn field is nil while the user is in the disconnect grace
// window; delivery to such a session degrades to the offline queue.
type Session struct {
	UserID      string
	DisplayName string
	Role        string
	Status      string
	LastSeen    time.Time
	Conn        Conn
}

// sessionRegistry indexes sessions by user id and by connection. It is
// a plain data structure: the hub's lock guards all access.
type sessionRegistry struct {
	byUser map[string]*Session
	byConn map[Conn]*Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		byUser: make(map[string]*Session),
		byConn: make(map[Conn]*Session),
	}
}

// register creates or supersedes the session for a user. When the user
// already has a session (fast reconnect or a second device stealing
// the identity) the existing record keeps its status and the new
// connection replaces the old one. The superseded Conn, if any and
// different, is returned so the caller can close it outside the lock.
func (r *sessionRegistry) register(userID, displayName, role string, conn Conn, now time.Time) (*Session, Conn) {
	var superseded Conn
	s, ok := r.byUser[userID]
	if ok {
		if s.Conn != nil && s.Conn != conn {
			superseded = s.Conn
			delete(r.byConn, s.Conn)
		}
		s.DisplayName = displayName
		s.Role = role
		s.Conn = conn
		if s.Status == StatusOffline || s.Status == "" {
			s.Status = StatusOnline
		}
		s.LastSeen = now
	} else {
		s = &Session{
			UserID:      userID,
			DisplayName: displayName,
			Role:        role,
			Status:      StatusOnline,
			LastSeen:    now,
			Conn:        conn,
		}
		r.byUser[userID] = s
	}
	r.byConn[conn] = s
	return s, superseded
}

func (r *sessionRegistry) get(userID string) *Session {
	return r.byUser[userID]
}

func (r *sessionRegistry) byConnection(conn Conn) *Session {
	return r.byConn[conn]
}

// updateStatus sets the session status and bumps LastSeen. It reports
// whether the user had a session at all.
func (r *sessionRegistry) updateStatus(userID, status string, now time.Time) bool {
	s, ok := r.byUser[userID]
	if !ok {
		return false
	}
	s.Status = status
	s.LastSeen = now
	return true
}

// detach clears the connection reference of the session owning conn,
// leaving the session itself in place for the grace window. It returns
// the session, or nil when the connection never authenticated.
func (r *sessionRegistry) detach(conn Conn, now time.Time) *Session {
	s, ok := r.byConn[conn]
	if !ok {
		return nil
	}
	delete(r.byConn, conn)
	s.Conn = nil
	s.LastSeen = now
	return s
}

// remove deletes the session entirely. Used by the grace controller's
// cleanup once no reconnection arrived in time.
func (r *sessionRegistry) remove(userID string) {
	s, ok := r.byUser[userID]
	if !ok {
		return
	}
	if s.Conn != nil {
		delete(r.byConn, s.Conn)
	}
	delete(r.byUser, userID)
}
