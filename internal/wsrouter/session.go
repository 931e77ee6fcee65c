package wsrouter

import (
	"sync"

	"orchestratord/internal/wshub"
)

// Session is the router's view of one connected client. pendingCorrIds
// tracks corrId -> jobId once acked so the
// router can (eventually) correlate client-side retries; ownership of
// jobId -> sessionID for event fan-out lives in Router itself since a
// job outlives its session on disconnect.
type Session struct {
	ID   string
	conn *wshub.Conn

	mu             sync.Mutex
	pendingCorrIds map[string]string
}

func newSession(id string, conn *wshub.Conn) *Session {
	return &Session{ID: id, conn: conn, pendingCorrIds: make(map[string]string)}
}

func (s *Session) remember(corrID, jobID string) {
	s.mu.Lock()
	s.pendingCorrIds[corrID] = jobID
	s.mu.Unlock()
}
