package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/observability"
)

// Notice is the message pushed to a rider for each decision on one of
// their requests.
type Notice struct {
	Type   string                  `json:"type"`
	Record models.AllocationRecord `json:"record"`
}

func decisionNotice(rec models.AllocationRecord) Notice {
	return Notice{Type: "decision", Record: rec}
}

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// WSSession represents a connected rider session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(n Notice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(n)
}

// WSRegistry holds one session per rider; a newer connection replaces the
// older one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(riderID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[riderID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[riderID] = &WSSession{conn: conn}
}

// Remove drops the rider's session if it is still conn.
func (r *WSRegistry) Remove(riderID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[riderID]; ok && s.conn == conn {
		delete(r.sessions, riderID)
	}
}

func (r *WSRegistry) Connected(riderID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[riderID]
	return ok
}

// Notify pushes rec to the rider's open session. It returns ErrNoSession
// when the rider is not connected.
func (r *WSRegistry) Notify(riderID string, rec models.AllocationRecord) error {
	r.mu.RLock()
	s, ok := r.sessions[riderID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(decisionNotice(rec)); err != nil {
		observability.NotificationsSent.WithLabelValues("ws", "error").Inc()
		r.Remove(riderID, s.conn)
		return err
	}
	observability.NotificationsSent.WithLabelValues("ws", "ok").Inc()
	return nil
}
