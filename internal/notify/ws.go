package notify

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

const writeWait = 5 * time.Second

// wsSession represents a connected driver session
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// WSRegistry holds one live session per driver.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*wsSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*wsSession)} }

// Add registers conn for driverID, replacing and closing any older session.
func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.sessions[driverID]
	r.sessions[driverID] = &wsSession{conn: conn}
	r.mu.Unlock()
	if old != nil && old.conn != conn {
		_ = old.conn.Close()
	}
}

// Remove drops the session only if it still belongs to conn.
func (r *WSRegistry) Remove(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok && s.conn == conn {
		delete(r.sessions, driverID)
	}
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *WSRegistry) NotifyOffer(ctx context.Context, n models.OfferNotice) error {
	r.mu.RLock()
	s, ok := r.sessions[n.DriverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.send(struct {
		Type string `json:"type"`
		models.OfferNotice
	}{Type: "ride_offer", OfferNotice: n})
}
