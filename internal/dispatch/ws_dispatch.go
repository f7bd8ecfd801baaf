package dispatch

import (
	"errors"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ridehail/internal/models"
	"github.com/example/ridehail/internal/observability"
)

// ErrNoSession is returned when the recipient has no live websocket.
var ErrNoSession = errors.New("no ws session")

// WSSession represents one connected device.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(p Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(p)
}

// WSRegistry holds live sessions keyed by subject id. One session per
// subject; a reconnect replaces the previous socket.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	onClose  func(subjectID string)
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// OnClose registers a hook invoked when a session disappears; the
// server uses it to mark drivers offline in the location index.
func (r *WSRegistry) OnClose(fn func(subjectID string)) { r.onClose = fn }

func (r *WSRegistry) Add(subjectID string, conn *websocket.Conn) {
	r.mu.Lock()
	if old, ok := r.sessions[subjectID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[subjectID] = &WSSession{conn: conn}
	r.mu.Unlock()
	observability.DriversOnline.Inc()
}

func (r *WSRegistry) Remove(subjectID string) {
	r.mu.Lock()
	s, ok := r.sessions[subjectID]
	if ok {
		delete(r.sessions, subjectID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	_ = s.conn.Close()
	observability.DriversOnline.Dec()
	if r.onClose != nil {
		r.onClose(subjectID)
	}
}

// Deliver implements Deliverer over the live session, if any.
func (r *WSRegistry) Deliver(recipientID string, p Payload) error {
	r.mu.RLock()
	s, ok := r.sessions[recipientID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(p); err != nil {
		log.Printf("ws send error: %v", err)
		return err
	}
	return nil
}

// Offer satisfies the matcher's dispatcher contract.
func (r *WSRegistry) Offer(driverID string, offer models.MatchOffer) error {
	return r.Deliver(driverID, OfferPayload(offer))
}
