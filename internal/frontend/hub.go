package frontend

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"opentrade-go/internal/marketdata"
	"opentrade-go/pkg/otype"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// session is one connected client: its socket, its outbound queue, its
// login state, and its per-security/pnl subscription sets, so inbound
// requests can be authorized and outbound pushes filtered.
type session struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	user    *otype.User
	subSecs map[int32]bool
	subPnl  map[int32]bool
}

func newSession(h *hub, conn *websocket.Conn) *session {
	s := &session{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, 256),
		subSecs: make(map[int32]bool),
		subPnl:  make(map[int32]bool),
	}
	h.register <- s
	go s.writePump()
	go s.readPump()
	return s
}

func (s *session) loggedInUser() *otype.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *session) setUser(u *otype.User) {
	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
}

func (s *session) setSecSub(secID int32, on bool) {
	s.mu.Lock()
	if on {
		s.subSecs[secID] = true
	} else {
		delete(s.subSecs, secID)
	}
	s.mu.Unlock()
}

func (s *session) wantsSec(secID int32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subSecs[secID]
}

func (s *session) setPnlSub(subAccountID int32, on bool) {
	s.mu.Lock()
	if on {
		s.subPnl[subAccountID] = true
	} else {
		delete(s.subPnl, subAccountID)
	}
	s.mu.Unlock()
}

func (s *session) wantsPnl(subAccountID int32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subPnl[subAccountID]
}

func (s *session) deliver(b []byte) {
	select {
	case s.send <- b:
	default:
		s.hub.logger.Warn("session send buffer full, dropping message")
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) readPump() {
	defer func() {
		s.hub.unregister <- s
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.hub.logger.Error("websocket read error", "error", err)
			}
			return
		}
		s.hub.dispatch(s, data)
	}
}

// hub tracks every connected session and fans out pushes with
// per-session filtering — a market-data push only reaches sessions
// subscribed to that security, and order/algo events only their
// owner — since the protocol is multi-tenant, not a single read-only
// dashboard feed.
type hub struct {
	logger   *slog.Logger
	handlers *handlers
	md       *marketdata.Store

	mu         sync.RWMutex
	sessions   map[*session]bool
	register   chan *session
	unregister chan *session
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		logger:     logger.With("component", "frontend-hub"),
		sessions:   make(map[*session]bool),
		register:   make(chan *session),
		unregister: make(chan *session),
	}
}

func (h *hub) run() {
	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s] = true
			h.mu.Unlock()
		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.sessions[s]; ok {
				delete(h.sessions, s)
				close(s.send)
			}
			h.mu.Unlock()
		}
	}
}

func (h *hub) dispatch(s *session, data []byte) {
	var msg inMessage
	if err := msg.UnmarshalJSON(data); err != nil {
		s.deliver(outMessage("error", "malformed message"))
		return
	}
	h.handlers.handle(s, msg)
}

// pushToSecSubscribers delivers md to every session subscribed to secID.
func (h *hub) pushToSecSubscribers(secID int32, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		if s.wantsSec(secID) {
			s.deliver(payload)
		}
	}
}

// pushToAlgoSubscribers delivers a live algo lifecycle event to every
// session logged in as the algo's owner (or an admin) — the client
// protocol has no separate algo subscribe tag; ownership alone gates
// delivery, the same rule "order" confirmations use.
func (h *hub) pushToAlgoSubscribers(ownerUserID int32, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		u := s.loggedInUser()
		if u != nil && (u.IsAdmin || u.ID == ownerUserID) {
			s.deliver(payload)
		}
	}
}

// pushToOrderOwner delivers an order confirmation only to the
// session(s) logged in as its owning user or as an admin.
func (h *hub) pushToOrderOwner(ownerUserID int32, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		u := s.loggedInUser()
		if u != nil && (u.IsAdmin || u.ID == ownerUserID) {
			s.deliver(payload)
		}
	}
}

// pushToPnlSubscribers delivers a pnl tick to every session subscribed
// to subAccountID.
func (h *hub) pushToPnlSubscribers(subAccountID int32, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		if s.wantsPnl(subAccountID) {
			s.deliver(payload)
		}
	}
}
