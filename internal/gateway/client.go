package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pactdesk/collab/internal/auth"
	"github.com/pactdesk/collab/internal/bus"
	apperrors "github.com/pactdesk/collab/internal/errors"
	"github.com/pactdesk/collab/internal/logging"
	"github.com/pactdesk/collab/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

// client is one websocket connection bound to a verified user. A user may
// hold several clients at once (multiple devices or tabs).
type client struct {
	server   *Server
	conn     *websocket.Conn
	userID   string
	role     string
	connID   string
	openedAt time.Time
	send     chan []byte

	mu      sync.Mutex
	rooms   map[string]*bus.Subscription // documents joined via this connection
	userSub *bus.Subscription
	closed  bool

	cleanupOnce sync.Once
}

func newClient(s *Server, conn *websocket.Conn, identity *auth.Identity) *client {
	return &client{
		server:   s,
		conn:     conn,
		userID:   identity.UserID,
		role:     identity.Role,
		connID:   string(models.NewUUID()),
		openedAt: time.Now(),
		send:     make(chan []byte, sendBuffer),
		rooms:    make(map[string]*bus.Subscription),
	}
}

// snapshot captures the connection's state for introspection.
func (c *client) snapshot() models.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make(map[string]bool, len(c.rooms))
	for id := range c.rooms {
		rooms[id] = true
	}
	return models.Connection{
		ID:       c.connID,
		UserID:   c.userID,
		Role:     c.role,
		Rooms:    rooms,
		OpenedAt: c.openedAt.Unix(),
	}
}

// forward relays a bus event to the socket, suppressing echoes of events
// this connection originated. A connection that cannot keep up loses
// messages rather than stalling the bus; it re-derives state on rejoin.
func (c *client) forward(ev bus.Event) {
	if ev.Origin == c.connID {
		return
	}
	c.enqueue(Envelope{Type: ev.Type, Payload: ev.Payload})
}

func (c *client) enqueue(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		logging.Error("Failed to marshal outbound message", err,
			map[string]interface{}{"type": env.Type})
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		logging.Warn("Dropping message for slow connection", map[string]interface{}{
			"connection_id": c.connID,
			"user_id":       c.userID,
			"type":          env.Type,
		})
	}
}

func (c *client) reply(msgType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error("Failed to marshal reply payload", err,
			map[string]interface{}{"type": msgType})
		return
	}
	c.enqueue(Envelope{Type: msgType, Payload: data})
}

func (c *client) sendError(err error) {
	c.reply(msgError, errorPayload{
		Code:    string(apperrors.CodeOf(err)),
		Message: err.Error(),
	})
}

// readPump owns the read side of the socket and drives all inbound
// dispatch. It runs cleanup when the connection drops for any reason.
func (c *client) readPump() {
	defer c.cleanup()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn("Connection read error", map[string]interface{}{
					"connection_id": c.connID,
					"error":         err.Error(),
				})
			}
			return
		}
		c.handle(message)
	}
}

// writePump owns the write side of the socket: queued messages plus
// keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// cleanup tears down everything this connection holds: room memberships
// first (which releases locks when this was the user's last connection in
// a room), subscriptions next, presence last so contacts see offline only
// after the departure settled. Safe to run once per connection.
func (c *client) cleanup() {
	c.cleanupOnce.Do(func() {
		c.mu.Lock()
		rooms := make(map[string]*bus.Subscription, len(c.rooms))
		for id, sub := range c.rooms {
			rooms[id] = sub
		}
		c.rooms = make(map[string]*bus.Subscription)
		userSub := c.userSub
		c.mu.Unlock()

		for documentID, sub := range rooms {
			c.server.rooms.Leave(documentID, c.userID, c.connID)
			sub.Cancel()
		}
		userSub.Cancel()
		c.server.removeClient(c.connID)

		c.server.presence.ConnectionClosed(c.userID, c.connID)

		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()

		c.conn.Close()

		logging.Info("Connection closed", map[string]interface{}{
			"connection_id": c.connID,
			"user_id":       c.userID,
		})
	})
}

// handle dispatches one inbound message.
func (c *client) handle(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.sendError(apperrors.Wrap(apperrors.ErrInvalid, "malformed message", err))
		return
	}

	switch env.Type {
	case msgJoinRoom:
		c.handleJoin(env.Payload)
	case msgLeaveRoom:
		c.handleLeave(env.Payload)
	case msgSubmitChange:
		c.handleSubmit(env.Payload)
	case msgAcquireLock:
		c.handleAcquireLock(env.Payload)
	case msgReleaseLock:
		c.handleReleaseLock(env.Payload)
	case msgHeartbeat:
		c.handleHeartbeat(env.Payload)
	case msgTypingStart:
		c.handleTyping(env.Payload, true)
	case msgTypingStop:
		c.handleTyping(env.Payload, false)
	default:
		c.sendError(apperrors.New(apperrors.ErrInvalid, "unknown message type: "+env.Type))
	}
}

func (c *client) handleJoin(payload json.RawMessage) {
	var req joinRoomPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.DocumentID == "" {
		c.sendError(apperrors.New(apperrors.ErrInvalid, "join-room requires document_id"))
		return
	}

	result, err := c.server.rooms.Join(context.Background(), req.DocumentID, c.userID, c.connID)
	if err != nil {
		c.sendError(err)
		return
	}

	c.mu.Lock()
	_, subscribed := c.rooms[req.DocumentID]
	if !subscribed {
		// Placeholder so a concurrent join from the same connection does
		// not double-subscribe.
		c.rooms[req.DocumentID] = nil
	}
	c.mu.Unlock()

	if !subscribed {
		sub, err := c.server.bus.Subscribe(bus.RoomTopic(req.DocumentID), c.forward)
		if err != nil {
			logging.Error("Failed to subscribe to room topic", err,
				map[string]interface{}{"document_id": req.DocumentID})
		}
		c.mu.Lock()
		c.rooms[req.DocumentID] = sub
		c.mu.Unlock()
	}

	c.reply(msgJoined, result)
}

func (c *client) handleLeave(payload json.RawMessage) {
	var req leaveRoomPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.DocumentID == "" {
		c.sendError(apperrors.New(apperrors.ErrInvalid, "leave-room requires document_id"))
		return
	}

	c.mu.Lock()
	sub, ok := c.rooms[req.DocumentID]
	delete(c.rooms, req.DocumentID)
	c.mu.Unlock()

	if ok {
		sub.Cancel()
	}
	c.server.rooms.Leave(req.DocumentID, c.userID, c.connID)
}

func (c *client) handleSubmit(payload json.RawMessage) {
	var req submitChangePayload
	if err := json.Unmarshal(payload, &req); err != nil || req.DocumentID == "" {
		c.sendError(apperrors.New(apperrors.ErrInvalid, "submit-change requires document_id"))
		return
	}

	result, err := c.server.rooms.Submit(context.Background(), models.ChangeSubmission{
		DocumentID:   req.DocumentID,
		BaseVersion:  req.BaseVersion,
		Patch:        req.Patch,
		SubmitterID:  c.userID,
		ConnectionID: c.connID,
	})
	if err != nil {
		c.sendError(err)
		return
	}

	if result.Accepted {
		c.reply(msgChangeAccepted, changeAcceptedPayload{
			DocumentID: req.DocumentID,
			NewVersion: result.NewVersion,
		})
		return
	}
	c.reply(msgChangeRejected, changeRejectedPayload{
		DocumentID:     req.DocumentID,
		CurrentVersion: result.CurrentVersion,
		Content:        result.Content,
		Reason:         result.Reason,
	})
}

func (c *client) handleAcquireLock(payload json.RawMessage) {
	var req lockPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.DocumentID == "" || req.SectionID == "" {
		c.sendError(apperrors.New(apperrors.ErrInvalid, "acquire-lock requires document_id and section_id"))
		return
	}

	kind := models.LockExclusive
	switch req.Kind {
	case "", string(models.LockExclusive):
	case string(models.LockShared):
		kind = models.LockShared
	default:
		c.sendError(apperrors.New(apperrors.ErrInvalid, "unknown lock kind: "+req.Kind))
		return
	}

	grant, err := c.server.rooms.AcquireLock(req.DocumentID, req.SectionID, c.userID, c.connID, kind)
	if err != nil {
		c.sendError(err)
		return
	}
	if !grant.Granted {
		// Denial goes to the requester only; the room hears nothing.
		c.reply(msgLockDenied, lockDeniedPayload{
			DocumentID: req.DocumentID,
			SectionID:  req.SectionID,
			Holder:     grant.Holder,
			Reason:     grant.Reason,
		})
	}
}

func (c *client) handleReleaseLock(payload json.RawMessage) {
	var req lockPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.DocumentID == "" || req.SectionID == "" {
		c.sendError(apperrors.New(apperrors.ErrInvalid, "release-lock requires document_id and section_id"))
		return
	}
	c.server.rooms.ReleaseLock(req.DocumentID, req.SectionID, c.userID, c.connID)
}

func (c *client) handleHeartbeat(payload json.RawMessage) {
	c.server.presence.Heartbeat(c.userID)

	if len(payload) == 0 {
		return
	}
	var req heartbeatPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.Status == "" {
		return
	}
	switch status := models.PresenceStatus(req.Status); status {
	case models.PresenceOnline, models.PresenceAway:
		c.server.presence.SetStatus(c.userID, status)
	}
}

func (c *client) handleTyping(payload json.RawMessage, started bool) {
	var req typingPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.DocumentID == "" {
		c.sendError(apperrors.New(apperrors.ErrInvalid, "typing requires document_id"))
		return
	}

	c.mu.Lock()
	_, member := c.rooms[req.DocumentID]
	c.mu.Unlock()
	if !member {
		return
	}

	if started {
		c.server.presence.TypingStarted(req.DocumentID, c.userID)
	} else {
		c.server.presence.TypingStopped(req.DocumentID, c.userID)
	}
}
