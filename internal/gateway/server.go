// Package gateway terminates websocket sessions: it authenticates the
// handshake, dispatches inbound messages to the room registry and presence
// tracker, and relays bus events back out to each connection.
package gateway

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/pactdesk/collab/internal/auth"
	"github.com/pactdesk/collab/internal/bus"
	"github.com/pactdesk/collab/internal/logging"
	"github.com/pactdesk/collab/internal/models"
	"github.com/pactdesk/collab/internal/presence"
	"github.com/pactdesk/collab/internal/room"
)

// Server is the websocket endpoint. It implements http.Handler.
type Server struct {
	verifier auth.Verifier
	rooms    *room.Registry
	presence *presence.Tracker
	bus      bus.Bus
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
}

// NewServer wires the gateway against its collaborators.
func NewServer(verifier auth.Verifier, rooms *room.Registry, tracker *presence.Tracker, b bus.Bus) *Server {
	return &Server{
		verifier: verifier,
		rooms:    rooms,
		presence: tracker,
		bus:      b,
		clients:  make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers enforce no same-origin policy for websockets; the
			// bearer token is the access control here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades an authenticated request to a websocket session.
// Requests without a valid bearer token are refused before the upgrade.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.Verify(bearerToken(r))
	if err != nil {
		logging.Warn("Handshake rejected", map[string]interface{}{
			"remote_addr": r.RemoteAddr,
			"error":       err.Error(),
		})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("Failed to upgrade connection", err,
			map[string]interface{}{"remote_addr": r.RemoteAddr})
		return
	}

	c := newClient(s, conn, identity)

	sub, err := s.bus.Subscribe(bus.UserTopic(c.userID), c.forward)
	if err != nil {
		logging.Error("Failed to subscribe to user topic", err,
			map[string]interface{}{"user_id": c.userID})
		conn.Close()
		return
	}
	c.userSub = sub

	s.mu.Lock()
	s.clients[c.connID] = c
	s.mu.Unlock()

	s.presence.ConnectionOpened(c.userID, c.connID)

	logging.Info("Connection established", map[string]interface{}{
		"connection_id": c.connID,
		"user_id":       c.userID,
		"remote_addr":   r.RemoteAddr,
	})

	go c.writePump()
	go c.readPump()
}

func (s *Server) removeClient(connectionID string) {
	s.mu.Lock()
	delete(s.clients, connectionID)
	s.mu.Unlock()
}

// ActiveConnections snapshots the open sessions for operational
// introspection.
func (s *Server) ActiveConnections() []models.Connection {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	out := make([]models.Connection, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// bearerToken extracts the credential from the Authorization header, or
// from the token query parameter for clients that cannot set headers on a
// websocket handshake.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
