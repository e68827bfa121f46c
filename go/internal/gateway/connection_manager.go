package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/studylane/studylane/go/internal/duel/session"
)

// CommandHandler receives commands sent by a duel view over its socket.
type CommandHandler interface {
	HandleCommand(duelID, userID uuid.UUID, data []byte)
}

// DisconnectHandler is notified once for every closed socket, so releases
// pair one-to-one with session attaches.
type DisconnectHandler interface {
	HandleDisconnect(duelID, userID uuid.UUID)
}

// ConnectionManager manages WebSocket connections for duel views. Events
// from a user's session fan out to that user's open sockets.
type ConnectionManager struct {
	duelConnections map[uuid.UUID]map[*Connection]bool
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	commands    CommandHandler
	disconnects DisconnectHandler

	broadcastCh chan broadcastMessage
}

// Connection represents one WebSocket attached to a duel view.
type Connection struct {
	ID      string
	UserID  uuid.UUID
	DuelID  uuid.UUID
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	// done closes when the connection is unregistered. Send is never
	// closed: broadcasts race with teardown, and a send on a closed
	// channel would panic the process.
	done chan struct{}

	ConnectedAt time.Time
}

// ConnectionConfig holds configuration for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

type broadcastMessage struct {
	DuelID uuid.UUID
	UserID uuid.UUID // zero value means every participant's sockets
	Event  *session.Event
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager.
func NewConnectionManager(config ConnectionConfig, commands CommandHandler, disconnects DisconnectHandler) *ConnectionManager {
	return &ConnectionManager{
		duelConnections: make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		commands:    commands,
		disconnects: disconnects,
		broadcastCh: make(chan broadcastMessage, 256),
	}
}

// Start begins processing broadcast messages.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP connection to a duel WebSocket.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID, duelID uuid.UUID) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		DuelID:      duelID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		done:        make(chan struct{}),
		ConnectedAt: time.Now(),
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID.String()).
		Str("duel_id", duelID.String()).
		Msg("duel WebSocket connected")
	return nil
}

// BroadcastToUser queues an event for one participant's open sockets.
func (cm *ConnectionManager) BroadcastToUser(duelID, userID uuid.UUID, event *session.Event) {
	select {
	case cm.broadcastCh <- broadcastMessage{DuelID: duelID, UserID: userID, Event: event}:
	default:
		log.Warn().
			Str("duel_id", duelID.String()).
			Msg("broadcast channel full, dropping event")
	}
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.duelConnections[conn.DuelID] == nil {
		cm.duelConnections[conn.DuelID] = make(map[*Connection]bool)
	}
	cm.duelConnections[conn.DuelID][conn] = true
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	connections, exists := cm.duelConnections[conn.DuelID]
	if !exists || !connections[conn] {
		cm.mu.Unlock()
		return
	}
	delete(connections, conn)
	close(conn.done)
	if len(connections) == 0 {
		delete(cm.duelConnections, conn.DuelID)
	}
	cm.mu.Unlock()

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID.String()).
		Str("duel_id", conn.DuelID.String()).
		Msg("duel WebSocket disconnected")

	// One release per socket. The registry refcounts attaches, so the
	// session stops exactly when the user's last socket is gone.
	if cm.disconnects != nil {
		cm.disconnects.HandleDisconnect(conn.DuelID, conn.UserID)
	}
}

func (cm *ConnectionManager) handleBroadcast(message broadcastMessage) {
	cm.mu.RLock()
	connections, exists := cm.duelConnections[message.DuelID]
	if !exists {
		cm.mu.RUnlock()
		return
	}
	var targets []*Connection
	for conn := range connections {
		if message.UserID != uuid.Nil && conn.UserID != message.UserID {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	data, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		select {
		case <-conn.done:
			// Torn down between the snapshot and the send.
		case conn.Send <- data:
		default:
			// Slow consumer; drop the socket, the session keeps running.
			log.Warn().
				Str("connection_id", conn.ID).
				Msg("send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		if c.Manager.commands != nil {
			c.Manager.commands.HandleCommand(c.DuelID, c.UserID, message)
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
