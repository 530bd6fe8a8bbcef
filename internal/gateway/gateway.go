// Package gateway exposes the shared stores to browser clients over
// WebSocket. Each room gets a connection pool plus a set of store watches;
// inbound frames become store writes and store changes fan out to every
// connection in the room.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pairgrid/pairgrid/internal/store"
)

// Frame types carried on the wire, both directions.
const (
	FrameGame    = "game"
	FrameRoom    = "room"
	FramePresent = "presence"
	FrameCursor  = "cursor"
)

// Frame is one WebSocket message. Outbound frames carry the concrete store
// path and the current value (null on removal). Inbound frames request a
// write: a null Data removes the record at Path.
type Frame struct {
	Type string          `json:"type"`
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// Config holds WebSocket tuning for the gateway.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConfig returns gateway defaults sized for small game documents.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Gateway owns the per-room connection pools and the store watches that
// feed them.
type Gateway struct {
	docs store.DocumentStore
	eph  store.EphemeralStore

	mu    sync.RWMutex
	rooms map[string]*roomPool

	upgrader    websocket.Upgrader
	config      Config
	broadcastCh chan broadcast
}

// roomPool is the set of live connections for one room code together with
// the unsubscribe functions for that room's store watches.
type roomPool struct {
	connections map[*Connection]bool
	unwatch     []func()
}

type broadcast struct {
	roomCode string
	frame    Frame
}

// Connection is one client WebSocket. Writes go through Send so a slow
// client never blocks the broadcast loop. Send is closed exactly once,
// through closeSend, and broadcasters enqueue through trySend; the sendMu
// pair is what keeps a disconnecting client from panicking the broadcast
// loop with a send on a closed channel.
type Connection struct {
	ID       string
	UserID   string
	RoomCode string
	Conn     *websocket.Conn
	Send     chan []byte

	sendMu     sync.Mutex
	sendClosed bool

	gateway     *Gateway
	connectedAt time.Time
}

// trySend enqueues without blocking. It reports false when the buffer is
// full or the connection is already closed.
func (c *Connection) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the Send channel exactly once.
func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.Send)
}

// New creates a gateway over the given stores.
func New(docs store.DocumentStore, eph store.EphemeralStore, config Config) *Gateway {
	return &Gateway{
		docs:  docs,
		eph:   eph,
		rooms: make(map[string]*roomPool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcast, 1000),
	}
}

// Start runs the broadcast loop until the context is cancelled.
func (g *Gateway) Start(ctx context.Context) {
	log.Info().Msg("gateway started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("gateway shutting down")
			g.closeAll()
			return
		case message := <-g.broadcastCh:
			g.fanOut(message)
		}
	}
}

// Upgrade promotes an HTTP request to a WebSocket connection joined to the
// given room. The first connection in a room also opens the room's store
// watches.
func (g *Gateway) Upgrade(w http.ResponseWriter, r *http.Request, userID, roomCode string) error {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.NewString(),
		UserID:      userID,
		RoomCode:    roomCode,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		gateway:     g,
		connectedAt: time.Now(),
	}

	if err := g.register(connection); err != nil {
		conn.Close()
		return err
	}

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID).
		Str("room", roomCode).
		Msg("websocket connection established")

	return nil
}

func (g *Gateway) register(conn *Connection) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	pool := g.rooms[conn.RoomCode]
	if pool == nil {
		pool = &roomPool{connections: make(map[*Connection]bool)}
		unwatch, err := g.watchRoom(conn.RoomCode)
		if err != nil {
			return fmt.Errorf("watch room %s: %w", conn.RoomCode, err)
		}
		pool.unwatch = unwatch
		g.rooms[conn.RoomCode] = pool
	}
	pool.connections[conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("room", conn.RoomCode).
		Int("room_connections", len(pool.connections)).
		Msg("connection registered")
	return nil
}

func (g *Gateway) unregister(conn *Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pool, exists := g.rooms[conn.RoomCode]
	if !exists || !pool.connections[conn] {
		return
	}
	delete(pool.connections, conn)
	conn.closeSend()

	// Last one out tears down the room's store watches.
	if len(pool.connections) == 0 {
		for _, unwatch := range pool.unwatch {
			unwatch()
		}
		delete(g.rooms, conn.RoomCode)
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID).
		Str("room", conn.RoomCode).
		Msg("connection unregistered")
}

// watchRoom opens the store watches whose changes feed the room's pool:
// the game document, the room document, and the presence and cursor
// prefixes.
func (g *Gateway) watchRoom(roomCode string) ([]func(), error) {
	var unwatch []func()

	gameKey := store.GameKey(roomCode)
	un, err := g.docs.Subscribe(gameKey, func(doc json.RawMessage) {
		g.enqueue(roomCode, Frame{Type: FrameGame, Path: gameKey, Data: doc})
	})
	if err != nil {
		return nil, err
	}
	unwatch = append(unwatch, un)

	roomKey := store.RoomKey(roomCode)
	un, err = g.docs.Subscribe(roomKey, func(doc json.RawMessage) {
		g.enqueue(roomCode, Frame{Type: FrameRoom, Path: roomKey, Data: doc})
	})
	if err != nil {
		teardown(unwatch)
		return nil, err
	}
	unwatch = append(unwatch, un)

	un, err = g.eph.OnValue(store.PresencePrefix(roomCode), func(path string, value json.RawMessage) {
		g.enqueue(roomCode, Frame{Type: FramePresent, Path: path, Data: value})
	})
	if err != nil {
		teardown(unwatch)
		return nil, err
	}
	unwatch = append(unwatch, un)

	un, err = g.eph.OnValue(store.CursorPrefix(roomCode), func(path string, value json.RawMessage) {
		g.enqueue(roomCode, Frame{Type: FrameCursor, Path: path, Data: value})
	})
	if err != nil {
		teardown(unwatch)
		return nil, err
	}
	unwatch = append(unwatch, un)

	return unwatch, nil
}

func teardown(unwatch []func()) {
	for _, un := range unwatch {
		un()
	}
}

func (g *Gateway) enqueue(roomCode string, frame Frame) {
	select {
	case g.broadcastCh <- broadcast{roomCode: roomCode, frame: frame}:
	default:
		log.Warn().Str("room", roomCode).Msg("broadcast channel full, dropping frame")
	}
}

func (g *Gateway) fanOut(message broadcast) {
	g.mu.RLock()
	pool, exists := g.rooms[message.roomCode]
	if !exists {
		g.mu.RUnlock()
		return
	}
	targets := make([]*Connection, 0, len(pool.connections))
	for conn := range pool.connections {
		targets = append(targets, conn)
	}
	g.mu.RUnlock()

	data, err := json.Marshal(message.frame)
	if err != nil {
		log.Error().Err(err).Msg("marshal frame for broadcast")
		return
	}

	for _, conn := range targets {
		if !conn.trySend(data) {
			log.Warn().
				Str("connection_id", conn.ID).
				Str("user_id", conn.UserID).
				Msg("send buffer full or connection closed, dropping it")
			g.unregister(conn)
			conn.Conn.Close()
		}
	}
}

func (g *Gateway) closeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for roomCode, pool := range g.rooms {
		for conn := range pool.connections {
			conn.closeSend()
			conn.Conn.Close()
		}
		for _, unwatch := range pool.unwatch {
			unwatch()
		}
		delete(g.rooms, roomCode)
	}
}

// Stats returns per-room connection counts.
func (g *Gateway) Stats() (total int, rooms map[string]int) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rooms = make(map[string]int, len(g.rooms))
	for roomCode, pool := range g.rooms {
		rooms[roomCode] = len(pool.connections)
		total += len(pool.connections)
	}
	return total, rooms
}

// applyFrame turns an inbound client frame into a store write. The path is
// validated against the connection's room so a client cannot write into
// another room's keyspace.
func (g *Gateway) applyFrame(ctx context.Context, conn *Connection, frame Frame) error {
	if !pathInRoom(frame.Path, conn.RoomCode) {
		return fmt.Errorf("path %q outside room %s", frame.Path, conn.RoomCode)
	}

	switch frame.Type {
	case FrameGame, FrameRoom:
		if frame.Data == nil {
			return g.docs.Delete(ctx, frame.Path)
		}
		return g.docs.Set(ctx, frame.Path, frame.Data)
	case FramePresent, FrameCursor:
		if frame.Data == nil {
			return g.eph.Remove(ctx, frame.Path)
		}
		return g.eph.Set(ctx, frame.Path, frame.Data)
	default:
		return fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

func pathInRoom(path, roomCode string) bool {
	switch {
	case path == store.GameKey(roomCode),
		path == store.RoomKey(roomCode),
		strings.HasPrefix(path, store.PresencePrefix(roomCode)+"/"),
		strings.HasPrefix(path, store.CursorPrefix(roomCode)+"/"):
		return true
	}
	return false
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.gateway.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.gateway.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.gateway.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("write frame")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.gateway.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("send ping")
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.gateway.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.gateway.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.gateway.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.gateway.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected websocket close")
			}
			break
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			log.Debug().Err(err).Str("connection_id", c.ID).Msg("dropping unparsable frame")
			c.Conn.SetReadDeadline(time.Now().Add(c.gateway.config.ReadTimeout))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.gateway.applyFrame(ctx, c, frame); err != nil {
			log.Warn().
				Err(err).
				Str("connection_id", c.ID).
				Str("user_id", c.UserID).
				Str("frame_type", frame.Type).
				Msg("rejected client frame")
		}
		cancel()
		c.Conn.SetReadDeadline(time.Now().Add(c.gateway.config.ReadTimeout))
	}
}
