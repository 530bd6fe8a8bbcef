// Package room owns the connection and room lifecycle: connecting through
// the identity provider, creating and joining rooms, opponent presence
// detection via the ephemeral store, and reconnection after a restart from
// the persisted session descriptor.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pairgrid/pairgrid/internal/models"
	"github.com/pairgrid/pairgrid/internal/store"
)

// Connection errors surfaced to the UI with a retry affordance.
var (
	ErrNotConnected = errors.New("room: not connected")
	ErrRoomNotFound = errors.New("room: room not found")
	ErrRoomFull     = errors.New("room: room is full")
	ErrRoomFinished = errors.New("room: game already finished")
	ErrNoActiveRoom = errors.New("room: no active room")
)

// ConnectionState is the manager's finite-state machine.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// IdentityProvider issues the stable opaque identity for this client.
type IdentityProvider interface {
	GetOrCreateUserID() (string, error)
}

// SessionStore persists the reconnection descriptor across restarts.
type SessionStore interface {
	Session() (*models.Session, error)
	SaveSession(session *models.Session) error
	ClearSession() error
}

// Config holds room manager settings.
type Config struct {
	// HeartbeatInterval is how often the local presence record is
	// refreshed while connected to a room.
	HeartbeatInterval time.Duration
	// CodeAttempts bounds collision retries when minting a room code.
	CodeAttempts int
}

// DefaultConfig returns default room manager settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 20 * time.Second,
		CodeAttempts:      5,
	}
}

// CreateOptions carries the host's setup choices for a new room.
type CreateOptions struct {
	Name   string
	Color  string
	Config models.RoomConfig
}

// Manager is the presence and connection manager for one client.
type Manager struct {
	docs     store.DocumentStore
	eph      store.EphemeralStore
	ids      IdentityProvider
	sessions SessionStore
	clock    clockwork.Clock
	config   Config
	rng      *rand.Rand

	mu            sync.Mutex
	state         ConnectionState
	lastErr       error
	userID        string
	room          *models.Room
	localSlot     models.PlayerSlot
	isHost        bool
	presence      map[string]models.PresenceData
	presenceUnsub func()
	heartbeatStop chan struct{}
}

// NewManager wires a manager from its collaborators.
func NewManager(docs store.DocumentStore, eph store.EphemeralStore, ids IdentityProvider, sessions SessionStore, clock clockwork.Clock, config Config, rng *rand.Rand) *Manager {
	return &Manager{
		docs:     docs,
		eph:      eph,
		ids:      ids,
		sessions: sessions,
		clock:    clock,
		config:   config,
		rng:      rng,
		state:    StateDisconnected,
		presence: make(map[string]models.PresenceData),
	}
}

// State returns the connection state and the last connection error, if any.
func (m *Manager) State() (ConnectionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.lastErr
}

// Room returns the active room, or nil.
func (m *Manager) Room() *models.Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.room == nil {
		return nil
	}
	room := *m.room
	return &room
}

// LocalSlot returns the seat assigned to this client in the active room.
func (m *Manager) LocalSlot() models.PlayerSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localSlot
}

// IsHost reports whether this client created the active room.
func (m *Manager) IsHost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isHost
}

// UserID returns the connected identity, or empty before Connect.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Connect requests an anonymous identity and moves to connected. Calling
// it while connected or connecting is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.lastErr = nil
	m.mu.Unlock()

	userID, err := m.ids.GetOrCreateUserID()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = StateDisconnected
		m.lastErr = fmt.Errorf("acquire identity: %w", err)
		log.Error().Err(err).Msg("connect failed")
		return m.lastErr
	}
	m.userID = userID
	m.state = StateConnected
	log.Info().Str("user_id", userID).Msg("connected")
	return nil
}

// CreateRoom mints a room code, writes the initial room document with the
// caller as host on seat 1, and returns the code.
func (m *Manager) CreateRoom(ctx context.Context, opts CreateOptions) (string, error) {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return "", ErrNotConnected
	}
	userID := m.userID
	m.mu.Unlock()

	code, err := m.mintRoomCode(ctx)
	if err != nil {
		return "", err
	}

	now := m.clock.Now()
	room := models.Room{
		RoomCode:     code,
		HostID:       userID,
		Status:       models.RoomWaiting,
		Config:       opts.Config,
		PlayerSlots:  map[string]models.PlayerSlot{userID: models.Slot1},
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := m.docs.Set(ctx, store.RoomKey(code), room); err != nil {
		return "", fmt.Errorf("write room document: %w", err)
	}

	if err := m.enterRoom(ctx, &room, models.Slot1, true, opts.Name, opts.Color); err != nil {
		return "", err
	}
	log.Info().Str("room", code).Msg("room created")
	return code, nil
}

// JoinRoom looks the room up by code (case-insensitive), takes seat 2 and
// returns the room.
func (m *Manager) JoinRoom(ctx context.Context, code, name, color string) (*models.Room, error) {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	userID := m.userID
	m.mu.Unlock()

	code = NormalizeCode(code)
	room, err := m.fetchRoom(ctx, code)
	if err != nil {
		return nil, err
	}
	if room.Status == models.RoomFinished {
		return nil, ErrRoomFinished
	}

	slot, ok := room.PlayerSlots[userID]
	if !ok {
		for _, taken := range room.PlayerSlots {
			if taken == models.Slot2 {
				return nil, ErrRoomFull
			}
		}
		slot = models.Slot2
		room.PlayerSlots[userID] = slot
	}
	room.Status = models.RoomPlaying
	room.LastActivity = m.clock.Now()
	if err := m.docs.Set(ctx, store.RoomKey(code), room); err != nil {
		return nil, fmt.Errorf("update room document: %w", err)
	}

	if err := m.enterRoom(ctx, room, slot, room.HostID == userID, name, color); err != nil {
		return nil, err
	}
	log.Info().Str("room", code).Int("slot", int(slot)).Msg("room joined")
	return m.Room(), nil
}

// Resume re-validates a persisted session after a restart. A session whose
// room is gone or finished, or whose seat assignment vanished, is discarded
// and the manager stays disconnected; that is a normal outcome, not an
// error.
func (m *Manager) Resume(ctx context.Context) error {
	m.mu.Lock()
	if m.room != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	session, err := m.sessions.Session()
	if err != nil {
		return nil
	}

	if err := m.Connect(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.state = StateReconnecting
	m.mu.Unlock()

	room, err := m.fetchRoom(ctx, session.RoomCode)
	if err != nil || room.Status == models.RoomFinished {
		m.discardSession()
		return nil
	}

	m.mu.Lock()
	userID := m.userID
	m.mu.Unlock()
	slot, ok := room.PlayerSlots[userID]
	if !ok || slot != session.Slot {
		m.discardSession()
		return nil
	}

	if err := m.enterRoom(ctx, room, slot, room.HostID == userID, session.Name, session.Color); err != nil {
		m.discardSession()
		return nil
	}
	log.Info().Str("room", room.RoomCode).Int("slot", int(slot)).Msg("session resumed")
	return nil
}

// LeaveRoom clears all room-scoped state: presence record and watch,
// heartbeat, session descriptor. Connection state is untouched.
func (m *Manager) LeaveRoom(ctx context.Context) error {
	m.mu.Lock()
	room := m.room
	userID := m.userID
	unsub := m.presenceUnsub
	stop := m.heartbeatStop
	m.room = nil
	m.localSlot = 0
	m.isHost = false
	m.presenceUnsub = nil
	m.heartbeatStop = nil
	m.presence = make(map[string]models.PresenceData)
	m.mu.Unlock()

	if room == nil {
		return ErrNoActiveRoom
	}
	if stop != nil {
		close(stop)
	}
	if unsub != nil {
		unsub()
	}
	if err := m.eph.Remove(ctx, store.PresencePath(room.RoomCode, userID)); err != nil {
		log.Debug().Err(err).Msg("remove presence record")
	}
	if err := m.sessions.ClearSession(); err != nil {
		log.Debug().Err(err).Msg("clear session")
	}
	log.Info().Str("room", room.RoomCode).Msg("room left")
	return nil
}

// OpponentOnline derives opponent presence: true iff some record other
// than the local identity reports online.
func (m *Manager) OpponentOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.room == nil {
		return false
	}
	own := store.PresencePath(m.room.RoomCode, m.userID)
	for path, p := range m.presence {
		if path != own && p.Online {
			return true
		}
	}
	return false
}

// MarkOffline writes an explicit offline marker; intended for an unload or
// shutdown hook where the disconnect hook may lag behind.
func (m *Manager) MarkOffline(ctx context.Context) error {
	m.mu.Lock()
	room := m.room
	userID := m.userID
	slot := m.localSlot
	m.mu.Unlock()
	if room == nil {
		return ErrNoActiveRoom
	}

	record := models.PresenceData{
		Slot:     slot,
		Online:   false,
		LastSeen: m.clock.Now(),
	}
	return m.eph.Set(ctx, store.PresencePath(room.RoomCode, userID), record)
}

// MarkGameFinished flips the room document to finished so a later Resume
// in either client discards its session.
func (m *Manager) MarkGameFinished(ctx context.Context) error {
	m.mu.Lock()
	room := m.room
	m.mu.Unlock()
	if room == nil {
		return ErrNoActiveRoom
	}
	room.Status = models.RoomFinished
	room.LastActivity = m.clock.Now()
	if err := m.docs.Set(ctx, store.RoomKey(room.RoomCode), room); err != nil {
		return fmt.Errorf("update room document: %w", err)
	}
	m.mu.Lock()
	m.room = room
	m.mu.Unlock()
	return nil
}

// enterRoom installs room-scoped state: presence record with disconnect
// cleanup, presence watch, heartbeat and the persisted session.
func (m *Manager) enterRoom(ctx context.Context, room *models.Room, slot models.PlayerSlot, isHost bool, name, color string) error {
	m.mu.Lock()
	userID := m.userID
	m.mu.Unlock()

	path := store.PresencePath(room.RoomCode, userID)
	record := models.PresenceData{
		Name:     name,
		Color:    color,
		Slot:     slot,
		Online:   true,
		LastSeen: m.clock.Now(),
	}
	if err := m.eph.Set(ctx, path, record); err != nil {
		return fmt.Errorf("write presence record: %w", err)
	}
	if err := m.eph.OnDisconnectRemove(path); err != nil {
		return fmt.Errorf("register presence cleanup: %w", err)
	}

	unsub, err := m.eph.OnValue(store.PresencePrefix(room.RoomCode), m.onPresence)
	if err != nil {
		return fmt.Errorf("watch presence: %w", err)
	}

	stop := make(chan struct{})
	go m.heartbeat(path, record, stop)

	session := &models.Session{
		RoomCode: room.RoomCode,
		Slot:     slot,
		IsHost:   isHost,
		Name:     name,
		Color:    color,
	}
	if err := m.sessions.SaveSession(session); err != nil {
		log.Warn().Err(err).Msg("persist session descriptor")
	}

	m.mu.Lock()
	m.room = room
	m.localSlot = slot
	m.isHost = isHost
	m.presenceUnsub = unsub
	m.heartbeatStop = stop
	m.state = StateConnected
	m.mu.Unlock()
	return nil
}

func (m *Manager) onPresence(path string, value json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value == nil {
		delete(m.presence, path)
		return
	}
	var record models.PresenceData
	if err := json.Unmarshal(value, &record); err != nil {
		log.Trace().Err(err).Str("path", path).Msg("dropping unparsable presence record")
		return
	}
	m.presence[path] = record
}

// heartbeat refreshes the local presence record until stopped.
func (m *Manager) heartbeat(path string, record models.PresenceData, stop chan struct{}) {
	ticker := m.clock.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			record.LastSeen = m.clock.Now()
			record.Online = true
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.eph.Set(ctx, path, record); err != nil {
				log.Debug().Err(err).Msg("presence heartbeat failed")
			}
			cancel()
		}
	}
}

func (m *Manager) fetchRoom(ctx context.Context, code string) (*models.Room, error) {
	raw, err := m.docs.Get(ctx, store.RoomKey(code))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("fetch room %s: %w", code, err)
	}
	var room models.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return nil, fmt.Errorf("parse room %s: %w", code, err)
	}
	if room.PlayerSlots == nil {
		room.PlayerSlots = make(map[string]models.PlayerSlot)
	}
	return &room, nil
}

func (m *Manager) discardSession() {
	if err := m.sessions.ClearSession(); err != nil {
		log.Debug().Err(err).Msg("clear stale session")
	}
	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()
	log.Info().Msg("stale session discarded")
}

// codeLetters omits the easily-confused I and O.
const codeLetters = "ABCDEFGHJKLMNPQRSTUVWXYZ"

// mintRoomCode draws 4-letter codes until one is unused.
func (m *Manager) mintRoomCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < m.config.CodeAttempts; attempt++ {
		var b strings.Builder
		for i := 0; i < 4; i++ {
			b.WriteByte(codeLetters[m.rng.Intn(len(codeLetters))])
		}
		code := b.String()
		if _, err := m.docs.Get(ctx, store.RoomKey(code)); errors.Is(err, store.ErrNotFound) {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not mint an unused room code in %d attempts", m.config.CodeAttempts)
}

// NormalizeCode upper-cases and trims a user-entered room code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
