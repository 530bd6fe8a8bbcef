// Package cursor shares pointer positions between peers over the ephemeral
// store. The channel is best-effort and fully independent from game
// correctness: a lost position only costs a ghost-cursor frame.
package cursor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pairgrid/pairgrid/internal/models"
	"github.com/pairgrid/pairgrid/internal/store"
)

// DefaultInterval is the minimum spacing between cursor writes.
const DefaultInterval = 50 * time.Millisecond

// Service throttles outbound cursor positions and watches the opponent's.
// Writes are trailing-edge throttled: within a window the latest position
// is buffered and flushed exactly once when the window expires, so a burst
// of pointer events collapses to a bounded write rate.
type Service struct {
	eph      store.EphemeralStore
	clock    clockwork.Clock
	roomCode string
	identity string
	interval time.Duration

	mu      sync.Mutex
	pending *models.CursorPosition
	timer   clockwork.Timer
	closed  bool
}

// NewService creates a cursor broadcaster for one room and identity.
func NewService(eph store.EphemeralStore, clock clockwork.Clock, roomCode, identity string, interval time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{
		eph:      eph,
		clock:    clock,
		roomCode: roomCode,
		identity: identity,
		interval: interval,
	}
}

// Start registers automatic removal of the local cursor record with the
// store's disconnect hook, so a crashed tab leaves no stale cursor behind.
func (s *Service) Start() error {
	if err := s.eph.OnDisconnectRemove(s.path()); err != nil {
		return fmt.Errorf("register cursor cleanup: %w", err)
	}
	return nil
}

// Publish buffers a grid-relative position for the next flush. The first
// position of a burst is written when the current window expires, never
// immediately.
func (s *Service) Publish(x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = &models.CursorPosition{X: x, Y: y, Timestamp: s.clock.Now()}
	if s.timer != nil {
		return
	}
	s.timer = s.clock.AfterFunc(s.interval, s.flush)
}

func (s *Service) flush() {
	s.mu.Lock()
	pos := s.pending
	s.pending = nil
	s.timer = nil
	closed := s.closed
	s.mu.Unlock()
	if closed || pos == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.eph.Set(ctx, s.path(), pos); err != nil {
		log.Debug().Err(err).Str("room", s.roomCode).Msg("cursor write failed")
	}
}

// ClearPosition removes the local cursor record immediately and cancels
// any buffered write, e.g. when the pointer leaves the board.
func (s *Service) ClearPosition(ctx context.Context) error {
	s.mu.Lock()
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if err := s.eph.Remove(ctx, s.path()); err != nil {
		return fmt.Errorf("remove cursor record: %w", err)
	}
	return nil
}

// Watch delivers the opponent's cursor positions; a nil position signals
// the cursor disappeared. The local identity's own record is filtered out.
func (s *Service) Watch(cb func(identity string, pos *models.CursorPosition)) (func(), error) {
	own := s.path()
	unsubscribe, err := s.eph.OnValue(store.CursorPrefix(s.roomCode), func(path string, value json.RawMessage) {
		if path == own {
			return
		}
		identity := path[len(store.CursorPrefix(s.roomCode))+1:]
		if value == nil {
			cb(identity, nil)
			return
		}
		var pos models.CursorPosition
		if err := json.Unmarshal(value, &pos); err != nil {
			log.Trace().Err(err).Str("path", path).Msg("dropping unparsable cursor record")
			return
		}
		cb(identity, &pos)
	})
	if err != nil {
		return nil, fmt.Errorf("watch cursors: %w", err)
	}
	return unsubscribe, nil
}

// Close cancels any buffered write. The disconnect hook or an explicit
// ClearPosition handles record removal.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Service) path() string {
	return store.CursorPath(s.roomCode, s.identity)
}
