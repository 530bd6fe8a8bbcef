// Package controller wraps the pure engine with the timing and notification
// behavior a playing session needs: the reveal delay before a match check,
// an in-flight guard so only one check is ever pending, and semantic event
// dispatch for presentation layers.
package controller

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pairgrid/pairgrid/internal/engine"
	"github.com/pairgrid/pairgrid/internal/models"
)

// ErrCheckInFlight is returned when a flip arrives while a match check is
// pending. Such flips are rejected, never queued.
var ErrCheckInFlight = errors.New("controller: match check in flight")

// ErrInvalidFlip is returned for flips the engine rejects.
var ErrInvalidFlip = errors.New("controller: invalid flip")

// EventType tags the semantic events dispatched to listeners.
type EventType string

const (
	EventTurnChanged EventType = "TurnChanged"
	EventMatchFound  EventType = "MatchFound"
	EventGameOver    EventType = "GameOver"
)

// Event is a semantic game event. Player is the new current player for
// TurnChanged and the matching player for MatchFound; Cards carries the
// matched pair; Winner is set for GameOver.
type Event struct {
	Type   EventType
	Player models.PlayerSlot
	Cards  []models.Card
	Winner *engine.WinnerResult
}

// Listener receives game events. Listeners are invoked in registration
// order; a panicking listener is logged and skipped, never allowed to
// disturb engine state.
type Listener interface {
	HandleGameEvent(Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Event)

// HandleGameEvent implements Listener.
func (f ListenerFunc) HandleGameEvent(e Event) { f(e) }

// Snapshot is the controller's last-applied state plus the transient flags
// the sync layer shares alongside it.
type Snapshot struct {
	State           models.GameState
	IsAnimating     bool
	IsCheckingMatch bool
}

// Config holds controller timing.
type Config struct {
	// RevealDelay is the pause between the second flip and the match check.
	RevealDelay time.Duration
	// AnnounceDelay defers turn/match notifications so they land after the
	// flip-back animation rather than over it.
	AnnounceDelay time.Duration
	// SettleDelay keeps the in-flight guard closed briefly after a check
	// resolves, giving rendering time to apply the update.
	SettleDelay time.Duration
}

// DefaultConfig returns default controller timing.
func DefaultConfig() Config {
	return Config{
		RevealDelay:   1500 * time.Millisecond,
		AnnounceDelay: 300 * time.Millisecond,
		SettleDelay:   35 * time.Millisecond,
	}
}

// Controller owns the game state for one session. It is used identically
// for hot-seat and online play; online, the reconciler reads Snapshot after
// every change and feeds remote updates back through ApplyRemote.
type Controller struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	config  Config
	rng     *rand.Rand
	players map[models.PlayerSlot]models.Player

	state           models.GameState
	isAnimating     bool
	isCheckingMatch bool

	checkTimer   clockwork.Timer
	notifyTimers map[int]clockwork.Timer
	nextTimer    int

	listeners []Listener
	onChange  func(Snapshot)
	changeCh  chan Snapshot
	closed    bool
}

// New creates a controller with the given timing and clock.
func New(config Config, clock clockwork.Clock, rng *rand.Rand) *Controller {
	return &Controller{
		clock:        clock,
		config:       config,
		rng:          rng,
		players:      make(map[models.PlayerSlot]models.Player),
		state:        engine.Reset(),
		notifyTimers: make(map[int]clockwork.Timer),
	}
}

// AddListener registers an event listener. Any number may be registered.
func (c *Controller) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// SetOnChange registers the hook invoked with a snapshot after every
// locally-applied transition. Snapshots are delivered in order on a single
// goroutine; the sync layer is the only intended consumer. A later call
// replaces the hook, and nil detaches it.
func (c *Controller) SetOnChange(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
	if fn == nil || c.changeCh != nil || c.closed {
		return
	}
	c.changeCh = make(chan Snapshot, 64)
	go c.changeLoop(c.changeCh)
}

func (c *Controller) changeLoop(ch chan Snapshot) {
	for snap := range ch {
		c.mu.Lock()
		fn := c.onChange
		c.mu.Unlock()
		if fn != nil {
			fn(snap)
		}
	}
}

// SetPlayers records the two seats' display info for win calculation.
func (c *Controller) SetPlayers(p1, p2 models.Player) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.players[models.Slot1] = p1
	c.players[models.Slot2] = p2
}

// StartDeal shuffles a new board and moves the session into play.
func (c *Controller) StartDeal(imageIDs []string, pairCount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := engine.NewDeal(imageIDs, pairCount, c.rng)
	if err != nil {
		return fmt.Errorf("start deal: %w", err)
	}
	c.cancelTimersLocked()
	c.state = state
	c.isAnimating = false
	c.isCheckingMatch = false
	c.publishLocked()
	return nil
}

// Snapshot returns the last-applied state and transient flags.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// FlipCard applies a flip. On the second card of a selection it schedules
// the delayed match check; while that check is pending all flips are
// rejected with ErrCheckInFlight.
func (c *Controller) FlipCard(cardID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrInvalidFlip
	}
	if c.isCheckingMatch {
		log.Debug().Str("card_id", cardID).Msg("flip rejected: match check in flight")
		return ErrCheckInFlight
	}
	next, err := engine.FlipCard(c.state, cardID)
	if err != nil {
		log.Debug().Err(err).Str("card_id", cardID).Msg("flip rejected")
		return ErrInvalidFlip
	}
	c.state = next

	if len(c.state.SelectedCards()) == 2 {
		c.isCheckingMatch = true
		c.isAnimating = true
		c.checkTimer = c.clock.AfterFunc(c.config.RevealDelay, c.resolveMatchCheck)
	}
	c.publishLocked()
	return nil
}

// resolveMatchCheck runs when the reveal delay expires.
func (c *Controller) resolveMatchCheck() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || !c.isCheckingMatch {
		return
	}
	c.checkTimer = nil

	result := engine.CheckMatch(c.state)
	if result == nil {
		// A remote update resolved the selection while the timer was
		// pending. Nothing to apply.
		c.openGuardLocked()
		c.publishLocked()
		return
	}

	if result.IsMatch {
		c.state = engine.ApplyMatch(c.state, result)
		matcher := c.state.CurrentPlayer
		pair := []models.Card{result.FirstCard, result.SecondCard}
		c.scheduleNotifyLocked(Event{Type: EventMatchFound, Player: matcher, Cards: pair})

		c.state = engine.CheckAndFinishGame(c.state)
		if c.state.Status == models.StatusFinished {
			winner := engine.CalculateWinner(c.state.Cards, c.players[models.Slot1], c.players[models.Slot2])
			c.dispatchLocked(Event{Type: EventGameOver, Winner: &winner})
		}
	} else {
		c.state = engine.ApplyNoMatchWithReset(c.state, []string{result.FirstCard.ID, result.SecondCard.ID})
		c.scheduleNotifyLocked(Event{Type: EventTurnChanged, Player: c.state.CurrentPlayer})
	}

	c.openGuardLocked()
	c.publishLocked()
}

// openGuardLocked clears the animating flag and, after the settle delay,
// reopens the in-flight guard. The reopened guard is published too: the
// shared document's last word after a resolution must be a cleared guard,
// or the opponent stays blocked on a flag we only ever cleared locally.
func (c *Controller) openGuardLocked() {
	c.isAnimating = false
	if c.config.SettleDelay <= 0 {
		c.isCheckingMatch = false
		return
	}
	id := c.nextTimer
	c.nextTimer++
	c.notifyTimers[id] = c.clock.AfterFunc(c.config.SettleDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.notifyTimers, id)
		if c.closed {
			return
		}
		c.isCheckingMatch = false
		c.publishLocked()
	})
}

// ApplyRemote replaces the controller's state with a merged remote update.
// Only the reconciliation layer calls this; it is the single entry point
// through which remote writes reach engine state.
func (c *Controller) ApplyRemote(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.state = snap.State
	c.isAnimating = snap.IsAnimating
	c.isCheckingMatch = snap.IsCheckingMatch
	if !c.isCheckingMatch && c.checkTimer != nil {
		c.checkTimer.Stop()
		c.checkTimer = nil
	}
}

// ForceFlipAll is an operator override that turns every unmatched card
// face-up. Matched cards are never touched and the pair invariant holds
// because only flip flags change.
func (c *Controller) ForceFlipAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cards := c.state.CloneCards()
	for i := range cards {
		if !cards[i].IsMatched {
			cards[i].IsFlipped = true
		}
	}
	c.state.Cards = cards
	c.publishLocked()
}

// ForceEndGame is an operator override that finishes the game in place and
// announces the winner from the scores as they stand.
func (c *Controller) ForceEndGame() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Status != models.StatusPlaying {
		return
	}
	c.cancelTimersLocked()
	c.state.Status = models.StatusFinished
	winner := engine.CalculateWinner(c.state.Cards, c.players[models.Slot1], c.players[models.Slot2])
	c.dispatchLocked(Event{Type: EventGameOver, Winner: &winner})
	c.publishLocked()
}

// Reset cancels all pending timers, clears the guard and returns the
// session to setup.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelTimersLocked()
	c.state = engine.Reset()
	c.publishLocked()
}

// Close tears the controller down. All timers are cancelled; subsequent
// flips are rejected.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.cancelTimersLocked()
	c.onChange = nil
	if c.changeCh != nil {
		close(c.changeCh)
		c.changeCh = nil
	}
	c.closed = true
}

func (c *Controller) cancelTimersLocked() {
	if c.checkTimer != nil {
		c.checkTimer.Stop()
		c.checkTimer = nil
	}
	for id, t := range c.notifyTimers {
		t.Stop()
		delete(c.notifyTimers, id)
	}
	c.isCheckingMatch = false
	c.isAnimating = false
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		State:           c.state,
		IsAnimating:     c.isAnimating,
		IsCheckingMatch: c.isCheckingMatch,
	}
}

func (c *Controller) publishLocked() {
	if c.changeCh == nil {
		return
	}
	select {
	case c.changeCh <- c.snapshotLocked():
	default:
		log.Warn().Msg("state change channel full, dropping snapshot")
	}
}

// scheduleNotifyLocked defers an event by the announce delay. The timer is
// tracked so reset and close can cancel it.
func (c *Controller) scheduleNotifyLocked(event Event) {
	if c.config.AnnounceDelay <= 0 {
		c.dispatchLocked(event)
		return
	}
	id := c.nextTimer
	c.nextTimer++
	c.notifyTimers[id] = c.clock.AfterFunc(c.config.AnnounceDelay, func() {
		c.mu.Lock()
		delete(c.notifyTimers, id)
		closed := c.closed
		listeners := append([]Listener(nil), c.listeners...)
		c.mu.Unlock()
		if closed {
			return
		}
		dispatch(listeners, event)
	})
}

// dispatchLocked fires an event immediately. Listeners run on their own
// goroutine so a slow or reentrant listener cannot hold the state lock.
func (c *Controller) dispatchLocked(event Event) {
	listeners := append([]Listener(nil), c.listeners...)
	go dispatch(listeners, event)
}

func dispatch(listeners []Listener, event Event) {
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("event", string(event.Type)).Msg("game event listener panicked")
				}
			}()
			l.HandleGameEvent(event)
		}()
	}
}
