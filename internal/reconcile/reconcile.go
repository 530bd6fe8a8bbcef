// Package reconcile bridges a local game controller to the shared document
// store. Outbound transitions are wrapped in an update envelope; inbound
// documents pass a filter chain that suppresses echoes of our own writes,
// drops heartbeat noise and duplicates, and merges the rest without
// truncating a locally running animation.
//
// There is no authoritative server: both peers' writes interleave in the
// store and every write echoes back to its author. The pending-id set,
// initial-sync gate and fingerprint comparison exist to survive exactly
// that.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pairgrid/pairgrid/internal/controller"
	"github.com/pairgrid/pairgrid/internal/engine"
	"github.com/pairgrid/pairgrid/internal/models"
	"github.com/pairgrid/pairgrid/internal/store"
)

// Reconciler keeps one client's controller converged with the room's shared
// game document.
type Reconciler struct {
	docs      store.DocumentStore
	ctrl      *controller.Controller
	roomCode  string
	localSlot models.PlayerSlot

	mu              sync.Mutex
	pending         map[string]struct{}
	syncVersion     int64
	initialSynced   bool
	lastFingerprint string
	unsubscribe     func()
	started         bool
}

// New creates a reconciler for one room and seat.
func New(docs store.DocumentStore, ctrl *controller.Controller, roomCode string, localSlot models.PlayerSlot) *Reconciler {
	return &Reconciler{
		docs:      docs,
		ctrl:      ctrl,
		roomCode:  roomCode,
		localSlot: localSlot,
		pending:   make(map[string]struct{}),
	}
}

// Start subscribes to the room's game document and begins publishing local
// transitions. Stop must be called exactly once afterwards.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("reconciler already started")
	}
	r.started = true
	r.mu.Unlock()

	unsubscribe, err := r.docs.Subscribe(store.GameKey(r.roomCode), r.ApplyInbound)
	if err != nil {
		return fmt.Errorf("subscribe to game document: %w", err)
	}
	r.mu.Lock()
	r.unsubscribe = unsubscribe
	r.mu.Unlock()

	r.ctrl.SetOnChange(func(snap controller.Snapshot) {
		r.publishLocal(ctx, snap)
	})
	return nil
}

// Stop tears down the store subscription and detaches the outbound
// publisher, so the controller writes nothing further and can be handed to
// a new reconciler.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	r.ctrl.SetOnChange(nil)
}

// WrapOutbound builds the shared document for a local snapshot: a fresh
// update id, the next sync version and the local seat as author. The update
// id enters the pending set before the caller writes, so the echo is
// recognized even if the store delivers it immediately.
func (r *Reconciler) WrapOutbound(snap controller.Snapshot) models.GameDocument {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.syncVersion++
	updateID := uuid.NewString()
	r.pending[updateID] = struct{}{}
	if len(snap.State.Cards) > 0 {
		r.initialSynced = true
	}

	doc := models.GameDocument{
		Cards:           snap.State.Cards,
		CurrentPlayer:   snap.State.CurrentPlayer,
		SyncVersion:     r.syncVersion,
		UpdateID:        updateID,
		LastUpdatedBy:   r.localSlot,
		IsAnimating:     snap.IsAnimating,
		IsCheckingMatch: snap.IsCheckingMatch,
		Scores: &models.Scores{
			Player1: snap.State.ScoreFor(models.Slot1),
			Player2: snap.State.ScoreFor(models.Slot2),
		},
	}
	// Our own writes count as applied, so a re-delivered echo whose pending
	// id was already consumed still falls to the duplicate filter.
	r.lastFingerprint = fingerprint(doc)
	return doc
}

func (r *Reconciler) publishLocal(ctx context.Context, snap controller.Snapshot) {
	doc := r.WrapOutbound(snap)
	if err := r.docs.Set(ctx, store.GameKey(r.roomCode), doc); err != nil {
		// The echo will never arrive; forget the pending id so a later
		// retransmit of this version is not mistaken for our own write.
		r.mu.Lock()
		delete(r.pending, doc.UpdateID)
		r.mu.Unlock()
		log.Error().Err(err).Str("room", r.roomCode).Msg("failed to publish game update")
		return
	}
	log.Trace().
		Str("room", r.roomCode).
		Str("update_id", doc.UpdateID).
		Int64("sync_version", doc.SyncVersion).
		Msg("published game update")
}

// ApplyInbound runs the inbound filter chain on one received document.
func (r *Reconciler) ApplyInbound(raw json.RawMessage) {
	var doc models.GameDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.Trace().Err(err).Str("room", r.roomCode).Msg("dropping unparsable game document")
		return
	}

	snap := r.ctrl.Snapshot()

	r.mu.Lock()
	// 1. Echo of our own write: consume the pending id and stop.
	if doc.UpdateID != "" {
		if _, ours := r.pending[doc.UpdateID]; ours {
			delete(r.pending, doc.UpdateID)
			if doc.SyncVersion > r.syncVersion {
				r.syncVersion = doc.SyncVersion
			}
			r.mu.Unlock()
			log.Trace().Str("update_id", doc.UpdateID).Msg("suppressed echo of own write")
			return
		}
	}

	// 2. First document for this session: apply in full.
	if !r.initialSynced && len(snap.State.Cards) == 0 {
		if len(doc.Cards) == 0 {
			r.mu.Unlock()
			return
		}
		r.initialSynced = true
		r.lastFingerprint = fingerprint(doc)
		if doc.SyncVersion > r.syncVersion {
			r.syncVersion = doc.SyncVersion
		}
		r.mu.Unlock()
		r.ctrl.ApplyRemote(fullSnapshot(doc))
		log.Debug().Str("room", r.roomCode).Int64("sync_version", doc.SyncVersion).Msg("initial sync applied")
		return
	}
	r.initialSynced = true

	// 3. After initial sync, a document without an update id is heartbeat
	// or partial-write noise.
	if doc.UpdateID == "" {
		r.mu.Unlock()
		log.Trace().Str("room", r.roomCode).Msg("dropping document without update id")
		return
	}

	// 4. Identical fingerprint means a duplicate delivery.
	fp := fingerprint(doc)
	if fp == r.lastFingerprint {
		r.mu.Unlock()
		log.Trace().Str("update_id", doc.UpdateID).Msg("dropping duplicate document")
		return
	}
	r.lastFingerprint = fp
	if doc.SyncVersion > r.syncVersion {
		r.syncVersion = doc.SyncVersion
	}
	r.mu.Unlock()

	// 5. Field-level merge into the local snapshot.
	r.ctrl.ApplyRemote(merge(snap, doc))
	log.Trace().
		Str("update_id", doc.UpdateID).
		Int64("sync_version", doc.SyncVersion).
		Msg("applied remote update")
}

// merge is the only real state merge: cards always come from the incoming
// document, the current player comes along when present, and the animating
// flag is only overwritten when we are not mid-animation locally or the
// remote update itself reports the animation finished. Scores are not a
// field here at all; they stay derived from the merged cards.
func merge(local controller.Snapshot, doc models.GameDocument) controller.Snapshot {
	next := local
	next.State.Cards = doc.Cards
	if doc.CurrentPlayer.Valid() {
		next.State.CurrentPlayer = doc.CurrentPlayer
	}
	if !local.IsAnimating || !doc.IsAnimating {
		next.IsAnimating = doc.IsAnimating
	}
	next.IsCheckingMatch = doc.IsCheckingMatch
	next.State.Status = statusFor(next.State)
	return next
}

func fullSnapshot(doc models.GameDocument) controller.Snapshot {
	state := models.GameState{
		Cards:         doc.Cards,
		CurrentPlayer: doc.CurrentPlayer,
	}
	if !state.CurrentPlayer.Valid() {
		state.CurrentPlayer = models.Slot1
	}
	state.Status = statusFor(state)
	return controller.Snapshot{
		State:           state,
		IsAnimating:     doc.IsAnimating,
		IsCheckingMatch: doc.IsCheckingMatch,
	}
}

// statusFor derives the game status from the board; the shared document
// does not carry one.
func statusFor(state models.GameState) models.GameStatus {
	if len(state.Cards) == 0 {
		return models.StatusSetup
	}
	state.Status = models.StatusPlaying
	return engine.CheckAndFinishGame(state).Status
}

// fingerprint reduces a document to its semantically relevant fields: the
// current player, both transient flags and the derived selected-card ids.
func fingerprint(doc models.GameDocument) string {
	state := models.GameState{Cards: doc.Cards}
	var selected []string
	for _, c := range state.SelectedCards() {
		selected = append(selected, c.ID)
	}
	sort.Strings(selected)
	matched := 0
	for _, c := range doc.Cards {
		if c.IsMatched {
			matched++
		}
	}
	return fmt.Sprintf("p%d|a%t|c%t|m%d|s:%s",
		doc.CurrentPlayer, doc.IsAnimating, doc.IsCheckingMatch, matched, strings.Join(selected, ","))
}
