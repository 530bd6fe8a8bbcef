package models

import "time"

// GameStatus is the lifecycle phase of a game.
type GameStatus string

const (
	StatusSetup    GameStatus = "setup"
	StatusPlaying  GameStatus = "playing"
	StatusFinished GameStatus = "finished"
)

// PlayerSlot identifies one of the two seats in a game.
type PlayerSlot int

const (
	Slot1 PlayerSlot = 1
	Slot2 PlayerSlot = 2
)

// Other returns the opposing slot.
func (s PlayerSlot) Other() PlayerSlot {
	if s == Slot1 {
		return Slot2
	}
	return Slot1
}

// Valid reports whether the slot is one of the two seats.
func (s PlayerSlot) Valid() bool {
	return s == Slot1 || s == Slot2
}

// Card is a single slot on the board. Exactly two cards per game share an
// ImageID. IsFlipped means face-up and not yet resolved; IsMatched is
// permanent once set.
type Card struct {
	ID        string     `json:"id"`
	ImageID   string     `json:"imageId"`
	IsFlipped bool       `json:"isFlipped"`
	IsMatched bool       `json:"isMatched"`
	MatchedBy PlayerSlot `json:"matchedByPlayerId,omitempty"`
}

// Player is one seat's display info. Score is never stored; it is derived
// from matched-card ownership (see ScoreFor).
type Player struct {
	Slot  PlayerSlot `json:"id"`
	Name  string     `json:"name"`
	Color string     `json:"color"`
}

// GameState is the full state of one game. SelectedCards is intentionally
// not a field; it is derived from the card flags on demand.
type GameState struct {
	Cards         []Card     `json:"cards"`
	CurrentPlayer PlayerSlot `json:"currentPlayer"`
	Status        GameStatus `json:"gameStatus"`
}

// SelectedCards returns the cards currently face-up but not yet resolved.
// During play this set never exceeds two members.
func (g GameState) SelectedCards() []Card {
	var sel []Card
	for _, c := range g.Cards {
		if c.IsFlipped && !c.IsMatched {
			sel = append(sel, c)
		}
	}
	return sel
}

// ScoreFor derives a player's score: the number of cards they have matched.
func (g GameState) ScoreFor(slot PlayerSlot) int {
	n := 0
	for _, c := range g.Cards {
		if c.IsMatched && c.MatchedBy == slot {
			n++
		}
	}
	return n
}

// CloneCards returns a copy of the card slice so transitions never alias the
// input state's backing array.
func (g GameState) CloneCards() []Card {
	out := make([]Card, len(g.Cards))
	copy(out, g.Cards)
	return out
}

// GameDocument is the wire form of a game written to the shared document
// store. SyncVersion, UpdateID and LastUpdatedBy form the update envelope
// the reconciliation layer filters on. Scores are carried for display only
// and are never merged; each client re-derives them from Cards.
type GameDocument struct {
	Cards           []Card     `json:"cards"`
	CurrentPlayer   PlayerSlot `json:"currentPlayer,omitempty"`
	SyncVersion     int64      `json:"syncVersion"`
	UpdateID        string     `json:"updateId,omitempty"`
	LastUpdatedBy   PlayerSlot `json:"lastUpdatedBy,omitempty"`
	IsAnimating     bool       `json:"isAnimating"`
	IsCheckingMatch bool       `json:"isCheckingMatch"`
	Scores          *Scores    `json:"scores,omitempty"`
}

// Scores is the optional display-only score block on a GameDocument.
type Scores struct {
	Player1 int `json:"player1"`
	Player2 int `json:"player2"`
}

// RoomStatus is the lifecycle phase of a room.
type RoomStatus string

const (
	RoomWaiting  RoomStatus = "waiting"
	RoomPlaying  RoomStatus = "playing"
	RoomFinished RoomStatus = "finished"
)

// RoomConfig holds the cosmetic setup choices made by the host. None of it
// affects game logic except PairCount, which sizes the deal.
type RoomConfig struct {
	CardPack   string `json:"cardPack"`
	Background string `json:"background"`
	CardBack   string `json:"cardBack"`
	PairCount  int    `json:"pairCount"`
}

// Room is the matchmaking container binding two identities to player slots.
type Room struct {
	RoomCode     string                `json:"roomCode"`
	HostID       string                `json:"hostId"`
	Status       RoomStatus            `json:"status"`
	Config       RoomConfig            `json:"config"`
	PlayerSlots  map[string]PlayerSlot `json:"playerSlots"`
	CreatedAt    time.Time             `json:"createdAt"`
	LastActivity time.Time             `json:"lastActivity"`
}

// SlotOf returns the seat assigned to an identity, or 0 if it has none.
func (r *Room) SlotOf(identity string) PlayerSlot {
	return r.PlayerSlots[identity]
}

// PresenceData is the ephemeral per-identity liveness record. The store's
// disconnect hook removes it when the writer's connection drops.
type PresenceData struct {
	Name     string     `json:"name"`
	Color    string     `json:"color"`
	Slot     PlayerSlot `json:"slot"`
	Online   bool       `json:"online"`
	LastSeen time.Time  `json:"lastSeen"`
}

// CursorPosition is a grid-relative pointer position shared between peers.
type CursorPosition struct {
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the persisted reconnection descriptor. It lets a reloaded
// client re-validate and rejoin its room without going through the lobby.
type Session struct {
	RoomCode string     `json:"roomCode"`
	Slot     PlayerSlot `json:"slot"`
	IsHost   bool       `json:"isHost"`
	Name     string     `json:"name"`
	Color    string     `json:"color"`
}
