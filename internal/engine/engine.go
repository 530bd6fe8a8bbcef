// Package engine implements the pure state transitions of the memory game:
// flip validation, match detection, turn switching and win calculation.
// Nothing here performs I/O or schedules time; callers own timers.
package engine

import (
	"fmt"
	"math/rand"

	"github.com/pairgrid/pairgrid/internal/models"
)

// MatchResult is the outcome of comparing the two selected cards.
type MatchResult struct {
	IsMatch    bool
	FirstCard  models.Card
	SecondCard models.Card
}

// WinnerResult is the outcome of a finished game.
type WinnerResult struct {
	Winner       *models.Player
	IsTie        bool
	Player1Score int
	Player2Score int
}

// NewDeal shuffles a fresh board of pairCount pairs from the given image ids
// and returns a playing state with player 1 to move. Image ids beyond
// pairCount are ignored; fewer image ids than pairCount is an error.
func NewDeal(imageIDs []string, pairCount int, rng *rand.Rand) (models.GameState, error) {
	if pairCount < 1 {
		return models.GameState{}, fmt.Errorf("invalid pair count %d", pairCount)
	}
	if len(imageIDs) < pairCount {
		return models.GameState{}, fmt.Errorf("need %d image ids, have %d", pairCount, len(imageIDs))
	}

	cards := make([]models.Card, 0, pairCount*2)
	for _, imageID := range imageIDs[:pairCount] {
		cards = append(cards, models.Card{ImageID: imageID}, models.Card{ImageID: imageID})
	}
	rng.Shuffle(len(cards), func(i, j int) {
		cards[i], cards[j] = cards[j], cards[i]
	})
	// Slot ids are assigned after the shuffle so they are stable positions,
	// not pair identities.
	for i := range cards {
		cards[i].ID = fmt.Sprintf("card-%d", i)
	}

	return models.GameState{
		Cards:         cards,
		CurrentPlayer: models.Slot1,
		Status:        models.StatusPlaying,
	}, nil
}

// CanFlipCard reports whether flipping cardID is a legal move: the game must
// be in progress, the card face-down and unmatched, and fewer than two cards
// already selected.
func CanFlipCard(state models.GameState, cardID string) bool {
	if state.Status != models.StatusPlaying {
		return false
	}
	card, ok := findCard(state, cardID)
	if !ok {
		return false
	}
	if card.IsFlipped || card.IsMatched {
		return false
	}
	return len(state.SelectedCards()) < 2
}

// FlipCard returns a new state with the card face-up. The caller detects
// when the selection reaches two and schedules the delayed match check.
func FlipCard(state models.GameState, cardID string) (models.GameState, error) {
	if !CanFlipCard(state, cardID) {
		return state, fmt.Errorf("cannot flip card %q", cardID)
	}
	next := state
	next.Cards = state.CloneCards()
	for i := range next.Cards {
		if next.Cards[i].ID == cardID {
			next.Cards[i].IsFlipped = true
			break
		}
	}
	return next, nil
}

// CheckMatch compares the two selected cards by image id. It returns nil if
// the derived selection is not exactly two cards; that only happens when a
// racing update resolved the selection under us, never on the normal path.
func CheckMatch(state models.GameState) *MatchResult {
	sel := state.SelectedCards()
	if len(sel) != 2 {
		return nil
	}
	return &MatchResult{
		IsMatch:    sel[0].ImageID == sel[1].ImageID,
		FirstCard:  sel[0],
		SecondCard: sel[1],
	}
}

// ApplyMatch marks both matched cards as resolved by the current player.
// The current player keeps the turn; a match grants another go.
func ApplyMatch(state models.GameState, result *MatchResult) models.GameState {
	next := state
	next.Cards = state.CloneCards()
	for i := range next.Cards {
		c := &next.Cards[i]
		if c.ID == result.FirstCard.ID || c.ID == result.SecondCard.ID {
			c.IsMatched = true
			c.MatchedBy = state.CurrentPlayer
		}
	}
	return next
}

// ApplyNoMatchWithReset flips the given cards back face-down and hands the
// turn to the other player. Already-matched cards are never touched.
func ApplyNoMatchWithReset(state models.GameState, cardIDs []string) models.GameState {
	next := state
	next.Cards = state.CloneCards()
	for i := range next.Cards {
		c := &next.Cards[i]
		if c.IsMatched {
			continue
		}
		for _, id := range cardIDs {
			if c.ID == id {
				c.IsFlipped = false
			}
		}
	}
	next.CurrentPlayer = state.CurrentPlayer.Other()
	return next
}

// CheckAndFinishGame transitions to finished once every card is matched.
func CheckAndFinishGame(state models.GameState) models.GameState {
	for _, c := range state.Cards {
		if !c.IsMatched {
			return state
		}
	}
	next := state
	next.Status = models.StatusFinished
	return next
}

// CalculateWinner derives both scores from matched-card ownership and
// returns the higher-scoring player, or a tie when scores are equal.
func CalculateWinner(cards []models.Card, player1, player2 models.Player) WinnerResult {
	state := models.GameState{Cards: cards}
	s1 := state.ScoreFor(models.Slot1)
	s2 := state.ScoreFor(models.Slot2)

	result := WinnerResult{Player1Score: s1, Player2Score: s2}
	switch {
	case s1 > s2:
		result.Winner = &player1
	case s2 > s1:
		result.Winner = &player2
	default:
		result.IsTie = true
	}
	return result
}

// Reset returns the empty setup state. Cards and status are cleared together
// so no observer ever sees a board from a previous game marked as playable.
func Reset() models.GameState {
	return models.GameState{
		CurrentPlayer: models.Slot1,
		Status:        models.StatusSetup,
	}
}

func findCard(state models.GameState, cardID string) (models.Card, bool) {
	for _, c := range state.Cards {
		if c.ID == cardID {
			return c, true
		}
	}
	return models.Card{}, false
}
