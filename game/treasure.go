// game/treasure.go
package game

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// TreasureType is the rarity of the hidden treasure.
type TreasureType string

const (
	TreasureCommon TreasureType = "COMMON"
	TreasureRare   TreasureType = "RARE"
	TreasureEpic   TreasureType = "EPIC"
)

// TreasureTypes lists every kind in ledger order.
var TreasureTypes = []TreasureType{TreasureCommon, TreasureRare, TreasureEpic}

// Code is the uint8 the hunt contract uses for the kind.
func (t TreasureType) Code() (uint8, error) {
	for i, tt := range TreasureTypes {
		if tt == t {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("unknown treasure type %q", t)
}

// RandomTreasureType picks a kind uniformly.
func RandomTreasureType(rng *rand.Rand) TreasureType {
	return TreasureTypes[rng.IntN(len(TreasureTypes))]
}

// ErrNoReachableCell is returned when no cell satisfies the placement rules.
var ErrNoReachableCell = errors.New("no reachable treasure cell for this grid and move budget")

const maxPlacementAttempts = 1000

// GenerateReachableTreasurePosition draws a random cell that is not the start,
// is at most budget steps away, and whose distance has the same parity as
// budget. Every move flips distance parity, so these are exactly the cells a
// player can stand on after spending the whole budget.
func GenerateReachableTreasurePosition(rng *rand.Rand, grid Grid, budget int) (Position, error) {
	if budget < 1 {
		return Position{}, fmt.Errorf("move budget must be at least 1, got %d", budget)
	}

	for attempt := 0; attempt < maxPlacementAttempts; attempt++ {
		candidate := Position{X: rng.IntN(grid.Size), Y: rng.IntN(grid.Size)}
		if isReachableTreasure(grid, candidate, budget) {
			return candidate, nil
		}
	}

	// Sampling kept missing; fall back to a uniform pick over the exact set.
	var cells []Position
	for x := 0; x < grid.Size; x++ {
		for y := 0; y < grid.Size; y++ {
			p := Position{X: x, Y: y}
			if isReachableTreasure(grid, p, budget) {
				cells = append(cells, p)
			}
		}
	}
	if len(cells) == 0 {
		return Position{}, ErrNoReachableCell
	}
	return cells[rng.IntN(len(cells))], nil
}

func isReachableTreasure(grid Grid, p Position, budget int) bool {
	if p == grid.Start || !grid.IsValid(p) {
		return false
	}
	d := Distance(grid.Start, p)
	return d <= budget && d%2 == budget%2
}
