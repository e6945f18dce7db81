// game/hint.go
package game

import "fmt"

// Proximity classifies a move relative to the treasure.
type Proximity string

const (
	Warmer Proximity = "Warmer"
	Colder Proximity = "Colder"
	Same   Proximity = "Same"
)

// CompareProximity compares how far current and previous are from treasure.
func CompareProximity(current, previous, treasure Position) Proximity {
	now, before := Distance(current, treasure), Distance(previous, treasure)
	switch {
	case now < before:
		return Warmer
	case now > before:
		return Colder
	default:
		return Same
	}
}

// GenerateHint builds the history line shown after move moveIndex.
// The output depends only on its arguments.
func GenerateHint(current, previous, treasure Position, moveIndex int) string {
	var label string
	switch CompareProximity(current, previous, treasure) {
	case Warmer:
		label = "Warmer!"
	case Colder:
		label = "Colder..."
	default:
		label = "Still the same distance."
	}

	direction := DirectionHint(current, treasure)
	if direction == "" {
		return fmt.Sprintf("Move %d: %s You are standing on the treasure.", moveIndex, label)
	}
	return fmt.Sprintf("Move %d: %s Treasure lies %s.", moveIndex, label, direction)
}
