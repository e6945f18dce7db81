// game/grid.go
package game

// DefaultGridSize is the side length of the square board.
const DefaultGridSize = 10

// Position is a cell on the board. (0,0) is the north-west corner; Y grows southwards.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Grid describes the board the avatar moves on.
type Grid struct {
	Size  int
	Start Position
}

// NewGrid returns a Grid of the given size starting at start.
func NewGrid(size int, start Position) Grid {
	return Grid{Size: size, Start: start}
}

// DefaultGrid is the 10x10 board with the avatar starting at (4,4).
func DefaultGrid() Grid {
	return NewGrid(DefaultGridSize, Position{X: 4, Y: 4})
}

// IsValid reports whether p lies on the board.
func (g Grid) IsValid(p Position) bool {
	return p.X >= 0 && p.X < g.Size && p.Y >= 0 && p.Y < g.Size
}

// Distance returns the Manhattan distance between a and b.
func Distance(a, b Position) int {
	return abs(a.X-b.X) + abs(a.Y-b.Y)
}

// IsAdjacent reports whether b is exactly one orthogonal step from a.
func IsAdjacent(a, b Position) bool {
	return Distance(a, b) == 1
}

// DirectionHint names the compass direction of to as seen from from,
// e.g. "North-East". It returns "" when both positions are equal.
func DirectionHint(from, to Position) string {
	vertical := ""
	switch {
	case to.Y < from.Y:
		vertical = "North"
	case to.Y > from.Y:
		vertical = "South"
	}

	horizontal := ""
	switch {
	case to.X < from.X:
		horizontal = "West"
	case to.X > from.X:
		horizontal = "East"
	}

	switch {
	case vertical != "" && horizontal != "":
		return vertical + "-" + horizontal
	case vertical != "":
		return vertical
	default:
		return horizontal
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
