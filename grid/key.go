package grid

import "math"

// CellKey identifies a cell in a grid's storage.
type CellKey struct {
	X int
	Y int
}

// Key returns the key of the cell (cellX, cellY).
func Key(cellX, cellY int) CellKey {
	return CellKey{X: cellX, Y: cellY}
}

// Cell returns the coordinates of the cell identified by the key.
func (k CellKey) Cell() (int, int) {
	return k.X, k.Y
}

// cellCoord maps a world coordinate to a cell coordinate. NaN maps to 0 and
// values out of the int range saturate.
func cellCoord(v, cellSize float64) int {
	c := math.Floor(v / cellSize)

	switch {
	case math.IsNaN(c):
		return 0
	case c <= math.MinInt:
		return math.MinInt
	case c >= math.MaxInt:
		return math.MaxInt
	default:
		return int(c)
	}
}
