package grid

import (
	"cmp"
	"slices"
)

// DebugInfo describes the cell sizes and occupancy of a grid.
type DebugInfo struct {
	CellSizeX  float64         `json:"cell_size_x"`
	CellSizeY  float64         `json:"cell_size_y"`
	CellCount  int             `json:"cell_count"`
	EntryCount int             `json:"entry_count"`
	Bounds     CellRange       `json:"bounds"`
	Occupancy  []CellOccupancy `json:"occupancy"`
}

// CellOccupancy is the number of entries held by a cell.
type CellOccupancy struct {
	X     int `json:"x"`
	Y     int `json:"y"`
	Count int `json:"count"`
}

// DebugInfo returns a snapshot of the grid occupancy. Occupancy is sorted by
// row then column. Bounds is the smallest range containing every materialized
// cell and is zero for an empty grid.
func (g *Grid[T]) DebugInfo() DebugInfo {
	result := DebugInfo{
		CellSizeX: g.cellSizeX,
		CellSizeY: g.cellSizeY,
		CellCount: len(g.cells),
		Occupancy: make([]CellOccupancy, 0, len(g.cells)),
	}

	for key, elements := range g.cells {
		x, y := key.Cell()

		if len(result.Occupancy) == 0 {
			result.Bounds = CellRange{MinX: x, MinY: y, MaxX: x, MaxY: y}
		} else {
			result.Bounds.MinX = min(result.Bounds.MinX, x)
			result.Bounds.MinY = min(result.Bounds.MinY, y)
			result.Bounds.MaxX = max(result.Bounds.MaxX, x)
			result.Bounds.MaxY = max(result.Bounds.MaxY, y)
		}

		result.EntryCount += len(elements)
		result.Occupancy = append(result.Occupancy, CellOccupancy{
			X:     x,
			Y:     y,
			Count: len(elements),
		})
	}

	slices.SortFunc(result.Occupancy, func(a, b CellOccupancy) int {
		if a.Y != b.Y {
			return cmp.Compare(a.Y, b.Y)
		}
		return cmp.Compare(a.X, b.X)
	})

	return result
}
