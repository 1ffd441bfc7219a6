package grid

import (
	"iter"
	"math"
	"slices"
	"strconv"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

// Uniform Spatial Hash Grid
//
// An unbounded, uniformly sub-divided grid indexing axis-aligned bounding
// boxes. The particularities are:
//   - a cell is cellSizeX by cellSizeY world units and world coordinates map to
//     cells with floor(coord / cellSize), so negative coordinates round toward
//     negative infinity.
//   - an element is registered in every cell its bounds overlap, min and max
//     cells included. An element whose max lies exactly on a cell boundary is
//     registered in the cell starting at that boundary.
//   - only cells holding at least one element are materialized.
//
// A grid is not safe for concurrent use.

const (
	// ErrTypeInvalidConfiguration is the error type returned when a grid is
	// created with a non-positive cell size.
	ErrTypeInvalidConfiguration = "grid_invalid_configuration"
)

// Element is the constraint satisfied by values stored in a grid. Its bounds
// are read on Add and Remove only and must keep MinX <= MaxX and MinY <= MaxY.
type Element interface {
	comparable
	MinX() float64
	MinY() float64
	MaxX() float64
	MaxY() float64
}

// CellRange is an inclusive range of cell coordinates.
type CellRange struct {
	MinX int `json:"min_x"`
	MinY int `json:"min_y"`
	MaxX int `json:"max_x"`
	MaxY int `json:"max_y"`
}

// Contains reports whether the cell (x, y) is within the range.
func (r CellRange) Contains(x, y int) bool {
	return x >= r.MinX && x <= r.MaxX && y >= r.MinY && y <= r.MaxY
}

// Len returns the number of cells in the range, saturated to math.MaxInt.
func (r CellRange) Len() int {
	if r.MaxX < r.MinX || r.MaxY < r.MinY {
		return 0
	}

	// The differences wrap around as unsigned values when the range spans
	// more than math.MaxInt cells.
	dx := uint(r.MaxX - r.MinX)
	dy := uint(r.MaxY - r.MinY)
	if dx >= math.MaxInt || dy >= math.MaxInt {
		return math.MaxInt
	}

	w := int(dx) + 1
	h := int(dy) + 1
	if w > math.MaxInt/h {
		return math.MaxInt
	}
	return w * h
}

// cells yields the coordinates of every cell in the range, row by row. It
// stops on the max cells so that ranges ending at math.MaxInt terminate.
func (r CellRange) cells(yield func(int, int) bool) {
	if r.MaxX < r.MinX || r.MaxY < r.MinY {
		return
	}

	for y := r.MinY; ; y++ {
		for x := r.MinX; ; x++ {
			if !yield(x, y) {
				return
			}
			if x == r.MaxX {
				break
			}
		}
		if y == r.MaxY {
			return
		}
	}
}

// Grid is a uniform spatial hash grid of elements of type T.
type Grid[T Element] struct {
	cellSizeX float64
	cellSizeY float64
	cells     map[CellKey][]T
}

// New returns an empty grid with the given cell dimensions.
func New[T Element](cellSizeX, cellSizeY float64) (*Grid[T], error) {
	if !isValidCellSize(cellSizeX) || !isValidCellSize(cellSizeY) {
		return nil, errors.New("grid cell sizes must be greater than zero").
			WithType(ErrTypeInvalidConfiguration).
			WithTag("cell_size_x", strconv.FormatFloat(cellSizeX, 'g', -1, 64)).
			WithTag("cell_size_y", strconv.FormatFloat(cellSizeY, 'g', -1, 64))
	}

	return &Grid[T]{
		cellSizeX: cellSizeX,
		cellSizeY: cellSizeY,
		cells:     make(map[CellKey][]T, 8),
	}, nil
}

func isValidCellSize(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}

// CellSize returns the horizontal and vertical cell extents.
func (g *Grid[T]) CellSize() (float64, float64) {
	return g.cellSizeX, g.cellSizeY
}

// CellAt returns the coordinates of the cell containing the given world
// position.
func (g *Grid[T]) CellAt(x, y float64) (int, int) {
	return cellCoord(x, g.cellSizeX), cellCoord(y, g.cellSizeY)
}

// CellRange returns the cells overlapped by the current bounds of e.
func (g *Grid[T]) CellRange(e T) CellRange {
	return g.cellRange(e.MinX(), e.MinY(), e.MaxX(), e.MaxY())
}

func (g *Grid[T]) cellRange(minX, minY, maxX, maxY float64) CellRange {
	return CellRange{
		MinX: cellCoord(minX, g.cellSizeX),
		MinY: cellCoord(minY, g.cellSizeY),
		MaxX: cellCoord(maxX, g.cellSizeX),
		MaxY: cellCoord(maxY, g.cellSizeY),
	}
}

// Add registers e in every cell overlapped by its bounds. Adding the same
// element twice registers it twice.
func (g *Grid[T]) Add(e T) {
	r := g.CellRange(e)

	for x, y := range r.cells {
		key := Key(x, y)
		elements, ok := g.cells[key]
		if !ok {
			elements = make([]T, 0, 8)
		}
		g.cells[key] = append(elements, e)
	}
}

// Remove removes the first entry of e from every cell overlapped by its
// current bounds. Entries left in cells e no longer overlaps are not found,
// use Delete for those.
func (g *Grid[T]) Remove(e T) {
	r := g.CellRange(e)

	for x, y := range r.cells {
		g.removeFromCell(Key(x, y), e)
	}
}

func (g *Grid[T]) removeFromCell(key CellKey, e T) {
	elements, ok := g.cells[key]
	if !ok {
		return
	}

	i := slices.Index(elements, e)
	if i < 0 {
		return
	}
	g.setCell(key, slices.Delete(elements, i, i+1))
}

// Delete removes every entry of e from every cell regardless of its current
// bounds and returns the number of removed entries.
//
// It visits all the entries of the grid and must be kept off hot paths.
func (g *Grid[T]) Delete(e T) int {
	var removed int

	for key, elements := range g.cells {
		n := len(elements)
		elements = slices.DeleteFunc(elements, func(v T) bool {
			return v == e
		})

		if len(elements) != n {
			removed += n - len(elements)
			g.setCell(key, elements)
		}
	}

	return removed
}

func (g *Grid[T]) setCell(key CellKey, elements []T) {
	if len(elements) == 0 {
		delete(g.cells, key)
		return
	}
	g.cells[key] = elements
}

// ElementsAtWorldPosition returns the elements registered in the cell that
// contains the given world position.
func (g *Grid[T]) ElementsAtWorldPosition(x, y float64) (int, []T) {
	cellX, cellY := g.CellAt(x, y)
	return g.ElementsAtCell(cellX, cellY)
}

// ElementsAtCell returns the elements registered in the given cell. The
// returned slice must not be modified and is only valid until the next call
// that mutates the grid.
func (g *Grid[T]) ElementsAtCell(cellX, cellY int) (int, []T) {
	elements := g.cells[Key(cellX, cellY)]
	return len(elements), elements
}

// ElementAt returns the element at the given index within a cell.
func (g *Grid[T]) ElementAt(cellX, cellY, index int) (T, bool) {
	elements := g.cells[Key(cellX, cellY)]
	if index < 0 || index >= len(elements) {
		var zero T
		return zero, false
	}
	return elements[index], true
}

// CellCount returns the number of materialized cells.
func (g *Grid[T]) CellCount() int {
	return len(g.cells)
}

// Cells iterates over the materialized cells in no particular order. The grid
// must not be modified during the iteration.
func (g *Grid[T]) Cells() iter.Seq2[CellKey, []T] {
	return func(yield func(CellKey, []T) bool) {
		for key, elements := range g.cells {
			if !yield(key, elements) {
				return
			}
		}
	}
}

// Clear drops all the cells and the elements they reference.
func (g *Grid[T]) Clear() {
	clear(g.cells)
}
