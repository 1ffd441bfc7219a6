package models

import (
	"math"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

// Rect is an axis-aligned bounding box in world units.
type Rect struct {
	MinX float64 `json:"min_x" yaml:"min_x"`
	MinY float64 `json:"min_y" yaml:"min_y"`
	MaxX float64 `json:"max_x" yaml:"max_x"`
	MaxY float64 `json:"max_y" yaml:"max_y"`
}

// Validate returns an error when the rect has non-finite bounds or when a min
// bound is greater than its max bound.
func (r Rect) Validate() error {
	for _, v := range [...]float64{r.MinX, r.MinY, r.MaxX, r.MaxY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("bounds must be finite").
				WithType(ErrTypeInvalidBounds).
				WithTag("bounds", r)
		}
	}

	if r.MinX > r.MaxX || r.MinY > r.MaxY {
		return errors.New("min bounds must not be greater than max bounds").
			WithType(ErrTypeInvalidBounds).
			WithTag("bounds", r)
	}
	return nil
}

// A body indexed in a space. The grid holds *Body handles so a body can be
// found by identity even after its bounds changed.
type Body struct {
	ID    uint32
	Label string

	mutex  sync.RWMutex
	bounds Rect
}

func NewBody(id uint32, label string, bounds Rect) *Body {
	return &Body{
		ID:     id,
		Label:  label,
		bounds: bounds,
	}
}

func (b *Body) Bounds() Rect {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	return b.bounds
}

// SetBounds changes the body bounds. It does not update any grid the body is
// indexed in.
func (b *Body) SetBounds(r Rect) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.bounds = r
}

func (b *Body) MinX() float64 { return b.Bounds().MinX }
func (b *Body) MinY() float64 { return b.Bounds().MinY }
func (b *Body) MaxX() float64 { return b.Bounds().MaxX }
func (b *Body) MaxY() float64 { return b.Bounds().MaxY }

// BodyView is the serializable representation of a body.
type BodyView struct {
	ID     uint32 `json:"id"`
	Label  string `json:"label,omitempty"`
	Bounds Rect   `json:"bounds"`
}

func (b *Body) View() BodyView {
	return BodyView{
		ID:     b.ID,
		Label:  b.Label,
		Bounds: b.Bounds(),
	}
}

func BodiesToViews(bodies []*Body) []BodyView {
	views := make([]BodyView, len(bodies))
	for i, b := range bodies {
		views[i] = b.View()
	}
	return views
}
