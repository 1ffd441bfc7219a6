package models

import (
	"slices"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/spatialgrid/featureflag"
	"github.com/aukilabs/spatialgrid/grid"
	"github.com/google/uuid"
)

const (
	ErrTypeSpaceNotFound = "space_not_found"
	ErrTypeBodyNotFound  = "body_not_found"
	ErrTypeInvalidBounds = "invalid_bounds"
	ErrTypeBodyTooLarge  = "body_too_large"

	// DefaultMaxBodyCells is the default maximum number of cells a single body
	// can overlap.
	DefaultMaxBodyCells = 4096
)

type BodyEventType string

const (
	BodyEventAdd    BodyEventType = "body_add"
	BodyEventMove   BodyEventType = "body_move"
	BodyEventRemove BodyEventType = "body_remove"
	BodyEventClear  BodyEventType = "space_clear"
)

// BodyEvent describes a change that happened in a space.
type BodyEvent struct {
	Type    BodyEventType `json:"type"`
	SpaceID uint32        `json:"space_id"`
	Body    *BodyView     `json:"body,omitempty"`
}

type SpaceConfig struct {
	Name         string
	CellSizeX    float64
	CellSizeY    float64
	MaxBodyCells int
	FeatureFlags featureflag.FeatureFlag
}

// Space represents a 2D world whose bodies are indexed in a uniform grid.
// Unlike the grid, a space is safe for concurrent use.
type Space struct {
	ID        uint32
	UUID      string
	Name      string
	CreatedAt time.Time

	maxBodyCells int
	flags        featureflag.FeatureFlag

	mutex     sync.RWMutex
	grid      *grid.Grid[*Body]
	bodyIDs   SequentialIDGenerator
	bodies    map[uint32]*Body
	stale     map[uint32]struct{}
	cellCount int

	subscriberMutex  sync.RWMutex
	nextSubscriberID uint64
	subscribers      map[uint64]func(BodyEvent)

	closeOnce sync.Once
}

func NewSpace(id uint32, conf SpaceConfig) (*Space, error) {
	g, err := grid.New[*Body](conf.CellSizeX, conf.CellSizeY)
	if err != nil {
		return nil, err
	}

	maxBodyCells := conf.MaxBodyCells
	if maxBodyCells <= 0 {
		maxBodyCells = DefaultMaxBodyCells
	}

	return &Space{
		ID:           id,
		UUID:         uuid.New().String(),
		Name:         conf.Name,
		CreatedAt:    time.Now(),
		maxBodyCells: maxBodyCells,
		flags:        conf.FeatureFlags,
		grid:         g,
		bodies:       make(map[uint32]*Body),
		stale:        make(map[uint32]struct{}),
		subscribers:  make(map[uint64]func(BodyEvent)),
	}, nil
}

// AddBody creates a body with the given bounds and indexes it.
func (s *Space) AddBody(label string, bounds Rect) (*Body, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}

	body, err := s.addBody(label, bounds)
	if err != nil {
		return nil, err
	}

	instrumentBodyCount(1)
	s.notify(BodyEventAdd, body)
	return body, nil
}

func (s *Space) addBody(label string, bounds Rect) (*Body, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.checkBodySize(bounds); err != nil {
		return nil, err
	}

	body := NewBody(s.bodyIDs.New(), label, bounds)
	s.grid.Add(body)
	s.bodies[body.ID] = body
	s.syncCellCount()

	instrumentGridOp("add")
	return body, nil
}

// MoveBody changes the bounds of a body and updates the cells it is indexed
// in.
func (s *Space) MoveBody(id uint32, bounds Rect) (*Body, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}

	body, err := s.moveBody(id, bounds)
	if err != nil {
		return nil, err
	}

	s.notify(BodyEventMove, body)
	return body, nil
}

func (s *Space) moveBody(id uint32, bounds Rect) (*Body, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	body, ok := s.bodies[id]
	if !ok {
		return nil, newBodyNotFoundError(s.ID, id)
	}

	if err := s.checkBodySize(bounds); err != nil {
		return nil, err
	}

	s.unindex(body)
	body.SetBounds(bounds)
	s.grid.Add(body)
	s.syncCellCount()

	instrumentGridOp("add")
	return body, nil
}

// Touch changes the bounds of a body without updating the cells it is indexed
// in. The body keeps being found in the cells of the bounds it had when last
// indexed until Reindex, MoveBody or RemoveBody is called.
func (s *Space) Touch(id uint32, bounds Rect) (*Body, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	body, ok := s.bodies[id]
	if !ok {
		return nil, newBodyNotFoundError(s.ID, id)
	}

	body.SetBounds(bounds)
	s.stale[id] = struct{}{}
	return body, nil
}

// Reindex drops every entry of a body from the grid and indexes it again with
// its current bounds.
func (s *Space) Reindex(id uint32) (*Body, error) {
	body, err := s.reindex(id)
	if err != nil {
		return nil, err
	}

	s.notify(BodyEventMove, body)
	return body, nil
}

func (s *Space) reindex(id uint32) (*Body, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	body, ok := s.bodies[id]
	if !ok {
		return nil, newBodyNotFoundError(s.ID, id)
	}

	if err := s.checkBodySize(body.Bounds()); err != nil {
		return nil, err
	}

	s.grid.Delete(body)
	delete(s.stale, id)
	s.grid.Add(body)
	s.syncCellCount()

	instrumentGridOp("delete")
	instrumentGridOp("add")
	return body, nil
}

// RemoveBody removes a body from the space.
func (s *Space) RemoveBody(id uint32) error {
	body, err := s.removeBody(id)
	if err != nil {
		return err
	}

	instrumentBodyCount(-1)
	s.notify(BodyEventRemove, body)
	return nil
}

func (s *Space) removeBody(id uint32) (*Body, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	body, ok := s.bodies[id]
	if !ok {
		return nil, newBodyNotFoundError(s.ID, id)
	}

	s.unindex(body)
	delete(s.bodies, id)
	s.syncCellCount()
	return body, nil
}

// unindex removes the body from the grid. Bodies whose bounds changed since
// they were indexed are removed with a full scan.
func (s *Space) unindex(body *Body) {
	_, stale := s.stale[body.ID]
	if stale || s.flags.IsSet(featureflag.FlagSlowPathMove) {
		s.grid.Delete(body)
		delete(s.stale, body.ID)
		instrumentGridOp("delete")
		return
	}

	s.grid.Remove(body)
	instrumentGridOp("remove")
}

func (s *Space) checkBodySize(bounds Rect) error {
	if n := s.grid.CellRange(&Body{bounds: bounds}).Len(); n > s.maxBodyCells {
		return errors.New("body overlaps too many cells").
			WithType(ErrTypeBodyTooLarge).
			WithTag("space_id", s.ID).
			WithTag("bounds", bounds).
			WithTag("max_cells", s.maxBodyCells)
	}
	return nil
}

func (s *Space) syncCellCount() {
	n := s.grid.CellCount()
	instrumentGridCells(n - s.cellCount)
	s.cellCount = n
}

// Body returns the body with the given id.
func (s *Space) Body(id uint32) (*Body, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	body, ok := s.bodies[id]
	return body, ok
}

// Bodies returns the bodies of the space sorted by id.
func (s *Space) Bodies() []*Body {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	bodies := make([]*Body, 0, len(s.bodies))
	for _, b := range s.bodies {
		bodies = append(bodies, b)
	}

	slices.SortFunc(bodies, func(a, b *Body) int {
		return int(a.ID) - int(b.ID)
	})
	return bodies
}

func (s *Space) BodyCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.bodies)
}

// BodiesAtCell returns the bodies indexed in the given cell, in indexing
// order.
func (s *Space) BodiesAtCell(cellX, cellY int) []*Body {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	_, bodies := s.grid.ElementsAtCell(cellX, cellY)
	instrumentGridOp("query_cell")
	return slices.Clone(bodies)
}

// BodiesAtPosition returns the cell containing the given world position and
// the bodies indexed in it.
func (s *Space) BodiesAtPosition(x, y float64) (int, int, []*Body) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	cellX, cellY := s.grid.CellAt(x, y)
	_, bodies := s.grid.ElementsAtWorldPosition(x, y)
	instrumentGridOp("query_position")
	return cellX, cellY, slices.Clone(bodies)
}

// Clear removes all the bodies of the space.
func (s *Space) Clear() {
	n := s.clear()

	instrumentBodyCount(-n)
	s.notify(BodyEventClear, nil)
}

func (s *Space) clear() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	n := len(s.bodies)
	s.grid.Clear()
	clear(s.bodies)
	clear(s.stale)
	s.syncCellCount()

	instrumentGridOp("clear")
	return n
}

func (s *Space) DebugInfo() grid.DebugInfo {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.grid.DebugInfo()
}

// Subscribe registers a handler called after each change of the space. The
// handler must not block. The returned function unregisters it.
func (s *Space) Subscribe(h func(BodyEvent)) (cancel func()) {
	s.subscriberMutex.Lock()
	defer s.subscriberMutex.Unlock()

	// Subscriber ids are never reused so that a late cancel can't remove
	// another subscriber.
	s.nextSubscriberID++
	id := s.nextSubscriberID
	s.subscribers[id] = h

	return func() {
		s.subscriberMutex.Lock()
		defer s.subscriberMutex.Unlock()

		if _, ok := s.subscribers[id]; !ok {
			return
		}
		delete(s.subscribers, id)
	}
}

func (s *Space) notify(t BodyEventType, body *Body) {
	s.subscriberMutex.RLock()
	defer s.subscriberMutex.RUnlock()

	if len(s.subscribers) == 0 {
		return
	}

	event := BodyEvent{
		Type:    t,
		SpaceID: s.ID,
	}
	if body != nil {
		view := body.View()
		event.Body = &view
	}

	for _, h := range s.subscribers {
		h(event)
	}
}

// Close releases the space bodies and subscribers.
func (s *Space) Close() {
	s.closeOnce.Do(func() {
		n := s.clear()
		instrumentBodyCount(-n)

		s.subscriberMutex.Lock()
		defer s.subscriberMutex.Unlock()
		clear(s.subscribers)
	})
}

// SpaceView is the serializable representation of a space.
type SpaceView struct {
	ID        uint32    `json:"id"`
	UUID      string    `json:"uuid"`
	Name      string    `json:"name,omitempty"`
	CellSizeX float64   `json:"cell_size_x"`
	CellSizeY float64   `json:"cell_size_y"`
	BodyCount int       `json:"body_count"`
	CellCount int       `json:"cell_count"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Space) View() SpaceView {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	cellSizeX, cellSizeY := s.grid.CellSize()
	return SpaceView{
		ID:        s.ID,
		UUID:      s.UUID,
		Name:      s.Name,
		CellSizeX: cellSizeX,
		CellSizeY: cellSizeY,
		BodyCount: len(s.bodies),
		CellCount: s.grid.CellCount(),
		CreatedAt: s.CreatedAt,
	}
}

func newBodyNotFoundError(spaceID, bodyID uint32) error {
	return errors.New("body not found").
		WithType(ErrTypeBodyNotFound).
		WithTag("space_id", spaceID).
		WithTag("body_id", bodyID)
}
