package models

import (
	"slices"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/spatialgrid/featureflag"
)

type SpaceStore struct {
	// The maximum number of cells a body can overlap in the created spaces.
	MaxBodyCells int

	// The feature flags applied to the created spaces.
	FeatureFlags featureflag.FeatureFlag

	initOnce sync.Once
	mutex    sync.RWMutex
	spaces   map[uint32]*Space
	ids      SequentialIDGenerator
}

func (s *SpaceStore) init() {
	s.spaces = map[uint32]*Space{}
}

// Create creates a space and adds it to the store.
func (s *SpaceStore) Create(name string, cellSizeX, cellSizeY float64) (*Space, error) {
	s.initOnce.Do(s.init)

	id := s.ids.New()
	space, err := NewSpace(id, SpaceConfig{
		Name:         name,
		CellSizeX:    cellSizeX,
		CellSizeY:    cellSizeY,
		MaxBodyCells: s.MaxBodyCells,
		FeatureFlags: s.FeatureFlags,
	})
	if err != nil {
		s.ids.Reuse(id)
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.spaces[id] = space
	instrumentIncreaseSpaceGauge()
	return space, nil
}

// Get returns the space with the given id.
func (s *SpaceStore) Get(id uint32) (*Space, bool) {
	s.initOnce.Do(s.init)

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	space, ok := s.spaces[id]
	return space, ok
}

// Lookup returns the space with the given id or an error of type
// ErrTypeSpaceNotFound.
func (s *SpaceStore) Lookup(id uint32) (*Space, error) {
	space, ok := s.Get(id)
	if !ok {
		return nil, errors.New("space not found").
			WithType(ErrTypeSpaceNotFound).
			WithTag("space_id", id)
	}
	return space, nil
}

// Remove closes and removes a space from the store. It returns false when the
// space does not exist.
func (s *SpaceStore) Remove(id uint32) bool {
	s.initOnce.Do(s.init)

	s.mutex.Lock()
	space, ok := s.spaces[id]
	delete(s.spaces, id)
	s.mutex.Unlock()

	if !ok {
		return false
	}

	space.Close()
	s.ids.Reuse(id)
	instrumentDecreaseSpaceGauge()
	return true
}

// List returns the spaces sorted by id.
func (s *SpaceStore) List() []*Space {
	s.initOnce.Do(s.init)

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	spaces := make([]*Space, 0, len(s.spaces))
	for _, space := range s.spaces {
		spaces = append(spaces, space)
	}

	slices.SortFunc(spaces, func(a, b *Space) int {
		return int(a.ID) - int(b.ID)
	})
	return spaces
}

func (s *SpaceStore) Count() int {
	s.initOnce.Do(s.init)

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.spaces)
}

// Close closes and removes all the spaces.
func (s *SpaceStore) Close() {
	for _, space := range s.List() {
		s.Remove(space.ID)
	}
}
