package models

import (
	"io"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	ErrTypeInvalidSeed = "invalid_seed"
)

// Seed describes spaces and bodies to preload in a store.
//
//	spaces:
//	  - name: arena
//	    cell_size_x: 10
//	    cell_size_y: 10
//	    bodies:
//	      - label: wall
//	        bounds: {min_x: 0, min_y: 0, max_x: 100, max_y: 1}
type Seed struct {
	Spaces []SpaceSeed `yaml:"spaces"`
}

type SpaceSeed struct {
	Name      string     `yaml:"name"`
	CellSizeX float64    `yaml:"cell_size_x"`
	CellSizeY float64    `yaml:"cell_size_y"`
	Bodies    []BodySeed `yaml:"bodies"`
}

type BodySeed struct {
	Label  string `yaml:"label"`
	Bounds Rect   `yaml:"bounds"`
}

// LoadSeed decodes a YAML seed. Unknown fields are rejected.
func LoadSeed(r io.Reader) (Seed, error) {
	var seed Seed

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && err != io.EOF {
		return Seed{}, errors.New("decoding seed failed").
			WithType(ErrTypeInvalidSeed).
			Wrap(err)
	}
	return seed, nil
}

// Seed creates the spaces and bodies described by the seed. Spaces created
// before a failure are kept.
func (s *SpaceStore) Seed(seed Seed) ([]*Space, error) {
	spaces := make([]*Space, 0, len(seed.Spaces))

	for i, spaceSeed := range seed.Spaces {
		space, err := s.Create(spaceSeed.Name, spaceSeed.CellSizeX, spaceSeed.CellSizeY)
		if err != nil {
			return spaces, errors.New("creating seeded space failed").
				WithType(ErrTypeInvalidSeed).
				WithTag("space_index", i).
				WithTag("space_name", spaceSeed.Name).
				Wrap(err)
		}
		spaces = append(spaces, space)

		for j, bodySeed := range spaceSeed.Bodies {
			if _, err := space.AddBody(bodySeed.Label, bodySeed.Bounds); err != nil {
				return spaces, errors.New("adding seeded body failed").
					WithType(ErrTypeInvalidSeed).
					WithTag("space_name", spaceSeed.Name).
					WithTag("body_index", j).
					WithTag("body_label", bodySeed.Label).
					Wrap(err)
			}
		}
	}

	return spaces, nil
}
