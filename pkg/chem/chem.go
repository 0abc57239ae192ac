// Package chem holds the molecule representation shared by workflows and
// the per-application codecs that translate it to and from the input and
// output files of the underlying chemistry codes.
package chem

import (
	"fmt"
	"sort"

	"github.com/htgrid/htgrid/pkg/model"
)

// Molecule is a geometry as a flat coordinate vector: Coords[3i..3i+2]
// belong to atom Names[i]. Coordinates are in Bohr.
type Molecule struct {
	Names  []string  `json:"names"`
	Coords []float64 `json:"coords"`
}

// Params are application-level settings carried verbatim through an input
// file rewrite (basis set, method, charge and the like).
type Params map[string]string

func (m Molecule) Atoms() int { return len(m.Names) }

func (m Molecule) Validate() error {
	if len(m.Names) == 0 {
		return &model.ValidationError{Field: "names", Msg: "no atoms"}
	}
	if len(m.Coords) != 3*len(m.Names) {
		return &model.ValidationError{
			Field: "coords",
			Msg:   fmt.Sprintf("want %d coordinates, have %d", 3*len(m.Names), len(m.Coords)),
		}
	}
	return nil
}

// Perturb returns a copy of m with coordinate i shifted by step.
func (m Molecule) Perturb(i int, step float64) Molecule {
	out := Molecule{
		Names:  append([]string(nil), m.Names...),
		Coords: append([]float64(nil), m.Coords...),
	}
	out.Coords[i] += step
	return out
}

func (p Params) clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// sortedKeys keeps written input files byte-stable so identical jobs hash
// identically and share runs.
func (p Params) sortedKeys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Codec reads and writes the file formats of one chemistry application.
type Codec interface {
	// ParseInput extracts the geometry and settings from an input deck.
	ParseInput(body []byte) (Molecule, Params, error)
	// WriteInput renders an input deck for the given geometry.
	WriteInput(mol Molecule, params Params) ([]byte, error)
	// ParseGradient pulls the energy gradient, one value per coordinate,
	// out of a completed job's output.
	ParseGradient(body []byte) ([]float64, error)
}

var codecs = map[string]Codec{}

// Register installs a codec under an application tag. Later registrations
// for the same tag win, which lets tests substitute fixtures.
func Register(appTag string, c Codec) {
	codecs[appTag] = c
}

// Lookup returns the codec registered for an application tag.
func Lookup(appTag string) (Codec, error) {
	c, ok := codecs[appTag]
	if !ok {
		return nil, fmt.Errorf("no codec registered for application %q", appTag)
	}
	return c, nil
}
