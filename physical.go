/*
Copyright © 2025 the FourDVar authors.
This file is part of FourDVar.

FourDVar is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

FourDVar is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with FourDVar.  If not, see <http://www.gnu.org/licenses/>.
*/

package fourdvar

import (
	"fmt"

	"github.com/ctessum/sparse"
)

// physField is the array storage shared by PhysicalData and
// PhysicalAdjointData. The two representations have identical shape
// contracts; only their meanings (estimate vs. gradient) and archive
// units differ.
type physField struct {
	p    *Params
	emis []*sparse.DenseArray // per species, shape EmisShape
	icon []float64            // per species, nil unless p.IncIcon
}

// newPhysField validates the species dictionaries against the shared
// parameters. Every registered species must be present with the
// exact array shape; a partial instance is never produced.
func newPhysField(p *Params, icon map[string]float64, emis map[string]*sparse.DenseArray, adjoint bool) (physField, error) {
	f := physField{p: p}
	if len(emis) != p.NumSpecies() {
		return f, fmt.Errorf("fourdvar: emission dictionary has %d species, registry has %d: %w",
			len(emis), p.NumSpecies(), ErrDataValidation)
	}
	want := p.EmisShape()
	f.emis = make([]*sparse.DenseArray, p.NumSpecies())
	for i, spc := range p.species {
		arr, ok := emis[spc]
		if !ok || arr == nil {
			return f, fmt.Errorf("fourdvar: missing emission data for species %s: %w",
				spc, ErrDataValidation)
		}
		if !shapeEqual(arr.Shape, want) {
			return f, fmt.Errorf("fourdvar: emission array for %s has shape %v, want %v: %w",
				spc, arr.Shape, want, ErrShapeMismatch)
		}
		f.emis[i] = arr.Copy()
	}
	if p.IncIcon {
		if len(icon) != p.NumSpecies() {
			return f, fmt.Errorf("fourdvar: icon dictionary has %d species, registry has %d: %w",
				len(icon), p.NumSpecies(), ErrDataValidation)
		}
		f.icon = make([]float64, p.NumSpecies())
		for i, spc := range p.species {
			v, ok := icon[spc]
			if !ok {
				return f, fmt.Errorf("fourdvar: missing icon scale for species %s: %w",
					spc, ErrDataValidation)
			}
			if !adjoint && v < 0 {
				return f, fmt.Errorf("fourdvar: icon scaling for %s cannot be negative: %w",
					spc, ErrDataValidation)
			}
			f.icon[i] = v
		}
	}
	return f, nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Params returns the shared parameters the field was built against.
func (f *physField) Params() *Params { return f.p }

// Emis returns the emission array for the species at registry index
// i. Callers must treat the array as read-only.
func (f *physField) Emis(i int) *sparse.DenseArray { return f.emis[i] }

// EmisBySpecies returns the emission array for the named species.
func (f *physField) EmisBySpecies(name string) (*sparse.DenseArray, error) {
	i, ok := f.p.SpeciesIndex(name)
	if !ok {
		return nil, fmt.Errorf("fourdvar: unknown species %s: %w", name, ErrDataValidation)
	}
	return f.emis[i], nil
}

// Icon returns the initial-condition scale for the species at
// registry index i, or 0 when the icon pathway is disabled.
func (f *physField) Icon(i int) float64 {
	if f.icon == nil {
		return 0
	}
	return f.icon[i]
}

// Cleanup releases the array storage. Each optimizer iteration
// builds a fresh pipeline, so intermediates are dropped eagerly to
// bound peak memory.
func (f *physField) Cleanup() {
	f.emis = nil
	f.icon = nil
}

// PhysicalData is the estimate (prior or current iterate) in
// physical space: per-species 4-D emission arrays in mol/(s*m²) and
// optional per-species initial-condition scale factors.
type PhysicalData struct {
	physField
}

// NewPhysicalData constructs a validated physical field. icon may be
// nil when p.IncIcon is false.
func NewPhysicalData(p *Params, icon map[string]float64, emis map[string]*sparse.DenseArray) (*PhysicalData, error) {
	f, err := newPhysField(p, icon, emis, false)
	if err != nil {
		return nil, err
	}
	return &PhysicalData{physField: f}, nil
}

// Copy returns a deep copy of d.
func (d *PhysicalData) Copy() *PhysicalData {
	c := &PhysicalData{physField{p: d.p}}
	c.emis = make([]*sparse.DenseArray, len(d.emis))
	for i, e := range d.emis {
		c.emis[i] = e.Copy()
	}
	if d.icon != nil {
		c.icon = append([]float64(nil), d.icon...)
	}
	return c
}

// PhysicalAdjointData mirrors PhysicalData's structure but holds
// gradient magnitudes with respect to the physical parameters. It
// aggregates over exactly the index groupings used to expand
// PhysicalData into model input.
type PhysicalAdjointData struct {
	physField
}

// NewPhysicalAdjointData constructs a validated physical adjoint
// field. Gradients may be negative, so no sign check applies.
func NewPhysicalAdjointData(p *Params, icon map[string]float64, emis map[string]*sparse.DenseArray) (*PhysicalAdjointData, error) {
	f, err := newPhysField(p, icon, emis, true)
	if err != nil {
		return nil, err
	}
	return &PhysicalAdjointData{physField: f}, nil
}
