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

// Physical constants for the mixing-ratio flux conversion.
// Sensitivities arrive in cost/(ppm/s) and leave in
// cost/(mol/(s*m²)); the same factors convert the physical emissions
// forward, which keeps the two directions transposes of each other.
const (
	mwAir    = 28.9628 // molar weight of dry air [g/mol]
	ppmScale = 1e6     // proportion to parts per million
	kgScale  = 1e-3    // g to kg
)

// UnitConverter holds the derived unit-conversion factor arrays for
// one reference grid. Building the factors requires reading a large
// met density field, so converters are computed once per process and
// reused; the fingerprint ties a converter to the grid it was built
// for so a changed grid cannot silently reuse stale factors.
type UnitConverter struct {
	fingerprint string

	// modelFactors has shape (ModelSteps, NlayModel, Nrow, Ncol)
	// and converts physical flux units on the simulator input axis;
	// senseFactors is the same field interpolated to the adjoint
	// output axis.
	modelFactors *sparse.DenseArray
	senseFactors *sparse.DenseArray
}

// NewUnitConverter derives the conversion factor arrays from an air
// density field (e.g. the DENSA_J met variable, shape (n, layers,
// rows, cols) with n-1 dividing both fine axes) and the sigma levels
// bounding each model layer (length NlayModel+1 or more).
func NewUnitConverter(p *Params, density *sparse.DenseArray, sigmaLevels []float64) (*UnitConverter, error) {
	if len(density.Shape) != 4 {
		return nil, fmt.Errorf("fourdvar: density field must be 4-D, got shape %v: %w",
			density.Shape, ErrShapeMismatch)
	}
	if density.Shape[1] < p.NlayModel || density.Shape[2] != p.Nrow || density.Shape[3] != p.Ncol {
		return nil, fmt.Errorf("fourdvar: density field shape %v incompatible with %d layer %dx%d grid: %w",
			density.Shape, p.NlayModel, p.Nrow, p.Ncol, ErrShapeMismatch)
	}
	if len(sigmaLevels) < p.NlayModel+1 {
		return nil, fmt.Errorf("fourdvar: %d sigma levels cannot bound %d layers: %w",
			len(sigmaLevels), p.NlayModel, ErrConfiguration)
	}
	layThick := make([]float64, p.NlayModel)
	for l := range layThick {
		layThick[l] = sigmaLevels[l] - sigmaLevels[l+1]
		if layThick[l] <= 0 {
			return nil, fmt.Errorf("fourdvar: sigma levels not strictly decreasing at layer %d: %w",
				l, ErrDataValidation)
		}
	}
	rho := truncLayers(density, p.NlayModel)

	model, err := factorsOnAxis(rho, layThick, p.ModelSteps())
	if err != nil {
		return nil, fmt.Errorf("fourdvar: model axis factors: %w", err)
	}
	sense, err := factorsOnAxis(rho, layThick, p.SenseSteps())
	if err != nil {
		return nil, fmt.Errorf("fourdvar: sensitivity axis factors: %w", err)
	}
	return &UnitConverter{
		fingerprint:  p.fingerprint(),
		modelFactors: model,
		senseFactors: sense,
	}, nil
}

// check confirms the converter was built for p's reference grid.
func (c *UnitConverter) check(p *Params) error {
	if c == nil {
		return fmt.Errorf("fourdvar: unit converter not initialized: %w", ErrConfiguration)
	}
	if c.fingerprint != p.fingerprint() {
		return fmt.Errorf("fourdvar: unit converter built for a different reference grid: %w",
			ErrConfiguration)
	}
	return nil
}

// factorsOnAxis interpolates the density field to the target time
// axis and converts it to unit factors.
func factorsOnAxis(rho *sparse.DenseArray, layThick []float64, steps int) (*sparse.DenseArray, error) {
	interp, err := interpSteps(rho, steps)
	if err != nil {
		return nil, err
	}
	rowSize := interp.Shape[2] * interp.Shape[3]
	for t := 0; t < interp.Shape[0]; t++ {
		for l := 0; l < interp.Shape[1]; l++ {
			off := (t*interp.Shape[1] + l) * rowSize
			for i := off; i < off+rowSize; i++ {
				interp.Elements[i] = ppmScale * kgScale * mwAir / (interp.Elements[i] * layThick[l])
			}
		}
	}
	return interp, nil
}

// interpSteps linearly interpolates a (time, layer, row, col) array
// onto a finer endpoint-inclusive axis. Each repeated step is sampled
// at its midpoint between the bracketing source steps; the trailing
// step copies the final source value.
func interpSteps(in *sparse.DenseArray, steps int) (*sparse.DenseArray, error) {
	n := in.Shape[0]
	if n < 2 {
		return nil, fmt.Errorf("fourdvar: need at least 2 source steps to interpolate: %w",
			ErrShapeMismatch)
	}
	if steps-1 < n-1 || (steps-1)%(n-1) != 0 {
		return nil, fmt.Errorf("fourdvar: cannot interpolate %d source steps onto %d target steps: %w",
			n, steps, ErrShapeMismatch)
	}
	reps := (steps - 1) / (n - 1)
	size := sliceSize(in.Shape)
	out := sparse.ZerosDense(append([]int{steps}, in.Shape[1:]...)...)
	for i := 0; i < n-1; i++ {
		lo := in.Elements[i*size : (i+1)*size]
		hi := in.Elements[(i+1)*size : (i+2)*size]
		for r := 0; r < reps; r++ {
			frac := float64(2*r+1) / float64(2*reps)
			dst := out.Elements[(i*reps+r)*size : (i*reps+r+1)*size]
			for j := range dst {
				dst[j] = (1-frac)*lo[j] + frac*hi[j]
			}
		}
	}
	copy(out.Elements[(steps-1)*size:], in.Elements[(n-1)*size:])
	return out, nil
}

// MapSensitivity is the adjoint of PhysicalToModelInput: it converts
// the raw adjoint output back to physical units, sums the fine
// sensitivity steps into each physical timestep (the transpose of the
// forward copy), and drops the padding layers. When the
// initial-condition pathway is enabled, iconField must supply the
// reference initial-concentration field each scale factor multiplies.
func MapSensitivity(sens *SensitivityData, units *UnitConverter, iconField []*sparse.DenseArray) (*PhysicalAdjointData, error) {
	p := sens.Params()
	if err := units.check(p); err != nil {
		return nil, err
	}
	emis := make(map[string]*sparse.DenseArray, p.NumSpecies())
	for s, spc := range p.Species() {
		sdata := sens.Emis(s).Copy()
		mulElements(sdata, units.senseFactors)
		coarse, err := collapseSensitivity(sdata, p.SenseRatio())
		if err != nil {
			return nil, fmt.Errorf("fourdvar: collapsing sensitivity for %s: %w", spc, err)
		}
		emis[spc] = truncLayers(coarse, p.NlayEmis)
	}

	var icon map[string]float64
	if p.IncIcon {
		if len(iconField) != p.NumSpecies() {
			return nil, fmt.Errorf("fourdvar: icon pathway enabled but reference field has %d species: %w",
				len(iconField), ErrConfiguration)
		}
		icon = make(map[string]float64, p.NumSpecies())
		for s, spc := range p.Species() {
			is := sens.IconSens(s)
			if !shapeEqual(is.Shape, iconField[s].Shape) {
				return nil, fmt.Errorf("fourdvar: icon sensitivity and reference field shapes differ for %s: %w",
					spc, ErrShapeMismatch)
			}
			var sum float64
			for i, v := range is.Elements {
				sum += v * iconField[s].Elements[i]
			}
			icon[spc] = sum
		}
	}
	return NewPhysicalAdjointData(p, icon, emis)
}
