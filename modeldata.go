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

// speciesArrays validates one array per registered species, in
// registry order, against a required shape.
func speciesArrays(p *Params, arrs []*sparse.DenseArray, want []int, what string) error {
	if len(arrs) != p.NumSpecies() {
		return fmt.Errorf("fourdvar: %s holds %d species arrays, registry has %d: %w",
			what, len(arrs), p.NumSpecies(), ErrDataValidation)
	}
	for i, arr := range arrs {
		if arr == nil {
			return fmt.Errorf("fourdvar: %s missing array for species %s: %w",
				what, p.species[i], ErrDataValidation)
		}
		if !shapeEqual(arr.Shape, want) {
			return fmt.Errorf("fourdvar: %s array for %s has shape %v, want %v: %w",
				what, p.species[i], arr.Shape, want, ErrShapeMismatch)
		}
	}
	return nil
}

// ModelInputData is the forcing data formatted for the forward
// simulator: per-species emission time series on the simulator's
// native time and layer grid, plus the initial-condition scale
// factors when that pathway is enabled.
type ModelInputData struct {
	p    *Params
	emis []*sparse.DenseArray // per species, shape ModelShape
	icon []float64            // per species, nil unless p.IncIcon
}

// NewModelInputData validates the arrays against the simulator grid.
func NewModelInputData(p *Params, emis []*sparse.DenseArray, icon []float64) (*ModelInputData, error) {
	if err := speciesArrays(p, emis, p.ModelShape(), "model input"); err != nil {
		return nil, err
	}
	if p.IncIcon && len(icon) != p.NumSpecies() {
		return nil, fmt.Errorf("fourdvar: model input has %d icon scales, registry has %d: %w",
			len(icon), p.NumSpecies(), ErrDataValidation)
	}
	return &ModelInputData{p: p, emis: emis, icon: icon}, nil
}

// Params returns the shared parameters.
func (d *ModelInputData) Params() *Params { return d.p }

// Emis returns the emission array for the species at registry index i.
func (d *ModelInputData) Emis(i int) *sparse.DenseArray { return d.emis[i] }

// Icon returns the initial-condition scale for registry index i.
func (d *ModelInputData) Icon(i int) float64 {
	if d.icon == nil {
		return 0
	}
	return d.icon[i]
}

// Cleanup releases the array storage.
func (d *ModelInputData) Cleanup() { d.emis = nil; d.icon = nil }

// ModelOutputData is the raw simulator output trajectory:
// per-species concentrations on the simulator grid. It is opaque to
// everything except the observation operator.
type ModelOutputData struct {
	p    *Params
	conc []*sparse.DenseArray // per species, shape ModelShape
}

// NewModelOutputData validates the trajectory arrays.
func NewModelOutputData(p *Params, conc []*sparse.DenseArray) (*ModelOutputData, error) {
	if err := speciesArrays(p, conc, p.ModelShape(), "model output"); err != nil {
		return nil, err
	}
	return &ModelOutputData{p: p, conc: conc}, nil
}

// Params returns the shared parameters.
func (d *ModelOutputData) Params() *Params { return d.p }

// Conc returns the concentration trajectory for registry index i.
func (d *ModelOutputData) Conc(i int) *sparse.DenseArray { return d.conc[i] }

// Cleanup releases the array storage.
func (d *ModelOutputData) Cleanup() { d.conc = nil }

// AdjointForcingData is the source term driving the adjoint
// simulator. It has the same shape as the model output trajectory;
// it is built by scattering weighted observation residuals back onto
// the grid cells named in each observation's weight map.
type AdjointForcingData struct {
	p   *Params
	frc []*sparse.DenseArray // per species, shape ModelShape
}

// NewAdjointForcingData validates the forcing arrays.
func NewAdjointForcingData(p *Params, frc []*sparse.DenseArray) (*AdjointForcingData, error) {
	if err := speciesArrays(p, frc, p.ModelShape(), "adjoint forcing"); err != nil {
		return nil, err
	}
	return &AdjointForcingData{p: p, frc: frc}, nil
}

// Params returns the shared parameters.
func (d *AdjointForcingData) Params() *Params { return d.p }

// Forcing returns the forcing array for registry index i.
func (d *AdjointForcingData) Forcing(i int) *sparse.DenseArray { return d.frc[i] }

// Cleanup releases the array storage.
func (d *AdjointForcingData) Cleanup() { d.frc = nil }

// SensitivityData is the raw adjoint simulator output: per-species
// emission sensitivities on the adjoint time axis (a mirror of
// ModelInputData with a finer, endpoint-inclusive time axis), and
// optionally the initial-concentration sensitivity field used by the
// icon pathway.
type SensitivityData struct {
	p        *Params
	emis     []*sparse.DenseArray // per species, shape SenseShape
	iconSens []*sparse.DenseArray // per species, shape (NlayModel, Nrow, Ncol); nil unless p.IncIcon
}

// NewSensitivityData validates the sensitivity arrays.
func NewSensitivityData(p *Params, emis, iconSens []*sparse.DenseArray) (*SensitivityData, error) {
	if err := speciesArrays(p, emis, p.SenseShape(), "sensitivity"); err != nil {
		return nil, err
	}
	if p.IncIcon {
		want := []int{p.NlayModel, p.Nrow, p.Ncol}
		if err := speciesArrays(p, iconSens, want, "icon sensitivity"); err != nil {
			return nil, err
		}
	}
	return &SensitivityData{p: p, emis: emis, iconSens: iconSens}, nil
}

// Params returns the shared parameters.
func (d *SensitivityData) Params() *Params { return d.p }

// Emis returns the emission sensitivity array for registry index i.
func (d *SensitivityData) Emis(i int) *sparse.DenseArray { return d.emis[i] }

// IconSens returns the initial-concentration sensitivity for
// registry index i, or nil when the icon pathway is disabled.
func (d *SensitivityData) IconSens(i int) *sparse.DenseArray {
	if d.iconSens == nil {
		return nil
	}
	return d.iconSens[i]
}

// Cleanup releases the array storage.
func (d *SensitivityData) Cleanup() { d.emis = nil; d.iconSens = nil }
