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
	"math"

	"github.com/ctessum/sparse"
)

// Observation kinds. Column-average kinds carry weight maps that
// must sum to unity; point kinds sample a single cell.
const (
	KindPoint         = "point"
	KindColumnAverage = "column_average"
)

const unitSumTolerance = 1e-6

// Observation is a single real or simulated measurement. Its sparse
// weight map over (layer, row, column) is the single source of truth
// for both forward sampling and adjoint scattering; the two
// directions must use the same cells and weights or the gradient is
// wrong.
type Observation struct {
	// Value is the measured (or simulated) quantity.
	Value float64
	// Uncertainty is the one-sigma observation error.
	Uncertainty float64
	// Kind names the sampling geometry, e.g. KindColumnAverage for
	// a satellite column retrieval.
	Kind string
	// Species names the observed species.
	Species string
	// TimeIndex locates the observation on the model output time
	// axis.
	TimeIndex int
	// Offset is added to the weighted sum when simulating the
	// observation (for example a retrieval prior term). It is a
	// constant, so it does not enter the adjoint.
	Offset float64
	// Weights maps grid cells to contribution weights, shape
	// (NlayModel, Nrow, Ncol).
	Weights *sparse.SparseArray
}

// ObservationData is an ordered set of observations sharing one
// reference grid.
type ObservationData struct {
	p   *Params
	obs []*Observation
}

// NewObservationData validates every observation against the shared
// parameters. Construction fails on the first invalid observation;
// a partially valid set is never produced.
func NewObservationData(p *Params, obs []*Observation) (*ObservationData, error) {
	if len(obs) == 0 {
		return nil, fmt.Errorf("fourdvar: no observations to assimilate: %w", ErrDataValidation)
	}
	gridShape := []int{p.NlayModel, p.Nrow, p.Ncol}
	for i, ob := range obs {
		if ob == nil {
			return nil, fmt.Errorf("fourdvar: observation %d is nil: %w", i, ErrDataValidation)
		}
		if ob.Uncertainty <= 0 {
			return nil, fmt.Errorf("fourdvar: observation %d has nonpositive uncertainty %g: %w",
				i, ob.Uncertainty, ErrDataValidation)
		}
		if _, ok := p.SpeciesIndex(ob.Species); !ok {
			return nil, fmt.Errorf("fourdvar: observation %d names unknown species %q: %w",
				i, ob.Species, ErrDataValidation)
		}
		if ob.TimeIndex < 0 || ob.TimeIndex >= p.ModelSteps() {
			return nil, fmt.Errorf("fourdvar: observation %d time index %d outside [0,%d): %w",
				i, ob.TimeIndex, p.ModelSteps(), ErrDataValidation)
		}
		if ob.Weights == nil || !shapeEqual(ob.Weights.Shape, gridShape) {
			return nil, fmt.Errorf("fourdvar: observation %d weight map does not match grid %v: %w",
				i, gridShape, ErrShapeMismatch)
		}
		if len(ob.Weights.Elements) == 0 {
			return nil, fmt.Errorf("fourdvar: observation %d has an empty weight map: %w",
				i, ErrDataValidation)
		}
		if ob.Kind == KindColumnAverage {
			if s := ob.Weights.Sum(); math.Abs(s-1) > unitSumTolerance {
				return nil, fmt.Errorf("fourdvar: observation %d column weights sum to %g, want 1: %w",
					i, s, ErrDataValidation)
			}
		}
	}
	return &ObservationData{p: p, obs: obs}, nil
}

// Params returns the shared parameters.
func (o *ObservationData) Params() *Params { return o.p }

// Len returns the number of observations.
func (o *ObservationData) Len() int { return len(o.obs) }

// Obs returns the i'th observation.
func (o *ObservationData) Obs(i int) *Observation { return o.obs[i] }

// Values returns the observed values as a vector.
func (o *ObservationData) Values() []float64 {
	v := make([]float64, len(o.obs))
	for i, ob := range o.obs {
		v[i] = ob.Value
	}
	return v
}

// Simulate is the observation operator: for each observation it
// applies the sparse weight map to the model output slice at the
// observation's time index and species, returning the simulated
// value vector.
func (o *ObservationData) Simulate(out *ModelOutputData) ([]float64, error) {
	if out.Params() != o.p {
		return nil, fmt.Errorf("fourdvar: observation set and model output use different parameters: %w",
			ErrConfiguration)
	}
	gridSize := o.p.NlayModel * o.p.Nrow * o.p.Ncol
	sim := make([]float64, len(o.obs))
	for i, ob := range o.obs {
		spc, _ := o.p.SpeciesIndex(ob.Species)
		conc := out.Conc(spc)
		base := ob.TimeIndex * gridSize
		val := ob.Offset
		for cell, w := range ob.Weights.Elements {
			val += w * conc.Elements[base+cell]
		}
		sim[i] = val
	}
	return sim, nil
}

// Residual returns simulated minus observed values. This orientation
// makes the error-weighted residual directly usable as adjoint
// forcing: the observation term's gradient with respect to the
// simulated values is exactly the weighted residual.
func (o *ObservationData) Residual(sim []float64) ([]float64, error) {
	if len(sim) != len(o.obs) {
		return nil, fmt.Errorf("fourdvar: simulated vector length %d, want %d: %w",
			len(sim), len(o.obs), ErrShapeMismatch)
	}
	res := make([]float64, len(o.obs))
	for i, ob := range o.obs {
		res[i] = sim[i] - ob.Value
	}
	return res, nil
}

// ErrorWeight divides each residual by the observation error
// variance. Observation errors are independent (diagonal
// covariance), so the weighting is elementwise.
func (o *ObservationData) ErrorWeight(res []float64) ([]float64, error) {
	if len(res) != len(o.obs) {
		return nil, fmt.Errorf("fourdvar: residual vector length %d, want %d: %w",
			len(res), len(o.obs), ErrShapeMismatch)
	}
	w := make([]float64, len(o.obs))
	for i, ob := range o.obs {
		w[i] = res[i] / (ob.Uncertainty * ob.Uncertainty)
	}
	return w, nil
}

// Forcing is the adjoint of Simulate: it scatters each weighted
// residual back through the same weight map into a forcing trajectory
// shaped like the model output, accumulating additively where
// observations overlap.
func (o *ObservationData) Forcing(weighted []float64) (*AdjointForcingData, error) {
	if len(weighted) != len(o.obs) {
		return nil, fmt.Errorf("fourdvar: weighted residual length %d, want %d: %w",
			len(weighted), len(o.obs), ErrShapeMismatch)
	}
	shape := o.p.ModelShape()
	gridSize := o.p.NlayModel * o.p.Nrow * o.p.Ncol
	frc := make([]*sparse.DenseArray, o.p.NumSpecies())
	for i := range frc {
		frc[i] = sparse.ZerosDense(shape...)
	}
	for i, ob := range o.obs {
		spc, _ := o.p.SpeciesIndex(ob.Species)
		base := ob.TimeIndex * gridSize
		for cell, w := range ob.Weights.Elements {
			frc[spc].Elements[base+cell] += weighted[i] * w
		}
	}
	return NewAdjointForcingData(o.p, frc)
}

// Cleanup releases the observation storage.
func (o *ObservationData) Cleanup() { o.obs = nil }
