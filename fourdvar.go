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

// Package fourdvar assimilates observations into an emission
// estimate by four-dimensional variational inversion: a chain of
// invertible transforms maps an abstract unknown vector through a
// physical emission field and an external simulator to the
// observation space, and the matching adjoint chain maps
// observation-space mismatch back to a gradient on the unknowns.
package fourdvar

import (
	"context"
	"fmt"
	"math"

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// Version gives the version number of this copy of the model.
const Version = "0.1.0"

// FourDVar evaluates the assimilation cost function and its gradient
// for one inversion window. The background state is the prior itself,
// so in unknown space the background is always the zero vector and
// the prior term of the cost reduces to 0.5‖v‖².
type FourDVar struct {
	p     *Params
	prior *PhysicalData
	obs   *ObservationData
	model ModelRunner
	units *UnitConverter

	// iconField holds the reference initial-concentration field per
	// species; required when the initial-condition pathway is on.
	iconField []*sparse.DenseArray

	// Log receives one entry per cost and gradient evaluation.
	Log logrus.FieldLogger

	nCost, nGrad int
}

// New assembles an inversion from its prepared parts. All parts must
// share the reference grid established by the prior file.
func New(prior *PhysicalData, obs *ObservationData, model ModelRunner,
	units *UnitConverter, iconField []*sparse.DenseArray) (*FourDVar, error) {
	p := prior.Params()
	if obs.Params().fingerprint() != p.fingerprint() {
		return nil, fmt.Errorf("fourdvar: observations and prior use different reference grids: %w",
			ErrConfiguration)
	}
	if err := units.check(p); err != nil {
		return nil, err
	}
	if model == nil {
		return nil, fmt.Errorf("fourdvar: no simulator configured: %w", ErrConfiguration)
	}
	if p.IncIcon {
		if len(iconField) != p.NumSpecies() {
			return nil, fmt.Errorf("fourdvar: initial-condition pathway needs a reference field for each of %d species, got %d: %w",
				p.NumSpecies(), len(iconField), ErrConfiguration)
		}
		want := []int{p.NlayModel, p.Nrow, p.Ncol}
		for s, f := range iconField {
			if !shapeEqual(f.Shape, want) {
				return nil, fmt.Errorf("fourdvar: reference initial-concentration field for %s has shape %v, want %v: %w",
					p.species[s], f.Shape, want, ErrShapeMismatch)
			}
		}
	}
	return &FourDVar{
		p:         p,
		prior:     prior,
		obs:       obs,
		model:     model,
		units:     units,
		iconField: iconField,
		Log:       logrus.StandardLogger(),
	}, nil
}

// Params returns the shared run parameters.
func (d *FourDVar) Params() *Params { return d.p }

// forward runs the unknown vector through the full forward chain and
// returns the simulated observation values together with the raw and
// error-weighted residuals. Cost and Gradient share this path exactly
// so their forward halves cannot drift apart.
func (d *FourDVar) forward(ctx context.Context, v []float64) (sim, res, weighted []float64, err error) {
	// Each intermediate is released as soon as the next stage has
	// consumed it; the deferred calls cover error exits. Cleanup is
	// idempotent, so the two never conflict.
	u, err := NewUnknownData(d.p, v)
	if err != nil {
		return nil, nil, nil, err
	}
	defer u.Cleanup()
	phys, err := UnknownToPhysical(d.prior, u)
	if err != nil {
		return nil, nil, nil, err
	}
	defer phys.Cleanup()
	u.Cleanup()
	in, err := PhysicalToModelInput(phys, d.units)
	if err != nil {
		return nil, nil, nil, err
	}
	defer in.Cleanup()
	phys.Cleanup()
	out, err := d.model.RunForward(ctx, in)
	if err != nil {
		return nil, nil, nil, err
	}
	defer out.Cleanup()
	in.Cleanup()
	sim, err = d.obs.Simulate(out)
	if err != nil {
		return nil, nil, nil, err
	}
	out.Cleanup()
	res, err = d.obs.Residual(sim)
	if err != nil {
		return nil, nil, nil, err
	}
	weighted, err = d.obs.ErrorWeight(res)
	if err != nil {
		return nil, nil, nil, err
	}
	return sim, res, weighted, nil
}

// SimulatedObservations runs the forward chain at unknown vector v
// and returns the simulated value of every observation, in
// observation order. It supports twin experiments: simulate at a
// chosen truth, perturb the values, and assimilate the result.
func (d *FourDVar) SimulatedObservations(ctx context.Context, v []float64) ([]float64, error) {
	sim, _, _, err := d.forward(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("fourdvar: simulating observations: %w", err)
	}
	return sim, nil
}

// Cost evaluates the assimilation cost at unknown vector v:
// 0.5‖v‖² plus half the error-weighted sum of squared residuals.
func (d *FourDVar) Cost(ctx context.Context, v []float64) (float64, error) {
	_, res, weighted, err := d.forward(ctx, v)
	if err != nil {
		return math.NaN(), fmt.Errorf("fourdvar: cost evaluation: %w", err)
	}
	bgCost := 0.5 * floats.Dot(v, v)
	obsCost := 0.5 * floats.Dot(res, weighted)
	d.nCost++
	d.Log.WithFields(logrus.Fields{
		"eval":    d.nCost,
		"bgCost":  bgCost,
		"obsCost": obsCost,
		"cost":    bgCost + obsCost,
	}).Info("cost evaluated")
	return bgCost + obsCost, nil
}

// Gradient evaluates the cost gradient at unknown vector v by the
// adjoint chain. dst must have length v; it receives the gradient.
func (d *FourDVar) Gradient(ctx context.Context, dst, v []float64) error {
	if len(dst) != len(v) {
		return fmt.Errorf("fourdvar: gradient destination length %d, unknown vector length %d: %w",
			len(dst), len(v), ErrShapeMismatch)
	}
	_, _, weighted, err := d.forward(ctx, v)
	if err != nil {
		return fmt.Errorf("fourdvar: gradient evaluation: %w", err)
	}
	frc, err := d.obs.Forcing(weighted)
	if err != nil {
		return err
	}
	defer frc.Cleanup()
	sens, err := d.model.RunAdjoint(ctx, frc)
	if err != nil {
		return err
	}
	defer sens.Cleanup()
	frc.Cleanup()
	adj, err := MapSensitivity(sens, d.units, d.iconField)
	if err != nil {
		return err
	}
	defer adj.Cleanup()
	sens.Cleanup()
	ug, err := PhysicalAdjointToUnknown(adj)
	if err != nil {
		return err
	}
	defer ug.Cleanup()
	adj.Cleanup()
	copy(dst, ug.vec)
	floats.Add(dst, v) // prior term: v minus the zero background
	ug.Cleanup()
	d.nGrad++
	d.Log.WithFields(logrus.Fields{
		"eval":  d.nGrad,
		"norm2": floats.Norm(dst, 2),
	}).Info("gradient evaluated")
	return nil
}

// Result holds the outcome of a minimization.
type Result struct {
	// X is the optimal unknown vector and Cost the cost there.
	X    []float64
	Cost float64
	// Physical is X mapped back through the uncertainty model: the
	// posterior emission estimate.
	Physical *PhysicalData

	FuncEvaluations int
	GradEvaluations int
	Status          optimize.Status
}

// Minimize searches for the unknown vector minimizing the
// assimilation cost, starting from x0 (the zero background when x0
// is nil). A nil method selects L-BFGS.
func (d *FourDVar) Minimize(ctx context.Context, x0 []float64,
	settings *optimize.Settings, method optimize.Method) (*Result, error) {
	if x0 == nil {
		bg := BackgroundUnknown(d.p)
		x0 = bg.Vector()
	} else if len(x0) != d.p.Nunknowns() {
		return nil, fmt.Errorf("fourdvar: starting point has %d unknowns, want %d: %w",
			len(x0), d.p.Nunknowns(), ErrShapeMismatch)
	}
	if method == nil {
		method = &optimize.LBFGS{}
	}

	// The optimizer cannot carry an error value through an
	// evaluation, so failures are parked here and surfaced through
	// the Status hook, which stops the optimizer on the next check.
	var evalErr error
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			if evalErr != nil {
				return math.NaN()
			}
			c, err := d.Cost(ctx, x)
			if err != nil {
				evalErr = err
				return math.NaN()
			}
			return c
		},
		Grad: func(grad, x []float64) {
			if evalErr != nil {
				for i := range grad {
					grad[i] = math.NaN()
				}
				return
			}
			if err := d.Gradient(ctx, grad, x); err != nil {
				evalErr = err
				for i := range grad {
					grad[i] = math.NaN()
				}
			}
		},
		Status: func() (optimize.Status, error) {
			if evalErr != nil {
				return optimize.Failure, evalErr
			}
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}

	res, err := optimize.Minimize(problem, x0, settings, method)
	if evalErr != nil {
		return nil, evalErr
	}
	if err != nil {
		return nil, fmt.Errorf("fourdvar: minimization failed: %w", err)
	}

	u, err := NewUnknownData(d.p, res.X)
	if err != nil {
		return nil, err
	}
	phys, err := UnknownToPhysical(d.prior, u)
	if err != nil {
		return nil, err
	}
	d.Log.WithFields(logrus.Fields{
		"cost":      res.F,
		"funcEvals": res.FuncEvaluations,
		"gradEvals": res.GradEvaluations,
		"status":    res.Status.String(),
	}).Info("minimization finished")
	return &Result{
		X:               res.X,
		Cost:            res.F,
		Physical:        phys,
		FuncEvaluations: res.FuncEvaluations,
		GradEvaluations: res.GradEvaluations,
		Status:          res.Status,
	}, nil
}
