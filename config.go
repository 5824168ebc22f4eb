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
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

const daySeconds = 24 * 60 * 60

// ParamsConfig holds the values needed to construct the shared
// assimilation parameters. It is normally filled in from the global
// attributes of the prior file rather than written by hand.
type ParamsConfig struct {
	// StartDate and EndDate bound the assimilation window.
	// EndDate is the last simulated day (inclusive).
	StartDate, EndDate time.Time

	// TstepSec is the length of one physical (coarse) emission
	// timestep [seconds].
	TstepSec int

	// ModelTstepSec is the length of one simulator input timestep
	// [seconds]. TstepSec must be an integer multiple of it.
	ModelTstepSec int

	// SenseTstepSec is the length of one adjoint-output timestep
	// [seconds]. ModelTstepSec must be an integer multiple of it.
	SenseTstepSec int

	// Nstep is the number of physical emission timesteps in the
	// window.
	Nstep int

	// NlayEmis is the number of vertical layers carrying emissions;
	// NlayModel is the number of layers on the simulator grid.
	NlayEmis, NlayModel int

	// Nrow and Ncol are the horizontal grid dimensions.
	Nrow, Ncol int

	// Species is the ordered species registry. Array variables are
	// always indexed in this order.
	Species []string

	// UncVector holds the emission uncertainty eigenvalues, one per
	// unknown. CorrMatrix maps physical cells to unknowns and has
	// shape (allCells, len(UncVector)).
	UncVector  []float64
	CorrMatrix *mat.Dense

	// IncIcon enables the optional initial-condition scale factors.
	// When set, IconUnc must hold one uncertainty per species and
	// the unknown vector grows by one element per species.
	IncIcon bool
	IconUnc []float64
}

// Params is the immutable shared state of an assimilation run: grid
// shape, timestep sizes, species registry and uncertainty model. It
// is constructed once at startup and passed by reference into every
// representation and transform; nothing may redefine it afterwards.
// The only mutable calibration path is OverrideUncertainty.
type Params struct {
	StartDate, EndDate time.Time

	TstepSec      int
	ModelTstepSec int
	SenseTstepSec int

	Nstep               int
	NlayEmis, NlayModel int
	Nrow, Ncol          int

	IncIcon bool

	species  []string
	spcIndex map[string]int

	uncVector  []float64
	corrMatrix *mat.Dense
	iconUnc    []float64

	allCells  int
	nunknowns int // emission unknowns plus icon unknowns
}

// NewParams validates c and returns the immutable run parameters.
func NewParams(c ParamsConfig) (*Params, error) {
	if !c.EndDate.After(c.StartDate) && !c.EndDate.Equal(c.StartDate) {
		return nil, fmt.Errorf("fourdvar: end date %v before start date %v: %w",
			c.EndDate, c.StartDate, ErrConfiguration)
	}
	if c.TstepSec <= 0 || c.ModelTstepSec <= 0 || c.SenseTstepSec <= 0 {
		return nil, fmt.Errorf("fourdvar: timestep sizes must be positive: %w", ErrConfiguration)
	}
	if _, err := stepRatio(c.TstepSec, c.ModelTstepSec); err != nil {
		return nil, fmt.Errorf("fourdvar: physical vs model timestep: %w", err)
	}
	if _, err := stepRatio(c.ModelTstepSec, c.SenseTstepSec); err != nil {
		return nil, fmt.Errorf("fourdvar: model vs sensitivity timestep: %w", err)
	}
	if max(daySeconds, c.TstepSec)%min(daySeconds, c.TstepSec) != 0 {
		return nil, fmt.Errorf("fourdvar: timestep size %d s must be a factor or multiple of one day: %w",
			c.TstepSec, ErrConfiguration)
	}
	if c.TstepSec < daySeconds && c.Nstep%(daySeconds/c.TstepSec) != 0 {
		return nil, fmt.Errorf("fourdvar: %d timesteps of %d s do not fill whole days: %w",
			c.Nstep, c.TstepSec, ErrConfiguration)
	}
	days := int(c.EndDate.Sub(c.StartDate).Hours()/24) + 1
	if days*daySeconds != c.Nstep*c.TstepSec {
		return nil, fmt.Errorf("fourdvar: %d timesteps of %d s do not span the %d day window: %w",
			c.Nstep, c.TstepSec, days, ErrConfiguration)
	}
	if c.Nstep <= 0 || c.NlayEmis <= 0 || c.NlayModel <= 0 || c.Nrow <= 0 || c.Ncol <= 0 {
		return nil, fmt.Errorf("fourdvar: grid dimensions must be positive: %w", ErrConfiguration)
	}
	if c.NlayEmis > c.NlayModel {
		return nil, fmt.Errorf("fourdvar: emission layers (%d) exceed model layers (%d): %w",
			c.NlayEmis, c.NlayModel, ErrConfiguration)
	}
	if len(c.Species) == 0 {
		return nil, fmt.Errorf("fourdvar: empty species list: %w", ErrConfiguration)
	}
	spcIndex := make(map[string]int, len(c.Species))
	for i, s := range c.Species {
		if s == "" || len(s) > varListWidth {
			return nil, fmt.Errorf("fourdvar: invalid species name %q: %w", s, ErrConfiguration)
		}
		if _, ok := spcIndex[s]; ok {
			return nil, fmt.Errorf("fourdvar: duplicate species %q: %w", s, ErrConfiguration)
		}
		spcIndex[s] = i
	}

	if err := checkUncertainty(c.Species, c.Nstep, c.NlayEmis, c.Nrow, c.Ncol,
		c.UncVector, c.CorrMatrix); err != nil {
		return nil, err
	}
	allCells, _ := c.CorrMatrix.Dims()
	nunknowns := len(c.UncVector)

	var iconUnc []float64
	if c.IncIcon {
		if len(c.IconUnc) != len(c.Species) {
			return nil, fmt.Errorf("fourdvar: need one icon uncertainty per species, got %d for %d species: %w",
				len(c.IconUnc), len(c.Species), ErrConfiguration)
		}
		for i, u := range c.IconUnc {
			if u < 0 {
				return nil, fmt.Errorf("fourdvar: negative icon uncertainty for %s: %w",
					c.Species[i], ErrDataValidation)
			}
		}
		iconUnc = append([]float64(nil), c.IconUnc...)
		nunknowns += len(c.Species)
	}

	p := &Params{
		StartDate:     c.StartDate,
		EndDate:       c.EndDate,
		TstepSec:      c.TstepSec,
		ModelTstepSec: c.ModelTstepSec,
		SenseTstepSec: c.SenseTstepSec,
		Nstep:         c.Nstep,
		NlayEmis:      c.NlayEmis,
		NlayModel:     c.NlayModel,
		Nrow:          c.Nrow,
		Ncol:          c.Ncol,
		IncIcon:       c.IncIcon,
		species:       append([]string(nil), c.Species...),
		spcIndex:      spcIndex,
		uncVector:     append([]float64(nil), c.UncVector...),
		corrMatrix:    mat.DenseCopyOf(c.CorrMatrix),
		iconUnc:       iconUnc,
		allCells:      allCells,
		nunknowns:     nunknowns,
	}
	return p, nil
}

func checkUncertainty(species []string, nstep, nlay, nrow, ncol int,
	unc []float64, corr *mat.Dense) error {
	if len(unc) == 0 || corr == nil {
		return fmt.Errorf("fourdvar: missing uncertainty vector or correlation matrix: %w",
			ErrConfiguration)
	}
	for i, u := range unc {
		if u < 0 {
			return fmt.Errorf("fourdvar: negative uncertainty scaling at unknown %d: %w",
				i, ErrDataValidation)
		}
	}
	rows, cols := corr.Dims()
	wantCells := len(species) * nstep * nlay * nrow * ncol
	if rows != wantCells {
		return fmt.Errorf("fourdvar: correlation matrix has %d rows, need one per physical cell (%d): %w",
			rows, wantCells, ErrShapeMismatch)
	}
	if cols != len(unc) {
		return fmt.Errorf("fourdvar: correlation matrix has %d columns but uncertainty vector length is %d: %w",
			cols, len(unc), ErrShapeMismatch)
	}
	return nil
}

// Species returns the ordered species registry.
func (p *Params) Species() []string { return append([]string(nil), p.species...) }

// NumSpecies returns the number of species in the registry.
func (p *Params) NumSpecies() int { return len(p.species) }

// SpeciesIndex returns the registry index of the named species.
func (p *Params) SpeciesIndex(name string) (int, bool) {
	i, ok := p.spcIndex[name]
	return i, ok
}

// Nunknowns is the length of the unknown parameter vector.
func (p *Params) Nunknowns() int { return p.nunknowns }

// NumEmisUnknowns is the number of unknowns tied to emissions; the
// remainder (if any) are initial-condition scale factors.
func (p *Params) NumEmisUnknowns() int { return len(p.uncVector) }

// AllCells is the total number of physical emission cells across all
// species and timesteps.
func (p *Params) AllCells() int { return p.allCells }

// UncVector returns a copy of the emission uncertainty eigenvalues.
func (p *Params) UncVector() []float64 { return append([]float64(nil), p.uncVector...) }

// IconUnc returns a copy of the initial-condition uncertainties, or
// nil when the icon pathway is disabled.
func (p *Params) IconUnc() []float64 { return append([]float64(nil), p.iconUnc...) }

// CorrMatrix returns the correlation matrix. Callers must treat the
// returned matrix as read-only.
func (p *Params) CorrMatrix() *mat.Dense { return p.corrMatrix }

// ModelRatio is the number of model timesteps per physical timestep.
func (p *Params) ModelRatio() int { return p.TstepSec / p.ModelTstepSec }

// SenseRatio is the number of sensitivity timesteps per physical
// timestep.
func (p *Params) SenseRatio() int { return p.TstepSec / p.SenseTstepSec }

// ModelSteps is the length of the simulator input time axis. The
// axis is endpoint inclusive: it carries one trailing boundary step
// holding the instantaneous end-of-window state.
func (p *Params) ModelSteps() int { return p.Nstep*p.ModelRatio() + 1 }

// SenseSteps is the length of the adjoint output time axis, endpoint
// inclusive like ModelSteps.
func (p *Params) SenseSteps() int { return p.Nstep*p.SenseRatio() + 1 }

// EmisShape is the per-species shape of physical emission arrays.
func (p *Params) EmisShape() []int { return []int{p.Nstep, p.NlayEmis, p.Nrow, p.Ncol} }

// ModelShape is the per-species shape of simulator input arrays and
// of the output trajectory.
func (p *Params) ModelShape() []int { return []int{p.ModelSteps(), p.NlayModel, p.Nrow, p.Ncol} }

// SenseShape is the per-species shape of adjoint sensitivity arrays.
func (p *Params) SenseShape() []int { return []int{p.SenseSteps(), p.NlayModel, p.Nrow, p.Ncol} }

// cellIndex flattens a physical cell coordinate into the row index
// used by the correlation matrix. The order (species, step, layer,
// row, column) must match exactly between the expansion of unknowns
// into physical space and the aggregation of gradients back out.
func (p *Params) cellIndex(spc, step, lay, row, col int) int {
	return ((((spc*p.Nstep+step)*p.NlayEmis+lay)*p.Nrow+row)*p.Ncol + col)
}

// fingerprint identifies the reference grid for cache invalidation.
func (p *Params) fingerprint() string {
	return fmt.Sprintf("%s|%s|%d|%d|%d|%dx%dx%dx%d|%d",
		p.StartDate.Format("20060102"), p.EndDate.Format("20060102"),
		p.TstepSec, p.ModelTstepSec, p.SenseTstepSec,
		p.Nstep, p.NlayModel, p.Nrow, p.Ncol, len(p.species))
}

// OverrideUncertainty replaces the uncertainty vector and correlation
// matrix. This is the only sanctioned mutation of shared parameters;
// it is logged because the change applies globally to every transform
// holding a reference to p.
func (p *Params) OverrideUncertainty(unc []float64, corr *mat.Dense, log logrus.FieldLogger) error {
	if err := checkUncertainty(p.species, p.Nstep, p.NlayEmis, p.Nrow, p.Ncol, unc, corr); err != nil {
		return err
	}
	// The unknown count is fixed once the parameters are set; an
	// override may recalibrate the model, never resize it.
	if len(unc) != len(p.uncVector) {
		return fmt.Errorf("fourdvar: uncertainty override changes unknown count from %d to %d: %w",
			len(p.uncVector), len(unc), ErrConfiguration)
	}
	if log != nil {
		log.WithFields(logrus.Fields{
			"unknowns": len(unc),
		}).Warn("overriding uncertainty model; change applies globally")
	}
	p.uncVector = append([]float64(nil), unc...)
	p.corrMatrix = mat.DenseCopyOf(corr)
	return nil
}
