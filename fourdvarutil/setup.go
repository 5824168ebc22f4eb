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

package fourdvarutil

import (
	"fmt"
	"os"

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/fourdvar"
	"github.com/spf13/viper"
	"gonum.org/v1/gonum/mat"
)

// Setup assembles an inversion from the given configuration: it
// loads the prior, observations, meteorology and - when configured -
// the uncertainty override and reference initial concentrations, and
// wires in the external simulator executables.
func Setup(cfg *viper.Viper) (*fourdvar.FourDVar, error) {
	log := logrus.StandardLogger()

	priorFile := os.ExpandEnv(cfg.GetString("PriorFile"))
	var bgp fourdvar.BackgroundProvider = fourdvar.FileBackground(priorFile)
	prior, err := bgp.Background()
	if err != nil {
		return nil, fmt.Errorf("fourdvar: loading prior %s: %w", priorFile, err)
	}
	p := prior.Params()
	log.WithFields(logrus.Fields{
		"file":     priorFile,
		"species":  p.NumSpecies(),
		"unknowns": p.Nunknowns(),
	}).Info("prior loaded")

	if uncFile := os.ExpandEnv(cfg.GetString("UncertaintyFile")); uncFile != "" {
		if err := overrideUncertainty(p, uncFile, log); err != nil {
			return nil, err
		}
	}

	obsFile := os.ExpandEnv(cfg.GetString("ObservationFile"))
	var op fourdvar.ObservationProvider = fourdvar.FileObservations(obsFile)
	obs, err := op.Observations(p)
	if err != nil {
		return nil, fmt.Errorf("fourdvar: loading observations %s: %w", obsFile, err)
	}
	log.WithFields(logrus.Fields{
		"file":  obsFile,
		"count": obs.Len(),
	}).Info("observations loaded")

	metFile := os.ExpandEnv(cfg.GetString("MetFile"))
	units, err := fourdvar.LoadUnitConverter(p, metFile, cfg.GetString("DensityVar"))
	if err != nil {
		return nil, fmt.Errorf("fourdvar: loading meteorology %s: %w", metFile, err)
	}

	var iconField []*sparse.DenseArray
	if p.IncIcon {
		iconFile := os.ExpandEnv(cfg.GetString("IconFile"))
		if iconFile == "" {
			return nil, fmt.Errorf("fourdvar: prior enables the initial-condition pathway but no IconFile is configured")
		}
		fields, err := fourdvar.ReadVariables(iconFile, "", p.Species())
		if err != nil {
			return nil, fmt.Errorf("fourdvar: loading initial concentrations %s: %w", iconFile, err)
		}
		iconField = make([]*sparse.DenseArray, p.NumSpecies())
		for i, spc := range p.Species() {
			iconField[i] = fields[spc]
		}
	}

	model := &fourdvar.ExecRunner{
		ForwardExec: os.ExpandEnv(cfg.GetString("ForwardExec")),
		AdjointExec: os.ExpandEnv(cfg.GetString("AdjointExec")),
		WorkDir:     os.ExpandEnv(cfg.GetString("WorkDir")),
		Log:         log,
	}

	return fourdvar.New(prior, obs, model, units, iconField)
}

// overrideUncertainty replaces the uncertainty model of p with the
// corr_unc group of another physical archive.
func overrideUncertainty(p *fourdvar.Params, path string, log logrus.FieldLogger) error {
	unc, err := fourdvar.ReadVariable(path, "corr_unc", "unc_vector")
	if err != nil {
		return fmt.Errorf("fourdvar: loading uncertainty override %s: %w", path, err)
	}
	corrArr, err := fourdvar.ReadVariable(path, "corr_unc", "corr_matrix")
	if err != nil {
		return fmt.Errorf("fourdvar: loading uncertainty override %s: %w", path, err)
	}
	if len(corrArr.Shape) != 2 {
		return fmt.Errorf("fourdvar: correlation matrix in %s is not 2-D", path)
	}
	corr := mat.NewDense(corrArr.Shape[0], corrArr.Shape[1], corrArr.Elements)
	return p.OverrideUncertainty(unc.Elements, corr, log)
}
