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
	"testing"
	"time"

	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/mat"
)

// testParamsTwoSpecies mirrors testParams with a second species so a
// dictionary can miss a registered key without changing its size.
func testParamsTwoSpecies(t *testing.T) *Params {
	t.Helper()
	nUnk := 2 * 4 * 1 * 2 * 2
	unc := make([]float64, nUnk)
	corr := mat.NewDense(nUnk, nUnk, nil)
	for i := 0; i < nUnk; i++ {
		unc[i] = 0.5
		corr.Set(i, i, 1)
	}
	p, err := NewParams(ParamsConfig{
		StartDate:     time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		EndDate:       time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		TstepSec:      21600,
		ModelTstepSec: 10800,
		SenseTstepSec: 10800,
		Nstep:         4,
		NlayEmis:      1,
		NlayModel:     2,
		Nrow:          2,
		Ncol:          2,
		Species:       []string{"CO", "NO2"},
		UncVector:     unc,
		CorrMatrix:    corr,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewPhysicalDataSpeciesDictionary(t *testing.T) {
	p := testParamsTwoSpecies(t)
	co := sparse.ZerosDense(p.EmisShape()...)
	no2 := sparse.ZerosDense(p.EmisShape()...)

	if _, err := NewPhysicalData(p, nil, map[string]*sparse.DenseArray{
		"CO": co, "NO2": no2,
	}); err != nil {
		t.Fatalf("complete dictionary rejected: %v", err)
	}

	// Right species count but one key outside the registry.
	if _, err := NewPhysicalData(p, nil, map[string]*sparse.DenseArray{
		"CO": co, "SO2": sparse.ZerosDense(p.EmisShape()...),
	}); err == nil {
		t.Error("expected error for dictionary missing a registered species")
	}

	if _, err := NewPhysicalData(p, nil, map[string]*sparse.DenseArray{
		"CO": co,
	}); err == nil {
		t.Error("expected error for dictionary with too few species")
	}

	if _, err := NewPhysicalData(p, nil, map[string]*sparse.DenseArray{
		"CO": co, "NO2": nil,
	}); err == nil {
		t.Error("expected error for nil emission array")
	}

	if _, err := NewPhysicalData(p, nil, map[string]*sparse.DenseArray{
		"CO": co, "NO2": sparse.ZerosDense(1, 1, 1, 1),
	}); err == nil {
		t.Error("expected error for wrong emission array shape")
	}
}
