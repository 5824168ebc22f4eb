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
	"math"
	"testing"

	"github.com/ctessum/sparse"
)

// TestInterpSteps checks midpoint interpolation between the density
// snapshots: fine step r inside a coarse interval samples the line
// between the bounding snapshots at fraction (2r+1)/(2*reps), and
// the final snapshot is copied to the boundary step unchanged.
func TestInterpSteps(t *testing.T) {
	in := sparse.ZerosDense(2, 1, 1, 1)
	in.Elements[0] = 1
	in.Elements[1] = 3

	out, err := interpSteps(in, 5)
	if err != nil {
		t.Fatal(err)
	}
	// reps = 4, so fractions are 1/8, 3/8, 5/8, 7/8 along 1→3.
	want := []float64{1.25, 1.75, 2.25, 2.75, 3}
	for i, w := range want {
		if math.Abs(out.Elements[i]-w) > testTolerance {
			t.Errorf("interpolated step %d = %g; want %g", i, out.Elements[i], w)
		}
	}

	in3 := sparse.ZerosDense(3, 1, 1, 1)
	if _, err := interpSteps(in3, 4); err == nil {
		t.Error("expected error when snapshot intervals do not divide the axis")
	}
}

func TestNewUnitConverterValidation(t *testing.T) {
	p := testParams(t)
	density := sparse.ZerosDense(2, p.NlayModel, p.Nrow, p.Ncol)
	for i := range density.Elements {
		density.Elements[i] = 1
	}

	if _, err := NewUnitConverter(p, sparse.ZerosDense(2, 2, 2), []float64{1, 0.6, 0.2}); err == nil {
		t.Error("expected error for non-4-D density field")
	}
	if _, err := NewUnitConverter(p, density, []float64{1, 0.6}); err == nil {
		t.Error("expected error for too few sigma levels")
	}
	if _, err := NewUnitConverter(p, density, []float64{0.2, 0.6, 1}); err == nil {
		t.Error("expected error for increasing sigma levels")
	}
	if _, err := NewUnitConverter(p, density, []float64{1, 0.6, 0.2}); err != nil {
		t.Errorf("valid converter rejected: %v", err)
	}
}

func TestUnitConverterFingerprint(t *testing.T) {
	p := testParams(t)
	units := testUnits(t, p)

	other := testParams(t)
	other.Ncol = 3
	if err := units.check(other); err == nil {
		t.Error("expected error for converter used with a different grid")
	}
	var missing *UnitConverter
	if err := missing.check(p); err == nil {
		t.Error("expected error for nil converter")
	}
}

// TestUnitFactorsSymmetric checks that the forward and adjoint factor
// arrays agree when the simulator and adjoint share a time axis; the
// shared factors are what keep the two directions exact transposes.
func TestUnitFactorsSymmetric(t *testing.T) {
	p := testParams(t)
	units := testUnits(t, p)

	if !shapeEqual(units.modelFactors.Shape, units.senseFactors.Shape) {
		t.Fatalf("factor shapes differ: %v vs %v",
			units.modelFactors.Shape, units.senseFactors.Shape)
	}
	for i, v := range units.modelFactors.Elements {
		if v != units.senseFactors.Elements[i] {
			t.Fatalf("factor %d differs between directions: %g vs %g",
				i, v, units.senseFactors.Elements[i])
		}
	}
	// Layer thicknesses 0.4 and 0.4, density 1: the factor is the
	// same in both layers.
	want := ppmScale * kgScale * mwAir / 0.4
	for i, v := range units.modelFactors.Elements {
		if math.Abs(v-want) > testTolerance*want {
			t.Fatalf("factor %d = %g; want %g", i, v, want)
		}
	}
}

func TestMapSensitivityCollapsesSteps(t *testing.T) {
	p := testParams(t)
	units := testUnits(t, p)

	y := sparse.ZerosDense(p.SenseShape()...)
	for i := range y.Elements {
		y.Elements[i] = 1
	}
	zeroBoundaryStep(y)
	sens, err := NewSensitivityData(p, []*sparse.DenseArray{y}, nil)
	if err != nil {
		t.Fatal(err)
	}
	adj, err := MapSensitivity(sens, units, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !shapeEqual(adj.Emis(0).Shape, p.EmisShape()) {
		t.Fatalf("adjoint shape %v; want %v", adj.Emis(0).Shape, p.EmisShape())
	}
	// Each physical step gathers SenseRatio() fine steps of unit
	// sensitivity, each scaled by the constant unit factor.
	want := float64(p.SenseRatio()) * ppmScale * kgScale * mwAir / 0.4
	for i, v := range adj.Emis(0).Elements {
		if math.Abs(v-want) > testTolerance*want {
			t.Fatalf("adjoint element %d = %g; want %g", i, v, want)
		}
	}
}
