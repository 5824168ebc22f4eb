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

// fill populates an array with a deterministic non-repeating pattern.
func fill(arr *sparse.DenseArray, seed float64) {
	for i := range arr.Elements {
		arr.Elements[i] = seed + 0.37*float64(i) - 0.013*float64(i*i%17)
	}
}

func dot(a, b *sparse.DenseArray) float64 {
	var sum float64
	for i, v := range a.Elements {
		sum += v * b.Elements[i]
	}
	return sum
}

func TestExpandFluxShape(t *testing.T) {
	in := sparse.ZerosDense(4, 1, 2, 2)
	fill(in, 1)
	out, err := expandFlux(in, 2)
	if err != nil {
		t.Fatal(err)
	}
	if out.Shape[0] != 9 {
		t.Fatalf("expanded to %d steps; want 9", out.Shape[0])
	}
	// Each coarse value repeats over its fine steps.
	size := 1 * 2 * 2
	for c := 0; c < 4; c++ {
		for r := 0; r < 2; r++ {
			for j := 0; j < size; j++ {
				want := in.Elements[c*size+j]
				got := out.Elements[(c*2+r)*size+j]
				if got != want {
					t.Errorf("fine step %d element %d = %g; want %g", c*2+r, j, got, want)
				}
			}
		}
	}
	// The trailing boundary step holds the last coarse value.
	for j := 0; j < size; j++ {
		want := in.Elements[3*size+j]
		got := out.Elements[8*size+j]
		if got != want {
			t.Errorf("boundary step element %d = %g; want %g", j, got, want)
		}
	}
}

// TestExpandCollapseAdjoint checks that collapsing is the transpose
// of expanding over the steps inside the window. The boundary step's
// input belongs to the next window, so fields with a zero boundary
// step span the space the pair is dual on.
func TestExpandCollapseAdjoint(t *testing.T) {
	x := sparse.ZerosDense(4, 1, 2, 2)
	fill(x, 2)
	y := sparse.ZerosDense(9, 1, 2, 2)
	fill(y, 5)
	zeroBoundaryStep(y)

	ex, err := expandFlux(x, 2)
	if err != nil {
		t.Fatal(err)
	}
	cy, err := collapseSensitivity(y, 2)
	if err != nil {
		t.Fatal(err)
	}

	lhs := dot(ex, y)
	rhs := dot(x, cy)
	if math.Abs(lhs-rhs) > testTolerance*math.Abs(lhs) {
		t.Errorf("<Ex, y> = %g but <x, E'y> = %g", lhs, rhs)
	}
}

func TestCollapseRejectsUnevenAxis(t *testing.T) {
	in := sparse.ZerosDense(8, 1, 2, 2) // 8 is not n*2+1 for any n
	if _, err := collapseSteps(in, 2, 1); err == nil {
		t.Error("expected coverage error for 8 fine steps at ratio 2")
	}
}

func TestAverageConcConstantField(t *testing.T) {
	in := sparse.ZerosDense(9, 1, 2, 2)
	for i := range in.Elements {
		in.Elements[i] = 7.5
	}
	out, err := averageConc(in, 2)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range out.Elements {
		if math.Abs(v-7.5) > testTolerance {
			t.Errorf("averaged element %d = %g; want 7.5", i, v)
		}
	}
}

func TestStepRatio(t *testing.T) {
	if _, err := stepRatio(21600, 10000); err == nil {
		t.Error("expected error for non-dividing timesteps")
	}
	r, err := stepRatio(21600, 10800)
	if err != nil {
		t.Fatal(err)
	}
	if r != 2 {
		t.Errorf("ratio = %d; want 2", r)
	}
}
