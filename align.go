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

// Alignment between two regular time discretizations whose step
// sizes are integer multiples of each other. The forward mapping and
// its adjoint are implemented side by side because they must remain
// exact transposes of the same linear map: whatever is copied out on
// the way forward is summed back identically on the way home.
//
// Fine time axes are endpoint inclusive. An axis covering n coarse
// steps at ratio r has n*r+1 fine steps; the trailing step is a
// boundary value holding the instantaneous end-of-window state. It is
// not part of the repeating pattern: the forward expansion holds the
// last coarse value constant into it, and the adjoint collapse
// excludes it from the sums.

package fourdvar

import (
	"fmt"

	"github.com/ctessum/sparse"
)

// stepRatio returns how many fine steps of length fineSec fit in one
// coarse step of length coarseSec. A fractional fit is a
// configuration error; there is no partial-step alignment.
func stepRatio(coarseSec, fineSec int) (int, error) {
	if coarseSec <= 0 || fineSec <= 0 {
		return 0, fmt.Errorf("fourdvar: nonpositive step size (%d s, %d s): %w",
			coarseSec, fineSec, ErrConfiguration)
	}
	if coarseSec%fineSec != 0 {
		return 0, fmt.Errorf("fourdvar: step size %d s is not an integer multiple of %d s: %w",
			coarseSec, fineSec, ErrConfiguration)
	}
	return coarseSec / fineSec, nil
}

// fineSteps returns the endpoint-inclusive fine axis length for
// coarse steps at the given ratio.
func fineSteps(coarse, ratio int) int { return coarse*ratio + 1 }

// sliceSize returns the number of elements in a single timestep of
// an array with the given shape (time axis first).
func sliceSize(shape []int) int {
	n := 1
	for _, d := range shape[1:] {
		n *= d
	}
	return n
}

// expandSteps maps an array from a coarse time axis onto a finer,
// endpoint-inclusive one: every coarse step value is copied (scaled
// by scale) into ratio consecutive fine steps, and the trailing
// boundary step receives the last coarse value held constant.
func expandSteps(in *sparse.DenseArray, ratio int, scale float64) (*sparse.DenseArray, error) {
	if ratio < 1 {
		return nil, fmt.Errorf("fourdvar: expansion ratio %d < 1: %w", ratio, ErrConfiguration)
	}
	if len(in.Shape) < 1 || in.Shape[0] < 1 {
		return nil, fmt.Errorf("fourdvar: expansion input has no time axis: %w", ErrShapeMismatch)
	}
	coarse := in.Shape[0]
	outShape := append([]int{fineSteps(coarse, ratio)}, in.Shape[1:]...)
	out := sparse.ZerosDense(outShape...)
	size := sliceSize(in.Shape)
	for t := 0; t < coarse; t++ {
		src := in.Elements[t*size : (t+1)*size]
		for r := 0; r < ratio; r++ {
			dst := out.Elements[(t*ratio+r)*size : (t*ratio+r+1)*size]
			for i, v := range src {
				dst[i] = v * scale
			}
		}
	}
	// Boundary step: last coarse value, held constant.
	last := in.Elements[(coarse-1)*size : coarse*size]
	dst := out.Elements[coarse*ratio*size:]
	for i, v := range last {
		dst[i] = v * scale
	}
	return out, nil
}

// collapseSteps maps an array from a fine, endpoint-inclusive time
// axis back onto the coarse one: each coarse step receives the sum
// (scaled by scale) of its ratio fine steps. The trailing boundary
// step is excluded; it represents a state, not a period accumulation.
// The input length must be exactly coarse*ratio+1 or the coverage
// check fails.
func collapseSteps(in *sparse.DenseArray, ratio int, scale float64) (*sparse.DenseArray, error) {
	if ratio < 1 {
		return nil, fmt.Errorf("fourdvar: collapse ratio %d < 1: %w", ratio, ErrConfiguration)
	}
	if len(in.Shape) < 1 || in.Shape[0] < 2 {
		return nil, fmt.Errorf("fourdvar: collapse input has no time axis: %w", ErrShapeMismatch)
	}
	fine := in.Shape[0]
	if (fine-1)%ratio != 0 {
		return nil, fmt.Errorf("fourdvar: %d fine steps do not cover whole coarse steps at ratio %d: %w",
			fine, ratio, ErrShapeMismatch)
	}
	coarse := (fine - 1) / ratio
	outShape := append([]int{coarse}, in.Shape[1:]...)
	out := sparse.ZerosDense(outShape...)
	size := sliceSize(in.Shape)
	for t := 0; t < coarse; t++ {
		dst := out.Elements[t*size : (t+1)*size]
		for r := 0; r < ratio; r++ {
			src := in.Elements[(t*ratio+r)*size : (t*ratio+r+1)*size]
			for i, v := range src {
				dst[i] += v * scale
			}
		}
	}
	return out, nil
}

// Flux-type quantities (emissions, sensitivities): rates copy forward
// and sum backward.

// expandFlux distributes each coarse flux value over its fine steps.
func expandFlux(in *sparse.DenseArray, ratio int) (*sparse.DenseArray, error) {
	return expandSteps(in, ratio, 1)
}

// collapseSensitivity is the adjoint of expandFlux: it sums the fine
// sensitivities of each coarse step.
func collapseSensitivity(in *sparse.DenseArray, ratio int) (*sparse.DenseArray, error) {
	return collapseSteps(in, ratio, 1)
}

// Concentration-type quantities: averages forward, spread backward.

// averageConc averages groups of fine concentration steps into
// coarse ones.
func averageConc(in *sparse.DenseArray, ratio int) (*sparse.DenseArray, error) {
	return collapseSteps(in, ratio, 1/float64(ratio))
}

// spreadConcAdjoint is the adjoint of averageConc: it copies each
// coarse gradient into its fine steps with the matching 1/ratio
// factor.
func spreadConcAdjoint(in *sparse.DenseArray, ratio int) (*sparse.DenseArray, error) {
	return expandSteps(in, ratio, 1/float64(ratio))
}
