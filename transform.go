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

// Transform operators for the unknown-vector half of the pipeline.
// Each operator is a pure function from one representation to the
// next; each forward operator and its adjoint are transposes of the
// same linear map, so changes here must always come in pairs.

package fourdvar

import (
	"fmt"

	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/mat"
)

// UnknownToPhysical expands the flat unknown vector into physical
// space: the uncertainty-scaled vector is pushed through the
// correlation matrix and the resulting deviation is added to the
// prior.
func UnknownToPhysical(prior *PhysicalData, u *UnknownData) (*PhysicalData, error) {
	p := prior.Params()
	if u.Len() != p.Nunknowns() {
		return nil, fmt.Errorf("fourdvar: unknown vector length %d, want %d: %w",
			u.Len(), p.Nunknowns(), ErrShapeMismatch)
	}
	v := u.Vector()
	unc := p.UncVector()
	nEmis := p.NumEmisUnknowns()

	scaled := make([]float64, nEmis)
	for i := range scaled {
		scaled[i] = unc[i] * v[i]
	}
	delta := mat.NewVecDense(p.AllCells(), nil)
	delta.MulVec(p.CorrMatrix(), mat.NewVecDense(nEmis, scaled))

	blockSize := p.Nstep * p.NlayEmis * p.Nrow * p.Ncol
	emis := make(map[string]*sparse.DenseArray, p.NumSpecies())
	for s, spc := range p.Species() {
		arr := prior.Emis(s).Copy()
		for i := range arr.Elements {
			arr.Elements[i] += delta.AtVec(s*blockSize + i)
		}
		emis[spc] = arr
	}

	var icon map[string]float64
	if p.IncIcon {
		iconUnc := p.IconUnc()
		icon = make(map[string]float64, p.NumSpecies())
		for s, spc := range p.Species() {
			icon[spc] = prior.Icon(s) + iconUnc[s]*v[nEmis+s]
		}
	}
	return NewPhysicalData(p, icon, emis)
}

// PhysicalAdjointToUnknown is the adjoint of UnknownToPhysical: the
// physical gradient is flattened over exactly the same cell ordering,
// pushed through the transposed correlation matrix and scaled by the
// uncertainty vector.
func PhysicalAdjointToUnknown(adj *PhysicalAdjointData) (*UnknownData, error) {
	p := adj.Params()
	flat := mat.NewVecDense(p.AllCells(), nil)
	blockSize := p.Nstep * p.NlayEmis * p.Nrow * p.Ncol
	for s := 0; s < p.NumSpecies(); s++ {
		for i, val := range adj.Emis(s).Elements {
			flat.SetVec(s*blockSize+i, val)
		}
	}
	nEmis := p.NumEmisUnknowns()
	g := mat.NewVecDense(nEmis, nil)
	g.MulVec(p.CorrMatrix().T(), flat)

	unc := p.UncVector()
	vec := make([]float64, p.Nunknowns())
	for i := 0; i < nEmis; i++ {
		vec[i] = unc[i] * g.AtVec(i)
	}
	if p.IncIcon {
		iconUnc := p.IconUnc()
		for s := 0; s < p.NumSpecies(); s++ {
			vec[nEmis+s] = iconUnc[s] * adj.Icon(s)
		}
	}
	return NewUnknownData(p, vec)
}

// PhysicalToModelInput distributes each physical timestep across the
// simulator's finer timesteps (flux policy: values copy forward, the
// adjoint sums them back), pads the emission layers up to the model
// layer count, and converts the units from mol/(s*m²) to the
// simulator's mixing-ratio flux using the cached factors.
func PhysicalToModelInput(phys *PhysicalData, units *UnitConverter) (*ModelInputData, error) {
	p := phys.Params()
	if err := units.check(p); err != nil {
		return nil, err
	}
	emis := make([]*sparse.DenseArray, p.NumSpecies())
	for s := 0; s < p.NumSpecies(); s++ {
		expanded, err := expandFlux(phys.Emis(s), p.ModelRatio())
		if err != nil {
			return nil, fmt.Errorf("fourdvar: expanding emissions for %s: %w", p.species[s], err)
		}
		padded := padLayers(expanded, p.NlayModel)
		mulElements(padded, units.modelFactors)
		emis[s] = padded
	}
	var icon []float64
	if p.IncIcon {
		icon = make([]float64, p.NumSpecies())
		for s := range icon {
			icon[s] = phys.Icon(s)
		}
	}
	return NewModelInputData(p, emis, icon)
}

// padLayers returns a copy of a (time, layer, row, col) array with
// the layer axis grown to nlay; added layers are zero.
func padLayers(in *sparse.DenseArray, nlay int) *sparse.DenseArray {
	if in.Shape[1] == nlay {
		return in
	}
	out := sparse.ZerosDense(in.Shape[0], nlay, in.Shape[2], in.Shape[3])
	rowSize := in.Shape[2] * in.Shape[3]
	for t := 0; t < in.Shape[0]; t++ {
		for l := 0; l < in.Shape[1]; l++ {
			src := in.Elements[(t*in.Shape[1]+l)*rowSize : (t*in.Shape[1]+l+1)*rowSize]
			dst := out.Elements[(t*nlay+l)*rowSize : (t*nlay+l+1)*rowSize]
			copy(dst, src)
		}
	}
	return out
}

// truncLayers is the adjoint of padLayers: it drops layers above
// nlay from a (time, layer, row, col) array.
func truncLayers(in *sparse.DenseArray, nlay int) *sparse.DenseArray {
	if in.Shape[1] == nlay {
		return in
	}
	out := sparse.ZerosDense(in.Shape[0], nlay, in.Shape[2], in.Shape[3])
	rowSize := in.Shape[2] * in.Shape[3]
	for t := 0; t < in.Shape[0]; t++ {
		for l := 0; l < nlay; l++ {
			src := in.Elements[(t*in.Shape[1]+l)*rowSize : (t*in.Shape[1]+l+1)*rowSize]
			dst := out.Elements[(t*nlay+l)*rowSize : (t*nlay+l+1)*rowSize]
			copy(dst, src)
		}
	}
	return out
}

// mulElements multiplies a into the elements of arr. The shapes must
// already agree; this is only called on arrays validated upstream.
func mulElements(arr, a *sparse.DenseArray) {
	for i, v := range a.Elements {
		arr.Elements[i] *= v
	}
}
