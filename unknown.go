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

import "fmt"

// UnknownData is the flat parameter vector the minimizer works on.
// The first Params.NumEmisUnknowns elements parameterize deviation
// from the prior emissions in uncertainty-scaled correlation space;
// any remaining elements are initial-condition scale deviations.
type UnknownData struct {
	p   *Params
	vec []float64
}

// NewUnknownData copies v into a new unknown vector, failing if its
// length does not match the number of unknowns.
func NewUnknownData(p *Params, v []float64) (*UnknownData, error) {
	if len(v) != p.Nunknowns() {
		return nil, fmt.Errorf("fourdvar: unknown vector length %d, want %d: %w",
			len(v), p.Nunknowns(), ErrShapeMismatch)
	}
	return &UnknownData{p: p, vec: append([]float64(nil), v...)}, nil
}

// BackgroundUnknown returns the unknown-space representation of the
// background: the zero vector, because unknowns parameterize
// deviation from the prior.
func BackgroundUnknown(p *Params) *UnknownData {
	return &UnknownData{p: p, vec: make([]float64, p.Nunknowns())}
}

// Vector returns a copy of the parameter values.
func (u *UnknownData) Vector() []float64 { return append([]float64(nil), u.vec...) }

// Len returns the number of unknowns.
func (u *UnknownData) Len() int { return len(u.vec) }

// Cleanup releases the vector storage.
func (u *UnknownData) Cleanup() { u.vec = nil }
