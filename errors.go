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

import "errors"

// The three fatal error families of the assimilation pipeline.
// All of them abort the current run; nothing in the pipeline is
// retried. Wrap them with fmt.Errorf and %w so that callers can
// test for the family with errors.Is.
var (
	// ErrConfiguration indicates shared parameters that are
	// undefined, conflicting, or that violate a step-count
	// divisibility rule. Raised at setup.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrShapeMismatch indicates array dimensions that are
	// incompatible between two pipeline stages.
	ErrShapeMismatch = errors.New("incompatible array shapes")

	// ErrDataValidation indicates malformed data found while
	// constructing a representation: a missing species, a negative
	// uncertainty, a bad file attribute.
	ErrDataValidation = errors.New("invalid data")
)
