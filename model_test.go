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
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestExecRunnerMissingExecutable(t *testing.T) {
	p := testParams(t)
	units := testUnits(t, p)
	prior := testPrior(t, p, 1)
	in, err := PhysicalToModelInput(prior, units)
	if err != nil {
		t.Fatal(err)
	}

	r := &ExecRunner{
		ForwardExec: "/nonexistent/forward_model",
		AdjointExec: "/nonexistent/adjoint_model",
		WorkDir:     t.TempDir(),
		Log:         logrus.New(),
	}
	_, err = r.RunForward(context.Background(), in)
	if err == nil {
		t.Fatal("expected error for missing executable")
	}
	var merr *ModelError
	if !errors.As(err, &merr) {
		t.Fatalf("error %v is not a ModelError", err)
	}
	if merr.Stage != "forward" {
		t.Errorf("failed stage = %q; want forward", merr.Stage)
	}
}

func TestModelErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &ModelError{Stage: "adjoint", Err: inner, Output: "some log"}
	if !errors.Is(err, inner) {
		t.Error("ModelError does not unwrap to its cause")
	}
	if err.Error() == "" {
		t.Error("empty error message")
	}
}

func TestTail(t *testing.T) {
	if got := tail("short", 512); got != "short" {
		t.Errorf("tail of short string = %q", got)
	}
	long := ""
	for i := 0; i < 200; i++ {
		long += fmt.Sprintf("line %d\n", i)
	}
	got := tail(long, 64)
	if len(got) >= len(long) {
		t.Errorf("tail did not truncate: %d bytes of %d", len(got), len(long))
	}
	if got[len(got)-9:] != "line 199\n" {
		t.Errorf("tail lost the end of the output: %q", got)
	}
}
