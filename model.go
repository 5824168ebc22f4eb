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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// ModelRunner abstracts the external numerical simulator. The
// forward run advances the model input to a concentration trajectory;
// the adjoint run propagates a forcing trajectory back to input
// sensitivities. Implementations block until the simulator finishes;
// there is no internal overlap of I/O and computation.
type ModelRunner interface {
	RunForward(ctx context.Context, in *ModelInputData) (*ModelOutputData, error)
	RunAdjoint(ctx context.Context, frc *AdjointForcingData) (*SensitivityData, error)
}

// ModelError reports a failed simulator invocation: a non-zero exit,
// a missing output file, or unreadable output. It is kept distinct
// from the pipeline's own error kinds because the failure belongs to
// an external collaborator, and it is always fatal to the current
// optimizer iteration.
type ModelError struct {
	Stage  string // "forward" or "adjoint"
	Err    error
	Output string // trailing simulator output, for diagnosis
}

func (e *ModelError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("fourdvar: %s model run failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("fourdvar: %s model run failed: %v; output: %s", e.Stage, e.Err, e.Output)
}

func (e *ModelError) Unwrap() error { return e.Err }

// File names used inside an ExecRunner work directory.
const (
	modelInputFile     = "model_input.ncf"
	modelOutputFile    = "model_output.ncf"
	adjointForcingFile = "adjoint_forcing.ncf"
	sensitivityFile    = "sensitivity.ncf"
)

// ExecRunner invokes the simulator executables through file I/O: it
// serializes the input representation to the simulator's array
// layout, runs the executable with the input and output paths as
// arguments, and deserializes the mirrored output layout.
type ExecRunner struct {
	// ForwardExec and AdjointExec are the simulator executables.
	ForwardExec, AdjointExec string
	// WorkDir holds the exchange files. It must exist.
	WorkDir string
	// Log, if non-nil, records each invocation.
	Log logrus.FieldLogger
}

// run invokes the executable and surfaces any failure as a
// *ModelError, including when the executable exits cleanly but never
// writes its output file.
func (r *ExecRunner) run(ctx context.Context, stage, execPath, inPath, outPath string) error {
	if err := os.Remove(outPath); err != nil && !os.IsNotExist(err) {
		return &ModelError{Stage: stage, Err: err}
	}
	if r.Log != nil {
		r.Log.WithFields(logrus.Fields{
			"stage": stage,
			"exec":  execPath,
		}).Info("invoking simulator")
	}
	cmd := exec.CommandContext(ctx, execPath, inPath, outPath)
	cmd.Dir = r.WorkDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &ModelError{Stage: stage, Err: err, Output: tail(string(out), 512)}
	}
	if _, err := os.Stat(outPath); err != nil {
		return &ModelError{Stage: stage,
			Err:    fmt.Errorf("simulator exited cleanly but wrote no output file: %v", err),
			Output: tail(string(out), 512)}
	}
	return nil
}

// RunForward serializes in, runs the forward executable and reads
// back the concentration trajectory.
func (r *ExecRunner) RunForward(ctx context.Context, in *ModelInputData) (*ModelOutputData, error) {
	inPath := filepath.Join(r.WorkDir, modelInputFile)
	outPath := filepath.Join(r.WorkDir, modelOutputFile)
	if err := in.Archive(inPath); err != nil {
		return nil, fmt.Errorf("fourdvar: writing model input: %w", err)
	}
	if err := r.run(ctx, "forward", r.ForwardExec, inPath, outPath); err != nil {
		return nil, err
	}
	out, err := ReadModelOutput(outPath, in.Params())
	if err != nil {
		return nil, &ModelError{Stage: "forward", Err: err}
	}
	return out, nil
}

// RunAdjoint serializes frc, runs the adjoint executable and reads
// back the sensitivity field.
func (r *ExecRunner) RunAdjoint(ctx context.Context, frc *AdjointForcingData) (*SensitivityData, error) {
	inPath := filepath.Join(r.WorkDir, adjointForcingFile)
	outPath := filepath.Join(r.WorkDir, sensitivityFile)
	if err := frc.Archive(inPath); err != nil {
		return nil, fmt.Errorf("fourdvar: writing adjoint forcing: %w", err)
	}
	if err := r.run(ctx, "adjoint", r.AdjointExec, inPath, outPath); err != nil {
		return nil, err
	}
	sens, err := ReadSensitivity(outPath, frc.Params())
	if err != nil {
		return nil, &ModelError{Stage: "adjoint", Err: err}
	}
	return sens, nil
}

// tail returns at most the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
