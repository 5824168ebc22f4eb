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
	"path/filepath"
	"testing"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

// writeTestMet writes a minimal meteorology file: a uniform DENSA_J
// density field plus the VGLVLS sigma levels.
func writeTestMet(path string, p *Params) error {
	h := cdf.NewHeader([]string{"TSTEP", "LAY", "ROW", "COL"},
		[]int{2, p.NlayModel, p.Nrow, p.Ncol})
	h.AddVariable("DENSA_J", []string{"TSTEP", "LAY", "ROW", "COL"}, []float64{0})
	h.AddAttribute("", "VGLVLS", []float64{1.0, 0.6, 0.2})
	ff, f, err := createNCF(path, h)
	if err != nil {
		return err
	}
	defer ff.Close()
	density := make([]float64, 2*p.NlayModel*p.Nrow*p.Ncol)
	for i := range density {
		density[i] = 1
	}
	return writeFloats(f, "DENSA_J", density)
}

func TestDateAttrRoundTrip(t *testing.T) {
	p := testParams(t)
	v := yyyydddAttr(p.StartDate)
	if v != 2025182 {
		t.Errorf("yyyydddAttr = %d; want 2025182", v)
	}
	back, err := dateFromYYYYDDD(v)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equal(p.StartDate) {
		t.Errorf("date round trip = %v; want %v", back, p.StartDate)
	}
	if _, err := dateFromYYYYDDD(2025999); err == nil {
		t.Error("expected error for day-of-year 999")
	}
}

func TestTstepAttrRoundTrip(t *testing.T) {
	for _, sec := range []int{10800, 21600, 86400, 90000} {
		packed := packTstep(sec)
		back, err := unpackTstep(packed)
		if err != nil {
			t.Fatal(err)
		}
		if back != sec {
			t.Errorf("timestep %d s round tripped to %d s via %v", sec, back, packed)
		}
	}
}

func TestVarListAttr(t *testing.T) {
	s := varListAttr([]string{"CO", "NO2"})
	if len(s) != 2*varListWidth {
		t.Fatalf("VAR-LIST length = %d; want %d", len(s), 2*varListWidth)
	}
	back := parseVarList(s)
	if len(back) != 2 || back[0] != "CO" || back[1] != "NO2" {
		t.Errorf("parsed VAR-LIST = %v; want [CO NO2]", back)
	}
}

func TestPhysicalArchiveRoundTrip(t *testing.T) {
	p := testParams(t)
	prior := testPrior(t, p, 0)
	fill(prior.Emis(0), 3)

	path := filepath.Join(t.TempDir(), "prior.ncf")
	if err := prior.Archive(path); err != nil {
		t.Fatal(err)
	}

	p2, back, err := LoadPhysical(path)
	if err != nil {
		t.Fatal(err)
	}
	if p2.fingerprint() != p.fingerprint() {
		t.Errorf("reloaded parameters differ: %s != %s", p2.fingerprint(), p.fingerprint())
	}
	if p2.Nunknowns() != p.Nunknowns() {
		t.Errorf("reloaded unknowns = %d; want %d", p2.Nunknowns(), p.Nunknowns())
	}
	for i, v := range back.Emis(0).Elements {
		if math.Abs(v-prior.Emis(0).Elements[i]) > testTolerance {
			t.Fatalf("emission element %d = %g; want %g", i, v, prior.Emis(0).Elements[i])
		}
	}
	for i, v := range p2.UncVector() {
		if v != p.UncVector()[i] {
			t.Fatalf("uncertainty element %d = %g; want %g", i, v, p.UncVector()[i])
		}
	}
	r, c := p2.CorrMatrix().Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if p2.CorrMatrix().At(i, j) != p.CorrMatrix().At(i, j) {
				t.Fatalf("correlation (%d,%d) = %g; want %g",
					i, j, p2.CorrMatrix().At(i, j), p.CorrMatrix().At(i, j))
			}
		}
	}
}

func TestReadVariableGroups(t *testing.T) {
	p := testParams(t)
	prior := testPrior(t, p, 1)
	path := filepath.Join(t.TempDir(), "prior.ncf")
	if err := prior.Archive(path); err != nil {
		t.Fatal(err)
	}

	unc, err := ReadVariable(path, "corr_unc", "unc_vector")
	if err != nil {
		t.Fatal(err)
	}
	if len(unc.Elements) != p.NumEmisUnknowns() {
		t.Errorf("uncertainty vector length = %d; want %d",
			len(unc.Elements), p.NumEmisUnknowns())
	}

	got, err := ReadVariables(path, "", p.Species())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got["CO"]; !ok {
		t.Error("species variable missing from ReadVariables result")
	}

	if _, err := ReadVariable(path, "", "NOSUCH"); err == nil {
		t.Error("expected error for missing variable")
	}

	attr, err := ReadAttr(path, "SDATE")
	if err != nil {
		t.Fatal(err)
	}
	if vals, ok := attr.([]int32); !ok || len(vals) != 1 || vals[0] != 2025182 {
		t.Errorf("SDATE attribute = %v; want [2025182]", attr)
	}
}

func TestModelInputArchiveRoundTrip(t *testing.T) {
	p := testParams(t)
	units := testUnits(t, p)
	prior := testPrior(t, p, 2)
	in, err := PhysicalToModelInput(prior, units)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "model_input.ncf")
	if err := in.Archive(path); err != nil {
		t.Fatal(err)
	}
	back, err := ReadModelInput(path, p)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range back.Emis(0).Elements {
		if math.Abs(v-in.Emis(0).Elements[i]) > testTolerance*math.Max(1, math.Abs(v)) {
			t.Fatalf("element %d = %g; want %g", i, v, in.Emis(0).Elements[i])
		}
	}
}

func TestSensitivityArchiveRoundTrip(t *testing.T) {
	p := testParams(t)
	arr := testOutput(t, p, 4).Conc(0) // any SenseShape-compatible field
	sens, err := NewSensitivityData(p, []*sparse.DenseArray{arr}, nil)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "sensitivity.ncf")
	if err := sens.Archive(path); err != nil {
		t.Fatal(err)
	}
	back, err := ReadSensitivity(path, p)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range back.Emis(0).Elements {
		if math.Abs(v-arr.Elements[i]) > testTolerance*math.Max(1, math.Abs(v)) {
			t.Fatalf("element %d = %g; want %g", i, v, arr.Elements[i])
		}
	}
}

func TestObservationArchiveRoundTrip(t *testing.T) {
	p := testParams(t)
	obs := testObservations(t, p)

	path := filepath.Join(t.TempDir(), "observations.ncf")
	if err := obs.Archive(path); err != nil {
		t.Fatal(err)
	}
	back, err := LoadObservations(path, p)
	if err != nil {
		t.Fatal(err)
	}
	if back.Len() != obs.Len() {
		t.Fatalf("reloaded %d observations; want %d", back.Len(), obs.Len())
	}
	for i := 0; i < obs.Len(); i++ {
		want, got := obs.Obs(i), back.Obs(i)
		if got.Value != want.Value || got.Uncertainty != want.Uncertainty ||
			got.Kind != want.Kind || got.Species != want.Species ||
			got.TimeIndex != want.TimeIndex || got.Offset != want.Offset {
			t.Errorf("observation %d = %+v; want %+v", i, got, want)
		}
		if len(got.Weights.Elements) != len(want.Weights.Elements) {
			t.Errorf("observation %d has %d weights; want %d",
				i, len(got.Weights.Elements), len(want.Weights.Elements))
		}
		for c, w := range want.Weights.Elements {
			if got.Weights.Elements[c] != w {
				t.Errorf("observation %d weight at cell %d = %g; want %g",
					i, c, got.Weights.Elements[c], w)
			}
		}
	}
}

func TestUnknownArchiveRoundTrip(t *testing.T) {
	p := testParams(t)
	v := make([]float64, p.Nunknowns())
	for i := range v {
		v[i] = 0.1*float64(i) - 0.5
	}
	u, err := NewUnknownData(p, v)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "unknown.ncf")
	if err := u.Archive(path); err != nil {
		t.Fatal(err)
	}
	back, err := LoadUnknown(path, p)
	if err != nil {
		t.Fatal(err)
	}
	got := back.Vector()
	for i := range v {
		if math.Abs(got[i]-v[i]) > testTolerance {
			t.Fatalf("element %d = %g; want %g", i, got[i], v[i])
		}
	}

	p2 := testParams(t)
	p2.StartDate = p2.StartDate.AddDate(0, 0, 1)
	if _, err := LoadUnknown(path, p2); err == nil {
		t.Error("expected error for mismatched window dates")
	}
}

func TestFileProviders(t *testing.T) {
	p := testParams(t)
	dir := t.TempDir()

	priorPath := filepath.Join(dir, "prior.ncf")
	if err := testPrior(t, p, 2).Archive(priorPath); err != nil {
		t.Fatal(err)
	}
	var bgp BackgroundProvider = FileBackground(priorPath)
	prior, err := bgp.Background()
	if err != nil {
		t.Fatal(err)
	}
	if prior.Params().fingerprint() != p.fingerprint() {
		t.Error("provider prior carries different parameters")
	}

	obsPath := filepath.Join(dir, "observations.ncf")
	if err := testObservations(t, p).Archive(obsPath); err != nil {
		t.Fatal(err)
	}
	var op ObservationProvider = FileObservations(obsPath)
	obs, err := op.Observations(prior.Params())
	if err != nil {
		t.Fatal(err)
	}
	if obs.Len() != 2 {
		t.Errorf("provider loaded %d observations; want 2", obs.Len())
	}
}

// TestWindowMismatchIsFatal checks that files written for one run
// cannot be loaded into a run with different shared parameters.
func TestWindowMismatchIsFatal(t *testing.T) {
	p := testParams(t)
	obs := testObservations(t, p)
	path := filepath.Join(t.TempDir(), "observations.ncf")
	if err := obs.Archive(path); err != nil {
		t.Fatal(err)
	}

	p2 := testParams(t)
	p2.species = []string{"NO2"}
	if _, err := LoadObservations(path, p2); err == nil {
		t.Error("expected error for mismatched species registry")
	}

	p3 := testParams(t)
	p3.StartDate = p3.StartDate.AddDate(0, 0, 1)
	if _, err := LoadObservations(path, p3); err == nil {
		t.Error("expected error for mismatched window dates")
	}
}

func TestLoadUnitConverter(t *testing.T) {
	p := testParams(t)
	// Write a met file carrying a density variable and sigma levels.
	path := filepath.Join(t.TempDir(), "met.ncf")
	if err := writeTestMet(path, p); err != nil {
		t.Fatal(err)
	}
	units, err := LoadUnitConverter(p, path, "DENSA_J")
	if err != nil {
		t.Fatal(err)
	}
	if err := units.check(p); err != nil {
		t.Error(err)
	}
	want := ppmScale * kgScale * mwAir / 0.4
	if got := units.modelFactors.Get(0, 0, 0, 0); math.Abs(got-want) > testTolerance*want {
		t.Errorf("unit factor = %g; want %g", got, want)
	}
}
