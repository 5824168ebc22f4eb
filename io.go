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

// Archive I/O. Every representation serializes to a self-describing
// NetCDF-classic file with the global attributes SDATE, EDATE
// (YYYYDDD), TSTEP (day count + packed HHMMSS) and VAR-LIST
// (fixed-width species names). The classic format has no hierarchical
// groups, so sub-groups are encoded as "group/name" variable names.

package fourdvar

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/mat"
)

const varListWidth = 16

// Attribute and date helpers.

func yyyydddAttr(t time.Time) int32 {
	return int32(t.Year()*1000 + t.YearDay())
}

func dateFromYYYYDDD(v int32) (time.Time, error) {
	year := int(v) / 1000
	doy := int(v) % 1000
	if year < 1 || doy < 1 || doy > 366 {
		return time.Time{}, fmt.Errorf("fourdvar: malformed YYYYDDD date %d: %w", v, ErrDataValidation)
	}
	return time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, doy-1), nil
}

// packTstep encodes a step size in seconds as the two-integer TSTEP
// attribute: whole days plus packed HHMMSS.
func packTstep(sec int) []int32 {
	day := sec / daySeconds
	rem := sec % daySeconds
	h := rem / 3600
	m := (rem / 60) % 60
	s := rem % 60
	return []int32{int32(day), int32(h*10000 + m*100 + s)}
}

func unpackTstep(v []int32) (int, error) {
	if len(v) != 2 {
		return 0, fmt.Errorf("fourdvar: TSTEP attribute has %d values, want 2: %w", len(v), ErrDataValidation)
	}
	hms := int(v[1])
	sec := int(v[0])*daySeconds + 3600*(hms/10000) + 60*((hms/100)%100) + hms%100
	if sec <= 0 {
		return 0, fmt.Errorf("fourdvar: nonpositive TSTEP %v: %w", v, ErrDataValidation)
	}
	return sec, nil
}

func varListAttr(names []string) string {
	var b strings.Builder
	for _, s := range names {
		fmt.Fprintf(&b, "%-*s", varListWidth, s)
	}
	return b.String()
}

func parseVarList(s string) []string { return strings.Fields(s) }

func groupName(group, name string) string {
	if group == "" {
		return name
	}
	return group + "/" + name
}

// Low-level NetCDF helpers built on ctessum/cdf.

func createNCF(path string, h *cdf.Header) (*os.File, *cdf.File, error) {
	h.Define()
	for _, err := range h.Check() {
		return nil, nil, fmt.Errorf("fourdvar: invalid archive header for %s: %v", path, err)
	}
	ff, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	f, err := cdf.Create(ff, h)
	if err != nil {
		ff.Close()
		return nil, nil, err
	}
	return ff, f, nil
}

func openNCF(path string) (*os.File, *cdf.File, error) {
	ff, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	f, err := cdf.Open(ff)
	if err != nil {
		ff.Close()
		return nil, nil, err
	}
	return ff, f, nil
}

func writeFloats(f *cdf.File, name string, data []float64) error {
	end := f.Header.Lengths(name)
	begin := make([]int, len(end))
	w := f.Writer(name, begin, end)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("fourdvar: writing variable %s: %v", name, err)
	}
	return nil
}

func writeInts(f *cdf.File, name string, data []int32) error {
	end := f.Header.Lengths(name)
	begin := make([]int, len(end))
	w := f.Writer(name, begin, end)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("fourdvar: writing variable %s: %v", name, err)
	}
	return nil
}

func writeDense(f *cdf.File, name string, data *sparse.DenseArray) error {
	return writeFloats(f, name, data.Elements)
}

// readDense reads all values of a variable into a DenseArray,
// converting from whichever numeric type the file carries.
func readDense(f *cdf.File, name string) (*sparse.DenseArray, error) {
	dims := f.Header.Lengths(name)
	if len(dims) == 0 {
		return nil, fmt.Errorf("fourdvar: variable %s not in file: %w", name, ErrDataValidation)
	}
	r := f.Reader(name, nil, nil)
	buf := r.Zero(-1)
	if _, err := r.Read(buf); err != nil {
		return nil, fmt.Errorf("fourdvar: reading variable %s: %v", name, err)
	}
	data := sparse.ZerosDense(dims...)
	switch vals := buf.(type) {
	case []float64:
		copy(data.Elements, vals)
	case []float32:
		for i, v := range vals {
			data.Elements[i] = float64(v)
		}
	case []int32:
		for i, v := range vals {
			data.Elements[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("fourdvar: variable %s has unsupported type %T: %w",
			name, buf, ErrDataValidation)
	}
	return data, nil
}

func readFloats(f *cdf.File, name string) ([]float64, error) {
	d, err := readDense(f, name)
	if err != nil {
		return nil, err
	}
	return d.Elements, nil
}

func readInts(f *cdf.File, name string) ([]int32, error) {
	dims := f.Header.Lengths(name)
	if len(dims) == 0 {
		return nil, fmt.Errorf("fourdvar: variable %s not in file: %w", name, ErrDataValidation)
	}
	r := f.Reader(name, nil, nil)
	buf := r.Zero(-1)
	if _, err := r.Read(buf); err != nil {
		return nil, fmt.Errorf("fourdvar: reading variable %s: %v", name, err)
	}
	vals, ok := buf.([]int32)
	if !ok {
		return nil, fmt.Errorf("fourdvar: variable %s is not integer typed: %w", name, ErrDataValidation)
	}
	return vals, nil
}

func attrString(f *cdf.File, name string) (string, error) {
	v := f.Header.GetAttribute("", name)
	if v == nil {
		return "", fmt.Errorf("fourdvar: attribute %s not in file: %w", name, ErrDataValidation)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("fourdvar: attribute %s is not a string: %w", name, ErrDataValidation)
	}
	return s, nil
}

func attrInts(f *cdf.File, name string) ([]int32, error) {
	v := f.Header.GetAttribute("", name)
	if v == nil {
		return nil, fmt.Errorf("fourdvar: attribute %s not in file: %w", name, ErrDataValidation)
	}
	vals, ok := v.([]int32)
	if !ok {
		return nil, fmt.Errorf("fourdvar: attribute %s is not integer typed: %w", name, ErrDataValidation)
	}
	return vals, nil
}

func attrFloats(f *cdf.File, name string) ([]float64, error) {
	v := f.Header.GetAttribute("", name)
	if v == nil {
		return nil, fmt.Errorf("fourdvar: attribute %s not in file: %w", name, ErrDataValidation)
	}
	switch vals := v.(type) {
	case []float64:
		return vals, nil
	case []float32:
		out := make([]float64, len(vals))
		for i, x := range vals {
			out[i] = float64(x)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("fourdvar: attribute %s is not float typed: %w", name, ErrDataValidation)
	}
}

// Exported read utilities for external collaborators: a file path
// plus a variable name (or list of names) and an optional sub-group.

// ReadVariable returns all values of one archive variable.
func ReadVariable(path, group, name string) (*sparse.DenseArray, error) {
	ff, f, err := openNCF(path)
	if err != nil {
		return nil, err
	}
	defer ff.Close()
	return readDense(f, groupName(group, name))
}

// ReadVariables returns a name→array mapping for the given variables.
func ReadVariables(path, group string, names []string) (map[string]*sparse.DenseArray, error) {
	ff, f, err := openNCF(path)
	if err != nil {
		return nil, err
	}
	defer ff.Close()
	out := make(map[string]*sparse.DenseArray, len(names))
	for _, name := range names {
		d, err := readDense(f, groupName(group, name))
		if err != nil {
			return nil, err
		}
		out[name] = d
	}
	return out, nil
}

// ReadAttr returns the value of one global attribute.
func ReadAttr(path, name string) (interface{}, error) {
	ff, f, err := openNCF(path)
	if err != nil {
		return nil, err
	}
	defer ff.Close()
	v := f.Header.GetAttribute("", name)
	if v == nil {
		return nil, fmt.Errorf("fourdvar: attribute %s not in %s: %w", name, path, ErrDataValidation)
	}
	return v, nil
}

// addWindowAttrs stamps the shared window attributes onto a header.
func addWindowAttrs(h *cdf.Header, p *Params, tstepSec int) {
	h.AddAttribute("", "SDATE", []int32{yyyydddAttr(p.StartDate)})
	h.AddAttribute("", "EDATE", []int32{yyyydddAttr(p.EndDate)})
	h.AddAttribute("", "TSTEP", packTstep(tstepSec))
	h.AddAttribute("", "VAR-LIST", varListAttr(p.species))
}

// checkWindowAttrs confirms a file carries the window and species
// registry of the current run; any conflict is fatal.
func checkWindowAttrs(f *cdf.File, p *Params, tstepSec int) error {
	sdate, err := attrInts(f, "SDATE")
	if err != nil {
		return err
	}
	edate, err := attrInts(f, "EDATE")
	if err != nil {
		return err
	}
	if len(sdate) != 1 || sdate[0] != yyyydddAttr(p.StartDate) {
		return fmt.Errorf("fourdvar: file start date %v does not match run start %v: %w",
			sdate, p.StartDate.Format("2006-01-02"), ErrDataValidation)
	}
	if len(edate) != 1 || edate[0] != yyyydddAttr(p.EndDate) {
		return fmt.Errorf("fourdvar: file end date %v does not match run end %v: %w",
			edate, p.EndDate.Format("2006-01-02"), ErrDataValidation)
	}
	tstep, err := attrInts(f, "TSTEP")
	if err != nil {
		return err
	}
	sec, err := unpackTstep(tstep)
	if err != nil {
		return err
	}
	if sec != tstepSec {
		return fmt.Errorf("fourdvar: file timestep %d s does not match run timestep %d s: %w",
			sec, tstepSec, ErrDataValidation)
	}
	vl, err := attrString(f, "VAR-LIST")
	if err != nil {
		return err
	}
	names := parseVarList(vl)
	if len(names) != p.NumSpecies() {
		return fmt.Errorf("fourdvar: file lists %d species, registry has %d: %w",
			len(names), p.NumSpecies(), ErrDataValidation)
	}
	for i, s := range names {
		if s != p.species[i] {
			return fmt.Errorf("fourdvar: file species %q at position %d, registry has %q: %w",
				s, i, p.species[i], ErrDataValidation)
		}
	}
	return nil
}

// Physical field archive.

const (
	physEmisUnits    = "mol/(s*m^2)"
	physAdjointUnits = "cost/(mol/(s*m^2))"
)

// Archive writes the physical estimate, its uncertainty model and
// the shared parameters to a self-describing file readable by
// LoadPhysical.
func (d *PhysicalData) Archive(path string) error {
	return writePhysField(path, &d.physField, physEmisUnits)
}

// Archive writes the physical-space gradient. The uncertainty model
// is carried along so the file stays self-describing.
func (d *PhysicalAdjointData) Archive(path string) error {
	return writePhysField(path, &d.physField, physAdjointUnits)
}

func writePhysField(path string, d *physField, units string) error {
	p := d.p
	dims := []string{"TSTEP", "LAY", "ROW", "COL", "ALL_CELLS", "UNKNOWNS"}
	lengths := []int{p.Nstep, p.NlayEmis, p.Nrow, p.Ncol, p.AllCells(), p.NumEmisUnknowns()}
	if p.IncIcon {
		dims = append(dims, "SPC")
		lengths = append(lengths, p.NumSpecies())
	}
	h := cdf.NewHeader(dims, lengths)
	addWindowAttrs(h, p, p.TstepSec)
	h.AddAttribute("", "MSTEP", packTstep(p.ModelTstepSec))
	h.AddAttribute("", "SSTEP", packTstep(p.SenseTstepSec))
	h.AddAttribute("", "NLAYS-MODEL", []int32{int32(p.NlayModel)})

	for _, spc := range p.species {
		h.AddVariable(spc, []string{"TSTEP", "LAY", "ROW", "COL"}, []float64{0})
		h.AddAttribute(spc, "units", units)
	}
	h.AddVariable("corr_unc/unc_vector", []string{"UNKNOWNS"}, []float64{0})
	h.AddVariable("corr_unc/corr_matrix", []string{"ALL_CELLS", "UNKNOWNS"}, []float64{0})
	if p.IncIcon {
		h.AddVariable("icon/scale", []string{"SPC"}, []float64{0})
		h.AddVariable("icon/unc", []string{"SPC"}, []float64{0})
	}

	ff, f, err := createNCF(path, h)
	if err != nil {
		return err
	}
	defer ff.Close()

	for i, spc := range p.species {
		if err := writeDense(f, spc, d.emis[i]); err != nil {
			return err
		}
	}
	if err := writeFloats(f, "corr_unc/unc_vector", p.uncVector); err != nil {
		return err
	}
	rows, cols := p.corrMatrix.Dims()
	flat := make([]float64, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			flat[r*cols+c] = p.corrMatrix.At(r, c)
		}
	}
	if err := writeFloats(f, "corr_unc/corr_matrix", flat); err != nil {
		return err
	}
	if p.IncIcon {
		if err := writeFloats(f, "icon/scale", d.icon); err != nil {
			return err
		}
		if err := writeFloats(f, "icon/unc", p.iconUnc); err != nil {
			return err
		}
	}
	return nil
}

// Unknown vector archive.

// Archive writes the unknown vector with the window attributes so a
// minimization state can be saved and resumed.
func (u *UnknownData) Archive(path string) error {
	h := cdf.NewHeader([]string{"UNKNOWNS"}, []int{len(u.vec)})
	addWindowAttrs(h, u.p, u.p.TstepSec)
	h.AddVariable("vector", []string{"UNKNOWNS"}, []float64{0})
	ff, f, err := createNCF(path, h)
	if err != nil {
		return err
	}
	defer ff.Close()
	return writeFloats(f, "vector", u.vec)
}

// LoadUnknown reads an unknown vector archived by Archive against the
// shared parameters established by the prior file.
func LoadUnknown(path string, p *Params) (*UnknownData, error) {
	ff, f, err := openNCF(path)
	if err != nil {
		return nil, err
	}
	defer ff.Close()
	if err := checkWindowAttrs(f, p, p.TstepSec); err != nil {
		return nil, err
	}
	v, err := readFloats(f, "vector")
	if err != nil {
		return nil, err
	}
	return NewUnknownData(p, v)
}

// A BackgroundProvider supplies the prior emission estimate anchoring
// an inversion. The prior carries the shared run parameters with it.
type BackgroundProvider interface {
	Background() (*PhysicalData, error)
}

// An ObservationProvider supplies the observations to assimilate on
// the reference grid established by the prior.
type ObservationProvider interface {
	Observations(p *Params) (*ObservationData, error)
}

// FileBackground is a BackgroundProvider reading a physical archive.
type FileBackground string

func (path FileBackground) Background() (*PhysicalData, error) {
	_, prior, err := LoadPhysical(string(path))
	return prior, err
}

// FileObservations is an ObservationProvider reading an observation
// archive.
type FileObservations string

func (path FileObservations) Observations(p *Params) (*ObservationData, error) {
	return LoadObservations(string(path), p)
}

// LoadPhysical reads a prior (or archived estimate) file and
// constructs both the shared run parameters and the physical field.
// The prior file is the reference dataset: every file loaded
// afterwards must agree with the parameters established here.
func LoadPhysical(path string) (*Params, *PhysicalData, error) {
	ff, f, err := openNCF(path)
	if err != nil {
		return nil, nil, err
	}
	defer ff.Close()

	sdateAttr, err := attrInts(f, "SDATE")
	if err != nil {
		return nil, nil, err
	}
	edateAttr, err := attrInts(f, "EDATE")
	if err != nil {
		return nil, nil, err
	}
	if len(sdateAttr) != 1 || len(edateAttr) != 1 {
		return nil, nil, fmt.Errorf("fourdvar: malformed date attributes in %s: %w", path, ErrDataValidation)
	}
	start, err := dateFromYYYYDDD(sdateAttr[0])
	if err != nil {
		return nil, nil, err
	}
	end, err := dateFromYYYYDDD(edateAttr[0])
	if err != nil {
		return nil, nil, err
	}
	tstepAttr, err := attrInts(f, "TSTEP")
	if err != nil {
		return nil, nil, err
	}
	tstepSec, err := unpackTstep(tstepAttr)
	if err != nil {
		return nil, nil, err
	}
	mstepAttr, err := attrInts(f, "MSTEP")
	if err != nil {
		return nil, nil, err
	}
	mstepSec, err := unpackTstep(mstepAttr)
	if err != nil {
		return nil, nil, err
	}
	sstepAttr, err := attrInts(f, "SSTEP")
	if err != nil {
		return nil, nil, err
	}
	sstepSec, err := unpackTstep(sstepAttr)
	if err != nil {
		return nil, nil, err
	}
	nlaysModel, err := attrInts(f, "NLAYS-MODEL")
	if err != nil {
		return nil, nil, err
	}
	if len(nlaysModel) != 1 {
		return nil, nil, fmt.Errorf("fourdvar: malformed NLAYS-MODEL in %s: %w", path, ErrDataValidation)
	}
	vl, err := attrString(f, "VAR-LIST")
	if err != nil {
		return nil, nil, err
	}
	species := parseVarList(vl)

	emis := make(map[string]*sparse.DenseArray, len(species))
	var shape []int
	for _, spc := range species {
		arr, err := readDense(f, spc)
		if err != nil {
			return nil, nil, err
		}
		if len(arr.Shape) != 4 {
			return nil, nil, fmt.Errorf("fourdvar: emission variable %s in %s is not 4-D: %w",
				spc, path, ErrDataValidation)
		}
		if shape == nil {
			shape = arr.Shape
		} else if !shapeEqual(shape, arr.Shape) {
			return nil, nil, fmt.Errorf("fourdvar: species %s shape %v differs from %v; all species must share one shape: %w",
				spc, arr.Shape, shape, ErrShapeMismatch)
		}
		emis[spc] = arr
	}
	if shape == nil {
		return nil, nil, fmt.Errorf("fourdvar: no emission variables in %s: %w", path, ErrDataValidation)
	}

	unc, err := readFloats(f, "corr_unc/unc_vector")
	if err != nil {
		return nil, nil, err
	}
	corrArr, err := readDense(f, "corr_unc/corr_matrix")
	if err != nil {
		return nil, nil, err
	}
	if len(corrArr.Shape) != 2 {
		return nil, nil, fmt.Errorf("fourdvar: correlation matrix in %s is not 2-D: %w", path, ErrDataValidation)
	}
	corr := mat.NewDense(corrArr.Shape[0], corrArr.Shape[1], corrArr.Elements)

	cfg := ParamsConfig{
		StartDate:     start,
		EndDate:       end,
		TstepSec:      tstepSec,
		ModelTstepSec: mstepSec,
		SenseTstepSec: sstepSec,
		Nstep:         shape[0],
		NlayEmis:      shape[1],
		NlayModel:     int(nlaysModel[0]),
		Nrow:          shape[2],
		Ncol:          shape[3],
		Species:       species,
		UncVector:     unc,
		CorrMatrix:    corr,
	}

	var icon map[string]float64
	if len(f.Header.Lengths("icon/scale")) > 0 {
		scale, err := readFloats(f, "icon/scale")
		if err != nil {
			return nil, nil, err
		}
		iconUnc, err := readFloats(f, "icon/unc")
		if err != nil {
			return nil, nil, err
		}
		if len(scale) != len(species) || len(iconUnc) != len(species) {
			return nil, nil, fmt.Errorf("fourdvar: icon group in %s has %d scales and %d uncertainties for %d species: %w",
				path, len(scale), len(iconUnc), len(species), ErrDataValidation)
		}
		cfg.IncIcon = true
		cfg.IconUnc = iconUnc
		icon = make(map[string]float64, len(species))
		for i, spc := range species {
			icon[spc] = scale[i]
		}
	}

	p, err := NewParams(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("fourdvar: parameters from %s: %w", path, err)
	}
	phys, err := NewPhysicalData(p, icon, emis)
	if err != nil {
		return nil, nil, fmt.Errorf("fourdvar: physical data from %s: %w", path, err)
	}
	return p, phys, nil
}

// Model-side archives share one layout: per-species 4-D arrays on a
// simulator time axis plus the window attributes.

func writeModelField(path string, p *Params, tstepSec int, arrs []*sparse.DenseArray,
	units string, icon []float64) error {
	shape := arrs[0].Shape
	dims := []string{"TSTEP", "LAY", "ROW", "COL"}
	lengths := []int{shape[0], shape[1], shape[2], shape[3]}
	if icon != nil {
		dims = append(dims, "SPC")
		lengths = append(lengths, p.NumSpecies())
	}
	h := cdf.NewHeader(dims, lengths)
	addWindowAttrs(h, p, tstepSec)
	for _, spc := range p.species {
		h.AddVariable(spc, []string{"TSTEP", "LAY", "ROW", "COL"}, []float64{0})
		h.AddAttribute(spc, "units", units)
	}
	if icon != nil {
		h.AddVariable("ICON-SCALE", []string{"SPC"}, []float64{0})
	}
	ff, f, err := createNCF(path, h)
	if err != nil {
		return err
	}
	defer ff.Close()
	for i, spc := range p.species {
		if err := writeDense(f, spc, arrs[i]); err != nil {
			return err
		}
	}
	if icon != nil {
		if err := writeFloats(f, "ICON-SCALE", icon); err != nil {
			return err
		}
	}
	return nil
}

func readModelField(path string, p *Params, tstepSec int, want []int, what string) ([]*sparse.DenseArray, *cdf.File, func() error, error) {
	ff, f, err := openNCF(path)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := checkWindowAttrs(f, p, tstepSec); err != nil {
		ff.Close()
		return nil, nil, nil, err
	}
	arrs := make([]*sparse.DenseArray, p.NumSpecies())
	for i, spc := range p.species {
		arr, err := readDense(f, spc)
		if err != nil {
			ff.Close()
			return nil, nil, nil, err
		}
		if !shapeEqual(arr.Shape, want) {
			ff.Close()
			return nil, nil, nil, fmt.Errorf("fourdvar: %s array for %s has shape %v, want %v: %w",
				what, spc, arr.Shape, want, ErrShapeMismatch)
		}
		arrs[i] = arr
	}
	return arrs, f, ff.Close, nil
}

// Archive writes the simulator input file.
func (d *ModelInputData) Archive(path string) error {
	return writeModelField(path, d.p, d.p.ModelTstepSec, d.emis, "ppm/s", d.icon)
}

// Archive writes the concentration trajectory.
func (d *ModelOutputData) Archive(path string) error {
	return writeModelField(path, d.p, d.p.ModelTstepSec, d.conc, "ppm", nil)
}

// Archive writes the adjoint forcing trajectory.
func (d *AdjointForcingData) Archive(path string) error {
	return writeModelField(path, d.p, d.p.ModelTstepSec, d.frc, "cost/ppm", nil)
}

// Archive writes the raw sensitivity field, including the
// initial-concentration sensitivities when present.
func (d *SensitivityData) Archive(path string) error {
	p := d.p
	shape := p.SenseShape()
	h := cdf.NewHeader([]string{"TSTEP", "LAY", "ROW", "COL"},
		[]int{shape[0], shape[1], shape[2], shape[3]})
	addWindowAttrs(h, p, p.SenseTstepSec)
	for _, spc := range p.species {
		h.AddVariable(spc, []string{"TSTEP", "LAY", "ROW", "COL"}, []float64{0})
		h.AddAttribute(spc, "units", "cost/(ppm/s)")
		if d.iconSens != nil {
			h.AddVariable(groupName("icon_sens", spc), []string{"LAY", "ROW", "COL"}, []float64{0})
		}
	}
	ff, f, err := createNCF(path, h)
	if err != nil {
		return err
	}
	defer ff.Close()
	for i, spc := range p.species {
		if err := writeDense(f, spc, d.emis[i]); err != nil {
			return err
		}
		if d.iconSens != nil {
			if err := writeDense(f, groupName("icon_sens", spc), d.iconSens[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadModelOutput reads a concentration trajectory written in the
// layout of ModelOutputData.Archive.
func ReadModelOutput(path string, p *Params) (*ModelOutputData, error) {
	arrs, _, closef, err := readModelField(path, p, p.ModelTstepSec, p.ModelShape(), "model output")
	if err != nil {
		return nil, err
	}
	defer closef()
	return NewModelOutputData(p, arrs)
}

// ReadModelInput reads a simulator input file back into memory.
func ReadModelInput(path string, p *Params) (*ModelInputData, error) {
	arrs, f, closef, err := readModelField(path, p, p.ModelTstepSec, p.ModelShape(), "model input")
	if err != nil {
		return nil, err
	}
	defer closef()
	var icon []float64
	if p.IncIcon {
		icon, err = readFloats(f, "ICON-SCALE")
		if err != nil {
			return nil, err
		}
	}
	return NewModelInputData(p, arrs, icon)
}

// ReadSensitivity reads the adjoint simulator output written in the
// layout of SensitivityData.Archive.
func ReadSensitivity(path string, p *Params) (*SensitivityData, error) {
	arrs, f, closef, err := readModelField(path, p, p.SenseTstepSec, p.SenseShape(), "sensitivity")
	if err != nil {
		return nil, err
	}
	defer closef()
	var iconSens []*sparse.DenseArray
	if p.IncIcon {
		iconSens = make([]*sparse.DenseArray, p.NumSpecies())
		for i, spc := range p.species {
			arr, err := readDense(f, groupName("icon_sens", spc))
			if err != nil {
				return nil, err
			}
			iconSens[i] = arr
		}
	}
	return NewSensitivityData(p, arrs, iconSens)
}

// Observation archive. Sparse weight maps are flattened into three
// parallel arrays: a cell index and weight per entry, plus a start
// offset per observation.

// Archive writes the observation set.
func (o *ObservationData) Archive(path string) error {
	p := o.p
	var kinds []string
	kindIndex := make(map[string]int)
	var nWeights int
	for _, ob := range o.obs {
		if _, ok := kindIndex[ob.Kind]; !ok {
			kindIndex[ob.Kind] = len(kinds)
			kinds = append(kinds, ob.Kind)
		}
		nWeights += len(ob.Weights.Elements)
	}

	h := cdf.NewHeader([]string{"OBS", "WEIGHTS"}, []int{len(o.obs), nWeights})
	addWindowAttrs(h, p, p.ModelTstepSec)
	h.AddAttribute("", "KIND-LIST", varListAttr(kinds))
	h.AddVariable("value", []string{"OBS"}, []float64{0})
	h.AddVariable("uncertainty", []string{"OBS"}, []float64{0})
	h.AddVariable("offset", []string{"OBS"}, []float64{0})
	h.AddVariable("time_index", []string{"OBS"}, []int32{0})
	h.AddVariable("species", []string{"OBS"}, []int32{0})
	h.AddVariable("kind", []string{"OBS"}, []int32{0})
	h.AddVariable("weight/start", []string{"OBS"}, []int32{0})
	h.AddVariable("weight/cell", []string{"WEIGHTS"}, []int32{0})
	h.AddVariable("weight/value", []string{"WEIGHTS"}, []float64{0})

	ff, f, err := createNCF(path, h)
	if err != nil {
		return err
	}
	defer ff.Close()

	n := len(o.obs)
	value := make([]float64, n)
	unc := make([]float64, n)
	offset := make([]float64, n)
	timeIdx := make([]int32, n)
	spcIdx := make([]int32, n)
	kindIdx := make([]int32, n)
	wStart := make([]int32, n)
	wCell := make([]int32, 0, nWeights)
	wVal := make([]float64, 0, nWeights)
	for i, ob := range o.obs {
		value[i] = ob.Value
		unc[i] = ob.Uncertainty
		offset[i] = ob.Offset
		timeIdx[i] = int32(ob.TimeIndex)
		s, _ := p.SpeciesIndex(ob.Species)
		spcIdx[i] = int32(s)
		kindIdx[i] = int32(kindIndex[ob.Kind])
		wStart[i] = int32(len(wCell))
		// Sorted cell order keeps archives reproducible.
		cells := make([]int, 0, len(ob.Weights.Elements))
		for c := range ob.Weights.Elements {
			cells = append(cells, c)
		}
		sort.Ints(cells)
		for _, c := range cells {
			wCell = append(wCell, int32(c))
			wVal = append(wVal, ob.Weights.Elements[c])
		}
	}

	if err := writeFloats(f, "value", value); err != nil {
		return err
	}
	if err := writeFloats(f, "uncertainty", unc); err != nil {
		return err
	}
	if err := writeFloats(f, "offset", offset); err != nil {
		return err
	}
	if err := writeInts(f, "time_index", timeIdx); err != nil {
		return err
	}
	if err := writeInts(f, "species", spcIdx); err != nil {
		return err
	}
	if err := writeInts(f, "kind", kindIdx); err != nil {
		return err
	}
	if err := writeInts(f, "weight/start", wStart); err != nil {
		return err
	}
	if err := writeInts(f, "weight/cell", wCell); err != nil {
		return err
	}
	return writeFloats(f, "weight/value", wVal)
}

// LoadObservations reads an observation archive against the shared
// parameters established by the prior file.
func LoadObservations(path string, p *Params) (*ObservationData, error) {
	ff, f, err := openNCF(path)
	if err != nil {
		return nil, err
	}
	defer ff.Close()
	if err := checkWindowAttrs(f, p, p.ModelTstepSec); err != nil {
		return nil, err
	}
	kindList, err := attrString(f, "KIND-LIST")
	if err != nil {
		return nil, err
	}
	kinds := parseVarList(kindList)

	value, err := readFloats(f, "value")
	if err != nil {
		return nil, err
	}
	unc, err := readFloats(f, "uncertainty")
	if err != nil {
		return nil, err
	}
	offset, err := readFloats(f, "offset")
	if err != nil {
		return nil, err
	}
	timeIdx, err := readInts(f, "time_index")
	if err != nil {
		return nil, err
	}
	spcIdx, err := readInts(f, "species")
	if err != nil {
		return nil, err
	}
	kindIdx, err := readInts(f, "kind")
	if err != nil {
		return nil, err
	}
	wStart, err := readInts(f, "weight/start")
	if err != nil {
		return nil, err
	}
	wCell, err := readInts(f, "weight/cell")
	if err != nil {
		return nil, err
	}
	wVal, err := readFloats(f, "weight/value")
	if err != nil {
		return nil, err
	}

	n := len(value)
	species := p.Species()
	gridSize := p.NlayModel * p.Nrow * p.Ncol
	obs := make([]*Observation, n)
	for i := 0; i < n; i++ {
		startW := int(wStart[i])
		endW := len(wCell)
		if i+1 < n {
			endW = int(wStart[i+1])
		}
		if startW > endW || endW > len(wVal) {
			return nil, fmt.Errorf("fourdvar: malformed weight offsets in %s: %w", path, ErrDataValidation)
		}
		w := sparse.ZerosSparse(p.NlayModel, p.Nrow, p.Ncol)
		for j := startW; j < endW; j++ {
			c := int(wCell[j])
			if c < 0 || c >= gridSize {
				return nil, fmt.Errorf("fourdvar: observation %d weight cell %d outside grid: %w",
					i, c, ErrDataValidation)
			}
			w.Elements[c] = wVal[j]
		}
		if int(spcIdx[i]) < 0 || int(spcIdx[i]) >= len(species) {
			return nil, fmt.Errorf("fourdvar: observation %d species index %d out of range: %w",
				i, spcIdx[i], ErrDataValidation)
		}
		if int(kindIdx[i]) < 0 || int(kindIdx[i]) >= len(kinds) {
			return nil, fmt.Errorf("fourdvar: observation %d kind index %d out of range: %w",
				i, kindIdx[i], ErrDataValidation)
		}
		obs[i] = &Observation{
			Value:       value[i],
			Uncertainty: unc[i],
			Offset:      offset[i],
			Kind:        kinds[kindIdx[i]],
			Species:     species[spcIdx[i]],
			TimeIndex:   int(timeIdx[i]),
			Weights:     w,
		}
	}
	return NewObservationData(p, obs)
}

// LoadUnitConverter builds the unit-conversion factors from a met
// file holding an air density variable and the VGLVLS sigma-level
// attribute.
func LoadUnitConverter(p *Params, path, densityVar string) (*UnitConverter, error) {
	ff, f, err := openNCF(path)
	if err != nil {
		return nil, err
	}
	defer ff.Close()
	density, err := readDense(f, densityVar)
	if err != nil {
		return nil, err
	}
	sigma, err := attrFloats(f, "VGLVLS")
	if err != nil {
		return nil, err
	}
	return NewUnitConverter(p, density, sigma)
}
