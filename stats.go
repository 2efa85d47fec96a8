package nrgflow

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"nrgflow/diag"
	"nrgflow/invar"
)

// RunState carries the cumulative energy bookkeeping of a forward pass. It is
// owned by the orchestrator and mutated once per shell.
type RunState struct {
	// TotalEnergy is the accumulated absolute ground-state energy after the
	// current shell: every shell's ground-state shift, in absolute units,
	// summed along the chain.
	TotalEnergy float64

	// GSEnergy is the final global ground-state energy, fixed when the
	// forward pass ends.
	GSEnergy float64
}

// AddShell folds one shell's ground-state shift into the running total.
// egs is in shell units.
func (rs *RunState) AddShell(egs, scale float64) {
	rs.TotalEnergy += egs * scale
}

// UnwindShell reverts AddShell before a shell is redone.
func (rs *RunState) UnwindShell(egs, scale float64) {
	rs.TotalEnergy -= egs * scale
}

// Finalize fixes the global ground-state energy at the end of the pass.
func (rs *RunState) Finalize() {
	rs.GSEnergy = rs.TotalEnergy
}

// FlowWriter appends one annotated line per shell to a CSV flow file: shell
// index, energy scale, state counts and the lowest rescaled excitation
// energies. The flow of these levels toward a fixed point is the primary
// diagnostic of a run.
type FlowWriter struct {
	f *os.File
	w *csv.Writer

	// nlevels is the number of excitation energies written per shell.
	nlevels int
}

func NewFlowWriter(path string, nlevels int) (*FlowWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	w := csv.NewWriter(f)
	header := []string{"n", "scale", "subspaces", "states", "kept"}
	for k := 0; k < nlevels; k++ {
		header = append(header, fmt.Sprintf("e%d", k))
	}
	if err := w.Write(header); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "")
	}
	return &FlowWriter{f: f, w: w, nlevels: nlevels}, nil
}

func (fw *FlowWriter) Shell(step *Step, d diag.DiagInfo, dec *TruncDecision, mult func(invar.Invar) int) error {
	row := []string{
		strconv.Itoa(step.TrueN()),
		strconv.FormatFloat(step.Scale(), 'g', 10, 64),
		strconv.Itoa(d.CountSubspaces()),
		strconv.Itoa(dec.NrAll),
		strconv.Itoa(dec.NrKept),
	}
	energies := d.SortedEnergies()
	for k := 0; k < fw.nlevels; k++ {
		e := 0.0
		if k < len(energies) {
			e = energies[k]
		}
		row = append(row, strconv.FormatFloat(e, 'g', 10, 64))
	}
	if err := fw.w.Write(row); err != nil {
		return errors.Wrap(err, "")
	}
	fw.w.Flush()
	return errors.Wrap(fw.w.Error(), "")
}

// TDWriter appends one line per shell to a CSV file of conventional
// thermodynamics at the shell's effective temperature Teff = scale/betabar:
// partition sum, mean energy and heat capacity in units of Teff, entropy.
type TDWriter struct {
	f       *os.File
	w       *csv.Writer
	betabar float64
}

func NewTDWriter(path string, betabar float64) (*TDWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{"n", "teff", "z", "e", "c", "s"}); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "")
	}
	return &TDWriter{f: f, w: w, betabar: betabar}, nil
}

func (tw *TDWriter) Shell(step *Step, d diag.DiagInfo, mult func(invar.Invar) int) error {
	z := d.Trace(one, tw.betabar, mult)
	if z <= 0 {
		return errors.Errorf("shell %d: partition sum %g", step.TrueN(), z)
	}
	be := d.Trace(ident, tw.betabar, mult) / z
	be2 := d.Trace(square, tw.betabar, mult) / z
	row := []string{
		strconv.Itoa(step.TrueN()),
		strconv.FormatFloat(step.Scale()/tw.betabar, 'g', 10, 64),
		strconv.FormatFloat(z, 'g', 10, 64),
		strconv.FormatFloat(be, 'g', 10, 64),
		strconv.FormatFloat(be2-be*be, 'g', 10, 64),
		strconv.FormatFloat(be+math.Log(z), 'g', 10, 64),
	}
	if err := tw.w.Write(row); err != nil {
		return errors.Wrap(err, "")
	}
	tw.w.Flush()
	return errors.Wrap(tw.w.Error(), "")
}

func (tw *TDWriter) Close() error {
	tw.w.Flush()
	var err error
	if err1 := tw.w.Error(); err1 != nil {
		err = err1
	}
	if err1 := tw.f.Close(); err1 != nil && err == nil {
		err = err1
	}
	return err
}

func ident(x float64) float64  { return x }
func square(x float64) float64 { return x * x }

// AnnotatedWriter dumps, per shell, the lowest rescaled eigenvalues together
// with their subspace labels. The columns are whitespace-separated so the
// file plots directly as a flow diagram.
type AnnotatedWriter struct {
	f       *os.File
	nlevels int
}

func NewAnnotatedWriter(path string, nlevels int) (*AnnotatedWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return &AnnotatedWriter{f: f, nlevels: nlevels}, nil
}

func (aw *AnnotatedWriter) Shell(step *Step, d diag.DiagInfo) error {
	type level struct {
		e     float64
		label invar.Invar
	}
	var levels []level
	for label, eig := range d {
		for _, e := range eig.ValueZero {
			levels = append(levels, level{e: e, label: label})
		}
	}
	sort.Slice(levels, func(a, b int) bool { return levels[a].e < levels[b].e })
	if len(levels) > aw.nlevels {
		levels = levels[:aw.nlevels]
	}
	for _, l := range levels {
		if _, err := fmt.Fprintf(aw.f, "%d %.10g %s\n", step.TrueN(), l.e, l.label); err != nil {
			return errors.Wrap(err, "")
		}
	}
	return nil
}

func (aw *AnnotatedWriter) Close() error { return aw.f.Close() }

func (fw *FlowWriter) Close() error {
	fw.w.Flush()
	var err error
	if err1 := fw.w.Error(); err1 != nil {
		err = err1
	}
	if err1 := fw.f.Close(); err1 != nil && err == nil {
		err = err1
	}
	return err
}
