package nrgflow

import (
	"context"
	"log"
	"math"
	"path/filepath"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"nrgflow/diag"
	"nrgflow/dm"
	"nrgflow/history"
	"nrgflow/invar"
	"nrgflow/params"
	"nrgflow/sched"
	"nrgflow/symmetry"
)

// flowLevels is the number of lowest excitation energies written per shell.
const flowLevels = 8

// Runner sequences a whole run: the forward pass over all shells, then the
// backward density-matrix passes over the recorded history.
type Runner struct {
	P     params.Params
	Sym   symmetry.Symmetry
	Sched sched.Scheduler
	Hist  *history.Store
	State *RunState
	Log   *log.Logger
}

func NewRunner(p params.Params, logger *log.Logger) (*Runner, error) {
	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	sym, err := symmetry.New(p)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	sch, err := sched.New(p.DiagMode, p.Workers)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	var hist *history.Store
	if p.Resume {
		hist, err = history.Resume(p.Dir)
	} else {
		hist, err = history.Open(p.Dir)
	}
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return &Runner{P: p, Sym: sym, Sched: sch, Hist: hist, State: &RunState{}, Log: logger}, nil
}

func (r *Runner) Close() error { return r.Hist.Close() }

// Run executes the forward pass and, if configured, the density-matrix
// reconstruction passes.
func (r *Runner) Run(ctx context.Context) error {
	r.Log.Printf("run %s: %s chain, lambda=%.3f, shells %d..%d", r.Hist.RunID(), r.Sym.Name(), r.P.Lambda, r.P.Ninit, r.P.Nlen()-1)
	if err := r.forward(ctx); err != nil {
		return errors.Wrap(err, "forward pass")
	}

	if !r.P.DM && !r.P.FDM {
		return nil
	}
	rec := &dm.Reconstructor{P: r.P, Sym: r.Sym, Hist: r.Hist}
	if r.P.DM {
		if err := rec.CalcDensityMatrix(); err != nil {
			return errors.Wrap(err, "density-matrix recursion")
		}
		r.Log.Printf("density matrices written for shells %v..%v", r.P.Ninit, r.Hist.LastShell())
	}
	if r.P.FDM {
		w, err := rec.CalcWeights()
		if err != nil {
			return errors.Wrap(err, "shell weights")
		}
		if err := rec.CalcFullDensityMatrix(w); err != nil {
			return errors.Wrap(err, "full density matrix")
		}
		th, err := rec.Thermodynamics(w)
		if err != nil {
			return errors.Wrap(err, "")
		}
		r.Log.Printf("T=%.4g E=%.8g F=%.8g C=%.8g S=%.8g", r.P.T, th.E, th.F, th.C, th.S)
	}
	return nil
}

func (r *Runner) forward(ctx context.Context) error {
	step := NewStep(r.P, Forward)
	prev := r.Sym.InitialStates()
	if r.P.Resume {
		restored, err := r.restore(step)
		if err != nil {
			return errors.Wrap(err, "")
		}
		if restored != nil {
			prev = restored
		}
	}

	flow, err := NewFlowWriter(filepath.Join(r.P.Dir, "flow.csv"), flowLevels)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer flow.Close()
	td, err := NewTDWriter(filepath.Join(r.P.Dir, "td.csv"), r.P.BetaBar)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer td.Close()
	ann, err := NewAnnotatedWriter(filepath.Join(r.P.Dir, "annotated.dat"), flowLevels)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer ann.Close()

	for ; !step.End(); step.Advance() {
		d, ledger, dec, err := r.doShell(ctx, step, prev)
		if err != nil {
			return errors.Wrapf(err, "shell %d", step.TrueN())
		}
		if err := r.record(step, d, ledger); err != nil {
			return errors.Wrapf(err, "shell %d", step.TrueN())
		}
		if err := flow.Shell(step, d, dec, r.Sym.Mult); err != nil {
			return errors.Wrap(err, "")
		}
		if err := td.Shell(step, d, r.Sym.Mult); err != nil {
			return errors.Wrap(err, "")
		}
		if err := ann.Shell(step, d); err != nil {
			return errors.Wrap(err, "")
		}
		freeEnergy := -math.Log(d.Trace(one, r.P.BetaBar, r.Sym.Mult)) / r.P.BetaBar
		r.Log.Printf("shell %d: scale=%.6g %s kept=%d Emax=%.6f F/scale=%.6f",
			step.TrueN(), step.Scale(), d.StatesReport(r.Sym.Mult), dec.NrKept, dec.Emax, freeEnergy)

		d.TruncatePerform()
		if !step.Last() {
			if err := r.Sym.Recalc(d, ledger.Map()); err != nil {
				return errors.Wrapf(err, "shell %d recalc", step.TrueN())
			}
		}
		d.ClearVectors()
		prev = d
	}

	r.State.Finalize()
	r.Log.Printf("ground-state energy %.12g", r.State.GSEnergy)
	return errors.Wrap(r.rebaseHistory(), "")
}

// doShell diagonalizes one shell, retrying with a larger eigenstate fraction
// whenever truncation reports insufficient states. The whole shell is redone
// on retry, never a single subspace.
func (r *Runner) doShell(ctx context.Context, step *Step, prev diag.DiagInfo) (diag.DiagInfo, *Ledger, *TruncDecision, error) {
	ratio := r.P.DiagRatio
	for {
		var d diag.DiagInfo
		var ledger *Ledger
		if r.P.ZBW() {
			// Zero bandwidth: no site is added, the initial states are the
			// full spectrum of the single shell.
			d, ledger = prev, nil
		} else {
			ledger = BuildLedger(r.Sym, prev)
			tasks, err := ledger.Tasks(prev, step)
			if err != nil {
				return nil, nil, nil, errors.Wrap(err, "")
			}
			if len(tasks) == 0 {
				return nil, nil, nil, errors.Errorf("no subspaces to diagonalize")
			}
			d, err = r.Sched.Run(ctx, tasks, func(t sched.Task) (*diag.Eigen, error) {
				return diag.Diagonalize(t.Matrix, ratio)
			})
			if err != nil {
				return nil, nil, nil, errors.Wrap(err, "")
			}
		}

		egs := d.FindGroundState()
		d.SubtractEgs(egs)
		r.State.AddShell(egs, step.Scale())
		for _, eig := range d {
			eig.SetAbsEnergies(step.Scale(), r.State.TotalEnergy)
		}

		dec, err := Truncate(step, d, r.Sym.Mult)
		if errors.Is(err, ErrInsufficientStates) {
			r.State.UnwindShell(egs, step.Scale())
			if !r.P.Restart {
				return nil, nil, nil, errors.Wrap(err, "restart disabled")
			}
			if ratio >= 1 {
				return nil, nil, nil, errors.Wrap(err, "full spectra computed, cannot escalate")
			}
			next := math.Min(ratio*r.P.RestartFactor, 1)
			r.Log.Printf("shell %d: %v; redoing with diagratio %.3f -> %.3f", step.TrueN(), err, ratio, next)
			ratio = next
			continue
		}
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "")
		}
		dec.Apply(d)
		return d, ledger, dec, nil
	}
}

// record persists the shell's history metadata and the eigenvector
// checkpoint over all stored states. Must run before the eigenspectra are
// trimmed to the kept counts.
func (r *Runner) record(step *Step, d diag.DiagInfo, ledger *Ledger) error {
	shell := history.Shell{}
	blocks := map[invar.Invar]*mat.Dense{}
	for _, i := range d.Subspaces() {
		eig := d[i]
		var dims []int
		if ledger != nil {
			dv, ok := ledger.Dims(i)
			if !ok {
				return errors.Errorf("%v not in ledger", i)
			}
			dims = dv.Values()
		} else {
			dims = []int{eig.Dim()}
		}
		shell[i] = &history.Record{
			Kept:   eig.NrKept(),
			Stored: eig.NrStored(),
			Dims:   dims,
			Values: slices.Clone(eig.ValueZero),
			Abs:    slices.Clone(eig.AbsEnergy),
			AbsG:   slices.Clone(eig.AbsEnergyG),
			AbsN:   slices.Clone(eig.AbsEnergyN),
		}
		blocks[i] = eig.Vectors
	}
	if err := r.Hist.Put(step.Ndx(), shell); err != nil {
		return errors.Wrap(err, "")
	}
	// Written unconditionally: a later run may resume from this shell even
	// when no density-matrix pass is configured now.
	if err := r.Hist.SaveBlocks(dm.KindUnitary, step.Ndx(), blocks); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// restore rebuilds the iteration state from the last complete shell of a
// resumed run: the kept eigenspectra and eigenvector rows come back from the
// checkpoints, the chain operators are recalculated from them, and the
// cumulative energy offset is recovered from the recorded absolute energies.
func (r *Runner) restore(step *Step) (diag.DiagInfo, error) {
	last := r.Hist.LastShell()
	if last < 0 {
		return nil, nil
	}
	shell, _ := r.Hist.Shell(last)
	uv, err := r.Hist.LoadBlocks(dm.KindUnitary, last)
	if err != nil {
		return nil, errors.Wrapf(err, "shell %d", last)
	}

	d := diag.DiagInfo{}
	ledger := map[invar.Invar]symmetry.Dims{}
	for label, rec := range shell {
		u, ok := uv[label]
		if !ok {
			return nil, errors.Errorf("shell %d %v: no eigenvector checkpoint", last, label)
		}
		total := 0
		for _, w := range rec.Dims {
			total += w
		}
		vectors := mat.DenseCopyOf(u.Slice(0, rec.Kept, 0, total))
		d[label] = diag.Restore(rec.Values[:rec.Kept], vectors, total)
		ledger[label] = symmetry.NewDims(rec.Dims)

		if r.State.TotalEnergy == 0 && len(rec.Abs) > 0 {
			r.State.TotalEnergy = rec.Abs[0] - rec.AbsN[0]
		}
	}
	if err := r.Sym.Recalc(d, ledger); err != nil {
		return nil, errors.Wrapf(err, "shell %d recalc", last)
	}
	d.ClearVectors()
	step.SkipTo(last + 1)
	r.Log.Printf("resumed after shell %d, total energy %.12g", last, r.State.TotalEnergy)
	return d, nil
}

// rebaseHistory rewrites every shell's global-reference energies once the
// final ground-state energy is known, and checks that no state ends up below
// the global ground state.
func (r *Runner) rebaseHistory() error {
	for _, n := range r.Hist.Shells() {
		shell, _ := r.Hist.Shell(n)
		for label, rec := range shell {
			for k := range rec.AbsG {
				rec.AbsG[k] = rec.Abs[k] - r.State.GSEnergy
				if rec.AbsG[k] < -1e-10 {
					return errors.Errorf("shell %d %v: state %d at %.12g below the global ground state", n, label, k, rec.AbsG[k])
				}
			}
		}
		if err := r.Hist.Put(n, shell); err != nil {
			return errors.Wrap(err, "")
		}
	}
	return nil
}

func one(float64) float64 { return 1 }
