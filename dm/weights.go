package dm

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"nrgflow/accum"
	"nrgflow/history"
	"nrgflow/invar"
)

const weightTol = 1e-8

// Weights are the per-shell statistical weights of the full-density-matrix
// construction: W[i] is the probability that the ground state was truncated
// away exactly at shell Shells[i]. The weights sum to 1.
type Weights struct {
	Shells []int
	W      []float64

	// ZnDN is the per-shell partition sum over discarded states with
	// energies referenced to the shell's own ground state. It normalizes the
	// per-shell Boltzmann factors and is safely representable in float64.
	ZnDN []float64

	// ZZG is the grand partition sum, kept in extended precision because its
	// terms span many orders of magnitude across shells.
	ZZG *accum.Sum
}

// discardedRange is the index range of a shell's discarded states. At the
// last shell every state counts as discarded: nothing is kept beyond the end
// of the chain.
func discardedRange(rec *history.Record, lastShell bool) (int, int) {
	if lastShell {
		return 0, rec.Stored
	}
	return rec.Kept, rec.Stored
}

// CalcWeights runs the forward sweep accumulating, per shell, the partition
// sums over discarded states, combined with the combinatorial factor
// counting the untraversed chain sites. Accumulation is extended-precision
// throughout; only the final ratios are rounded to float64.
func (r *Reconstructor) CalcWeights() (*Weights, error) {
	shells := r.Hist.Shells()
	if len(shells) == 0 {
		return nil, errors.Errorf("empty history")
	}
	w := &Weights{Shells: shells, W: make([]float64, len(shells)), ZnDN: make([]float64, len(shells)), ZZG: accum.New()}

	contribs := make([]*accum.Sum, len(shells))
	combs := float64(r.Sym.NrCombs())
	for idx, n := range shells {
		shell, _ := r.Hist.Shell(n)
		lastShell := idx == len(shells)-1
		zg, zn := accum.New(), accum.New()
		for label, rec := range shell {
			m := float64(r.Sym.Mult(label))
			lo, hi := discardedRange(rec, lastShell)
			for d := lo; d < hi; d++ {
				zg.AddProd(m, math.Exp(-rec.AbsG[d]/r.P.T))
				zn.AddProd(m, math.Exp(-rec.AbsN[d]/r.P.T))
			}
		}
		w.ZnDN[idx] = zn.Float64()

		// Each untraversed site multiplies the number of environment states
		// by the site dimension.
		contrib := zg.Clone()
		for k := idx; k < len(shells)-1; k++ {
			contrib.Mul(combs)
		}
		contribs[idx] = contrib
		w.ZZG.AddSum(contrib)
	}
	if w.ZZG.Sign() <= 0 {
		return nil, errors.Errorf("grand partition sum is not positive")
	}

	sum := 0.0
	for idx := range shells {
		w.W[idx] = contribs[idx].Div(w.ZZG)
		sum += w.W[idx]
	}
	if math.Abs(sum-1) > weightTol {
		return nil, errors.Errorf("shell weights sum to %.12f, expected 1", sum)
	}
	return w, nil
}

// CalcFullDensityMatrix builds the full density matrix shell by shell,
// backward: at each shell the propagated kept block is augmented by the
// Boltzmann-weighted diagonal over that shell's newly discarded states,
// scaled by the shell weight. The trace at shell n equals the summed weights
// of shells n and later.
func (r *Reconstructor) CalcFullDensityMatrix(w *Weights) error {
	shells := w.Shells
	last := shells[len(shells)-1]

	rho, err := r.fdmShell(len(shells)-1, nil, w)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := r.Hist.SaveBlocks(KindRhoFDM, last, rho); err != nil {
		return errors.Wrap(err, "")
	}
	tail := w.W[len(shells)-1]
	for idx := len(shells) - 1; idx > 0; idx-- {
		propagated, err := r.backward(shells[idx], rho, stored)
		if err != nil {
			return errors.Wrap(err, "")
		}
		rho, err = r.fdmShell(idx-1, propagated, w)
		if err != nil {
			return errors.Wrap(err, "")
		}
		tail += w.W[idx-1]
		if err := checkTrace(shells[idx-1], rho, tail, r.Sym.Mult); err != nil {
			return errors.Wrap(err, "")
		}
		if err := r.Hist.SaveBlocks(KindRhoFDM, shells[idx-1], rho); err != nil {
			return errors.Wrap(err, "")
		}
	}
	return nil
}

// fdmShell assembles the full density matrix of one shell over its stored
// states: the propagated block from the later shells in the kept corner plus
// the weighted Boltzmann diagonal over the discarded states.
func (r *Reconstructor) fdmShell(idx int, propagated map[invar.Invar]*mat.Dense, w *Weights) (map[invar.Invar]*mat.Dense, error) {
	n := w.Shells[idx]
	shell, ok := r.Hist.Shell(n)
	if !ok {
		return nil, errors.Errorf("shell %d missing", n)
	}
	lastShell := idx == len(w.Shells)-1

	rho := map[invar.Invar]*mat.Dense{}
	for label, rec := range shell {
		if rec.Stored == 0 {
			continue
		}
		d := mat.NewDense(rec.Stored, rec.Stored, nil)
		filled := false
		if p, ok := propagated[label]; ok {
			pr, _ := p.Dims()
			if pr != rec.Kept {
				return nil, errors.Errorf("shell %d %v: propagated dim %d, kept %d", n, label, pr, rec.Kept)
			}
			d.Slice(0, pr, 0, pr).(*mat.Dense).Copy(p)
			filled = true
		}
		if w.W[idx] > 0 && w.ZnDN[idx] > 0 {
			lo, hi := discardedRange(rec, lastShell)
			for k := lo; k < hi; k++ {
				d.Set(k, k, d.At(k, k)+w.W[idx]*math.Exp(-rec.AbsN[k]/r.P.T)/w.ZnDN[idx])
				filled = true
			}
		}
		if filled {
			rho[label] = d
		}
	}
	return rho, nil
}

// Thermo holds the thermodynamic quantities of the full-density-matrix
// construction at the run temperature.
type Thermo struct {
	E float64 // mean energy, referenced to the global ground state
	F float64 // free energy, same reference
	C float64 // heat capacity from the energy variance
	S float64 // entropy
}

// Thermodynamics evaluates mean energy, heat capacity and entropy from the
// shell weights and the recorded absolute energies.
func (r *Reconstructor) Thermodynamics(w *Weights) (Thermo, error) {
	e, e2 := accum.New(), accum.New()
	norm := accum.New()
	for idx, n := range w.Shells {
		if w.W[idx] == 0 {
			continue
		}
		shell, _ := r.Hist.Shell(n)
		lastShell := idx == len(w.Shells)-1
		zg, num, num2 := accum.New(), accum.New(), accum.New()
		for label, rec := range shell {
			m := float64(r.Sym.Mult(label))
			lo, hi := discardedRange(rec, lastShell)
			for d := lo; d < hi; d++ {
				b := m * math.Exp(-rec.AbsG[d]/r.P.T)
				zg.Add(b)
				num.AddProd(b, rec.AbsG[d])
				num2.AddProd(b, rec.AbsG[d]*rec.AbsG[d])
			}
		}
		if zg.Sign() <= 0 {
			continue
		}
		e.AddProd(w.W[idx], num.Div(zg))
		e2.AddProd(w.W[idx], num2.Div(zg))
		norm.Add(w.W[idx])
	}
	if norm.Sign() <= 0 {
		return Thermo{}, errors.Errorf("no discarded states anywhere, cannot evaluate thermodynamics")
	}

	t := Thermo{E: e.Float64(), F: -r.P.T * w.ZZG.Log()}
	t.C = (e2.Float64() - t.E*t.E) / (r.P.T * r.P.T)
	t.S = (t.E - t.F) / r.P.T
	return t, nil
}
