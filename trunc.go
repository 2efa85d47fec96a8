package nrgflow

import (
	"sort"

	"github.com/pkg/errors"

	"nrgflow/diag"
	"nrgflow/invar"
)

// ErrInsufficientStates signals that a partial diagonalization did not reach
// deep enough to confirm the truncation cutoff. It is handled exactly one
// layer up, by the orchestrator's shell restart loop, and nowhere else.
var ErrInsufficientStates = errors.New("insufficient states computed to determine the cutoff")

// States exactly at the cutoff are kept; the tolerance absorbs rounding in
// the eigensolver.
const boundaryTol = 1e-11

// TruncDecision is the outcome of truncating one shell.
type TruncDecision struct {
	Emax   float64
	Kept   map[invar.Invar]int
	NrAll  int
	NrKept int
}

// Truncate decides the energy cutoff and the per-subspace kept counts for a
// shell. Eigenvalues must already be rebased to the shell ground state.
//
// The baseline retained count comes either from the configured energy
// threshold (counting states up to and including the threshold, the
// historical inclusive-boundary convention) or from the fixed count. The
// degeneracy safeguard then extends the cut past clusters of near-degenerate
// levels, bounded by the configured allowance.
func Truncate(step *Step, d diag.DiagInfo, mult func(invar.Invar) int) (*TruncDecision, error) {
	p := step.p
	all := sortedWithMult(d, mult)
	if len(all) == 0 {
		return nil, errors.Errorf("shell %d: no states", step.TrueN())
	}

	if step.KeepAll() {
		dec := &TruncDecision{Emax: all[len(all)-1], Kept: map[invar.Invar]int{}, NrAll: len(all), NrKept: len(all)}
		for _, i := range d.Subspaces() {
			dec.Kept[i] = d[i].NrStored()
		}
		return dec, nil
	}

	nrkeep := 0
	if p.KeepEnergy > 0 {
		for _, e := range all {
			if e <= p.KeepEnergy+boundaryTol {
				nrkeep++
			}
		}
		nrkeep = clamp(nrkeep, p.KeepMin, p.Keep)
	} else {
		nrkeep = clamp(p.Keep, 1, len(all))
	}
	nrkeep = clamp(nrkeep, 1, len(all))

	if p.Safeguard > 0 {
		extra := 0
		for nrkeep < len(all) && extra < p.SafeguardMax && all[nrkeep]-all[nrkeep-1] < p.Safeguard {
			nrkeep++
			extra++
		}
	}
	nrkeep = clamp(nrkeep, 1, len(all))

	dec := &TruncDecision{Emax: all[nrkeep-1], Kept: map[invar.Invar]int{}, NrAll: len(all)}
	for _, i := range d.Subspaces() {
		eig := d[i]
		kept := 0
		for _, e := range eig.ValueZero {
			if e <= dec.Emax+boundaryTol {
				kept++
			}
		}
		// A subspace whose whole computed spectrum lies strictly below the
		// cutoff, while the block was not fully diagonalized, cannot confirm
		// the cutoff: uncomputed states may exist below Emax. If the top
		// computed value reaches Emax itself the cutoff is confirmed, since
		// uncomputed states cannot lie below it.
		nc := eig.NrComputed()
		if kept == nc && nc < eig.Dim() && (nc == 0 || eig.ValueZero[nc-1] < dec.Emax-boundaryTol) {
			return nil, errors.Wrapf(ErrInsufficientStates, "shell %d subspace %v: all %d computed states below Emax %.8f, dim %d",
				step.TrueN(), i, nc, dec.Emax, eig.Dim())
		}
		dec.Kept[i] = kept
		dec.NrKept += kept * mult(i)
	}
	return dec, nil
}

// Apply fixes the kept counts on the shell's eigenspectra.
func (dec *TruncDecision) Apply(d diag.DiagInfo) {
	for i, eig := range d {
		eig.TruncatePrepare(dec.Kept[i])
	}
}

func sortedWithMult(d diag.DiagInfo, mult func(invar.Invar) int) []float64 {
	all := make([]float64, 0, 256)
	for i, eig := range d {
		m := mult(i)
		for _, e := range eig.ValueZero {
			for k := 0; k < m; k++ {
				all = append(all, e)
			}
		}
	}
	sort.Float64s(all)
	return all
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
