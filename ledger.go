package nrgflow

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"nrgflow/diag"
	"nrgflow/invar"
	"nrgflow/sched"
	"nrgflow/symmetry"
)

// Ledger records, for every invariant subspace reachable at the next shell,
// the dimension contributed by each ancestor combination of the previous
// shell. Subspaces with total dimension 0 are dropped: no task is built for
// an empty block.
type Ledger struct {
	sym  symmetry.Symmetry
	dims map[invar.Invar]symmetry.Dims
}

// BuildLedger expands the previous shell's snapshot by one chain site.
func BuildLedger(sym symmetry.Symmetry, prev diag.DiagInfo) *Ledger {
	candidates := map[invar.Invar]bool{}
	for _, i := range prev.Subspaces() {
		for _, c := range sym.NewSubspaces(i) {
			if sym.Allowed(c) {
				candidates[c] = true
			}
		}
	}

	l := &Ledger{sym: sym, dims: map[invar.Invar]symmetry.Dims{}}
	for c := range candidates {
		anc := sym.Ancestors(c)
		values := make([]int, len(anc))
		total := 0
		for k, a := range anc {
			if !sym.Allowed(a) || !sym.Couples(c, a, k) {
				continue
			}
			eig, ok := prev[a]
			if !ok {
				continue
			}
			values[k] = eig.NrKept()
			total += values[k]
		}
		if total == 0 {
			continue
		}
		l.dims[c] = symmetry.NewDims(values)
	}
	return l
}

// Subspaces lists the ledger's labels in ascending order.
func (l *Ledger) Subspaces() []invar.Invar {
	out := make([]invar.Invar, 0, len(l.dims))
	for i := range l.dims {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return invar.Compare(out[a], out[b]) < 0 })
	return out
}

func (l *Ledger) Dims(i invar.Invar) (symmetry.Dims, bool) {
	d, ok := l.dims[i]
	return d, ok
}

// Map exposes the full ledger, as consumed by operator recalculation.
func (l *Ledger) Map() map[invar.Invar]symmetry.Dims { return l.dims }

// Tasks assembles one diagonalization task per subspace. The block diagonal
// carries the previous shell's kept eigenvalues rescaled to the new shell's
// unit; the symmetry adds the site-coupling terms.
func (l *Ledger) Tasks(prev diag.DiagInfo, step *Step) ([]sched.Task, error) {
	// Rescaling factor between consecutive shell units.
	rescale := step.p.Scale(step.TrueN()) / step.Scale()

	tasks := make([]sched.Task, 0, len(l.dims))
	for _, i := range l.Subspaces() {
		dims := l.dims[i]
		anc := l.sym.Ancestors(i)
		h := mat.NewSymDense(dims.Total(), nil)
		for c := 0; c < dims.Combs(); c++ {
			w := dims.Rmax(c)
			if w == 0 {
				continue
			}
			eig := prev[anc[c]]
			off := dims.Offset(c)
			for k := 0; k < w; k++ {
				h.SetSym(off+k, off+k, eig.ValueZero[k]*rescale)
			}
		}
		if err := l.sym.AssembleMatrix(h, dims, i, anc, step.TrueN(), step.Scale()); err != nil {
			return nil, errors.Wrap(err, i.String())
		}
		tasks = append(tasks, sched.Task{Label: i, Matrix: h})
	}
	return tasks, nil
}
