// Package dm reconstructs density matrices from a completed forward pass.
// Two variants operate over the shell history, last shell to first: a
// backward recursion seeded by a Boltzmann distribution at the last shell,
// and a full-density-matrix construction that weights every shell's discarded
// states by the probability that the ground state was truncated away there.
package dm

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"nrgflow/history"
	"nrgflow/invar"
	"nrgflow/params"
	"nrgflow/symmetry"
)

// Checkpoint kinds written by the forward pass and this package.
const (
	KindUnitary = "unitary"
	KindRho     = "rho"
	KindRhoFDM  = "rhofdm"
)

const traceTol = 1e-8

// Reconstructor walks the shell history backward. The history is never
// mutated; all outputs are separate per-shell checkpoints.
type Reconstructor struct {
	P    params.Params
	Sym  symmetry.Symmetry
	Hist *history.Store
}

// CalcDensityMatrix runs the backward recursion, writing one density-matrix
// checkpoint per shell. The density matrix at shell n is defined over the
// kept states of that shell and has unit trace at every step.
func (r *Reconstructor) CalcDensityMatrix() error {
	shells := r.Hist.Shells()
	if len(shells) == 0 {
		return errors.Errorf("empty history")
	}
	last := shells[len(shells)-1]

	rho, err := r.initRho(last)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := r.Hist.SaveBlocks(KindRho, last, rho); err != nil {
		return errors.Wrap(err, "")
	}
	for n := last; n > shells[0]; n-- {
		rho, err = r.backward(n, rho, kept)
		if err != nil {
			return errors.Wrap(err, "")
		}
		if err := checkTrace(n-1, rho, 1, r.Sym.Mult); err != nil {
			return errors.Wrap(err, "")
		}
		if err := r.Hist.SaveBlocks(KindRho, n-1, rho); err != nil {
			return errors.Wrap(err, "")
		}
	}
	return nil
}

// initRho builds the Boltzmann-weighted diagonal density matrix over the kept
// states of the last shell, normalized to unit trace. Energies are in shell
// units, weighted by the dimensionless inverse temperature betabar.
func (r *Reconstructor) initRho(n int) (map[invar.Invar]*mat.Dense, error) {
	shell, ok := r.Hist.Shell(n)
	if !ok {
		return nil, errors.Errorf("shell %d missing", n)
	}
	z := 0.0
	for label, rec := range shell {
		m := float64(r.Sym.Mult(label))
		for k := 0; k < rec.Kept; k++ {
			z += m * math.Exp(-r.P.BetaBar*rec.Values[k])
		}
	}
	if z <= 0 {
		return nil, errors.Errorf("shell %d: zero partition sum", n)
	}
	rho := map[invar.Invar]*mat.Dense{}
	for label, rec := range shell {
		if rec.Kept == 0 {
			continue
		}
		d := mat.NewDense(rec.Kept, rec.Kept, nil)
		for k := 0; k < rec.Kept; k++ {
			d.Set(k, k, math.Exp(-r.P.BetaBar*rec.Values[k])/z)
		}
		rho[label] = d
	}
	return rho, nil
}

// rowRange selects which eigenvector rows participate in a backward step:
// the kept block for the standard recursion, the full stored block for the
// full-density-matrix variant.
type rowRange int

const (
	kept rowRange = iota
	stored
)

// backward propagates the density matrix from shell n to shell n-1: each
// subspace block is rotated into the ancestor product basis and its
// per-combination sub-blocks are embedded into the ancestors.
func (r *Reconstructor) backward(n int, rho map[invar.Invar]*mat.Dense, rows rowRange) (map[invar.Invar]*mat.Dense, error) {
	shell, ok := r.Hist.Shell(n)
	if !ok {
		return nil, errors.Errorf("shell %d missing", n)
	}
	uv, err := r.Hist.LoadBlocks(KindUnitary, n)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}

	prev := map[invar.Invar]*mat.Dense{}
	for label, rec := range shell {
		rhoJ, ok := rho[label]
		if !ok {
			continue
		}
		u, ok := uv[label]
		if !ok {
			return nil, errors.Errorf("shell %d %v: no eigenvector checkpoint", n, label)
		}
		nr := rec.Kept
		if rows == stored {
			nr = rec.Stored
		}
		if rr, _ := rhoJ.Dims(); rr != nr {
			return nil, errors.Errorf("shell %d %v: rho dim %d, expected %d", n, label, rr, nr)
		}
		anc := r.Sym.Ancestors(label)
		off := 0
		for c, w := range rec.Dims {
			if w == 0 {
				continue
			}
			blk := r.Sym.RotateAndEmbed(label, anc[c], c, rhoJ, u.Slice(0, nr, off, off+w))
			if p, ok := prev[anc[c]]; ok {
				p.Add(p, blk)
			} else {
				prev[anc[c]] = blk
			}
			off += w
		}
	}
	return prev, nil
}

// checkTrace asserts the multiplicity-weighted trace against want. A
// violation means numerically inconsistent input or a logic error and is not
// tolerated.
func checkTrace(n int, rho map[invar.Invar]*mat.Dense, want float64, mult func(invar.Invar) int) error {
	tr := 0.0
	for label, m := range rho {
		tr += float64(mult(label)) * mat.Trace(m)
	}
	if math.Abs(tr-want) > traceTol {
		return errors.Errorf("shell %d: density-matrix trace %.12f, expected %.12f", n, tr, want)
	}
	return nil
}
