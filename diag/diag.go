// Package diag provides dense symmetric diagonalization and the per-subspace
// eigenspectrum bookkeeping of the renormalization-group iteration.
package diag

import (
	"fmt"
	"math"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Eigen is the result of diagonalizing one invariant subspace at one shell.
//
// ValueOrig holds the eigenvalues as computed, ascending. Vectors holds the
// corresponding eigenvectors, one per row, expressed in the combined ancestor
// basis of the subspace; it has NrComputed rows and Dim columns. Vectors may
// be released with DropVectors once the shell's downstream work is done, while
// the eigenvalues and derived energies persist for the whole run.
type Eigen struct {
	ValueOrig []float64
	Vectors   *mat.Dense
	dim       int

	// nrpost is the number of eigenpairs after truncation, -1 for all.
	nrpost int

	// ValueZero are the eigenvalues with the shell's ground-state energy
	// subtracted. AbsEnergyN is ValueZero in absolute units, AbsEnergy adds
	// the cumulative total energy, and AbsEnergyG is referenced to the global
	// ground state of the whole run.
	ValueZero  []float64
	AbsEnergy  []float64
	AbsEnergyG []float64
	AbsEnergyN []float64
}

func newEigen(values []float64, vectors *mat.Dense, dim int) *Eigen {
	if len(values) > dim {
		panic(fmt.Sprintf("%d %d", len(values), dim))
	}
	return &Eigen{ValueOrig: values, Vectors: vectors, dim: dim, nrpost: -1}
}

// Diagonal represents a spectrum in its own eigenbasis: the eigenvector
// matrix is the identity. Used to seed the chain from the initial states.
func Diagonal(values []float64) *Eigen {
	n := len(values)
	vectors := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		vectors.Set(i, i, 1)
	}
	e := newEigen(slices.Clone(values), vectors, n)
	e.ValueZero = slices.Clone(values)
	return e
}

// Restore rebuilds a truncated eigenspectrum from persisted kept eigenvalues
// and eigenvector rows, as read back from a checkpoint.
func Restore(valueZero []float64, vectors *mat.Dense, dim int) *Eigen {
	e := newEigen(slices.Clone(valueZero), vectors, dim)
	e.ValueZero = slices.Clone(valueZero)
	return e
}

// NrComputed is the number of eigenpairs actually obtained.
func (e *Eigen) NrComputed() int { return len(e.ValueOrig) }

// Dim is the dimension of the subspace block.
func (e *Eigen) Dim() int { return e.dim }

// NrKept is the number of states retained by truncation.
func (e *Eigen) NrKept() int {
	if e.nrpost == -1 {
		return e.NrComputed()
	}
	return e.nrpost
}

// NrStored is the number of states whose energies are stored.
func (e *Eigen) NrStored() int { return len(e.ValueZero) }

func (e *Eigen) NrDiscarded() int { return e.NrComputed() - e.NrKept() }

// TruncatePrepare records the kept count fixed by the truncation engine.
func (e *Eigen) TruncatePrepare(nrpost int) {
	if nrpost > e.NrStored() {
		panic(fmt.Sprintf("%d %d", nrpost, e.NrStored()))
	}
	e.nrpost = nrpost
}

// TruncatePerform trims the eigenvector rows and stored energies to the kept
// count. The original eigenvalues and the absolute energies are untouched.
func (e *Eigen) TruncatePerform() {
	n := e.NrKept()
	if e.Vectors != nil {
		e.Vectors = mat.DenseCopyOf(e.Vectors.Slice(0, n, 0, e.dim))
	}
	e.ValueZero = e.ValueZero[:n]
}

// SubtractEgs rebases the stored eigenvalues to the shell ground state.
func (e *Eigen) SubtractEgs(egs float64) {
	e.ValueZero = make([]float64, len(e.ValueOrig))
	for i, v := range e.ValueOrig {
		e.ValueZero[i] = v - egs
	}
	if len(e.ValueZero) > 0 && e.ValueZero[0] < 0 {
		panic(fmt.Sprintf("%f", e.ValueZero[0]))
	}
}

// SubtractGSEnergy rebases the absolute energies to the global ground state.
func (e *Eigen) SubtractGSEnergy(gs float64) {
	for i := range e.AbsEnergyG {
		e.AbsEnergyG[i] -= gs
	}
	if len(e.AbsEnergyG) > 0 && e.AbsEnergyG[0] < -1e-12 {
		panic(fmt.Sprintf("%g", e.AbsEnergyG[0]))
	}
}

// SetAbsEnergies derives the three absolute-energy vectors from ValueZero.
// scale is the shell's energy scale and offset the cumulative total energy.
func (e *Eigen) SetAbsEnergies(scale, offset float64) {
	n := len(e.ValueZero)
	e.AbsEnergyN = make([]float64, n)
	e.AbsEnergy = make([]float64, n)
	e.AbsEnergyG = make([]float64, n)
	for i, v := range e.ValueZero {
		e.AbsEnergyN[i] = v * scale
		e.AbsEnergy[i] = v*scale + offset
		e.AbsEnergyG[i] = e.AbsEnergy[i]
	}
}

// DiagonalExp returns the diagonal matrix with exp(-factor*E) entries over the
// stored states.
func (e *Eigen) DiagonalExp(factor float64) *mat.Dense {
	n := e.NrStored()
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, math.Exp(-e.ValueZero[i]*factor))
	}
	return m
}

// KeptBlock returns the kept eigenvector rows restricted to the ancestor
// block starting at offset with the given width.
func (e *Eigen) KeptBlock(offset, width int) mat.Matrix {
	return e.Vectors.Slice(0, e.NrKept(), offset, offset+width)
}

// DropVectors releases the eigenvector storage.
func (e *Eigen) DropVectors() { e.Vectors = nil }

// Diagonalize computes the lowest ratio-fraction of the spectrum of the dense
// symmetric matrix h. ratio == 1 computes the full spectrum. The returned
// eigenvalues are ascending and the eigenvector rows match their order.
func Diagonalize(h *mat.SymDense, ratio float64) (*Eigen, error) {
	dim := h.SymmetricDim()
	if dim == 0 {
		return nil, errors.Errorf("empty block")
	}
	var es mat.EigenSym
	if ok := es.Factorize(h, true); !ok {
		return nil, errors.Errorf("factorization failed, dim %d", dim)
	}
	values := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	nr := dim
	if ratio < 1 {
		nr = int(math.Ceil(ratio * float64(dim)))
		nr = min(max(nr, 1), dim)
	}

	// Eigenvectors are stored as rows.
	vectors := mat.NewDense(nr, dim, nil)
	for i := 0; i < nr; i++ {
		for j := 0; j < dim; j++ {
			vectors.Set(i, j, vecs.At(j, i))
		}
	}
	return newEigen(values[:nr], vectors, dim), nil
}
