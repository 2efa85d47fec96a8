package diag

import (
	"fmt"
	"math"
	"slices"

	"nrgflow/invar"
)

// DiagInfo is the full eigenspectrum information of one shell: the mapping
// from subspace label to its diagonalization result.
type DiagInfo map[invar.Invar]*Eigen

// Subspaces returns the labels in their canonical order.
func (d DiagInfo) Subspaces() []invar.Invar {
	labels := make([]invar.Invar, 0, len(d))
	for i := range d {
		labels = append(labels, i)
	}
	slices.SortFunc(labels, invar.Compare)
	return labels
}

// FindGroundState returns the lowest computed eigenvalue across subspaces.
func (d DiagInfo) FindGroundState() float64 {
	if len(d) == 0 {
		panic("empty shell")
	}
	egs := math.Inf(1)
	for _, eig := range d {
		if len(eig.ValueOrig) > 0 && eig.ValueOrig[0] < egs {
			egs = eig.ValueOrig[0]
		}
	}
	return egs
}

func (d DiagInfo) SubtractEgs(egs float64) {
	for _, eig := range d {
		eig.SubtractEgs(egs)
	}
}

func (d DiagInfo) SubtractGSEnergy(gs float64) {
	for _, eig := range d {
		eig.SubtractGSEnergy(gs)
	}
}

// SortedEnergies returns all stored eigenvalues of the shell, ascending.
func (d DiagInfo) SortedEnergies() []float64 {
	energies := make([]float64, 0)
	for _, eig := range d {
		energies = append(energies, eig.ValueZero...)
	}
	slices.Sort(energies)
	return energies
}

// SizeSubspace returns the stored count of label i, 0 if absent.
func (d DiagInfo) SizeSubspace(i invar.Invar) int {
	eig, ok := d[i]
	if !ok {
		return 0
	}
	return eig.NrStored()
}

// CountStates is the total number of stored states weighted by multiplicity.
func (d DiagInfo) CountStates(mult func(invar.Invar) int) int {
	n := 0
	for i, eig := range d {
		n += mult(i) * eig.NrStored()
	}
	return n
}

// CountSubspaces counts the subspaces with at least one stored state.
func (d DiagInfo) CountSubspaces() int {
	n := 0
	for _, eig := range d {
		if eig.NrStored() > 0 {
			n++
		}
	}
	return n
}

// Trace evaluates Tr[fnc(beta*E) exp(-beta*E)] with beta = factor, over all
// stored states weighted by multiplicity.
func (d DiagInfo) Trace(fnc func(float64) float64, factor float64, mult func(invar.Invar) int) float64 {
	sum := 0.0
	for i, eig := range d {
		m := float64(mult(i))
		for _, e := range eig.ValueZero {
			betaE := factor * e
			sum += m * fnc(betaE) * math.Exp(-betaE)
		}
	}
	return sum
}

func (d DiagInfo) TruncatePerform() {
	for _, eig := range d {
		eig.TruncatePerform()
	}
}

// ClearVectors frees all eigenvector matrices of the shell.
func (d DiagInfo) ClearVectors() {
	for _, eig := range d {
		eig.DropVectors()
	}
}

// StatesReport logs a per-shell summary of subspaces and state counts.
func (d DiagInfo) StatesReport(mult func(invar.Invar) int) string {
	return fmt.Sprintf("subspaces=%d states=%d", d.CountSubspaces(), d.CountStates(mult))
}
