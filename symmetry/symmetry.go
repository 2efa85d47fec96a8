// Package symmetry implements the conserved-quantum-number schemes of the
// renormalization-group chain: subspace enumeration, Hamiltonian assembly, and
// chain-operator recalculation. The iteration engine is agnostic to the scheme
// and talks to it only through the Symmetry interface.
package symmetry

import (
	"fmt"
	"slices"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"nrgflow/diag"
	"nrgflow/invar"
	"nrgflow/params"
)

// Dims describes the block structure of a subspace being constructed: the
// dimension contributed by each ancestor combination, 0 where the ancestor
// does not exist or does not couple.
type Dims struct {
	values []int
}

func NewDims(values []int) Dims {
	return Dims{values: slices.Clone(values)}
}

func (r Dims) Combs() int { return len(r.values) }

func (r Dims) Rmax(i int) int { return r.values[i] }

func (r Dims) Exists(i int) bool { return r.values[i] > 0 }

// Offset is the index of combination i's first basis state.
func (r Dims) Offset(i int) int {
	n := 0
	for _, v := range r.values[:i] {
		n += v
	}
	return n
}

// Total is the dimension of the assembled block.
func (r Dims) Total() int {
	n := 0
	for _, v := range r.values {
		n += v
	}
	return n
}

func (r Dims) Values() []int { return slices.Clone(r.values) }

// Symmetry is the contract a quantum-number scheme provides to the engine.
type Symmetry interface {
	Name() string

	// NrCombs is the number of ancestor combinations when one chain site is
	// appended, i.e. the dimension of the site's local state space.
	NrCombs() int

	// Mult is the degeneracy weight of a subspace.
	Mult(i invar.Invar) int

	// Allowed filters candidate labels produced by NewSubspaces.
	Allowed(i invar.Invar) bool

	// NewSubspaces enumerates the labels reachable from i by adding one site.
	NewSubspaces(i invar.Invar) []invar.Invar

	// Ancestors lists, per combination, the previous-shell label contributing
	// to i. The slice has length NrCombs.
	Ancestors(i invar.Invar) []invar.Invar

	// Couples reports whether ancestor anc contributes to i through
	// combination comb.
	Couples(i, anc invar.Invar, comb int) bool

	// InitialStates returns the spectra of the uncoupled starting Hamiltonian,
	// rescaled to the first shell's units.
	InitialStates() diag.DiagInfo

	// AssembleMatrix adds the site-coupling terms to the block Hamiltonian h,
	// whose diagonal already carries the rescaled ancestor energies. shell is
	// the index of the site being added.
	AssembleMatrix(h *mat.SymDense, dims Dims, i invar.Invar, anc []invar.Invar, shell int, scale float64) error

	// Recalc rebuilds the chain-operator matrix elements in the shell's
	// truncated eigenbasis, in preparation for the next shell's assembly.
	Recalc(d diag.DiagInfo, ledger map[invar.Invar]Dims) error

	// RotateAndEmbed projects the density-matrix block rho of a descendant
	// subspace onto ancestor anc through combination comb, using the kept
	// eigenvector block u: the result is u^T rho u times the multiplicity
	// ratio mult(i)/mult(anc).
	RotateAndEmbed(i, anc invar.Invar, comb int, rho mat.Matrix, u mat.Matrix) *mat.Dense
}

type factory func(p params.Params) (Symmetry, error)

var registry = map[string]factory{}

// Register installs a scheme constructor under the given name.
func Register(name string, f factory) {
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("duplicate %q", name))
	}
	registry[name] = f
}

// New instantiates the scheme selected by the configuration.
func New(p params.Params) (Symmetry, error) {
	f, ok := registry[p.SymType]
	if !ok {
		names := make([]string, 0, len(registry))
		for n := range registry {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, errors.Errorf("unknown symmetry %q, have %v", p.SymType, names)
	}
	sym, err := f(p)
	if err != nil {
		return nil, errors.Wrap(err, p.SymType)
	}
	return sym, nil
}

// abelian provides the RotateAndEmbed shared by schemes whose labels carry no
// internal degeneracy beyond Mult.
type abelian struct{}

func (abelian) rotateAndEmbed(factor float64, rho mat.Matrix, u mat.Matrix) *mat.Dense {
	rows, _ := rho.Dims()
	_, width := u.Dims()
	tmp := mat.NewDense(rows, width, nil)
	tmp.Mul(rho, u)
	out := mat.NewDense(width, width, nil)
	out.Mul(u.T(), tmp)
	if factor != 1 {
		out.Scale(factor, out)
	}
	return out
}
