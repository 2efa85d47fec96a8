package dm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"nrgflow/diag"
	"nrgflow/history"
	"nrgflow/invar"
	"nrgflow/params"
	"nrgflow/symmetry"
)

// chainSym is a minimal two-combination scheme for exercising the backward
// passes against hand-computed numbers: labels are plain charges, one site
// adds 0 or 1.
type chainSym struct{}

func (chainSym) Name() string             { return "chain" }
func (chainSym) NrCombs() int             { return 2 }
func (chainSym) Mult(invar.Invar) int     { return 1 }
func (chainSym) Allowed(invar.Invar) bool { return true }

func (chainSym) NewSubspaces(i invar.Invar) []invar.Invar {
	q := i.Get(0)
	return []invar.Invar{invar.New(q), invar.New(q + 1)}
}

func (chainSym) Ancestors(i invar.Invar) []invar.Invar {
	q := i.Get(0)
	return []invar.Invar{invar.New(q), invar.New(q - 1)}
}

func (chainSym) Couples(i, anc invar.Invar, comb int) bool { return true }

func (chainSym) InitialStates() diag.DiagInfo { return nil }

func (chainSym) AssembleMatrix(h *mat.SymDense, dims symmetry.Dims, i invar.Invar, anc []invar.Invar, shell int, scale float64) error {
	return nil
}

func (chainSym) Recalc(d diag.DiagInfo, ledger map[invar.Invar]symmetry.Dims) error { return nil }

func (chainSym) RotateAndEmbed(i, anc invar.Invar, comb int, rho mat.Matrix, u mat.Matrix) *mat.Dense {
	_, w := u.Dims()
	out := mat.NewDense(w, w, nil)
	out.Product(u.T(), rho, u)
	return out
}

// testHistory writes a two-shell history: shell 0 keeps 1 of 2 stored states
// in label (0), shell 1 stores a single state built from the kept one.
func testHistory(t *testing.T) *history.Store {
	st, err := history.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	a := invar.New(0)
	require.NoError(t, st.Put(0, history.Shell{a: {
		Kept: 1, Stored: 2, Dims: []int{2, 0},
		Values: []float64{0, 0.2},
		Abs:    []float64{0, 0.2},
		AbsG:   []float64{0, 0.2},
		AbsN:   []float64{0, 0.2},
	}}))
	require.NoError(t, st.Put(1, history.Shell{a: {
		Kept: 1, Stored: 1, Dims: []int{1, 0},
		Values: []float64{0},
		Abs:    []float64{0},
		AbsG:   []float64{0},
		AbsN:   []float64{0},
	}}))

	u0 := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	require.NoError(t, st.SaveBlocks(KindUnitary, 0, map[invar.Invar]*mat.Dense{a: u0}))
	u1 := mat.NewDense(1, 1, []float64{1})
	require.NoError(t, st.SaveBlocks(KindUnitary, 1, map[invar.Invar]*mat.Dense{a: u1}))
	return st
}

func testReconstructor(t *testing.T) *Reconstructor {
	p := params.Default()
	p.T = 1
	p.BetaBar = 1
	return &Reconstructor{P: p, Sym: chainSym{}, Hist: testHistory(t)}
}

func TestCalcDensityMatrix(t *testing.T) {
	t.Parallel()
	r := testReconstructor(t)
	require.NoError(t, r.CalcDensityMatrix())

	a := invar.New(0)
	for n := 0; n < 2; n++ {
		rho, err := r.Hist.LoadBlocks(KindRho, n)
		require.NoError(t, err)
		require.Contains(t, rho, a)
		// A single kept state at both shells: the density matrix is the
		// scalar 1.
		require.Equal(t, []int{1, 1}, dimsOf(rho[a]))
		require.InDelta(t, 1, rho[a].At(0, 0), 1e-12)
	}
}

func TestCalcWeights(t *testing.T) {
	t.Parallel()
	r := testReconstructor(t)
	w, err := r.CalcWeights()
	require.NoError(t, err)

	// Shell 0 discards one state at energy 0.2, shell 1 counts its single
	// state as discarded at energy 0. One untraversed site doubles shell 0's
	// environment.
	zzg := 2*math.Exp(-0.2) + 1
	require.Equal(t, []int{0, 1}, w.Shells)
	require.InDelta(t, 2*math.Exp(-0.2)/zzg, w.W[0], 1e-12)
	require.InDelta(t, 1/zzg, w.W[1], 1e-12)
	require.InDelta(t, 1, w.W[0]+w.W[1], 1e-12)
	require.InDelta(t, math.Exp(-0.2), w.ZnDN[0], 1e-12)
	require.InDelta(t, 1, w.ZnDN[1], 1e-12)
	require.InDelta(t, math.Log(zzg), w.ZZG.Log(), 1e-12)
}

func TestCalcFullDensityMatrix(t *testing.T) {
	t.Parallel()
	r := testReconstructor(t)
	w, err := r.CalcWeights()
	require.NoError(t, err)
	require.NoError(t, r.CalcFullDensityMatrix(w))

	a := invar.New(0)
	rho1, err := r.Hist.LoadBlocks(KindRhoFDM, 1)
	require.NoError(t, err)
	require.InDelta(t, w.W[1], rho1[a].At(0, 0), 1e-12)

	// Shell 0: the propagated weight sits on the kept state, the discarded
	// state carries its own shell's weight. Total trace 1.
	rho0, err := r.Hist.LoadBlocks(KindRhoFDM, 0)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, dimsOf(rho0[a]))
	require.InDelta(t, w.W[1], rho0[a].At(0, 0), 1e-12)
	require.InDelta(t, w.W[0], rho0[a].At(1, 1), 1e-12)
	require.InDelta(t, 0, rho0[a].At(0, 1), 1e-12)
	require.InDelta(t, 1, mat.Trace(rho0[a]), 1e-12)
}

func TestThermodynamics(t *testing.T) {
	t.Parallel()
	r := testReconstructor(t)
	w, err := r.CalcWeights()
	require.NoError(t, err)
	th, err := r.Thermodynamics(w)
	require.NoError(t, err)

	zzg := 2*math.Exp(-0.2) + 1
	wantE := w.W[0] * 0.2
	require.InDelta(t, wantE, th.E, 1e-12)
	require.InDelta(t, -math.Log(zzg), th.F, 1e-12)
	require.InDelta(t, w.W[0]*0.04-wantE*wantE, th.C, 1e-12)
	require.InDelta(t, th.E-th.F, th.S, 1e-12)
}

func dimsOf(m *mat.Dense) []int {
	r, c := m.Dims()
	return []int{r, c}
}
