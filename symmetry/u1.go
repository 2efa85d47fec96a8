package symmetry

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"nrgflow/diag"
	"nrgflow/invar"
	"nrgflow/params"
)

func init() {
	Register("U1", func(p params.Params) (Symmetry, error) { return newU1(p), nil })
}

// u1 conserves total charge Q. The model is a spinless resonant level
// hybridized with a flat conduction band, mapped onto the standard
// logarithmic chain. Labels are (Q), Q >= 0.
type u1 struct {
	abelian
	p params.Params

	// fdag holds the chain-operator matrix elements <I+1,s|f†|I,s'> in the
	// previous shell's truncated eigenbasis, keyed by {descendant, ancestor}.
	fdag map[[2]invar.Invar]*mat.Dense
}

func newU1(p params.Params) *u1 {
	u := &u1{p: p, fdag: map[[2]invar.Invar]*mat.Dense{}}
	// The impurity creation operator d† in the H_0 eigenbasis.
	u.fdag[[2]invar.Invar{invar.New(1), invar.New(0)}] = denseOf([][]float64{{1}})
	return u
}

func (u *u1) Name() string { return "U1" }

// NrCombs is 2: the added site is either empty or occupied.
func (u *u1) NrCombs() int { return 2 }

func (u *u1) Mult(i invar.Invar) int { return 1 }

func (u *u1) Allowed(i invar.Invar) bool { return i.Get(0) >= 0 }

func (u *u1) NewSubspaces(i invar.Invar) []invar.Invar {
	q := i.Get(0)
	return []invar.Invar{invar.New(q), invar.New(q + 1)}
}

func (u *u1) Ancestors(i invar.Invar) []invar.Invar {
	q := i.Get(0)
	return []invar.Invar{invar.New(q), invar.New(q - 1)}
}

func (u *u1) Couples(i, anc invar.Invar, comb int) bool {
	return u.Allowed(anc)
}

func (u *u1) InitialStates() diag.DiagInfo {
	scale := u.p.Scale(u.p.Ninit)
	e0, e1 := 0.0, u.p.Eps
	egs := math.Min(e0, e1)
	d := diag.DiagInfo{
		invar.New(0): diag.Diagonal([]float64{(e0 - egs) / scale}),
		invar.New(1): diag.Diagonal([]float64{(e1 - egs) / scale}),
	}
	return d
}

// Hopping is the chain coefficient t_n in absolute units: the hybridization
// matrix element for n == 0, and the flat-band Wilson coefficients otherwise.
func (u *u1) Hopping(n int) float64 {
	if n == 0 {
		return math.Sqrt(2 * u.p.Gamma / math.Pi)
	}
	m := float64(n - 1)
	lam := u.p.Lambda
	num := (1 + 1/lam) * (1 - math.Pow(lam, -m-1))
	den := 2 * math.Sqrt((1-math.Pow(lam, -2*m-1))*(1-math.Pow(lam, -2*m-3)))
	return num / den * math.Pow(lam, -m/2)
}

func (u *u1) AssembleMatrix(h *mat.SymDense, dims Dims, i invar.Invar, anc []invar.Invar, shell int, scale float64) error {
	if !dims.Exists(0) || !dims.Exists(1) {
		return nil
	}
	f, ok := u.fdag[[2]invar.Invar{anc[0], anc[1]}]
	if !ok {
		return errors.Errorf("missing f† block %v %v", anc[0], anc[1])
	}
	t := u.Hopping(shell) / scale
	// Fermionic sign from anticommuting the new site operator through the
	// ancestor state's particles.
	sign := 1.0
	if anc[1].Get(0)%2 != 0 {
		sign = -1
	}
	r0, r1 := dims.Rmax(0), dims.Rmax(1)
	fr, fc := f.Dims()
	if fr < r0 || fc < r1 {
		return errors.Errorf("%v: f† block %dx%d, need %dx%d", i, fr, fc, r0, r1)
	}
	off0, off1 := dims.Offset(0), dims.Offset(1)
	for r := 0; r < r0; r++ {
		for s := 0; s < r1; s++ {
			h.SetSym(off0+r, off1+s, t*sign*f.At(r, s))
		}
	}
	return nil
}

func (u *u1) Recalc(d diag.DiagInfo, ledger map[invar.Invar]Dims) error {
	next := map[[2]invar.Invar]*mat.Dense{}
	for i1, eig1 := range d {
		i2 := invar.New(i1.Get(0) - 1)
		eig2, ok := d[i2]
		if !ok {
			continue
		}
		dims1, ok1 := ledger[i1]
		dims2, ok2 := ledger[i2]
		if !ok1 || !ok2 {
			return errors.Errorf("missing ledger entry %v %v", i1, i2)
		}
		// The raw f† of the new site connects combination 0 of the ancestor
		// (site empty) to combination 1 of the descendant (site occupied),
		// within the shared previous-shell subspace.
		shared := dims1.Rmax(1)
		if shared == 0 || shared != dims2.Rmax(0) {
			if shared != 0 && dims2.Rmax(0) != 0 {
				return errors.Errorf("%v %v: block mismatch %d %d", i1, i2, shared, dims2.Rmax(0))
			}
			continue
		}
		sign := 1.0
		if i2.Get(0)%2 != 0 {
			sign = -1
		}
		raw := mat.NewDense(dims1.Total(), dims2.Total(), nil)
		off1, off2 := dims1.Offset(1), dims2.Offset(0)
		for r := 0; r < shared; r++ {
			raw.Set(off1+r, off2+r, sign)
		}
		next[[2]invar.Invar{i1, i2}] = rotateOp(eig1.Vectors, raw, eig2.Vectors)
	}
	u.fdag = next
	return nil
}

func (u *u1) RotateAndEmbed(i, anc invar.Invar, comb int, rho mat.Matrix, uvec mat.Matrix) *mat.Dense {
	return u.rotateAndEmbed(1, rho, uvec)
}

// rotateOp transforms a raw operator block into the truncated eigenbases of
// its two subspaces: U1 raw U2^T.
func rotateOp(u1v *mat.Dense, raw *mat.Dense, u2v *mat.Dense) *mat.Dense {
	k1, _ := u1v.Dims()
	k2, _ := u2v.Dims()
	_, c := raw.Dims()
	tmp := mat.NewDense(k1, c, nil)
	tmp.Mul(u1v, raw)
	out := mat.NewDense(k1, k2, nil)
	out.Mul(tmp, u2v.T())
	return out
}

func denseOf(rows [][]float64) *mat.Dense {
	r, c := len(rows), len(rows[0])
	m := mat.NewDense(r, c, nil)
	for i, row := range rows {
		for j, v := range row {
			m.Set(i, j, v)
		}
	}
	return m
}
