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
	Register("QSZ", func(p params.Params) (Symmetry, error) { return newQSZ(p), nil })
}

// qsz conserves total charge Q and the spin projection 2Sz. The model is a
// single Anderson impurity in a flat band. Labels are (Q, 2Sz) with Q >= 0
// and Q + 2Sz even.
type qsz struct {
	abelian
	p params.Params

	// fdagUp and fdagDn are the spin-resolved chain-operator blocks
	// <I+q_sigma,s|f†_sigma|I,s'>, keyed by {descendant, ancestor}.
	fdagUp map[[2]invar.Invar]*mat.Dense
	fdagDn map[[2]invar.Invar]*mat.Dense
}

// The four site states, indexed by combination: empty, up, down, double.
var siteQN = []invar.Invar{
	invar.New(0, 0),
	invar.New(1, 1),
	invar.New(1, -1),
	invar.New(2, 0),
}

// hopPairs lists the site transitions induced by the hopping term: from the
// combination with fewer site particles to the one with more, the spin moved,
// and the site matrix element including the on-site fermionic sign.
var hopPairs = []struct {
	a, b int
	up   bool
	c    float64
}{
	{a: 0, b: 1, up: true, c: 1},
	{a: 0, b: 2, up: false, c: 1},
	{a: 2, b: 3, up: true, c: 1},
	{a: 1, b: 3, up: false, c: -1},
}

func newQSZ(p params.Params) *qsz {
	q := &qsz{p: p, fdagUp: map[[2]invar.Invar]*mat.Dense{}, fdagDn: map[[2]invar.Invar]*mat.Dense{}}
	one := func() *mat.Dense { return denseOf([][]float64{{1}}) }
	neg := func() *mat.Dense { return denseOf([][]float64{{-1}}) }
	q.fdagUp[[2]invar.Invar{invar.New(1, 1), invar.New(0, 0)}] = one()
	q.fdagUp[[2]invar.Invar{invar.New(2, 0), invar.New(1, -1)}] = one()
	q.fdagDn[[2]invar.Invar{invar.New(1, -1), invar.New(0, 0)}] = one()
	q.fdagDn[[2]invar.Invar{invar.New(2, 0), invar.New(1, 1)}] = neg()
	return q
}

func (q *qsz) Name() string { return "QSZ" }

func (q *qsz) NrCombs() int { return 4 }

func (q *qsz) Mult(i invar.Invar) int { return 1 }

func (q *qsz) Allowed(i invar.Invar) bool {
	qq, sz := i.Get(0), i.Get(1)
	if qq < 0 {
		return false
	}
	if sz < -qq || sz > qq {
		return false
	}
	return (qq+sz)%2 == 0
}

func (q *qsz) NewSubspaces(i invar.Invar) []invar.Invar {
	out := make([]invar.Invar, 0, len(siteQN))
	for _, s := range siteQN {
		out = append(out, i.Add(s))
	}
	return out
}

func (q *qsz) Ancestors(i invar.Invar) []invar.Invar {
	out := make([]invar.Invar, 0, len(siteQN))
	for _, s := range siteQN {
		out = append(out, i.Sub(s))
	}
	return out
}

func (q *qsz) Couples(i, anc invar.Invar, comb int) bool {
	return q.Allowed(anc)
}

func (q *qsz) InitialStates() diag.DiagInfo {
	scale := q.p.Scale(q.p.Ninit)
	energies := []float64{0, q.p.Eps, q.p.Eps, 2*q.p.Eps + q.p.U}
	egs := math.Inf(1)
	for _, e := range energies {
		egs = math.Min(egs, e)
	}
	d := diag.DiagInfo{}
	for k, s := range siteQN {
		d[s] = diag.Diagonal([]float64{(energies[k] - egs) / scale})
	}
	return d
}

// Hopping is the chain coefficient t_n in absolute units, identical for both
// spin directions.
func (q *qsz) Hopping(n int) float64 {
	if n == 0 {
		return math.Sqrt(2 * q.p.Gamma / math.Pi)
	}
	m := float64(n - 1)
	lam := q.p.Lambda
	num := (1 + 1/lam) * (1 - math.Pow(lam, -m-1))
	den := 2 * math.Sqrt((1-math.Pow(lam, -2*m-1))*(1-math.Pow(lam, -2*m-3)))
	return num / den * math.Pow(lam, -m/2)
}

func (q *qsz) fdag(up bool) map[[2]invar.Invar]*mat.Dense {
	if up {
		return q.fdagUp
	}
	return q.fdagDn
}

func (q *qsz) AssembleMatrix(h *mat.SymDense, dims Dims, i invar.Invar, anc []invar.Invar, shell int, scale float64) error {
	t := q.Hopping(shell) / scale
	for _, hp := range hopPairs {
		if !dims.Exists(hp.a) || !dims.Exists(hp.b) {
			continue
		}
		f, ok := q.fdag(hp.up)[[2]invar.Invar{anc[hp.a], anc[hp.b]}]
		if !ok {
			return errors.Errorf("%v: missing f† block %v %v", i, anc[hp.a], anc[hp.b])
		}
		sign := 1.0
		if anc[hp.b].Get(0)%2 != 0 {
			sign = -1
		}
		ra, rb := dims.Rmax(hp.a), dims.Rmax(hp.b)
		fr, fc := f.Dims()
		if fr < ra || fc < rb {
			return errors.Errorf("%v: f† block %dx%d, need %dx%d", i, fr, fc, ra, rb)
		}
		offa, offb := dims.Offset(hp.a), dims.Offset(hp.b)
		for r := 0; r < ra; r++ {
			for s := 0; s < rb; s++ {
				h.SetSym(offa+r, offb+s, h.At(offa+r, offb+s)+t*hp.c*sign*f.At(r, s))
			}
		}
	}
	return nil
}

// recalcPairs lists, per spin, the site transitions realizing the new f†
// operator: ancestor combination of the lower subspace, descendant
// combination of the upper one, and the site matrix element.
var recalcPairs = map[bool][]struct {
	from, to int
	c        float64
}{
	true:  {{from: 0, to: 1, c: 1}, {from: 2, to: 3, c: 1}},
	false: {{from: 0, to: 2, c: 1}, {from: 1, to: 3, c: -1}},
}

func (q *qsz) Recalc(d diag.DiagInfo, ledger map[invar.Invar]Dims) error {
	for _, up := range []bool{true, false} {
		dq := invar.New(1, 1)
		if !up {
			dq = invar.New(1, -1)
		}
		next := map[[2]invar.Invar]*mat.Dense{}
		for i1, eig1 := range d {
			i2 := i1.Sub(dq)
			eig2, ok := d[i2]
			if !ok {
				continue
			}
			dims1, ok1 := ledger[i1]
			dims2, ok2 := ledger[i2]
			if !ok1 || !ok2 {
				return errors.Errorf("missing ledger entry %v %v", i1, i2)
			}
			raw := mat.NewDense(dims1.Total(), dims2.Total(), nil)
			filled := false
			for _, rp := range recalcPairs[up] {
				shared := dims1.Rmax(rp.to)
				if shared == 0 || shared != dims2.Rmax(rp.from) {
					continue
				}
				anc := q.Ancestors(i2)[rp.from]
				sign := 1.0
				if anc.Get(0)%2 != 0 {
					sign = -1
				}
				off1, off2 := dims1.Offset(rp.to), dims2.Offset(rp.from)
				for r := 0; r < shared; r++ {
					raw.Set(off1+r, off2+r, rp.c*sign)
				}
				filled = true
			}
			if !filled {
				continue
			}
			next[[2]invar.Invar{i1, i2}] = rotateOp(eig1.Vectors, raw, eig2.Vectors)
		}
		if up {
			q.fdagUp = next
		} else {
			q.fdagDn = next
		}
	}
	return nil
}

func (q *qsz) RotateAndEmbed(i, anc invar.Invar, comb int, rho mat.Matrix, uvec mat.Matrix) *mat.Dense {
	return q.rotateAndEmbed(1, rho, uvec)
}
