// Package accum provides the extended-precision summation used by the
// full-density-matrix weights. Partition-function terms across hundreds of
// shells span many orders of magnitude, and plain float64 accumulation loses
// several significant digits to cancellation. Sums are therefore carried in
// 256-bit floats and converted back to float64 only for final ratios.
package accum

import (
	"math"
	"math/big"
)

const prec = 256

// Sum is a running extended-precision total. The zero value is not usable;
// construct with New.
type Sum struct {
	v *big.Float
}

func New() *Sum {
	return &Sum{v: big.NewFloat(0).SetPrec(prec)}
}

// Add folds x into the total.
func (s *Sum) Add(x float64) {
	s.v.Add(s.v, big.NewFloat(x).SetPrec(prec))
}

// AddProd folds x*y into the total, with the product formed at full
// precision.
func (s *Sum) AddProd(x, y float64) {
	t := big.NewFloat(x).SetPrec(prec)
	t.Mul(t, big.NewFloat(y).SetPrec(prec))
	s.v.Add(s.v, t)
}

// Mul scales the total by x.
func (s *Sum) Mul(x float64) {
	s.v.Mul(s.v, big.NewFloat(x).SetPrec(prec))
}

// AddSum folds another total into this one.
func (s *Sum) AddSum(o *Sum) {
	s.v.Add(s.v, o.v)
}

// Div returns s/o as float64.
func (s *Sum) Div(o *Sum) float64 {
	q := new(big.Float).SetPrec(prec).Quo(s.v, o.v)
	f, _ := q.Float64()
	return f
}

// Float64 rounds the total to double precision.
func (s *Sum) Float64() float64 {
	f, _ := s.v.Float64()
	return f
}

// Sign is -1, 0 or +1.
func (s *Sum) Sign() int { return s.v.Sign() }

// Clone returns an independent copy of the total.
func (s *Sum) Clone() *Sum {
	return &Sum{v: new(big.Float).SetPrec(prec).Set(s.v)}
}

// Log returns the natural logarithm of the total as float64. The total may
// exceed the float64 range; the logarithm is taken from the mantissa and the
// binary exponent separately. The total must be positive.
func (s *Sum) Log() float64 {
	m := new(big.Float).SetPrec(prec)
	exp := s.v.MantExp(m)
	mf, _ := m.Float64()
	return math.Log(mf) + math.Ln2*float64(exp)
}
