package nrgflow

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"nrgflow/diag"
	"nrgflow/invar"
	"nrgflow/params"
)

func truncStep(mod func(*params.Params)) *Step {
	p := params.Default()
	p.Nmax = 40
	p.KeepAllLast = false
	p.Safeguard = 0
	mod(&p)
	return NewStep(p, Forward)
}

func twoSubspaces() (diag.DiagInfo, func(invar.Invar) int) {
	d := diag.DiagInfo{
		invar.New(0): diag.Diagonal([]float64{0, 0.5, 1.2}),
		invar.New(1): diag.Diagonal([]float64{0.1, 0.9}),
	}
	mult := func(i invar.Invar) int {
		if i.Get(0) == 1 {
			return 2
		}
		return 1
	}
	return d, mult
}

func TestTruncateEnergyThreshold(t *testing.T) {
	t.Parallel()
	d, mult := twoSubspaces()
	step := truncStep(func(p *params.Params) {
		p.KeepEnergy = 0.6
		p.Keep = 1000
	})
	dec, err := Truncate(step, d, mult)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if math.Abs(dec.Emax-0.5) > 1e-12 {
		t.Fatalf("Emax %f, expected 0.5", dec.Emax)
	}
	if dec.Kept[invar.New(0)] != 2 || dec.Kept[invar.New(1)] != 1 {
		t.Fatalf("%v", dec.Kept)
	}
	if dec.NrAll != 7 || dec.NrKept != 4 {
		t.Fatalf("all %d kept %d", dec.NrAll, dec.NrKept)
	}
}

func TestTruncateFixedCount(t *testing.T) {
	t.Parallel()
	d, mult := twoSubspaces()
	step := truncStep(func(p *params.Params) {
		p.Keep = 3
	})
	dec, err := Truncate(step, d, mult)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	// Multiplicity-weighted spectrum: 0, 0.1, 0.1, 0.5, 0.9, 0.9, 1.2.
	if math.Abs(dec.Emax-0.1) > 1e-12 {
		t.Fatalf("Emax %f, expected 0.1", dec.Emax)
	}
	if dec.Kept[invar.New(0)] != 1 || dec.Kept[invar.New(1)] != 1 {
		t.Fatalf("%v", dec.Kept)
	}
}

func TestTruncateSafeguard(t *testing.T) {
	t.Parallel()
	d := diag.DiagInfo{
		invar.New(0): diag.Diagonal([]float64{0, 0.4, 0.400001, 0.400002, 1.0}),
	}
	mult := func(invar.Invar) int { return 1 }
	step := truncStep(func(p *params.Params) {
		p.Keep = 2
		p.Safeguard = 1e-5
		p.SafeguardMax = 100
	})
	dec, err := Truncate(step, d, mult)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	// The cut falls inside the near-degenerate cluster at 0.4 and is moved
	// past it.
	if math.Abs(dec.Emax-0.400002) > 1e-12 {
		t.Fatalf("Emax %f", dec.Emax)
	}
	if dec.Kept[invar.New(0)] != 4 {
		t.Fatalf("%v", dec.Kept)
	}
}

func TestTruncateSafeguardCap(t *testing.T) {
	t.Parallel()
	values := make([]float64, 10)
	for i := 1; i < len(values); i++ {
		values[i] = 0.5 + float64(i)*1e-9
	}
	d := diag.DiagInfo{invar.New(0): diag.Diagonal(values)}
	step := truncStep(func(p *params.Params) {
		p.Keep = 2
		p.Safeguard = 1e-5
		p.SafeguardMax = 3
	})
	dec, err := Truncate(step, d, func(invar.Invar) int { return 1 })
	if err != nil {
		t.Fatalf("%+v", err)
	}
	// The allowance bounds the extension even inside a wider cluster. The
	// inclusive boundary still admits equal-energy states within tolerance.
	if got := dec.Kept[invar.New(0)]; got < 5 || got > 9 {
		t.Fatalf("kept %d", got)
	}
}

func TestTruncateKeepAllLast(t *testing.T) {
	t.Parallel()
	d, mult := twoSubspaces()
	p := params.Default()
	p.Nmax = 5
	p.KeepAllLast = true
	p.Keep = 2
	step := NewStep(p, Forward)
	step.SkipTo(p.Nlen() - 1)
	if !step.Last() {
		t.Fatalf("not last")
	}
	dec, err := Truncate(step, d, mult)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if dec.Kept[invar.New(0)] != 3 || dec.Kept[invar.New(1)] != 2 {
		t.Fatalf("%v", dec.Kept)
	}
}

func TestTruncateInsufficientStates(t *testing.T) {
	t.Parallel()
	h := mat.NewSymDense(4, nil)
	for i, v := range []float64{0, 0.1, 0.2, 5} {
		h.SetSym(i, i, v)
	}
	partial, err := diag.Diagonalize(h, 0.5)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	d := diag.DiagInfo{
		invar.New(0): partial,
		invar.New(1): diag.Diagonal([]float64{0, 0.3}),
	}
	d.SubtractEgs(d.FindGroundState())
	step := truncStep(func(p *params.Params) {
		p.Keep = 10
	})
	_, err = Truncate(step, d, func(invar.Invar) int { return 1 })
	if !errors.Is(err, ErrInsufficientStates) {
		t.Fatalf("%+v, expected ErrInsufficientStates", err)
	}

	// The full spectrum resolves the cutoff: restart idempotence.
	full, err := diag.Diagonalize(h, 1)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	d[invar.New(0)] = full
	d.SubtractEgs(d.FindGroundState())
	dec, err := Truncate(step, d, func(invar.Invar) int { return 1 })
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if dec.NrKept != 6 {
		t.Fatalf("kept %d, expected 6", dec.NrKept)
	}
}

func TestTruncateCutoffAtTopComputed(t *testing.T) {
	t.Parallel()
	// The partially diagonalized block's highest computed state sits exactly
	// at Emax. Uncomputed states cannot lie below it, so the cutoff is
	// confirmed and no restart is needed.
	h := mat.NewSymDense(4, nil)
	for i, v := range []float64{0, 0.5, 5, 7} {
		h.SetSym(i, i, v)
	}
	partial, err := diag.Diagonalize(h, 0.5)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	d := diag.DiagInfo{
		invar.New(0): partial,
		invar.New(1): diag.Diagonal([]float64{0.1}),
	}
	d.SubtractEgs(d.FindGroundState())
	step := truncStep(func(p *params.Params) {
		p.Keep = 3
	})
	dec, err := Truncate(step, d, func(invar.Invar) int { return 1 })
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if math.Abs(dec.Emax-0.5) > 1e-12 {
		t.Fatalf("Emax %f, expected 0.5", dec.Emax)
	}
	if dec.Kept[invar.New(0)] != 2 || dec.Kept[invar.New(1)] != 1 {
		t.Fatalf("%v", dec.Kept)
	}
	if dec.NrKept != 3 {
		t.Fatalf("kept %d, expected 3", dec.NrKept)
	}
}

func TestTruncateMonotonicity(t *testing.T) {
	t.Parallel()
	d, mult := twoSubspaces()
	step := truncStep(func(p *params.Params) { p.KeepEnergy = 0.6; p.Keep = 1000 })
	dec, err := Truncate(step, d, mult)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	dec.Apply(d)
	for i, eig := range d {
		if eig.NrKept() > eig.NrStored() || eig.NrStored() > eig.NrComputed() {
			t.Fatalf("%v: kept %d stored %d computed %d", i, eig.NrKept(), eig.NrStored(), eig.NrComputed())
		}
		for k, e := range eig.ValueZero {
			if k < eig.NrKept() && e > dec.Emax+1e-9 {
				t.Fatalf("%v: kept state %d above Emax", i, k)
			}
			if k >= eig.NrKept() && e <= dec.Emax-1e-9 {
				t.Fatalf("%v: discarded state %d below Emax", i, k)
			}
		}
	}
}
