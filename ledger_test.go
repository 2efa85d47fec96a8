package nrgflow

import (
	"math"
	"testing"

	"nrgflow/invar"
	"nrgflow/params"
	"nrgflow/symmetry"
)

func TestBuildLedgerU1(t *testing.T) {
	t.Parallel()
	p := params.Default()
	p.SymType = "U1"
	sym, err := symmetry.New(p)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	prev := sym.InitialStates()

	l := BuildLedger(sym, prev)
	subs := l.Subspaces()
	if len(subs) != 3 {
		t.Fatalf("%v", subs)
	}
	wantDims := map[invar.Invar][]int{
		invar.New(0): {1, 0},
		invar.New(1): {1, 1},
		invar.New(2): {0, 1},
	}
	for label, want := range wantDims {
		dims, ok := l.Dims(label)
		if !ok {
			t.Fatalf("%v missing", label)
		}
		for c := range want {
			if dims.Rmax(c) != want[c] {
				t.Fatalf("%v: %v, expected %v", label, dims.Values(), want)
			}
		}
	}
}

func TestLedgerTasks(t *testing.T) {
	t.Parallel()
	p := params.Default()
	p.SymType = "U1"
	p.Eps = 0.1
	sym, err := symmetry.New(p)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	prev := sym.InitialStates()
	step := NewStep(p, Forward)

	l := BuildLedger(sym, prev)
	tasks, err := l.Tasks(prev, step)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("%d tasks", len(tasks))
	}

	byLabel := map[invar.Invar]int{}
	for k, task := range tasks {
		byLabel[task.Label] = k
	}
	// The mixed subspace is 2-dim and couples its two ancestors.
	h := tasks[byLabel[invar.New(1)]].Matrix
	if n, _ := h.Dims(); n != 2 {
		t.Fatalf("%d, expected 2", n)
	}
	if h.At(0, 1) == 0 {
		t.Fatalf("no coupling")
	}
	// The block diagonal carries the rescaled ancestor energies.
	rescale := p.Scale(step.TrueN()) / step.Scale()
	wantDiag := prev[invar.New(1)].ValueZero[0] * rescale
	if math.Abs(h.At(0, 0)-wantDiag) > 1e-12 {
		t.Fatalf("%g, expected %g", h.At(0, 0), wantDiag)
	}

	// Pure blocks are diagonal-only.
	h0 := tasks[byLabel[invar.New(0)]].Matrix
	if n, _ := h0.Dims(); n != 1 {
		t.Fatalf("%d, expected 1", n)
	}
}

func TestLedgerDropsEmptyBlocks(t *testing.T) {
	t.Parallel()
	p := params.Default()
	p.SymType = "U1"
	sym, err := symmetry.New(p)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	prev := sym.InitialStates()
	l := BuildLedger(sym, prev)
	// Charge -1 is inadmissible and charge 3 is unreachable: neither may
	// appear.
	if _, ok := l.Dims(invar.New(-1)); ok {
		t.Fatalf("inadmissible label present")
	}
	if _, ok := l.Dims(invar.New(3)); ok {
		t.Fatalf("unreachable label present")
	}
}
