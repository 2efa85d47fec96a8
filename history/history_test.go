package history

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"nrgflow/invar"
)

func testShell() Shell {
	return Shell{
		invar.New(0): {
			Kept: 2, Stored: 3, Dims: []int{2, 1},
			Values: []float64{0, 0.4, 1.1},
			Abs:    []float64{-2, -1.6, -0.9},
			AbsG:   []float64{0, 0.4, 1.1},
			AbsN:   []float64{0, 0.4, 1.1},
		},
		invar.New(1): {
			Kept: 1, Stored: 2, Dims: []int{1, 1},
			Values: []float64{0.2, 0.8},
			Abs:    []float64{-1.8, -1.2},
			AbsG:   []float64{0.2, 0.8},
			AbsN:   []float64{0.2, 0.8},
		},
	}
}

func TestPutResume(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if s.RunID() == "" {
		t.Fatalf("empty run id")
	}
	if err := s.Put(0, testShell()); err != nil {
		t.Fatalf("%+v", err)
	}
	if err := s.Put(1, testShell()); err != nil {
		t.Fatalf("%+v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("%+v", err)
	}

	r, err := Resume(dir)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer r.Close()
	if r.RunID() != s.RunID() {
		t.Fatalf("%s, expected %s", r.RunID(), s.RunID())
	}
	if got := r.Shells(); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("%v", got)
	}
	if r.LastShell() != 1 {
		t.Fatalf("%d", r.LastShell())
	}

	shell, ok := r.Shell(1)
	if !ok {
		t.Fatalf("shell 1 missing")
	}
	want := testShell()
	for _, label := range want.Subspaces() {
		rec, ok := shell[label]
		if !ok {
			t.Fatalf("%v missing", label)
		}
		w := want[label]
		if rec.Kept != w.Kept || rec.Stored != w.Stored {
			t.Fatalf("%v: %d %d, expected %d %d", label, rec.Kept, rec.Stored, w.Kept, w.Stored)
		}
		for i := range w.Dims {
			if rec.Dims[i] != w.Dims[i] {
				t.Fatalf("%v dims %v, expected %v", label, rec.Dims, w.Dims)
			}
		}
		for i := range w.Values {
			if math.Abs(rec.Values[i]-w.Values[i]) > 1e-12 || math.Abs(rec.Abs[i]-w.Abs[i]) > 1e-12 {
				t.Fatalf("%v state %d: %f %f", label, i, rec.Values[i], rec.Abs[i])
			}
		}
	}
}

func TestPutOverwrite(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer s.Close()
	if err := s.Put(0, testShell()); err != nil {
		t.Fatalf("%+v", err)
	}
	smaller := Shell{
		invar.New(0): {Kept: 1, Stored: 1, Dims: []int{1}, Values: []float64{0}, Abs: []float64{0}, AbsG: []float64{0}, AbsN: []float64{0}},
	}
	if err := s.Put(0, smaller); err != nil {
		t.Fatalf("%+v", err)
	}
	shell, _ := s.Shell(0)
	if len(shell) != 1 {
		t.Fatalf("%d subspaces, expected 1", len(shell))
	}
}

func TestBlocksRoundtrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer s.Close()

	blocks := map[invar.Invar]*mat.Dense{
		invar.New(0):    mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6}),
		invar.New(1, 1): mat.NewDense(1, 1, []float64{-0.5}),
	}
	if s.HasBlocks("unitary", 4) {
		t.Fatalf("unexpected checkpoint")
	}
	if err := s.SaveBlocks("unitary", 4, blocks); err != nil {
		t.Fatalf("%+v", err)
	}
	if !s.HasBlocks("unitary", 4) {
		t.Fatalf("checkpoint missing")
	}

	got, err := s.LoadBlocks("unitary", 4)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if len(got) != len(blocks) {
		t.Fatalf("%d blocks, expected %d", len(got), len(blocks))
	}
	for label, want := range blocks {
		g, ok := got[label]
		if !ok {
			t.Fatalf("%v missing", label)
		}
		if !mat.EqualApprox(g, want, 1e-15) {
			t.Fatalf("%v differs", label)
		}
	}

	if _, err := s.LoadBlocks("unitary", 5); err == nil {
		t.Fatalf("expected error for missing shell")
	}
}

func TestShellSubspacesSorted(t *testing.T) {
	t.Parallel()
	shell := testShell()
	labels := shell.Subspaces()
	if len(labels) != 2 || invar.Compare(labels[0], labels[1]) >= 0 {
		t.Fatalf("%v", labels)
	}
}
