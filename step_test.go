package nrgflow

import (
	"math"
	"testing"

	"nrgflow/params"
)

func TestStepAdvance(t *testing.T) {
	t.Parallel()
	p := params.Default()
	p.Ninit, p.Nmax = 0, 3
	s := NewStep(p, Forward)
	if s.TrueN() != 0 || s.Last() || s.End() {
		t.Fatalf("%d %v %v", s.TrueN(), s.Last(), s.End())
	}
	s.Advance()
	s.Advance()
	if s.TrueN() != 2 || !s.Last() || s.End() {
		t.Fatalf("%d %v %v", s.TrueN(), s.Last(), s.End())
	}
	s.Advance()
	if !s.End() {
		t.Fatalf("expected end")
	}
	if s.RunType() != Forward || s.RunType().String() != "forward" {
		t.Fatalf("%v", s.RunType())
	}
}

func TestStepZeroBandwidth(t *testing.T) {
	t.Parallel()
	p := params.Default()
	p.Ninit, p.Nmax = 0, 0
	s := NewStep(p, Backward)
	if !s.Last() || s.End() {
		t.Fatalf("%v %v", s.Last(), s.End())
	}
	s.Advance()
	if !s.End() {
		t.Fatalf("expected end")
	}
}

func TestStepScale(t *testing.T) {
	t.Parallel()
	p := params.Default()
	p.Lambda = 3
	s := NewStep(p, Forward)
	s0 := s.Scale()
	s.Advance()
	if r := s0 / s.Scale(); math.Abs(r-math.Sqrt(3)) > 1e-12 {
		t.Fatalf("%f, expected %f", r, math.Sqrt(3))
	}
}

func TestStepKeepAll(t *testing.T) {
	t.Parallel()
	p := params.Default()
	p.Nmax = 2
	p.KeepAllLast = true
	s := NewStep(p, Forward)
	if s.KeepAll() {
		t.Fatalf("keepall before last shell")
	}
	s.Advance()
	if !s.KeepAll() {
		t.Fatalf("expected keepall at last shell")
	}
}
