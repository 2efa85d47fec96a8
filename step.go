// Package nrgflow drives the iterative diagonalization of a logarithmic
// chain: forward shell-by-shell expansion, scheduling, truncation and
// bookkeeping, and the backward density-matrix passes over the recorded
// history.
package nrgflow

import (
	"nrgflow/params"
)

// RunType selects the pass a step belongs to: the forward pass produces
// eigenspectra, the backward pass consumes them to reconstruct density
// matrices.
type RunType int

const (
	Forward RunType = iota
	Backward
)

func (r RunType) String() string {
	if r == Forward {
		return "forward"
	}
	return "backward"
}

// Step tracks the shell position of a run: the signed "true" shell index
// fixing the energy scale, and the non-negative array index used for storage.
// In zero-bandwidth mode there is a single shell and no site is ever added.
type Step struct {
	p       params.Params
	runType RunType
	ndx     int
}

func NewStep(p params.Params, runType RunType) *Step {
	return &Step{p: p, runType: runType, ndx: p.Ninit}
}

// Ndx is the storage index of the current shell, starting at Ninit.
func (s *Step) Ndx() int { return s.ndx }

// TrueN is the signed shell index on the chain.
func (s *Step) TrueN() int { return s.ndx }

// Scale is the energy unit of the current shell.
func (s *Step) Scale() float64 { return s.p.Scale(s.TrueN() + 1) }

func (s *Step) Advance() { s.ndx++ }

// SkipTo positions the controller at shell n, used when resuming a run.
func (s *Step) SkipTo(n int) { s.ndx = n }

// Last reports whether this is the final shell of the pass.
func (s *Step) Last() bool {
	if s.p.ZBW() {
		return true
	}
	return s.TrueN() >= s.p.Nlen()-1
}

// End reports whether the pass is over.
func (s *Step) End() bool { return s.ndx >= s.p.Nlen() }

func (s *Step) RunType() RunType { return s.runType }

// KeepAll reports whether truncation is suspended at this shell.
func (s *Step) KeepAll() bool { return s.p.KeepAllLast && s.Last() }
