// Package invar defines the labels of invariant subspaces.
//
// An Invar is a tuple of conserved quantum numbers, for example (Q, 2Sz).
// Values are immutable, totally ordered, and usable as map keys.
package invar

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// MaxQN is the maximum number of quantum numbers in a label.
const MaxQN = 3

type Invar struct {
	n  int
	qn [MaxQN]int
}

func New(qn ...int) Invar {
	if len(qn) == 0 || len(qn) > MaxQN {
		panic(fmt.Sprintf("%d", len(qn)))
	}
	i := Invar{n: len(qn)}
	copy(i.qn[:], qn)
	return i
}

// Len returns the number of quantum numbers.
func (i Invar) Len() int { return i.n }

// Get returns the k-th quantum number.
func (i Invar) Get(k int) int {
	if k < 0 || k >= i.n {
		panic(fmt.Sprintf("%d %d", k, i.n))
	}
	return i.qn[k]
}

// Add returns the componentwise sum of two labels.
func (i Invar) Add(j Invar) Invar {
	if i.n != j.n {
		panic(fmt.Sprintf("%d %d", i.n, j.n))
	}
	s := Invar{n: i.n}
	for k := 0; k < i.n; k++ {
		s.qn[k] = i.qn[k] + j.qn[k]
	}
	return s
}

// Sub returns the componentwise difference of two labels.
func (i Invar) Sub(j Invar) Invar {
	if i.n != j.n {
		panic(fmt.Sprintf("%d %d", i.n, j.n))
	}
	s := Invar{n: i.n}
	for k := 0; k < i.n; k++ {
		s.qn[k] = i.qn[k] - j.qn[k]
	}
	return s
}

// Compare orders labels lexicographically.
func Compare(a, b Invar) int {
	if c := cmp.Compare(a.n, b.n); c != 0 {
		return c
	}
	for k := 0; k < a.n; k++ {
		if c := cmp.Compare(a.qn[k], b.qn[k]); c != 0 {
			return c
		}
	}
	return 0
}

func (i Invar) String() string {
	ss := make([]string, 0, i.n)
	for k := 0; k < i.n; k++ {
		ss = append(ss, strconv.Itoa(i.qn[k]))
	}
	return "(" + strings.Join(ss, ",") + ")"
}

// Parse is the inverse of String.
func Parse(s string) (Invar, error) {
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	parts := strings.Split(s, ",")
	if len(parts) == 0 || len(parts) > MaxQN {
		return Invar{}, fmt.Errorf("%q", s)
	}
	qn := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Invar{}, fmt.Errorf("%q: %v", s, err)
		}
		qn = append(qn, v)
	}
	return New(qn...), nil
}
