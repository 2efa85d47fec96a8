// Package sched distributes per-subspace diagonalization tasks across compute
// units. Tasks within a shell are independent; the caller provides the work
// function and consumes a complete result map. Two strategies are available:
// a shared-memory worker pool and a coordinator/worker split modeled on
// message-passing deployments.
package sched

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"nrgflow/diag"
	"nrgflow/invar"
)

// Task is one subspace diagonalization job. The matrix is fully assembled
// before scheduling.
type Task struct {
	Label  invar.Invar
	Matrix *mat.SymDense
}

func (t Task) Dim() int {
	n, _ := t.Matrix.Dims()
	return n
}

// Work computes the eigensolution of a single task.
type Work func(Task) (*diag.Eigen, error)

// Scheduler runs a shell's task set to completion. The returned map holds
// exactly one entry per task; completion order is unspecified.
type Scheduler interface {
	Run(ctx context.Context, tasks []Task, work Work) (diag.DiagInfo, error)
}

// New selects a strategy by name.
func New(mode string, workers int) (Scheduler, error) {
	if workers < 1 {
		workers = 1
	}
	switch mode {
	case "pool":
		return &pool{workers: workers}, nil
	case "coord":
		return &coord{workers: workers}, nil
	default:
		return nil, errors.Errorf("unknown scheduler mode %q", mode)
	}
}

// sortDesc orders tasks by dimension, largest first, so heavy jobs are
// dispatched before the bag drains. Ties break on the label for determinism.
func sortDesc(tasks []Task) []Task {
	sorted := make([]Task, len(tasks))
	copy(sorted, tasks)
	sort.Slice(sorted, func(i, j int) bool {
		di, dj := sorted[i].Dim(), sorted[j].Dim()
		if di != dj {
			return di > dj
		}
		return invar.Compare(sorted[i].Label, sorted[j].Label) < 0
	})
	return sorted
}

// pool is the shared-memory strategy: a fixed number of goroutines drain a
// shared queue. Task costs vary strongly with dimension, so the queue is
// sorted descending to keep the tail short.
type pool struct {
	workers int
}

func (p *pool) Run(ctx context.Context, tasks []Task, work Work) (diag.DiagInfo, error) {
	queue := make(chan Task, len(tasks))
	for _, t := range sortDesc(tasks) {
		queue <- t
	}
	close(queue)

	out := diag.DiagInfo{}
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < p.workers; w++ {
		g.Go(func() error {
			for t := range queue {
				if err := ctx.Err(); err != nil {
					return errors.Wrap(err, "")
				}
				eig, err := work(t)
				if err != nil {
					return errors.Wrap(err, t.Label.String())
				}
				mu.Lock()
				out[t.Label] = eig
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	if len(out) != len(tasks) {
		return nil, errors.Errorf("incomplete shell: %d of %d results", len(out), len(tasks))
	}
	return out, nil
}

// coord is the coordinator/worker strategy. The coordinator owns the task
// bag, sorted descending by dimension. Workers are handed tasks from the
// large end; whenever no worker is free the coordinator itself takes a task
// from the small end, since it must stay responsive to finishing workers. A
// single remaining task is always executed locally to avoid handoff overhead.
// The coordinator polls non-blockingly for results after every dispatch and
// blocks only in the final drain.
type coord struct {
	workers int
}

type answer struct {
	worker int
	label  invar.Invar
	eig    *diag.Eigen
	err    error
}

func (c *coord) Run(ctx context.Context, tasks []Task, work Work) (diag.DiagInfo, error) {
	sorted := sortDesc(tasks)
	out := diag.DiagInfo{}

	inboxes := make([]chan Task, c.workers)
	results := make(chan answer, len(sorted))
	var wg sync.WaitGroup
	for w := 0; w < c.workers; w++ {
		inboxes[w] = make(chan Task)
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for t := range inboxes[id] {
				eig, err := work(t)
				results <- answer{worker: id, label: t.Label, eig: eig, err: err}
			}
		}(w)
	}
	defer func() {
		for _, in := range inboxes {
			close(in)
		}
		wg.Wait()
	}()

	idle := make([]int, 0, c.workers)
	for w := 0; w < c.workers; w++ {
		idle = append(idle, w)
	}
	collect := func(a answer) error {
		if a.err != nil {
			return errors.Wrap(a.err, a.label.String())
		}
		out[a.label] = a.eig
		idle = append(idle, a.worker)
		return nil
	}
	poll := func() error {
		for {
			select {
			case a := <-results:
				if err := collect(a); err != nil {
					return err
				}
			default:
				return nil
			}
		}
	}

	lo, hi := 0, len(sorted)-1
	for lo <= hi {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "")
		}
		if lo == hi {
			t := sorted[lo]
			lo++
			eig, err := work(t)
			if err != nil {
				return nil, errors.Wrap(err, t.Label.String())
			}
			out[t.Label] = eig
			continue
		}
		if len(idle) > 0 {
			w := idle[0]
			idle = idle[1:]
			inboxes[w] <- sorted[lo]
			lo++
		} else {
			t := sorted[hi]
			hi--
			eig, err := work(t)
			if err != nil {
				return nil, errors.Wrap(err, t.Label.String())
			}
			out[t.Label] = eig
		}
		if err := poll(); err != nil {
			return nil, err
		}
	}
	for len(out) < len(sorted) {
		select {
		case a := <-results:
			if err := collect(a); err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "")
		}
	}
	if len(out) != len(sorted) {
		return nil, errors.Errorf("incomplete shell: %d of %d results", len(out), len(sorted))
	}
	return out, nil
}
