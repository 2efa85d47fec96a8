package history

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"nrgflow/invar"
)

// blob is the on-disk form of a dense block.
type blob struct {
	Rows, Cols int
	Data       []float64
}

type checkpoint struct {
	Shell int
	Block map[string]blob
}

func toBlob(m *mat.Dense) blob {
	r, c := m.Dims()
	b := blob{Rows: r, Cols: c, Data: make([]float64, 0, r*c)}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			b.Data = append(b.Data, m.At(i, j))
		}
	}
	return b
}

func fromBlob(b blob) (*mat.Dense, error) {
	if len(b.Data) != b.Rows*b.Cols {
		return nil, errors.Errorf("%dx%d block with %d values", b.Rows, b.Cols, len(b.Data))
	}
	return mat.NewDense(b.Rows, b.Cols, b.Data), nil
}

// SaveBlocks checkpoints a map of per-subspace matrix blocks under the given
// kind ("unitary" for kept eigenvector blocks, "rho" and "rhofdm" for
// reconstructed density matrices), one file per shell.
func (s *Store) SaveBlocks(kind string, n int, blocks map[invar.Invar]*mat.Dense) error {
	cp := checkpoint{Shell: n, Block: map[string]blob{}}
	for label, m := range blocks {
		cp.Block[label.String()] = toBlob(m)
	}

	path := s.blockPath(kind, n)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := gob.NewEncoder(f).Encode(cp); err != nil {
		f.Close()
		return errors.Wrap(err, path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// LoadBlocks reads a per-shell checkpoint written by SaveBlocks. A missing or
// unreadable file is an error: the backward pass cannot proceed without it.
func (s *Store) LoadBlocks(kind string, n int) (map[invar.Invar]*mat.Dense, error) {
	path := s.blockPath(kind, n)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer f.Close()

	var cp checkpoint
	if err := gob.NewDecoder(f).Decode(&cp); err != nil {
		return nil, errors.Wrap(err, path)
	}
	if cp.Shell != n {
		return nil, errors.Errorf("%s: shell %d, expected %d", path, cp.Shell, n)
	}
	out := map[invar.Invar]*mat.Dense{}
	for label, b := range cp.Block {
		iv, err := invar.Parse(label)
		if err != nil {
			return nil, errors.Wrap(err, path)
		}
		m, err := fromBlob(b)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("%s %s", path, label))
		}
		out[iv] = m
	}
	return out, nil
}

// HasBlocks reports whether a checkpoint exists for the given kind and shell.
func (s *Store) HasBlocks(kind string, n int) bool {
	_, err := os.Stat(s.blockPath(kind, n))
	return err == nil
}

func (s *Store) blockPath(kind string, n int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s-%03d.gob", kind, n))
}
