// Package history is the per-shell record store of a run. During the forward
// pass the orchestrator appends one record set per shell: kept and stored
// counts, the ancestor dimension split, and the eigenvalue and absolute-energy
// vectors. The backward density-matrix pass reads these records without ever
// mutating them. Metadata lives in a SQLite database, eigenvector and
// density-matrix blocks in per-shell checkpoint files.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"nrgflow/invar"
)

const (
	tableRun   = "run"
	tableSub   = "subspace"
	tableState = "state"
)

// Record is the persisted metadata of one subspace at one shell.
type Record struct {
	// Kept and Stored are the truncation decision: Kept <= Stored.
	Kept   int
	Stored int
	// Dims is the per-ancestor-combination dimension split of the subspace.
	Dims []int
	// Values are the stored eigenvalues relative to the shell ground state,
	// in the shell's energy unit. Abs, AbsG and AbsN are the corresponding
	// absolute energies referenced to the running total, the global ground
	// state and the shell's own ground state.
	Values []float64
	Abs    []float64
	AbsG   []float64
	AbsN   []float64
}

// Shell maps subspace labels to their records for one shell.
type Shell map[invar.Invar]*Record

func (s Shell) Subspaces() []invar.Invar {
	out := make([]invar.Invar, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return invar.Compare(out[a], out[b]) < 0 })
	return out
}

// Store owns the run's whole shell history. It is single-writer: the forward
// pass appends, the backward pass only reads.
type Store struct {
	Dir   string
	runID string

	db  *sql.DB
	mem map[int]Shell
}

// Open creates a fresh store in dir, assigning a new run ID. An existing
// history database in dir is discarded.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "")
	}
	db, err := newDB(filepath.Join(dir, "history.db"), true)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	s := &Store{Dir: dir, runID: uuid.NewString(), db: db, mem: map[int]Shell{}}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sqlStr := fmt.Sprintf(`INSERT INTO %s (id, started) VALUES (?, ?)`, tableRun)
	if _, err := db.ExecContext(ctx, sqlStr, s.runID, time.Now().UTC().Format(time.RFC3339)); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "")
	}
	return s, nil
}

// Resume reopens an existing store and loads all persisted shells, so an
// interrupted forward pass can continue after its last complete shell.
func Resume(dir string) (*Store, error) {
	db, err := newDB(filepath.Join(dir, "history.db"), false)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	s := &Store{Dir: dir, db: db, mem: map[int]Shell{}}

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()
	sqlStr := fmt.Sprintf(`SELECT id FROM %s`, tableRun)
	if err := db.QueryRowContext(ctx, sqlStr).Scan(&s.runID); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "")
	}
	if err := s.load(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "")
	}
	return s, nil
}

func (s *Store) RunID() string { return s.runID }

func (s *Store) Close() error { return s.db.Close() }

// Put appends the records of shell n. It overwrites any previous records for
// the same shell, which happens only when resuming over a partially written
// shell.
func (s *Store) Put(n int, shell Shell) error {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer tx.Rollback()

	for _, tbl := range []string{tableSub, tableState} {
		sqlStr := fmt.Sprintf(`DELETE FROM %s WHERE n=?`, tbl)
		if _, err := tx.ExecContext(ctx, sqlStr, n); err != nil {
			return errors.Wrap(err, "")
		}
	}
	for label, rec := range shell {
		sqlStr := fmt.Sprintf(`INSERT OR REPLACE INTO %s (n, label, kept, stored, dims) VALUES (?, ?, ?, ?, ?)`, tableSub)
		if _, err := tx.ExecContext(ctx, sqlStr, n, label.String(), rec.Kept, rec.Stored, joinInts(rec.Dims)); err != nil {
			return errors.Wrap(err, fmt.Sprintf("shell %d %v", n, label))
		}
		for k := range rec.Values {
			sqlStr := fmt.Sprintf(`INSERT OR REPLACE INTO %s (n, label, k, value, abs, absg, absn) VALUES (?, ?, ?, ?, ?, ?, ?)`, tableState)
			args := []any{n, label.String(), k, rec.Values[k], rec.Abs[k], rec.AbsG[k], rec.AbsN[k]}
			if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
				return errors.Wrap(err, fmt.Sprintf("shell %d %v state %d", n, label, k))
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "")
	}

	s.mem[n] = shell
	return nil
}

// Shell returns the records of shell n.
func (s *Store) Shell(n int) (Shell, bool) {
	sh, ok := s.mem[n]
	return sh, ok
}

// Shells lists the recorded shell indices in ascending order.
func (s *Store) Shells() []int {
	out := make([]int, 0, len(s.mem))
	for n := range s.mem {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// LastShell is the highest recorded shell index, or -1 if the store is empty.
func (s *Store) LastShell() int {
	last := -1
	for n := range s.mem {
		if n > last {
			last = n
		}
	}
	return last
}

func (s *Store) load(ctx context.Context) error {
	sqlStr := fmt.Sprintf(`SELECT n, label, kept, stored, dims FROM %s`, tableSub)
	rows, err := s.db.QueryContext(ctx, sqlStr)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer rows.Close()
	for rows.Next() {
		var n, kept, stored int
		var label, dims string
		if err := rows.Scan(&n, &label, &kept, &stored, &dims); err != nil {
			return errors.Wrap(err, "")
		}
		iv, err := invar.Parse(label)
		if err != nil {
			return errors.Wrap(err, label)
		}
		dv, err := splitInts(dims)
		if err != nil {
			return errors.Wrap(err, label)
		}
		if _, ok := s.mem[n]; !ok {
			s.mem[n] = Shell{}
		}
		s.mem[n][iv] = &Record{Kept: kept, Stored: stored, Dims: dv}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "")
	}

	sqlStr = fmt.Sprintf(`SELECT n, label, value, abs, absg, absn FROM %s ORDER BY n, label, k`, tableState)
	srows, err := s.db.QueryContext(ctx, sqlStr)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer srows.Close()
	for srows.Next() {
		var n int
		var label string
		var v, ab, abg, abn float64
		if err := srows.Scan(&n, &label, &v, &ab, &abg, &abn); err != nil {
			return errors.Wrap(err, "")
		}
		iv, err := invar.Parse(label)
		if err != nil {
			return errors.Wrap(err, label)
		}
		rec, ok := s.mem[n][iv]
		if !ok {
			return errors.Errorf("state row without subspace row: shell %d %s", n, label)
		}
		rec.Values = append(rec.Values, v)
		rec.Abs = append(rec.Abs, ab)
		rec.AbsG = append(rec.AbsG, abg)
		rec.AbsN = append(rec.AbsN, abn)
	}
	if err := srows.Err(); err != nil {
		return errors.Wrap(err, "")
	}

	for n, shell := range s.mem {
		for label, rec := range shell {
			if len(rec.Values) != rec.Stored {
				return errors.Errorf("shell %d %v: %d eigenvalues, stored %d", n, label, len(rec.Values), rec.Stored)
			}
		}
	}
	return nil
}

func newDB(dbPath string, reset bool) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", dbPath))
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	if reset {
		if err := prepareDB(db); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "")
		}
	}
	return db, nil
}

func prepareDB(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	stmts := []string{
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableRun),
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableSub),
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableState),
		fmt.Sprintf(`CREATE TABLE %s (id TEXT, started TEXT, PRIMARY KEY (id)) STRICT`, tableRun),
		fmt.Sprintf(`CREATE TABLE %s (n INTEGER, label TEXT, kept INTEGER, stored INTEGER, dims TEXT, PRIMARY KEY (n, label)) STRICT`, tableSub),
		fmt.Sprintf(`CREATE TABLE %s (n INTEGER, label TEXT, k INTEGER, value REAL, abs REAL, absg REAL, absn REAL, PRIMARY KEY (n, label, k)) STRICT`, tableState),
	}
	for _, sqlStr := range stmts {
		if _, err := db.ExecContext(ctx, sqlStr); err != nil {
			return errors.Wrap(err, sqlStr)
		}
	}
	return nil
}

func joinInts(vs []int) string {
	ss := make([]string, len(vs))
	for i, v := range vs {
		ss[i] = strconv.Itoa(v)
	}
	return strings.Join(ss, ",")
}

func splitInts(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, errors.Wrap(err, s)
		}
		out[i] = v
	}
	return out, nil
}
