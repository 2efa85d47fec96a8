// Package params holds the run configuration.
package params

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Params are the knobs of a renormalization-group run.
// Energies are in units of the half-bandwidth unless noted otherwise.
type Params struct {
	// Dir is the output directory: shell history, checkpoints, flow files.
	Dir string `yaml:"dir"`
	// SymType selects the symmetry scheme from the registry ("U1", "QSZ").
	SymType string `yaml:"symtype"`
	// Lambda is the logarithmic discretization parameter, Lambda > 1.
	Lambda float64 `yaml:"lambda"`
	// Ninit and Nmax bound the shell index. Ninit == Nmax means a
	// zero-bandwidth run with a single shell.
	Ninit int `yaml:"ninit"`
	Nmax  int `yaml:"nmax"`

	// Keep is the maximum number of states retained per shell, and the
	// baseline when KeepEnergy is unset.
	Keep    int `yaml:"keep"`
	KeepMin int `yaml:"keepmin"`
	// KeepEnergy, when positive, retains states with E <= KeepEnergy in the
	// current shell's units, plus one more by convention.
	KeepEnergy float64 `yaml:"keepenergy"`
	// Safeguard is the near-degeneracy tolerance: the truncation cut is moved
	// to the next gap wider than Safeguard, adding at most SafeguardMax states.
	Safeguard    float64 `yaml:"safeguard"`
	SafeguardMax int     `yaml:"safeguardmax"`
	// KeepAllLast retains every computed state on the last shell.
	KeepAllLast bool `yaml:"keepalllast"`

	// DiagRatio is the fraction of each subspace's spectrum requested per
	// diagonalization; RestartFactor scales it up after an insufficient-states
	// restart; Restart enables the shell-level retry at all.
	DiagRatio     float64 `yaml:"diagratio"`
	RestartFactor float64 `yaml:"restartfactor"`
	Restart       bool    `yaml:"restart"`

	// DiagMode is "pool" (shared-memory workers) or "coord" (coordinator plus
	// message-passing workers). Workers is the pool or worker-process count.
	DiagMode string `yaml:"diagmode"`
	Workers  int    `yaml:"workers"`

	// T is the physical temperature for the density-matrix algorithms.
	// BetaBar fixes the effective temperature Teff = scale/BetaBar used for
	// thermodynamics along the flow.
	T       float64 `yaml:"t"`
	BetaBar float64 `yaml:"betabar"`

	// DM enables the backward density-matrix passes; FDM additionally enables
	// the full-density-matrix weighting.
	DM  bool `yaml:"dm"`
	FDM bool `yaml:"fdm"`

	// Resume reloads existing eigenspectrum checkpoints instead of
	// re-diagonalizing a shell.
	Resume bool `yaml:"resume"`

	// Model parameters consumed by the symmetry schemes.
	Eps   float64 `yaml:"eps"`   // impurity level
	Gamma float64 `yaml:"gamma"` // hybridization strength
	U     float64 `yaml:"u"`     // on-site interaction (QSZ)
}

func Default() Params {
	return Params{
		Dir:           "nrgrun",
		SymType:       "U1",
		Lambda:        2.0,
		Ninit:         0,
		Nmax:          40,
		Keep:          500,
		KeepMin:       1,
		KeepEnergy:    0,
		Safeguard:     1e-5,
		SafeguardMax:  200,
		KeepAllLast:   false,
		DiagRatio:     1.0,
		RestartFactor: 2.0,
		Restart:       true,
		DiagMode:      "pool",
		Workers:       4,
		T:             1e-8,
		BetaBar:       1.0,
		DM:            true,
		FDM:           true,
		Resume:        false,
		Eps:           -0.01,
		Gamma:         0.002,
		U:             0.02,
	}
}

// Load reads p from a YAML file, overlaying the defaults.
func Load(path string) (Params, error) {
	p := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Params{}, errors.Wrap(err, "")
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Params{}, errors.Wrap(err, "")
	}
	if err := p.Validate(); err != nil {
		return Params{}, errors.Wrap(err, "")
	}
	return p, nil
}

func (p Params) Validate() error {
	if p.Lambda <= 1 {
		return errors.Errorf("lambda %f", p.Lambda)
	}
	if p.Nmax < p.Ninit {
		return errors.Errorf("nmax %d < ninit %d", p.Nmax, p.Ninit)
	}
	if p.Keep < 1 || p.KeepMin < 1 || p.KeepMin > p.Keep {
		return errors.Errorf("keep %d keepmin %d", p.Keep, p.KeepMin)
	}
	if !(p.DiagRatio > 0 && p.DiagRatio <= 1) {
		return errors.Errorf("diagratio %f", p.DiagRatio)
	}
	if p.Restart && p.RestartFactor <= 1 {
		return errors.Errorf("restartfactor %f", p.RestartFactor)
	}
	if p.DiagMode != "pool" && p.DiagMode != "coord" {
		return errors.Errorf("diagmode %q", p.DiagMode)
	}
	if p.Workers < 1 {
		return errors.Errorf("workers %d", p.Workers)
	}
	if p.T <= 0 {
		return errors.Errorf("t %f", p.T)
	}
	return nil
}

// ZBW reports whether this is a zero-bandwidth run.
func (p Params) ZBW() bool { return p.Ninit == p.Nmax }

// Nlen is the number of shells in the run, at least 1 for zero-bandwidth runs.
func (p Params) Nlen() int {
	if p.ZBW() {
		return p.Ninit + 1
	}
	return p.Nmax
}

// Scale is the characteristic energy of shell N under the standard
// logarithmic discretization.
func (p Params) Scale(n int) float64 {
	return (1 - 1/p.Lambda) / math.Log(p.Lambda) * math.Pow(p.Lambda, -float64(n-1)/2)
}
