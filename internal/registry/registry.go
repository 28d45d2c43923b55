// Package registry holds feature definitions. The registry is seeded at
// startup from an explicit table and frozen before serving; compute
// functions are first-class values, never resolved by string at call time.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/quantpine/featurestore/internal/core/model"
)

// Result is the outcome of a compute function: a scalar or an explicit
// Absent, which is distinct from NaN produced by arithmetic.
type Result struct {
	Value  float64
	Absent bool
}

// ComputeFunc is a pure function of the bars passed in. Input bars are
// sorted ascending, strictly at or before as_of, and at least WindowDays
// long; otherwise the function returns model.ErrInsufficientData.
type ComputeFunc func(bars model.Bars) (Result, error)

type Definition struct {
	Name        string
	Version     int
	Class       model.TTLClass
	WindowDays  int
	Compute     ComputeFunc
	RawFields   []string // OHLCV fields the compute reads
	CostUSD     float64  // per-run accounting constant
	Description string
}

type Registry struct {
	mu     sync.RWMutex
	frozen bool
	// name -> version -> definition; latest tracks the max version
	defs   map[string]map[int]Definition
	latest map[string]int
}

func New() *Registry {
	return &Registry{
		defs:   map[string]map[int]Definition{},
		latest: map[string]int{},
	}
}

// Register adds a definition. Permitted only before Freeze.
func (r *Registry) Register(d Definition) error {
	if d.Name == "" || d.Version <= 0 || d.Compute == nil || d.WindowDays <= 0 {
		return fmt.Errorf("invalid definition %q v%d", d.Name, d.Version)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("register %q v%d: registry is frozen", d.Name, d.Version)
	}
	byVer, ok := r.defs[d.Name]
	if !ok {
		byVer = map[int]Definition{}
		r.defs[d.Name] = byVer
	}
	if _, exists := byVer[d.Version]; exists {
		return fmt.Errorf("register %q v%d: %w", d.Name, d.Version, model.ErrAlreadyRegistered)
	}
	byVer[d.Version] = d
	if d.Version > r.latest[d.Name] {
		r.latest[d.Name] = d.Version
	}
	return nil
}

// Freeze seals the registry. Reads after Freeze take no lock-visible
// coordination cost on the hot path beyond an RLock.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup resolves a definition; version 0 means latest.
func (r *Registry) Lookup(name string, version int) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byVer, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("lookup %q: %w", name, model.ErrUnknownFeature)
	}
	if version == 0 {
		version = r.latest[name]
	}
	d, ok := byVer[version]
	if !ok {
		return Definition{}, fmt.Errorf("lookup %q v%d: %w", name, version, model.ErrUnknownFeature)
	}
	return d, nil
}

// Versions returns the registered versions of a feature, ascending.
// Empty for unknown names.
func (r *Registry) Versions(name string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byVer, ok := r.defs[name]
	if !ok {
		return nil
	}
	out := make([]int, 0, len(byVer))
	for v := range byVer {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Names returns all registered feature names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for n := range r.defs {
		out = append(out, n)
	}
	return out
}
