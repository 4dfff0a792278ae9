package modality

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrInvalidTable is returned for a weight table that fails validation.
var ErrInvalidTable = errors.New("modality: invalid weight table")

// DefaultTableVersion is the table used when a policy names none.
const DefaultTableVersion = "v3"

// Table is a versioned set of per-modality weights and score caps. Changing
// a table changes verdicts for future assessments only; every assessment
// records the version it was scored with.
type Table struct {
	Version string           `yaml:"version" json:"version"`
	Weights map[Kind]float64 `yaml:"weights" json:"weights"`
	Caps    map[Kind]float64 `yaml:"caps" json:"caps"`
}

// DefaultTable returns the built-in v3 table.
func DefaultTable() Table {
	return Table{
		Version: DefaultTableVersion,
		Weights: map[Kind]float64{
			Cognitive:  0.6,
			Behavioral: 0.5,
			SelfReport: 0.8,
			Voice:      0.5,
			Facial:     0.5,
		},
		Caps: map[Kind]float64{
			Cognitive:  60,
			Behavioral: 35,
			SelfReport: 40,
			Voice:      25,
			Facial:     30,
			Contextual: 40,
		},
	}
}

// Weight returns the weight for k, 0 when unset.
func (t Table) Weight(k Kind) float64 { return t.Weights[k] }

// Cap returns the score cap for k, 0 when unset.
func (t Table) Cap(k Kind) float64 { return t.Caps[k] }

// Validate checks that the table names a version and carries a finite,
// non-negative weight and positive cap for every modality.
func (t Table) Validate() error {
	if t.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidTable)
	}
	for _, k := range Weighted {
		w, ok := t.Weights[k]
		if !ok || !finite(w) || w < 0 {
			return fmt.Errorf("%w: weight for %s must be >= 0", ErrInvalidTable, k)
		}
	}
	for _, k := range []Kind{Cognitive, Behavioral, SelfReport, Voice, Facial, Contextual} {
		c, ok := t.Caps[k]
		if !ok || !finite(c) || c <= 0 {
			return fmt.Errorf("%w: cap for %s must be > 0", ErrInvalidTable, k)
		}
	}
	return nil
}

// ParseTable decodes a YAML table. Missing weights or caps are filled from
// the default table before validation.
func ParseTable(b []byte) (Table, error) {
	var t Table
	if err := yaml.Unmarshal(b, &t); err != nil {
		return Table{}, fmt.Errorf("parse weight table: %w", err)
	}
	def := DefaultTable()
	if t.Weights == nil {
		t.Weights = map[Kind]float64{}
	}
	if t.Caps == nil {
		t.Caps = map[Kind]float64{}
	}
	for k, v := range def.Weights {
		if _, ok := t.Weights[k]; !ok {
			t.Weights[k] = v
		}
	}
	for k, v := range def.Caps {
		if _, ok := t.Caps[k]; !ok {
			t.Caps[k] = v
		}
	}
	if err := t.Validate(); err != nil {
		return Table{}, err
	}
	return t, nil
}

// LoadTable reads and parses a YAML table file.
func LoadTable(path string) (Table, error) {
	if path == "" {
		return Table{}, fmt.Errorf("%w: path is required", ErrInvalidTable)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Table{}, err
	}
	return ParseTable(b)
}

// Tables indexes weight tables by version.
type Tables struct {
	byVersion map[string]Table
}

// NewTables creates a set holding the default table plus extra.
func NewTables(extra ...Table) *Tables {
	ts := &Tables{byVersion: map[string]Table{DefaultTableVersion: DefaultTable()}}
	for _, t := range extra {
		ts.byVersion[t.Version] = t
	}
	return ts
}

// Get returns the table for version; an empty version selects the default.
func (ts *Tables) Get(version string) (Table, bool) {
	if version == "" {
		version = DefaultTableVersion
	}
	t, ok := ts.byVersion[version]
	return t, ok
}

// Has reports whether version is known.
func (ts *Tables) Has(version string) bool {
	_, ok := ts.Get(version)
	return ok
}

// Versions lists the known table versions in sorted order.
func (ts *Tables) Versions() []string {
	out := make([]string, 0, len(ts.byVersion))
	for v := range ts.byVersion {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// LoadTables builds a table set from the default table plus every file in
// paths. A file may replace the built-in default version.
func LoadTables(paths ...string) (*Tables, error) {
	extra := make([]Table, 0, len(paths))
	for _, p := range paths {
		t, err := LoadTable(p)
		if err != nil {
			return nil, fmt.Errorf("load weight table %s: %w", p, err)
		}
		extra = append(extra, t)
	}
	return NewTables(extra...), nil
}
