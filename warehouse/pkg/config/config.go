// Package config loads the dataset registry: where datasets live, how their
// extracts are found and parsed, their schema and key, and the hooks that
// prepare each batch.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/malbeclabs/warehouse/warehouse/pkg/dataset"
	"gopkg.in/yaml.v3"
)

// Registry is the parsed registry file. Load it once at start and share the
// pointer; the accessors return copies.
type Registry struct {
	DataDir     string    `yaml:"data_dir"`
	VersionsDir string    `yaml:"versions_dir"`
	InputDir    string    `yaml:"input_dir"`
	ProcessLog  string    `yaml:"process_log"`
	Datasets    []Dataset `yaml:"datasets"`
	Derived     []Derived `yaml:"derived"`
}

// Dataset declares one dataset.
type Dataset struct {
	Name string `yaml:"name"`
	// File is relative to the data dir. Defaults to <name>.parquet.
	File    string   `yaml:"file"`
	Columns []string `yaml:"columns"`
	// Keys is the key tuple used to supersede rows. Empty means every merge
	// overwrites the dataset.
	Keys []string `yaml:"keys"`
	// Required columns must be present in every prepared batch, in addition
	// to the keys.
	Required   []string   `yaml:"required"`
	Source     SourceSpec `yaml:"source"`
	Hooks      []HookSpec `yaml:"hooks"`
	ExpectRows *RowRange  `yaml:"expect_rows"`

	schema dataset.Schema
}

// SourceSpec tells the CSV source how to find and parse extracts.
type SourceSpec struct {
	// Prefix is matched case-insensitively against file names in the input
	// dir. Defaults to the dataset name.
	Prefix string `yaml:"prefix"`
	// HeaderRow is the 1-based line holding the column names. Defaults to 1.
	HeaderRow int    `yaml:"header_row"`
	Delimiter string `yaml:"delimiter"`
	// Encoding of the extract: utf-8 (default), utf-16, windows-1252 or
	// iso-8859-1. A byte order mark overrides it.
	Encoding string `yaml:"encoding"`
}

// HookSpec declares one transform hook. Options are decoded by the hook kind.
type HookSpec struct {
	Kind    string    `yaml:"kind"`
	Options yaml.Node `yaml:"options"`
}

// RowRange bounds the expected size of a prepared batch. Zero Max means no
// upper bound.
type RowRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Contains reports whether n is inside the range.
func (r *RowRange) Contains(n int) bool {
	if r == nil {
		return true
	}
	return n >= r.Min && (r.Max == 0 || n <= r.Max)
}

// Derived declares a dataset rebuilt from two others after the merges.
type Derived struct {
	Name string `yaml:"name"`
	File string `yaml:"file"`
	Left string `yaml:"left"`
	// Right is joined onto Left; only Columns are taken from it.
	Right   string   `yaml:"right"`
	LeftKey string   `yaml:"left_key"`
	// LeftKeyPrefix, when set, joins on only the first N characters of the
	// left key.
	LeftKeyPrefix int      `yaml:"left_key_prefix"`
	RightKey      string   `yaml:"right_key"`
	Columns       []string `yaml:"columns"`
	UniqueBy      []string `yaml:"unique_by"`
}

// Load reads and validates the registry at path. Relative directories in the
// file are resolved against the file's directory.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve registry path: %w", err)
	}
	return Parse(data, filepath.Dir(abs))
}

// Parse parses and validates registry YAML, resolving relative directories
// against baseDir.
func Parse(data []byte, baseDir string) (*Registry, error) {
	var reg Registry
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&reg); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	reg.DataDir = resolve(baseDir, reg.DataDir, "data")
	reg.VersionsDir = resolve(baseDir, reg.VersionsDir, "versions")
	reg.InputDir = resolve(baseDir, reg.InputDir, "input")
	reg.ProcessLog = resolve(baseDir, reg.ProcessLog, "process.log")
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry: %w", err)
	}
	return &reg, nil
}

func resolve(base, p, def string) string {
	if p == "" {
		p = def
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

// Validate checks the registry and fills per-dataset defaults.
func (r *Registry) Validate() error {
	if len(r.Datasets) == 0 {
		return errors.New("no datasets declared")
	}
	names := make(map[string]struct{})
	for i := range r.Datasets {
		d := &r.Datasets[i]
		if err := d.validate(); err != nil {
			return err
		}
		if _, ok := names[d.Name]; ok {
			return fmt.Errorf("dataset %q declared twice", d.Name)
		}
		names[d.Name] = struct{}{}
	}
	for i := range r.Derived {
		d := &r.Derived[i]
		if err := d.validate(); err != nil {
			return err
		}
		if _, ok := names[d.Name]; ok {
			return fmt.Errorf("derived dataset %q collides with another dataset", d.Name)
		}
		for _, in := range []string{d.Left, d.Right} {
			if _, ok := names[in]; !ok {
				return fmt.Errorf("derived dataset %q: unknown input %q", d.Name, in)
			}
		}
		names[d.Name] = struct{}{}
	}
	return nil
}

func (d *Dataset) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("dataset name is required")
	}
	if strings.ContainsAny(d.Name, `/\`) {
		return fmt.Errorf("dataset %q: name must not contain path separators", d.Name)
	}
	if d.File == "" {
		d.File = d.Name + ".parquet"
	}
	if d.Source.Prefix == "" {
		d.Source.Prefix = d.Name
	}
	if d.Source.HeaderRow == 0 {
		d.Source.HeaderRow = 1
	}
	if d.Source.HeaderRow < 0 {
		return fmt.Errorf("dataset %q: header_row must be positive", d.Name)
	}
	if len([]rune(d.Source.Delimiter)) > 1 {
		return fmt.Errorf("dataset %q: delimiter must be a single character", d.Name)
	}
	if len(d.Columns) == 0 {
		return fmt.Errorf("dataset %q: columns are required", d.Name)
	}
	schema, err := dataset.ParseSchema(d.Columns)
	if err != nil {
		return fmt.Errorf("dataset %q: %w", d.Name, err)
	}
	for _, k := range d.Keys {
		if _, ok := schema.Index(k); !ok {
			return fmt.Errorf("dataset %q: key %q is not a declared column", d.Name, k)
		}
	}
	if len(d.Keys) != len(slices.Compact(slices.Sorted(slices.Values(d.Keys)))) {
		return fmt.Errorf("dataset %q: duplicate key column", d.Name)
	}
	for _, c := range d.Required {
		if _, ok := schema.Index(c); !ok {
			return fmt.Errorf("dataset %q: required column %q is not declared", d.Name, c)
		}
	}
	for i, h := range d.Hooks {
		if h.Kind == "" {
			return fmt.Errorf("dataset %q: hook %d: kind is required", d.Name, i)
		}
	}
	if d.ExpectRows != nil && d.ExpectRows.Max != 0 && d.ExpectRows.Max < d.ExpectRows.Min {
		return fmt.Errorf("dataset %q: expect_rows max is below min", d.Name)
	}
	d.schema = schema
	return nil
}

func (d *Derived) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("derived dataset name is required")
	}
	if d.File == "" {
		d.File = d.Name + ".parquet"
	}
	if d.Left == "" || d.Right == "" {
		return fmt.Errorf("derived dataset %q: left and right are required", d.Name)
	}
	if d.LeftKey == "" || d.RightKey == "" {
		return fmt.Errorf("derived dataset %q: left_key and right_key are required", d.Name)
	}
	if d.LeftKeyPrefix < 0 {
		return fmt.Errorf("derived dataset %q: left_key_prefix must not be negative", d.Name)
	}
	if len(d.Columns) == 0 {
		return fmt.Errorf("derived dataset %q: columns are required", d.Name)
	}
	return nil
}

// Schema returns the declared schema.
func (d Dataset) Schema() dataset.Schema {
	return d.schema.Clone()
}

// RequiredColumns returns the key columns followed by the extra required
// columns, without duplicates.
func (d Dataset) RequiredColumns() []string {
	out := slices.Clone(d.Keys)
	for _, c := range d.Required {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

func (d Dataset) clone() Dataset {
	c := d
	c.Columns = slices.Clone(d.Columns)
	c.Keys = slices.Clone(d.Keys)
	c.Required = slices.Clone(d.Required)
	c.Hooks = slices.Clone(d.Hooks)
	if d.ExpectRows != nil {
		r := *d.ExpectRows
		c.ExpectRows = &r
	}
	c.schema = d.schema.Clone()
	return c
}

// Dataset returns a copy of the named dataset.
func (r *Registry) Dataset(name string) (Dataset, bool) {
	for _, d := range r.Datasets {
		if d.Name == name {
			return d.clone(), true
		}
	}
	return Dataset{}, false
}

// AllDatasets returns copies of every declared dataset in file order.
func (r *Registry) AllDatasets() []Dataset {
	out := make([]Dataset, len(r.Datasets))
	for i, d := range r.Datasets {
		out[i] = d.clone()
	}
	return out
}

// AllDerived returns copies of every derived dataset in file order.
func (r *Registry) AllDerived() []Derived {
	out := make([]Derived, len(r.Derived))
	for i, d := range r.Derived {
		d.Columns = slices.Clone(d.Columns)
		d.UniqueBy = slices.Clone(d.UniqueBy)
		out[i] = d
	}
	return out
}

// Path returns the location of a dataset file.
func (r *Registry) Path(file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(r.DataDir, file)
}
