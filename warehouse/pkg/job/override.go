package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/malbeclabs/warehouse/warehouse/pkg/config"
	"github.com/malbeclabs/warehouse/warehouse/pkg/dataset"
	"github.com/malbeclabs/warehouse/warehouse/pkg/merge"
)

// KeyOverride is an operator supplied set of key tuples that replaces the
// tuples of the first extract merged into a dataset.
type KeyOverride struct {
	Columns []string
	Tuples  [][]any
}

// ParseKeyOverride accepts either a list of tuples,
//
//	[{"day": "2025-W1", "id": 42}, {"day": "2025-W2", "id": 42}]
//
// or an object of column values,
//
//	{"day": ["2025-W1", "2025-W2"], "id": [42]}
//
// which is expanded to the cross product of the values. Columns are sorted by
// name.
func ParseKeyOverride(data []byte) (*KeyOverride, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty", merge.ErrInvalidKeyOverride)
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	switch trimmed[0] {
	case '[':
		var tuples []map[string]any
		if err := dec.Decode(&tuples); err != nil {
			return nil, fmt.Errorf("%w: %w", merge.ErrInvalidKeyOverride, err)
		}
		return fromTuples(tuples)
	case '{':
		var values map[string][]any
		if err := dec.Decode(&values); err != nil {
			return nil, fmt.Errorf("%w: %w", merge.ErrInvalidKeyOverride, err)
		}
		return fromValues(values)
	}
	return nil, fmt.Errorf("%w: expected a JSON list or object", merge.ErrInvalidKeyOverride)
}

func fromTuples(tuples []map[string]any) (*KeyOverride, error) {
	if len(tuples) == 0 {
		return nil, fmt.Errorf("%w: no tuples", merge.ErrInvalidKeyOverride)
	}
	cols := sortedKeys(tuples[0])
	ko := &KeyOverride{Columns: cols}
	for i, t := range tuples {
		if !slices.Equal(sortedKeys(t), cols) {
			return nil, fmt.Errorf("%w: tuple %d has columns %v, expected %v", merge.ErrInvalidKeyOverride, i, sortedKeys(t), cols)
		}
		row := make([]any, len(cols))
		for j, c := range cols {
			v, err := jsonValue(t[c])
			if err != nil {
				return nil, fmt.Errorf("%w: tuple %d column %q: %w", merge.ErrInvalidKeyOverride, i, c, err)
			}
			row[j] = v
		}
		ko.Tuples = append(ko.Tuples, row)
	}
	return ko, nil
}

func fromValues(values map[string][]any) (*KeyOverride, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no columns", merge.ErrInvalidKeyOverride)
	}
	cols := sortedKeys(values)
	ko := &KeyOverride{Columns: cols, Tuples: [][]any{{}}}
	for _, c := range cols {
		if len(values[c]) == 0 {
			return nil, fmt.Errorf("%w: column %q has no values", merge.ErrInvalidKeyOverride, c)
		}
		next := make([][]any, 0, len(ko.Tuples)*len(values[c]))
		for _, prefix := range ko.Tuples {
			for _, raw := range values[c] {
				v, err := jsonValue(raw)
				if err != nil {
					return nil, fmt.Errorf("%w: column %q: %w", merge.ErrInvalidKeyOverride, c, err)
				}
				next = append(next, append(slices.Clone(prefix), v))
			}
		}
		ko.Tuples = next
	}
	return ko, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// jsonValue converts a decoded JSON scalar to a row value. Integers stay
// exact.
func jsonValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return x, nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	return nil, fmt.Errorf("unsupported value %v (%T)", v, v)
}

// Batch returns the override as a batch typed like the dataset's declared key
// columns.
func (ko *KeyOverride) Batch(ds config.Dataset) (*dataset.Batch, error) {
	if err := merge.ValidateOverride(ds.Keys, ko.Columns); err != nil {
		return nil, err
	}
	declared := ds.Schema()
	cols := make([]dataset.Column, len(ko.Columns))
	for i, name := range ko.Columns {
		c, _ := declared.Lookup(name)
		cols[i] = c
	}
	schema, err := dataset.NewSchema(cols...)
	if err != nil {
		return nil, err
	}
	b := dataset.NewBatch(schema)
	for i, t := range ko.Tuples {
		row := make([]any, len(cols))
		for j, c := range cols {
			v, err := dataset.Cast(t[j], c.Type, dataset.CastOptions{})
			if err != nil {
				return nil, fmt.Errorf("%w: tuple %d column %q: %w", merge.ErrKeyTypeMismatch, i, c.Name, err)
			}
			row[j] = v
		}
		b.Rows = append(b.Rows, row)
	}
	return b, nil
}
