package dataset

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrSchemaMismatch is returned when an incoming column cannot be cast to
	// the type it has on disk.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrKeyTypeMismatch is ErrSchemaMismatch for a key column.
	ErrKeyTypeMismatch = errors.New("key type mismatch")
)

// Reconcile casts the columns of b that also exist in target to their target
// type. Columns only in b keep their type; columns only in target are left for
// the caller to null-fill when the two are combined. b is not modified.
func Reconcile(b *Batch, target Schema, keyCols []string, opts CastOptions) (*Batch, error) {
	type conversion struct {
		idx int
		col Column
		to  ColumnType
	}
	var convs []conversion
	schema := b.Schema.Clone()
	for i, c := range b.Schema.Columns {
		tc, ok := target.Lookup(c.Name)
		if !ok || tc.Type == c.Type {
			continue
		}
		convs = append(convs, conversion{idx: i, col: c, to: tc.Type})
		schema.Columns[i].Type = tc.Type
	}
	if len(convs) == 0 {
		return b, nil
	}

	out := &Batch{Schema: schema, Rows: make([][]any, len(b.Rows))}
	for r, row := range b.Rows {
		nr := slices.Clone(row)
		for _, cv := range convs {
			v, err := Cast(row[cv.idx], cv.to, opts)
			if err != nil {
				sentinel := ErrSchemaMismatch
				if slices.Contains(keyCols, cv.col.Name) {
					sentinel = ErrKeyTypeMismatch
				}
				return nil, fmt.Errorf("%w: column %q row %d: %s -> %s: %w", sentinel, cv.col.Name, r, cv.col.Type, cv.to, err)
			}
			nr[cv.idx] = v
		}
		out.Rows[r] = nr
	}
	return out, nil
}

// CastBatch converts every column of b named in types to the given type.
func CastBatch(b *Batch, types map[string]ColumnType, opts CastOptions) (*Batch, error) {
	target := b.Schema.Clone()
	for i, c := range target.Columns {
		if t, ok := types[c.Name]; ok {
			target.Columns[i].Type = t
		}
	}
	for name := range types {
		if _, ok := b.Schema.Index(name); !ok {
			return nil, fmt.Errorf("column %q not found", name)
		}
	}
	return Reconcile(b, target, nil, opts)
}
