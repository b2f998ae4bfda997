package dataset

import (
	"fmt"
	"slices"
)

// Batch is an in-memory, ordered set of rows conforming to Schema. Row values
// are nil, int32, int64, float32, float64, string or time.Time, matching the
// column type (categorical columns hold strings).
type Batch struct {
	Schema Schema
	Rows   [][]any
}

func NewBatch(schema Schema, rows ...[]any) *Batch {
	return &Batch{Schema: schema, Rows: rows}
}

func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// Validate checks that every row has one value per column and that each value
// has the Go type its column requires.
func (b *Batch) Validate() error {
	for i, row := range b.Rows {
		if len(row) != b.Schema.Len() {
			return fmt.Errorf("row %d has %d columns, expected exactly %d", i, len(row), b.Schema.Len())
		}
		for j, v := range row {
			if !conforms(v, b.Schema.Columns[j].Type) {
				return fmt.Errorf("row %d column %q: value %v (%T) does not conform to %s", i, b.Schema.Columns[j].Name, v, v, b.Schema.Columns[j].Type)
			}
		}
	}
	return nil
}

// Column returns the values of the named column.
func (b *Batch) Column(name string) ([]any, error) {
	i, ok := b.Schema.Index(name)
	if !ok {
		return nil, fmt.Errorf("column %q not found", name)
	}
	out := make([]any, len(b.Rows))
	for r, row := range b.Rows {
		out[r] = row[i]
	}
	return out, nil
}

// Clone copies the batch, including each row slice.
func (b *Batch) Clone() *Batch {
	rows := make([][]any, len(b.Rows))
	for i, row := range b.Rows {
		rows[i] = slices.Clone(row)
	}
	return &Batch{Schema: b.Schema.Clone(), Rows: rows}
}

// Project aligns the batch to target: columns are reordered by name and
// columns absent from the batch are filled with nil. Value types are not
// changed; callers reconcile types first.
func (b *Batch) Project(target Schema) (*Batch, error) {
	src := make([]int, target.Len())
	for i, c := range target.Columns {
		j, ok := b.Schema.Index(c.Name)
		if !ok {
			src[i] = -1
			continue
		}
		src[i] = j
	}
	out := &Batch{Schema: target.Clone(), Rows: make([][]any, len(b.Rows))}
	for r, row := range b.Rows {
		if len(row) != b.Schema.Len() {
			return nil, fmt.Errorf("row %d has %d columns, expected exactly %d", r, len(row), b.Schema.Len())
		}
		nr := make([]any, target.Len())
		for i, j := range src {
			if j >= 0 {
				nr[i] = row[j]
			}
		}
		out.Rows[r] = nr
	}
	return out, nil
}
