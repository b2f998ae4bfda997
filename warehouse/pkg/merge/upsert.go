package merge

import (
	"errors"
	"fmt"
	"slices"

	"github.com/malbeclabs/warehouse/warehouse/pkg/dataset"
)

// Stats is the row accounting of one merge.
type Stats struct {
	ExistingRows  int
	RowsRemoved   int
	RowsAdded     int
	FinalRowCount int
	// DistinctKeys is the number of key tuples used to supersede rows.
	DistinctKeys int
}

// Balanced reports whether FinalRowCount = ExistingRows - RowsRemoved + RowsAdded.
func (s Stats) Balanced() bool {
	return s.FinalRowCount == s.ExistingRows-s.RowsRemoved+s.RowsAdded
}

type UpsertOptions struct {
	// Override replaces the batch's key tuples as the set of tuples to
	// supersede. Its columns must be a subset of the key columns; rows are
	// matched on those columns only.
	Override *dataset.Batch
	Cast     dataset.CastOptions
}

// Upsert removes every existing row whose key tuple appears in incoming (or in
// the override) and appends the incoming rows after the retained ones.
//
// Key tuples are matched as a unit: a row is superseded only when all of its
// key values equal those of one incoming tuple. Incoming values are cast to
// the existing column types before matching. Columns only in incoming are
// appended to the schema and null for existing rows; columns only in existing
// are null for incoming rows. Neither input is modified.
func Upsert(existing, incoming *dataset.Batch, keys []string, opts UpsertOptions) (*dataset.Batch, Stats, error) {
	if len(keys) == 0 {
		return nil, Stats{}, errors.New("upsert requires at least one key column")
	}
	for _, k := range keys {
		if _, ok := existing.Schema.Index(k); !ok {
			return nil, Stats{}, fmt.Errorf("%w: key %q not in dataset", ErrMissingColumn, k)
		}
		if _, ok := incoming.Schema.Index(k); !ok {
			return nil, Stats{}, fmt.Errorf("%w: key %q not in batch", ErrMissingColumn, k)
		}
	}

	in, err := dataset.Reconcile(incoming, existing.Schema, keys, opts.Cast)
	if err != nil {
		return nil, Stats{}, err
	}

	matchCols := keys
	var set *dataset.KeySet
	if opts.Override != nil {
		if err := ValidateOverride(keys, opts.Override.Schema.Names()); err != nil {
			return nil, Stats{}, err
		}
		ov, err := dataset.Reconcile(opts.Override, existing.Schema, keys, opts.Cast)
		if err != nil {
			return nil, Stats{}, fmt.Errorf("key override: %w", err)
		}
		matchCols = ov.Schema.Names()
		set, err = dataset.KeySetFromBatch(ov, matchCols)
		if err != nil {
			return nil, Stats{}, err
		}
	} else {
		set, err = dataset.KeySetFromBatch(in, keys)
		if err != nil {
			return nil, Stats{}, err
		}
	}

	idx, err := existing.Schema.Indexes(matchCols)
	if err != nil {
		return nil, Stats{}, err
	}

	schema := existing.Schema.Union(in.Schema)
	width := schema.Len()
	stats := Stats{
		ExistingRows: existing.Len(),
		RowsAdded:    in.Len(),
		DistinctKeys: set.Len(),
	}

	out := &dataset.Batch{Schema: schema, Rows: make([][]any, 0, existing.Len()+in.Len())}
	for _, row := range existing.Rows {
		if set.Contains(dataset.KeyOf(row, idx)) {
			stats.RowsRemoved++
			continue
		}
		r := make([]any, width)
		copy(r, row)
		out.Rows = append(out.Rows, r)
	}

	added, err := in.Project(schema)
	if err != nil {
		return nil, Stats{}, err
	}
	out.Rows = append(out.Rows, added.Rows...)
	stats.FinalRowCount = len(out.Rows)
	return out, stats, nil
}

// ValidateOverride checks that override columns are a non-empty subset of the
// dataset keys, without repeats.
func ValidateOverride(keys, columns []string) error {
	if len(keys) == 0 {
		return fmt.Errorf("%w: dataset has no key columns", ErrInvalidKeyOverride)
	}
	if len(columns) == 0 {
		return fmt.Errorf("%w: no columns", ErrInvalidKeyOverride)
	}
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		if !slices.Contains(keys, c) {
			return fmt.Errorf("%w: %q is not a key column (keys: %v)", ErrInvalidKeyOverride, c, keys)
		}
		if seen[c] {
			return fmt.Errorf("%w: column %q repeated", ErrInvalidKeyOverride, c)
		}
		seen[c] = true
	}
	return nil
}
