package job

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/warehouse/warehouse/pkg/config"
	"github.com/malbeclabs/warehouse/warehouse/pkg/dataset"
	"github.com/malbeclabs/warehouse/warehouse/pkg/merge"
	"github.com/malbeclabs/warehouse/warehouse/pkg/report"
)

// Suffix of a joined right column whose name is already taken on the left.
const rightSuffix = "_right"

type DerivedConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Registry *config.Registry
	Reporter *report.Reporter
}

// BuildDerived rebuilds a derived dataset: the left dataset left-joined with
// the selected right columns, first right match wins, then collapsed to one
// row per unique_by tuple. The result replaces the derived file.
func BuildDerived(ctx context.Context, cfg DerivedConfig, d config.Derived) *report.MergeResult {
	res := report.NewMergeResult(d.Name, d.Left+" + "+d.Right, cfg.Clock.Now())
	meter := report.StartMeter(cfg.Clock)
	defer func() {
		res.Usage = meter.Stop()
		res.FinishedAt = cfg.Clock.Now()
		cfg.Reporter.Record(res)
	}()

	inputs := make([]*dataset.Batch, 2)
	for i, name := range []string{d.Left, d.Right} {
		ds, ok := cfg.Registry.Dataset(name)
		if !ok {
			res.Fail(fmt.Errorf("unknown input dataset %q", name))
			return res
		}
		path := cfg.Registry.Path(ds.File)
		exists, err := dataset.Exists(path)
		if err != nil {
			res.Fail(err)
			return res
		}
		if !exists {
			res.Mode = report.ModeSkipped
			msg := fmt.Sprintf("input %s does not exist yet", name)
			res.AddWarning(msg)
			cfg.Reporter.Event(res, report.EventDerivedSkipped, msg, "path", path)
			cfg.Logger.Warn("derived: skipped", "dataset", d.Name, "reason", msg)
			return res
		}
		b, err := dataset.ReadFile(ctx, path)
		if err != nil {
			res.Fail(fmt.Errorf("failed to read %s: %w", name, err))
			return res
		}
		inputs[i] = b
	}

	joined, err := leftJoin(inputs[0], inputs[1], d)
	if err != nil {
		res.Fail(err)
		return res
	}
	out, dropped, err := uniqueBy(joined, d.UniqueBy)
	if err != nil {
		res.Fail(err)
		return res
	}
	if dropped > 0 {
		msg := fmt.Sprintf("%d duplicate rows removed by %v", dropped, d.UniqueBy)
		res.AddWarning(msg)
		cfg.Reporter.Event(res, report.EventDuplicateRemove, msg, "rows", dropped)
	}

	path := cfg.Registry.Path(d.File)
	if exists, err := dataset.Exists(path); err == nil && exists {
		n, err := dataset.CountRows(path)
		if err != nil {
			res.Fail(fmt.Errorf("failed to count replaced rows: %w", err))
			return res
		}
		res.ReplacedRows = int(n)
	}
	res.Mode = report.ModeOverwrite
	res.State = report.StateMerged
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		res.Fail(fmt.Errorf("%w: %w", merge.ErrWriteFailed, err))
		return res
	}
	if err := dataset.WriteFile(ctx, path, out); err != nil {
		res.Fail(fmt.Errorf("%w: %w", merge.ErrWriteFailed, err))
		return res
	}
	res.RowsAdded = out.Len()
	res.FinalRowCount = out.Len()
	res.State = report.StateWritten
	return res
}

func leftJoin(left, right *dataset.Batch, d config.Derived) (*dataset.Batch, error) {
	li, ok := left.Schema.Index(d.LeftKey)
	if !ok {
		return nil, fmt.Errorf("%w: left key %q", merge.ErrMissingColumn, d.LeftKey)
	}
	ri, ok := right.Schema.Index(d.RightKey)
	if !ok {
		return nil, fmt.Errorf("%w: right key %q", merge.ErrMissingColumn, d.RightKey)
	}
	take, err := right.Schema.Indexes(d.Columns)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", merge.ErrMissingColumn, err)
	}

	cols := slices.Clone(left.Schema.Columns)
	for _, j := range take {
		c := right.Schema.Columns[j]
		c.Name = freeName(cols, c.Name)
		cols = append(cols, c)
	}
	schema, err := dataset.NewSchema(cols...)
	if err != nil {
		return nil, err
	}

	index := make(map[string][]any, len(right.Rows))
	for _, row := range right.Rows {
		k, ok := joinKey(row[ri], 0)
		if !ok {
			continue
		}
		if _, seen := index[k]; !seen {
			index[k] = row
		}
	}

	out := &dataset.Batch{Schema: schema, Rows: make([][]any, len(left.Rows))}
	for r, row := range left.Rows {
		nr := make([]any, 0, schema.Len())
		nr = append(nr, row...)
		match := []any(nil)
		if k, ok := joinKey(row[li], d.LeftKeyPrefix); ok {
			match = index[k]
		}
		for _, j := range take {
			if match == nil {
				nr = append(nr, nil)
				continue
			}
			nr = append(nr, match[j])
		}
		out.Rows[r] = nr
	}
	return out, nil
}

// freeName returns name, or name with the right suffix (and a counter when
// that is taken too) when cols already has it.
func freeName(cols []dataset.Column, name string) string {
	taken := func(n string) bool {
		return slices.ContainsFunc(cols, func(c dataset.Column) bool { return c.Name == n })
	}
	if !taken(name) {
		return name
	}
	candidate := name + rightSuffix
	for i := 2; taken(candidate); i++ {
		candidate = fmt.Sprintf("%s%s_%d", name, rightSuffix, i)
	}
	return candidate
}

// joinKey is the text form of a key value, cut to its first prefix runes when
// prefix is positive. Nulls never join.
func joinKey(v any, prefix int) (string, bool) {
	if v == nil {
		return "", false
	}
	s, err := dataset.Cast(v, dataset.TypeString, dataset.CastOptions{})
	if err != nil {
		return "", false
	}
	text := s.(string)
	if prefix > 0 {
		if r := []rune(text); len(r) > prefix {
			text = string(r[:prefix])
		}
	}
	return text, true
}

// uniqueBy keeps the first row of each distinct tuple over cols.
func uniqueBy(b *dataset.Batch, cols []string) (*dataset.Batch, int, error) {
	if len(cols) == 0 {
		return b, 0, nil
	}
	idx, err := b.Schema.Indexes(cols)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", merge.ErrMissingColumn, err)
	}
	seen := make(map[dataset.KeyEncoding]struct{}, len(b.Rows))
	out := &dataset.Batch{Schema: b.Schema, Rows: make([][]any, 0, len(b.Rows))}
	for _, row := range b.Rows {
		k := dataset.KeyOf(row, idx)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out.Rows = append(out.Rows, row)
	}
	return out, len(b.Rows) - len(out.Rows), nil
}
