package hooks

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/malbeclabs/warehouse/warehouse/pkg/dataset"
)

// Rename renames columns. Keys are current names, values the new names.
type Rename struct {
	Columns map[string]string `yaml:"columns"`
}

func (h Rename) Prepare(_ context.Context, b *dataset.Batch) (*dataset.Batch, error) {
	for from := range h.Columns {
		if _, err := columnIndex(b, from); err != nil {
			return nil, err
		}
	}
	cols := slices.Clone(b.Schema.Columns)
	for i, c := range cols {
		if to, ok := h.Columns[c.Name]; ok {
			cols[i].Name = to
		}
	}
	schema, err := dataset.NewSchema(cols...)
	if err != nil {
		return nil, fmt.Errorf("rename: %w", err)
	}
	out := b.Clone()
	out.Schema = schema
	return out, nil
}

// Cast converts columns to a declared type.
type Cast struct {
	Types  map[string]dataset.ColumnType `yaml:"types"`
	Strict bool                          `yaml:"strict"`
}

func (h Cast) Prepare(_ context.Context, b *dataset.Batch) (*dataset.Batch, error) {
	for name := range h.Types {
		if _, err := columnIndex(b, name); err != nil {
			return nil, err
		}
	}
	out, err := dataset.CastBatch(b, h.Types, dataset.CastOptions{Strict: h.Strict})
	if err != nil {
		return nil, fmt.Errorf("cast: %w", err)
	}
	if out == b {
		return b.Clone(), nil
	}
	return out, nil
}

// Product sets Output to Left times Right. Rows where either side is null or
// not numeric get a null product.
type Product struct {
	Output string             `yaml:"output"`
	Left   string             `yaml:"left"`
	Right  string             `yaml:"right"`
	Type   dataset.ColumnType `yaml:"type"`
}

func (h Product) Prepare(_ context.Context, b *dataset.Batch) (*dataset.Batch, error) {
	li, err := columnIndex(b, h.Left)
	if err != nil {
		return nil, err
	}
	ri, err := columnIndex(b, h.Right)
	if err != nil {
		return nil, err
	}
	typ := h.Type
	if typ == "" {
		typ = dataset.TypeFloat64
	}
	if !typ.IsNumeric() {
		return nil, fmt.Errorf("product: output type %s is not numeric", typ)
	}
	values := make([]any, b.Len())
	for r, row := range b.Rows {
		l, lerr := dataset.Cast(row[li], dataset.TypeFloat64, dataset.CastOptions{})
		rv, rerr := dataset.Cast(row[ri], dataset.TypeFloat64, dataset.CastOptions{})
		if lerr != nil || rerr != nil || l == nil || rv == nil {
			continue
		}
		v, err := dataset.Cast(l.(float64)*rv.(float64), typ, dataset.CastOptions{})
		if err != nil {
			continue
		}
		values[r] = v
	}
	return withColumn(b, dataset.Column{Name: h.Output, Type: typ}, values), nil
}

// Concat sets Output to the text of Columns joined by Separator. Nulls join as
// empty strings.
type Concat struct {
	Output    string   `yaml:"output"`
	Columns   []string `yaml:"columns"`
	Separator string   `yaml:"separator"`
}

func (h Concat) Prepare(_ context.Context, b *dataset.Batch) (*dataset.Batch, error) {
	idx := make([]int, len(h.Columns))
	for i, name := range h.Columns {
		j, err := columnIndex(b, name)
		if err != nil {
			return nil, err
		}
		idx[i] = j
	}
	values := make([]any, b.Len())
	parts := make([]string, len(idx))
	for r, row := range b.Rows {
		for i, j := range idx {
			parts[i] = ""
			if v, err := dataset.Cast(row[j], dataset.TypeString, dataset.CastOptions{}); err == nil && v != nil {
				parts[i] = v.(string)
			}
		}
		values[r] = strings.Join(parts, h.Separator)
	}
	return withColumn(b, dataset.Column{Name: h.Output, Type: dataset.TypeString}, values), nil
}

// FilterLength keeps rows whose Column, as text, is exactly Length characters.
type FilterLength struct {
	Column string `yaml:"column"`
	Length int    `yaml:"length"`
}

func (h FilterLength) Prepare(_ context.Context, b *dataset.Batch) (*dataset.Batch, error) {
	ci, err := columnIndex(b, h.Column)
	if err != nil {
		return nil, err
	}
	out := &dataset.Batch{Schema: b.Schema.Clone()}
	for _, row := range b.Rows {
		v, err := dataset.Cast(row[ci], dataset.TypeString, dataset.CastOptions{})
		if err != nil || v == nil {
			continue
		}
		if utf8.RuneCountInString(v.(string)) == h.Length {
			out.Rows = append(out.Rows, slices.Clone(row))
		}
	}
	return out, nil
}

// FirstPerKey keeps the first row of each key tuple as it is and drops the
// later rows with the same tuple.
type FirstPerKey struct {
	Keys []string `yaml:"keys"`
}

func (h FirstPerKey) Prepare(_ context.Context, b *dataset.Batch) (*dataset.Batch, error) {
	idx := make([]int, len(h.Keys))
	for i, name := range h.Keys {
		j, err := columnIndex(b, name)
		if err != nil {
			return nil, err
		}
		idx[i] = j
	}
	out := &dataset.Batch{Schema: b.Schema.Clone()}
	seen := make(map[dataset.KeyEncoding]struct{})
	for _, row := range b.Rows {
		key := dataset.KeyOf(row, idx)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out.Rows = append(out.Rows, slices.Clone(row))
	}
	return out, nil
}

// withColumn returns a copy of b with col set to values, replacing an existing
// column of the same name or appending a new one.
func withColumn(b *dataset.Batch, col dataset.Column, values []any) *dataset.Batch {
	out := b.Clone()
	if i, ok := out.Schema.Index(col.Name); ok {
		out.Schema.Columns[i].Type = col.Type
		for r := range out.Rows {
			out.Rows[r][i] = values[r]
		}
		return out
	}
	out.Schema.Columns = append(out.Schema.Columns, col)
	for r := range out.Rows {
		out.Rows[r] = append(out.Rows[r], values[r])
	}
	return out
}
