package dataset

import (
	"fmt"
	"slices"
	"strings"
)

// ColumnType is the semantic type of a dataset column.
type ColumnType string

const (
	TypeInt32       ColumnType = "int32"
	TypeInt64       ColumnType = "int64"
	TypeFloat32     ColumnType = "float32"
	TypeFloat64     ColumnType = "float64"
	TypeString      ColumnType = "string"
	TypeCategorical ColumnType = "categorical"
	TypeTimestamp   ColumnType = "timestamp"
)

var columnTypeAliases = map[string]ColumnType{
	"int32":       TypeInt32,
	"int":         TypeInt32,
	"integer":     TypeInt32,
	"int64":       TypeInt64,
	"bigint":      TypeInt64,
	"float32":     TypeFloat32,
	"float":       TypeFloat32,
	"float64":     TypeFloat64,
	"double":      TypeFloat64,
	"string":      TypeString,
	"utf8":        TypeString,
	"text":        TypeString,
	"varchar":     TypeString,
	"categorical": TypeCategorical,
	"category":    TypeCategorical,
	"timestamp":   TypeTimestamp,
	"datetime":    TypeTimestamp,
}

// ParseColumnType parses a type name, accepting a few common aliases.
func ParseColumnType(s string) (ColumnType, error) {
	t, ok := columnTypeAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown column type %q", s)
	}
	return t, nil
}

func (t ColumnType) IsInteger() bool {
	return t == TypeInt32 || t == TypeInt64
}

func (t ColumnType) IsFloat() bool {
	return t == TypeFloat32 || t == TypeFloat64
}

func (t ColumnType) IsNumeric() bool {
	return t.IsInteger() || t.IsFloat()
}

func (t ColumnType) IsText() bool {
	return t == TypeString || t == TypeCategorical
}

// Column is a named, typed column.
type Column struct {
	Name string
	Type ColumnType
}

func (c Column) String() string {
	return c.Name + ":" + string(c.Type)
}

// ParseColumn parses a "name:type" column definition. The name may itself
// contain colons; the type is whatever follows the last one.
func ParseColumn(def string) (Column, error) {
	i := strings.LastIndex(def, ":")
	if i < 0 {
		return Column{}, fmt.Errorf("invalid column definition %q: expected format 'name:type'", def)
	}
	name := def[:i]
	if strings.TrimSpace(name) == "" {
		return Column{}, fmt.Errorf("invalid column definition %q: empty name", def)
	}
	typ, err := ParseColumnType(def[i+1:])
	if err != nil {
		return Column{}, fmt.Errorf("invalid column definition %q: %w", def, err)
	}
	return Column{Name: name, Type: typ}, nil
}

// Schema is an ordered list of columns. Column names are unique.
type Schema struct {
	Columns []Column
}

func NewSchema(cols ...Column) (Schema, error) {
	seen := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		if _, ok := seen[c.Name]; ok {
			return Schema{}, fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return Schema{Columns: slices.Clone(cols)}, nil
}

// MustSchema builds a schema from "name:type" definitions and panics on error.
// It is meant for static declarations and tests.
func MustSchema(defs ...string) Schema {
	s, err := ParseSchema(defs)
	if err != nil {
		panic(err)
	}
	return s
}

// ParseSchema builds a schema from "name:type" definitions.
func ParseSchema(defs []string) (Schema, error) {
	cols := make([]Column, 0, len(defs))
	for _, def := range defs {
		c, err := ParseColumn(def)
		if err != nil {
			return Schema{}, err
		}
		cols = append(cols, c)
	}
	return NewSchema(cols...)
}

func (s Schema) Len() int {
	return len(s.Columns)
}

// Index returns the position of the named column.
func (s Schema) Index(name string) (int, bool) {
	for i, c := range s.Columns {
		if c.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Lookup returns the named column.
func (s Schema) Lookup(name string) (Column, bool) {
	i, ok := s.Index(name)
	if !ok {
		return Column{}, false
	}
	return s.Columns[i], true
}

func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Indexes resolves column names to positions and reports the first missing name.
func (s Schema) Indexes(names []string) ([]int, error) {
	idx := make([]int, len(names))
	for i, name := range names {
		j, ok := s.Index(name)
		if !ok {
			return nil, fmt.Errorf("column %q not found", name)
		}
		idx[i] = j
	}
	return idx, nil
}

func (s Schema) Equal(o Schema) bool {
	return slices.Equal(s.Columns, o.Columns)
}

func (s Schema) Clone() Schema {
	return Schema{Columns: slices.Clone(s.Columns)}
}

func (s Schema) String() string {
	parts := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		parts[i] = c.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Union returns s followed by the columns of o that s does not have.
// Types of shared columns are taken from s.
func (s Schema) Union(o Schema) Schema {
	out := s.Clone()
	for _, c := range o.Columns {
		if _, ok := s.Index(c.Name); !ok {
			out.Columns = append(out.Columns, c)
		}
	}
	return out
}
