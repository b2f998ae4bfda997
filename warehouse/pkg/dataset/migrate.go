package dataset

import (
	"context"
	"fmt"
)

// ColumnChange describes a type change of one column.
type ColumnChange struct {
	Name string
	From ColumnType
	To   ColumnType
}

func (c ColumnChange) String() string {
	return fmt.Sprintf("%s: %s -> %s", c.Name, c.From, c.To)
}

// Migration is the outcome of Migrate.
type Migration struct {
	// Widened columns were rewritten on disk to the declared type.
	Widened []ColumnChange
	// Skipped columns are declared with a type the on-disk type does not
	// widen to; they keep their on-disk type.
	Skipped []ColumnChange
}

// PlanMigration compares the on-disk schema with the declared one. Columns
// whose declared type widens the on-disk type are planned; narrower declared
// types are skipped.
func PlanMigration(onDisk, declared Schema) Migration {
	var m Migration
	for _, c := range onDisk.Columns {
		d, ok := declared.Lookup(c.Name)
		if !ok || d.Type == c.Type {
			continue
		}
		change := ColumnChange{Name: c.Name, From: c.Type, To: d.Type}
		if IsWidening(c.Type, d.Type) {
			m.Widened = append(m.Widened, change)
		} else {
			m.Skipped = append(m.Skipped, change)
		}
	}
	return m
}

// Apply widens the planned columns of b, which holds the on-disk rows.
func (m Migration) Apply(b *Batch) (*Batch, error) {
	if len(m.Widened) == 0 {
		return b, nil
	}
	types := make(map[string]ColumnType, len(m.Widened))
	for _, c := range m.Widened {
		types[c.Name] = c.To
	}
	out, err := CastBatch(b, types, CastOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to widen: %w", err)
	}
	return out, nil
}

// Migrate widens on-disk columns that are narrower than their declared type
// and atomically rewrites the file when anything changed. Columns are never
// narrowed. A missing file is not an error.
func Migrate(ctx context.Context, path string, declared Schema) (Migration, error) {
	ok, err := Exists(path)
	if err != nil || !ok {
		return Migration{}, err
	}
	onDisk, err := ReadSchema(path)
	if err != nil {
		return Migration{}, err
	}
	m := PlanMigration(onDisk, declared)
	if len(m.Widened) == 0 {
		return m, nil
	}

	b, err := ReadFile(ctx, path)
	if err != nil {
		return Migration{}, err
	}
	widened, err := m.Apply(b)
	if err != nil {
		return Migration{}, fmt.Errorf("%s: %w", path, err)
	}
	if err := WriteFile(ctx, path, widened); err != nil {
		return Migration{}, fmt.Errorf("failed to rewrite %s: %w", path, err)
	}
	return m, nil
}
