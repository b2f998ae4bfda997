package dataset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWarehouse_Dataset_ParseColumn(t *testing.T) {
	t.Parallel()

	t.Run("simple", func(t *testing.T) {
		t.Parallel()
		c, err := ParseColumn("day:string")
		require.NoError(t, err)
		require.Equal(t, Column{Name: "day", Type: TypeString}, c)
		require.Equal(t, "day:string", c.String())
	})

	t.Run("name with colon splits on last colon", func(t *testing.T) {
		t.Parallel()
		c, err := ParseColumn("ratio:a:b:float64")
		require.NoError(t, err)
		require.Equal(t, "ratio:a:b", c.Name)
		require.Equal(t, TypeFloat64, c.Type)
	})

	t.Run("aliases", func(t *testing.T) {
		t.Parallel()
		c, err := ParseColumn("id:BIGINT")
		require.NoError(t, err)
		require.Equal(t, TypeInt64, c.Type)
		c, err = ParseColumn("seg:category")
		require.NoError(t, err)
		require.Equal(t, TypeCategorical, c.Type)
	})

	t.Run("errors", func(t *testing.T) {
		t.Parallel()
		_, err := ParseColumn("day")
		require.Error(t, err)
		_, err = ParseColumn(":string")
		require.Error(t, err)
		_, err = ParseColumn("day:decimal")
		require.ErrorContains(t, err, "unknown column type")
	})
}

func TestWarehouse_Dataset_Schema(t *testing.T) {
	t.Parallel()

	t.Run("duplicate columns rejected", func(t *testing.T) {
		t.Parallel()
		_, err := ParseSchema([]string{"id:int64", "id:string"})
		require.ErrorContains(t, err, "duplicate column")
	})

	t.Run("lookup and indexes", func(t *testing.T) {
		t.Parallel()
		s := MustSchema("day:string", "id:int64", "sales:float64")
		require.Equal(t, []string{"day", "id", "sales"}, s.Names())
		i, ok := s.Index("sales")
		require.True(t, ok)
		require.Equal(t, 2, i)
		idx, err := s.Indexes([]string{"id", "day"})
		require.NoError(t, err)
		require.Equal(t, []int{1, 0}, idx)
		_, err = s.Indexes([]string{"nope"})
		require.ErrorContains(t, err, `"nope"`)
	})

	t.Run("union keeps left order and types", func(t *testing.T) {
		t.Parallel()
		a := MustSchema("day:string", "id:int64")
		b := MustSchema("id:int32", "region:categorical", "day:string")
		u := a.Union(b)
		require.Equal(t, MustSchema("day:string", "id:int64", "region:categorical"), u)
		require.Len(t, a.Columns, 2)
	})

	t.Run("equal and clone", func(t *testing.T) {
		t.Parallel()
		a := MustSchema("day:string", "id:int64")
		c := a.Clone()
		require.True(t, a.Equal(c))
		c.Columns[0].Type = TypeCategorical
		require.False(t, a.Equal(c))
		require.Equal(t, TypeString, a.Columns[0].Type)
	})
}

func TestWarehouse_Dataset_Batch(t *testing.T) {
	t.Parallel()
	s := MustSchema("day:string", "id:int64")

	t.Run("validate", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, NewBatch(s, []any{"a", int64(1)}, []any{nil, nil}).Validate())
		require.ErrorContains(t, NewBatch(s, []any{"a"}).Validate(), "expected exactly 2")
		require.ErrorContains(t, NewBatch(s, []any{"a", 1}).Validate(), "does not conform")
	})

	t.Run("project reorders and null fills", func(t *testing.T) {
		t.Parallel()
		b := NewBatch(s, []any{"a", int64(1)})
		p, err := b.Project(MustSchema("id:int64", "extra:string", "day:string"))
		require.NoError(t, err)
		require.Equal(t, [][]any{{int64(1), nil, "a"}}, p.Rows)
	})

	t.Run("clone is deep", func(t *testing.T) {
		t.Parallel()
		b := NewBatch(s, []any{"a", int64(1)})
		c := b.Clone()
		c.Rows[0][0] = "b"
		require.Equal(t, "a", b.Rows[0][0])
	})

	t.Run("column", func(t *testing.T) {
		t.Parallel()
		b := NewBatch(s, []any{"a", int64(1)}, []any{"b", int64(2)})
		vals, err := b.Column("id")
		require.NoError(t, err)
		require.Equal(t, []any{int64(1), int64(2)}, vals)
		var nb *Batch
		require.Equal(t, 0, nb.Len())
	})
}
