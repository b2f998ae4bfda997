package dataset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWarehouse_Dataset_NaturalKey(t *testing.T) {
	t.Parallel()

	t.Run("encoding is collision free across separators", func(t *testing.T) {
		t.Parallel()
		a := NewNaturalKey("a|b", "c").Encode()
		b := NewNaturalKey("a", "b|c").Encode()
		require.NotEqual(t, a, b)

		c := NewNaturalKey("1:2", "").Encode()
		d := NewNaturalKey("1", ":2").Encode()
		require.NotEqual(t, c, d)
	})

	t.Run("types are part of the key", func(t *testing.T) {
		t.Parallel()
		require.NotEqual(t, NewNaturalKey(int64(1)).Encode(), NewNaturalKey("1").Encode())
		require.NotEqual(t, NewNaturalKey(int64(1)).Encode(), NewNaturalKey(int32(1)).Encode())
	})

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()
		ts := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
		a := NewNaturalKey("2025-W1", int64(42), 1.5, ts).Encode()
		b := NewNaturalKey("2025-W1", int64(42), 1.5, ts).Encode()
		require.Equal(t, a, b)
	})

	t.Run("nulls match nulls only", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, NewNaturalKey(nil, "x").Encode(), NewNaturalKey(nil, "x").Encode())
		require.NotEqual(t, NewNaturalKey(nil).Encode(), NewNaturalKey("").Encode())
	})

	t.Run("negative zero folds", func(t *testing.T) {
		t.Parallel()
		negZero := 0.0
		negZero = -negZero
		require.Equal(t, NewNaturalKey(0.0).Encode(), NewNaturalKey(negZero).Encode())
	})
}

func TestWarehouse_Dataset_KeySet(t *testing.T) {
	t.Parallel()
	s := MustSchema("day:string", "id:int64", "sales:float64")
	b := NewBatch(s,
		[]any{"2025-W1", int64(42), 1.0},
		[]any{"2025-W1", int64(42), 2.0},
		[]any{"2025-W2", int64(7), 3.0},
	)

	ks, err := KeySetFromBatch(b, []string{"day", "id"})
	require.NoError(t, err)
	require.Equal(t, 2, ks.Len())
	require.Equal(t, []string{"day", "id"}, ks.Columns())
	require.True(t, ks.Contains(NewNaturalKey("2025-W1", int64(42)).Encode()))
	require.True(t, ks.Contains(NewNaturalKey("2025-W2", int64(7)).Encode()))
	require.False(t, ks.Contains(NewNaturalKey("2025-W1", int64(7)).Encode()))

	idx, err := s.Indexes([]string{"day", "id"})
	require.NoError(t, err)
	require.Equal(t, NewNaturalKey("2025-W2", int64(7)).Encode(), KeyOf(b.Rows[2], idx))

	require.NoError(t, ks.Add("2025-W3", int64(1)))
	require.Equal(t, 3, ks.Len())
	require.ErrorContains(t, ks.Add("2025-W3"), "expected 2")

	_, err = KeySetFromBatch(b, []string{"missing"})
	require.Error(t, err)
}
