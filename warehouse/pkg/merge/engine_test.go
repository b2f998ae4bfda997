package merge

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	warehousetesting "github.com/malbeclabs/warehouse/utils/pkg/testing"
	"github.com/malbeclabs/warehouse/warehouse/pkg/backup"
	"github.com/malbeclabs/warehouse/warehouse/pkg/config"
	"github.com/malbeclabs/warehouse/warehouse/pkg/dataset"
	"github.com/malbeclabs/warehouse/warehouse/pkg/hooks"
	"github.com/malbeclabs/warehouse/warehouse/pkg/report"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 1, 6, 9, 30, 0, 0, time.UTC)

const testRegistry = `
datasets:
  - name: sales
    columns: ["day:string", "id:int64", "sales:float64"]
    keys: [day, id]
    expect_rows: {min: 2}
  - name: products
    columns: ["id:int64", "name:string"]
    keys: [id]
  - name: pricing
    columns: ["sku:string", "price:float64"]
    required: [price]
`

// deniedFS refuses to create backup files.
type deniedFS struct {
	backup.OSFS
}

func (deniedFS) CreateExclusive(name string, _ fs.FileMode) (backup.File, error) {
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrPermission}
}

type testEnv struct {
	engine   *Engine
	reg      *config.Registry
	hooks    *hooks.Registry
	dataDir  string
	versions string
	procLog  *bytes.Buffer
}

func newTestEnv(t *testing.T, fsys backup.FS) *testEnv {
	t.Helper()
	dir := t.TempDir()
	reg, err := config.Parse([]byte(testRegistry), dir)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(reg.DataDir, 0o755))

	log := warehousetesting.NewLogger()
	clock := clockwork.NewFakeClockAt(testNow)
	var procLog bytes.Buffer
	reporter, err := report.NewReporter(report.ReporterConfig{Logger: log, ProcessLog: &procLog})
	require.NoError(t, err)
	backups, err := backup.NewManager(backup.ManagerConfig{
		Logger: log,
		Clock:  clock,
		Dir:    reg.VersionsDir,
		FS:     fsys,
	})
	require.NoError(t, err)
	hookReg := hooks.NewRegistry()
	engine, err := NewEngine(EngineConfig{
		Logger:   log,
		Clock:    clock,
		Reporter: reporter,
		Backups:  backups,
		Hooks:    hookReg,
	})
	require.NoError(t, err)
	return &testEnv{
		engine:   engine,
		reg:      reg,
		hooks:    hookReg,
		dataDir:  reg.DataDir,
		versions: reg.VersionsDir,
		procLog:  &procLog,
	}
}

func (e *testEnv) dataset(t *testing.T, name string) (config.Dataset, string) {
	t.Helper()
	ds, ok := e.reg.Dataset(name)
	require.True(t, ok)
	return ds, e.reg.Path(ds.File)
}

func (e *testEnv) merge(t *testing.T, name string, b *dataset.Batch, opts MergeOptions) *report.MergeResult {
	t.Helper()
	ds, path := e.dataset(t, name)
	return e.engine.Merge(t.Context(), ds, path, b, opts)
}

func readRows(t *testing.T, path string) *dataset.Batch {
	t.Helper()
	b, err := dataset.ReadFile(t.Context(), path)
	require.NoError(t, err)
	return b
}

func TestWarehouse_Merge_Engine(t *testing.T) {
	t.Parallel()

	t.Run("config", func(t *testing.T) {
		t.Parallel()
		_, err := NewEngine(EngineConfig{})
		require.EqualError(t, err, "logger is required")
		_, err = NewEngine(EngineConfig{Logger: warehousetesting.NewLogger()})
		require.EqualError(t, err, "reporter is required")
	})

	t.Run("scenario A: upsert with backup", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		_, path := env.dataset(t, "sales")
		require.NoError(t, dataset.WriteFile(t.Context(), path, scenarioA()))
		before, err := os.ReadFile(path)
		require.NoError(t, err)

		res := env.merge(t, "sales", dataset.NewBatch(salesSchema,
			[]any{"2025-W1", int64(42), 999.0},
			[]any{"2025-W1", int64(42), 998.0},
		), MergeOptions{Source: "sales_week1.csv"})

		require.False(t, res.Fatal, res.Errors)
		require.Equal(t, report.ModeUpsert, res.Mode)
		require.Equal(t, report.StateReported, res.State)
		require.Equal(t, 100, res.ExistingRows)
		require.Equal(t, 3, res.RowsRemoved)
		require.Equal(t, 2, res.RowsAdded)
		require.Equal(t, 99, res.FinalRowCount)
		require.Equal(t, 1, res.DistinctKeys)
		require.True(t, res.Balanced())
		require.Empty(t, res.Errors)
		require.Equal(t, testNow, res.StartedAt)

		require.Equal(t, filepath.Join(env.versions, "sales_20250106_093000.parquet"), res.BackupPath)
		backupBytes, err := os.ReadFile(res.BackupPath)
		require.NoError(t, err)
		require.Equal(t, before, backupBytes)
		info, err := os.Stat(res.BackupPath)
		require.NoError(t, err)
		require.Equal(t, fs.FileMode(0o444), info.Mode().Perm())

		got := readRows(t, path)
		require.Len(t, got.Rows, 99)
		require.Equal(t, salesSchema, got.Schema)

		log := env.procLog.String()
		require.Contains(t, log, "event=backup_created")
		require.Contains(t, log, "event=merge_result")
		require.Contains(t, log, "rows_removed=3")
		require.Contains(t, log, "source=sales_week1.csv")
	})

	t.Run("scenario B: absent dataset is created", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		products := dataset.NewBatch(dataset.MustSchema("id:int64", "name:string"))
		for i := range 50 {
			products.Rows = append(products.Rows, []any{int64(i), "p"})
		}
		res := env.merge(t, "products", products, MergeOptions{})

		require.False(t, res.Fatal, res.Errors)
		require.Equal(t, report.ModeOverwrite, res.Mode)
		require.Zero(t, res.ExistingRows)
		require.Zero(t, res.RowsRemoved)
		require.Equal(t, 50, res.RowsAdded)
		require.Equal(t, 50, res.FinalRowCount)
		require.Equal(t, report.NoBackup, res.BackupPath)
		require.NoDirExists(t, env.versions)

		_, path := env.dataset(t, "products")
		require.Len(t, readRows(t, path).Rows, 50)
	})

	t.Run("scenario C: backup failure does not stop the merge", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, deniedFS{})
		_, path := env.dataset(t, "sales")
		require.NoError(t, dataset.WriteFile(t.Context(), path, scenarioA()))

		res := env.merge(t, "sales", dataset.NewBatch(salesSchema,
			[]any{"2025-W1", int64(42), 1.0},
			[]any{"2025-W9", int64(1), 2.0},
		), MergeOptions{})

		require.False(t, res.Fatal)
		require.Equal(t, report.StateReported, res.State)
		require.Equal(t, report.NoBackup, res.BackupPath)
		require.Len(t, res.Errors, 1)
		require.Contains(t, res.Errors[0], "backup failed")
		require.Contains(t, res.Errors[0], "permission denied")
		require.Equal(t, 3, res.RowsRemoved)
		require.Equal(t, 2, res.RowsAdded)
		require.Equal(t, 99, res.FinalRowCount)
		require.Len(t, readRows(t, path).Rows, 99)
		require.Contains(t, env.procLog.String(), "event=backup_failed")
	})

	t.Run("write failure leaves the live file untouched", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		_, path := env.dataset(t, "sales")
		require.NoError(t, dataset.WriteFile(t.Context(), path, scenarioA()))
		before, err := os.ReadFile(path)
		require.NoError(t, err)

		env.engine.write = func(context.Context, string, *dataset.Batch) error {
			return errors.New("no space left on device")
		}
		res := env.merge(t, "sales", dataset.NewBatch(salesSchema, []any{"2025-W1", int64(42), 1.0}), MergeOptions{})

		require.True(t, res.Fatal)
		require.ErrorIs(t, res.Err, ErrWriteFailed)
		require.Equal(t, report.StateErrored, res.State)
		after, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, before, after)
		require.Contains(t, env.procLog.String(), "merge failed")
	})

	t.Run("key type mismatch is fatal", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		_, path := env.dataset(t, "sales")
		require.NoError(t, dataset.WriteFile(t.Context(), path, scenarioA()))

		res := env.merge(t, "sales", dataset.NewBatch(dataset.MustSchema("day:string", "id:string", "sales:float64"),
			[]any{"2025-W1", "forty-two", 1.0},
			[]any{"2025-W1", "42", 1.0},
		), MergeOptions{})
		require.True(t, res.Fatal)
		require.ErrorIs(t, res.Err, ErrKeyTypeMismatch)
		require.Len(t, readRows(t, path).Rows, 100)
	})

	t.Run("missing required column is fatal", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		res := env.merge(t, "pricing", dataset.NewBatch(dataset.MustSchema("sku:string"), []any{"A1"}), MergeOptions{})
		require.True(t, res.Fatal)
		require.ErrorIs(t, res.Err, ErrMissingColumn)
		require.Contains(t, res.Errors[0], `"price"`)
	})

	t.Run("re-running a merge is idempotent", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		_, path := env.dataset(t, "sales")
		require.NoError(t, dataset.WriteFile(t.Context(), path, scenarioA()))
		batch := dataset.NewBatch(salesSchema,
			[]any{"2025-W1", int64(42), 1.0},
			[]any{"2025-W3", int64(5), 2.0},
		)

		first := env.merge(t, "sales", batch, MergeOptions{})
		require.False(t, first.Fatal, first.Errors)
		afterFirst := readRows(t, path)

		second := env.merge(t, "sales", batch, MergeOptions{})
		require.False(t, second.Fatal, second.Errors)
		require.Equal(t, afterFirst.Rows, readRows(t, path).Rows)
		require.Equal(t, 2, second.RowsRemoved)
		require.Equal(t, first.FinalRowCount, second.FinalRowCount)

		// Same clock second: the second backup gets a sequence suffix.
		require.Equal(t, filepath.Join(env.versions, "sales_20250106_093000_1.parquet"), second.BackupPath)
		require.FileExists(t, first.BackupPath)
	})

	t.Run("narrow on-disk columns are widened first", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		_, path := env.dataset(t, "sales")
		require.NoError(t, dataset.WriteFile(t.Context(), path, dataset.NewBatch(
			dataset.MustSchema("day:string", "id:int32", "sales:float32"),
			[]any{"2025-W1", int32(42), float32(1.5)},
			[]any{"2025-W2", int32(7), float32(2.5)},
		)))

		res := env.merge(t, "sales", dataset.NewBatch(salesSchema,
			[]any{"2025-W1", int64(42), 10.0},
			[]any{"2025-W3", int64(3_000_000_000), 20.0},
		), MergeOptions{})
		require.False(t, res.Fatal, res.Errors)
		require.Equal(t, []string{"id: int32 -> int64", "sales: float32 -> float64"}, res.MigratedColumns)
		require.Equal(t, 1, res.RowsRemoved)

		got := readRows(t, path)
		require.Equal(t, salesSchema, got.Schema)
		require.Equal(t, [][]any{
			{"2025-W2", int64(7), 2.5},
			{"2025-W1", int64(42), 10.0},
			{"2025-W3", int64(3_000_000_000), 20.0},
		}, got.Rows)
		require.Contains(t, env.procLog.String(), "event=schema_migrated")

		// The backup holds the file as it was before the migration.
		old, err := dataset.ReadSchema(res.BackupPath)
		require.NoError(t, err)
		require.Equal(t, dataset.MustSchema("day:string", "id:int32", "sales:float32"), old)
	})

	t.Run("widening is not persisted when the write fails", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		_, path := env.dataset(t, "sales")
		narrow := dataset.MustSchema("day:string", "id:int32", "sales:float32")
		require.NoError(t, dataset.WriteFile(t.Context(), path, dataset.NewBatch(narrow,
			[]any{"2025-W1", int32(42), float32(1.5)},
			[]any{"2025-W2", int32(7), float32(2.5)},
		)))
		before, err := os.ReadFile(path)
		require.NoError(t, err)

		env.engine.write = func(context.Context, string, *dataset.Batch) error {
			return errors.New("no space left on device")
		}
		res := env.merge(t, "sales", dataset.NewBatch(salesSchema, []any{"2025-W1", int64(42), 10.0}), MergeOptions{})

		require.True(t, res.Fatal)
		require.ErrorIs(t, res.Err, ErrWriteFailed)
		require.Equal(t, report.StateMerged, res.FailedAt)
		require.Empty(t, res.MigratedColumns)
		require.NotContains(t, env.procLog.String(), "event=schema_migrated")
		after, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, before, after)
		schema, err := dataset.ReadSchema(path)
		require.NoError(t, err)
		require.Equal(t, narrow, schema)
	})

	t.Run("backed up state only when a backup exists", func(t *testing.T) {
		t.Parallel()
		for name, fsys := range map[string]backup.FS{"backup made": nil, "backup failed": deniedFS{}} {
			env := newTestEnv(t, fsys)
			_, path := env.dataset(t, "products")
			require.NoError(t, os.WriteFile(path, []byte("not a parquet file"), 0o644))

			res := env.merge(t, "products", dataset.NewBatch(dataset.MustSchema("id:int64", "name:string"),
				[]any{int64(1), "a"},
			), MergeOptions{})
			require.True(t, res.Fatal, name)
			if fsys == nil {
				require.NotEqual(t, report.NoBackup, res.BackupPath, name)
				require.Equal(t, report.StateBackedUp, res.FailedAt, name)
			} else {
				require.Equal(t, report.NoBackup, res.BackupPath, name)
				require.Equal(t, report.StateStart, res.FailedAt, name)
			}
		}
	})

	t.Run("wider on-disk columns are kept", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		_, path := env.dataset(t, "products")
		require.NoError(t, dataset.WriteFile(t.Context(), path, dataset.NewBatch(
			dataset.MustSchema("id:float64", "name:string"),
			[]any{1.0, "a"},
		)))
		res := env.merge(t, "products", dataset.NewBatch(dataset.MustSchema("id:int64", "name:string"),
			[]any{int64(1), "b"},
		), MergeOptions{})
		require.False(t, res.Fatal, res.Errors)
		require.Equal(t, 1, res.RowsRemoved)
		require.Len(t, res.Warnings, 1)
		require.Contains(t, res.Warnings[0], "id: float64 -> int64")

		got := readRows(t, path)
		require.Equal(t, dataset.MustSchema("id:float64", "name:string"), got.Schema)
		require.Equal(t, [][]any{{1.0, "b"}}, got.Rows)
	})

	t.Run("no keys overwrites and reports replaced rows", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		_, path := env.dataset(t, "pricing")
		schema := dataset.MustSchema("sku:string", "price:float64")
		require.NoError(t, dataset.WriteFile(t.Context(), path, dataset.NewBatch(schema,
			[]any{"A", 1.0}, []any{"B", 2.0}, []any{"C", 3.0},
		)))
		res := env.merge(t, "pricing", dataset.NewBatch(schema, []any{"A", 1.5}), MergeOptions{})
		require.False(t, res.Fatal, res.Errors)
		require.Equal(t, report.ModeOverwrite, res.Mode)
		require.Equal(t, 3, res.ReplacedRows)
		require.Zero(t, res.ExistingRows)
		require.Equal(t, 1, res.FinalRowCount)
		require.True(t, res.Balanced())
		require.NotEqual(t, report.NoBackup, res.BackupPath)
		require.Equal(t, [][]any{{"A", 1.5}}, readRows(t, path).Rows)
	})

	t.Run("empty batch leaves the dataset alone", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		_, path := env.dataset(t, "sales")
		require.NoError(t, dataset.WriteFile(t.Context(), path, scenarioA()))

		res := env.merge(t, "sales", dataset.NewBatch(salesSchema), MergeOptions{})
		require.False(t, res.Fatal)
		require.Equal(t, report.ModeSkipped, res.Mode)
		require.Equal(t, 100, res.ExistingRows)
		require.Equal(t, 100, res.FinalRowCount)
		require.Equal(t, report.NoBackup, res.BackupPath)
		require.NoDirExists(t, env.versions)
		// Below expect_rows and empty.
		require.Len(t, res.Warnings, 2)
	})

	t.Run("row count outside expectation warns", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		res := env.merge(t, "sales", dataset.NewBatch(salesSchema, []any{"2025-W1", int64(1), 1.0}), MergeOptions{})
		require.False(t, res.Fatal)
		require.Equal(t, []string{"batch has 1 rows, expected at least 2"}, res.Warnings)
		require.Contains(t, env.procLog.String(), "event=warning")
	})

	t.Run("key override", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		_, path := env.dataset(t, "sales")
		require.NoError(t, dataset.WriteFile(t.Context(), path, scenarioA()))

		override := dataset.NewBatch(dataset.MustSchema("day:string"), []any{"2025-W2"})
		res := env.merge(t, "sales", dataset.NewBatch(salesSchema,
			[]any{"2025-W2", int64(1), 1.0},
			[]any{"2025-W2", int64(2), 2.0},
		), MergeOptions{KeyOverride: override})
		require.False(t, res.Fatal, res.Errors)
		require.Equal(t, 50, res.RowsRemoved)
		require.Equal(t, 52, res.FinalRowCount)
		require.Equal(t, 1, res.DistinctKeys)

		bad := dataset.NewBatch(dataset.MustSchema("sales:float64"), []any{1.0})
		res = env.merge(t, "sales", dataset.NewBatch(salesSchema, []any{"2025-W2", int64(1), 1.0}), MergeOptions{KeyOverride: bad})
		require.True(t, res.Fatal)
		require.ErrorIs(t, res.Err, ErrInvalidKeyOverride)
		require.Len(t, readRows(t, path).Rows, 52)
	})

	t.Run("hooks prepare the batch", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		env.hooks.Register("products", hooks.Rename{Columns: map[string]string{"Item": "id"}})
		res := env.merge(t, "products", dataset.NewBatch(dataset.MustSchema("Item:string", "name:string"),
			[]any{"7", "widget"},
		), MergeOptions{})
		require.False(t, res.Fatal, res.Errors)

		_, path := env.dataset(t, "products")
		got := readRows(t, path)
		require.Equal(t, dataset.MustSchema("id:int64", "name:string"), got.Schema)
		require.Equal(t, [][]any{{int64(7), "widget"}}, got.Rows)

		env.hooks.Register("products", hooks.Rename{Columns: map[string]string{"Missing": "id"}})
		res = env.merge(t, "products", dataset.NewBatch(dataset.MustSchema("Item:string"), []any{"8"}), MergeOptions{})
		require.True(t, res.Fatal)
		require.ErrorIs(t, res.Err, ErrMissingColumn)
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		ds, path := env.dataset(t, "products")
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		res := env.engine.Merge(ctx, ds, path, dataset.NewBatch(dataset.MustSchema("id:int64", "name:string"), []any{int64(1), "a"}), MergeOptions{})
		require.True(t, res.Fatal)
		require.ErrorIs(t, res.Err, context.Canceled)
		require.NoFileExists(t, path)
	})

	t.Run("usage is recorded", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		res := env.merge(t, "products", dataset.NewBatch(dataset.MustSchema("id:int64", "name:string"), []any{int64(1), "a"}), MergeOptions{})
		require.False(t, res.Fatal)
		require.Equal(t, testNow, res.FinishedAt)
		require.Zero(t, res.Usage.Wall)
		require.True(t, strings.Contains(env.procLog.String(), "cpu_user="))
	})
}
