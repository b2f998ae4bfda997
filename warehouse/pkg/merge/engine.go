// Package merge applies a prepared batch to a dataset file: it backs up the
// current file, widens its schema when the registry asks for it, supersedes
// rows by key and atomically writes the result.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/warehouse/warehouse/pkg/backup"
	"github.com/malbeclabs/warehouse/warehouse/pkg/config"
	"github.com/malbeclabs/warehouse/warehouse/pkg/dataset"
	"github.com/malbeclabs/warehouse/warehouse/pkg/hooks"
	"github.com/malbeclabs/warehouse/warehouse/pkg/metrics"
	"github.com/malbeclabs/warehouse/warehouse/pkg/report"
)

type EngineConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Reporter *report.Reporter
	// Backups is optional; without it no backups are made.
	Backups *backup.Manager
	// Hooks is optional; without it batches are merged as parsed.
	Hooks *hooks.Registry
	// StrictCasts fails casts that lose information instead of only those
	// that cannot be performed.
	StrictCasts bool
}

func (cfg *EngineConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Reporter == nil {
		return errors.New("reporter is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Engine struct {
	log   *slog.Logger
	cfg   EngineConfig
	write func(ctx context.Context, path string, b *dataset.Batch) error
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:   cfg.Logger,
		cfg:   cfg,
		write: dataset.WriteFile,
	}, nil
}

type MergeOptions struct {
	// Source names where the batch came from, for the audit record.
	Source string
	// KeyOverride, when set, is the set of key tuples to supersede instead of
	// the batch's own.
	KeyOverride *dataset.Batch
	// Warnings found while reading the batch, added to the result.
	Warnings []string
}

func (e *Engine) castOptions() dataset.CastOptions {
	return dataset.CastOptions{Strict: e.cfg.StrictCasts}
}

// Merge applies batch to the dataset file at path and returns the audit
// record. Failures are reported in the result rather than returned; when the
// result is fatal the file at path is as it was before the call. The result
// has already been recorded with the reporter when Merge returns.
func (e *Engine) Merge(ctx context.Context, ds config.Dataset, path string, batch *dataset.Batch, opts MergeOptions) *report.MergeResult {
	res := report.NewMergeResult(ds.Name, opts.Source, e.cfg.Clock.Now())
	meter := report.StartMeter(e.cfg.Clock)
	defer func() {
		res.Usage = meter.Stop()
		res.FinishedAt = e.cfg.Clock.Now()
		e.cfg.Reporter.Record(res)
	}()

	if err := e.merge(ctx, res, ds, path, batch, opts); err != nil {
		res.Fail(err)
	}
	return res
}

func (e *Engine) merge(ctx context.Context, res *report.MergeResult, ds config.Dataset, path string, batch *dataset.Batch, opts MergeOptions) error {
	log := e.log.With("dataset", ds.Name)
	for _, w := range opts.Warnings {
		e.warn(res, w)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if batch == nil {
		batch = dataset.NewBatch(ds.Schema())
	}

	prepared, err := e.cfg.Hooks.Prepare(ctx, ds.Name, batch)
	if err != nil {
		return err
	}
	if err := prepared.Validate(); err != nil {
		return fmt.Errorf("invalid prepared batch: %w", err)
	}
	log.Debug("merge: batch prepared", "rows", prepared.Len(), "schema", prepared.Schema.String())

	if !ds.ExpectRows.Contains(prepared.Len()) {
		msg := fmt.Sprintf("batch has %d rows, expected between %d and %d", prepared.Len(), ds.ExpectRows.Min, ds.ExpectRows.Max)
		if ds.ExpectRows.Max == 0 {
			msg = fmt.Sprintf("batch has %d rows, expected at least %d", prepared.Len(), ds.ExpectRows.Min)
		}
		e.warn(res, msg)
	}

	for _, c := range ds.RequiredColumns() {
		if _, ok := prepared.Schema.Index(c); !ok {
			return fmt.Errorf("%w: %q", ErrMissingColumn, c)
		}
	}

	// Declared types apply to the batch before it meets the file, so a new
	// dataset is created with them.
	prepared, err = dataset.Reconcile(prepared, ds.Schema(), ds.Keys, e.castOptions())
	if err != nil {
		return err
	}

	if opts.KeyOverride != nil {
		if err := ValidateOverride(ds.Keys, opts.KeyOverride.Schema.Names()); err != nil {
			return err
		}
	}

	exists, err := dataset.Exists(path)
	if err != nil {
		return fmt.Errorf("failed to stat dataset: %w", err)
	}

	if prepared.Len() == 0 && opts.KeyOverride == nil {
		return e.skipEmpty(res, path, exists)
	}

	if exists {
		e.backup(ctx, res, ds.Name, path)
	}
	if res.BackupPath != report.NoBackup {
		res.State = report.StateBackedUp
	}

	var merged *dataset.Batch
	var migration dataset.Migration
	if len(ds.Keys) == 0 || !exists {
		res.Mode = report.ModeOverwrite
		if exists {
			n, err := dataset.CountRows(path)
			if err != nil {
				return fmt.Errorf("failed to count replaced rows: %w", err)
			}
			res.ReplacedRows = int(n)
		}
		if opts.KeyOverride != nil {
			e.warn(res, "key override ignored: dataset is overwritten")
		}
		merged = prepared
		res.RowsAdded = prepared.Len()
		res.FinalRowCount = prepared.Len()
		res.State = report.StateMerged
	} else {
		res.Mode = report.ModeUpsert
		existing, err := dataset.ReadFile(ctx, path)
		if err != nil {
			return fmt.Errorf("failed to read dataset: %w", err)
		}
		// Widening is applied to the rows in memory and persisted by the
		// single write below.
		migration = dataset.PlanMigration(existing.Schema, ds.Schema())
		for _, c := range migration.Skipped {
			e.warn(res, fmt.Sprintf("declared type not applied, it would narrow the column: %s", c))
		}
		if existing, err = migration.Apply(existing); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
		res.State = report.StateReconciled

		var stats Stats
		merged, stats, err = Upsert(existing, prepared, ds.Keys, UpsertOptions{
			Override: opts.KeyOverride,
			Cast:     e.castOptions(),
		})
		if err != nil {
			return err
		}
		res.ExistingRows = stats.ExistingRows
		res.RowsRemoved = stats.RowsRemoved
		res.RowsAdded = stats.RowsAdded
		res.FinalRowCount = stats.FinalRowCount
		res.DistinctKeys = stats.DistinctKeys
		res.State = report.StateMerged
		log.Debug("merge: rows superseded", "distinct_keys", stats.DistinctKeys, "rows_removed", stats.RowsRemoved)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: failed to create data dir: %w", ErrWriteFailed, err)
	}
	if err := e.write(ctx, path, merged); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	res.State = report.StateWritten
	e.recordMigration(res, ds.Name, migration)
	return nil
}

// skipEmpty records a merge of an empty batch without touching the file.
func (e *Engine) skipEmpty(res *report.MergeResult, path string, exists bool) error {
	res.Mode = report.ModeSkipped
	if exists {
		n, err := dataset.CountRows(path)
		if err != nil {
			return fmt.Errorf("failed to count rows: %w", err)
		}
		res.ExistingRows = int(n)
		res.FinalRowCount = int(n)
	}
	e.warn(res, "batch is empty, dataset left unchanged")
	return nil
}

func (e *Engine) backup(ctx context.Context, res *report.MergeResult, name, path string) {
	if e.cfg.Backups == nil {
		return
	}
	b, err := e.cfg.Backups.Backup(ctx, name, path)
	if err != nil {
		res.AddError(err)
		e.cfg.Reporter.Event(res, report.EventBackupFailed, "backup failed", "error", err.Error())
		e.log.Warn("merge: backup failed, continuing without one", "dataset", name, "error", err)
		metrics.BackupsTotal.WithLabelValues(name, "error").Inc()
		return
	}
	if !b.Created {
		return
	}
	metrics.BackupsTotal.WithLabelValues(name, "ok").Inc()
	res.BackupPath = b.Path
	e.cfg.Reporter.Event(res, report.EventBackupCreated, "backup created", "path", b.Path, "bytes", b.Bytes)
	switch {
	case b.MirrorErr != nil:
		e.warn(res, fmt.Sprintf("backup mirror failed: %v", b.MirrorErr))
	case b.MirrorURI != "":
		res.MirrorURI = b.MirrorURI
		e.cfg.Reporter.Event(res, report.EventBackupMirrored, "backup mirrored", "uri", b.MirrorURI)
	}
}

// recordMigration reports columns widened by a completed write.
func (e *Engine) recordMigration(res *report.MergeResult, name string, m dataset.Migration) {
	if len(m.Widened) == 0 {
		return
	}
	for _, c := range m.Widened {
		res.MigratedColumns = append(res.MigratedColumns, c.String())
		e.cfg.Reporter.Event(res, report.EventSchemaMigrated, "column widened", "column", c.Name, "from", string(c.From), "to", string(c.To))
	}
	metrics.SchemaMigrationsTotal.WithLabelValues(name).Add(float64(len(m.Widened)))
	e.log.Info("merge: schema migrated", "dataset", name, "columns", res.MigratedColumns)
}

func (e *Engine) warn(res *report.MergeResult, msg string) {
	res.AddWarning(msg)
	e.cfg.Reporter.Event(res, report.EventWarning, msg)
	e.log.Warn("merge: "+msg, "dataset", res.Dataset)
}
