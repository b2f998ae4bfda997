// Package report records the outcome of merges: the append-only process log,
// console logging, metrics and the end of run summary.
package report

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/malbeclabs/warehouse/utils/pkg/logger"
	"github.com/malbeclabs/warehouse/warehouse/pkg/metrics"
)

type ReporterConfig struct {
	Logger *slog.Logger
	// ProcessLog receives one line per event. Open it with OpenProcessLog so
	// it is only ever appended to.
	ProcessLog io.Writer
}

func (cfg *ReporterConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ProcessLog == nil {
		return errors.New("process log is required")
	}
	return nil
}

// Reporter writes merge events and results to the process log.
type Reporter struct {
	log  *slog.Logger
	proc *slog.Logger
}

func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Reporter{
		log:  cfg.Logger,
		proc: logger.NewText(cfg.ProcessLog),
	}, nil
}

// OpenProcessLog opens path for appending, creating it and its directory if
// needed. Existing content is never truncated.
func OpenProcessLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create process log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open process log: %w", err)
	}
	return f, nil
}

// EventKind names a process log event.
type EventKind string

const (
	EventBackupCreated   EventKind = "backup_created"
	EventBackupFailed    EventKind = "backup_failed"
	EventBackupMirrored  EventKind = "backup_mirrored"
	EventSchemaMigrated  EventKind = "schema_migrated"
	EventWarning         EventKind = "warning"
	EventSourceNotFound  EventKind = "source_not_found"
	EventDerivedSkipped  EventKind = "derived_skipped"
	EventDuplicateRemove EventKind = "duplicates_removed"
)

// Event appends one line for something that happened during a merge.
func (r *Reporter) Event(res *MergeResult, kind EventKind, msg string, attrs ...any) {
	args := []any{"event", string(kind), "dataset", res.Dataset, "op_id", res.OpID.String()}
	args = append(args, attrs...)
	switch kind {
	case EventBackupFailed, EventWarning, EventSourceNotFound, EventDerivedSkipped:
		r.proc.Warn(msg, args...)
	default:
		r.proc.Info(msg, args...)
	}
}

// Record appends the result line for a finished merge, logs it and updates
// metrics. A result that is not fatal is moved to StateReported.
func (r *Reporter) Record(res *MergeResult) {
	if !res.Fatal {
		res.State = StateReported
	}
	status := "ok"
	if res.Fatal {
		status = "error"
	}
	args := []any{
		"event", "merge_result",
		"dataset", res.Dataset,
		"source", res.Source,
		"op_id", res.OpID.String(),
		"mode", string(res.Mode),
		"state", string(res.State),
		"failed_at", string(res.FailedAt),
		"status", status,
		"existing_rows", res.ExistingRows,
		"rows_removed", res.RowsRemoved,
		"rows_added", res.RowsAdded,
		"final_row_count", res.FinalRowCount,
		"replaced_rows", res.ReplacedRows,
		"distinct_keys", res.DistinctKeys,
		"backup_path", res.BackupPath,
		"migrated_columns", strings.Join(res.MigratedColumns, ";"),
		"warnings", len(res.Warnings),
		"errors", strings.Join(res.Errors, "; "),
		"duration", res.Duration().String(),
		"heap_delta_bytes", strconv.FormatInt(res.Usage.HeapDelta, 10),
		"cpu_user", res.Usage.CPUUser.String(),
		"cpu_system", res.Usage.CPUSystem.String(),
	}

	if res.Fatal {
		r.proc.Error("merge failed", args...)
		r.log.Error("merge failed", "dataset", res.Dataset, "mode", res.Mode, "errors", strings.Join(res.Errors, "; "))
	} else {
		r.proc.Info("merge complete", args...)
		r.log.Info("merge complete",
			"dataset", res.Dataset,
			"mode", res.Mode,
			"existing_rows", res.ExistingRows,
			"rows_removed", res.RowsRemoved,
			"rows_added", res.RowsAdded,
			"final_row_count", res.FinalRowCount,
			"backup_path", res.BackupPath,
			"duration", res.Duration(),
		)
	}

	mode := string(res.Mode)
	if mode == "" {
		mode = "none"
	}
	metrics.MergesTotal.WithLabelValues(res.Dataset, mode, status).Inc()
	if res.Fatal || res.Mode == ModeSkipped {
		return
	}
	metrics.MergeDuration.WithLabelValues(res.Dataset).Observe(res.Duration().Seconds())
	metrics.RowsTotal.WithLabelValues(res.Dataset, "added").Add(float64(res.RowsAdded))
	metrics.RowsTotal.WithLabelValues(res.Dataset, "removed").Add(float64(res.RowsRemoved))
	metrics.RowsTotal.WithLabelValues(res.Dataset, "replaced").Add(float64(res.ReplacedRows))
	metrics.DatasetRows.WithLabelValues(res.Dataset).Set(float64(res.FinalRowCount))
}
