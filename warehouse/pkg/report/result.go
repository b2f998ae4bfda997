package report

import (
	"time"

	"github.com/google/uuid"
)

// Mode is how a merge treated the existing dataset.
type Mode string

const (
	// ModeUpsert superseded existing rows by key and appended the batch.
	ModeUpsert Mode = "upsert"
	// ModeOverwrite replaced the dataset with the batch.
	ModeOverwrite Mode = "overwrite"
	// ModeSkipped means nothing was merged, e.g. no extract was found.
	ModeSkipped Mode = "skipped"
)

// State is the step a merge reached.
type State string

const (
	StateStart      State = "start"
	StateBackedUp   State = "backed_up"
	StateReconciled State = "reconciled"
	StateMerged     State = "merged"
	StateWritten    State = "written"
	StateReported   State = "reported"
	StateErrored    State = "errored"
)

// NoBackup is the backup path recorded when no backup was made.
const NoBackup = "none"

// MergeResult is the audit record of one merge.
type MergeResult struct {
	Dataset string    `json:"dataset"`
	Source  string    `json:"source,omitempty"`
	OpID    uuid.UUID `json:"op_id"`
	Mode    Mode      `json:"mode"`
	State   State     `json:"state"`

	ExistingRows  int `json:"existing_rows"`
	RowsRemoved   int `json:"rows_removed"`
	RowsAdded     int `json:"rows_added"`
	FinalRowCount int `json:"final_row_count"`
	// ReplacedRows is the size of the content an overwrite discarded.
	ReplacedRows int `json:"replaced_rows,omitempty"`
	DistinctKeys int `json:"distinct_keys"`

	BackupPath      string   `json:"backup_path"`
	MirrorURI       string   `json:"mirror_uri,omitempty"`
	MigratedColumns []string `json:"migrated_columns,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	// Fatal is set when the merge did not complete; the dataset file is as it
	// was before the merge.
	Fatal bool `json:"fatal"`
	// Err is the fatal error, for callers that need errors.Is.
	Err error `json:"-"`
	// FailedAt is the last state reached before the fatal error.
	FailedAt State `json:"failed_at,omitempty"`

	Usage      Usage     `json:"usage"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewMergeResult starts a result for a merge beginning at now.
func NewMergeResult(dataset, source string, now time.Time) *MergeResult {
	return &MergeResult{
		Dataset:    dataset,
		Source:     source,
		OpID:       uuid.New(),
		State:      StateStart,
		BackupPath: NoBackup,
		StartedAt:  now,
	}
}

// AddWarning records a non-fatal problem.
func (r *MergeResult) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// AddError records a non-fatal error.
func (r *MergeResult) AddError(err error) {
	r.Errors = append(r.Errors, err.Error())
}

// Fail records a fatal error and moves the result to StateErrored.
func (r *MergeResult) Fail(err error) {
	r.AddError(err)
	r.Fatal = true
	r.Err = err
	if r.State != StateErrored {
		r.FailedAt = r.State
	}
	r.State = StateErrored
}

// Balanced reports whether the row accounting identity holds.
func (r *MergeResult) Balanced() bool {
	return r.FinalRowCount == r.ExistingRows-r.RowsRemoved+r.RowsAdded
}

// Duration is the wall time from start to finish.
func (r *MergeResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
