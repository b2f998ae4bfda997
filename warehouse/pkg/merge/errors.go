package merge

import (
	"errors"

	"github.com/malbeclabs/warehouse/warehouse/pkg/backup"
	"github.com/malbeclabs/warehouse/warehouse/pkg/dataset"
	"github.com/malbeclabs/warehouse/warehouse/pkg/hooks"
)

var (
	// ErrMissingColumn is returned when a required, key or hook column is
	// absent from the prepared batch.
	ErrMissingColumn = hooks.ErrMissingColumn
	// ErrSchemaMismatch is returned when an incoming column cannot be cast to
	// its on-disk type.
	ErrSchemaMismatch = dataset.ErrSchemaMismatch
	// ErrKeyTypeMismatch is returned when incoming key values cannot be
	// normalised to the on-disk key type.
	ErrKeyTypeMismatch = dataset.ErrKeyTypeMismatch
	// ErrBackupFailed is recorded, not returned: a failed backup never stops a
	// merge.
	ErrBackupFailed = backup.ErrBackupFailed
	// ErrWriteFailed is returned when the merged dataset could not be
	// persisted. The live file is unchanged.
	ErrWriteFailed = errors.New("write failed")
	// ErrSourceNotFound is recorded when no extract exists for a dataset.
	ErrSourceNotFound = errors.New("source not found")
	// ErrInvalidKeyOverride is returned when a key override names columns
	// that are not key columns of the dataset.
	ErrInvalidKeyOverride = errors.New("invalid key override")
)
