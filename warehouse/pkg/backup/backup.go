// Package backup keeps an immutable copy of a dataset file before it is
// replaced. Backups are named after the clock time, never overwrite each
// other and are made read-only once written.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strconv"

	"github.com/jonboulle/clockwork"
)

// ErrBackupFailed is returned when a backup copy could not be made.
var ErrBackupFailed = errors.New("backup failed")

const (
	timestampLayout    = "20060102_150405"
	defaultMaxSequence = 1000
	readOnlyMode       = 0o444
)

// Mirror uploads a finished backup somewhere off host and returns its location.
type Mirror interface {
	Upload(ctx context.Context, name, localPath string) (string, error)
}

type ManagerConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	// Dir is the versions directory backups are written to.
	Dir string
	FS  FS
	// Mirror is optional.
	Mirror Mirror
	// MaxSequence bounds the _n suffixes tried when a name is taken.
	MaxSequence int
}

func (cfg *ManagerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Dir == "" {
		return errors.New("versions dir is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.FS == nil {
		cfg.FS = OSFS{}
	}
	if cfg.MaxSequence <= 0 {
		cfg.MaxSequence = defaultMaxSequence
	}
	return nil
}

type Manager struct {
	log *slog.Logger
	cfg ManagerConfig
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Result describes a backup attempt.
type Result struct {
	// Created is false when there was no dataset file to back up.
	Created bool
	Path    string
	Bytes   int64
	// MirrorURI is where the mirror put the copy, if a mirror is configured
	// and the upload succeeded.
	MirrorURI string
	// MirrorErr is the upload failure, if any. It never fails the backup.
	MirrorErr error
}

// Backup copies the dataset file at path into the versions directory as
// <name>_<YYYYMMDD_HHMMSS>[_n]<ext>. A missing file is not an error.
func (m *Manager) Backup(ctx context.Context, name, path string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	src, err := m.cfg.FS.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.log.Debug("backup: no dataset file, nothing to back up", "dataset", name, "path", path)
			return Result{}, nil
		}
		return Result{}, fmt.Errorf("%w: failed to open %s: %w", ErrBackupFailed, path, err)
	}
	defer src.Close()

	if err := m.cfg.FS.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("%w: failed to create versions dir: %w", ErrBackupFailed, err)
	}

	dst, dstPath, err := m.create(name, path)
	if err != nil {
		return Result{}, err
	}

	n, err := m.copy(dst, dstPath, src)
	if err != nil {
		return Result{}, err
	}

	res := Result{Created: true, Path: dstPath, Bytes: n}
	m.log.Info("backup: created", "dataset", name, "path", dstPath, "bytes", n)

	if m.cfg.Mirror != nil {
		uri, err := m.cfg.Mirror.Upload(ctx, name, dstPath)
		if err != nil {
			res.MirrorErr = err
			m.log.Warn("backup: mirror upload failed", "dataset", name, "path", dstPath, "error", err)
		} else {
			res.MirrorURI = uri
			m.log.Debug("backup: mirrored", "dataset", name, "uri", uri)
		}
	}
	return res, nil
}

// create opens a fresh backup file, appending a sequence suffix while the
// timestamped name is taken.
func (m *Manager) create(name, path string) (File, string, error) {
	ext := filepath.Ext(path)
	if ext == "" {
		ext = ".parquet"
	}
	base := name + "_" + m.cfg.Clock.Now().UTC().Format(timestampLayout)
	for seq := 0; seq <= m.cfg.MaxSequence; seq++ {
		candidate := base
		if seq > 0 {
			candidate += "_" + strconv.Itoa(seq)
		}
		dstPath := filepath.Join(m.cfg.Dir, candidate+ext)
		f, err := m.cfg.FS.CreateExclusive(dstPath, 0o644)
		if err == nil {
			return f, dstPath, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("%w: failed to create %s: %w", ErrBackupFailed, dstPath, err)
		}
	}
	return nil, "", fmt.Errorf("%w: no free backup name for %s after %d attempts", ErrBackupFailed, base, m.cfg.MaxSequence+1)
}

func (m *Manager) copy(dst File, dstPath string, src io.Reader) (n int64, err error) {
	defer func() {
		if err == nil {
			return
		}
		if rmErr := m.cfg.FS.Remove(dstPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = errors.Join(err, fmt.Errorf("failed to remove partial backup: %w", rmErr))
		}
	}()

	n, err = io.Copy(dst, src)
	if err != nil {
		dst.Close()
		return 0, fmt.Errorf("%w: failed to copy to %s: %w", ErrBackupFailed, dstPath, err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return 0, fmt.Errorf("%w: failed to sync %s: %w", ErrBackupFailed, dstPath, err)
	}
	if err := dst.Close(); err != nil {
		return 0, fmt.Errorf("%w: failed to close %s: %w", ErrBackupFailed, dstPath, err)
	}
	if err := m.cfg.FS.Chmod(dstPath, readOnlyMode); err != nil {
		return 0, fmt.Errorf("%w: failed to make %s read-only: %w", ErrBackupFailed, dstPath, err)
	}
	return n, nil
}
