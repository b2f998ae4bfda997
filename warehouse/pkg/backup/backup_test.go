package backup

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/warehouse/utils/pkg/retry"
	warehousetesting "github.com/malbeclabs/warehouse/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 1, 6, 9, 30, 15, 0, time.UTC)

// faultFS is the local filesystem with injectable failures.
type faultFS struct {
	OSFS
	createErr error
	writeErr  error
	removed   []string
}

func (f *faultFS) CreateExclusive(name string, perm fs.FileMode) (File, error) {
	if f.createErr != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: f.createErr}
	}
	file, err := f.OSFS.CreateExclusive(name, perm)
	if err != nil || f.writeErr == nil {
		return file, err
	}
	return &failingFile{File: file, err: f.writeErr}, nil
}

func (f *faultFS) Remove(name string) error {
	f.removed = append(f.removed, name)
	return f.OSFS.Remove(name)
}

type failingFile struct {
	File
	err error
}

func (f *failingFile) Write(p []byte) (int, error) {
	n, _ := f.File.Write(p[:len(p)/2])
	return n, f.err
}

func newTestManager(t *testing.T, dir string, fsys FS, mirror Mirror) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		Logger: warehousetesting.NewLogger(),
		Clock:  clockwork.NewFakeClockAt(testNow),
		Dir:    dir,
		FS:     fsys,
		Mirror: mirror,
	})
	require.NoError(t, err)
	return m
}

func writeDataset(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sales.parquet")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestWarehouse_Backup_ManagerConfig(t *testing.T) {
	t.Parallel()
	cfg := ManagerConfig{Logger: warehousetesting.NewLogger(), Dir: "/v"}
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.Clock)
	require.Equal(t, OSFS{}, cfg.FS)
	require.Equal(t, defaultMaxSequence, cfg.MaxSequence)

	require.EqualError(t, (&ManagerConfig{Dir: "/v"}).Validate(), "logger is required")
	require.EqualError(t, (&ManagerConfig{Logger: warehousetesting.NewLogger()}).Validate(), "versions dir is required")
}

func TestWarehouse_Backup_Manager(t *testing.T) {
	t.Parallel()

	t.Run("copies byte for byte and makes it read-only", func(t *testing.T) {
		t.Parallel()
		src := writeDataset(t, "PAR1 original content PAR1")
		versions := filepath.Join(t.TempDir(), "versions")
		m := newTestManager(t, versions, nil, nil)

		res, err := m.Backup(t.Context(), "sales", src)
		require.NoError(t, err)
		require.True(t, res.Created)
		require.Equal(t, filepath.Join(versions, "sales_20250106_093015.parquet"), res.Path)
		require.Equal(t, int64(26), res.Bytes)

		want, err := os.ReadFile(src)
		require.NoError(t, err)
		got, err := os.ReadFile(res.Path)
		require.NoError(t, err)
		require.Equal(t, want, got)

		info, err := os.Stat(res.Path)
		require.NoError(t, err)
		require.Equal(t, fs.FileMode(0o444), info.Mode().Perm())
	})

	t.Run("repeated backups in the same second never overwrite", func(t *testing.T) {
		t.Parallel()
		src := writeDataset(t, "v1")
		versions := t.TempDir()
		m := newTestManager(t, versions, nil, nil)

		var paths []string
		for i, content := range []string{"v1", "v2", "v3"} {
			require.NoError(t, os.WriteFile(src, []byte(content), 0o644))
			res, err := m.Backup(t.Context(), "sales", src)
			require.NoError(t, err, i)
			paths = append(paths, res.Path)
		}
		require.Equal(t, []string{
			filepath.Join(versions, "sales_20250106_093015.parquet"),
			filepath.Join(versions, "sales_20250106_093015_1.parquet"),
			filepath.Join(versions, "sales_20250106_093015_2.parquet"),
		}, paths)
		for i, want := range []string{"v1", "v2", "v3"} {
			got, err := os.ReadFile(paths[i])
			require.NoError(t, err)
			require.Equal(t, want, string(got))
		}
	})

	t.Run("sequence exhausted", func(t *testing.T) {
		t.Parallel()
		src := writeDataset(t, "v1")
		m, err := NewManager(ManagerConfig{
			Logger:      warehousetesting.NewLogger(),
			Clock:       clockwork.NewFakeClockAt(testNow),
			Dir:         t.TempDir(),
			MaxSequence: 1,
		})
		require.NoError(t, err)
		for range 2 {
			_, err := m.Backup(t.Context(), "sales", src)
			require.NoError(t, err)
		}
		_, err = m.Backup(t.Context(), "sales", src)
		require.ErrorIs(t, err, ErrBackupFailed)
		require.ErrorContains(t, err, "no free backup name")
	})

	t.Run("missing dataset file is not an error", func(t *testing.T) {
		t.Parallel()
		versions := t.TempDir()
		m := newTestManager(t, versions, nil, nil)
		res, err := m.Backup(t.Context(), "sales", filepath.Join(t.TempDir(), "nope.parquet"))
		require.NoError(t, err)
		require.False(t, res.Created)
		entries, err := os.ReadDir(versions)
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("permission error", func(t *testing.T) {
		t.Parallel()
		src := writeDataset(t, "v1")
		fsys := &faultFS{createErr: fs.ErrPermission}
		m := newTestManager(t, t.TempDir(), fsys, nil)
		res, err := m.Backup(t.Context(), "sales", src)
		require.ErrorIs(t, err, ErrBackupFailed)
		require.ErrorIs(t, err, fs.ErrPermission)
		require.False(t, res.Created)
	})

	t.Run("copy failure removes the partial file", func(t *testing.T) {
		t.Parallel()
		src := writeDataset(t, "some dataset bytes")
		versions := t.TempDir()
		fsys := &faultFS{writeErr: errors.New("disk full")}
		m := newTestManager(t, versions, fsys, nil)
		_, err := m.Backup(t.Context(), "sales", src)
		require.ErrorIs(t, err, ErrBackupFailed)
		require.ErrorContains(t, err, "disk full")
		require.Equal(t, []string{filepath.Join(versions, "sales_20250106_093015.parquet")}, fsys.removed)
		entries, err := os.ReadDir(versions)
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		m := newTestManager(t, t.TempDir(), nil, nil)
		_, err := m.Backup(ctx, "sales", writeDataset(t, "v1"))
		require.ErrorIs(t, err, context.Canceled)
	})
}

type fakeS3 struct {
	mu      sync.Mutex
	fail    int
	err     error
	objects map[string][]byte
	calls   int
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fail {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[*in.Bucket+"/"+*in.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func newTestMirror(t *testing.T, client S3API) *S3Mirror {
	t.Helper()
	m, err := NewS3Mirror(S3MirrorConfig{
		Logger: warehousetesting.NewLogger(),
		Client: client,
		Bucket: "backups",
		Prefix: "/warehouse/",
		Retry:  retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	require.NoError(t, err)
	return m
}

func TestWarehouse_Backup_S3Mirror(t *testing.T) {
	t.Parallel()

	t.Run("config", func(t *testing.T) {
		t.Parallel()
		cfg := S3MirrorConfig{Logger: warehousetesting.NewLogger(), Client: &fakeS3{}, Bucket: "b"}
		require.NoError(t, cfg.Validate())
		require.Equal(t, retry.DefaultConfig().MaxAttempts, cfg.Retry.MaxAttempts)
		require.EqualError(t, (&S3MirrorConfig{Logger: warehousetesting.NewLogger(), Client: &fakeS3{}}).Validate(), "bucket is required")
	})

	t.Run("backup is mirrored", func(t *testing.T) {
		t.Parallel()
		client := &fakeS3{}
		mirror := newTestMirror(t, client)
		m := newTestManager(t, t.TempDir(), nil, mirror)

		res, err := m.Backup(t.Context(), "sales", writeDataset(t, "v1"))
		require.NoError(t, err)
		require.NoError(t, res.MirrorErr)
		require.Equal(t, "s3://backups/warehouse/sales/sales_20250106_093015.parquet", res.MirrorURI)
		require.Equal(t, []byte("v1"), client.objects["backups/warehouse/sales/sales_20250106_093015.parquet"])
	})

	t.Run("transient failures are retried", func(t *testing.T) {
		t.Parallel()
		client := &fakeS3{fail: 2, err: errors.New("connection reset by peer")}
		mirror := newTestMirror(t, client)
		uri, err := mirror.Upload(t.Context(), "sales", writeDataset(t, "v1"))
		require.NoError(t, err)
		require.Equal(t, "s3://backups/warehouse/sales/sales.parquet", uri)
		require.Equal(t, 3, client.calls)
	})

	t.Run("mirror failure does not fail the backup", func(t *testing.T) {
		t.Parallel()
		client := &fakeS3{fail: 10, err: errors.New("AccessDenied")}
		mirror := newTestMirror(t, client)
		m := newTestManager(t, t.TempDir(), nil, mirror)

		res, err := m.Backup(t.Context(), "sales", writeDataset(t, "v1"))
		require.NoError(t, err)
		require.True(t, res.Created)
		require.Error(t, res.MirrorErr)
		require.Empty(t, res.MirrorURI)
		require.Equal(t, 1, client.calls)
	})
}
