package backup

import (
	"io"
	"io/fs"
	"os"
)

// File is a writable file handle.
type File interface {
	io.Writer
	Sync() error
	Close() error
}

// FS is the filesystem the manager works against.
type FS interface {
	Open(name string) (io.ReadCloser, error)
	// CreateExclusive creates name and fails with fs.ErrExist if it exists.
	CreateExclusive(name string, perm fs.FileMode) (File, error)
	Chmod(name string, mode fs.FileMode) error
	Remove(name string) error
	MkdirAll(path string, perm fs.FileMode) error
}

// OSFS is the local filesystem.
type OSFS struct{}

func (OSFS) Open(name string) (io.ReadCloser, error) {
	return os.Open(name)
}

func (OSFS) CreateExclusive(name string, perm fs.FileMode) (File, error) {
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
}

func (OSFS) Chmod(name string, mode fs.FileMode) error {
	return os.Chmod(name, mode)
}

func (OSFS) Remove(name string) error {
	return os.Remove(name)
}

func (OSFS) MkdirAll(path string, perm fs.FileMode) error {
	return os.MkdirAll(path, perm)
}
