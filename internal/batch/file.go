// Package batch reads local batch files: the caller-owned CSV inputs of a
// pipeline run.
//
// A File is reopenable so a run can scan it (row counting) and then stream it
// to the object store without holding it in memory twice.
package batch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrEmptyName is returned when a File has no logical name.
var ErrEmptyName = errors.New("batch: file name is required")

// File is a read-only batch source with a logical identity.
type File struct {
	Name string // Logical file name, e.g. "pokemon_gen_6_data_1.csv"
	Size int64  // Size in bytes, 0 if unknown

	open func() (io.ReadCloser, error)
}

// FromPath returns a File backed by a file on disk.
func FromPath(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat batch file: %w", err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("batch file %s is a directory", path)
	}

	return File{
		Name: filepath.Base(path),
		Size: info.Size(),
		open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// FromBytes returns a File backed by an in-memory buffer.
// The buffer must not be modified while the File is in use.
func FromBytes(name string, data []byte) File {
	return File{
		Name: name,
		Size: int64(len(data)),
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// Open returns a fresh reader over the raw file contents.
func (f File) Open() (io.ReadCloser, error) {
	if f.Name == "" {
		return nil, ErrEmptyName
	}
	if f.open == nil {
		return nil, fmt.Errorf("batch: file %q has no source", f.Name)
	}
	return f.open()
}

// OpenClean is Open with BOM stripping and UTF-8 sanitizing applied.
// This is the byte stream that gets staged.
func (f File) OpenClean() (io.ReadCloser, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	return &readCloser{Reader: Clean(rc), Closer: rc}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}
