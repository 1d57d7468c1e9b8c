// Copyright 2024 The Snapcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package remote

import (
	"context"
	"io"
	"path"

	"github.com/cockroachdb/pebble/v2/vfs"
)

// NewLocalFS returns a vfs-backed implementation of the Storage interface
// (for testing and tooling). All objects are read from the directory
// dirname.
func NewLocalFS(dirname string, fs vfs.FS) Storage {
	return &localFSStore{dirname: dirname, fs: fs}
}

type localFSStore struct {
	dirname string
	fs      vfs.FS
}

var _ Storage = (*localFSStore)(nil)

// ReadObject is part of the Storage interface.
func (s *localFSStore) ReadObject(
	_ context.Context, objName string,
) (_ ObjectReader, objSize int64, _ error) {
	f, err := s.fs.Open(path.Join(s.dirname, objName))
	if err != nil {
		return nil, 0, err
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return &localFSReader{file: f}, stat.Size(), nil
}

// Close is part of the Storage interface.
func (s *localFSStore) Close() error {
	*s = localFSStore{}
	return nil
}

type localFSReader struct {
	file vfs.File
}

var _ ObjectReader = (*localFSReader)(nil)

// ReadAt is part of the ObjectReader interface.
func (r *localFSReader) ReadAt(_ context.Context, p []byte, offset int64) error {
	n, err := r.file.ReadAt(p, offset)
	// https://pkg.go.dev/io#ReaderAt
	if err == io.EOF && n == len(p) {
		return nil
	}
	return err
}

// Close is part of the ObjectReader interface.
func (r *localFSReader) Close() error {
	err := r.file.Close()
	r.file = nil
	return err
}
