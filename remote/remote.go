// Copyright 2024 The Snapcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package remote defines the interface through which the cache obtains
// bytes it does not hold, plus a vfs-backed implementation for tests and
// tooling. Production stores (e.g. S3) live in subpackages.
package remote

import "context"

// Storage resolves object names to readers. Implementations must be safe
// for concurrent use.
type Storage interface {
	// ReadObject opens the named object for reading and reports its size.
	ReadObject(ctx context.Context, objName string) (ObjectReader, int64, error)

	// Close releases the store's resources. Open ObjectReaders remain
	// usable.
	Close() error
}

// ObjectReader reads ranges of one remote object.
type ObjectReader interface {
	// ReadAt reads exactly len(p) bytes into p starting at offset. It
	// returns an error on transport failure or if the object is too short;
	// partial reads are never reported as success.
	ReadAt(ctx context.Context, p []byte, offset int64) error

	// Close releases the reader.
	Close() error
}
