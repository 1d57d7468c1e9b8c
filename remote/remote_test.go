// Copyright 2024 The Snapcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package remote

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/stretchr/testify/require"
)

func TestLocalFS(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("store", 0755))
	f, err := fs.Create("store/obj", vfs.WriteCategoryUnspecified)
	require.NoError(t, err)
	data := []byte("0123456789abcdef")
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s := NewLocalFS("store", fs)
	defer func() { require.NoError(t, s.Close()) }()

	reader, size, err := s.ReadObject(context.Background(), "obj")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), size)

	buf := make([]byte, 4)
	require.NoError(t, reader.ReadAt(context.Background(), buf, 6))
	require.Equal(t, "6789", string(buf))

	// A read ending exactly at EOF succeeds.
	require.NoError(t, reader.ReadAt(context.Background(), buf, size-4))
	require.Equal(t, "cdef", string(buf))

	// A read past EOF fails.
	require.Error(t, reader.ReadAt(context.Background(), buf, size-2))
	require.NoError(t, reader.Close())

	_, _, err = s.ReadObject(context.Background(), "missing")
	require.Error(t, err)
}

type constReader struct {
	calls int
}

func (r *constReader) ReadAt(_ context.Context, p []byte, _ int64) error {
	r.calls++
	for i := range p {
		p[i] = byte(i)
	}
	return nil
}

func (r *constReader) Close() error { return nil }

func TestThrottle(t *testing.T) {
	inner := &constReader{}
	// A generous rate: reads pass through without noticeable delay.
	r := Throttle(inner, 1<<30, 1<<20)
	buf := make([]byte, 1024)
	for i := 0; i < 10; i++ {
		require.NoError(t, r.ReadAt(context.Background(), buf, 0))
	}
	require.Equal(t, 10, inner.calls)
	require.NoError(t, r.Close())

	// A cancelled context interrupts the wait once the bucket is drained.
	r = Throttle(&constReader{}, 1, 1)
	require.NoError(t, r.ReadAt(context.Background(), buf[:1], 0))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, r.ReadAt(ctx, buf, 0))
}
