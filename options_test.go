// Copyright 2024 The Snapcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snapcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureDefaults(t *testing.T) {
	var o Options
	o.EnsureDefaults()
	require.NotNil(t, o.FS)
	require.NotNil(t, o.Logger)
	require.Equal(t, int64(DefaultRegionSize), o.RegionSize)
	require.Equal(t, int64(DefaultWriteAheadSize), o.WriteAheadSize)
	require.Greater(t, o.NumShards, 0)
	require.Equal(t, 4*o.NumShards, o.FetchWorkers)
}

func TestAlignMath(t *testing.T) {
	am := makeAlignMath(1024)
	require.Equal(t, int64(0), am.roundDown(1023))
	require.Equal(t, int64(1024), am.roundDown(1024))
	require.Equal(t, int64(1024), am.roundDown(2000))
	require.Equal(t, int64(0), am.roundUp(0))
	require.Equal(t, int64(1024), am.roundUp(1))
	require.Equal(t, int64(1024), am.roundUp(1024))
	require.Equal(t, int64(2048), am.roundUp(1025))

	am = makeAlignMath(1)
	require.Equal(t, int64(7), am.roundDown(7))
	require.Equal(t, int64(7), am.roundUp(7))

	require.Panics(t, func() { makeAlignMath(1000) })
}
