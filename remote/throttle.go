// Copyright 2024 The Snapcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package remote

import (
	"context"

	"github.com/cockroachdb/tokenbucket"
)

// Throttle wraps an ObjectReader, limiting fetch bandwidth to bytesPerSec
// with the given burst. Fetches triggered by cache misses compete with
// foreground traffic for network and disk, so deployments typically cap
// them.
func Throttle(r ObjectReader, bytesPerSec, burst int64) ObjectReader {
	t := &throttledReader{r: r}
	t.tb.Init(tokenbucket.TokensPerSecond(bytesPerSec), tokenbucket.Tokens(burst))
	return t
}

type throttledReader struct {
	r  ObjectReader
	tb tokenbucket.TokenBucket
}

var _ ObjectReader = (*throttledReader)(nil)

// ReadAt is part of the ObjectReader interface.
func (t *throttledReader) ReadAt(ctx context.Context, p []byte, offset int64) error {
	if err := t.tb.WaitCtx(ctx, tokenbucket.Tokens(len(p))); err != nil {
		return err
	}
	return t.r.ReadAt(ctx, p, offset)
}

// Close is part of the ObjectReader interface.
func (t *throttledReader) Close() error {
	return t.r.Close()
}
