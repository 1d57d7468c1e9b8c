// Copyright 2024 The Snapcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package s3 implements remote.Storage on top of an S3 bucket. Missing
// ranges are fetched with ranged GETs, so a cache miss never downloads the
// whole object.
package s3

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cockroachdb/errors"
	"github.com/snapcache/snapcache/remote"
)

// Storage implements remote.Storage for S3. prefix is prepended to all
// object names.
type Storage struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ remote.Storage = (*Storage)(nil)

// New returns a Storage reading from the given bucket.
func New(client *s3.Client, bucket, prefix string) *Storage {
	return &Storage{client: client, bucket: bucket, prefix: prefix}
}

func (s *Storage) key(objName string) string {
	return path.Join(s.prefix, objName)
}

// ReadObject is part of the remote.Storage interface.
func (s *Storage) ReadObject(
	ctx context.Context, objName string,
) (_ remote.ObjectReader, objSize int64, _ error) {
	key := s.key(objName)
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, 0, errors.Mark(err, os.ErrNotExist)
		}
		return nil, 0, err
	}
	return &objectReader{
		client: s.client,
		bucket: s.bucket,
		key:    key,
		size:   *head.ContentLength,
	}, *head.ContentLength, nil
}

// Close is part of the remote.Storage interface.
func (s *Storage) Close() error {
	*s = Storage{}
	return nil
}

type objectReader struct {
	client *s3.Client
	bucket string
	key    string
	size   int64
}

var _ remote.ObjectReader = (*objectReader)(nil)

// ReadAt is part of the remote.ObjectReader interface.
func (r *objectReader) ReadAt(ctx context.Context, p []byte, offset int64) error {
	if len(p) == 0 {
		return nil
	}
	if offset < 0 || offset+int64(len(p)) > r.size {
		return errors.Errorf(
			"read [%d,%d) outside object %q of size %d",
			offset, offset+int64(len(p)), r.key, r.size)
	}
	// The Range header's end offset is inclusive.
	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(p))-1)
	resp, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if _, err := io.ReadFull(resp.Body, p); err != nil {
		return errors.Wrapf(err, "short ranged read of %q", r.key)
	}
	return nil
}

// Close is part of the remote.ObjectReader interface.
func (r *objectReader) Close() error {
	r.client = nil
	return nil
}
