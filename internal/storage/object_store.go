// Package storage archives and restores training artifacts, primarily
// checkpoint directories, against an object store.
package storage

import (
	"context"
	"io"
)

type Object struct {
	Name string
	Size int64
}

type ObjectStore interface {
	CreateBucket(ctx context.Context, bucket string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)

	DownloadDir(ctx context.Context, bucket, prefix, dest string, overwrite bool) error

	UploadDir(ctx context.Context, bucket, prefix, src string) error
}
