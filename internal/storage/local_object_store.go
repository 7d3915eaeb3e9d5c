package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalObjectStore keeps objects as plain files under baseDir/bucket/key.
// Used by single-binary deployments and tests.
type LocalObjectStore struct {
	baseDir string
}

var _ ObjectStore = (*LocalObjectStore)(nil)

func NewLocalObjectStore(dir string) (*LocalObjectStore, error) {
	baseDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for %s: %w", dir, err)
	}
	if err := os.MkdirAll(baseDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", baseDir, err)
	}
	return &LocalObjectStore{baseDir: baseDir}, nil
}

func (s *LocalObjectStore) objectPath(bucket, key string) string {
	return filepath.Join(s.baseDir, bucket, key)
}

func (s *LocalObjectStore) CreateBucket(_ context.Context, bucket string) error {
	if err := os.MkdirAll(filepath.Join(s.baseDir, bucket), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return nil
}

func (s *LocalObjectStore) PutObject(_ context.Context, bucket, key string, data io.Reader) error {
	path := s.objectPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory for %s/%s: %w", bucket, key, err)
	}

	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file %s/%s: %w", bucket, key, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, data); err != nil {
		return fmt.Errorf("failed to write file %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *LocalObjectStore) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.objectPath(bucket, key))
	if err != nil {
		return nil, fmt.Errorf("failed to open object %s/%s: %w", bucket, key, err)
	}
	return f, nil
}

func (s *LocalObjectStore) ListObjects(_ context.Context, bucket, prefix string) ([]Object, error) {
	root := filepath.Join(s.baseDir, bucket)
	var objects []Object

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		key := filepath.ToSlash(strings.TrimPrefix(path, root+string(os.PathSeparator)))
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, Object{Name: key, Size: info.Size()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects in %s/%s: %w", bucket, prefix, err)
	}
	return objects, nil
}

func (s *LocalObjectStore) DownloadDir(ctx context.Context, bucket, prefix, dest string, overwrite bool) error {
	if _, err := os.Stat(dest); err == nil {
		if !overwrite {
			return fmt.Errorf("destination %s already exists and overwrite is false", dest)
		}
		if err := os.RemoveAll(dest); err != nil {
			return fmt.Errorf("failed to remove existing destination: %w", err)
		}
	}
	if err := os.MkdirAll(dest, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dest, err)
	}

	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	objects, err := s.ListObjects(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		src, err := s.GetObject(ctx, bucket, obj.Name)
		if err != nil {
			return err
		}

		localPath := filepath.Join(dest, strings.TrimPrefix(obj.Name, prefix))
		if err := writeFile(localPath, src); err != nil {
			src.Close()
			return fmt.Errorf("error downloading %s/%s to %s: %w", bucket, obj.Name, dest, err)
		}
		src.Close()
	}
	return nil
}

func (s *LocalObjectStore) UploadDir(ctx context.Context, bucket, prefix, src string) error {
	return uploadDir(ctx, s, bucket, prefix, src)
}

func writeFile(path string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return err
	}
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, data)
	return err
}

// uploadDir walks src and puts every regular file under bucket/prefix. Shared
// by the local and s3 stores.
func uploadDir(ctx context.Context, store ObjectStore, bucket, prefix, src string) error {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk directory %s: %w", src, err)
		}
		if info.IsDir() {
			return nil
		}

		key := prefix + filepath.ToSlash(strings.TrimPrefix(path, src+string(os.PathSeparator)))

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		return store.PutObject(ctx, bucket, key, file)
	})
	if err != nil {
		return fmt.Errorf("error uploading directory %s to %s/%s: %w", src, bucket, prefix, err)
	}
	return nil
}
