package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hdaklue/marg-flows-sub003/pkg/pathutil"
)

// MinioTier stores objects in a minio/S3 bucket. It backs the "durable" role.
type MinioTier struct {
	name   string
	client *minio.Client
	bucket string
}

// MinioOptions carries connection settings for NewMinioTier.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewMinioTier connects to the endpoint and ensures the bucket exists.
func NewMinioTier(ctx context.Context, name string, opts MinioOptions) (*MinioTier, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioTier{name: name, client: client, bucket: opts.Bucket}, nil
}

func (t *MinioTier) Name() string { return t.name }

func (t *MinioTier) stat(ctx context.Context, path string) (minio.ObjectInfo, error) {
	return t.client.StatObject(ctx, t.bucket, path, minio.StatObjectOptions{})
}

func (t *MinioTier) Exists(ctx context.Context, path string) (bool, error) {
	_, err := t.stat(ctx, path)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *MinioTier) Size(ctx context.Context, path string) (int64, error) {
	info, err := t.stat(ctx, path)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

func (t *MinioTier) LastModified(ctx context.Context, path string) (time.Time, error) {
	info, err := t.stat(ctx, path)
	if err != nil {
		return time.Time{}, err
	}
	return info.LastModified, nil
}

func (t *MinioTier) MimeType(ctx context.Context, path string) (string, error) {
	info, err := t.stat(ctx, path)
	if err != nil {
		return "", err
	}
	if info.ContentType == "" {
		return "application/octet-stream", nil
	}
	return info.ContentType, nil
}

func (t *MinioTier) ReadStream(ctx context.Context, path string) (io.ReadCloser, error) {
	obj, err := t.client.GetObject(ctx, t.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	return obj, nil
}

func (t *MinioTier) ReadRange(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if length < 0 {
		if err := opts.SetRange(offset, 0); err != nil {
			return nil, err
		}
	} else if err := opts.SetRange(offset, offset+length-1); err != nil {
		return nil, err
	}
	obj, err := t.client.GetObject(ctx, t.bucket, path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get object range: %w", err)
	}
	return obj, nil
}

func (t *MinioTier) WriteStream(ctx context.Context, path string, reader io.Reader, size int64) error {
	_, err := t.client.PutObject(ctx, t.bucket, path, reader, size, minio.PutObjectOptions{
		ContentType: pathutil.MimeType(path),
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

func (t *MinioTier) Delete(ctx context.Context, path string) error {
	return t.client.RemoveObject(ctx, t.bucket, path, minio.RemoveObjectOptions{})
}

// DeleteAll lists every key under the prefix and removes each one. Object
// stores have no directories, so a bare prefix delete would be a silent
// no-op.
func (t *MinioTier) DeleteAll(ctx context.Context, prefix string) error {
	objects := t.client.ListObjects(ctx, t.bucket, minio.ListObjectsOptions{
		Prefix:    strings.TrimSuffix(prefix, "/") + "/",
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return fmt.Errorf("failed to list objects under %s: %w", prefix, obj.Err)
		}
		if err := t.client.RemoveObject(ctx, t.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("failed to remove %s: %w", obj.Key, err)
		}
	}
	return nil
}
