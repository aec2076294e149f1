package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/desertthunder/kbmigrate/internal/shared"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// BlobSource reads attachment files out of a bucket.
type BlobSource struct {
	bucket   *blob.Bucket
	maxBytes int64
}

// OpenBlobSource opens location as a bucket. A location without a scheme is a local directory.
//
// Attachments larger than maxBytes are rejected; zero disables the check.
func OpenBlobSource(ctx context.Context, location string, maxBytes int64) (*BlobSource, error) {
	var (
		bucket *blob.Bucket
		err    error
	)

	if strings.Contains(location, "://") {
		bucket, err = blob.OpenBucket(ctx, location)
	} else {
		var dir string
		if dir, err = filepath.Abs(location); err == nil {
			bucket, err = fileblob.OpenBucket(dir, nil)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open attachment bucket %s: %w", location, err)
	}
	return NewBlobSource(bucket, maxBytes), nil
}

// NewBlobSource wraps an open bucket.
func NewBlobSource(bucket *blob.Bucket, maxBytes int64) *BlobSource {
	return &BlobSource{bucket: bucket, maxBytes: maxBytes}
}

// ReadAttachment returns the bytes stored under key.
//
// Missing keys fail with a not_found [shared.ContentError] so the engine marks only that
// attachment as failed.
func (s *BlobSource) ReadAttachment(ctx context.Context, key string) ([]byte, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return nil, s.readError(key, err)
	}
	if s.maxBytes > 0 && attrs.Size > s.maxBytes {
		return nil, shared.NewContentError(key, "attachment is %d bytes, limit is %d", attrs.Size, s.maxBytes)
	}

	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, s.readError(key, err)
	}
	return data, nil
}

// Close releases the bucket.
func (s *BlobSource) Close() error {
	return s.bucket.Close()
}

func (s *BlobSource) readError(key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return &shared.ContentError{Kind: shared.KindNotFound, Path: key, Message: "attachment not found"}
	case gcerrors.InvalidArgument:
		return &shared.ContentError{Kind: shared.KindValidation, Path: key, Message: err.Error()}
	}
	return fmt.Errorf("failed to read attachment %s: %w", key, err)
}
