package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/icsara/docpipe/constants"
	"github.com/icsara/docpipe/internal/common"
)

// S3Config holds object-store settings.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3Store keeps each job's slot under a jobs/<id>/ key prefix in one bucket.
// Object stores give the same commit semantics as rename-on-write: an object
// is either fully there or not there at all.
type S3Store struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewS3Store connects to the object store and ensures the bucket exists.
func NewS3Store(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, common.Transient("check bucket", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, common.Transient("create bucket", err)
		}
	}

	logger.Info("connected to object store", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return &S3Store{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

func objectKey(jobID uuid.UUID, name string) string {
	return "jobs/" + jobID.String() + "/" + name
}

func (s *S3Store) Write(ctx context.Context, jobID uuid.UUID, name string, r io.Reader) (*WriteResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", name, err)
	}
	sum := sha256.Sum256(data)

	key := objectKey(jobID, name)
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: constants.ArtifactContentType(name)})
	if err != nil {
		return nil, common.Transient("put object", err)
	}

	s.logger.Info("artifact written", "job_id", jobID, "name", name, "bytes", len(data))
	return &WriteResult{
		Path:      key,
		SizeBytes: int64(len(data)),
		SHA256:    hex.EncodeToString(sum[:]),
	}, nil
}

func (s *S3Store) Read(ctx context.Context, jobID uuid.UUID, name string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(jobID, name), minio.GetObjectOptions{})
	if err != nil {
		return nil, common.Transient("get object", err)
	}
	// GetObject is lazy; stat now so absence surfaces as NotFound here.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, fmt.Errorf("artifact %s/%s: %w", jobID, name, common.ErrNotFound)
		}
		return nil, common.Transient("stat object", err)
	}
	return obj, nil
}

func (s *S3Store) DeleteSlot(ctx context.Context, jobID uuid.UUID) error {
	prefix := "jobs/" + jobID.String() + "/"
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return common.Transient("list slot objects", obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return common.Transient("remove object", err)
		}
	}
	return nil
}
