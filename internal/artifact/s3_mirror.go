package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3Mirror copies run files to an S3-compatible bucket under <runID>/<path>.
// Log entries land under <runID>/entries/<timestamp>-<type>-<id>.json.
type S3Mirror struct {
	client     *minio.Client
	bucketName string
	region     string
	runID      string
	initOnce   sync.Once
	initErr    error
}

func NewS3Mirror(cfg S3Config, runID string) (*S3Mirror, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return &S3Mirror{
		client:     client,
		bucketName: bucket,
		region:     region,
		runID:      runID,
	}, nil
}

func (s *S3Mirror) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucketName)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

func (s *S3Mirror) PutArtifact(ctx context.Context, relPath string, data []byte) error {
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	return s.put(ctx, objectKey(s.runID, relPath), data)
}

func (s *S3Mirror) RecordEntry(ctx context.Context, e Entry) error {
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.put(ctx, entryKey(s.runID, e), raw)
}

func entryKey(runID string, e Entry) string {
	name := fmt.Sprintf("%s-%s-%s.json", e.Timestamp, e.Type, e.ID)
	return objectKey(runID, path.Join("entries", sanitizeKey(name)))
}

func (s *S3Mirror) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}

func objectKey(runID, p string) string {
	normalized := strings.TrimLeft(strings.TrimSpace(p), "/")
	return strings.TrimSpace(runID) + "/" + normalized
}

func sanitizeKey(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}
