// Package blobstore offloads async operation results that exceed the
// inline response soft cap to S3-compatible object storage, returning a
// domain.BlobRef the caller fetches out of band instead of a JSON result.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/forrst-proto/forrst/internal/domain"
)

// DefaultMetadataTimeout bounds stat/exists/delete calls.
const DefaultMetadataTimeout = 10 * time.Second

// DefaultDataTimeout bounds get/put calls.
const DefaultDataTimeout = 60 * time.Second

// Config holds connection settings for the object store.
type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Bucket          string
	UseSSL          bool
	MetadataTimeout time.Duration
	DataTimeout     time.Duration
}

// Store offloads and retrieves operation result blobs.
type Store struct {
	client          *minio.Client
	bucket          string
	metadataTimeout time.Duration
	dataTimeout     time.Duration
}

// New connects to the configured S3-compatible endpoint and ensures the
// bucket exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	metadataTimeout := cfg.MetadataTimeout
	if metadataTimeout == 0 {
		metadataTimeout = DefaultMetadataTimeout
	}
	dataTimeout := cfg.DataTimeout
	if dataTimeout == 0 {
		dataTimeout = DefaultDataTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: metadataTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	s := &Store{client: client, bucket: cfg.Bucket, metadataTimeout: metadataTimeout, dataTimeout: dataTimeout}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.metadataTimeout)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Put uploads result under a key derived from the operation id and returns
// a BlobRef the caller stores on the Operation in place of an inline result.
func (s *Store) Put(ctx context.Context, operationID string, result []byte) (*domain.BlobRef, error) {
	ctx, cancel := context.WithTimeout(ctx, s.dataTimeout)
	defer cancel()

	key := "operations/" + operationID + "/result.json"
	reader := bytes.NewReader(result)
	_, err := s.client.PutObject(ctx, s.bucket, key, reader, int64(len(result)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("put operation result %s: %w", key, err)
	}
	return &domain.BlobRef{
		Bucket:      s.bucket,
		Key:         key,
		SizeBytes:   int64(len(result)),
		ContentType: "application/json",
	}, nil
}

// Get downloads the blob a BlobRef points at.
func (s *Store) Get(ctx context.Context, ref *domain.BlobRef) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.dataTimeout)
	defer cancel()

	obj, err := s.client.GetObject(ctx, ref.Bucket, ref.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get operation result %s: %w", ref.Key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read operation result %s: %w", ref.Key, err)
	}
	return data, nil
}

// Delete removes a blob. The reaper's sweep does not call it, so the blob of
// an expired operation stays in the bucket.
func (s *Store) Delete(ctx context.Context, ref *domain.BlobRef) error {
	ctx, cancel := context.WithTimeout(ctx, s.metadataTimeout)
	defer cancel()

	if err := s.client.RemoveObject(ctx, ref.Bucket, ref.Key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove operation result %s: %w", ref.Key, err)
	}
	return nil
}

// HealthChecker implements transport.HealthChecker for the blob store.
type HealthChecker struct {
	store *Store
}

// NewHealthChecker constructs a HealthChecker for store.
func NewHealthChecker(store *Store) *HealthChecker {
	return &HealthChecker{store: store}
}

// HealthCheck verifies the configured bucket is reachable.
func (h *HealthChecker) HealthCheck(ctx context.Context) error {
	exists, err := h.store.client.BucketExists(ctx, h.store.bucket)
	if err != nil {
		return fmt.Errorf("blobstore bucket check: %w", err)
	}
	if !exists {
		return fmt.Errorf("blobstore bucket %q does not exist", h.store.bucket)
	}
	return nil
}
