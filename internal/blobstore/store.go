// Package blobstore archives deposit scan reports. Reports are JSON
// documents keyed by scan start time, and the archive has no delete
// operation: once written, an audit record stays retrievable for the
// bucket's retention period.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	reportKeyPrefix  = "scan-reports/"
	reportTimeLayout = "2006-01-02T15-04-05Z"
	jsonContentType  = "application/json"

	// maxReportSize bounds bytes returned by Get. A scan report is a few
	// KiB; anything near this limit is corrupt.
	maxReportSize int64 = 16 << 20
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrTooLarge      = errors.New("blobstore: object too large")
)

// ReportKey names the archive object for a scan that started at the given
// instant. Keys sort chronologically under a common listing prefix.
func ReportKey(startedAt time.Time) string {
	return reportKeyPrefix + startedAt.UTC().Format(reportTimeLayout) + ".json"
}

type Store interface {
	Put(ctx context.Context, key string, payload []byte) error
	Get(ctx context.Context, key string) (Object, error)
}

type Object struct {
	Key      string
	Data     []byte
	StoredAt time.Time
}

type Config struct {
	Driver string
	// Prefix is prepended to every key, so several deployments can share
	// one bucket.
	Prefix string

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

func New(cfg Config) (Store, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case DriverMemory:
		return newMemoryStore(cfg.Prefix), nil
	case DriverS3, "":
		return newS3Store(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeKey(key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: key contains control characters", ErrInvalidKey)
		}
	}
	return key, nil
}

func joinPrefix(prefix, key string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

type memoryStore struct {
	mu     sync.RWMutex
	prefix string
	blobs  map[string]memoryBlob
}

type memoryBlob struct {
	data     []byte
	storedAt time.Time
}

func newMemoryStore(prefix string) Store {
	return &memoryStore{
		prefix: prefix,
		blobs:  make(map[string]memoryBlob),
	}
}

func (m *memoryStore) Put(_ context.Context, key string, payload []byte) error {
	logicalKey, err := normalizeKey(key)
	if err != nil {
		return err
	}

	data := make([]byte, len(payload))
	copy(data, payload)

	m.mu.Lock()
	m.blobs[joinPrefix(m.prefix, logicalKey)] = memoryBlob{data: data, storedAt: time.Now().UTC()}
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) (Object, error) {
	logicalKey, err := normalizeKey(key)
	if err != nil {
		return Object{}, err
	}

	m.mu.RLock()
	blob, ok := m.blobs[joinPrefix(m.prefix, logicalKey)]
	m.mu.RUnlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, logicalKey)
	}

	data := make([]byte, len(blob.data))
	copy(data, blob.data)
	return Object{Key: logicalKey, Data: data, StoredAt: blob.storedAt}, nil
}

type s3Store struct {
	client S3Client
	bucket string
	prefix string
}

func newS3Store(cfg Config) (Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	return &s3Store{client: cfg.S3Client, bucket: bucket, prefix: cfg.Prefix}, nil
}

func (s *s3Store) Put(ctx context.Context, key string, payload []byte) error {
	logicalKey, err := normalizeKey(key)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(joinPrefix(s.prefix, logicalKey)),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(jsonContentType),
	})
	if err != nil {
		return fmt.Errorf("blobstore/s3: put %q: %w", logicalKey, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) (Object, error) {
	logicalKey, err := normalizeKey(key)
	if err != nil {
		return Object{}, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, logicalKey)),
	})
	if err != nil {
		if isNotFound(err) {
			return Object{}, fmt.Errorf("%w: %s", ErrNotFound, logicalKey)
		}
		return Object{}, fmt.Errorf("blobstore/s3: get %q: %w", logicalKey, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxReportSize+1))
	if err != nil {
		return Object{}, fmt.Errorf("blobstore/s3: read %q: %w", logicalKey, err)
	}
	if int64(len(data)) > maxReportSize {
		return Object{}, fmt.Errorf("%w: key %q exceeds max %d bytes", ErrTooLarge, logicalKey, maxReportSize)
	}

	return Object{Key: logicalKey, Data: data, StoredAt: aws.ToTime(out.LastModified)}, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
