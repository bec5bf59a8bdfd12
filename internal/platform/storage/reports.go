// Package storage writes report exports to Cloud Storage and signs download links for them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const (
	defaultExportPrefix = "exports/orders"
	defaultDownloadTTL  = 15 * time.Minute
	maxDownloadTTL      = 7 * 24 * time.Hour
	gcsLocationPrefix   = "gs://"
	exportsCacheControl = "private, max-age=0, no-store"
)

var (
	errInvalidBucket = errors.New("storage: bucket name is required")
	errInvalidObject = errors.New("storage: object name is required")
	errNoSigner      = errors.New("storage: signer is required for download links")
)

type objectWriteFunc func(ctx context.Context, bucket, object, contentType string, data []byte) error

// ReportStore stores rendered reports under a date-partitioned prefix of one bucket.
type ReportStore struct {
	bucket      string
	prefix      string
	signer      Signer
	downloadTTL time.Duration
	now         func() time.Time
	write       objectWriteFunc
}

// ReportStoreOption customises the store.
type ReportStoreOption func(*ReportStore)

// WithPrefix overrides the object prefix.
func WithPrefix(prefix string) ReportStoreOption {
	return func(s *ReportStore) {
		if prefix = strings.Trim(strings.TrimSpace(prefix), "/"); prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithSigner enables V4 signed download links.
func WithSigner(signer Signer, ttl time.Duration) ReportStoreOption {
	return func(s *ReportStore) {
		s.signer = signer
		if ttl > 0 && ttl <= maxDownloadTTL {
			s.downloadTTL = ttl
		}
	}
}

// WithClock injects a custom clock.
func WithClock(now func() time.Time) ReportStoreOption {
	return func(s *ReportStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewReportStore writes through client into bucket.
func NewReportStore(client *gcs.Client, bucket string, opts ...ReportStoreOption) (*ReportStore, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	return newReportStore(bucket, gcsWriter(client), opts...)
}

func newReportStore(bucket string, write objectWriteFunc, opts ...ReportStoreOption) (*ReportStore, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	store := &ReportStore{
		bucket:      bucket,
		prefix:      defaultExportPrefix,
		downloadTTL: defaultDownloadTTL,
		now:         time.Now,
		write:       write,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// WriteReport stores data and returns its gs:// location.
func (s *ReportStore) WriteReport(ctx context.Context, name, contentType string, data []byte) (string, error) {
	object, err := s.objectPath(name)
	if err != nil {
		return "", err
	}
	if err := s.write(ctx, s.bucket, object, contentType, data); err != nil {
		return "", fmt.Errorf("storage: write %s: %w", object, err)
	}
	return gcsLocationPrefix + s.bucket + "/" + object, nil
}

// DownloadURL signs a GET link for a location previously returned by WriteReport.
func (s *ReportStore) DownloadURL(ctx context.Context, location string) (string, time.Time, error) {
	if s.signer == nil || strings.TrimSpace(s.signer.Email()) == "" {
		return "", time.Time{}, errNoSigner
	}
	bucket, object, err := ParseLocation(location)
	if err != nil {
		return "", time.Time{}, err
	}
	if bucket != s.bucket {
		return "", time.Time{}, fmt.Errorf("storage: %s is outside the exports bucket", location)
	}
	expires := s.now().Add(s.downloadTTL)
	url, err := gcs.SignedURL(bucket, object, &gcs.SignedURLOptions{
		GoogleAccessID: s.signer.Email(),
		Method:         "GET",
		Expires:        expires,
		Scheme:         gcs.SigningSchemeV4,
		SignBytes: func(payload []byte) ([]byte, error) {
			return s.signer.SignBytes(ctx, payload)
		},
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("storage: sign download url: %w", err)
	}
	return url, expires, nil
}

// ParseLocation splits gs://bucket/object.
func ParseLocation(location string) (string, string, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(location), gcsLocationPrefix)
	if !ok {
		return "", "", fmt.Errorf("storage: %q is not a gs:// location", location)
	}
	bucket, object, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", errInvalidBucket
	}
	if object == "" {
		return "", "", errInvalidObject
	}
	return bucket, object, nil
}

func (s *ReportStore) objectPath(name string) (string, error) {
	name = path.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == "/" {
		return "", errInvalidObject
	}
	day := s.now().UTC()
	return path.Join(s.prefix, day.Format("2006"), day.Format("01"), day.Format("02"), name), nil
}

func gcsWriter(client *gcs.Client) objectWriteFunc {
	return func(ctx context.Context, bucket, object, contentType string, data []byte) error {
		w := client.Bucket(bucket).Object(object).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
		w.ContentType = contentType
		w.CacheControl = exportsCacheControl
		if _, err := w.Write(data); err != nil {
			_ = w.Close()
			return err
		}
		return w.Close()
	}
}
