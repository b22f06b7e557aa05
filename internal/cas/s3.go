package cas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/opencontainers/go-digest"
)

// Content type recorded on uploaded blobs.
const blobContentType = "application/octet-stream"

// Connection settings for an S3-compatible bucket.
type S3Config struct {
	Endpoint  string // Host and optional port of the S3 endpoint.
	Bucket    string // Bucket holding the blobs. Created when missing.
	Prefix    string // Key prefix under which blobs are stored.
	Region    string // Bucket region.
	AccessKey string // Access key ID.
	SecretKey string // Secret access key.
	UseSSL    bool   // Whether to connect over TLS.
}

// Validates the configuration.
func (c S3Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("s3 endpoint is required")
	}
	if c.Bucket == "" {
		return errors.New("s3 bucket is required")
	}
	return nil
}

// Keeps blobs in an S3-compatible bucket.
//
// Objects are keyed <prefix>/blobs/<algorithm>/<hex>. Blobs are spooled to a
// temporary file while their digest is computed, because the object key is
// only known once the content has been read completely.
type S3 struct {
	client *minio.Client // Client for the S3 endpoint.
	bucket string        // Bucket name.
	prefix string        // Key prefix.
}

// Connects to the bucket described by cfg, creating it when missing.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, err
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("make bucket: %w", err)
		}
	}

	return &S3{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Uploads the bytes read from r.
func (s *S3) Put(ctx context.Context, r io.Reader) (digest.Digest, int64, error) {
	tmp, err := os.CreateTemp("", "cruxflow-s3-*")
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), readerWithContext(ctx, r))
	if err != nil {
		return "", 0, err
	}
	dgst := digester.Digest()

	if ok, err := s.Has(ctx, dgst); err != nil {
		return "", 0, err
	} else if ok {
		return dgst, n, nil
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", 0, err
	}

	_, err = s.client.PutObject(ctx, s.bucket, s.key(dgst), tmp, n, minio.PutObjectOptions{
		ContentType: blobContentType,
	})
	if err != nil {
		return "", 0, err
	}
	return dgst, n, nil
}

// Downloads the blob with the given digest.
func (s *S3) Get(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(dgst), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapError(dgst, err)
	}

	// GetObject is lazy; Stat forces the request so a missing key surfaces here.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, s.mapError(dgst, err)
	}
	return obj, nil
}

// Reports whether the bucket holds the blob.
func (s *S3) Has(ctx context.Context, dgst digest.Digest) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.key(dgst), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, err
}

// Returns the object key of a blob.
func (s *S3) key(dgst digest.Digest) string {
	return path.Join(s.prefix, "blobs", string(dgst.Algorithm()), dgst.Encoded())
}

// Translates a missing-object response into [ErrNotFound].
func (s *S3) mapError(dgst digest.Digest, err error) error {
	if isNoSuchKey(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, dgst)
	}
	return err
}

// Whether err is an S3 "NoSuchKey" response.
func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

// Returns an HTTP transport with bounded dial and handshake timeouts.
func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
