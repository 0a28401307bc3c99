package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/bnema/coachfeed/internal/domain"
	"github.com/bnema/coachfeed/internal/port"
)

// Store reads session media from an S3 bucket.
type Store struct {
	client s3iface.S3API
	bucket string
	prefix string
}

// NewSession builds an AWS session. endpoint is optional and lets the store
// talk to S3 compatible services.
func NewSession(region, endpoint string) (*session.Session, error) {
	cfg := aws.NewConfig().WithRegion(region)
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint).WithS3ForcePathStyle(true)
	}
	return session.NewSession(cfg)
}

func NewStore(sess *session.Session, bucket, prefix string) *Store {
	return newStore(s3.New(sess), bucket, prefix)
}

func newStore(client s3iface.S3API, bucket, prefix string) *Store {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *Store) objectKey(key string) string {
	return s.prefix + strings.TrimPrefix(key, "/")
}

func (s *Store) Fetch(ctx context.Context, key, destDir string) (string, error) {
	objectKey := s.objectKey(key)
	obj, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("s3 %s: %w", objectKey, domain.ErrNotFound)
		}
		return "", fmt.Errorf("s3 get %s: %w", objectKey, err)
	}
	defer obj.Body.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create fetch dir: %w", err)
	}
	tmp, err := os.CreateTemp(destDir, ".fetch-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, copyErr := io.Copy(tmp, obj.Body)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("download %s: %w", objectKey, errors.Join(copyErr, closeErr))
	}

	dest := filepath.Join(destDir, path.Base(objectKey))
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("move download into place: %w", err)
	}
	return dest, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isNotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

var _ port.ObjectStore = (*Store)(nil)
