package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/malbeclabs/warehouse/utils/pkg/retry"
)

// S3API is the subset of the S3 client used by S3Mirror.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3MirrorConfig struct {
	Logger *slog.Logger
	Client S3API
	Bucket string
	// Prefix is prepended to every key; keys are <prefix>/<dataset>/<file>.
	Prefix string
	Retry  retry.Config
}

func (cfg *S3MirrorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("s3 client is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// S3Mirror copies backups to an S3 bucket.
type S3Mirror struct {
	log *slog.Logger
	cfg S3MirrorConfig
}

func NewS3Mirror(cfg S3MirrorConfig) (*S3Mirror, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &S3Mirror{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Key returns the object key a backup is stored under.
func (m *S3Mirror) Key(name, localPath string) string {
	return path.Join(strings.Trim(m.cfg.Prefix, "/"), name, filepath.Base(localPath))
}

func (m *S3Mirror) Upload(ctx context.Context, name, localPath string) (string, error) {
	key := m.Key(name, localPath)
	retryCfg := m.cfg.Retry
	retryCfg.OnRetry = func(attempt int, err error) {
		m.log.Debug("backup: retrying s3 upload", "dataset", name, "key", key, "attempt", attempt, "error", err)
	}
	err := retry.Do(ctx, retryCfg, func(ctx context.Context) error {
		f, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("failed to open backup: %w", err)
		}
		defer f.Close()
		_, err = m.cfg.Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(m.cfg.Bucket),
			Key:         aws.String(key),
			Body:        f,
			ContentType: aws.String("application/vnd.apache.parquet"),
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to s3://%s/%s: %w", localPath, m.cfg.Bucket, key, err)
	}
	return "s3://" + m.cfg.Bucket + "/" + key, nil
}
