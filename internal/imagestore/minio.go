package imagestore

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// MinIOConfig configures the object-storage backend.
type MinIOConfig struct {
	Endpoint        string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" mapstructure:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	BasePath        string `yaml:"base_path" mapstructure:"base_path"`
	MaxRetries      int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// MinIO stores images in an S3-compatible bucket.
type MinIO struct {
	client   *minio.Client
	bucket   string
	basePath string
}

// NewMinIO connects to the endpoint and ensures the bucket exists, retrying
// with exponential backoff while the server comes up.
func NewMinIO(ctx context.Context, cfg MinIOConfig) (*MinIO, error) {
	if cfg.Endpoint == "" {
		return nil, eris.New("imagestore: empty minio endpoint")
	}
	if cfg.Bucket == "" {
		return nil, eris.New("imagestore: empty minio bucket")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}

	var lastErr error
	interval := time.Second
	for attempt := range cfg.MaxRetries {
		client, err := minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
			Secure: cfg.UseSSL,
		})
		if err == nil {
			if err = ensureBucket(ctx, client, cfg.Bucket); err == nil {
				return &MinIO{client: client, bucket: cfg.Bucket, basePath: basePath(cfg.BasePath)}, nil
			}
		}
		lastErr = err
		zap.L().Warn("imagestore: minio not ready", zap.Int("attempt", attempt+1), zap.Error(err))

		if attempt < cfg.MaxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, eris.Wrap(ctx.Err(), "imagestore: waiting for minio")
			case <-time.After(interval):
				interval = min(interval*2, 30*time.Second)
			}
		}
	}
	return nil, eris.Wrapf(lastErr, "imagestore: minio init failed after %d attempts", cfg.MaxRetries)
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return eris.Wrap(err, "imagestore: check bucket")
	}
	if exists {
		return nil
	}
	return eris.Wrap(client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}), "imagestore: create bucket")
}

func basePath(p string) string {
	p = strings.Trim(p, "/")
	if p != "" {
		p += "/"
	}
	return p
}

func (m *MinIO) objectName(ref string) (string, error) {
	if _, _, err := SplitRef(ref); err != nil {
		return "", err
	}
	return m.basePath + ref, nil
}

func (m *MinIO) Save(ctx context.Context, ref string, data []byte, contentType string) error {
	name, err := m.objectName(ref)
	if err != nil {
		return err
	}
	_, err = m.client.PutObject(ctx, m.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	return eris.Wrapf(err, "imagestore: put %s", ref)
}

func (m *MinIO) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	name, err := m.objectName(ref)
	if err != nil {
		return nil, err
	}
	obj, err := m.client.GetObject(ctx, m.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, eris.Wrapf(err, "imagestore: get %s", ref)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close() //nolint:errcheck
		if minio.ToErrorResponse(err).Code == minio.NoSuchKey {
			return nil, eris.Wrapf(ErrNotFound, "imagestore: %s", ref)
		}
		return nil, eris.Wrapf(err, "imagestore: stat %s", ref)
	}
	return obj, nil
}

func (m *MinIO) Delete(ctx context.Context, ref string) error {
	name, err := m.objectName(ref)
	if err != nil {
		return err
	}
	return eris.Wrapf(m.client.RemoveObject(ctx, m.bucket, name, minio.RemoveObjectOptions{}), "imagestore: remove %s", ref)
}
