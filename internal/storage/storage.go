package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

// Backend is the durable object store the commit path writes finished
// artifacts to.
type Backend interface {
	Put(ctx context.Context, path string, reader io.Reader, size int64, contentType string) error
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	URL(ctx context.Context, path string) (string, error)
}

type StorageType string

const (
	StorageTypeLocal StorageType = "local"
	StorageTypeS3    StorageType = "s3"
)

type BackendConfig struct {
	Type          StorageType `mapstructure:"type"`
	LocalPath     string      `mapstructure:"local_path"`
	S3Endpoint    string      `mapstructure:"s3_endpoint"`
	S3Bucket      string      `mapstructure:"s3_bucket"`
	S3AccessKey   string      `mapstructure:"s3_access_key"`
	S3SecretKey   string      `mapstructure:"s3_secret_key"`
	S3Region      string      `mapstructure:"s3_region"`
	S3UseSSL      bool        `mapstructure:"s3_use_ssl"`
	PublicBaseURL string      `mapstructure:"public_base_url"`
	ExternalURL   string      `mapstructure:"external_url"`
}

func NewBackend(config *BackendConfig) (Backend, error) {
	switch config.Type {
	case StorageTypeS3:
		return NewS3Storage(config)
	case StorageTypeLocal, "":
		return NewLocalStorage(config)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", config.Type)
	}
}

// ObjectPath lays artifacts out as <owner>/<yyyy>/<mm>/<fileId><ext>. ext is
// used as given, so multi-part extensions like ".tar.gz" survive.
func ObjectPath(ownerID, fileID, ext string, now time.Time) string {
	return fmt.Sprintf("%s/%s/%s/%s%s", ownerID, now.Format("2006"), now.Format("01"), fileID, strings.ToLower(ext))
}

// IDFromPath recovers the file id from a path built by ObjectPath. File ids
// never contain dots.
func IDFromPath(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		return base[:i]
	}
	return base
}
