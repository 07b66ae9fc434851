package objectclient

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	cfg "github.com/markdave123-py/pagewise/internal/config"
	"github.com/markdave123-py/pagewise/internal/core"
)

// NewObjectClient returns S3 storage when AWS credentials are configured, local disk otherwise.
func NewObjectClient(ctx context.Context, c *cfg.Config, logger *zap.Logger) (core.ObjectClient, error) {
	if c.UseS3() {
		logger.Info("using s3 object storage", zap.String("bucket", c.BucketName), zap.String("region", c.AwsRegion))
		return NewS3Client(ctx, c)
	}
	logger.Info("using local object storage", zap.String("dir", c.StorageDir))
	return NewLocalClient(c.StorageDir)
}

// parseS3Handle accepts both s3://bucket/key and the virtual-hosted
// https://bucket.s3.region.amazonaws.com/key form.
func parseS3Handle(handle string) (bucket, key string, err error) {
	u, err := url.Parse(handle)
	if err != nil {
		return "", "", fmt.Errorf("invalid object handle %q: %w", handle, err)
	}
	key = strings.TrimPrefix(u.Path, "/")
	switch u.Scheme {
	case "s3":
		bucket = u.Host
	case "https":
		host, _, found := strings.Cut(u.Host, ".s3.")
		if !found {
			return "", "", fmt.Errorf("not an s3 url: %q", handle)
		}
		bucket = host
	default:
		return "", "", fmt.Errorf("unsupported object handle scheme %q", u.Scheme)
	}
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("object handle %q lacks bucket or key", handle)
	}
	return bucket, key, nil
}
