package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"stemflow/internal/config"
	"stemflow/internal/services"
)

// Location identifies one object.
type Location struct {
	Bucket string
	Key    string
}

// String renders the location as an s3:// URI.
func (l Location) String() string {
	return "s3://" + l.Bucket + "/" + l.Key
}

// ParseURI parses s3://bucket/key.
func ParseURI(raw string) (Location, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Location{}, fmt.Errorf("parse %q: %w", raw, err)
	}
	if !strings.EqualFold(parsed.Scheme, "s3") {
		return Location{}, fmt.Errorf("%q is not an s3:// uri", raw)
	}
	key := strings.TrimPrefix(parsed.Path, "/")
	if parsed.Host == "" || key == "" {
		return Location{}, fmt.Errorf("%q must name a bucket and key", raw)
	}
	return Location{Bucket: parsed.Host, Key: key}, nil
}

// Client downloads and uploads objects.
type Client struct {
	s3         *s3.Client
	downloader *manager.Downloader
	uploader   *manager.Uploader
	region     string
}

// New builds a client from the default AWS credential chain, overriding the
// region and endpoint from cfg when set.
func New(ctx context.Context, cfg config.Storage) (*Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "load aws config",
			"Unable to load AWS credentials; check storage.region and the AWS environment", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &Client{
		s3:         client,
		downloader: manager.NewDownloader(client),
		uploader:   manager.NewUploader(client),
		region:     awsCfg.Region,
	}, nil
}

// Download writes the object at loc into dst, returning the byte count.
// The object is staged in a sibling temp file and renamed into place.
func (c *Client) Download(ctx context.Context, loc Location, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("create destination dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".partial-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	n, err := c.downloader.Download(ctx, tmp, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	closeErr := tmp.Close()
	if err != nil {
		_ = os.Remove(tmpName)
		if IsNotFound(err) {
			return 0, fmt.Errorf("%s: %w", loc, services.ErrNotFound)
		}
		return 0, fmt.Errorf("download %s: %w", loc, err)
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return 0, closeErr
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("move into place: %w", err)
	}
	return n, nil
}

// Upload stores body at loc and returns its s3:// URI.
func (c *Client) Upload(ctx context.Context, loc Location, body io.Reader, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := c.uploader.Upload(ctx, input); err != nil {
		return "", fmt.Errorf("upload %s: %w", loc, err)
	}
	return loc.String(), nil
}

// UploadFile opens path and uploads it to loc.
func (c *Client) UploadFile(ctx context.Context, loc Location, path, contentType string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return c.Upload(ctx, loc, f, contentType)
}

// Ping verifies the bucket is reachable with the configured credentials.
func (c *Client) Ping(ctx context.Context, bucket string) error {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", bucket, err)
	}
	return nil
}

// Region reports the resolved AWS region.
func (c *Client) Region() string { return c.region }

// IsNotFound reports whether err is an S3 missing-object or missing-bucket error.
func IsNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return false
}
