package persistence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ArchiveConfig points at an S3-compatible bucket (AWS, MinIO, R2).
type ArchiveConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	UseSSL         bool   `yaml:"use_ssl"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// SnapshotArchive keeps off-site copies of snapshots.
type SnapshotArchive struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewSnapshotArchive(ctx context.Context, cfg ArchiveConfig) (*SnapshotArchive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("archive: region is required")
	}

	var loadOpts []func(*config.LoadOptions) error
	loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	if cfg.AccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		loadOpts = append(loadOpts, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint, err := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
		if err != nil {
			return nil, err
		}
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &SnapshotArchive{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// normalizeEndpoint adds a scheme when the endpoint is a bare host.
func normalizeEndpoint(raw string, useSSL bool) (string, error) {
	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" && u.Host != "" {
		return raw, nil
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	u, err = url.Parse(scheme + "://" + raw)
	if err != nil {
		return "", fmt.Errorf("archive: invalid endpoint %q: %w", raw, err)
	}
	return u.String(), nil
}

// Key is the object key of the snapshot taken at sequence.
func (a *SnapshotArchive) Key(sequence int64) string {
	return fmt.Sprintf("%ssnapshots/%020d.json", a.prefix, sequence)
}

// Ping checks that the bucket is reachable.
func (a *SnapshotArchive) Ping(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	if err != nil {
		return fmt.Errorf("archive: head bucket %s: %w", a.bucket, err)
	}
	return nil
}

// Put uploads an encoded snapshot and returns its key.
func (a *SnapshotArchive) Put(ctx context.Context, sequence int64, data []byte) (string, error) {
	key := a.Key(sequence)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: put object %s: %w", key, err)
	}
	return key, nil
}

// Get downloads an archived snapshot. It returns nil, nil when the object
// does not exist.
func (a *SnapshotArchive) Get(ctx context.Context, sequence int64) ([]byte, error) {
	key := a.Key(sequence)
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		return nil, fmt.Errorf("archive: get object %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
