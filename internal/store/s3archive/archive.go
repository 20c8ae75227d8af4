// Package s3archive uploads finished subagent run records to S3-compatible
// object storage as a durable archive, for deployments that want run
// history retained past the registry's in-memory/on-disk retention window.
package s3archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config configures the archiver's S3 client.
type Config struct {
	Bucket          string
	Prefix          string // key prefix, e.g. "subagent-runs/"
	Region          string
	Endpoint        string // non-empty for an S3-compatible endpoint (MinIO, R2, ...)
	AccessKeyID     string
	SecretAccessKey string
}

// Archiver uploads arbitrary JSON-serializable records to S3.
type Archiver struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// New builds an Archiver from cfg. With AccessKeyID/SecretAccessKey both
// empty, the default AWS credential chain is used instead (env vars,
// instance role, shared config).
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("s3archive: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Archiver{
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
	}, nil
}

// PutRecord JSON-encodes v and uploads it under "<prefix><key>.json".
func (a *Archiver) PutRecord(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("s3archive: encode %s: %w", key, err)
	}

	objectKey := a.prefix + key + ".json"
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3archive: upload %s: %w", objectKey, err)
	}
	return nil
}

// PutRecordAt is PutRecord with an explicit timestamp folded into the key,
// used by archivers that want time-partitioned object keys
// (prefix/2026/07/31/<key>.json).
func (a *Archiver) PutRecordAt(ctx context.Context, ts time.Time, key string, v interface{}) error {
	partitioned := fmt.Sprintf("%04d/%02d/%02d/%s", ts.Year(), ts.Month(), ts.Day(), key)
	return a.PutRecord(ctx, partitioned, v)
}
