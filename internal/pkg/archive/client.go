package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gofiber/fiber/v2/log"
)

type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Archive stores raw webhook bodies in an S3 bucket.
type Archive struct {
	api    objectAPI
	config *Config
	now    func() time.Time
}

// New creates an archive client and checks that the bucket is reachable.
func New(ctx context.Context, cfg *Config) (*Archive, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("event archive is disabled")
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			// S3-compatible services (MinIO, B2) need path-style URLs
			o.UsePathStyle = true
			o.UseAccelerate = false
		}
	})

	a := newArchive(s3Client, cfg)
	if err := a.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to S3: %w", err)
	}

	log.Infof("[Archive] Storing raw events in bucket: %s", cfg.BucketName)
	return a, nil
}

func newArchive(api objectAPI, cfg *Config) *Archive {
	return &Archive{api: api, config: cfg, now: time.Now}
}

// ensureBucket checks the bucket and creates it outside production.
func (a *Archive) ensureBucket(ctx context.Context) error {
	bucket := a.config.BucketName
	_, err := a.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	if env.GetEnv("APP_ENV", "prod") == "prod" {
		return fmt.Errorf("bucket %s not accessible: %w", bucket, err)
	}

	log.Warnf("[Archive] Bucket %s not found, attempting to create it", bucket)
	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	// us-east-1 and S3-compatible endpoints reject a location constraint
	if a.config.EndpointURL == "" && a.config.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(a.config.Region),
		}
	}
	if _, err := a.api.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	log.Infof("[Archive] Created bucket: %s", bucket)
	return nil
}

// Store writes payload under the envelope's object key and returns the key.
// Envelopes without an id are keyed by the payload hash.
func (a *Archive) Store(ctx context.Context, e billing.Envelope, payload []byte, verified bool) (string, error) {
	id := e.ID
	if id == "" {
		sum := sha256.Sum256(payload)
		id = "sha256-" + hex.EncodeToString(sum[:])
	}
	at := e.Created
	if at.IsZero() {
		at = a.now()
	}
	key := ObjectKey(e.Kind, id, at)

	_, err := a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.config.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(payload))),
		Metadata: map[string]string{
			"event-kind":      e.Kind,
			"signature-valid": fmt.Sprintf("%t", verified),
			"upload-source":   "payrecon-webhook",
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive event %s: %w", id, err)
	}
	log.Debugf("[Archive] Stored s3://%s/%s", a.config.BucketName, key)
	return key, nil
}
