package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/parley/internal/config"
)

// S3Store stores artifacts in an S3-compatible bucket under an optional
// key prefix. Filenames travel as object metadata.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store builds a store from cfg. Static keys are used when both are
// set; otherwise the default AWS credential chain applies.
func NewS3Store(ctx context.Context, cfg config.S3Config) (*S3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		// MinIO, R2 and older S3-compatible stores reject the default
		// flexible checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Put stores artifact data in S3. The filename travels as object metadata.
func (s *S3Store) Put(ctx context.Context, artifactID string, data io.Reader, opts PutOptions) (string, error) {
	if err := validID(artifactID); err != nil {
		return "", err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(artifactID)),
		Body:   data,
	}
	if opts.MimeType != "" {
		input.ContentType = aws.String(opts.MimeType)
	}
	metadata := make(map[string]string, len(opts.Metadata)+1)
	for k, v := range opts.Metadata {
		metadata[k] = v
	}
	if opts.Filename != "" {
		metadata["filename"] = opts.Filename
	}
	if len(metadata) > 0 {
		input.Metadata = metadata
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to put artifact %s: %w", artifactID, err)
	}
	return Ref(artifactID), nil
}

// Get retrieves artifact data from S3.
func (s *S3Store) Get(ctx context.Context, artifactID string) (io.ReadCloser, *Info, error) {
	if err := validID(artifactID); err != nil {
		return nil, nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(artifactID)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, artifactID)
		}
		return nil, nil, fmt.Errorf("failed to get artifact %s: %w", artifactID, err)
	}
	info := &Info{
		ID:       artifactID,
		MimeType: aws.ToString(out.ContentType),
		Filename: out.Metadata["filename"],
		Size:     aws.ToInt64(out.ContentLength),
	}
	return out.Body, info, nil
}

// Delete removes an artifact from S3.
func (s *S3Store) Delete(ctx context.Context, artifactID string) error {
	if err := validID(artifactID); err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(artifactID)),
	}); err != nil {
		return fmt.Errorf("failed to delete artifact %s: %w", artifactID, err)
	}
	return nil
}

// Exists checks if an artifact exists in S3.
func (s *S3Store) Exists(ctx context.Context, artifactID string) (bool, error) {
	if err := validID(artifactID); err != nil {
		return false, err
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(artifactID)),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat artifact %s: %w", artifactID, err)
}

// isNotFound matches the typed errors and, for stores that answer with a
// bare code, the generic API error.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}

// Close is a no-op; the SDK client holds no resources that need release.
func (s *S3Store) Close() error { return nil }

func (s *S3Store) objectKey(artifactID string) string {
	if s.prefix == "" {
		return artifactID
	}
	return path.Join(s.prefix, artifactID)
}
