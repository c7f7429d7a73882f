// Package mirror copies finished job outputs to S3 and removes them again
// when the local copy expires.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"hls-transcoder/internal/orchestrator"
	"hls-transcoder/internal/platform/logger"
)

// deleteBatch is the S3 limit on keys per DeleteObjects call.
const deleteBatch = 1000

// API is the subset of the S3 client used by the mirror.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3 mirrors job directories under bucket/prefix/<job id>/.
type S3 struct {
	client API
	bucket string
	prefix string
	log    *slog.Logger
}

// New returns a mirror writing through client.
func New(client API, bucket, prefix string, log *slog.Logger) *S3 {
	if log == nil {
		log = logger.Discard()
	}
	return &S3{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		log:    log,
	}
}

// NewFromEnv builds the S3 client from the default AWS credential chain.
func NewFromEnv(ctx context.Context, region, bucket, prefix string, log *slog.Logger) (*S3, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(s3.NewFromConfig(cfg), bucket, prefix, log), nil
}

func (m *S3) jobPrefix(jobID string) string {
	if m.prefix == "" {
		return jobID + "/"
	}
	return m.prefix + "/" + jobID + "/"
}

// Publish uploads every file of dir under the job's key prefix.
func (m *S3) Publish(ctx context.Context, jobID, dir string) error {
	base := m.jobPrefix(jobID)
	uploaded := 0

	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if err := m.putFile(ctx, p, base+filepath.ToSlash(rel)); err != nil {
			return err
		}
		uploaded++
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror job %s: %w", jobID, err)
	}

	m.log.Info("job mirrored",
		slog.String("job_id", jobID),
		slog.String("bucket", m.bucket),
		slog.String("prefix", base),
		slog.Int("objects", uploaded))
	return nil
}

func (m *S3) putFile(ctx context.Context, p, key string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(orchestrator.ContentType(p)),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Remove deletes every object under the job's key prefix.
func (m *S3) Remove(ctx context.Context, jobID string) error {
	base := m.jobPrefix(jobID)
	var token *string
	removed := 0

	for {
		page, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(m.bucket),
			Prefix:            aws.String(base),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("list %s: %w", base, err)
		}

		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		for start := 0; start < len(ids); start += deleteBatch {
			end := min(start+deleteBatch, len(ids))
			out, err := m.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(m.bucket),
				Delete: &types.Delete{Objects: ids[start:end], Quiet: aws.Bool(true)},
			})
			if err != nil {
				return fmt.Errorf("delete %s: %w", base, err)
			}
			if len(out.Errors) > 0 {
				first := out.Errors[0]
				return fmt.Errorf("delete %s: %d objects failed, first %s: %s",
					base, len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
			}
			removed += end - start
		}

		if !aws.ToBool(page.IsTruncated) {
			break
		}
		token = page.NextContinuationToken
		if token == nil {
			return errors.New("list truncated without continuation token")
		}
	}

	m.log.Info("job mirror removed", slog.String("job_id", jobID), slog.Int("objects", removed))
	return nil
}
