package report

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/logflow/skelstream/pkg/errors"
)

const s3Ext = ".json"

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket string

	// Prefix is prepended to every object key, e.g. "reports/".
	Prefix string

	Region string

	// Endpoint overrides the S3 endpoint for compatible services.
	Endpoint string

	// Static credentials; the default chain is used when empty.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// UsePathStyle forces path-style addressing (MinIO, LocalStack).
	UsePathStyle bool

	// Timeout bounds each operation.
	Timeout time.Duration

	StorageClass         types.StorageClass
	ServerSideEncryption bool
}

// DefaultS3Config returns sensible defaults.
func DefaultS3Config(bucket string) S3Config {
	return S3Config{
		Bucket:       bucket,
		Prefix:       "reports/",
		Timeout:      30 * time.Second,
		StorageClass: types.StorageClassStandard,
	}
}

// S3Backend stores one JSON object per snapshot.
type S3Backend struct {
	cfg    S3Config
	client *s3.Client
}

// NewS3Backend loads AWS configuration and creates the client. No request
// is made until the first operation.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.InvalidConfig("report.s3.bucket", "bucket is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultS3Config("").Timeout
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeReportBackend, "failed to load AWS config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Backend{cfg: cfg, client: client}, nil
}

func (b *S3Backend) key(id string) string {
	return b.cfg.Prefix + id + s3Ext
}

// idFromKey is the inverse of key; ok is false for foreign objects.
func (b *S3Backend) idFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, b.cfg.Prefix) || !strings.HasSuffix(key, s3Ext) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, b.cfg.Prefix), s3Ext)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// Save puts the snapshot object.
func (b *S3Backend) Save(ctx context.Context, s *Snapshot) error {
	if err := validateID(s.ID); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, errors.CodeReportWrite, "failed to encode snapshot")
	}

	input := &s3.PutObjectInput{
		Bucket:       aws.String(b.cfg.Bucket),
		Key:          aws.String(b.key(s.ID)),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String("application/json"),
		StorageClass: b.cfg.StorageClass,
	}
	if b.cfg.ServerSideEncryption {
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	}

	if _, err := b.client.PutObject(ctx, input); err != nil {
		return errors.Wrap(err, errors.CodeReportBackend, "failed to save snapshot to S3").
			WithContext("bucket", b.cfg.Bucket).
			WithContext("id", s.ID)
	}
	return nil
}

// Load gets one snapshot object.
func (b *S3Backend) Load(ctx context.Context, id string) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	output, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(id)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, notFound(b.Name(), id)
		}
		return nil, errors.Wrap(err, errors.CodeReportBackend, "failed to load snapshot from S3").
			WithContext("id", id)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeReportRead, "failed to read snapshot").
			WithContext("id", id)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, errors.CodeReportRead, "failed to decode snapshot").
			WithContext("id", id)
	}
	return &s, nil
}

// Delete removes the snapshot object.
func (b *S3Backend) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(id)),
	})
	if err != nil && !isS3NotFound(err) {
		return errors.Wrap(err, errors.CodeReportBackend, "failed to delete snapshot from S3").
			WithContext("id", id)
	}
	return nil
}

// List pages through the objects under the prefix.
func (b *S3Backend) List(ctx context.Context, prefix string) ([]*Snapshot, error) {
	var ids []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.cfg.Bucket),
		Prefix: aws.String(b.cfg.Prefix + prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeReportBackend, "failed to list snapshots").
				WithContext("bucket", b.cfg.Bucket)
		}
		for _, obj := range page.Contents {
			if id, ok := b.idFromKey(aws.ToString(obj.Key)); ok {
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)

	var out []*Snapshot
	for _, id := range ids {
		s, err := b.Load(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Name returns "s3".
func (b *S3Backend) Name() string {
	return "s3"
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	if stderrors.As(err, &nsk) {
		return true
	}
	var respErr *awshttp.ResponseError
	return stderrors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}
