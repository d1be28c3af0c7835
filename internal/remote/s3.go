package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"daysync/internal/config"
	"daysync/internal/daysync"
)

// S3API is the subset of the S3 client used by S3Remote: what the upload
// manager needs plus GetObject.
type S3API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Remote keeps one object per forwarded key:
//
//	<prefix>/<tenant>/<key>.json
//
// The bucket holds the last forwarded value of each key. Unlike Server it
// does not merge concurrent writers; the local last-write-wins check on
// read is what keeps a stale object from replacing newer data.
type S3Remote struct {
	client   S3API
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ daysync.Remote = (*S3Remote)(nil)

// NewS3Remote creates an S3Remote from configuration. Static credentials
// are used when both keys are set; otherwise the default AWS credential
// chain applies. S3Endpoint points the client at an S3-compatible service.
func NewS3Remote(ctx context.Context, cfg config.RemoteConfig) (*S3Remote, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3_bucket required for s3 remote")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3RemoteWithClient(client, cfg.S3Bucket, cfg.S3Prefix), nil
}

// NewS3RemoteWithClient creates an S3Remote around an existing client.
func NewS3RemoteWithClient(client S3API, bucket, prefix string) *S3Remote {
	return &S3Remote{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

func (r *S3Remote) objectKey(tenant, key string) string {
	return path.Join(r.prefix, tenant, key+".json")
}

// FetchDay downloads the object of a day key.
func (r *S3Remote) FetchDay(ctx context.Context, tenant, date string) (daysync.DayRecord, error) {
	if tenant == "" {
		return daysync.DayRecord{}, daysync.ErrRemoteNotFound
	}
	key := r.objectKey(tenant, daysync.DayKey(date))

	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return daysync.DayRecord{}, fmt.Errorf("%w: %s", daysync.ErrRemoteNotFound, key)
		}
		return daysync.DayRecord{}, fmt.Errorf("%w: get %s: %v", daysync.ErrRemoteUnavailable, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return daysync.DayRecord{}, fmt.Errorf("%w: reading %s: %v", daysync.ErrRemoteUnavailable, key, err)
	}
	var rec daysync.DayRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return daysync.DayRecord{}, fmt.Errorf("%w: decoding %s: %v", daysync.ErrRemoteUnavailable, key, err)
	}
	return rec, nil
}

// ForwardKey uploads value as the object of key.
func (r *S3Remote) ForwardKey(ctx context.Context, tenant, key string, value json.RawMessage) error {
	objKey := r.objectKey(tenant, key)
	_, err := r.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(objKey),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", daysync.ErrRemoteUnavailable, objKey, err)
	}
	return nil
}
