// Package s3 is an object storage transport for one Amazon S3 (or S3
// compatible) bucket. The endpoint is the bucket name; actions are those of
// the blob package.
package s3

import (
	"bytes"
	"context"
	stderrors "errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/ajitpratap0/actuator/pkg/clients"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/connector/transports/blob"
	"github.com/ajitpratap0/actuator/pkg/errors"
)

// Name is the registry name of the transport.
const Name = "s3"

// Options are read from settings.options.
type Options struct {
	Region       string `mapstructure:"region"`
	EndpointURL  string `mapstructure:"endpoint_url" validate:"omitempty,url"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	MaxBody      int64  `mapstructure:"max_body" validate:"gte=0"`
}

// API is the subset of the S3 client used by the transport.
type API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Transport opens sessions on one bucket.
type Transport struct {
	bucket string
	opts   Options
	logger *zap.Logger
	newAPI func(ctx context.Context, creds core.CredentialSource) (API, error)
}

// New creates a transport for bucket.
func New(bucket string, opts Options, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Transport{bucket: bucket, opts: opts, logger: logger}
	t.newAPI = t.sdkClient
	return t
}

// NewWithAPI creates a transport that uses api instead of an SDK client.
func NewWithAPI(bucket string, opts Options, api API, logger *zap.Logger) *Transport {
	t := New(bucket, opts, logger)
	t.newAPI = func(context.Context, core.CredentialSource) (API, error) { return api, nil }
	return t
}

func (t *Transport) sdkClient(ctx context.Context, creds core.CredentialSource) (API, error) {
	cfg, err := clients.LoadAWSConfig(ctx, clients.AWSOptions{
		Region:      t.opts.Region,
		Endpoint:    t.opts.EndpointURL,
		Credentials: clients.AWSCredentialsFrom(func() string { return creds.Current().Token }),
	})
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = t.opts.UsePathStyle
	}), nil
}

// Name implements core.Transport
func (t *Transport) Name() string { return Name }

// Actions implements core.Transport
func (t *Transport) Actions() []core.ActionSpec { return blob.Actions() }

// Dial builds the SDK client. No request is made until the first action.
func (t *Transport) Dial(ctx context.Context, creds core.CredentialSource) (core.Session, error) {
	if t.bucket == "" {
		return nil, errors.Conn(errors.KindCannotOpen, "s3 endpoint must name a bucket", nil)
	}
	api, err := t.newAPI(ctx, creds)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("s3 client created", zap.String("bucket", t.bucket))
	return blob.NewSession(&backend{api: api, bucket: aws.String(t.bucket)}, t.opts.MaxBody), nil
}

type backend struct {
	api    API
	bucket *string
}

func (b *backend) Ping(ctx context.Context) error {
	_, err := b.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: b.bucket})
	return clients.ClassifyAWSError("HeadBucket", err)
}

func (b *backend) Get(ctx context.Context, key string, limit int64) ([]byte, string, error) {
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{Bucket: b.bucket, Key: aws.String(key)})
	if err != nil {
		var missing *types.NoSuchKey
		if stderrors.As(err, &missing) {
			return nil, "", blob.ErrNotFound
		}
		return nil, "", clients.ClassifyAWSError("GetObject", err)
	}
	defer out.Body.Close()
	data, err := blob.ReadLimited(out.Body, limit)
	if err != nil {
		return nil, "", clients.ClassifyAWSError("GetObject", err)
	}
	return data, aws.ToString(out.ContentType), nil
}

func (b *backend) Put(ctx context.Context, key string, data []byte, contentType string) (blob.Object, error) {
	out, err := b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        b.bucket,
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return blob.Object{}, clients.ClassifyAWSError("PutObject", err)
	}
	return blob.Object{
		Key:         key,
		Size:        int64(len(data)),
		ContentType: contentType,
		ETag:        aws.ToString(out.ETag),
	}, nil
}

func (b *backend) Delete(ctx context.Context, key string) error {
	_, err := b.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: b.bucket, Key: aws.String(key)})
	return clients.ClassifyAWSError("DeleteObject", err)
}

func (b *backend) List(ctx context.Context, prefix string, limit int) ([]blob.Object, error) {
	objects := []blob.Object{}
	in := &s3.ListObjectsV2Input{Bucket: b.bucket, Prefix: aws.String(prefix)}
	for len(objects) < limit {
		in.MaxKeys = aws.Int32(int32(limit - len(objects)))
		out, err := b.api.ListObjectsV2(ctx, in)
		if err != nil {
			return nil, clients.ClassifyAWSError("ListObjectsV2", err)
		}
		for _, obj := range out.Contents {
			objects = append(objects, blob.Object{
				Key:     aws.ToString(obj.Key),
				Size:    aws.ToInt64(obj.Size),
				Updated: aws.ToTime(obj.LastModified),
				ETag:    aws.ToString(obj.ETag),
			})
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		in.ContinuationToken = out.NextContinuationToken
	}
	if len(objects) > limit {
		objects = objects[:limit]
	}
	return objects, nil
}

func (b *backend) Close() error { return nil }
