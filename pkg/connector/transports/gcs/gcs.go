// Package gcs is an object storage transport for one Google Cloud Storage
// bucket. The endpoint is the bucket name; actions are those of the blob
// package.
//
// When the connector holds a credential its token is sent as the OAuth2
// access token, read again before every request. Otherwise the client uses
// credentials_file or Application Default Credentials.
package gcs

import (
	"context"
	stderrors "errors"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/actuator/pkg/clients"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/connector/transports/blob"
	"github.com/ajitpratap0/actuator/pkg/errors"
)

// Name is the registry name of the transport.
const Name = "gcs"

// Options are read from settings.options.
type Options struct {
	CredentialsFile string `mapstructure:"credentials_file"`
	// EndpointURL points the client at an emulator; requests are
	// unauthenticated unless a credential is present.
	EndpointURL string `mapstructure:"endpoint_url" validate:"omitempty,url"`
	MaxBody     int64  `mapstructure:"max_body" validate:"gte=0"`
}

// Transport opens sessions on one bucket.
type Transport struct {
	bucket string
	opts   Options
	logger *zap.Logger
}

// New creates a transport for bucket.
func New(bucket string, opts Options, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{bucket: bucket, opts: opts, logger: logger}
}

// Name implements core.Transport
func (t *Transport) Name() string { return Name }

// Actions implements core.Transport
func (t *Transport) Actions() []core.ActionSpec { return blob.Actions() }

// Dial creates the storage client.
func (t *Transport) Dial(ctx context.Context, creds core.CredentialSource) (core.Session, error) {
	if t.bucket == "" {
		return nil, errors.Conn(errors.KindCannotOpen, "gcs endpoint must name a bucket", nil)
	}
	client, err := storage.NewClient(ctx, t.clientOptions(creds)...)
	if err != nil {
		return nil, errors.Conn(errors.KindCannotOpen, "cannot create storage client", err)
	}
	// retries belong to the connector
	client.SetRetry(storage.WithPolicy(storage.RetryNever))

	t.logger.Debug("gcs client created", zap.String("bucket", t.bucket))
	return blob.NewSession(&backend{client: client, bucket: client.Bucket(t.bucket)}, t.opts.MaxBody), nil
}

func (t *Transport) clientOptions(creds core.CredentialSource) []option.ClientOption {
	var opts []option.ClientOption
	hasToken := creds != nil && creds.Current().Token != ""
	switch {
	case hasToken:
		opts = append(opts, option.WithTokenSource(tokenSource{creds: creds}))
	case t.opts.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(t.opts.CredentialsFile))
	case t.opts.EndpointURL != "":
		opts = append(opts, option.WithoutAuthentication())
	}
	if t.opts.EndpointURL != "" {
		opts = append(opts, option.WithEndpoint(t.opts.EndpointURL))
	}
	return opts
}

// tokenSource hands out the current credential. Tokens are reported as
// expired so that caching layers ask again on every request.
type tokenSource struct {
	creds core.CredentialSource
}

func (ts tokenSource) Token() (*oauth2.Token, error) {
	cred := ts.creds.Current()
	if cred.Token == "" {
		return nil, errors.Conn(errors.KindAuthExpired, "no access token available", nil)
	}
	return &oauth2.Token{AccessToken: cred.Token, TokenType: "Bearer", Expiry: time.Now()}, nil
}

type backend struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

func (b *backend) Ping(ctx context.Context) error {
	_, err := b.bucket.Attrs(ctx)
	return classify("bucket attrs", err)
}

func (b *backend) Get(ctx context.Context, key string, limit int64) ([]byte, string, error) {
	r, err := b.bucket.Object(key).NewReader(ctx)
	if err != nil {
		if stderrors.Is(err, storage.ErrObjectNotExist) {
			return nil, "", blob.ErrNotFound
		}
		return nil, "", classify("get object", err)
	}
	defer r.Close()
	data, err := blob.ReadLimited(r, limit)
	if err != nil {
		return nil, "", classify("get object", err)
	}
	return data, r.Attrs.ContentType, nil
}

func (b *backend) Put(ctx context.Context, key string, data []byte, contentType string) (blob.Object, error) {
	w := b.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return blob.Object{}, classify("put object", err)
	}
	if err := w.Close(); err != nil {
		return blob.Object{}, classify("put object", err)
	}
	attrs := w.Attrs()
	return blob.Object{
		Key:         key,
		Size:        attrs.Size,
		Updated:     attrs.Updated,
		ContentType: attrs.ContentType,
		ETag:        attrs.Etag,
	}, nil
}

func (b *backend) Delete(ctx context.Context, key string) error {
	err := b.bucket.Object(key).Delete(ctx)
	if stderrors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return classify("delete object", err)
}

func (b *backend) List(ctx context.Context, prefix string, limit int) ([]blob.Object, error) {
	objects := []blob.Object{}
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for len(objects) < limit {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, classify("list objects", err)
		}
		objects = append(objects, blob.Object{
			Key:         attrs.Name,
			Size:        attrs.Size,
			Updated:     attrs.Updated,
			ContentType: attrs.ContentType,
			ETag:        attrs.Etag,
		})
	}
	return objects, nil
}

func (b *backend) Close() error {
	return b.client.Close()
}

// classify maps storage errors onto the taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.As(err); ok {
		return err
	}
	if stderrors.Is(err, storage.ErrBucketNotExist) {
		return errors.Action(errors.KindBadRequest, op+": bucket does not exist")
	}
	var apiErr *googleapi.Error
	if stderrors.As(err, &apiErr) {
		classified := clients.ClassifyStatus(apiErr.Code, op+": "+apiErr.Message)
		if e, ok := errors.As(classified); ok && e.Cause == nil {
			e.Cause = err
		}
		return classified
	}
	return clients.ClassifyNetError(op, err)
}
