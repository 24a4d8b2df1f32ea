package clients

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/smithy-go"

	"github.com/ajitpratap0/actuator/pkg/errors"
)

// AWSOptions selects how an AWS SDK configuration is built.
type AWSOptions struct {
	Region string
	// Endpoint overrides the service endpoint (LocalStack, DynamoDB Local).
	Endpoint string
	// Credentials, when set, replaces the default provider chain. It is asked
	// for keys on every signing, so rotated keys are picked up.
	Credentials func(ctx context.Context) (aws.Credentials, error)
}

// LoadAWSConfig loads the default AWS configuration (env, profile, IAM role)
// with the given overrides.
func LoadAWSConfig(ctx context.Context, opts AWSOptions) (aws.Config, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.Credentials != nil {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(aws.CredentialsProviderFunc(opts.Credentials)))
	}
	// retries belong to the connector
	loadOpts = append(loadOpts, awsconfig.WithRetryMaxAttempts(1))

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, errors.Conn(errors.KindCannotOpen, "cannot load AWS configuration", err)
	}
	if opts.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(opts.Endpoint)
	}
	return cfg, nil
}

// StaticAWSCredentials parses "access_key_id:secret_access_key[:session_token]".
func StaticAWSCredentials(token string) (aws.Credentials, bool) {
	parts := strings.SplitN(token, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return aws.Credentials{}, false
	}
	creds := aws.Credentials{AccessKeyID: parts[0], SecretAccessKey: parts[1], Source: "actuator"}
	if len(parts) == 3 {
		creds.SessionToken = parts[2]
	}
	return creds, true
}

// AWSCredentialsFrom returns a credentials function that parses token on every
// signing, or nil when token does not hold static keys so that the default
// provider chain applies. The keys are reported as already expired so the SDK
// credential cache never holds on to a rotated key.
func AWSCredentialsFrom(token func() string) func(context.Context) (aws.Credentials, error) {
	if _, ok := StaticAWSCredentials(token()); !ok {
		return nil
	}
	return func(context.Context) (aws.Credentials, error) {
		creds, ok := StaticAWSCredentials(token())
		if !ok {
			return aws.Credentials{}, errors.Conn(errors.KindAuthExpired, "credential does not hold AWS keys", nil)
		}
		creds.CanExpire = true
		creds.Expires = time.Now()
		return creds, nil
	}
}

var awsAuthCodes = map[string]bool{
	"ExpiredToken":                true,
	"ExpiredTokenException":       true,
	"InvalidClientTokenId":        true,
	"UnrecognizedClientException": true,
	"InvalidSignatureException":   true,
	"RequestExpired":              true,
	"SignatureDoesNotMatch":       true,
	"InvalidAccessKeyId":          true,
	"TokenRefreshRequired":        true,
}

var awsConflictCodes = map[string]bool{
	"ConditionalCheckFailedException": true,
	"TransactionConflictException":    true,
	"PreconditionFailed":              true,
	"OperationAborted":                true,
}

var awsThrottleCodes = map[string]bool{
	"ThrottlingException":                    true,
	"Throttling":                             true,
	"ProvisionedThroughputExceededException": true,
	"RequestLimitExceeded":                   true,
	"SlowDown":                               true,
	"ServiceUnavailable":                     true,
	"InternalServerError":                    true,
	"InternalError":                          true,
}

// ClassifyAWSError maps AWS SDK errors to the error taxonomy.
func ClassifyAWSError(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.As(err); ok {
		return err
	}

	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case awsAuthCodes[code]:
			return errors.Conn(errors.KindAuthExpired, op+": "+code, err)
		case awsConflictCodes[code]:
			return wrapAction(errors.KindConflict, op+": "+code, err)
		case awsThrottleCodes[code]:
			return wrapAction(errors.KindServerError, op+": "+code, err)
		}
	}

	var respErr *awshttp.ResponseError
	if stderrors.As(err, &respErr) {
		if classified := ClassifyStatus(respErr.HTTPStatusCode(), op); classified != nil {
			if e, ok := errors.As(classified); ok && e.Cause == nil {
				e.Cause = err
			}
			return classified
		}
	}
	return ClassifyNetError(op, err)
}

func wrapAction(kind errors.Kind, msg string, cause error) error {
	e := errors.Action(kind, msg)
	e.Cause = cause
	return e
}
