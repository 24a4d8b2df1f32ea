package credential

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/actuator/pkg/clients"
	"github.com/ajitpratap0/actuator/pkg/errors"
)

// document is the on-disk and in-secret form of a credential.
type document struct {
	Token        string `yaml:"token"`
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
	ExpiresAt    any    `yaml:"expires_at"`
	ExpiresIn    int64  `yaml:"expires_in"`
}

// Parse reads a credential document. A YAML or JSON mapping may carry token
// (or access_token), refresh_token, expires_at (RFC 3339) and expires_in
// (seconds); anything else is taken as a raw token.
func Parse(data []byte, now time.Time) (Credential, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return Credential{}, nil
	}
	if !strings.HasPrefix(text, "{") && !strings.Contains(text, ":") {
		return Credential{Token: text}, nil
	}

	var doc document
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		// a raw token may legitimately contain ':'
		if !strings.ContainsAny(text, " \n\t") {
			return Credential{Token: text}, nil
		}
		return Credential{}, errors.Wrap(err, errors.ErrorTypeInternal, "cannot parse credential document")
	}
	cred := Credential{Token: doc.Token, RefreshToken: doc.RefreshToken}
	if cred.Token == "" {
		cred.Token = doc.AccessToken
	}
	switch v := doc.ExpiresAt.(type) {
	case time.Time:
		cred.ExpiresAt = v
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return Credential{}, errors.Wrap(err, errors.ErrorTypeInternal, "cannot parse expires_at")
		}
		cred.ExpiresAt = t
	}
	if cred.ExpiresAt.IsZero() && doc.ExpiresIn > 0 {
		cred.ExpiresAt = now.Add(time.Duration(doc.ExpiresIn) * time.Second)
	}
	return cred, nil
}

// FileProvider re-reads a credential file rotated by an external process.
type FileProvider struct {
	Path string
}

// Name returns the provider name
func (p *FileProvider) Name() string { return "file" }

// Refresh reads the file and fails when it still holds the rejected token.
func (p *FileProvider) Refresh(_ context.Context, current Credential) (Credential, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return Credential{}, errors.Wrap(err, errors.ErrorTypeInternal, "cannot read credential file")
	}
	cred, err := Parse(data, time.Now())
	if err != nil {
		return Credential{}, err
	}
	if cred.Token == current.Token {
		return Credential{}, errors.New(errors.ErrorTypeInternal, "credential file has not been rotated")
	}
	return cred, nil
}

// OAuth2Provider obtains tokens from an OAuth2 token endpoint. It uses the
// refresh-token grant when the current credential carries a refresh token and
// the client-credentials grant otherwise.
type OAuth2Provider struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	HTTPClient   *http.Client
}

// Name returns the provider name
func (p *OAuth2Provider) Name() string { return "oauth2" }

// Refresh requests a new access token.
func (p *OAuth2Provider) Refresh(ctx context.Context, current Credential) (Credential, error) {
	if p.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.HTTPClient)
	}

	var (
		tok *oauth2.Token
		err error
	)
	if current.RefreshToken != "" {
		cfg := oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: p.TokenURL},
			Scopes:       p.Scopes,
		}
		tok, err = cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken}).Token()
	} else {
		cfg := clientcredentials.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			TokenURL:     p.TokenURL,
			Scopes:       p.Scopes,
		}
		tok, err = cfg.Token(ctx)
	}
	if err != nil {
		var rerr *oauth2.RetrieveError
		if stderrors.As(err, &rerr) && rerr.Response != nil {
			// the token endpoint answered; say how without echoing its body
			e := errors.Conn(errors.KindAuthExpired, "token endpoint rejected the request: "+rerr.Response.Status, nil)
			if rerr.ErrorCode != "" {
				e.WithDetail("error_code", rerr.ErrorCode)
			}
			return Credential{}, e
		}
		return Credential{}, clients.ClassifyNetError("token request", err)
	}
	return Credential{Token: tok.AccessToken, RefreshToken: tok.RefreshToken, ExpiresAt: tok.Expiry}, nil
}

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerProvider reads the current credential from AWS Secrets Manager.
type SecretsManagerProvider struct {
	Client   SecretsManagerAPI
	SecretID string
}

// Name returns the provider name
func (p *SecretsManagerProvider) Name() string { return "secretsmanager" }

// Refresh fetches the current version of the secret.
func (p *SecretsManagerProvider) Refresh(ctx context.Context, _ Credential) (Credential, error) {
	out, err := p.Client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(p.SecretID),
	})
	if err != nil {
		return Credential{}, clients.ClassifyAWSError("GetSecretValue", err)
	}
	if out.SecretString != nil {
		return Parse([]byte(*out.SecretString), time.Now())
	}
	return Parse(out.SecretBinary, time.Now())
}

// SSMAPI is the subset of the SSM client used here.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMProvider reads the current credential from an SSM parameter.
type SSMProvider struct {
	Client    SSMAPI
	Parameter string
}

// Name returns the provider name
func (p *SSMProvider) Name() string { return "ssm" }

// Refresh fetches and decrypts the parameter.
func (p *SSMProvider) Refresh(ctx context.Context, _ Credential) (Credential, error) {
	out, err := p.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(p.Parameter),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return Credential{}, clients.ClassifyAWSError("GetParameter", err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return Credential{}, errors.New(errors.ErrorTypeInternal, "parameter has no value")
	}
	return Parse([]byte(*out.Parameter.Value), time.Now())
}
