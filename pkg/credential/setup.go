package credential

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.uber.org/zap"

	"github.com/ajitpratap0/actuator/pkg/clients"
	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/errors"
	actlog "github.com/ajitpratap0/actuator/pkg/logger"
)

// NewProvider builds the refresh mechanism selected by settings. It returns
// nil for type "none".
func NewProvider(ctx context.Context, settings config.RefreshSettings, httpClient *http.Client) (Provider, error) {
	switch settings.Type {
	case "", "none":
		return nil, nil
	case "file":
		if settings.SecretID == "" {
			return nil, errors.Config(errors.KindMissing, "settings:credentials.refresh.secret_id", "file provider needs the path of the rotated file")
		}
		return &FileProvider{Path: settings.SecretID}, nil
	case "oauth2":
		return &OAuth2Provider{
			TokenURL:     settings.TokenURL,
			ClientID:     settings.ClientID,
			ClientSecret: settings.ClientSecret,
			Scopes:       settings.Scopes,
			HTTPClient:   httpClient,
		}, nil
	case "secretsmanager":
		cfg, err := clients.LoadAWSConfig(ctx, clients.AWSOptions{Region: settings.Region})
		if err != nil {
			return nil, err
		}
		return &SecretsManagerProvider{Client: secretsmanager.NewFromConfig(cfg), SecretID: settings.SecretID}, nil
	case "ssm":
		cfg, err := clients.LoadAWSConfig(ctx, clients.AWSOptions{Region: settings.Region})
		if err != nil {
			return nil, err
		}
		return &SSMProvider{Client: ssm.NewFromConfig(cfg), Parameter: settings.SecretID}, nil
	default:
		return nil, errors.Config(errors.KindWrongType, "settings:credentials.refresh.type", "unknown refresh type "+settings.Type)
	}
}

// Initial resolves the credential to start with: a cached credential that is
// still valid, then the credential file, then the environment variable.
func Initial(settings config.CredentialSettings, getenv func(string) string, now time.Time) (Credential, error) {
	if settings.CacheFile != "" {
		cached, err := NewCache(settings.CacheFile).Load()
		if err == nil && !cached.IsZero() && !cached.ExpiresWithin(0, now) {
			return cached, nil
		}
	}
	if settings.File != "" {
		data, err := os.ReadFile(settings.File)
		if err != nil {
			e := errors.Config(errors.KindMissing, "settings:credentials.file", "cannot read credential file")
			e.Cause = err
			return Credential{}, e
		}
		cred, err := Parse(data, now)
		if err != nil {
			e := errors.Config(errors.KindParseFailed, "settings:credentials.file", "cannot parse credential file")
			e.Cause = err
			return Credential{}, e
		}
		return cred, nil
	}
	if settings.Env != "" && getenv != nil {
		return Credential{Token: strings.TrimSpace(getenv(settings.Env))}, nil
	}
	return Credential{}, nil
}

// NewStoreFromSettings resolves the initial credential and its provider and
// returns a Store persisting refreshes to the configured cache file.
func NewStoreFromSettings(ctx context.Context, settings config.CredentialSettings, httpClient *http.Client, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	initial, err := Initial(settings, os.Getenv, time.Now())
	if err != nil {
		return nil, err
	}
	provider, err := NewProvider(ctx, settings.Refresh, httpClient)
	if err != nil {
		return nil, err
	}

	opts := []Option{WithLogger(logger.With(zap.String("component", "credential_store")))}
	if settings.CacheFile != "" {
		opts = append(opts, WithCache(NewCache(settings.CacheFile)))
	}
	store := NewStore(initial, provider, opts...)
	logger.Debug("credential store ready",
		zap.Object("credential", store.Current()),
		zap.String("refresh_type", settings.Refresh.Type),
		actlog.Secret("client_secret", settings.Refresh.ClientSecret),
		zap.Bool("refreshable", store.CanRefresh()))
	return store, nil
}
