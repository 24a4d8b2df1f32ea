package credential

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/errors"
)

func TestParse(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	raw, err := Parse([]byte("  abc123\n"), now)
	require.NoError(t, err)
	assert.Equal(t, "abc123", raw.Token)

	keys, err := Parse([]byte("AKID:SECRET"), now)
	require.NoError(t, err)
	assert.Equal(t, "AKID:SECRET", keys.Token)

	doc, err := Parse([]byte(`{"access_token": "at", "refresh_token": "rt", "expires_in": 3600}`), now)
	require.NoError(t, err)
	assert.Equal(t, "at", doc.Token)
	assert.Equal(t, "rt", doc.RefreshToken)
	assert.Equal(t, now.Add(time.Hour), doc.ExpiresAt)

	yamlDoc, err := Parse([]byte("token: t\nexpires_at: \"2026-02-01T00:00:00Z\"\n"), now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), yamlDoc.ExpiresAt.UTC())

	empty, err := Parse(nil, now)
	require.NoError(t, err)
	assert.True(t, empty.IsZero())
}

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))
	p := &FileProvider{Path: path}

	_, err := p.Refresh(context.Background(), Credential{Token: "old"})
	require.Error(t, err, "file not rotated")

	require.NoError(t, os.WriteFile(path, []byte("new"), 0o600))
	cred, err := p.Refresh(context.Background(), Credential{Token: "old"})
	require.NoError(t, err)
	assert.Equal(t, "new", cred.Token)
}

func tokenServer(t *testing.T, status int) (*httptest.Server, *int64, *string) {
	t.Helper()
	var calls int64
	var grant string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		require.NoError(t, r.ParseForm())
		grant = r.Form.Get("grant_type")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"bearer","refresh_token":"rt2","expires_in":3600}`))
			return
		}
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls, &grant
}

func TestOAuth2ProviderClientCredentials(t *testing.T) {
	srv, calls, grant := tokenServer(t, http.StatusOK)
	p := &OAuth2Provider{TokenURL: srv.URL, ClientID: "id", ClientSecret: "secret", Scopes: []string{"read"}, HTTPClient: srv.Client()}

	cred, err := p.Refresh(context.Background(), Credential{Token: "expired"})
	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.Token)
	assert.Equal(t, "rt2", cred.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), cred.ExpiresAt, time.Minute)
	assert.Equal(t, int64(1), atomic.LoadInt64(calls))
	assert.Equal(t, "client_credentials", *grant)
}

func TestOAuth2ProviderRefreshGrant(t *testing.T) {
	srv, _, grant := tokenServer(t, http.StatusOK)
	p := &OAuth2Provider{TokenURL: srv.URL, ClientID: "id", ClientSecret: "secret", HTTPClient: srv.Client()}

	cred, err := p.Refresh(context.Background(), Credential{Token: "expired", RefreshToken: "rt1"})
	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.Token)
	assert.Equal(t, "refresh_token", *grant)
}

func TestOAuth2ProviderRejected(t *testing.T) {
	srv, _, _ := tokenServer(t, http.StatusBadRequest)
	p := &OAuth2Provider{TokenURL: srv.URL, ClientID: "id", ClientSecret: "secret", HTTPClient: srv.Client()}

	_, err := p.Refresh(context.Background(), Credential{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindAuthExpired))
	assert.NotContains(t, err.Error(), "secret")
}

type fakeSecrets struct {
	value string
	err   error
}

func (f *fakeSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{Name: in.SecretId, SecretString: aws.String(f.value)}, nil
}

func TestSecretsManagerProvider(t *testing.T) {
	p := &SecretsManagerProvider{Client: &fakeSecrets{value: `{"token":"from-secret"}`}, SecretID: "app/token"}
	cred, err := p.Refresh(context.Background(), Credential{})
	require.NoError(t, err)
	assert.Equal(t, "from-secret", cred.Token)

	denied := &SecretsManagerProvider{Client: &fakeSecrets{err: &smithy.GenericAPIError{Code: "ExpiredTokenException"}}}
	_, err = denied.Refresh(context.Background(), Credential{})
	assert.True(t, errors.IsKind(err, errors.KindAuthExpired))
}

type fakeSSM struct{ value string }

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Name: in.Name, Value: aws.String(f.value)}}, nil
}

func TestSSMProvider(t *testing.T) {
	p := &SSMProvider{Client: &fakeSSM{value: "raw-token"}, Parameter: "/app/token"}
	cred, err := p.Refresh(context.Background(), Credential{})
	require.NoError(t, err)
	assert.Equal(t, "raw-token", cred.Token)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(context.Background(), config.RefreshSettings{Type: "none"}, nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = NewProvider(context.Background(), config.RefreshSettings{Type: "oauth2", TokenURL: "https://auth.example.com/token"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "oauth2", p.Name())

	_, err = NewProvider(context.Background(), config.RefreshSettings{Type: "file"}, nil)
	assert.True(t, errors.IsKind(err, errors.KindMissing))

	_, err = NewProvider(context.Background(), config.RefreshSettings{Type: "kerberos"}, nil)
	assert.True(t, errors.IsKind(err, errors.KindWrongType))
}

func TestInitial(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	file := filepath.Join(dir, "credential.yaml")
	require.NoError(t, os.WriteFile(file, []byte("token: from-file\nrefresh_token: rt\n"), 0o600))

	cred, err := Initial(config.CredentialSettings{File: file}, nil, now)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cred.Token)

	env := func(key string) string {
		if key == "API_TOKEN" {
			return "from-env"
		}
		return ""
	}
	cred, err = Initial(config.CredentialSettings{Env: "API_TOKEN"}, env, now)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cred.Token)

	cachePath := filepath.Join(dir, "cache.json.gz")
	require.NoError(t, NewCache(cachePath).Save(Credential{Token: "cached", ExpiresAt: now.Add(time.Hour)}))
	cred, err = Initial(config.CredentialSettings{File: file, CacheFile: cachePath}, nil, now)
	require.NoError(t, err)
	assert.Equal(t, "cached", cred.Token)

	expired := filepath.Join(dir, "expired.json")
	require.NoError(t, NewCache(expired).Save(Credential{Token: "old", ExpiresAt: now.Add(-time.Minute)}))
	cred, err = Initial(config.CredentialSettings{File: file, CacheFile: expired}, nil, now)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cred.Token)

	_, err = Initial(config.CredentialSettings{File: filepath.Join(dir, "absent")}, nil, now)
	assert.True(t, errors.IsKind(err, errors.KindMissing))
}

func TestCacheMissingFile(t *testing.T) {
	cred, err := NewCache(filepath.Join(t.TempDir(), "none.json")).Load()
	require.NoError(t, err)
	assert.True(t, cred.IsZero())
}
