package credential

import (
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/actuator/pkg/compression"
	"github.com/ajitpratap0/actuator/pkg/errors"
)

// Cache persists refreshed credentials so they survive a clean shutdown.
// The file is JSON, compressed according to its extension.
type Cache struct {
	path string
	now  func() time.Time
}

type cacheEntry struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	SavedAt      time.Time `json:"saved_at"`
}

// NewCache creates a cache backed by path.
func NewCache(path string) *Cache {
	return &Cache{path: path, now: time.Now}
}

// Path returns the cache file path.
func (c *Cache) Path() string {
	return c.path
}

// Save writes cred atomically with mode 0600.
func (c *Cache) Save(cred Credential) error {
	data, err := json.Marshal(cacheEntry{
		Token:        cred.Token,
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    cred.ExpiresAt,
		SavedAt:      c.now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "cannot encode credential cache")
	}
	if err := compression.WriteFile(c.path, data, 0o600); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "cannot write credential cache")
	}
	return nil
}

// Load reads the cached credential. A missing file yields the zero
// Credential and no error.
func (c *Cache) Load() (Credential, error) {
	data, err := compression.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credential{}, nil
		}
		return Credential{}, errors.Wrap(err, errors.ErrorTypeInternal, "cannot read credential cache")
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Credential{}, errors.Wrap(err, errors.ErrorTypeInternal, "cannot decode credential cache")
	}
	return Credential{Token: entry.Token, RefreshToken: entry.RefreshToken, ExpiresAt: entry.ExpiresAt}, nil
}
