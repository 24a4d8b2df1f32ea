package credential

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/actuator/pkg/errors"
	"github.com/ajitpratap0/actuator/pkg/metrics"
)

// DefaultRefreshTimeout bounds a single provider call.
const DefaultRefreshTimeout = 30 * time.Second

// Provider obtains a fresh credential to replace current.
type Provider interface {
	Name() string
	Refresh(ctx context.Context, current Credential) (Credential, error)
}

// Store owns the current credential and serialises its refresh.
type Store struct {
	mu      sync.RWMutex
	current Credential
	version uint64

	provider Provider
	group    singleflight.Group
	cache    *Cache
	logger   *zap.Logger
	timeout  time.Duration
	now      func() time.Time

	refreshes int64
	failures  int64
}

// Option configures a Store.
type Option func(*Store)

// WithCache persists every refreshed credential to cache.
func WithCache(cache *Cache) Option {
	return func(s *Store) { s.cache = cache }
}

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithRefreshTimeout bounds each provider call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store holding initial. provider may be nil when the
// credential cannot be refreshed.
func NewStore(initial Credential, provider Provider, opts ...Option) *Store {
	s := &Store{
		provider: provider,
		logger:   zap.NewNop(),
		timeout:  DefaultRefreshTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.version = 1
	initial.Version = s.version
	s.current = initial
	return s
}

// Current returns the credential in use.
func (s *Store) Current() Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// CanRefresh reports whether a provider is configured.
func (s *Store) CanRefresh() bool {
	return s.provider != nil
}

// NeedsRefresh reports whether the current credential expires within d.
func (s *Store) NeedsRefresh(d time.Duration) bool {
	return s.Current().ExpiresWithin(d, s.now())
}

// Refreshes returns the number of successful provider calls.
func (s *Store) Refreshes() int64 {
	return atomic.LoadInt64(&s.refreshes)
}

// Set replaces the credential, as if it had been refreshed.
func (s *Store) Set(c Credential) Credential {
	s.mu.Lock()
	s.version++
	c.Version = s.version
	s.current = c
	s.mu.Unlock()
	return c
}

// Refresh replaces the credential observed at version stale. If the store
// already holds a newer credential it is returned without calling the
// provider; concurrent callers for the same stale version share one provider
// call. Failures are fatal: the caller must stop using the connection.
//
// The provider call is detached from ctx so that one caller giving up does
// not fail the others; ctx only bounds how long this caller waits.
func (s *Store) Refresh(ctx context.Context, stale uint64) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, errors.Conn(errors.KindCancelled, "credential refresh cancelled", err)
	}
	if cur := s.Current(); cur.Version > stale {
		return cur, nil
	}
	if s.provider == nil {
		return Credential{}, errors.Conn(errors.KindAuthExpired, "credential expired and no refresh mechanism is configured", nil).Promote()
	}

	ch := s.group.DoChan("refresh", func() (any, error) {
		cur := s.Current()
		if cur.Version > stale {
			return cur, nil
		}
		return s.refresh(context.WithoutCancel(ctx), cur)
	})

	select {
	case <-ctx.Done():
		return Credential{}, errors.Conn(errors.KindCancelled, "credential refresh cancelled", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	}
}

func (s *Store) refresh(ctx context.Context, cur Credential) (Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := s.now()
	fresh, err := s.provider.Refresh(ctx, cur)
	if err == nil && fresh.IsZero() {
		err = errors.New(errors.ErrorTypeInternal, "provider returned an empty credential")
	}
	if err != nil {
		atomic.AddInt64(&s.failures, 1)
		metrics.CredentialRefreshes.WithLabelValues(s.provider.Name(), "failure").Inc()
		s.logger.Warn("credential refresh failed",
			zap.String("provider", s.provider.Name()),
			zap.Error(err))
		return Credential{}, errors.Conn(errors.KindAuthExpired, "credential refresh failed", err).Promote()
	}

	if fresh.RefreshToken == "" {
		fresh.RefreshToken = cur.RefreshToken
	}
	fresh = s.Set(fresh)
	atomic.AddInt64(&s.refreshes, 1)
	metrics.CredentialRefreshes.WithLabelValues(s.provider.Name(), "success").Inc()
	s.logger.Info("credential refreshed",
		zap.String("provider", s.provider.Name()),
		zap.Object("credential", fresh),
		zap.Duration("duration", s.now().Sub(start)))

	if s.cache != nil {
		if err := s.cache.Save(fresh); err != nil {
			s.logger.Warn("failed to persist refreshed credential", zap.Error(err))
		}
	}
	return fresh, nil
}
