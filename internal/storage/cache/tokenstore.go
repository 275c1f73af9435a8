package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-transit-notification-service/pkg/dispatch"
)

// ErrCacheMiss is returned by a CacheClient when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// KeyPrefix namespaces cached registrations.
const KeyPrefix = "notify:token:"

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// CachedTokenStore is a decorator that adds read-aside caching to any TokenStore.
//
// Registrations are written outside this service, so a cached token can be
// up to ttl older than the store. Entries are dropped early when the sweeper
// removes the user or when FCM rejects the cached token (InvalidateToken).
type CachedTokenStore struct {
	realStore dispatch.TokenStore
	cache     CacheClient
	ttl       time.Duration
	logger    *slog.Logger
}

func NewCachedTokenStore(realStore dispatch.TokenStore, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedTokenStore {
	return &CachedTokenStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With("component", "CachedTokenStore"),
	}
}

// GetToken serves from cache when possible. Misses are never cached, so a
// device registered after a failed lookup is visible immediately.
func (s *CachedTokenStore) GetToken(ctx context.Context, userID string) (*dispatch.TokenRecord, error) {
	key := cacheKey(userID)

	var cached dispatch.TokenRecord
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	fresh, err := s.realStore.GetToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Caching is an optimization; if Redis is down we serve from the store.
	_ = s.cache.Set(ctx, key, fresh, s.ttl)

	return fresh, nil
}

// DeleteWhereOlderThan deletes from the source of truth, then evicts the
// removed users so a swept token cannot be served from cache.
func (s *CachedTokenStore) DeleteWhereOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	deleted, err := s.realStore.DeleteWhereOlderThan(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(deleted))
	for _, id := range deleted {
		keys = append(keys, cacheKey(id))
	}
	// The records are gone either way; stale entries expire with the TTL.
	if err := s.cache.Del(ctx, keys...); err != nil {
		s.logger.Warn("Failed to evict swept tokens from cache", "count", len(keys), "err", err)
	}
	return deleted, nil
}

// InvalidateToken drops the cached registration for userID.
func (s *CachedTokenStore) InvalidateToken(ctx context.Context, userID string) error {
	return s.cache.Del(ctx, cacheKey(userID))
}

func cacheKey(userID string) string {
	return KeyPrefix + userID
}
