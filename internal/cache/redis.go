package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisStore is a redis-backed Store. Redis failures degrade to cache misses
// so a broken redis never takes authentication down with it.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisStore creates a redis-backed store. prefix namespaces the keys so
// several caches can share one redis database; it should carry its own
// trailing separator, e.g. "gateway:auth:".
func NewRedisStore(client *redis.Client, ttl time.Duration, prefix string) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, prefix: prefix}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

// Get returns the cached value for key, treating any redis error as a miss.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	value, errGet := s.client.Get(ctx, s.key(key)).Bytes()
	if errGet != nil {
		if errGet != redis.Nil {
			log.WithError(errGet).WithField("cache", s.prefix).Warn("redis cache get failed")
		}
		return nil, false
	}
	return value, true
}

// Set stores value under key with the store's TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) {
	if errSet := s.client.Set(ctx, s.key(key), value, s.ttl).Err(); errSet != nil {
		log.WithError(errSet).WithField("cache", s.prefix).Warn("redis cache set failed")
	}
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) {
	if errDel := s.client.Del(ctx, s.key(key)).Err(); errDel != nil {
		log.WithError(errDel).WithField("cache", s.prefix).Warn("redis cache delete failed")
	}
}

// Clear removes every entry under the store's prefix.
func (s *RedisStore) Clear(ctx context.Context) {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if errDel := s.client.Del(ctx, iter.Val()).Err(); errDel != nil {
			log.WithError(errDel).WithField("cache", s.prefix).Warn("redis cache clear failed")
			return
		}
	}
	if errIter := iter.Err(); errIter != nil {
		log.WithError(errIter).WithField("cache", s.prefix).Warn("redis cache scan failed")
	}
}
