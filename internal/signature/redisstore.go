package signature

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/poemonsense/antigravity-broker/internal/config"
)

const redisKeyPrefix = "agbroker:sig:"

// RedisStore is the Redis-backed disk tier. Entries share the RAM TTL
// and expire server-side, so per-session clears never have to iterate
// the tier.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects the disk tier. Returns nil when addr is empty.
func NewRedisStore(cfg config.SignatureCacheConfig) *RedisStore {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &RedisStore{
		client: client,
		ttl:    time.Duration(config.SignatureCacheTTLMs) * time.Millisecond,
	}
}

// Store writes a signature with TTL. Failures are logged and swallowed:
// the RAM tier stays authoritative.
func (s *RedisStore) Store(key, value string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.client.Set(ctx, redisKeyPrefix+key, value, s.ttl).Err(); err != nil {
		log.Debugf("[SignatureCache] Redis store failed: %v", err)
	}
}

// Retrieve reads a signature, reporting misses and errors alike as
// absent.
func (s *RedisStore) Retrieve(key string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := s.client.Get(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debugf("[SignatureCache] Redis retrieve failed: %v", err)
		}
		return "", false
	}
	return val, true
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
