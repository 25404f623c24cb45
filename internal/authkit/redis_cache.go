package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisCachePrefix = "contactsauth:verification:"

// RedisVerificationCache shares verified tokens between instances. Each entry is
// a JSON value with its own TTL, indexed by a per-subject set for invalidation.
type RedisVerificationCache struct {
	client redis.UniversalClient
	prefix string
	maxTTL time.Duration
	clock  Clock
}

// NewRedisVerificationCache wraps client. An empty prefix selects the default.
func NewRedisVerificationCache(client redis.UniversalClient, prefix string, maxTTL time.Duration, clock Clock) *RedisVerificationCache {
	if prefix == "" {
		prefix = defaultRedisCachePrefix
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &RedisVerificationCache{
		client: client,
		prefix: prefix,
		maxTTL: maxTTL,
		clock:  clock,
	}
}

func (cache *RedisVerificationCache) entryKey(key string) string {
	return cache.prefix + "token:" + key
}

func (cache *RedisVerificationCache) subjectKey(subject string) string {
	return cache.prefix + "subject:" + subject
}

// Lookup reads the entry for tokenString. redis.Nil is a miss.
func (cache *RedisVerificationCache) Lookup(ctx context.Context, tokenString string) (Principal, bool, error) {
	key, ok := cacheKey(tokenString)
	if !ok {
		return Principal{}, false, nil
	}
	payload, err := cache.client.Get(ctx, cache.entryKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Principal{}, false, nil
		}
		return Principal{}, false, fmt.Errorf("verification_cache.lookup.redis: %w", err)
	}
	var entry cacheEntry
	if decodeErr := json.Unmarshal(payload, &entry); decodeErr != nil {
		return Principal{}, false, fmt.Errorf("verification_cache.lookup.redis: %w", decodeErr)
	}
	if !cache.clock.Now().Before(entry.ExpiresAt) {
		return Principal{}, false, nil
	}
	if !digestsEqual(entry.TokenDigest, DigestToken(tokenString)) {
		return Principal{}, false, nil
	}
	return entry.Principal, true, nil
}

// Put writes the entry and its subject index in one transaction.
func (cache *RedisVerificationCache) Put(ctx context.Context, tokenString string, principal Principal, ttl time.Duration) error {
	key, ok := cacheKey(tokenString)
	if !ok {
		return nil
	}
	if ttl > cache.maxTTL {
		ttl = cache.maxTTL
	}
	if ttl <= 0 {
		return nil
	}
	entry := cacheEntry{
		Subject:     principal.Email,
		TokenDigest: DigestToken(tokenString),
		Principal:   principal.Snapshot(),
		ExpiresAt:   cache.clock.Now().Add(ttl).UTC(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("verification_cache.put.redis: %w", err)
	}
	entryKey := cache.entryKey(key)
	subjectKey := cache.subjectKey(entry.Subject)
	_, err = cache.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, entryKey, payload, ttl)
		pipe.SAdd(ctx, subjectKey, entryKey)
		pipe.Expire(ctx, subjectKey, cache.maxTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("verification_cache.put.redis: %w", err)
	}
	return nil
}

// Invalidate deletes every entry indexed under subject, then the index itself.
func (cache *RedisVerificationCache) Invalidate(ctx context.Context, subject string) error {
	subjectKey := cache.subjectKey(subject)
	members, err := cache.client.SMembers(ctx, subjectKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("verification_cache.invalidate.redis: %w", err)
	}
	keys := append(members, subjectKey)
	if err := cache.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("verification_cache.invalidate.redis: %w", err)
	}
	return nil
}
