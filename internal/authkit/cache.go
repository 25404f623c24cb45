package authkit

import (
	"context"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/tyemirov/contactsauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// VerificationCache memoizes verified access tokens. It is an optimization:
// every AuthService behavior holds with NoopVerificationCache.
type VerificationCache interface {
	Lookup(ctx context.Context, tokenString string) (Principal, bool, error)
	Put(ctx context.Context, tokenString string, principal Principal, ttl time.Duration) error
	Invalidate(ctx context.Context, subject string) error
}

// NoopVerificationCache never stores anything.
type NoopVerificationCache struct{}

func (NoopVerificationCache) Lookup(context.Context, string) (Principal, bool, error) {
	return Principal{}, false, nil
}

func (NoopVerificationCache) Put(context.Context, string, Principal, time.Duration) error {
	return nil
}

func (NoopVerificationCache) Invalidate(context.Context, string) error {
	return nil
}

type cacheEntry struct {
	Subject     string    `json:"subject"`
	TokenDigest string    `json:"token_digest"`
	Principal   Principal `json:"principal"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// cacheKey derives the entry key from the signature segment; the full-token
// digest stored in the entry guards against payload substitution.
func cacheKey(tokenString string) (string, bool) {
	return sessionvalidator.SignatureSegment(tokenString)
}

// MemoryVerificationCache is a bounded in-process LRU with per-entry expiry.
type MemoryVerificationCache struct {
	mutex     sync.Mutex
	entries   *lru.Cache
	bySubject map[string]map[string]time.Time
	maxTTL    time.Duration
	clock     Clock
}

// NewMemoryVerificationCache builds a cache holding at most maxEntries entries,
// none living longer than maxTTL.
func NewMemoryVerificationCache(maxEntries int, maxTTL time.Duration, clock Clock) *MemoryVerificationCache {
	if clock == nil {
		clock = NewSystemClock()
	}
	cache := &MemoryVerificationCache{
		entries:   lru.New(maxEntries),
		bySubject: make(map[string]map[string]time.Time),
		maxTTL:    maxTTL,
		clock:     clock,
	}
	cache.entries.OnEvicted = cache.forget
	return cache
}

// forget runs under mutex whenever lru drops an entry.
func (cache *MemoryVerificationCache) forget(key lru.Key, value interface{}) {
	entry, ok := value.(cacheEntry)
	if !ok {
		return
	}
	keys := cache.bySubject[entry.Subject]
	delete(keys, key.(string))
	if len(keys) == 0 {
		delete(cache.bySubject, entry.Subject)
	}
}

// Lookup returns the cached principal for tokenString. Expired entries are dropped lazily.
func (cache *MemoryVerificationCache) Lookup(ctx context.Context, tokenString string) (Principal, bool, error) {
	key, ok := cacheKey(tokenString)
	if !ok {
		return Principal{}, false, nil
	}
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	value, found := cache.entries.Get(key)
	if !found {
		return Principal{}, false, nil
	}
	entry := value.(cacheEntry)
	if !cache.clock.Now().Before(entry.ExpiresAt) {
		cache.entries.Remove(key)
		return Principal{}, false, nil
	}
	if !digestsEqual(entry.TokenDigest, DigestToken(tokenString)) {
		return Principal{}, false, nil
	}
	return entry.Principal, true, nil
}

// Put stores a snapshot of principal for at most min(ttl, maxTTL).
func (cache *MemoryVerificationCache) Put(ctx context.Context, tokenString string, principal Principal, ttl time.Duration) error {
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
		ExpiresAt:   cache.clock.Now().Add(ttl),
	}
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	cache.entries.Remove(key)
	cache.entries.Add(key, entry)
	keys := cache.bySubject[entry.Subject]
	if keys == nil {
		keys = make(map[string]time.Time)
		cache.bySubject[entry.Subject] = keys
	}
	keys[key] = entry.ExpiresAt
	return nil
}

// Invalidate drops every entry cached for subject.
func (cache *MemoryVerificationCache) Invalidate(ctx context.Context, subject string) error {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	for key := range cache.bySubject[subject] {
		cache.entries.Remove(key)
	}
	delete(cache.bySubject, subject)
	return nil
}

// Len reports the number of live and not yet swept entries.
func (cache *MemoryVerificationCache) Len() int {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	return cache.entries.Len()
}

// Sweep removes expired entries and returns how many were dropped. It reads
// expiry from the subject index so live entries keep their recency.
func (cache *MemoryVerificationCache) Sweep() int {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	now := cache.clock.Now()
	var expired []string
	for _, keys := range cache.bySubject {
		for key, expiresAt := range keys {
			if !now.Before(expiresAt) {
				expired = append(expired, key)
			}
		}
	}
	for _, key := range expired {
		cache.entries.Remove(key)
	}
	return len(expired)
}

// StartJanitor sweeps every interval until ctx is cancelled.
func (cache *MemoryVerificationCache) StartJanitor(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := cache.Sweep(); removed > 0 {
					logger.Debug("verification cache swept", zap.Int("removed", removed))
				}
			}
		}
	}()
}
