// Package lock provides per-key mutual exclusion with expiry for repair runs.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	appnum "github.com/clinicdesk/backend/internal/application/numbering"
	"github.com/clinicdesk/backend/internal/domain/shared"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a crashed holder can keep a key locked
const DefaultTTL = 30 * time.Minute

type holder struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker implements Locker with an in-process map.
// It is suitable for the single-process CLI and for tests.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]holder
	clock func() time.Time
}

// NewMemoryLocker creates a new in-memory locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string]holder),
		clock: time.Now,
	}
}

// Acquire locks key for ttl. It fails with shared.ErrLockUnavailable when
// another holder owns an unexpired lock.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if h, ok := l.held[key]; ok && now.Before(h.expiresAt) {
		return nil, fmt.Errorf("%w: %s", shared.ErrLockUnavailable, key)
	}
	l.held[key] = holder{token: token, expiresAt: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if h, ok := l.held[key]; ok && h.token == token {
				delete(l.held, key)
			}
		})
	}, nil
}

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with Redis SET NX PX, so repairs started
// from different hosts exclude each other.
type RedisLocker struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisLocker creates a Redis-backed locker
func NewRedisLocker(client redis.UniversalClient, keyPrefix string) *RedisLocker {
	if keyPrefix == "" {
		keyPrefix = "clinicdesk:lock:"
	}
	return &RedisLocker{client: client, keyPrefix: keyPrefix}
}

// Acquire locks key for ttl with SETNX
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	fullKey := l.keyPrefix + key

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", shared.ErrLockUnavailable, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			// on failure the key still expires after ttl
			_ = releaseScript.Run(ctx, l.client, []string{fullKey}, token).Err()
		})
	}, nil
}

// New returns a Redis locker when client is set, otherwise an in-memory one
func New(client *redis.Client) appnum.Locker {
	if client != nil {
		return NewRedisLocker(client, "")
	}
	return NewMemoryLocker()
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Ensure both lockers implement Locker
var (
	_ appnum.Locker = (*MemoryLocker)(nil)
	_ appnum.Locker = (*RedisLocker)(nil)
)
