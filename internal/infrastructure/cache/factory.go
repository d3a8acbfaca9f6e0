package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/clinicdesk/backend/internal/domain/patient"
	"github.com/clinicdesk/backend/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient connects to Redis and pings it
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// StoreFactory creates draft stores based on configuration
type StoreFactory struct {
	redisConfig           config.RedisConfig
	draftConfig           config.DraftConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
	dial                  func(config.RedisConfig) (*redis.Client, error)
}

// StoreFactoryOption is a functional option for configuring the factory
type StoreFactoryOption func(*StoreFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether to fall back to in-memory stores when Redis is unavailable.
// Default is true (allow fallback)
func WithInMemoryFallback(allow bool) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewStoreFactory creates a new factory
func NewStoreFactory(redisCfg config.RedisConfig, draftCfg config.DraftConfig, opts ...StoreFactoryOption) *StoreFactory {
	f := &StoreFactory{
		redisConfig:           redisCfg,
		draftConfig:           draftCfg,
		logger:                zap.NewNop(),
		allowInMemoryFallback: true,
		dial:                  NewRedisClient,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// RedisClient returns a connected client, or nil when Redis is disabled or
// unavailable and fallback is allowed
func (f *StoreFactory) RedisClient() (*redis.Client, error) {
	if !f.redisConfig.Enabled {
		return nil, nil
	}
	client, err := f.dial(f.redisConfig)
	if err == nil {
		return client, nil
	}
	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("Redis required but unavailable: %w", err)
	}
	f.logger.Warn("Redis unavailable, falling back to in-memory stores. "+
		"Drafts and repair locks will not be shared between instances.",
		zap.Error(err),
	)
	return nil, nil
}

// DraftStore creates a Redis store when client is set, otherwise an in-memory one
func (f *StoreFactory) DraftStore(client *redis.Client) patient.DraftStore {
	if client != nil {
		f.logger.Info("using Redis draft store")
		return NewRedisDraftStore(client, "")
	}
	f.logger.Info("using in-memory draft store")
	return NewInMemoryDraftStore(f.draftConfig.TTL, f.draftConfig.CleanupInterval)
}
