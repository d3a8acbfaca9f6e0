package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clinicdesk/backend/internal/domain/patient"
	"github.com/clinicdesk/backend/internal/domain/shared"
	"github.com/clinicdesk/backend/internal/infrastructure/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func testDraftKey() patient.DraftKey {
	return patient.DraftKey{TenantID: uuid.New(), UserID: "17", Feature: patient.WizardFeature}
}

func testDraft(step int) *patient.WizardDraft {
	name := "Omar"
	return &patient.WizardDraft{
		Demographics: &patient.Demographics{Name: &name},
		CurrentStep:  step,
		SavedAt:      time.Date(2024, 4, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestInMemoryDraftStore(t *testing.T) {
	ctx := context.Background()

	t.Run("save then load", func(t *testing.T) {
		store := NewInMemoryDraftStore(time.Hour, time.Minute)
		key := testDraftKey()

		require.NoError(t, store.Save(ctx, key, testDraft(2), 0))

		loaded, err := store.Load(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 2, loaded.CurrentStep)
		assert.Equal(t, "Omar", *loaded.Demographics.Name)
		assert.Equal(t, 1, store.ItemCount())
	})

	t.Run("stored draft is a copy", func(t *testing.T) {
		store := NewInMemoryDraftStore(time.Hour, time.Minute)
		key := testDraftKey()
		draft := testDraft(1)

		require.NoError(t, store.Save(ctx, key, draft, 0))
		draft.CurrentStep = 3

		loaded, err := store.Load(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 1, loaded.CurrentStep)
	})

	t.Run("missing draft", func(t *testing.T) {
		store := NewInMemoryDraftStore(time.Hour, time.Minute)

		_, err := store.Load(ctx, testDraftKey())
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("drafts are scoped per user", func(t *testing.T) {
		store := NewInMemoryDraftStore(time.Hour, time.Minute)
		key := testDraftKey()
		require.NoError(t, store.Save(ctx, key, testDraft(1), 0))

		other := key
		other.UserID = "18"
		_, err := store.Load(ctx, other)
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("expired draft is gone", func(t *testing.T) {
		store := NewInMemoryDraftStore(time.Hour, time.Minute)
		key := testDraftKey()

		require.NoError(t, store.Save(ctx, key, testDraft(1), 10*time.Millisecond))
		time.Sleep(30 * time.Millisecond)

		_, err := store.Load(ctx, key)
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		store := NewInMemoryDraftStore(0, 0)
		key := testDraftKey()
		require.NoError(t, store.Save(ctx, key, testDraft(1), 0))

		require.NoError(t, store.Delete(ctx, key))
		require.NoError(t, store.Delete(ctx, key))

		_, err := store.Load(ctx, key)
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})
}

func TestStoreFactory(t *testing.T) {
	redisCfg := config.RedisConfig{Enabled: true, Host: "localhost", Port: 6379}
	draftCfg := config.DraftConfig{TTL: time.Hour, CleanupInterval: time.Minute}
	failingDial := func(config.RedisConfig) (*redis.Client, error) {
		return nil, errors.New("connection refused")
	}

	t.Run("disabled redis yields no client", func(t *testing.T) {
		f := NewStoreFactory(config.RedisConfig{}, draftCfg)
		f.dial = failingDial

		client, err := f.RedisClient()
		require.NoError(t, err)
		assert.Nil(t, client)
		assert.IsType(t, &InMemoryDraftStore{}, f.DraftStore(client))
	})

	t.Run("unavailable redis falls back with a warning", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		f := NewStoreFactory(redisCfg, draftCfg, WithLogger(zap.New(core)))
		f.dial = failingDial

		client, err := f.RedisClient()
		require.NoError(t, err)
		assert.Nil(t, client)
		assert.Equal(t, 1, logs.Len())
	})

	t.Run("unavailable redis is fatal without fallback", func(t *testing.T) {
		f := NewStoreFactory(redisCfg, draftCfg, WithInMemoryFallback(false))
		f.dial = failingDial

		_, err := f.RedisClient()
		assert.ErrorContains(t, err, "connection refused")
	})

	t.Run("connected client yields a redis store", func(t *testing.T) {
		f := NewStoreFactory(redisCfg, draftCfg)
		client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
		defer client.Close()
		f.dial = func(config.RedisConfig) (*redis.Client, error) { return client, nil }

		got, err := f.RedisClient()
		require.NoError(t, err)
		assert.Same(t, client, got)
		assert.IsType(t, &RedisDraftStore{}, f.DraftStore(got))
	})
}
