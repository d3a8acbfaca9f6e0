package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clinicdesk/backend/internal/domain/patient"
	"github.com/clinicdesk/backend/internal/domain/shared"
	goCache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// DefaultCleanupInterval is how often expired drafts are purged from memory
const DefaultCleanupInterval = 1 * time.Hour

// InMemoryDraftStore implements DraftStore using github.com/patrickmn/go-cache.
// It is suitable for single-instance deployments and testing.
type InMemoryDraftStore struct {
	cache *goCache.Cache
}

// NewInMemoryDraftStore creates a new in-memory draft store
func NewInMemoryDraftStore(defaultTTL, cleanupInterval time.Duration) *InMemoryDraftStore {
	if defaultTTL <= 0 {
		defaultTTL = patient.DefaultDraftTTL
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	return &InMemoryDraftStore{cache: goCache.New(defaultTTL, cleanupInterval)}
}

// Save stores a copy of the draft
func (s *InMemoryDraftStore) Save(_ context.Context, key patient.DraftKey, draft *patient.WizardDraft, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = goCache.DefaultExpiration
	}
	stored := *draft
	s.cache.Set(key.String(), stored, ttl)
	return nil
}

// Load returns the draft or shared.ErrNotFound
func (s *InMemoryDraftStore) Load(_ context.Context, key patient.DraftKey) (*patient.WizardDraft, error) {
	v, ok := s.cache.Get(key.String())
	if !ok {
		return nil, shared.ErrNotFound
	}
	draft := v.(patient.WizardDraft)
	return &draft, nil
}

// Delete removes the draft; deleting a missing draft is not an error
func (s *InMemoryDraftStore) Delete(_ context.Context, key patient.DraftKey) error {
	s.cache.Delete(key.String())
	return nil
}

// ItemCount returns the number of cached drafts, expired ones included
func (s *InMemoryDraftStore) ItemCount() int {
	return s.cache.ItemCount()
}

// RedisDraftStore implements DraftStore using Redis.
// Drafts are stored as JSON so every instance sees the same draft.
type RedisDraftStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisDraftStore creates a Redis-backed draft store
func NewRedisDraftStore(client redis.UniversalClient, keyPrefix string) *RedisDraftStore {
	if keyPrefix == "" {
		keyPrefix = "clinicdesk:"
	}
	return &RedisDraftStore{client: client, keyPrefix: keyPrefix}
}

// Save stores the draft with ttl
func (s *RedisDraftStore) Save(ctx context.Context, key patient.DraftKey, draft *patient.WizardDraft, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = patient.DefaultDraftTTL
	}
	payload, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("failed to encode draft: %w", err)
	}
	if err := s.client.Set(ctx, s.keyPrefix+key.String(), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save draft: %w", err)
	}
	return nil
}

// Load returns the draft or shared.ErrNotFound
func (s *RedisDraftStore) Load(ctx context.Context, key patient.DraftKey) (*patient.WizardDraft, error) {
	payload, err := s.client.Get(ctx, s.keyPrefix+key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load draft: %w", err)
	}
	var draft patient.WizardDraft
	if err := json.Unmarshal(payload, &draft); err != nil {
		return nil, fmt.Errorf("failed to decode draft: %w", err)
	}
	return &draft, nil
}

// Delete removes the draft
func (s *RedisDraftStore) Delete(ctx context.Context, key patient.DraftKey) error {
	if err := s.client.Del(ctx, s.keyPrefix+key.String()).Err(); err != nil {
		return fmt.Errorf("failed to delete draft: %w", err)
	}
	return nil
}

// Ensure both stores implement DraftStore
var (
	_ patient.DraftStore = (*InMemoryDraftStore)(nil)
	_ patient.DraftStore = (*RedisDraftStore)(nil)
)
