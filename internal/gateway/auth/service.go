package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cfx-platform/cfx-router/internal/shared/models"
	"github.com/cfx-platform/cfx-router/internal/shared/store"
)

var (
	// ErrInvalidKey covers malformed, unknown and revoked keys alike
	ErrInvalidKey = errors.New("invalid api key")
)

// Store is the part of the persistence layer auth needs
type Store interface {
	store.KeyStore
	store.PlanStore
}

// PrincipalCache caches principals by key hash. Implementations return an
// error on a miss.
type PrincipalCache interface {
	Get(ctx context.Context, keyHash string) (*models.Principal, error)
	Set(ctx context.Context, keyHash string, p *models.Principal) error
	Delete(ctx context.Context, keyHash string) error
}

// Service authenticates bearer keys and manages an account's keys
type Service struct {
	store Store
	cache PrincipalCache
	salt  string
	now   func() time.Time
}

// NewService creates a key service. cache may be nil.
func NewService(s Store, cache PrincipalCache, salt string) *Service {
	return &Service{store: s, cache: cache, salt: salt, now: time.Now}
}

// Authenticate resolves a raw bearer key to its key record and plan
func (s *Service) Authenticate(ctx context.Context, raw string) (*models.Principal, error) {
	if err := validation.Validate(raw, KeyRules()...); err != nil {
		return nil, ErrInvalidKey
	}
	hash := HashKey(s.salt, raw)

	if s.cache != nil {
		if p, err := s.cache.Get(ctx, hash); err == nil {
			return p, nil
		}
	}

	key, err := s.store.GetKeyByHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("looking up key: %w", err)
	}
	if !key.Active() {
		return nil, ErrInvalidKey
	}

	plan, err := s.store.PlanForAccount(ctx, key.AccountID)
	if err != nil {
		return nil, fmt.Errorf("looking up plan for account %s: %w", key.AccountID, err)
	}

	p := &models.Principal{Key: *key, Plan: *plan}
	if s.cache != nil {
		if err := s.cache.Set(ctx, hash, p); err != nil {
			log.Warn().Err(err).Str("api_key_id", key.ID).Msg("failed to cache principal")
		}
	}
	return p, nil
}

// GetPlan reads the current plan of the key's account, uncached, so plan
// changes apply to the next request
func (s *Service) GetPlan(ctx context.Context, key models.APIKey) (*models.Plan, error) {
	return s.store.PlanForAccount(ctx, key.AccountID)
}

// CreateKey issues a new key. The raw secret is returned only here.
func (s *Service) CreateKey(ctx context.Context, accountID string, req CreateKeyRequest) (*models.APIKey, string, error) {
	if err := req.Validate(); err != nil {
		return nil, "", err
	}
	raw, prefix, err := GenerateKey()
	if err != nil {
		return nil, "", err
	}
	key, err := s.insert(ctx, accountID, raw, prefix, req.Label)
	if err != nil {
		return nil, "", err
	}
	return key, raw, nil
}

func (s *Service) insert(ctx context.Context, accountID, raw, prefix, label string) (*models.APIKey, error) {
	key := &models.APIKey{
		ID:        uuid.NewString(),
		AccountID: accountID,
		KeyHash:   HashKey(s.salt, raw),
		KeyPrefix: prefix,
		Label:     label,
		Status:    models.KeyActive,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateKey(ctx, key); err != nil {
		return nil, fmt.Errorf("creating key: %w", err)
	}
	return key, nil
}

// SeedKey registers a known raw key for an account unless it already exists
func (s *Service) SeedKey(ctx context.Context, accountID, raw, label string) (*models.APIKey, error) {
	if err := validation.Validate(raw, KeyRules()...); err != nil {
		return nil, fmt.Errorf("seed key: %w", err)
	}
	existing, err := s.store.GetKeyByHash(ctx, HashKey(s.salt, raw))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return s.insert(ctx, accountID, raw, DisplayPrefix(raw), label)
}

// ListKeys returns an account's keys, revoked ones included
func (s *Service) ListKeys(ctx context.Context, accountID string) ([]models.APIKey, error) {
	return s.store.ListKeys(ctx, accountID)
}

// RevokeKey revokes a key of the account and evicts it from the cache
func (s *Service) RevokeKey(ctx context.Context, accountID, keyID string) (*models.APIKey, error) {
	key, err := s.store.RevokeKey(ctx, accountID, keyID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, key.KeyHash); err != nil {
			log.Error().Err(err).Str("api_key_id", key.ID).Msg("failed to evict revoked key from cache")
		}
	}
	return key, nil
}
