package webhook

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"paygate/internal/apperr"
	"paygate/internal/cache"
	"paygate/internal/resilience"
)

// SecretsDependency is the breaker name guarding shared secret lookups
const SecretsDependency = "webhook-secrets"

const secretKeyPrefix = "webhook:secret:"

// SecretStore holds the active signing secret per provider. Rotations are
// written to the shared cache so every instance picks them up; the local copy
// answers when the cache is unavailable. Only the active secret validates.
type SecretStore struct {
	store    cache.Store
	breakers *resilience.Handler
	logger   *zap.Logger

	mu    sync.RWMutex
	local map[string]string
}

// NewSecretStore creates a store seeded with the configured secrets
func NewSecretStore(seed map[string]string, store cache.Store, breakers *resilience.Handler, logger *zap.Logger) *SecretStore {
	local := make(map[string]string, len(seed))
	for provider, secret := range seed {
		local[strings.ToLower(provider)] = secret
	}
	return &SecretStore{
		store:    store,
		breakers: breakers,
		logger:   logger.Named("webhook-secrets"),
		local:    local,
	}
}

// Get returns the active secret for provider
func (s *SecretStore) Get(ctx context.Context, provider string) (string, error) {
	provider = strings.ToLower(provider)
	var secret string

	err := s.breakers.ExecuteWithFallback(ctx, SecretsDependency,
		func(ctx context.Context) error {
			data, ok, err := s.store.Get(ctx, secretKeyPrefix+provider)
			if err != nil {
				return apperr.Wrap(apperr.KindTransient, "get_webhook_secret", err)
			}
			if ok {
				secret = string(data)
				return nil
			}
			secret = s.localSecret(provider)
			return nil
		},
		func(ctx context.Context) error {
			secret = s.localSecret(provider)
			return nil
		},
	)
	if err != nil {
		return "", err
	}
	if secret == "" {
		return "", apperr.Configuration("get_webhook_secret", "no secret configured for provider")
	}
	return secret, nil
}

func (s *SecretStore) localSecret(provider string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local[provider]
}

// Rotate installs a new active secret for provider. Requests signed with the
// previous secret fail validation from this point on.
func (s *SecretStore) Rotate(ctx context.Context, provider, secret string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" || secret == "" {
		return apperr.Validation("rotate_webhook_secret", "provider and secret are required")
	}

	err := s.breakers.Execute(ctx, SecretsDependency, func(ctx context.Context) error {
		if err := s.store.Set(ctx, secretKeyPrefix+provider, []byte(secret), 0); err != nil {
			return apperr.Wrap(apperr.KindTransient, "rotate_webhook_secret", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish rotated secret: %w", err)
	}

	s.mu.Lock()
	s.local[provider] = secret
	s.mu.Unlock()

	s.logger.Info("Rotated webhook secret", zap.String("provider", provider))
	return nil
}

// Providers lists providers with a locally known secret
func (s *SecretStore) Providers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.local))
	for p := range s.local {
		out = append(out, p)
	}
	return out
}
