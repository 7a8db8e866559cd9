package cache

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/swapden/handover/internal/metrics"
	"github.com/swapden/handover/internal/repository"
)

type TokenRepository interface {
	GetAllActive(ctx context.Context) ([]*repository.DeliveryToken, error)
}

// TokenCache keeps active delivery tokens in memory so scan hot paths can
// resolve a token without a round trip. Terminal tokens are evicted on Set.
type TokenCache struct {
	mu     sync.RWMutex
	tokens map[string]*repository.DeliveryToken
	repo   TokenRepository
	logger *zap.Logger
}

func NewTokenCache(repo TokenRepository, logger *zap.Logger) *TokenCache {
	return &TokenCache{
		tokens: make(map[string]*repository.DeliveryToken),
		repo:   repo,
		logger: logger,
	}
}

// LoadInitialData warms the cache from the store at startup.
func (c *TokenCache) LoadInitialData(ctx context.Context) error {
	tokens, err := c.repo.GetAllActive(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tok := range tokens {
		tokCopy := *tok
		c.tokens[tok.ID] = &tokCopy
	}
	metrics.TokenCacheItems.Set(float64(len(c.tokens)))
	c.logger.Info("token cache warmed", zap.Int("tokens", len(c.tokens)))
	return nil
}

func (c *TokenCache) Get(tokenID string) (*repository.DeliveryToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tok, found := c.tokens[tokenID]
	if !found {
		return nil, false
	}
	tokCopy := *tok
	return &tokCopy, true
}

func (c *TokenCache) Set(tok *repository.DeliveryToken) {
	if tok.Status.IsTerminal() {
		c.Delete(tok.ID)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	tokCopy := *tok
	c.tokens[tok.ID] = &tokCopy
	metrics.TokenCacheItems.Set(float64(len(c.tokens)))
}

func (c *TokenCache) Delete(tokenID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, found := c.tokens[tokenID]; found {
		delete(c.tokens, tokenID)
		metrics.TokenCacheItems.Set(float64(len(c.tokens)))
	}
}
