package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/swapden/handover/internal/repository"
)

type fakeTokenRepository struct {
	active []*repository.DeliveryToken
	err    error
}

func (f *fakeTokenRepository) GetAllActive(_ context.Context) ([]*repository.DeliveryToken, error) {
	return f.active, f.err
}

func TestTokenCache(t *testing.T) {
	t.Run("warms from the store", func(t *testing.T) {
		repo := &fakeTokenRepository{active: []*repository.DeliveryToken{
			{ID: "t1", Status: repository.TokenStatusPending},
			{ID: "t2", Status: repository.TokenStatusWaitingPhoto},
		}}
		c := NewTokenCache(repo, zap.NewNop())
		require.NoError(t, c.LoadInitialData(context.Background()))

		tok, found := c.Get("t1")
		require.True(t, found)
		assert.Equal(t, "t1", tok.ID)
		_, found = c.Get("t3")
		assert.False(t, found)
	})

	t.Run("set stores a copy", func(t *testing.T) {
		c := NewTokenCache(&fakeTokenRepository{}, zap.NewNop())

		tok := &repository.DeliveryToken{ID: "t1", Status: repository.TokenStatusPending}
		c.Set(tok)
		tok.Status = repository.TokenStatusCancelled

		cached, found := c.Get("t1")
		require.True(t, found)
		assert.Equal(t, repository.TokenStatusPending, cached.Status)
	})

	t.Run("terminal status evicts", func(t *testing.T) {
		c := NewTokenCache(&fakeTokenRepository{}, zap.NewNop())

		c.Set(&repository.DeliveryToken{ID: "t1", Status: repository.TokenStatusPending})
		c.Set(&repository.DeliveryToken{ID: "t1", Status: repository.TokenStatusCompleted})

		_, found := c.Get("t1")
		assert.False(t, found)
	})

	t.Run("delete removes the entry", func(t *testing.T) {
		c := NewTokenCache(&fakeTokenRepository{}, zap.NewNop())

		c.Set(&repository.DeliveryToken{ID: "t1", Status: repository.TokenStatusPending})
		c.Delete("t1")

		_, found := c.Get("t1")
		assert.False(t, found)
	})
}
