// Package settlement turns per-token confirmations into a completed exchange
// exactly once.
package settlement

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/swapden/handover/internal/metrics"
	"github.com/swapden/handover/internal/repository"
)

type TokenReader interface {
	GetByExchangeID(ctx context.Context, exchangeID string) ([]*repository.DeliveryToken, error)
}

type ExchangeRepo interface {
	GetByID(ctx context.Context, id string) (*repository.Exchange, error)
	CompleteIfOpen(ctx context.Context, id string) (bool, error)
}

type AssetRepo interface {
	UpdateStatus(ctx context.Context, id string, status repository.AssetStatus) error
}

type PointsLedger interface {
	Award(ctx context.Context, userID, exchangeID string, action repository.PointsAction) (bool, error)
}

type Notifier interface {
	Notify(ctx context.Context, userID, title, body, actionRef string) error
}

type Coordinator struct {
	tokens    TokenReader
	exchanges ExchangeRepo
	assets    AssetRepo
	points    PointsLedger
	notifier  Notifier
	logger    *zap.Logger
}

func NewCoordinator(
	tokens TokenReader,
	exchanges ExchangeRepo,
	assets AssetRepo,
	points PointsLedger,
	notifier Notifier,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		tokens:    tokens,
		exchanges: exchanges,
		assets:    assets,
		points:    points,
		notifier:  notifier,
		logger:    logger,
	}
}

// OnTokenCompleted re-reads all tokens of the exchange and applies settlement
// once every one of them is completed. Two scanners racing on sibling tokens
// may both reach ApplySettlement; the conditional status write inside makes
// that harmless.
func (c *Coordinator) OnTokenCompleted(ctx context.Context, exchangeID string) error {
	tokens, err := c.tokens.GetByExchangeID(ctx, exchangeID)
	if err != nil {
		return fmt.Errorf("failed to read exchange tokens: %w", err)
	}

	for _, tok := range tokens {
		if tok.Status != repository.TokenStatusCompleted {
			c.logger.Debug("exchange not yet fully confirmed",
				zap.String("exchange_id", exchangeID),
				zap.String("waiting_on_token", tok.ID))
			return nil
		}
	}

	exchange, err := c.exchanges.GetByID(ctx, exchangeID)
	if err != nil {
		return fmt.Errorf("failed to load exchange: %w", err)
	}

	return c.ApplySettlement(ctx, exchange)
}

// ApplySettlement performs the once-only completion side effects. It is
// shared by the token cascade, payment confirmation, and donation receipt
// triggers, and is safe to call redundantly: the exchange status flip is a
// conditional write and only its winner runs the side effects.
//
// Side effects are ordered so the exchange and asset state changes land
// first; points and notifications are best effort and never roll anything
// back.
func (c *Coordinator) ApplySettlement(ctx context.Context, exchange *repository.Exchange) error {
	won, err := c.exchanges.CompleteIfOpen(ctx, exchange.ID)
	if err != nil {
		return fmt.Errorf("failed to complete exchange: %w", err)
	}
	if !won {
		c.logger.Debug("exchange already settled", zap.String("exchange_id", exchange.ID))
		return nil
	}

	assetStatus := settledAssetStatus(exchange.Type)
	if err := c.assets.UpdateStatus(ctx, exchange.AssetID, assetStatus); err != nil {
		c.reportPartialFailure(exchange.ID, "asset status update", err)
	}
	if exchange.CounterAssetID != nil {
		if err := c.assets.UpdateStatus(ctx, *exchange.CounterAssetID, assetStatus); err != nil {
			c.reportPartialFailure(exchange.ID, "counter asset status update", err)
		}
	}

	for _, award := range settlementAwards(exchange) {
		if _, err := c.points.Award(ctx, award.userID, exchange.ID, award.action); err != nil {
			c.reportPartialFailure(exchange.ID, "points award", err)
		}
	}

	c.notifyParties(ctx, exchange)

	metrics.ExchangesSettledTotal.Inc()
	c.logger.Info("exchange settled",
		zap.String("exchange_id", exchange.ID),
		zap.String("type", string(exchange.Type)))
	return nil
}

func settledAssetStatus(t repository.ExchangeType) repository.AssetStatus {
	switch t {
	case repository.ExchangeTypeSale:
		return repository.AssetStatusSold
	case repository.ExchangeTypeDonation:
		return repository.AssetStatusDonated
	default:
		return repository.AssetStatusExchanged
	}
}

type award struct {
	userID string
	action repository.PointsAction
}

func settlementAwards(exchange *repository.Exchange) []award {
	if exchange.Type == repository.ExchangeTypeDonation {
		return []award{
			{userID: exchange.GiverID, action: repository.PointsActionMakeDonation},
			{userID: exchange.ReceiverID, action: repository.PointsActionReceiveDonation},
		}
	}
	return []award{
		{userID: exchange.GiverID, action: repository.PointsActionCompleteTransaction},
		{userID: exchange.ReceiverID, action: repository.PointsActionCompleteTransaction},
	}
}

func (c *Coordinator) notifyParties(ctx context.Context, exchange *repository.Exchange) {
	title := "Exchange completed"
	body := fmt.Sprintf("Your %s has been confirmed and settled.", exchange.Type)
	for _, userID := range []string{exchange.GiverID, exchange.ReceiverID} {
		if err := c.notifier.Notify(ctx, userID, title, body, exchange.ID); err != nil {
			c.reportPartialFailure(exchange.ID, "notification", err)
		}
	}
}

func (c *Coordinator) reportPartialFailure(exchangeID, effect string, err error) {
	metrics.PartialCascadeFailuresTotal.Inc()
	c.logger.Error("settlement side effect failed",
		zap.String("exchange_id", exchangeID),
		zap.String("effect", effect),
		zap.Error(err))
}
