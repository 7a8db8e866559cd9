package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swapden/handover/internal/geo"
	"github.com/swapden/handover/internal/repository"
	"github.com/swapden/handover/internal/token"
)

type ExchangeRepo interface {
	Create(ctx context.Context, exchange *repository.Exchange) error
	GetByID(ctx context.Context, id string) (*repository.Exchange, error)
	TransitionStatus(ctx context.Context, id string, from, to repository.ExchangeStatus) (bool, error)
	SetPaymentStatus(ctx context.Context, id string, status repository.PaymentStatus) error
}

type AssetRepo interface {
	GetByID(ctx context.Context, id string) (*repository.Asset, error)
	UpdateStatus(ctx context.Context, id string, status repository.AssetStatus) error
}

type TokenCreator interface {
	Create(ctx context.Context, p token.CreateParams) (*repository.DeliveryToken, error)
	CreateSecure(ctx context.Context, p token.CreateSecureParams) (*repository.DeliveryToken, error)
}

type TokenReader interface {
	GetByExchangeID(ctx context.Context, exchangeID string) ([]*repository.DeliveryToken, error)
}

type Settler interface {
	ApplySettlement(ctx context.Context, exchange *repository.Exchange) error
}

type Service struct {
	exchanges ExchangeRepo
	assets    AssetRepo
	tokens    TokenCreator
	tokenlist TokenReader
	settler   Settler
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(
	exchanges ExchangeRepo,
	assets AssetRepo,
	tokens TokenCreator,
	tokenlist TokenReader,
	settler Settler,
	logger *zap.Logger,
) *Service {
	return &Service{
		exchanges: exchanges,
		assets:    assets,
		tokens:    tokens,
		tokenlist: tokenlist,
		settler:   settler,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type RequestParams struct {
	AssetID        string
	CounterAssetID string
	Type           repository.ExchangeType
	GiverID        string
	ReceiverID     string
}

// Request raises a new pending exchange. The giver decides on it later via
// Accept or Reject.
func (s *Service) Request(ctx context.Context, p RequestParams) (*repository.Exchange, error) {
	switch p.Type {
	case repository.ExchangeTypeSale, repository.ExchangeTypeDonation:
		if p.CounterAssetID != "" {
			return nil, fmt.Errorf("%w: counter asset is only valid for trades", repository.ErrValidation)
		}
	case repository.ExchangeTypeTrade:
		if p.CounterAssetID == "" {
			return nil, fmt.Errorf("%w: a trade requires a counter asset", repository.ErrValidation)
		}
	default:
		return nil, fmt.Errorf("%w: unknown exchange type %q", repository.ErrValidation, p.Type)
	}

	now := s.now()
	exchange := &repository.Exchange{
		ID:            uuid.New().String(),
		AssetID:       p.AssetID,
		Type:          p.Type,
		GiverID:       p.GiverID,
		ReceiverID:    p.ReceiverID,
		Status:        repository.ExchangeStatusPending,
		PaymentStatus: repository.PaymentStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if p.CounterAssetID != "" {
		counterID := p.CounterAssetID
		exchange.CounterAssetID = &counterID
	}

	if err := s.exchanges.Create(ctx, exchange); err != nil {
		return nil, fmt.Errorf("failed to create exchange: %w", err)
	}

	s.logger.Info("exchange requested",
		zap.String("exchange_id", exchange.ID),
		zap.String("type", string(exchange.Type)))
	return exchange, nil
}

func (s *Service) Get(ctx context.Context, exchangeID string) (*repository.Exchange, error) {
	return s.exchanges.GetByID(ctx, exchangeID)
}

func (s *Service) Tokens(ctx context.Context, exchangeID string) ([]*repository.DeliveryToken, error) {
	return s.tokenlist.GetByExchangeID(ctx, exchangeID)
}

// AcceptOptions controls the tokens created for a trade. A positive
// ValidityMinutes selects the secure token path.
type AcceptOptions struct {
	ValidityMinutes   int
	MeetingPoint      *geo.Point
	MaxDistanceMeters float64
	PhotoRequired     bool
}

// Accept is the giver's positive decision. Accepting an exchange that is no
// longer pending is a no-op success so duplicated taps on the client cannot
// fail. For trades, both delivery tokens are created here; if the second one
// cannot be written the exchange is parked in partially_initialized instead
// of silently reserving one asset without a matching token.
func (s *Service) Accept(ctx context.Context, exchangeID, callerID string, opts AcceptOptions) error {
	exchange, err := s.exchanges.GetByID(ctx, exchangeID)
	if err != nil {
		return err
	}
	if callerID != exchange.GiverID {
		return repository.ErrUnauthorized
	}

	moved, err := s.exchanges.TransitionStatus(ctx, exchangeID,
		repository.ExchangeStatusPending, repository.ExchangeStatusAccepted)
	if err != nil {
		return fmt.Errorf("failed to accept exchange: %w", err)
	}
	if !moved {
		s.logger.Debug("accept on non-pending exchange ignored", zap.String("exchange_id", exchangeID))
		return nil
	}

	if err := s.assets.UpdateStatus(ctx, exchange.AssetID, repository.AssetStatusReserved); err != nil {
		return fmt.Errorf("failed to reserve asset: %w", err)
	}
	if exchange.CounterAssetID != nil {
		if err := s.assets.UpdateStatus(ctx, *exchange.CounterAssetID, repository.AssetStatusReserved); err != nil {
			return fmt.Errorf("failed to reserve counter asset: %w", err)
		}
	}

	if exchange.Type == repository.ExchangeTypeTrade {
		if err := s.createTradeTokens(ctx, exchange, opts); err != nil {
			return err
		}
	}

	s.logger.Info("exchange accepted", zap.String("exchange_id", exchangeID))
	return nil
}

// Reject is the giver's negative decision; like Accept it is idempotent.
func (s *Service) Reject(ctx context.Context, exchangeID, callerID string) error {
	exchange, err := s.exchanges.GetByID(ctx, exchangeID)
	if err != nil {
		return err
	}
	if callerID != exchange.GiverID {
		return repository.ErrUnauthorized
	}

	moved, err := s.exchanges.TransitionStatus(ctx, exchangeID,
		repository.ExchangeStatusPending, repository.ExchangeStatusRejected)
	if err != nil {
		return fmt.Errorf("failed to reject exchange: %w", err)
	}
	if !moved {
		s.logger.Debug("reject on non-pending exchange ignored", zap.String("exchange_id", exchangeID))
		return nil
	}

	s.logger.Info("exchange rejected", zap.String("exchange_id", exchangeID))
	return nil
}

// assetLabel resolves the display label for a token. The label is cosmetic,
// so a failed lookup degrades to an empty label instead of failing the trade.
func (s *Service) assetLabel(ctx context.Context, assetID string) string {
	asset, err := s.assets.GetByID(ctx, assetID)
	if err != nil {
		s.logger.Warn("failed to resolve asset label",
			zap.String("asset_id", assetID), zap.Error(err))
		return ""
	}
	return asset.Label
}

func (s *Service) createTradeTokens(ctx context.Context, exchange *repository.Exchange, opts AcceptOptions) error {
	// One token per asset direction: the counter token swaps giver and
	// receiver because each party hands over their own asset.
	directions := []token.CreateParams{
		{
			ExchangeID: exchange.ID,
			AssetID:    exchange.AssetID,
			AssetLabel: s.assetLabel(ctx, exchange.AssetID),
			GiverID:    exchange.GiverID,
			ReceiverID: exchange.ReceiverID,
		},
		{
			ExchangeID: exchange.ID,
			AssetID:    *exchange.CounterAssetID,
			AssetLabel: s.assetLabel(ctx, *exchange.CounterAssetID),
			GiverID:    exchange.ReceiverID,
			ReceiverID: exchange.GiverID,
		},
	}

	for i, params := range directions {
		var err error
		if opts.ValidityMinutes > 0 {
			_, err = s.tokens.CreateSecure(ctx, token.CreateSecureParams{
				CreateParams:      params,
				ValidityMinutes:   opts.ValidityMinutes,
				MeetingPoint:      opts.MeetingPoint,
				MaxDistanceMeters: opts.MaxDistanceMeters,
				PhotoRequired:     opts.PhotoRequired,
			})
		} else {
			_, err = s.tokens.Create(ctx, params)
		}
		if err != nil {
			// The exchange now has fewer tokens than the trade needs. Park it
			// in a recoverable state instead of leaving one asset reserved
			// with no matching token.
			if _, markErr := s.exchanges.TransitionStatus(ctx, exchange.ID,
				repository.ExchangeStatusAccepted, repository.ExchangeStatusPartiallyInitialized); markErr != nil {
				s.logger.Error("failed to mark exchange partially initialized",
					zap.String("exchange_id", exchange.ID), zap.Error(markErr))
			}
			return fmt.Errorf("failed to create trade token %d of 2: %w", i+1, err)
		}
	}
	return nil
}

// RecoverPartial retries token creation for a trade stuck in
// partially_initialized and moves it back to accepted when the full pair
// exists.
func (s *Service) RecoverPartial(ctx context.Context, exchangeID string, opts AcceptOptions) error {
	exchange, err := s.exchanges.GetByID(ctx, exchangeID)
	if err != nil {
		return err
	}
	if exchange.Status != repository.ExchangeStatusPartiallyInitialized {
		return fmt.Errorf("%w: exchange is %s, not partially initialized", repository.ErrInvalidState, exchange.Status)
	}
	if exchange.Type != repository.ExchangeTypeTrade || exchange.CounterAssetID == nil {
		return fmt.Errorf("%w: only trades can be partially initialized", repository.ErrInvalidState)
	}

	existing, err := s.tokenlist.GetByExchangeID(ctx, exchangeID)
	if err != nil {
		return fmt.Errorf("failed to read exchange tokens: %w", err)
	}

	covered := make(map[string]bool, len(existing))
	for _, tok := range existing {
		if tok.Status != repository.TokenStatusCancelled && tok.Status != repository.TokenStatusExpired {
			covered[tok.AssetID] = true
		}
	}

	type direction struct {
		assetID  string
		giver    string
		receiver string
	}
	for _, d := range []direction{
		{assetID: exchange.AssetID, giver: exchange.GiverID, receiver: exchange.ReceiverID},
		{assetID: *exchange.CounterAssetID, giver: exchange.ReceiverID, receiver: exchange.GiverID},
	} {
		if covered[d.assetID] {
			continue
		}
		params := token.CreateParams{
			ExchangeID: exchangeID,
			AssetID:    d.assetID,
			AssetLabel: s.assetLabel(ctx, d.assetID),
			GiverID:    d.giver,
			ReceiverID: d.receiver,
		}
		if opts.ValidityMinutes > 0 {
			_, err = s.tokens.CreateSecure(ctx, token.CreateSecureParams{
				CreateParams:      params,
				ValidityMinutes:   opts.ValidityMinutes,
				MeetingPoint:      opts.MeetingPoint,
				MaxDistanceMeters: opts.MaxDistanceMeters,
				PhotoRequired:     opts.PhotoRequired,
			})
		} else {
			_, err = s.tokens.Create(ctx, params)
		}
		if err != nil {
			return fmt.Errorf("failed to recover trade token for asset %s: %w", d.assetID, err)
		}
	}

	if _, err := s.exchanges.TransitionStatus(ctx, exchangeID,
		repository.ExchangeStatusPartiallyInitialized, repository.ExchangeStatusAccepted); err != nil {
		return fmt.Errorf("failed to restore exchange status: %w", err)
	}

	s.logger.Info("partially initialized exchange recovered", zap.String("exchange_id", exchangeID))
	return nil
}

// ConfirmPayment completes a sale without any physical-handover token. The
// shared settlement path makes redundant confirmations harmless.
func (s *Service) ConfirmPayment(ctx context.Context, exchangeID string) error {
	exchange, err := s.exchanges.GetByID(ctx, exchangeID)
	if err != nil {
		return err
	}
	if exchange.Type != repository.ExchangeTypeSale {
		return fmt.Errorf("%w: payment confirmation only applies to sales", repository.ErrInvalidState)
	}
	if exchange.Status == repository.ExchangeStatusPending || exchange.Status == repository.ExchangeStatusRejected {
		return fmt.Errorf("%w: exchange is %s, payment cannot complete it", repository.ErrInvalidState, exchange.Status)
	}

	if err := s.exchanges.SetPaymentStatus(ctx, exchangeID, repository.PaymentStatusPaid); err != nil {
		return fmt.Errorf("failed to record payment: %w", err)
	}
	exchange.PaymentStatus = repository.PaymentStatusPaid

	return s.settler.ApplySettlement(ctx, exchange)
}

// ConfirmReceipt completes a simple donation: the receiver explicitly
// confirms they got the asset, no token involved.
func (s *Service) ConfirmReceipt(ctx context.Context, exchangeID, callerID string) error {
	exchange, err := s.exchanges.GetByID(ctx, exchangeID)
	if err != nil {
		return err
	}
	if exchange.Type != repository.ExchangeTypeDonation {
		return fmt.Errorf("%w: receipt confirmation only applies to donations", repository.ErrInvalidState)
	}
	if callerID != exchange.ReceiverID {
		return repository.ErrUnauthorized
	}
	if exchange.Status == repository.ExchangeStatusPending || exchange.Status == repository.ExchangeStatusRejected {
		return fmt.Errorf("%w: exchange is %s, receipt cannot complete it", repository.ErrInvalidState, exchange.Status)
	}

	return s.settler.ApplySettlement(ctx, exchange)
}
