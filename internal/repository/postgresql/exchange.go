package postgresql

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/swapden/handover/internal/db"
	"github.com/swapden/handover/internal/repository"
)

type ExchangeRepo struct {
	db db.DB
}

func NewExchangeRepo(db db.DB) *ExchangeRepo {
	return &ExchangeRepo{db: db}
}

func (r *ExchangeRepo) Create(ctx context.Context, exchange *repository.Exchange) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO exchanges (
            id, asset_id, counter_asset_id, type, giver_id, receiver_id,
            status, payment_status, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    `, exchange.ID, exchange.AssetID, exchange.CounterAssetID, exchange.Type,
		exchange.GiverID, exchange.ReceiverID, exchange.Status,
		exchange.PaymentStatus, exchange.CreatedAt, exchange.UpdatedAt)
	return err
}

func (r *ExchangeRepo) GetByID(ctx context.Context, id string) (*repository.Exchange, error) {
	var exchange repository.Exchange
	err := r.db.Get(ctx, &exchange, "SELECT * FROM exchanges WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrObjectNotFound
		}
		return nil, err
	}
	return &exchange, nil
}

// TransitionStatus moves the exchange from one status to another and reports
// whether this call performed the move. A false return with nil error means
// the exchange was not in the expected status, which callers treat as an
// idempotent no-op.
func (r *ExchangeRepo) TransitionStatus(ctx context.Context, id string, from, to repository.ExchangeStatus) (bool, error) {
	tag, err := r.db.Exec(ctx, `
        UPDATE exchanges
        SET status = $3, updated_at = $4
        WHERE id = $1 AND status = $2
    `, id, from, to, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteIfOpen is the settlement single-writer guard: exactly one caller
// observes true for a given exchange, no matter how many race.
func (r *ExchangeRepo) CompleteIfOpen(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
        UPDATE exchanges
        SET status = $2, updated_at = $3
        WHERE id = $1 AND status <> $2
    `, id, repository.ExchangeStatusCompleted, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ExchangeRepo) SetPaymentStatus(ctx context.Context, id string, status repository.PaymentStatus) error {
	tag, err := r.db.Exec(ctx, `
        UPDATE exchanges
        SET payment_status = $2, updated_at = $3
        WHERE id = $1
    `, id, status, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrObjectNotFound
	}
	return nil
}
