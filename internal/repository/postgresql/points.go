package postgresql

import (
	"context"
	"fmt"
	"time"

	"github.com/swapden/handover/internal/db"
	"github.com/swapden/handover/internal/repository"
)

type PointsRepo struct {
	db db.DB
}

func NewPointsRepo(db db.DB) *PointsRepo {
	return &PointsRepo{db: db}
}

// Award credits a user once per (user, exchange, action). A duplicate award is
// swallowed by the unique constraint, so a settlement cascade that runs twice
// cannot double-credit; the return value reports whether this call inserted.
func (r *PointsRepo) Award(ctx context.Context, userID, exchangeID string, action repository.PointsAction) (bool, error) {
	tag, err := r.db.Exec(ctx, `
        INSERT INTO points_awards (user_id, exchange_id, action, awarded_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (user_id, exchange_id, action) DO NOTHING
    `, userID, exchangeID, action, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to award points: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PointsRepo) GetByUserID(ctx context.Context, userID string) ([]*repository.PointsAward, error) {
	var awards []*repository.PointsAward
	err := r.db.Select(ctx, &awards, `
        SELECT * FROM points_awards
        WHERE user_id = $1
        ORDER BY awarded_at DESC
    `, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get points awards: %w", err)
	}
	return awards, nil
}
