package postgresql

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/swapden/handover/internal/db"
	"github.com/swapden/handover/internal/repository"
)

type AssetRepo struct {
	db db.DB
}

func NewAssetRepo(db db.DB) *AssetRepo {
	return &AssetRepo{db: db}
}

func (r *AssetRepo) Create(ctx context.Context, asset *repository.Asset) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO assets (id, owner_id, label, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, asset.ID, asset.OwnerID, asset.Label, asset.Status, asset.CreatedAt, asset.UpdatedAt)
	return err
}

func (r *AssetRepo) GetByID(ctx context.Context, id string) (*repository.Asset, error) {
	var asset repository.Asset
	err := r.db.Get(ctx, &asset, "SELECT * FROM assets WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrObjectNotFound
		}
		return nil, err
	}
	return &asset, nil
}

func (r *AssetRepo) UpdateStatus(ctx context.Context, id string, status repository.AssetStatus) error {
	tag, err := r.db.Exec(ctx, `
        UPDATE assets
        SET status = $2, updated_at = $3
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
