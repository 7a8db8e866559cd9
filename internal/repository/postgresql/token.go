package postgresql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/swapden/handover/internal/db"
	"github.com/swapden/handover/internal/repository"
)

type TokenRepo struct {
	db db.DB
}

func NewTokenRepo(db db.DB) *TokenRepo {
	return &TokenRepo{db: db}
}

func (r *TokenRepo) Create(ctx context.Context, token *repository.DeliveryToken) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO delivery_tokens (
            id, exchange_id, asset_id, asset_label, giver_id, receiver_id, payload,
            status, used, used_at, pin, scan_attempts, max_scan_attempts,
            meeting_latitude, meeting_longitude, max_distance_meters,
            actual_latitude, actual_longitude, location_verified, has_been_extended,
            cancellation_reason, cancelled_at, cancelled_by_user_id,
            photo_required, photo_url, thumbnail_url, photo_uploaded_at,
            photo_size_bytes, photo_uploaded_by_user_id, photo_width, photo_height,
            validity_minutes, created_at, expires_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
                  $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28,
                  $29, $30, $31, $32, $33, $34, $35)
    `, token.ID, token.ExchangeID, token.AssetID, token.AssetLabel, token.GiverID,
		token.ReceiverID, token.Payload, token.Status, token.Used, token.UsedAt,
		token.PIN, token.ScanAttempts, token.MaxScanAttempts,
		token.MeetingLatitude, token.MeetingLongitude, token.MaxDistanceMeters,
		token.ActualLatitude, token.ActualLongitude, token.LocationVerified,
		token.HasBeenExtended, token.CancellationReason, token.CancelledAt,
		token.CancelledByUserID, token.PhotoRequired, token.PhotoURL,
		token.ThumbnailURL, token.PhotoUploadedAt, token.PhotoSizeBytes,
		token.PhotoUploadedByUserID, token.PhotoWidth, token.PhotoHeight,
		token.ValidityMinutes, token.CreatedAt, token.ExpiresAt, token.UpdatedAt)
	return err
}

func (r *TokenRepo) GetByID(ctx context.Context, id string) (*repository.DeliveryToken, error) {
	var token repository.DeliveryToken
	err := r.db.Get(ctx, &token, "SELECT * FROM delivery_tokens WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrObjectNotFound
		}
		return nil, err
	}
	return &token, nil
}

func (r *TokenRepo) Update(ctx context.Context, token *repository.DeliveryToken) error {
	_, err := r.db.Exec(ctx, `
        UPDATE delivery_tokens
        SET
            status = $1,
            used = $2,
            used_at = $3,
            scan_attempts = $4,
            actual_latitude = $5,
            actual_longitude = $6,
            location_verified = $7,
            has_been_extended = $8,
            cancellation_reason = $9,
            cancelled_at = $10,
            cancelled_by_user_id = $11,
            photo_url = $12,
            thumbnail_url = $13,
            photo_uploaded_at = $14,
            photo_size_bytes = $15,
            photo_uploaded_by_user_id = $16,
            photo_width = $17,
            photo_height = $18,
            expires_at = $19,
            updated_at = $20
        WHERE id = $21
    `, token.Status, token.Used, token.UsedAt, token.ScanAttempts,
		token.ActualLatitude, token.ActualLongitude, token.LocationVerified,
		token.HasBeenExtended, token.CancellationReason, token.CancelledAt,
		token.CancelledByUserID, token.PhotoURL, token.ThumbnailURL,
		token.PhotoUploadedAt, token.PhotoSizeBytes, token.PhotoUploadedByUserID,
		token.PhotoWidth, token.PhotoHeight, token.ExpiresAt, token.UpdatedAt,
		token.ID)
	return err
}

func (r *TokenRepo) GetByExchangeID(ctx context.Context, exchangeID string) ([]*repository.DeliveryToken, error) {
	var tokens []*repository.DeliveryToken
	err := r.db.Select(ctx, &tokens, `
        SELECT * FROM delivery_tokens
        WHERE exchange_id = $1
        ORDER BY created_at ASC
    `, exchangeID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokens for exchange %s: %w", exchangeID, err)
	}
	return tokens, nil
}

// IncrementScanAttempts bumps the attempt counter atomically and returns the
// new value. The counter lives in the database so concurrent scanners cannot
// undercount each other.
func (r *TokenRepo) IncrementScanAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := r.db.ExecQueryRow(ctx, `
        UPDATE delivery_tokens
        SET scan_attempts = scan_attempts + 1, updated_at = $2
        WHERE id = $1
        RETURNING scan_attempts
    `, id, time.Now().UTC()).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, repository.ErrObjectNotFound
		}
		return 0, err
	}
	return attempts, nil
}

// MarkExpiredBefore lazily expires every still-open token whose deadline has
// passed. Terminal tokens are never touched.
func (r *TokenRepo) MarkExpiredBefore(ctx context.Context, deadline time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
        UPDATE delivery_tokens
        SET status = $1, updated_at = $2
        WHERE status IN ($3, $4) AND expires_at < $2
    `, repository.TokenStatusExpired, deadline,
		repository.TokenStatusPending, repository.TokenStatusWaitingPhoto)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *TokenRepo) GetAllActive(ctx context.Context) ([]*repository.DeliveryToken, error) {
	var tokens []*repository.DeliveryToken
	err := r.db.Select(ctx, &tokens, `
        SELECT * FROM delivery_tokens
        WHERE status = $1 OR status = $2
        ORDER BY created_at ASC
    `, repository.TokenStatusPending, repository.TokenStatusWaitingPhoto)
	if err != nil {
		return nil, fmt.Errorf("failed to get active tokens: %w", err)
	}
	return tokens, nil
}
