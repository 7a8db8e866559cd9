package postgresql_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"

	mock_database "github.com/swapden/handover/internal/db/mocks"
	"github.com/swapden/handover/internal/repository"
	"github.com/swapden/handover/internal/repository/postgresql"
)

type fakeRow struct {
	scan func(dest ...interface{}) error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	return r.scan(dest...)
}

func testToken() *repository.DeliveryToken {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	return &repository.DeliveryToken{
		ID:                "tok-123",
		ExchangeID:        "ex-456",
		AssetID:           "asset-789",
		GiverID:           "giver",
		ReceiverID:        "receiver",
		Payload:           "HOV1|tok-123|asset-789|0",
		Status:            repository.TokenStatusPending,
		MaxScanAttempts:   5,
		MaxDistanceMeters: 100,
		ValidityMinutes:   60,
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Hour),
		UpdatedAt:         now,
	}
}

func TestTokenRepo_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDB := mock_database.NewMockDB(ctrl)
		repo := postgresql.NewTokenRepo(mockDB)

		mockDB.EXPECT().
			Exec(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, args ...interface{}) (pgconn.CommandTag, error) {
				assert.Len(t, args, 35)
				assert.Equal(t, "tok-123", args[0])
				assert.Equal(t, "ex-456", args[1])
				return pgconn.CommandTag("INSERT 0 1"), nil
			})

		err := repo.Create(ctx, testToken())
		assert.NoError(t, err)
	})

	t.Run("database error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDB := mock_database.NewMockDB(ctrl)
		repo := postgresql.NewTokenRepo(mockDB)

		expectedErr := errors.New("database error")
		mockDB.EXPECT().
			Exec(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, expectedErr)

		err := repo.Create(ctx, testToken())
		assert.Equal(t, expectedErr, err)
	})
}

func TestTokenRepo_GetByID(t *testing.T) {
	ctx := context.Background()

	t.Run("token found", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDB := mock_database.NewMockDB(ctrl)
		repo := postgresql.NewTokenRepo(mockDB)

		expected := testToken()
		mockDB.EXPECT().
			Get(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Eq(expected.ID)).
			DoAndReturn(func(_ context.Context, dest *repository.DeliveryToken, _ string, _ string) error {
				*dest = *expected
				return nil
			})

		tok, err := repo.GetByID(ctx, expected.ID)
		assert.NoError(t, err)
		assert.Equal(t, expected, tok)
	})

	t.Run("token not found", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDB := mock_database.NewMockDB(ctrl)
		repo := postgresql.NewTokenRepo(mockDB)

		mockDB.EXPECT().
			Get(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(pgx.ErrNoRows)

		tok, err := repo.GetByID(ctx, "missing")
		assert.ErrorIs(t, err, repository.ErrObjectNotFound)
		assert.Nil(t, tok)
	})
}

func TestTokenRepo_IncrementScanAttempts(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the incremented counter", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDB := mock_database.NewMockDB(ctrl)
		repo := postgresql.NewTokenRepo(mockDB)

		mockDB.EXPECT().
			ExecQueryRow(gomock.Any(), gomock.Any(), gomock.Eq("tok-123"), gomock.Any()).
			Return(fakeRow{scan: func(dest ...interface{}) error {
				*dest[0].(*int) = 3
				return nil
			}})

		attempts, err := repo.IncrementScanAttempts(ctx, "tok-123")
		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("missing token", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDB := mock_database.NewMockDB(ctrl)
		repo := postgresql.NewTokenRepo(mockDB)

		mockDB.EXPECT().
			ExecQueryRow(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(fakeRow{scan: func(...interface{}) error {
				return pgx.ErrNoRows
			}})

		_, err := repo.IncrementScanAttempts(ctx, "missing")
		assert.ErrorIs(t, err, repository.ErrObjectNotFound)
	})
}

func TestTokenRepo_MarkExpiredBefore(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockDB := mock_database.NewMockDB(ctrl)
	repo := postgresql.NewTokenRepo(mockDB)

	mockDB.EXPECT().
		Exec(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, args ...interface{}) (pgconn.CommandTag, error) {
			assert.Equal(t, repository.TokenStatusExpired, args[0])
			return pgconn.CommandTag("UPDATE 4"), nil
		})

	expired, err := repo.MarkExpiredBefore(ctx, time.Now().UTC())
	assert.NoError(t, err)
	assert.Equal(t, int64(4), expired)
}
