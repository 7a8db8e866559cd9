package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/swapden/handover/internal/repository"
	"github.com/swapden/handover/internal/token"
)

type fakeExchangeRepo struct {
	exchanges map[string]*repository.Exchange
}

func newFakeExchangeRepo() *fakeExchangeRepo {
	return &fakeExchangeRepo{exchanges: make(map[string]*repository.Exchange)}
}

func (f *fakeExchangeRepo) Create(_ context.Context, ex *repository.Exchange) error {
	cp := *ex
	f.exchanges[ex.ID] = &cp
	return nil
}

func (f *fakeExchangeRepo) GetByID(_ context.Context, id string) (*repository.Exchange, error) {
	ex, ok := f.exchanges[id]
	if !ok {
		return nil, repository.ErrObjectNotFound
	}
	cp := *ex
	return &cp, nil
}

func (f *fakeExchangeRepo) TransitionStatus(_ context.Context, id string, from, to repository.ExchangeStatus) (bool, error) {
	ex, ok := f.exchanges[id]
	if !ok {
		return false, repository.ErrObjectNotFound
	}
	if ex.Status != from {
		return false, nil
	}
	ex.Status = to
	return true, nil
}

func (f *fakeExchangeRepo) SetPaymentStatus(_ context.Context, id string, status repository.PaymentStatus) error {
	ex, ok := f.exchanges[id]
	if !ok {
		return repository.ErrObjectNotFound
	}
	ex.PaymentStatus = status
	return nil
}

type fakeAssetRepo struct {
	statuses map[string]repository.AssetStatus
	labels   map[string]string
}

func newFakeAssetRepo() *fakeAssetRepo {
	return &fakeAssetRepo{
		statuses: make(map[string]repository.AssetStatus),
		labels:   map[string]string{"asset-a": "mountain bike", "asset-b": "guitar amp"},
	}
}

func (f *fakeAssetRepo) GetByID(_ context.Context, id string) (*repository.Asset, error) {
	status, ok := f.statuses[id]
	if !ok {
		return nil, repository.ErrObjectNotFound
	}
	return &repository.Asset{ID: id, Label: f.labels[id], Status: status}, nil
}

func (f *fakeAssetRepo) UpdateStatus(_ context.Context, id string, status repository.AssetStatus) error {
	f.statuses[id] = status
	return nil
}

type fakeTokenCreator struct {
	created  []token.CreateParams
	secure   []token.CreateSecureParams
	failFrom int // fail calls with index >= failFrom; -1 never fails
	calls    int
}

func (f *fakeTokenCreator) Create(_ context.Context, p token.CreateParams) (*repository.DeliveryToken, error) {
	defer func() { f.calls++ }()
	if f.failFrom >= 0 && f.calls >= f.failFrom {
		return nil, errors.New("token store down")
	}
	f.created = append(f.created, p)
	return &repository.DeliveryToken{
		ID:         "tok-" + p.AssetID,
		ExchangeID: p.ExchangeID,
		AssetID:    p.AssetID,
		GiverID:    p.GiverID,
		ReceiverID: p.ReceiverID,
		Status:     repository.TokenStatusPending,
	}, nil
}

func (f *fakeTokenCreator) CreateSecure(ctx context.Context, p token.CreateSecureParams) (*repository.DeliveryToken, error) {
	tok, err := f.Create(ctx, p.CreateParams)
	if err != nil {
		return nil, err
	}
	f.secure = append(f.secure, p)
	return tok, nil
}

type fakeTokenReader struct {
	tokens map[string][]*repository.DeliveryToken
}

func (f *fakeTokenReader) GetByExchangeID(_ context.Context, exchangeID string) ([]*repository.DeliveryToken, error) {
	return f.tokens[exchangeID], nil
}

type fakeSettler struct {
	settled []string
	err     error
}

func (f *fakeSettler) ApplySettlement(_ context.Context, ex *repository.Exchange) error {
	if f.err != nil {
		return f.err
	}
	f.settled = append(f.settled, ex.ID)
	return nil
}

type testEnv struct {
	svc       *Service
	exchanges *fakeExchangeRepo
	assets    *fakeAssetRepo
	tokens    *fakeTokenCreator
	reader    *fakeTokenReader
	settler   *fakeSettler
}

func newTestEnv() *testEnv {
	env := &testEnv{
		exchanges: newFakeExchangeRepo(),
		assets:    newFakeAssetRepo(),
		tokens:    &fakeTokenCreator{failFrom: -1},
		reader:    &fakeTokenReader{tokens: make(map[string][]*repository.DeliveryToken)},
		settler:   &fakeSettler{},
	}
	env.svc = NewService(env.exchanges, env.assets, env.tokens, env.reader, env.settler, zap.NewNop())
	return env
}

func (e *testEnv) requestTrade(t *testing.T) *repository.Exchange {
	t.Helper()
	ex, err := e.svc.Request(context.Background(), RequestParams{
		AssetID:        "asset-a",
		CounterAssetID: "asset-b",
		Type:           repository.ExchangeTypeTrade,
		GiverID:        "alice",
		ReceiverID:     "bob",
	})
	require.NoError(t, err)
	return ex
}

func TestRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("trade requires a counter asset", func(t *testing.T) {
		env := newTestEnv()
		_, err := env.svc.Request(ctx, RequestParams{
			AssetID:    "asset-a",
			Type:       repository.ExchangeTypeTrade,
			GiverID:    "alice",
			ReceiverID: "bob",
		})
		assert.ErrorIs(t, err, repository.ErrValidation)
	})

	t.Run("sale rejects a counter asset", func(t *testing.T) {
		env := newTestEnv()
		_, err := env.svc.Request(ctx, RequestParams{
			AssetID:        "asset-a",
			CounterAssetID: "asset-b",
			Type:           repository.ExchangeTypeSale,
			GiverID:        "alice",
			ReceiverID:     "bob",
		})
		assert.ErrorIs(t, err, repository.ErrValidation)
	})

	t.Run("unknown type is rejected", func(t *testing.T) {
		env := newTestEnv()
		_, err := env.svc.Request(ctx, RequestParams{
			AssetID:    "asset-a",
			Type:       "barter",
			GiverID:    "alice",
			ReceiverID: "bob",
		})
		assert.ErrorIs(t, err, repository.ErrValidation)
	})

	t.Run("creates a pending exchange", func(t *testing.T) {
		env := newTestEnv()
		ex := env.requestTrade(t)

		assert.Equal(t, repository.ExchangeStatusPending, ex.Status)
		assert.Equal(t, repository.PaymentStatusPending, ex.PaymentStatus)
		require.NotNil(t, ex.CounterAssetID)
		assert.Equal(t, "asset-b", *ex.CounterAssetID)
	})
}

func TestAccept(t *testing.T) {
	ctx := context.Background()

	t.Run("only the giver may accept", func(t *testing.T) {
		env := newTestEnv()
		ex := env.requestTrade(t)

		err := env.svc.Accept(ctx, ex.ID, "bob", AcceptOptions{})
		assert.ErrorIs(t, err, repository.ErrUnauthorized)
	})

	t.Run("reserves assets and creates both trade tokens", func(t *testing.T) {
		env := newTestEnv()
		ex := env.requestTrade(t)

		require.NoError(t, env.svc.Accept(ctx, ex.ID, "alice", AcceptOptions{}))

		assert.Equal(t, repository.ExchangeStatusAccepted, env.exchanges.exchanges[ex.ID].Status)
		assert.Equal(t, repository.AssetStatusReserved, env.assets.statuses["asset-a"])
		assert.Equal(t, repository.AssetStatusReserved, env.assets.statuses["asset-b"])

		require.Len(t, env.tokens.created, 2)
		first, second := env.tokens.created[0], env.tokens.created[1]
		assert.Equal(t, "asset-a", first.AssetID)
		assert.Equal(t, "mountain bike", first.AssetLabel)
		assert.Equal(t, "alice", first.GiverID)
		assert.Equal(t, "bob", first.ReceiverID)
		assert.Equal(t, "asset-b", second.AssetID)
		assert.Equal(t, "guitar amp", second.AssetLabel)
		assert.Equal(t, "bob", second.GiverID)
		assert.Equal(t, "alice", second.ReceiverID)
	})

	t.Run("secure options flow into both tokens", func(t *testing.T) {
		env := newTestEnv()
		ex := env.requestTrade(t)

		require.NoError(t, env.svc.Accept(ctx, ex.ID, "alice", AcceptOptions{
			ValidityMinutes: 120,
			PhotoRequired:   true,
		}))

		require.Len(t, env.tokens.secure, 2)
		for _, p := range env.tokens.secure {
			assert.Equal(t, 120, p.ValidityMinutes)
			assert.True(t, p.PhotoRequired)
		}
	})

	t.Run("double accept is a no-op", func(t *testing.T) {
		env := newTestEnv()
		ex := env.requestTrade(t)

		require.NoError(t, env.svc.Accept(ctx, ex.ID, "alice", AcceptOptions{}))
		require.NoError(t, env.svc.Accept(ctx, ex.ID, "alice", AcceptOptions{}))

		assert.Len(t, env.tokens.created, 2)
	})

	t.Run("second token failure parks the exchange", func(t *testing.T) {
		env := newTestEnv()
		env.tokens.failFrom = 1
		ex := env.requestTrade(t)

		err := env.svc.Accept(ctx, ex.ID, "alice", AcceptOptions{})
		require.Error(t, err)
		assert.Equal(t, repository.ExchangeStatusPartiallyInitialized, env.exchanges.exchanges[ex.ID].Status)
	})
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	ex := env.requestTrade(t)

	t.Run("only the giver may reject", func(t *testing.T) {
		err := env.svc.Reject(ctx, ex.ID, "bob")
		assert.ErrorIs(t, err, repository.ErrUnauthorized)
	})

	t.Run("rejects and stays rejected", func(t *testing.T) {
		require.NoError(t, env.svc.Reject(ctx, ex.ID, "alice"))
		assert.Equal(t, repository.ExchangeStatusRejected, env.exchanges.exchanges[ex.ID].Status)

		// Idempotent, and no late accept can flip it.
		require.NoError(t, env.svc.Reject(ctx, ex.ID, "alice"))
		require.NoError(t, env.svc.Accept(ctx, ex.ID, "alice", AcceptOptions{}))
		assert.Equal(t, repository.ExchangeStatusRejected, env.exchanges.exchanges[ex.ID].Status)
		assert.Empty(t, env.tokens.created)
	})
}

func TestRecoverPartial(t *testing.T) {
	ctx := context.Background()

	t.Run("creates the missing token and restores accepted", func(t *testing.T) {
		env := newTestEnv()
		env.tokens.failFrom = 1
		ex := env.requestTrade(t)
		require.Error(t, env.svc.Accept(ctx, ex.ID, "alice", AcceptOptions{}))

		env.reader.tokens[ex.ID] = []*repository.DeliveryToken{
			{ID: "tok-asset-a", AssetID: "asset-a", Status: repository.TokenStatusPending},
		}
		env.tokens.failFrom = -1

		require.NoError(t, env.svc.RecoverPartial(ctx, ex.ID, AcceptOptions{}))

		assert.Equal(t, repository.ExchangeStatusAccepted, env.exchanges.exchanges[ex.ID].Status)
		last := env.tokens.created[len(env.tokens.created)-1]
		assert.Equal(t, "asset-b", last.AssetID)
		assert.Equal(t, "guitar amp", last.AssetLabel)
		assert.Equal(t, "bob", last.GiverID)
	})

	t.Run("rejects exchanges that are not partially initialized", func(t *testing.T) {
		env := newTestEnv()
		ex := env.requestTrade(t)

		err := env.svc.RecoverPartial(ctx, ex.ID, AcceptOptions{})
		assert.ErrorIs(t, err, repository.ErrInvalidState)
	})
}

func TestConfirmPayment(t *testing.T) {
	ctx := context.Background()

	newSale := func(t *testing.T, env *testEnv) *repository.Exchange {
		t.Helper()
		ex, err := env.svc.Request(ctx, RequestParams{
			AssetID:    "asset-a",
			Type:       repository.ExchangeTypeSale,
			GiverID:    "alice",
			ReceiverID: "bob",
		})
		require.NoError(t, err)
		return ex
	}

	t.Run("settles an accepted sale", func(t *testing.T) {
		env := newTestEnv()
		ex := newSale(t, env)
		require.NoError(t, env.svc.Accept(ctx, ex.ID, "alice", AcceptOptions{}))

		require.NoError(t, env.svc.ConfirmPayment(ctx, ex.ID))

		assert.Equal(t, repository.PaymentStatusPaid, env.exchanges.exchanges[ex.ID].PaymentStatus)
		assert.Equal(t, []string{ex.ID}, env.settler.settled)
	})

	t.Run("pending sale cannot be paid out", func(t *testing.T) {
		env := newTestEnv()
		ex := newSale(t, env)

		err := env.svc.ConfirmPayment(ctx, ex.ID)
		assert.ErrorIs(t, err, repository.ErrInvalidState)
	})

	t.Run("only sales accept payment", func(t *testing.T) {
		env := newTestEnv()
		ex := env.requestTrade(t)

		err := env.svc.ConfirmPayment(ctx, ex.ID)
		assert.ErrorIs(t, err, repository.ErrInvalidState)
	})
}

func TestConfirmReceipt(t *testing.T) {
	ctx := context.Background()

	newDonation := func(t *testing.T, env *testEnv) *repository.Exchange {
		t.Helper()
		ex, err := env.svc.Request(ctx, RequestParams{
			AssetID:    "asset-a",
			Type:       repository.ExchangeTypeDonation,
			GiverID:    "alice",
			ReceiverID: "bob",
		})
		require.NoError(t, err)
		return ex
	}

	t.Run("receiver settles an accepted donation", func(t *testing.T) {
		env := newTestEnv()
		ex := newDonation(t, env)
		require.NoError(t, env.svc.Accept(ctx, ex.ID, "alice", AcceptOptions{}))

		require.NoError(t, env.svc.ConfirmReceipt(ctx, ex.ID, "bob"))
		assert.Equal(t, []string{ex.ID}, env.settler.settled)
	})

	t.Run("giver cannot confirm on the receiver's behalf", func(t *testing.T) {
		env := newTestEnv()
		ex := newDonation(t, env)
		require.NoError(t, env.svc.Accept(ctx, ex.ID, "alice", AcceptOptions{}))

		err := env.svc.ConfirmReceipt(ctx, ex.ID, "alice")
		assert.ErrorIs(t, err, repository.ErrUnauthorized)
	})

	t.Run("only donations accept receipt confirmation", func(t *testing.T) {
		env := newTestEnv()
		ex := env.requestTrade(t)

		err := env.svc.ConfirmReceipt(ctx, ex.ID, "bob")
		assert.ErrorIs(t, err, repository.ErrInvalidState)
	})
}
