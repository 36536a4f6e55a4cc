package service

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/btcgate/btc-gateway-server/dal"
	"github.com/btcgate/btc-gateway-server/dal/do"
	"github.com/btcgate/btc-gateway-server/errcode"
	"github.com/btcgate/btc-gateway-server/model"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "service_test.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, dal.Migrate(db))
	return db
}

// fakeAddressProvider derives deterministic addresses so tests can assert
// which keychain index was allocated.
type fakeAddressProvider struct {
	calls     int
	takesFees bool
}

func (p *fakeAddressProvider) NewAddress(ctx context.Context, gatewayHashedID string, keychainID uint64) (string, error) {
	p.calls++
	return fmt.Sprintf("address%d", keychainID), nil
}

func (p *fakeAddressProvider) TakesFees() bool {
	return p.takesFees
}

func newActiveGateway(t *testing.T, db *gorm.DB) *do.GatewayInfo {
	t.Helper()
	gw, err := GetGatewayService().Bootstrap(context.Background(), db, &model.GatewayBootstrap{
		Name:                  "shop",
		Secret:                "secret",
		ConfirmationsRequired: 1,
	})
	require.NoError(t, err)
	require.NotNil(t, gw)
	return gw
}

func amountPtr(v int64) *int64 { return &v }

func keychainPtr(v uint64) *uint64 { return &v }

func TestGatewayServiceImpl_CreateOrder(t *testing.T) {
	ctx := context.Background()
	svc := GetGatewayService()

	t.Run("allocates_sequential_addresses", func(t *testing.T) {
		db := newTestDB(t)
		gw := newActiveGateway(t, db)
		provider := &fakeAddressProvider{}

		first, err := svc.CreateOrder(ctx, db, gw, &CreateOrderParams{Amount: amountPtr(10)}, provider)
		require.NoError(t, err)
		require.Equal(t, "address1", first.Address)
		require.Equal(t, int64(model.StatusNew), first.Status)
		require.Equal(t, int64(10), first.Amount)
		require.Empty(t, first.TID)
		require.NotEmpty(t, first.PaymentID)
		require.Equal(t, uint64(1), gw.LastKeychainID)

		second, err := svc.CreateOrder(ctx, db, gw, &CreateOrderParams{Amount: amountPtr(10)}, provider)
		require.NoError(t, err)
		require.Equal(t, "address2", second.Address)
		require.Equal(t, uint64(2), gw.LastKeychainID)
		require.NotEqual(t, first.PaymentID, second.PaymentID)
	})

	t.Run("invalid_amount", func(t *testing.T) {
		db := newTestDB(t)
		gw := newActiveGateway(t, db)
		provider := &fakeAddressProvider{}

		for _, params := range []*CreateOrderParams{
			{},
			{Amount: amountPtr(0)},
			{Amount: amountPtr(-5)},
		} {
			_, err := svc.CreateOrder(ctx, db, gw, params, provider)
			require.Error(t, err)
			require.Equal(t, "Invalid order: amount cannot be nil and should be more than 0", err.Error())
		}
		// No address was allocated and the counter did not move.
		require.Zero(t, provider.calls)
		fresh, err := svc.GetByID(ctx, db, gw.ID)
		require.NoError(t, err)
		require.Zero(t, fresh.LastKeychainID)
	})

	t.Run("description_too_long", func(t *testing.T) {
		db := newTestDB(t)
		gw := newActiveGateway(t, db)
		provider := &fakeAddressProvider{}

		long := make([]byte, 256)
		for i := range long {
			long[i] = 'x'
		}
		_, err := svc.CreateOrder(ctx, db, gw, &CreateOrderParams{
			Amount:      amountPtr(10),
			Description: string(long),
		}, provider)
		require.Error(t, err)
		require.Equal(t, "Invalid order: description should be shorter than 256 characters", err.Error())
		require.Zero(t, provider.calls)
	})

	t.Run("inactive_gateway", func(t *testing.T) {
		db := newTestDB(t)
		gw := newActiveGateway(t, db)
		gw.Active = false

		_, err := svc.CreateOrder(ctx, db, gw, &CreateOrderParams{Amount: amountPtr(10)}, &fakeAddressProvider{})
		require.Error(t, err)
		apiErr, ok := errcode.AsAPIError(err)
		require.True(t, ok)
		require.Equal(t, 503, apiErr.HTTPStatus)
		require.Equal(t, "gateway is inactive", apiErr.Message)
	})

	t.Run("deprecated_order_id", func(t *testing.T) {
		db := newTestDB(t)
		gw := newActiveGateway(t, db)

		_, err := svc.CreateOrder(ctx, db, gw, &CreateOrderParams{
			Amount:     amountPtr(10),
			HasOrderID: true,
		}, &fakeAddressProvider{})
		require.Error(t, err)
		require.Contains(t, err.Error(), "order_id is no longer a valid param")
	})

	t.Run("explicit_keychain_ids", func(t *testing.T) {
		db := newTestDB(t)
		gw := newActiveGateway(t, db)
		provider := &fakeAddressProvider{}

		for i := uint64(1); i <= 5; i++ {
			order, err := svc.CreateOrder(ctx, db, gw, &CreateOrderParams{
				Amount:     amountPtr(10),
				KeychainID: keychainPtr(i),
			}, provider)
			require.NoError(t, err)
			require.Equal(t, i, order.KeychainID)
			require.Equal(t, i, gw.LastKeychainID)

			fresh, err := svc.GetByID(ctx, db, gw.ID)
			require.NoError(t, err)
			require.Equal(t, i, fresh.LastKeychainID)
		}
	})
}

func TestGatewayServiceImpl_Bootstrap(t *testing.T) {
	ctx := context.Background()
	svc := GetGatewayService()
	db := newTestDB(t)

	gw, err := svc.Bootstrap(ctx, db, &model.GatewayBootstrap{Name: "shop", Secret: "secret", TakesFees: true})
	require.NoError(t, err)
	require.NotNil(t, gw)
	require.Len(t, gw.HashedID, 64)

	// The fee policy is persisted with the record.
	fresh, err := svc.GetByID(ctx, db, gw.ID)
	require.NoError(t, err)
	require.True(t, fresh.TakesFees)

	// Second bootstrap is a no-op.
	again, err := svc.Bootstrap(ctx, db, &model.GatewayBootstrap{Name: "other", Secret: "x"})
	require.NoError(t, err)
	require.Nil(t, again)
}

func TestGatewayServiceImpl_GetAll(t *testing.T) {
	ctx := context.Background()
	svc := GetGatewayService()
	db := newTestDB(t)

	all, err := svc.GetAll(ctx, db)
	require.NoError(t, err)
	require.Empty(t, all)

	gw := newActiveGateway(t, db)
	all, err = svc.GetAll(ctx, db)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, gw.ID, all[0].ID)
}

func TestGatewayServiceImpl_GetByIdentifier(t *testing.T) {
	ctx := context.Background()
	svc := GetGatewayService()
	db := newTestDB(t)
	gw := newActiveGateway(t, db)

	byID, err := svc.GetByIdentifier(ctx, db, fmt.Sprintf("%d", gw.ID))
	require.NoError(t, err)
	require.Equal(t, gw.ID, byID.ID)

	byHash, err := svc.GetByIdentifier(ctx, db, gw.HashedID)
	require.NoError(t, err)
	require.Equal(t, gw.ID, byHash.ID)

	_, err = svc.GetByIdentifier(ctx, db, "nope")
	require.ErrorIs(t, err, errcode.ErrGatewayNotFound)
}
