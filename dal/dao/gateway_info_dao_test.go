package dao

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/btcgate/btc-gateway-server/dal"
	"github.com/btcgate/btc-gateway-server/dal/do"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "gateway_test.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, dal.Migrate(db))
	return db
}

func newTestGateway(t *testing.T, db *gorm.DB) *do.GatewayInfo {
	t.Helper()
	g := &GatewayInfoDAOImpl{}
	info, err := g.Create(context.Background(), db, &do.GatewayInfo{
		HashedID:              "a1b2c3",
		Name:                  "shop",
		Secret:                "secret",
		Active:                true,
		ConfirmationsRequired: 1,
	})
	require.NoError(t, err)
	return info
}

func TestGatewayInfoDAOImpl_Create(t *testing.T) {
	db := newTestDB(t)
	g := &GatewayInfoDAOImpl{}

	t.Run("create_and_get", func(t *testing.T) {
		info := newTestGateway(t, db)
		require.NotZero(t, info.ID)

		got, err := g.GetByID(context.Background(), db, info.ID)
		require.NoError(t, err)
		require.Equal(t, "shop", got.Name)
		require.Equal(t, uint64(0), got.LastKeychainID)

		got, err = g.GetByHashedID(context.Background(), db, "a1b2c3")
		require.NoError(t, err)
		require.Equal(t, info.ID, got.ID)
	})

	t.Run("nil_db", func(t *testing.T) {
		_, err := g.Create(context.Background(), nil, &do.GatewayInfo{})
		require.Error(t, err)
	})
}

func TestGatewayInfoDAOImpl_IncrementLastKeychainID(t *testing.T) {
	db := newTestDB(t)
	g := &GatewayInfoDAOImpl{}
	info := newTestGateway(t, db)

	t.Run("increments_by_one", func(t *testing.T) {
		id, err := g.IncrementLastKeychainID(context.Background(), db, info.ID)
		require.NoError(t, err)
		require.Equal(t, uint64(1), id)

		id, err = g.IncrementLastKeychainID(context.Background(), db, info.ID)
		require.NoError(t, err)
		require.Equal(t, uint64(2), id)
	})

	t.Run("unknown_gateway", func(t *testing.T) {
		_, err := g.IncrementLastKeychainID(context.Background(), db, 424242)
		require.Error(t, err)
	})
}

func TestGatewayInfoDAOImpl_RaiseLastKeychainID(t *testing.T) {
	db := newTestDB(t)
	g := &GatewayInfoDAOImpl{}
	info := newTestGateway(t, db)

	require.NoError(t, g.RaiseLastKeychainID(context.Background(), db, info.ID, 5))
	got, err := g.GetByID(context.Background(), db, info.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(5), got.LastKeychainID)

	// Never moves backwards.
	require.NoError(t, g.RaiseLastKeychainID(context.Background(), db, info.ID, 3))
	got, err = g.GetByID(context.Background(), db, info.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(5), got.LastKeychainID)
}

func TestGatewayInfoDAOImpl_AdvanceLastNonce(t *testing.T) {
	db := newTestDB(t)
	g := &GatewayInfoDAOImpl{}
	info := newTestGateway(t, db)

	ok, err := g.AdvanceLastNonce(context.Background(), db, info.ID, 10)
	require.NoError(t, err)
	require.True(t, ok)

	// Replayed and stale nonces are rejected.
	ok, err = g.AdvanceLastNonce(context.Background(), db, info.ID, 10)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = g.AdvanceLastNonce(context.Background(), db, info.ID, 9)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = g.AdvanceLastNonce(context.Background(), db, info.ID, 11)
	require.NoError(t, err)
	require.True(t, ok)
}
