package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/btcgate/btc-gateway-server/errcode"
	"github.com/btcgate/btc-gateway-server/model"

	"github.com/stretchr/testify/require"
)

func TestOrderServiceImpl_Cancel(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	gw := newActiveGateway(t, db)
	gwSvc := GetGatewayService()
	svc := GetOrderService()

	t.Run("cancelable_while_new", func(t *testing.T) {
		order, err := gwSvc.CreateOrder(ctx, db, gw, &CreateOrderParams{Amount: amountPtr(10)}, &fakeAddressProvider{})
		require.NoError(t, err)

		require.NoError(t, svc.Cancel(ctx, db, order.ID))
		fresh, err := svc.GetByID(ctx, db, order.ID)
		require.NoError(t, err)
		require.Equal(t, int64(model.StatusCanceled), fresh.Status)
	})

	t.Run("not_cancelable_after_new", func(t *testing.T) {
		order, err := gwSvc.CreateOrder(ctx, db, gw, &CreateOrderParams{Amount: amountPtr(10)}, &fakeAddressProvider{})
		require.NoError(t, err)

		_, err = svc.ApplyEvaluation(ctx, db, order, model.StatusEvaluation{
			Status: model.StatusPaid, AmountPaid: 10, TID: "tid-1",
		})
		require.NoError(t, err)

		err = svc.Cancel(ctx, db, order.ID)
		require.Error(t, err)
		require.Equal(t, "Order is not cancelable", err.Error())
	})
}

func TestOrderServiceImpl_GetByIdentifier(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	gw := newActiveGateway(t, db)
	order, err := GetGatewayService().CreateOrder(ctx, db, gw, &CreateOrderParams{Amount: amountPtr(10)}, &fakeAddressProvider{})
	require.NoError(t, err)

	svc := GetOrderService()

	byID, err := svc.GetByIdentifier(ctx, db, fmt.Sprintf("%d", order.ID))
	require.NoError(t, err)
	require.Equal(t, order.ID, byID.ID)

	byPaymentID, err := svc.GetByIdentifier(ctx, db, order.PaymentID)
	require.NoError(t, err)
	require.Equal(t, order.ID, byPaymentID.ID)

	_, err = svc.GetByIdentifier(ctx, db, "ffffffffffffffffffffffffffffffff")
	require.ErrorIs(t, err, errcode.ErrOrderNotFound)
}

func TestOrderServiceImpl_Snapshot(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	gw, err := GetGatewayService().Bootstrap(ctx, db, &model.GatewayBootstrap{
		Name:                  "shop",
		Secret:                "secret",
		ConfirmationsRequired: 1,
		TakesFees:             true,
	})
	require.NoError(t, err)
	order, err := GetGatewayService().CreateOrder(ctx, db, gw, &CreateOrderParams{
		Amount:      amountPtr(10),
		Description: "beer",
	}, &fakeAddressProvider{takesFees: true})
	require.NoError(t, err)

	got := GetOrderService().Snapshot(order, gw)
	require.Equal(t, order.ID, got.ID)
	require.Equal(t, order.PaymentID, got.PaymentID)
	require.Equal(t, int64(10), got.Amount)
	require.Equal(t, "beer", got.Description)
	require.Equal(t, order.KeychainID, got.KeychainID)
	require.Equal(t, gw.LastKeychainID, got.LastKeychainID)
	require.True(t, got.TakesFees)
}

func TestOrderServiceImpl_Counts(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	gw := newActiveGateway(t, db)
	svc := GetOrderService()

	total, err := svc.Count(ctx, db)
	require.NoError(t, err)
	require.Zero(t, total)

	for i := 0; i < 3; i++ {
		_, err := GetGatewayService().CreateOrder(ctx, db, gw, &CreateOrderParams{Amount: amountPtr(10)}, &fakeAddressProvider{})
		require.NoError(t, err)
	}

	total, err = svc.Count(ctx, db)
	require.NoError(t, err)
	require.Equal(t, int64(3), total)

	num, err := svc.CountByGateway(ctx, db, gw.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), num)

	num, err = svc.CountByGateway(ctx, db, 424242)
	require.NoError(t, err)
	require.Zero(t, num)
}

func TestOrderServiceImpl_ApplyEvaluation(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	gw := newActiveGateway(t, db)
	order, err := GetGatewayService().CreateOrder(ctx, db, gw, &CreateOrderParams{Amount: amountPtr(10)}, &fakeAddressProvider{})
	require.NoError(t, err)

	svc := GetOrderService()

	t.Run("no_change_no_persist", func(t *testing.T) {
		changed, err := svc.ApplyEvaluation(ctx, db, order, model.StatusEvaluation{Status: model.StatusNew})
		require.NoError(t, err)
		require.False(t, changed)
	})

	t.Run("transition_persists", func(t *testing.T) {
		changed, err := svc.ApplyEvaluation(ctx, db, order, model.StatusEvaluation{
			Status: model.StatusUnconfirmed, AmountPaid: 10, TID: "tid-1",
		})
		require.NoError(t, err)
		require.True(t, changed)

		fresh, err := svc.GetByID(ctx, db, order.ID)
		require.NoError(t, err)
		require.Equal(t, int64(model.StatusUnconfirmed), fresh.Status)
		require.Equal(t, int64(10), fresh.AmountPaid)
		require.Equal(t, "tid-1", fresh.TID)
	})

	t.Run("steady_state_reports_unchanged", func(t *testing.T) {
		changed, err := svc.ApplyEvaluation(ctx, db, order, model.StatusEvaluation{
			Status: model.StatusUnconfirmed, AmountPaid: 10, TID: "tid-1",
		})
		require.NoError(t, err)
		require.False(t, changed)
	})

	t.Run("expire", func(t *testing.T) {
		expired, err := svc.Expire(ctx, db, order.ID)
		require.NoError(t, err)
		require.True(t, expired)

		// Already terminal: the guard refuses to move it again.
		expired, err = svc.Expire(ctx, db, order.ID)
		require.NoError(t, err)
		require.False(t, expired)
	})
}
