package dao

import (
	"context"
	"errors"

	"github.com/btcgate/btc-gateway-server/dal/do"
	"github.com/btcgate/btc-gateway-server/errcode"
	"github.com/btcgate/btc-gateway-server/model"

	"gorm.io/gorm"
)

type OrderInfoDAO interface {
	Create(ctx context.Context, tx *gorm.DB, info *do.OrderInfo) (*do.OrderInfo, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uint64) (*do.OrderInfo, error)
	GetByPaymentID(ctx context.Context, tx *gorm.DB, paymentID string) (*do.OrderInfo, error)
	GetByGatewayAndKeychainID(ctx context.Context, tx *gorm.DB, gatewayID uint64, keychainID uint64) (*do.OrderInfo, error)
	GetByGatewayAndAddress(ctx context.Context, tx *gorm.DB, gatewayID uint64, address string) (*do.OrderInfo, error)
	GetAllUnfinished(ctx context.Context, tx *gorm.DB) ([]*do.OrderInfo, error)
	GetOrderNum(ctx context.Context, tx *gorm.DB) (int64, error)
	GetOrderNumByGatewayID(ctx context.Context, tx *gorm.DB, gatewayID uint64) (int64, error)
	UpdateStatusByID(ctx context.Context, tx *gorm.DB, id uint64, fromStatus int64, status int64, amountPaid int64, tid string) (bool, error)
	UpdateStatusByIDIf(ctx context.Context, tx *gorm.DB, id uint64, fromStatus int64, toStatus int64) (bool, error)
	ExpireByID(ctx context.Context, tx *gorm.DB, id uint64) (bool, error)
}

type OrderInfoDAOImpl struct{}

var orderInfoDAO OrderInfoDAO = &OrderInfoDAOImpl{}

func GetOrderInfoDAOImpl() OrderInfoDAO {
	return orderInfoDAO
}

func (o *OrderInfoDAOImpl) Create(ctx context.Context, tx *gorm.DB, info *do.OrderInfo) (*do.OrderInfo, error) {
	if tx == nil {
		return nil, errcode.ErrNilGormDB
	}

	if info == nil {
		return nil, errors.New("nil order info when creating")
	}

	query := tx.Create(info)
	return info, query.Error
}

func (o *OrderInfoDAOImpl) GetByID(ctx context.Context, tx *gorm.DB, id uint64) (*do.OrderInfo, error) {
	if tx == nil {
		return nil, errcode.ErrNilGormDB
	}

	res := do.OrderInfo{}
	query := tx.Model(&do.OrderInfo{}).Where("id = ?", id).Take(&res)
	return &res, query.Error
}

func (o *OrderInfoDAOImpl) GetByPaymentID(ctx context.Context, tx *gorm.DB, paymentID string) (*do.OrderInfo, error) {
	if tx == nil {
		return nil, errcode.ErrNilGormDB
	}

	res := do.OrderInfo{}
	query := tx.Model(&do.OrderInfo{}).Where("payment_id = ?", paymentID).Take(&res)
	return &res, query.Error
}

func (o *OrderInfoDAOImpl) GetByGatewayAndKeychainID(ctx context.Context, tx *gorm.DB, gatewayID uint64, keychainID uint64) (*do.OrderInfo, error) {
	if tx == nil {
		return nil, errcode.ErrNilGormDB
	}

	res := do.OrderInfo{}
	query := tx.Model(&do.OrderInfo{}).Where("gateway_id = ? AND keychain_id = ?", gatewayID, keychainID).
		Order("id desc").Take(&res)
	return &res, query.Error
}

func (o *OrderInfoDAOImpl) GetByGatewayAndAddress(ctx context.Context, tx *gorm.DB, gatewayID uint64, address string) (*do.OrderInfo, error) {
	if tx == nil {
		return nil, errcode.ErrNilGormDB
	}

	res := do.OrderInfo{}
	query := tx.Model(&do.OrderInfo{}).Where("gateway_id = ? AND address = ?", gatewayID, address).Take(&res)
	return &res, query.Error
}

// GetAllUnfinished returns every order whose polling task should be running,
// i.e. orders that have not reached a terminal status yet.
func (o *OrderInfoDAOImpl) GetAllUnfinished(ctx context.Context, tx *gorm.DB) ([]*do.OrderInfo, error) {
	if tx == nil {
		return nil, errcode.ErrNilGormDB
	}

	res := make([]*do.OrderInfo, 0)
	query := tx.Model(&do.OrderInfo{}).Where("status <= ?", model.StatusUnconfirmed).
		Order("created_at ASC").Find(&res)
	return res, query.Error
}

func (o *OrderInfoDAOImpl) GetOrderNum(ctx context.Context, tx *gorm.DB) (int64, error) {
	if tx == nil {
		return 0, errcode.ErrNilGormDB
	}

	var res int64
	query := tx.Model(&do.OrderInfo{}).Count(&res)
	return res, query.Error
}

func (o *OrderInfoDAOImpl) GetOrderNumByGatewayID(ctx context.Context, tx *gorm.DB, gatewayID uint64) (int64, error) {
	if tx == nil {
		return 0, errcode.ErrNilGormDB
	}

	var res int64
	query := tx.Model(&do.OrderInfo{}).Where("gateway_id = ?", gatewayID).Count(&res)
	return res, query.Error
}

// UpdateStatusByID persists a state machine transition. The update is
// guarded on the status the caller evaluated against, so two racing writers
// (a poll tick and a cancel, for instance) can never clobber each other; the
// loser observes RowsAffected == 0 and reports false.
func (o *OrderInfoDAOImpl) UpdateStatusByID(ctx context.Context, tx *gorm.DB, id uint64, fromStatus int64, status int64, amountPaid int64, tid string) (bool, error) {
	if tx == nil {
		return false, errcode.ErrNilGormDB
	}

	query := tx.Model(&do.OrderInfo{}).Where("id = ? AND status = ?", id, fromStatus).
		Updates(map[string]interface{}{
			"status":      status,
			"amount_paid": amountPaid,
			"t_id":        tid,
		})
	if query.Error != nil {
		return false, query.Error
	}
	return query.RowsAffected == 1, nil
}

// UpdateStatusByIDIf moves the order from fromStatus to toStatus in a single
// guarded update and reports whether the transition happened. Used for
// cancellation, which is only legal while the order is still new.
func (o *OrderInfoDAOImpl) UpdateStatusByIDIf(ctx context.Context, tx *gorm.DB, id uint64, fromStatus int64, toStatus int64) (bool, error) {
	if tx == nil {
		return false, errcode.ErrNilGormDB
	}

	query := tx.Model(&do.OrderInfo{}).Where("id = ? AND status = ?", id, fromStatus).
		Update("status", toStatus)
	if query.Error != nil {
		return false, query.Error
	}
	return query.RowsAffected == 1, nil
}

// ExpireByID marks a still-unpaid order expired. The guard keeps the status
// machine monotonic: an order that already reached a terminal status or got
// paid is left alone.
func (o *OrderInfoDAOImpl) ExpireByID(ctx context.Context, tx *gorm.DB, id uint64) (bool, error) {
	if tx == nil {
		return false, errcode.ErrNilGormDB
	}

	query := tx.Model(&do.OrderInfo{}).Where("id = ? AND status <= ?", id, model.StatusUnconfirmed).
		Update("status", model.StatusExpired)
	if query.Error != nil {
		return false, query.Error
	}
	return query.RowsAffected == 1, nil
}
