package service

import (
	"context"
	"errors"
	"strconv"

	"github.com/btcgate/btc-gateway-server/dal/dao"
	"github.com/btcgate/btc-gateway-server/dal/do"
	"github.com/btcgate/btc-gateway-server/errcode"
	"github.com/btcgate/btc-gateway-server/model"

	"gorm.io/gorm"
)

type OrderService interface {
	GetByIdentifier(ctx context.Context, tx *gorm.DB, identifier string) (*do.OrderInfo, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uint64) (*do.OrderInfo, error)
	GetAllUnfinished(ctx context.Context, tx *gorm.DB) ([]*do.OrderInfo, error)
	Count(ctx context.Context, tx *gorm.DB) (int64, error)
	CountByGateway(ctx context.Context, tx *gorm.DB, gatewayID uint64) (int64, error)
	Cancel(ctx context.Context, tx *gorm.DB, id uint64) error
	Expire(ctx context.Context, tx *gorm.DB, id uint64) (bool, error)
	ApplyEvaluation(ctx context.Context, tx *gorm.DB, order *do.OrderInfo, eval model.StatusEvaluation) (bool, error)
	Snapshot(order *do.OrderInfo, gateway *do.GatewayInfo) *model.OrderSnapshot
}

type OrderServiceImpl struct {
	orderInfoDao dao.OrderInfoDAO
}

var orderService OrderService = &OrderServiceImpl{
	orderInfoDao: dao.GetOrderInfoDAOImpl(),
}

func GetOrderService() OrderService {
	return orderService
}

// GetByIdentifier resolves an order by its numeric id or by its payment id;
// the two are interchangeable lookup keys. Since payment ids are hex strings
// a purely numeric identifier that misses by id is retried as a payment id.
func (o *OrderServiceImpl) GetByIdentifier(ctx context.Context, tx *gorm.DB, identifier string) (*do.OrderInfo, error) {
	if id, err := strconv.ParseUint(identifier, 10, 64); err == nil {
		info, err := o.orderInfoDao.GetByID(ctx, tx, id)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	info, err := o.orderInfoDao.GetByPaymentID(ctx, tx, identifier)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errcode.ErrOrderNotFound
	}
	return info, err
}

func (o *OrderServiceImpl) GetByID(ctx context.Context, tx *gorm.DB, id uint64) (*do.OrderInfo, error) {
	info, err := o.orderInfoDao.GetByID(ctx, tx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errcode.ErrOrderNotFound
	}
	return info, err
}

func (o *OrderServiceImpl) GetAllUnfinished(ctx context.Context, tx *gorm.DB) ([]*do.OrderInfo, error) {
	return o.orderInfoDao.GetAllUnfinished(ctx, tx)
}

// Count returns the total number of orders on record.
func (o *OrderServiceImpl) Count(ctx context.Context, tx *gorm.DB) (int64, error) {
	return o.orderInfoDao.GetOrderNum(ctx, tx)
}

// CountByGateway returns the number of orders created through one gateway.
func (o *OrderServiceImpl) CountByGateway(ctx context.Context, tx *gorm.DB, gatewayID uint64) (int64, error) {
	return o.orderInfoDao.GetOrderNumByGatewayID(ctx, tx, gatewayID)
}

// Cancel moves the order to canceled. It is only legal while the order is
// still new; the guarded update makes concurrent cancel/poll races safe.
func (o *OrderServiceImpl) Cancel(ctx context.Context, tx *gorm.DB, id uint64) error {
	ok, err := o.orderInfoDao.UpdateStatusByIDIf(ctx, tx, id, model.StatusNew, model.StatusCanceled)
	if err != nil {
		return err
	}
	if !ok {
		return errcode.ErrOrderNotCancelable
	}
	log.Infof("Order %d canceled", id)
	return nil
}

// Expire marks a still-unpaid order expired and reports whether the
// transition happened.
func (o *OrderServiceImpl) Expire(ctx context.Context, tx *gorm.DB, id uint64) (bool, error) {
	return o.orderInfoDao.ExpireByID(ctx, tx, id)
}

// ApplyEvaluation persists the outcome of a state machine re-evaluation and
// reports whether the status actually changed. Notification of listeners and
// callbacks must only happen when it returns true, and only after it
// returned, so every push happens-after the persisted transition.
func (o *OrderServiceImpl) ApplyEvaluation(ctx context.Context, tx *gorm.DB, order *do.OrderInfo, eval model.StatusEvaluation) (bool, error) {
	statusChanged := eval.Status != order.Status
	if !statusChanged && eval.AmountPaid == order.AmountPaid && (eval.TID == "" || eval.TID == order.TID) {
		return false, nil
	}

	tid := eval.TID
	if tid == "" {
		tid = order.TID
	}
	ok, err := o.orderInfoDao.UpdateStatusByID(ctx, tx, order.ID, order.Status, eval.Status, eval.AmountPaid, tid)
	if err != nil {
		return false, err
	}
	if !ok {
		// Lost the race against another writer (e.g. a concurrent
		// cancel). The other transition wins; nothing to notify here.
		return false, nil
	}
	if statusChanged {
		log.Infof("Order %d status: %s -> %s (amount %d, paid %d)", order.ID,
			model.StatusString(order.Status), model.StatusString(eval.Status), order.Amount, eval.AmountPaid)
	}
	order.Status = eval.Status
	order.AmountPaid = eval.AmountPaid
	order.TID = tid
	return statusChanged, nil
}

// Snapshot renders the order into its external JSON shape. The gateway
// contributes the fields the order row does not carry itself: the address
// counter and the fee policy.
func (o *OrderServiceImpl) Snapshot(order *do.OrderInfo, gateway *do.GatewayInfo) *model.OrderSnapshot {
	return &model.OrderSnapshot{
		ID:             order.ID,
		PaymentID:      order.PaymentID,
		Status:         order.Status,
		Amount:         order.Amount,
		AmountPaid:     order.AmountPaid,
		Address:        order.Address,
		TID:            order.TID,
		Description:    order.Description,
		CallbackData:   order.CallbackData,
		Data:           order.Data,
		KeychainID:     order.KeychainID,
		LastKeychainID: gateway.LastKeychainID,
		TakesFees:      gateway.TakesFees,
	}
}
