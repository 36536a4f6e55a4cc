package service

import (
	"context"
	"errors"
	"strconv"

	"github.com/btcgate/btc-gateway-server/dal/dao"
	"github.com/btcgate/btc-gateway-server/dal/do"
	"github.com/btcgate/btc-gateway-server/errcode"
	"github.com/btcgate/btc-gateway-server/model"
	"github.com/btcgate/btc-gateway-server/utils"
	"github.com/btcgate/btc-gateway-server/walletclient"

	"gorm.io/gorm"
)

const maxDescriptionLen = 255

// CreateOrderParams carries the request parameters of an order creation.
// Amount and KeychainID are pointers so "absent" and "zero" stay
// distinguishable.
type CreateOrderParams struct {
	Amount       *int64
	Description  string
	Data         string
	CallbackData string
	// DataIsString is set when the caller supplied `data` as a bare string
	// instead of a structured payload; this is tolerated with a warning.
	DataIsString bool
	KeychainID   *uint64
	// HasOrderID is set when the request carried the removed order_id
	// param, which is rejected with migration guidance.
	HasOrderID bool
}

type GatewayService interface {
	Bootstrap(ctx context.Context, tx *gorm.DB, cfg *model.GatewayBootstrap) (*do.GatewayInfo, error)
	GetByIdentifier(ctx context.Context, tx *gorm.DB, identifier string) (*do.GatewayInfo, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uint64) (*do.GatewayInfo, error)
	GetAll(ctx context.Context, tx *gorm.DB) ([]*do.GatewayInfo, error)
	AdvanceNonce(ctx context.Context, tx *gorm.DB, gatewayID uint64, nonce uint64) (bool, error)
	CreateOrder(ctx context.Context, tx *gorm.DB, gateway *do.GatewayInfo,
		params *CreateOrderParams, provider walletclient.AddressProvider) (*do.OrderInfo, error)
}

type GatewayServiceImpl struct {
	gatewayInfoDao dao.GatewayInfoDAO
	orderInfoDao   dao.OrderInfoDAO
}

var gatewayService GatewayService = &GatewayServiceImpl{
	gatewayInfoDao: dao.GetGatewayInfoDAOImpl(),
	orderInfoDao:   dao.GetOrderInfoDAOImpl(),
}

func GetGatewayService() GatewayService {
	return gatewayService
}

// Bootstrap seeds the first gateway record when the table is still empty, so
// a fresh install is usable right after start. It is a no-op when any
// gateway exists.
func (g *GatewayServiceImpl) Bootstrap(ctx context.Context, tx *gorm.DB, cfg *model.GatewayBootstrap) (*do.GatewayInfo, error) {
	num, err := g.gatewayInfoDao.GetGatewayNum(ctx, tx)
	if err != nil {
		return nil, err
	}
	if num > 0 {
		return nil, nil
	}

	info := &do.GatewayInfo{
		HashedID:              utils.HashedID(cfg.Name + ":" + cfg.Secret),
		Name:                  cfg.Name,
		Secret:                cfg.Secret,
		Active:                true,
		CheckSignature:        cfg.CheckSignature,
		CallbackURL:           cfg.CallbackURL,
		TakesFees:             cfg.TakesFees,
		ConfirmationsRequired: cfg.ConfirmationsRequired,
		OrderExpirationPeriod: cfg.OrderExpirationPeriod,
		RequestsLimit:         cfg.RequestsLimit,
		ThrottlePeriod:        cfg.ThrottlePeriod,
	}
	info, err = g.gatewayInfoDao.Create(ctx, tx, info)
	if err != nil {
		return nil, err
	}
	log.Infof("Seeded gateway %q (id %d, hashed id %s)", info.Name, info.ID, info.HashedID)
	return info, nil
}

// GetByIdentifier resolves a gateway by numeric id or by its opaque hashed
// id, whichever the request path carried.
func (g *GatewayServiceImpl) GetByIdentifier(ctx context.Context, tx *gorm.DB, identifier string) (*do.GatewayInfo, error) {
	if id, err := strconv.ParseUint(identifier, 10, 64); err == nil {
		info, err := g.gatewayInfoDao.GetByID(ctx, tx, id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errcode.ErrGatewayNotFound
		}
		return info, err
	}

	info, err := g.gatewayInfoDao.GetByHashedID(ctx, tx, identifier)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errcode.ErrGatewayNotFound
	}
	return info, err
}

func (g *GatewayServiceImpl) GetByID(ctx context.Context, tx *gorm.DB, id uint64) (*do.GatewayInfo, error) {
	info, err := g.gatewayInfoDao.GetByID(ctx, tx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errcode.ErrGatewayNotFound
	}
	return info, err
}

func (g *GatewayServiceImpl) GetAll(ctx context.Context, tx *gorm.DB) ([]*do.GatewayInfo, error) {
	return g.gatewayInfoDao.GetAll(ctx, tx)
}

func (g *GatewayServiceImpl) AdvanceNonce(ctx context.Context, tx *gorm.DB, gatewayID uint64, nonce uint64) (bool, error) {
	return g.gatewayInfoDao.AdvanceLastNonce(ctx, tx, gatewayID, nonce)
}

// CreateOrder is the single entry point for order creation: it validates the
// gateway and the params, allocates the receiving address and persists the
// order in status new. Validation failures happen before any address is
// allocated or any counter advanced.
func (g *GatewayServiceImpl) CreateOrder(ctx context.Context, tx *gorm.DB, gateway *do.GatewayInfo,
	params *CreateOrderParams, provider walletclient.AddressProvider) (*do.OrderInfo, error) {

	if !gateway.Active {
		return nil, errcode.ErrGatewayInactive
	}
	if params.HasOrderID {
		return nil, errcode.ErrDeprecatedOrderID
	}
	if params.Amount == nil || *params.Amount <= 0 {
		return nil, errcode.ErrInvalidAmount
	}
	if len(params.Description) > maxDescriptionLen {
		return nil, errcode.ErrDescriptionTooLong
	}
	if params.DataIsString && params.Data != "" {
		log.Warnf("Gateway %d: `data` was given as a string. Maybe you meant to use callback_data?", gateway.ID)
	}
	if provider.TakesFees() != gateway.TakesFees {
		// Merchants read the fee policy off the order snapshots; a stale
		// gateway record would have them misjudge underpaid orders.
		log.Warnf("Gateway %d: fee policy mismatch: address provider takes_fees=%v, gateway record says %v",
			gateway.ID, provider.TakesFees(), gateway.TakesFees)
	}

	var keychainID uint64
	var err error
	if params.KeychainID != nil {
		// An explicit keychain id from a signed request bypasses
		// auto-allocation; the counter is only lifted so it stays
		// monotonic.
		keychainID = *params.KeychainID
		err = g.gatewayInfoDao.RaiseLastKeychainID(ctx, tx, gateway.ID, keychainID)
	} else {
		keychainID, err = g.gatewayInfoDao.IncrementLastKeychainID(ctx, tx, gateway.ID)
	}
	if err != nil {
		return nil, err
	}
	if gateway.LastKeychainID < keychainID {
		gateway.LastKeychainID = keychainID
	}

	address, err := provider.NewAddress(ctx, gateway.HashedID, keychainID)
	if err != nil {
		return nil, err
	}

	info := &do.OrderInfo{
		GatewayID:    gateway.ID,
		PaymentID:    utils.RandStr(32),
		KeychainID:   keychainID,
		Amount:       *params.Amount,
		Address:      address,
		Status:       model.StatusNew,
		Description:  params.Description,
		Data:         params.Data,
		CallbackData: params.CallbackData,
	}
	info, err = g.orderInfoDao.Create(ctx, tx, info)
	if err != nil {
		return nil, err
	}
	log.Infof("Created order %d (payment id %s) on gateway %d: amount %d, address %s, keychain id %d",
		info.ID, info.PaymentID, gateway.ID, info.Amount, info.Address, keychainID)
	return info, nil
}
