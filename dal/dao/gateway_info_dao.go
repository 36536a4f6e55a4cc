package dao

import (
	"context"
	"errors"

	"github.com/btcgate/btc-gateway-server/dal/do"
	"github.com/btcgate/btc-gateway-server/errcode"

	"gorm.io/gorm"
)

type GatewayInfoDAO interface {
	Create(ctx context.Context, tx *gorm.DB, info *do.GatewayInfo) (*do.GatewayInfo, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uint64) (*do.GatewayInfo, error)
	GetByHashedID(ctx context.Context, tx *gorm.DB, hashedID string) (*do.GatewayInfo, error)
	GetAll(ctx context.Context, tx *gorm.DB) ([]*do.GatewayInfo, error)
	GetGatewayNum(ctx context.Context, tx *gorm.DB) (int64, error)
	IncrementLastKeychainID(ctx context.Context, tx *gorm.DB, id uint64) (uint64, error)
	RaiseLastKeychainID(ctx context.Context, tx *gorm.DB, id uint64, keychainID uint64) error
	AdvanceLastNonce(ctx context.Context, tx *gorm.DB, id uint64, nonce uint64) (bool, error)
	UpdateActive(ctx context.Context, tx *gorm.DB, id uint64, active bool) error
}

type GatewayInfoDAOImpl struct{}

var gatewayInfoDAO GatewayInfoDAO = &GatewayInfoDAOImpl{}

func GetGatewayInfoDAOImpl() GatewayInfoDAO {
	return gatewayInfoDAO
}

func (g *GatewayInfoDAOImpl) Create(ctx context.Context, tx *gorm.DB, info *do.GatewayInfo) (*do.GatewayInfo, error) {
	if tx == nil {
		return nil, errcode.ErrNilGormDB
	}

	if info == nil {
		return nil, errors.New("nil gateway info when creating")
	}

	query := tx.Create(info)
	return info, query.Error
}

func (g *GatewayInfoDAOImpl) GetByID(ctx context.Context, tx *gorm.DB, id uint64) (*do.GatewayInfo, error) {
	if tx == nil {
		return nil, errcode.ErrNilGormDB
	}

	res := do.GatewayInfo{}
	query := tx.Model(&do.GatewayInfo{}).Where("id = ?", id).Take(&res)
	return &res, query.Error
}

func (g *GatewayInfoDAOImpl) GetByHashedID(ctx context.Context, tx *gorm.DB, hashedID string) (*do.GatewayInfo, error) {
	if tx == nil {
		return nil, errcode.ErrNilGormDB
	}

	res := do.GatewayInfo{}
	query := tx.Model(&do.GatewayInfo{}).Where("hashed_id = ?", hashedID).Take(&res)
	return &res, query.Error
}

func (g *GatewayInfoDAOImpl) GetAll(ctx context.Context, tx *gorm.DB) ([]*do.GatewayInfo, error) {
	if tx == nil {
		return nil, errcode.ErrNilGormDB
	}

	res := make([]*do.GatewayInfo, 0)
	query := tx.Model(&do.GatewayInfo{}).Find(&res)
	return res, query.Error
}

func (g *GatewayInfoDAOImpl) GetGatewayNum(ctx context.Context, tx *gorm.DB) (int64, error) {
	if tx == nil {
		return 0, errcode.ErrNilGormDB
	}

	var res int64
	query := tx.Model(&do.GatewayInfo{}).Count(&res)
	return res, query.Error
}

// IncrementLastKeychainID atomically advances the gateway's address counter
// and returns the new value. The read happens inside the same transaction as
// the increment, so two concurrent allocations can never observe the same
// counter value.
func (g *GatewayInfoDAOImpl) IncrementLastKeychainID(ctx context.Context, tx *gorm.DB, id uint64) (uint64, error) {
	if tx == nil {
		return 0, errcode.ErrNilGormDB
	}

	var keychainID uint64
	err := tx.Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&do.GatewayInfo{}).Where("id = ?", id).
			Update("last_keychain_id", gorm.Expr("last_keychain_id + 1"))
		if query.Error != nil {
			return query.Error
		}
		if query.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		info := do.GatewayInfo{}
		query = tx.Model(&do.GatewayInfo{}).Where("id = ?", id).Take(&info)
		if query.Error != nil {
			return query.Error
		}
		keychainID = info.LastKeychainID
		return nil
	})
	return keychainID, err
}

// RaiseLastKeychainID lifts the counter to keychainID when an explicit
// keychain_id was supplied by a signed request. The guarded update keeps the
// counter monotonic: it never moves backwards.
func (g *GatewayInfoDAOImpl) RaiseLastKeychainID(ctx context.Context, tx *gorm.DB, id uint64, keychainID uint64) error {
	if tx == nil {
		return errcode.ErrNilGormDB
	}

	query := tx.Model(&do.GatewayInfo{}).
		Where("id = ? AND last_keychain_id < ?", id, keychainID).
		Update("last_keychain_id", keychainID)
	return query.Error
}

// AdvanceLastNonce persists the nonce for replay protection. It only succeeds
// when nonce is strictly greater than the stored one; the returned bool
// reports whether the nonce was accepted. Because the guard runs inside a
// single conditional UPDATE, concurrent requests for the same gateway cannot
// both claim the same nonce, and the stored value survives restarts.
func (g *GatewayInfoDAOImpl) AdvanceLastNonce(ctx context.Context, tx *gorm.DB, id uint64, nonce uint64) (bool, error) {
	if tx == nil {
		return false, errcode.ErrNilGormDB
	}

	query := tx.Model(&do.GatewayInfo{}).
		Where("id = ? AND last_nonce < ?", id, nonce).
		Update("last_nonce", nonce)
	if query.Error != nil {
		return false, query.Error
	}
	return query.RowsAffected == 1, nil
}

func (g *GatewayInfoDAOImpl) UpdateActive(ctx context.Context, tx *gorm.DB, id uint64, active bool) error {
	if tx == nil {
		return errcode.ErrNilGormDB
	}

	query := tx.Model(&do.GatewayInfo{}).Where("id = ?", id).Update("active", active)
	return query.Error
}
