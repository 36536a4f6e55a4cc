package do

import "time"

type OrderInfo struct {
	ID           uint64 `gorm:"primaryKey"`
	GatewayID    uint64 `gorm:"index:idx_gateway_id;uniqueIndex:idx_gateway_address;not null"`
	PaymentID    string `gorm:"uniqueIndex:idx_payment_id;size:64;not null"`
	KeychainID   uint64 `gorm:"index:idx_keychain_id;not null;default:0"`
	Amount       int64  `gorm:"not null;default:0"`
	AmountPaid   int64  `gorm:"not null;default:0"`
	Address      string `gorm:"uniqueIndex:idx_gateway_address;size:128;not null"`
	Status       int64  `gorm:"index:idx_status;not null;default:0"`
	TID          string `gorm:"size:128;not null;default:''"`
	Description  string `gorm:"size:255;not null;default:''"`
	Data         string `gorm:"type:text"`
	CallbackData string `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
