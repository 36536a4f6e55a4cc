package do

import "time"

type GatewayInfo struct {
	ID                    uint64 `gorm:"primaryKey"`
	HashedID              string `gorm:"uniqueIndex:idx_hashed_id;size:64;not null"`
	Name                  string `gorm:"size:255;not null;default:''"`
	Secret                string `gorm:"size:255;not null;default:''"`
	Active                bool   `gorm:"not null;default:true"`
	CheckSignature        bool   `gorm:"not null;default:false"`
	CallbackURL           string `gorm:"size:255;not null;default:''"`
	// TakesFees records whether the address provider keeps a fee out of
	// payments received by this gateway, so amount_paid may come up short
	// of what the payer actually sent.
	TakesFees             bool   `gorm:"not null;default:false"`
	ConfirmationsRequired int64  `gorm:"not null;default:1"`
	// OrderExpirationPeriod is in seconds; 0 disables expiration.
	OrderExpirationPeriod int64  `gorm:"not null;default:0"`
	RequestsLimit         int64  `gorm:"not null;default:0"`
	ThrottlePeriod        int64  `gorm:"not null;default:0"`
	LastKeychainID        uint64 `gorm:"not null;default:0"`
	LastNonce             uint64 `gorm:"not null;default:0"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}
