package gormstore

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Balance is the stored per-user credit balance.
type Balance struct {
	UserID    string `gorm:"primaryKey"`
	Amount    int64  `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Balance) TableName() string { return "balances" }

// Purchase mirrors the purchases table. The seq primary key preserves
// insertion order for tie-breaking on equal timestamps.
type Purchase struct {
	Seq           int64           `gorm:"primaryKey;autoIncrement"`
	TransactionID string          `gorm:"uniqueIndex:uniq_purchases_transaction_id;not null"`
	UserID        string          `gorm:"not null;index:idx_purchases_user_created,priority:1"`
	CreditsAmount int64           `gorm:"not null"`
	CostInDollars decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Metadata      datatypes.JSON  `gorm:"not null"`
	CreatedAt     time.Time       `gorm:"not null;index:idx_purchases_user_created,priority:2"`
}

func (Purchase) TableName() string { return "purchases" }

// Usage mirrors the usages table.
type Usage struct {
	Seq         int64     `gorm:"primaryKey;autoIncrement"`
	UsageID     string    `gorm:"uniqueIndex:uniq_usages_usage_id;not null"`
	UserID      string    `gorm:"not null;index:idx_usages_user_created,priority:1"`
	ModelID     string    `gorm:"not null"`
	CreditsUsed int64     `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null;index:idx_usages_user_created,priority:2"`
}

func (Usage) TableName() string { return "usages" }
