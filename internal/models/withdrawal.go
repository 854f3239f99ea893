package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	WithdrawalSucceeded    = "succeeded"
	WithdrawalInconsistent = "inconsistent"
)

// Withdrawal is the history row written after the provider confirmed a payout.
type Withdrawal struct {
	ID          uint            `gorm:"primaryKey"`
	UserID      int64           `gorm:"not null;index"`
	Amount      decimal.Decimal `gorm:"type:numeric(30,12);not null"`
	Currency    string          `gorm:"size:16"`
	Destination string          `gorm:"size:255"`
	PayoutID    string          `gorm:"size:255"`
	Status      string          `gorm:"size:32;default:'succeeded'"`
	CreatedAt   time.Time
}
