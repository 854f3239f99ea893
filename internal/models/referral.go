package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReferralTransaction struct {
	ID            uint            `gorm:"primaryKey"`
	ReferrerID    int64           `gorm:"not null;index"`
	InvitedUserID int64           `gorm:"not null;uniqueIndex"`
	Amount        decimal.Decimal `gorm:"type:numeric(30,12);not null"`
	CreatedAt     time.Time
}
