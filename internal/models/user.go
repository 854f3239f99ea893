package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is the one record kept per chat user. Json tags describe the flat-file layout.
type User struct {
	ID                int64           `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	Username          string          `gorm:"size:255" json:"username,omitempty"`
	Balance           decimal.Decimal `gorm:"type:numeric(30,12);not null" json:"balance"`
	Verified          bool            `gorm:"not null" json:"verified"`
	ReferralCode      string          `gorm:"size:32;uniqueIndex;not null" json:"referral_code"`
	ReferralCount     int             `gorm:"not null" json:"referrals"`
	ReferredBy        *int64          `gorm:"index" json:"referred_by,omitempty"`
	LastBonusAt       *time.Time      `gorm:"index" json:"last_bonus_at,omitempty"`
	PayoutDestination string          `gorm:"size:255" json:"payout_destination,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (u *User) Clone() *User {
	c := *u
	if u.ReferredBy != nil {
		v := *u.ReferredBy
		c.ReferredBy = &v
	}
	if u.LastBonusAt != nil {
		v := *u.LastBonusAt
		c.LastBonusAt = &v
	}
	return &c
}
