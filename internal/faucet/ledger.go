package faucet

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"faucet-bot/internal/models"
)

// Rewards holds the configured bonus amounts.
type Rewards struct {
	SignupBonus   decimal.Decimal
	ReferralBonus decimal.Decimal
	DailyBonus    decimal.Decimal
	Cooldown      time.Duration
}

// ReferrerLookup resolves a referral code to its owner. It returns nil, nil
// when no record owns the code.
type ReferrerLookup interface {
	FindByReferralCode(ctx context.Context, code string) (*models.User, error)
}

// RewardLedger computes balance changes. It never persists anything; every
// method returns an updated copy and leaves its input untouched.
type RewardLedger struct {
	rewards Rewards
}

func NewRewardLedger(rewards Rewards) *RewardLedger {
	return &RewardLedger{rewards: rewards}
}

func (l *RewardLedger) Rewards() Rewards {
	return l.rewards
}

// NewUser builds a fresh unverified record with a new referral code.
func (l *RewardLedger) NewUser(id int64, username string, now time.Time) *models.User {
	return &models.User{
		ID:           id,
		Username:     username,
		Balance:      decimal.Zero,
		ReferralCode: NewReferralCode(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// GrantSignupBonus credits the signup bonus. Callers apply it only while
// building a record that is about to be created.
func (l *RewardLedger) GrantSignupBonus(u *models.User) *models.User {
	updated := u.Clone()
	updated.Balance = updated.Balance.Add(l.rewards.SignupBonus)
	return updated
}

// ResolveReferral finds the owner of code and returns the referrer credited
// with the referral bonus. A missing code, an unknown code or a self-referral
// yields nil without error.
func (l *RewardLedger) ResolveReferral(ctx context.Context, newUser *models.User, code string, lookup ReferrerLookup) (*models.User, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, nil
	}
	referrer, err := lookup.FindByReferralCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if referrer == nil || referrer.ID == newUser.ID {
		return nil, nil
	}
	return l.CreditReferral(referrer), nil
}

// CreditReferral applies one referral to referrer.
func (l *RewardLedger) CreditReferral(referrer *models.User) *models.User {
	updated := referrer.Clone()
	updated.ReferralCount++
	updated.Balance = updated.Balance.Add(l.rewards.ReferralBonus)
	return updated
}

// ClaimDailyBonus credits the daily bonus unless the cooldown is still running.
func (l *RewardLedger) ClaimDailyBonus(u *models.User, now time.Time) (*models.User, error) {
	if remaining := l.CooldownRemaining(u, now); remaining > 0 {
		return nil, &CooldownError{Remaining: remaining}
	}
	updated := u.Clone()
	updated.Balance = updated.Balance.Add(l.rewards.DailyBonus)
	claimed := now.UTC()
	updated.LastBonusAt = &claimed
	return updated, nil
}

// CooldownRemaining is zero when the bonus can be claimed at now.
func (l *RewardLedger) CooldownRemaining(u *models.User, now time.Time) time.Duration {
	if u.LastBonusAt == nil {
		return 0
	}
	elapsed := now.Sub(*u.LastBonusAt)
	if elapsed >= l.rewards.Cooldown {
		return 0
	}
	return l.rewards.Cooldown - elapsed
}

// ReferralEarnings is the bonus total earned through referrals.
func (l *RewardLedger) ReferralEarnings(u *models.User) decimal.Decimal {
	return l.rewards.ReferralBonus.Mul(decimal.NewFromInt(int64(u.ReferralCount)))
}

// NewReferralCode returns an 8 character token taken from a random uuid.
func NewReferralCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
