package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"faucet-bot/internal/models"
)

var ErrReferralCodeTaken = errors.New("referral code already taken")

// UserRepository is the gorm-backed user store. Row-level writes run in their
// own transaction; the database provides the read/write isolation.
type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Get(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return &user, nil
}

func (r *UserRepository) Put(ctx context.Context, u *models.User) error {
	if err := r.db.WithContext(ctx).Save(u).Error; err != nil {
		return fmt.Errorf("failed to save user %d: %w", u.ID, err)
	}
	return nil
}

// CreateIfAbsent inserts the record built by factory unless id already
// exists. The existing record is returned untouched in that case.
func (r *UserRepository) CreateIfAbsent(ctx context.Context, id int64, factory func() *models.User) (*models.User, bool, error) {
	var (
		user    *models.User
		created bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.User
		err := tx.Where("id = ?", id).First(&existing).Error
		if err == nil {
			user = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		candidate := factory()
		candidate.ID = id
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(candidate)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			user, created = candidate, true
			return nil
		}

		// Lost a race with another writer, or the referral code collided.
		if err := tx.Where("id = ?", id).First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrReferralCodeTaken
			}
			return err
		}
		user = &existing
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create user %d: %w", id, err)
	}
	return user, created, nil
}

func (r *UserRepository) FindByReferralCode(ctx context.Context, code string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("referral_code = ?", code).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find referral code: %w", err)
	}
	return &user, nil
}

// ListBonusReady returns verified users whose last claim is at or before claimedBefore.
func (r *UserRepository) ListBonusReady(ctx context.Context, claimedBefore time.Time) ([]models.User, error) {
	var users []models.User
	err := r.db.WithContext(ctx).
		Where("verified = ? AND last_bonus_at IS NOT NULL AND last_bonus_at <= ?", true, claimedBefore.UTC()).
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list bonus-ready users: %w", err)
	}
	return users, nil
}

func (r *UserRepository) RecordReferral(ctx context.Context, tx *models.ReferralTransaction) error {
	if err := r.db.WithContext(ctx).Create(tx).Error; err != nil {
		return fmt.Errorf("failed to record referral: %w", err)
	}
	return nil
}

func (r *UserRepository) RecordWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	if err := r.db.WithContext(ctx).Create(w).Error; err != nil {
		return fmt.Errorf("failed to record withdrawal: %w", err)
	}
	return nil
}

// Withdrawals returns the latest payouts of a user, newest first.
func (r *UserRepository) Withdrawals(ctx context.Context, userID int64, limit int) ([]models.Withdrawal, error) {
	var rows []models.Withdrawal
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	return rows, nil
}
