package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"faucet-bot/internal/database"
	"faucet-bot/internal/models"
)

func newTestRepository(t *testing.T) *UserRepository {
	t.Helper()
	db, err := database.Open(sqlite.Open(filepath.Join(t.TempDir(), "faucet.db")))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return NewUserRepository(db)
}

func newUser(id int64, code string) *models.User {
	return &models.User{
		ID:           id,
		Username:     "user",
		Balance:      decimal.RequireFromString("0.0001"),
		ReferralCode: code,
	}
}

func TestUserRepository_GetUnknown(t *testing.T) {
	repo := newTestRepository(t)

	u, err := repo.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestUserRepository_CreateIfAbsent(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	u, created, err := repo.CreateIfAbsent(ctx, 1, func() *models.User { return newUser(1, "aaaa1111") })
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "aaaa1111", u.ReferralCode)

	calls := 0
	again, created, err := repo.CreateIfAbsent(ctx, 1, func() *models.User {
		calls++
		return newUser(1, "bbbb2222")
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 0, calls)
	assert.Equal(t, "aaaa1111", again.ReferralCode)
	assert.True(t, again.Balance.Equal(decimal.RequireFromString("0.0001")))
}

func TestUserRepository_CreateIfAbsentCodeCollision(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, _, err := repo.CreateIfAbsent(ctx, 1, func() *models.User { return newUser(1, "same0000") })
	require.NoError(t, err)

	_, created, err := repo.CreateIfAbsent(ctx, 2, func() *models.User { return newUser(2, "same0000") })
	assert.ErrorIs(t, err, ErrReferralCodeTaken)
	assert.False(t, created)
}

func TestUserRepository_PutAndFind(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	u := newUser(7, "code7777")
	require.NoError(t, repo.Put(ctx, u))

	u.Balance = decimal.RequireFromString("0.0025")
	u.Verified = true
	u.ReferralCount = 3
	require.NoError(t, repo.Put(ctx, u))

	found, err := repo.FindByReferralCode(ctx, "code7777")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, int64(7), found.ID)
	assert.True(t, found.Verified)
	assert.Equal(t, 3, found.ReferralCount)
	assert.True(t, found.Balance.Equal(decimal.RequireFromString("0.0025")))

	missing, err := repo.FindByReferralCode(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUserRepository_ListBonusReady(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	old := now.Add(-25 * time.Hour)
	recent := now.Add(-time.Hour)

	ready := newUser(1, "ready000")
	ready.Verified = true
	ready.LastBonusAt = &old

	waiting := newUser(2, "wait0000")
	waiting.Verified = true
	waiting.LastBonusAt = &recent

	unverified := newUser(3, "unver000")
	unverified.LastBonusAt = &old

	never := newUser(4, "never000")
	never.Verified = true

	for _, u := range []*models.User{ready, waiting, unverified, never} {
		require.NoError(t, repo.Put(ctx, u))
	}

	users, err := repo.ListBonusReady(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, int64(1), users[0].ID)
}

func TestUserRepository_Withdrawals(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, ref := range []string{"TX1", "TX2", "TX3"} {
		require.NoError(t, repo.RecordWithdrawal(ctx, &models.Withdrawal{
			UserID:    5,
			Amount:    decimal.RequireFromString("0.001"),
			Currency:  "TRX",
			PayoutID:  ref,
			Status:    models.WithdrawalSucceeded,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, repo.RecordWithdrawal(ctx, &models.Withdrawal{
		UserID:   6,
		Amount:   decimal.RequireFromString("0.002"),
		PayoutID: "OTHER",
		Status:   models.WithdrawalSucceeded,
	}))

	rows, err := repo.Withdrawals(ctx, 5, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "TX3", rows[0].PayoutID)
	assert.Equal(t, "TX2", rows[1].PayoutID)
}

func TestUserRepository_RecordReferralOncePerInvitee(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	tx := &models.ReferralTransaction{ReferrerID: 1, InvitedUserID: 2, Amount: decimal.RequireFromString("0.0001")}
	require.NoError(t, repo.RecordReferral(ctx, tx))
	assert.NotZero(t, tx.ID)

	dup := &models.ReferralTransaction{ReferrerID: 3, InvitedUserID: 2, Amount: decimal.RequireFromString("0.0001")}
	assert.Error(t, repo.RecordReferral(ctx, dup))
}
