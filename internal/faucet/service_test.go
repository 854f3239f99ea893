package faucet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"faucet-bot/internal/events"
	"faucet-bot/internal/models"
)

func TestService_StartIsIdempotent(t *testing.T) {
	f := newServiceFixture(nil)
	ctx := context.Background()

	first, err := f.svc.Start(ctx, 1, "alice", "")
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.True(t, first.User.Balance.Equal(dec("0.0001")))
	require.NotNil(t, first.Prompt)
	assert.Equal(t, testChannels, first.Prompt.Channels)

	sess, err := f.svc.Session(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingChannelJoin, sess.State)

	second, err := f.svc.Start(ctx, 1, "alice", "")
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.True(t, second.User.Balance.Equal(dec("0.0001")))
	assert.Equal(t, first.User.ReferralCode, second.User.ReferralCode)

	assert.Equal(t, []string{events.TypeUserCreated}, f.publisher.types())
}

func TestService_StartVerifiedUserHasNoPrompt(t *testing.T) {
	f := newServiceFixture(nil)
	f.verifiedUser(1, "0.5")

	res, err := f.svc.Start(context.Background(), 1, "alice", "")
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Nil(t, res.Prompt)
}

func TestService_ConcurrentStartCreatesOnce(t *testing.T) {
	f := newServiceFixture(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Start(ctx, 1, "alice", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	u, err := f.svc.User(ctx, 1)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(dec("0.0001")))
	assert.Equal(t, []string{events.TypeUserCreated}, f.publisher.types())
}

func TestService_Referral(t *testing.T) {
	f := newServiceFixture(nil)
	ctx := context.Background()

	a, err := f.svc.Start(ctx, 1, "alice", "")
	require.NoError(t, err)
	code := a.User.ReferralCode

	b, err := f.svc.Start(ctx, 2, "bob", code)
	require.NoError(t, err)
	require.NotNil(t, b.Referrer)
	assert.Equal(t, int64(1), b.Referrer.ID)
	require.NotNil(t, b.User.ReferredBy)
	assert.Equal(t, int64(1), *b.User.ReferredBy)

	// Repeated start with the same code does not count again.
	_, err = f.svc.Start(ctx, 2, "bob", code)
	require.NoError(t, err)

	c, err := f.svc.Start(ctx, 3, "carol", code)
	require.NoError(t, err)
	require.NotNil(t, c.Referrer)

	referrer, err := f.svc.User(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, referrer.ReferralCount)
	assert.True(t, referrer.Balance.Equal(dec("0.0003")))

	require.Len(t, f.history.referrals, 2)
	assert.Equal(t, int64(2), f.history.referrals[0].InvitedUserID)
	assert.Equal(t, int64(3), f.history.referrals[1].InvitedUserID)
}

func TestService_ReferralIgnored(t *testing.T) {
	f := newServiceFixture(nil)
	ctx := context.Background()

	a, err := f.svc.Start(ctx, 1, "alice", "")
	require.NoError(t, err)

	// Self referral on an existing record and an unknown code.
	_, err = f.svc.Start(ctx, 1, "alice", a.User.ReferralCode)
	require.NoError(t, err)
	res, err := f.svc.Start(ctx, 2, "bob", "unknown1")
	require.NoError(t, err)
	assert.Nil(t, res.Referrer)
	assert.Nil(t, res.User.ReferredBy)

	referrer, _ := f.svc.User(ctx, 1)
	assert.Zero(t, referrer.ReferralCount)
	assert.True(t, referrer.Balance.Equal(dec("0.0001")))
}

func TestService_NewMemberHasNoSignupBonus(t *testing.T) {
	f := newServiceFixture(nil)

	res, err := f.svc.NewMember(context.Background(), 5, "dave")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.User.Balance.IsZero())
	assert.NotNil(t, res.Prompt)
}

func TestService_GatedOperations(t *testing.T) {
	f := newServiceFixture(nil)
	ctx := context.Background()

	_, err := f.svc.Balance(ctx, 1)
	assert.ErrorIs(t, err, ErrNotStarted)

	_, err = f.svc.Start(ctx, 1, "alice", "")
	require.NoError(t, err)
	before, _ := f.store.Get(ctx, 1)

	_, err = f.svc.Balance(ctx, 1)
	assert.ErrorIs(t, err, ErrNotVerified)
	_, err = f.svc.ClaimBonus(ctx, 1)
	assert.ErrorIs(t, err, ErrNotVerified)
	_, err = f.svc.ReferralStats(ctx, 1)
	assert.ErrorIs(t, err, ErrNotVerified)
	_, err = f.svc.RequestWithdrawal(ctx, 1, "user@example.com", "all")
	assert.ErrorIs(t, err, ErrNotVerified)

	after, _ := f.store.Get(ctx, 1)
	assert.Equal(t, before, after)
	f.provider.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestService_VerifyWithoutCaptcha(t *testing.T) {
	f := newServiceFixture(nil)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, 1, "alice", "")
	require.NoError(t, err)

	res, err := f.svc.ConfirmJoin(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Verified, res.State)

	u, err := f.svc.Balance(ctx, 1)
	require.NoError(t, err)
	assert.True(t, u.Verified)

	sess, _ := f.svc.Session(ctx, 1)
	assert.Equal(t, models.StateIdle, sess.State)
}

func TestService_VerifyWithCaptcha(t *testing.T) {
	gen := &fixedCaptcha{text: "QW12ER"}
	f := newServiceFixture(gen)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, 1, "alice", "")
	require.NoError(t, err)

	res, err := f.svc.ConfirmJoin(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, AwaitingCaptcha, res.State)
	assert.NotEmpty(t, res.CaptchaImage)

	wrong, err := f.svc.SubmitCaptcha(ctx, 1, "nope")
	require.NoError(t, err)
	assert.Equal(t, AwaitingCaptcha, wrong.State)
	assert.Equal(t, 2, wrong.AttemptsLeft)
	u, _ := f.svc.User(ctx, 1)
	assert.False(t, u.Verified)

	right, err := f.svc.SubmitCaptcha(ctx, 1, "QW12ER")
	require.NoError(t, err)
	assert.Equal(t, Verified, right.State)
	u, _ = f.svc.User(ctx, 1)
	assert.True(t, u.Verified)
}

func TestService_ClaimBonusCooldown(t *testing.T) {
	f := newServiceFixture(nil)
	f.verifiedUser(1, "0.0001")
	ctx := context.Background()

	u, err := f.svc.ClaimBonus(ctx, 1)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(dec("0.0002")))

	f.now = f.now.Add(23*time.Hour + 30*time.Minute)
	_, err = f.svc.ClaimBonus(ctx, 1)
	var cd *CooldownError
	require.True(t, errors.As(err, &cd))
	h, m := HoursMinutes(cd.Remaining)
	assert.Equal(t, 0, h)
	assert.Equal(t, 30, m)

	stored, _ := f.svc.User(ctx, 1)
	assert.True(t, stored.Balance.Equal(dec("0.0002")))

	f.now = f.now.Add(30 * time.Minute)
	u, err = f.svc.ClaimBonus(ctx, 1)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(dec("0.0003")))
}

func TestService_ReferralStats(t *testing.T) {
	f := newServiceFixture(nil)
	u := f.verifiedUser(1, "0")
	u.ReferralCount = 4
	f.store.seed(u)

	stats, err := f.svc.ReferralStats(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, u.ReferralCode, stats.Code)
	assert.Equal(t, 4, stats.Count)
	assert.True(t, stats.Earned.Equal(dec("0.0004")))
}

func TestService_WithdrawalConversation(t *testing.T) {
	f := newServiceFixture(nil)
	f.verifiedUser(1, "0.002")
	ctx := context.Background()

	step, err := f.svc.RequestWithdrawal(ctx, 1, "", "")
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingEmail, step.Need)

	_, err = f.svc.CaptureDestination(ctx, 1, "not an email@")
	assert.ErrorIs(t, err, ErrValidation)

	step, err = f.svc.CaptureDestination(ctx, 1, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingAmount, step.Need)
	sess, _ := f.svc.Session(ctx, 1)
	assert.Equal(t, "user@example.com", sess.Destination)

	f.provider.On("Send", mock.Anything, "user@example.com", decEq("0.0015"), "TRX").
		Return(&PayoutReceipt{Reference: "TX123", Amount: dec("0.0015")}, nil).Once()

	step, err = f.svc.CaptureAmount(ctx, 1, "0.0015")
	require.NoError(t, err)
	require.NotNil(t, step.Result)
	assert.Equal(t, "TX123", step.Result.Reference)
	assert.True(t, step.Balance.Equal(dec("0.0005")))

	sess, _ = f.svc.Session(ctx, 1)
	assert.Equal(t, models.StateIdle, sess.State)

	u, _ := f.svc.User(ctx, 1)
	assert.Equal(t, "user@example.com", u.PayoutDestination)
}

func TestService_WithdrawOneShot(t *testing.T) {
	f := newServiceFixture(nil)
	f.verifiedUser(1, "0.002")
	ctx := context.Background()

	f.provider.On("Send", mock.Anything, "user@example.com", decEq("0.002"), "TRX").
		Return(&PayoutReceipt{Reference: "TX1", Amount: dec("0.002")}, nil).Once()

	step, err := f.svc.RequestWithdrawal(ctx, 1, "user@example.com", "all")
	require.NoError(t, err)
	assert.True(t, step.Balance.IsZero())
	f.provider.AssertExpectations(t)
}

func TestService_WithdrawBalanceBelowMinimum(t *testing.T) {
	f := newServiceFixture(nil)
	f.verifiedUser(1, "0.0009")

	_, err := f.svc.RequestWithdrawal(context.Background(), 1, "user@example.com", "all")
	assert.ErrorIs(t, err, ErrValidation)

	sess, _ := f.svc.Session(context.Background(), 1)
	assert.Equal(t, models.StateIdle, sess.State)
	f.provider.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestService_WithdrawHugeExponentRejected(t *testing.T) {
	f := newServiceFixture(nil)
	f.verifiedUser(1, "0.002")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.RequestWithdrawal(ctx, 1, "user@example.com", "1e-300000000")
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrValidation)
	case <-time.After(2 * time.Second):
		t.Fatal("withdrawal with a huge exponent did not return")
	}
	f.provider.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestService_MissingDestinationBeforeMinimum(t *testing.T) {
	f := newServiceFixture(nil)
	f.verifiedUser(1, "0.0009")
	ctx := context.Background()

	step, err := f.svc.RequestWithdrawal(ctx, 1, "", "")
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingEmail, step.Need)

	_, err = f.svc.CaptureDestination(ctx, 1, "user@example.com")
	require.NoError(t, err)
	_, err = f.svc.CaptureAmount(ctx, 1, "all")
	assert.ErrorIs(t, err, ErrValidation)
	f.provider.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestService_WithdrawFailureKeepsSession(t *testing.T) {
	f := newServiceFixture(nil)
	f.verifiedUser(1, "0.002")
	ctx := context.Background()

	_, err := f.svc.RequestWithdrawal(ctx, 1, "user@example.com", "")
	require.NoError(t, err)

	f.provider.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &declinedError{msg: "rejected"}).Once()

	_, err = f.svc.CaptureAmount(ctx, 1, "0.0015")
	assert.ErrorIs(t, err, ErrProvider)

	u, _ := f.svc.User(ctx, 1)
	assert.True(t, u.Balance.Equal(dec("0.002")))
	sess, _ := f.svc.Session(ctx, 1)
	assert.Equal(t, models.StateAwaitingAmount, sess.State)

	require.NoError(t, f.svc.Cancel(ctx, 1))
	sess, _ = f.svc.Session(ctx, 1)
	assert.Equal(t, models.StateIdle, sess.State)
}

func TestService_SetDestination(t *testing.T) {
	f := newServiceFixture(nil)
	f.verifiedUser(1, "0")

	u, err := f.svc.SetDestination(context.Background(), 1, "  me@example.com ")
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", u.PayoutDestination)
}

func TestParseAmount(t *testing.T) {
	balance := dec("0.0042")
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0.001", want: "0.001"},
		{in: " ALL ", want: "0.0042"},
		{in: "max", want: "0.0042"},
		{in: "0", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "1e-3", want: "0.001"},
		{in: "1e-300000000", wantErr: true},
		{in: "1E2000000000", wantErr: true},
		{in: "0.0000000000000000001", wantErr: true},
		{in: "1234567890123456789012345678901", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in, balance)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(dec(tt.want)))
		})
	}
}

func TestValidateDestination(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{in: "user@example.com"},
		{in: "TXyz1234walletAddress"},
		{in: "", wantErr: true},
		{in: "two words", wantErr: true},
		{in: "/balance", wantErr: true},
		{in: "broken@", wantErr: true},
		{in: "Name <user@example.com>", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := ValidateDestination(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestService_InconsistentWithdrawalKeepsReference(t *testing.T) {
	f := newServiceFixture(nil)
	f.verifiedUser(1, "0.002")
	f.store.putErr = errStoreDown

	f.provider.On("Send", mock.Anything, "user@example.com", decEq("0.002"), "TRX").
		Return(&PayoutReceipt{Reference: "TX42", Amount: dec("0.002")}, nil).Once()

	step, err := f.svc.RequestWithdrawal(context.Background(), 1, "user@example.com", "all")
	assert.ErrorIs(t, err, ErrInconsistent)
	require.NotNil(t, step)
	require.NotNil(t, step.Result)
	assert.Equal(t, "TX42", step.Result.Reference)
}
