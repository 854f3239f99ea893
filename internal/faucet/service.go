package faucet

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"faucet-bot/internal/events"
	"faucet-bot/internal/models"
)

// UserStore is the durable mapping from user id to user record. Get returns
// nil, nil for unknown ids.
type UserStore interface {
	ReferrerLookup
	Get(ctx context.Context, id int64) (*models.User, error)
	Put(ctx context.Context, u *models.User) error
	CreateIfAbsent(ctx context.Context, id int64, factory func() *models.User) (*models.User, bool, error)
}

// SessionStore holds per-user conversational state. Get returns the zero
// Session for users without one.
type SessionStore interface {
	Get(ctx context.Context, userID int64) (models.Session, error)
	Save(ctx context.Context, userID int64, s models.Session) error
	Clear(ctx context.Context, userID int64) error
}

const referralCodeAttempts = 5

// Service is the entry point for every chat interaction. It loads the record,
// applies the gate, the ledger or the withdrawal processor, and stores the result.
type Service struct {
	store    UserStore
	sessions SessionStore
	ledger   *RewardLedger
	gate     *VerificationGate
	payouts  *WithdrawalProcessor
	history  History
	events   events.Publisher
	locks    *userLocks
	now      func() time.Time
}

func NewService(store UserStore, sessions SessionStore, ledger *RewardLedger, gate *VerificationGate, payouts *WithdrawalProcessor, history History, publisher events.Publisher) *Service {
	if history == nil {
		history = NopHistory{}
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Service{
		store:    store,
		sessions: sessions,
		ledger:   ledger,
		gate:     gate,
		payouts:  payouts,
		history:  history,
		events:   publisher,
		locks:    newUserLocks(),
		now:      time.Now,
	}
}

func (s *Service) Ledger() *RewardLedger { return s.ledger }

type StartResult struct {
	User     *models.User
	Created  bool
	Referrer *models.User
	Prompt   *JoinPrompt
}

// Start registers id on first contact and is a no-op for known users apart
// from re-showing the join prompt. referralCode only counts on creation.
func (s *Service) Start(ctx context.Context, id int64, username, referralCode string) (*StartResult, error) {
	return s.register(ctx, id, username, referralCode, true)
}

// NewMember registers a user seen joining a group. No signup bonus applies.
func (s *Service) NewMember(ctx context.Context, id int64, username string) (*StartResult, error) {
	return s.register(ctx, id, username, "", false)
}

func (s *Service) register(ctx context.Context, id int64, username, referralCode string, signupBonus bool) (*StartResult, error) {
	referrer, err := s.findReferrer(ctx, id, referralCode)
	if err != nil {
		log.WithError(err).WithField("user_id", id).Warn("Referral lookup failed, ignoring code")
		referrer = nil
	}

	unlock := s.locks.lock(id)
	user, created, err := s.createIfAbsent(ctx, id, func(code string) *models.User {
		u := s.ledger.NewUser(id, username, s.now())
		u.ReferralCode = code
		if signupBonus {
			u = s.ledger.GrantSignupBonus(u)
		}
		if referrer != nil {
			rid := referrer.ID
			u.ReferredBy = &rid
		}
		return u
	})
	if err != nil {
		unlock()
		return nil, err
	}

	result := &StartResult{User: user, Created: created}
	if !user.Verified {
		prompt, err := s.requestJoinLocked(ctx, user)
		if err != nil {
			unlock()
			return nil, err
		}
		result.Prompt = &prompt
	}
	unlock()

	if created {
		log.WithFields(log.Fields{
			"user_id":       id,
			"balance":       user.Balance.String(),
			"referral_code": user.ReferralCode,
		}).Info("New user registered")
		s.publish(ctx, events.Event{Type: events.TypeUserCreated, UserID: id, Amount: user.Balance.String()})
	}

	if created && referrer != nil {
		credited, err := s.creditReferrer(ctx, user, referralCode, referrer.ID)
		if err != nil {
			// The new user exists either way; the referral is simply lost.
			log.WithError(err).WithFields(log.Fields{
				"user_id":     id,
				"referrer_id": referrer.ID,
			}).Error("Failed to credit referrer")
		}
		result.Referrer = credited
	}
	return result, nil
}

func (s *Service) findReferrer(ctx context.Context, id int64, code string) (*models.User, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, nil
	}
	referrer, err := s.store.FindByReferralCode(ctx, code)
	if err != nil || referrer == nil || referrer.ID == id {
		return nil, err
	}
	return referrer, nil
}

// creditReferrer resolves code again under the referrer's lock so the credit
// applies to the latest stored record.
func (s *Service) creditReferrer(ctx context.Context, invited *models.User, code string, referrerID int64) (*models.User, error) {
	unlock := s.locks.lock(referrerID)
	defer unlock()

	credited, err := s.ledger.ResolveReferral(ctx, invited, code, s.store)
	if err != nil {
		return nil, err
	}
	if credited == nil || credited.ID != referrerID {
		return nil, nil
	}
	invitedID := invited.ID
	credited.UpdatedAt = s.now()
	if err := s.store.Put(ctx, credited); err != nil {
		return nil, err
	}

	bonus := s.ledger.Rewards().ReferralBonus
	if err := s.history.RecordReferral(ctx, &models.ReferralTransaction{
		ReferrerID:    referrerID,
		InvitedUserID: invitedID,
		Amount:        bonus,
	}); err != nil {
		log.WithError(err).WithField("referrer_id", referrerID).Warn("Failed to record referral")
	}
	s.publish(ctx, events.Event{
		Type:      events.TypeReferralCredited,
		UserID:    referrerID,
		Amount:    bonus.String(),
		RelatedID: invitedID,
	})
	log.WithFields(log.Fields{
		"referrer_id": referrerID,
		"invited_id":  invitedID,
		"referrals":   credited.ReferralCount,
		"balance":     credited.Balance.String(),
	}).Info("Referral credited")
	return credited, nil
}

// createIfAbsent only generates a referral code for ids that are not stored yet.
func (s *Service) createIfAbsent(ctx context.Context, id int64, build func(code string) *models.User) (*models.User, bool, error) {
	existing, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load user: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}
	code, err := s.uniqueReferralCode(ctx)
	if err != nil {
		return nil, false, err
	}
	user, created, err := s.store.CreateIfAbsent(ctx, id, func() *models.User { return build(code) })
	if err != nil {
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}
	return user, created, nil
}

func (s *Service) uniqueReferralCode(ctx context.Context) (string, error) {
	for i := 0; i < referralCodeAttempts; i++ {
		code := NewReferralCode()
		owner, err := s.store.FindByReferralCode(ctx, code)
		if err != nil {
			return "", fmt.Errorf("failed to check referral code: %w", err)
		}
		if owner == nil {
			return code, nil
		}
	}
	return "", fmt.Errorf("failed to generate a unique referral code after %d attempts", referralCodeAttempts)
}

// User returns the record of a started user regardless of verification.
func (s *Service) User(ctx context.Context, id int64) (*models.User, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if u == nil {
		return nil, ErrNotStarted
	}
	return u, nil
}

// Balance returns the record of a verified user.
func (s *Service) Balance(ctx context.Context, id int64) (*models.User, error) {
	u, err := s.User(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.gate.Require(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) ClaimBonus(ctx context.Context, id int64) (*models.User, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	u, err := s.Balance(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := s.ledger.ClaimDailyBonus(u, s.now())
	if err != nil {
		return nil, err
	}
	updated.UpdatedAt = s.now()
	if err := s.store.Put(ctx, updated); err != nil {
		return nil, fmt.Errorf("failed to save bonus: %w", err)
	}
	log.WithFields(log.Fields{
		"user_id": id,
		"balance": updated.Balance.String(),
	}).Info("Daily bonus claimed")
	return updated, nil
}

type ReferralStats struct {
	Code   string
	Count  int
	Earned decimal.Decimal
}

func (s *Service) ReferralStats(ctx context.Context, id int64) (*ReferralStats, error) {
	u, err := s.Balance(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ReferralStats{
		Code:   u.ReferralCode,
		Count:  u.ReferralCount,
		Earned: s.ledger.ReferralEarnings(u),
	}, nil
}

// RequestJoin returns the join prompt for id.
func (s *Service) RequestJoin(ctx context.Context, id int64) (JoinPrompt, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	u, err := s.User(ctx, id)
	if err != nil {
		return JoinPrompt{}, err
	}
	return s.requestJoinLocked(ctx, u)
}

func (s *Service) requestJoinLocked(ctx context.Context, u *models.User) (JoinPrompt, error) {
	sess, err := s.sessions.Get(ctx, u.ID)
	if err != nil {
		return JoinPrompt{}, fmt.Errorf("failed to load session: %w", err)
	}
	prompt, next := s.gate.RequestJoin(u, sess)
	if next != sess {
		if err := s.sessions.Save(ctx, u.ID, next); err != nil {
			return JoinPrompt{}, fmt.Errorf("failed to save session: %w", err)
		}
	}
	return prompt, nil
}

func (s *Service) ConfirmJoin(ctx context.Context, id int64) (*GateResult, error) {
	return s.gateTransition(ctx, id, func(u *models.User, sess models.Session) (*GateResult, error) {
		return s.gate.ConfirmJoin(ctx, u, sess, s.now())
	})
}

func (s *Service) SubmitCaptcha(ctx context.Context, id int64, input string) (*GateResult, error) {
	return s.gateTransition(ctx, id, func(u *models.User, sess models.Session) (*GateResult, error) {
		return s.gate.SubmitCaptcha(u, sess, input, s.now())
	})
}

func (s *Service) gateTransition(ctx context.Context, id int64, step func(*models.User, models.Session) (*GateResult, error)) (*GateResult, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	u, err := s.User(ctx, id)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	result, err := step(u, sess)
	if err != nil {
		return nil, err
	}
	if result.User != nil {
		result.User.UpdatedAt = s.now()
		if err := s.store.Put(ctx, result.User); err != nil {
			return nil, fmt.Errorf("failed to save verification: %w", err)
		}
		log.WithField("user_id", id).Info("User verified")
	} else {
		result.User = u
	}
	if err := s.saveSession(ctx, id, result.Session); err != nil {
		return nil, err
	}
	return result, nil
}

// Session exposes the conversational state so the transport can route free text.
func (s *Service) Session(ctx context.Context, id int64) (models.Session, error) {
	return s.sessions.Get(ctx, id)
}

// SetDestination stores the payout address of a verified user.
func (s *Service) SetDestination(ctx context.Context, id int64, destination string) (*models.User, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	u, err := s.Balance(ctx, id)
	if err != nil {
		return nil, err
	}
	destination, err = ValidateDestination(destination)
	if err != nil {
		return nil, err
	}
	updated := u.Clone()
	updated.PayoutDestination = destination
	updated.UpdatedAt = s.now()
	if err := s.store.Put(ctx, updated); err != nil {
		return nil, fmt.Errorf("failed to save destination: %w", err)
	}
	return updated, nil
}

// WithdrawStep tells the transport what the withdrawal conversation needs next.
// Need is StateIdle once Result is set.
type WithdrawStep struct {
	Need        models.SessionState
	Destination string
	Balance     decimal.Decimal
	Result      *WithdrawalResult
}

// RequestWithdrawal starts or completes a withdrawal. Missing destination or
// amount put the user in the matching capture state.
func (s *Service) RequestWithdrawal(ctx context.Context, id int64, destination string, amount string) (*WithdrawStep, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	u, err := s.Balance(ctx, id)
	if err != nil {
		return nil, err
	}
	if destination != "" {
		if destination, err = ValidateDestination(destination); err != nil {
			return nil, err
		}
	} else {
		destination = u.PayoutDestination
	}
	if destination == "" {
		return s.await(ctx, id, models.Session{State: models.StateAwaitingEmail}, u)
	}
	if u.Balance.LessThan(s.payouts.MinWithdrawal()) {
		return nil, validationf("minimum withdrawal is %s, your balance is too low", s.payouts.MinWithdrawal().String())
	}
	if strings.TrimSpace(amount) == "" {
		return s.await(ctx, id, models.Session{State: models.StateAwaitingAmount, Destination: destination}, u)
	}
	return s.withdrawLocked(ctx, u, amount, destination)
}

// CaptureDestination handles free text while awaiting a payout address.
func (s *Service) CaptureDestination(ctx context.Context, id int64, text string) (*WithdrawStep, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	u, err := s.Balance(ctx, id)
	if err != nil {
		return nil, err
	}
	destination, err := ValidateDestination(text)
	if err != nil {
		return nil, err
	}
	return s.await(ctx, id, models.Session{State: models.StateAwaitingAmount, Destination: destination}, u)
}

// CaptureAmount handles free text while awaiting the withdrawal amount.
func (s *Service) CaptureAmount(ctx context.Context, id int64, text string) (*WithdrawStep, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	u, err := s.Balance(ctx, id)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return s.withdrawLocked(ctx, u, text, sess.Destination)
}

// Cancel drops any pending capture state.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	switch sess.State {
	case models.StateAwaitingEmail, models.StateAwaitingAmount:
		return s.sessions.Clear(ctx, id)
	}
	return nil
}

func (s *Service) withdrawLocked(ctx context.Context, u *models.User, amountText, destination string) (*WithdrawStep, error) {
	amount, err := ParseAmount(amountText, u.Balance)
	if err != nil {
		return nil, err
	}
	result, err := s.payouts.Withdraw(ctx, u, amount, destination)
	if result != nil {
		// Provider paid out; the capture state is finished even if the debit failed.
		if cerr := s.sessions.Clear(ctx, u.ID); cerr != nil {
			log.WithError(cerr).WithField("user_id", u.ID).Warn("Failed to clear session")
		}
	}
	if result == nil {
		return nil, err
	}
	// An inconsistent payout still carries its result so the reference reaches the user.
	return &WithdrawStep{Need: models.StateIdle, Destination: result.Destination, Balance: result.User.Balance, Result: result}, err
}

func (s *Service) await(ctx context.Context, id int64, sess models.Session, u *models.User) (*WithdrawStep, error) {
	if err := s.saveSession(ctx, id, sess); err != nil {
		return nil, err
	}
	return &WithdrawStep{Need: sess.State, Destination: sess.Destination, Balance: u.Balance}, nil
}

func (s *Service) saveSession(ctx context.Context, id int64, sess models.Session) error {
	var err error
	if sess == (models.Session{}) {
		err = s.sessions.Clear(ctx, id)
	} else {
		err = s.sessions.Save(ctx, id, sess)
	}
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	if err := s.events.Publish(ctx, event); err != nil {
		log.WithError(err).WithField("event", event.Type).Warn("Failed to publish event")
	}
}

// ParseAmount reads a positive decimal; "all" and "max" mean the whole balance.
func ParseAmount(text string, balance decimal.Decimal) (decimal.Decimal, error) {
	text = strings.TrimSpace(strings.ToLower(text))
	if text == "all" || text == "max" {
		return balance, nil
	}
	amount, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, validationf("%q is not a valid amount", text)
	}
	if err := checkAmountScale(amount); err != nil {
		return decimal.Zero, err
	}
	if !amount.IsPositive() {
		return decimal.Zero, validationf("amount must be positive")
	}
	return amount, nil
}

// ValidateDestination accepts an email address or a single-token wallet address.
func ValidateDestination(text string) (string, error) {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return "", validationf("payout destination is empty")
	case len(text) > 255:
		return "", validationf("payout destination is too long")
	case strings.ContainsAny(text, " \t\n"):
		return "", validationf("payout destination must not contain spaces")
	case strings.HasPrefix(text, "/"):
		return "", validationf("payout destination looks like a command")
	}
	if strings.Contains(text, "@") {
		addr, err := mail.ParseAddress(text)
		if err != nil || addr.Address != text {
			return "", validationf("%q is not a valid email address", text)
		}
	}
	return text, nil
}
