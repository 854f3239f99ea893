package faucet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"faucet-bot/internal/events"
	"faucet-bot/internal/models"
)

// PayoutReceipt is the provider's confirmation of a completed transfer.
// Amount is what was actually sent, after conversion to provider units.
type PayoutReceipt struct {
	Reference string
	Amount    decimal.Decimal
}

// PayoutProvider transfers balance to an external destination. Send returns a
// receipt only for a confirmed payout. An error that reports Declined() == true
// means the provider refused the payout; any other error is an unknown outcome.
type PayoutProvider interface {
	Send(ctx context.Context, destination string, amount decimal.Decimal, currency string) (*PayoutReceipt, error)
	Balance(ctx context.Context, currency string) (decimal.Decimal, error)
}

type declined interface {
	Declined() bool
}

// History keeps the audit trail of credited referrals and completed payouts.
type History interface {
	RecordReferral(ctx context.Context, tx *models.ReferralTransaction) error
	RecordWithdrawal(ctx context.Context, w *models.Withdrawal) error
}

type WithdrawalConfig struct {
	MinWithdrawal decimal.Decimal
	Currency      string
	Timeout       time.Duration
	ReserveCheck  bool
}

type WithdrawalResult struct {
	User        *models.User
	Amount      decimal.Decimal
	Currency    string
	Destination string
	Reference   string
}

type WithdrawalProcessor struct {
	cfg      WithdrawalConfig
	store    UserStore
	provider PayoutProvider
	history  History
	events   events.Publisher
}

func NewWithdrawalProcessor(cfg WithdrawalConfig, store UserStore, provider PayoutProvider, history History, publisher events.Publisher) *WithdrawalProcessor {
	if history == nil {
		history = NopHistory{}
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &WithdrawalProcessor{
		cfg:      cfg,
		store:    store,
		provider: provider,
		history:  history,
		events:   publisher,
	}
}

func (p *WithdrawalProcessor) MinWithdrawal() decimal.Decimal {
	return p.cfg.MinWithdrawal
}

// Amounts outside these bounds are rejected before any arithmetic, since
// comparing decimals with far apart exponents rescales through big.Int.
const (
	maxAmountScale  = 18
	maxAmountDigits = 30
)

func checkAmountScale(amount decimal.Decimal) error {
	if exp := amount.Exponent(); exp < -maxAmountScale || exp > maxAmountScale {
		return validationf("amount is out of range")
	}
	if amount.NumDigits() > maxAmountDigits {
		return validationf("amount has too many digits")
	}
	return nil
}

// Validate checks the withdrawal preconditions in order and returns the
// destination to pay. It never calls the provider.
func (p *WithdrawalProcessor) Validate(u *models.User, amount decimal.Decimal, destination string) (string, error) {
	if !u.Verified {
		return "", ErrNotVerified
	}
	destination = strings.TrimSpace(destination)
	if destination == "" {
		destination = u.PayoutDestination
	}
	if destination == "" {
		return "", validationf("no payout destination set")
	}
	if err := checkAmountScale(amount); err != nil {
		return "", err
	}
	if amount.GreaterThan(u.Balance) {
		return "", validationf("requested %s exceeds balance %s", amount.String(), u.Balance.String())
	}
	if amount.LessThan(p.cfg.MinWithdrawal) {
		return "", validationf("minimum withdrawal is %s", p.cfg.MinWithdrawal.String())
	}
	if !amount.IsPositive() {
		return "", validationf("amount must be positive")
	}
	return destination, nil
}

// Withdraw pays amount out through the provider and debits the user only
// after the provider confirmed the transfer.
func (p *WithdrawalProcessor) Withdraw(ctx context.Context, u *models.User, amount decimal.Decimal, destination string) (*WithdrawalResult, error) {
	destination, err := p.Validate(u, amount, destination)
	if err != nil {
		return nil, err
	}

	logger := log.WithFields(log.Fields{
		"user_id":     u.ID,
		"amount":      amount.String(),
		"currency":    p.cfg.Currency,
		"destination": destination,
	})

	if err := p.checkReserve(ctx, amount, logger); err != nil {
		return nil, err
	}

	sendCtx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	receipt, err := p.provider.Send(sendCtx, destination, amount, p.cfg.Currency)
	if err != nil {
		perr := classifyProviderError(err)
		logger.WithError(err).WithField("retryable", perr.Retryable).Error("Payout failed")
		return nil, perr
	}

	debit := receipt.Amount
	if debit.GreaterThan(u.Balance) {
		logger.WithField("confirmed", debit.String()).Error("Provider confirmed more than the balance, debiting the balance")
		debit = u.Balance
	}

	updated := u.Clone()
	updated.Balance = updated.Balance.Sub(debit)
	updated.PayoutDestination = destination
	updated.UpdatedAt = time.Now()

	result := &WithdrawalResult{
		User:        updated,
		Amount:      debit,
		Currency:    p.cfg.Currency,
		Destination: destination,
		Reference:   receipt.Reference,
	}

	if err := p.store.Put(ctx, updated); err != nil {
		logger.WithError(err).WithFields(log.Fields{
			"severity":  "critical",
			"reference": receipt.Reference,
			"confirmed": debit.String(),
		}).Error("Payout confirmed by provider but balance debit was not persisted")
		p.record(ctx, result, models.WithdrawalInconsistent)
		p.publish(ctx, events.TypeWithdrawalInconsistent, result)
		return result, fmt.Errorf("%w: reference %s: %v", ErrInconsistent, receipt.Reference, err)
	}

	p.record(ctx, result, models.WithdrawalSucceeded)
	p.publish(ctx, events.TypeWithdrawalCompleted, result)
	logger.WithField("reference", receipt.Reference).Info("Withdrawal completed")
	return result, nil
}

// checkReserve is best effort: only a successful balance query that shows too
// little reserve stops the withdrawal.
func (p *WithdrawalProcessor) checkReserve(ctx context.Context, amount decimal.Decimal, logger *log.Entry) error {
	if !p.cfg.ReserveCheck {
		return nil
	}
	reserve, err := p.provider.Balance(ctx, p.cfg.Currency)
	if err != nil {
		logger.WithError(err).Warn("Reserve check failed, continuing with payout")
		return nil
	}
	if reserve.LessThan(amount) {
		logger.WithField("reserve", reserve.String()).Error("Insufficient faucet reserve")
		return ErrProviderInsufficientFunds
	}
	return nil
}

func (p *WithdrawalProcessor) record(ctx context.Context, r *WithdrawalResult, status string) {
	err := p.history.RecordWithdrawal(ctx, &models.Withdrawal{
		UserID:      r.User.ID,
		Amount:      r.Amount,
		Currency:    r.Currency,
		Destination: r.Destination,
		PayoutID:    r.Reference,
		Status:      status,
	})
	if err != nil {
		log.WithError(err).WithField("reference", r.Reference).Error("Failed to record withdrawal")
	}
}

func (p *WithdrawalProcessor) publish(ctx context.Context, eventType string, r *WithdrawalResult) {
	err := p.events.Publish(ctx, events.Event{
		Type:        eventType,
		UserID:      r.User.ID,
		Amount:      r.Amount.String(),
		Currency:    r.Currency,
		Destination: r.Destination,
		Reference:   r.Reference,
	})
	if err != nil {
		log.WithError(err).WithField("event", eventType).Warn("Failed to publish event")
	}
}

func classifyProviderError(err error) *ProviderError {
	var d declined
	if errors.As(err, &d) && d.Declined() {
		return &ProviderError{Message: "payout declined", Body: err.Error(), Err: err}
	}
	return &ProviderError{Message: "payout outcome unknown", Retryable: true, Err: err}
}

// NopHistory discards history rows.
type NopHistory struct{}

func (NopHistory) RecordReferral(context.Context, *models.ReferralTransaction) error { return nil }

func (NopHistory) RecordWithdrawal(context.Context, *models.Withdrawal) error { return nil }
