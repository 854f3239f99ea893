package faucet

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation                = errors.New("invalid input")
	ErrNotStarted                = errors.New("user has not started the bot")
	ErrNotVerified               = errors.New("user is not verified")
	ErrCooldownActive            = errors.New("bonus cooldown active")
	ErrCaptchaLocked             = errors.New("captcha attempts exhausted")
	ErrNoChallenge               = errors.New("no captcha challenge issued")
	ErrNotMember                 = errors.New("required channels not joined")
	ErrProvider                  = errors.New("payout provider error")
	ErrProviderInsufficientFunds = errors.New("payout provider has insufficient funds")
	ErrInconsistent              = errors.New("payout confirmed but balance not persisted")
)

// ValidationError carries the user-facing reason for rejected input.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid input: " + e.Reason }

func (e *ValidationError) Unwrap() error { return ErrValidation }

func validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// CooldownError reports how long until the next daily bonus.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	h, m := HoursMinutes(e.Remaining)
	return fmt.Sprintf("bonus cooldown active: %d hours and %d minutes left", h, m)
}

func (e *CooldownError) Unwrap() error { return ErrCooldownActive }

// LockedError reports how long captcha submissions stay blocked.
type LockedError struct {
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("captcha locked for %s", e.Remaining.Round(time.Second))
}

func (e *LockedError) Unwrap() error { return ErrCaptchaLocked }

// ProviderError wraps any failure talking to the payout provider. Retryable is
// set when the outcome is unknown (timeout, transport failure), in which case
// no local state was changed.
type ProviderError struct {
	Message   string
	Body      string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payout provider: %s: %v", e.Message, e.Err)
	}
	return "payout provider: " + e.Message
}

func (e *ProviderError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrProvider, e.Err}
	}
	return []error{ErrProvider}
}

// HoursMinutes splits d into whole hours and the remaining whole minutes.
func HoursMinutes(d time.Duration) (int, int) {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Minute)
	return total / 60, total % 60
}
