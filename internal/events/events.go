package events

import (
	"context"
	"time"
)

const (
	TypeUserCreated            = "user.created"
	TypeReferralCredited       = "referral.credited"
	TypeWithdrawalCompleted    = "withdrawal.completed"
	TypeWithdrawalInconsistent = "withdrawal.inconsistent"
)

// Event is an audit record of a balance-affecting change.
type Event struct {
	Type        string    `json:"type"`
	UserID      int64     `json:"user_id"`
	Amount      string    `json:"amount,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	Destination string    `json:"destination,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	RelatedID   int64     `json:"related_id,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
