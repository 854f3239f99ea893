package worker

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"faucet-bot/internal/models"
)

const reminderText = "🎁 Your daily bonus is ready! Use /bonus to claim it."

// BonusSource lists verified users whose last claim is at or before claimedBefore.
type BonusSource interface {
	ListBonusReady(ctx context.Context, claimedBefore time.Time) ([]models.User, error)
}

// Marker records that a key was handled. MarkOnce reports true only the first time.
type Marker interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type Notifier interface {
	Notify(ctx context.Context, userID int64, text string) error
}

// Reminder tells users when their daily bonus can be claimed again. Each claim
// window produces at most one reminder.
type Reminder struct {
	Users    BonusSource
	Marks    Marker
	Notifier Notifier
	Cooldown time.Duration
	Interval time.Duration

	now func() time.Time
}

func NewReminder(users BonusSource, marks Marker, notifier Notifier, cooldown, interval time.Duration) *Reminder {
	return &Reminder{
		Users:    users,
		Marks:    marks,
		Notifier: notifier,
		Cooldown: cooldown,
		Interval: interval,
		now:      time.Now,
	}
}

// Start runs one cycle immediately and then every Interval until ctx is done.
func (r *Reminder) Start(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	log.WithField("interval", r.Interval.String()).Info("Bonus reminder worker started")

	r.run(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("Bonus reminder worker stopped")
			return
		case <-ticker.C:
			r.run(ctx)
		}
	}
}

func (r *Reminder) run(ctx context.Context) {
	sent, err := r.RunOnce(ctx)
	if err != nil {
		log.WithError(err).Error("Bonus reminder cycle failed")
		return
	}
	log.WithField("sent", sent).Debug("Bonus reminder cycle finished")
}

// RunOnce notifies every user whose bonus is claimable and returns how many
// reminders were sent.
func (r *Reminder) RunOnce(ctx context.Context) (int, error) {
	users, err := r.Users.ListBonusReady(ctx, r.now().Add(-r.Cooldown))
	if err != nil {
		return 0, fmt.Errorf("failed to list users: %w", err)
	}

	sent := 0
	for _, u := range users {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		key := fmt.Sprintf("bonus_reminder_%d_%d", u.ID, u.LastBonusAt.Unix())
		first, err := r.Marks.MarkOnce(ctx, key, r.Cooldown)
		if err != nil {
			log.WithError(err).WithField("user_id", u.ID).Warn("Failed to mark reminder")
			continue
		}
		if !first {
			continue
		}
		if err := r.Notifier.Notify(ctx, u.ID, reminderText); err != nil {
			log.WithError(err).WithField("user_id", u.ID).Warn("Failed to send bonus reminder")
			continue
		}
		sent++
	}
	return sent, nil
}
