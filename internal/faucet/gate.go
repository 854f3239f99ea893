package faucet

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"faucet-bot/internal/config"
	"faucet-bot/internal/models"
)

type VerificationState int

const (
	Unverified VerificationState = iota
	AwaitingChannelJoin
	AwaitingCaptcha
	Verified
)

func (s VerificationState) String() string {
	switch s {
	case Unverified:
		return "unverified"
	case AwaitingChannelJoin:
		return "awaiting_channel_join"
	case AwaitingCaptcha:
		return "awaiting_captcha"
	case Verified:
		return "verified"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CaptchaGenerator issues a challenge string together with its rendered image.
type CaptchaGenerator interface {
	Generate() (string, []byte, error)
}

// MembershipChecker asks the chat transport whether a user is in a chat.
type MembershipChecker interface {
	IsMember(ctx context.Context, chat string, userID int64) (bool, error)
}

type GateConfig struct {
	Channels        []config.Channel
	CheckMembership bool
	CaseSensitive   bool
	MaxAttempts     int
	Lockout         time.Duration
}

// VerificationGate keeps balance and withdrawal features behind the
// join-channels step and, when a generator is configured, a captcha.
type VerificationGate struct {
	cfg     GateConfig
	captcha CaptchaGenerator
	members MembershipChecker
}

// NewVerificationGate builds a gate. captcha and members may be nil.
func NewVerificationGate(cfg GateConfig, captcha CaptchaGenerator, members MembershipChecker) *VerificationGate {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &VerificationGate{cfg: cfg, captcha: captcha, members: members}
}

// JoinPrompt lists the channels a user has to join.
type JoinPrompt struct {
	Channels []config.Channel
}

// GateResult is the outcome of a gate transition. Session must be saved by the
// caller; User is non-nil only when the record changed.
type GateResult struct {
	State        VerificationState
	User         *models.User
	Session      models.Session
	CaptchaImage []byte
	AttemptsLeft int
	LockedFor    time.Duration
}

func (g *VerificationGate) State(u *models.User, s models.Session) VerificationState {
	if u.Verified {
		return Verified
	}
	switch s.State {
	case models.StateAwaitingCaptcha:
		return AwaitingCaptcha
	case models.StateAwaitingChannelJoin:
		return AwaitingChannelJoin
	default:
		return Unverified
	}
}

// Require rejects records that have not passed the gate.
func (g *VerificationGate) Require(u *models.User) error {
	if !u.Verified {
		return ErrNotVerified
	}
	return nil
}

// RequestJoin returns the join prompt. The first prompt moves an unverified
// user to AwaitingChannelJoin; in every other state nothing changes.
func (g *VerificationGate) RequestJoin(u *models.User, s models.Session) (JoinPrompt, models.Session) {
	prompt := JoinPrompt{Channels: g.cfg.Channels}
	if g.State(u, s) == Unverified {
		s.State = models.StateAwaitingChannelJoin
	}
	return prompt, s
}

// ConfirmJoin handles the "joined all channels" action.
func (g *VerificationGate) ConfirmJoin(ctx context.Context, u *models.User, s models.Session, now time.Time) (*GateResult, error) {
	if u.Verified {
		return &GateResult{State: Verified, Session: s}, nil
	}
	if s.Locked(now) {
		return nil, &LockedError{Remaining: s.LockedUntil.Sub(now)}
	}
	if err := g.checkMembership(ctx, u.ID); err != nil {
		return nil, err
	}

	if g.captcha == nil {
		return g.verify(u), nil
	}

	challenge, image, err := g.captcha.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate captcha: %w", err)
	}
	s.State = models.StateAwaitingCaptcha
	s.Challenge = challenge
	return &GateResult{
		State:        AwaitingCaptcha,
		Session:      s,
		CaptchaImage: image,
		AttemptsLeft: g.cfg.MaxAttempts - s.Attempts,
	}, nil
}

// SubmitCaptcha checks input against the challenge issued for this session.
// A wrong answer keeps the user in AwaitingCaptcha; running out of attempts
// locks the challenge for the configured lockout.
func (g *VerificationGate) SubmitCaptcha(u *models.User, s models.Session, input string, now time.Time) (*GateResult, error) {
	if u.Verified {
		return &GateResult{State: Verified, Session: s}, nil
	}
	if s.Locked(now) {
		return nil, &LockedError{Remaining: s.LockedUntil.Sub(now)}
	}
	if s.State != models.StateAwaitingCaptcha || s.Challenge == "" {
		return nil, ErrNoChallenge
	}

	if g.matches(s.Challenge, input) {
		return g.verify(u), nil
	}

	s.Attempts++
	result := &GateResult{State: AwaitingCaptcha}
	if s.Attempts >= g.cfg.MaxAttempts {
		s.Attempts = 0
		s.Challenge = ""
		s.LockedUntil = now.Add(g.cfg.Lockout)
		result.LockedFor = g.cfg.Lockout
		log.WithFields(log.Fields{
			"user_id": u.ID,
			"lockout": g.cfg.Lockout.String(),
		}).Warn("Captcha attempts exhausted")
	} else {
		result.AttemptsLeft = g.cfg.MaxAttempts - s.Attempts
	}
	result.Session = s
	return result, nil
}

func (g *VerificationGate) verify(u *models.User) *GateResult {
	updated := u.Clone()
	updated.Verified = true
	return &GateResult{State: Verified, User: updated, Session: models.Session{}}
}

func (g *VerificationGate) matches(challenge, input string) bool {
	input = strings.TrimSpace(input)
	if g.cfg.CaseSensitive {
		return input == challenge
	}
	return strings.EqualFold(input, challenge)
}

func (g *VerificationGate) checkMembership(ctx context.Context, userID int64) error {
	if !g.cfg.CheckMembership || g.members == nil {
		return nil
	}
	for _, ch := range g.cfg.Channels {
		if ch.Chat == "" {
			continue
		}
		ok, err := g.members.IsMember(ctx, ch.Chat, userID)
		if err != nil {
			return fmt.Errorf("failed to check membership in %s: %w", ch.Chat, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotMember, ch.Name)
		}
	}
	return nil
}
