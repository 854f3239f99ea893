package models

import "time"

type SessionState string

const (
	StateIdle                SessionState = ""
	StateAwaitingChannelJoin SessionState = "awaiting_channel_join"
	StateAwaitingCaptcha     SessionState = "awaiting_captcha"
	StateAwaitingEmail       SessionState = "awaiting_email"
	StateAwaitingAmount      SessionState = "awaiting_amount"
)

// Session is the short-lived conversational state of one user. It lives in the
// session table, never in the user record.
type Session struct {
	State       SessionState `json:"state,omitempty"`
	Challenge   string       `json:"challenge,omitempty"`
	Attempts    int          `json:"attempts,omitempty"`
	LockedUntil time.Time    `json:"locked_until"`
	Destination string       `json:"destination,omitempty"`
}

// Locked reports whether captcha submissions are blocked at now.
func (s Session) Locked(now time.Time) bool {
	return now.Before(s.LockedUntil)
}
