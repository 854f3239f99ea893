package faucet

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"faucet-bot/internal/config"
	"faucet-bot/internal/events"
	"faucet-bot/internal/models"
	"faucet-bot/internal/session"
)

var errStoreDown = errors.New("store unavailable")

// memStore is an in-memory UserStore with failure injection.
type memStore struct {
	mu     sync.Mutex
	users  map[int64]*models.User
	putErr error
	puts   int
}

func newMemStore() *memStore {
	return &memStore{users: make(map[int64]*models.User)}
}

func (m *memStore) Get(_ context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return u.Clone(), nil
}

func (m *memStore) Put(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.puts++
	m.users[u.ID] = u.Clone()
	return nil
}

func (m *memStore) CreateIfAbsent(_ context.Context, id int64, factory func() *models.User) (*models.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return u.Clone(), false, nil
	}
	u := factory()
	u.ID = id
	m.users[id] = u.Clone()
	return u, true, nil
}

func (m *memStore) FindByReferralCode(_ context.Context, code string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ReferralCode == code {
			return u.Clone(), nil
		}
	}
	return nil, nil
}

func (m *memStore) seed(u *models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u.Clone()
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Send(ctx context.Context, destination string, amount decimal.Decimal, currency string) (*PayoutReceipt, error) {
	args := m.Called(ctx, destination, amount, currency)
	receipt, _ := args.Get(0).(*PayoutReceipt)
	return receipt, args.Error(1)
}

func (m *mockProvider) Balance(ctx context.Context, currency string) (decimal.Decimal, error) {
	args := m.Called(ctx, currency)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

type declinedError struct{ msg string }

func (e *declinedError) Error() string  { return e.msg }
func (e *declinedError) Declined() bool { return true }

type recordingHistory struct {
	mu          sync.Mutex
	referrals   []models.ReferralTransaction
	withdrawals []models.Withdrawal
}

func (h *recordingHistory) RecordReferral(_ context.Context, tx *models.ReferralTransaction) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.referrals = append(h.referrals, *tx)
	return nil
}

func (h *recordingHistory) RecordWithdrawal(_ context.Context, w *models.Withdrawal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.withdrawals = append(h.withdrawals, *w)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixedCaptcha struct {
	text  string
	calls int
}

func (c *fixedCaptcha) Generate() (string, []byte, error) {
	c.calls++
	return c.text, []byte("png"), nil
}

type stubMembers struct {
	member map[string]bool
}

func (s stubMembers) IsMember(_ context.Context, chat string, _ int64) (bool, error) {
	return s.member[chat], nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decEq(want string) any {
	return mock.MatchedBy(func(d decimal.Decimal) bool { return d.Equal(dec(want)) })
}

func testRewards() Rewards {
	return Rewards{
		SignupBonus:   dec("0.0001"),
		ReferralBonus: dec("0.0001"),
		DailyBonus:    dec("0.0001"),
		Cooldown:      24 * time.Hour,
	}
}

func testWithdrawalConfig() WithdrawalConfig {
	return WithdrawalConfig{
		MinWithdrawal: dec("0.001"),
		Currency:      "TRX",
		Timeout:       time.Second,
	}
}

var testChannels = []config.Channel{
	{Name: "Telegram", URL: "https://t.me/example", Chat: "@example"},
	{Name: "Twitter", URL: "https://x.com/example"},
}

type serviceFixture struct {
	svc       *Service
	store     *memStore
	sessions  *session.MemoryStore
	provider  *mockProvider
	history   *recordingHistory
	publisher *recordingPublisher
	now       time.Time
}

func newServiceFixture(captcha CaptchaGenerator) *serviceFixture {
	f := &serviceFixture{
		store:     newMemStore(),
		sessions:  session.NewMemoryStore(time.Hour, 0),
		provider:  &mockProvider{},
		history:   &recordingHistory{},
		publisher: &recordingPublisher{},
		now:       time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	ledger := NewRewardLedger(testRewards())
	gate := NewVerificationGate(GateConfig{
		Channels:      testChannels,
		CaseSensitive: true,
		MaxAttempts:   3,
		Lockout:       15 * time.Minute,
	}, captcha, nil)
	payouts := NewWithdrawalProcessor(testWithdrawalConfig(), f.store, f.provider, f.history, f.publisher)
	f.svc = NewService(f.store, f.sessions, ledger, gate, payouts, f.history, f.publisher)
	f.svc.now = func() time.Time { return f.now }
	return f
}

// verifiedUser stores a verified user with balance.
func (f *serviceFixture) verifiedUser(id int64, balance string) *models.User {
	u := &models.User{
		ID:           id,
		Balance:      dec(balance),
		Verified:     true,
		ReferralCode: NewReferralCode(),
	}
	f.store.seed(u)
	return u
}
