package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"faucet-bot/internal/models"
)

type fileData struct {
	Users       map[string]*models.User      `json:"users"`
	Referrals   []models.ReferralTransaction `json:"referrals,omitempty"`
	Withdrawals []models.Withdrawal          `json:"withdrawals,omitempty"`
}

// FileStore keeps every record in one JSON document. Readers share the lock,
// writers hold it exclusively for the whole rewrite of the file, which is
// replaced atomically through a temp file.
type FileStore struct {
	path   string
	mu     sync.RWMutex
	data   fileData
	byCode map[string]int64
}

// OpenFileStore loads path. A missing file starts empty; an unreadable one is
// moved aside, logged and treated as empty.
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	s := &FileStore{path: path}
	s.data = s.load()
	s.reindex()
	log.WithFields(log.Fields{
		"path":  path,
		"users": len(s.data.Users),
	}).Info("Opened file store")
	return s, nil
}

func (s *FileStore) load() fileData {
	empty := fileData{Users: make(map[string]*models.User)}

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return empty
	}
	if err != nil {
		log.WithError(err).WithField("path", s.path).Error("Failed to read data file, starting empty")
		return empty
	}

	var data fileData
	err = json.Unmarshal(raw, &data)
	if err == nil && data.Users == nil {
		var legacy fileData
		if legacy, err = decodeLegacy(raw); err == nil && legacy.Users != nil {
			log.WithFields(log.Fields{
				"path":  s.path,
				"users": len(legacy.Users),
			}).Info("Imported legacy data file")
			return legacy
		}
	}
	if err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		log.WithError(err).WithFields(log.Fields{
			"path":  s.path,
			"moved": aside,
		}).Error("Data file is corrupt, starting empty")
		if rerr := os.Rename(s.path, aside); rerr != nil {
			log.WithError(rerr).Error("Failed to move corrupt data file aside")
		}
		return empty
	}
	if data.Users == nil {
		data.Users = make(map[string]*models.User)
	}
	return data
}

// legacyUser is the record layout of the older bot: string ids, a joined
// flag instead of verification and a unix-seconds float for the last bonus.
type legacyUser struct {
	Balance        decimal.Decimal `json:"balance"`
	JoinedGroups   bool            `json:"joined_groups"`
	ReferralCode   string          `json:"referral_code"`
	Referrals      int             `json:"referrals"`
	LastBonus      float64         `json:"last_bonus"`
	FaucetPayEmail *string         `json:"faucetpay_email"`
}

// decodeLegacy reads a document keyed by user id. An empty document yields
// no users and no error.
func decodeLegacy(raw []byte) (fileData, error) {
	var records map[string]legacyUser
	if err := json.Unmarshal(raw, &records); err != nil {
		return fileData{}, err
	}
	if len(records) == 0 {
		return fileData{}, nil
	}

	data := fileData{Users: make(map[string]*models.User, len(records))}
	for k, r := range records {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return fileData{}, fmt.Errorf("unexpected key %q", k)
		}
		u := &models.User{
			ID:            id,
			Balance:       r.Balance,
			Verified:      r.JoinedGroups,
			ReferralCode:  r.ReferralCode,
			ReferralCount: r.Referrals,
		}
		if r.LastBonus > 0 {
			sec, frac := math.Modf(r.LastBonus)
			last := time.Unix(int64(sec), int64(frac*1e9)).UTC()
			u.LastBonusAt = &last
		}
		if r.FaucetPayEmail != nil {
			u.PayoutDestination = *r.FaucetPayEmail
		}
		data.Users[key(id)] = u
	}
	return data, nil
}

func (s *FileStore) reindex() {
	s.byCode = make(map[string]int64, len(s.data.Users))
	for _, u := range s.data.Users {
		if u.ReferralCode != "" {
			s.byCode[u.ReferralCode] = u.ID
		}
	}
}

// flush must be called with the write lock held.
func (s *FileStore) flush() error {
	raw, err := json.MarshalIndent(s.data, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace data file: %w", err)
	}
	return nil
}

func key(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (s *FileStore) Get(_ context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.data.Users[key(id)]
	if !ok {
		return nil, nil
	}
	return u.Clone(), nil
}

func (s *FileStore) Put(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(u.ID)
	if owner, taken := s.byCode[u.ReferralCode]; taken && owner != u.ID {
		return ErrReferralCodeTaken
	}

	prev := s.data.Users[k]
	s.data.Users[k] = u.Clone()
	if err := s.flush(); err != nil {
		if prev != nil {
			s.data.Users[k] = prev
		} else {
			delete(s.data.Users, k)
		}
		return err
	}
	if prev != nil && prev.ReferralCode != u.ReferralCode {
		delete(s.byCode, prev.ReferralCode)
	}
	s.byCode[u.ReferralCode] = u.ID
	return nil
}

func (s *FileStore) CreateIfAbsent(_ context.Context, id int64, factory func() *models.User) (*models.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(id)
	if existing, ok := s.data.Users[k]; ok {
		return existing.Clone(), false, nil
	}

	u := factory()
	u.ID = id
	if _, taken := s.byCode[u.ReferralCode]; taken {
		return nil, false, ErrReferralCodeTaken
	}
	s.data.Users[k] = u.Clone()
	if err := s.flush(); err != nil {
		delete(s.data.Users, k)
		return nil, false, err
	}
	s.byCode[u.ReferralCode] = id
	return u, true, nil
}

func (s *FileStore) FindByReferralCode(_ context.Context, code string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCode[code]
	if !ok {
		return nil, nil
	}
	return s.data.Users[key(id)].Clone(), nil
}

func (s *FileStore) ListBonusReady(_ context.Context, claimedBefore time.Time) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []models.User
	for _, u := range s.data.Users {
		if u.Verified && u.LastBonusAt != nil && !u.LastBonusAt.After(claimedBefore) {
			users = append(users, *u.Clone())
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *FileStore) RecordReferral(_ context.Context, tx *models.ReferralTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	tx.ID = uint(len(s.data.Referrals) + 1)
	s.data.Referrals = append(s.data.Referrals, *tx)
	if err := s.flush(); err != nil {
		s.data.Referrals = s.data.Referrals[:len(s.data.Referrals)-1]
		return err
	}
	return nil
}

func (s *FileStore) RecordWithdrawal(_ context.Context, w *models.Withdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	w.ID = uint(len(s.data.Withdrawals) + 1)
	s.data.Withdrawals = append(s.data.Withdrawals, *w)
	if err := s.flush(); err != nil {
		s.data.Withdrawals = s.data.Withdrawals[:len(s.data.Withdrawals)-1]
		return err
	}
	return nil
}

func (s *FileStore) Withdrawals(_ context.Context, userID int64, limit int) ([]models.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []models.Withdrawal
	for i := len(s.data.Withdrawals) - 1; i >= 0 && len(rows) < limit; i-- {
		if s.data.Withdrawals[i].UserID == userID {
			rows = append(rows, s.data.Withdrawals[i])
		}
	}
	return rows, nil
}
