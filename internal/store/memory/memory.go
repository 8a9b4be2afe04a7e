package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"chillitrade/backend/internal/domain"
	"chillitrade/backend/internal/store"
	"chillitrade/backend/internal/xid"
)

type Store struct {
	mu           sync.RWMutex
	sessionsByID map[string]domain.TradeSession
	usersByEmail map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// The password is read from the SEED_TRADER_PASSWORD environment variable.
// If unset, a hardcoded dev default is used with a warning printed to
// stdout. These credentials are never used in production (the backend uses
// PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	traderPwd := envOr("SEED_TRADER_PASSWORD", "trader123")
	if os.Getenv("SEED_TRADER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_TRADER_PASSWORD to override.")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(traderPwd), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("[memory-store] failed to hash seed password: %v", err)
	}
	return map[string]domain.UserAccount{
		"trader@example.com": {
			ID:          xid.New("user"),
			Email:       "trader@example.com",
			DisplayName: "Dev Trader",
			Password:    string(hash),
			Active:      true,
			CreatedAt:   time.Now().UTC(),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		sessionsByID: make(map[string]domain.TradeSession),
		usersByEmail: make(map[string]domain.UserAccount),
	}
}

func NewSeeded() *Store {
	return &Store{
		sessionsByID: make(map[string]domain.TradeSession),
		usersByEmail: seedUsers(),
	}
}

func (s *Store) ListSessions(_ context.Context, ownerID string) ([]domain.TradeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]domain.TradeSession, 0, len(s.sessionsByID))
	for _, session := range s.sessionsByID {
		if session.OwnerID != ownerID {
			continue
		}
		sessions = append(sessions, cloneSession(session))
	}

	slices.SortFunc(sessions, func(a, b domain.TradeSession) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})

	now := time.Now().UTC()
	for i := range sessions {
		sessions[i].ApplyLegacyDefaults(now)
	}
	return sessions, nil
}

func (s *Store) GetSessionByID(_ context.Context, ownerID string, sessionID string) (*domain.TradeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessionsByID[sessionID]
	if !exists || session.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	result := cloneSession(session)
	result.ApplyLegacyDefaults(time.Now().UTC())
	return &result, nil
}

func (s *Store) InsertSession(_ context.Context, session domain.TradeSession) (*domain.TradeSession, error) {
	if session.OwnerID == "" || strings.TrimSpace(session.SessionName) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == "" {
		session.ID = xid.New("ses")
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.sessionsByID[session.ID]; exists {
		return nil, store.ErrInvalidInput
	}

	s.sessionsByID[session.ID] = cloneSession(session)
	created := cloneSession(session)
	return &created, nil
}

func (s *Store) UpdateSession(_ context.Context, session domain.TradeSession) (*domain.TradeSession, error) {
	if session.ID == "" || session.OwnerID == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.sessionsByID[session.ID]
	if !exists || existing.OwnerID != session.OwnerID {
		return nil, store.ErrNotFound
	}
	session.CreatedAt = existing.CreatedAt

	s.sessionsByID[session.ID] = cloneSession(session)
	updated := cloneSession(session)
	return &updated, nil
}

func (s *Store) DeleteSession(_ context.Context, ownerID string, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessionsByID[sessionID]
	if !exists || session.OwnerID != ownerID {
		return store.ErrNotFound
	}
	delete(s.sessionsByID, sessionID)
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(strings.TrimSpace(user.Email))
	if email == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByEmail[email]; exists {
		return store.ErrInvalidInput
	}
	user.Email = email
	if user.ID == "" {
		user.ID = xid.New("user")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByEmail[user.Email] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByEmail))
	for _, user := range s.usersByEmail {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Email, b.Email)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, email string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByEmail[email]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByEmail[email] = user
	return nil
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneSession(src domain.TradeSession) domain.TradeSession {
	dup := src
	dup.Purchases = cloneRecords(src.Purchases)
	dup.Sales = cloneRecords(src.Sales)
	return dup
}

func cloneRecords(src []domain.TradeRecord) []domain.TradeRecord {
	if src == nil {
		return nil
	}
	dup := make([]domain.TradeRecord, len(src))
	for i, r := range src {
		dup[i] = r
		entries := make([]domain.Entry, len(r.Entries))
		copy(entries, r.Entries)
		dup[i].Entries = entries
	}
	return dup
}
