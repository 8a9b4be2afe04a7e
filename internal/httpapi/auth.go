package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"chillitrade/backend/internal/domain"
	"chillitrade/backend/internal/xid"
)

// AuthManager issues and validates access/refresh token pairs for trade
// ledger accounts. Refresh tokens rotate on every use; spent or signed-out
// token ids are held in an in-memory revocation set, which is sufficient
// for the single-process deployment this backend targets.
type AuthManager struct {
	mu         sync.RWMutex
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	userStore  UserStore
	users      map[string]credential
	revoked    map[string]struct{}
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, email string, password string) error
}

type credential struct {
	userID      string
	displayName string
	password    string
	active      bool
	created     time.Time
}

type ledgerClaims struct {
	jwtlib.RegisteredClaims
	Email    string `json:"email"`
	TokenUse string `json:"token_use"`
}

func NewAuthManager(secret string, accessTTL time.Duration, refreshTTL time.Duration, userStore UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if accessTTL <= 0 {
		accessTTL = 30 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 72 * time.Hour
	}

	manager := &AuthManager{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		userStore:  userStore,
		users:      make(map[string]credential),
		revoked:    make(map[string]struct{}),
	}
	// context.Background() is appropriate here because this is a startup
	// operation that runs before any request context exists.
	manager.bootstrapUsers(context.Background())
	return manager
}

func (a *AuthManager) Register(req domain.RegisterRequest) error {
	a.bootstrapUsers(context.Background())
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return fmt.Errorf("a valid email is required")
	}
	if strings.TrimSpace(req.Password) == "" || len(req.Password) < 6 {
		return fmt.Errorf("password must be at least 6 characters")
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = email
	}

	a.mu.RLock()
	_, exists := a.users[email]
	a.mu.RUnlock()
	if exists {
		return fmt.Errorf("email already registered")
	}

	now := time.Now().UTC()
	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		return fmt.Errorf("failed to hash password")
	}
	userID := xid.New("user")

	if a.userStore != nil {
		err := a.userStore.CreateUser(context.Background(), domain.UserAccount{
			ID:          userID,
			Email:       email,
			DisplayName: displayName,
			Password:    passwordHash,
			Active:      true,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.users[email] = credential{
		userID:      userID,
		displayName: displayName,
		password:    passwordHash,
		active:      true,
		created:     now,
	}
	a.mu.Unlock()

	return nil
}

func (a *AuthManager) Login(req domain.LoginRequest) (domain.TokenPair, error) {
	// TODO: bootstrapUsers is called on every login to pick up accounts
	// added outside this process; it should use a bounded context rather
	// than context.Background() so a slow user store cannot hang logins.
	a.bootstrapUsers(context.Background())
	email := strings.ToLower(strings.TrimSpace(req.Email))

	a.mu.RLock()
	cred, ok := a.users[email]
	a.mu.RUnlock()
	if !ok {
		return domain.TokenPair{}, errors.New("invalid credentials")
	}

	if !verifyPassword(cred.password, req.Password) {
		return domain.TokenPair{}, errors.New("invalid credentials")
	}
	if !cred.active {
		return domain.TokenPair{}, errors.New("account is inactive")
	}

	return a.issuePair(cred.userID, email)
}

// Refresh exchanges a live refresh token for a new pair. The presented
// token is revoked so it cannot be replayed.
func (a *AuthManager) Refresh(refreshToken string) (domain.TokenPair, error) {
	claims, err := a.parse(refreshToken, "refresh")
	if err != nil {
		return domain.TokenPair{}, err
	}

	a.mu.Lock()
	if _, spent := a.revoked[claims.ID]; spent {
		a.mu.Unlock()
		return domain.TokenPair{}, errors.New("refresh token revoked")
	}
	a.revoked[claims.ID] = struct{}{}
	a.mu.Unlock()

	return a.issuePair(claims.Subject, claims.Email)
}

// Logout revokes a refresh token. The paired access token stays valid
// until its short expiry.
func (a *AuthManager) Logout(refreshToken string) error {
	claims, err := a.parse(refreshToken, "refresh")
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.revoked[claims.ID] = struct{}{}
	a.mu.Unlock()
	return nil
}

// ParseToken validates an access token and returns the actor it carries.
func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims, err := a.parse(tokenStr, "access")
	if err != nil {
		return domain.Actor{}, err
	}
	return domain.Actor{UserID: claims.Subject, Email: claims.Email}, nil
}

func (a *AuthManager) issuePair(userID string, email string) (domain.TokenPair, error) {
	now := time.Now().UTC()
	accessExpiry := now.Add(a.accessTTL)

	access, err := a.sign(userID, email, "access", now, accessExpiry)
	if err != nil {
		return domain.TokenPair{}, err
	}
	refresh, err := a.sign(userID, email, "refresh", now, now.Add(a.refreshTTL))
	if err != nil {
		return domain.TokenPair{}, err
	}

	return domain.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    accessExpiry.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) sign(userID string, email string, use string, issuedAt time.Time, expiresAt time.Time) (string, error) {
	claims := ledgerClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        xid.New("tok"),
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(issuedAt),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "chillitrade",
		},
		Email:    email,
		TokenUse: use,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AuthManager) parse(tokenStr string, use string) (*ledgerClaims, error) {
	claims := &ledgerClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, errors.New("invalid or expired token")
	}
	if claims.Subject == "" {
		return nil, errors.New("invalid token subject")
	}
	if claims.TokenUse != use {
		return nil, fmt.Errorf("%s token required", use)
	}
	return claims, nil
}

// bootstrapUsers loads accounts from the user store into the in-memory
// credential cache. Legacy plain-text passwords are upgraded to bcrypt
// hashes in the store on the way through.
func (a *AuthManager) bootstrapUsers(ctx context.Context) {
	if a.userStore == nil {
		return
	}

	users, err := a.userStore.ListUsers(ctx)
	if err != nil || len(users) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, user := range users {
		email := strings.ToLower(strings.TrimSpace(user.Email))
		if email == "" {
			continue
		}
		if user.ID == "" {
			// Accounts created before ids were introduced key on email.
			user.ID = email
		}
		password := user.Password
		if !isPasswordHash(password) {
			hashed, err := hashPassword(password)
			if err == nil {
				password = hashed
				_ = a.userStore.UpdateUserPassword(ctx, email, hashed)
			}
		}
		a.users[email] = credential{
			userID:      user.ID,
			displayName: user.DisplayName,
			password:    password,
			active:      user.Active,
			created:     user.CreatedAt,
		}
	}
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
