package store

import (
	"context"
	"errors"

	"chillitrade/backend/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Repository is the persistence boundary for trade sessions and user
// accounts. All session operations are scoped by owner; ListSessions
// returns sessions newest-first.
type Repository interface {
	ListSessions(ctx context.Context, ownerID string) ([]domain.TradeSession, error)
	GetSessionByID(ctx context.Context, ownerID string, sessionID string) (*domain.TradeSession, error)
	InsertSession(ctx context.Context, session domain.TradeSession) (*domain.TradeSession, error)
	UpdateSession(ctx context.Context, session domain.TradeSession) (*domain.TradeSession, error)
	DeleteSession(ctx context.Context, ownerID string, sessionID string) error
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, email string, password string) error
}
