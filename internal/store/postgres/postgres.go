package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"chillitrade/backend/internal/domain"
	"chillitrade/backend/internal/store"
	"chillitrade/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListSessions(ctx context.Context, ownerID string) ([]domain.TradeSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, session_name, created_at, total_purchase_amount, total_sale_amount, net_profit, purchases, sales
		FROM trade_sessions
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now().UTC()
	sessions := make([]domain.TradeSession, 0, 32)
	for rows.Next() {
		session, err := scanSession(rows, now)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sessions, nil
}

func (s *Store) GetSessionByID(ctx context.Context, ownerID string, sessionID string) (*domain.TradeSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, session_name, created_at, total_purchase_amount, total_sale_amount, net_profit, purchases, sales
		FROM trade_sessions
		WHERE owner_id = $1 AND id = $2
	`, ownerID, sessionID)

	session, err := scanSession(row, time.Now().UTC())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) InsertSession(ctx context.Context, session domain.TradeSession) (*domain.TradeSession, error) {
	if session.OwnerID == "" || strings.TrimSpace(session.SessionName) == "" {
		return nil, store.ErrInvalidInput
	}
	if session.ID == "" {
		session.ID = xid.New("ses")
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	purchases, sales, err := marshalRecords(session)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trade_sessions (id, owner_id, session_name, created_at, total_purchase_amount, total_sale_amount, net_profit, purchases, sales)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, session.ID, session.OwnerID, session.SessionName, session.CreatedAt,
		session.TotalPurchaseAmount, session.TotalSaleAmount, session.NetProfit, purchases, sales)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	created := session
	return &created, nil
}

func (s *Store) UpdateSession(ctx context.Context, session domain.TradeSession) (*domain.TradeSession, error) {
	if session.ID == "" || session.OwnerID == "" {
		return nil, store.ErrInvalidInput
	}

	purchases, sales, err := marshalRecords(session)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE trade_sessions
		SET session_name = $3, total_purchase_amount = $4, total_sale_amount = $5, net_profit = $6, purchases = $7, sales = $8, updated_at = now()
		WHERE owner_id = $1 AND id = $2
	`, session.OwnerID, session.ID, session.SessionName,
		session.TotalPurchaseAmount, session.TotalSaleAmount, session.NetProfit, purchases, sales)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := session
	return &updated, nil
}

func (s *Store) DeleteSession(ctx context.Context, ownerID string, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM trade_sessions
		WHERE owner_id = $1 AND id = $2
	`, ownerID, sessionID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.Email == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.ID == "" {
		user.ID = xid.New("user")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (id, email, display_name, password, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.ID, user.Email, user.DisplayName, user.Password, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, display_name, password, active, created_at
		FROM app_users
		ORDER BY email ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.ID, &user.Email, &user.DisplayName, &user.Password, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, email string, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE email = $1
	`, email, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanSession decodes one trade_sessions row. The purchases/sales JSONB
// payloads predate several record fields, so legacy defaults are applied
// right after unmarshalling.
func scanSession(row rowScanner, now time.Time) (*domain.TradeSession, error) {
	var session domain.TradeSession
	var purchases, sales []byte
	err := row.Scan(&session.ID, &session.OwnerID, &session.SessionName, &session.CreatedAt,
		&session.TotalPurchaseAmount, &session.TotalSaleAmount, &session.NetProfit, &purchases, &sales)
	if err != nil {
		return nil, err
	}
	session.CreatedAt = session.CreatedAt.UTC()

	if len(purchases) > 0 {
		if err := json.Unmarshal(purchases, &session.Purchases); err != nil {
			return nil, err
		}
	}
	if len(sales) > 0 {
		if err := json.Unmarshal(sales, &session.Sales); err != nil {
			return nil, err
		}
	}
	session.ApplyLegacyDefaults(now)
	return &session, nil
}

func marshalRecords(session domain.TradeSession) ([]byte, []byte, error) {
	if session.Purchases == nil {
		session.Purchases = []domain.TradeRecord{}
	}
	if session.Sales == nil {
		session.Sales = []domain.TradeRecord{}
	}
	purchases, err := json.Marshal(session.Purchases)
	if err != nil {
		return nil, nil, err
	}
	sales, err := json.Marshal(session.Sales)
	if err != nil {
		return nil, nil, err
	}
	return purchases, sales, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
