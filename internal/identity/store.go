package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/convertica/convertica/internal/database"
)

// ErrUnknownKey is returned when an API key matches no user.
var ErrUnknownKey = errors.New("unknown api key")

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
    id               TEXT PRIMARY KEY,
    api_key          TEXT NOT NULL UNIQUE,
    is_premium       BOOLEAN NOT NULL DEFAULT FALSE,
    subscription_end TEXT
);
`

// Store looks users up by API key. The table is owned by the account
// service; this package only reads it (Save exists for seeding and tests).
type Store struct {
	db *database.DB
}

// NewStore wraps db and makes sure the users table exists.
func NewStore(ctx context.Context, db *database.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, usersSchema); err != nil {
		return nil, fmt.Errorf("migrate users: %w", err)
	}
	return &Store{db: db}, nil
}

// Lookup returns the user owning apiKey.
func (s *Store) Lookup(ctx context.Context, apiKey string) (*User, error) {
	var (
		u   User
		end sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		s.db.Rebind("SELECT id, is_premium, subscription_end FROM users WHERE api_key = ?"),
		apiKey,
	).Scan(&u.ID, &u.IsPremium, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownKey
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if end.Valid && end.String != "" {
		t := database.ParseTime(end.String)
		u.SubscriptionEnd = &t
	}
	return &u, nil
}

// Save inserts or replaces a user.
func (s *Store) Save(ctx context.Context, u User, apiKey string) error {
	var end any
	if u.SubscriptionEnd != nil {
		end = database.FormatTime(*u.SubscriptionEnd)
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (id, api_key, is_premium, subscription_end)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			api_key = excluded.api_key,
			is_premium = excluded.is_premium,
			subscription_end = excluded.subscription_end`),
		u.ID, apiKey, u.IsPremium, end,
	)
	if err != nil {
		return fmt.Errorf("save user %s: %w", u.ID, err)
	}
	return nil
}
