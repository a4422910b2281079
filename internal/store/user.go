package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/pavelanni/tefprep/internal/model"
)

const userColumns = `id, email, display_name, role, plan, plan_expires_at, created_at`

func scanUser(row rowScanner) (model.User, error) {
	var (
		u         model.User
		expiresAt sql.NullInt64
		createdAt int64
	)
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.Role, &u.Plan, &expiresAt, &createdAt)
	if err != nil {
		return u, err
	}
	u.PlanExpiresAt = fromNullUnix(expiresAt)
	u.CreatedAt = fromUnix(createdAt)
	return u, nil
}

// EnsureUser records a user seen for the first time on a verified token. A
// new row starts on the free plan expiring at u.PlanExpiresAt. An existing
// row keeps its subscription; only the profile fields are refreshed.
func (s *Store) EnsureUser(ctx context.Context, u model.User) (*model.User, error) {
	if u.Role == "" {
		u.Role = model.UserRoleStudent
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, display_name, role, plan, plan_expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, role = EXCLUDED.role`,
		u.ID, u.Email, u.DisplayName, u.Role, model.PlanFree, nullUnix(u.PlanExpiresAt), unix(time.Now()),
	)
	if err != nil {
		slog.Error("failed to ensure user", "id", u.ID, "error", err)
		return nil, err
	}
	return s.GetUserByID(ctx, u.ID)
}

// GetUserByID returns a user by ID, or nil if unknown.
func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns all users.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetSubscription replaces a user's plan and expiry, creating the user row
// if it does not exist yet.
func (s *Store) SetSubscription(ctx context.Context, userID string, plan model.Plan, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, plan, plan_expires_at, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET plan = EXCLUDED.plan, plan_expires_at = EXCLUDED.plan_expires_at`,
		userID, plan, unix(expiresAt), unix(time.Now()),
	)
	if err != nil {
		return err
	}
	slog.Info("updated subscription", "user_id", userID, "plan", plan, "expires_at", expiresAt)
	return nil
}
