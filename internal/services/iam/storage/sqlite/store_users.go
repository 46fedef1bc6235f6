package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/iam/internal/services/iam/storage"
	"github.com/louisbranch/iam/internal/services/iam/user"
)

const userColumns = `id, email, display_name, created_at, updated_at`

// CreateUserWithPasskey inserts a user and its first passkey atomically.
func (s *Store) CreateUserWithPasskey(ctx context.Context, u user.User, passkey storage.Passkey) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(u.Email) == "" {
		return fmt.Errorf("email is required")
	}
	if strings.TrimSpace(passkey.ID) == "" {
		return fmt.Errorf("passkey id is required")
	}
	if strings.TrimSpace(passkey.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(passkey.CredentialJSON) == "" {
		return fmt.Errorf("credential json is required")
	}
	if passkey.UserID != u.ID {
		return fmt.Errorf("passkey user id %q does not match user %q", passkey.UserID, u.ID)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.DisplayName, toMillis(u.CreatedAt), toMillis(u.UpdatedAt),
	); err != nil {
		if isUniqueViolation(err, "users.email") {
			return storage.ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO passkeys (`+passkeyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		passkey.ID, passkey.UserID, passkey.CredentialID, passkey.CredentialJSON, int64(passkey.SignCount),
		toMillis(passkey.CreatedAt), toMillis(passkey.UpdatedAt), nullMillis(passkey.LastUsedAt),
	); err != nil {
		if isUniqueViolation(err, "passkeys.credential_id") {
			return storage.ErrCredentialExists
		}
		return fmt.Errorf("insert passkey: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, userID string) (user.User, error) {
	if err := s.ready(ctx); err != nil {
		return user.User{}, err
	}
	if strings.TrimSpace(userID) == "" {
		return user.User{}, fmt.Errorf("user id is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
	return scanUser(row.Scan)
}

// GetUserByEmail fetches a user by canonical email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	if err := s.ready(ctx); err != nil {
		return user.User{}, err
	}
	if strings.TrimSpace(email) == "" {
		return user.User{}, fmt.Errorf("email is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	return scanUser(row.Scan)
}

// DeleteUser removes a user; passkeys, tag links and sessions cascade.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanUser(scan func(dest ...any) error) (user.User, error) {
	var (
		u         user.User
		createdAt int64
		updatedAt int64
	)
	if err := scan(&u.ID, &u.Email, &u.DisplayName, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.User{}, storage.ErrNotFound
		}
		return user.User{}, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return u, nil
}
