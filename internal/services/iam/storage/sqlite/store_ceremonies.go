package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/iam/internal/services/iam/storage"
)

// PutPendingRegistration stores a registration ceremony, replacing any
// outstanding ceremony for the same email.
func (s *Store) PutPendingRegistration(ctx context.Context, pending storage.PendingRegistration) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := pending.Validate(); err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_registrations WHERE email = ?`, pending.Email); err != nil {
		return fmt.Errorf("replace pending registration: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pending_registrations (id, user_id, email, display_name, state_json, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pending.ID, pending.UserID, pending.Email, pending.DisplayName, pending.State,
		toMillis(pending.CreatedAt), toMillis(pending.ExpiresAt),
	); err != nil {
		return fmt.Errorf("insert pending registration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ConsumePendingRegistration deletes and returns a registration ceremony.
func (s *Store) ConsumePendingRegistration(ctx context.Context, id string, now time.Time) (storage.PendingRegistration, error) {
	if err := s.ready(ctx); err != nil {
		return storage.PendingRegistration{}, err
	}
	if strings.TrimSpace(id) == "" {
		return storage.PendingRegistration{}, storage.ErrNotFound
	}

	var (
		pending   storage.PendingRegistration
		createdAt int64
		expiresAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`DELETE FROM pending_registrations WHERE id = ?
		 RETURNING id, user_id, email, display_name, state_json, created_at, expires_at`,
		id,
	).Scan(&pending.ID, &pending.UserID, &pending.Email, &pending.DisplayName, &pending.State, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PendingRegistration{}, storage.ErrNotFound
		}
		return storage.PendingRegistration{}, fmt.Errorf("consume pending registration: %w", err)
	}
	pending.CreatedAt = fromMillis(createdAt)
	pending.ExpiresAt = fromMillis(expiresAt)
	if !now.Before(pending.ExpiresAt) {
		return storage.PendingRegistration{}, storage.ErrNotFound
	}
	return pending, nil
}

// PutPendingAuthentication stores an authentication ceremony.
func (s *Store) PutPendingAuthentication(ctx context.Context, pending storage.PendingAuthentication) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := pending.Validate(); err != nil {
		return err
	}

	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO pending_authentications (id, kind, email, state_json, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		pending.ID, string(pending.Kind), nullString(pending.Email), pending.State,
		toMillis(pending.CreatedAt), toMillis(pending.ExpiresAt),
	); err != nil {
		return fmt.Errorf("insert pending authentication: %w", err)
	}
	return nil
}

// ConsumePendingAuthentication deletes and returns an authentication ceremony.
func (s *Store) ConsumePendingAuthentication(ctx context.Context, id string, now time.Time) (storage.PendingAuthentication, error) {
	if err := s.ready(ctx); err != nil {
		return storage.PendingAuthentication{}, err
	}
	if strings.TrimSpace(id) == "" {
		return storage.PendingAuthentication{}, storage.ErrNotFound
	}

	var (
		pending   storage.PendingAuthentication
		kind      string
		email     sql.NullString
		createdAt int64
		expiresAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`DELETE FROM pending_authentications WHERE id = ?
		 RETURNING id, kind, email, state_json, created_at, expires_at`,
		id,
	).Scan(&pending.ID, &kind, &email, &pending.State, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PendingAuthentication{}, storage.ErrNotFound
		}
		return storage.PendingAuthentication{}, fmt.Errorf("consume pending authentication: %w", err)
	}
	pending.Kind = storage.AuthenticationKind(kind)
	if email.Valid {
		pending.Email = email.String
	}
	pending.CreatedAt = fromMillis(createdAt)
	pending.ExpiresAt = fromMillis(expiresAt)
	if !now.Before(pending.ExpiresAt) {
		return storage.PendingAuthentication{}, storage.ErrNotFound
	}
	return pending, nil
}

// DeleteExpiredCeremonies removes pending ceremonies expired at now.
func (s *Store) DeleteExpiredCeremonies(ctx context.Context, now time.Time) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}

	var total int64
	for _, table := range []string{"pending_registrations", "pending_authentications"} {
		result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at <= ?`, toMillis(now))
		if err != nil {
			return total, fmt.Errorf("delete expired %s: %w", table, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("delete expired %s rows affected: %w", table, err)
		}
		total += affected
	}
	return total, nil
}
