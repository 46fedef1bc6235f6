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

const sessionColumns = `id_hash, user_id, state, scope, parent_id_hash, created_at, updated_at, expires_at`

type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PutSession inserts a new session row.
func (s *Store) PutSession(ctx context.Context, session storage.Session) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return putSession(ctx, s.sqlDB, session)
}

func putSession(ctx context.Context, exec execContexter, session storage.Session) error {
	if strings.TrimSpace(session.IDHash) == "" {
		return fmt.Errorf("session id hash is required")
	}
	if strings.TrimSpace(session.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if session.State == "" {
		session.State = storage.SessionActive
	}
	if session.Scope == "" {
		session.Scope = storage.ScopeStandard
	}

	if _, err := exec.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.IDHash, session.UserID, string(session.State), string(session.Scope),
		nullString(session.ParentIDHash),
		toMillis(session.CreatedAt), toMillis(session.UpdatedAt), toMillis(session.ExpiresAt),
	); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed") {
			return storage.ErrNotFound
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession fetches a session by token hash.
func (s *Store) GetSession(ctx context.Context, idHash string) (storage.Session, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Session{}, err
	}
	if strings.TrimSpace(idHash) == "" {
		return storage.Session{}, storage.ErrNotFound
	}

	var (
		session   storage.Session
		state     string
		scope     string
		parent    sql.NullString
		createdAt int64
		updatedAt int64
		expiresAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id_hash = ?`, idHash,
	).Scan(&session.IDHash, &session.UserID, &state, &scope, &parent, &createdAt, &updatedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Session{}, storage.ErrNotFound
		}
		return storage.Session{}, fmt.Errorf("get session: %w", err)
	}
	session.State = storage.SessionState(state)
	session.Scope = storage.SessionScope(scope)
	if parent.Valid {
		session.ParentIDHash = parent.String
	}
	session.CreatedAt = fromMillis(createdAt)
	session.UpdatedAt = fromMillis(updatedAt)
	session.ExpiresAt = fromMillis(expiresAt)
	return session, nil
}

// SupersedeSession retires currentHash and inserts next in one transaction.
func (s *Store) SupersedeSession(ctx context.Context, currentHash string, next storage.Session, now time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(currentHash) == "" {
		return storage.ErrSessionNotActive
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET state = ?, updated_at = ?
		 WHERE id_hash = ? AND state = ? AND expires_at > ?`,
		string(storage.SessionSuperseded), toMillis(now),
		currentHash, string(storage.SessionActive), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("supersede session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("supersede session rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrSessionNotActive
	}

	if err := putSession(ctx, tx, next); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// EndSession moves an active session into a terminal state.
func (s *Store) EndSession(ctx context.Context, idHash string, state storage.SessionState, now time.Time) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	switch state {
	case storage.SessionRevoked, storage.SessionLoggedOut:
	default:
		return false, fmt.Errorf("session cannot end in state %q", state)
	}
	if strings.TrimSpace(idHash) == "" {
		return false, nil
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE sessions SET state = ?, updated_at = ? WHERE id_hash = ? AND state = ?`,
		string(state), toMillis(now), idHash, string(storage.SessionActive),
	)
	if err != nil {
		return false, fmt.Errorf("end session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("end session rows affected: %w", err)
	}
	return affected == 1, nil
}

// RevokeUserSessions revokes every active session held by a user.
func (s *Store) RevokeUserSessions(ctx context.Context, userID string, now time.Time) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	if strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("user id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE sessions SET state = ?, updated_at = ? WHERE user_id = ? AND state = ?`,
		string(storage.SessionRevoked), toMillis(now), userID, string(storage.SessionActive),
	)
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions rows affected: %w", err)
	}
	return affected, nil
}

// DeleteExpiredSessions removes sessions that expired before the cutoff.
func (s *Store) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions rows affected: %w", err)
	}
	return affected, nil
}
