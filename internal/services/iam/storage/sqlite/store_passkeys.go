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

const passkeyColumns = `id, user_id, credential_id, credential_json, sign_count, created_at, updated_at, last_used_at`

// GetPasskey fetches a passkey by credential id.
func (s *Store) GetPasskey(ctx context.Context, credentialID string) (storage.Passkey, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Passkey{}, err
	}
	if strings.TrimSpace(credentialID) == "" {
		return storage.Passkey{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+passkeyColumns+` FROM passkeys WHERE credential_id = ?`, credentialID)
	passkey, err := scanPasskey(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Passkey{}, storage.ErrNotFound
		}
		return storage.Passkey{}, fmt.Errorf("get passkey: %w", err)
	}
	return passkey, nil
}

// ListPasskeys returns a user's passkeys in creation order.
func (s *Store) ListPasskeys(ctx context.Context, userID string) ([]storage.Passkey, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+passkeyColumns+` FROM passkeys WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list passkeys: %w", err)
	}
	defer rows.Close()

	passkeys := make([]storage.Passkey, 0)
	for rows.Next() {
		passkey, err := scanPasskey(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan passkey: %w", err)
		}
		passkeys = append(passkeys, passkey)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list passkeys: %w", err)
	}
	return passkeys, nil
}

// RecordPasskeyUse advances the signature counter with a conditional update.
func (s *Store) RecordPasskeyUse(ctx context.Context, credentialID string, signCount uint32, credentialJSON string, usedAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credentialJSON) == "" {
		return fmt.Errorf("credential json is required")
	}

	count := int64(signCount)
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE passkeys
		 SET sign_count = ?, credential_json = ?, updated_at = ?, last_used_at = ?
		 WHERE credential_id = ? AND (sign_count < ? OR (sign_count = 0 AND ? = 0))`,
		count, credentialJSON, toMillis(usedAt), toMillis(usedAt),
		credentialID, count, count,
	)
	if err != nil {
		return fmt.Errorf("record passkey use: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("record passkey use rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	if _, err := s.GetPasskey(ctx, credentialID); err != nil {
		return err
	}
	return storage.ErrCounterRegression
}

// DeletePasskey removes a passkey.
func (s *Store) DeletePasskey(ctx context.Context, credentialID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM passkeys WHERE credential_id = ?`, credentialID)
	if err != nil {
		return fmt.Errorf("delete passkey: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete passkey rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanPasskey(scan func(dest ...any) error) (storage.Passkey, error) {
	var (
		passkey   storage.Passkey
		signCount int64
		createdAt int64
		updatedAt int64
		lastUsed  sql.NullInt64
	)
	if err := scan(
		&passkey.ID,
		&passkey.UserID,
		&passkey.CredentialID,
		&passkey.CredentialJSON,
		&signCount,
		&createdAt,
		&updatedAt,
		&lastUsed,
	); err != nil {
		return storage.Passkey{}, err
	}
	passkey.SignCount = uint32(signCount)
	passkey.CreatedAt = fromMillis(createdAt)
	passkey.UpdatedAt = fromMillis(updatedAt)
	if lastUsed.Valid {
		value := fromMillis(lastUsed.Int64)
		passkey.LastUsedAt = &value
	}
	return passkey, nil
}
