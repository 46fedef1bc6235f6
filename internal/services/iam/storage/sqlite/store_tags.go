package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/iam/internal/platform/id"
	"github.com/louisbranch/iam/internal/services/iam/storage"
	"github.com/louisbranch/iam/internal/services/iam/user"
)

// EnsureTag returns the tag with name, creating it when missing.
func (s *Store) EnsureTag(ctx context.Context, name string, now time.Time) (user.Tag, error) {
	if err := s.ready(ctx); err != nil {
		return user.Tag{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return user.Tag{}, fmt.Errorf("tag name is required")
	}

	tagID, err := id.NewID()
	if err != nil {
		return user.Tag{}, err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO tags (id, name, created_at) VALUES (?, ?, ?) ON CONFLICT(name) DO NOTHING`,
		tagID, name, toMillis(now),
	); err != nil {
		return user.Tag{}, fmt.Errorf("insert tag: %w", err)
	}

	var (
		tag       user.Tag
		createdAt int64
	)
	if err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM tags WHERE name = ?`, name,
	).Scan(&tag.ID, &tag.Name, &createdAt); err != nil {
		return user.Tag{}, fmt.Errorf("get tag: %w", err)
	}
	tag.CreatedAt = fromMillis(createdAt)
	return tag, nil
}

// AddUserTag links a user to a tag. Adding an existing link is a no-op.
func (s *Store) AddUserTag(ctx context.Context, userID string, tagID string, now time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(tagID) == "" {
		return fmt.Errorf("tag id is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO user_tags (user_id, tag_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, tag_id) DO NOTHING`,
		userID, tagID, toMillis(now),
	); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed") {
			return storage.ErrNotFound
		}
		return fmt.Errorf("add user tag: %w", err)
	}
	return nil
}

// ListUserTags returns the tags held by a user ordered by name.
func (s *Store) ListUserTags(ctx context.Context, userID string) ([]user.Tag, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT t.id, t.name, t.created_at
		 FROM tags t JOIN user_tags ut ON ut.tag_id = t.id
		 WHERE ut.user_id = ?
		 ORDER BY t.name`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list user tags: %w", err)
	}
	defer rows.Close()

	tags := make([]user.Tag, 0)
	for rows.Next() {
		var (
			tag       user.Tag
			createdAt int64
		)
		if err := rows.Scan(&tag.ID, &tag.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scan user tag: %w", err)
		}
		tag.CreatedAt = fromMillis(createdAt)
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list user tags: %w", err)
	}
	return tags, nil
}

// UserHasTag reports whether the user currently holds the named tag.
func (s *Store) UserHasTag(ctx context.Context, userID string, name string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if strings.TrimSpace(userID) == "" {
		return false, fmt.Errorf("user id is required")
	}

	var exists int
	if err := s.sqlDB.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM user_tags ut JOIN tags t ON t.id = ut.tag_id
			WHERE ut.user_id = ? AND t.name = ?
		)`,
		userID, name,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check user tag: %w", err)
	}
	return exists == 1, nil
}
