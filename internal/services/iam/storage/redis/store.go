package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/iam/internal/services/iam/storage"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "iam:ceremony:"
	maxRetries       = 3
	initialBackoff   = 100 * time.Millisecond
)

// Client is the subset of the go-redis client the store uses.
type Client interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	SetArgs(ctx context.Context, key string, value any, a goredis.SetArgs) *goredis.StatusCmd
	GetDel(ctx context.Context, key string) *goredis.StringCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Close() error
}

// Config selects the Redis instance backing pending ceremonies.
type Config struct {
	Addr     string `env:"IAM_REDIS_ADDR"`
	DB       int    `env:"IAM_REDIS_DB" envDefault:"0"`
	Password string `env:"IAM_REDIS_PASSWORD"`
}

// Store keeps pending ceremonies as TTL-bound JSON values.
type Store struct {
	client Client
	prefix string
}

// Open connects to Redis using cfg.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	if _, err := retryRedisOperation(ctx, func() (string, error) {
		return client.Ping(ctx).Result()
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client Client) *Store {
	return &Store{client: client, prefix: defaultKeyPrefix}
}

// Close releases the client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

type registrationRecord struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	State       []byte `json:"state"`
	CreatedAt   int64  `json:"created_at"`
	ExpiresAt   int64  `json:"expires_at"`
}

type authenticationRecord struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Email     string `json:"email,omitempty"`
	State     []byte `json:"state"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func (s *Store) registrationKey(id string) string { return s.prefix + "reg:" + id }

func (s *Store) registrationEmailKey(email string) string { return s.prefix + "reg-email:" + email }

func (s *Store) authenticationKey(id string) string { return s.prefix + "auth:" + id }

// PutPendingRegistration stores a registration ceremony and points the
// per-email index at it. The ceremony the index pointed at before is deleted.
func (s *Store) PutPendingRegistration(ctx context.Context, pending storage.PendingRegistration) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := pending.Validate(); err != nil {
		return err
	}
	ttl, err := ceremonyTTL(pending.CreatedAt, pending.ExpiresAt)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(registrationRecord{
		ID:          pending.ID,
		UserID:      pending.UserID,
		Email:       pending.Email,
		DisplayName: pending.DisplayName,
		State:       pending.State,
		CreatedAt:   pending.CreatedAt.UTC().UnixMilli(),
		ExpiresAt:   pending.ExpiresAt.UTC().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode pending registration: %w", err)
	}

	if _, err := retryRedisOperation(ctx, func() (string, error) {
		return s.client.Set(ctx, s.registrationKey(pending.ID), payload, ttl).Result()
	}); err != nil {
		return fmt.Errorf("store pending registration: %w", err)
	}

	previous, err := s.client.SetArgs(ctx, s.registrationEmailKey(pending.Email), pending.ID, goredis.SetArgs{
		TTL: ttl,
		Get: true,
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("index pending registration: %w", err)
	}
	if previous != "" && previous != pending.ID {
		if _, err := retryRedisOperation(ctx, func() (int64, error) {
			return s.client.Del(ctx, s.registrationKey(previous)).Result()
		}); err != nil {
			return fmt.Errorf("replace pending registration: %w", err)
		}
	}
	return nil
}

// ConsumePendingRegistration removes and returns a registration ceremony.
func (s *Store) ConsumePendingRegistration(ctx context.Context, id string, now time.Time) (storage.PendingRegistration, error) {
	if err := s.ready(ctx); err != nil {
		return storage.PendingRegistration{}, err
	}
	if strings.TrimSpace(id) == "" {
		return storage.PendingRegistration{}, storage.ErrNotFound
	}

	payload, err := s.client.GetDel(ctx, s.registrationKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return storage.PendingRegistration{}, storage.ErrNotFound
		}
		return storage.PendingRegistration{}, fmt.Errorf("consume pending registration: %w", err)
	}

	var record registrationRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return storage.PendingRegistration{}, fmt.Errorf("decode pending registration: %w", err)
	}
	pending := storage.PendingRegistration{
		ID:          record.ID,
		UserID:      record.UserID,
		Email:       record.Email,
		DisplayName: record.DisplayName,
		State:       record.State,
		CreatedAt:   time.UnixMilli(record.CreatedAt).UTC(),
		ExpiresAt:   time.UnixMilli(record.ExpiresAt).UTC(),
	}
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
	ttl, err := ceremonyTTL(pending.CreatedAt, pending.ExpiresAt)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(authenticationRecord{
		ID:        pending.ID,
		Kind:      string(pending.Kind),
		Email:     pending.Email,
		State:     pending.State,
		CreatedAt: pending.CreatedAt.UTC().UnixMilli(),
		ExpiresAt: pending.ExpiresAt.UTC().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode pending authentication: %w", err)
	}

	if _, err := retryRedisOperation(ctx, func() (string, error) {
		return s.client.Set(ctx, s.authenticationKey(pending.ID), payload, ttl).Result()
	}); err != nil {
		return fmt.Errorf("store pending authentication: %w", err)
	}
	return nil
}

// ConsumePendingAuthentication removes and returns an authentication ceremony.
func (s *Store) ConsumePendingAuthentication(ctx context.Context, id string, now time.Time) (storage.PendingAuthentication, error) {
	if err := s.ready(ctx); err != nil {
		return storage.PendingAuthentication{}, err
	}
	if strings.TrimSpace(id) == "" {
		return storage.PendingAuthentication{}, storage.ErrNotFound
	}

	payload, err := s.client.GetDel(ctx, s.authenticationKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return storage.PendingAuthentication{}, storage.ErrNotFound
		}
		return storage.PendingAuthentication{}, fmt.Errorf("consume pending authentication: %w", err)
	}

	var record authenticationRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return storage.PendingAuthentication{}, fmt.Errorf("decode pending authentication: %w", err)
	}
	pending := storage.PendingAuthentication{
		ID:        record.ID,
		Kind:      storage.AuthenticationKind(record.Kind),
		Email:     record.Email,
		State:     record.State,
		CreatedAt: time.UnixMilli(record.CreatedAt).UTC(),
		ExpiresAt: time.UnixMilli(record.ExpiresAt).UTC(),
	}
	if !now.Before(pending.ExpiresAt) {
		return storage.PendingAuthentication{}, storage.ErrNotFound
	}
	return pending, nil
}

// DeleteExpiredCeremonies is a no-op: Redis expires ceremony keys itself.
func (s *Store) DeleteExpiredCeremonies(ctx context.Context, _ time.Time) (int64, error) {
	return 0, s.ready(ctx)
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.client == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func ceremonyTTL(createdAt, expiresAt time.Time) (time.Duration, error) {
	ttl := expiresAt.Sub(createdAt)
	if createdAt.IsZero() || ttl <= 0 {
		return 0, fmt.Errorf("ceremony expiry must follow creation")
	}
	return ttl, nil
}

// retryRedisOperation runs an idempotent operation with exponential backoff.
// GETDEL is never passed through it.
func retryRedisOperation[T any](ctx context.Context, operation func() (T, error)) (T, error) {
	var (
		lastErr error
		zero    T
	)
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := initialBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, err := operation()
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}
	return zero, fmt.Errorf("redis operation failed after %d retries: %w", maxRetries, lastErr)
}

var _ storage.CeremonyStore = (*Store)(nil)
