package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/iam/internal/services/iam/storage"
)

func pendingRegistration(id, email string) storage.PendingRegistration {
	return storage.PendingRegistration{
		ID:          id,
		UserID:      "future-" + id,
		Email:       email,
		DisplayName: "Alice",
		State:       []byte(`{"challenge":"` + id + `"}`),
		CreatedAt:   baseTime,
		ExpiresAt:   baseTime.Add(5 * time.Minute),
	}
}

func TestConsumePendingRegistrationOnce(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	if err := store.PutPendingRegistration(ctx, pendingRegistration("reg-1", "alice@example.com")); err != nil {
		t.Fatalf("put pending registration: %v", err)
	}

	got, err := store.ConsumePendingRegistration(ctx, "reg-1", baseTime.Add(time.Minute))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.UserID != "future-reg-1" || got.Email != "alice@example.com" || string(got.State) != `{"challenge":"reg-1"}` {
		t.Fatalf("unexpected pending registration: %+v", got)
	}

	if _, err := store.ConsumePendingRegistration(ctx, "reg-1", baseTime.Add(time.Minute)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on second consume, got %v", err)
	}
}

func TestConsumePendingRegistrationExpired(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	if err := store.PutPendingRegistration(ctx, pendingRegistration("reg-1", "alice@example.com")); err != nil {
		t.Fatalf("put pending registration: %v", err)
	}
	if _, err := store.ConsumePendingRegistration(ctx, "reg-1", baseTime.Add(5*time.Minute)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected expired row to read as not found, got %v", err)
	}
	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM pending_registrations`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected expired row consumed, found %d", count)
	}
}

func TestPutPendingRegistrationReplacesPerEmail(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	if err := store.PutPendingRegistration(ctx, pendingRegistration("reg-1", "alice@example.com")); err != nil {
		t.Fatalf("put first: %v", err)
	}
	if err := store.PutPendingRegistration(ctx, pendingRegistration("reg-2", "alice@example.com")); err != nil {
		t.Fatalf("put second: %v", err)
	}

	now := baseTime.Add(time.Minute)
	if _, err := store.ConsumePendingRegistration(ctx, "reg-1", now); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected replaced row to be gone, got %v", err)
	}
	if _, err := store.ConsumePendingRegistration(ctx, "reg-2", now); err != nil {
		t.Fatalf("consume replacement: %v", err)
	}
}

func TestPutPendingRegistrationValidates(t *testing.T) {
	store := openTempStore(t)
	pending := pendingRegistration("reg-1", "alice@example.com")
	pending.State = nil
	if err := store.PutPendingRegistration(context.Background(), pending); err == nil {
		t.Fatal("expected error for missing state")
	}
}

func TestConsumePendingRegistrationConcurrent(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	if err := store.PutPendingRegistration(ctx, pendingRegistration("reg-1", "alice@example.com")); err != nil {
		t.Fatalf("put pending registration: %v", err)
	}

	const finishers = 6
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < finishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumePendingRegistration(ctx, "reg-1", baseTime.Add(time.Minute))
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one consumer, got %d", wins)
	}
}

func TestPendingAuthenticationKinds(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := baseTime.Add(time.Minute)

	targeted := storage.PendingAuthentication{
		ID:        "auth-1",
		Kind:      storage.AuthenticationTargeted,
		Email:     "alice@example.com",
		State:     []byte(`{}`),
		CreatedAt: baseTime,
		ExpiresAt: baseTime.Add(5 * time.Minute),
	}
	discoverable := storage.PendingAuthentication{
		ID:        "auth-2",
		Kind:      storage.AuthenticationDiscoverable,
		State:     []byte(`{}`),
		CreatedAt: baseTime,
		ExpiresAt: baseTime.Add(5 * time.Minute),
	}
	for _, pending := range []storage.PendingAuthentication{targeted, discoverable} {
		if err := store.PutPendingAuthentication(ctx, pending); err != nil {
			t.Fatalf("put %s: %v", pending.ID, err)
		}
	}

	got, err := store.ConsumePendingAuthentication(ctx, "auth-1", now)
	if err != nil {
		t.Fatalf("consume targeted: %v", err)
	}
	if got.Kind != storage.AuthenticationTargeted || got.Email != "alice@example.com" {
		t.Fatalf("unexpected targeted row: %+v", got)
	}
	got, err = store.ConsumePendingAuthentication(ctx, "auth-2", now)
	if err != nil {
		t.Fatalf("consume discoverable: %v", err)
	}
	if got.Kind != storage.AuthenticationDiscoverable || got.Email != "" {
		t.Fatalf("unexpected discoverable row: %+v", got)
	}
	if _, err := store.ConsumePendingAuthentication(ctx, "auth-2", now); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on second consume, got %v", err)
	}
}

func TestPutPendingAuthenticationRejectsKindMismatch(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	cases := []storage.PendingAuthentication{
		{ID: "a", Kind: storage.AuthenticationTargeted, State: []byte(`{}`), ExpiresAt: baseTime},
		{ID: "b", Kind: storage.AuthenticationDiscoverable, Email: "x@example.com", State: []byte(`{}`), ExpiresAt: baseTime},
		{ID: "c", Kind: "other", State: []byte(`{}`), ExpiresAt: baseTime},
	}
	for _, pending := range cases {
		if err := store.PutPendingAuthentication(ctx, pending); err == nil {
			t.Fatalf("expected error for %+v", pending)
		}
	}
}

func TestDeleteExpiredCeremonies(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	expired := pendingRegistration("reg-1", "old@example.com")
	expired.ExpiresAt = baseTime
	live := pendingRegistration("reg-2", "new@example.com")
	for _, pending := range []storage.PendingRegistration{expired, live} {
		if err := store.PutPendingRegistration(ctx, pending); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := store.PutPendingAuthentication(ctx, storage.PendingAuthentication{
		ID: "auth-1", Kind: storage.AuthenticationDiscoverable, State: []byte(`{}`), CreatedAt: baseTime, ExpiresAt: baseTime,
	}); err != nil {
		t.Fatalf("put auth: %v", err)
	}

	deleted, err := store.DeleteExpiredCeremonies(ctx, baseTime.Add(time.Second))
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}
	if _, err := store.ConsumePendingRegistration(ctx, "reg-2", baseTime.Add(time.Second)); err != nil {
		t.Fatalf("expected live row to survive: %v", err)
	}
}
