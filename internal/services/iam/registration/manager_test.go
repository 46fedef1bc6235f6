package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	apperrors "github.com/louisbranch/iam/internal/platform/errors"
	"github.com/louisbranch/iam/internal/services/iam/audit"
	"github.com/louisbranch/iam/internal/services/iam/passkey"
	"github.com/louisbranch/iam/internal/services/iam/session"
	"github.com/louisbranch/iam/internal/services/iam/storage"
	"github.com/louisbranch/iam/internal/services/iam/storage/sqlite"
	"github.com/louisbranch/iam/internal/services/iam/user"
)

type fakeProtocol struct {
	mu        sync.Mutex
	begun     []passkey.Account
	finishErr error
	finished  int
}

func (f *fakeProtocol) BeginRegistration(account passkey.Account) (json.RawMessage, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begun = append(f.begun, account)
	return json.RawMessage(`{"publicKey":{"challenge":"c"}}`), []byte("state-" + account.UserID), nil
}

func (f *fakeProtocol) FinishRegistration(account passkey.Account, state []byte, response []byte) (passkey.VerifiedCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finishErr != nil {
		return passkey.VerifiedCredential{}, f.finishErr
	}
	if string(state) != "state-"+account.UserID {
		return passkey.VerifiedCredential{}, fmt.Errorf("unexpected state %q", state)
	}
	f.finished++
	payload, err := passkey.EncodeCredential(webauthn.Credential{ID: []byte("cred-" + account.UserID)})
	if err != nil {
		return passkey.VerifiedCredential{}, err
	}
	return passkey.VerifiedCredential{
		ID:             "cred-" + account.UserID,
		SignCount:      0,
		CredentialJSON: payload,
	}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []audit.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event audit.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type fixture struct {
	store     *sqlite.Store
	protocol  *fakeProtocol
	authority *session.Authority
	manager   *Manager
	events    *recordingPublisher
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "iam.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:    store,
		protocol: &fakeProtocol{},
		events:   &recordingPublisher{},
		now:      time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.authority = session.NewAuthority(store, store, session.DefaultConfig(), session.WithClock(clock))
	f.manager = NewManager(store, store, f.protocol, f.authority,
		WithClock(clock),
		WithAudit(audit.NewRecorder(f.events, nil)),
	)
	return f
}

func TestRegisterAndValidateSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.manager.Start(ctx, "Alice@Example.com", "Alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.PendingID == "" || len(started.Options) == 0 {
		t.Fatalf("unexpected start result: %+v", started)
	}
	if !started.ExpiresAt.Equal(f.now.Add(DefaultCeremonyTTL)) {
		t.Fatalf("unexpected expiry %v", started.ExpiresAt)
	}

	finished, err := f.manager.Finish(ctx, FinishInput{PendingID: started.PendingID, Response: []byte(`{}`)})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if finished.User.Email != "alice@example.com" {
		t.Fatalf("unexpected email %q", finished.User.Email)
	}

	view, err := f.authority.Validate(ctx, finished.Session.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	stored, err := f.store.GetUser(ctx, view.UserID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if stored.Email != "alice@example.com" || stored.DisplayName != "Alice" {
		t.Fatalf("unexpected user %+v", stored)
	}

	passkeys, err := f.store.ListPasskeys(ctx, stored.ID)
	if err != nil {
		t.Fatalf("list passkeys: %v", err)
	}
	if len(passkeys) != 1 || passkeys[0].CredentialID != "cred-"+stored.ID {
		t.Fatalf("unexpected passkeys %+v", passkeys)
	}
	if _, err := passkey.DecodeCredential(passkeys[0].CredentialJSON); err != nil {
		t.Fatalf("decode stored credential: %v", err)
	}

	if len(f.events.events) != 1 || f.events.events[0].Type != audit.EventUserRegistered {
		t.Fatalf("expected registration event, got %+v", f.events.events)
	}
}

func TestStartValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Start(ctx, "not-an-email", "Alice"); !apperrors.HasCode(err, apperrors.CodeInvalidEmail) {
		t.Fatalf("expected invalid email, got %v", err)
	}
	if _, err := f.manager.Start(ctx, "alice@example.com", "   "); !apperrors.HasCode(err, apperrors.CodeInvalidDisplayName) {
		t.Fatalf("expected invalid display name, got %v", err)
	}
	if len(f.protocol.begun) != 0 {
		t.Fatal("expected no ceremony for invalid input")
	}
}

func TestStartRejectsRegisteredEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.manager.Start(ctx, "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.manager.Finish(ctx, FinishInput{PendingID: started.PendingID, Response: []byte(`{}`)}); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if _, err := f.manager.Start(ctx, "ALICE@example.com", "Alice"); !errors.Is(err, ErrEmailAlreadyRegistered) {
		t.Fatalf("expected email already registered, got %v", err)
	}
}

func TestFinishConsumesCeremonyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.manager.Start(ctx, "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.manager.Finish(ctx, FinishInput{PendingID: started.PendingID, Response: []byte(`{}`), Email: "alice@example.com"}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := f.manager.Finish(ctx, FinishInput{PendingID: started.PendingID, Response: []byte(`{}`)}); !apperrors.HasCode(err, apperrors.CodeCeremonyNotFound) {
		t.Fatalf("expected ceremony not found, got %v", err)
	}
	if _, err := f.manager.Finish(ctx, FinishInput{PendingID: "", Response: []byte(`{}`)}); !errors.Is(err, ErrCeremonyNotFound) {
		t.Fatalf("expected ceremony not found for empty id, got %v", err)
	}
}

func TestFinishRejectsExpiredCeremony(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.manager.Start(ctx, "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.now = f.now.Add(DefaultCeremonyTTL)
	if _, err := f.manager.Finish(ctx, FinishInput{PendingID: started.PendingID, Response: []byte(`{}`)}); !errors.Is(err, ErrCeremonyNotFound) {
		t.Fatalf("expected expired ceremony not found, got %v", err)
	}
	if f.protocol.finished != 0 {
		t.Fatal("expected adapter not to run for expired ceremony")
	}
}

func TestRestartReplacesCeremony(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.Start(ctx, "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	second, err := f.manager.Start(ctx, "alice@example.com", "Alice B")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}

	if _, err := f.manager.Finish(ctx, FinishInput{PendingID: first.PendingID, Response: []byte(`{}`)}); !errors.Is(err, ErrCeremonyNotFound) {
		t.Fatalf("expected replaced ceremony not found, got %v", err)
	}
	finished, err := f.manager.Finish(ctx, FinishInput{PendingID: second.PendingID, Response: []byte(`{}`)})
	if err != nil {
		t.Fatalf("finish second: %v", err)
	}
	if finished.User.DisplayName != "Alice B" {
		t.Fatalf("unexpected display name %q", finished.User.DisplayName)
	}
}

func TestFinishRejectsEmailMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.manager.Start(ctx, "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.manager.Finish(ctx, FinishInput{PendingID: started.PendingID, Response: []byte(`{}`), Email: "mallory@example.com"}); !errors.Is(err, ErrEmailMismatch) {
		t.Fatalf("expected email mismatch, got %v", err)
	}
	if _, err := f.manager.Finish(ctx, FinishInput{PendingID: started.PendingID, Response: []byte(`{}`)}); !errors.Is(err, ErrCeremonyNotFound) {
		t.Fatalf("expected ceremony consumed after mismatch, got %v", err)
	}
}

func TestFinishMapsProtocolFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.manager.Start(ctx, "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.protocol.finishErr = &passkey.ProtocolError{Kind: passkey.KindChallengeMismatch, Err: errors.New("challenge")}

	_, err = f.manager.Finish(ctx, FinishInput{PendingID: started.PendingID, Response: []byte(`{}`)})
	if !apperrors.HasCode(err, apperrors.CodePasskeyVerificationFailed) {
		t.Fatalf("expected verification failure, got %v", err)
	}
	if _, err := f.store.GetUserByEmail(ctx, "alice@example.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no user after failed ceremony, got %v", err)
	}
	if _, err := f.manager.Finish(ctx, FinishInput{PendingID: started.PendingID, Response: []byte(`{}`)}); !errors.Is(err, ErrCeremonyNotFound) {
		t.Fatalf("expected ceremony consumed after failure, got %v", err)
	}
}

func TestFinishLosesEmailRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.manager.Start(ctx, "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	winner := user.User{ID: "winner", Email: "alice@example.com", DisplayName: "Alice", CreatedAt: f.now, UpdatedAt: f.now}
	if err := f.store.CreateUserWithPasskey(ctx, winner, storage.Passkey{
		ID: "pk-winner", UserID: "winner", CredentialID: "cred-winner", CredentialJSON: `{}`, CreatedAt: f.now, UpdatedAt: f.now,
	}); err != nil {
		t.Fatalf("create winner: %v", err)
	}

	if _, err := f.manager.Finish(ctx, FinishInput{PendingID: started.PendingID, Response: []byte(`{}`)}); !errors.Is(err, ErrEmailAlreadyRegistered) {
		t.Fatalf("expected email already registered, got %v", err)
	}
	stored, err := f.store.GetUserByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if stored.ID != "winner" {
		t.Fatalf("expected winner to keep email, got %q", stored.ID)
	}
}

func TestFinishAppliesSubmittedDisplayName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.manager.Start(ctx, "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	finished, err := f.manager.Finish(ctx, FinishInput{PendingID: started.PendingID, Response: []byte(`{}`), DisplayName: "  Alice Liddell "})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if finished.User.DisplayName != "Alice Liddell" {
		t.Fatalf("unexpected display name %q", finished.User.DisplayName)
	}
	if !finished.User.CreatedAt.Equal(f.now) {
		t.Fatalf("expected created at %v, got %v", f.now, finished.User.CreatedAt)
	}
	stored, err := f.store.GetUser(ctx, finished.User.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if stored.DisplayName != "Alice Liddell" {
		t.Fatalf("unexpected stored display name %q", stored.DisplayName)
	}
}

func TestFinishRejectsInvalidDisplayName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.manager.Start(ctx, "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = f.manager.Finish(ctx, FinishInput{PendingID: started.PendingID, Response: []byte(`{}`), DisplayName: "bad\x07name"})
	if !errors.Is(err, user.ErrInvalidDisplayName) {
		t.Fatalf("expected invalid display name, got %v", err)
	}
	if f.protocol.finished != 0 {
		t.Fatal("expected no attestation check for rejected input")
	}
	if _, err := f.store.GetUserByEmail(ctx, "alice@example.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no user, got %v", err)
	}
}
