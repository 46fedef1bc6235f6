package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/iam/internal/platform/errors"
	"github.com/louisbranch/iam/internal/services/iam/audit"
	"github.com/louisbranch/iam/internal/services/iam/storage"
	"github.com/louisbranch/iam/internal/services/iam/storage/sqlite"
	"github.com/louisbranch/iam/internal/services/iam/user"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
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

func (p *recordingPublisher) types() []audit.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]audit.EventType, 0, len(p.events))
	for _, event := range p.events {
		types = append(types, event.Type)
	}
	return types
}

type fixture struct {
	store     *sqlite.Store
	clock     *clock
	authority *Authority
	events    *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "iam.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	c := &clock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	events := &recordingPublisher{}
	authority := NewAuthority(store, store, DefaultConfig(),
		WithClock(c.Now),
		WithAudit(audit.NewRecorder(events, nil)),
	)
	return &fixture{store: store, clock: c, authority: authority, events: events}
}

func (f *fixture) createUser(t *testing.T, id string, admin bool) {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()
	u := user.User{ID: id, Email: id + "@example.com", DisplayName: id, CreatedAt: now, UpdatedAt: now}
	passkey := storage.Passkey{ID: "pk-" + id, UserID: id, CredentialID: "cred-" + id, CredentialJSON: `{}`, CreatedAt: now, UpdatedAt: now}
	if err := f.store.CreateUserWithPasskey(ctx, u, passkey); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if !admin {
		return
	}
	tag, err := f.store.EnsureTag(ctx, user.AdminTag, now)
	if err != nil {
		t.Fatalf("ensure tag: %v", err)
	}
	if err := f.store.AddUserTag(ctx, id, tag.ID, now); err != nil {
		t.Fatalf("add tag: %v", err)
	}
}

func TestIssueAndValidate(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", false)
	ctx := context.Background()

	issued, err := f.authority.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if strings.Contains(issued.Token, "=") || len(issued.Token) != 43 {
		t.Fatalf("expected unpadded base64url 32-byte token, got %q", issued.Token)
	}

	view, err := f.authority.Validate(ctx, issued.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if view.UserID != "alice" || view.Elevated() || !view.ExpiresAt.Equal(f.clock.Now().Add(24*time.Hour)) {
		t.Fatalf("unexpected view: %+v", view)
	}

	stored, err := f.store.GetSession(ctx, view.IDHash)
	if err != nil {
		t.Fatalf("get stored session: %v", err)
	}
	if stored.IDHash == issued.Token || strings.Contains(stored.IDHash, issued.Token) {
		t.Fatal("raw token must not be persisted")
	}
}

func TestValidateRejectsExpiredAndMalformed(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", false)
	ctx := context.Background()

	issued, err := f.authority.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	f.clock.Advance(24 * time.Hour)
	if _, err := f.authority.Validate(ctx, issued.Token); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid at expiry, got %v", err)
	}

	for _, token := range []string{"", "not base64!", "c2hvcnQ"} {
		if _, err := f.authority.Validate(ctx, token); !apperrors.HasCode(err, apperrors.CodeSessionInvalid) {
			t.Fatalf("token %q: expected invalid, got %v", token, err)
		}
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", false)
	ctx := context.Background()

	issued, err := f.authority.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := f.authority.Logout(ctx, issued.Token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := f.authority.Validate(ctx, issued.Token); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid after logout, got %v", err)
	}
	if err := f.authority.Logout(ctx, issued.Token); err != nil {
		t.Fatalf("second logout: %v", err)
	}
	if err := f.authority.Logout(ctx, "garbage"); err != nil {
		t.Fatalf("malformed logout: %v", err)
	}

	var loggedOut int
	for _, eventType := range f.events.types() {
		if eventType == audit.EventSessionLoggedOut {
			loggedOut++
		}
	}
	if loggedOut != 1 {
		t.Fatalf("expected a single logout event, got %d", loggedOut)
	}
}

func TestElevateWithoutTagIsForbidden(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "bob", false)
	ctx := context.Background()

	issued, err := f.authority.Issue(ctx, "bob")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	_, err = f.authority.Elevate(ctx, issued.Token)
	if !apperrors.HasCode(err, apperrors.CodeForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if strings.Contains(err.Error(), user.AdminTag) {
		t.Fatalf("forbidden error leaks tag name: %v", err)
	}

	view, err := f.authority.Validate(ctx, issued.Token)
	if err != nil {
		t.Fatalf("expected original session still valid: %v", err)
	}
	if view.Elevated() {
		t.Fatal("expected original session unelevated")
	}

	var count int
	if err := f.store.DB().QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected no new session, found %d rows", count)
	}
}

func TestElevateSupersedesSession(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", true)
	ctx := context.Background()

	issued, err := f.authority.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	f.clock.Advance(time.Minute)

	elevated, err := f.authority.Elevate(ctx, issued.Token)
	if err != nil {
		t.Fatalf("elevate: %v", err)
	}
	if _, err := f.authority.Validate(ctx, issued.Token); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected old session invalid, got %v", err)
	}
	view, err := f.authority.Validate(ctx, elevated.Token)
	if err != nil {
		t.Fatalf("validate elevated: %v", err)
	}
	if !view.Elevated() || view.ParentIDHash == "" {
		t.Fatalf("expected admin scope with parent, got %+v", view)
	}
	if !view.ExpiresAt.Equal(f.clock.Now().Add(time.Hour)) {
		t.Fatalf("expected elevated ttl, got %v", view.ExpiresAt)
	}

	old, err := f.store.GetSession(ctx, view.ParentIDHash)
	if err != nil {
		t.Fatalf("get old session: %v", err)
	}
	if old.State != storage.SessionSuperseded {
		t.Fatalf("expected superseded, got %s", old.State)
	}

	if _, err := f.authority.Elevate(ctx, elevated.Token); !errors.Is(err, ErrAlreadyElevated) {
		t.Fatalf("expected already elevated, got %v", err)
	}
}

func TestElevateNeverOutlivesLogin(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", true)
	ctx := context.Background()

	issued, err := f.authority.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	f.clock.Advance(23*time.Hour + 30*time.Minute)

	elevated, err := f.authority.Elevate(ctx, issued.Token)
	if err != nil {
		t.Fatalf("elevate: %v", err)
	}
	if !elevated.View.ExpiresAt.Equal(issued.View.ExpiresAt) {
		t.Fatalf("expected elevated expiry capped at %v, got %v", issued.View.ExpiresAt, elevated.View.ExpiresAt)
	}
}

func TestElevateChecksTagAtCallTime(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", true)
	ctx := context.Background()

	issued, err := f.authority.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := f.store.DB().Exec(`DELETE FROM user_tags WHERE user_id = 'alice'`); err != nil {
		t.Fatalf("remove tag: %v", err)
	}
	if _, err := f.authority.Elevate(ctx, issued.Token); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden after tag removal, got %v", err)
	}
}

func TestDeElevateRestoresLoginHorizon(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", true)
	ctx := context.Background()

	issued, err := f.authority.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := f.authority.DeElevate(ctx, issued.Token); !errors.Is(err, ErrDowngradeImpossible) {
		t.Fatalf("expected downgrade impossible, got %v", err)
	}

	elevated, err := f.authority.Elevate(ctx, issued.Token)
	if err != nil {
		t.Fatalf("elevate: %v", err)
	}
	f.clock.Advance(10 * time.Minute)

	standard, err := f.authority.DeElevate(ctx, elevated.Token)
	if err != nil {
		t.Fatalf("de-elevate: %v", err)
	}
	if standard.View.Elevated() {
		t.Fatal("expected standard scope")
	}
	if !standard.View.ExpiresAt.Equal(issued.View.ExpiresAt) {
		t.Fatalf("expected login horizon %v, got %v", issued.View.ExpiresAt, standard.View.ExpiresAt)
	}
	if _, err := f.authority.Validate(ctx, elevated.Token); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected elevated session superseded, got %v", err)
	}

	reelevated, err := f.authority.Elevate(ctx, standard.Token)
	if err != nil {
		t.Fatalf("re-elevate: %v", err)
	}
	if !reelevated.View.Elevated() {
		t.Fatal("expected admin scope after re-elevation")
	}
}

func TestConcurrentElevateYieldsOneSession(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", true)
	ctx := context.Background()

	issued, err := f.authority.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	const racers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		tokens []string
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			elevated, err := f.authority.Elevate(ctx, issued.Token)
			if err != nil {
				if !errors.Is(err, ErrInvalid) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			tokens = append(tokens, elevated.Token)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(tokens) != 1 {
		t.Fatalf("expected exactly one elevated session, got %d", len(tokens))
	}
	if _, err := f.authority.Validate(ctx, tokens[0]); err != nil {
		t.Fatalf("validate winner: %v", err)
	}
}

func TestRevokeUserAndSweep(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", false)
	ctx := context.Background()

	first, err := f.authority.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	second, err := f.authority.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	count, err := f.authority.RevokeUser(ctx, "alice")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 revoked, got %d", count)
	}
	for _, token := range []string{first.Token, second.Token} {
		if _, err := f.authority.Validate(ctx, token); !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected revoked session invalid, got %v", err)
		}
	}

	deleted, err := f.authority.Sweep(ctx, f.clock.Now().Add(24*time.Hour+720*time.Hour))
	if err != nil {
		t.Fatalf("sweep within retention: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected rows kept within retention, got %d", deleted)
	}
	deleted, err = f.authority.Sweep(ctx, f.clock.Now().Add(24*time.Hour+721*time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 swept, got %d", deleted)
	}
}

func TestIssueRecordsAudit(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", false)
	if _, err := f.authority.Issue(context.Background(), "alice"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	types := f.events.types()
	if len(types) != 1 || types[0] != audit.EventSessionIssued {
		t.Fatalf("unexpected events: %v", types)
	}
	if len(f.events.events[0].SessionHash) != 16 {
		t.Fatalf("expected fingerprint, got %q", f.events.events[0].SessionHash)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestIssueFailsWithoutEntropy(t *testing.T) {
	f := newFixture(t)
	authority := NewAuthority(f.store, f.store, Config{}, withRandom(errReader{}))
	if _, err := authority.Issue(context.Background(), "alice"); err == nil {
		t.Fatal("expected entropy error")
	}
}
