package session

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	apperrors "github.com/louisbranch/iam/internal/platform/errors"
	"github.com/louisbranch/iam/internal/platform/logging"
	"github.com/louisbranch/iam/internal/services/iam/audit"
	"github.com/louisbranch/iam/internal/services/iam/storage"
	"github.com/louisbranch/iam/internal/services/iam/user"
	"go.uber.org/zap"
)

var (
	// ErrInvalid reports a token that is malformed, unknown, ended or expired.
	ErrInvalid = apperrors.New(apperrors.CodeSessionInvalid, "session is invalid")
	// ErrForbidden reports a refused elevation. It never says why.
	ErrForbidden = apperrors.New(apperrors.CodeForbidden, "elevation is not permitted")
	// ErrAlreadyElevated reports an elevation request on an admin session.
	ErrAlreadyElevated = apperrors.New(apperrors.CodeSessionAlreadyElevated, "session is already elevated")
	// ErrDowngradeImpossible reports a de-elevation of a standard session.
	ErrDowngradeImpossible = apperrors.New(apperrors.CodeDowngradeImpossible, "session is not elevated")
)

// Config controls session lifetimes.
type Config struct {
	TTL         time.Duration `env:"IAM_SESSION_TTL"          envDefault:"24h"`
	ElevatedTTL time.Duration `env:"IAM_ELEVATED_SESSION_TTL" envDefault:"1h"`
	// Retention keeps ended and expired rows for audit before the sweep.
	Retention time.Duration `env:"IAM_SESSION_RETENTION" envDefault:"720h"`
}

// DefaultConfig returns the default lifetimes.
func DefaultConfig() Config {
	return Config{TTL: 24 * time.Hour, ElevatedTTL: time.Hour, Retention: 720 * time.Hour}
}

// TagChecker reports tag membership at call time.
type TagChecker interface {
	UserHasTag(ctx context.Context, userID string, name string) (bool, error)
}

// View is what a validated session exposes to callers.
type View struct {
	IDHash       string
	UserID       string
	Scope        storage.SessionScope
	ParentIDHash string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Elevated reports whether the session carries the admin scope.
func (v View) Elevated() bool {
	return v.Scope == storage.ScopeAdmin
}

// Issued is a freshly minted session and the bearer token for it.
type Issued struct {
	Token string
	View  View
}

// Option configures an Authority.
type Option func(*Authority)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		if now != nil {
			a.now = now
		}
	}
}

// WithAudit records session transitions.
func WithAudit(recorder *audit.Recorder) Option {
	return func(a *Authority) { a.audit = recorder }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Authority) { a.logger = logging.OrNop(logger) }
}

func withRandom(random io.Reader) Option {
	return func(a *Authority) { a.random = random }
}

// Authority issues, validates and transitions sessions. It is the only writer
// of session state.
type Authority struct {
	sessions storage.SessionStore
	tags     TagChecker
	cfg      Config
	now      func() time.Time
	random   io.Reader
	audit    *audit.Recorder
	logger   *zap.Logger
}

// NewAuthority builds an authority. Zero durations in cfg fall back to
// DefaultConfig.
func NewAuthority(sessions storage.SessionStore, tags TagChecker, cfg Config, opts ...Option) *Authority {
	defaults := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.ElevatedTTL <= 0 {
		cfg.ElevatedTTL = defaults.ElevatedTTL
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	a := &Authority{
		sessions: sessions,
		tags:     tags,
		cfg:      cfg,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Issue mints a standard session for userID.
func (a *Authority) Issue(ctx context.Context, userID string) (Issued, error) {
	token, hash, err := newToken(a.random)
	if err != nil {
		return Issued{}, err
	}
	now := a.now().UTC()
	record := storage.Session{
		IDHash:    hash,
		UserID:    userID,
		State:     storage.SessionActive,
		Scope:     storage.ScopeStandard,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(a.cfg.TTL),
	}
	if err := a.sessions.PutSession(ctx, record); err != nil {
		return Issued{}, apperrors.Wrap(apperrors.CodeInternal, "store session", err)
	}

	a.record(ctx, audit.EventSessionIssued, record, nil)
	return Issued{Token: token, View: viewOf(record)}, nil
}

// Validate resolves a bearer token to a live session. It never writes.
func (a *Authority) Validate(ctx context.Context, token string) (View, error) {
	record, err := a.lookup(ctx, token)
	if err != nil {
		return View{}, err
	}
	return viewOf(record), nil
}

func (a *Authority) lookup(ctx context.Context, token string) (storage.Session, error) {
	hash, ok := parseToken(token)
	if !ok {
		return storage.Session{}, ErrInvalid
	}
	record, err := a.sessions.GetSession(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Session{}, ErrInvalid
		}
		return storage.Session{}, apperrors.Wrap(apperrors.CodeInternal, "load session", err)
	}
	if !record.Live(a.now()) {
		return storage.Session{}, ErrInvalid
	}
	return record, nil
}

// Elevate supersedes a standard session with an admin session. The user must
// hold the admin tag at call time. The admin session never outlives the
// session it replaces.
func (a *Authority) Elevate(ctx context.Context, token string) (Issued, error) {
	current, err := a.lookup(ctx, token)
	if err != nil {
		return Issued{}, err
	}
	if current.Scope == storage.ScopeAdmin {
		return Issued{}, ErrAlreadyElevated
	}

	eligible, err := a.tags.UserHasTag(ctx, current.UserID, user.AdminTag)
	if err != nil {
		return Issued{}, apperrors.Wrap(apperrors.CodeInternal, "check elevation eligibility", err)
	}
	if !eligible {
		a.logger.Info("elevation refused", zap.String("user_id", current.UserID))
		return Issued{}, ErrForbidden
	}

	now := a.now().UTC()
	expiresAt := now.Add(a.cfg.ElevatedTTL)
	if current.ExpiresAt.Before(expiresAt) {
		expiresAt = current.ExpiresAt
	}
	return a.supersede(ctx, current, storage.ScopeAdmin, now, expiresAt, audit.EventSessionElevated)
}

// DeElevate supersedes an admin session with a standard session that expires
// with the standard session the admin session was elevated from.
func (a *Authority) DeElevate(ctx context.Context, token string) (Issued, error) {
	current, err := a.lookup(ctx, token)
	if err != nil {
		return Issued{}, err
	}
	if current.Scope != storage.ScopeAdmin {
		return Issued{}, ErrDowngradeImpossible
	}

	expiresAt := current.ExpiresAt
	if current.ParentIDHash != "" {
		parent, err := a.sessions.GetSession(ctx, current.ParentIDHash)
		switch {
		case err == nil:
			expiresAt = parent.ExpiresAt
		case errors.Is(err, storage.ErrNotFound):
		default:
			return Issued{}, apperrors.Wrap(apperrors.CodeInternal, "load parent session", err)
		}
	}

	now := a.now().UTC()
	if !now.Before(expiresAt) {
		return Issued{}, ErrInvalid
	}
	return a.supersede(ctx, current, storage.ScopeStandard, now, expiresAt, audit.EventSessionDeElevated)
}

func (a *Authority) supersede(ctx context.Context, current storage.Session, scope storage.SessionScope, now, expiresAt time.Time, event audit.EventType) (Issued, error) {
	token, hash, err := newToken(a.random)
	if err != nil {
		return Issued{}, err
	}
	next := storage.Session{
		IDHash:       hash,
		UserID:       current.UserID,
		State:        storage.SessionActive,
		Scope:        scope,
		ParentIDHash: current.IDHash,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    expiresAt,
	}
	if err := a.sessions.SupersedeSession(ctx, current.IDHash, next, now); err != nil {
		if errors.Is(err, storage.ErrSessionNotActive) {
			return Issued{}, ErrInvalid
		}
		return Issued{}, apperrors.Wrap(apperrors.CodeInternal, "supersede session", err)
	}

	a.record(ctx, event, next, map[string]string{"parent": Fingerprint(current.IDHash)})
	return Issued{Token: token, View: viewOf(next)}, nil
}

// Logout ends a live session. Unknown, malformed and already ended tokens
// succeed without effect.
func (a *Authority) Logout(ctx context.Context, token string) error {
	hash, ok := parseToken(token)
	if !ok {
		return nil
	}
	changed, err := a.sessions.EndSession(ctx, hash, storage.SessionLoggedOut, a.now().UTC())
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "end session", err)
	}
	if changed {
		a.record(ctx, audit.EventSessionLoggedOut, storage.Session{IDHash: hash}, nil)
	}
	return nil
}

// RevokeUser revokes every live session held by userID.
func (a *Authority) RevokeUser(ctx context.Context, userID string) (int64, error) {
	count, err := a.sessions.RevokeUserSessions(ctx, userID, a.now().UTC())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInternal, "revoke sessions", err)
	}
	a.record(ctx, audit.EventSessionsRevoked, storage.Session{UserID: userID}, map[string]string{
		"count": strconv.FormatInt(count, 10),
	})
	return count, nil
}

// Sweep deletes rows that expired longer than the retention window ago.
func (a *Authority) Sweep(ctx context.Context, now time.Time) (int64, error) {
	return a.sessions.DeleteExpiredSessions(ctx, now.Add(-a.cfg.Retention))
}

func (a *Authority) record(ctx context.Context, eventType audit.EventType, record storage.Session, attributes map[string]string) {
	event := audit.Event{
		Type:        eventType,
		UserID:      record.UserID,
		SessionHash: Fingerprint(record.IDHash),
		Attributes:  attributes,
	}
	if record.Scope != "" {
		if event.Attributes == nil {
			event.Attributes = map[string]string{}
		}
		event.Attributes["scope"] = string(record.Scope)
	}
	a.audit.Record(ctx, event)
}

func viewOf(record storage.Session) View {
	return View{
		IDHash:       record.IDHash,
		UserID:       record.UserID,
		Scope:        record.Scope,
		ParentIDHash: record.ParentIDHash,
		CreatedAt:    record.CreatedAt,
		ExpiresAt:    record.ExpiresAt,
	}
}
