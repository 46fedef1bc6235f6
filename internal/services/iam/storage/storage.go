package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/iam/internal/platform/errors"
	"github.com/louisbranch/iam/internal/services/iam/user"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New(errors.CodeNotFound, "record not found")
	// ErrEmailTaken indicates another user already holds the email.
	ErrEmailTaken = errors.New(errors.CodeEmailAlreadyTaken, "email already registered")
	// ErrCredentialExists indicates the credential id is bound to a passkey.
	ErrCredentialExists = errors.New(errors.CodePasskeyAlreadyRegistered, "credential already registered")
	// ErrCounterRegression indicates a signature counter that did not increase.
	ErrCounterRegression = errors.New(errors.CodePasskeyCounterRegression, "signature counter did not increase")
	// ErrSessionNotActive indicates a conditional session transition lost its
	// precondition: the row is gone, ended or expired.
	ErrSessionNotActive = errors.New(errors.CodeSessionInvalid, "session is not active")
)

// Passkey is a WebAuthn credential bound to a user.
type Passkey struct {
	ID     string
	UserID string
	// CredentialID is the unpadded base64url credential id.
	CredentialID string
	// CredentialJSON is the serialized library credential, public key included.
	CredentialJSON string
	SignCount      uint32
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastUsedAt     *time.Time
}

// PendingRegistration is an in-flight registration ceremony.
//
// UserID names a user that does not exist until the ceremony finishes.
type PendingRegistration struct {
	ID          string
	UserID      string
	Email       string
	DisplayName string
	State       []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// AuthenticationKind distinguishes targeted from discoverable ceremonies.
type AuthenticationKind string

const (
	AuthenticationTargeted     AuthenticationKind = "targeted"
	AuthenticationDiscoverable AuthenticationKind = "discoverable"
)

// PendingAuthentication is an in-flight authentication ceremony. Email is set
// only for targeted ceremonies.
type PendingAuthentication struct {
	ID        string
	Kind      AuthenticationKind
	Email     string
	State     []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Validate checks the fields every ceremony backend requires.
func (pending PendingRegistration) Validate() error {
	if strings.TrimSpace(pending.ID) == "" {
		return fmt.Errorf("pending registration id is required")
	}
	if strings.TrimSpace(pending.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(pending.Email) == "" {
		return fmt.Errorf("email is required")
	}
	if len(pending.State) == 0 {
		return fmt.Errorf("ceremony state is required")
	}
	if pending.ExpiresAt.IsZero() {
		return fmt.Errorf("expiry is required")
	}
	return nil
}

// Validate checks kind and email agreement plus the required fields.
func (pending PendingAuthentication) Validate() error {
	if strings.TrimSpace(pending.ID) == "" {
		return fmt.Errorf("pending authentication id is required")
	}
	switch pending.Kind {
	case AuthenticationTargeted:
		if strings.TrimSpace(pending.Email) == "" {
			return fmt.Errorf("targeted authentication requires an email")
		}
	case AuthenticationDiscoverable:
		if pending.Email != "" {
			return fmt.Errorf("discoverable authentication must not carry an email")
		}
	default:
		return fmt.Errorf("unknown authentication kind %q", pending.Kind)
	}
	if len(pending.State) == 0 {
		return fmt.Errorf("ceremony state is required")
	}
	if pending.ExpiresAt.IsZero() {
		return fmt.Errorf("expiry is required")
	}
	return nil
}

// SessionState is the lifecycle state of a session row.
type SessionState string

const (
	SessionActive     SessionState = "active"
	SessionRevoked    SessionState = "revoked"
	SessionLoggedOut  SessionState = "logged_out"
	SessionSuperseded SessionState = "superseded"
)

// SessionScope is the privilege scope carried by a session row.
type SessionScope string

const (
	ScopeStandard SessionScope = "standard"
	ScopeAdmin    SessionScope = "admin"
)

// Session is a persisted session keyed by the hash of its bearer token.
type Session struct {
	IDHash string
	UserID string
	State  SessionState
	Scope  SessionScope
	// ParentIDHash points at the row this session superseded, if any.
	ParentIDHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    time.Time
}

// Live reports whether the session validates at now.
func (s Session) Live(now time.Time) bool {
	return s.State == SessionActive && now.Before(s.ExpiresAt)
}

// UserStore persists users. Users are only created together with their first
// passkey.
type UserStore interface {
	CreateUserWithPasskey(ctx context.Context, u user.User, passkey Passkey) error
	GetUser(ctx context.Context, userID string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
	DeleteUser(ctx context.Context, userID string) error
}

// TagStore persists tags and user membership.
type TagStore interface {
	EnsureTag(ctx context.Context, name string, now time.Time) (user.Tag, error)
	AddUserTag(ctx context.Context, userID string, tagID string, now time.Time) error
	ListUserTags(ctx context.Context, userID string) ([]user.Tag, error)
	UserHasTag(ctx context.Context, userID string, name string) (bool, error)
}

// PasskeyStore persists WebAuthn credentials.
type PasskeyStore interface {
	GetPasskey(ctx context.Context, credentialID string) (Passkey, error)
	ListPasskeys(ctx context.Context, userID string) ([]Passkey, error)
	// RecordPasskeyUse stores a new counter and credential snapshot. It fails
	// with ErrCounterRegression unless signCount exceeds the stored counter or
	// both are zero.
	RecordPasskeyUse(ctx context.Context, credentialID string, signCount uint32, credentialJSON string, usedAt time.Time) error
	DeletePasskey(ctx context.Context, credentialID string) error
}

// CeremonyStore persists pending ceremonies. Consume reads and removes a row
// in one atomic step; expired rows are removed and reported as ErrNotFound.
type CeremonyStore interface {
	// PutPendingRegistration replaces any pending registration for the same email.
	PutPendingRegistration(ctx context.Context, pending PendingRegistration) error
	ConsumePendingRegistration(ctx context.Context, id string, now time.Time) (PendingRegistration, error)
	PutPendingAuthentication(ctx context.Context, pending PendingAuthentication) error
	ConsumePendingAuthentication(ctx context.Context, id string, now time.Time) (PendingAuthentication, error)
	DeleteExpiredCeremonies(ctx context.Context, now time.Time) (int64, error)
}

// SessionStore persists session rows.
type SessionStore interface {
	PutSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, idHash string) (Session, error)
	// SupersedeSession marks currentHash superseded and inserts next in one
	// transaction. It fails with ErrSessionNotActive when currentHash is not
	// live at now, leaving both rows untouched.
	SupersedeSession(ctx context.Context, currentHash string, next Session, now time.Time) error
	// EndSession moves a live session into a terminal state and reports
	// whether a row changed.
	EndSession(ctx context.Context, idHash string, state SessionState, now time.Time) (bool, error)
	RevokeUserSessions(ctx context.Context, userID string, now time.Time) (int64, error)
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

// Store is the full SQLite-backed surface.
type Store interface {
	UserStore
	TagStore
	PasskeyStore
	CeremonyStore
	SessionStore
}
