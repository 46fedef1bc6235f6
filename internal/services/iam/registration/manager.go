package registration

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	apperrors "github.com/louisbranch/iam/internal/platform/errors"
	"github.com/louisbranch/iam/internal/platform/id"
	"github.com/louisbranch/iam/internal/platform/logging"
	"github.com/louisbranch/iam/internal/services/iam/audit"
	"github.com/louisbranch/iam/internal/services/iam/passkey"
	"github.com/louisbranch/iam/internal/services/iam/session"
	"github.com/louisbranch/iam/internal/services/iam/storage"
	"github.com/louisbranch/iam/internal/services/iam/user"
	"go.uber.org/zap"
)

// DefaultCeremonyTTL bounds how long a pending registration can be finished.
const DefaultCeremonyTTL = 5 * time.Minute

var (
	// ErrEmailAlreadyRegistered reports an email held by an existing user.
	ErrEmailAlreadyRegistered = apperrors.New(apperrors.CodeEmailAlreadyTaken, "email is already registered")
	// ErrCeremonyNotFound reports a pending registration that is missing,
	// expired or already consumed.
	ErrCeremonyNotFound = apperrors.New(apperrors.CodeCeremonyNotFound, "registration ceremony not found")
	// ErrEmailMismatch reports a finish request for a different email.
	ErrEmailMismatch = apperrors.New(apperrors.CodeInvalidArgument, "email does not match the registration")
)

// Protocol is the slice of the passkey adapter used for registration.
type Protocol interface {
	BeginRegistration(account passkey.Account) (json.RawMessage, []byte, error)
	FinishRegistration(account passkey.Account, state []byte, response []byte) (passkey.VerifiedCredential, error)
}

// SessionIssuer mints a session for a newly registered user.
type SessionIssuer interface {
	Issue(ctx context.Context, userID string) (session.Issued, error)
}

// Started is a ceremony waiting for the authenticator.
type Started struct {
	PendingID string
	Options   json.RawMessage
	ExpiresAt time.Time
}

// FinishInput carries the client's answer to a registration ceremony. Email
// is optional and must name the email the ceremony was started for. A
// non-empty DisplayName replaces the one given at start.
type FinishInput struct {
	PendingID   string
	Response    []byte
	Email       string
	DisplayName string
}

// Finished is the outcome of a successful registration.
type Finished struct {
	User    user.User
	Session session.Issued
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDGenerator overrides the id source for users, passkeys and ceremonies.
func WithIDGenerator(generate func() (string, error)) Option {
	return func(m *Manager) {
		if generate != nil {
			m.newID = generate
		}
	}
}

// WithCeremonyTTL sets the lifetime of pending registrations.
func WithCeremonyTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithAudit records completed registrations.
func WithAudit(recorder *audit.Recorder) Option {
	return func(m *Manager) { m.audit = recorder }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(logger) }
}

// Manager coordinates registration ceremonies.
type Manager struct {
	users      storage.UserStore
	ceremonies storage.CeremonyStore
	protocol   Protocol
	sessions   SessionIssuer
	ttl        time.Duration
	now        func() time.Time
	newID      func() (string, error)
	audit      *audit.Recorder
	logger     *zap.Logger
}

// NewManager builds a registration manager.
func NewManager(users storage.UserStore, ceremonies storage.CeremonyStore, protocol Protocol, sessions SessionIssuer, opts ...Option) *Manager {
	m := &Manager{
		users:      users,
		ceremonies: ceremonies,
		protocol:   protocol,
		sessions:   sessions,
		ttl:        DefaultCeremonyTTL,
		now:        time.Now,
		newID:      id.NewID,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start opens a registration ceremony for email. Starting again for the same
// email replaces the earlier ceremony.
func (m *Manager) Start(ctx context.Context, email, displayName string) (Started, error) {
	input, err := user.NormalizeCreateUserInput(user.CreateUserInput{Email: email, DisplayName: displayName})
	if err != nil {
		return Started{}, err
	}

	_, err = m.users.GetUserByEmail(ctx, input.Email)
	switch {
	case err == nil:
		return Started{}, ErrEmailAlreadyRegistered
	case !errors.Is(err, storage.ErrNotFound):
		return Started{}, apperrors.Wrap(apperrors.CodeInternal, "look up email", err)
	}

	userID, err := m.newID()
	if err != nil {
		return Started{}, apperrors.Wrap(apperrors.CodeInternal, "generate user id", err)
	}
	pendingID, err := m.newID()
	if err != nil {
		return Started{}, apperrors.Wrap(apperrors.CodeInternal, "generate ceremony id", err)
	}

	options, state, err := m.protocol.BeginRegistration(passkey.Account{
		UserID:      userID,
		Email:       input.Email,
		DisplayName: input.DisplayName,
	})
	if err != nil {
		return Started{}, apperrors.Wrap(apperrors.CodeInternal, "begin registration", err)
	}

	now := m.now().UTC()
	pending := storage.PendingRegistration{
		ID:          pendingID,
		UserID:      userID,
		Email:       input.Email,
		DisplayName: input.DisplayName,
		State:       state,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
	}
	if err := m.ceremonies.PutPendingRegistration(ctx, pending); err != nil {
		return Started{}, apperrors.Wrap(apperrors.CodeInternal, "store pending registration", err)
	}

	m.logger.Debug("registration started", zap.String("ceremony_id", pendingID))
	return Started{PendingID: pendingID, Options: options, ExpiresAt: pending.ExpiresAt}, nil
}

// Finish consumes the ceremony, verifies the attestation and creates the user
// with its passkey. The ceremony stays consumed whatever the outcome.
func (m *Manager) Finish(ctx context.Context, input FinishInput) (Finished, error) {
	if input.PendingID == "" {
		return Finished{}, ErrCeremonyNotFound
	}
	pending, err := m.ceremonies.ConsumePendingRegistration(ctx, input.PendingID, m.now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Finished{}, ErrCeremonyNotFound
		}
		return Finished{}, apperrors.Wrap(apperrors.CodeInternal, "consume pending registration", err)
	}

	if input.Email != "" {
		normalized, err := user.NormalizeEmail(input.Email)
		if err != nil {
			return Finished{}, err
		}
		if normalized != pending.Email {
			return Finished{}, ErrEmailMismatch
		}
	}
	displayName := pending.DisplayName
	if strings.TrimSpace(input.DisplayName) != "" {
		displayName = input.DisplayName
	}
	created, err := user.CreateUser(
		user.CreateUserInput{Email: pending.Email, DisplayName: displayName},
		m.now,
		func() (string, error) { return pending.UserID, nil },
	)
	if err != nil {
		return Finished{}, err
	}

	account := passkey.Account{UserID: pending.UserID, Email: pending.Email, DisplayName: pending.DisplayName}
	verified, err := m.protocol.FinishRegistration(account, pending.State, input.Response)
	if err != nil {
		if kind, ok := passkey.KindOf(err); ok {
			m.logger.Info("registration refused", zap.String("kind", string(kind)), zap.Error(err))
			return Finished{}, passkey.AppError(err)
		}
		return Finished{}, apperrors.Wrap(apperrors.CodeInternal, "finish registration", err)
	}

	passkeyID, err := m.newID()
	if err != nil {
		return Finished{}, apperrors.Wrap(apperrors.CodeInternal, "generate passkey id", err)
	}
	now := created.CreatedAt
	record := storage.Passkey{
		ID:             passkeyID,
		UserID:         created.ID,
		CredentialID:   verified.ID,
		CredentialJSON: verified.CredentialJSON,
		SignCount:      verified.SignCount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.users.CreateUserWithPasskey(ctx, created, record); err != nil {
		switch {
		case errors.Is(err, storage.ErrEmailTaken):
			return Finished{}, ErrEmailAlreadyRegistered
		case errors.Is(err, storage.ErrCredentialExists):
			return Finished{}, err
		}
		return Finished{}, apperrors.Wrap(apperrors.CodeInternal, "create user", err)
	}

	issued, err := m.sessions.Issue(ctx, created.ID)
	if err != nil {
		return Finished{}, err
	}

	m.audit.Record(ctx, audit.Event{
		Type:        audit.EventUserRegistered,
		UserID:      created.ID,
		SessionHash: session.Fingerprint(issued.View.IDHash),
		Attributes:  map[string]string{"credential_id": verified.ID},
	})
	m.logger.Info("user registered", zap.String("user_id", created.ID))
	return Finished{User: created, Session: issued}, nil
}
