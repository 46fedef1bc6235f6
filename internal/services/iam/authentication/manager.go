package authentication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
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

// DefaultCeremonyTTL bounds how long a pending authentication can be finished.
const DefaultCeremonyTTL = 5 * time.Minute

var (
	// ErrUserNotFound reports a targeted ceremony for an unknown email.
	ErrUserNotFound = apperrors.New(apperrors.CodeUserNotFound, "user not found")
	// ErrCeremonyNotFound reports a pending authentication that is missing,
	// expired or already consumed.
	ErrCeremonyNotFound = apperrors.New(apperrors.CodeCeremonyNotFound, "authentication ceremony not found")
	// ErrCounterRegression reports an assertion whose signature counter did
	// not increase.
	ErrCounterRegression = apperrors.New(apperrors.CodePasskeyCounterRegression, "passkey signature counter regressed")
	// ErrUnknownCredential reports an assertion for a credential that is not
	// registered to the resolved user.
	ErrUnknownCredential = apperrors.New(apperrors.CodePasskeyUnknownCredential, "passkey is not registered")
)

// Protocol is the slice of the passkey adapter used for sign-in.
type Protocol interface {
	BeginAuthentication(account *passkey.Account) (json.RawMessage, []byte, error)
	FinishAuthentication(state []byte, response []byte, lookup passkey.AccountLookup) (passkey.Assertion, error)
}

// SessionIssuer mints a session for an authenticated user.
type SessionIssuer interface {
	Issue(ctx context.Context, userID string) (session.Issued, error)
}

// Started is a ceremony waiting for the authenticator.
type Started struct {
	PendingID string
	Options   json.RawMessage
	ExpiresAt time.Time
}

// Finished is the outcome of a successful sign-in.
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

// WithIDGenerator overrides the ceremony id source.
func WithIDGenerator(generate func() (string, error)) Option {
	return func(m *Manager) {
		if generate != nil {
			m.newID = generate
		}
	}
}

// WithCeremonyTTL sets the lifetime of pending authentications.
func WithCeremonyTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithAudit records counter regressions.
func WithAudit(recorder *audit.Recorder) Option {
	return func(m *Manager) { m.audit = recorder }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(logger) }
}

// Manager coordinates sign-in ceremonies.
type Manager struct {
	users      storage.UserStore
	passkeys   storage.PasskeyStore
	ceremonies storage.CeremonyStore
	protocol   Protocol
	sessions   SessionIssuer
	ttl        time.Duration
	now        func() time.Time
	newID      func() (string, error)
	audit      *audit.Recorder
	logger     *zap.Logger
}

// NewManager builds an authentication manager.
func NewManager(users storage.UserStore, passkeys storage.PasskeyStore, ceremonies storage.CeremonyStore, protocol Protocol, sessions SessionIssuer, opts ...Option) *Manager {
	m := &Manager{
		users:      users,
		passkeys:   passkeys,
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

// StartTargeted opens a ceremony restricted to the credentials of the user
// registered under email.
func (m *Manager) StartTargeted(ctx context.Context, email string) (Started, error) {
	normalized, err := user.NormalizeEmail(email)
	if err != nil {
		return Started{}, err
	}
	found, err := m.users.GetUserByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Started{}, ErrUserNotFound
		}
		return Started{}, apperrors.Wrap(apperrors.CodeInternal, "look up user", err)
	}
	account, err := m.account(ctx, found)
	if err != nil {
		return Started{}, err
	}
	return m.start(ctx, storage.AuthenticationTargeted, normalized, &account)
}

// StartDiscoverable opens a ceremony in which the authenticator names the
// credential.
func (m *Manager) StartDiscoverable(ctx context.Context) (Started, error) {
	return m.start(ctx, storage.AuthenticationDiscoverable, "", nil)
}

func (m *Manager) start(ctx context.Context, kind storage.AuthenticationKind, email string, account *passkey.Account) (Started, error) {
	pendingID, err := m.newID()
	if err != nil {
		return Started{}, apperrors.Wrap(apperrors.CodeInternal, "generate ceremony id", err)
	}
	options, state, err := m.protocol.BeginAuthentication(account)
	if err != nil {
		return Started{}, apperrors.Wrap(apperrors.CodeInternal, "begin authentication", err)
	}

	now := m.now().UTC()
	pending := storage.PendingAuthentication{
		ID:        pendingID,
		Kind:      kind,
		Email:     email,
		State:     state,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.ceremonies.PutPendingAuthentication(ctx, pending); err != nil {
		return Started{}, apperrors.Wrap(apperrors.CodeInternal, "store pending authentication", err)
	}
	return Started{PendingID: pendingID, Options: options, ExpiresAt: pending.ExpiresAt}, nil
}

// Finish consumes the ceremony, verifies the assertion, advances the
// credential's signature counter and issues a session.
func (m *Manager) Finish(ctx context.Context, pendingID string, response []byte) (Finished, error) {
	if pendingID == "" {
		return Finished{}, ErrCeremonyNotFound
	}
	pending, err := m.ceremonies.ConsumePendingAuthentication(ctx, pendingID, m.now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Finished{}, ErrCeremonyNotFound
		}
		return Finished{}, apperrors.Wrap(apperrors.CodeInternal, "consume pending authentication", err)
	}

	var resolved user.User
	lookup := m.discoverableLookup(ctx, &resolved)
	if pending.Kind == storage.AuthenticationTargeted {
		lookup = m.targetedLookup(ctx, pending.Email, &resolved)
	}

	assertion, err := m.protocol.FinishAuthentication(pending.State, response, lookup)
	if err != nil {
		return Finished{}, m.finishError(ctx, resolved.ID, err)
	}

	err = m.passkeys.RecordPasskeyUse(ctx, assertion.CredentialID, assertion.SignCount, assertion.CredentialJSON, m.now().UTC())
	switch {
	case errors.Is(err, storage.ErrCounterRegression):
		m.recordRegression(ctx, assertion.UserID, assertion.CredentialID, assertion.SignCount)
		return Finished{}, ErrCounterRegression
	case errors.Is(err, storage.ErrNotFound):
		return Finished{}, ErrUnknownCredential
	case err != nil:
		return Finished{}, apperrors.Wrap(apperrors.CodeInternal, "record passkey use", err)
	}

	issued, err := m.sessions.Issue(ctx, resolved.ID)
	if err != nil {
		return Finished{}, err
	}
	m.logger.Info("user authenticated",
		zap.String("user_id", resolved.ID),
		zap.String("kind", string(pending.Kind)),
	)
	return Finished{User: resolved, Session: issued}, nil
}

// targetedLookup resolves the user the ceremony was started for. The user is
// re-read because it may have been deleted since the ceremony began.
func (m *Manager) targetedLookup(ctx context.Context, email string, resolved *user.User) passkey.AccountLookup {
	return func(credentialID, userHandle []byte) (passkey.Account, error) {
		found, err := m.users.GetUserByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return passkey.Account{}, ErrUserNotFound
			}
			return passkey.Account{}, apperrors.Wrap(apperrors.CodeInternal, "look up user", err)
		}
		if !bytes.Equal(userHandle, []byte(found.ID)) {
			return passkey.Account{}, passkey.ErrUnknownAccount
		}
		account, err := m.account(ctx, found)
		if err != nil {
			return passkey.Account{}, err
		}
		if !ownsCredential(account, credentialID) {
			return passkey.Account{}, passkey.ErrUnknownAccount
		}
		*resolved = found
		return account, nil
	}
}

// discoverableLookup resolves the owner of the presented credential, which
// must match the user handle the authenticator returned.
func (m *Manager) discoverableLookup(ctx context.Context, resolved *user.User) passkey.AccountLookup {
	return func(credentialID, userHandle []byte) (passkey.Account, error) {
		record, err := m.passkeys.GetPasskey(ctx, passkey.EncodeCredentialID(credentialID))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return passkey.Account{}, passkey.ErrUnknownAccount
			}
			return passkey.Account{}, apperrors.Wrap(apperrors.CodeInternal, "look up passkey", err)
		}
		if !bytes.Equal(userHandle, []byte(record.UserID)) {
			return passkey.Account{}, passkey.ErrUnknownAccount
		}
		found, err := m.users.GetUser(ctx, record.UserID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return passkey.Account{}, passkey.ErrUnknownAccount
			}
			return passkey.Account{}, apperrors.Wrap(apperrors.CodeInternal, "look up user", err)
		}
		account, err := m.account(ctx, found)
		if err != nil {
			return passkey.Account{}, err
		}
		*resolved = found
		return account, nil
	}
}

func (m *Manager) account(ctx context.Context, u user.User) (passkey.Account, error) {
	records, err := m.passkeys.ListPasskeys(ctx, u.ID)
	if err != nil {
		return passkey.Account{}, apperrors.Wrap(apperrors.CodeInternal, "list passkeys", err)
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		credential, err := passkey.DecodeCredential(record.CredentialJSON)
		if err != nil {
			return passkey.Account{}, apperrors.Wrap(apperrors.CodeInternal, "decode passkey", err)
		}
		// The column is authoritative; the JSON copy may lag behind it.
		credential.Authenticator.SignCount = record.SignCount
		credentials = append(credentials, credential)
	}
	return passkey.Account{
		UserID:      u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Credentials: credentials,
	}, nil
}

func ownsCredential(account passkey.Account, credentialID []byte) bool {
	for _, credential := range account.Credentials {
		if bytes.Equal(credential.ID, credentialID) {
			return true
		}
	}
	return false
}

func (m *Manager) finishError(ctx context.Context, userID string, err error) error {
	kind, ok := passkey.KindOf(err)
	if !ok {
		if _, domain := apperrors.As(err); domain {
			return err
		}
		return apperrors.Wrap(apperrors.CodeInternal, "finish authentication", err)
	}
	if kind == passkey.KindCounterRegression {
		m.recordRegression(ctx, userID, "", 0)
	}
	m.logger.Info("authentication refused", zap.String("kind", string(kind)), zap.Error(err))
	return passkey.AppError(err)
}

func (m *Manager) recordRegression(ctx context.Context, userID, credentialID string, signCount uint32) {
	attributes := map[string]string{}
	if credentialID != "" {
		attributes["credential_id"] = credentialID
		attributes["sign_count"] = strconv.FormatUint(uint64(signCount), 10)
	}
	m.logger.Warn("passkey counter regression",
		zap.String("user_id", userID),
		zap.String("credential_id", credentialID),
	)
	m.audit.Record(ctx, audit.Event{
		Type:       audit.EventPasskeyCounterRegression,
		UserID:     userID,
		Attributes: attributes,
	})
}
