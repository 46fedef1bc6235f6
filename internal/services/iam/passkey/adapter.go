package passkey

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// passkeyProvider is the subset of the WebAuthn relying party used here.
type passkeyProvider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

type passkeyParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultPasskeyParser struct{}

func (defaultPasskeyParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultPasskeyParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Account is the identity a ceremony runs against.
type Account struct {
	UserID      string
	Email       string
	DisplayName string
	Credentials []webauthn.Credential
}

func (a *Account) WebAuthnID() []byte {
	return []byte(a.UserID)
}

func (a *Account) WebAuthnName() string {
	return a.Email
}

func (a *Account) WebAuthnDisplayName() string {
	return a.DisplayName
}

func (a *Account) WebAuthnCredentials() []webauthn.Credential {
	return a.Credentials
}

// AccountLookup resolves the account behind an assertion. credentialID is the
// raw credential id; userHandle is the user handle from the response, or the
// ceremony's own user for targeted logins.
type AccountLookup func(credentialID []byte, userHandle []byte) (Account, error)

// VerifiedCredential is a newly attested passkey.
type VerifiedCredential struct {
	// ID is the unpadded base64url credential id.
	ID             string
	SignCount      uint32
	CredentialJSON string
}

// Assertion is a verified login.
type Assertion struct {
	UserID         string
	CredentialID   string
	SignCount      uint32
	CredentialJSON string
}

// Adapter drives WebAuthn ceremonies without touching persistence.
type Adapter struct {
	provider passkeyProvider
	parser   passkeyParser
}

// New constructs an adapter for the configured relying party.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	relyingParty, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("init webauthn: %w", err)
	}
	return newAdapter(relyingParty, defaultPasskeyParser{}), nil
}

func newAdapter(provider passkeyProvider, parser passkeyParser) *Adapter {
	if parser == nil {
		parser = defaultPasskeyParser{}
	}
	return &Adapter{provider: provider, parser: parser}
}

// BeginRegistration starts a ceremony that requires a discoverable credential
// and excludes the account's existing credentials.
func (a *Adapter) BeginRegistration(account Account) (json.RawMessage, []byte, error) {
	if err := a.ready(); err != nil {
		return nil, nil, err
	}
	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(account.Credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(account.Credentials).CredentialDescriptors()))
	}

	creation, session, err := a.provider.BeginRegistration(&account, options...)
	if err != nil {
		return nil, nil, fmt.Errorf("begin registration: %w", err)
	}
	return encodeCeremony(creation, session)
}

// FinishRegistration verifies an attestation against the ceremony state.
func (a *Adapter) FinishRegistration(account Account, state []byte, response []byte) (VerifiedCredential, error) {
	if err := a.ready(); err != nil {
		return VerifiedCredential{}, err
	}
	session, err := decodeState(state)
	if err != nil {
		return VerifiedCredential{}, err
	}
	parsed, err := a.parser.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return VerifiedCredential{}, newProtocolError(KindMalformedResponse, err)
	}

	credential, err := a.provider.CreateCredential(&account, session, parsed)
	if err != nil {
		return VerifiedCredential{}, classify(err)
	}
	if credential == nil || len(credential.ID) == 0 {
		return VerifiedCredential{}, newProtocolError(KindVerificationFailed, errors.New("no credential returned"))
	}

	payload, err := EncodeCredential(*credential)
	if err != nil {
		return VerifiedCredential{}, err
	}
	return VerifiedCredential{
		ID:             EncodeCredentialID(credential.ID),
		SignCount:      credential.Authenticator.SignCount,
		CredentialJSON: payload,
	}, nil
}

// BeginAuthentication starts a targeted ceremony for account, or a
// discoverable one when account is nil.
func (a *Adapter) BeginAuthentication(account *Account) (json.RawMessage, []byte, error) {
	if err := a.ready(); err != nil {
		return nil, nil, err
	}
	var (
		assertion *protocol.CredentialAssertion
		session   *webauthn.SessionData
		err       error
	)
	if account == nil {
		assertion, session, err = a.provider.BeginDiscoverableLogin()
	} else {
		assertion, session, err = a.provider.BeginLogin(account)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("begin login: %w", err)
	}
	return encodeCeremony(assertion, session)
}

// FinishAuthentication verifies an assertion. A state bound to a user is
// finished as a targeted login; otherwise the account is discovered from the
// response.
func (a *Adapter) FinishAuthentication(state []byte, response []byte, lookup AccountLookup) (Assertion, error) {
	if err := a.ready(); err != nil {
		return Assertion{}, err
	}
	if lookup == nil {
		return Assertion{}, fmt.Errorf("account lookup is required")
	}
	session, err := decodeState(state)
	if err != nil {
		return Assertion{}, err
	}
	parsed, err := a.parser.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return Assertion{}, newProtocolError(KindMalformedResponse, err)
	}

	var (
		account    Account
		credential *webauthn.Credential
	)
	if len(session.UserID) > 0 {
		account, err = lookup(parsed.RawID, session.UserID)
		if err != nil {
			return Assertion{}, lookupError(err)
		}
		credential, err = a.provider.ValidateLogin(&account, session, parsed)
		if err != nil {
			return Assertion{}, classify(err)
		}
	} else {
		var lookupErr error
		handler := func(rawID, userHandle []byte) (webauthn.User, error) {
			found, err := lookup(rawID, userHandle)
			if err != nil {
				lookupErr = err
				return nil, err
			}
			account = found
			return &account, nil
		}
		_, credential, err = a.provider.ValidatePasskeyLogin(handler, session, parsed)
		if lookupErr != nil {
			return Assertion{}, lookupError(lookupErr)
		}
		if err != nil {
			return Assertion{}, classify(err)
		}
	}

	if credential == nil {
		return Assertion{}, newProtocolError(KindVerificationFailed, errors.New("no credential returned"))
	}
	if credential.Authenticator.CloneWarning {
		return Assertion{}, newProtocolError(KindCounterRegression, fmt.Errorf("authenticator reported counter %d", credential.Authenticator.SignCount))
	}

	payload, err := EncodeCredential(*credential)
	if err != nil {
		return Assertion{}, err
	}
	return Assertion{
		UserID:         account.UserID,
		CredentialID:   EncodeCredentialID(credential.ID),
		SignCount:      credential.Authenticator.SignCount,
		CredentialJSON: payload,
	}, nil
}

func (a *Adapter) ready() error {
	if a == nil || a.provider == nil {
		return fmt.Errorf("passkey adapter is not configured")
	}
	return nil
}

func lookupError(err error) error {
	if errors.Is(err, ErrUnknownAccount) {
		return newProtocolError(KindUnknownCredential, err)
	}
	return err
}

func encodeCeremony(options any, session *webauthn.SessionData) (json.RawMessage, []byte, error) {
	if session == nil {
		return nil, nil, fmt.Errorf("ceremony session is missing")
	}
	encodedOptions, err := json.Marshal(options)
	if err != nil {
		return nil, nil, fmt.Errorf("encode ceremony options: %w", err)
	}
	state, err := json.Marshal(session)
	if err != nil {
		return nil, nil, fmt.Errorf("encode ceremony state: %w", err)
	}
	return encodedOptions, state, nil
}

func decodeState(state []byte) (webauthn.SessionData, error) {
	var session webauthn.SessionData
	if len(state) == 0 {
		return session, newProtocolError(KindMalformedResponse, errors.New("ceremony state is empty"))
	}
	if err := json.Unmarshal(state, &session); err != nil {
		return session, newProtocolError(KindMalformedResponse, fmt.Errorf("decode ceremony state: %w", err))
	}
	return session, nil
}

// EncodeCredential serializes a library credential for storage.
func EncodeCredential(credential webauthn.Credential) (string, error) {
	payload, err := json.Marshal(credential)
	if err != nil {
		return "", fmt.Errorf("encode credential: %w", err)
	}
	return string(payload), nil
}

// DecodeCredential restores a stored credential.
func DecodeCredential(payload string) (webauthn.Credential, error) {
	var credential webauthn.Credential
	if err := json.Unmarshal([]byte(payload), &credential); err != nil {
		return webauthn.Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	return credential, nil
}

// EncodeCredentialID renders a raw credential id as unpadded base64url.
func EncodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}
