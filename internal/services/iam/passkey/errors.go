package passkey

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	apperrors "github.com/louisbranch/iam/internal/platform/errors"
)

// ProtocolErrorKind classifies a failed ceremony.
type ProtocolErrorKind string

const (
	KindChallengeMismatch  ProtocolErrorKind = "challenge_mismatch"
	KindOriginMismatch     ProtocolErrorKind = "origin_mismatch"
	KindSignatureInvalid   ProtocolErrorKind = "signature_invalid"
	KindCounterRegression  ProtocolErrorKind = "counter_regression"
	KindMalformedResponse  ProtocolErrorKind = "malformed_response"
	KindUnknownCredential  ProtocolErrorKind = "unknown_credential"
	KindVerificationFailed ProtocolErrorKind = "verification_failed"
)

// ErrUnknownAccount is returned by an AccountLookup that cannot resolve the
// presented credential or user handle.
var ErrUnknownAccount = errors.New("unknown passkey account")

// ProtocolError reports a ceremony the relying party refused.
type ProtocolError struct {
	Kind ProtocolErrorKind
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "passkey " + string(e.Kind)
	}
	return fmt.Sprintf("passkey %s: %v", e.Kind, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// KindOf returns the protocol error kind carried by err.
func KindOf(err error) (ProtocolErrorKind, bool) {
	var protocolErr *ProtocolError
	if !errors.As(err, &protocolErr) {
		return "", false
	}
	return protocolErr.Kind, true
}

// AppError converts protocol failures into domain errors and returns other
// errors unchanged.
func AppError(err error) error {
	kind, ok := KindOf(err)
	if !ok {
		return err
	}
	switch kind {
	case KindCounterRegression:
		return apperrors.Wrap(apperrors.CodePasskeyCounterRegression, "signature counter regressed", err)
	case KindUnknownCredential:
		return apperrors.Wrap(apperrors.CodePasskeyUnknownCredential, "credential is not registered", err)
	default:
		return apperrors.WrapWithMetadata(apperrors.CodePasskeyVerificationFailed, "passkey verification failed",
			map[string]string{"kind": string(kind)}, err)
	}
}

func newProtocolError(kind ProtocolErrorKind, err error) *ProtocolError {
	return &ProtocolError{Kind: kind, Err: err}
}

// classify maps library failures onto protocol error kinds.
func classify(err error) *ProtocolError {
	if err == nil {
		return nil
	}
	var existing *ProtocolError
	if errors.As(err, &existing) {
		return existing
	}

	var libErr *protocol.Error
	if !errors.As(err, &libErr) {
		return newProtocolError(KindVerificationFailed, err)
	}

	details := strings.ToLower(libErr.Details + " " + libErr.DevInfo)
	switch {
	case strings.Contains(details, "challenge"):
		return newProtocolError(KindChallengeMismatch, err)
	case strings.Contains(details, "origin"),
		strings.Contains(details, "rp hash"),
		strings.Contains(details, "rpid"),
		strings.Contains(details, "rp id"):
		return newProtocolError(KindOriginMismatch, err)
	case strings.Contains(details, "does not own"),
		strings.Contains(details, "not found"),
		strings.Contains(details, "no credentials"):
		return newProtocolError(KindUnknownCredential, err)
	}

	switch libErr.Type {
	case protocol.ErrAssertionSignature.Type, protocol.ErrInvalidAttestation.Type:
		return newProtocolError(KindSignatureInvalid, err)
	case protocol.ErrParsingData.Type, protocol.ErrBadRequest.Type:
		return newProtocolError(KindMalformedResponse, err)
	default:
		return newProtocolError(KindVerificationFailed, err)
	}
}
