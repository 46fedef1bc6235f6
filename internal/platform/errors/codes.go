// Package errors provides structured error handling with i18n support.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Input errors
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeInvalidEmail       Code = "INVALID_EMAIL"
	CodeInvalidDisplayName Code = "INVALID_DISPLAY_NAME"

	// Lookup errors
	CodeNotFound          Code = "NOT_FOUND"
	CodeUserNotFound      Code = "USER_NOT_FOUND"
	CodeCeremonyNotFound  Code = "CEREMONY_NOT_FOUND"
	CodeSessionInvalid    Code = "SESSION_INVALID"
	CodeUnauthenticated   Code = "UNAUTHENTICATED"
	CodeEmailAlreadyTaken Code = "EMAIL_ALREADY_REGISTERED"

	// Passkey ceremony errors
	CodePasskeyVerificationFailed Code = "PASSKEY_VERIFICATION_FAILED"
	CodePasskeyCounterRegression  Code = "PASSKEY_COUNTER_REGRESSION"
	CodePasskeyUnknownCredential  Code = "PASSKEY_UNKNOWN_CREDENTIAL"
	CodePasskeyAlreadyRegistered  Code = "PASSKEY_ALREADY_REGISTERED"

	// Session scope errors
	CodeForbidden              Code = "FORBIDDEN"
	CodeSessionAlreadyElevated Code = "SESSION_ALREADY_ELEVATED"
	CodeDowngradeImpossible    Code = "DOWNGRADE_IMPOSSIBLE"

	// Grant errors
	CodeGrantsDisabled Code = "GRANTS_DISABLED"
	CodeGrantInvalid   Code = "GRANT_INVALID"

	// CodeInternal marks failures the caller cannot act on.
	CodeInternal Code = "INTERNAL"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	// BadRequest - validation failures, bad input
	case CodeInvalidArgument,
		CodeInvalidEmail,
		CodeInvalidDisplayName:
		return http.StatusBadRequest

	// NotFound - resource doesn't exist
	case CodeNotFound,
		CodeUserNotFound,
		CodeCeremonyNotFound:
		return http.StatusNotFound

	// Unauthorized - no usable credential or ceremony proof
	case CodeSessionInvalid,
		CodeUnauthenticated,
		CodePasskeyVerificationFailed,
		CodePasskeyCounterRegression,
		CodePasskeyUnknownCredential,
		CodeGrantInvalid:
		return http.StatusUnauthorized

	case CodeForbidden:
		return http.StatusForbidden

	// Conflict - state doesn't allow operation
	case CodeEmailAlreadyTaken,
		CodePasskeyAlreadyRegistered,
		CodeSessionAlreadyElevated,
		CodeDowngradeImpossible:
		return http.StatusConflict

	case CodeGrantsDisabled:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
