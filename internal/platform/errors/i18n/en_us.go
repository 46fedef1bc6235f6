package i18n

// Error codes must match the codes defined in internal/platform/errors/codes.go.
// These are duplicated as strings to avoid an import cycle.
const (
	CodeInvalidArgument           = "INVALID_ARGUMENT"
	CodeInvalidEmail              = "INVALID_EMAIL"
	CodeInvalidDisplayName        = "INVALID_DISPLAY_NAME"
	CodeNotFound                  = "NOT_FOUND"
	CodeUserNotFound              = "USER_NOT_FOUND"
	CodeCeremonyNotFound          = "CEREMONY_NOT_FOUND"
	CodeSessionInvalid            = "SESSION_INVALID"
	CodeUnauthenticated           = "UNAUTHENTICATED"
	CodeEmailAlreadyTaken         = "EMAIL_ALREADY_REGISTERED"
	CodePasskeyVerificationFailed = "PASSKEY_VERIFICATION_FAILED"
	CodePasskeyCounterRegression  = "PASSKEY_COUNTER_REGRESSION"
	CodePasskeyUnknownCredential  = "PASSKEY_UNKNOWN_CREDENTIAL"
	CodePasskeyAlreadyRegistered  = "PASSKEY_ALREADY_REGISTERED"
	CodeForbidden                 = "FORBIDDEN"
	CodeSessionAlreadyElevated    = "SESSION_ALREADY_ELEVATED"
	CodeDowngradeImpossible       = "DOWNGRADE_IMPOSSIBLE"
	CodeGrantsDisabled            = "GRANTS_DISABLED"
	CodeGrantInvalid              = "GRANT_INVALID"
	CodeInternal                  = "INTERNAL"
)

var enUSMessages = map[Code]string{
	CodeInvalidArgument:           "The request is invalid{{if .Field}}: {{.Field}}{{end}}.",
	CodeInvalidEmail:              "Enter a valid email address.",
	CodeInvalidDisplayName:        "Display name must be between 1 and 64 characters.",
	CodeNotFound:                  "Not found.",
	CodeUserNotFound:              "User not found.",
	CodeCeremonyNotFound:          "This sign-in attempt has expired. Please start again.",
	CodeSessionInvalid:            "Your session has ended. Please sign in again.",
	CodeUnauthenticated:           "You are not signed in.",
	CodeEmailAlreadyTaken:         "An account with this email already exists.",
	CodePasskeyVerificationFailed: "The passkey could not be verified.",
	CodePasskeyCounterRegression:  "This passkey reported an unexpected signature counter and was rejected.",
	CodePasskeyUnknownCredential:  "This passkey is not registered.",
	CodePasskeyAlreadyRegistered:  "This passkey is already registered.",
	CodeForbidden:                 "You are not allowed to do that.",
	CodeSessionAlreadyElevated:    "This session already has administrator access.",
	CodeDowngradeImpossible:       "This session has no administrator access to give up.",
	CodeGrantsDisabled:            "Session grants are not enabled on this server.",
	CodeGrantInvalid:              "The grant is invalid.",
	CodeInternal:                  "Something went wrong. Please try again.",
}
