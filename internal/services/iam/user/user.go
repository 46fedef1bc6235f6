package user

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	apperrors "github.com/louisbranch/iam/internal/platform/errors"
	"github.com/louisbranch/iam/internal/platform/id"
	"golang.org/x/net/idna"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// AdminTag grants eligibility for elevating a session to the admin scope.
const AdminTag = "iam::admin"

const (
	// MaxDisplayNameLength bounds display names in runes.
	MaxDisplayNameLength = 64
	maxEmailLength       = 254
	maxLocalPartLength   = 64
)

var (
	// ErrInvalidEmail indicates an address that cannot be canonicalized.
	ErrInvalidEmail = apperrors.New(apperrors.CodeInvalidEmail, "email address is invalid")
	// ErrInvalidDisplayName indicates an empty, oversized or non-printable display name.
	ErrInvalidDisplayName = apperrors.New(apperrors.CodeInvalidDisplayName, "display name is invalid")

	emailFolder = cases.Fold()
	domainIDNA  = idna.New(idna.MapForLookup(), idna.StrictDomainName(true), idna.BidiRule())
)

// User represents an identity record.
type User struct {
	ID          string
	Email       string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Tag is a named label attached to users; authorization reads AdminTag.
type Tag struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// CreateUserInput describes the metadata needed to create a user.
type CreateUserInput struct {
	Email       string
	DisplayName string
}

// CreateUser builds a user record from validated input.
func CreateUser(input CreateUserInput, now func() time.Time, idGenerator func() (string, error)) (User, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateUserInput(input)
	if err != nil {
		return User{}, err
	}

	userID, err := idGenerator()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	createdAt := now().UTC()
	return User{
		ID:          userID,
		Email:       normalized.Email,
		DisplayName: normalized.DisplayName,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}, nil
}

// NormalizeCreateUserInput canonicalizes the email and display name.
func NormalizeCreateUserInput(input CreateUserInput) (CreateUserInput, error) {
	email, err := NormalizeEmail(input.Email)
	if err != nil {
		return CreateUserInput{}, err
	}
	displayName, err := NormalizeDisplayName(input.DisplayName)
	if err != nil {
		return CreateUserInput{}, err
	}
	return CreateUserInput{Email: email, DisplayName: displayName}, nil
}

// NormalizeEmail returns the canonical form of an address: the local part is
// case-folded and the domain is converted to lowercase ASCII (punycode).
func NormalizeEmail(raw string) (string, error) {
	value := norm.NFC.String(strings.TrimSpace(raw))
	if value == "" || len(value) > maxEmailLength || !utf8.ValidString(value) {
		return "", ErrInvalidEmail
	}
	at := strings.LastIndexByte(value, '@')
	if at <= 0 || at == len(value)-1 {
		return "", ErrInvalidEmail
	}
	local, domain := value[:at], value[at+1:]
	if len(local) > maxLocalPartLength || !validLocalPart(local) {
		return "", ErrInvalidEmail
	}

	asciiDomain, err := domainIDNA.ToASCII(domain)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInvalidEmail, "email domain is invalid", err)
	}
	asciiDomain = strings.ToLower(asciiDomain)
	if !validDomain(asciiDomain) {
		return "", ErrInvalidEmail
	}

	canonical := emailFolder.String(local) + "@" + asciiDomain
	if len(canonical) > maxEmailLength {
		return "", ErrInvalidEmail
	}
	return canonical, nil
}

func validLocalPart(local string) bool {
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
		return false
	}
	for _, r := range local {
		if r == '@' || r == '"' || r == '\\' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

func validDomain(domain string) bool {
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if label == "" || len(label) > 63 {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
				return false
			}
		}
	}
	return true
}

// NormalizeDisplayName trims and NFC-normalizes a display name.
func NormalizeDisplayName(raw string) (string, error) {
	value := norm.NFC.String(strings.TrimSpace(raw))
	length := utf8.RuneCountInString(value)
	if length == 0 || length > MaxDisplayNameLength {
		return "", ErrInvalidDisplayName
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			return "", ErrInvalidDisplayName
		}
	}
	return value, nil
}

// HasTag reports whether tags contains a tag with the given name.
func HasTag(tags []Tag, name string) bool {
	for _, tag := range tags {
		if tag.Name == name {
			return true
		}
	}
	return false
}
