// Package grant signs short-lived session grants: EdDSA JWTs that let
// downstream services trust a session without calling back into IAM.
package grant

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/louisbranch/iam/internal/platform/errors"
	"github.com/louisbranch/iam/internal/platform/id"
)

var (
	// ErrDisabled reports that no signing key is configured.
	ErrDisabled = apperrors.New(apperrors.CodeGrantsDisabled, "session grants are disabled")
	// ErrInvalid reports a grant that failed verification.
	ErrInvalid = apperrors.New(apperrors.CodeGrantInvalid, "session grant is invalid")
)

// Config defines how grants are signed.
type Config struct {
	Issuer   string `env:"IAM_GRANT_ISSUER"   envDefault:"iam"`
	Audience string `env:"IAM_GRANT_AUDIENCE" envDefault:"iam-clients"`
	// PrivateKey is a base64 ed25519 seed or private key. Empty disables
	// grants.
	PrivateKey string        `env:"IAM_GRANT_PRIVATE_KEY"`
	TTL        time.Duration `env:"IAM_GRANT_TTL" envDefault:"5m"`
}

// Subject is the session a grant describes.
type Subject struct {
	UserID string
	Email  string
	Scope  string
	// SessionID is the session fingerprint, never the bearer token.
	SessionID string
	// NotAfter caps the grant expiry, normally at the session expiry.
	NotAfter time.Time
}

// Grant is a signed assertion.
type Grant struct {
	Token     string
	ExpiresAt time.Time
}

// Claims are the verified contents of a grant.
type Claims struct {
	Issuer    string
	Audience  []string
	Subject   string
	Email     string
	Scope     string
	SessionID string
	JWTID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type grantClaims struct {
	jwt.RegisteredClaims
	Email     string `json:"email"`
	Scope     string `json:"scope"`
	SessionID string `json:"sid"`
}

// Issuer signs and verifies grants. A nil or keyless Issuer is disabled.
type Issuer struct {
	issuer     string
	audience   string
	ttl        time.Duration
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	now        func() time.Time
}

// NewIssuer builds an issuer from cfg. now defaults to time.Now.
func NewIssuer(cfg Config, now func() time.Time) (*Issuer, error) {
	if now == nil {
		now = time.Now
	}
	issuer := &Issuer{
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		ttl:      cfg.TTL,
		now:      now,
	}
	raw := strings.TrimSpace(cfg.PrivateKey)
	if raw == "" {
		return issuer, nil
	}
	if issuer.issuer == "" {
		return nil, errors.New("IAM_GRANT_ISSUER is required")
	}
	if issuer.audience == "" {
		return nil, errors.New("IAM_GRANT_AUDIENCE is required")
	}
	if issuer.ttl <= 0 {
		return nil, errors.New("IAM_GRANT_TTL must be positive")
	}
	key, err := parsePrivateKey(raw)
	if err != nil {
		return nil, err
	}
	issuer.privateKey = key
	issuer.publicKey = key.Public().(ed25519.PublicKey)
	return issuer, nil
}

// Enabled reports whether grants can be issued.
func (i *Issuer) Enabled() bool {
	return i != nil && len(i.privateKey) == ed25519.PrivateKeySize
}

// PublicKey returns the base64 verification key, or "" when disabled.
func (i *Issuer) PublicKey() string {
	if !i.Enabled() {
		return ""
	}
	return base64.RawStdEncoding.EncodeToString(i.publicKey)
}

// Issue signs a grant for subject.
func (i *Issuer) Issue(subject Subject) (Grant, error) {
	if !i.Enabled() {
		return Grant{}, ErrDisabled
	}
	if strings.TrimSpace(subject.UserID) == "" {
		return Grant{}, apperrors.New(apperrors.CodeInvalidArgument, "grant subject is required")
	}
	jti, err := id.NewID()
	if err != nil {
		return Grant{}, fmt.Errorf("generate grant id: %w", err)
	}

	now := i.now().UTC()
	expiresAt := now.Add(i.ttl)
	if !subject.NotAfter.IsZero() {
		if !now.Before(subject.NotAfter) {
			return Grant{}, apperrors.New(apperrors.CodeSessionInvalid, "session has expired")
		}
		if subject.NotAfter.Before(expiresAt) {
			expiresAt = subject.NotAfter.UTC()
		}
	}
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject.UserID,
			Audience:  jwt.ClaimStrings{i.audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
		Email:     subject.Email,
		Scope:     subject.Scope,
		SessionID: subject.SessionID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.privateKey)
	if err != nil {
		return Grant{}, fmt.Errorf("sign grant: %w", err)
	}
	return Grant{Token: token, ExpiresAt: expiresAt}, nil
}

// Verify checks the signature, issuer, audience and expiry of token.
func (i *Issuer) Verify(token string) (Claims, error) {
	if !i.Enabled() {
		return Claims{}, ErrDisabled
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalid
	}

	var parsed grantClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return i.publicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}
	if parsed.Subject == "" {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeGrantInvalid, "grant subject is missing", map[string]string{"Field": "sub"})
	}

	claims := Claims{
		Issuer:    parsed.Issuer,
		Audience:  []string(parsed.Audience),
		Subject:   parsed.Subject,
		Email:     parsed.Email,
		Scope:     parsed.Scope,
		SessionID: parsed.SessionID,
		JWTID:     parsed.ID,
		ExpiresAt: parsed.ExpiresAt.Time.UTC(),
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.WithMetadata(apperrors.CodeGrantInvalid, "grant is expired", map[string]string{"Field": "exp"})
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return apperrors.WithMetadata(apperrors.CodeGrantInvalid, "grant issuer mismatch", map[string]string{"Field": "iss"})
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return apperrors.WithMetadata(apperrors.CodeGrantInvalid, "grant audience mismatch", map[string]string{"Field": "aud"})
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrEd25519Verification):
		return apperrors.New(apperrors.CodeGrantInvalid, "grant signature is invalid")
	}
	return ErrInvalid
}

func parsePrivateKey(value string) (ed25519.PrivateKey, error) {
	decoded, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(value, "="))
	if err != nil {
		return nil, fmt.Errorf("decode grant private key: %w", err)
	}
	switch len(decoded) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	}
	return nil, fmt.Errorf("grant private key must be %d or %d bytes", ed25519.SeedSize, ed25519.PrivateKeySize)
}
