// Package grantkey generates the Ed25519 key used to sign session grants.
package grantkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/louisbranch/iam/internal/services/iam/grant"
)

// Run generates a grant signing key and writes shell exports for it. The key
// is loaded through the grant issuer before printing so the output is always
// accepted by the service.
func Run(out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}
	_, privateKey, err := ed25519.GenerateKey(reader)
	if err != nil {
		return fmt.Errorf("generate grant key: %w", err)
	}
	encoded := base64.RawStdEncoding.EncodeToString(privateKey.Seed())

	cfg := grant.Config{Issuer: "iam", Audience: "iam-clients", PrivateKey: encoded, TTL: time.Minute}
	issuer, err := grant.NewIssuer(cfg, nil)
	if err != nil {
		return fmt.Errorf("load generated grant key: %w", err)
	}

	if _, err := fmt.Fprintf(out, "export IAM_GRANT_PRIVATE_KEY=%s\n", encoded); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "export IAM_GRANT_PUBLIC_KEY=%s\n", issuer.PublicKey()); err != nil {
		return err
	}
	return nil
}
