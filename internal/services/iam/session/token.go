package session

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// TokenBytes is the size of a raw bearer token.
const TokenBytes = 32

// fingerprintLength is the hash prefix exposed in audit events and grants.
const fingerprintLength = 16

func newToken(random io.Reader) (string, string, error) {
	if random == nil {
		random = rand.Reader
	}
	raw := make([]byte, TokenBytes)
	if _, err := io.ReadFull(random, raw); err != nil {
		return "", "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), HashToken(raw), nil
}

// HashToken returns the hex BLAKE3 digest stored for a raw token.
func HashToken(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// parseToken decodes a transmitted token and returns its hash.
func parseToken(token string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != TokenBytes {
		return "", false
	}
	return HashToken(raw), true
}

// Fingerprint shortens a token hash for logs and downstream assertions.
func Fingerprint(idHash string) string {
	if len(idHash) <= fingerprintLength {
		return idHash
	}
	return idHash[:fingerprintLength]
}
