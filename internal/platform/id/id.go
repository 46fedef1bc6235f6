// Package id generates opaque identifiers shared across storage rows.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Length is the length of every identifier NewID returns.
const Length = 26

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a random UUIDv4 rendered as 26 lowercase base32 characters.
func NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(value[:])), nil
}

// Valid reports whether s has the shape NewID produces.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	decoded, err := encoding.DecodeString(strings.ToUpper(s))
	if err != nil || len(decoded) != 16 {
		return false
	}
	return s == strings.ToLower(s)
}
