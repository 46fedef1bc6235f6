// Package user defines the identity record that passkeys and sessions hang off.
//
// Email addresses are the human-facing key for targeted sign-in, so every
// address is canonicalized here before it is stored or compared.
package user
