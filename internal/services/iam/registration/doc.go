// Package registration runs the passkey registration ceremony: it reserves an
// email with a pending ceremony, verifies the authenticator's attestation and
// creates the user together with its first passkey.
package registration
