// Package authentication runs passkey sign-in ceremonies. Targeted and
// discoverable ceremonies start differently and finish through one path.
package authentication
