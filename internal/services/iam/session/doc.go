// Package session is the authority over browser sessions.
//
// Bearer tokens are random and only their BLAKE3 digest is stored. Scope
// changes never mutate a row: the current session is superseded and a new one
// is issued in the same transaction, so one login has at most one live scope.
package session
