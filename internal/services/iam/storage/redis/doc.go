// Package redis provides a Redis-backed ceremony store.
//
// Pending ceremonies are short-lived, so Redis key expiry does the reclamation
// the SQLite store needs a sweep for. Identity and session rows stay in SQLite.
package redis
