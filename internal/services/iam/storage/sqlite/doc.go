// Package sqlite provides SQLite-backed identity, ceremony and session
// persistence.
//
// It is the default on-disk store for the IAM service. A single database file
// holds every table so registration can create a user and its passkey in one
// transaction.
package sqlite
