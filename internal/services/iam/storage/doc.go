// Package storage defines persistence contracts for identity, ceremony and
// session state.
//
// Managers and the session authority depend on these interfaces so the
// ceremony backend can move between SQLite and Redis without touching the
// orchestration code.
package storage
