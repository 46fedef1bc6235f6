// Package httpapi exposes the IAM ceremonies and session operations as a JSON
// API for browser clients.
package httpapi
