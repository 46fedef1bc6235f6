// Package app wires the IAM stores, ceremonies, session authority and
// listeners into a runnable service.
package app
