// Package timeouts defines shared timeout constants used by the service.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long listeners wait for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second

// StoreOperation caps a single background maintenance call against storage.
const StoreOperation = 30 * time.Second
