// Package store provides durable preference persistence interfaces and implementations.
package store

import (
	"context"
)

// Preference keys kept outside the session JSON record.
const (
	KeyPermissionsGranted = "permissionsGranted"
	KeyDirectoryPath      = "directoryPath"
)

// Preferences persists small durable values that must survive restarts
// independently of the session record.
type Preferences interface {
	// Get returns the value stored under key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set creates or replaces the value stored under key.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
