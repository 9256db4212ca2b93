package zigbee

import (
	"context"

	"github.com/nerrad567/gray-logic-zigbee/internal/catalog"
)

// CatalogSource is the read-only device catalog. *catalog.Catalog implements it.
type CatalogSource interface {
	// Resolve returns the device or group with the given ID, groups first.
	Resolve(id string) (*catalog.Device, bool)
	Groups() []*catalog.Device
	Devices() []*catalog.Device
}

// CreationTracker answers whether a slot has been materialised in the store.
type CreationTracker interface {
	IsCreated(namespace, slotID string) bool
}

// StateStore is the backing key/value store. Every method may fail with a
// transient error.
type StateStore interface {
	// Set persists value even when unchanged.
	Set(ctx context.Context, key string, value any) error

	// SetIfChanged persists value only when it differs from the stored one.
	SetIfChanged(ctx context.Context, key string, value any) error

	Subscribe(ctx context.Context, pattern string) error
	Unsubscribe(ctx context.Context, pattern string) error
}

// DebugFilter lists device IDs or namespaces whose messages are logged verbatim.
type DebugFilter interface {
	Contains(id string) bool
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}
