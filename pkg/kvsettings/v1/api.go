package v1

import (
	"context"
	"fmt"
	"strings"
	"time"

	kverrors "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/errors"
	"github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/events"
	"github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/setting"
	"github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/tracing"
)

// Defaults applied when no option or configuration overrides them.
const (
	DefaultCapacity       = 50
	DefaultKeySize        = 32
	DefaultValueSize      = 32
	DefaultMaxSubscribers = 2
	DefaultNotifyBuffer   = 8
)

// StoreV1 defines the public interface of the settings store.
type StoreV1 interface {
	// Init resets the store: an empty map, no storages, no subscribers.
	Init() error
	// SetStorage attaches a storage file and loads it. The file must exist.
	SetStorage(ctx context.Context, path string, kind StorageKind) error
	// Sync saves the map to every attached storage immediately.
	Sync(ctx context.Context) error
	// Notify subscribes to value changes. An empty id gets a generated one.
	Notify(id string, signal int) (*Subscription, error)
	// Unsubscribe removes a subscription and closes its channel.
	Unsubscribe(id string) error
	// Hash returns the 32-bit state hash of the map.
	Hash() uint32
	// Clear resets every setting and purges the storages.
	Clear(ctx context.Context) error
	// Create declares a setting with a default value.
	Create(ctx context.Context, key string, def setting.Value) error
	// TypeOf returns the stored kind of a setting.
	TypeOf(key string) (setting.Kind, error)
	// Get returns a setting's value; kind must match the stored kind.
	Get(key string, kind setting.Kind) (setting.Value, error)
	// Set changes a setting's value; the kind must match the stored kind.
	Set(ctx context.Context, key string, value setting.Value) error
	// Iterate returns a copy of the record at index.
	Iterate(index int) (setting.Record, error)
	// UsedSize reports the bytes used by the first attached storage.
	UsedSize() (int64, error)
	// UsedSizes reports the bytes used by every attached storage.
	UsedSizes() ([]StorageUsage, error)
	// SavePending reports whether a cached or failed save is outstanding.
	SavePending() bool
	// Flush writes an outstanding cached save immediately.
	Flush(ctx context.Context) error
	// Close flushes, stops the save timer and closes subscriptions.
	Close(ctx context.Context) error

	// Setter methods for configuring the store programmatically. Geometry
	// changes take effect at the next Init.
	SetMapGeometry(capacity, keySize, valueSize int) error
	SetCacheDelay(delay time.Duration) error
	SetNotifyLimits(maxSubscribers, bufferSize int) error
	SetEventBus(bus events.Bus) error
	SetTracerProvider(provider tracing.TracerProvider) error
}

// StoreOption is a function type used to configure the store at creation.
type StoreOption func(StoreV1) error

// StorageKind selects the persistence strategy of an attached storage.
type StorageKind int

const (
	// StorageBinary writes the whole map as one CRC-protected image.
	StorageBinary StorageKind = iota
	// StorageText writes one human-readable line per setting.
	StorageText
	// StorageEEPROM rewrites only the records that changed.
	StorageEEPROM
	// StorageCBOR writes a self-describing CBOR image.
	StorageCBOR
)

var storageKindNames = []string{"binary", "text", "eeprom", "cbor"}

// String returns the lowercase name of the storage kind.
func (k StorageKind) String() string {
	if k >= 0 && int(k) < len(storageKindNames) {
		return storageKindNames[k]
	}
	return fmt.Sprintf("storage(%d)", int(k))
}

// ParseStorageKind converts a storage kind name into a StorageKind.
func ParseStorageKind(name string) (StorageKind, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for i, n := range storageKindNames {
		if n == lower {
			return StorageKind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown storage type %q", kverrors.ErrInvalidArgument, name)
}

// StorageUsage reports the space used by one attached storage.
type StorageUsage struct {
	Index int         `json:"index"`
	Path  string      `json:"path"`
	Kind  StorageKind `json:"kind"`
	Bytes int64       `json:"bytes"`
}

// Notification is delivered to subscribers when a setting's value changes.
// It is not sent for Create or Clear.
type Notification struct {
	SubscriberID string    `json:"subscriber_id"`
	Signal       int       `json:"signal"`
	Key          string    `json:"key"`
	Hash         uint32    `json:"hash"`
	Time         time.Time `json:"time"`
}

// Subscription is a registered change subscriber. Notifications arrive on C
// until the subscription is removed or the store is closed.
type Subscription struct {
	ID     string
	Signal int
	C      <-chan Notification
}

// WithMapGeometry is a store option to size the settings map.
func WithMapGeometry(capacity, keySize, valueSize int) StoreOption {
	return func(s StoreV1) error {
		if capacity <= 0 || keySize < 2 || valueSize < 2 {
			return kverrors.NewConfigError(
				fmt.Sprintf("invalid map geometry (capacity=%d key_size=%d value_size=%d)", capacity, keySize, valueSize), nil)
		}
		return s.SetMapGeometry(capacity, keySize, valueSize)
	}
}

// WithCacheDelay is a store option enabling cached saves. A zero delay
// saves synchronously on every mutation.
func WithCacheDelay(delay time.Duration) StoreOption {
	return func(s StoreV1) error {
		if delay < 0 {
			return kverrors.NewConfigError("cache delay cannot be negative", nil)
		}
		return s.SetCacheDelay(delay)
	}
}

// WithNotifyLimits is a store option bounding the subscriber table and the
// per-subscriber notification queue.
func WithNotifyLimits(maxSubscribers, bufferSize int) StoreOption {
	return func(s StoreV1) error {
		if maxSubscribers <= 0 || bufferSize <= 0 {
			return kverrors.NewConfigError("notify limits must be positive", nil)
		}
		return s.SetNotifyLimits(maxSubscribers, bufferSize)
	}
}

// WithEventBus is a store option to provide a custom event bus.
func WithEventBus(bus events.Bus) StoreOption {
	return func(s StoreV1) error {
		if bus == nil {
			return kverrors.NewConfigError("event bus cannot be nil", nil)
		}
		return s.SetEventBus(bus)
	}
}

// WithTracerProvider is a store option to provide a custom tracing provider.
func WithTracerProvider(provider tracing.TracerProvider) StoreOption {
	return func(s StoreV1) error {
		if provider == nil {
			return kverrors.NewConfigError("tracer provider cannot be nil", nil)
		}
		return s.SetTracerProvider(provider)
	}
}
