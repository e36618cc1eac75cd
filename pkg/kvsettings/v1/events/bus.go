package events

import "time"

// EventType represents the type of a settings store lifecycle event.
type EventType string

// Standard settings store event types.
const (
	SettingCreated      EventType = "SettingCreated"      // Create appended a new record
	SettingChanged      EventType = "SettingChanged"      // Set changed a value's bytes
	SettingsCleared     EventType = "SettingsCleared"     // Clear reset the whole map
	StorageAttached     EventType = "StorageAttached"     // SetStorage registered a backend
	StorageLoaded       EventType = "StorageLoaded"       // A backend image was merged into the map
	StorageLoadFailed   EventType = "StorageLoadFailed"   // A backend image was rejected
	StorageSaved        EventType = "StorageSaved"        // A backend was written
	StorageSaveFailed   EventType = "StorageSaveFailed"   // A backend write failed
	SaveScheduled       EventType = "SaveScheduled"       // A cached save was (re)armed
	NotificationDropped EventType = "NotificationDropped" // A subscriber's queue was full
)

// Event represents a significant occurrence within the settings store.
type Event struct {
	// Type categorizes the event.
	Type EventType `json:"type"`
	// Timestamp marks when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// Key identifies the setting involved, if any.
	Key string `json:"key,omitempty"`
	// Backend names the storage kind involved (e.g. "eeprom"), if any.
	Backend string `json:"backend,omitempty"`
	// Path is the storage file involved, if any.
	Path string `json:"path,omitempty"`
	// Payload contains event-specific data such as "bytes_written",
	// "records" or "error". Setting values are never included.
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Bus defines the interface for publishing store events.
type Bus interface {
	// Emit publishes an event to the bus. The store calls Emit while holding
	// its lock, so implementations must not block.
	Emit(event Event)
}

// Well-known payload keys.
const (
	PayloadBytesWritten = "bytes_written" // int, physical bytes written by a save
	PayloadRecords      = "records"       // int, records in the map after the event
	PayloadSkipped      = "skipped"       // int, loaded records that found no slot
	PayloadSubscriber   = "subscriber"    // string, subscriber ID
	PayloadError        = "error"         // string, error message
)
