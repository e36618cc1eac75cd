package errors

import (
	"errors"
	"fmt"
)

// --- Settings Error Taxonomy ---
//
// Every error returned by the store wraps exactly one of the sentinels below,
// so callers can classify failures with errors.Is regardless of how much
// context (key, backend, path) has been attached on the way up.

var (
	// ErrNotFound reports a key absent from the map, or a storage file that
	// does not exist when it is first attached.
	ErrNotFound = errors.New("not found")
	// ErrCorrupt reports a CRC or digest mismatch, a bad magic value, or a
	// malformed text record.
	ErrCorrupt = errors.New("storage corrupt")
	// ErrTypeMismatch reports a get/set whose kind disagrees with the stored kind.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrCapacityExceeded reports a full settings map or subscriber table.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrAlreadyProtected reports an attempt to re-create a key that already
	// holds a declared value different from the requested default.
	ErrAlreadyProtected = errors.New("setting already exists")
	// ErrIO reports an open/read/write/seek failure of the underlying medium.
	ErrIO = errors.New("i/o failure")
	// ErrOutOfMemory reports a storage image too large to buffer.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrInternalInconsistency reports a state the persistence layer refuses
	// to act on, such as in-place size growth during a differential save.
	ErrInternalInconsistency = errors.New("internal inconsistency")
	// ErrOutOfRange reports an iteration index past the last record.
	ErrOutOfRange = errors.New("index out of range")
	// ErrInvalidArgument reports a key or value violating the configured bounds.
	ErrInvalidArgument = errors.New("invalid argument")
)

// SettingError attaches the key and operation to a map-level failure.
type SettingError struct {
	Key   string
	Op    string // e.g., "create", "get", "set"
	Cause error
}

func NewSettingError(key, op string, cause error) *SettingError {
	return &SettingError{Key: key, Op: op, Cause: cause}
}
func (e *SettingError) Error() string {
	return fmt.Sprintf("setting '%s' %s: %v", e.Key, e.Op, e.Cause)
}
func (e *SettingError) Unwrap() error { return e.Cause }

// StorageError attaches the backend kind, file path and operation to a
// persistence failure.
type StorageError struct {
	Backend string // e.g., "binary", "eeprom"
	Path    string
	Op      string // "load", "save", "stat"
	Cause   error
}

func NewStorageError(backend, path, op string, cause error) *StorageError {
	return &StorageError{Backend: backend, Path: path, Op: op, Cause: cause}
}
func (e *StorageError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("storage %s '%s': %v", e.Op, e.Path, e.Cause)
	}
	return fmt.Sprintf("%s storage %s '%s': %v", e.Backend, e.Op, e.Path, e.Cause)
}
func (e *StorageError) Unwrap() error { return e.Cause }

// ConfigError represents an error encountered while loading, parsing,
// or validating the settings configuration file or store options.
type ConfigError struct {
	Message string
	Cause   error
}

func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{Message: message, Cause: cause}
}
func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}
func (e *ConfigError) Unwrap() error { return e.Cause }

// ValidationError indicates that some input (configuration structure,
// schema version, bounds) failed validation checks.
type ValidationError struct {
	Message string
	Cause   error
}

func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{Message: message, Cause: cause}
}
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}
func (e *ValidationError) Unwrap() error { return e.Cause }

// IsNotFound checks whether err wraps ErrNotFound. Callers attaching a new
// storage file use it to decide whether to create the file and retry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCorrupt checks whether err wraps ErrCorrupt.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}
