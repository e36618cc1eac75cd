// Package config loads the YAML configuration of the settings store and
// turns it into store options.
package config

import (
	"time"

	v1 "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1"
)

// Defaults for the fields that are not part of the store's own defaults.
const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)

// Config represents the top-level structure of a kvsettings YAML file.
type Config struct {
	SchemaVersion string          `yaml:"schemaVersion"`
	Map           *MapConfig      `yaml:"map,omitempty"`
	Cache         *CachePolicy    `yaml:"cache,omitempty"`
	Notify        *NotifyPolicy   `yaml:"notify,omitempty"`
	Storages      []StorageConfig `yaml:"storages,omitempty"`
	Log           *LogConfig      `yaml:"log,omitempty"`

	// FilePath is the source file, kept for error messages. It is not parsed
	// from the YAML.
	FilePath string `yaml:"-"`
}

// MapConfig sizes the settings map. Zero fields take the store defaults.
type MapConfig struct {
	Capacity  int `yaml:"capacity,omitempty"`
	KeySize   int `yaml:"key_size,omitempty"`
	ValueSize int `yaml:"value_size,omitempty"`
}

// StorageConfig names one storage file to attach at startup.
type StorageConfig struct {
	Path string `yaml:"path"`
	Type string `yaml:"type"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		SchemaVersion: SupportedSchemaVersion,
		Map: &MapConfig{
			Capacity:  v1.DefaultCapacity,
			KeySize:   v1.DefaultKeySize,
			ValueSize: v1.DefaultValueSize,
		},
		Cache: &CachePolicy{Delay: "0s"},
		Notify: &NotifyPolicy{
			MaxSubscribers: v1.DefaultMaxSubscribers,
			BufferSize:     v1.DefaultNotifyBuffer,
		},
		Log: &LogConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

// GetCapacity returns the configured map capacity or the default.
func (c *Config) GetCapacity() int {
	if c.Map != nil && c.Map.Capacity > 0 {
		return c.Map.Capacity
	}
	return v1.DefaultCapacity
}

// GetKeySize returns the configured key field size or the default.
func (c *Config) GetKeySize() int {
	if c.Map != nil && c.Map.KeySize > 0 {
		return c.Map.KeySize
	}
	return v1.DefaultKeySize
}

// GetValueSize returns the configured string value size or the default.
func (c *Config) GetValueSize() int {
	if c.Map != nil && c.Map.ValueSize > 0 {
		return c.Map.ValueSize
	}
	return v1.DefaultValueSize
}

// GetCacheDelay returns the cached-save delay, or 0 (immediate saves) if
// unset or invalid.
func (c *Config) GetCacheDelay() time.Duration {
	if c.Cache == nil || c.Cache.Delay == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Cache.Delay)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

func (c *Config) GetMaxSubscribers() int {
	if c.Notify != nil && c.Notify.MaxSubscribers > 0 {
		return c.Notify.MaxSubscribers
	}
	return v1.DefaultMaxSubscribers
}

func (c *Config) GetNotifyBuffer() int {
	if c.Notify != nil && c.Notify.BufferSize > 0 {
		return c.Notify.BufferSize
	}
	return v1.DefaultNotifyBuffer
}

// GetLogLevel returns the configured log level or "info".
func (c *Config) GetLogLevel() string {
	if c.Log != nil && c.Log.Level != "" {
		return c.Log.Level
	}
	return DefaultLogLevel
}

// GetLogFormat returns the configured log format or "text".
func (c *Config) GetLogFormat() string {
	if c.Log != nil && c.Log.Format != "" {
		return c.Log.Format
	}
	return DefaultLogFormat
}

// StoreOptions converts the configuration into store options. Storages are
// not included: they are attached after the store exists.
func (c *Config) StoreOptions() []v1.StoreOption {
	return []v1.StoreOption{
		v1.WithMapGeometry(c.GetCapacity(), c.GetKeySize(), c.GetValueSize()),
		v1.WithCacheDelay(c.GetCacheDelay()),
		v1.WithNotifyLimits(c.GetMaxSubscribers(), c.GetNotifyBuffer()),
	}
}

// Kind parses the storage type name.
func (s StorageConfig) Kind() (v1.StorageKind, error) {
	return v1.ParseStorageKind(s.Type)
}
