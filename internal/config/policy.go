package config

// CachePolicy controls cached (debounced) saves.
type CachePolicy struct {
	// Delay is a Go duration string. Every mutation restarts the delay and
	// the map is saved once it expires. "0s" or empty saves on every
	// mutation.
	Delay string `yaml:"delay,omitempty" json:"delay,omitempty"`
}

// NotifyPolicy bounds the change notification fan-out.
type NotifyPolicy struct {
	// MaxSubscribers is the size of the subscriber table.
	MaxSubscribers int `yaml:"max_subscribers,omitempty" json:"max_subscribers,omitempty"`
	// BufferSize is the per-subscriber queue length. Notifications to a full
	// queue are dropped, never waited for.
	BufferSize int `yaml:"buffer_size,omitempty" json:"buffer_size,omitempty"`
}
