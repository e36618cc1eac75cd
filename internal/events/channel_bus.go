package events

import (
	"sync"

	"github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/events"
	kvlog "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/log"
)

// ChannelEventBus implements events.Bus with a buffered channel. Emission
// never blocks: when the buffer is full the event is dropped with a warning.
type ChannelEventBus struct {
	mu      sync.RWMutex
	closed  bool
	channel chan events.Event
	log     kvlog.Logger
}

// NewChannelEventBus creates a bus buffering up to bufferSize events
// (100 when non-positive). Panics if log is nil.
func NewChannelEventBus(bufferSize int, log kvlog.Logger) *ChannelEventBus {
	const defaultBufferSize = 100
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if log == nil {
		panic("ChannelEventBus requires a non-nil logger")
	}
	bus := &ChannelEventBus{
		channel: make(chan events.Event, bufferSize),
		log:     log.With("component", "ChannelEventBus"),
	}
	bus.log.Debugf("ChannelEventBus initialized with buffer size %d", bufferSize)
	return bus
}

// Emit queues event without blocking. Events emitted after Close are
// discarded.
func (c *ChannelEventBus) Emit(event events.Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.channel <- event:
	default:
		c.log.Warnf("Event channel buffer full, dropping event type '%s'", event.Type)
	}
}

// GetChannel returns the channel consumers read events from.
func (c *ChannelEventBus) GetChannel() <-chan events.Event {
	return c.channel
}

// Close closes the channel, ending every consumer loop. It is safe to call
// more than once.
func (c *ChannelEventBus) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.channel)
}

var _ events.Bus = (*ChannelEventBus)(nil)
