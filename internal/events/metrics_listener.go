package events

import (
	"context"

	"github.com/gxo-labs/kvsettings/internal/metrics"
	"github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/events"
	kvlog "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/log"
)

// MetricsEventListener consumes a ChannelEventBus and updates the store
// collectors from the events it receives.
type MetricsEventListener struct {
	bus        *ChannelEventBus
	log        kvlog.Logger
	collectors *metrics.Collectors
}

// NewMetricsEventListener creates a listener. Panics on nil dependencies.
func NewMetricsEventListener(bus *ChannelEventBus, collectors *metrics.Collectors, log kvlog.Logger) *MetricsEventListener {
	if bus == nil || collectors == nil || log == nil {
		panic("MetricsEventListener requires a non-nil ChannelEventBus, Collectors, and Logger")
	}
	return &MetricsEventListener{
		bus:        bus,
		log:        log.With("component", "MetricsEventListener"),
		collectors: collectors,
	}
}

// Start consumes events until the bus is closed or ctx is done. Run it in
// its own goroutine.
func (l *MetricsEventListener) Start(ctx context.Context) {
	l.log.Debugf("Starting metrics event listener...")
	for {
		select {
		case event, ok := <-l.bus.GetChannel():
			if !ok {
				l.log.Debugf("Event bus channel closed, stopping listener.")
				return
			}
			l.handleEvent(event)
		case <-ctx.Done():
			l.log.Debugf("Context cancelled, stopping metrics event listener.")
			return
		}
	}
}

func (l *MetricsEventListener) handleEvent(event events.Event) {
	c := l.collectors
	switch event.Type {
	case events.StorageSaved:
		c.Saves.WithLabelValues(event.Backend, "ok").Inc()
		if n, ok := payloadNumber(event, events.PayloadBytesWritten); ok {
			c.BytesWritten.WithLabelValues(event.Backend).Add(n)
		}
	case events.StorageSaveFailed:
		c.Saves.WithLabelValues(event.Backend, "error").Inc()
	case events.StorageLoaded:
		c.Loads.WithLabelValues(event.Backend, "ok").Inc()
	case events.StorageLoadFailed:
		c.Loads.WithLabelValues(event.Backend, "error").Inc()
	case events.SettingCreated:
		c.Mutations.WithLabelValues("create").Inc()
	case events.SettingChanged:
		c.Mutations.WithLabelValues("set").Inc()
	case events.SettingsCleared:
		c.Mutations.WithLabelValues("clear").Inc()
	case events.NotificationDropped:
		c.NotificationsDropped.Inc()
	}
	if n, ok := payloadNumber(event, events.PayloadRecords); ok {
		c.Records.Set(n)
	}
}

func payloadNumber(event events.Event, key string) (float64, bool) {
	switch v := event.Payload[key].(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
