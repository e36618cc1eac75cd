// Package store implements v1.StoreV1: the settings map together with the
// storage registry, cached saves and change notifications.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gxo-labs/kvsettings/internal/clock"
	internalevents "github.com/gxo-labs/kvsettings/internal/events"
	"github.com/gxo-labs/kvsettings/internal/notify"
	"github.com/gxo-labs/kvsettings/internal/settingsmap"
	"github.com/gxo-labs/kvsettings/internal/storage"
	"github.com/gxo-labs/kvsettings/internal/tracing"
	"github.com/gxo-labs/kvsettings/internal/wire"
	v1 "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1"
	kverrors "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/errors"
	"github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/events"
	kvlog "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/log"
	"github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/setting"
	kvtracing "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/tracing"

	"go.opentelemetry.io/otel/trace"
)

// Geometry bounds accepted by SetMapGeometry.
const (
	MaxCapacity  = wire.MaxRecords
	MinKeySize   = 2
	MaxKeySize   = 255
	MinValueSize = 2
	MaxValueSize = 1024
)

// attachment is one registered storage backend.
type attachment struct {
	backend storage.Backend
	// hash is the map hash last loaded from or saved to the backend.
	hash uint32
	// synced is false until the backend holds a valid image of the map, and
	// again after a failed save.
	synced bool
}

// Store is the settings store. A single mutex serializes every operation,
// including cached saves fired by the timer.
type Store struct {
	mu    sync.Mutex
	log   kvlog.Logger
	clock clock.Clock

	// Geometry and limits applied at Init.
	capacity       int
	layout         wire.Layout
	maxSubscribers int
	notifyBuffer   int

	cacheDelay time.Duration
	bus        events.Bus
	tracer     trace.Tracer

	settings *settingsmap.Map
	storages []*attachment
	// authority is the first storage attached with a valid image, loaded or
	// initialized. Storages loaded after it only contribute keys the map does
	// not hold.
	authority *attachment
	notifier  *notify.Registry

	timer *clock.Timer
	dirty bool
}

var _ v1.StoreV1 = (*Store)(nil)

// NewStore creates a store, applies opts and initializes it. log must not be
// nil.
func NewStore(log kvlog.Logger, opts ...v1.StoreOption) (*Store, error) {
	if log == nil {
		return nil, kverrors.NewConfigError("store requires a non-nil logger", nil)
	}
	s := &Store{
		log:            log.With("component", "SettingsStore"),
		clock:          clock.Real(),
		capacity:       v1.DefaultCapacity,
		layout:         wire.Layout{KeySize: v1.DefaultKeySize, ValueSize: v1.DefaultValueSize},
		maxSubscribers: v1.DefaultMaxSubscribers,
		notifyBuffer:   v1.DefaultNotifyBuffer,
		bus:            internalevents.NewNoOpEventBus(),
		tracer:         tracing.NewNoOpProvider().GetTracer(tracing.TracerName),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetMapGeometry sets the map size used by the next Init.
func (s *Store) SetMapGeometry(capacity, keySize, valueSize int) error {
	switch {
	case capacity < 1 || capacity > MaxCapacity:
		return kverrors.NewConfigError(fmt.Sprintf("capacity %d outside 1..%d", capacity, MaxCapacity), nil)
	case keySize < MinKeySize || keySize > MaxKeySize:
		return kverrors.NewConfigError(fmt.Sprintf("key size %d outside %d..%d", keySize, MinKeySize, MaxKeySize), nil)
	case valueSize < MinValueSize || valueSize > MaxValueSize:
		return kverrors.NewConfigError(fmt.Sprintf("value size %d outside %d..%d", valueSize, MinValueSize, MaxValueSize), nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = capacity
	s.layout = wire.Layout{KeySize: keySize, ValueSize: valueSize}
	return nil
}

// SetCacheDelay sets the debounce delay of cached saves. Zero saves on
// every mutation.
func (s *Store) SetCacheDelay(delay time.Duration) error {
	if delay < 0 {
		return kverrors.NewConfigError("cache delay cannot be negative", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheDelay = delay
	return nil
}

// SetNotifyLimits bounds the subscriber table used by the next Init.
func (s *Store) SetNotifyLimits(maxSubscribers, bufferSize int) error {
	if maxSubscribers <= 0 || bufferSize <= 0 {
		return kverrors.NewConfigError("notify limits must be positive", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxSubscribers = maxSubscribers
	s.notifyBuffer = bufferSize
	return nil
}

func (s *Store) SetEventBus(bus events.Bus) error {
	if bus == nil {
		return kverrors.NewConfigError("event bus cannot be nil", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus = bus
	return nil
}

func (s *Store) SetTracerProvider(provider kvtracing.TracerProvider) error {
	if provider == nil {
		return kverrors.NewConfigError("tracer provider cannot be nil", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracer = provider.GetTracer(tracing.TracerName)
	return nil
}

// SetClock replaces the clock driving cached saves. Tests pass a fake clock.
func (s *Store) SetClock(c clock.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
	s.timer = nil
	s.clock = c
}

// Init resets the store to an empty map with no storages and no
// subscribers. A pending cached save is discarded.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
	s.dirty = false
	if s.notifier != nil {
		s.notifier.Close()
	}
	s.settings = settingsmap.New(s.capacity, s.layout)
	s.storages = nil
	s.authority = nil
	s.notifier = notify.New(s.maxSubscribers, s.notifyBuffer)
	s.log.Debugf("Settings store initialized (capacity=%d key_size=%d value_size=%d)",
		s.capacity, s.layout.KeySize, s.layout.ValueSize)
	return nil
}

// --- map operations ---

// Create declares key with a default value. Re-declaring a key loaded from
// storage keeps the stored value. New keys are persisted like any other
// mutation; Create never notifies subscribers.
func (s *Store) Create(ctx context.Context, key string, def setting.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	created, err := s.settings.Create(key, def)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	s.emit(events.SettingCreated, key, nil, map[string]interface{}{events.PayloadRecords: s.settings.Len()})
	return s.persistLocked(ctx)
}

func (s *Store) TypeOf(key string) (setting.Kind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.TypeOf(key)
}

func (s *Store) Get(key string, kind setting.Kind) (setting.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Get(key, kind)
}

// Set changes the value of key. Writing the value already stored is a no-op:
// nothing is saved and no subscriber is notified. Otherwise the change is
// persisted (immediately or cached) and every subscriber is notified, even
// when an immediate save fails; the save error is returned.
func (s *Store) Set(ctx context.Context, key string, value setting.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed, err := s.settings.Set(key, value)
	if err != nil || !changed {
		return err
	}
	s.emit(events.SettingChanged, key, nil, nil)
	saveErr := s.persistLocked(ctx)
	s.notifyLocked(key)
	return saveErr
}

func (s *Store) Iterate(index int) (setting.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Iterate(index)
}

func (s *Store) Hash() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Hash()
}

// Clear empties the map and immediately overwrites every storage with the
// empty image. Subscribers are not notified.
func (s *Store) Clear(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "kvsettings.Clear")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Clear()
	s.emit(events.SettingsCleared, "", nil, map[string]interface{}{events.PayloadRecords: 0})
	err := s.saveAllLocked(ctx)
	tracing.RecordError(span, err)
	return err
}

// --- notifications ---

func (s *Store) Notify(id string, signal int) (*v1.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, err := s.notifier.Subscribe(id, signal)
	if err != nil {
		return nil, err
	}
	s.log.Debugf("Subscriber '%s' registered for signal %d", sub.ID, sub.Signal)
	return sub, nil
}

func (s *Store) Unsubscribe(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifier.Unsubscribe(id)
}

func (s *Store) notifyLocked(key string) {
	hash := s.settings.Hash()
	_, dropped := s.notifier.Notify(key, hash, s.clock.Now())
	for _, id := range dropped {
		s.log.Warnf("Notification queue of subscriber '%s' full, dropping change of '%s'", id, key)
		s.emit(events.NotificationDropped, key, nil, map[string]interface{}{events.PayloadSubscriber: id})
	}
}

// --- storage registry ---

// SetStorage attaches the file at path with the given persistence strategy
// and merges its content into the map. The first storage attached with a
// valid image is authoritative: its values replace those in the map.
// Storages attached after it only add the keys the map lacks and are then
// rewritten with the map.
//
// The file must exist. An empty file is attached and written with the
// current map. A corrupt file is attached, left out of the map, and
// overwritten by the next save; the corruption error is still returned. Any
// other load failure leaves the storage unattached. After a successful
// merge every storage whose content differs from the map is rewritten.
func (s *Store) SetStorage(ctx context.Context, path string, kind v1.StorageKind) error {
	ctx, span := s.tracer.Start(ctx, "kvsettings.SetStorage",
		trace.WithAttributes(tracing.StorageAttributes(kind.String(), path)...))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.setStorageLocked(ctx, path, kind)
	tracing.RecordError(span, err)
	return err
}

func (s *Store) setStorageLocked(ctx context.Context, path string, kind v1.StorageKind) error {
	size, err := storage.Stat(path)
	if err != nil {
		return err
	}

	att, existing := s.findLocked(path)
	if att == nil || att.backend.Kind() != kind {
		backend, err := storage.New(kind, path, s.layout)
		if err != nil {
			return err
		}
		if att == nil {
			att = &attachment{backend: backend}
		} else {
			att.backend = backend
			att.synced = false
		}
	}
	attach := func() {
		if !existing {
			s.storages = append(s.storages, att)
			existing = true
			s.log.Infof("Attached %s storage '%s' (#%d)", kind, path, len(s.storages)-1)
			s.emit(events.StorageAttached, "", att, nil)
		}
	}

	if size == 0 {
		attach()
		s.claimAuthorityLocked(att)
		s.log.Infof("Storage '%s' is empty, initializing it", path)
		records := s.settings.Records()
		err := s.saveOneLocked(ctx, att, records, s.layout.Checksum(records))
		s.updateDirtyLocked()
		return err
	}

	records, err := s.loadLocked(ctx, att)
	if err != nil {
		if errors.Is(err, kverrors.ErrCorrupt) {
			attach()
			att.synced = false
			s.log.Warnf("Storage '%s' is corrupt and will be rewritten on the next save: %v", path, err)
			s.updateDirtyLocked()
		}
		return err
	}
	attach()

	replace := s.authority == nil || s.authority == att
	_, skipped := s.settings.Merge(records, replace)
	s.claimAuthorityLocked(att)
	if skipped > 0 {
		s.log.Warnf("Storage '%s': %d records did not fit the map and were skipped", path, skipped)
	}
	att.hash = s.layout.Checksum(records)
	att.synced = true
	s.emit(events.StorageLoaded, "", att, map[string]interface{}{
		events.PayloadRecords: s.settings.Len(),
		events.PayloadSkipped: skipped,
	})

	return s.resyncLocked(ctx)
}

func (s *Store) claimAuthorityLocked(att *attachment) {
	if s.authority == nil {
		s.authority = att
		s.log.Debugf("Storage '%s' is authoritative", att.backend.Path())
	}
}

func (s *Store) findLocked(path string) (*attachment, bool) {
	for _, att := range s.storages {
		if att.backend.Path() == path {
			return att, true
		}
	}
	return nil, false
}

func (s *Store) loadLocked(ctx context.Context, att *attachment) ([]setting.Record, error) {
	b := att.backend
	ctx, span := s.tracer.Start(ctx, "kvsettings.storage.load",
		trace.WithAttributes(tracing.StorageAttributes(b.Kind().String(), b.Path())...))
	defer span.End()

	records, err := b.Load(ctx)
	if err != nil {
		tracing.RecordError(span, err)
		s.log.LogCtx(ctx, slog.LevelWarn, "Storage load failed",
			"backend", b.Kind().String(), "path", b.Path(), "error", err.Error())
		s.emit(events.StorageLoadFailed, "", att, map[string]interface{}{events.PayloadError: err.Error()})
		return nil, err
	}
	span.SetAttributes(tracing.AttrRecords.Int(len(records)))
	s.log.LogCtx(ctx, slog.LevelDebug, "Storage loaded",
		"backend", b.Kind().String(), "path", b.Path(), "records", len(records))
	return records, nil
}

// resyncLocked rewrites every storage that does not hold the current map.
func (s *Store) resyncLocked(ctx context.Context) error {
	records := s.settings.Records()
	hash := s.layout.Checksum(records)
	var errs []error
	for _, att := range s.storages {
		if att.synced && att.hash == hash {
			continue
		}
		if err := s.saveOneLocked(ctx, att, records, hash); err != nil {
			errs = append(errs, err)
		}
	}
	s.updateDirtyLocked()
	return errors.Join(errs...)
}

// Sync saves the map to every storage now, whether or not it changed.
func (s *Store) Sync(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "kvsettings.Sync")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.saveAllLocked(ctx)
	tracing.RecordError(span, err)
	return err
}

// Flush performs an outstanding cached or failed save now. It does nothing
// when no save is pending.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.saveAllLocked(ctx)
}

// Close flushes a pending save, stops the save timer and closes every
// subscription. The store can be reused after Init.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.dirty {
		err = s.saveAllLocked(ctx)
	}
	s.stopTimerLocked()
	s.notifier.Close()
	return err
}

func (s *Store) SavePending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// UsedSize reports the bytes used by the first attached storage.
func (s *Store) UsedSize() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.storages) == 0 {
		return 0, fmt.Errorf("%w: no storage attached", kverrors.ErrNotFound)
	}
	return s.storages[0].backend.UsedSize()
}

// UsedSizes reports the bytes used by every attached storage, in attach
// order.
func (s *Store) UsedSizes() ([]v1.StorageUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]v1.StorageUsage, 0, len(s.storages))
	for i, att := range s.storages {
		size, err := att.backend.UsedSize()
		if err != nil {
			return nil, err
		}
		out = append(out, v1.StorageUsage{Index: i, Path: att.backend.Path(), Kind: att.backend.Kind(), Bytes: size})
	}
	return out, nil
}

// --- persistence ---

// persistLocked records a mutation: it saves immediately when caching is
// off, or (re)arms the debounce timer.
func (s *Store) persistLocked(ctx context.Context) error {
	if len(s.storages) == 0 {
		return nil
	}
	if s.cacheDelay <= 0 {
		return s.saveAllLocked(ctx)
	}
	s.dirty = true
	if s.timer == nil {
		s.timer = s.clock.AfterFunc(s.cacheDelay, s.flushFromTimer)
	} else {
		s.timer.Reset(s.cacheDelay)
	}
	s.emit(events.SaveScheduled, "", nil, nil)
	return nil
}

// flushFromTimer is the debounce timer callback.
func (s *Store) flushFromTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return
	}
	if err := s.saveAllLocked(context.Background()); err != nil {
		s.log.Errorf("Cached save failed, will retry on the next change or flush: %v", err)
	}
}

// saveAllLocked writes the map to every storage. dirty stays set when any
// backend fails.
func (s *Store) saveAllLocked(ctx context.Context) error {
	s.stopTimerLocked()
	records := s.settings.Records()
	hash := s.layout.Checksum(records)
	var errs []error
	for _, att := range s.storages {
		if err := s.saveOneLocked(ctx, att, records, hash); err != nil {
			errs = append(errs, err)
		}
	}
	s.dirty = len(errs) > 0
	return errors.Join(errs...)
}

func (s *Store) saveOneLocked(ctx context.Context, att *attachment, records []setting.Record, hash uint32) error {
	b := att.backend
	ctx, span := s.tracer.Start(ctx, "kvsettings.storage.save",
		trace.WithAttributes(tracing.StorageAttributes(b.Kind().String(), b.Path())...),
		trace.WithAttributes(tracing.AttrRecords.Int(len(records))))
	defer span.End()

	if err := b.Save(ctx, records); err != nil {
		att.synced = false
		tracing.RecordError(span, err)
		s.log.LogCtx(ctx, slog.LevelError, "Storage save failed",
			"backend", b.Kind().String(), "path", b.Path(), "error", err.Error())
		s.emit(events.StorageSaveFailed, "", att, map[string]interface{}{events.PayloadError: err.Error()})
		return err
	}
	att.hash = hash
	att.synced = true

	written := s.bytesWritten(b)
	span.SetAttributes(tracing.AttrBytes.Int64(written))
	s.emit(events.StorageSaved, "", att, map[string]interface{}{
		events.PayloadBytesWritten: int(written),
		events.PayloadRecords:      len(records),
	})
	return nil
}

// bytesWritten reports the physical bytes of the last save: exact for
// backends tracking save statistics, otherwise the new image size.
func (s *Store) bytesWritten(b storage.Backend) int64 {
	if r, ok := b.(storage.StatsReporter); ok {
		return int64(r.LastSave().BytesWritten)
	}
	size, err := b.UsedSize()
	if err != nil {
		return 0
	}
	return size
}

// updateDirtyLocked marks a save as pending when any storage is out of date.
func (s *Store) updateDirtyLocked() {
	hash := s.settings.Hash()
	s.dirty = false
	for _, att := range s.storages {
		if !att.synced || att.hash != hash {
			s.dirty = true
			return
		}
	}
	s.stopTimerLocked()
}

func (s *Store) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (s *Store) emit(eventType events.EventType, key string, att *attachment, payload map[string]interface{}) {
	ev := events.Event{Type: eventType, Timestamp: s.clock.Now(), Key: key, Payload: payload}
	if att != nil {
		ev.Backend = att.backend.Kind().String()
		ev.Path = att.backend.Path()
	}
	s.bus.Emit(ev)
}
