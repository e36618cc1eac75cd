package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gxo-labs/kvsettings/internal/clock"
	"github.com/gxo-labs/kvsettings/internal/logger"
	"github.com/gxo-labs/kvsettings/internal/storage"
	"github.com/gxo-labs/kvsettings/internal/tracing"
	"github.com/gxo-labs/kvsettings/internal/wire"
	v1 "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1"
	kverrors "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/errors"
	"github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/events"
	"github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/setting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var defaultLayout = wire.Layout{KeySize: v1.DefaultKeySize, ValueSize: v1.DefaultValueSize}

// recordingBus keeps every emitted event.
type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Emit(ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) count(t events.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (b *recordingBus) find(t events.EventType) (events.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range b.events {
		if ev.Type == t {
			return ev, true
		}
	}
	return events.Event{}, false
}

func (b *recordingBus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}

func newTestStore(t *testing.T, opts ...v1.StoreOption) (*Store, *clock.FakeClock, *recordingBus) {
	t.Helper()
	bus := &recordingBus{}
	opts = append([]v1.StoreOption{v1.WithEventBus(bus)}, opts...)
	s, err := NewStore(logger.NewDiscardLogger(), opts...)
	require.NoError(t, err)
	fc := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s.SetClock(fc)
	return s, fc, bus
}

func emptyFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	return path
}

// writeImage stores records in a fresh file using backend kind directly.
func writeImage(t *testing.T, name string, kind v1.StorageKind, records ...setting.Record) string {
	t.Helper()
	path := emptyFile(t, name)
	b, err := storage.New(kind, path, defaultLayout)
	require.NoError(t, err)
	require.NoError(t, b.Save(context.Background(), records))
	return path
}

func loadImage(t *testing.T, path string, kind v1.StorageKind) []setting.Record {
	t.Helper()
	b, err := storage.New(kind, path, defaultLayout)
	require.NoError(t, err)
	records, err := b.Load(context.Background())
	require.NoError(t, err)
	return records
}

func getInt32(t *testing.T, s *Store, key string) int32 {
	t.Helper()
	v, err := s.Get(key, setting.KindInt32)
	require.NoError(t, err)
	return v.Int32()
}

func TestNewStore_RequiresLogger(t *testing.T) {
	_, err := NewStore(nil)
	var cfgErr *kverrors.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestNewStore_Options(t *testing.T) {
	_, err := NewStore(logger.NewDiscardLogger(), v1.WithMapGeometry(0, 32, 32))
	assert.Error(t, err)
	_, err = NewStore(logger.NewDiscardLogger(), v1.WithMapGeometry(4, MaxKeySize+1, 32))
	assert.Error(t, err)
	_, err = NewStore(logger.NewDiscardLogger(), v1.WithCacheDelay(-time.Second))
	assert.Error(t, err)
	_, err = NewStore(logger.NewDiscardLogger(), v1.WithEventBus(nil))
	assert.Error(t, err)

	s, err := NewStore(logger.NewDiscardLogger(), v1.WithMapGeometry(1, 4, 4))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "abc", setting.Int32(1)))
	err = s.Create(ctx, "xyz", setting.Int32(1))
	assert.True(t, errors.Is(err, kverrors.ErrCapacityExceeded))
	err = s.Create(ctx, "abcd", setting.Int32(1))
	assert.True(t, errors.Is(err, kverrors.ErrInvalidArgument))
}

func TestStore_GeometryAppliesAtInit(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "a", setting.Int32(1)))

	require.NoError(t, s.SetMapGeometry(1, 8, 8))
	require.NoError(t, s.Create(ctx, "b", setting.Int32(2)), "old geometry until Init")

	require.NoError(t, s.Init())
	_, err := s.Iterate(0)
	assert.True(t, errors.Is(err, kverrors.ErrOutOfRange), "Init empties the map")
	require.NoError(t, s.Create(ctx, "c", setting.Int32(3)))
	err = s.Create(ctx, "d", setting.Int32(4))
	assert.True(t, errors.Is(err, kverrors.ErrCapacityExceeded))
}

func TestStore_MapOperations(t *testing.T) {
	s, _, _ := newTestStore(t, v1.WithMapGeometry(4, 32, 32))
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "v1", setting.Int32(0)))
	require.NoError(t, s.Set(ctx, "v1", setting.Int32(5)))
	assert.Equal(t, int32(5), getInt32(t, s, "v1"))

	kind, err := s.TypeOf("v1")
	require.NoError(t, err)
	assert.Equal(t, setting.KindInt32, kind)

	_, err = s.Get("v1", setting.KindString)
	assert.True(t, errors.Is(err, kverrors.ErrTypeMismatch))
	err = s.Set(ctx, "v1", setting.Bool(true))
	assert.True(t, errors.Is(err, kverrors.ErrTypeMismatch))
	err = s.Set(ctx, "missing", setting.Int32(1))
	assert.True(t, kverrors.IsNotFound(err))

	rec, err := s.Iterate(0)
	require.NoError(t, err)
	assert.Equal(t, "v1", rec.Key)
	_, err = s.Iterate(1)
	assert.True(t, errors.Is(err, kverrors.ErrOutOfRange))

	h := s.Hash()
	require.NoError(t, s.Set(ctx, "v1", setting.Int32(5)))
	assert.Equal(t, h, s.Hash())
	require.NoError(t, s.Set(ctx, "v1", setting.Int32(6)))
	assert.NotEqual(t, h, s.Hash())
}

func TestStore_RedeclareOfDefaultIsNoOp(t *testing.T) {
	s, _, bus := newTestStore(t, v1.WithMapGeometry(4, 32, 32))
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "v1", setting.String("default")))
	kind, err := s.TypeOf("v1")
	require.NoError(t, err)
	assert.Equal(t, setting.KindString, kind)

	hash := s.Hash()
	require.NoError(t, s.Create(ctx, "v1", setting.Int32(999)))
	v, err := s.Get("v1", setting.KindString)
	require.NoError(t, err)
	assert.Equal(t, "default", v.Str())
	assert.Equal(t, hash, s.Hash())
	assert.Equal(t, 1, bus.count(events.SettingCreated))

	require.NoError(t, s.Set(ctx, "v1", setting.String("live")))
	err = s.Create(ctx, "v1", setting.Int32(999))
	assert.True(t, errors.Is(err, kverrors.ErrAlreadyProtected), "got %v", err)
}

func TestStore_NotifiesOnValueChangeOnly(t *testing.T) {
	s, fc, _ := newTestStore(t)
	ctx := context.Background()
	sub, err := s.Notify("ui", 10)
	require.NoError(t, err)
	assert.Equal(t, "ui", sub.ID)

	require.NoError(t, s.Create(ctx, "level", setting.Byte(1)))
	assert.Empty(t, sub.C, "create does not notify")

	require.NoError(t, s.Set(ctx, "level", setting.Byte(2)))
	require.Len(t, sub.C, 1)
	n := <-sub.C
	assert.Equal(t, "ui", n.SubscriberID)
	assert.Equal(t, 10, n.Signal)
	assert.Equal(t, "level", n.Key)
	assert.Equal(t, s.Hash(), n.Hash)
	assert.Equal(t, fc.Now(), n.Time)

	require.NoError(t, s.Set(ctx, "level", setting.Byte(2)))
	assert.Empty(t, sub.C, "writing the stored value does not notify")

	require.NoError(t, s.Clear(ctx))
	assert.Empty(t, sub.C, "clear does not notify")
}

func TestStore_SubscriberLimitsAndDrops(t *testing.T) {
	s, _, bus := newTestStore(t, v1.WithNotifyLimits(2, 1))
	ctx := context.Background()

	slow, err := s.Notify("slow", 1)
	require.NoError(t, err)
	anon, err := s.Notify("", 2)
	require.NoError(t, err)
	assert.NotEmpty(t, anon.ID)
	_, err = s.Notify("third", 3)
	assert.True(t, errors.Is(err, kverrors.ErrCapacityExceeded))
	_, err = s.Notify("bad", 0)
	assert.True(t, errors.Is(err, kverrors.ErrInvalidArgument))

	require.NoError(t, s.Create(ctx, "a", setting.Int32(0)))
	require.NoError(t, s.Set(ctx, "a", setting.Int32(1)))
	<-anon.C
	require.NoError(t, s.Set(ctx, "a", setting.Int32(2)))

	ev, ok := bus.find(events.NotificationDropped)
	require.True(t, ok)
	assert.Equal(t, "slow", ev.Payload[events.PayloadSubscriber])
	assert.Equal(t, "a", ev.Key)
	assert.Len(t, slow.C, 1)

	require.NoError(t, s.Unsubscribe("slow"))
	<-slow.C
	_, open := <-slow.C
	assert.False(t, open, "unsubscribe closes the channel")
	assert.True(t, kverrors.IsNotFound(s.Unsubscribe("slow")))
}

func TestStore_SetStorageMissingFile(t *testing.T) {
	s, _, _ := newTestStore(t)
	err := s.SetStorage(context.Background(), filepath.Join(t.TempDir(), "absent"), v1.StorageBinary)
	assert.True(t, kverrors.IsNotFound(err), "got %v", err)

	_, err = s.UsedSize()
	assert.True(t, kverrors.IsNotFound(err), "nothing was attached")
	sizes, err := s.UsedSizes()
	require.NoError(t, err)
	assert.Empty(t, sizes)
}

func TestStore_EmptyFileIsInitialized(t *testing.T) {
	s, _, bus := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "retries", setting.Int32(3)))

	path := emptyFile(t, "settings.bin")
	require.NoError(t, s.SetStorage(ctx, path, v1.StorageBinary))
	assert.False(t, s.SavePending())
	assert.Equal(t, 1, bus.count(events.StorageAttached))
	assert.Equal(t, 1, bus.count(events.StorageSaved))

	records := loadImage(t, path, v1.StorageBinary)
	require.Len(t, records, 1)
	assert.Equal(t, "retries", records[0].Key)
}

func TestStore_PersistsEveryChange(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	path := emptyFile(t, "settings.txt")
	require.NoError(t, s.SetStorage(ctx, path, v1.StorageText))

	require.NoError(t, s.Create(ctx, "port", setting.Int32(80)))
	require.NoError(t, s.Set(ctx, "port", setting.Int32(8080)))

	other, _, _ := newTestStore(t)
	require.NoError(t, other.SetStorage(ctx, path, v1.StorageText))
	assert.Equal(t, int32(8080), getInt32(t, other, "port"))
	assert.Equal(t, s.Hash(), other.Hash())
}

func TestStore_LoadedValuesWin(t *testing.T) {
	ctx := context.Background()
	path := writeImage(t, "settings.bin", v1.StorageBinary,
		setting.Record{Key: "threshold", Value: setting.Int32(7)},
		setting.Record{Key: "legacy", Value: setting.Bool(true)},
	)

	s, _, _ := newTestStore(t)
	require.NoError(t, s.Create(ctx, "threshold", setting.Int32(0)))
	require.NoError(t, s.SetStorage(ctx, path, v1.StorageBinary))
	assert.Equal(t, int32(7), getInt32(t, s, "threshold"))

	// Keys only known to storage are kept and can be declared later.
	kind, err := s.TypeOf("legacy")
	require.NoError(t, err)
	assert.Equal(t, setting.KindBool, kind)
	require.NoError(t, s.Create(ctx, "legacy", setting.Bool(false)))
	v, err := s.Get("legacy", setting.KindBool)
	require.NoError(t, err)
	assert.True(t, v.Bool(), "declaring a loaded key keeps the stored value")

	err = s.Create(ctx, "legacy", setting.Bool(false))
	assert.True(t, errors.Is(err, kverrors.ErrAlreadyProtected))
}

func TestStore_SyncsStoragesAfterMerge(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	require.NoError(t, s.Create(ctx, "mode", setting.Int32(1)))

	textPath := emptyFile(t, "settings.txt")
	require.NoError(t, s.SetStorage(ctx, textPath, v1.StorageText))

	binPath := writeImage(t, "settings.bin", v1.StorageBinary,
		setting.Record{Key: "mode", Value: setting.Int32(9)},
		setting.Record{Key: "name", Value: setting.String("unit-7")},
	)
	require.NoError(t, s.SetStorage(ctx, binPath, v1.StorageBinary))
	assert.Equal(t, int32(1), getInt32(t, s, "mode"), "the first attached storage is authoritative")
	assert.False(t, s.SavePending())

	text := loadImage(t, textPath, v1.StorageText)
	require.Len(t, text, 2, "the text storage gains the key only the newcomer held")
	assert.True(t, text[0].Value.Equal(setting.Int32(1)))
	assert.Equal(t, "unit-7", text[1].Value.Str())

	bin := loadImage(t, binPath, v1.StorageBinary)
	require.Len(t, bin, 2)
	assert.True(t, bin[0].Value.Equal(setting.Int32(1)), "the newcomer is rewritten with the map")

	sizes, err := s.UsedSizes()
	require.NoError(t, err)
	require.Len(t, sizes, 2)
	assert.Equal(t, v1.StorageText, sizes[0].Kind)
	assert.Equal(t, binPath, sizes[1].Path)
}

func TestStore_FirstLoadedStorageStaysAuthoritative(t *testing.T) {
	ctx := context.Background()
	first := writeImage(t, "a.bin", v1.StorageBinary, setting.Record{Key: "mode", Value: setting.Int32(1)})
	second := writeImage(t, "b.bin", v1.StorageBinary,
		setting.Record{Key: "mode", Value: setting.Int32(9)},
		setting.Record{Key: "extra", Value: setting.Bool(true)},
	)

	s, _, _ := newTestStore(t)
	require.NoError(t, s.SetStorage(ctx, first, v1.StorageBinary))
	require.NoError(t, s.SetStorage(ctx, second, v1.StorageBinary))
	assert.Equal(t, int32(1), getInt32(t, s, "mode"))
	v, err := s.Get("extra", setting.KindBool)
	require.NoError(t, err)
	assert.True(t, v.Bool())

	for _, path := range []string{first, second} {
		records := loadImage(t, path, v1.StorageBinary)
		require.Len(t, records, 2, path)
		assert.True(t, records[0].Value.Equal(setting.Int32(1)), path)
		assert.Equal(t, "extra", records[1].Key, path)
	}

	// Reloading the authoritative storage still takes its values.
	b := storage.NewBinary(first, defaultLayout)
	require.NoError(t, b.Save(ctx, []setting.Record{
		{Key: "mode", Value: setting.Int32(4)},
		{Key: "extra", Value: setting.Bool(true)},
	}))
	require.NoError(t, s.SetStorage(ctx, first, v1.StorageBinary))
	assert.Equal(t, int32(4), getInt32(t, s, "mode"))
	assert.True(t, loadImage(t, second, v1.StorageBinary)[0].Value.Equal(setting.Int32(4)))

	// A reload of a later storage does not override the map.
	require.NoError(t, storage.NewBinary(second, defaultLayout).Save(ctx, []setting.Record{
		{Key: "mode", Value: setting.Int32(5)},
	}))
	require.NoError(t, s.SetStorage(ctx, second, v1.StorageBinary))
	assert.Equal(t, int32(4), getInt32(t, s, "mode"))
}

func TestStore_BitFlipInStorageLeavesMapUntouched(t *testing.T) {
	for _, kind := range []v1.StorageKind{v1.StorageBinary, v1.StorageEEPROM} {
		t.Run(kind.String(), func(t *testing.T) {
			ctx := context.Background()
			s, _, _ := newTestStore(t)
			path := emptyFile(t, "settings.img")
			require.NoError(t, s.SetStorage(ctx, path, kind))
			require.NoError(t, s.Create(ctx, "port", setting.Int32(8080)))
			require.NoError(t, s.Create(ctx, "name", setting.String("gateway")))
			require.NoError(t, s.Set(ctx, "port", setting.Int32(8443)))

			hash := s.Hash()
			var before []setting.Record
			for i := 0; ; i++ {
				rec, err := s.Iterate(i)
				if err != nil {
					break
				}
				before = append(before, rec)
			}
			require.Len(t, before, 2)

			pristine, err := os.ReadFile(path)
			require.NoError(t, err)
			// Flip one bit inside each of the two records in turn.
			second := wire.HeaderSize + defaultLayout.RecordSize(setting.KindInt32)
			for _, off := range []int{wire.HeaderSize + 3, second + defaultLayout.KeySize + 2} {
				corrupted := append([]byte(nil), pristine...)
				corrupted[off] ^= 0x10
				require.NoError(t, os.WriteFile(path, corrupted, 0o600))

				err := s.SetStorage(ctx, path, kind)
				require.True(t, kverrors.IsCorrupt(err), "offset %d: got %v", off, err)
				assert.Equal(t, hash, s.Hash(), "offset %d", off)
				for i, want := range before {
					got, err := s.Iterate(i)
					require.NoError(t, err)
					assert.Equal(t, want.Key, got.Key)
					assert.True(t, want.Value.Equal(got.Value), "offset %d record %d", off, i)
				}
				_, err = s.Iterate(len(before))
				assert.True(t, errors.Is(err, kverrors.ErrOutOfRange))
			}

			fresh, _, _ := newTestStore(t)
			require.NoError(t, fresh.Create(ctx, "port", setting.Int32(1)))
			freshHash := fresh.Hash()
			err = fresh.SetStorage(ctx, path, kind)
			require.True(t, kverrors.IsCorrupt(err), "got %v", err)
			assert.Equal(t, freshHash, fresh.Hash())
			assert.Equal(t, int32(1), getInt32(t, fresh, "port"))
		})
	}
}

func TestStore_SetStorageSamePathReloads(t *testing.T) {
	ctx := context.Background()
	path := writeImage(t, "settings.bin", v1.StorageBinary, setting.Record{Key: "a", Value: setting.Int32(1)})
	s, _, _ := newTestStore(t)
	require.NoError(t, s.SetStorage(ctx, path, v1.StorageBinary))

	b := storage.NewBinary(path, defaultLayout)
	require.NoError(t, b.Save(ctx, []setting.Record{{Key: "a", Value: setting.Int32(2)}}))

	require.NoError(t, s.SetStorage(ctx, path, v1.StorageBinary))
	assert.Equal(t, int32(2), getInt32(t, s, "a"))
	sizes, err := s.UsedSizes()
	require.NoError(t, err)
	assert.Len(t, sizes, 1, "the same file is attached once")
}

func TestStore_CorruptStorageIsAttachedAndRepaired(t *testing.T) {
	ctx := context.Background()
	path := emptyFile(t, "settings.bin")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a settings image"), 0o600))

	s, _, bus := newTestStore(t)
	require.NoError(t, s.Create(ctx, "a", setting.Int32(4)))
	err := s.SetStorage(ctx, path, v1.StorageBinary)
	require.True(t, kverrors.IsCorrupt(err), "got %v", err)
	assert.Equal(t, 1, bus.count(events.StorageLoadFailed))

	assert.Equal(t, int32(4), getInt32(t, s, "a"), "the map is untouched")
	assert.True(t, s.SavePending(), "the corrupt storage needs a rewrite")
	sizes, err := s.UsedSizes()
	require.NoError(t, err)
	assert.Len(t, sizes, 1)

	require.NoError(t, s.Flush(ctx))
	assert.False(t, s.SavePending())
	records := loadImage(t, path, v1.StorageBinary)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].Key)
}

func TestStore_CachedSavesCoalesce(t *testing.T) {
	ctx := context.Background()
	s, fc, bus := newTestStore(t, v1.WithCacheDelay(time.Second))
	require.NoError(t, s.Create(ctx, "a", setting.Int32(0)))
	path := emptyFile(t, "settings.bin")
	require.NoError(t, s.SetStorage(ctx, path, v1.StorageBinary))
	bus.reset()

	for i := int32(1); i <= 3; i++ {
		require.NoError(t, s.Set(ctx, "a", setting.Int32(i)))
	}
	assert.True(t, s.SavePending())
	assert.Equal(t, 3, bus.count(events.SaveScheduled))
	assert.Zero(t, bus.count(events.StorageSaved))

	fc.Advance(999 * time.Millisecond)
	assert.Zero(t, bus.count(events.StorageSaved))
	fc.Advance(time.Millisecond)
	assert.Equal(t, 1, bus.count(events.StorageSaved), "three changes, one save")
	assert.False(t, s.SavePending())
	records := loadImage(t, path, v1.StorageBinary)
	assert.True(t, records[0].Value.Equal(setting.Int32(3)))

	// Every change restarts the delay.
	require.NoError(t, s.Set(ctx, "a", setting.Int32(4)))
	fc.Advance(600 * time.Millisecond)
	require.NoError(t, s.Set(ctx, "a", setting.Int32(5)))
	fc.Advance(600 * time.Millisecond)
	assert.Equal(t, 1, bus.count(events.StorageSaved))
	fc.Advance(400 * time.Millisecond)
	assert.Equal(t, 2, bus.count(events.StorageSaved))
	assert.Zero(t, fc.PendingCount())
}

func TestStore_FailedCachedSaveStaysPending(t *testing.T) {
	ctx := context.Background()
	s, fc, bus := newTestStore(t, v1.WithCacheDelay(time.Second))
	require.NoError(t, s.Create(ctx, "a", setting.Int32(0)))
	path := emptyFile(t, "settings.bin")
	require.NoError(t, s.SetStorage(ctx, path, v1.StorageBinary))

	require.NoError(t, os.Remove(path))
	require.NoError(t, s.Set(ctx, "a", setting.Int32(1)))
	fc.Advance(time.Second)
	assert.Equal(t, 1, bus.count(events.StorageSaveFailed))
	assert.True(t, s.SavePending())

	err := s.Flush(ctx)
	assert.True(t, kverrors.IsNotFound(err), "got %v", err)
	assert.True(t, s.SavePending())

	require.NoError(t, os.WriteFile(path, nil, 0o600))
	require.NoError(t, s.Flush(ctx))
	assert.False(t, s.SavePending())
	assert.True(t, loadImage(t, path, v1.StorageBinary)[0].Value.Equal(setting.Int32(1)))
}

func TestStore_ImmediateSaveFailureStillNotifies(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	require.NoError(t, s.Create(ctx, "a", setting.Int32(0)))
	path := emptyFile(t, "settings.bin")
	require.NoError(t, s.SetStorage(ctx, path, v1.StorageBinary))
	sub, err := s.Notify("watcher", 1)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	err = s.Set(ctx, "a", setting.Int32(1))
	assert.True(t, kverrors.IsNotFound(err))
	assert.Len(t, sub.C, 1)
	assert.Equal(t, int32(1), getInt32(t, s, "a"), "the in-memory value changed")
	assert.True(t, s.SavePending())
}

func TestStore_ClearSavesImmediately(t *testing.T) {
	ctx := context.Background()
	s, fc, _ := newTestStore(t, v1.WithCacheDelay(time.Minute))
	require.NoError(t, s.Create(ctx, "a", setting.Int32(0)))
	path := emptyFile(t, "settings.cbor")
	require.NoError(t, s.SetStorage(ctx, path, v1.StorageCBOR))
	require.NoError(t, s.Set(ctx, "a", setting.Int32(1)))
	require.True(t, s.SavePending())

	require.NoError(t, s.Clear(ctx))
	assert.False(t, s.SavePending())
	assert.Zero(t, fc.PendingCount(), "the pending cached save is dropped")
	assert.Empty(t, loadImage(t, path, v1.StorageCBOR))
	_, err := s.Iterate(0)
	assert.True(t, errors.Is(err, kverrors.ErrOutOfRange))
}

func TestStore_CloseFlushesAndClosesSubscriptions(t *testing.T) {
	ctx := context.Background()
	s, fc, _ := newTestStore(t, v1.WithCacheDelay(time.Hour))
	require.NoError(t, s.Create(ctx, "a", setting.Int32(0)))
	path := emptyFile(t, "settings.bin")
	require.NoError(t, s.SetStorage(ctx, path, v1.StorageBinary))
	sub, err := s.Notify("w", 1)
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "a", setting.Int32(42)))
	require.NoError(t, s.Close(ctx))
	assert.False(t, s.SavePending())
	assert.Zero(t, fc.PendingCount())
	assert.True(t, loadImage(t, path, v1.StorageBinary)[0].Value.Equal(setting.Int32(42)))

	n, open := <-sub.C
	require.True(t, open)
	assert.Equal(t, "a", n.Key)
	_, open = <-sub.C
	assert.False(t, open)
}

func TestStore_UsedSizeAndEEPROMStats(t *testing.T) {
	ctx := context.Background()
	s, _, bus := newTestStore(t)
	require.NoError(t, s.Create(ctx, "a", setting.Int32(1)))
	require.NoError(t, s.Create(ctx, "b", setting.Int32(2)))

	binPath := emptyFile(t, "settings.bin")
	eepromPath := emptyFile(t, "settings.eeprom")
	require.NoError(t, s.SetStorage(ctx, binPath, v1.StorageBinary))
	require.NoError(t, s.SetStorage(ctx, eepromPath, v1.StorageEEPROM))

	recordSize := defaultLayout.RecordSize(setting.KindInt32)
	imageSize := int64(wire.HeaderSize + 2*recordSize + wire.CRCSize)
	size, err := s.UsedSize()
	require.NoError(t, err)
	assert.Equal(t, imageSize, size)
	sizes, err := s.UsedSizes()
	require.NoError(t, err)
	require.Len(t, sizes, 2)
	assert.Equal(t, imageSize, sizes[1].Bytes)

	bus.reset()
	require.NoError(t, s.Set(ctx, "b", setting.Int32(3)))
	var eepromSave events.Event
	for _, ev := range bus.events {
		if ev.Type == events.StorageSaved && ev.Backend == "eeprom" {
			eepromSave = ev
		}
	}
	assert.Equal(t, recordSize+wire.CRCSize, eepromSave.Payload[events.PayloadBytesWritten],
		"only the changed record and the checksum are written")
}

func TestStore_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	s, _, _ := newTestStore(t, v1.WithTracerProvider(tracing.NewSDKProvider(tp)))
	ctx := context.Background()

	require.NoError(t, s.SetStorage(ctx, emptyFile(t, "settings.bin"), v1.StorageBinary))
	_ = s.SetStorage(ctx, filepath.Join(t.TempDir(), "absent"), v1.StorageBinary)

	names := map[string]int{}
	for _, span := range recorder.Ended() {
		names[span.Name()]++
	}
	assert.Equal(t, 2, names["kvsettings.SetStorage"])
	assert.Equal(t, 1, names["kvsettings.storage.save"])

	ended := recorder.Ended()
	last := ended[len(ended)-1]
	assert.Equal(t, "kvsettings.SetStorage", last.Name())
	assert.Equal(t, "Error", last.Status().Code.String())
}
