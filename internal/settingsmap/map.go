// Package settingsmap implements the fixed-capacity settings map: an array
// of slots whose non-empty records always form a contiguous prefix.
//
// Map performs no locking. The owning store serializes every call.
package settingsmap

import (
	"fmt"

	"github.com/gxo-labs/kvsettings/internal/wire"
	kverrors "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/errors"
	"github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/setting"
)

// slot is one map position. A slot is empty when its record's kind is
// KindEmpty.
type slot struct {
	rec setting.Record
	// declared is set once Create has been called for the key. Records that
	// arrive through Merge start undeclared, so the first Create re-attaches
	// to the loaded value instead of being rejected.
	declared bool
	// def is the default given by the first Create of the key.
	def setting.Value
}

// Map is the in-memory settings map.
type Map struct {
	layout wire.Layout
	slots  []slot
	used   int // length of the non-empty prefix
}

// New creates an empty map with capacity slots.
func New(capacity int, layout wire.Layout) *Map {
	if capacity <= 0 {
		panic("settingsmap.New requires a positive capacity")
	}
	return &Map{
		layout: layout,
		slots:  make([]slot, capacity),
	}
}

// Capacity returns the fixed number of slots.
func (m *Map) Capacity() int { return len(m.slots) }

// Len returns the number of non-empty records.
func (m *Map) Len() int { return m.used }

// Layout returns the record layout the map validates against.
func (m *Map) Layout() wire.Layout { return m.layout }

// Lookup scans the prefix for key. It returns the index of the matching
// record and true, or the first empty slot (the insertion point) and false.
// The index is -1 when key is absent and the map is full.
func (m *Map) Lookup(key string) (int, bool) {
	for i := 0; i < m.used; i++ {
		if m.slots[i].rec.Key == key {
			return i, true
		}
	}
	if m.used < len(m.slots) {
		return m.used, false
	}
	return -1, false
}

// Create declares key with a default value. It reports whether a new record
// was appended.
//
// An existing record that has not been declared yet (it came from storage)
// is kept as-is, including its type, and def becomes its declared default.
// Re-declaring an already declared key is a no-op while the record still
// holds its declared default, whatever def is passed, and
// ErrAlreadyProtected once a Set or a load has moved it off that default.
func (m *Map) Create(key string, def setting.Value) (bool, error) {
	if err := m.layout.Validate(setting.Record{Key: key, Value: def}); err != nil {
		return false, kverrors.NewSettingError(key, "create", err)
	}
	idx, found := m.Lookup(key)
	if found {
		s := &m.slots[idx]
		if !s.declared {
			s.declared = true
			s.def = def
			return false, nil
		}
		if s.rec.Value.Equal(s.def) {
			return false, nil
		}
		return false, kverrors.NewSettingError(key, "create",
			fmt.Errorf("%w: holds %s %q, declared default %s %q",
				kverrors.ErrAlreadyProtected, s.rec.Kind(), s.rec.Value, s.def.Kind(), s.def))
	}
	if idx < 0 {
		return false, kverrors.NewSettingError(key, "create",
			fmt.Errorf("%w: all %d slots in use", kverrors.ErrCapacityExceeded, len(m.slots)))
	}
	m.slots[idx] = slot{rec: setting.Record{Key: key, Value: def}, declared: true, def: def}
	m.used++
	return true, nil
}

// TypeOf returns the stored kind of key.
func (m *Map) TypeOf(key string) (setting.Kind, error) {
	idx, found := m.Lookup(key)
	if !found {
		return setting.KindEmpty, kverrors.NewSettingError(key, "type", kverrors.ErrNotFound)
	}
	return m.slots[idx].rec.Kind(), nil
}

// Get returns the value of key, which must be stored with the given kind.
func (m *Map) Get(key string, kind setting.Kind) (setting.Value, error) {
	idx, found := m.Lookup(key)
	if !found {
		return setting.Value{}, kverrors.NewSettingError(key, "get", kverrors.ErrNotFound)
	}
	stored := m.slots[idx].rec.Value
	if stored.Kind() != kind {
		return setting.Value{}, kverrors.NewSettingError(key, "get",
			fmt.Errorf("%w: stored as %s, requested %s", kverrors.ErrTypeMismatch, stored.Kind(), kind))
	}
	return stored, nil
}

// Set replaces the value of key. The kind must match the stored kind; type
// changes require Clear and Create. It reports whether the stored bytes
// changed.
func (m *Map) Set(key string, v setting.Value) (bool, error) {
	idx, found := m.Lookup(key)
	if !found {
		return false, kverrors.NewSettingError(key, "set", kverrors.ErrNotFound)
	}
	s := &m.slots[idx]
	if s.rec.Kind() != v.Kind() {
		return false, kverrors.NewSettingError(key, "set",
			fmt.Errorf("%w: stored as %s, got %s", kverrors.ErrTypeMismatch, s.rec.Kind(), v.Kind()))
	}
	if err := m.layout.ValidateValue(v); err != nil {
		return false, kverrors.NewSettingError(key, "set", err)
	}
	if s.rec.Value.Equal(v) {
		return false, nil
	}
	s.rec.Value = v
	return true, nil
}

// Iterate returns a copy of the record at index.
func (m *Map) Iterate(index int) (setting.Record, error) {
	if index < 0 || index >= m.used {
		return setting.Record{}, fmt.Errorf("%w: %d (map holds %d records)", kverrors.ErrOutOfRange, index, m.used)
	}
	return m.slots[index].rec, nil
}

// Records returns a snapshot of the non-empty prefix.
func (m *Map) Records() []setting.Record {
	out := make([]setting.Record, m.used)
	for i := range out {
		out[i] = m.slots[i].rec
	}
	return out
}

// Hash returns the CRC-32 over the serialized non-empty records. Equal
// hashes mean no observable value changed, with the usual collision caveat.
func (m *Map) Hash() uint32 {
	return m.layout.Checksum(m.Records())
}

// Clear resets every slot to empty.
func (m *Map) Clear() {
	for i := range m.slots {
		m.slots[i] = slot{}
	}
	m.used = 0
}

// Merge applies records loaded from storage. Unknown keys are appended
// undeclared. With replace set, existing keys take the loaded kind and
// value; otherwise they keep what the map holds and only missing keys are
// taken. Records that fail validation or find no free slot are skipped and
// counted. Callers must only pass records from a fully validated image.
func (m *Map) Merge(records []setting.Record, replace bool) (changed bool, skipped int) {
	for _, rec := range records {
		if err := m.layout.Validate(rec); err != nil {
			skipped++
			continue
		}
		idx, found := m.Lookup(rec.Key)
		switch {
		case found:
			if replace && !m.slots[idx].rec.Value.Equal(rec.Value) {
				m.slots[idx].rec.Value = rec.Value
				changed = true
			}
		case idx >= 0:
			m.slots[idx] = slot{rec: rec}
			m.used++
			changed = true
		default:
			skipped++
		}
	}
	return changed, skipped
}
