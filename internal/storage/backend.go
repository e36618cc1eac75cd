// Package storage implements the persistence strategies of the settings
// store. Each Backend is bound to exactly one file path and one encoding;
// it turns record snapshots into bytes and back, and never touches the
// settings map directly, so a failed load cannot leave the map half-updated.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/gxo-labs/kvsettings/internal/wire"
	v1 "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1"
	kverrors "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/errors"
	"github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/setting"
)

// maxImageBytes bounds how much of a storage file is buffered in memory.
const maxImageBytes = 1 << 20

// Backend is the interface every storage strategy implements.
type Backend interface {
	// Kind reports the persistence strategy.
	Kind() v1.StorageKind
	// Path is the file the backend is bound to.
	Path() string
	// Load reads and fully validates the stored image, returning its records.
	// On error no records are returned.
	Load(ctx context.Context) ([]setting.Record, error)
	// Save persists records, replacing the previous content.
	Save(ctx context.Context, records []setting.Record) error
	// UsedSize reports the bytes the stored image occupies.
	UsedSize() (int64, error)
}

// SaveStats describes the physical writes of the most recent save. Backends
// that track it implement StatsReporter.
type SaveStats struct {
	BytesWritten       int
	RecordsWritten     int
	RecordsSkipped     int
	HeaderBytesWritten int
	CRCWritten         bool
}

// StatsReporter is implemented by backends that report per-save write
// statistics.
type StatsReporter interface {
	LastSave() SaveStats
}

// New creates the backend of the given kind bound to path.
func New(kind v1.StorageKind, path string, layout wire.Layout) (Backend, error) {
	if path == "" {
		return nil, kverrors.NewStorageError(kind.String(), path, "open",
			fmt.Errorf("%w: empty path", kverrors.ErrInvalidArgument))
	}
	switch kind {
	case v1.StorageBinary:
		return NewBinary(path, layout), nil
	case v1.StorageText:
		return NewText(path, layout), nil
	case v1.StorageEEPROM:
		return NewEEPROM(path, layout), nil
	case v1.StorageCBOR:
		return NewCBOR(path, layout), nil
	default:
		return nil, kverrors.NewStorageError(kind.String(), path, "open",
			fmt.Errorf("%w: unsupported storage kind", kverrors.ErrInvalidArgument))
	}
}

// Stat reports the size of the storage file at path. A missing file is
// ErrNotFound: storage files must exist before they are attached.
func Stat(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, kverrors.NewStorageError("", path, "stat", classify(err))
	}
	if info.IsDir() {
		return 0, kverrors.NewStorageError("", path, "stat",
			fmt.Errorf("%w: path is a directory", kverrors.ErrIO))
	}
	return info.Size(), nil
}

// classify wraps a filesystem error with the matching taxonomy sentinel.
func classify(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", kverrors.ErrNotFound, err)
	}
	return fmt.Errorf("%w: %w", kverrors.ErrIO, err)
}
