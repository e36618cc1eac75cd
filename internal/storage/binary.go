package storage

import (
	"context"

	"github.com/gxo-labs/kvsettings/internal/wire"
	v1 "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1"
	kverrors "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/errors"
	"github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/setting"
)

// BinaryBackend stores the whole map as a single image: magic, count,
// every record verbatim, and a trailing CRC-32.
type BinaryBackend struct {
	path   string
	layout wire.Layout
}

// NewBinary creates a binary backend bound to path.
func NewBinary(path string, layout wire.Layout) *BinaryBackend {
	return &BinaryBackend{path: path, layout: layout}
}

func (b *BinaryBackend) Kind() v1.StorageKind { return v1.StorageBinary }
func (b *BinaryBackend) Path() string         { return b.path }

// Load reads the image and validates magic and CRC before returning records.
func (b *BinaryBackend) Load(ctx context.Context) ([]setting.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := readImage(b.path)
	if err != nil {
		return nil, kverrors.NewStorageError(b.Kind().String(), b.path, "load", err)
	}
	records, err := b.layout.DecodeImage(img)
	if err != nil {
		return nil, kverrors.NewStorageError(b.Kind().String(), b.path, "load", err)
	}
	return records, nil
}

// Save encodes records and replaces the file content atomically.
func (b *BinaryBackend) Save(ctx context.Context, records []setting.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	img, err := b.layout.EncodeImage(records)
	if err != nil {
		return kverrors.NewStorageError(b.Kind().String(), b.path, "save", err)
	}
	if err := writeImage(b.path, img); err != nil {
		return kverrors.NewStorageError(b.Kind().String(), b.path, "save", err)
	}
	return nil
}

// UsedSize reports the size of the stored image.
func (b *BinaryBackend) UsedSize() (int64, error) {
	size, err := fileSize(b.path)
	if err != nil {
		return 0, kverrors.NewStorageError(b.Kind().String(), b.path, "stat", err)
	}
	return size, nil
}

var _ Backend = (*BinaryBackend)(nil)
