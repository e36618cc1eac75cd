package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gxo-labs/kvsettings/internal/wire"
	v1 "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1"
	kverrors "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/errors"
	"github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/setting"
)

// device is the random-access medium behind an EEPROM backend. *os.File
// satisfies it; tests substitute instrumented devices.
type device interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

// errShortRead reports that the medium ended before the requested range.
var errShortRead = errors.New("short read")

// EEPROMBackend uses the same image layout as BinaryBackend but only writes
// the records whose bytes changed since the previous save, to spare media
// with limited write endurance.
//
// Records are addressed by position. A record at an existing position may
// never change its encoded size: doing so would shift every later record,
// so such a save is rejected with ErrInternalInconsistency before anything
// is written. An image that failed to load as corrupt is exempt and gets
// rewritten from the first mismatching record on.
type EEPROMBackend struct {
	path   string
	layout wire.Layout
	open   func(path string) (device, error)
	used   int64
	last   SaveStats
	// rewrite is set when the last load found the image corrupt. The next
	// save then overwrites records whose size no longer matches instead of
	// refusing, since their old content cannot be trusted.
	rewrite bool
}

// NewEEPROM creates an EEPROM backend bound to path.
func NewEEPROM(path string, layout wire.Layout) *EEPROMBackend {
	return &EEPROMBackend{path: path, layout: layout, open: openDevice}
}

func openDevice(path string) (device, error) {
	// No O_CREATE: the medium must already exist. No O_TRUNC: unchanged
	// records must survive.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, classify(err)
	}
	return f, nil
}

func (e *EEPROMBackend) Kind() v1.StorageKind { return v1.StorageEEPROM }
func (e *EEPROMBackend) Path() string         { return e.path }

// LastSave reports the physical writes of the most recent save.
func (e *EEPROMBackend) LastSave() SaveStats { return e.last }

// UsedSize reports the header, record and checksum bytes occupied by the
// image as of the last load or save.
func (e *EEPROMBackend) UsedSize() (int64, error) { return e.used, nil }

// Load streams the image, accumulating the CRC over the exact bytes of every
// record, and decodes the records only after the stored CRC matches.
func (e *EEPROMBackend) Load(ctx context.Context) ([]setting.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dev, err := e.open(e.path)
	if err != nil {
		return nil, e.fail("load", err)
	}
	defer dev.Close()

	records, err := e.load(dev)
	if err != nil {
		e.used = 0
		e.rewrite = errors.Is(err, kverrors.ErrCorrupt)
		return nil, e.fail("load", err)
	}
	e.rewrite = false
	return records, nil
}

func (e *EEPROMBackend) load(dev device) ([]setting.Record, error) {
	hdr, err := readAt(dev, 0, wire.HeaderSize)
	if err != nil {
		return nil, corruptIfShort(err, "uninitialized: no header")
	}
	if magic := binary.LittleEndian.Uint16(hdr); magic != wire.Magic {
		return nil, fmt.Errorf("%w: bad magic 0x%04x", kverrors.ErrCorrupt, magic)
	}
	count := int(binary.LittleEndian.Uint16(hdr[2:]))

	raws := make([][]byte, 0, count)
	off := int64(wire.HeaderSize)
	var crc uint32
	total := 0
	for i := 0; i < count; i++ {
		head, err := readAt(dev, off, e.layout.KeySize+wire.TagSize)
		if err != nil {
			return nil, corruptIfShort(err, fmt.Sprintf("record %d truncated", i))
		}
		_, size, err := e.layout.PeekKind(head)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", kverrors.ErrCorrupt, i, err)
		}
		total += size
		if total > maxImageBytes {
			return nil, fmt.Errorf("%w: records exceed %d bytes", kverrors.ErrOutOfMemory, maxImageBytes)
		}
		raw, err := readAt(dev, off, size)
		if err != nil {
			return nil, corruptIfShort(err, fmt.Sprintf("record %d truncated", i))
		}
		crc = wire.UpdateCRC(crc, raw)
		raws = append(raws, raw)
		off += int64(size)
	}

	tail, err := readAt(dev, off, wire.CRCSize)
	if err != nil {
		return nil, corruptIfShort(err, "missing checksum")
	}
	if stored := binary.LittleEndian.Uint32(tail); stored != crc {
		return nil, fmt.Errorf("%w: crc mismatch (stored 0x%08x, computed 0x%08x)", kverrors.ErrCorrupt, stored, crc)
	}

	records := make([]setting.Record, 0, count)
	for i, raw := range raws {
		rec, _, err := e.layout.DecodeRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", kverrors.ErrCorrupt, i, err)
		}
		records = append(records, rec)
	}
	e.used = off + wire.CRCSize
	return records, nil
}

// Save compares every record with the bytes stored at the same position and
// writes only those that differ. The checksum and the header fields are
// rewritten only when their bytes change.
func (e *EEPROMBackend) Save(ctx context.Context, records []setting.Record) error {
	e.last = SaveStats{}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(records) > wire.MaxRecords {
		return e.fail("save", fmt.Errorf("%w: %d records exceed the image limit", kverrors.ErrCapacityExceeded, len(records)))
	}
	newRaw := make([][]byte, len(records))
	for i, rec := range records {
		if err := e.layout.Validate(rec); err != nil {
			return e.fail("save", err)
		}
		newRaw[i] = e.layout.AppendRecord(nil, rec)
	}

	dev, err := e.open(e.path)
	if err != nil {
		return e.fail("save", err)
	}
	defer dev.Close()

	// Previous image. Anything unreadable counts as absent.
	hdr, err := readAt(dev, 0, wire.HeaderSize)
	haveHeader := err == nil
	if err != nil && !errors.Is(err, errShortRead) {
		return e.fail("save", err)
	}
	oldCount := 0
	if haveHeader && binary.LittleEndian.Uint16(hdr) == wire.Magic {
		oldCount = int(binary.LittleEndian.Uint16(hdr[2:]))
	}
	old, err := e.readExisting(dev, min(oldCount, len(records)))
	if err != nil {
		return e.fail("save", err)
	}

	// Planning pass: refuse in-place size changes before touching the medium.
	for i := range old {
		if len(newRaw[i]) != len(old[i]) {
			if e.rewrite {
				old = old[:i]
				break
			}
			return e.fail("save", fmt.Errorf("%w: record %d (%q) would change size in place from %d to %d bytes",
				kverrors.ErrInternalInconsistency, i, records[i].Key, len(old[i]), len(newRaw[i])))
		}
	}

	// Write pass.
	var crc uint32
	off := int64(wire.HeaderSize)
	for i, raw := range newRaw {
		if i < len(old) && bytes.Equal(raw, old[i]) {
			crc = wire.UpdateCRC(crc, old[i])
			e.last.RecordsSkipped++
			off += int64(len(raw))
			continue
		}
		if err := writeVerified(dev, off, raw); err != nil {
			return e.fail("save", err)
		}
		crc = wire.UpdateCRC(crc, raw)
		e.last.RecordsWritten++
		e.last.BytesWritten += len(raw)
		off += int64(len(raw))
	}

	crcBuf := binary.LittleEndian.AppendUint32(nil, crc)
	stored, err := readAt(dev, off, wire.CRCSize)
	if err != nil && !errors.Is(err, errShortRead) {
		return e.fail("save", err)
	}
	if err != nil || !bytes.Equal(stored, crcBuf) {
		if err := writeVerified(dev, off, crcBuf); err != nil {
			return e.fail("save", err)
		}
		e.last.CRCWritten = true
		e.last.BytesWritten += wire.CRCSize
	}

	newHdr := make([]byte, 0, wire.HeaderSize)
	newHdr = binary.LittleEndian.AppendUint16(newHdr, wire.Magic)
	newHdr = binary.LittleEndian.AppendUint16(newHdr, uint16(len(records)))
	// Count first, then the valid marker.
	for _, field := range []struct{ at, size int }{{2, 2}, {0, 2}} {
		want := newHdr[field.at : field.at+field.size]
		if haveHeader && bytes.Equal(hdr[field.at:field.at+field.size], want) {
			continue
		}
		if err := writeVerified(dev, int64(field.at), want); err != nil {
			return e.fail("save", err)
		}
		e.last.HeaderBytesWritten += field.size
		e.last.BytesWritten += field.size
	}

	if syncer, ok := dev.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return e.fail("save", classify(err))
		}
	}
	e.used = off + wire.CRCSize
	e.rewrite = false
	return nil
}

// readExisting reads up to n records of the previous image. It stops early,
// without error, at the first record that cannot be read or decoded.
func (e *EEPROMBackend) readExisting(dev device, n int) ([][]byte, error) {
	old := make([][]byte, 0, n)
	off := int64(wire.HeaderSize)
	for i := 0; i < n; i++ {
		head, err := readAt(dev, off, e.layout.KeySize+wire.TagSize)
		if errors.Is(err, errShortRead) {
			break
		} else if err != nil {
			return nil, err
		}
		_, size, err := e.layout.PeekKind(head)
		if err != nil {
			break
		}
		raw, err := readAt(dev, off, size)
		if errors.Is(err, errShortRead) {
			break
		} else if err != nil {
			return nil, err
		}
		old = append(old, raw)
		off += int64(size)
	}
	return old, nil
}

func (e *EEPROMBackend) fail(op string, err error) error {
	return kverrors.NewStorageError(e.Kind().String(), e.path, op, err)
}

func corruptIfShort(err error, what string) error {
	if errors.Is(err, errShortRead) {
		return fmt.Errorf("%w: %s", kverrors.ErrCorrupt, what)
	}
	return err
}

// readAt reads exactly n bytes at off. Reaching the end of the medium first
// yields errShortRead; other failures are classified as I/O errors.
func readAt(dev io.ReaderAt, off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := dev.ReadAt(buf, off)
	if got == n {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil, errShortRead
	}
	return nil, classify(err)
}

// writeVerified writes p at off and reads it back.
func writeVerified(dev device, off int64, p []byte) error {
	if _, err := dev.WriteAt(p, off); err != nil {
		return classify(err)
	}
	back, err := readAt(dev, off, len(p))
	if err != nil {
		return fmt.Errorf("%w: verify read at offset %d: %v", kverrors.ErrIO, off, err)
	}
	if !bytes.Equal(back, p) {
		return fmt.Errorf("%w: verify mismatch at offset %d", kverrors.ErrIO, off)
	}
	return nil
}

var (
	_ Backend       = (*EEPROMBackend)(nil)
	_ StatsReporter = (*EEPROMBackend)(nil)
)
