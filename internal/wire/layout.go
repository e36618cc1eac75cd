// Package wire defines the fixed-size binary encoding of settings records
// shared by the binary, EEPROM and CBOR storage backends, and the CRC-32
// checksum used both for on-disk integrity and for the map state hash.
//
// Image layout (little-endian):
//
//	[u16 magic][u16 count]
//	count x [key: KeySize bytes, NUL padded][u16 kind tag][value: SizeOf(kind) bytes]
//	[u32 crc32 over all record bytes]
package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"net/netip"
	"strings"

	kverrors "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/errors"
	"github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/setting"
)

const (
	// Magic marks a valid storage image.
	Magic uint16 = 0x600d
	// HeaderSize is the size of the magic and count fields.
	HeaderSize = 4
	// CRCSize is the size of the trailing checksum.
	CRCSize = 4
	// TagSize is the size of the per-record kind tag.
	TagSize = 2
	// MaxRecords is the largest count the u16 header field can describe.
	MaxRecords = math.MaxUint16
)

// Layout carries the configured key and string sizes that fix the width of
// every record.
type Layout struct {
	KeySize   int
	ValueSize int
}

// SizeOf returns the encoded value size of kind, or 0 for KindEmpty and
// unknown kinds.
func (l Layout) SizeOf(kind setting.Kind) int {
	switch kind {
	case setting.KindInt32, setting.KindFloat32, setting.KindIPv4:
		return 4
	case setting.KindBool, setting.KindByte:
		return 1
	case setting.KindString:
		return l.ValueSize
	default:
		return 0
	}
}

// RecordSize returns the full encoded size of a record of the given kind.
func (l Layout) RecordSize(kind setting.Kind) int {
	return l.KeySize + TagSize + l.SizeOf(kind)
}

// MaxRecordSize is the size of the widest possible record.
func (l Layout) MaxRecordSize() int {
	widest := l.ValueSize
	if widest < 4 {
		widest = 4
	}
	return l.KeySize + TagSize + widest
}

// ValidateKey checks that key fits the key field and can be represented in
// every storage format.
func (l Layout) ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty key", kverrors.ErrInvalidArgument)
	case len(key) > l.KeySize-1:
		return fmt.Errorf("%w: key %q longer than %d bytes", kverrors.ErrInvalidArgument, key, l.KeySize-1)
	case strings.ContainsAny(key, "\x00=\r\n"):
		return fmt.Errorf("%w: key %q contains a reserved character", kverrors.ErrInvalidArgument, key)
	case strings.HasPrefix(key, "#"):
		return fmt.Errorf("%w: key %q may not start with '#'", kverrors.ErrInvalidArgument, key)
	}
	return nil
}

// ValidateValue checks that v has a storable kind and fits its field.
func (l Layout) ValidateValue(v setting.Value) error {
	switch v.Kind() {
	case setting.KindString:
		s := v.Str()
		if len(s) > l.ValueSize-1 {
			return fmt.Errorf("%w: string value longer than %d bytes", kverrors.ErrInvalidArgument, l.ValueSize-1)
		}
		if strings.ContainsAny(s, "\x00\r\n") {
			return fmt.Errorf("%w: string value contains NUL or newline", kverrors.ErrInvalidArgument)
		}
	case setting.KindIPv4:
		if !v.IPv4().Is4() {
			return fmt.Errorf("%w: %q is not an IPv4 address", kverrors.ErrInvalidArgument, v.IPv4())
		}
	case setting.KindEmpty:
		return fmt.Errorf("%w: empty value", kverrors.ErrInvalidArgument)
	default:
		if !v.Kind().Valid() {
			return fmt.Errorf("%w: unknown kind %s", kverrors.ErrInvalidArgument, v.Kind())
		}
	}
	return nil
}

// Validate checks both the key and the value of rec.
func (l Layout) Validate(rec setting.Record) error {
	if err := l.ValidateKey(rec.Key); err != nil {
		return err
	}
	return l.ValidateValue(rec.Value)
}

// AppendValue appends the fixed-size encoding of v to dst. The value must
// already have passed ValidateValue; oversized strings are truncated.
func (l Layout) AppendValue(dst []byte, v setting.Value) []byte {
	switch v.Kind() {
	case setting.KindInt32:
		return binary.LittleEndian.AppendUint32(dst, uint32(v.Int32()))
	case setting.KindFloat32:
		return binary.LittleEndian.AppendUint32(dst, math.Float32bits(v.Float32()))
	case setting.KindBool:
		if v.Bool() {
			return append(dst, 1)
		}
		return append(dst, 0)
	case setting.KindByte:
		return append(dst, v.Byte())
	case setting.KindIPv4:
		var quad [4]byte
		if addr := v.IPv4(); addr.Is4() {
			quad = addr.As4()
		}
		return append(dst, quad[:]...)
	case setting.KindString:
		return appendPadded(dst, v.Str(), l.ValueSize)
	default:
		return dst
	}
}

// AppendRecord appends the encoding of rec to dst. The record must already
// have passed Validate.
func (l Layout) AppendRecord(dst []byte, rec setting.Record) []byte {
	dst = appendPadded(dst, rec.Key, l.KeySize)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(rec.Kind()))
	return l.AppendValue(dst, rec.Value)
}

// DecodeValue decodes a value of kind from exactly SizeOf(kind) bytes.
func (l Layout) DecodeValue(kind setting.Kind, buf []byte) (setting.Value, error) {
	if !kind.Valid() {
		return setting.Value{}, fmt.Errorf("unknown kind tag %d", uint16(kind))
	}
	if len(buf) != l.SizeOf(kind) {
		return setting.Value{}, fmt.Errorf("%s value is %d bytes, want %d", kind, len(buf), l.SizeOf(kind))
	}
	switch kind {
	case setting.KindInt32:
		return setting.Int32(int32(binary.LittleEndian.Uint32(buf))), nil
	case setting.KindFloat32:
		return setting.Float32(math.Float32frombits(binary.LittleEndian.Uint32(buf))), nil
	case setting.KindBool:
		return setting.Bool(buf[0] != 0), nil
	case setting.KindByte:
		return setting.Byte(buf[0]), nil
	case setting.KindIPv4:
		return setting.IPv4(netip.AddrFrom4([4]byte(buf))), nil
	default:
		return setting.String(trimPadded(buf)), nil
	}
}

// PeekKind reads the kind tag of the record starting at buf and returns the
// record's total encoded size.
func (l Layout) PeekKind(buf []byte) (setting.Kind, int, error) {
	if len(buf) < l.KeySize+TagSize {
		return setting.KindEmpty, 0, fmt.Errorf("truncated record header: %d bytes", len(buf))
	}
	kind := setting.Kind(binary.LittleEndian.Uint16(buf[l.KeySize:]))
	if !kind.Valid() {
		return kind, 0, fmt.Errorf("unknown kind tag %d", uint16(kind))
	}
	return kind, l.RecordSize(kind), nil
}

// DecodeRecord decodes the record at the start of buf and returns it along
// with the number of bytes consumed.
func (l Layout) DecodeRecord(buf []byte) (setting.Record, int, error) {
	kind, size, err := l.PeekKind(buf)
	if err != nil {
		return setting.Record{}, 0, err
	}
	if len(buf) < size {
		return setting.Record{}, 0, fmt.Errorf("truncated %s record: %d of %d bytes", kind, len(buf), size)
	}
	key := trimPadded(buf[:l.KeySize])
	if key == "" {
		return setting.Record{}, 0, fmt.Errorf("record with empty key")
	}
	val, err := l.DecodeValue(kind, buf[l.KeySize+TagSize:size])
	if err != nil {
		return setting.Record{}, 0, err
	}
	return setting.Record{Key: key, Value: val}, size, nil
}

// Checksum returns the CRC-32 (IEEE) over the encoding of records. It is the
// trailing checksum of a storage image and the state hash of a settings map.
func (l Layout) Checksum(records []setting.Record) uint32 {
	var crc uint32
	buf := make([]byte, 0, l.MaxRecordSize())
	for _, rec := range records {
		buf = l.AppendRecord(buf[:0], rec)
		crc = crc32.Update(crc, crc32.IEEETable, buf)
	}
	return crc
}

// UpdateCRC extends a running checksum with raw record bytes.
func UpdateCRC(crc uint32, p []byte) uint32 {
	return crc32.Update(crc, crc32.IEEETable, p)
}

// EncodeImage builds a complete storage image for records.
func (l Layout) EncodeImage(records []setting.Record) ([]byte, error) {
	if len(records) > MaxRecords {
		return nil, fmt.Errorf("%w: %d records exceed the image limit", kverrors.ErrCapacityExceeded, len(records))
	}
	img := make([]byte, 0, HeaderSize+len(records)*l.MaxRecordSize()+CRCSize)
	img = binary.LittleEndian.AppendUint16(img, Magic)
	img = binary.LittleEndian.AppendUint16(img, uint16(len(records)))
	start := len(img)
	for _, rec := range records {
		if err := l.Validate(rec); err != nil {
			return nil, err
		}
		img = l.AppendRecord(img, rec)
	}
	crc := UpdateCRC(0, img[start:])
	return binary.LittleEndian.AppendUint32(img, crc), nil
}

// DecodeImage validates a complete storage image and returns its records.
// Nothing is returned unless the magic and the trailing CRC both check out.
func (l Layout) DecodeImage(img []byte) ([]setting.Record, error) {
	if len(img) < HeaderSize+CRCSize {
		return nil, fmt.Errorf("%w: image too short (%d bytes)", kverrors.ErrCorrupt, len(img))
	}
	if magic := binary.LittleEndian.Uint16(img); magic != Magic {
		return nil, fmt.Errorf("%w: bad magic 0x%04x", kverrors.ErrCorrupt, magic)
	}
	count := int(binary.LittleEndian.Uint16(img[2:]))
	records := make([]setting.Record, 0, count)
	off := HeaderSize
	for i := 0; i < count; i++ {
		rec, n, err := l.DecodeRecord(img[off:])
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", kverrors.ErrCorrupt, i, err)
		}
		records = append(records, rec)
		off += n
	}
	if len(img)-off < CRCSize {
		return nil, fmt.Errorf("%w: missing checksum", kverrors.ErrCorrupt)
	}
	want := binary.LittleEndian.Uint32(img[off:])
	if got := UpdateCRC(0, img[HeaderSize:off]); got != want {
		return nil, fmt.Errorf("%w: crc mismatch (stored 0x%08x, computed 0x%08x)", kverrors.ErrCorrupt, want, got)
	}
	return records, nil
}

func appendPadded(dst []byte, s string, width int) []byte {
	n := len(s)
	if n > width {
		n = width
	}
	dst = append(dst, s[:n]...)
	for i := n; i < width; i++ {
		dst = append(dst, 0)
	}
	return dst
}

func trimPadded(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
