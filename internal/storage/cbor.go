package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gxo-labs/kvsettings/internal/wire"
	v1 "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1"
	kverrors "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/errors"
	"github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/setting"
	"github.com/zeebo/blake3"
)

// cborVersion is the envelope version written by CBORBackend.
const cborVersion = 1

// encMode uses Core Deterministic Encoding, so equal record sets always
// produce identical bytes and identical digests.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: wire.MaxRecords}.DecMode()
	if err != nil {
		panic("storage: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborEnvelope struct {
	Version int             `cbor:"1,keyasint"`
	Records cbor.RawMessage `cbor:"2,keyasint"`
	// Digest is the BLAKE3-256 hash of the encoded Records bytes.
	Digest []byte `cbor:"3,keyasint"`
}

type cborRecord struct {
	Key  string `cbor:"1,keyasint"`
	Kind uint16 `cbor:"2,keyasint"`
	// Value holds the fixed-size wire encoding, except for strings which are
	// stored unpadded.
	Value []byte `cbor:"3,keyasint"`
}

// CBORBackend stores the map as a deterministic CBOR document that other
// tools can decode without knowing the binary record layout.
type CBORBackend struct {
	path   string
	layout wire.Layout
}

// NewCBOR creates a CBOR backend bound to path.
func NewCBOR(path string, layout wire.Layout) *CBORBackend {
	return &CBORBackend{path: path, layout: layout}
}

func (c *CBORBackend) Kind() v1.StorageKind { return v1.StorageCBOR }
func (c *CBORBackend) Path() string         { return c.path }

// Load decodes the envelope, verifies the digest and converts every record.
func (c *CBORBackend) Load(ctx context.Context) ([]setting.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := readImage(c.path)
	if err != nil {
		return nil, c.fail("load", err)
	}
	records, err := c.decode(data)
	if err != nil {
		return nil, c.fail("load", err)
	}
	return records, nil
}

func (c *CBORBackend) decode(data []byte) ([]setting.Record, error) {
	var env cborEnvelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", kverrors.ErrCorrupt, err)
	}
	if env.Version != cborVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", kverrors.ErrCorrupt, env.Version)
	}
	sum := blake3.Sum256(env.Records)
	if !bytes.Equal(sum[:], env.Digest) {
		return nil, fmt.Errorf("%w: digest mismatch", kverrors.ErrCorrupt)
	}

	var raw []cborRecord
	if err := decMode.Unmarshal(env.Records, &raw); err != nil {
		return nil, fmt.Errorf("%w: records: %v", kverrors.ErrCorrupt, err)
	}
	records := make([]setting.Record, 0, len(raw))
	for i, r := range raw {
		kind := setting.Kind(r.Kind)
		var val setting.Value
		if kind == setting.KindString {
			val = setting.String(string(r.Value))
		} else {
			var err error
			val, err = c.layout.DecodeValue(kind, r.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: record %d: %v", kverrors.ErrCorrupt, i, err)
			}
		}
		rec := setting.Record{Key: r.Key, Value: val}
		if err := c.layout.Validate(rec); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", kverrors.ErrCorrupt, i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Save encodes records and replaces the file content atomically.
func (c *CBORBackend) Save(ctx context.Context, records []setting.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := c.encode(records)
	if err != nil {
		return c.fail("save", err)
	}
	if err := writeImage(c.path, data); err != nil {
		return c.fail("save", err)
	}
	return nil
}

func (c *CBORBackend) encode(records []setting.Record) ([]byte, error) {
	raw := make([]cborRecord, 0, len(records))
	for _, rec := range records {
		if err := c.layout.Validate(rec); err != nil {
			return nil, err
		}
		r := cborRecord{Key: rec.Key, Kind: uint16(rec.Kind())}
		if rec.Kind() == setting.KindString {
			r.Value = []byte(rec.Value.Str())
		} else {
			r.Value = c.layout.AppendValue(nil, rec.Value)
		}
		raw = append(raw, r)
	}
	encoded, err := encMode.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: encode records: %v", kverrors.ErrIO, err)
	}
	sum := blake3.Sum256(encoded)
	data, err := encMode.Marshal(cborEnvelope{
		Version: cborVersion,
		Records: encoded,
		Digest:  sum[:],
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode envelope: %v", kverrors.ErrIO, err)
	}
	return data, nil
}

// UsedSize reports the size of the CBOR document.
func (c *CBORBackend) UsedSize() (int64, error) {
	size, err := fileSize(c.path)
	if err != nil {
		return 0, c.fail("stat", err)
	}
	return size, nil
}

func (c *CBORBackend) fail(op string, err error) error {
	return kverrors.NewStorageError(c.Kind().String(), c.path, op, err)
}

var _ Backend = (*CBORBackend)(nil)
