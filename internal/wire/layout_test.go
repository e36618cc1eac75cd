package wire

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"net/netip"
	"strings"
	"testing"

	kverrors "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/errors"
	"github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/setting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLayout = Layout{KeySize: 8, ValueSize: 6}

func TestLayout_SizeOf(t *testing.T) {
	tests := []struct {
		kind setting.Kind
		want int
	}{
		{setting.KindInt32, 4},
		{setting.KindFloat32, 4},
		{setting.KindIPv4, 4},
		{setting.KindBool, 1},
		{setting.KindByte, 1},
		{setting.KindString, 6},
		{setting.KindEmpty, 0},
		{setting.Kind(99), 0},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, testLayout.SizeOf(tt.kind))
		})
	}
	assert.Equal(t, 8+2+6, testLayout.MaxRecordSize())
	assert.Equal(t, 8+2+4, Layout{KeySize: 8, ValueSize: 2}.MaxRecordSize())
}

func TestLayout_RecordEncoding(t *testing.T) {
	rec := setting.Record{Key: "v1", Value: setting.Int32(0x01020304)}
	got := testLayout.AppendRecord(nil, rec)
	want := []byte{'v', '1', 0, 0, 0, 0, 0, 0, 1, 0, 4, 3, 2, 1}
	assert.Equal(t, want, got)

	decoded, n, err := testLayout.DecodeRecord(got)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)
	assert.Equal(t, rec.Key, decoded.Key)
	assert.True(t, rec.Value.Equal(decoded.Value))
}

func TestLayout_ValueKinds(t *testing.T) {
	values := []setting.Value{
		setting.Int32(-7),
		setting.Bool(true),
		setting.Float32(3.25),
		setting.String("abc"),
		setting.IPv4(netip.MustParseAddr("192.168.1.1")),
		setting.Byte(0xfe),
	}
	for _, v := range values {
		t.Run(v.Kind().String(), func(t *testing.T) {
			buf := testLayout.AppendValue(nil, v)
			require.Len(t, buf, testLayout.SizeOf(v.Kind()))
			back, err := testLayout.DecodeValue(v.Kind(), buf)
			require.NoError(t, err)
			assert.True(t, v.Equal(back), "got %s, want %s", back, v)
		})
	}
}

func TestLayout_IPv4NetworkOrder(t *testing.T) {
	buf := testLayout.AppendValue(nil, setting.IPv4(netip.MustParseAddr("10.0.0.2")))
	assert.Equal(t, []byte{10, 0, 0, 2}, buf)
}

func TestLayout_Validate(t *testing.T) {
	tests := []struct {
		name string
		rec  setting.Record
	}{
		{"empty key", setting.Record{Key: "", Value: setting.Int32(1)}},
		{"key too long", setting.Record{Key: "12345678", Value: setting.Int32(1)}},
		{"key with equals", setting.Record{Key: "a=b", Value: setting.Int32(1)}},
		{"key with newline", setting.Record{Key: "a\nb", Value: setting.Int32(1)}},
		{"comment key", setting.Record{Key: "#a", Value: setting.Int32(1)}},
		{"string too long", setting.Record{Key: "s", Value: setting.String("123456")}},
		{"string with newline", setting.Record{Key: "s", Value: setting.String("a\nb")}},
		{"empty value", setting.Record{Key: "e"}},
		{"ipv6", setting.Record{Key: "ip", Value: setting.IPv4(netip.MustParseAddr("::2"))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := testLayout.Validate(tt.rec)
			assert.True(t, errors.Is(err, kverrors.ErrInvalidArgument), "got %v", err)
		})
	}
	assert.NoError(t, testLayout.Validate(setting.Record{Key: "1234567", Value: setting.String("12345")}))
}

func TestLayout_ImageRoundTrip(t *testing.T) {
	records := []setting.Record{
		{Key: "a", Value: setting.Int32(1)},
		{Key: "b", Value: setting.String("xy")},
		{Key: "c", Value: setting.Bool(false)},
	}
	img, err := testLayout.EncodeImage(records)
	require.NoError(t, err)

	assert.Equal(t, Magic, binary.LittleEndian.Uint16(img))
	assert.Equal(t, uint16(3), binary.LittleEndian.Uint16(img[2:]))
	assert.Equal(t, HeaderSize+14+16+11+CRCSize, len(img))
	body := img[HeaderSize : len(img)-CRCSize]
	assert.Equal(t, crc32.ChecksumIEEE(body), binary.LittleEndian.Uint32(img[len(img)-CRCSize:]))
	assert.Equal(t, crc32.ChecksumIEEE(body), testLayout.Checksum(records))

	back, err := testLayout.DecodeImage(img)
	require.NoError(t, err)
	require.Len(t, back, 3)
	for i := range records {
		assert.Equal(t, records[i].Key, back[i].Key)
		assert.True(t, records[i].Value.Equal(back[i].Value))
	}
}

func TestLayout_DecodeImageRejectsDamage(t *testing.T) {
	img, err := testLayout.EncodeImage([]setting.Record{
		{Key: "a", Value: setting.Int32(1)},
		{Key: "b", Value: setting.Byte(2)},
	})
	require.NoError(t, err)

	// Every single-bit flip anywhere in the image must be detected.
	for i := range img {
		for bit := 0; bit < 8; bit++ {
			damaged := append([]byte(nil), img...)
			damaged[i] ^= 1 << bit
			records, err := testLayout.DecodeImage(damaged)
			if err == nil {
				t.Fatalf("bit %d of byte %d flipped but image decoded: %v", bit, i, records)
			}
			assert.True(t, errors.Is(err, kverrors.ErrCorrupt))
			assert.Nil(t, records)
		}
	}

	_, err = testLayout.DecodeImage(img[:len(img)-1])
	assert.True(t, errors.Is(err, kverrors.ErrCorrupt))
	_, err = testLayout.DecodeImage(nil)
	assert.True(t, errors.Is(err, kverrors.ErrCorrupt))
}

func TestLayout_EmptyImage(t *testing.T) {
	img, err := testLayout.EncodeImage(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0d, 0x60, 0, 0, 0, 0, 0, 0}, img)
	records, err := testLayout.DecodeImage(img)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLayout_PeekKindUnknownTag(t *testing.T) {
	buf := make([]byte, testLayout.KeySize+TagSize)
	copy(buf, "k")
	binary.LittleEndian.PutUint16(buf[testLayout.KeySize:], 42)
	_, _, err := testLayout.PeekKind(buf)
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "42"))
}

func BenchmarkChecksum(b *testing.B) {
	layout := Layout{KeySize: 32, ValueSize: 32}
	records := make([]setting.Record, 50)
	for i := range records {
		records[i] = setting.Record{Key: strings.Repeat("k", i%20+1), Value: setting.Int32(int32(i))}
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = layout.Checksum(records)
	}
}
