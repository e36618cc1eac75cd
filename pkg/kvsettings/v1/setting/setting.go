// Package setting defines the value types held by the settings store: the
// catalog of supported kinds, the tagged Value union, and the Record that
// binds a key to a value.
package setting

import (
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"
)

// Kind identifies the type of a setting's value. The numeric values are the
// type tags written to persistent storage and MUST NOT be renumbered.
type Kind uint16

const (
	// KindEmpty marks an unused map slot. It is never a user-visible kind.
	KindEmpty Kind = iota
	KindInt32
	KindBool
	KindFloat32
	KindString
	KindIPv4
	KindByte
)

var kindNames = map[Kind]string{
	KindEmpty:   "empty",
	KindInt32:   "int32",
	KindBool:    "bool",
	KindFloat32: "float32",
	KindString:  "string",
	KindIPv4:    "ipv4",
	KindByte:    "byte",
}

// String returns the lowercase name of the kind, as used in text storage.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}

// Valid reports whether k is a storable (non-empty, known) kind.
func (k Kind) Valid() bool {
	return k > KindEmpty && k <= KindByte
}

// ParseKind converts a kind name (case-insensitive) into a Kind.
// "empty" is rejected because it cannot carry a value.
func ParseKind(name string) (Kind, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == lower && k != KindEmpty {
			return k, nil
		}
	}
	// Accept a few common aliases for hand-edited files and the CLI.
	switch lower {
	case "int":
		return KindInt32, nil
	case "float":
		return KindFloat32, nil
	case "ip", "ipaddr":
		return KindIPv4, nil
	case "str":
		return KindString, nil
	}
	return KindEmpty, fmt.Errorf("unknown setting kind %q", name)
}

// Value is a tagged union holding exactly one payload of the kind it reports.
// The zero Value has KindEmpty. Values are built with the kind-specific
// constructors so the kind and payload can never disagree.
type Value struct {
	kind Kind
	num  uint32 // int32, float32 bits, bool and byte payloads
	str  string
	ip   netip.Addr
}

// Int32 returns an int32 value.
func Int32(v int32) Value { return Value{kind: KindInt32, num: uint32(v)} }

// Bool returns a bool value.
func Bool(v bool) Value {
	val := Value{kind: KindBool}
	if v {
		val.num = 1
	}
	return val
}

// Float32 returns a float32 value.
func Float32(v float32) Value { return Value{kind: KindFloat32, num: math.Float32bits(v)} }

// String returns a string value. Length bounds are enforced when the value
// is stored, since they depend on the configured value size.
func String(v string) Value { return Value{kind: KindString, str: v} }

// IPv4 returns an IPv4 address value. IPv4-mapped IPv6 addresses are
// unmapped; any other non-IPv4 address is rejected when stored.
func IPv4(addr netip.Addr) Value { return Value{kind: KindIPv4, ip: addr.Unmap()} }

// Byte returns a single byte value.
func Byte(v byte) Value { return Value{kind: KindByte, num: uint32(v)} }

// Kind reports the kind of the value.
func (v Value) Kind() Kind { return v.kind }

// IsEmpty reports whether v is the zero Value.
func (v Value) IsEmpty() bool { return v.kind == KindEmpty }

// Int32 returns the int32 payload, or 0 if v is not an int32.
func (v Value) Int32() int32 {
	if v.kind != KindInt32 {
		return 0
	}
	return int32(v.num)
}

// Bool returns the bool payload, or false if v is not a bool.
func (v Value) Bool() bool { return v.kind == KindBool && v.num != 0 }

// Float32 returns the float32 payload, or 0 if v is not a float32.
func (v Value) Float32() float32 {
	if v.kind != KindFloat32 {
		return 0
	}
	return math.Float32frombits(v.num)
}

// Str returns the string payload, or "" if v is not a string.
func (v Value) Str() string {
	if v.kind != KindString {
		return ""
	}
	return v.str
}

// IPv4 returns the address payload, or the zero Addr if v is not an IPv4 value.
func (v Value) IPv4() netip.Addr {
	if v.kind != KindIPv4 {
		return netip.Addr{}
	}
	return v.ip
}

// Byte returns the byte payload, or 0 if v is not a byte.
func (v Value) Byte() byte {
	if v.kind != KindByte {
		return 0
	}
	return byte(v.num)
}

// Equal reports whether v and other have the same kind and the same payload
// bits. Floats compare by bit pattern, so NaN equals an identical NaN and
// -0 differs from +0, matching what persistent storage would see.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == other.str
	case KindIPv4:
		return v.ip == other.ip
	default:
		return v.num == other.num
	}
}

// String renders the payload in the same textual form ParseValue accepts.
func (v Value) String() string {
	switch v.kind {
	case KindInt32:
		return strconv.FormatInt(int64(v.Int32()), 10)
	case KindBool:
		return strconv.FormatBool(v.Bool())
	case KindFloat32:
		return strconv.FormatFloat(float64(v.Float32()), 'g', -1, 32)
	case KindString:
		return v.str
	case KindIPv4:
		if !v.ip.IsValid() {
			return "0.0.0.0"
		}
		return v.ip.String()
	case KindByte:
		return strconv.FormatUint(uint64(v.Byte()), 10)
	default:
		return ""
	}
}

// ParseValue parses text into a Value of the given kind.
func ParseValue(kind Kind, text string) (Value, error) {
	switch kind {
	case KindInt32:
		n, err := strconv.ParseInt(strings.TrimSpace(text), 0, 32)
		if err != nil {
			return Value{}, fmt.Errorf("invalid int32 %q: %w", text, err)
		}
		return Int32(int32(n)), nil
	case KindBool:
		b, err := strconv.ParseBool(strings.TrimSpace(text))
		if err != nil {
			return Value{}, fmt.Errorf("invalid bool %q: %w", text, err)
		}
		return Bool(b), nil
	case KindFloat32:
		f, err := strconv.ParseFloat(strings.TrimSpace(text), 32)
		if err != nil {
			return Value{}, fmt.Errorf("invalid float32 %q: %w", text, err)
		}
		return Float32(float32(f)), nil
	case KindString:
		return String(text), nil
	case KindIPv4:
		addr, err := netip.ParseAddr(strings.TrimSpace(text))
		if err != nil {
			return Value{}, fmt.Errorf("invalid ipv4 address %q: %w", text, err)
		}
		addr = addr.Unmap()
		if !addr.Is4() {
			return Value{}, fmt.Errorf("address %q is not IPv4", text)
		}
		return IPv4(addr), nil
	case KindByte:
		n, err := strconv.ParseUint(strings.TrimSpace(text), 0, 8)
		if err != nil {
			return Value{}, fmt.Errorf("invalid byte %q: %w", text, err)
		}
		return Byte(byte(n)), nil
	default:
		return Value{}, fmt.Errorf("cannot parse a value of kind %s", kind)
	}
}

// Record is one named, typed setting. Records handed out by the store are
// copies; mutating them has no effect on stored state.
type Record struct {
	Key   string
	Value Value
}

// Kind is shorthand for r.Value.Kind().
func (r Record) Kind() Kind { return r.Value.Kind() }

// IsEmpty reports whether r represents an unused slot.
func (r Record) IsEmpty() bool { return r.Value.IsEmpty() }
