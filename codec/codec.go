// Package codec converts application values to and from the memcached
// wire byte form, tracking the 16-bit flags word that records how a
// value was encoded.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/klauspost/compress/zlib"
)

// Flags bits, composed bitwise. A value with Flags == 0 is a raw byte
// string.
const (
	FlagPickle     uint16 = 1 << 0
	FlagCompressed uint16 = 1 << 1
	FlagInteger    uint16 = 1 << 2
	FlagLong       uint16 = 1 << 3

	knownFlags = FlagPickle | FlagCompressed | FlagInteger | FlagLong
)

// MaxKeyLength and MaxValueLength are the memcached protocol ceilings.
const (
	MaxKeyLength   = 250
	MaxValueLength = 1048575 // 1 MiB - 1
)

// Serializer converts an arbitrary Go value to and from bytes, for
// values that are neither raw bytes/text nor integers. The core never
// supplies a default: callers that never store non-primitive values
// may leave this nil.
type Serializer struct {
	Serialize   func(v any) ([]byte, error)
	Deserialize func(data []byte, v *any) error
}

// Codec encodes and decodes memcached values.
type Codec struct {
	Serializer *Serializer
}

// New returns a Codec. ser may be nil if the caller never stores
// non-primitive values.
func New(ser *Serializer) *Codec {
	return &Codec{Serializer: ser}
}

// Encode converts v to its wire form. minCompressLen <= 0 disables
// compression. ok is false when the encoded (and possibly compressed)
// value exceeds MaxValueLength; the caller should surface this as
// "not stored" without touching any connection.
func (c *Codec) Encode(v any, minCompressLen int) (flags uint16, data []byte, ok bool, err error) {
	switch val := v.(type) {
	case []byte:
		data = val
	case string:
		data = []byte(val)
	case int:
		flags |= FlagInteger
		data = []byte(strconv.FormatInt(int64(val), 10))
	case int8, int16, int32:
		flags |= FlagInteger
		data = []byte(fmt.Sprintf("%d", val))
	case int64:
		flags |= FlagLong
		data = []byte(strconv.FormatInt(val, 10))
	case uint, uint8, uint16, uint32:
		flags |= FlagInteger
		data = []byte(fmt.Sprintf("%d", val))
	case uint64:
		flags |= FlagLong
		data = []byte(strconv.FormatUint(val, 10))
	default:
		if c.Serializer == nil || c.Serializer.Serialize == nil {
			return 0, nil, false, fmt.Errorf("codec: no serializer configured for type %T", v)
		}
		flags |= FlagPickle
		data, err = c.Serializer.Serialize(v)
		if err != nil {
			return 0, nil, false, fmt.Errorf("codec: serialize: %w", err)
		}
	}

	// Compression is only attempted for raw/pickled payloads; an
	// integer's decimal ASCII form is never worth compressing and the
	// original source disables it unconditionally for that path too.
	if flags&(FlagInteger|FlagLong) == 0 && minCompressLen > 0 && len(data) > minCompressLen {
		if compressed, cerr := deflate(data); cerr == nil && len(compressed) < len(data) {
			flags |= FlagCompressed
			data = compressed
		}
	}

	if len(data) > MaxValueLength {
		return 0, nil, false, nil
	}
	return flags, data, true, nil
}

// Decode converts the wire flags/bytes back into a Go value.
func (c *Codec) Decode(flags uint16, data []byte) (any, error) {
	if flags&^knownFlags != 0 {
		return nil, fmt.Errorf("codec: unknown flags 0x%x", flags&^knownFlags)
	}

	if flags&FlagCompressed != 0 {
		plain, err := inflate(data)
		if err != nil {
			return nil, fmt.Errorf("codec: decompress: %w", err)
		}
		data = plain
		flags &^= FlagCompressed
	}

	switch {
	case flags&FlagInteger != 0:
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("codec: parse integer: %w", err)
		}
		return int(n), nil
	case flags&FlagLong != 0:
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("codec: parse long: %w", err)
		}
		return n, nil
	case flags&FlagPickle != 0:
		if c.Serializer == nil || c.Serializer.Deserialize == nil {
			return nil, fmt.Errorf("codec: no serializer configured to decode pickled value")
		}
		var v any
		if err := c.Serializer.Deserialize(data, &v); err != nil {
			return nil, fmt.Errorf("codec: deserialize: %w", err)
		}
		return v, nil
	default:
		return data, nil
	}
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
