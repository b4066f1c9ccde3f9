package tlv

import (
	"fmt"
)

// Object is a single TLV read without interpreting its value.
//
// GlobalPlatform reuses constructed-class tag numbers (B0, B1, F0) for
// fields that carry raw octets such as EC points, so those payloads must be
// split with ReadObject rather than decoded with bertlv.
type Object struct {
	Tag   uint
	Value []byte
}

// ReadObject reads the first TLV of data and returns it together with the
// remaining bytes.
func ReadObject(data []byte) (Object, []byte, error) {
	if len(data) == 0 {
		return Object{}, nil, fmt.Errorf("empty TLV input")
	}

	tag := uint(data[0])
	offset := 1
	if data[0]&0x1F == 0x1F {
		for {
			if offset >= len(data) {
				return Object{}, nil, fmt.Errorf("truncated tag")
			}
			b := data[offset]
			tag = tag<<8 | uint(b)
			offset++
			if b&0x80 == 0 {
				break
			}
			if offset > 3 {
				return Object{}, nil, fmt.Errorf("tag longer than 3 bytes")
			}
		}
	}

	if offset >= len(data) {
		return Object{}, nil, fmt.Errorf("missing length for tag %s", TagString(tag))
	}

	length := int(data[offset])
	offset++
	if length&0x80 != 0 {
		n := length & 0x7F
		if n == 0 || n > 3 {
			return Object{}, nil, fmt.Errorf("unsupported length encoding 0x%02X for tag %s", 0x80|n, TagString(tag))
		}
		if offset+n > len(data) {
			return Object{}, nil, fmt.Errorf("truncated length for tag %s", TagString(tag))
		}
		length = 0
		for _, b := range data[offset : offset+n] {
			length = length<<8 | int(b)
		}
		offset += n
	}

	if offset+length > len(data) {
		return Object{}, nil, fmt.Errorf("tag %s: value length %d exceeds remaining %d bytes", TagString(tag), length, len(data)-offset)
	}

	obj := Object{Tag: tag, Value: data[offset : offset+length]}
	return obj, data[offset+length:], nil
}

// ReadAll splits data into consecutive TLV objects.
func ReadAll(data []byte) ([]Object, error) {
	var objects []Object
	for len(data) > 0 {
		obj, rest, err := ReadObject(data)
		if err != nil {
			return nil, err
		}
		objects = append(objects, obj)
		data = rest
	}
	return objects, nil
}

// Unpack checks that data is exactly one TLV with the expected tag and
// returns its value.
func Unpack(tag uint, data []byte) ([]byte, error) {
	obj, rest, err := ReadObject(data)
	if err != nil {
		return nil, err
	}
	if obj.Tag != tag {
		return nil, fmt.Errorf("expected tag %s, got %s", TagString(tag), TagString(obj.Tag))
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after tag %s", len(rest), TagString(tag))
	}
	return obj.Value, nil
}

// Bytes encodes the object without interpreting its value, so it is safe
// for constructed-class tags carrying raw octets.
func (o Object) Bytes() []byte {
	var tag []byte
	for t := o.Tag; ; t >>= 8 {
		tag = append([]byte{byte(t)}, tag...)
		if t <= 0xFF {
			break
		}
	}

	out := append(tag, encodeLength(len(o.Value))...)
	return append(out, o.Value...)
}

// Concat encodes objects back to back.
func Concat(objects ...Object) []byte {
	var out []byte
	for _, o := range objects {
		out = append(out, o.Bytes()...)
	}
	return out
}

func encodeLength(n int) []byte {
	switch {
	case n < 0x80:
		return []byte{byte(n)}
	case n <= 0xFF:
		return []byte{0x81, byte(n)}
	case n <= 0xFFFF:
		return []byte{0x82, byte(n >> 8), byte(n)}
	default:
		return []byte{0x83, byte(n >> 16), byte(n >> 8), byte(n)}
	}
}
