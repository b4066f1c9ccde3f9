package tlv

import (
	"fmt"
	"strings"

	"github.com/moov-io/bertlv"
)

// TagString formats a numeric tag the way bertlv stores it: upper-case hex,
// always a whole number of bytes (0x5F49 -> "5F49", 0x06 -> "06").
func TagString(tag uint) string {
	switch {
	case tag <= 0xFF:
		return fmt.Sprintf("%02X", tag)
	case tag <= 0xFFFF:
		return fmt.Sprintf("%04X", tag)
	default:
		return fmt.Sprintf("%06X", tag)
	}
}

// New returns a TLV carrying value verbatim.
func New(tag uint, value []byte) bertlv.TLV {
	return bertlv.TLV{Tag: TagString(tag), Value: value}
}

// Composite returns a constructed TLV holding children.
func Composite(tag uint, children ...bertlv.TLV) bertlv.TLV {
	return bertlv.TLV{Tag: TagString(tag), TLVs: children}
}

// Encode serializes tlvs back to back.
func Encode(tlvs ...bertlv.TLV) ([]byte, error) {
	out, err := bertlv.Encode(tlvs)
	if err != nil {
		return nil, fmt.Errorf("bertlv encode failed: %w", err)
	}
	return out, nil
}

// DecodeList decodes data as a sequence of BER-TLV packets.
// Constructed packets are decoded recursively.
func DecodeList(data []byte) ([]bertlv.TLV, error) {
	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("bertlv decode failed: %w", err)
	}
	return packets, nil
}

// Find returns the first packet of packets with the given tag.
func Find(packets []bertlv.TLV, tag uint) (bertlv.TLV, bool) {
	target := TagString(tag)
	for _, p := range packets {
		if strings.EqualFold(p.Tag, target) {
			return p, true
		}
	}
	return bertlv.TLV{}, false
}
