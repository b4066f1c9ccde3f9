package iso7816

import (
	"bytes"
	"fmt"
)

// ENCODING STRATEGY:
// A connection talks to the card in one length mode, decided once when the
// Client is created from what the device declares it supports:
//
//   - ShortEncoding: Lc on 1 byte, Le on 1 byte (00 = 256). Payloads above
//     255 bytes cannot be expressed and are rejected with ErrEncoding.
//     Clients created WithCommandChaining split them instead (CLA bit 5).
//   - ExtendedEncoding: Lc is '00' + 2 bytes, Le is 2 bytes (0000 = 65536),
//     with a leading '00' before Le when no data is sent. The encoded
//     command must also fit the device's declared maximum APDU size.

// Encoding serializes a CommandAPDU for the wire.
type Encoding interface {
	// Encode returns the C-APDU bytes or an error wrapping ErrEncoding.
	Encode(cmd *CommandAPDU) ([]byte, error)

	// MaxDataLength is the largest Nc a single command may carry.
	MaxDataLength() int
}

// ShortEncoding encodes commands in short length form only.
type ShortEncoding struct{}

// MaxDataLength implements Encoding.
func (ShortEncoding) MaxDataLength() int {
	return MaxShortLc
}

// Encode implements Encoding.
func (ShortEncoding) Encode(cmd *CommandAPDU) ([]byte, error) {
	nc := len(cmd.Data)
	if nc > MaxShortLc {
		return nil, fmt.Errorf("%w: %d data bytes exceed short form limit of %d", ErrEncoding, nc, MaxShortLc)
	}
	if cmd.Ne < 0 || cmd.Ne > MaxShortLe {
		return nil, fmt.Errorf("%w: Ne %d outside short form range", ErrEncoding, cmd.Ne)
	}

	buf := new(bytes.Buffer)
	if err := writeHeader(buf, cmd); err != nil {
		return nil, err
	}

	// Case 3/4 Short: Lc (1 byte) + Data
	if nc > 0 {
		buf.WriteByte(byte(nc))
		buf.Write(cmd.Data)
	}

	// Case 2/4 Short: Le (1 byte), 0x00 represents 256
	if cmd.Ne > 0 {
		buf.WriteByte(byte(cmd.Ne))
	}

	return buf.Bytes(), nil
}

// ExtendedEncoding encodes commands in extended length form.
type ExtendedEncoding struct {
	// MaxAPDUSize is the largest encoded command the device accepts.
	// Zero means no limit beyond the ISO maximum.
	MaxAPDUSize int
}

// MaxDataLength implements Encoding.
func (e ExtendedEncoding) MaxDataLength() int {
	if e.MaxAPDUSize <= 0 {
		return MaxExtendedLc
	}
	// Header(4) + Lc(3) + Le(2)
	if n := e.MaxAPDUSize - 9; n < MaxExtendedLc {
		return n
	}
	return MaxExtendedLc
}

// Encode implements Encoding.
func (e ExtendedEncoding) Encode(cmd *CommandAPDU) ([]byte, error) {
	nc := len(cmd.Data)
	ne := cmd.Ne
	if nc > MaxExtendedLc {
		return nil, fmt.Errorf("%w: %d data bytes exceed extended form limit of %d", ErrEncoding, nc, MaxExtendedLc)
	}
	if ne < 0 || ne > MaxExtendedLe {
		return nil, fmt.Errorf("%w: Ne %d outside extended form range", ErrEncoding, ne)
	}

	buf := new(bytes.Buffer)
	if err := writeHeader(buf, cmd); err != nil {
		return nil, err
	}

	// Case 3/4 Extended: 00 + Lc (2 bytes) + Data
	if nc > 0 {
		buf.WriteByte(0x00)
		buf.WriteByte(byte(nc >> 8))
		buf.WriteByte(byte(nc))
		buf.Write(cmd.Data)
	}

	if ne > 0 {
		// Case 2 Extended: leading 00 distinguishes Le from Lc.
		if nc == 0 {
			buf.WriteByte(0x00)
		}
		// 0x0000 represents 65536
		buf.WriteByte(byte(ne >> 8))
		buf.WriteByte(byte(ne))
	}

	if e.MaxAPDUSize > 0 && buf.Len() > e.MaxAPDUSize {
		return nil, fmt.Errorf("%w: APDU length %d exceeds device limit of %d", ErrEncoding, buf.Len(), e.MaxAPDUSize)
	}

	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, cmd *CommandAPDU) error {
	class, err := cmd.Class.Encode()
	if err != nil {
		return fmt.Errorf("%w: failed to encode Class: %v", ErrEncoding, err)
	}
	buf.WriteByte(class)
	buf.WriteByte(byte(cmd.Instruction.Raw))
	buf.WriteByte(cmd.P1)
	buf.WriteByte(cmd.P2)
	return nil
}
