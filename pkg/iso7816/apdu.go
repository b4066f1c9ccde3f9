package iso7816

import (
	"fmt"
)

// APDU (Application Protocol Data Unit) structures and encodings according to ISO/IEC 7816-3 and 7816-4.
//
// COMMAND APDU (C-APDU):
// A command consists of a mandatory Header (4 bytes) and an optional Body.
//
// 1. Header:
//   - CLA (Class): Security, Chaining, Logical Channel.
//   - INS (Instruction): The specific command to execute.
//   - P1, P2 (Parameters): Command modifiers.
//
// 2. Body:
//   - Lc (Length Command): Number of bytes in the data field.
//   - Data: The command payload.
//   - Le (Length Expected): Maximum number of bytes expected in the response.
//
// ENCODING CASES (ISO 7816-3):
// - Case 1: No Data, No Response (Header only).
// - Case 2: No Data, Response Expected (Header + Le).
// - Case 3: Data Present, No Response (Header + Lc + Data).
// - Case 4: Data Present, Response Expected (Header + Lc + Data + Le).
//
// LENGTH MODES:
//   - Short Length: Lc/Le encoded on 1 byte (Max 255/256).
//   - Extended Length: Lc/Le encoded on multiple bytes (Max 65535/65536).
//     Which mode a connection uses is decided once by its Encoding
//     (see encoding.go), according to what the device supports.
//
// RESPONSE APDU (R-APDU):
// A response sent by the card consists of an optional Body and a mandatory Trailer.
//
// 1. Body (Data Field):
//   - Variable length sequence of bytes containing the response data.
//
// 2. Trailer (Status Word):
//   - SW1 (1 byte): Command processing status (High byte).
//   - SW2 (1 byte): Command processing qualification (Low byte).
//   - Example: 0x9000 indicates success.
//
// TRANSACTION:
// A logical exchange consisting of sending one Command APDU and receiving one Response APDU.

// APDU Limits and Constants according to ISO 7816-3.
const (
	// MaxShortLc is the maximum data length (Nc) encodable in Short Length mode (1 byte).
	MaxShortLc = 255

	// MaxShortLe is the maximum expected response length (Ne) encodable in Short Length mode.
	// In Short mode, 0x00 encodes 256.
	MaxShortLe = 256

	// MaxExtendedLc is the theoretical limit for Lc in Extended mode (16-bit unsigned).
	MaxExtendedLc = 65535

	// MaxExtendedLe is the maximum Ne encodable in Extended Length mode.
	// In Extended mode, 0x0000 encodes 65536.
	MaxExtendedLe = 65536

	// MaxAPDUBufferSize defines a safe buffer limit for Extended APDUs.
	// Calculation: Header(4) + ExtLc(3) + MaxData(65535) + ExtLe(2) + Safety Margin(1).
	MaxAPDUBufferSize = 4 + 3 + MaxExtendedLc + 2 + 1
)

// CommandAPDU represents a command sent to the card.
type CommandAPDU struct {
	Class       Class
	Instruction Instruction
	P1, P2      byte
	Data        []byte
	Ne          int // Expected response length (0 means none)
}

// NewCommandAPDU creates a basic command.
func NewCommandAPDU(cla Class, ins Instruction, p1, p2 byte, data []byte, ne int) *CommandAPDU {
	return &CommandAPDU{
		Class:       cla,
		Instruction: ins,
		P1:          p1,
		P2:          p2,
		Data:        data,
		Ne:          ne,
	}
}

// NewCommand builds a command from raw CLA and INS bytes, validating both.
func NewCommand(cla byte, ins InsCode, p1, p2 byte, data []byte, ne int) (*CommandAPDU, error) {
	class, err := NewClass(cla)
	if err != nil {
		return nil, err
	}
	instruction, err := NewInstruction(ins)
	if err != nil {
		return nil, err
	}
	return NewCommandAPDU(class, instruction, p1, p2, data, ne), nil
}

// Bytes encodes the CommandAPDU into its byte representation (C-APDU).
// It automatically handles the selection between Short and Extended encoding
// based on the length of Data (Nc) and the expected response length (Ne).
// Clients use their configured Encoding instead; Bytes is meant for logs and traces.
func (c *CommandAPDU) Bytes() ([]byte, error) {
	if len(c.Data) > MaxShortLc || c.Ne > MaxShortLe {
		return ExtendedEncoding{}.Encode(c)
	}
	return ShortEncoding{}.Encode(c)
}

// ParseCommandAPDU decodes a raw C-APDU in any of the short or extended cases.
// It is the card-side counterpart of Encoding.
func ParseCommandAPDU(raw []byte) (*CommandAPDU, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: command too short: length %d", ErrEncoding, len(raw))
	}

	cmd, err := NewCommand(raw[0], InsCode(raw[1]), raw[2], raw[3], nil, 0)
	if err != nil {
		return nil, err
	}

	body := raw[4:]
	switch {
	case len(body) == 0:
		// Case 1
	case len(body) == 1:
		// Case 2 Short
		cmd.Ne = decodeShortLe(body[0])
	case body[0] != 0x00:
		// Case 3/4 Short
		nc := int(body[0])
		switch len(body) {
		case 1 + nc:
		case 2 + nc:
			cmd.Ne = decodeShortLe(body[1+nc])
		default:
			return nil, fmt.Errorf("%w: short Lc %d inconsistent with body length %d", ErrEncoding, nc, len(body))
		}
		cmd.Data = body[1 : 1+nc]
	case len(body) < 3:
		return nil, fmt.Errorf("%w: extended length field truncated to %d bytes", ErrEncoding, len(body))
	case len(body) == 3:
		// Case 2 Extended
		cmd.Ne = decodeExtendedLe(body[1:3])
	default:
		// Case 3/4 Extended
		nc := int(body[1])<<8 | int(body[2])
		if nc == 0 {
			return nil, fmt.Errorf("%w: extended Lc of zero", ErrEncoding)
		}
		switch len(body) {
		case 3 + nc:
		case 5 + nc:
			cmd.Ne = decodeExtendedLe(body[3+nc:])
		default:
			return nil, fmt.Errorf("%w: extended Lc %d inconsistent with body length %d", ErrEncoding, nc, len(body))
		}
		cmd.Data = body[3 : 3+nc]
	}

	return cmd, nil
}

func decodeShortLe(b byte) int {
	if b == 0x00 {
		return MaxShortLe
	}
	return int(b)
}

func decodeExtendedLe(b []byte) int {
	ne := int(b[0])<<8 | int(b[1])
	if ne == 0 {
		return MaxExtendedLe
	}
	return ne
}

// String returns a readable representation of the command meta-data.
func (c *CommandAPDU) String() string {
	return fmt.Sprintf("CLA: 0x%02X | INS: 0x%02X (%s) | P1: %02X, P2: %02X | Lc: %d | Le: %d",
		c.Class.Raw, byte(c.Instruction.Raw), c.Instruction.NameFor(c.Class), c.P1, c.P2, len(c.Data), c.Ne)
}

// ResponseAPDU represents the reply from the card (R-APDU).
type ResponseAPDU struct {
	Data   []byte
	Status StatusWord
}

// ParseResponseAPDU parses raw bytes received from the card into a ResponseAPDU.
// The input must contain at least 2 bytes (SW1, SW2); anything shorter is ErrBadResponse.
func ParseResponseAPDU(raw []byte) (*ResponseAPDU, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: response too short: length %d", ErrBadResponse, len(raw))
	}

	indexSW1 := len(raw) - 2
	data := raw[:indexSW1]
	sw1 := raw[indexSW1]
	sw2 := raw[indexSW1+1]

	return &ResponseAPDU{
		Data:   data,
		Status: NewStatusWord(sw1, sw2),
	}, nil
}

// Bytes returns the raw R-APDU: data followed by SW1 SW2.
func (r *ResponseAPDU) Bytes() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return append(out, r.Status.SW1(), r.Status.SW2())
}

// String returns a readable representation of the response.
func (r *ResponseAPDU) String() string {
	return fmt.Sprintf("Data (%d bytes) | Status: %s", len(r.Data), r.Status.Verbose())
}
