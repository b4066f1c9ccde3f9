package ccid

import (
	"encoding/binary"
	"fmt"

	"github.com/gregLibert/smartcard-scp/pkg/bits"
	"github.com/gregLibert/smartcard-scp/pkg/iso7816"
)

// MESSAGE HEADER (CCID Rev 1.1, §6.1 and §6.2):
// Every bulk message starts with a fixed 10-byte header, followed by
// message specific data:
//
//	Offset  Field         Size
//	0       bMessageType  1
//	1       dwLength      4   (little-endian, length of the data that follows)
//	5       bSlot         1
//	6       bSeq          1
//	7       bStatus       1   (Bulk-IN) / message specific (Bulk-OUT)
//	8       bError        1   (Bulk-IN) / message specific (Bulk-OUT)
//	9       specific      1
//
// bStatus bits 8-7 carry the Command Status:
//   - 00: processed without error
//   - 01: failed, bError holds the reason
//   - 10: time extension requested, the real answer follows

// HeaderSize is the fixed size of a CCID message header.
const HeaderSize = 10

// Message types used by this package.
const (
	MsgIccPowerOn  byte = 0x62 // PC_to_RDR_IccPowerOn
	MsgIccPowerOff byte = 0x63 // PC_to_RDR_IccPowerOff
	MsgXfrBlock    byte = 0x6F // PC_to_RDR_XfrBlock
	MsgDataBlock   byte = 0x80 // RDR_to_PC_DataBlock
	MsgSlotStatus  byte = 0x81 // RDR_to_PC_SlotStatus
)

// CommandStatus is the decoded value of bStatus bits 8-7.
type CommandStatus byte

const (
	CommandProcessed     CommandStatus = 0
	CommandFailed        CommandStatus = 1
	CommandTimeExtension CommandStatus = 2
	commandStatusRFU     CommandStatus = 3
)

// SlotError is the bError of a failed command (CCID 1.1 §6.2.6).
// Values 01 to 7F give the offset of the rejected field of the Bulk-OUT
// message.
type SlotError byte

var slotErrorNames = map[SlotError]string{
	0x00: "CMD_NOT_SUPPORTED",
	0xE0: "CMD_SLOT_BUSY",
	0xEF: "PIN_CANCELLED",
	0xF0: "PIN_TIMEOUT",
	0xF2: "BUSY_WITH_AUTO_SEQUENCE",
	0xF3: "DEACTIVATED_PROTOCOL",
	0xF4: "PROCEDURE_BYTE_CONFLICT",
	0xF5: "ICC_CLASS_NOT_SUPPORTED",
	0xF6: "ICC_PROTOCOL_NOT_SUPPORTED",
	0xF7: "BAD_ATR_TCK",
	0xF8: "BAD_ATR_TS",
	0xFB: "HW_ERROR",
	0xFC: "XFR_OVERRUN",
	0xFD: "XFR_PARITY_ERROR",
	0xFE: "ICC_MUTE",
	0xFF: "CMD_ABORTED",
}

func (e SlotError) String() string {
	if name, ok := slotErrorNames[e]; ok {
		return fmt.Sprintf("%02X %s", byte(e), name)
	}
	if e > 0 && e < 0x80 {
		return fmt.Sprintf("%02X bad field at offset %d", byte(e), byte(e))
	}
	return fmt.Sprintf("%02X", byte(e))
}

// Header is the 10-byte prefix of every CCID bulk message.
type Header struct {
	Type     byte
	Length   uint32
	Slot     byte
	Seq      byte
	Status   byte
	Error    byte
	Specific byte
}

// MarshalBinary encodes the header in wire order.
func (h Header) MarshalBinary() ([]byte, error) {
	out := make([]byte, HeaderSize)
	out[0] = h.Type
	binary.LittleEndian.PutUint32(out[1:5], h.Length)
	out[5] = h.Slot
	out[6] = h.Seq
	out[7] = h.Status
	out[8] = h.Error
	out[9] = h.Specific
	return out, nil
}

// ParseHeader decodes the first HeaderSize bytes of raw.
func ParseHeader(raw []byte) (Header, error) {
	if len(raw) < HeaderSize {
		return Header{}, fmt.Errorf("%w: ccid header needs %d bytes, got %d", iso7816.ErrBadResponse, HeaderSize, len(raw))
	}
	return Header{
		Type:     raw[0],
		Length:   binary.LittleEndian.Uint32(raw[1:5]),
		Slot:     raw[5],
		Seq:      raw[6],
		Status:   raw[7],
		Error:    raw[8],
		Specific: raw[9],
	}, nil
}

// CommandStatus returns bStatus bits 8-7.
func (h Header) CommandStatus() CommandStatus {
	return CommandStatus(bits.GetRange(h.Status, 8, 7))
}

// String returns a compact description for logs and errors.
func (h Header) String() string {
	return fmt.Sprintf("type=%02X len=%d slot=%d seq=%d status=%02X error=%02X",
		h.Type, h.Length, h.Slot, h.Seq, h.Status, h.Error)
}
