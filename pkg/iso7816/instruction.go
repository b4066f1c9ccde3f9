package iso7816

import (
	"fmt"

	"github.com/gregLibert/smartcard-scp/pkg/bits"
)

// INSTRUCTION BYTE (INS), ISO/IEC 7816-4 §5.1.2:
//
// Under an interindustry class, bit 1 of INS selects the data field format
// (0: as defined by the command, 1: BER-TLV), e.g. GET DATA CA/CB.
// Values 6X and 9X are never instructions: the transport uses them for
// procedure bytes and status words (ISO/IEC 7816-3).
//
// Under a proprietary class (80, 84) the same byte names a GlobalPlatform
// command. Several of them reuse ISO codes with another meaning: E2 is
// APPEND RECORD for ISO but STORE DATA for GlobalPlatform, E4 is DELETE
// FILE versus DELETE. Use Instruction.NameFor to name an instruction
// together with its class.

// InsCode is a typed representation of the instruction byte.
type InsCode byte

// Interindustry instructions (ISO/IEC 7816-4 and 7816-8) met on a
// Security Domain.
const (
	INS_VERIFY                      InsCode = 0x20
	INS_MANAGE_SECURITY_ENVIRONMENT InsCode = 0x22
	INS_PERFORM_SECURITY_OPERATION  InsCode = 0x2A
	INS_MANAGE_CHANNEL              InsCode = 0x70
	INS_EXTERNAL_AUTHENTICATE       InsCode = 0x82
	INS_GET_CHALLENGE               InsCode = 0x84
	INS_GENERAL_AUTHENTICATE        InsCode = 0x86
	INS_INTERNAL_AUTHENTICATE       InsCode = 0x88
	INS_SELECT                      InsCode = 0xA4
	INS_READ_BINARY                 InsCode = 0xB0
	INS_READ_BINARY_BER             InsCode = 0xB1
	INS_READ_RECORD                 InsCode = 0xB2
	INS_GET_RESPONSE                InsCode = 0xC0
	INS_ENVELOPE                    InsCode = 0xC2
	INS_GET_DATA                    InsCode = 0xCA
	INS_GET_DATA_BER                InsCode = 0xCB
	INS_PUT_DATA                    InsCode = 0xDA
	INS_APPEND_RECORD               InsCode = 0xE2
	INS_DELETE_FILE                 InsCode = 0xE4
)

// GlobalPlatform Card Specification 2.3 commands, sent with CLA 80 or 84.
// EXTERNAL AUTHENTICATE, INTERNAL AUTHENTICATE and PERFORM SECURITY
// OPERATION keep their ISO codes.
const (
	INS_GP_INITIALIZE_UPDATE InsCode = 0x50
	INS_GP_PUT_KEY           InsCode = 0xD8
	INS_GP_STORE_DATA        InsCode = 0xE2
	INS_GP_DELETE            InsCode = 0xE4
	INS_GP_GENERATE_KEY      InsCode = 0xF1 // Yubico extension: on-card EC key generation
)

// Instruction represents the parsed ISO 7816-4 Instruction byte (INS).
type Instruction struct {
	Raw      InsCode
	IsBERTLV bool
}

// NewInstruction creates an Instruction object with validation.
// It rejects '6X' and '9X' values as they are invalid according to ISO 7816-3.
func NewInstruction(ins InsCode) (Instruction, error) {
	// Validation: values starting with '6' or '9' are invalid for INS.
	highNibble := byte(ins) & 0xF0
	if highNibble == 0x60 || highNibble == 0x90 {
		return Instruction{}, fmt.Errorf("invalid INS 0x%02X: 6X and 9X are reserved", ins)
	}

	return Instruction{
		Raw:      ins,
		IsBERTLV: bits.IsSet(byte(ins), 1), // Bit 1 indicates BER-TLV preference
	}, nil
}

// Verbose returns a human-readable description of the instruction.
func (i Instruction) Verbose() string {
	format := "Standard"
	if i.IsBERTLV {
		format = "BER-TLV"
	}
	return fmt.Sprintf("INS: 0x%02X | Command: %s | Format: %s", byte(i.Raw), i.Raw.String(), format)
}

// NameFor names the instruction as the card reads it under cla:
// GlobalPlatform names for proprietary classes, ISO names otherwise.
func (i Instruction) NameFor(cla Class) string {
	if cla.IsProprietary {
		if name, ok := gpInsCodeNames[i.Raw]; ok {
			return name
		}
	}
	return i.Raw.String()
}
