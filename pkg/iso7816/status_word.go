package iso7816

import (
	"fmt"

	"github.com/gregLibert/smartcard-scp/pkg/bits"
)

// Status words met on a Security Domain:
//
// '61XX' and '6CXX' carry a length in SW2 and are resolved by the Client
// (GET RESPONSE, resend with Le=XX) before a caller ever sees them.
//
// '63CX' reports a retry counter in the low nibble of SW2.
//
// '6982' and '6983' end an authentication attempt: the first when the
// cryptogram or signature did not verify, the second once the key is
// blocked. A GlobalPlatform card may also answer '6300' to a failed
// EXTERNAL AUTHENTICATE.
//
// '6987' and '6988' come back when the card rejects the secure messaging
// wrapping itself; the session must then be considered lost.

// StatusWord represents the two-byte status response (SW1-SW2) returned by the smart card.
type StatusWord uint16

// NewStatusWord creates a StatusWord instance from two separate bytes.
func NewStatusWord(sw1, sw2 byte) StatusWord {
	return StatusWord(uint16(sw1)<<8 | uint16(sw2))
}

// SW1 returns the first byte (high byte) of the status word.
func (sw StatusWord) SW1() byte {
	return byte(sw >> 8)
}

// SW2 returns the second byte (low byte) of the status word.
func (sw StatusWord) SW2() byte {
	return byte(sw)
}

// IsCounter reports a '63CX' retry counter.
func (sw StatusWord) IsCounter() bool {
	return sw.SW1() == 0x63 && bits.GetRange(sw.SW2(), 8, 5) == 0x0C
}

// IsSuccess returns true if the command was processed successfully (9000) or
// if data is available (61XX).
func (sw StatusWord) IsSuccess() bool {
	return sw == SW_NO_ERROR || sw.SW1() == 0x61
}

// IsWarning returns true if the status indicates a warning (62XX or 63XX).
func (sw StatusWord) IsWarning() bool {
	sw1 := sw.SW1()
	return sw1 == 0x62 || sw1 == 0x63
}

// IsError returns true if the status indicates an execution error (64XX to 6FXX).
func (sw StatusWord) IsError() bool {
	sw1 := sw.SW1()
	return sw1 >= 0x64 && sw1 <= 0x6F
}

// IsAuthFailure reports a status that ends an authentication attempt.
func (sw StatusWord) IsAuthFailure() bool {
	switch sw {
	case SW_WARN_AUTH_FAILED, SW_ERR_SECURITY_STATUS_NOT_SAT, SW_ERR_AUTH_METHOD_BLOCKED:
		return true
	}
	return false
}

// IsSecureMessagingFailure reports that the card rejected the wrapping of
// the command rather than the command itself.
func (sw StatusWord) IsSecureMessagingFailure() bool {
	switch sw {
	case SW_ERR_SECURE_MESSAGING_NOT_SUPP, SW_ERR_SM_OBJ_MISSING, SW_ERR_SM_OBJ_INCORRECT:
		return true
	}
	return false
}

// Verbose returns a human-readable description of the status word.
func (sw StatusWord) Verbose() string {
	sw1 := sw.SW1()
	sw2 := sw.SW2()

	switch {
	case sw.IsCounter():
		return fmt.Sprintf("[%04X] Warning: %d retries left", uint16(sw), bits.GetRange(sw2, 4, 1))
	case sw1 == 0x61:
		return fmt.Sprintf("Process completed, %d bytes available", sw2)
	case sw1 == 0x6C:
		return fmt.Sprintf("Wrong length, correct Le is %d", sw2)
	}

	if name, ok := statusWordNames[sw]; ok {
		return fmt.Sprintf("[%04X] %s", uint16(sw), name)
	}
	return fmt.Sprintf("[%04X] %s", uint16(sw), sw.category())
}

func (sw StatusWord) category() string {
	switch sw.SW1() {
	case 0x62:
		return "Warning: NV memory unchanged"
	case 0x63:
		return "Warning: NV memory changed"
	case 0x64:
		return "Execution Error: NV memory unchanged"
	case 0x65:
		return "Execution Error: NV memory changed"
	case 0x66:
		return "Execution Error: Security issue"
	case 0x68:
		return "Checking Error: Function not supported"
	case 0x69:
		return "Checking Error: Command not allowed"
	case 0x6A:
		return "Checking Error: Wrong parameters"
	default:
		return "Unknown Status"
	}
}

// Status words of ISO/IEC 7816-4 §5.1.3 and GlobalPlatform Card
// Specification 2.3 §11.1.3 returned by Security Domain commands.
const (
	SW_NO_ERROR StatusWord = 0x9000

	SW_WARN_AUTH_FAILED StatusWord = 0x6300
	SW_WARN_COUNTER_0   StatusWord = 0x63C0

	SW_ERR_EXEC_NO_INFO   StatusWord = 0x6400
	SW_ERR_MEMORY_FAILURE StatusWord = 0x6581

	SW_ERR_WRONG_LENGTH              StatusWord = 0x6700
	SW_ERR_LOGICAL_CHANNEL_NOT_SUPP  StatusWord = 0x6881
	SW_ERR_SECURE_MESSAGING_NOT_SUPP StatusWord = 0x6882
	SW_ERR_LAST_COMMAND_EXPECTED     StatusWord = 0x6883
	SW_ERR_CHAINING_NOT_SUPP         StatusWord = 0x6884

	SW_ERR_CMD_NOT_ALLOWED_NO_INFO StatusWord = 0x6900
	SW_ERR_SECURITY_STATUS_NOT_SAT StatusWord = 0x6982
	SW_ERR_AUTH_METHOD_BLOCKED     StatusWord = 0x6983
	SW_ERR_REF_DATA_NOT_USABLE     StatusWord = 0x6984
	SW_ERR_COND_OF_USE_NOT_SAT     StatusWord = 0x6985
	SW_ERR_SM_OBJ_MISSING          StatusWord = 0x6987
	SW_ERR_SM_OBJ_INCORRECT        StatusWord = 0x6988

	SW_ERR_WRONG_PARAMS_NO_INFO  StatusWord = 0x6A00
	SW_ERR_INCORRECT_PARAMS_DATA StatusWord = 0x6A80
	SW_ERR_FUNC_NOT_SUPPORTED    StatusWord = 0x6A81
	SW_ERR_FILE_NOT_FOUND        StatusWord = 0x6A82
	SW_ERR_NOT_ENOUGH_MEMORY     StatusWord = 0x6A84
	SW_ERR_INCORRECT_PARAMS_P1P2 StatusWord = 0x6A86
	SW_ERR_REF_DATA_NOT_FOUND    StatusWord = 0x6A88
	SW_ERR_FILE_ALREADY_EXISTS   StatusWord = 0x6A89

	SW_ERR_WRONG_P1P2        StatusWord = 0x6B00
	SW_ERR_INS_INVALID       StatusWord = 0x6D00
	SW_ERR_CLA_NOT_SUPPORTED StatusWord = 0x6E00
	SW_ERR_UNKNOWN           StatusWord = 0x6F00
)
