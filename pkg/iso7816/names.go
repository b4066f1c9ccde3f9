package iso7816

import "fmt"

// Symbolic names of the standard codes, used by Verbose and in logs.

var statusWordNames = map[StatusWord]string{
	SW_NO_ERROR:                       "SW_NO_ERROR",
	SW_WARN_AUTH_FAILED:               "SW_WARN_AUTH_FAILED",
	SW_WARN_COUNTER_0:                 "SW_WARN_COUNTER_0",
	SW_ERR_EXEC_NO_INFO:               "SW_ERR_EXEC_NO_INFO",
	SW_ERR_MEMORY_FAILURE:             "SW_ERR_MEMORY_FAILURE",
	SW_ERR_WRONG_LENGTH:               "SW_ERR_WRONG_LENGTH",
	SW_ERR_LOGICAL_CHANNEL_NOT_SUPP:   "SW_ERR_LOGICAL_CHANNEL_NOT_SUPP",
	SW_ERR_SECURE_MESSAGING_NOT_SUPP: "SW_ERR_SECURE_MESSAGING_NOT_SUPP",
	SW_ERR_LAST_COMMAND_EXPECTED:      "SW_ERR_LAST_COMMAND_EXPECTED",
	SW_ERR_CHAINING_NOT_SUPP:          "SW_ERR_CHAINING_NOT_SUPP",
	SW_ERR_CMD_NOT_ALLOWED_NO_INFO:    "SW_ERR_CMD_NOT_ALLOWED_NO_INFO",
	SW_ERR_SECURITY_STATUS_NOT_SAT:    "SW_ERR_SECURITY_STATUS_NOT_SAT",
	SW_ERR_AUTH_METHOD_BLOCKED:        "SW_ERR_AUTH_METHOD_BLOCKED",
	SW_ERR_REF_DATA_NOT_USABLE:        "SW_ERR_REF_DATA_NOT_USABLE",
	SW_ERR_COND_OF_USE_NOT_SAT:        "SW_ERR_COND_OF_USE_NOT_SAT",
	SW_ERR_SM_OBJ_MISSING:             "SW_ERR_SM_OBJ_MISSING",
	SW_ERR_SM_OBJ_INCORRECT:           "SW_ERR_SM_OBJ_INCORRECT",
	SW_ERR_WRONG_PARAMS_NO_INFO:       "SW_ERR_WRONG_PARAMS_NO_INFO",
	SW_ERR_INCORRECT_PARAMS_DATA:      "SW_ERR_INCORRECT_PARAMS_DATA",
	SW_ERR_FUNC_NOT_SUPPORTED:         "SW_ERR_FUNC_NOT_SUPPORTED",
	SW_ERR_FILE_NOT_FOUND:             "SW_ERR_FILE_NOT_FOUND",
	SW_ERR_NOT_ENOUGH_MEMORY:          "SW_ERR_NOT_ENOUGH_MEMORY",
	SW_ERR_INCORRECT_PARAMS_P1P2:      "SW_ERR_INCORRECT_PARAMS_P1P2",
	SW_ERR_REF_DATA_NOT_FOUND:         "SW_ERR_REF_DATA_NOT_FOUND",
	SW_ERR_FILE_ALREADY_EXISTS:        "SW_ERR_FILE_ALREADY_EXISTS",
	SW_ERR_WRONG_P1P2:                 "SW_ERR_WRONG_P1P2",
	SW_ERR_INS_INVALID:                "SW_ERR_INS_INVALID",
	SW_ERR_CLA_NOT_SUPPORTED:          "SW_ERR_CLA_NOT_SUPPORTED",
	SW_ERR_UNKNOWN:                    "SW_ERR_UNKNOWN",
}

// String returns the constant name of a standard status word,
// or "StatusWord(0xXXXX)" for values without one.
func (sw StatusWord) String() string {
	if name, ok := statusWordNames[sw]; ok {
		return name
	}
	return fmt.Sprintf("StatusWord(0x%04X)", uint16(sw))
}

var insCodeNames = map[InsCode]string{
	INS_VERIFY:                      "INS_VERIFY",
	INS_MANAGE_SECURITY_ENVIRONMENT: "INS_MANAGE_SECURITY_ENVIRONMENT",
	INS_PERFORM_SECURITY_OPERATION:  "INS_PERFORM_SECURITY_OPERATION",
	INS_MANAGE_CHANNEL:              "INS_MANAGE_CHANNEL",
	INS_EXTERNAL_AUTHENTICATE:       "INS_EXTERNAL_AUTHENTICATE",
	INS_GET_CHALLENGE:               "INS_GET_CHALLENGE",
	INS_GENERAL_AUTHENTICATE:        "INS_GENERAL_AUTHENTICATE",
	INS_INTERNAL_AUTHENTICATE:       "INS_INTERNAL_AUTHENTICATE",
	INS_SELECT:                      "INS_SELECT",
	INS_READ_BINARY:                 "INS_READ_BINARY",
	INS_READ_BINARY_BER:             "INS_READ_BINARY_BER",
	INS_READ_RECORD:                 "INS_READ_RECORD",
	INS_GET_RESPONSE:                "INS_GET_RESPONSE",
	INS_ENVELOPE:                    "INS_ENVELOPE",
	INS_GET_DATA:                    "INS_GET_DATA",
	INS_GET_DATA_BER:                "INS_GET_DATA_BER",
	INS_PUT_DATA:                    "INS_PUT_DATA",
	INS_APPEND_RECORD:               "INS_APPEND_RECORD",
	INS_DELETE_FILE:                 "INS_DELETE_FILE",
}

var gpInsCodeNames = map[InsCode]string{
	INS_GP_INITIALIZE_UPDATE: "INS_GP_INITIALIZE_UPDATE",
	INS_GP_PUT_KEY:           "INS_GP_PUT_KEY",
	INS_GP_STORE_DATA:        "INS_GP_STORE_DATA",
	INS_GP_DELETE:            "INS_GP_DELETE",
	INS_GP_GENERATE_KEY:      "INS_GP_GENERATE_KEY",
}

// String returns the constant name of a standard instruction,
// or "InsCode(0xXX)" for proprietary values.
func (i InsCode) String() string {
	if name, ok := insCodeNames[i]; ok {
		return name
	}
	return fmt.Sprintf("InsCode(0x%02X)", byte(i))
}
