package iso7816

import (
	"errors"
	"fmt"
)

// ERROR TAXONOMY:
// Every layer of the stack (CCID framing, APDU processing, secure channel)
// reports failures against the sentinels below so callers can branch with
// errors.Is regardless of which layer produced them.
//
//   - ErrTransport: I/O failure on the physical channel.
//   - ErrFraming: the transport delivered a frame that does not belong to the
//     exchange (sequence/type/slot mismatch, reader reported failure).
//   - ErrBadResponse: a response that cannot be interpreted (too short,
//     inconsistent length, bad padding).
//   - ErrEncoding: a command that cannot be expressed in the selected Encoding.
//   - ErrAuthentication: secure channel key, cryptogram, certificate or MAC
//     verification failure.
//   - ErrSessionState: a secure channel used before authentication or after
//     it was closed.
//
// A non-success status word is not an error at this layer; helpers that need
// one report it as an *ApduError.
var (
	ErrTransport      = errors.New("transport failure")
	ErrFraming        = errors.New("framing error")
	ErrBadResponse    = errors.New("bad response")
	ErrEncoding       = errors.New("apdu encoding error")
	ErrAuthentication = errors.New("authentication failed")
	ErrSessionState   = errors.New("invalid session state")
)

// TransportError wraps an I/O failure of a Transmitter.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Op, e.Err)
}

// Unwrap returns the underlying I/O error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports ErrTransport membership.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// ApduError reports a non-success status word returned by the card.
type ApduError struct {
	Command *CommandAPDU
	Status  StatusWord
}

func (e *ApduError) Error() string {
	if e.Command == nil {
		return fmt.Sprintf("apdu error: %s", e.Status.Verbose())
	}
	ins := e.Command.Instruction
	return fmt.Sprintf("apdu error: %s (INS 0x%02X): %s", ins.NameFor(e.Command.Class), byte(ins.Raw), e.Status.Verbose())
}

// StatusOf extracts the status word carried by an *ApduError anywhere in err's chain.
func StatusOf(err error) (StatusWord, bool) {
	var apduErr *ApduError
	if errors.As(err, &apduErr) {
		return apduErr.Status, true
	}
	return 0, false
}

// isClassified reports whether err already carries one of the taxonomy sentinels.
func isClassified(err error) bool {
	for _, target := range []error{ErrTransport, ErrFraming, ErrBadResponse, ErrEncoding, ErrAuthentication, ErrSessionState} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
