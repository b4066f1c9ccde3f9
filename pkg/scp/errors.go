package scp

import (
	"fmt"

	"github.com/gregLibert/smartcard-scp/pkg/iso7816"
)

// ErrInvalidMAC is returned when a response MAC does not verify. The
// session is closed when it happens.
var ErrInvalidMAC = fmt.Errorf("%w: invalid response MAC", iso7816.ErrAuthentication)

// AuthenticationError reports which step of a secure channel handshake
// failed. Err may be an *iso7816.ApduError when the device refused a
// command, for instance an OCE certificate missing from the allow-list.
type AuthenticationError struct {
	Step string
	Err  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("scp: authentication failed at %s: %v", e.Step, e.Err)
}

// Unwrap returns the cause.
func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// Is reports iso7816.ErrAuthentication membership.
func (e *AuthenticationError) Is(target error) bool {
	return target == iso7816.ErrAuthentication
}
