package pcsc

import (
	"github.com/gregLibert/smartcard-scp/pkg/iso7816"
)

var _ iso7816.Transmitter = (*Card)(nil)
