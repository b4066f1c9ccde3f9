package ccid

import (
	"fmt"

	"github.com/gregLibert/smartcard-scp/pkg/iso7816"
)

// FramingError reports a Bulk-IN message that does not answer the pending
// Bulk-OUT message, or a reader that reported a failed command. Failed is
// set in the latter case and SlotError then holds the reader's bError.
type FramingError struct {
	Reason    string
	Header    Header
	Failed    bool
	SlotError SlotError
}

func (e *FramingError) Error() string {
	if e.Failed {
		return fmt.Sprintf("ccid framing error: %s, bError %s (%s)", e.Reason, e.SlotError, e.Header)
	}
	return fmt.Sprintf("ccid framing error: %s (%s)", e.Reason, e.Header)
}

// Is reports iso7816.ErrFraming membership.
func (e *FramingError) Is(target error) bool {
	return target == iso7816.ErrFraming
}
