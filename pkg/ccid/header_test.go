package ccid

import (
	"testing"

	"github.com/gregLibert/smartcard-scp/pkg/iso7816"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader_MarshalParse(t *testing.T) {
	h := Header{Type: MsgXfrBlock, Length: 0x01020304, Seq: 0x7F}
	raw, err := h.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x6F, 0x04, 0x03, 0x02, 0x01, 0x00, 0x7F, 0x00, 0x00, 0x00}, raw)

	parsed, err := ParseHeader(append(raw, 0xAA))
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestParseHeader_TooShort(t *testing.T) {
	_, err := ParseHeader([]byte{0x80, 0x00})
	assert.ErrorIs(t, err, iso7816.ErrBadResponse)
}

func TestHeader_CommandStatus(t *testing.T) {
	tests := []struct {
		status byte
		want   CommandStatus
	}{
		{0x00, CommandProcessed},
		{0x01, CommandProcessed}, // ICC status bits only
		{0x40, CommandFailed},
		{0x42, CommandFailed},
		{0x80, CommandTimeExtension},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Header{Status: tt.status}.CommandStatus(), "status %02X", tt.status)
	}
}
