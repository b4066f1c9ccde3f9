package cardsim

import (
	"bytes"
	"testing"

	"github.com/gregLibert/smartcard-scp/pkg/iso7816"
	"github.com/gregLibert/smartcard-scp/pkg/scp"
	"github.com/gregLibert/smartcard-scp/pkg/tlv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ iso7816.Transmitter = (*Card)(nil)

func transmit(t *testing.T, c *Card, raw ...byte) *iso7816.ResponseAPDU {
	t.Helper()
	out, err := c.Transmit(raw)
	require.NoError(t, err)
	resp, err := iso7816.ParseResponseAPDU(out)
	require.NoError(t, err)
	return resp
}

func selectSD(t *testing.T, c *Card) {
	t.Helper()
	raw := append([]byte{0x00, 0xA4, 0x04, 0x00, byte(len(SecurityDomainAID))}, SecurityDomainAID...)
	resp := transmit(t, c, raw...)
	require.Equal(t, iso7816.SW_NO_ERROR, resp.Status)
}

func TestCard_RequiresSelect(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	resp := transmit(t, c, 0x00, 0xCA, 0x00, 0xE0, 0x00)
	assert.Equal(t, iso7816.SW_ERR_CMD_NOT_ALLOWED_NO_INFO, resp.Status)

	resp = transmit(t, c, 0x00, 0xA4, 0x04, 0x00, 0x02, 0xA0, 0x01)
	assert.Equal(t, iso7816.SW_ERR_FILE_NOT_FOUND, resp.Status)
}

func TestCard_FactoryKeyInformation(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	selectSD(t, c)

	resp := transmit(t, c, 0x00, 0xCA, 0x00, 0xE0, 0x00)
	require.Equal(t, iso7816.SW_NO_ERROR, resp.Status)

	inner, err := tlv.Unpack(0xE0, resp.Data)
	require.NoError(t, err)
	entries, err := tlv.ReadAll(inner)
	require.NoError(t, err)

	var refs []scp.KeyRef
	for _, e := range entries {
		require.Equal(t, uint(0xC0), e.Tag)
		refs = append(refs, scp.KeyRef{Kid: e.Value[0], Kvn: e.Value[1]})
	}
	assert.Equal(t, []scp.KeyRef{
		{Kid: 0x01, Kvn: 0xFF},
		{Kid: 0x02, Kvn: 0xFF},
		{Kid: 0x03, Kvn: 0xFF},
		{Kid: 0x13, Kvn: 0x01},
	}, refs)
}

func TestCard_ManagementRequiresSecureChannel(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	selectSD(t, c)

	resp := transmit(t, c, 0x80, 0xE4, 0x00, 0x00, 0x03, 0xD2, 0x01, 0xFF)
	assert.Equal(t, iso7816.SW_ERR_SECURITY_STATUS_NOT_SAT, resp.Status)
}

func TestCard_GetResponseChunks(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	selectSD(t, c)

	// The SCP11b certificate is longer than a short response.
	resp := transmit(t, c, 0x00, 0xCA, 0xBF, 0x21, 0x06, 0xA6, 0x04, 0x83, 0x02, 0x13, 0x01)
	require.Equal(t, byte(0x61), resp.Status.SW1())
	require.Len(t, resp.Data, 256)

	full := append([]byte(nil), resp.Data...)
	for resp.Status.SW1() == 0x61 {
		resp = transmit(t, c, 0x00, 0xC0, 0x00, 0x00, resp.Status.SW2())
		full = append(full, resp.Data...)
	}
	assert.Equal(t, iso7816.SW_NO_ERROR, resp.Status)
	assert.Equal(t, bytes.Join(c.store.certs[scp.KeyRef{Kid: 0x13, Kvn: 0x01}], nil), full)
}

func TestCard_BlocksAfterMaxAttempts(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	selectSD(t, c)

	ref := scp.KeyRef{Kid: scp.KidSCP11b, Kvn: 0x01}
	var last iso7816.StatusWord
	for i := 0; i < MaxAttempts; i++ {
		last = transmit(t, c, 0x80, 0x88, 0x01, 0x13, 0x08, 0, 0, 0, 0, 0, 0, 0, 0).Status
	}
	assert.Equal(t, iso7816.SW_ERR_AUTH_METHOD_BLOCKED, last)
	_, ok := c.store.keys[ref]
	assert.False(t, ok)
}
