package ccid

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/gregLibert/smartcard-scp/pkg/iso7816"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMPS = 64

var testATR = []byte{0x3B, 0xF8, 0x13, 0x00, 0x00, 0x81, 0x31, 0xFE, 0x15, 0x59}

// fakeReader is a CCID reader on the far side of a BulkPipe. It reassembles
// Bulk-OUT messages and queues the Bulk-IN packets produced by respond.
type fakeReader struct {
	mps     int
	respond func(h Header, data []byte) [][]byte

	pending []byte
	writes  [][]byte
	reads   [][]byte
}

func newFakeReader(respond func(h Header, data []byte) [][]byte) *fakeReader {
	return &fakeReader{mps: testMPS, respond: respond}
}

func (f *fakeReader) MaxPacketSize() int { return f.mps }

func (f *fakeReader) WriteBulk(_ context.Context, p []byte) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), p...))
	f.pending = append(f.pending, p...)

	if len(f.pending) < HeaderSize {
		return len(p), nil
	}
	h, _ := ParseHeader(f.pending)
	if len(f.pending) < HeaderSize+int(h.Length) {
		return len(p), nil
	}
	// A full last packet is followed by a ZLP before the reader answers.
	if len(p) == f.mps {
		return len(p), nil
	}

	data := append([]byte(nil), f.pending[HeaderSize:]...)
	f.pending = nil
	for _, frame := range f.respond(h, data) {
		f.reads = append(f.reads, packetize(frame, f.mps)...)
	}
	return len(p), nil
}

func (f *fakeReader) ReadBulk(_ context.Context, p []byte) (int, error) {
	if len(f.reads) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	next := f.reads[0]
	f.reads = f.reads[1:]
	return copy(p, next), nil
}

// packetize splits a frame the way a reader does, ending full transfers with a ZLP.
func packetize(frame []byte, mps int) [][]byte {
	var out [][]byte
	for off := 0; off < len(frame); off += mps {
		out = append(out, frame[off:min(off+mps, len(frame))])
	}
	if len(frame)%mps == 0 {
		out = append(out, []byte{})
	}
	return out
}

func dataBlock(seq, status byte, data []byte) []byte {
	h := Header{Type: MsgDataBlock, Length: uint32(len(data)), Seq: seq, Status: status}
	raw, _ := h.MarshalBinary()
	return append(raw, data...)
}

// echoReader answers PowerOn with testATR and XfrBlock with the data it got.
func echoReader(h Header, data []byte) [][]byte {
	if h.Type == MsgIccPowerOn {
		return [][]byte{dataBlock(h.Seq, 0, testATR)}
	}
	return [][]byte{dataBlock(h.Seq, 0, data)}
}

func TestNewConn_PowerOn(t *testing.T) {
	reader := newFakeReader(echoReader)
	conn, err := NewConn(reader)
	require.NoError(t, err)

	assert.Equal(t, testATR, conn.ATR())
	require.Len(t, reader.writes, 1)
	assert.Equal(t, []byte{0x62, 0, 0, 0, 0, 0, 0, 0, 0, 0}, reader.writes[0])

	atr := conn.ATR()
	atr[0] = 0x00
	assert.Equal(t, byte(0x3B), conn.ATR()[0], "ATR must be returned as a copy")
}

func TestNewConn_PowerOnFailure(t *testing.T) {
	reader := newFakeReader(func(h Header, _ []byte) [][]byte {
		return [][]byte{dataBlock(h.Seq, 0x41, nil)}
	})
	_, err := NewConn(reader)
	require.Error(t, err)
	assert.ErrorIs(t, err, iso7816.ErrFraming)
}

func TestConn_RoundTripPacketBoundaries(t *testing.T) {
	// Payload sizes put the whole frame (header + data) around the packet boundary.
	sizes := []int{0, 1, testMPS - HeaderSize - 1, testMPS - HeaderSize, testMPS - HeaderSize + 1, testMPS - 1, testMPS, testMPS + 1, 2*testMPS - HeaderSize}

	for _, size := range sizes {
		reader := newFakeReader(echoReader)
		conn, err := NewConn(reader)
		require.NoError(t, err)
		reader.writes = nil

		payload := bytes.Repeat([]byte{0xA5}, size)
		got, err := conn.Transmit(payload)
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, payload, got, "size %d", size)

		total := HeaderSize + size
		wantPackets := (total + testMPS - 1) / testMPS
		zlp := total%testMPS == 0
		if zlp {
			wantPackets++
		}
		require.Len(t, reader.writes, wantPackets, "size %d", size)
		last := reader.writes[len(reader.writes)-1]
		if zlp {
			assert.Empty(t, last, "size %d: ZLP expected after full packet", size)
		} else {
			assert.NotEmpty(t, last, "size %d: no ZLP expected", size)
		}
		for _, w := range reader.writes {
			assert.LessOrEqual(t, len(w), testMPS)
		}
	}
}

func TestConn_SequenceIncrementsAndWraps(t *testing.T) {
	var seen []byte
	reader := newFakeReader(func(h Header, data []byte) [][]byte {
		seen = append(seen, h.Seq)
		return [][]byte{dataBlock(h.Seq, 0, []byte{0x90, 0x00})}
	})
	conn, err := NewConn(reader)
	require.NoError(t, err)

	for i := 0; i < 300; i++ {
		_, err := conn.Transmit([]byte{0x00, 0xA4, 0x04, 0x00})
		require.NoError(t, err)
	}
	assert.Equal(t, byte(0), seen[0])
	assert.Equal(t, byte(255), seen[255])
	assert.Equal(t, byte(0), seen[256])
}

func TestConn_SequenceMismatch(t *testing.T) {
	reader := newFakeReader(func(h Header, data []byte) [][]byte {
		if h.Type == MsgIccPowerOn {
			return [][]byte{dataBlock(h.Seq, 0, testATR)}
		}
		return [][]byte{dataBlock(h.Seq+1, 0, []byte{0x90, 0x00})}
	})
	conn, err := NewConn(reader)
	require.NoError(t, err)

	_, err = conn.Transmit([]byte{0x00, 0xA4, 0x04, 0x00})
	require.Error(t, err)
	assert.ErrorIs(t, err, iso7816.ErrFraming)

	var framing *FramingError
	require.ErrorAs(t, err, &framing)
	assert.Equal(t, byte(2), framing.Header.Seq)
}

func TestConn_HeaderChecks(t *testing.T) {
	tests := []struct {
		name  string
		frame func(seq byte) []byte
	}{
		{"wrong type", func(seq byte) []byte {
			raw, _ := Header{Type: MsgSlotStatus, Seq: seq}.MarshalBinary()
			return raw
		}},
		{"wrong slot", func(seq byte) []byte {
			raw, _ := Header{Type: MsgDataBlock, Slot: 1, Seq: seq}.MarshalBinary()
			return raw
		}},
		{"failed command", func(seq byte) []byte {
			return dataBlock(seq, 0x40, nil)
		}},
		{"reserved command status", func(seq byte) []byte {
			return dataBlock(seq, 0xC0, []byte{0x90, 0x00})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := newFakeReader(func(h Header, _ []byte) [][]byte {
				if h.Type == MsgIccPowerOn {
					return [][]byte{dataBlock(h.Seq, 0, testATR)}
				}
				return [][]byte{tt.frame(h.Seq)}
			})
			conn, err := NewConn(reader)
			require.NoError(t, err)

			_, err = conn.Transmit([]byte{0x00, 0xCA, 0x00, 0x66})
			assert.ErrorIs(t, err, iso7816.ErrFraming)
		})
	}
}

func TestConn_FailedCommandCarriesSlotError(t *testing.T) {
	reader := newFakeReader(func(h Header, _ []byte) [][]byte {
		if h.Type == MsgIccPowerOn {
			return [][]byte{dataBlock(h.Seq, 0, testATR)}
		}
		raw, _ := Header{Type: MsgDataBlock, Seq: h.Seq, Status: 0x40, Error: 0xFE}.MarshalBinary()
		return [][]byte{raw}
	})
	conn, err := NewConn(reader)
	require.NoError(t, err)

	_, err = conn.Transmit([]byte{0x00, 0xCA, 0x00, 0x66})
	var framing *FramingError
	require.ErrorAs(t, err, &framing)
	assert.True(t, framing.Failed)
	assert.Equal(t, SlotError(0xFE), framing.SlotError)
	assert.Contains(t, err.Error(), "bError FE ICC_MUTE")
}

func TestSlotError_String(t *testing.T) {
	assert.Equal(t, "FF CMD_ABORTED", SlotError(0xFF).String())
	assert.Equal(t, "05 bad field at offset 5", SlotError(0x05).String())
	assert.Equal(t, "C2", SlotError(0xC2).String())
}

func TestConn_TimeExtension(t *testing.T) {
	reader := newFakeReader(func(h Header, data []byte) [][]byte {
		if h.Type == MsgIccPowerOn {
			return [][]byte{dataBlock(h.Seq, 0, testATR)}
		}
		return [][]byte{
			dataBlock(h.Seq, 0x80, nil),
			dataBlock(h.Seq, 0x80, nil),
			dataBlock(h.Seq, 0, []byte{0x01, 0x90, 0x00}),
		}
	})
	conn, err := NewConn(reader)
	require.NoError(t, err)

	got, err := conn.Transmit([]byte{0x80, 0xF1, 0x00, 0x13})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x90, 0x00}, got)
	assert.Empty(t, reader.reads)
}

func TestConn_ShortPayload(t *testing.T) {
	reader := newFakeReader(func(h Header, data []byte) [][]byte {
		if h.Type == MsgIccPowerOn {
			return [][]byte{dataBlock(h.Seq, 0, testATR)}
		}
		frame := dataBlock(h.Seq, 0, []byte{0x90, 0x00})
		frame[1] = 0x05 // declares more than it carries
		return [][]byte{frame}
	})
	conn, err := NewConn(reader)
	require.NoError(t, err)

	_, err = conn.Transmit([]byte{0x00, 0xA4, 0x04, 0x00})
	assert.ErrorIs(t, err, iso7816.ErrBadResponse)
}

func TestConn_TransportFailure(t *testing.T) {
	reader := newFakeReader(echoReader)
	conn, err := NewConn(reader)
	require.NoError(t, err)

	// Nothing queued: the read fails.
	reader.respond = func(Header, []byte) [][]byte { return nil }
	_, err = conn.Transmit([]byte{0x00, 0xA4, 0x04, 0x00})
	assert.ErrorIs(t, err, iso7816.ErrTransport)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestConn_SelectThroughClient(t *testing.T) {
	reader := newFakeReader(func(h Header, data []byte) [][]byte {
		if h.Type == MsgIccPowerOn {
			return [][]byte{dataBlock(h.Seq, 0, testATR)}
		}
		return [][]byte{dataBlock(h.Seq, 0, []byte{0x6F, 0x01, 0x84, 0x90, 0x00})}
	})
	conn, err := NewConn(reader)
	require.NoError(t, err)
	reader.writes = nil

	client := iso7816.NewClient(conn)
	cmd, err := iso7816.NewCommand(0x00, iso7816.INS_SELECT, 0x04, 0x00, []byte{0xA0}, 0)
	require.NoError(t, err)
	require.Len(t, mustBytes(t, cmd), 6)

	resp, err := client.SendAPDU(cmd)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x6F, 0x01, 0x84}, resp.Data)
	assert.Equal(t, iso7816.SW_NO_ERROR, resp.Status)

	require.Len(t, reader.writes, 1)
	assert.Equal(t, []byte{0x6F, 0x06, 0, 0, 0, 0, 0x01, 0, 0, 0}, reader.writes[0][:HeaderSize])
}

func TestConn_WriteError(t *testing.T) {
	pipe := &failingPipe{err: errors.New("device unplugged")}
	_, err := NewConn(pipe)
	assert.ErrorIs(t, err, iso7816.ErrTransport)
}

type failingPipe struct{ err error }

func (p *failingPipe) WriteBulk(context.Context, []byte) (int, error) { return 0, p.err }
func (p *failingPipe) ReadBulk(context.Context, []byte) (int, error)  { return 0, p.err }
func (p *failingPipe) MaxPacketSize() int                              { return testMPS }

func mustBytes(t *testing.T, cmd *iso7816.CommandAPDU) []byte {
	t.Helper()
	raw, err := cmd.Bytes()
	require.NoError(t, err)
	return raw
}

var _ iso7816.Transmitter = (*Conn)(nil)
