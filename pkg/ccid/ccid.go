// Package ccid frames APDUs for USB smart card readers implementing the
// CCID class (USB class 0x0B).
//
// A Conn owns one bulk OUT/IN endpoint pair. Each exchange writes a
// PC_to_RDR message split into max-packet-size chunks, then reads the
// RDR_to_PC answer until a short packet ends the transfer:
//
//	conn, err := ccid.NewConn(pipe)
//	client := iso7816.NewClient(conn, iso7816.WithEncoding(iso7816.ExtendedEncoding{}))
package ccid

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gregLibert/smartcard-scp/internal/syncutil"
	"github.com/gregLibert/smartcard-scp/pkg/iso7816"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds each bulk transfer.
const DefaultTimeout = 5 * time.Second

// BulkPipe is a pair of bulk endpoints.
// WriteBulk and ReadBulk each perform a single USB transfer; a zero-length
// write sends a zero-length packet.
type BulkPipe interface {
	WriteBulk(ctx context.Context, p []byte) (int, error)
	ReadBulk(ctx context.Context, p []byte) (int, error)
	MaxPacketSize() int
}

// Conn is a CCID connection to slot 0 of a reader.
type Conn struct {
	mu      syncutil.Mutex
	pipe    BulkPipe
	seq     byte
	atr     []byte
	timeout time.Duration
	logger  zerolog.Logger
}

// Option configures a Conn.
type Option func(*Conn)

// WithTimeout sets the per-transfer timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Conn) { c.timeout = d }
}

// WithLogger sets the logger used for frame traces.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// NewConn powers the ICC on and keeps its ATR.
func NewConn(pipe BulkPipe, opts ...Option) (*Conn, error) {
	c := &Conn{
		pipe:    pipe,
		timeout: DefaultTimeout,
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	if pipe.MaxPacketSize() <= 0 {
		return nil, fmt.Errorf("ccid: invalid max packet size %d", pipe.MaxPacketSize())
	}

	atr, err := c.Transceive(context.Background(), MsgIccPowerOn, nil)
	if err != nil {
		return nil, fmt.Errorf("ccid: power on: %w", err)
	}
	c.atr = atr
	c.logger.Debug().Hex("atr", atr).Msg("ccid slot powered on")

	return c, nil
}

// ATR returns a copy of the Answer To Reset received at power on.
func (c *Conn) ATR() []byte {
	return append([]byte(nil), c.atr...)
}

// Transmit sends an APDU in a PC_to_RDR_XfrBlock message.
// It implements iso7816.Transmitter.
func (c *Conn) Transmit(apdu []byte) ([]byte, error) {
	return c.Transceive(context.Background(), MsgXfrBlock, apdu)
}

// Close closes the underlying pipe when it supports it.
func (c *Conn) Close() error {
	if closer, ok := c.pipe.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Transceive performs one CCID exchange and returns the data of the
// RDR_to_PC_DataBlock answering it.
func (c *Conn) Transceive(ctx context.Context, msgType byte, data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.seq
	c.seq++

	if err := c.writeMessage(ctx, msgType, seq, data); err != nil {
		return nil, err
	}
	return c.readMessage(ctx, seq)
}

func (c *Conn) writeMessage(ctx context.Context, msgType, seq byte, data []byte) error {
	header := Header{Type: msgType, Length: uint32(len(data)), Seq: seq}
	frame, _ := header.MarshalBinary()
	frame = append(frame, data...)

	mps := c.pipe.MaxPacketSize()
	for off := 0; off < len(frame); off += mps {
		end := min(off+mps, len(frame))
		if err := c.writePacket(ctx, frame[off:end]); err != nil {
			return err
		}
	}

	// A full last packet does not end the transfer on its own.
	if len(frame)%mps == 0 {
		return c.writePacket(ctx, nil)
	}
	return nil
}

func (c *Conn) writePacket(ctx context.Context, p []byte) error {
	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	n, err := c.pipe.WriteBulk(tctx, p)
	if err != nil {
		return &iso7816.TransportError{Op: "ccid write", Err: err}
	}
	if n != len(p) {
		return &iso7816.TransportError{Op: "ccid write", Err: io.ErrShortWrite}
	}
	c.logger.Trace().Int("len", n).Hex("packet", p).Msg("ccid out")
	return nil
}

func (c *Conn) readMessage(ctx context.Context, seq byte) ([]byte, error) {
	mps := c.pipe.MaxPacketSize()
	packet := make([]byte, mps)

	for {
		n, err := c.readPacket(ctx, packet)
		if err != nil {
			return nil, err
		}

		header, err := ParseHeader(packet[:n])
		if err != nil {
			return nil, err
		}
		if err := checkHeader(header, seq); err != nil {
			return nil, err
		}

		switch header.CommandStatus() {
		case CommandTimeExtension:
			c.logger.Trace().Uint8("seq", seq).Uint8("multiplier", header.Error).Msg("ccid time extension")
			continue
		case CommandFailed:
			return nil, &FramingError{Reason: "command failed", Header: header, Failed: true, SlotError: SlotError(header.Error)}
		case commandStatusRFU:
			return nil, &FramingError{Reason: "reserved command status 3", Header: header}
		}

		frame := append([]byte(nil), packet[:n]...)
		for n == mps {
			n, err = c.readPacket(ctx, packet)
			if err != nil {
				return nil, err
			}
			frame = append(frame, packet[:n]...)
		}

		payload := frame[HeaderSize:]
		if uint64(len(payload)) < uint64(header.Length) {
			return nil, fmt.Errorf("%w: ccid payload of %d bytes, header declares %d", iso7816.ErrBadResponse, len(payload), header.Length)
		}
		return payload[:header.Length], nil
	}
}

func (c *Conn) readPacket(ctx context.Context, p []byte) (int, error) {
	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	n, err := c.pipe.ReadBulk(tctx, p)
	if err != nil {
		return 0, &iso7816.TransportError{Op: "ccid read", Err: err}
	}
	c.logger.Trace().Int("len", n).Hex("packet", p[:n]).Msg("ccid in")
	return n, nil
}

// checkHeader verifies that a Bulk-IN header answers the message sent with seq.
func checkHeader(h Header, seq byte) error {
	switch {
	case h.Type != MsgDataBlock:
		return &FramingError{Reason: fmt.Sprintf("unexpected message type %02X", h.Type), Header: h}
	case h.Slot != 0:
		return &FramingError{Reason: fmt.Sprintf("unexpected slot %d", h.Slot), Header: h}
	case h.Seq != seq:
		return &FramingError{Reason: fmt.Sprintf("sequence %d does not match %d", h.Seq, seq), Header: h}
	}
	return nil
}
