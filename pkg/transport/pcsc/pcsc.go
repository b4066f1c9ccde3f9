// Package pcsc connects to cards through the platform PC/SC stack
// (pcsc-lite, WinSCard). Contact readers and NFC ISO-DEP readers are
// handled alike: the card is an iso7816.Transmitter.
package pcsc

import (
	"fmt"

	"github.com/ebfe/scard"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Card is a connected PC/SC card.
type Card struct {
	ctx    *scard.Context
	card   *scard.Card
	reader string
	logger zerolog.Logger
}

// ListReaders returns the names of the readers known to PC/SC.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("pcsc: establish context: %w", err)
	}
	defer func() { _ = ctx.Release() }()

	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("pcsc: list readers: %w", err)
	}
	return readers, nil
}

// Connect opens the card present in the reader at readerIndex.
func Connect(readerIndex int, logger zerolog.Logger) (*Card, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("pcsc: establish context: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		_ = ctx.Release()
		return nil, fmt.Errorf("pcsc: no smart card reader found: %v", err)
	}
	if readerIndex < 0 || readerIndex >= len(readers) {
		_ = ctx.Release()
		return nil, fmt.Errorf("pcsc: reader index %d out of range (0..%d)", readerIndex, len(readers)-1)
	}

	reader := readers[readerIndex]
	// T=0 or T=1 only; some drivers reject ProtocolAny.
	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		_ = ctx.Release()
		return nil, fmt.Errorf("pcsc: connect to %q: %w", reader, err)
	}

	logger.Debug().Str("reader", reader).Msg("pcsc card connected")

	return &Card{ctx: ctx, card: card, reader: reader, logger: logger}, nil
}

// ConnectDefault opens the first reader with the global logger.
func ConnectDefault() (*Card, error) {
	return Connect(0, log.Logger)
}

// Reader returns the name of the reader in use.
func (c *Card) Reader() string {
	return c.reader
}

// Transmit implements iso7816.Transmitter.
func (c *Card) Transmit(apdu []byte) ([]byte, error) {
	c.logger.Trace().Hex("apdu", apdu).Msg("pcsc transmit")
	resp, err := c.card.Transmit(apdu)
	if err != nil {
		return nil, fmt.Errorf("pcsc: transmit: %w", err)
	}
	return resp, nil
}

// ATR returns the Answer To Reset reported by the reader.
func (c *Card) ATR() ([]byte, error) {
	status, err := c.card.Status()
	if err != nil {
		return nil, fmt.Errorf("pcsc: status: %w", err)
	}
	return status.Atr, nil
}

// Close disconnects the card and releases the PC/SC context.
func (c *Card) Close() error {
	var first error
	if err := c.card.Disconnect(scard.LeaveCard); err != nil {
		first = fmt.Errorf("pcsc: disconnect: %w", err)
	}
	if err := c.ctx.Release(); err != nil && first == nil {
		first = fmt.Errorf("pcsc: release context: %w", err)
	}
	return first
}
