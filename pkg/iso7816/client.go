package iso7816

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CLIENT & PROTOCOL LOGIC:
// The Client acts as the APDU processor over the physical connection.
// It implements the automatic handling of ISO 7816-3/4 transport behaviors so
// that callers always see one command and one response:
//
// 1. "61 XX" (Response Available):
//    The card indicates that XX bytes are waiting. The client automatically generates
//    and sends a GET RESPONSE command to retrieve them, and keeps doing so until
//    a terminal status word is returned. Applications that use a proprietary
//    "send remaining" instruction configure it with WithGetResponseInstruction.
//
// 2. "6C XX" (Wrong Length):
//    The card indicates that the expected length (Le) was incorrect and suggests XX.
//    The client automatically re-sends the original command with Le = XX.
//
// 3. Command chaining (optional, short encoding only):
//    Data longer than 255 bytes is split into CLA-chained segments.
//
// Exchange() returns a Trace, which is a log of all atomic transactions
// occurred to fulfill the logical request. SendAPDU() merges that trace into a
// single ResponseAPDU whose data is the concatenation of every step.

// Transmitter abstracts the physical card connection.
type Transmitter interface {
	Transmit(cmd []byte) ([]byte, error)
}

// Processor sends one logical command and returns one logical response.
// Both the plain Client and a secure channel session implement it.
type Processor interface {
	SendAPDU(cmd *CommandAPDU) (*ResponseAPDU, error)
}

// Client manages the high-level communication with the card.
type Client struct {
	Card Transmitter

	encoding    Encoding
	getResponse InsCode
	chaining    bool
	logger      zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithEncoding selects the length encoding used for every command.
func WithEncoding(e Encoding) Option {
	return func(c *Client) { c.encoding = e }
}

// WithGetResponseInstruction overrides the INS used to fetch remaining data after 61XX.
func WithGetResponseInstruction(ins InsCode) Option {
	return func(c *Client) { c.getResponse = ins }
}

// WithCommandChaining splits payloads that do not fit a short command into chained segments.
func WithCommandChaining() Option {
	return func(c *Client) { c.chaining = true }
}

// WithLogger sets the logger used to trace APDUs.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a new Client instance.
// It defaults to short encoding and the ISO GET RESPONSE instruction.
func NewClient(card Transmitter, opts ...Option) *Client {
	c := &Client{
		Card:        card,
		encoding:    ShortEncoding{},
		getResponse: INS_GET_RESPONSE,
		logger:      log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encoding returns the length encoding in use.
func (c *Client) Encoding() Encoding {
	return c.encoding
}

// SendAPDU implements Processor.
func (c *Client) SendAPDU(cmd *CommandAPDU) (*ResponseAPDU, error) {
	trace, err := c.Exchange(cmd)
	if err != nil {
		return nil, err
	}
	return trace.Response(), nil
}

// Transceive sends cmd and returns the response data, or an *ApduError if
// the final status word is not 9000.
func Transceive(p Processor, cmd *CommandAPDU) ([]byte, error) {
	resp, err := p.SendAPDU(cmd)
	if err != nil {
		return nil, err
	}
	if resp.Status != SW_NO_ERROR {
		return nil, &ApduError{Command: cmd, Status: resp.Status}
	}
	return resp.Data, nil
}

// Exchange transmits a command and handles protocol logic (chaining, 61xx, 6Cxx).
func (c *Client) Exchange(cmd *CommandAPDU) (Trace, error) {
	if c.chaining && len(cmd.Data) > c.encoding.MaxDataLength() {
		return c.sendChained(cmd)
	}
	return c.send(cmd)
}

func (c *Client) sendChained(cmd *CommandAPDU) (Trace, error) {
	var trace Trace

	size := c.encoding.MaxDataLength()
	data := cmd.Data
	for len(data) > size {
		cls, err := cmd.Class.WithChaining(true)
		if err != nil {
			return trace, fmt.Errorf("%w: %v", ErrEncoding, err)
		}

		segment := NewCommandAPDU(cls, cmd.Instruction, cmd.P1, cmd.P2, data[:size], 0)
		tx, err := c.transmit(segment)
		if err != nil {
			return trace, err
		}
		trace = append(trace, *tx)

		if tx.Response.Status != SW_NO_ERROR {
			return trace, nil
		}
		data = data[size:]
	}

	last := *cmd
	last.Data = data
	subTrace, err := c.send(&last)
	trace = append(trace, subTrace...)
	return trace, err
}

func (c *Client) send(cmd *CommandAPDU) (Trace, error) {
	currentTx, err := c.transmit(cmd)
	if err != nil {
		return nil, err
	}

	trace := Trace{*currentTx}

	sw1 := currentTx.Response.Status.SW1()
	sw2 := currentTx.Response.Status.SW2()

	// Case 61XX: More data available -> Issue GET RESPONSE
	if sw1 == 0x61 {
		respCls, err := getResponseClass(cmd.Class)
		if err != nil {
			return trace, fmt.Errorf("%w: %v", ErrEncoding, err)
		}

		ins, err := NewInstruction(c.getResponse)
		if err != nil {
			return trace, fmt.Errorf("%w: %v", ErrEncoding, err)
		}

		// Le = sw2 (number of bytes available, 00 meaning 256)
		getRespCmd := NewCommandAPDU(respCls, ins, 0x00, 0x00, nil, decodeShortLe(sw2))

		subTrace, err := c.send(getRespCmd)
		trace = append(trace, subTrace...)
		return trace, err
	}

	// Case 6CXX: Wrong Length -> Re-issue original command with correct Le
	if sw1 == 0x6C {
		ne := decodeShortLe(sw2)
		if ne == cmd.Ne {
			return trace, nil
		}

		// Clone command to update Le without mutating the original pointer
		newCmd := *cmd
		newCmd.Ne = ne

		subTrace, err := c.send(&newCmd)
		trace = append(trace, subTrace...)
		return trace, err
	}

	return trace, nil
}

// getResponseClass is the plain interindustry class on the logical channel
// of cla: no chaining and no secure messaging, so 00 for channel 0 whatever
// the class of the command being answered.
func getResponseClass(cla Class) (Class, error) {
	if cla.IsProprietary {
		return Class{}, nil
	}
	return NewInterindustryClass(false, SMNone, cla.Channel)
}

// transmit performs exactly one physical command/response exchange.
func (c *Client) transmit(cmd *CommandAPDU) (*Transaction, error) {
	rawCmd, err := c.encoding.Encode(cmd)
	if err != nil {
		return nil, err
	}

	c.logger.Trace().Hex("apdu", rawCmd).Msg("sending APDU")

	rawResp, err := c.Card.Transmit(rawCmd)
	if err != nil {
		if isClassified(err) {
			return nil, err
		}
		return nil, &TransportError{Op: "transmit", Err: err}
	}

	c.logger.Trace().Hex("rapdu", rawResp).Msg("received response")

	resp, err := ParseResponseAPDU(rawResp)
	if err != nil {
		return nil, err
	}

	return &Transaction{Command: cmd, Response: resp}, nil
}
