// Package cardsim is an in-memory GlobalPlatform Security Domain used by the
// tests of the secure channel and Security Domain packages.
//
// Card implements iso7816.Transmitter. It answers SELECT of the ISD, runs the
// card side of SCP03 and SCP11a/b/c, enforces and applies secure messaging,
// and keeps a key store that the key management commands operate on.
package cardsim

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/gregLibert/smartcard-scp/internal/syncutil"
	"github.com/gregLibert/smartcard-scp/pkg/iso7816"
	"github.com/gregLibert/smartcard-scp/pkg/scp"
	"github.com/rs/zerolog"
)

// SecurityDomainAID is the AID of the Issuer Security Domain.
var SecurityDomainAID = []byte{0xA0, 0x00, 0x00, 0x01, 0x51, 0x00, 0x00, 0x00}

// MaxAttempts is the number of failed authentications after which a key is
// blocked and removed.
const MaxAttempts = 65

const maxShortResponse = 256

// Card is a simulated Security Domain. The zero value is not usable; use New.
type Card struct {
	mu     syncutil.Mutex
	logger zerolog.Logger
	random io.Reader

	store *keyStore

	selected bool
	channel  *channel
	oce      *oceState

	chained []byte
	pending []byte
	pendSW  iso7816.StatusWord

	tamper   bool
	received [][]byte
}

// Option configures a Card.
type Option func(*Card)

// WithLogger sets the logger used for command traces.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Card) { c.logger = l }
}

// WithRandom overrides the source of card challenges and keys.
func WithRandom(r io.Reader) Option {
	return func(c *Card) { c.random = r }
}

// New returns a card in factory state: the default SCP03 key set under
// KVN 0xFF and a generated SCP11b key under KVN 0x01, with its certificate.
func New(opts ...Option) (*Card, error) {
	c := &Card{
		logger: zerolog.Nop(),
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}

	store, err := newKeyStore(c.random)
	if err != nil {
		return nil, err
	}
	c.store = store
	return c, nil
}

// Transmit processes one raw C-APDU and returns the raw R-APDU.
func (c *Card) Transmit(raw []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.received = append(c.received, append([]byte(nil), raw...))
	data, sw := c.process(raw)

	resp := &iso7816.ResponseAPDU{Data: data, Status: sw}
	c.logger.Trace().Hex("command", raw).Hex("response", resp.Bytes()).Msg("cardsim")
	return resp.Bytes(), nil
}

// Received returns a copy of every raw command seen so far.
func (c *Card) Received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][]byte, len(c.received))
	for i, r := range c.received {
		out[i] = append([]byte(nil), r...)
	}
	return out
}

// TamperNextResponse corrupts the R-MAC of the next protected response.
func (c *Card) TamperNextResponse() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tamper = true
}

// PublicKey returns the public key of the Security Domain key ref.
func (c *Card) PublicKey(ref scp.KeyRef) (*ecdsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k, ok := c.store.keys[ref]
	if !ok || k.private == nil {
		return nil, fmt.Errorf("cardsim: no key pair for %s", ref)
	}
	return toECDSA(k.private.PublicKey())
}

// GenerateKeyPair provisions a Security Domain SCP11 key pair under ref and
// issues its certificate, as a card issuer would before personalization.
func (c *Card) GenerateKeyPair(ref scp.KeyRef) (*ecdsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	priv, err := ecdh.P256().GenerateKey(c.random)
	if err != nil {
		return nil, fmt.Errorf("cardsim: generate key: %w", err)
	}
	c.store.keys[ref] = &keyEntry{ref: ref, private: priv}
	if err := c.store.certify(ref); err != nil {
		return nil, err
	}
	return toECDSA(priv.PublicKey())
}

// InstallCAKey provisions the public key of an OCE certificate issuer.
func (c *Card) InstallCAKey(ref scp.KeyRef, pub *ecdsa.PublicKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, err := pub.ECDH()
	if err != nil {
		return fmt.Errorf("cardsim: CA key: %w", err)
	}
	c.store.keys[ref] = &keyEntry{ref: ref, public: key}
	return nil
}

// SetAllowlist restricts the OCE certificates accepted under ref to the
// given serial numbers.
func (c *Card) SetAllowlist(ref scp.KeyRef, serials ...*big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.allowlists[ref] = serials
}

// SessionEstablished reports whether a secure channel is open.
func (c *Card) SessionEstablished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel != nil && c.channel.established
}

func (c *Card) process(raw []byte) ([]byte, iso7816.StatusWord) {
	cmd, err := iso7816.ParseCommandAPDU(raw)
	if err != nil {
		return nil, iso7816.SW_ERR_WRONG_LENGTH
	}
	cla := raw[0]

	if cmd.Instruction.Raw == iso7816.INS_GET_RESPONSE && c.pending != nil {
		// GET RESPONSE is never protected.
		if cla != 0x00 {
			c.pending = nil
			return nil, iso7816.SW_ERR_CLA_NOT_SUPPORTED
		}
		return c.getResponse()
	}
	c.pending = nil

	extended := len(raw) > 5 && raw[4] == 0x00
	if cla&0x10 != 0 {
		c.chained = append(c.chained, cmd.Data...)
		return nil, iso7816.SW_NO_ERROR
	}
	if c.chained != nil {
		cmd.Data = append(c.chained, cmd.Data...)
		c.chained = nil
		extended = true
	}

	secured := cla&0x04 != 0
	if secured {
		plain, sw := c.unprotect(raw[:4], extended, cmd)
		if sw != iso7816.SW_NO_ERROR {
			return nil, sw
		}
		cmd.Data = plain
	}

	data, sw := c.dispatch(cmd, secured)

	if secured && c.channel != nil && c.channel.established {
		data = c.channel.protect(data, sw)
		if c.tamper && len(data) > 0 {
			data[len(data)-1] ^= 0xFF
			c.tamper = false
		}
	}

	if !extended && len(data) > maxShortResponse {
		c.pending = data[maxShortResponse:]
		c.pendSW = sw
		return data[:maxShortResponse], remaining(len(c.pending))
	}
	return data, sw
}

// unprotect checks the C-MAC and removes the command encryption.
func (c *Card) unprotect(header []byte, extended bool, cmd *iso7816.CommandAPDU) ([]byte, iso7816.StatusWord) {
	ch := c.channel
	if ch == nil || (!ch.established && cmd.Instruction.Raw != iso7816.INS_EXTERNAL_AUTHENTICATE) {
		return nil, iso7816.SW_ERR_SECURITY_STATUS_NOT_SAT
	}

	payload, ok := ch.verify(header, extended, cmd.Data)
	if !ok {
		c.logger.Debug().Msg("cardsim: C-MAC mismatch, closing channel")
		c.channel = nil
		return nil, iso7816.SW_ERR_SECURITY_STATUS_NOT_SAT
	}

	if ch.established && ch.level.CDEC {
		plain, ok := ch.decrypt(payload)
		if !ok {
			c.channel = nil
			return nil, iso7816.SW_ERR_SM_OBJ_INCORRECT
		}
		payload = plain
	}
	return payload, iso7816.SW_NO_ERROR
}

func (c *Card) getResponse() ([]byte, iso7816.StatusWord) {
	if c.pending == nil {
		return nil, iso7816.SW_ERR_CMD_NOT_ALLOWED_NO_INFO
	}
	n := len(c.pending)
	if n > maxShortResponse {
		n = maxShortResponse
	}
	chunk := c.pending[:n]
	c.pending = c.pending[n:]
	if len(c.pending) == 0 {
		c.pending = nil
		return chunk, c.pendSW
	}
	return chunk, remaining(len(c.pending))
}

func remaining(n int) iso7816.StatusWord {
	if n >= maxShortResponse {
		return iso7816.NewStatusWord(0x61, 0x00)
	}
	return iso7816.NewStatusWord(0x61, byte(n))
}

func (c *Card) dispatch(cmd *iso7816.CommandAPDU, secured bool) ([]byte, iso7816.StatusWord) {
	ins := cmd.Instruction.Raw

	if ins == iso7816.INS_SELECT {
		return c.selectApplication(cmd)
	}
	if !c.selected {
		return nil, iso7816.SW_ERR_CMD_NOT_ALLOWED_NO_INFO
	}

	switch ins {
	case iso7816.INS_GP_INITIALIZE_UPDATE:
		return c.initializeUpdate(cmd)
	case iso7816.INS_EXTERNAL_AUTHENTICATE:
		if c.channel != nil && !c.channel.established && secured {
			return c.externalAuthenticate03(cmd)
		}
		return c.keyAgreement(cmd)
	case iso7816.INS_INTERNAL_AUTHENTICATE:
		return c.keyAgreement(cmd)
	case iso7816.INS_PERFORM_SECURITY_OPERATION:
		return c.performSecurityOperation(cmd)
	case iso7816.INS_GET_DATA:
		return c.getData(cmd)
	}

	if !secured || c.channel == nil || !c.channel.established {
		return nil, iso7816.SW_ERR_SECURITY_STATUS_NOT_SAT
	}

	switch ins {
	case iso7816.INS_GP_STORE_DATA:
		return c.storeData(cmd)
	case iso7816.INS_GP_DELETE:
		return c.deleteKey(cmd)
	case iso7816.INS_GP_GENERATE_KEY:
		return c.generateKey(cmd)
	case iso7816.INS_GP_PUT_KEY:
		return c.putKey(cmd)
	}
	return nil, iso7816.SW_ERR_INS_INVALID
}

func (c *Card) selectApplication(cmd *iso7816.CommandAPDU) ([]byte, iso7816.StatusWord) {
	c.channel = nil
	c.oce = nil
	if cmd.P1 != 0x04 || !bytes.Equal(cmd.Data, SecurityDomainAID) {
		c.selected = false
		return nil, iso7816.SW_ERR_FILE_NOT_FOUND
	}
	c.selected = true

	fci := append([]byte{0x6F, byte(2 + len(SecurityDomainAID)), 0x84, byte(len(SecurityDomainAID))}, SecurityDomainAID...)
	return fci, iso7816.SW_NO_ERROR
}
