package cardsim

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"io"
	"math/big"

	"github.com/gregLibert/smartcard-scp/pkg/iso7816"
	"github.com/gregLibert/smartcard-scp/pkg/scp"
	"github.com/gregLibert/smartcard-scp/pkg/tlv"
)

// oceState tracks the OCE certificate chain uploaded with PERFORM SECURITY
// OPERATION ahead of an SCP11a/c key agreement.
type oceState struct {
	ref      scp.KeyRef
	issuer   *ecdsa.PublicKey
	key      *ecdh.PublicKey
	complete bool
}

// authFailed counts a failed attempt against ref and blocks the key once it
// reaches MaxAttempts.
func (c *Card) authFailed(ref scp.KeyRef, sw iso7816.StatusWord) ([]byte, iso7816.StatusWord) {
	e, ok := c.store.keys[ref]
	if !ok {
		return nil, sw
	}
	e.failures++
	if e.failures >= MaxAttempts {
		c.logger.Debug().Stringer("ref", ref).Msg("cardsim: key blocked")
		c.store.remove(ref)
		return nil, iso7816.SW_ERR_AUTH_METHOD_BLOCKED
	}
	return nil, sw
}

func (c *Card) initializeUpdate(cmd *iso7816.CommandAPDU) ([]byte, iso7816.StatusWord) {
	c.channel = nil

	e := c.store.scp03(cmd.P1)
	if e == nil {
		return nil, iso7816.SW_ERR_REF_DATA_NOT_FOUND
	}
	if len(cmd.Data) != 8 {
		return c.authFailed(e.ref, iso7816.SW_ERR_INCORRECT_PARAMS_DATA)
	}
	// Every INITIALIZE UPDATE counts until EXTERNAL AUTHENTICATE succeeds.
	if _, sw := c.authFailed(e.ref, iso7816.SW_NO_ERROR); sw != iso7816.SW_NO_ERROR {
		return nil, sw
	}

	cardChallenge := make([]byte, 8)
	if _, err := io.ReadFull(c.random, cardChallenge); err != nil {
		return nil, iso7816.SW_ERR_EXEC_NO_INFO
	}
	context := append(append([]byte(nil), cmd.Data...), cardChallenge...)

	keys, err := e.static.Derive(context)
	if err != nil {
		return nil, iso7816.SW_ERR_EXEC_NO_INFO
	}
	cryptogram, err := scp.Cryptogram(keys.Mac, scp.DerivationCardCryptogram, context)
	if err != nil {
		return nil, iso7816.SW_ERR_EXEC_NO_INFO
	}

	ch := newChannel(e.ref, keys, scp.SecurityLevel{}, make([]byte, 16))
	ch.context = context
	c.channel = ch

	resp := make([]byte, 10, 32)
	resp = append(resp, e.ref.Kvn, 0x03, 0x70)
	resp = append(resp, cardChallenge...)
	resp = append(resp, cryptogram...)
	resp = append(resp, 0x00, 0x00, 0x01)
	return resp, iso7816.SW_NO_ERROR
}

func (c *Card) externalAuthenticate03(cmd *iso7816.CommandAPDU) ([]byte, iso7816.StatusWord) {
	ch := c.channel
	c.channel = nil

	expected, err := scp.Cryptogram(ch.keys.Mac, scp.DerivationHostCryptogram, ch.context)
	if err != nil || subtle.ConstantTimeCompare(expected, cmd.Data) != 1 {
		return nil, iso7816.SW_ERR_SECURITY_STATUS_NOT_SAT
	}

	level := scp.ParseSecurityLevel(cmd.P1)
	if !level.CMAC {
		return nil, iso7816.SW_ERR_INCORRECT_PARAMS_P1P2
	}

	ch.level = level
	ch.established = true
	ch.context = nil
	c.channel = ch
	if e, ok := c.store.keys[ch.ref]; ok {
		e.failures = 0
	}
	c.logger.Debug().Stringer("ref", ch.ref).Uint8("level", level.Byte()).Msg("cardsim: SCP03 established")
	return nil, iso7816.SW_NO_ERROR
}

func (c *Card) performSecurityOperation(cmd *iso7816.CommandAPDU) ([]byte, iso7816.StatusWord) {
	ref := scp.KeyRef{Kid: cmd.P2 & 0x7F, Kvn: cmd.P1}
	e, ok := c.store.keys[ref]
	if !ok || e.public == nil {
		c.oce = nil
		return nil, iso7816.SW_ERR_REF_DATA_NOT_FOUND
	}

	if c.oce == nil || c.oce.ref != ref || c.oce.complete {
		ca, err := toECDSA(e.public)
		if err != nil {
			return nil, iso7816.SW_ERR_EXEC_NO_INFO
		}
		c.oce = &oceState{ref: ref, issuer: ca}
	}

	cert, err := x509.ParseCertificate(cmd.Data)
	if err != nil || cert.SignatureAlgorithm != x509.ECDSAWithSHA256 {
		c.oce = nil
		return c.authFailed(ref, iso7816.SW_ERR_INCORRECT_PARAMS_DATA)
	}
	digest := sha256.Sum256(cert.RawTBSCertificate)
	if !ecdsa.VerifyASN1(c.oce.issuer, digest[:], cert.Signature) {
		c.oce = nil
		return c.authFailed(ref, iso7816.SW_ERR_INCORRECT_PARAMS_DATA)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		c.oce = nil
		return c.authFailed(ref, iso7816.SW_ERR_INCORRECT_PARAMS_DATA)
	}
	c.oce.issuer = pub

	if cmd.P2&0x80 != 0 {
		return nil, iso7816.SW_NO_ERROR
	}

	if serials, ok := c.store.allowlists[ref]; ok && !containsSerial(serials, cert) {
		c.logger.Debug().Stringer("serial", cert.SerialNumber).Msg("cardsim: OCE certificate not on allow-list")
		c.oce = nil
		return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
	}

	key, err := pub.ECDH()
	if err != nil {
		c.oce = nil
		return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
	}
	c.oce.key = key
	c.oce.complete = true
	return nil, iso7816.SW_NO_ERROR
}

func containsSerial(serials []*big.Int, cert *x509.Certificate) bool {
	for _, s := range serials {
		if s.Cmp(cert.SerialNumber) == 0 {
			return true
		}
	}
	return false
}

// keyAgreement is the card side of the SCP11 INTERNAL (11b) and EXTERNAL
// (11a/c) AUTHENTICATE commands.
func (c *Card) keyAgreement(cmd *iso7816.CommandAPDU) ([]byte, iso7816.StatusWord) {
	c.channel = nil
	oce := c.oce
	c.oce = nil

	ref := scp.KeyRef{Kid: cmd.P2, Kvn: cmd.P1}
	e, ok := c.store.keys[ref]
	if !ok || e.private == nil {
		return nil, iso7816.SW_ERR_REF_DATA_NOT_FOUND
	}

	var variant byte
	wantINS := iso7816.INS_EXTERNAL_AUTHENTICATE
	switch ref.Kid {
	case scp.KidSCP11a:
		variant = 0x01
	case scp.KidSCP11b:
		variant = 0x00
		wantINS = iso7816.INS_INTERNAL_AUTHENTICATE
	case scp.KidSCP11c:
		variant = 0x03
	default:
		return nil, iso7816.SW_ERR_INCORRECT_PARAMS_P1P2
	}
	if cmd.Instruction.Raw != wantINS {
		return nil, iso7816.SW_ERR_INCORRECT_PARAMS_P1P2
	}

	params, epk, ok := parseKeyAgreement(cmd.Data)
	if !ok || !bytes.Equal(params, []byte{0x11, variant}) {
		return c.authFailed(ref, iso7816.SW_ERR_INCORRECT_PARAMS_DATA)
	}
	hostEphemeral, err := ecdh.P256().NewPublicKey(epk)
	if err != nil {
		return c.authFailed(ref, iso7816.SW_ERR_INCORRECT_PARAMS_DATA)
	}

	staticKey := hostEphemeral
	if ref.Kid != scp.KidSCP11b {
		if oce == nil || !oce.complete {
			return c.authFailed(ref, iso7816.SW_ERR_SECURITY_STATUS_NOT_SAT)
		}
		staticKey = oce.key
	}

	cardEphemeral, err := ecdh.P256().GenerateKey(c.random)
	if err != nil {
		return nil, iso7816.SW_ERR_EXEC_NO_INFO
	}
	ka1, err := cardEphemeral.ECDH(hostEphemeral)
	if err != nil {
		return c.authFailed(ref, iso7816.SW_ERR_INCORRECT_PARAMS_DATA)
	}
	ka2, err := e.private.ECDH(staticKey)
	if err != nil {
		return c.authFailed(ref, iso7816.SW_ERR_INCORRECT_PARAMS_DATA)
	}

	out := scp.X963KDF(append(ka1, ka2...), []byte{0x3C, 0x88, 0x10}, 3)
	keys := &scp.SessionKeys{
		Enc:  out[16:32],
		Mac:  out[32:48],
		Rmac: out[48:64],
		Dek:  out[64:80],
	}

	epkTLV := tlv.Object{Tag: 0x5F49, Value: cardEphemeral.PublicKey().Bytes()}.Bytes()
	receipt := cmacOf(out[:16], cmd.Data, epkTLV)

	ch := newChannel(ref, keys, scp.FullSecurity, receipt)
	ch.established = true
	c.channel = ch
	e.failures = 0
	c.logger.Debug().Stringer("ref", ref).Msg("cardsim: SCP11 established")

	return append(epkTLV, tlv.Object{Tag: 0x86, Value: receipt}.Bytes()...), iso7816.SW_NO_ERROR
}

// parseKeyAgreement extracts the tag 90 parameters of the A6 control
// reference template and the host ephemeral point.
func parseKeyAgreement(data []byte) (params, epk []byte, ok bool) {
	objects, err := tlv.ReadAll(data)
	if err != nil || len(objects) != 2 || objects[0].Tag != 0xA6 || objects[1].Tag != 0x5F49 {
		return nil, nil, false
	}
	crt, err := tlv.ReadAll(objects[0].Value)
	if err != nil {
		return nil, nil, false
	}
	for _, o := range crt {
		if o.Tag == 0x90 {
			params = o.Value
		}
	}
	return params, objects[1].Value, params != nil
}
