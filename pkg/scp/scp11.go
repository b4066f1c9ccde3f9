package scp

import (
	"crypto/subtle"

	"github.com/gregLibert/smartcard-scp/pkg/iso7816"
	"github.com/gregLibert/smartcard-scp/pkg/tlv"
	"github.com/pkg/errors"
)

// SCP11 key agreement parameters (GPC 2.3 Amendment F §7.6.2.3): the
// session keys are AES-128 (type '88', length 16) usable for C-MAC,
// C-DECRYPTION, R-MAC and R-ENCRYPTION (key usage '3C').
const (
	scp11KeyUsage byte = 0x3C
	scp11KeyType  byte = 0x88
	scp11KeyLen   byte = 16
)

// Tags of the key agreement exchange.
const (
	tagControlReference uint = 0xA6
	tagScpIdentifier    uint = 0x90
	tagKeyUsage         uint = 0x95
	tagKeyType          uint = 0x80
	tagKeyLength        uint = 0x81
	tagEphemeralKey     uint = 0x5F49
	tagReceipt          uint = 0x86
)

func (s *Session) scp11Handshake(p *Scp11KeyParams) (*secureMessaging, error) {
	variant, err := scp11Variant(p.Ref.Kid)
	if err != nil {
		return nil, &AuthenticationError{Step: "parameters", Err: err}
	}

	if p.Ref.Kid == KidSCP11a || p.Ref.Kid == KidSCP11c {
		if err := s.sendCertificates(p); err != nil {
			return nil, err
		}
	}

	sdStatic, err := p.PublicKey.ECDH()
	if err != nil {
		return nil, &AuthenticationError{Step: "key agreement", Err: errors.Wrap(err, "unsupported SD public key")}
	}
	curve := sdStatic.Curve()

	ephemeral, err := curve.GenerateKey(s.random)
	if err != nil {
		return nil, &AuthenticationError{Step: "key agreement", Err: errors.Wrap(err, "generate ephemeral key")}
	}

	data, err := tlv.Encode(
		tlv.Composite(tagControlReference,
			tlv.New(tagScpIdentifier, []byte{0x11, variant}),
			tlv.New(tagKeyUsage, []byte{scp11KeyUsage}),
			tlv.New(tagKeyType, []byte{scp11KeyType}),
			tlv.New(tagKeyLength, []byte{scp11KeyLen}),
		),
		tlv.New(tagEphemeralKey, ephemeral.PublicKey().Bytes()),
	)
	if err != nil {
		return nil, &AuthenticationError{Step: "key agreement", Err: err}
	}

	ins := iso7816.INS_EXTERNAL_AUTHENTICATE
	step := "EXTERNAL AUTHENTICATE"
	if p.Ref.Kid == KidSCP11b {
		ins = iso7816.INS_INTERNAL_AUTHENTICATE
		step = "INTERNAL AUTHENTICATE"
	}
	cmd, err := iso7816.NewCommand(0x80, ins, p.Ref.Kvn, p.Ref.Kid, data, 0)
	if err != nil {
		return nil, &AuthenticationError{Step: step, Err: err}
	}

	s.logger.Debug().Stringer("ref", p.Ref).Str("step", step).Msg("scp11 key agreement")
	resp, err := s.transceive(step, cmd)
	if err != nil {
		return nil, err
	}

	epkObj, rest, err := tlv.ReadObject(resp)
	if err == nil && epkObj.Tag != tagEphemeralKey {
		err = errors.Errorf("expected tag 5F49, got %s", tlv.TagString(epkObj.Tag))
	}
	if err != nil {
		return nil, &AuthenticationError{Step: step, Err: errors.Wrapf(iso7816.ErrBadResponse, "ephemeral key: %v", err)}
	}
	epkTLV := resp[:len(resp)-len(rest)]

	receipt, err := tlv.Unpack(tagReceipt, rest)
	if err != nil {
		return nil, &AuthenticationError{Step: step, Err: errors.Wrapf(iso7816.ErrBadResponse, "receipt: %v", err)}
	}

	cardEphemeral, err := curve.NewPublicKey(epkObj.Value)
	if err != nil {
		return nil, &AuthenticationError{Step: "key agreement", Err: errors.Wrap(err, "card ephemeral key")}
	}

	ka1, err := ephemeral.ECDH(cardEphemeral)
	if err != nil {
		return nil, &AuthenticationError{Step: "key agreement", Err: err}
	}

	staticKey := ephemeral
	if p.OcePrivateKey != nil {
		if staticKey, err = p.OcePrivateKey.ECDH(); err != nil {
			return nil, &AuthenticationError{Step: "key agreement", Err: errors.Wrap(err, "OCE private key")}
		}
	}
	ka2, err := staticKey.ECDH(sdStatic)
	if err != nil {
		return nil, &AuthenticationError{Step: "key agreement", Err: err}
	}

	keys, receiptKey := deriveScp11Keys(append(ka1, ka2...))
	defer zero(receiptKey)

	expected, err := aesCMAC(receiptKey, data, epkTLV)
	if err != nil {
		keys.Zero()
		return nil, &AuthenticationError{Step: "receipt", Err: err}
	}
	if subtle.ConstantTimeCompare(expected, receipt) != 1 {
		keys.Zero()
		return nil, &AuthenticationError{Step: "receipt", Err: errors.New("receipt does not match")}
	}

	return newSecureMessaging(keys, FullSecurity, receipt), nil
}

// deriveScp11Keys splits three rounds of X9.63 output into the receipt key
// followed by S-ENC, S-MAC, S-RMAC and DEK.
func deriveScp11Keys(keyMaterial []byte) (*SessionKeys, []byte) {
	out := X963KDF(keyMaterial, []byte{scp11KeyUsage, scp11KeyType, scp11KeyLen}, 3)
	defer zero(out)
	zero(keyMaterial)

	key := func(i int) []byte { return clone(out[i*KeyLength : (i+1)*KeyLength]) }
	return &SessionKeys{Enc: key(1), Mac: key(2), Rmac: key(3), Dek: key(4)}, key(0)
}

// sendCertificates uploads the OCE chain with PERFORM SECURITY OPERATION,
// flagging every certificate but the last with bit 8 of P2.
func (s *Session) sendCertificates(p *Scp11KeyParams) error {
	oceRef := KeyRef{}
	if p.OceRef != nil {
		oceRef = *p.OceRef
	}

	last := len(p.Certificates) - 1
	for i, cert := range p.Certificates {
		p2 := oceRef.Kid
		if i < last {
			p2 |= 0x80
		}
		cmd, err := iso7816.NewCommand(0x80, iso7816.INS_PERFORM_SECURITY_OPERATION, oceRef.Kvn, p2, cert.Raw, 0)
		if err != nil {
			return &AuthenticationError{Step: "PERFORM SECURITY OPERATION", Err: err}
		}
		s.logger.Debug().Int("index", i).Str("subject", cert.Subject.String()).Msg("scp11 sending OCE certificate")
		if _, err := s.transceive("PERFORM SECURITY OPERATION", cmd); err != nil {
			return err
		}
	}
	return nil
}
