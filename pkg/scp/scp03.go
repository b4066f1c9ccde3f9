package scp

import (
	"crypto/subtle"
	"io"

	"github.com/gregLibert/smartcard-scp/pkg/iso7816"
	"github.com/pkg/errors"
)

// INITIALIZE UPDATE response layout (SCP03):
//
//	key diversification data  10
//	key information            3  (kvn, scp id '03', i parameter)
//	card challenge             8
//	card cryptogram            8
//	sequence counter           3  (pseudo-random challenge only)
const initUpdateMinLength = 29

func (s *Session) scp03Handshake(p *Scp03KeyParams) (*secureMessaging, error) {
	hostChallenge := make([]byte, 8)
	if _, err := io.ReadFull(s.random, hostChallenge); err != nil {
		return nil, &AuthenticationError{Step: "host challenge", Err: err}
	}

	initUpdate, err := iso7816.NewCommand(0x80, iso7816.INS_GP_INITIALIZE_UPDATE, p.Ref.Kvn, 0x00, hostChallenge, 0)
	if err != nil {
		return nil, &AuthenticationError{Step: "INITIALIZE UPDATE", Err: err}
	}
	s.logger.Debug().Stringer("ref", p.Ref).Hex("host_challenge", hostChallenge).Msg("scp03 initialize update")

	resp, err := s.transceive("INITIALIZE UPDATE", initUpdate)
	if err != nil {
		return nil, err
	}
	if len(resp) < initUpdateMinLength {
		return nil, &AuthenticationError{
			Step: "INITIALIZE UPDATE",
			Err:  errors.Wrapf(iso7816.ErrBadResponse, "response of %d bytes, want at least %d", len(resp), initUpdateMinLength),
		}
	}

	keyInfo := resp[10:13]
	cardChallenge := resp[13:21]
	cardCryptogram := resp[21:29]
	s.logger.Debug().Hex("key_info", keyInfo).Hex("card_challenge", cardChallenge).Msg("scp03 card challenge received")

	context := append(append([]byte(nil), hostChallenge...), cardChallenge...)
	keys, err := p.Keys.Derive(context)
	if err != nil {
		return nil, &AuthenticationError{Step: "key derivation", Err: err}
	}

	expected, err := Cryptogram(keys.Mac, DerivationCardCryptogram, context)
	if err != nil {
		keys.Zero()
		return nil, &AuthenticationError{Step: "card cryptogram", Err: err}
	}
	if subtle.ConstantTimeCompare(expected, cardCryptogram) != 1 {
		keys.Zero()
		return nil, &AuthenticationError{Step: "card cryptogram", Err: errors.New("card cryptogram mismatch, wrong SCP03 key set")}
	}

	hostCryptogram, err := Cryptogram(keys.Mac, DerivationHostCryptogram, context)
	if err != nil {
		keys.Zero()
		return nil, &AuthenticationError{Step: "host cryptogram", Err: err}
	}

	sm := newSecureMessaging(keys, p.Level, make([]byte, 16))

	extAuth, err := iso7816.NewCommand(0x80, iso7816.INS_EXTERNAL_AUTHENTICATE, p.Level.Byte(), 0x00, hostCryptogram, 0)
	if err != nil {
		sm.zero()
		return nil, &AuthenticationError{Step: "EXTERNAL AUTHENTICATE", Err: err}
	}

	// EXTERNAL AUTHENTICATE is MACed but never encrypted.
	s.sm = sm
	resp2, err := s.send(extAuth, false)
	s.sm = nil
	if err != nil {
		sm.zero()
		return nil, &AuthenticationError{Step: "EXTERNAL AUTHENTICATE", Err: err}
	}
	if resp2.Status != iso7816.SW_NO_ERROR {
		sm.zero()
		return nil, &AuthenticationError{Step: "EXTERNAL AUTHENTICATE", Err: &iso7816.ApduError{Command: extAuth, Status: resp2.Status}}
	}

	return sm, nil
}
