package securitydomain

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/subtle"
	"crypto/x509"

	"github.com/gregLibert/smartcard-scp/pkg/iso7816"
	"github.com/gregLibert/smartcard-scp/pkg/scp"
	"github.com/gregLibert/smartcard-scp/pkg/tlv"
	"github.com/pkg/errors"
)

const (
	tagKeyTypeAES     uint = 0x88
	tagECPublicKey    uint = 0xB0
	tagECPrivateKey   uint = 0xB1
	tagKeyParameters  uint = 0xF0
	tagDeleteKid      uint = 0xD0
	tagDeleteKvn      uint = 0xD2
	secp256r1         byte = 0x00
	kcvLength              = 3
	resetAttemptLimit      = 65
)

var kcvInput = []byte{
	0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01,
	0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01,
}

func ecKeyParameters() tlv.Object {
	return tlv.Object{Tag: tagKeyParameters, Value: []byte{secp256r1}}
}

// DeleteKey deletes every key matching ref. A zero KID or KVN matches any
// value. deleteLast must be set when the deletion may remove the last key.
func (s *Session) DeleteKey(ref scp.KeyRef, deleteLast bool) error {
	var objects []tlv.Object
	switch {
	case ref.Kid == 0 && ref.Kvn == 0:
		return errors.New("securitydomain: at least one of KID and KVN must be set")
	case ref.Kid >= 1 && ref.Kid <= 3:
		// SCP03 key sets are deleted as a whole, by KVN.
		if ref.Kvn == 0 {
			return errors.Errorf("securitydomain: SCP03 keys can only be deleted by KVN, got %s", ref)
		}
		s.logger.Debug().Msg("SCP03 keys are deleted by KVN, ignoring KID")
		objects = append(objects, tlv.Object{Tag: tagDeleteKvn, Value: []byte{ref.Kvn}})
	default:
		if ref.Kid != 0 {
			objects = append(objects, tlv.Object{Tag: tagDeleteKid, Value: []byte{ref.Kid}})
		}
		if ref.Kvn != 0 {
			objects = append(objects, tlv.Object{Tag: tagDeleteKvn, Value: []byte{ref.Kvn}})
		}
	}

	var p2 byte
	if deleteLast {
		p2 = 0x01
	}

	s.logger.Debug().Stringer("ref", ref).Bool("deleteLast", deleteLast).Msg("deleting keys")
	if _, err := s.send(0x80, iso7816.INS_GP_DELETE, 0x00, p2, tlv.Concat(objects...)); err != nil {
		return errors.Wrapf(err, "securitydomain: delete %s", ref)
	}
	s.logger.Info().Stringer("ref", ref).Msg("keys deleted")
	return nil
}

// GenerateECKey generates a P-256 key pair on the card for ref and returns
// its public key. A non-zero replaceKvn replaces that key version.
func (s *Session) GenerateECKey(ref scp.KeyRef, replaceKvn byte) (*ecdsa.PublicKey, error) {
	s.logger.Debug().Stringer("ref", ref).Uint8("replaceKvn", replaceKvn).Msg("generating EC key")

	data := append([]byte{ref.Kvn}, ecKeyParameters().Bytes()...)
	resp, err := s.send(0x80, iso7816.INS_GP_GENERATE_KEY, replaceKvn, ref.Kid, data)
	if err != nil {
		return nil, errors.Wrapf(err, "securitydomain: generate key %s", ref)
	}

	point, err := tlv.Unpack(tagECPublicKey, resp)
	if err != nil {
		return nil, errors.Wrapf(iso7816.ErrBadResponse, "securitydomain: generated key: %v", err)
	}
	pub, err := publicKeyFromPoint(point)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Stringer("ref", ref).Msg("EC key generated")
	return pub, nil
}

// PutStaticKeys imports an SCP03 key set. The keys are encrypted with the
// DEK of the current secure channel.
func (s *Session) PutStaticKeys(ref scp.KeyRef, keys scp.StaticKeys, replaceKvn byte) error {
	if ref.Kid != scp.KidSCP03 {
		return errors.Errorf("securitydomain: SCP03 key sets use KID 0x01, got %s", ref)
	}
	if keys.Dek == nil {
		return errors.New("securitydomain: new key set has no DEK")
	}
	s.logger.Debug().Stringer("ref", ref).Uint8("replaceKvn", replaceKvn).Msg("importing SCP03 key set")

	data := []byte{ref.Kvn}
	expected := []byte{ref.Kvn}
	for _, key := range [][]byte{keys.Enc, keys.Mac, keys.Dek} {
		kcv, err := keyCheckValue(key)
		if err != nil {
			return err
		}
		encrypted, err := s.encrypt(key)
		if err != nil {
			return err
		}
		data = append(data, tlv.Object{Tag: tagKeyTypeAES, Value: encrypted}.Bytes()...)
		data = append(data, kcvLength)
		data = append(data, kcv...)
		expected = append(expected, kcv...)
	}

	resp, err := s.send(0x80, iso7816.INS_GP_PUT_KEY, replaceKvn, 0x80|ref.Kid, data)
	if err != nil {
		return errors.Wrapf(err, "securitydomain: put key %s", ref)
	}
	if subtle.ConstantTimeCompare(resp, expected) != 1 {
		return errors.Wrapf(iso7816.ErrBadResponse, "securitydomain: key check values mismatch, got %X", resp)
	}
	s.logger.Info().Stringer("ref", ref).Msg("SCP03 key set imported")
	return nil
}

// PutPrivateKey imports a P-256 private key, encrypted with the DEK of the
// current secure channel.
func (s *Session) PutPrivateKey(ref scp.KeyRef, key *ecdsa.PrivateKey, replaceKvn byte) error {
	if key == nil || key.Curve != elliptic.P256() {
		return errors.New("securitydomain: only P-256 private keys are supported")
	}
	priv, err := key.ECDH()
	if err != nil {
		return errors.Wrap(err, "securitydomain: private key")
	}
	secret := priv.Bytes()
	defer clear(secret)

	encrypted, err := s.encrypt(secret)
	if err != nil {
		return err
	}
	s.logger.Debug().Stringer("ref", ref).Uint8("replaceKvn", replaceKvn).Msg("importing EC private key")
	return s.putECKey(ref, tlv.Object{Tag: tagECPrivateKey, Value: encrypted}, replaceKvn)
}

// PutPublicKey imports a P-256 public key, typically an OCE CA key.
func (s *Session) PutPublicKey(ref scp.KeyRef, key *ecdsa.PublicKey, replaceKvn byte) error {
	if key == nil || key.Curve != elliptic.P256() {
		return errors.New("securitydomain: only P-256 public keys are supported")
	}
	pub, err := key.ECDH()
	if err != nil {
		return errors.Wrap(err, "securitydomain: public key")
	}
	s.logger.Debug().Stringer("ref", ref).Uint8("replaceKvn", replaceKvn).Msg("importing EC public key")
	return s.putECKey(ref, tlv.Object{Tag: tagECPublicKey, Value: pub.Bytes()}, replaceKvn)
}

func (s *Session) putECKey(ref scp.KeyRef, key tlv.Object, replaceKvn byte) error {
	data := append([]byte{ref.Kvn}, tlv.Concat(key, ecKeyParameters())...)
	data = append(data, 0x00)

	resp, err := s.send(0x80, iso7816.INS_GP_PUT_KEY, replaceKvn, ref.Kid, data)
	if err != nil {
		return errors.Wrapf(err, "securitydomain: put key %s", ref)
	}
	if len(resp) != 1 || resp[0] != ref.Kvn {
		return errors.Wrapf(iso7816.ErrBadResponse, "securitydomain: put key returned %X, want %02X", resp, ref.Kvn)
	}
	s.logger.Info().Stringer("ref", ref).Msg("EC key imported")
	return nil
}

// Reset blocks every key of the Security Domain by exhausting its
// authentication attempts, which restores the factory state. The secure
// channel, if any, is closed first and the blocking commands are sent in
// plain.
func (s *Session) Reset() error {
	keys, err := s.GetKeyInformation()
	if err != nil {
		return err
	}
	s.Close()
	s.logger.Debug().Int("keys", len(keys)).Msg("resetting security domain")

	done := make(map[scp.KeyRef]bool)
	for _, info := range keys {
		ins, ref := resetCommand(info.Ref)
		if ins == 0 || done[ref] {
			continue
		}
		done[ref] = true

		if err := s.block(ins, ref); err != nil {
			return err
		}
	}
	s.logger.Info().Msg("security domain reset")
	return nil
}

// resetCommand picks the authentication command used to block a key. SCP03
// key sets are blocked once, through INITIALIZE UPDATE on any version.
func resetCommand(ref scp.KeyRef) (iso7816.InsCode, scp.KeyRef) {
	switch ref.Kid {
	case scp.KidSCP03:
		return iso7816.INS_GP_INITIALIZE_UPDATE, scp.KeyRef{}
	case 0x02, 0x03:
		return 0, ref
	case scp.KidSCP11a, scp.KidSCP11c:
		return iso7816.INS_EXTERNAL_AUTHENTICATE, ref
	case scp.KidSCP11b:
		return iso7816.INS_INTERNAL_AUTHENTICATE, ref
	default:
		return iso7816.INS_PERFORM_SECURITY_OPERATION, ref
	}
}

func (s *Session) block(ins iso7816.InsCode, ref scp.KeyRef) error {
	cmd, err := iso7816.NewCommand(0x80, ins, ref.Kvn, ref.Kid, make([]byte, 8), 0)
	if err != nil {
		return err
	}
	for i := 0; i < resetAttemptLimit; i++ {
		resp, err := s.plain.SendAPDU(cmd)
		if err != nil {
			return errors.Wrapf(err, "securitydomain: reset %s", ref)
		}
		switch {
		case resp.Status.IsAuthFailure():
			s.logger.Debug().Stringer("ref", ref).Int("attempts", i+1).Msg("key blocked")
			return nil
		case resp.Status == iso7816.SW_NO_ERROR, resp.Status == iso7816.SW_ERR_INCORRECT_PARAMS_DATA:
		default:
			return errors.Wrapf(&iso7816.ApduError{Status: resp.Status}, "securitydomain: reset %s", ref)
		}
	}
	return nil
}

// keyCheckValue is the first three bytes of AES-CBC(key, 01..01) with a
// zero IV.
func keyCheckValue(key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "securitydomain: key check value")
	}
	out := make([]byte, len(kcvInput))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, kcvInput)
	return out[:kcvLength], nil
}

// publicKeyFromPoint parses an uncompressed P-256 point.
func publicKeyFromPoint(point []byte) (*ecdsa.PublicKey, error) {
	pub, err := ecdh.P256().NewPublicKey(point)
	if err != nil {
		return nil, errors.Wrapf(iso7816.ErrBadResponse, "securitydomain: EC point: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, errors.Wrap(err, "securitydomain: EC point")
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, errors.Wrap(err, "securitydomain: EC point")
	}
	return parsed.(*ecdsa.PublicKey), nil
}
