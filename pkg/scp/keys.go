package scp

import (
	"fmt"

	"github.com/pkg/errors"
)

// Key identifiers (KID) of the GlobalPlatform secure channel keys.
const (
	KidSCP03  byte = 0x01
	KidSCP11a byte = 0x11
	KidSCP11b byte = 0x13
	KidSCP11c byte = 0x15
)

// KeyLength is the length of every AES key handled by this package.
const KeyLength = 16

// KeyRef identifies a key of a Security Domain by its KID and KVN.
type KeyRef struct {
	Kid byte
	Kvn byte
}

// Bytes returns the two byte encoding used in '83' references: KID then KVN.
func (r KeyRef) Bytes() []byte {
	return []byte{r.Kid, r.Kvn}
}

func (r KeyRef) String() string {
	return fmt.Sprintf("KeyRef{kid=0x%02X, kvn=0x%02X}", r.Kid, r.Kvn)
}

// StaticKeys is an SCP03 key set. Dek may be nil when the session is not
// going to import keys.
type StaticKeys struct {
	Enc []byte
	Mac []byte
	Dek []byte
}

var defaultKey = []byte{
	0x40, 0x41, 0x42, 0x43, 0x44, 0x45, 0x46, 0x47,
	0x48, 0x49, 0x4A, 0x4B, 0x4C, 0x4D, 0x4E, 0x4F,
}

// NewStaticKeys validates the key lengths and copies the key material.
func NewStaticKeys(enc, mac, dek []byte) (StaticKeys, error) {
	if len(enc) != KeyLength {
		return StaticKeys{}, errors.Errorf("scp: ENC key must be %d bytes, got %d", KeyLength, len(enc))
	}
	if len(mac) != KeyLength {
		return StaticKeys{}, errors.Errorf("scp: MAC key must be %d bytes, got %d", KeyLength, len(mac))
	}
	if dek != nil && len(dek) != KeyLength {
		return StaticKeys{}, errors.Errorf("scp: DEK must be %d bytes, got %d", KeyLength, len(dek))
	}

	keys := StaticKeys{Enc: clone(enc), Mac: clone(mac)}
	if dek != nil {
		keys.Dek = clone(dek)
	}
	return keys, nil
}

// DefaultStaticKeys returns the factory key set (40..4F for ENC, MAC and DEK).
func DefaultStaticKeys() StaticKeys {
	return StaticKeys{Enc: clone(defaultKey), Mac: clone(defaultKey), Dek: clone(defaultKey)}
}

// Zero overwrites the key material.
func (k StaticKeys) Zero() {
	zero(k.Enc)
	zero(k.Mac)
	zero(k.Dek)
}

// SessionKeys are the keys of one established secure channel.
type SessionKeys struct {
	Enc  []byte // S-ENC
	Mac  []byte // S-MAC
	Rmac []byte // S-RMAC
	Dek  []byte // optional
}

// Zero overwrites the key material.
func (k *SessionKeys) Zero() {
	zero(k.Enc)
	zero(k.Mac)
	zero(k.Rmac)
	zero(k.Dek)
}

// Derive computes the SCP03 session keys for the given context
// (host challenge followed by card challenge).
func (k StaticKeys) Derive(context []byte) (*SessionKeys, error) {
	enc, err := DeriveKey(k.Enc, DerivationSENC, context, 0x80)
	if err != nil {
		return nil, errors.Wrap(err, "derive S-ENC")
	}
	mac, err := DeriveKey(k.Mac, DerivationSMAC, context, 0x80)
	if err != nil {
		return nil, errors.Wrap(err, "derive S-MAC")
	}
	rmac, err := DeriveKey(k.Mac, DerivationSRMAC, context, 0x80)
	if err != nil {
		return nil, errors.Wrap(err, "derive S-RMAC")
	}

	return &SessionKeys{Enc: enc, Mac: mac, Rmac: rmac, Dek: clone(k.Dek)}, nil
}

// SecurityLevel is the SCP03 security level negotiated in EXTERNAL AUTHENTICATE.
type SecurityLevel struct {
	CMAC bool // command MAC
	CDEC bool // command encryption
	RMAC bool // response MAC
	RENC bool // response encryption
}

// FullSecurity is C-MAC, C-DECRYPTION, R-MAC and R-ENCRYPTION (0x33).
var FullSecurity = SecurityLevel{CMAC: true, CDEC: true, RMAC: true, RENC: true}

// Byte encodes the level as the P1 of EXTERNAL AUTHENTICATE.
func (l SecurityLevel) Byte() byte {
	var b byte
	if l.CMAC {
		b |= 0x01
	}
	if l.CDEC {
		b |= 0x02
	}
	if l.RMAC {
		b |= 0x10
	}
	if l.RENC {
		b |= 0x20
	}
	return b
}

// ParseSecurityLevel decodes an EXTERNAL AUTHENTICATE P1.
func ParseSecurityLevel(b byte) SecurityLevel {
	return SecurityLevel{
		CMAC: b&0x01 != 0,
		CDEC: b&0x02 != 0,
		RMAC: b&0x10 != 0,
		RENC: b&0x20 != 0,
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
