package scp

import (
	"crypto/ecdsa"
	"crypto/x509"

	"github.com/pkg/errors"
)

// KeyParams selects the protocol and the key material used by Authenticate.
// It is implemented by *Scp03KeyParams and *Scp11KeyParams only.
type KeyParams interface {
	KeyRef() KeyRef
	isKeyParams()
}

// Scp03KeyParams authenticates with a static AES key set.
type Scp03KeyParams struct {
	Ref   KeyRef
	Keys  StaticKeys
	Level SecurityLevel
}

// NewScp03KeyParams uses the full security level.
func NewScp03KeyParams(ref KeyRef, keys StaticKeys) *Scp03KeyParams {
	return &Scp03KeyParams{Ref: ref, Keys: keys, Level: FullSecurity}
}

// KeyRef implements KeyParams.
func (p *Scp03KeyParams) KeyRef() KeyRef {
	if p == nil {
		return KeyRef{}
	}
	return p.Ref
}

// validate checks parameters built without NewScp03KeyParams. Valid levels
// are 01, 03, 11, 13, 31 and 33 (GPC 2.3 Amendment D §5.1).
func (p *Scp03KeyParams) validate() error {
	if p == nil {
		return errors.New("scp: nil SCP03 parameters")
	}
	if len(p.Keys.Enc) != KeyLength || len(p.Keys.Mac) != KeyLength {
		return errors.Errorf("scp: SCP03 ENC and MAC keys must be %d bytes, got %d and %d", KeyLength, len(p.Keys.Enc), len(p.Keys.Mac))
	}
	if p.Keys.Dek != nil && len(p.Keys.Dek) != KeyLength {
		return errors.Errorf("scp: SCP03 DEK must be %d bytes, got %d", KeyLength, len(p.Keys.Dek))
	}

	l := p.Level
	switch {
	case !l.CMAC:
		return errors.Errorf("scp: security level 0x%02X lacks C-MAC", l.Byte())
	case l.RENC && !(l.RMAC && l.CDEC):
		return errors.Errorf("scp: security level 0x%02X has R-ENCRYPTION without R-MAC and C-DECRYPTION", l.Byte())
	}
	return nil
}

func (*Scp03KeyParams) isKeyParams() {}

// Scp11KeyParams authenticates with ECDH against the Security Domain key
// identified by Ref, whose public key is PublicKey.
//
// SCP11a and SCP11c also authenticate the off-card entity (OCE): OceRef and
// OcePrivateKey name its key and Certificates is its chain, leaf last.
type Scp11KeyParams struct {
	Ref           KeyRef
	PublicKey     *ecdsa.PublicKey
	OceRef        *KeyRef
	OcePrivateKey *ecdsa.PrivateKey
	Certificates  []*x509.Certificate
}

// NewScp11KeyParams validates the combination of KID and OCE material.
func NewScp11KeyParams(ref KeyRef, pk *ecdsa.PublicKey, oceRef *KeyRef, oceKey *ecdsa.PrivateKey, certs []*x509.Certificate) (*Scp11KeyParams, error) {
	p := &Scp11KeyParams{
		Ref:           ref,
		PublicKey:     pk,
		OceRef:        oceRef,
		OcePrivateKey: oceKey,
		Certificates:  certs,
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Scp11KeyParams) validate() error {
	if p == nil {
		return errors.New("scp: nil SCP11 parameters")
	}
	if p.PublicKey == nil {
		return errors.New("scp: SCP11 requires the Security Domain public key")
	}

	switch p.Ref.Kid {
	case KidSCP11b:
		if p.OceRef != nil || p.OcePrivateKey != nil || len(p.Certificates) != 0 {
			return errors.New("scp: SCP11b cannot be used with OCE key, reference or certificates")
		}
	case KidSCP11a, KidSCP11c:
		if p.OceRef == nil || p.OcePrivateKey == nil || len(p.Certificates) == 0 {
			return errors.Errorf("scp: kid 0x%02X requires OCE key, reference and certificates", p.Ref.Kid)
		}
	default:
		return errors.Errorf("scp: kid 0x%02X is not an SCP11 key", p.Ref.Kid)
	}
	return nil
}

// KeyRef implements KeyParams.
func (p *Scp11KeyParams) KeyRef() KeyRef {
	if p == nil {
		return KeyRef{}
	}
	return p.Ref
}

func (*Scp11KeyParams) isKeyParams() {}

// scp11Variant returns the "parameters" byte of tag 90 for the KID.
func scp11Variant(kid byte) (byte, error) {
	switch kid {
	case KidSCP11a:
		return 0b01, nil
	case KidSCP11b:
		return 0b00, nil
	case KidSCP11c:
		return 0b11, nil
	}
	return 0, errors.Errorf("scp: kid 0x%02X is not an SCP11 key", kid)
}
