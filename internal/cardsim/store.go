package cardsim

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"sort"
	"time"

	"github.com/gregLibert/smartcard-scp/pkg/scp"
	"github.com/gregLibert/smartcard-scp/pkg/tlv"
)

// FactoryKvn is the KVN of the default SCP03 key set.
const FactoryKvn = 0xFF

// Key component types reported in key information templates.
const (
	componentAES       byte = 0x88
	componentECPublic  byte = 0xB0
	componentECPrivate byte = 0xB1
)

type keyEntry struct {
	ref      scp.KeyRef
	static   *scp.StaticKeys
	private  *ecdh.PrivateKey
	public   *ecdh.PublicKey
	failures int
}

type caIssuer struct {
	ski  []byte
	klcc bool
}

type keyStore struct {
	random     io.Reader
	issuer     *ecdsa.PrivateKey
	keys       map[scp.KeyRef]*keyEntry
	certs      map[scp.KeyRef][][]byte
	allowlists map[scp.KeyRef][]*big.Int
	caIssuers  map[scp.KeyRef]caIssuer
}

func newKeyStore(random io.Reader) (*keyStore, error) {
	issuer, err := ecdsa.GenerateKey(elliptic.P256(), random)
	if err != nil {
		return nil, fmt.Errorf("cardsim: generate issuer key: %w", err)
	}

	s := &keyStore{
		random:     random,
		issuer:     issuer,
		keys:       make(map[scp.KeyRef]*keyEntry),
		certs:      make(map[scp.KeyRef][][]byte),
		allowlists: make(map[scp.KeyRef][]*big.Int),
		caIssuers:  make(map[scp.KeyRef]caIssuer),
	}
	s.installFactoryKeys()

	ref := scp.KeyRef{Kid: scp.KidSCP11b, Kvn: 0x01}
	priv, err := ecdh.P256().GenerateKey(random)
	if err != nil {
		return nil, fmt.Errorf("cardsim: generate SCP11b key: %w", err)
	}
	s.keys[ref] = &keyEntry{ref: ref, private: priv}
	if err := s.certify(ref); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *keyStore) installFactoryKeys() {
	ref := scp.KeyRef{Kid: scp.KidSCP03, Kvn: FactoryKvn}
	keys := scp.DefaultStaticKeys()
	s.keys[ref] = &keyEntry{ref: ref, static: &keys}
}

// certify issues a certificate for the Security Domain key ref, signed by
// the card issuer key.
func (s *keyStore) certify(ref scp.KeyRef) error {
	pub, err := toECDSA(s.keys[ref].private.PublicKey())
	if err != nil {
		return err
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(int64(ref.Kid)<<8 | int64(ref.Kvn)),
		Subject:      pkix.Name{CommonName: fmt.Sprintf("cardsim SD %02X%02X", ref.Kid, ref.Kvn)},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).AddDate(100, 0, 0),
		KeyUsage:     x509.KeyUsageKeyAgreement,
	}
	issuerTmpl := &x509.Certificate{Subject: pkix.Name{CommonName: "cardsim issuer"}}

	der, err := x509.CreateCertificate(s.random, tmpl, issuerTmpl, pub, s.issuer)
	if err != nil {
		return fmt.Errorf("cardsim: certify %s: %w", ref, err)
	}
	s.certs[ref] = [][]byte{der}
	return nil
}

// scp03 returns the SCP03 key set with the given KVN, or the first one when
// kvn is zero.
func (s *keyStore) scp03(kvn byte) *keyEntry {
	for _, ref := range s.sortedRefs() {
		e := s.keys[ref]
		if e.static != nil && (kvn == 0 || ref.Kvn == kvn) {
			return e
		}
	}
	return nil
}

func (s *keyStore) remove(ref scp.KeyRef) {
	e, ok := s.keys[ref]
	if !ok {
		return
	}
	delete(s.keys, ref)
	delete(s.certs, ref)
	if e.static != nil {
		e.static.Zero()
		if s.scp03(0) == nil {
			s.installFactoryKeys()
		}
	}
}

func (s *keyStore) sortedRefs() []scp.KeyRef {
	refs := make([]scp.KeyRef, 0, len(s.keys))
	for ref := range s.keys {
		refs = append(refs, ref)
	}
	sortRefs(refs)
	return refs
}

func sortRefs(refs []scp.KeyRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Kid != refs[j].Kid {
			return refs[i].Kid < refs[j].Kid
		}
		return refs[i].Kvn < refs[j].Kvn
	})
}

// keyInformation encodes the key information template (tag E0). An SCP03
// key set is reported as its three keys, KID 01 to 03.
func (s *keyStore) keyInformation() []byte {
	var entries []tlv.Object
	add := func(kid, kvn, component, length byte) {
		entries = append(entries, tlv.Object{Tag: 0xC0, Value: []byte{kid, kvn, component, length}})
	}

	for _, ref := range s.sortedRefs() {
		e := s.keys[ref]
		switch {
		case e.static != nil:
			for kid := byte(1); kid <= 3; kid++ {
				add(kid, ref.Kvn, componentAES, scp.KeyLength)
			}
		case e.private != nil:
			add(ref.Kid, ref.Kvn, componentECPrivate, 0x20)
		case e.public != nil:
			add(ref.Kid, ref.Kvn, componentECPublic, 0x41)
		}
	}
	return tlv.Object{Tag: 0xE0, Value: tlv.Concat(entries...)}.Bytes()
}

func toECDSA(pub *ecdh.PublicKey) (*ecdsa.PublicKey, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("cardsim: marshal public key: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("cardsim: parse public key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cardsim: unexpected public key type %T", parsed)
	}
	return key, nil
}
