package securitydomain

import (
	"crypto/x509"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/gregLibert/smartcard-scp/pkg/iso7816"
	"github.com/gregLibert/smartcard-scp/pkg/scp"
	"github.com/gregLibert/smartcard-scp/pkg/tlv"
	"github.com/moov-io/bertlv"
	"github.com/pkg/errors"
)

// GET DATA tags.
const (
	TagKeyInformation   uint = 0xE0
	TagCardRecognition  uint = 0x66
	TagCertificateStore uint = 0xBF21
	TagKlocIdentifiers  uint = 0xFF33
	TagKlccIdentifiers  uint = 0xFF34
)

const (
	tagControlReference uint = 0xA6
	tagKeyReference     uint = 0x83
	tagKeyInfoTemplate  uint = 0xC0
	tagAllowlist        uint = 0x70
	tagSerial           uint = 0x93
	tagKeyUsageQual     uint = 0x80
	tagSubjectKeyID     uint = 0x42
	tagRecognition      uint = 0x73
)

// KeyInfo describes one key of the Security Domain: its reference and the
// length of each component, by component type.
type KeyInfo struct {
	Ref        scp.KeyRef
	Components map[byte]byte
}

// Key component types, GPC 2.3 §11.1.8.
var keyTypeNames = map[byte]string{
	0x80: "DES",
	0x88: "AES",
	0xB0: "EC public",
	0xB1: "EC private",
	0xF0: "EC parameters",
}

// String lists the components of the key sorted by type, e.g.
// "KeyRef{kid=0x01, kvn=0xFF} [AES:16]".
func (k KeyInfo) String() string {
	types := make([]int, 0, len(k.Components))
	for typ := range k.Components {
		types = append(types, int(typ))
	}
	sort.Ints(types)

	parts := make([]string, 0, len(types))
	for _, typ := range types {
		name, ok := keyTypeNames[byte(typ)]
		if !ok {
			name = fmt.Sprintf("%02X", typ)
		}
		parts = append(parts, fmt.Sprintf("%s:%d", name, k.Components[byte(typ)]))
	}
	return fmt.Sprintf("%s [%s]", k.Ref, strings.Join(parts, " "))
}

// CardRecognition is the content of the card recognition data template
// (tag 73), GPC 2.3 §H.2.
type CardRecognition struct {
	RecognitionOID     []byte       `tlv:"06" fmt:"oid"`
	CardManagement     []byte       `tlv:"60"`
	CardIdentification []byte       `tlv:"63"`
	SecureChannel      []byte       `tlv:"64"`
	CardConfiguration  []byte       `tlv:"65"`
	ChipDetails        []byte       `tlv:"66"`
	Unknown            []bertlv.TLV `tlv:",unknown"`
}

// Describe formats the recognition data one field per line.
func (r *CardRecognition) Describe() string {
	var sb strings.Builder
	sb.WriteString("Card Recognition Data:")
	tlv.WriteStructFields(&sb, "CRD", r)
	return sb.String()
}

// traceObjects logs the decoded form of a Security Domain payload.
func (s *Session) traceObjects(msg string, data []byte) {
	e := s.logger.Trace()
	if !e.Enabled() {
		return
	}
	desc, err := tlv.Describe(data)
	if err != nil {
		e.Hex("data", data).Msg(msg)
		return
	}
	e.Str("objects", desc).Msg(msg)
}

// GetData reads the data object tag.
func (s *Session) GetData(tag uint, data []byte) ([]byte, error) {
	resp, err := s.send(0x00, iso7816.INS_GET_DATA, byte(tag>>8), byte(tag), data)
	if err != nil {
		return nil, errors.Wrapf(err, "securitydomain: get data %s", tlv.TagString(tag))
	}
	return resp, nil
}

// GetCardRecognitionData returns the value of the card recognition data
// template (tag 73).
func (s *Session) GetCardRecognitionData() ([]byte, error) {
	resp, err := s.GetData(TagCardRecognition, nil)
	if err != nil {
		return nil, err
	}
	if inner, err := tlv.Unpack(TagCardRecognition, resp); err == nil {
		resp = inner
	}
	value, err := tlv.Unpack(tagRecognition, resp)
	if err != nil {
		return nil, errors.Wrapf(iso7816.ErrBadResponse, "securitydomain: card recognition data: %v", err)
	}
	return value, nil
}

// ParseCardRecognition decodes the value returned by GetCardRecognitionData.
func ParseCardRecognition(value []byte) (*CardRecognition, error) {
	var r CardRecognition
	if err := tlv.Unmarshal(value, &r); err != nil {
		return nil, errors.Wrap(err, "securitydomain: parse card recognition data")
	}
	return &r, nil
}

// GetKeyInformation lists the keys of the Security Domain, sorted by KID
// then KVN.
func (s *Session) GetKeyInformation() ([]KeyInfo, error) {
	resp, err := s.GetData(TagKeyInformation, nil)
	if err != nil {
		return nil, err
	}

	packets, err := tlv.DecodeList(resp)
	if err != nil {
		return nil, errors.Wrapf(iso7816.ErrBadResponse, "securitydomain: key information: %v", err)
	}
	s.traceObjects("key information", resp)
	if len(packets) == 1 && packets[0].Tag == tlv.TagString(TagKeyInformation) {
		packets = packets[0].TLVs
	}

	keys := make([]KeyInfo, 0, len(packets))
	for _, p := range packets {
		if p.Tag != tlv.TagString(tagKeyInfoTemplate) || len(p.Value) < 2 || len(p.Value)%2 != 0 {
			return nil, errors.Wrapf(iso7816.ErrBadResponse, "securitydomain: malformed key information entry %s", p.Tag)
		}
		info := KeyInfo{
			Ref:        scp.KeyRef{Kid: p.Value[0], Kvn: p.Value[1]},
			Components: make(map[byte]byte),
		}
		for i := 2; i < len(p.Value); i += 2 {
			info.Components[p.Value[i]] = p.Value[i+1]
		}
		keys = append(keys, info)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Ref.Kid != keys[j].Ref.Kid {
			return keys[i].Ref.Kid < keys[j].Ref.Kid
		}
		return keys[i].Ref.Kvn < keys[j].Ref.Kvn
	})
	return keys, nil
}

func keyRefTemplate(ref scp.KeyRef) ([]byte, error) {
	return tlv.Encode(tlv.Composite(tagControlReference, tlv.New(tagKeyReference, ref.Bytes())))
}

// GetCertificateBundle returns the certificate chain stored for ref, leaf
// last. A missing bundle yields an empty list.
func (s *Session) GetCertificateBundle(ref scp.KeyRef) ([]*x509.Certificate, error) {
	s.logger.Debug().Stringer("ref", ref).Msg("getting certificate bundle")

	query, err := keyRefTemplate(ref)
	if err != nil {
		return nil, err
	}
	s.traceObjects("certificate store query", query)
	resp, err := s.GetData(TagCertificateStore, query)
	if sw, ok := iso7816.StatusOf(err); ok && sw == iso7816.SW_ERR_REF_DATA_NOT_FOUND {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	certs, err := x509.ParseCertificates(resp)
	if err != nil {
		return nil, errors.Wrapf(iso7816.ErrBadResponse, "securitydomain: certificate bundle: %v", err)
	}
	return certs, nil
}

// GetSupportedCaIdentifiers returns the subject key identifiers of the CAs
// known to the card, for KLOC (off-card) and/or KLCC (on-card) keys.
func (s *Session) GetSupportedCaIdentifiers(kloc, klcc bool) (map[scp.KeyRef][]byte, error) {
	if !kloc && !klcc {
		return nil, errors.New("securitydomain: at least one of kloc and klcc must be requested")
	}

	var data []byte
	for _, q := range []struct {
		want bool
		tag  uint
	}{{kloc, TagKlocIdentifiers}, {klcc, TagKlccIdentifiers}} {
		if !q.want {
			continue
		}
		resp, err := s.GetData(q.tag, nil)
		if sw, ok := iso7816.StatusOf(err); ok && sw == iso7816.SW_ERR_REF_DATA_NOT_FOUND {
			continue
		}
		if err != nil {
			return nil, err
		}
		data = append(data, resp...)
	}

	objects, err := tlv.ReadAll(data)
	if err != nil || len(objects)%2 != 0 {
		return nil, errors.Wrapf(iso7816.ErrBadResponse, "securitydomain: CA identifiers: %d objects, %v", len(objects), err)
	}

	ids := make(map[scp.KeyRef][]byte, len(objects)/2)
	for i := 0; i < len(objects); i += 2 {
		ref := objects[i+1].Value
		if len(ref) != 2 {
			return nil, errors.Wrapf(iso7816.ErrBadResponse, "securitydomain: CA identifier key reference of %d bytes", len(ref))
		}
		ids[scp.KeyRef{Kid: ref[0], Kvn: ref[1]}] = objects[i].Value
	}
	return ids, nil
}

// StoreData sends a single STORE DATA block.
func (s *Session) StoreData(data []byte) error {
	s.traceObjects("store data", data)
	if _, err := s.send(0x00, iso7816.INS_GP_STORE_DATA, 0x90, 0x00, data); err != nil {
		return errors.Wrap(err, "securitydomain: store data")
	}
	return nil
}

// StoreCertificateBundle stores the certificate chain of ref, leaf last.
func (s *Session) StoreCertificateBundle(ref scp.KeyRef, certs []*x509.Certificate) error {
	s.logger.Debug().Stringer("ref", ref).Int("count", len(certs)).Msg("storing certificate bundle")

	var ders []byte
	for _, c := range certs {
		ders = append(ders, c.Raw...)
	}
	data := tlv.Concat(
		tlv.Object{Tag: tagControlReference, Value: tlv.Object{Tag: tagKeyReference, Value: ref.Bytes()}.Bytes()},
		tlv.Object{Tag: TagCertificateStore, Value: ders},
	)
	if err := s.StoreData(data); err != nil {
		return err
	}
	s.logger.Info().Stringer("ref", ref).Msg("certificate bundle stored")
	return nil
}

// StoreAllowlist restricts the OCE certificates accepted for ref to the
// given serial numbers. An empty list lifts the restriction.
func (s *Session) StoreAllowlist(ref scp.KeyRef, serials []*big.Int) error {
	s.logger.Debug().Stringer("ref", ref).Int("count", len(serials)).Msg("storing serial allowlist")

	entries := make([]tlv.Object, 0, len(serials))
	for _, serial := range serials {
		if serial.Sign() < 0 {
			return errors.Errorf("securitydomain: negative serial number %s", serial)
		}
		entries = append(entries, tlv.Object{Tag: tagSerial, Value: twosComplement(serial)})
	}
	data := tlv.Concat(
		tlv.Object{Tag: tagControlReference, Value: tlv.Object{Tag: tagKeyReference, Value: ref.Bytes()}.Bytes()},
		tlv.Object{Tag: tagAllowlist, Value: tlv.Concat(entries...)},
	)
	if err := s.StoreData(data); err != nil {
		return err
	}
	s.logger.Info().Stringer("ref", ref).Msg("serial allowlist stored")
	return nil
}

// twosComplement is the minimal big-endian two's complement encoding of a
// non-negative integer.
func twosComplement(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) == 0 || b[0]&0x80 != 0 {
		b = append([]byte{0x00}, b...)
	}
	return b
}

// StoreCaIssuer records the subject key identifier of the CA that issues
// the certificates of ref.
func (s *Session) StoreCaIssuer(ref scp.KeyRef, ski []byte) error {
	s.logger.Debug().Stringer("ref", ref).Hex("ski", ski).Msg("storing CA issuer")

	var klcc byte
	switch ref.Kid {
	case scp.KidSCP11a, scp.KidSCP11b, scp.KidSCP11c:
		klcc = 1
	}
	data, err := tlv.Encode(tlv.Composite(tagControlReference,
		tlv.New(tagKeyUsageQual, []byte{klcc}),
		tlv.New(tagSubjectKeyID, ski),
		tlv.New(tagKeyReference, ref.Bytes()),
	))
	if err != nil {
		return err
	}
	if err := s.StoreData(data); err != nil {
		return err
	}
	s.logger.Info().Stringer("ref", ref).Msg("CA issuer stored")
	return nil
}
