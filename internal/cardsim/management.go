package cardsim

import (
	"bytes"
	"crypto/ecdh"
	"crypto/x509"
	"math/big"

	"github.com/gregLibert/smartcard-scp/pkg/iso7816"
	"github.com/gregLibert/smartcard-scp/pkg/scp"
	"github.com/gregLibert/smartcard-scp/pkg/tlv"
)

var kcvInput = bytes.Repeat([]byte{0x01}, 16)

// ecKeyParams is the F0 template selecting the P-256 curve.
var ecKeyParams = tlv.Object{Tag: 0xF0, Value: []byte{0x00}}.Bytes()

func (c *Card) getData(cmd *iso7816.CommandAPDU) ([]byte, iso7816.StatusWord) {
	switch uint(cmd.P1)<<8 | uint(cmd.P2) {
	case 0x00E0:
		return c.store.keyInformation(), iso7816.SW_NO_ERROR
	case 0x0066:
		return cardRecognitionData(), iso7816.SW_NO_ERROR
	case 0xBF21:
		ref, ok := parseKeyRefTemplate(cmd.Data)
		if !ok {
			return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
		}
		certs, ok := c.store.certs[ref]
		if !ok {
			return nil, iso7816.SW_ERR_REF_DATA_NOT_FOUND
		}
		return bytes.Join(certs, nil), iso7816.SW_NO_ERROR
	case 0xFF33:
		return c.caIdentifiers(false)
	case 0xFF34:
		return c.caIdentifiers(true)
	}
	return nil, iso7816.SW_ERR_REF_DATA_NOT_FOUND
}

func (c *Card) caIdentifiers(klcc bool) ([]byte, iso7816.StatusWord) {
	var out []byte
	for _, ref := range sortedIssuerRefs(c.store.caIssuers) {
		issuer := c.store.caIssuers[ref]
		if issuer.klcc != klcc {
			continue
		}
		out = append(out, tlv.Concat(
			tlv.Object{Tag: 0x42, Value: issuer.ski},
			tlv.Object{Tag: 0x83, Value: ref.Bytes()},
		)...)
	}
	if out == nil {
		return nil, iso7816.SW_ERR_REF_DATA_NOT_FOUND
	}
	return out, iso7816.SW_NO_ERROR
}

func sortedIssuerRefs(m map[scp.KeyRef]caIssuer) []scp.KeyRef {
	refs := make([]scp.KeyRef, 0, len(m))
	for ref := range m {
		refs = append(refs, ref)
	}
	sortRefs(refs)
	return refs
}

// cardRecognitionData is a GlobalPlatform 2.3.1 card with SCP03 and SCP11.
func cardRecognitionData() []byte {
	oid := func(b ...byte) tlv.Object { return tlv.Object{Tag: 0x06, Value: b} }
	gp := []byte{0x2A, 0x86, 0x48, 0x86, 0xFC, 0x6B}

	recognition := tlv.Concat(
		oid(append(gp, 0x01)...),
		tlv.Object{Tag: 0x60, Value: oid(append(gp, 0x02, 0x02, 0x03, 0x01)...).Bytes()},
		tlv.Object{Tag: 0x63, Value: oid(append(gp, 0x03)...).Bytes()},
		tlv.Object{Tag: 0x64, Value: tlv.Concat(
			oid(append(gp, 0x04, 0x03, 0x70)...),
			oid(append(gp, 0x04, 0x0B, 0x0D)...),
		)},
		tlv.Object{Tag: 0x66, Value: oid(0x2B, 0x06, 0x01, 0x04, 0x01, 0x2A, 0x02, 0x6E, 0x01, 0x03).Bytes()},
	)
	return tlv.Object{Tag: 0x66, Value: tlv.Object{Tag: 0x73, Value: recognition}.Bytes()}.Bytes()
}

// parseKeyRefTemplate reads A6{83:kid kvn}.
func parseKeyRefTemplate(data []byte) (scp.KeyRef, bool) {
	inner, err := tlv.Unpack(0xA6, data)
	if err != nil {
		return scp.KeyRef{}, false
	}
	return findKeyRef(inner)
}

func findKeyRef(template []byte) (scp.KeyRef, bool) {
	objects, err := tlv.ReadAll(template)
	if err != nil {
		return scp.KeyRef{}, false
	}
	for _, o := range objects {
		if o.Tag == 0x83 && len(o.Value) == 2 {
			return scp.KeyRef{Kid: o.Value[0], Kvn: o.Value[1]}, true
		}
	}
	return scp.KeyRef{}, false
}

func (c *Card) storeData(cmd *iso7816.CommandAPDU) ([]byte, iso7816.StatusWord) {
	objects, err := tlv.ReadAll(cmd.Data)
	if err != nil || len(objects) == 0 || objects[0].Tag != 0xA6 {
		return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
	}
	ref, ok := findKeyRef(objects[0].Value)
	if !ok {
		return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
	}

	if len(objects) == 1 {
		return c.storeCaIssuer(ref, objects[0].Value)
	}
	if len(objects) != 2 {
		return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
	}

	switch payload := objects[1]; payload.Tag {
	case 0xBF21:
		ders, err := tlv.ReadAll(payload.Value)
		if err != nil {
			return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
		}
		certs := make([][]byte, 0, len(ders))
		for _, d := range ders {
			der := d.Bytes()
			if _, err := x509.ParseCertificate(der); err != nil {
				return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
			}
			certs = append(certs, der)
		}
		c.store.certs[ref] = certs
	case 0x70:
		entries, err := tlv.ReadAll(payload.Value)
		if err != nil {
			return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
		}
		if len(entries) == 0 {
			delete(c.store.allowlists, ref)
			break
		}
		serials := make([]*big.Int, 0, len(entries))
		for _, e := range entries {
			if e.Tag != 0x93 {
				return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
			}
			serials = append(serials, new(big.Int).SetBytes(e.Value))
		}
		c.store.allowlists[ref] = serials
	default:
		return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
	}
	return nil, iso7816.SW_NO_ERROR
}

func (c *Card) storeCaIssuer(ref scp.KeyRef, template []byte) ([]byte, iso7816.StatusWord) {
	objects, err := tlv.ReadAll(template)
	if err != nil {
		return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
	}
	var issuer caIssuer
	for _, o := range objects {
		switch o.Tag {
		case 0x80:
			issuer.klcc = len(o.Value) == 1 && o.Value[0] == 0x01
		case 0x42:
			issuer.ski = append([]byte(nil), o.Value...)
		}
	}
	if issuer.ski == nil {
		return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
	}
	c.store.caIssuers[ref] = issuer
	return nil, iso7816.SW_NO_ERROR
}

func (c *Card) deleteKey(cmd *iso7816.CommandAPDU) ([]byte, iso7816.StatusWord) {
	objects, err := tlv.ReadAll(cmd.Data)
	if err != nil || len(objects) == 0 {
		return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
	}
	var kid, kvn byte
	for _, o := range objects {
		if len(o.Value) != 1 {
			return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
		}
		switch o.Tag {
		case 0xD0:
			kid = o.Value[0]
		case 0xD2:
			kvn = o.Value[0]
		default:
			return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
		}
	}

	var matches []scp.KeyRef
	for _, ref := range c.store.sortedRefs() {
		if (kid == 0 || ref.Kid == kid) && (kvn == 0 || ref.Kvn == kvn) {
			matches = append(matches, ref)
		}
	}
	if len(matches) == 0 {
		return nil, iso7816.SW_ERR_REF_DATA_NOT_FOUND
	}
	if len(matches) == len(c.store.keys) && cmd.P2 != 0x01 {
		return nil, iso7816.SW_ERR_COND_OF_USE_NOT_SAT
	}
	for _, ref := range matches {
		c.store.remove(ref)
	}
	return nil, iso7816.SW_NO_ERROR
}

func (c *Card) generateKey(cmd *iso7816.CommandAPDU) ([]byte, iso7816.StatusWord) {
	if len(cmd.Data) != 1+len(ecKeyParams) || !bytes.Equal(cmd.Data[1:], ecKeyParams) {
		return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
	}
	ref := scp.KeyRef{Kid: cmd.P2, Kvn: cmd.Data[0]}
	if sw := c.prepareSlot(ref, cmd.P1); sw != iso7816.SW_NO_ERROR {
		return nil, sw
	}

	priv, err := ecdh.P256().GenerateKey(c.random)
	if err != nil {
		return nil, iso7816.SW_ERR_EXEC_NO_INFO
	}
	c.store.keys[ref] = &keyEntry{ref: ref, private: priv}
	return tlv.Object{Tag: 0xB0, Value: priv.PublicKey().Bytes()}.Bytes(), iso7816.SW_NO_ERROR
}

// prepareSlot frees the slot of ref, replacing replaceKvn when it is set.
func (c *Card) prepareSlot(ref scp.KeyRef, replaceKvn byte) iso7816.StatusWord {
	if replaceKvn != 0 {
		old := scp.KeyRef{Kid: ref.Kid, Kvn: replaceKvn}
		if _, ok := c.store.keys[old]; !ok {
			return iso7816.SW_ERR_REF_DATA_NOT_FOUND
		}
		delete(c.store.keys, old)
		delete(c.store.certs, old)
		return iso7816.SW_NO_ERROR
	}
	if _, ok := c.store.keys[ref]; ok {
		return iso7816.SW_ERR_FILE_ALREADY_EXISTS
	}
	return iso7816.SW_NO_ERROR
}

func (c *Card) putKey(cmd *iso7816.CommandAPDU) ([]byte, iso7816.StatusWord) {
	if len(cmd.Data) < 2 {
		return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
	}
	if cmd.P2 == 0x80|scp.KidSCP03 {
		return c.putStaticKeys(cmd)
	}

	kvn := cmd.Data[0]
	ref := scp.KeyRef{Kid: cmd.P2, Kvn: kvn}
	objects, err := tlv.ReadAll(cmd.Data[1 : len(cmd.Data)-1])
	if err != nil || len(objects) != 2 || cmd.Data[len(cmd.Data)-1] != 0x00 ||
		!bytes.Equal(objects[1].Bytes(), ecKeyParams) {
		return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
	}

	entry := &keyEntry{ref: ref}
	switch key := objects[0]; key.Tag {
	case 0xB1:
		if len(key.Value) != 32 {
			return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
		}
		secret := cbcZeroIV(c.channel.keys.Dek, key.Value, false)
		priv, err := ecdh.P256().NewPrivateKey(secret)
		if err != nil {
			return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
		}
		entry.private = priv
	case 0xB0:
		pub, err := ecdh.P256().NewPublicKey(key.Value)
		if err != nil {
			return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
		}
		entry.public = pub
	default:
		return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
	}

	if sw := c.prepareSlot(ref, cmd.P1); sw != iso7816.SW_NO_ERROR {
		return nil, sw
	}
	c.store.keys[ref] = entry
	return []byte{kvn}, iso7816.SW_NO_ERROR
}

// putStaticKeys imports an SCP03 key set: KVN followed by three
// 88{DEK encrypted key} 03 KCV blocks. Importing a key set retires the
// factory keys.
func (c *Card) putStaticKeys(cmd *iso7816.CommandAPDU) ([]byte, iso7816.StatusWord) {
	kvn := cmd.Data[0]
	rest := cmd.Data[1:]
	resp := []byte{kvn}

	var components [3][]byte
	for i := range components {
		obj, r, err := tlv.ReadObject(rest)
		if err != nil || obj.Tag != 0x88 || len(obj.Value) != scp.KeyLength || len(r) < 4 || r[0] != 3 {
			return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
		}
		key := cbcZeroIV(c.channel.keys.Dek, obj.Value, false)
		kcv := cbcZeroIV(key, kcvInput, true)[:3]
		if !bytes.Equal(kcv, r[1:4]) {
			return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
		}
		components[i] = key
		resp = append(resp, kcv...)
		rest = r[4:]
	}
	if len(rest) != 0 {
		return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
	}

	ref := scp.KeyRef{Kid: scp.KidSCP03, Kvn: kvn}
	if sw := c.prepareSlot(ref, cmd.P1); sw != iso7816.SW_NO_ERROR {
		return nil, sw
	}
	keys, err := scp.NewStaticKeys(components[0], components[1], components[2])
	if err != nil {
		return nil, iso7816.SW_ERR_INCORRECT_PARAMS_DATA
	}
	c.store.keys[ref] = &keyEntry{ref: ref, static: &keys}
	if kvn != FactoryKvn {
		delete(c.store.keys, scp.KeyRef{Kid: scp.KidSCP03, Kvn: FactoryKvn})
	}
	return resp, iso7816.SW_NO_ERROR
}
