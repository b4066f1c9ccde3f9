package securitydomain_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/gregLibert/smartcard-scp/internal/cardsim"
	"github.com/gregLibert/smartcard-scp/pkg/iso7816"
	"github.com/gregLibert/smartcard-scp/pkg/scp"
	"github.com/gregLibert/smartcard-scp/pkg/securitydomain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var factoryRef = scp.KeyRef{Kid: scp.KidSCP03, Kvn: cardsim.FactoryKvn}

func newCard(t *testing.T) (*cardsim.Card, *iso7816.Client) {
	t.Helper()
	card, err := cardsim.New()
	require.NoError(t, err)
	return card, iso7816.NewClient(card)
}

func open(t *testing.T, client *iso7816.Client) *securitydomain.Session {
	t.Helper()
	sd, err := securitydomain.Open(client, securitydomain.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	return sd
}

func openAuthenticated(t *testing.T, client *iso7816.Client) *securitydomain.Session {
	t.Helper()
	sd := open(t, client)
	require.NoError(t, sd.Authenticate(scp.NewScp03KeyParams(factoryRef, scp.DefaultStaticKeys())))
	require.True(t, sd.Authenticated())
	return sd
}

func keyRefs(t *testing.T, sd *securitydomain.Session) []scp.KeyRef {
	t.Helper()
	infos, err := sd.GetKeyInformation()
	require.NoError(t, err)
	refs := make([]scp.KeyRef, 0, len(infos))
	for _, info := range infos {
		refs = append(refs, info.Ref)
	}
	return refs
}

func randomKeys(t *testing.T) scp.StaticKeys {
	t.Helper()
	raw := make([]byte, 48)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	keys, err := scp.NewStaticKeys(raw[:16], raw[16:32], raw[32:])
	require.NoError(t, err)
	return keys
}

func TestGetKeyInformation(t *testing.T) {
	_, client := newCard(t)
	sd := open(t, client)

	infos, err := sd.GetKeyInformation()
	require.NoError(t, err)
	require.Len(t, infos, 4)

	assert.Equal(t, factoryRef, infos[0].Ref)
	assert.Equal(t, map[byte]byte{0x88: 0x10}, infos[0].Components)
	assert.Equal(t, scp.KeyRef{Kid: scp.KidSCP11b, Kvn: 0x01}, infos[3].Ref)
}

func TestCardRecognitionData(t *testing.T) {
	_, client := newCard(t)
	sd := open(t, client)

	value, err := sd.GetCardRecognitionData()
	require.NoError(t, err)
	assert.Equal(t, byte(0x06), value[0])

	crd, err := securitydomain.ParseCardRecognition(value)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x2A, 0x86, 0x48, 0x86, 0xFC, 0x6B, 0x01}, crd.RecognitionOID)
	assert.NotEmpty(t, crd.SecureChannel)
	assert.Contains(t, crd.Describe(), "CRD.RecognitionOID (06): 2A864886FC6B01 (OID 1.2.840.114283.1)")
}

func TestKeyInfo_String(t *testing.T) {
	info := securitydomain.KeyInfo{
		Ref:        scp.KeyRef{Kid: scp.KidSCP11b, Kvn: 0x01},
		Components: map[byte]byte{0xF0: 0x00, 0xB0: 0x41, 0x07: 0x02},
	}
	assert.Equal(t, "KeyRef{kid=0x13, kvn=0x01} [07:2 EC public:65 EC parameters:0]", info.String())
}

func TestKeyInformation_TraceLogsObjects(t *testing.T) {
	_, client := newCard(t)

	var buf bytes.Buffer
	sd, err := securitydomain.Open(client, securitydomain.WithLogger(zerolog.New(&buf).Level(zerolog.TraceLevel)))
	require.NoError(t, err)

	_, err = sd.GetKeyInformation()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "E0 (Key Information Template)")
	assert.Contains(t, buf.String(), "C0 (Key Information Data): 01FF8810")
}

func TestGetCertificateBundle(t *testing.T) {
	card, client := newCard(t)
	sd := open(t, client)

	ref := scp.KeyRef{Kid: scp.KidSCP11b, Kvn: 0x01}
	certs, err := sd.GetCertificateBundle(ref)
	require.NoError(t, err)
	require.Len(t, certs, 1)

	pk, err := card.PublicKey(ref)
	require.NoError(t, err)
	assert.True(t, pk.Equal(certs[0].PublicKey))

	certs, err = sd.GetCertificateBundle(scp.KeyRef{Kid: scp.KidSCP11b, Kvn: 0x02})
	require.NoError(t, err)
	assert.Empty(t, certs)
}

func TestWritesRequireSecureChannel(t *testing.T) {
	_, client := newCard(t)
	sd := open(t, client)

	err := sd.StoreCaIssuer(scp.KeyRef{Kid: 0x10, Kvn: 0x01}, []byte{1, 2, 3})
	sw, ok := iso7816.StatusOf(err)
	require.True(t, ok)
	assert.Equal(t, iso7816.SW_ERR_SECURITY_STATUS_NOT_SAT, sw)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	err = sd.PutPrivateKey(scp.KeyRef{Kid: scp.KidSCP11b, Kvn: 0x02}, key, 0)
	assert.ErrorIs(t, err, iso7816.ErrSessionState)
}

func TestPutStaticKeys(t *testing.T) {
	_, client := newCard(t)
	sd := openAuthenticated(t, client)

	newRef := scp.KeyRef{Kid: scp.KidSCP03, Kvn: 0x01}
	keys := randomKeys(t)
	require.NoError(t, sd.PutStaticKeys(newRef, keys, 0))

	refs := keyRefs(t, sd)
	assert.Contains(t, refs, newRef)
	assert.NotContains(t, refs, factoryRef, "factory keys are retired")

	sd = open(t, client)
	require.NoError(t, sd.Authenticate(scp.NewScp03KeyParams(newRef, keys)))

	sd = open(t, client)
	err := sd.Authenticate(scp.NewScp03KeyParams(factoryRef, scp.DefaultStaticKeys()))
	var authErr *scp.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.False(t, sd.Authenticated())
}

func TestPutStaticKeys_Validation(t *testing.T) {
	_, client := newCard(t)
	sd := openAuthenticated(t, client)

	assert.Error(t, sd.PutStaticKeys(scp.KeyRef{Kid: 0x02, Kvn: 0x01}, randomKeys(t), 0))

	noDek, err := scp.NewStaticKeys(bytes.Repeat([]byte{1}, 16), bytes.Repeat([]byte{2}, 16), nil)
	require.NoError(t, err)
	assert.Error(t, sd.PutStaticKeys(scp.KeyRef{Kid: scp.KidSCP03, Kvn: 0x01}, noDek, 0))
}

func TestGenerateECKey(t *testing.T) {
	card, client := newCard(t)
	sd := openAuthenticated(t, client)

	ref := scp.KeyRef{Kid: scp.KidSCP11b, Kvn: 0x03}
	pk, err := sd.GenerateECKey(ref, 0)
	require.NoError(t, err)

	onCard, err := card.PublicKey(ref)
	require.NoError(t, err)
	assert.True(t, pk.Equal(onCard))

	_, err = sd.GenerateECKey(ref, 0)
	sw, ok := iso7816.StatusOf(err)
	require.True(t, ok)
	assert.Equal(t, iso7816.SW_ERR_FILE_ALREADY_EXISTS, sw)

	pk, err = sd.GenerateECKey(ref, ref.Kvn)
	require.NoError(t, err, "replacing the same version")

	params, err := scp.NewScp11KeyParams(ref, pk, nil, nil, nil)
	require.NoError(t, err)
	sd = open(t, client)
	require.NoError(t, sd.Authenticate(params))
}

func TestPutPrivateKey(t *testing.T) {
	_, client := newCard(t)
	sd := openAuthenticated(t, client)

	ref := scp.KeyRef{Kid: scp.KidSCP11b, Kvn: 0x05}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	require.NoError(t, sd.PutPrivateKey(ref, key, 0))

	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	assert.Error(t, sd.PutPrivateKey(scp.KeyRef{Kid: scp.KidSCP11b, Kvn: 0x06}, p384, 0))
	assert.Error(t, sd.PutPublicKey(scp.KeyRef{Kid: 0x10, Kvn: 0x06}, &p384.PublicKey, 0))

	params, err := scp.NewScp11KeyParams(ref, &key.PublicKey, nil, nil, nil)
	require.NoError(t, err)
	sd = open(t, client)
	require.NoError(t, sd.Authenticate(params))
}

func TestScp11aProvisioning(t *testing.T) {
	_, client := newCard(t)
	sd := openAuthenticated(t, client)

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	oceRef := scp.KeyRef{Kid: 0x10, Kvn: 0x03}
	ski := []byte{0x0A, 0x0B, 0x0C, 0x0D}

	require.NoError(t, sd.PutPublicKey(oceRef, &caKey.PublicKey, 0))
	require.NoError(t, sd.StoreCaIssuer(oceRef, ski))
	require.NoError(t, sd.StoreAllowlist(oceRef, []*big.Int{big.NewInt(0x80), big.NewInt(0x7F01)}))

	sdRef := scp.KeyRef{Kid: scp.KidSCP11a, Kvn: 0x03}
	pk, err := sd.GenerateECKey(sdRef, 0)
	require.NoError(t, err)

	ids, err := sd.GetSupportedCaIdentifiers(true, false)
	require.NoError(t, err)
	assert.Equal(t, map[scp.KeyRef][]byte{oceRef: ski}, ids)

	ids, err = sd.GetSupportedCaIdentifiers(false, true)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = sd.GetSupportedCaIdentifiers(false, false)
	assert.Error(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(0x7F01),
		Subject:      pkix.Name{CommonName: "OCE"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyAgreement,
	}
	issuer := &x509.Certificate{Subject: pkix.Name{CommonName: "OCE CA"}}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, issuer, &leafKey.PublicKey, caKey)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	params, err := scp.NewScp11KeyParams(sdRef, pk, &oceRef, leafKey, []*x509.Certificate{leaf})
	require.NoError(t, err)
	sd = open(t, client)
	require.NoError(t, sd.Authenticate(params))
	assert.True(t, sd.Authenticated())
}

func TestStoreCertificateBundle(t *testing.T) {
	_, client := newCard(t)
	sd := openAuthenticated(t, client)

	ref := scp.KeyRef{Kid: scp.KidSCP11b, Kvn: 0x01}
	chain := []*x509.Certificate{selfSigned(t, "root"), selfSigned(t, "leaf")}
	require.NoError(t, sd.StoreCertificateBundle(ref, chain))

	got, err := sd.GetCertificateBundle(ref)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, chain[0].Raw, got[0].Raw)
	assert.Equal(t, chain[1].Raw, got[1].Raw)
}

func selfSigned(t *testing.T, name string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestDeleteKey(t *testing.T) {
	_, client := newCard(t)
	sd := openAuthenticated(t, client)

	assert.Error(t, sd.DeleteKey(scp.KeyRef{}, false))
	assert.Error(t, sd.DeleteKey(scp.KeyRef{Kid: scp.KidSCP03}, false))

	ref := scp.KeyRef{Kid: scp.KidSCP11b, Kvn: 0x01}
	require.NoError(t, sd.DeleteKey(ref, false))
	assert.NotContains(t, keyRefs(t, sd), ref)

	err := sd.DeleteKey(scp.KeyRef{Kid: scp.KidSCP11b, Kvn: 0x07}, false)
	sw, ok := iso7816.StatusOf(err)
	require.True(t, ok)
	assert.Equal(t, iso7816.SW_ERR_REF_DATA_NOT_FOUND, sw)
}

func TestReset(t *testing.T) {
	_, client := newCard(t)
	sd := openAuthenticated(t, client)

	keys := randomKeys(t)
	require.NoError(t, sd.PutStaticKeys(scp.KeyRef{Kid: scp.KidSCP03, Kvn: 0x01}, keys, 0))
	_, err := sd.GenerateECKey(scp.KeyRef{Kid: scp.KidSCP11a, Kvn: 0x03}, 0)
	require.NoError(t, err)

	require.NoError(t, sd.Reset())
	assert.False(t, sd.Authenticated())

	assert.Equal(t, []scp.KeyRef{
		{Kid: 0x01, Kvn: cardsim.FactoryKvn},
		{Kid: 0x02, Kvn: cardsim.FactoryKvn},
		{Kid: 0x03, Kvn: cardsim.FactoryKvn},
	}, keyRefs(t, sd))

	sd = open(t, client)
	require.NoError(t, sd.Authenticate(scp.NewScp03KeyParams(factoryRef, scp.DefaultStaticKeys())))
}
