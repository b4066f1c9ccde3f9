package scp

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyRef(t *testing.T) {
	ref := KeyRef{Kid: KidSCP11b, Kvn: 0x01}
	assert.Equal(t, []byte{0x13, 0x01}, ref.Bytes())
	assert.Equal(t, "KeyRef{kid=0x13, kvn=0x01}", ref.String())
}

func TestNewStaticKeys(t *testing.T) {
	k16 := bytes.Repeat([]byte{0xAA}, 16)

	keys, err := NewStaticKeys(k16, k16, nil)
	require.NoError(t, err)
	assert.Nil(t, keys.Dek)

	k16[0] = 0x00
	assert.Equal(t, byte(0xAA), keys.Enc[0], "key material is copied")

	_, err = NewStaticKeys(k16[:15], k16, nil)
	assert.Error(t, err)
	_, err = NewStaticKeys(k16, make([]byte, 24), nil)
	assert.Error(t, err)
	_, err = NewStaticKeys(k16, k16, make([]byte, 8))
	assert.Error(t, err)
}

func TestStaticKeys_Zero(t *testing.T) {
	keys := DefaultStaticKeys()
	keys.Zero()
	assert.Equal(t, make([]byte, 16), keys.Enc)
	assert.Equal(t, make([]byte, 16), keys.Mac)
	assert.Equal(t, make([]byte, 16), keys.Dek)
}

func TestSecurityLevel(t *testing.T) {
	tests := []struct {
		level SecurityLevel
		b     byte
	}{
		{FullSecurity, 0x33},
		{SecurityLevel{CMAC: true}, 0x01},
		{SecurityLevel{CMAC: true, CDEC: true}, 0x03},
		{SecurityLevel{CMAC: true, RMAC: true}, 0x11},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.b, tt.level.Byte())
		assert.Equal(t, tt.level, ParseSecurityLevel(tt.b))
	}
}

func TestNewScp11KeyParams(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pk := &priv.PublicKey
	oceRef := &KeyRef{Kid: 0x10, Kvn: 0x03}
	certs := []*x509.Certificate{{}}

	tests := []struct {
		name    string
		ref     KeyRef
		pk      *ecdsa.PublicKey
		oceRef  *KeyRef
		oceKey  *ecdsa.PrivateKey
		certs   []*x509.Certificate
		wantErr bool
	}{
		{"11b", KeyRef{Kid: KidSCP11b, Kvn: 1}, pk, nil, nil, nil, false},
		{"11b with OCE", KeyRef{Kid: KidSCP11b, Kvn: 1}, pk, oceRef, priv, certs, true},
		{"11a", KeyRef{Kid: KidSCP11a, Kvn: 1}, pk, oceRef, priv, certs, false},
		{"11c without certificates", KeyRef{Kid: KidSCP11c, Kvn: 1}, pk, oceRef, priv, nil, true},
		{"11a without OCE key", KeyRef{Kid: KidSCP11a, Kvn: 1}, pk, oceRef, nil, certs, true},
		{"missing SD key", KeyRef{Kid: KidSCP11b, Kvn: 1}, nil, nil, nil, nil, true},
		{"SCP03 kid", KeyRef{Kid: KidSCP03, Kvn: 1}, pk, nil, nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := NewScp11KeyParams(tt.ref, tt.pk, tt.oceRef, tt.oceKey, tt.certs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ref, params.KeyRef())
		})
	}
}

func TestNewScp03KeyParams(t *testing.T) {
	ref := KeyRef{Kid: KidSCP03, Kvn: 0xFF}
	params := NewScp03KeyParams(ref, DefaultStaticKeys())
	assert.Equal(t, ref, params.KeyRef())
	assert.Equal(t, byte(0x33), params.Level.Byte())
}
