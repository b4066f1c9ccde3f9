package scp

import (
	"crypto/aes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/aead/cmac"
	"github.com/pkg/errors"
)

// SCP03 derivation constants (GPC 2.3 Amendment D, §6.2.1).
const (
	DerivationCardCryptogram byte = 0x00
	DerivationHostCryptogram byte = 0x01
	DerivationSENC           byte = 0x04
	DerivationSMAC           byte = 0x06
	DerivationSRMAC          byte = 0x07
)

// DeriveKey is the SCP03 KDF: NIST SP 800-108 in counter mode with AES-CMAC
// as PRF. lBits is 0x40 for cryptograms and 0x80 for session keys.
//
// Fixed input: 11 zero bytes, the derivation constant, a 00 separator,
// L on two bytes, the counter 01, then context.
func DeriveKey(key []byte, constant byte, context []byte, lBits uint16) ([]byte, error) {
	if lBits != 0x40 && lBits != 0x80 {
		return nil, errors.Errorf("scp: KDF output length must be 0x40 or 0x80 bits, got 0x%X", lBits)
	}

	input := make([]byte, 16, 16+len(context))
	input[11] = constant
	binary.BigEndian.PutUint16(input[13:15], lBits)
	input[15] = 0x01
	input = append(input, context...)

	out, err := aesCMAC(key, input)
	if err != nil {
		return nil, err
	}
	return out[:lBits/8], nil
}

// Cryptogram returns the 8-byte card (0x00) or host (0x01) cryptogram.
func Cryptogram(smac []byte, constant byte, context []byte) ([]byte, error) {
	return DeriveKey(smac, constant, context, 0x40)
}

// X963KDF is the ANSI X9.63 KDF with SHA-256 used by SCP11.
// It returns rounds*32 bytes: SHA-256(z || counter || sharedInfo) for
// counter = 1..rounds, the counter encoded big-endian on 4 bytes.
func X963KDF(z, sharedInfo []byte, rounds int) []byte {
	out := make([]byte, 0, rounds*sha256.Size)
	var counter [4]byte
	for i := 1; i <= rounds; i++ {
		binary.BigEndian.PutUint32(counter[:], uint32(i))
		h := sha256.New()
		h.Write(z)
		h.Write(counter[:])
		h.Write(sharedInfo)
		out = h.Sum(out)
	}
	return out
}

// aesCMAC computes the full 16-byte AES-CMAC of the concatenated parts.
func aesCMAC(key []byte, parts ...[]byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "scp: create AES cipher")
	}
	mac, err := cmac.New(block)
	if err != nil {
		return nil, errors.Wrap(err, "scp: create CMAC")
	}
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil), nil
}
