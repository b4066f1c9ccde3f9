package scp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"

	"github.com/gregLibert/smartcard-scp/pkg/iso7816"
	"github.com/pkg/errors"
)

// SECURE MESSAGING (GPC 2.3 Amendment D §6.2.4 to §6.2.7, shared by SCP11):
//
// Command:
//   - C-DECRYPTION: data is padded with '80 00..' to a block boundary and
//     encrypted with AES-CBC under S-ENC. The IV is AES(S-ENC, counter) with
//     a 16-byte big-endian counter starting at 1, incremented per command.
//   - C-MAC: CLA gets the secure messaging bit, the MAC chaining value is
//     CMAC(S-MAC, chain || header || Lc || data) where Lc already counts the
//     8 MAC bytes, and its first 8 bytes are appended to the data.
//
// Response (only when it carries data):
//   - R-MAC: CMAC(S-RMAC, chain || data || SW1 SW2), first 8 bytes.
//   - R-ENCRYPTION: the IV is AES(S-ENC, '80' || counter of the command).

type secureMessaging struct {
	keys     *SessionKeys
	level    SecurityLevel
	macChain []byte
	counter  uint32
}

func newSecureMessaging(keys *SessionKeys, level SecurityLevel, macChain []byte) *secureMessaging {
	return &secureMessaging{
		keys:     keys,
		level:    level,
		macChain: clone(macChain),
		counter:  1,
	}
}

// wrap protects cmd. encrypt is ignored unless the level has C-DECRYPTION.
func (sm *secureMessaging) wrap(cmd *iso7816.CommandAPDU, encrypt bool, enc iso7816.Encoding) (*iso7816.CommandAPDU, error) {
	data := cmd.Data
	if encrypt && sm.level.CDEC {
		var err error
		if data, err = sm.encrypt(data); err != nil {
			return nil, err
		}
	}

	cls, err := cmd.Class.WithSecureMessaging()
	if err != nil {
		return nil, errors.Wrap(err, "scp: set secure messaging CLA")
	}

	macedData := make([]byte, len(data)+8)
	copy(macedData, data)
	wrapped := iso7816.NewCommandAPDU(cls, cmd.Instruction, cmd.P1, cmd.P2, macedData, cmd.Ne)

	header, err := macInput(wrapped, enc)
	if err != nil {
		return nil, err
	}
	mac, err := sm.mac(header)
	if err != nil {
		return nil, err
	}
	copy(macedData[len(data):], mac)

	return wrapped, nil
}

// macInput encodes cmd without Le and without its trailing MAC placeholder.
func macInput(cmd *iso7816.CommandAPDU, enc iso7816.Encoding) ([]byte, error) {
	if len(cmd.Data) > enc.MaxDataLength() {
		// Chained short commands are authenticated as one extended command.
		enc = iso7816.ExtendedEncoding{}
	}
	noLe := *cmd
	noLe.Ne = 0
	raw, err := enc.Encode(&noLe)
	if err != nil {
		return nil, err
	}
	return raw[:len(raw)-8], nil
}

func (sm *secureMessaging) mac(data []byte) ([]byte, error) {
	chain, err := aesCMAC(sm.keys.Mac, sm.macChain, data)
	if err != nil {
		return nil, err
	}
	sm.macChain = chain
	return chain[:8], nil
}

func (sm *secureMessaging) encrypt(data []byte) ([]byte, error) {
	padded := pad80(data)

	block, err := aes.NewCipher(sm.keys.Enc)
	if err != nil {
		return nil, errors.Wrap(err, "scp: create S-ENC cipher")
	}

	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint32(iv[12:], sm.counter)
	sm.counter++
	block.Encrypt(iv, iv)

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(padded, padded)
	return padded, nil
}

// unwrap verifies and decrypts a response. Responses without data carry no MAC.
func (sm *secureMessaging) unwrap(resp *iso7816.ResponseAPDU) (*iso7816.ResponseAPDU, error) {
	data := resp.Data
	if len(data) > 0 && sm.level.RMAC {
		var err error
		if data, err = sm.unmac(data, resp.Status); err != nil {
			return nil, err
		}
	}
	if len(data) > 0 && sm.level.RENC {
		var err error
		if data, err = sm.decrypt(data); err != nil {
			return nil, err
		}
	}
	return &iso7816.ResponseAPDU{Data: data, Status: resp.Status}, nil
}

func (sm *secureMessaging) unmac(data []byte, sw iso7816.StatusWord) ([]byte, error) {
	if len(data) < 8 {
		return nil, errors.Wrapf(iso7816.ErrBadResponse, "scp: response of %d bytes cannot carry an R-MAC", len(data))
	}
	payload := data[:len(data)-8]

	rmac, err := aesCMAC(sm.keys.Rmac, sm.macChain, payload, []byte{sw.SW1(), sw.SW2()})
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(rmac[:8], data[len(data)-8:]) != 1 {
		return nil, ErrInvalidMAC
	}
	return payload, nil
}

func (sm *secureMessaging) decrypt(data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, errors.Wrapf(iso7816.ErrBadResponse, "scp: encrypted response of %d bytes is not block aligned", len(data))
	}

	block, err := aes.NewCipher(sm.keys.Enc)
	if err != nil {
		return nil, errors.Wrap(err, "scp: create S-ENC cipher")
	}

	iv := make([]byte, aes.BlockSize)
	iv[0] = 0x80
	binary.BigEndian.PutUint32(iv[12:], sm.counter-1)
	block.Encrypt(iv, iv)

	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)

	out, ok := unpad80(plain)
	if !ok {
		return nil, errors.Wrap(iso7816.ErrBadResponse, "scp: bad response padding")
	}
	return out, nil
}

func (sm *secureMessaging) zero() {
	sm.keys.Zero()
	zero(sm.macChain)
}

// pad80 appends '80' and zeros up to the next block boundary. A full block
// is added to block aligned input.
func pad80(data []byte) []byte {
	n := len(data) + aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, n)
	copy(padded, data)
	padded[len(data)] = 0x80
	return padded
}

func unpad80(data []byte) ([]byte, bool) {
	for i := len(data) - 1; i >= 0; i-- {
		switch data[i] {
		case 0x80:
			return data[:i], true
		case 0x00:
		default:
			return nil, false
		}
	}
	return nil, false
}

// cbcEncryptZeroIV encrypts block aligned data with AES-CBC and a zero IV,
// as used for DEK protected key import.
func cbcEncryptZeroIV(key, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, errors.Errorf("scp: data of %d bytes is not block aligned", len(data))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "scp: create cipher")
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, data)
	return out, nil
}
