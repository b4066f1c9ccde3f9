package cardsim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"

	"github.com/aead/cmac"
	"github.com/gregLibert/smartcard-scp/pkg/iso7816"
	"github.com/gregLibert/smartcard-scp/pkg/scp"
)

// channel is the card side of an SCP03 or SCP11 secure channel.
type channel struct {
	ref         scp.KeyRef
	keys        *scp.SessionKeys
	level       scp.SecurityLevel
	chain       []byte
	counter     uint32
	established bool

	// SCP03 only, between INITIALIZE UPDATE and EXTERNAL AUTHENTICATE.
	context []byte
}

func newChannel(ref scp.KeyRef, keys *scp.SessionKeys, level scp.SecurityLevel, chain []byte) *channel {
	return &channel{
		ref:     ref,
		keys:    keys,
		level:   level,
		chain:   append([]byte(nil), chain...),
		counter: 1,
	}
}

// verify checks the trailing C-MAC of data against the command header and
// advances the MAC chain. It returns data without the MAC.
func (ch *channel) verify(header []byte, extended bool, data []byte) ([]byte, bool) {
	if len(data) < 8 {
		return nil, false
	}
	payload := data[:len(data)-8]

	input := append([]byte(nil), header...)
	if extended {
		input = append(input, 0x00, byte(len(data)>>8), byte(len(data)))
	} else {
		input = append(input, byte(len(data)))
	}
	input = append(input, payload...)

	mac := cmacOf(ch.keys.Mac, ch.chain, input)
	if subtle.ConstantTimeCompare(mac[:8], data[len(data)-8:]) != 1 {
		return nil, false
	}
	ch.chain = mac
	return payload, true
}

func (ch *channel) decrypt(data []byte) ([]byte, bool) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, false
	}
	block, _ := aes.NewCipher(ch.keys.Enc)

	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint32(iv[12:], ch.counter)
	ch.counter++
	block.Encrypt(iv, iv)

	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)
	return unpad(plain)
}

// protect encrypts and MACs response data. Responses without data are sent
// as is.
func (ch *channel) protect(data []byte, sw iso7816.StatusWord) []byte {
	if len(data) == 0 {
		return data
	}

	if ch.level.RENC {
		block, _ := aes.NewCipher(ch.keys.Enc)
		iv := make([]byte, aes.BlockSize)
		iv[0] = 0x80
		binary.BigEndian.PutUint32(iv[12:], ch.counter-1)
		block.Encrypt(iv, iv)

		padded := pad(data)
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(padded, padded)
		data = padded
	}

	if ch.level.RMAC {
		rmac := cmacOf(ch.keys.Rmac, ch.chain, data, []byte{sw.SW1(), sw.SW2()})
		data = append(append([]byte(nil), data...), rmac[:8]...)
	}
	return data
}

func cmacOf(key []byte, parts ...[]byte) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	h, err := cmac.New(block)
	if err != nil {
		panic(err)
	}
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func cbcZeroIV(key, data []byte, encrypt bool) []byte {
	block, _ := aes.NewCipher(key)
	out := make([]byte, len(data))
	iv := make([]byte, aes.BlockSize)
	if encrypt {
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	} else {
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	}
	return out
}

func pad(data []byte) []byte {
	n := len(data) + aes.BlockSize - len(data)%aes.BlockSize
	out := make([]byte, n)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

func unpad(data []byte) ([]byte, bool) {
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
