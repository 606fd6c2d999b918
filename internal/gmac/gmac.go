// Package gmac implements AES-GMAC message signing for SMB 3.1.1: GCM with
// an empty plaintext and the message as additional data.
package gmac

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"hash"
)

// Nonce role bits.
const (
	roleResponse = 1 << 0
	roleCancel   = 1 << 1
)

// Nonce returns the 12-byte GMAC nonce of a message: its MessageId followed
// by the response and cancel role bits.
func Nonce(messageID uint64, response, cancel bool) []byte {
	nonce := binary.LittleEndian.AppendUint64(make([]byte, 0, 12), messageID)
	var role uint32
	if response {
		role |= roleResponse
	}
	if cancel {
		role |= roleCancel
	}
	return binary.LittleEndian.AppendUint32(nonce, role)
}

type digest struct {
	aead  cipher.AEAD
	nonce []byte
	msg   []byte
}

// New returns a hash.Hash computing the 16-byte GMAC of everything written
// to it under key and nonce.
func New(key, nonce []byte) (hash.Hash, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, err
	}
	return &digest{aead: aead, nonce: append([]byte(nil), nonce...)}, nil
}

func (d *digest) Write(p []byte) (int, error) {
	d.msg = append(d.msg, p...)
	return len(p), nil
}

func (d *digest) Sum(b []byte) []byte {
	return d.aead.Seal(b, d.nonce, nil, d.msg)
}

func (d *digest) Reset()         { d.msg = d.msg[:0] }
func (d *digest) Size() int      { return d.aead.Overhead() }
func (d *digest) BlockSize() int { return aes.BlockSize }
