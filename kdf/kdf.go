// Package kdf derives SMB 3.x session keys.
package kdf

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

// Kdf is the SP800-108 counter-mode KDF with HMAC-SHA256, r = 32 and
// L = 8*size: each block is PRF(ki, i || label || 0x00 || context || L).
func Kdf(ki, label, context []byte, size int) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(size*8))

	out := make([]byte, 0, size+sha256.Size)
	h := hmac.New(sha256.New, ki)
	for i := uint32(1); len(out) < size; i++ {
		h.Reset()
		h.Write(binary.BigEndian.AppendUint32(nil, i))
		h.Write(label)
		h.Write([]byte{0})
		h.Write(context)
		h.Write(l[:])
		out = h.Sum(out)
	}
	return out[:size]
}
