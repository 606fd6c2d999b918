// Package cmac implements AES-CMAC (RFC 4493) as a hash.Hash.
package cmac

import (
	"crypto/aes"
	"crypto/cipher"
	"hash"
)

const rb = 0x87

type cmacHash struct {
	block  cipher.Block
	k1, k2 [aes.BlockSize]byte
	buf    []byte
}

// New returns a new AES-CMAC hash keyed with key.
func New(key []byte) (hash.Hash, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	c := &cmacHash{block: block}
	var l [aes.BlockSize]byte
	block.Encrypt(l[:], l[:])
	c.k1 = shift(l)
	c.k2 = shift(c.k1)
	return c, nil
}

// shift doubles x in GF(2^128).
func shift(x [aes.BlockSize]byte) (y [aes.BlockSize]byte) {
	var carry byte
	for i := aes.BlockSize - 1; i >= 0; i-- {
		y[i] = x[i]<<1 | carry
		carry = x[i] >> 7
	}
	if carry != 0 {
		y[aes.BlockSize-1] ^= rb
	}
	return y
}

// Write implements hash.Hash.
func (c *cmacHash) Write(p []byte) (int, error) {
	c.buf = append(c.buf, p...)
	return len(p), nil
}

// Sum implements hash.Hash.
func (c *cmacHash) Sum(b []byte) []byte {
	n := (len(c.buf) + aes.BlockSize - 1) / aes.BlockSize
	complete := n > 0 && len(c.buf)%aes.BlockSize == 0
	if n == 0 {
		n = 1
	}

	var last [aes.BlockSize]byte
	tail := c.buf[(n-1)*aes.BlockSize:]
	if complete {
		for i := range last {
			last[i] = tail[i] ^ c.k1[i]
		}
	} else {
		copy(last[:], tail)
		last[len(tail)] = 0x80
		for i := range last {
			last[i] ^= c.k2[i]
		}
	}

	var x [aes.BlockSize]byte
	for i := 0; i < n-1; i++ {
		blk := c.buf[i*aes.BlockSize : (i+1)*aes.BlockSize]
		for j := range x {
			x[j] ^= blk[j]
		}
		c.block.Encrypt(x[:], x[:])
	}
	for j := range x {
		x[j] ^= last[j]
	}
	c.block.Encrypt(x[:], x[:])

	return append(b, x[:]...)
}

// Reset implements hash.Hash.
func (c *cmacHash) Reset() { c.buf = c.buf[:0] }

// Size implements hash.Hash.
func (c *cmacHash) Size() int { return aes.BlockSize }

// BlockSize implements hash.Hash.
func (c *cmacHash) BlockSize() int { return aes.BlockSize }
