package gmac

import (
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonce(t *testing.T) {
	assert.Equal(t, []byte{7, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, Nonce(7, false, false))
	assert.Equal(t, []byte{7, 0, 0, 0, 0, 0, 0, 0, 3, 0, 0, 0}, Nonce(7, true, true))
	assert.Len(t, Nonce(1<<40, true, false), 12)
}

func TestSumMatchesGCM(t *testing.T) {
	key := []byte("0123456789abcdef")
	nonce := Nonce(42, true, false)
	msg := []byte("signed smb2 message")

	h, err := New(key, nonce)
	require.NoError(t, err)
	h.Write(msg[:6])
	h.Write(msg[6:])
	sum := h.Sum(nil)
	require.Len(t, sum, h.Size())

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	aead, err := cipher.NewGCM(block)
	require.NoError(t, err)
	assert.Equal(t, aead.Seal(nil, nonce, nil, msg), sum)

	h.Reset()
	h.Write([]byte("other"))
	assert.NotEqual(t, sum, h.Sum(nil))

	_, err = New([]byte("short"), nonce)
	assert.Error(t, err)
}
