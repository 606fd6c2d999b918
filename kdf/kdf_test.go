package kdf

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// Published SMB 3.0 signing key derivation example.
func TestKdfSMB30Signing(t *testing.T) {
	sessionKey := mustHex(t, "7CD451825D0450D235424E44BA6E78CC")
	got := Kdf(sessionKey, []byte("SMB2AESCMAC\x00"), []byte("SmbSign\x00"), 16)
	assert.Equal(t, mustHex(t, "0B7E9C5CAC36C0F6EA9AB275298CEDCE"), got)
}

func TestKdfSizes(t *testing.T) {
	key := mustHex(t, "270E1BA896585EEB7AF3472D3B4C75A7")
	label := []byte("SMBC2SCipherKey\x00")
	ctx := make([]byte, 64)

	short := Kdf(key, label, ctx, 16)
	long := Kdf(key, label, ctx, 32)
	assert.Len(t, short, 16)
	assert.Len(t, long, 32)
	// L is part of the input, so the short key is not a prefix of the long one.
	assert.NotEqual(t, short, long[:16])
	assert.Equal(t, short, Kdf(key, label, ctx, 16))

	ctx[0] = 1
	assert.NotEqual(t, short, Kdf(key, label, ctx, 16))
}

func TestKdfMultiBlock(t *testing.T) {
	key := mustHex(t, "270E1BA896585EEB7AF3472D3B4C75A7")
	out := Kdf(key, []byte("label"), []byte("ctx"), 48)
	assert.Len(t, out, 48)
	assert.NotEqual(t, out[:16], out[32:48])
}
