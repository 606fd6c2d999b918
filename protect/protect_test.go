package protect

import (
	"bytes"
	"testing"

	"github.com/mike76-dev/smbprobe/smb2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage() []byte {
	h := smb2.NewHeader(smb2.SMB2_READ)
	h.SetMessageID(42)
	h.SetSessionID(0x1122334455667788)
	return append(h, []byte("some request body")...)
}

func TestSigners(t *testing.T) {
	key := bytes.Repeat([]byte{0x5a}, 16)
	tests := []struct {
		name    string
		dialect uint16
		algo    uint16
		want    uint16
	}{
		{"2.0.2", smb2.SMB_DIALECT_202, smb2.AES_GMAC, smb2.HMAC_SHA256},
		{"2.1", smb2.SMB_DIALECT_21, 0, smb2.HMAC_SHA256},
		{"3.0", smb2.SMB_DIALECT_30, smb2.AES_GMAC, smb2.AES_CMAC},
		{"3.0.2", smb2.SMB_DIALECT_302, 0, smb2.AES_CMAC},
		{"3.1.1 cmac", smb2.SMB_DIALECT_311, smb2.AES_CMAC, smb2.AES_CMAC},
		{"3.1.1 gmac", smb2.SMB_DIALECT_311, smb2.AES_GMAC, smb2.AES_GMAC},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSigner(tt.dialect, tt.algo, key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Algorithm())

			msg := testMessage()
			require.NoError(t, s.Sign(msg))
			assert.True(t, smb2.Header(msg).IsFlagSet(smb2.FLAGS_SIGNED))
			assert.NotEqual(t, make([]byte, 16), smb2.Header(msg).Signature())
			assert.True(t, s.Verify(msg))

			tampered := bytes.Clone(msg)
			tampered[len(tampered)-1] ^= 1
			assert.False(t, s.Verify(tampered))

			other, err := NewSigner(tt.dialect, tt.algo, bytes.Repeat([]byte{0xa5}, 16))
			require.NoError(t, err)
			assert.False(t, other.Verify(msg))
		})
	}
}

func TestGMACBindsRole(t *testing.T) {
	s, err := NewSigner(smb2.SMB_DIALECT_311, smb2.AES_GMAC, bytes.Repeat([]byte{1}, 16))
	require.NoError(t, err)

	req := testMessage()
	require.NoError(t, s.Sign(req))
	resp := bytes.Clone(req)
	smb2.Header(resp).SetFlag(smb2.FLAGS_SERVER_TO_REDIR)
	assert.False(t, s.Verify(resp))
}

func TestSignerUnsupported(t *testing.T) {
	_, err := NewSigner(smb2.SMB_DIALECT_311, 0x7f, make([]byte, 16))
	assert.ErrorIs(t, err, ErrUnsupportedAlgo)
}

func TestCipherRoundTrip(t *testing.T) {
	for _, id := range []uint16{smb2.AES_128_GCM, smb2.AES_256_GCM} {
		size := CipherKeySize(id)
		c2s := bytes.Repeat([]byte{0x11}, size)
		s2c := bytes.Repeat([]byte{0x22}, size)

		client, err := NewCipher(id, c2s, s2c)
		require.NoError(t, err)
		server, err := NewCipher(id, s2c, c2s)
		require.NoError(t, err)

		msg := testMessage()
		frame, err := client.Encrypt(0x1122334455667788, msg)
		require.NoError(t, err)
		th := smb2.TransformHeader(frame)
		assert.EqualValues(t, 0x1122334455667788, th.SessionID())
		assert.EqualValues(t, len(msg), th.OriginalMessageSize())
		assert.False(t, bytes.Contains(frame, []byte("some request body")))

		out, err := server.Decrypt(frame)
		require.NoError(t, err)
		assert.Equal(t, msg, out)

		_, err = client.Decrypt(frame)
		assert.ErrorIs(t, err, ErrDecrypt)

		frame[len(frame)-1] ^= 1
		_, err = server.Decrypt(frame)
		assert.ErrorIs(t, err, ErrDecrypt)
	}

	_, err := NewCipher(smb2.AES_128_CCM, make([]byte, 16), make([]byte, 16))
	assert.ErrorIs(t, err, ErrUnsupportedCipher)
}

func TestDeriveKeys(t *testing.T) {
	sessionKey := bytes.Repeat([]byte{0x33}, 16)
	var preauth PreauthHash
	preauth.Update([]byte("negotiate"))

	k2 := DeriveKeys(smb2.SMB_DIALECT_21, 0, sessionKey, nil)
	assert.Equal(t, sessionKey, k2.Signing)
	assert.Nil(t, k2.Encryption)

	k30 := DeriveKeys(smb2.SMB_DIALECT_30, smb2.AES_128_CCM, sessionKey, nil)
	assert.Len(t, k30.Signing, 16)
	published := DeriveKeys(smb2.SMB_DIALECT_30, 0, []byte{
		0x7c, 0xd4, 0x51, 0x82, 0x5d, 0x04, 0x50, 0xd2, 0x35, 0x42, 0x4e, 0x44, 0xba, 0x6e, 0x78, 0xcc,
	}, nil)
	assert.Equal(t, []byte{
		0x0b, 0x7e, 0x9c, 0x5c, 0xac, 0x36, 0xc0, 0xf6, 0xea, 0x9a, 0xb2, 0x75, 0x29, 0x8c, 0xed, 0xce,
	}, published.Signing)
	assert.Len(t, k30.Encryption, 16)
	assert.NotEqual(t, k30.Encryption, k30.Decryption)

	k311 := DeriveKeys(smb2.SMB_DIALECT_311, smb2.AES_256_GCM, sessionKey, preauth[:])
	assert.Len(t, k311.Encryption, 32)
	assert.Len(t, k311.Decryption, 32)
	assert.NotEqual(t, k30.Signing, k311.Signing)

	var other PreauthHash
	other.Update([]byte("negotiate"))
	other.Update([]byte("session setup"))
	assert.NotEqual(t, k311.Signing, DeriveKeys(smb2.SMB_DIALECT_311, smb2.AES_256_GCM, sessionKey, other[:]).Signing)
}

func TestPreauthHashChains(t *testing.T) {
	var a, b PreauthHash
	a.Update([]byte("one"))
	a.Update([]byte("two"))
	b.Update([]byte("onetwo"))
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, PreauthHash{}, a)
}
