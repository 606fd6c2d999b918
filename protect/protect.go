// Package protect signs, verifies, encrypts and decrypts SMB2 messages and
// derives the per-session keys needed for that.
package protect

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"hash"

	"github.com/mike76-dev/smbprobe/internal/cmac"
	"github.com/mike76-dev/smbprobe/internal/gmac"
	"github.com/mike76-dev/smbprobe/kdf"
	"github.com/mike76-dev/smbprobe/smb2"
)

var (
	ErrUnsupportedCipher = errors.New("unsupported cipher")
	ErrUnsupportedAlgo   = errors.New("unsupported signing algorithm")
	ErrDecrypt           = errors.New("message authentication failed")
)

const (
	signingKeySize = 16
	nonceSize      = 12
)

var (
	label30Signing    = []byte("SMB2AESCMAC\x00")
	label30Encryption = []byte("SMB2AESCCM\x00")
	ctx30Signing      = []byte("SmbSign\x00")
	ctx30Encryption   = []byte("ServerIn \x00")
	ctx30Decryption   = []byte("ServerOut\x00")

	label311Signing    = []byte("SMBSigningKey\x00")
	label311Encryption = []byte("SMBC2SCipherKey\x00")
	label311Decryption = []byte("SMBS2CCipherKey\x00")
)

// Keys holds the keys derived from a session key. Encryption protects
// client-to-server traffic, Decryption server-to-client.
type Keys struct {
	Signing    []byte
	Encryption []byte
	Decryption []byte
}

// CipherKeySize returns the key length of the cipher, or 0 if unknown.
func CipherKeySize(cipherID uint16) int {
	switch cipherID {
	case smb2.AES_128_GCM, smb2.AES_128_CCM:
		return 16
	case smb2.AES_256_GCM, smb2.AES_256_CCM:
		return 32
	}
	return 0
}

// DeriveKeys derives the session keys for the dialect. preauthHash is only
// used with 3.1.1.
func DeriveKeys(dialect, cipherID uint16, sessionKey, preauthHash []byte) Keys {
	if !smb2.Is3X(dialect) {
		key := make([]byte, signingKeySize)
		copy(key, sessionKey)
		return Keys{Signing: key}
	}

	if dialect < smb2.SMB_DIALECT_311 {
		return Keys{
			Signing:    kdf.Kdf(sessionKey, label30Signing, ctx30Signing, signingKeySize),
			Encryption: kdf.Kdf(sessionKey, label30Encryption, ctx30Encryption, 16),
			Decryption: kdf.Kdf(sessionKey, label30Encryption, ctx30Decryption, 16),
		}
	}

	size := CipherKeySize(cipherID)
	if size == 0 {
		size = 16
	}
	return Keys{
		Signing:    kdf.Kdf(sessionKey, label311Signing, preauthHash, signingKeySize),
		Encryption: kdf.Kdf(sessionKey, label311Encryption, preauthHash, size),
		Decryption: kdf.Kdf(sessionKey, label311Decryption, preauthHash, size),
	}
}

// Signer computes and checks SMB2 message signatures.
type Signer struct {
	algo uint16
	key  []byte
}

// NewSigner returns a Signer for the dialect. algo is the signing algorithm
// negotiated for 3.1.1 and is ignored otherwise.
func NewSigner(dialect, algo uint16, key []byte) (*Signer, error) {
	switch {
	case !smb2.Is3X(dialect):
		algo = smb2.HMAC_SHA256
	case dialect < smb2.SMB_DIALECT_311:
		algo = smb2.AES_CMAC
	case algo != smb2.AES_CMAC && algo != smb2.AES_GMAC:
		return nil, ErrUnsupportedAlgo
	}

	k := make([]byte, len(key))
	copy(k, key)
	return &Signer{algo: algo, key: k}, nil
}

// Algorithm returns the signing algorithm in use.
func (s *Signer) Algorithm() uint16 { return s.algo }

func (s *Signer) mac(msg []byte) ([]byte, error) {
	var h hash.Hash
	var err error
	switch s.algo {
	case smb2.HMAC_SHA256:
		h = hmac.New(sha256.New, s.key)
	case smb2.AES_CMAC:
		h, err = cmac.New(s.key)
	case smb2.AES_GMAC:
		hdr := smb2.Header(msg)
		h, err = gmac.New(s.key, gmac.Nonce(hdr.MessageID(), hdr.IsResponse(), hdr.Command() == smb2.SMB2_CANCEL))
	default:
		err = ErrUnsupportedAlgo
	}
	if err != nil {
		return nil, err
	}

	h.Write(msg)
	return h.Sum(nil)[:16], nil
}

// Sign sets SMB2_FLAGS_SIGNED and writes the signature into msg, which must
// be a single message of a compound.
func (s *Signer) Sign(msg []byte) error {
	hdr := smb2.Header(msg)
	hdr.SetFlag(smb2.FLAGS_SIGNED)
	hdr.WipeSignature()
	sig, err := s.mac(msg)
	if err != nil {
		return err
	}
	hdr.SetSignature(sig)
	return nil
}

// Verify checks the signature of msg, leaving msg unchanged.
func (s *Signer) Verify(msg []byte) bool {
	hdr := smb2.Header(msg)
	sig := make([]byte, 16)
	copy(sig, hdr.Signature())
	hdr.WipeSignature()
	expected, err := s.mac(msg)
	hdr.SetSignature(sig)
	return err == nil && hmac.Equal(sig, expected)
}

// Cipher encrypts outgoing and decrypts incoming frames of one session.
type Cipher struct {
	encrypter cipher.AEAD
	decrypter cipher.AEAD
}

// NewCipher sets up AES-GCM with the given keys. A server passes the keys
// swapped.
func NewCipher(cipherID uint16, encryptionKey, decryptionKey []byte) (*Cipher, error) {
	if cipherID != smb2.AES_128_GCM && cipherID != smb2.AES_256_GCM {
		return nil, ErrUnsupportedCipher
	}

	enc, err := newGCM(encryptionKey)
	if err != nil {
		return nil, err
	}
	dec, err := newGCM(decryptionKey)
	if err != nil {
		return nil, err
	}
	return &Cipher{encrypter: enc, decrypter: dec}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}

// Encrypt wraps msg into an SMB2_TRANSFORM_HEADER frame.
func (c *Cipher) Encrypt(sessionID uint64, msg []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	th := smb2.NewTransformHeader(sessionID, nonce, uint32(len(msg)), 0x0001)
	sealed := c.encrypter.Seal(nil, nonce, msg, th.AssociatedData())
	tagAt := len(sealed) - c.encrypter.Overhead()
	th.SetSignature(sealed[tagAt:])
	return append([]byte(th), sealed[:tagAt]...), nil
}

// Decrypt opens an SMB2_TRANSFORM_HEADER frame.
func (c *Cipher) Decrypt(frame []byte) ([]byte, error) {
	if len(frame) < smb2.SMB2TransformHeaderSize {
		return nil, smb2.ErrWrongLength
	}

	th := smb2.TransformHeader(frame[:smb2.SMB2TransformHeaderSize])
	ciphertext := make([]byte, 0, len(frame)-smb2.SMB2TransformHeaderSize+16)
	ciphertext = append(ciphertext, frame[smb2.SMB2TransformHeaderSize:]...)
	ciphertext = append(ciphertext, th.Signature()...)
	msg, err := c.decrypter.Open(nil, th.Nonce()[:nonceSize], ciphertext, th.AssociatedData())
	if err != nil {
		return nil, ErrDecrypt
	}
	if uint32(len(msg)) != th.OriginalMessageSize() {
		return nil, smb2.ErrWrongLength
	}
	return msg, nil
}

// PreauthHash is the 3.1.1 preauthentication integrity hash (SHA-512).
type PreauthHash [sha512.Size]byte

// Update chains msg into the hash.
func (p *PreauthHash) Update(msg []byte) {
	h := sha512.New()
	h.Write(p[:])
	h.Write(msg)
	h.Sum(p[:0])
}
