package client

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/mike76-dev/smbprobe/internal/smbtest"
	"github.com/mike76-dev/smbprobe/smb2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigning(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		server   bool
		client   bool
		dialects []uint16
	}{
		{"server requires 3.1.1", true, false, nil},
		{"client requires 3.1.1", false, true, nil},
		{"server requires 3.0", true, false, []uint16{smb2.SMB_DIALECT_30}},
		{"server requires 2.1", true, false, []uint16{smb2.SMB_DIALECT_21}},
		{"client requires 2.0.2", false, true, []uint16{smb2.SMB_DIALECT_202}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			opts := testOptions()
			opts.RequireSigning = tt.server
			srv := newTestServer(t, opts)
			_, tree := connectTree(t, srv, Config{RequireSigning: tt.client, Dialects: tt.dialects})
			assert.True(t, tree.Session().SigningRequired())
			assert.False(t, tree.Session().Encrypted())

			o, err := tree.Open(ctx, "signed.txt", readWriteOptions())
			require.NoError(t, err)
			_, err = o.Write(ctx, 0, []byte("signed"))
			require.NoError(t, err)
			data, err := o.Read(ctx, 0, 16)
			require.NoError(t, err)
			assert.Equal(t, []byte("signed"), data)
		})
	}
}

func TestUnsignedSessionSetupRejected(t *testing.T) {
	t.Parallel()
	opts := testOptions()
	opts.UnsignedSessionSetup = true
	srv := newTestServer(t, opts)
	c := dialTest(t, srv, Config{})

	_, err := c.Establish(context.Background(), &NTLMInitiator{User: testUser, Password: testPassword})
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestEncryptedSession(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ciphers []uint16
		server  bool
		client  bool
	}{
		{"server demands AES-128-GCM", []uint16{smb2.AES_128_GCM}, true, false},
		{"server demands AES-256-GCM", []uint16{smb2.AES_256_GCM}, true, false},
		{"client asks AES-128-GCM", []uint16{smb2.AES_128_GCM}, false, true},
		{"client asks AES-256-GCM", []uint16{smb2.AES_256_GCM}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			opts := testOptions()
			opts.EncryptData = tt.server
			opts.Ciphers = tt.ciphers
			srv := newTestServer(t, opts)
			c, tree := connectTree(t, srv, Config{Encrypt: tt.client, Ciphers: tt.ciphers})
			assert.Equal(t, tt.ciphers[0], c.Info().Cipher)
			assert.True(t, tree.Session().Encrypted())
			assert.True(t, tree.Encrypted())

			o, err := tree.Open(ctx, "secret.txt", readWriteOptions())
			require.NoError(t, err)
			_, err = o.Write(ctx, 0, []byte("ciphertext"))
			require.NoError(t, err)
			data, err := o.Read(ctx, 0, 32)
			require.NoError(t, err)
			assert.Equal(t, []byte("ciphertext"), data)
			require.NoError(t, o.Close(ctx))
		})
	}
}

func TestEncryptedShare(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	opts := testOptions()
	opts.Shares = append(opts.Shares, smbtest.Share{Name: "vault", Encrypt: true})
	srv := newTestServer(t, opts)

	c := dialTest(t, srv, Config{})
	ss := establish(t, c, testUser, testPassword)
	assert.False(t, ss.Encrypted())

	vault, err := ss.TreeConnect(ctx, `\\server\vault`)
	require.NoError(t, err)
	assert.True(t, vault.Encrypted())
	o, err := vault.Open(ctx, "k.txt", readWriteOptions())
	require.NoError(t, err)
	_, err = o.Write(ctx, 0, []byte("key"))
	require.NoError(t, err)

	old := dialTest(t, srv, Config{Dialects: []uint16{smb2.SMB_DIALECT_21}})
	_, err = establish(t, old, testUser, testPassword).TreeConnect(ctx, `\\server\vault`)
	assert.True(t, IsStatus(err, smb2.STATUS_ACCESS_DENIED), "got %v", err)
}

func TestValidateNegotiate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dialects := []uint16{smb2.SMB_DIALECT_21, smb2.SMB_DIALECT_30, smb2.SMB_DIALECT_302}

	srv := newTestServer(t, testOptions())
	_, tree := connectTree(t, srv, Config{Dialects: dialects})
	assert.EqualValues(t, smb2.SMB_DIALECT_302, tree.Session().Dialect())

	opts := testOptions()
	opts.SkewValidateNegotiate = true
	srv = newTestServer(t, opts)
	c := dialTest(t, srv, Config{Dialects: dialects})
	ss := establish(t, c, testUser, testPassword)
	_, err := ss.TreeConnect(ctx, `\\server\data`)
	assert.ErrorIs(t, err, ErrDialectMismatch)
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("connection not dropped after failed validation")
	}

	off := false
	c = dialTest(t, srv, Config{Dialects: dialects, ValidateNegotiate: &off})
	ss = establish(t, c, testUser, testPassword)
	_, err = ss.TreeConnect(ctx, `\\server\data`)
	require.NoError(t, err)
}

func TestMultichannelFailover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	opts := testOptions()
	opts.Multichannel = true
	// Pipe connections have no local IP to announce.
	opts.Interfaces = []smb2.NetworkInterfaceInfo{{
		IfIndex:   2,
		LinkSpeed: 10_000_000_000,
		IP:        net.IPv4(192, 0, 2, 10),
		Port:      445,
	}}
	srv := newTestServer(t, opts)

	c1, tree := connectTree(t, srv, Config{Multichannel: true})
	ss := tree.Session()

	ifs, err := tree.QueryNetworkInterfaces(ctx)
	require.NoError(t, err)
	require.Len(t, ifs, 1)
	assert.Equal(t, uint32(2), ifs[0].IfIndex)
	assert.True(t, ifs[0].IP.Equal(net.IPv4(192, 0, 2, 10)), "got %v", ifs[0].IP)

	c2 := dialTest(t, srv, Config{Multichannel: true, ClientGUID: c1.ClientGUID()})
	ch, err := ss.Bind(ctx, c2, &NTLMInitiator{User: testUser, Password: testPassword})
	require.NoError(t, err)
	assert.Equal(t, ss, ch.Session())
	require.Len(t, ss.Channels(), 2)

	_, err = ss.Bind(ctx, c2, &NTLMInitiator{User: testUser, Password: testPassword})
	assert.Error(t, err)

	o, err := tree.Open(ctx, "multi.txt", readWriteOptions())
	require.NoError(t, err)
	_, err = o.Write(ctx, 0, []byte("before"))
	require.NoError(t, err)

	seq := ss.ChannelSequence()
	require.NoError(t, c1.Close())
	require.Eventually(t, func() bool { return len(ss.Channels()) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, seq+1, ss.ChannelSequence())
	assert.NoError(t, ss.Err())
	assert.Equal(t, Connected, o.Connectivity())

	_, err = o.Write(ctx, 0, []byte("after!"))
	require.NoError(t, err)
	data, ok := srv.File("data", "multi.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("after!"), data)
}

func TestBindRequiresMultichannel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newTestServer(t, testOptions())
	c1, tree := connectTree(t, srv, Config{Multichannel: true})

	c2 := dialTest(t, srv, Config{Multichannel: true, ClientGUID: c1.ClientGUID()})
	_, err := tree.Session().Bind(ctx, c2, &NTLMInitiator{User: testUser, Password: testPassword})
	assert.ErrorIs(t, err, ErrNotMultichannel)

	_, err = tree.QueryNetworkInterfaces(ctx)
	assert.True(t, IsStatus(err, smb2.STATUS_NOT_SUPPORTED), "got %v", err)
}

func TestBindNilSession(t *testing.T) {
	t.Parallel()
	opts := testOptions()
	opts.Multichannel = true
	srv := newTestServer(t, opts)
	c := dialTest(t, srv, Config{Multichannel: true})

	var ss *Session
	ch, err := ss.Bind(context.Background(), c, &NTLMInitiator{User: testUser, Password: testPassword})
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Nil(t, ch)
}

func TestLogoffReleasesSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newTestServer(t, testOptions())
	c, tree := connectTree(t, srv, Config{})
	ss := tree.Session()

	o, err := tree.Open(ctx, "logoff.txt", readWriteOptions())
	require.NoError(t, err)

	require.NoError(t, ss.Logoff(ctx))
	assert.ErrorIs(t, ss.Err(), ErrSessionClosed)
	assert.Equal(t, OpenClosed, o.State())
	assert.Empty(t, ss.Channels())
	assert.Nil(t, c.channel(ss.ID()))

	// A second logoff has nothing left to send.
	assert.ErrorIs(t, ss.Logoff(ctx), ErrSessionClosed)
	assert.NoError(t, c.Err())
}

func TestBindDialectMismatch(t *testing.T) {
	t.Parallel()
	opts := testOptions()
	opts.Multichannel = true
	srv := newTestServer(t, opts)
	c1, tree := connectTree(t, srv, Config{Multichannel: true})

	c2 := dialTest(t, srv, Config{
		Multichannel: true,
		ClientGUID:   c1.ClientGUID(),
		Dialects:     []uint16{smb2.SMB_DIALECT_30},
	})
	_, err := tree.Session().Bind(context.Background(), c2, &NTLMInitiator{User: testUser, Password: testPassword})
	assert.ErrorIs(t, err, ErrDialectMismatch)
}

func TestCompressedWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	opts := testOptions()
	opts.Compression = []uint16{smb2.COMPRESSION_LZ4, smb2.COMPRESSION_PATTERN_V1}
	srv := newTestServer(t, opts)
	c, tree := connectTree(t, srv, Config{Compression: []uint16{smb2.COMPRESSION_LZ4, smb2.COMPRESSION_PATTERN_V1}})
	require.NotEmpty(t, c.Info().Compression)

	o, err := tree.Open(ctx, "zeros.bin", readWriteOptions())
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("compressible "), 4096)
	before := srv.BytesReceived()
	_, err = o.Write(ctx, 0, payload)
	require.NoError(t, err)
	assert.Less(t, srv.BytesReceived()-before, uint64(len(payload)/2))

	data, err := o.Read(ctx, 0, uint32(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDialTCP(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, testOptions())
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, err := Dial(ctx, l.Addr().String(), Config{})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, l.Addr().String(), c.Addr())
	assert.EqualValues(t, smb2.SMB_DIALECT_311, c.Dialect())
	require.NoError(t, c.Echo(ctx))
}
