package ntlm

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exchange(t *testing.T, c *Client, s *Server) error {
	t.Helper()
	nmsg, err := c.Negotiate()
	require.NoError(t, err)
	cmsg, err := s.Challenge(nmsg)
	require.NoError(t, err)
	amsg, err := c.Authenticate(cmsg)
	require.NoError(t, err)
	return s.Authenticate(amsg)
}

func TestClientServerExchange(t *testing.T) {
	s := NewServer("FILESRV", "WORKGROUP")
	s.AddAccount("Alice", "secret")

	c := &Client{User: "alice", Password: "secret", Domain: "WORKGROUP", TargetSPN: "cifs/filesrv"}
	require.NoError(t, exchange(t, c, s))

	assert.Equal(t, "alice", s.Session().User())
	assert.Len(t, c.Session().SessionKey(), 16)
	assert.Equal(t, c.Session().SessionKey(), s.Session().SessionKey())
	assert.Equal(t, "FILESRV", c.Session().InfoMap().NbComputerName)
}

func TestClientServerWrongPassword(t *testing.T) {
	s := NewServer("FILESRV", "")
	s.AddAccount("alice", "secret")

	c := &Client{User: "alice", Password: "guess"}
	assert.Error(t, exchange(t, c, s))
}

func TestClientServerUnknownUser(t *testing.T) {
	s := NewServer("FILESRV", "")
	s.AddAccount("alice", "secret")

	c := &Client{User: "bob", Password: "secret"}
	assert.Error(t, exchange(t, c, s))
}

func TestSessionSum(t *testing.T) {
	s := NewServer("FILESRV", "")
	s.AddAccount("alice", "secret")

	c := &Client{User: "alice", Password: "secret"}
	require.NoError(t, exchange(t, c, s))

	msg := []byte("mechListMIC input")
	sum, _ := c.Session().Sum(msg, 0)
	require.Len(t, sum, 16)

	ok, _ := s.Session().CheckSum(sum, msg, 0)
	assert.True(t, ok)

	ok, _ = s.Session().CheckSum(sum, []byte("tampered"), 0)
	assert.False(t, ok)
}

func TestAuthenticateBeforeNegotiate(t *testing.T) {
	c := &Client{User: "alice"}
	_, err := c.Authenticate(make([]byte, 64))
	assert.Error(t, err)
}

func TestTamperedMIC(t *testing.T) {
	s := NewServer("FILESRV", "")
	s.AddAccount("alice", "secret")

	c := &Client{User: "alice", Password: "secret"}
	nmsg, err := c.Negotiate()
	require.NoError(t, err)
	cmsg, err := s.Challenge(nmsg)
	require.NoError(t, err)
	amsg, err := c.Authenticate(cmsg)
	require.NoError(t, err)

	amsg[micOffset] ^= 0xff
	assert.ErrorIs(t, s.Authenticate(amsg), errLoginFailure)
}

func TestParseAvPairs(t *testing.T) {
	var w avWriter
	w.add(MsvAvNbComputerName, []byte{'A', 0})
	w.add(MsvAvFlags, []byte{2, 0, 0, 0})
	pairs, err := parseAvPairs(w.bytes())
	require.NoError(t, err)
	assert.Equal(t, []byte{'A', 0}, pairs[MsvAvNbComputerName])
	assert.Len(t, pairs, 2)

	_, err = parseAvPairs(w)
	assert.Error(t, err)

	info, err := parseAvPairs(clientTargetInfo(w.bytes(), []byte("spn")))
	require.NoError(t, err)
	assert.Equal(t, []byte("spn"), info[MsvAvTargetName])
	assert.Equal(t, []byte{'A', 0}, info[MsvAvNbComputerName])
}

func TestNTHash(t *testing.T) {
	// MS-NLMP 4.2.4.1.1 test vector for "Password".
	assert.Equal(t, "a4f49c406510bdcab6824ee7c30fd852", hex.EncodeToString(ntHash("Password")))
}
