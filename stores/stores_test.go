package stores

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mike76-dev/smbprobe/client"
	"github.com/mike76-dev/smbprobe/smb2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestReadConfig(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "smbprobe.yml", `
server: files.example.com:445
share: data
user: alice
password: secret
dialects: ["3.0.2", "3.1.1"]
encrypt: true
durableTimeout: 90s
journal:
  type: file
  path: /var/lib/smbprobe/handles.json
`)
	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "files.example.com:445", cfg.Server)
	assert.Equal(t, "data", cfg.Share)
	assert.True(t, cfg.Encrypt)
	assert.Equal(t, 90*time.Second, cfg.DurableTimeout)
	assert.Equal(t, "info", cfg.LogLevel)

	ds, err := ParseDialects(cfg.Dialects)
	require.NoError(t, err)
	assert.Equal(t, []uint16{smb2.SMB_DIALECT_302, smb2.SMB_DIALECT_311}, ds)
}

func TestReadConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{"unknown field", "server: x:445\nbogus: 1\n"},
		{"bad dialect", "server: x:445\ndialects: [\"1.0\"]\n"},
		{"bad journal", "server: x:445\njournal:\n  type: redis\n"},
		{"journal without path", "server: x:445\njournal:\n  type: file\n"},
		{"empty server", "server: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadConfig(writeFile(t, "smbprobe.yml", tt.content))
			assert.Error(t, err)
		})
	}
}

func testHandle(guid byte, persistent uint64, disconnected time.Time) client.DurableHandle {
	return client.DurableHandle{
		Share:          `\\server\data`,
		Name:           "a.txt",
		FileID:         smb2.NewFileID(persistent, persistent+1),
		ClientGUID:     [16]byte{guid},
		CreateGUID:     [16]byte{guid, byte(persistent)},
		Durability:     client.DurableV2,
		Timeout:        time.Minute,
		DisconnectedAt: disconnected,
	}
}

func TestFileJournal(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal", "handles.json")
	j, err := NewFileJournal(path)
	require.NoError(t, err)

	now := time.Now()
	h1 := testHandle(1, 10, now.Add(-2*time.Second))
	h2 := testHandle(1, 20, now.Add(-time.Second))
	h3 := testHandle(2, 30, now)
	for _, h := range []client.DurableHandle{h2, h3, h1} {
		require.NoError(t, j.Record(h))
	}

	hs, err := j.List([16]byte{1})
	require.NoError(t, err)
	require.Len(t, hs, 2)
	assert.Equal(t, h1.FileID, hs[0].FileID)
	assert.Equal(t, h2.FileID, hs[1].FileID)

	// A second process sees the same handles.
	j2, err := NewFileJournal(path)
	require.NoError(t, err)
	hs, err = j2.List([16]byte{2})
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.Equal(t, h3.CreateGUID, hs[0].CreateGUID)
	assert.Equal(t, client.DurableV2, hs[0].Durability)

	require.NoError(t, j2.Remove(h3))
	require.NoError(t, j2.Remove(h3))
	hs, err = j2.List([16]byte{2})
	require.NoError(t, err)
	assert.Empty(t, hs)
}

func TestFileJournalPrune(t *testing.T) {
	t.Parallel()

	j, err := NewFileJournal(filepath.Join(t.TempDir(), "handles.json"))
	require.NoError(t, err)

	require.NoError(t, j.Record(testHandle(1, 10, time.Now().Add(-time.Hour))))
	require.NoError(t, j.Record(testHandle(1, 20, time.Now())))

	n, err := j.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hs, err := j.List([16]byte{1})
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.Equal(t, uint64(20), hs[0].FileID.Persistent())
}

func TestSharesStore(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "shares.yml", `
shares:
  - name: data
    remark: team data
    continuouslyAvailable: true
    policies:
      - username: alice
        read: true
        write: true
      - username: bob
        read: true
  - name: public
`)
	ss, err := NewSharesStore(path)
	require.NoError(t, err)
	require.Len(t, ss.Shares, 2)

	access := ss.Shares[0].Access()
	assert.Equal(t, uint32(0x001e019f), access["alice"])
	assert.Equal(t, uint32(0x00120089), access["bob"])
	assert.True(t, ss.Shares[0].ContinuouslyAvailable)
	assert.Nil(t, ss.Shares[1].Access())
}

func TestAccountsAndBans(t *testing.T) {
	t.Parallel()

	as, err := NewJSONAccountStore(writeFile(t, "accounts.json", `{"accounts":[{"username":"Alice","password":"secret"}]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "secret"}, as.Users())

	as, err = NewJSONAccountStore(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, as.Users())

	_, err = NewJSONAccountStore(writeFile(t, "dup.json", `{"accounts":[{"username":"alice"},{"username":"ALICE"}]}`))
	assert.ErrorContains(t, err, "duplicate account")
	_, err = NewJSONAccountStore(writeFile(t, "anon.json", `{"accounts":[{"password":"x"}]}`))
	assert.ErrorContains(t, err, "no username")

	path := writeFile(t, "bans.json", `["10.0.0.1"]`)
	bs, err := NewJSONBansStore(path)
	require.NoError(t, err)
	assert.True(t, bs.Banned(&net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 4000}))
	assert.False(t, bs.Banned(&net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 4000}))

	require.NoError(t, bs.Ban("10.0.0.2"))
	bs, err = NewJSONBansStore(path)
	require.NoError(t, err)
	assert.True(t, bs.Banned(&net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 4000}))
}
