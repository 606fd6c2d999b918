package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mike76-dev/smbprobe/client"
	"github.com/mike76-dev/smbprobe/internal/smbtest"
	"github.com/mike76-dev/smbprobe/krb5"
	"github.com/mike76-dev/smbprobe/rpc"
	"github.com/mike76-dev/smbprobe/smb2"
	"github.com/mike76-dev/smbprobe/stores"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// testProbe serves a test server on loopback and returns a probe for it
// with a file journal.
func testProbe(t *testing.T) (*probe, *smbtest.Server) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	srv := smbtest.NewServer(smbtest.Options{
		Logger: logger.Named("server"),
		Users:  map[string]string{"alice": "secret"},
		Shares: []smbtest.Share{{Name: "data", Remark: "probe target"}},
	})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	cfg := stores.DefaultConfig()
	cfg.Server = l.Addr().String()
	cfg.Share = "data"
	cfg.User = "alice"
	cfg.Password = "secret"

	cc, err := clientConfig(cfg, logger)
	require.NoError(t, err)
	cc.ClientGUID = uuid.New()
	j, err := stores.NewFileJournal(filepath.Join(t.TempDir(), "journal.json"))
	require.NoError(t, err)
	cc.Journal = j

	return &probe{cfg: cfg, cc: cc, logger: logger, journal: j}, srv
}

func TestScenarios(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p, srv := testProbe(t)

	require.NoError(t, runScenarios(ctx, p, []string{"end-to-end", "durable-reconnect", "share-enum"}))
	require.Eventually(t, func() bool { return srv.Opens() == 0 }, 5*time.Second, 10*time.Millisecond)

	handles, err := p.journal.List(p.cc.ClientGUID)
	require.NoError(t, err)
	assert.Empty(t, handles)

	err = runScenarios(ctx, p, []string{"no-such-scenario"})
	assert.ErrorContains(t, err, "unknown scenario")
}

func TestShareEnumMissingShare(t *testing.T) {
	ctx := context.Background()
	p, _ := testProbe(t)
	p.cfg.Share = "elsewhere"

	shares, err := listShares(ctx, p)
	require.NoError(t, err)
	assert.Len(t, shares, 2)
	assert.ErrorContains(t, shareEnum(ctx, p), `share "elsewhere" not among the 2 enumerated`)
}

func TestReclaim(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p, srv := testProbe(t)

	c, tree, err := p.connect(ctx, "data")
	require.NoError(t, err)
	opts := fileOptions(smb2.FILE_CREATE)
	opts.Oplock = smb2.OPLOCK_LEVEL_BATCH
	opts.Durability = client.DurableV2
	o, err := tree.Open(ctx, "left-behind.txt", opts)
	require.NoError(t, err)
	require.Equal(t, client.DurableV2, o.Durability())

	srv.DropConnections()
	<-c.Done()
	require.Eventually(t, func() bool {
		handles, err := p.journal.List(p.cc.ClientGUID)
		return err == nil && len(handles) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, client.Disconnected, o.Connectivity())

	require.NoError(t, runScenarios(ctx, p, []string{"reclaim"}))
	handles, err := p.journal.List(p.cc.ClientGUID)
	require.NoError(t, err)
	assert.Empty(t, handles)
	require.Eventually(t, func() bool { return srv.Opens() == 0 }, 5*time.Second, 10*time.Millisecond)
	_, ok := srv.File("data", "left-behind.txt")
	assert.True(t, ok)

	// Nothing left to reclaim.
	require.NoError(t, reclaim(ctx, p))

	p.journal = nil
	assert.ErrorContains(t, reclaim(ctx, p), "no journal configured")
}

func TestClientConfig(t *testing.T) {
	cfg := stores.DefaultConfig()
	cfg.Dialects = []string{"2.1", "3.1.1"}
	cfg.Compression = true
	cfg.SendRate = 50
	cfg.MaxCredits = 64

	cc, err := clientConfig(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []uint16{smb2.SMB_DIALECT_21, smb2.SMB_DIALECT_311}, cc.Dialects)
	assert.Equal(t, []uint16{smb2.COMPRESSION_LZ4, smb2.COMPRESSION_PATTERN_V1}, cc.Compression)
	assert.EqualValues(t, 50, cc.SendRate)
	assert.Equal(t, 64, cc.MaxCreditBalance)

	cfg.Dialects = []string{"1.0"}
	_, err = clientConfig(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestNewInitiator(t *testing.T) {
	cfg := stores.DefaultConfig()
	cfg.Server = "files.example.com:445"
	cfg.User = "alice"

	auth, err := newInitiator(cfg)
	require.NoError(t, err)
	ntlm, ok := auth.(*client.NTLMInitiator)
	require.True(t, ok)
	assert.Equal(t, "cifs/files.example.com", ntlm.TargetSPN)

	cfg.Kerberos = true
	_, err = newInitiator(cfg)
	assert.Error(t, err)

	cfg.Realm = "example.com"
	auth, err = newInitiator(cfg)
	require.NoError(t, err)
	k, ok := auth.(*krb5.Initiator)
	require.True(t, ok)
	assert.Equal(t, "cifs/files.example.com", k.TargetSPN)
	assert.Equal(t, "example.com", k.Realm)
}

func TestParseClientGUID(t *testing.T) {
	id, err := parseClientGUID("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	require.NoError(t, err)
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", uuid.UUID(id).String())

	a, err := parseClientGUID("")
	require.NoError(t, err)
	b, err := parseClientGUID("")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = parseClientGUID("nope")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	defer func() { logLevel = "" }()

	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		cfg := stores.DefaultConfig()
		cfg.LogLevel = level
		logger, err := newLogger(cfg)
		require.NoError(t, err, level)
		require.NotNil(t, logger)
	}

	logLevel = "loud"
	_, err := newLogger(stores.DefaultConfig())
	assert.Error(t, err)
}

func TestShareType(t *testing.T) {
	tests := []struct {
		typ  uint32
		want string
	}{
		{rpc.STYPE_DISKTREE, "disk"},
		{rpc.STYPE_IPC | rpc.STYPE_SPECIAL, "ipc (special)"},
		{rpc.STYPE_PRINTQ, "printer"},
		{0x42, "0x42"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shareType(tt.typ))
	}
}

func TestServerOptions(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0600))
	}
	write("shares.yml", `shares:
  - name: data
    remark: team data
    policies:
      - username: alice
        read: true
        write: true
  - name: ca
    continuouslyAvailable: true
    encrypt: true
`)
	write("accounts.json", `{"accounts":[{"username":"alice","password":"secret"}]}`)
	write("bans.json", `["192.0.2.7"]`)

	opts, bs, err := serverOptions(dir, stores.DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "secret"}, opts.Users)
	require.Len(t, opts.Shares, 2)
	assert.Equal(t, "team data", opts.Shares[0].Remark)
	assert.Contains(t, opts.Shares[0].Access, "alice")
	assert.Nil(t, opts.Shares[1].Access)
	assert.True(t, opts.Shares[1].ContinuouslyAvailable)
	assert.True(t, opts.Shares[1].Encrypt)

	assert.True(t, opts.Banned(&net.TCPAddr{IP: net.ParseIP("192.0.2.7"), Port: 50000}))
	assert.False(t, opts.Banned(&net.TCPAddr{IP: net.ParseIP("192.0.2.8"), Port: 50000}))
	require.NoError(t, bs.Ban("192.0.2.8"))
	assert.True(t, opts.Banned(&net.TCPAddr{IP: net.ParseIP("192.0.2.8"), Port: 50000}))

	_, _, err = serverOptions(t.TempDir(), stores.DefaultConfig(), zaptest.NewLogger(t))
	assert.Error(t, err)
}
