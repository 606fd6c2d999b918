package client

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mike76-dev/smbprobe/internal/smbtest"
	"github.com/mike76-dev/smbprobe/rpc"
	"github.com/mike76-dev/smbprobe/smb2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func durableOptions(d Durability) CreateOptions {
	opts := readWriteOptions()
	opts.Oplock = smb2.OPLOCK_LEVEL_BATCH
	opts.Durability = d
	return opts
}

// dropAndWait drops every server connection and waits until o is
// disconnected on the client side.
func dropAndWait(t *testing.T, srv *smbtest.Server, o *Open) {
	t.Helper()
	srv.DropConnections()
	require.Eventually(t, func() bool { return o.Connectivity() == Disconnected }, waitFor, 10*time.Millisecond)
}

func TestDurableReconnect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newTestServer(t, testOptions())
	j := newMemJournal()
	cfg := Config{Journal: j}
	c1, tree := connectTree(t, srv, cfg)

	o, err := tree.Open(ctx, "durable.txt", durableOptions(DurableV2))
	require.NoError(t, err)
	require.Equal(t, DurableV2, o.Durability())
	assert.Equal(t, 60*time.Second, o.Timeout())
	_, err = o.Write(ctx, 0, []byte("survives"))
	require.NoError(t, err)

	dropAndWait(t, srv, o)
	assert.Equal(t, 1, j.len())
	assert.ErrorIs(t, o.Flush(ctx), ErrDisconnected)
	h := o.Handle()
	assert.False(t, h.DisconnectedAt.IsZero())
	assert.Equal(t, `\\server\data`, h.Share)

	cfg.ClientGUID = c1.ClientGUID()
	_, tree2 := connectTree(t, srv, cfg)
	require.NoError(t, tree2.ReconnectOpen(ctx, o))
	assert.Equal(t, Reconnected, o.Connectivity())
	assert.Equal(t, h.FileID, o.FileID())
	assert.Equal(t, tree2, o.Tree())
	assert.Zero(t, j.len())

	data, err := o.Read(ctx, 0, 64)
	require.NoError(t, err)
	assert.Equal(t, []byte("survives"), data)
	require.NoError(t, o.Close(ctx))
}

func TestDurableReconnectFromJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newTestServer(t, testOptions())
	j := newMemJournal()
	c1, tree := connectTree(t, srv, Config{Journal: j})

	lease := &LeaseRequest{State: smb2.LEASE_RWH}
	opts := readWriteOptions()
	opts.Lease = lease
	opts.Durability = DurableV2
	o, err := tree.Open(ctx, "journal.txt", opts)
	require.NoError(t, err)
	require.True(t, o.Capability().IsLease())

	dropAndWait(t, srv, o)
	hs := j.snapshot()
	require.Len(t, hs, 1)
	h := hs[0]
	require.Equal(t, o.FileID(), h.FileID)
	assert.EqualValues(t, smb2.LEASE_RWH, h.LeaseState)

	_, tree2 := connectTree(t, srv, Config{Journal: j, ClientGUID: c1.ClientGUID()})
	o2, err := tree2.Reconnect(ctx, h, nil)
	require.NoError(t, err)
	assert.Equal(t, Reconnected, o2.Connectivity())
	assert.Equal(t, DurableV2, o2.Durability())
	key, ok := o2.LeaseKey()
	require.True(t, ok)
	assert.Equal(t, h.LeaseKey, key)
	assert.Zero(t, j.len())
}

func TestReconnectFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	setup := func(t *testing.T) (*smbtest.Server, *Connection, *Open) {
		srv := newTestServer(t, testOptions())
		c, tree := connectTree(t, srv, Config{})
		o, err := tree.Open(ctx, "contested.txt", durableOptions(DurableV2))
		require.NoError(t, err)
		require.Equal(t, DurableV2, o.Durability())
		dropAndWait(t, srv, o)
		return srv, c, o
	}

	t.Run("other identity", func(t *testing.T) {
		srv, c, o := setup(t)
		conn := dialTest(t, srv, Config{ClientGUID: c.ClientGUID()})
		ss := establish(t, conn, "bob", "hunter2")
		tree, err := ss.TreeConnect(ctx, `\\server\data`)
		require.NoError(t, err)

		err = tree.ReconnectOpen(ctx, o)
		var re *ReconnectError
		require.ErrorAs(t, err, &re)
		assert.ErrorIs(t, err, ErrIdentityMismatch)
		assert.True(t, IsStatus(err, smb2.STATUS_ACCESS_DENIED))
		assert.Equal(t, Disconnected, o.Connectivity())
	})

	t.Run("other client", func(t *testing.T) {
		srv, _, o := setup(t)
		_, tree := connectTree(t, srv, Config{})
		assert.ErrorIs(t, tree.ReconnectOpen(ctx, o), ErrIdentityMismatch)
	})

	t.Run("expired", func(t *testing.T) {
		srv, c, o := setup(t)
		h := o.Handle()
		h.DisconnectedAt = time.Now().Add(-2 * h.Timeout)
		srv.Advance(2 * h.Timeout)

		_, tree := connectTree(t, srv, Config{ClientGUID: c.ClientGUID()})
		_, err := tree.Reconnect(ctx, h, nil)
		assert.ErrorIs(t, err, ErrHandleExpired)
		assert.ErrorIs(t, err, ErrHandleNotFound)
		assert.Zero(t, srv.Opens())

		// The handle is gone now; a retry is of the not-found class only.
		_, err = tree.Reconnect(ctx, h, nil)
		assert.ErrorIs(t, err, ErrHandleNotFound)
		assert.NotErrorIs(t, err, ErrHandleExpired)
	})

	t.Run("expired open retried", func(t *testing.T) {
		srv, c, o := setup(t)
		o.mu.Lock()
		o.disconnectedAt = time.Now().Add(-2 * o.timeout)
		o.mu.Unlock()
		srv.Advance(2 * o.Timeout())

		_, tree := connectTree(t, srv, Config{ClientGUID: c.ClientGUID()})
		err := tree.ReconnectOpen(ctx, o)
		assert.ErrorIs(t, err, ErrHandleExpired)
		assert.Equal(t, OpenInvalidated, o.State())

		err = tree.ReconnectOpen(ctx, o)
		var re *ReconnectError
		require.ErrorAs(t, err, &re)
		assert.ErrorIs(t, err, ErrHandleNotFound)
		assert.ErrorIs(t, err, ErrOpenInvalidated)
		assert.NotErrorIs(t, err, ErrHandleExpired)
	})

	t.Run("unknown handle", func(t *testing.T) {
		srv, c, o := setup(t)
		h := o.Handle()
		h.FileID = smb2.NewFileID(0xdead, 0xbeef)

		_, tree := connectTree(t, srv, Config{ClientGUID: c.ClientGUID()})
		_, err := tree.Reconnect(ctx, h, nil)
		assert.ErrorIs(t, err, ErrHandleNotFound)
		assert.NotErrorIs(t, err, ErrHandleExpired)
	})

	t.Run("not durable", func(t *testing.T) {
		srv := newTestServer(t, testOptions())
		_, tree := connectTree(t, srv, Config{})
		_, err := tree.Reconnect(ctx, DurableHandle{Name: "x"}, nil)
		assert.ErrorIs(t, err, ErrNotDurable)
	})
}

func TestNonDurableOpenInvalidated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newTestServer(t, testOptions())
	_, tree := connectTree(t, srv, Config{})

	o, err := tree.Open(ctx, "plain.txt", readWriteOptions())
	require.NoError(t, err)
	assert.Equal(t, NotDurable, o.Durability())

	srv.DropConnections()
	require.Eventually(t, func() bool { return o.State() == OpenInvalidated }, waitFor, 10*time.Millisecond)

	_, tree2 := connectTree(t, srv, Config{})
	assert.ErrorIs(t, tree2.ReconnectOpen(ctx, o), ErrOpenInvalidated)
}

func TestPersistentHandles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	opts := testOptions()
	opts.PersistentHandles = true
	opts.Shares = append(opts.Shares, smbtest.Share{Name: "ca", ContinuouslyAvailable: true})
	srv := newTestServer(t, opts)

	_, tree := connectTree(t, srv, Config{})
	_, err := tree.Create("p.txt", durableOptions(Persistent))
	assert.ErrorIs(t, err, ErrNotContinuouslyAvailable)

	ca, err := tree.Session().TreeConnect(ctx, `\\server\ca`)
	require.NoError(t, err)
	require.True(t, ca.ContinuouslyAvailable())

	o, err := ca.Open(ctx, "p.txt", readWriteOptions())
	require.NoError(t, err)
	require.NoError(t, o.Close(ctx))

	popts := readWriteOptions()
	popts.Durability = Persistent
	o, err = ca.Open(ctx, "p.txt", popts)
	require.NoError(t, err)
	assert.Equal(t, Persistent, o.Durability())
	assert.NotEqual(t, [16]byte{}, o.CreateGUID())
}

func TestDurableNeedsDialect(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, testOptions())
	_, tree := connectTree(t, srv, Config{Dialects: []uint16{smb2.SMB_DIALECT_21}})

	_, err := tree.Create("v2.txt", durableOptions(DurableV2))
	assert.ErrorIs(t, err, ErrDialectMismatch)

	o, err := tree.Open(context.Background(), "v1.txt", durableOptions(Durable))
	require.NoError(t, err)
	assert.Equal(t, Durable, o.Durability())
}

func TestResiliency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newTestServer(t, testOptions())
	j := newMemJournal()
	c, tree := connectTree(t, srv, Config{Journal: j})

	o, err := tree.Open(ctx, "resilient.txt", readWriteOptions())
	require.NoError(t, err)
	require.NoError(t, o.RequestResiliency(ctx, 30*time.Second))
	assert.True(t, o.Resilient())
	assert.Equal(t, 30*time.Second, o.Timeout())

	dropAndWait(t, srv, o)
	assert.Equal(t, 1, j.len())
	assert.True(t, o.Handle().Resilient)

	_, tree2 := connectTree(t, srv, Config{Journal: j, ClientGUID: c.ClientGUID()})
	require.NoError(t, tree2.ReconnectOpen(ctx, o))
	assert.Equal(t, Reconnected, o.Connectivity())
}

func TestResiliencyMalformedRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newTestServer(t, testOptions())
	_, tree := connectTree(t, srv, Config{})

	tests := []struct {
		name  string
		opts  CreateOptions
		input []byte
	}{
		{"plain open one byte", readWriteOptions(), []byte{1}},
		{"plain open short by one", readWriteOptions(), make([]byte, smb2.NetworkResiliencyRequestSize-1)},
		{"durable open one byte", durableOptions(DurableV2), []byte{1}},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := tree.Open(ctx, fmt.Sprintf("malformed%d.txt", i), tt.opts)
			require.NoError(t, err)
			defer o.Close(ctx)
			durability, timeout := o.Durability(), o.Timeout()

			err = o.RequestResiliencyRaw(ctx, tt.input)
			assert.True(t, IsStatus(err, smb2.STATUS_BUFFER_TOO_SMALL), "got %v", err)
			assert.Equal(t, durability, o.Durability())
			assert.Equal(t, timeout, o.Timeout())
			assert.False(t, o.Resilient())
		})
	}
}

func TestPersistentHandleBlocksOtherClients(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	opts := testOptions()
	opts.PersistentHandles = true
	opts.Shares = []smbtest.Share{{Name: "ca", ContinuouslyAvailable: true}}
	srv := newTestServer(t, opts)

	c1, s1 := connectShare(t, srv, Config{}, `\\server\ca`)
	popts := readWriteOptions()
	popts.ShareAccess = 0
	popts.Durability = Persistent
	o, err := s1.Open(ctx, "held.txt", popts)
	require.NoError(t, err)
	require.Equal(t, Persistent, o.Durability())

	dropAndWait(t, srv, o)

	_, other := connectShare(t, srv, Config{}, `\\server\ca`)
	_, err = other.Open(ctx, "held.txt", readWriteOptions())
	assert.True(t, IsStatus(err, smb2.STATUS_FILE_NOT_AVAILABLE), "got %v", err)

	_, s2 := connectShare(t, srv, Config{ClientGUID: c1.ClientGUID()}, `\\server\ca`)
	require.NoError(t, s2.ReconnectOpen(ctx, o))
	assert.Equal(t, Persistent, o.Durability())
	require.NoError(t, o.Close(ctx))

	o2, err := other.Open(ctx, "held.txt", readWriteOptions())
	require.NoError(t, err)
	require.NoError(t, o2.Close(ctx))
}

func TestLeaseBreakClamped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newTestServer(t, testOptions())
	_, tree := connectTree(t, srv, Config{})

	type brk struct{ current, proposed Capability }
	seen := make(chan brk, 1)
	opts := readWriteOptions()
	opts.Lease = &LeaseRequest{State: smb2.LEASE_RWH}
	opts.OnBreak = func(current, proposed Capability) Capability {
		seen <- brk{current, proposed}
		return Capability{Oplock: smb2.OPLOCK_LEVEL_LEASE, Lease: smb2.LEASE_RWH}
	}
	o, err := tree.Open(ctx, "leased.txt", opts)
	require.NoError(t, err)
	require.EqualValues(t, smb2.LEASE_RWH, o.Capability().Lease)
	epoch := o.LeaseEpoch()

	_, other := connectTree(t, srv, Config{})
	_, err = other.Open(ctx, "leased.txt", readWriteOptions())
	require.NoError(t, err)

	select {
	case b := <-seen:
		assert.EqualValues(t, smb2.LEASE_RWH, b.current.Lease)
		assert.EqualValues(t, smb2.LEASE_RH, b.proposed.Lease)
	case <-time.After(waitFor):
		t.Fatal("no lease break")
	}
	require.Eventually(t, func() bool {
		return o.Capability().Lease == smb2.LEASE_RH && !o.BreakInProgress()
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, OpenBroken, o.State())
	assert.Greater(t, o.LeaseEpoch(), epoch)
	assert.Equal(t, 1, srv.BreaksSent())
}

func TestSharedLeaseKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newTestServer(t, testOptions())
	_, tree := connectTree(t, srv, Config{})

	key := [16]byte{1, 2, 3}
	opts := readWriteOptions()
	opts.Lease = &LeaseRequest{Key: key, State: smb2.LEASE_RWH}
	a, err := tree.Open(ctx, "shared.txt", opts)
	require.NoError(t, err)
	b, err := tree.Open(ctx, "shared.txt", opts)
	require.NoError(t, err)

	ka, _ := a.LeaseKey()
	kb, _ := b.LeaseKey()
	assert.Equal(t, key, ka)
	assert.Equal(t, ka, kb)
	assert.Equal(t, a.Capability(), b.Capability())
	assert.Zero(t, srv.BreaksSent())
}

func TestOplockBreakClamped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newTestServer(t, testOptions())
	_, tree := connectTree(t, srv, Config{})

	opts := readWriteOptions()
	opts.Oplock = smb2.OPLOCK_LEVEL_BATCH
	opts.OnBreak = func(current, proposed Capability) Capability {
		return Capability{Oplock: smb2.OPLOCK_LEVEL_BATCH}
	}
	o, err := tree.Open(ctx, "oplocked.txt", opts)
	require.NoError(t, err)
	require.EqualValues(t, smb2.OPLOCK_LEVEL_BATCH, o.Capability().Oplock)

	_, other := connectTree(t, srv, Config{})
	_, err = other.Open(ctx, "oplocked.txt", readWriteOptions())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return o.Capability().Oplock == smb2.OPLOCK_LEVEL_II
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, "oplock:II", o.Capability().String())

	// The acknowledgment was accepted, so the open is still usable.
	_, err = o.Write(ctx, 0, []byte("x"))
	require.NoError(t, err)
}

func TestChangeNotify(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newTestServer(t, testOptions())
	_, tree := connectTree(t, srv, Config{})

	dir, err := tree.Open(ctx, "inbox", CreateOptions{
		DesiredAccess:     smb2.FILE_READ_DATA | smb2.SYNCHRONIZE,
		ShareAccess:       smb2.FILE_SHARE_READ | smb2.FILE_SHARE_WRITE,
		CreateDisposition: smb2.FILE_OPEN_IF,
		CreateOptions:     smb2.FILE_DIRECTORY_FILE,
	})
	require.NoError(t, err)

	f, err := dir.ChangeNotify(ctx, smb2.FILE_NOTIFY_CHANGE_FILE_NAME, false, 4096)
	require.NoError(t, err)
	_, err = f.WaitInterim(ctx)
	require.NoError(t, err)

	_, err = tree.Open(ctx, `inbox\letter.txt`, readWriteOptions())
	require.NoError(t, err)

	h, err := f.Result(ctx)
	require.NoError(t, err)
	var resp smb2.QueryInfoResponse
	require.NoError(t, resp.Decode(h.Body()))
	entries, err := smb2.DecodeFileNotifyInformation(resp.Output)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.EqualValues(t, smb2.FILE_ACTION_ADDED, entries[0].Action)
	assert.Equal(t, "letter.txt", entries[0].FileName)

	f, err = dir.ChangeNotify(ctx, smb2.FILE_NOTIFY_CHANGE_FILE_NAME, true, 4096)
	require.NoError(t, err)
	_, err = f.WaitInterim(ctx)
	require.NoError(t, err)
	require.NoError(t, f.Cancel())
	_, err = f.Result(ctx)
	assert.True(t, IsStatus(err, smb2.STATUS_CANCELLED), "got %v", err)
}

func TestCopyChunk(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newTestServer(t, testOptions())
	require.NoError(t, srv.PutFile("data", "src.bin", []byte("0123456789abcdef")))
	_, tree := connectTree(t, srv, Config{})

	src, err := tree.Open(ctx, "src.bin", readWriteOptions())
	require.NoError(t, err)
	key, err := src.ResumeKey(ctx)
	require.NoError(t, err)

	dst, err := tree.Open(ctx, "dst.bin", readWriteOptions())
	require.NoError(t, err)
	resp, err := dst.CopyChunk(ctx, key, []smb2.Chunk{
		{SourceOffset: 10, TargetOffset: 0, Length: 6},
		{SourceOffset: 0, TargetOffset: 6, Length: 10},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, resp.ChunksWritten)
	assert.EqualValues(t, 16, resp.TotalBytesWritten)

	data, ok := srv.File("data", "dst.bin")
	require.True(t, ok)
	assert.Equal(t, []byte("abcdef0123456789"), data)
}

func TestNamedPipeShareEnum(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	opts := testOptions()
	opts.Shares = append(opts.Shares, smbtest.Share{Name: "public", Remark: "Öffentlich"})
	srv := newTestServer(t, opts)
	c := dialTest(t, srv, Config{})
	ss := establish(t, c, testUser, testPassword)

	ipc, err := ss.TreeConnect(ctx, `\\server\IPC$`)
	require.NoError(t, err)
	assert.EqualValues(t, smb2.SHARE_TYPE_PIPE, ipc.ShareType())

	pipe, err := ipc.Open(ctx, rpc.SRVSVCPipe, CreateOptions{
		DesiredAccess:     smb2.FILE_READ_DATA | smb2.FILE_WRITE_DATA,
		ShareAccess:       smb2.FILE_SHARE_READ | smb2.FILE_SHARE_WRITE,
		CreateDisposition: smb2.FILE_OPEN,
	})
	require.NoError(t, err)

	rc, err := rpc.BindSRVSVC(ctx, pipe)
	require.NoError(t, err)
	shares, err := rc.NetShareEnumAll(ctx, "server")
	require.NoError(t, err)
	assert.Equal(t, []rpc.ShareInfo1{
		{Name: "IPC$", Type: rpc.STYPE_IPC | rpc.STYPE_SPECIAL, Comment: "Remote IPC"},
		{Name: "data", Type: rpc.STYPE_DISKTREE, Comment: "test data"},
		{Name: "public", Type: rpc.STYPE_DISKTREE, Comment: "Öffentlich"},
	}, shares)
	require.NoError(t, pipe.Close(ctx))
}
