package client

import (
	"context"
	"testing"

	"github.com/mike76-dev/smbprobe/smb2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelatedCompound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newTestServer(t, testOptions())
	_, tree := connectTree(t, srv, Config{})

	create, err := tree.Create("compound.txt", readWriteOptions())
	require.NoError(t, err)

	b := NewBatch()
	i := b.Adopt(create)
	b.Adopt(tree.NewRelated(&smb2.WriteRequest{Data: []byte("chained")}, i))
	b.Adopt(tree.NewRelated(&smb2.CloseRequest{}, i))

	fs, err := tree.Session().Submit(ctx, b)
	require.NoError(t, err)
	require.Len(t, fs, 3)
	assert.Equal(t, fs, b.Futures())

	o, err := fs[0].Open(ctx)
	require.NoError(t, err)
	for _, f := range fs[1:] {
		_, err := f.Result(ctx)
		require.NoError(t, err)
	}

	id, ok := b.Resolve(Related(i))
	require.True(t, ok)
	assert.Equal(t, o.FileID(), id)
	assert.Equal(t, OpenClosed, o.State())

	data, ok := srv.File("data", "compound.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("chained"), data)

	_, err = tree.Session().Submit(ctx, b)
	assert.ErrorIs(t, err, ErrBatchSubmitted)
}

func TestRelatedCompoundFailureCascades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newTestServer(t, testOptions())
	_, tree := connectTree(t, srv, Config{})

	opts := readWriteOptions()
	opts.CreateDisposition = smb2.FILE_OPEN
	create, err := tree.Create("missing.txt", opts)
	require.NoError(t, err)

	b := NewBatch(create)
	b.Adopt(tree.NewRelated(&smb2.ReadRequest{Length: 16}, 0))

	fs, err := tree.Session().Submit(ctx, b)
	require.NoError(t, err)
	_, err = fs[0].Result(ctx)
	assert.True(t, IsStatus(err, smb2.STATUS_OBJECT_NAME_NOT_FOUND), "got %v", err)
	_, err = fs[1].Result(ctx)
	assert.Error(t, err)

	_, ok := b.Resolve(Related(0))
	assert.False(t, ok)
}

func TestBatchValidation(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, testOptions())
	_, tree := connectTree(t, srv, Config{})
	ss := tree.Session()

	newCreate := func() *PendingMessage {
		pm, err := tree.Create("v.txt", readWriteOptions())
		require.NoError(t, err)
		return pm
	}

	tests := []struct {
		name  string
		batch func() *Batch
		err   error
	}{
		{"empty", func() *Batch { return NewBatch() }, ErrEmptyBatch},
		{"related to itself", func() *Batch {
			b := NewBatch()
			b.Adopt(tree.NewRelated(&smb2.FlushRequest{}, 0))
			return b
		}, ErrBadRelatedIndex},
		{"related to a later message", func() *Batch {
			b := NewBatch()
			b.Adopt(tree.NewRelated(&smb2.FlushRequest{}, 1))
			b.Adopt(newCreate())
			return b
		}, ErrBadRelatedIndex},
		{"related to a non-create", func() *Batch {
			b := NewBatch(tree.NewMessage(smb2.EchoRequest{}))
			b.Adopt(tree.NewRelated(&smb2.FlushRequest{}, 0))
			return b
		}, ErrBadRelatedIndex},
		{"unrelated message in between", func() *Batch {
			b := NewBatch(newCreate(), tree.NewMessage(smb2.EchoRequest{}))
			b.Adopt(tree.NewRelated(&smb2.FlushRequest{}, 0))
			return b
		}, ErrBadRelatedIndex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ss.Submit(context.Background(), tt.batch())
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestInterimResponses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	opts := testOptions()
	opts.Async = map[uint16]bool{smb2.SMB2_FLUSH: true}
	srv := newTestServer(t, opts)
	_, tree := connectTree(t, srv, Config{})

	o, err := tree.Open(ctx, "async.txt", readWriteOptions())
	require.NoError(t, err)

	fs, err := tree.Session().Submit(ctx, NewBatch(o.NewMessage(&smb2.FlushRequest{})))
	require.NoError(t, err)
	f := fs[0]

	h, err := f.WaitInterim(ctx)
	require.NoError(t, err)
	require.NotNil(t, h)

	_, err = f.Result(ctx)
	require.NoError(t, err)
	assert.Equal(t, FutureCompleted, f.State())
	aid, ok := f.AsyncID()
	assert.True(t, ok)
	assert.NotZero(t, aid)
	assert.Zero(t, tree.Session().Channels()[0].Connection().Credits().Outstanding)
}

func TestCancelBlockingLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newTestServer(t, testOptions())
	_, tree := connectTree(t, srv, Config{})

	holder, err := tree.Open(ctx, "locked.bin", readWriteOptions())
	require.NoError(t, err)
	waiter, err := tree.Open(ctx, "locked.bin", readWriteOptions())
	require.NoError(t, err)

	exclusive := smb2.Lock{Offset: 0, Length: 100, Flags: smb2.LOCKFLAG_EXCLUSIVE_LOCK}
	require.NoError(t, holder.Lock(ctx, exclusive))

	immediate := exclusive
	immediate.Flags |= smb2.LOCKFLAG_FAIL_IMMEDIATELY
	err = waiter.Lock(ctx, immediate)
	assert.True(t, IsStatus(err, smb2.STATUS_LOCK_NOT_GRANTED), "got %v", err)

	f, err := waiter.LockAsync(ctx, exclusive)
	require.NoError(t, err)
	_, err = f.WaitInterim(ctx)
	require.NoError(t, err)
	assert.Equal(t, FutureInterim, f.State())

	require.NoError(t, f.Cancel())
	_, err = f.Result(ctx)
	assert.True(t, IsStatus(err, smb2.STATUS_CANCELLED), "got %v", err)

	f, err = waiter.LockAsync(ctx, exclusive)
	require.NoError(t, err)
	_, err = f.WaitInterim(ctx)
	require.NoError(t, err)
	require.NoError(t, holder.Unlock(ctx, 0, 100))
	_, err = f.Result(ctx)
	require.NoError(t, err)
}

func TestChannelSequenceFencing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newTestServer(t, testOptions())
	_, tree := connectTree(t, srv, Config{})
	ss := tree.Session()

	o, err := tree.Open(ctx, "fenced.txt", readWriteOptions())
	require.NoError(t, err)

	pm := o.WriteMessage(0, []byte("late"))
	assert.Equal(t, ss.ChannelSequence(), pm.ChannelSequence())

	seq := ss.AdvanceChannelSequence()
	_, err = ss.Submit(ctx, NewBatch(pm))
	assert.ErrorIs(t, err, ErrStaleChannelSequence)

	_, err = ss.Transceive(ctx, NewBatch(pm.Replay()))
	require.NoError(t, err)
	assert.Equal(t, seq, pm.ChannelSequence())

	data, ok := srv.File("data", "fenced.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("late"), data)

	// The server has seen seq on the open; an older tag that slips past the
	// client is rejected there.
	stale := o.WriteMessage(0, []byte("older"))
	stale.channelSeq = seq - 1
	ss.mu.Lock()
	ss.channelSeq = seq - 1
	ss.mu.Unlock()
	_, err = ss.Transceive(ctx, NewBatch(stale))
	assert.True(t, IsStatus(err, smb2.STATUS_FILE_NOT_AVAILABLE), "got %v", err)
}
