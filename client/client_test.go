package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mike76-dev/smbprobe/internal/smbtest"
	"github.com/mike76-dev/smbprobe/smb2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testUser     = "alice"
	testPassword = "secret"
)

func testOptions() smbtest.Options {
	return smbtest.Options{
		Users: map[string]string{
			testUser: testPassword,
			"bob":    "hunter2",
		},
		Shares: []smbtest.Share{{Name: "data", Remark: "test data"}},
	}
}

func newTestServer(t *testing.T, opts smbtest.Options) *smbtest.Server {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	srv := smbtest.NewServer(opts)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func dialTest(t *testing.T, srv *smbtest.Server, cfg Config) *Connection {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	c := NewConnection(srv.Pipe(), cfg)
	t.Cleanup(func() { c.Close() })
	_, err := c.Negotiate(context.Background())
	require.NoError(t, err)
	return c
}

func establish(t *testing.T, c *Connection, user, password string) *Session {
	t.Helper()
	ch, err := c.Establish(context.Background(), &NTLMInitiator{User: user, Password: password})
	require.NoError(t, err)
	return ch.Session()
}

// connectTree dials srv, logs on as the test user and connects the data
// share.
func connectTree(t *testing.T, srv *smbtest.Server, cfg Config) (*Connection, *Tree) {
	t.Helper()
	return connectShare(t, srv, cfg, `\\server\data`)
}

func connectShare(t *testing.T, srv *smbtest.Server, cfg Config, path string) (*Connection, *Tree) {
	t.Helper()
	c := dialTest(t, srv, cfg)
	ss := establish(t, c, testUser, testPassword)
	tree, err := ss.TreeConnect(context.Background(), path)
	require.NoError(t, err)
	return c, tree
}

func readWriteOptions() CreateOptions {
	return CreateOptions{
		DesiredAccess:     smb2.GENERIC_READ | smb2.GENERIC_WRITE,
		ShareAccess:       smb2.FILE_SHARE_READ | smb2.FILE_SHARE_WRITE | smb2.FILE_SHARE_DELETE,
		CreateDisposition: smb2.FILE_OPEN_IF,
		CreateOptions:     smb2.FILE_NON_DIRECTORY_FILE,
	}
}

// memJournal keeps durable handles in memory.
type memJournal struct {
	mu      sync.Mutex
	handles map[string]DurableHandle
}

func newMemJournal() *memJournal {
	return &memJournal{handles: make(map[string]DurableHandle)}
}

func (j *memJournal) Record(h DurableHandle) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.handles[h.Key()] = h
	return nil
}

func (j *memJournal) Remove(h DurableHandle) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.handles, h.Key())
	return nil
}

func (j *memJournal) len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.handles)
}

// snapshot returns the recorded handles.
func (j *memJournal) snapshot() []DurableHandle {
	j.mu.Lock()
	defer j.mu.Unlock()
	hs := make([]DurableHandle, 0, len(j.handles))
	for _, h := range j.handles {
		hs = append(hs, h)
	}
	return hs
}

func TestNegotiateDialects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		client   []uint16
		server   []uint16
		expected uint16
	}{
		{"highest common", nil, nil, smb2.SMB_DIALECT_311},
		{"server caps at 2.1", nil, []uint16{smb2.SMB_DIALECT_202, smb2.SMB_DIALECT_21}, smb2.SMB_DIALECT_21},
		{"client offers 3.0.2", []uint16{smb2.SMB_DIALECT_302}, nil, smb2.SMB_DIALECT_302},
		{"client offers 2.0.2", []uint16{smb2.SMB_DIALECT_202}, nil, smb2.SMB_DIALECT_202},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			opts := testOptions()
			opts.Dialects = tt.server
			srv := newTestServer(t, opts)
			c := dialTest(t, srv, Config{Dialects: tt.client})
			assert.Equal(t, tt.expected, c.Dialect())
		})
	}
}

func TestNegotiate311Contexts(t *testing.T) {
	t.Parallel()
	opts := testOptions()
	opts.Ciphers = []uint16{smb2.AES_256_GCM}
	opts.Compression = []uint16{smb2.COMPRESSION_LZ4}
	srv := newTestServer(t, opts)

	c := dialTest(t, srv, Config{Compression: []uint16{smb2.COMPRESSION_LZ4}})
	info := c.Info()
	assert.EqualValues(t, smb2.SMB_DIALECT_311, info.Dialect)
	assert.EqualValues(t, smb2.AES_256_GCM, info.Cipher)
	assert.Equal(t, []uint16{smb2.COMPRESSION_LZ4}, info.Compression)
}

func TestEcho(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, testOptions())
	c := dialTest(t, srv, Config{})

	require.NoError(t, c.Echo(context.Background()))
	st := c.Credits()
	assert.Zero(t, st.Outstanding)
	assert.Positive(t, st.Balance)
	assert.EqualValues(t, 1+int(st.Granted)-int(st.Charged), st.Balance)
}

func TestLogonFailure(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, testOptions())
	c := dialTest(t, srv, Config{})

	_, err := c.Establish(context.Background(), &NTLMInitiator{User: testUser, Password: "wrong"})
	assert.True(t, IsStatus(err, smb2.STATUS_LOGON_FAILURE), "got %v", err)
}

func TestGuestSession(t *testing.T) {
	t.Parallel()
	opts := testOptions()
	opts.AllowGuest = true
	srv := newTestServer(t, opts)
	c := dialTest(t, srv, Config{})

	ss := establish(t, c, "nobody", "")
	assert.True(t, ss.IsGuest())
	assert.False(t, ss.Encrypted())
}

func TestEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newTestServer(t, testOptions())
	c, tree := connectTree(t, srv, Config{})

	assert.EqualValues(t, smb2.SHARE_TYPE_DISK, tree.ShareType())

	o, err := tree.Open(ctx, "hello.txt", readWriteOptions())
	require.NoError(t, err)
	assert.Equal(t, OpenGranted, o.State())
	assert.EqualValues(t, smb2.FILE_CREATED, o.CreateAction())

	payload := []byte("hello, world")
	n, err := o.Write(ctx, 0, payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	data, err := o.Read(ctx, 0, 64)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	data, err = o.Read(ctx, 1000, 64)
	require.NoError(t, err)
	assert.Empty(t, data)

	fsi, err := o.StandardInfo(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), fsi.EndOfFile)

	require.NoError(t, o.Truncate(ctx, 5))
	require.NoError(t, o.Flush(ctx))
	require.NoError(t, o.Close(ctx))
	assert.Equal(t, OpenClosed, o.State())
	assert.ErrorIs(t, o.Close(ctx), ErrOpenClosed)

	stored, ok := srv.File("data", "hello.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), stored)

	require.NoError(t, tree.Disconnect(ctx))
	_, err = tree.Open(ctx, "hello.txt", readWriteOptions())
	assert.ErrorIs(t, err, ErrTreeDisconnected)

	require.NoError(t, tree.Session().Logoff(ctx))
	assert.ErrorIs(t, tree.Session().Err(), ErrSessionClosed)
	require.NoError(t, c.Close())
	<-c.Done()
}

func TestDisconnectFailsPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newTestServer(t, testOptions())
	c, tree := connectTree(t, srv, Config{})

	dir, err := tree.Open(ctx, "watched", CreateOptions{
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

	srv.DropConnections()
	_, err = f.Result(ctx)
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, FutureFailed, f.State())

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not shut down")
	}
	assert.ErrorIs(t, c.Echo(ctx), ErrDisconnected)
	require.Eventually(t, func() bool { return dir.State() == OpenInvalidated }, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, tree.Session().Err(), ErrDisconnected)
}

func TestMetricsObserved(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newTestServer(t, testOptions())

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c := dialTest(t, srv, Config{Metrics: m, ClientGUID: uuid.New()})
	require.NoError(t, c.Echo(ctx))

	assert.EqualValues(t, c.Credits().Balance, testutil.ToFloat64(m.Credits.WithLabelValues(c.Addr())))
	assert.EqualValues(t, 1, testutil.ToFloat64(m.Requests.WithLabelValues("echo", smb2.StatusName(smb2.STATUS_OK))))

	c.Close()
	assert.EqualValues(t, 1, testutil.ToFloat64(m.Disconnect.WithLabelValues(c.Addr())))
}
