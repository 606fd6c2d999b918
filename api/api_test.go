package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mike76-dev/smbprobe/client"
	"github.com/mike76-dev/smbprobe/internal/smbtest"
	"github.com/mike76-dev/smbprobe/smb2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memJournal struct {
	mu      sync.Mutex
	handles []client.DurableHandle
}

func (j *memJournal) List(clientGUID [16]byte) ([]client.DurableHandle, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var hs []client.DurableHandle
	for _, h := range j.handles {
		if h.ClientGUID == clientGUID {
			hs = append(hs, h)
		}
	}
	return hs, nil
}

type fixture struct {
	conn   *client.Connection
	sess   *client.Session
	api    *API
	server *httptest.Server
}

func newFixture(t *testing.T, j Journal, password string) *fixture {
	t.Helper()
	ctx := context.Background()
	srv := smbtest.NewServer(smbtest.Options{
		Logger: zaptest.NewLogger(t),
		Users:  map[string]string{"alice": "secret"},
		Shares: []smbtest.Share{{Name: "data"}},
	})
	t.Cleanup(func() { srv.Close() })

	reg := prometheus.NewRegistry()
	c := client.NewConnection(srv.Pipe(), client.Config{
		Logger:  zaptest.NewLogger(t),
		Metrics: client.NewMetrics(reg),
	})
	t.Cleanup(func() { c.Close() })
	_, err := c.Negotiate(ctx)
	require.NoError(t, err)
	ch, err := c.Establish(ctx, &client.NTLMInitiator{User: "alice", Password: "secret"})
	require.NoError(t, err)
	tree, err := ch.Session().TreeConnect(ctx, `\\server\data`)
	require.NoError(t, err)
	_, err = tree.Open(ctx, "api.txt", client.CreateOptions{
		DesiredAccess:     smb2.GENERIC_READ | smb2.GENERIC_WRITE,
		ShareAccess:       smb2.FILE_SHARE_READ,
		CreateDisposition: smb2.FILE_OPEN_IF,
	})
	require.NoError(t, err)

	a := NewAPI(reg, j, zaptest.NewLogger(t))
	a.AddConnection(c)
	a.AddSession(ch.Session())

	var h http.Handler = a
	if password != "" {
		h = BasicAuth(password)(a)
	}
	hs := httptest.NewServer(h)
	t.Cleanup(hs.Close)
	return &fixture{conn: c, sess: ch.Session(), api: a, server: hs}
}

func TestAPI(t *testing.T) {
	ctx := context.Background()
	j := &memJournal{}
	f := newFixture(t, j, "")
	guid := f.conn.ClientGUID()
	j.handles = append(j.handles,
		client.DurableHandle{
			Share:          `\\server\data`,
			Name:           "gone.txt",
			FileID:         smb2.NewFileID(7, 8),
			ClientGUID:     guid,
			Durability:     client.DurableV2,
			Timeout:        time.Minute,
			DisconnectedAt: time.Now().UTC().Truncate(time.Second),
		},
		client.DurableHandle{Name: "other.txt", ClientGUID: uuid.New()},
	)
	c := NewClient(f.server.Listener.Addr().String(), "")

	conns, err := c.Connections(ctx)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "3.1.1", conns[0].Dialect)
	assert.Equal(t, uuid.UUID(guid).String(), conns[0].ClientGUID)
	assert.Positive(t, conns[0].Credits.Balance)
	assert.Empty(t, conns[0].Error)

	st, err := c.Credits(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, f.conn.Credits().Granted, st.Granted)
	_, err = c.Credits(ctx, 3)
	assert.ErrorContains(t, err, "404")

	sessions, err := c.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].Channels)
	assert.Equal(t, 1, sessions[0].Opens)
	assert.Equal(t, "3.1.1", sessions[0].Dialect)

	handles, err := c.Handles(ctx)
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.Equal(t, "api.txt", handles[0].Name)
	assert.Equal(t, sessions[0].ID, handles[0].Session)

	journal, err := c.Journal(ctx, guid)
	require.NoError(t, err)
	require.Len(t, journal, 1)
	assert.Equal(t, j.handles[0].FileID, journal[0].FileID)
	assert.Equal(t, client.DurableV2, journal[0].Durability)
	assert.True(t, j.handles[0].DisconnectedAt.Equal(journal[0].DisconnectedAt))

	journal, err = c.Journal(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, journal)

	resp, err := http.Get(f.server.URL + "/journal/not-a-guid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "smbprobe_credits_balance")
	assert.Contains(t, string(body), "smbprobe_requests_total")
}

func TestAPIWithoutJournal(t *testing.T) {
	f := newFixture(t, nil, "")
	_, err := NewClient(f.server.URL, "").Journal(context.Background(), f.conn.ClientGUID())
	assert.ErrorContains(t, err, "no journal configured")
}

func TestAPIForget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, "")
	c := NewClient(f.server.URL, "")

	require.NoError(t, f.conn.Close())
	require.Eventually(t, func() bool { return f.conn.Err() != nil }, 5*time.Second, 10*time.Millisecond)
	conns, err := c.Connections(ctx)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.NotEmpty(t, conns[0].Error)

	f.api.Forget()
	conns, err = c.Connections(ctx)
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestBasicAuth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, "hunter2")

	_, err := NewClient(f.server.URL, "").Sessions(ctx)
	assert.ErrorContains(t, err, "401")
	_, err = NewClient(f.server.URL, "wrong").Sessions(ctx)
	assert.ErrorContains(t, err, "401")

	sessions, err := NewClient(f.server.URL, "hunter2").Sessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}
