package client

import (
	"context"
	"testing"
	"time"

	"github.com/mike76-dev/smbprobe/smb2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditCharge(t *testing.T) {
	tests := []struct {
		payload int
		charge  uint16
	}{
		{0, 1},
		{1, 1},
		{65536, 1},
		{65537, 2},
		{131072, 2},
		{131073, 3},
		{1 << 20, 16},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.charge, CreditCharge(tt.payload), "payload %d", tt.payload)
	}
}

func TestCreditPoolReserveSettle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newCreditPool(1, 8, false, false)

	require.NoError(t, p.reserve(ctx, 1))
	req, extra := p.request(1)
	assert.Equal(t, 8, req)
	assert.Equal(t, 7, extra)
	assert.Equal(t, CreditStats{Balance: 0, Outstanding: 1, Charged: 1}, p.stats())

	p.settle(8, 1, extra, true)
	st := p.stats()
	assert.Equal(t, 8, st.Balance)
	assert.Zero(t, st.Outstanding)
	assert.Equal(t, 1+int(st.Granted)-int(st.Charged), st.Balance)
}

func TestCreditConservation(t *testing.T) {
	t.Parallel()
	const initial = 10
	ctx := context.Background()

	tests := []struct {
		name    string
		charge  int
		interim []int // grants on interim responses
		final   int
		balance int
	}{
		{"interim grants nothing", 2, []int{0}, 2, 10},
		{"interim grants the charge back", 2, []int{2}, 0, 10},
		{"grants split across responses", 3, []int{1, 1}, 3, 12},
		{"final grants nothing", 4, nil, 0, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newCreditPool(initial, initial, false, false)
			require.NoError(t, p.reserve(ctx, tt.charge))

			for _, g := range tt.interim {
				p.settle(g, tt.charge, 0, false)
				st := p.stats()
				assert.Equal(t, tt.charge, st.Outstanding, "interim response released the charge")
				assert.Equal(t, initial+int(st.Granted)-int(st.Charged), st.Balance)
			}

			p.settle(tt.final, tt.charge, 0, true)
			st := p.stats()
			assert.Zero(t, st.Outstanding)
			assert.Equal(t, tt.balance, st.Balance)
			assert.Equal(t, initial+int(st.Granted)-int(st.Charged), st.Balance)
			assert.GreaterOrEqual(t, st.Balance, 0)
		})
	}
}

func TestCreditPoolLimit(t *testing.T) {
	t.Parallel()
	p := newCreditPool(4, 4, false, false)
	assert.ErrorIs(t, p.reserve(context.Background(), 5), ErrCreditLimit)
	assert.Equal(t, 4, p.stats().Balance)
}

func TestCreditPoolNonBlocking(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newCreditPool(2, 2, true, false)

	require.NoError(t, p.reserve(ctx, 2))
	assert.ErrorIs(t, p.reserve(ctx, 1), ErrInsufficientCredit)

	p.refund(2)
	assert.Equal(t, CreditStats{Balance: 2}, p.stats())
}

func TestCreditPoolBlocksUntilGrant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newCreditPool(1, 1, false, false)
	require.NoError(t, p.reserve(ctx, 1))

	done := make(chan error, 1)
	go func() { done <- p.reserve(ctx, 1) }()

	select {
	case err := <-done:
		t.Fatalf("reserve returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	p.settle(1, 1, 0, true)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reserve did not wake up")
	}
}

func TestCreditPoolContextAndClose(t *testing.T) {
	t.Parallel()
	p := newCreditPool(1, 1, false, false)
	require.NoError(t, p.reserve(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.reserve(ctx, 1), context.DeadlineExceeded)

	p.close(ErrDisconnected)
	assert.ErrorIs(t, p.reserve(context.Background(), 1), ErrDisconnected)
}

func TestCreditPoolOverdraft(t *testing.T) {
	t.Parallel()
	p := newCreditPool(1, 1, false, true)
	require.NoError(t, p.reserve(context.Background(), 3))
	assert.Equal(t, -2, p.stats().Balance)
}

func TestCreditsTrackedPerConnection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	opts := testOptions()
	opts.Grant = 4
	srv := newTestServer(t, opts)
	_, tree := connectTree(t, srv, Config{MaxCreditBalance: 64})
	c := tree.Session().Channels()[0].Connection()

	o, err := tree.Open(ctx, "big.bin", readWriteOptions())
	require.NoError(t, err)

	data := make([]byte, 3*65536)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := o.Write(ctx, 0, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	st := c.Credits()
	assert.Zero(t, st.Outstanding)
	assert.Equal(t, 1+int(st.Granted)-int(st.Charged), st.Balance)
	assert.Zero(t, c.InFlight())

	got, err := o.Read(ctx, 65536, 65536)
	require.NoError(t, err)
	assert.Equal(t, data[65536:131072], got)
}

func TestCreditLimitExceeded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	opts := testOptions()
	opts.MaxCredits = 1
	opts.Grant = 1
	srv := newTestServer(t, opts)
	_, tree := connectTree(t, srv, Config{})

	o, err := tree.Open(ctx, "small.bin", readWriteOptions())
	require.NoError(t, err)

	_, err = o.Write(ctx, 0, make([]byte, 2*65536))
	assert.ErrorIs(t, err, ErrCreditLimit)
}

func TestMessageIDsAdvanceByCharge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newTestServer(t, testOptions())
	_, tree := connectTree(t, srv, Config{})

	o, err := tree.Open(ctx, "ids.bin", readWriteOptions())
	require.NoError(t, err)

	big := o.WriteMessage(0, make([]byte, 2*65536+1))
	small := o.NewMessage(&smb2.FlushRequest{})
	fs, err := tree.Session().Submit(ctx, NewBatch(big))
	require.NoError(t, err)
	fs2, err := tree.Session().Submit(ctx, NewBatch(small))
	require.NoError(t, err)

	assert.Equal(t, 3, fs[0].CreditCharge())
	assert.Equal(t, fs[0].MessageID()+3, fs2[0].MessageID())
	_, err = waitAll(ctx, append(fs, fs2...))
	require.NoError(t, err)
}
