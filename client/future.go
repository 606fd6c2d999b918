package client

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/mike76-dev/smbprobe/smb2"
)

// FutureState is the completion state of a Future.
type FutureState int

const (
	FuturePending FutureState = iota
	FutureInterim
	FutureCompleted
	FutureFailed
)

func (s FutureState) String() string {
	switch s {
	case FuturePending:
		return "pending"
	case FutureInterim:
		return "interim"
	case FutureCompleted:
		return "completed"
	case FutureFailed:
		return "failed"
	}
	return "unknown"
}

// Future is the eventual outcome of one submitted request. It is resolved
// exactly once by the receive loop of its connection, or failed when the
// connection goes away.
type Future struct {
	conn      *Connection
	sessionID uint64
	mid       uint64
	cmd       uint16
	charge    int
	extra     int
	allow     []uint32
	onResult  func(smb2.Header, error) (any, error)
	sent      time.Time

	interimCh chan struct{}
	done      chan struct{}

	mu      sync.Mutex
	state   FutureState
	asyncID uint64
	interim smb2.Header
	resp    smb2.Header
	value   any
	err     error
	claimed bool
}

func newFuture(c *Connection, pm *PendingMessage) *Future {
	return &Future{
		conn:      c,
		sessionID: pm.sessionID,
		cmd:       pm.req.Command(),
		allow:     pm.allow,
		onResult:  pm.onResult,
		interimCh: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// MessageID returns the message id the request was sent with.
func (f *Future) MessageID() uint64 { return f.mid }

// Command returns the command of the request.
func (f *Future) Command() uint16 { return f.cmd }

// CreditCharge returns the credits the request was charged.
func (f *Future) CreditCharge() int { return f.charge }

// State returns the current completion state.
func (f *Future) State() FutureState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// AsyncID returns the async id from the interim response, if any.
func (f *Future) AsyncID() (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.asyncID, f.interim != nil
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result waits for the final response. A non-success status is returned as
// *StatusError together with the response. ctx only bounds the wait; use
// Cancel to abort the request on the server.
func (f *Future) Result(ctx context.Context) (smb2.Header, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp, f.err
}

// WaitInterim waits until either an interim response or the final response
// has arrived and returns whichever came first. The final result stays
// available through Result.
func (f *Future) WaitInterim(ctx context.Context) (smb2.Header, error) {
	select {
	case <-f.interimCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.interim != nil {
		return f.interim, nil
	}
	return f.resp, f.err
}

// Cancel asks the server to abort the request. The future still resolves
// with the server's answer, normally STATUS_CANCELLED.
func (f *Future) Cancel() error {
	return f.conn.cancel(f)
}

// Open returns the handle produced by a CREATE request.
func (f *Future) Open(ctx context.Context) (*Open, error) {
	if _, err := f.Result(ctx); err != nil {
		return nil, err
	}
	o, ok := f.value.(*Open)
	if !ok {
		return nil, errors.New("not a create request")
	}
	return o, nil
}

func (f *Future) setInterim(h smb2.Header) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != FuturePending || f.claimed {
		return false
	}
	f.state = FutureInterim
	f.interim = h
	f.asyncID = h.AsyncID()
	close(f.interimCh)
	return true
}

// complete resolves the future with a final response.
func (f *Future) complete(h smb2.Header) {
	if !f.claim() {
		return
	}

	var err error
	if status := h.Status(); !smb2.IsSuccess(status) && !slices.Contains(f.allow, status) {
		se := &StatusError{Command: h.Command(), Status: status}
		var er smb2.ErrorResponse
		if er.Decode(h.Body()) == nil {
			se.Data = er.ErrorData
		}
		err = se
	}

	var value any
	if f.onResult != nil {
		value, err = f.onResult(h, err)
	}
	f.resolve(h, value, err)
}

// fail resolves the future without a response.
func (f *Future) fail(err error) {
	if !f.claim() {
		return
	}
	if f.onResult != nil {
		_, err = f.onResult(nil, err)
	}
	f.resolve(nil, nil, err)
}

// claim makes sure only one caller resolves the future.
func (f *Future) claim() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed {
		return false
	}
	f.claimed = true
	return true
}

func (f *Future) resolve(h smb2.Header, value any, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == FuturePending {
		close(f.interimCh)
	}
	f.resp, f.value, f.err = h, value, err
	if err != nil {
		f.state = FutureFailed
	} else {
		f.state = FutureCompleted
	}
	close(f.done)
}

// waitAll waits for every future in order and returns the responses, or
// the first error.
func waitAll(ctx context.Context, fs []*Future) ([]smb2.Header, error) {
	resps := make([]smb2.Header, len(fs))
	for i, f := range fs {
		h, err := f.Result(ctx)
		if err != nil {
			return resps, err
		}
		resps[i] = h
	}
	return resps, nil
}
