package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mike76-dev/smbprobe/smb2"
	"go.uber.org/zap"
)

// breakAckTimeout bounds how long the break worker waits for an
// acknowledgment to complete.
const breakAckTimeout = 35 * time.Second

// Durability is how an open survives the loss of its connection.
type Durability int

const (
	NotDurable Durability = iota
	Durable
	DurableV2
	Persistent
)

var durabilityNames = map[Durability]string{
	NotDurable: "none",
	Durable:    "durable",
	DurableV2:  "durable-v2",
	Persistent: "persistent",
}

func (d Durability) String() string {
	if s, ok := durabilityNames[d]; ok {
		return s
	}
	return fmt.Sprintf("Durability(%d)", int(d))
}

// MarshalText implements encoding.TextMarshaler.
func (d Durability) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Durability) UnmarshalText(b []byte) error {
	for k, v := range durabilityNames {
		if v == string(b) {
			*d = k
			return nil
		}
	}
	return fmt.Errorf("unknown durability %q", b)
}

// Connectivity tells whether an open is attached to a live connection.
type Connectivity int

const (
	Connected Connectivity = iota
	Disconnected
	Reconnected
)

func (c Connectivity) String() string {
	switch c {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Reconnected:
		return "reconnected"
	}
	return "unknown"
}

// OpenState is the lifecycle state of an open. An open in the requested
// state is represented by the Future of its CREATE.
type OpenState int

const (
	OpenGranted OpenState = iota
	OpenBroken
	OpenClosed
	OpenInvalidated
)

func (s OpenState) String() string {
	switch s {
	case OpenGranted:
		return "granted"
	case OpenBroken:
		return "broken"
	case OpenClosed:
		return "closed"
	case OpenInvalidated:
		return "invalidated"
	}
	return "unknown"
}

// Capability is the caching granted on an open: an oplock level, or a lease
// state when Oplock is OPLOCK_LEVEL_LEASE.
type Capability struct {
	Oplock uint8
	Lease  smb2.LeaseState
}

// IsLease reports whether the capability is a lease.
func (c Capability) IsLease() bool { return c.Oplock == smb2.OPLOCK_LEVEL_LEASE }

func (c Capability) String() string {
	if c.IsLease() {
		return "lease:" + c.Lease.String()
	}
	switch c.Oplock {
	case smb2.OPLOCK_LEVEL_II:
		return "oplock:II"
	case smb2.OPLOCK_LEVEL_EXCLUSIVE:
		return "oplock:exclusive"
	case smb2.OPLOCK_LEVEL_BATCH:
		return "oplock:batch"
	}
	return "none"
}

// BreakFunc decides which capability to acknowledge when the server breaks
// current down to proposed. It must not call into the engine. Returning
// more than proposed acknowledges proposed.
type BreakFunc func(current, proposed Capability) Capability

// LeaseRequest asks for a lease on a CREATE.
type LeaseRequest struct {
	// Key identifies the lease; a random key is used when zero. Opens of
	// the same session sharing a key share the lease.
	Key       [16]byte
	State     smb2.LeaseState
	ParentKey [16]byte
}

// CreateOptions are the parameters of a CREATE.
type CreateOptions struct {
	DesiredAccess      uint32
	ShareAccess        uint32
	CreateDisposition  uint32
	CreateOptions      uint32
	FileAttributes     uint32
	ImpersonationLevel uint32

	// Oplock is the requested oplock level. Ignored when Lease is set.
	Oplock uint8
	Lease  *LeaseRequest

	Durability Durability
	// CreateGUID identifies a DurableV2 or persistent open; random when zero.
	CreateGUID [16]byte
	// DurableTimeout overrides Config.DurableTimeout.
	DurableTimeout time.Duration

	OnBreak  BreakFunc
	Contexts []smb2.CreateContext
}

// DurableHandle is everything needed to reclaim a disconnected open, possibly
// from another process using the same client GUID.
type DurableHandle struct {
	Share          string          `json:"share"`
	Name           string          `json:"name"`
	FileID         smb2.FileID     `json:"fileId"`
	ClientGUID     [16]byte        `json:"clientGuid"`
	CreateGUID     [16]byte        `json:"createGuid"`
	Durability     Durability      `json:"durability"`
	Resilient      bool            `json:"resilient,omitempty"`
	Timeout        time.Duration   `json:"timeout"`
	DesiredAccess  uint32          `json:"desiredAccess"`
	ShareAccess    uint32          `json:"shareAccess"`
	CreateOptions  uint32          `json:"createOptions"`
	Oplock         uint8           `json:"oplock"`
	LeaseKey       [16]byte        `json:"leaseKey"`
	LeaseState     smb2.LeaseState `json:"leaseState"`
	LeaseV2        bool            `json:"leaseV2,omitempty"`
	DisconnectedAt time.Time       `json:"disconnectedAt"`
}

// Expired reports whether the handle has been disconnected longer than its
// timeout. A zero timeout is decided by the server alone.
func (h DurableHandle) Expired() bool {
	return h.Timeout > 0 && !h.DisconnectedAt.IsZero() && time.Since(h.DisconnectedAt) > h.Timeout
}

// Key returns a stable identifier of the handle.
func (h DurableHandle) Key() string {
	return fmt.Sprintf("%x-%s", h.ClientGUID, h.FileID)
}

func (h DurableHandle) String() string {
	b, _ := json.Marshal(h)
	return string(b)
}

// lease is the state shared by all opens of a session with the same key.
type lease struct {
	key [16]byte
	v2  bool

	mu       sync.Mutex
	state    smb2.LeaseState
	epoch    uint16
	breaking bool
	onBreak  BreakFunc
	opens    []*Open
}

func (l *lease) attach(o *Open) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !slices.Contains(l.opens, o) {
		l.opens = append(l.opens, o)
	}
	if o.onBreak != nil {
		l.onBreak = o.onBreak
	}
}

// detach removes o and reports whether the lease has no opens left.
func (l *lease) detach(o *Open) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opens = slices.DeleteFunc(l.opens, func(x *Open) bool { return x == o })
	return len(l.opens) == 0
}

// State returns the lease state.
func (l *lease) State() smb2.LeaseState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// breakTo handles a lease break notification received on c.
func (l *lease) breakTo(c *Connection, ss *Session, lbn smb2.LeaseBreakNotification) {
	l.mu.Lock()
	current := Capability{Oplock: smb2.OPLOCK_LEVEL_LEASE, Lease: l.state}
	cb := l.onBreak
	opens := slices.Clone(l.opens)
	l.mu.Unlock()

	proposed := Capability{Oplock: smb2.OPLOCK_LEVEL_LEASE, Lease: lbn.NewLeaseState}
	ack := proposed
	if lbn.AckRequired() && cb != nil {
		ack = cb(current, proposed)
		ack.Oplock = smb2.OPLOCK_LEVEL_LEASE
		ack.Lease &= lbn.NewLeaseState
	}

	l.mu.Lock()
	l.state = ack.Lease
	if l.v2 {
		l.epoch = lbn.NewEpoch
	}
	l.breaking = lbn.AckRequired()
	l.mu.Unlock()
	for _, o := range opens {
		o.setBroken()
	}

	ss.logger.Debug("lease broken",
		zap.Stringer("from", current.Lease),
		zap.Stringer("proposed", proposed.Lease),
		zap.Stringer("ack", ack.Lease),
	)

	if !lbn.AckRequired() {
		return
	}

	var t *Tree
	if len(opens) > 0 {
		t = opens[0].Tree()
	}
	pm := ss.newMessage(&smb2.LeaseBreakAck{LeaseKey: l.key, LeaseState: ack.Lease}, t)
	err := ackBreak(c, ss, pm)

	l.mu.Lock()
	l.breaking = false
	l.mu.Unlock()
	if err != nil {
		ss.logger.Warn("lease break ack failed", zap.Error(err))
	}
}

// ackBreak sends a break acknowledgment on the connection the break arrived
// on, or on any channel of the session if that one is gone.
func ackBreak(c *Connection, ss *Session, pm *PendingMessage) error {
	ch := c.channel(ss.id)
	if ch == nil {
		var err error
		if ch, err = ss.channel(); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), breakAckTimeout)
	defer cancel()
	_, err := ch.roundTrip(ctx, pm)
	return err
}

// Open is a handle to a file, directory or pipe.
type Open struct {
	name       string
	fileID     smb2.FileID
	createGUID [16]byte
	clientGUID [16]byte
	access     uint32
	share      uint32
	options    uint32
	onBreak    BreakFunc
	logger     *zap.Logger

	mu             sync.Mutex
	tree           *Tree
	state          OpenState
	connectivity   Connectivity
	oplock         uint8
	lease          *lease
	durability     Durability
	resilient      bool
	timeout        time.Duration
	disconnectedAt time.Time

	createAction uint32
	endOfFile    uint64
	attributes   uint32
}

// Name returns the path the open was created with.
func (o *Open) Name() string { return o.name }

// FileID returns the file id.
func (o *Open) FileID() smb2.FileID { return o.fileID }

// CreateGUID returns the create GUID of a DurableV2 or persistent open.
func (o *Open) CreateGUID() [16]byte { return o.createGUID }

// Tree returns the tree the open currently belongs to.
func (o *Open) Tree() *Tree {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tree
}

// State returns the lifecycle state.
func (o *Open) State() OpenState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Connectivity returns whether the open is attached to a connection.
func (o *Open) Connectivity() Connectivity {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connectivity
}

// Durability returns the durability the server granted.
func (o *Open) Durability() Durability {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.durability
}

// Resilient reports whether a resiliency timeout was granted.
func (o *Open) Resilient() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resilient
}

// Timeout returns the durability or resiliency timeout.
func (o *Open) Timeout() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.timeout
}

// CreateAction returns FILE_OPENED, FILE_CREATED and the like.
func (o *Open) CreateAction() uint32 { return o.createAction }

// EndOfFile returns the size reported by CREATE.
func (o *Open) EndOfFile() uint64 { return o.endOfFile }

// FileAttributes returns the attributes reported by CREATE.
func (o *Open) FileAttributes() uint32 { return o.attributes }

// Capability returns a consistent snapshot of the caching held.
func (o *Open) Capability() Capability {
	o.mu.Lock()
	l := o.lease
	oplock := o.oplock
	o.mu.Unlock()
	if l != nil {
		return Capability{Oplock: smb2.OPLOCK_LEVEL_LEASE, Lease: l.State()}
	}
	return Capability{Oplock: oplock}
}

// LeaseKey returns the lease key, if the open holds a lease.
func (o *Open) LeaseKey() ([16]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lease == nil {
		return [16]byte{}, false
	}
	return o.lease.key, true
}

// LeaseEpoch returns the epoch of a V2 lease.
func (o *Open) LeaseEpoch() uint16 {
	o.mu.Lock()
	l := o.lease
	o.mu.Unlock()
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.epoch
}

// Handle returns what is needed to reconnect the open.
func (o *Open) Handle() DurableHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handleLocked()
}

func (o *Open) handleLocked() DurableHandle {
	h := DurableHandle{
		Name:           o.name,
		FileID:         o.fileID,
		ClientGUID:     o.clientGUID,
		CreateGUID:     o.createGUID,
		Durability:     o.durability,
		Resilient:      o.resilient,
		Timeout:        o.timeout,
		DesiredAccess:  o.access,
		ShareAccess:    o.share,
		CreateOptions:  o.options,
		Oplock:         o.oplock,
		DisconnectedAt: o.disconnectedAt,
	}
	if o.tree != nil {
		h.Share = o.tree.path
	}
	if o.lease != nil {
		h.Oplock = smb2.OPLOCK_LEVEL_LEASE
		h.LeaseKey = o.lease.key
		h.LeaseState = o.lease.State()
		h.LeaseV2 = o.lease.v2
	}
	return h
}

// usable returns why requests cannot be sent on the open, if they cannot.
func (o *Open) usable() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.state == OpenClosed:
		return ErrOpenClosed
	case o.state == OpenInvalidated:
		return ErrOpenInvalidated
	case o.connectivity == Disconnected:
		return ErrDisconnected
	}
	return nil
}

func (o *Open) setBroken() {
	o.mu.Lock()
	if o.state == OpenGranted {
		o.state = OpenBroken
	}
	o.mu.Unlock()
}

func (o *Open) markClosed() {
	o.mu.Lock()
	o.state = OpenClosed
	o.mu.Unlock()
}

// closed finishes an open the server has closed.
func (o *Open) closed() {
	o.mu.Lock()
	if o.state == OpenClosed {
		o.mu.Unlock()
		return
	}
	o.state = OpenClosed
	t := o.tree
	h := o.handleLocked()
	o.mu.Unlock()

	if t != nil {
		t.session.removeOpen(o)
		o.forget(t.session.cfg.Journal, h)
	}
}

func (o *Open) forget(j Journal, h DurableHandle) {
	if j == nil || (h.Durability == NotDurable && !h.Resilient) {
		return
	}
	if err := j.Remove(h); err != nil {
		o.logger.Warn("failed to remove durable handle from journal", zap.Error(err))
	}
}

// connectionLost is called when the last channel of the open's session is
// gone. Durable and resilient opens wait to be reconnected; the others are
// invalidated.
func (o *Open) connectionLost() {
	o.mu.Lock()
	if o.state == OpenClosed || o.state == OpenInvalidated {
		o.mu.Unlock()
		return
	}
	if o.durability == NotDurable && !o.resilient {
		o.state = OpenInvalidated
		o.mu.Unlock()
		o.logger.Debug("open invalidated")
		return
	}
	o.connectivity = Disconnected
	o.disconnectedAt = time.Now()
	h := o.handleLocked()
	var j Journal
	if o.tree != nil {
		j = o.tree.session.cfg.Journal
	}
	o.mu.Unlock()

	o.logger.Debug("open disconnected", zap.Stringer("durability", h.Durability), zap.Duration("timeout", h.Timeout))
	if j != nil {
		if err := j.Record(h); err != nil {
			o.logger.Warn("failed to record durable handle", zap.Error(err))
		}
	}
}

// breakOplock handles an oplock break notification received on c.
func (o *Open) breakOplock(c *Connection, level uint8) {
	o.mu.Lock()
	current := Capability{Oplock: o.oplock}
	cb := o.onBreak
	t := o.tree
	o.mu.Unlock()

	proposed := Capability{Oplock: level}
	ack := proposed
	if cb != nil {
		ack = cb(current, proposed)
		if ack.IsLease() || smb2.OplockRank(ack.Oplock) > smb2.OplockRank(level) {
			ack = proposed
		}
	}

	o.mu.Lock()
	o.oplock = ack.Oplock
	if o.state == OpenGranted {
		o.state = OpenBroken
	}
	o.mu.Unlock()

	o.logger.Debug("oplock broken", zap.Stringer("from", current), zap.Stringer("ack", ack))

	// Level II is broken to none without an acknowledgment.
	if current.Oplock == smb2.OPLOCK_LEVEL_II || t == nil {
		return
	}

	pm := t.NewMessage(&smb2.OplockBreak{OplockLevel: ack.Oplock})
	ref := FileRef{open: o, id: o.fileID}
	pm.file = &ref
	if err := ackBreak(c, t.session, pm); err != nil {
		o.logger.Warn("oplock break ack failed", zap.Error(err))
	}
}

// Create builds a CREATE for name. The future of the message resolves to
// the *Open. Persistent handles require a continuously available share on
// a server that supports them.
func (t *Tree) Create(name string, opts CreateOptions) (*PendingMessage, error) {
	if t.isDisconnected() {
		return nil, ErrTreeDisconnected
	}
	ss := t.session
	ch, err := ss.channel()
	if err != nil {
		return nil, err
	}
	info := ch.conn.info

	req := &smb2.CreateRequest{
		RequestedOplockLevel: opts.Oplock,
		ImpersonationLevel:   opts.ImpersonationLevel,
		DesiredAccess:        opts.DesiredAccess,
		FileAttributes:       opts.FileAttributes,
		ShareAccess:          opts.ShareAccess,
		CreateDisposition:    opts.CreateDisposition,
		CreateOptions:        opts.CreateOptions,
		Name:                 name,
		Contexts:             slices.Clone(opts.Contexts),
	}
	if req.ImpersonationLevel == 0 {
		req.ImpersonationLevel = smb2.IMPERSONATION_IMPERSONATION
	}

	var lr *smb2.Lease
	if opts.Lease != nil {
		lr = &smb2.Lease{
			Key:       opts.Lease.Key,
			State:     opts.Lease.State,
			ParentKey: opts.Lease.ParentKey,
			V2:        smb2.Is3X(info.Dialect),
		}
		if lr.Key == [16]byte{} {
			lr.Key = uuid.New()
		}
		if lr.ParentKey != [16]byte{} && lr.V2 {
			lr.Flags |= smb2.LEASE_FLAG_PARENT_LEASE_KEY_SET
		}
		req.RequestedOplockLevel = smb2.OPLOCK_LEVEL_LEASE
		req.Contexts = append(req.Contexts, lr.Context())
	}

	createGUID := opts.CreateGUID
	switch opts.Durability {
	case NotDurable:
	case Durable:
		req.Contexts = append(req.Contexts, smb2.DurableHandleRequestContext())
	case DurableV2, Persistent:
		if !smb2.Is3X(info.Dialect) {
			return nil, fmt.Errorf("%v handles need SMB 3.x: %w", opts.Durability, ErrDialectMismatch)
		}
		dh := smb2.DurableHandleV2{}
		if opts.Durability == Persistent {
			if !t.ContinuouslyAvailable() || info.Capabilities&smb2.GLOBAL_CAP_PERSISTENT_HANDLES == 0 {
				return nil, ErrNotContinuouslyAvailable
			}
			dh.Flags = smb2.DHANDLE_FLAG_PERSISTENT
		}
		if createGUID == [16]byte{} {
			createGUID = uuid.New()
		}
		timeout := opts.DurableTimeout
		if timeout <= 0 {
			timeout = ss.cfg.DurableTimeout
		}
		dh.Timeout = uint32(timeout.Milliseconds())
		dh.CreateGuid = createGUID
		req.Contexts = append(req.Contexts, dh.RequestContext())
	default:
		return nil, fmt.Errorf("unknown durability %v", opts.Durability)
	}

	pm := t.NewMessage(req)
	pm.onResult = func(h smb2.Header, err error) (any, error) {
		if err != nil {
			return nil, err
		}
		o := &Open{
			name:       name,
			createGUID: createGUID,
			clientGUID: ch.conn.cfg.ClientGUID,
			access:     opts.DesiredAccess,
			share:      opts.ShareAccess,
			options:    opts.CreateOptions,
			onBreak:    opts.OnBreak,
			tree:       t,
		}
		if err := o.apply(h, lr, opts.Durability); err != nil {
			return nil, err
		}
		ss.addOpen(o)
		return o, nil
	}
	return pm, nil
}

// Open creates or opens name and waits for the handle.
func (t *Tree) Open(ctx context.Context, name string, opts CreateOptions) (*Open, error) {
	pm, err := t.Create(name, opts)
	if err != nil {
		return nil, err
	}
	fs, err := t.session.Submit(ctx, NewBatch(pm))
	if err != nil {
		return nil, err
	}
	return fs[0].Open(ctx)
}

// apply takes the granted state from a CREATE response.
func (o *Open) apply(h smb2.Header, lr *smb2.Lease, requested Durability) error {
	var resp smb2.CreateResponse
	if err := resp.Decode(h.Body()); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.fileID = resp.FileID
	o.createAction = resp.CreateAction
	o.endOfFile = resp.EndOfFile
	o.attributes = resp.FileAttributes
	o.oplock = resp.OplockLevel
	o.logger = o.tree.logger.With(zap.Stringer("file", o.fileID))

	if resp.OplockLevel == smb2.OPLOCK_LEVEL_LEASE && lr != nil {
		granted := smb2.Lease{Key: lr.Key, V2: lr.V2}
		if data, ok := smb2.FindCreateContext(resp.Contexts, smb2.CREATE_REQUEST_LEASE); ok {
			if err := granted.Decode(data); err != nil {
				return err
			}
		}
		o.lease = &lease{
			key:     granted.Key,
			v2:      granted.V2,
			state:   granted.State,
			epoch:   granted.Epoch,
			onBreak: o.onBreak,
		}
	}

	switch requested {
	case Durable:
		if _, ok := smb2.FindCreateContext(resp.Contexts, smb2.CREATE_DURABLE_HANDLE_REQUEST); ok {
			o.durability = Durable
		}
	case DurableV2, Persistent:
		if data, ok := smb2.FindCreateContext(resp.Contexts, smb2.CREATE_DURABLE_HANDLE_REQUEST_V2); ok {
			var dh smb2.DurableHandleV2
			if err := dh.DecodeResponse(data); err != nil {
				return err
			}
			o.durability = DurableV2
			if dh.Flags&smb2.DHANDLE_FLAG_PERSISTENT != 0 {
				o.durability = Persistent
			}
			o.timeout = time.Duration(dh.Timeout) * time.Millisecond
		}
	}
	return nil
}

// NewMessage builds a request on the open.
func (o *Open) NewMessage(req smb2.FileRequest) *PendingMessage {
	pm := o.Tree().NewMessage(req)
	ref := FileRef{open: o, id: o.fileID}
	pm.file = &ref
	return pm
}

// Close closes the open. Closing twice fails with ErrOpenClosed.
func (o *Open) Close(ctx context.Context) error {
	if err := o.usable(); err != nil {
		return err
	}
	t := o.Tree()
	_, err := t.session.Transceive(ctx, NewBatch(o.NewMessage(&smb2.CloseRequest{})))
	if IsStatus(err, smb2.STATUS_FILE_CLOSED) {
		o.closed()
	}
	return err
}

// closeHook marks the target of a CLOSE as closed once it succeeds.
func closeHook(pm *PendingMessage) func(smb2.Header, error) (any, error) {
	return func(h smb2.Header, err error) (any, error) {
		if err == nil {
			if o := pm.target(); o != nil {
				o.closed()
			}
		}
		return nil, err
	}
}

// ReconnectOpen reclaims a disconnected durable open through t, which must
// belong to a session of the same client. The open keeps its file id and
// its caching, unless it was broken in the meantime.
func (t *Tree) ReconnectOpen(ctx context.Context, o *Open) error {
	o.mu.Lock()
	switch {
	case o.state == OpenClosed:
		o.mu.Unlock()
		return ErrOpenClosed
	case o.state == OpenInvalidated:
		o.mu.Unlock()
		return &ReconnectError{Reason: ErrHandleNotFound, Err: ErrOpenInvalidated}
	case o.connectivity != Disconnected:
		o.mu.Unlock()
		return errors.New("open is not disconnected")
	}
	h := o.handleLocked()
	o.mu.Unlock()

	return t.reconnect(ctx, o, h)
}

// Reconnect reclaims a handle recorded by a journal, possibly written by
// another process.
func (t *Tree) Reconnect(ctx context.Context, h DurableHandle, onBreak BreakFunc) (*Open, error) {
	o := &Open{
		name:           h.Name,
		fileID:         h.FileID,
		createGUID:     h.CreateGUID,
		clientGUID:     h.ClientGUID,
		access:         h.DesiredAccess,
		share:          h.ShareAccess,
		options:        h.CreateOptions,
		onBreak:        onBreak,
		tree:           t,
		connectivity:   Disconnected,
		durability:     h.Durability,
		resilient:      h.Resilient,
		timeout:        h.Timeout,
		disconnectedAt: h.DisconnectedAt,
		oplock:         h.Oplock,
		logger:         t.logger.With(zap.Stringer("file", h.FileID)),
	}
	if h.Oplock == smb2.OPLOCK_LEVEL_LEASE {
		o.lease = &lease{key: h.LeaseKey, v2: h.LeaseV2, state: h.LeaseState, onBreak: onBreak}
	}
	if err := t.reconnect(ctx, o, h); err != nil {
		return nil, err
	}
	return o, nil
}

func (t *Tree) reconnect(ctx context.Context, o *Open, h DurableHandle) (err error) {
	if h.Durability == NotDurable && !h.Resilient {
		return ErrNotDurable
	}

	req := &smb2.CreateRequest{
		RequestedOplockLevel: h.Oplock,
		ImpersonationLevel:   smb2.IMPERSONATION_IMPERSONATION,
		DesiredAccess:        h.DesiredAccess,
		ShareAccess:          h.ShareAccess,
		CreateDisposition:    smb2.FILE_OPEN,
		CreateOptions:        h.CreateOptions,
		Name:                 h.Name,
	}
	switch h.Durability {
	case DurableV2, Persistent:
		dh := smb2.DurableHandleV2{FileID: h.FileID, CreateGuid: h.CreateGUID}
		if h.Durability == Persistent {
			dh.Flags = smb2.DHANDLE_FLAG_PERSISTENT
		}
		req.Contexts = append(req.Contexts, dh.ReconnectContext())
	default:
		req.Contexts = append(req.Contexts, smb2.DurableHandleReconnectContext(h.FileID))
	}
	var lr *smb2.Lease
	if h.Oplock == smb2.OPLOCK_LEVEL_LEASE {
		lr = &smb2.Lease{Key: h.LeaseKey, State: h.LeaseState, V2: h.LeaseV2}
		req.Contexts = append(req.Contexts, lr.Context())
	}

	resps, err := t.session.Transceive(ctx, NewBatch(t.NewMessage(req)))
	defer func() { t.session.metrics.observeReconnect(err) }()
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			// Only the attempt that finds the handle expired reports it so;
			// later ones see a handle that no longer exists.
			err = reconnectError(se, h.Expired() && !t.session.wasExpired(h))
			if errors.Is(err, ErrHandleExpired) {
				o.mu.Lock()
				o.state = OpenInvalidated
				o.mu.Unlock()
				t.session.markExpired(h)
				o.forget(t.session.cfg.Journal, h)
			}
		}
		return err
	}

	o.mu.Lock()
	o.tree = t
	o.mu.Unlock()
	if err := o.apply(resps[0], lr, NotDurable); err != nil {
		return err
	}

	o.mu.Lock()
	o.connectivity = Reconnected
	o.durability = h.Durability
	o.resilient = h.Resilient
	o.timeout = h.Timeout
	o.disconnectedAt = time.Time{}
	if o.lease != nil {
		o.lease.onBreak = o.onBreak
	}
	o.mu.Unlock()

	t.session.addOpen(o)
	o.forget(t.session.cfg.Journal, h)
	o.logger.Debug("open reconnected", zap.Stringer("durability", h.Durability))
	return nil
}

// RequestResiliency asks the server to keep the open for timeout after a
// disconnect.
func (o *Open) RequestResiliency(ctx context.Context, timeout time.Duration) error {
	in := smb2.NetworkResiliencyRequest{Timeout: uint32(timeout.Milliseconds())}
	if err := o.RequestResiliencyRaw(ctx, in.Encode()); err != nil {
		return err
	}
	o.mu.Lock()
	o.resilient = true
	o.timeout = timeout
	o.mu.Unlock()
	return nil
}

// RequestResiliencyRaw sends FSCTL_LMR_REQUEST_RESILIENCY with input as is.
// The open's durability is left unchanged.
func (o *Open) RequestResiliencyRaw(ctx context.Context, input []byte) error {
	_, err := o.Ioctl(ctx, smb2.FSCTL_LMR_REQUEST_RESILIENCY, input, 0)
	return err
}
