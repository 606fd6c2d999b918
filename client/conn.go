package client

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/mike76-dev/smbprobe/compress"
	"github.com/mike76-dev/smbprobe/protect"
	"github.com/mike76-dev/smbprobe/smb2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errClosedByClient = errors.New("closed by client")

// NegotiateInfo is what the server agreed to in NEGOTIATE.
type NegotiateInfo struct {
	Dialect          uint16
	ServerGUID       [16]byte
	SecurityMode     uint16
	Capabilities     uint32
	MaxTransactSize  uint32
	MaxReadSize      uint32
	MaxWriteSize     uint32
	Cipher           uint16
	SigningAlgorithm uint16
	Compression      []uint16
	SecurityBuffer   []byte
}

// Connection is one transport connection to a server. It owns the credit
// pool and the table of requests in flight; a single receive loop reads
// every frame and resolves the matching futures.
type Connection struct {
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics
	conn    net.Conn
	addr    string

	credits *creditPool
	limiter *rate.Limiter

	// sendSem serializes message id assignment, credit reservation and
	// the write of a frame, so ids reach the wire in order.
	sendSem chan struct{}
	nextMID uint64
	wmu     sync.Mutex

	info        NegotiateInfo
	multiCredit bool
	transform   compress.Transform
	preauth     protect.PreauthHash
	sentCaps    uint32
	sentSecMode uint16

	mu       sync.Mutex
	inflight map[uint64]*Future
	channels map[uint64]*Channel
	err      error
	done     chan struct{}

	breaks *breakQueue
}

// Dial connects to addr and negotiates.
func Dial(ctx context.Context, addr string, cfg Config) (*Connection, error) {
	cfg = cfg.withDefaults()
	d := net.Dialer{Timeout: cfg.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c := NewConnection(nc, cfg)
	if _, err := c.Negotiate(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NewConnection starts the engine on an established transport. Negotiate
// must be called before anything else is sent.
func NewConnection(nc net.Conn, cfg Config) *Connection {
	cfg = cfg.withDefaults()
	addr := "pipe"
	if ra := nc.RemoteAddr(); ra != nil {
		addr = ra.String()
	}

	c := &Connection{
		cfg:      cfg,
		logger:   cfg.Logger.With(zap.String("conn", addr)),
		metrics:  cfg.Metrics,
		conn:     nc,
		addr:     addr,
		credits:  newCreditPool(1, cfg.MaxCreditBalance, cfg.NonBlockingCredits, cfg.AllowCreditOverdraft),
		sendSem:  make(chan struct{}, 1),
		inflight: make(map[uint64]*Future),
		channels: make(map[uint64]*Channel),
		done:     make(chan struct{}),
		breaks:   newBreakQueue(),
	}
	if cfg.SendRate > 0 {
		c.limiter = rate.NewLimiter(cfg.SendRate, cfg.SendBurst)
	}

	go c.receive()
	go c.handleBreaks()

	return c
}

// Addr returns the remote address.
func (c *Connection) Addr() string { return c.addr }

// Info returns the negotiated parameters.
func (c *Connection) Info() NegotiateInfo { return c.info }

// Dialect returns the negotiated dialect.
func (c *Connection) Dialect() uint16 { return c.info.Dialect }

// ClientGUID returns the client GUID sent in NEGOTIATE.
func (c *Connection) ClientGUID() [16]byte { return c.cfg.ClientGUID }

// Credits returns a snapshot of the credit accounting.
func (c *Connection) Credits() CreditStats { return c.credits.stats() }

// InFlight returns the number of requests waiting for a final response.
func (c *Connection) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Done is closed when the connection is gone.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns why the connection is gone, or nil.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the connection down. Pending requests fail with
// ErrDisconnected; durable opens become disconnected.
func (c *Connection) Close() error {
	c.fail(errClosedByClient)
	return nil
}

// Negotiate runs the NEGOTIATE exchange.
func (c *Connection) Negotiate(ctx context.Context) (NegotiateInfo, error) {
	req := &smb2.NegotiateRequest{
		SecurityMode: smb2.NEGOTIATE_SIGNING_ENABLED,
		Capabilities: smb2.GLOBAL_CAP_DFS | smb2.GLOBAL_CAP_LEASING | smb2.GLOBAL_CAP_LARGE_MTU,
		ClientGuid:   c.cfg.ClientGUID,
		Dialects:     c.cfg.Dialects,
	}
	if c.cfg.RequireSigning {
		req.SecurityMode |= smb2.NEGOTIATE_SIGNING_REQUIRED
	}
	if slices.ContainsFunc(c.cfg.Dialects, smb2.Is3X) {
		req.Capabilities |= smb2.GLOBAL_CAP_PERSISTENT_HANDLES | smb2.GLOBAL_CAP_ENCRYPTION | smb2.GLOBAL_CAP_DIRECTORY_LEASING
		if c.cfg.Multichannel {
			req.Capabilities |= smb2.GLOBAL_CAP_MULTI_CHANNEL
		}
	}

	offers311 := slices.Contains(c.cfg.Dialects, smb2.SMB_DIALECT_311)
	if offers311 {
		salt := make([]byte, 32)
		if _, err := rand.Read(salt); err != nil {
			return NegotiateInfo{}, err
		}
		req.Contexts = []smb2.NegotiateContext{
			smb2.PreauthIntegrityContext(salt),
			smb2.EncryptionContext(c.cfg.Ciphers),
			smb2.SigningContext(c.cfg.SigningAlgorithms),
		}
		if len(c.cfg.Compression) > 0 {
			req.Contexts = append(req.Contexts, smb2.CompressionContext(c.cfg.Compression, smb2.COMPRESSION_CAPABILITIES_FLAG_NONE))
		}
	}
	c.sentCaps, c.sentSecMode = req.Capabilities, req.SecurityMode

	var preauth protect.PreauthHash
	pm := NewMessage(req)
	pm.onSent = func(msg []byte) { preauth.Update(msg) }

	hdr, err := c.roundTrip(ctx, nil, pm)
	if err != nil {
		return NegotiateInfo{}, fmt.Errorf("negotiate: %w", err)
	}

	var resp smb2.NegotiateResponse
	if err := resp.Decode(hdr.Body()); err != nil {
		return NegotiateInfo{}, fmt.Errorf("negotiate: %w", err)
	}

	if !slices.Contains(c.cfg.Dialects, resp.DialectRevision) {
		c.fail(ErrDialectMismatch)
		return NegotiateInfo{}, fmt.Errorf("%w: server chose 0x%04x", ErrDialectMismatch, resp.DialectRevision)
	}

	info := NegotiateInfo{
		Dialect:         resp.DialectRevision,
		ServerGUID:      resp.ServerGuid,
		SecurityMode:    resp.SecurityMode,
		Capabilities:    resp.Capabilities,
		MaxTransactSize: resp.MaxTransactSize,
		MaxReadSize:     resp.MaxReadSize,
		MaxWriteSize:    resp.MaxWriteSize,
		SecurityBuffer:  resp.SecurityBuffer,
	}

	if info.Dialect == smb2.SMB_DIALECT_311 {
		preauth.Update(hdr)
		if nc, ok := smb2.FindContext(resp.Contexts, smb2.ENCRYPTION_CAPABILITIES); ok {
			if ids := nc.IDs(); len(ids) > 0 {
				info.Cipher = ids[0]
			}
		}
		info.SigningAlgorithm = smb2.AES_CMAC
		if nc, ok := smb2.FindContext(resp.Contexts, smb2.SIGNING_CAPABILITIES); ok {
			if ids := nc.IDs(); len(ids) > 0 {
				info.SigningAlgorithm = ids[0]
			}
		}
		if nc, ok := smb2.FindContext(resp.Contexts, smb2.COMPRESSION_CAPABILITIES); ok {
			info.Compression = nc.IDs()
			c.transform = compress.Transform{
				Algorithms: info.Compression,
				Chained:    nc.CompressionFlags()&smb2.COMPRESSION_CAPABILITIES_FLAG_CHAINED != 0,
			}
		}
	} else if smb2.Is3X(info.Dialect) && info.Capabilities&smb2.GLOBAL_CAP_ENCRYPTION != 0 {
		info.Cipher = smb2.AES_128_CCM
	}

	c.info = info
	c.preauth = preauth
	c.multiCredit = info.Dialect != smb2.SMB_DIALECT_202 && info.Capabilities&smb2.GLOBAL_CAP_LARGE_MTU != 0

	c.logger.Debug("negotiated",
		zap.String("dialect", fmt.Sprintf("0x%04x", info.Dialect)),
		zap.Uint32("capabilities", info.Capabilities),
		zap.Uint16("cipher", info.Cipher),
	)

	return info, nil
}

// Echo sends an ECHO request.
func (c *Connection) Echo(ctx context.Context) error {
	_, err := c.roundTrip(ctx, nil, NewMessage(smb2.EchoRequest{}))
	return err
}

// Submit sends a batch outside of any session, e.g. ECHO.
func (c *Connection) Submit(ctx context.Context, b *Batch) ([]*Future, error) {
	return c.submit(ctx, nil, b)
}

func (c *Connection) roundTrip(ctx context.Context, ch *Channel, pm *PendingMessage) (smb2.Header, error) {
	fs, err := c.submit(ctx, ch, NewBatch(pm))
	if err != nil {
		return nil, err
	}
	return fs[0].Result(ctx)
}

func (c *Connection) chargeFor(req smb2.Request) int {
	if !c.multiCredit {
		return 1
	}
	return int(CreditCharge(req.PayloadSize()))
}

func (c *Connection) acquire(ctx context.Context) error {
	select {
	case c.sendSem <- struct{}{}:
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) release() { <-c.sendSem }

// submit assigns message ids, reserves credits, encodes, protects and sends
// the batch as one frame. The futures are returned in batch order.
func (c *Connection) submit(ctx context.Context, ch *Channel, b *Batch) ([]*Future, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	for _, pm := range b.msgs {
		if pm.writeClass && pm.session != nil && pm.channelSeq != pm.session.ChannelSequence() {
			return nil, fmt.Errorf("%w: tagged %d, session at %d", ErrStaleChannelSequence, pm.channelSeq, pm.session.ChannelSequence())
		}
		if pm.tree != nil && pm.tree.isDisconnected() {
			return nil, ErrTreeDisconnected
		}
	}

	var ss *Session
	encrypt := false
	if ch != nil {
		ss = ch.session
		encrypt = ss.encryptsAll()
		for _, pm := range b.msgs {
			encrypt = encrypt || pm.encrypt
		}
		if encrypt && ss.cipher == nil {
			return nil, protect.ErrUnsupportedCipher
		}
	}

	charges := make([]int, len(b.msgs))
	total := 0
	for i, pm := range b.msgs {
		charges[i] = c.chargeFor(pm.req)
		total += charges[i]
	}

	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	if err := c.credits.reserve(ctx, total); err != nil {
		return nil, err
	}

	futures := make([]*Future, len(b.msgs))
	msgs := make([][]byte, len(b.msgs))
	for i, pm := range b.msgs {
		f := newFuture(c, pm)
		f.mid = c.nextMID
		f.charge = charges[i]
		creditRequest, extra := c.credits.request(charges[i])
		f.extra = extra
		c.nextMID += uint64(max(1, charges[i]))

		hdr := smb2.NewHeader(pm.req.Command())
		if c.multiCredit {
			hdr.SetCreditCharge(uint16(charges[i]))
		}
		hdr.SetCreditRequest(uint16(creditRequest))
		hdr.SetMessageID(f.mid)
		hdr.SetSessionID(pm.sessionID)
		hdr.SetTreeID(pm.treeID)
		if smb2.Is3X(c.info.Dialect) {
			seq := pm.channelSeq
			if !pm.writeClass && pm.session != nil {
				seq = pm.session.ChannelSequence()
			}
			hdr.SetChannelSequence(seq)
		}
		if pm.replay {
			hdr.SetFlag(smb2.FLAGS_REPLAY_OPERATION)
		}

		if fr, ok := pm.req.(smb2.FileRequest); ok && pm.file != nil {
			if pm.file.related {
				hdr.SetFlag(smb2.FLAGS_RELATED_OPERATIONS)
				fr.SetFileID(smb2.DummyFileID)
			} else {
				fr.SetFileID(pm.file.FileID())
			}
		}

		msgs[i] = append(hdr, pm.req.Encode()...)
		futures[i] = f
		pm.batch = b
	}
	b.futures = futures
	b.submitted = true

	frame := smb2.Chain(msgs)
	parts, err := smb2.Split(frame)
	if err != nil {
		c.credits.refund(total)
		return nil, err
	}
	for i, part := range parts {
		pm := b.msgs[i]
		switch {
		case encrypt:
		case pm.signer != nil:
			if err := pm.signer.Sign(part); err != nil {
				c.credits.refund(total)
				return nil, err
			}
		case ch != nil && ch.signs():
			if err := ch.signer.Sign(part); err != nil {
				c.credits.refund(total)
				return nil, err
			}
		}
		if pm.onSent != nil {
			pm.onSent(part)
		}
	}

	frame = c.transform.Compress(frame)
	if encrypt {
		frame, err = ss.cipher.Encrypt(ss.id, frame)
		if err != nil {
			c.credits.refund(total)
			return nil, err
		}
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	now := time.Now()
	for _, f := range futures {
		f.sent = now
		c.inflight[f.mid] = f
	}
	c.mu.Unlock()
	c.metrics.observeSubmit(c.addr, c.credits.stats())

	c.wmu.Lock()
	err = writeFrame(c.conn, frame)
	c.wmu.Unlock()
	if err != nil {
		c.fail(err)
		return nil, c.Err()
	}

	return futures, nil
}

// cancel sends SMB2 CANCEL for f. It reuses f's message id and is not
// charged, as the server never answers it.
func (c *Connection) cancel(f *Future) error {
	switch f.State() {
	case FutureCompleted, FutureFailed:
		return nil
	}

	hdr := smb2.NewHeader(smb2.SMB2_CANCEL)
	hdr.SetMessageID(f.mid)
	hdr.SetSessionID(f.sessionID)
	if aid, ok := f.AsyncID(); ok {
		hdr.SetFlag(smb2.FLAGS_ASYNC_COMMAND)
		hdr.SetAsyncID(aid)
	}
	msg := append(hdr, smb2.CancelRequest{}.Encode()...)

	ch := c.channel(f.sessionID)
	if ch != nil {
		if ch.session.encryptsAll() && ch.session.cipher != nil {
			frame, err := ch.session.cipher.Encrypt(f.sessionID, msg)
			if err != nil {
				return err
			}
			msg = frame
		} else if ch.signs() {
			if err := ch.signer.Sign(msg); err != nil {
				return err
			}
		}
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.Err(); err != nil {
		return err
	}
	if err := writeFrame(c.conn, msg); err != nil {
		go c.fail(err)
		return err
	}
	return nil
}

func (c *Connection) channel(sessionID uint64) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[sessionID]
}

func (c *Connection) addChannel(ch *Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.channels[ch.session.id] = ch
	return nil
}

func (c *Connection) removeChannel(ch *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[ch.session.id] == ch {
		delete(c.channels, ch.session.id)
	}
}

func (c *Connection) sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	ss := make([]*Session, 0, len(c.channels))
	for _, ch := range c.channels {
		ss = append(ss, ch.session)
	}
	return ss
}

func (c *Connection) receive() {
	for {
		frame, err := readFrame(c.conn)
		if err != nil {
			c.fail(err)
			return
		}
		if err := c.dispatch(frame); err != nil {
			c.logger.Warn("dropping frame", zap.Error(err))
		}
	}
}

// dispatch unwraps a frame and hands each message to its future.
func (c *Connection) dispatch(frame []byte) error {
	if len(frame) < 4 {
		return smb2.ErrWrongLength
	}

	var encryptedBy *Session
	if binary.LittleEndian.Uint32(frame[:4]) == smb2.PROTOCOL_SMB2_ENCRYPTED {
		if len(frame) < smb2.SMB2TransformHeaderSize {
			return smb2.ErrWrongLength
		}
		sid := smb2.TransformHeader(frame).SessionID()
		ch := c.channel(sid)
		if ch == nil || ch.session.cipher == nil {
			return fmt.Errorf("encrypted frame for unknown session 0x%x", sid)
		}
		msg, err := ch.session.cipher.Decrypt(frame)
		if err != nil {
			return err
		}
		frame, encryptedBy = msg, ch.session
	}

	if len(frame) >= 4 && binary.LittleEndian.Uint32(frame[:4]) == smb2.PROTOCOL_SMB2_COMPRESSED {
		msg, err := c.transform.Decompress(frame, maxMessageSize)
		if err != nil {
			return err
		}
		frame = msg
	}

	msgs, err := smb2.Split(frame)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		c.handleMessage(smb2.Header(msg), encryptedBy)
	}
	return nil
}

func (c *Connection) handleMessage(h smb2.Header, encryptedBy *Session) {
	if !h.IsResponse() {
		return
	}

	mid := h.MessageID()
	if mid == smb2.UnsolicitedMessageID {
		if h.Command() == smb2.SMB2_OPLOCK_BREAK {
			c.breaks.push(h)
		}
		return
	}

	c.mu.Lock()
	f := c.inflight[mid]
	c.mu.Unlock()
	granted := int(h.CreditResponse())
	c.metrics.observeGrant(c.addr, granted)
	if f == nil {
		c.credits.settle(granted, 0, 0, false)
		c.logger.Debug("response for unknown request", zap.Uint64("mid", mid), zap.Uint16("cmd", h.Command()))
		return
	}

	if encryptedBy == nil && !h.IsInterim() {
		if ch := c.channel(h.SessionID()); ch != nil && f.cmd != smb2.SMB2_SESSION_SETUP {
			if err := ch.verify(h); err != nil {
				c.logger.Warn("signature check failed",
					zap.Uint64("mid", mid),
					zap.Uint16("cmd", h.Command()),
					zap.String("session", fmt.Sprintf("%016x", h.SessionID())),
				)
				c.finish(f, granted)
				f.fail(err)
				return
			}
		}
	}

	if h.IsInterim() {
		c.credits.settle(granted, 0, 0, false)
		f.setInterim(h)
		return
	}

	c.finish(f, granted)
	c.metrics.observeResponse(c.addr, f, h.Status(), c.credits.stats())
	f.complete(h)
}

// finish removes f from the table and settles its final credits.
func (c *Connection) finish(f *Future, granted int) {
	c.mu.Lock()
	delete(c.inflight, f.mid)
	c.mu.Unlock()
	c.credits.settle(granted, f.charge, f.extra, true)
}

// fail tears the connection down once. Every request in flight fails with
// ErrDisconnected and every channel bound here is lost.
func (c *Connection) fail(cause error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = fmt.Errorf("%w: %v", ErrDisconnected, cause)
	inflight := c.inflight
	c.inflight = make(map[uint64]*Future)
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = make(map[uint64]*Channel)
	close(c.done)
	err := c.err
	c.mu.Unlock()

	c.conn.Close()
	c.credits.close(err)
	c.breaks.close()

	mids := make([]uint64, 0, len(inflight))
	for mid := range inflight {
		mids = append(mids, mid)
	}
	slices.Sort(mids)
	for _, mid := range mids {
		inflight[mid].fail(err)
	}

	for _, ch := range channels {
		ch.session.channelLost(ch)
	}

	if errors.Is(cause, errClosedByClient) {
		c.logger.Debug("connection closed")
	} else {
		c.logger.Info("connection lost", zap.Error(cause), zap.Int("pending", len(mids)))
	}
	c.metrics.observeDisconnect(c.addr)
}

// breakQueue buffers break notifications for the break worker without ever
// blocking the receive loop.
type breakQueue struct {
	mu     sync.Mutex
	items  []smb2.Header
	signal chan struct{}
	closed bool
}

func newBreakQueue() *breakQueue {
	return &breakQueue{signal: make(chan struct{}, 1)}
}

func (q *breakQueue) push(h smb2.Header) {
	q.mu.Lock()
	q.items = append(q.items, h)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *breakQueue) pop() (smb2.Header, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			h := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return h, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}

func (q *breakQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// handleBreaks processes break notifications in arrival order. Callbacks
// run here, off the receive loop, so acknowledgments can wait for credits.
func (c *Connection) handleBreaks() {
	for {
		h, ok := c.breaks.pop()
		if !ok {
			return
		}

		body := h.Body()
		switch smb2.BreakStructureSize(body) {
		case smb2.SMB2OplockBreakStructureSize:
			var ob smb2.OplockBreak
			if err := ob.Decode(body); err != nil {
				c.logger.Warn("malformed oplock break", zap.Error(err))
				continue
			}
			c.oplockBreak(ob)

		case smb2.SMB2LeaseBreakNotificationStructureSize:
			var lbn smb2.LeaseBreakNotification
			if err := lbn.Decode(body); err != nil {
				c.logger.Warn("malformed lease break", zap.Error(err))
				continue
			}
			c.leaseBreak(lbn)

		default:
			c.logger.Warn("unknown break notification", zap.Int("size", len(body)))
		}
	}
}

func (c *Connection) oplockBreak(ob smb2.OplockBreak) {
	for _, ss := range c.sessions() {
		if o := ss.openByID(ob.FileID); o != nil {
			c.metrics.observeBreak("oplock")
			o.breakOplock(c, ob.OplockLevel)
			return
		}
	}
	c.logger.Debug("oplock break for unknown open", zap.Stringer("file", ob.FileID))
}

func (c *Connection) leaseBreak(lbn smb2.LeaseBreakNotification) {
	for _, ss := range c.sessions() {
		if l := ss.lease(lbn.LeaseKey); l != nil {
			c.metrics.observeBreak("lease")
			l.breakTo(c, ss, lbn)
			return
		}
	}
	c.logger.Debug("lease break for unknown key")
}
