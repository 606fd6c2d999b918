package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/mike76-dev/smbprobe/protect"
	"github.com/mike76-dev/smbprobe/smb2"
	"go.uber.org/zap"
)

// Session is an authenticated identity. It is reachable through one
// channel per connection it is bound to and owns the trees, opens and
// leases created under it.
type Session struct {
	id      uint64
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics
	dialect uint16
	flags   uint16

	signingRequired bool
	encrypt         bool
	cipher          *protect.Cipher

	mu         sync.Mutex
	channels   []*Channel
	trees      map[uint32]*Tree
	opens      map[smb2.FileID]*Open
	leases     map[[16]byte]*lease
	channelSeq uint16
	err        error

	// Durable handles a reconnect found expired, by DurableHandle.Key.
	expired map[string]struct{}
}

func (s *Session) markExpired(h DurableHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired == nil {
		s.expired = make(map[string]struct{})
	}
	s.expired[h.Key()] = struct{}{}
}

func (s *Session) wasExpired(h DurableHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.expired[h.Key()]
	return ok
}

// Channel is the binding of a session to one connection.
type Channel struct {
	session *Session
	conn    *Connection
	signer  *protect.Signer
}

// ID returns the session id.
func (s *Session) ID() uint64 { return s.id }

// Dialect returns the dialect of the connection the session was
// established on.
func (s *Session) Dialect() uint16 { return s.dialect }

// IsGuest reports whether the server authenticated the session as guest.
func (s *Session) IsGuest() bool { return s.flags&smb2.SESSION_FLAG_IS_GUEST != 0 }

// Encrypted reports whether all traffic of the session is encrypted.
func (s *Session) Encrypted() bool { return s.encryptsAll() }

func (s *Session) encryptsAll() bool { return s.encrypt }

// SigningRequired reports whether messages of the session are signed.
func (s *Session) SigningRequired() bool { return s.signingRequired }

// Channels returns the channels the session is bound to.
func (s *Session) Channels() []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.channels)
}

// Err returns why the session is gone, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ChannelSequence returns the current channel sequence. Write-class
// requests are tagged with it when built.
func (s *Session) ChannelSequence() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelSeq
}

// AdvanceChannelSequence bumps the channel sequence, so that write-class
// requests built before are rejected as stale. It is called automatically
// when a channel fails while others survive.
func (s *Session) AdvanceChannelSequence() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelSeq++
	return s.channelSeq
}

// channel returns the channel requests are sent through by default.
func (s *Session) channel() (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if len(s.channels) == 0 {
		return nil, ErrNoSession
	}
	return s.channels[0], nil
}

// Submit sends a batch through the session's first channel.
func (s *Session) Submit(ctx context.Context, b *Batch) ([]*Future, error) {
	ch, err := s.channel()
	if err != nil {
		return nil, err
	}
	return ch.Submit(ctx, b)
}

// Transceive sends a batch through the session's first channel and waits
// for all responses.
func (s *Session) Transceive(ctx context.Context, b *Batch) ([]smb2.Header, error) {
	ch, err := s.channel()
	if err != nil {
		return nil, err
	}
	return ch.Transceive(ctx, b)
}

// TreeConnect connects a share through the session's first channel.
func (s *Session) TreeConnect(ctx context.Context, path string) (*Tree, error) {
	ch, err := s.channel()
	if err != nil {
		return nil, err
	}
	return ch.TreeConnect(ctx, path)
}

// Session returns the session of the channel.
func (ch *Channel) Session() *Session { return ch.session }

// Connection returns the connection of the channel.
func (ch *Channel) Connection() *Connection { return ch.conn }

// Submit sends a batch through this channel and returns one future per
// message, in batch order.
func (ch *Channel) Submit(ctx context.Context, b *Batch) ([]*Future, error) {
	if err := ch.session.Err(); err != nil {
		return nil, err
	}
	return ch.conn.submit(ctx, ch, b)
}

// Transceive submits the batch and waits for every response in order. The
// first failure is returned.
func (ch *Channel) Transceive(ctx context.Context, b *Batch) ([]smb2.Header, error) {
	fs, err := ch.Submit(ctx, b)
	if err != nil {
		return nil, err
	}
	return waitAll(ctx, fs)
}

func (ch *Channel) roundTrip(ctx context.Context, pm *PendingMessage) (smb2.Header, error) {
	resps, err := ch.Transceive(ctx, NewBatch(pm))
	if err != nil {
		return nil, err
	}
	return resps[0], nil
}

func (ch *Channel) signs() bool {
	return ch.signer != nil && ch.session.signingRequired && !ch.session.encrypt
}

// verify checks the signature of a response that was not encrypted.
func (ch *Channel) verify(h smb2.Header) error {
	if ch.signer == nil {
		return nil
	}
	if h.IsFlagSet(smb2.FLAGS_SIGNED) {
		if !ch.signer.Verify(h) {
			return ErrBadSignature
		}
		return nil
	}
	if ch.signs() && smb2.IsSuccess(h.Status()) {
		return ErrBadSignature
	}
	return nil
}

// Establish authenticates a new session on the connection and returns its
// first channel.
func (c *Connection) Establish(ctx context.Context, auth Initiator) (*Channel, error) {
	return c.sessionSetup(ctx, auth, nil)
}

// Bind authenticates c as an additional channel of s. Both connections
// must have negotiated multichannel with the same dialect.
func (s *Session) Bind(ctx context.Context, c *Connection, auth Initiator) (*Channel, error) {
	if s == nil {
		return nil, ErrNoSession
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	primary, err := s.channel()
	if err != nil {
		return nil, err
	}

	for _, conn := range []*Connection{primary.conn, c} {
		if !smb2.Is3X(conn.info.Dialect) || conn.info.Capabilities&smb2.GLOBAL_CAP_MULTI_CHANNEL == 0 {
			return nil, ErrNotMultichannel
		}
	}
	if primary.conn.info.Dialect != c.info.Dialect {
		return nil, fmt.Errorf("%w: session uses 0x%04x, connection 0x%04x", ErrDialectMismatch, primary.conn.info.Dialect, c.info.Dialect)
	}
	if c.channel(s.id) != nil {
		return nil, errors.New("session is already bound to this connection")
	}

	return c.sessionSetup(ctx, auth, s)
}

// sessionSetup runs the SESSION_SETUP exchange. With binding set, the
// connection is bound to that session instead of creating a new one.
func (c *Connection) sessionSetup(ctx context.Context, auth Initiator, binding *Session) (*Channel, error) {
	sp := newSpnegoClient(auth)
	token, err := sp.initSecContext()
	if err != nil {
		return nil, err
	}

	preauth := c.preauth
	is311 := c.info.Dialect == smb2.SMB_DIALECT_311

	var sid uint64
	var bindSigner *protect.Signer
	if binding != nil {
		sid = binding.id
		primary, err := binding.channel()
		if err != nil {
			return nil, err
		}
		bindSigner = primary.signer
	}

	var resp smb2.SessionSetupResponse
	var final smb2.Header
	for {
		req := &smb2.SessionSetupRequest{
			SecurityMode:   smb2.NEGOTIATE_SIGNING_ENABLED,
			SecurityBuffer: token,
		}
		if c.cfg.RequireSigning {
			req.SecurityMode |= smb2.NEGOTIATE_SIGNING_REQUIRED
		}
		if binding != nil {
			req.Flags = smb2.SESSION_FLAG_BINDING
		}

		pm := NewMessage(req).Allow(smb2.STATUS_MORE_PROCESSING_REQUIRED)
		pm.sessionID = sid
		pm.signer = bindSigner
		if is311 {
			pm.onSent = func(msg []byte) { preauth.Update(msg) }
		}

		h, err := c.roundTrip(ctx, nil, pm)
		if err != nil {
			return nil, fmt.Errorf("session setup: %w", err)
		}
		if err := resp.Decode(h.Body()); err != nil {
			return nil, fmt.Errorf("session setup: %w", err)
		}
		sid = h.SessionID()

		if h.Status() != smb2.STATUS_MORE_PROCESSING_REQUIRED {
			final = h
			break
		}

		if is311 {
			preauth.Update(h)
		}
		token, err = sp.acceptSecContext(resp.SecurityBuffer)
		if err != nil {
			return nil, fmt.Errorf("session setup: %w", err)
		}
	}

	if len(resp.SecurityBuffer) > 0 {
		if err := sp.complete(resp.SecurityBuffer); err != nil {
			return nil, fmt.Errorf("session setup: %w", err)
		}
	}

	ss := binding
	if ss == nil {
		ss = &Session{
			id:      sid,
			cfg:     c.cfg,
			logger:  c.logger.With(zap.String("session", fmt.Sprintf("%016x", sid))),
			metrics: c.metrics,
			dialect: c.info.Dialect,
			flags:   resp.SessionFlags,
			trees:   make(map[uint32]*Tree),
			opens:   make(map[smb2.FileID]*Open),
			leases:  make(map[[16]byte]*lease),
		}
	}
	ch := &Channel{session: ss, conn: c}

	anonymous := resp.SessionFlags&(smb2.SESSION_FLAG_IS_GUEST|smb2.SESSION_FLAG_IS_NULL) != 0
	if key := auth.SessionKey(); len(key) > 0 && !anonymous {
		size := 16
		if is311 && protect.CipherKeySize(c.info.Cipher) == 32 {
			size = 32
		}
		key = key[:min(len(key), size)]
		keys := protect.DeriveKeys(c.info.Dialect, c.info.Cipher, key, preauth[:])
		ch.signer, err = protect.NewSigner(c.info.Dialect, c.info.SigningAlgorithm, keys.Signing)
		if err != nil {
			return nil, err
		}

		switch {
		case final.IsFlagSet(smb2.FLAGS_SIGNED):
			if !ch.signer.Verify(final) {
				return nil, fmt.Errorf("session setup: %w", ErrBadSignature)
			}
		case is311:
			return nil, fmt.Errorf("session setup: final response is not signed: %w", ErrBadSignature)
		}

		if binding == nil {
			ss.signingRequired = c.info.SecurityMode&smb2.NEGOTIATE_SIGNING_REQUIRED != 0 || c.cfg.RequireSigning
			ss.encrypt = resp.SessionFlags&smb2.SESSION_FLAG_ENCRYPT_DATA != 0 ||
				(c.cfg.Encrypt && smb2.Is3X(c.info.Dialect) && c.info.Cipher != 0)
			if smb2.Is3X(c.info.Dialect) && c.info.Cipher != 0 {
				if cipher, err := protect.NewCipher(c.info.Cipher, keys.Encryption, keys.Decryption); err == nil {
					ss.cipher = cipher
				} else if ss.encrypt {
					return nil, err
				}
			}
		}
	}

	if err := c.addChannel(ch); err != nil {
		return nil, err
	}
	ss.mu.Lock()
	ss.channels = append(ss.channels, ch)
	ss.mu.Unlock()

	ss.logger.Debug("session established",
		zap.Bool("binding", binding != nil),
		zap.Bool("signing", ss.signingRequired),
		zap.Bool("encryption", ss.encrypt),
	)

	return ch, nil
}

// Logoff ends the session on the server and revokes all of its channels.
// Opens are closed by the server and become unusable.
func (s *Session) Logoff(ctx context.Context) error {
	ch, err := s.channel()
	if err != nil {
		return err
	}

	pm := s.newMessage(smb2.LogoffRequest{}, nil)
	_, err = ch.roundTrip(ctx, pm)
	s.close(ErrSessionClosed)
	return err
}

// close revokes every channel and releases what the session owns.
func (s *Session) close(reason error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = reason
	channels := s.channels
	s.channels = nil
	trees := s.trees
	opens := s.opens
	s.trees = make(map[uint32]*Tree)
	s.opens = make(map[smb2.FileID]*Open)
	s.leases = make(map[[16]byte]*lease)
	s.mu.Unlock()

	for _, ch := range channels {
		ch.conn.removeChannel(ch)
	}
	for _, t := range trees {
		t.markDisconnected()
	}
	for _, o := range opens {
		o.markClosed()
	}
}

// channelLost is called when the connection of ch went away. The session
// fails over to its remaining channels, or is disconnected if none is
// left.
func (s *Session) channelLost(ch *Channel) {
	s.mu.Lock()
	s.channels = slices.DeleteFunc(s.channels, func(c *Channel) bool { return c == ch })
	remaining := len(s.channels)
	s.mu.Unlock()

	if remaining > 0 {
		seq := s.AdvanceChannelSequence()
		s.logger.Info("channel lost, failing over", zap.Int("channels", remaining), zap.Uint16("channelSequence", seq))
		return
	}

	s.mu.Lock()
	if s.err == nil {
		s.err = ErrDisconnected
	}
	opens := make([]*Open, 0, len(s.opens))
	for _, o := range s.opens {
		opens = append(opens, o)
	}
	trees := s.trees
	s.opens = make(map[smb2.FileID]*Open)
	s.leases = make(map[[16]byte]*lease)
	s.mu.Unlock()

	for _, o := range opens {
		o.connectionLost()
	}
	for _, t := range trees {
		t.markDisconnected()
	}
	s.logger.Info("session disconnected", zap.Int("opens", len(opens)))
}

// newMessage builds a message addressed to the session and optionally a
// tree.
func (s *Session) newMessage(req smb2.Request, t *Tree) *PendingMessage {
	pm := &PendingMessage{
		req:        req,
		session:    s,
		tree:       t,
		sessionID:  s.id,
		channelSeq: s.ChannelSequence(),
	}
	if t != nil {
		pm.treeID = t.id
		pm.encrypt = t.encrypt
	}
	return pm
}

func (s *Session) addOpen(o *Open) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens[o.fileID] = o
	if o.lease != nil {
		l, ok := s.leases[o.lease.key]
		if ok {
			l.mu.Lock()
			l.state, l.epoch = o.lease.state, o.lease.epoch
			l.mu.Unlock()
		} else {
			l = o.lease
			s.leases[l.key] = l
		}
		l.attach(o)
		o.lease = l
	}
}

func (s *Session) removeOpen(o *Open) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opens[o.fileID] == o {
		delete(s.opens, o.fileID)
	}
	if o.lease != nil && o.lease.detach(o) {
		delete(s.leases, o.lease.key)
	}
}

func (s *Session) openByID(id smb2.FileID) *Open {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens[id]
}

func (s *Session) lease(key [16]byte) *lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases[key]
}

// Opens returns the opens of the session.
func (s *Session) Opens() []*Open {
	s.mu.Lock()
	defer s.mu.Unlock()
	opens := make([]*Open, 0, len(s.opens))
	for _, o := range s.opens {
		opens = append(opens, o)
	}
	return opens
}
