package smbtest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mike76-dev/smbprobe/compress"
	"github.com/mike76-dev/smbprobe/protect"
	"github.com/mike76-dev/smbprobe/smb2"
	"go.uber.org/zap"
)

var (
	errCreditWindow = errors.New("message id outside of the command sequence window")
	errMalformed    = errors.New("malformed message")
)

// connection represents a Connection object.
type connection struct {
	server       *Server
	conn         net.Conn
	logger       *zap.Logger
	creationTime time.Time

	// The fields below are guarded by server.mu.
	commandSequenceWindow map[uint64]struct{}
	nextCreditID          uint64
	asyncCommandList      map[uint64]*asyncCommand

	negotiated          bool
	dialect             uint16
	clientGuid          [16]byte
	clientCapabilities  uint32
	clientSecurityMode  uint16
	clientDialects      []uint16
	serverCapabilities  uint32
	serverSecurityMode  uint16
	supportsMultiCredit bool
	cipherID            uint16
	signingAlgorithmID  uint16
	transform           compress.Transform

	preauthIntegrityHashValue protect.PreauthHash
	preauthSessionTable       map[uint64]*preauthSession

	writeChan chan []byte
	closeChan chan struct{}
	once      sync.Once
}

// asyncCommand is a request that went async and still owes a final response.
type asyncCommand struct {
	asyncID   uint64
	messageID uint64
	command   uint16
	session   *session
	signer    *protect.Signer
	encrypted bool
	done      bool

	// cancel withdraws the operation and completes it with
	// STATUS_CANCELLED. Called with server.mu held.
	cancel func()
}

// outMessage is one response of a compound with the key it is signed with.
type outMessage struct {
	data   []byte
	signer *protect.Signer
}

// compoundState carries what related operations inherit from the previous
// operation of the same compound.
type compoundState struct {
	session *session
	tree    *treeConnect
	fileID  smb2.FileID
	status  uint32
	started bool
}

// request is one message of a received frame being handled.
type request struct {
	hdr       smb2.Header
	related   bool
	encrypted bool
	signed    bool

	session *session
	tree    *treeConnect
	st      *compoundState

	// Overrides for the response header.
	sessionID uint64
	signer    *protect.Signer
	noSign    bool

	async   *asyncCommand
	onBuilt func(msg []byte)
	// after runs once the response frame is queued.
	after func()
}

func (r *request) body() []byte { return r.hdr.Body() }

// fileID substitutes the file id of the previous related operation for the
// all-ones placeholder.
func (r *request) fileID(id smb2.FileID) smb2.FileID {
	if r.related && id == smb2.DummyFileID {
		return r.st.fileID
	}
	return id
}

func (s *Server) newConnection(conn net.Conn) *connection {
	c := &connection{
		server:                s,
		conn:                  conn,
		logger:                s.logger.With(zap.String("remote", conn.RemoteAddr().String())),
		creationTime:          time.Now(),
		commandSequenceWindow: map[uint64]struct{}{0: {}},
		nextCreditID:          1,
		asyncCommandList:      make(map[uint64]*asyncCommand),
		preauthSessionTable:   make(map[uint64]*preauthSession),
		writeChan:             make(chan []byte, 256),
		closeChan:             make(chan struct{}),
	}

	s.mu.Lock()
	s.connectionList[c] = struct{}{}
	s.mu.Unlock()

	go c.sendResponses()
	go c.processRequests()

	c.logger.Debug("connection accepted")
	return c
}

// closeConnection tears a connection down. Sessions that lose their last
// channel keep their durable and resilient opens for reconnection and
// close the rest.
func (s *Server) closeConnection(c *connection) {
	first := false
	c.once.Do(func() {
		first = true
		close(c.closeChan)
		c.conn.Close()
	})
	if !first {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.connectionList, c)
	for _, ac := range c.asyncCommandList {
		ac.done = true
		if ac.cancel != nil {
			ac.cancel()
		}
	}
	c.asyncCommandList = make(map[uint64]*asyncCommand)

	for _, ss := range s.globalSessionTable {
		if _, ok := ss.channelList[c]; !ok {
			continue
		}
		delete(ss.channelList, c)
		if len(ss.channelList) == 0 {
			s.sessionLost(ss)
		}
	}

	c.logger.Debug("connection closed")
}

func (c *connection) sendResponses() {
	for {
		select {
		case msg := <-c.writeChan:
			if err := writeMessage(c.conn, msg); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				go c.server.closeConnection(c)
				return
			}
		case <-c.closeChan:
			return
		}
	}
}

// queue hands a frame to the writer. Called with server.mu held.
func (c *connection) queue(frame []byte) {
	select {
	case c.writeChan <- frame:
		c.server.stats.bytesSent += uint64(len(frame))
	case <-c.closeChan:
	}
}

func (c *connection) processRequests() {
	s := c.server
	for {
		msg, err := readMessage(c.conn)
		if err != nil {
			s.closeConnection(c)
			return
		}

		s.mu.Lock()
		s.stats.bytesRcvd += uint64(len(msg))
		err = c.handleFrame(msg)
		s.mu.Unlock()

		if err != nil {
			c.logger.Info("dropping connection", zap.Error(err))
			s.closeConnection(c)
			return
		}
	}
}

// handleFrame unwraps one transport frame and answers every message in it.
// A non-nil error drops the connection.
func (c *connection) handleFrame(frame []byte) error {
	if len(frame) < 4 {
		return errMalformed
	}

	var encSession *session
	if binary.LittleEndian.Uint32(frame[:4]) == smb2.PROTOCOL_SMB2_ENCRYPTED {
		if len(frame) < smb2.SMB2TransformHeaderSize {
			return errMalformed
		}
		ss := c.server.globalSessionTable[smb2.TransformHeader(frame).SessionID()]
		if ss == nil || ss.cipher == nil {
			return fmt.Errorf("encrypted frame for unknown session %x", smb2.TransformHeader(frame).SessionID())
		}
		msg, err := ss.cipher.Decrypt(frame)
		if err != nil {
			return err
		}
		frame, encSession = msg, ss
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

	var st compoundState
	var out []outMessage
	var deferred []func()
	for _, msg := range msgs {
		h := smb2.Header(msg)
		if err := h.Validate(); err != nil {
			return err
		}
		if h.IsResponse() {
			return errMalformed
		}
		if h.Command() == smb2.SMB2_CANCEL {
			c.cancelRequest(h)
			continue
		}

		om, later, err := c.handleMessage(h, encSession, &st, len(msgs) == 1)
		if err != nil {
			return err
		}
		out = append(out, om)
		if later != nil {
			deferred = append(deferred, later)
		}
	}

	if len(out) > 0 {
		c.send(out, encSession)
	}
	for _, f := range deferred {
		f()
	}
	return nil
}

// consumeCredits removes the message ids of a request from the window.
func (c *connection) consumeCredits(mid uint64, charge int) bool {
	for i := range charge {
		if _, ok := c.commandSequenceWindow[mid+uint64(i)]; !ok {
			return false
		}
	}
	for i := range charge {
		delete(c.commandSequenceWindow, mid+uint64(i))
	}
	return true
}

// grantCredits extends the window by up to requested ids.
func (c *connection) grantCredits(requested int) uint16 {
	opts := c.server.opts
	grant := max(requested, 1)
	if opts.Grant > 0 {
		grant = min(grant, opts.Grant)
	}
	grant = min(grant, opts.MaxCredits-len(c.commandSequenceWindow))
	if grant <= 0 {
		if len(c.commandSequenceWindow) > 0 {
			return 0
		}
		grant = 1
	}
	for range grant {
		c.commandSequenceWindow[c.nextCreditID] = struct{}{}
		c.nextCreditID++
	}
	return uint16(grant)
}

func (c *connection) creditCharge(h smb2.Header) int {
	if !c.supportsMultiCredit {
		return 1
	}
	return max(1, int(h.CreditCharge()))
}

// handleMessage answers one request. It returns the response and, for
// requests answered asynchronously on purpose, a function that sends the
// final response after the frame carrying the interim one.
func (c *connection) handleMessage(h smb2.Header, enc *session, st *compoundState, single bool) (outMessage, func(), error) {
	s := c.server
	cmd := h.Command()
	mid := h.MessageID()

	charge := c.creditCharge(h)
	if !c.consumeCredits(mid, charge) {
		return outMessage{}, nil, fmt.Errorf("%w: mid %d charge %d", errCreditWindow, mid, charge)
	}
	granted := c.grantCredits(int(h.CreditRequest()))

	r := &request{
		hdr:       h,
		related:   st.started && h.IsFlagSet(smb2.FLAGS_RELATED_OPERATIONS),
		encrypted: enc != nil,
		signed:    h.IsFlagSet(smb2.FLAGS_SIGNED),
		st:        st,
		sessionID: h.SessionID(),
	}

	var status uint32
	var body []byte
	if r.related && !smb2.IsSuccess(st.status) {
		status = st.status
		r.session = st.session
	} else {
		status, body = c.dispatch(r, enc)
	}

	st.started = true
	st.status = status
	if r.session != nil {
		st.session = r.session
	}
	if r.tree != nil {
		st.tree = r.tree
	}

	if body == nil && status != smb2.STATUS_PENDING {
		er := smb2.ErrorResponse{}
		body = er.Encode()
	}

	rh := smb2.NewHeader(cmd)
	rh.SetFlag(smb2.FLAGS_SERVER_TO_REDIR)
	if r.related {
		rh.SetFlag(smb2.FLAGS_RELATED_OPERATIONS)
	}
	rh.SetCreditCharge(h.CreditCharge())
	rh.SetCreditResponse(granted)
	rh.SetMessageID(mid)
	rh.SetSessionID(r.sessionID)
	rh.SetTreeID(h.TreeID())

	later := r.after
	switch {
	case status == smb2.STATUS_PENDING:
		rh.SetFlag(smb2.FLAGS_ASYNC_COMMAND)
		rh.SetAsyncID(r.async.asyncID)
		er := smb2.ErrorResponse{}
		body = er.Encode()
	case single && s.opts.Async[cmd] && cmd != smb2.SMB2_NEGOTIATE && cmd != smb2.SMB2_SESSION_SETUP:
		ac := c.newAsync(r, nil)
		rh.SetFlag(smb2.FLAGS_ASYNC_COMMAND)
		rh.SetAsyncID(ac.asyncID)
		finalStatus, finalBody := status, body
		after := later
		later = func() {
			if after != nil {
				after()
			}
			c.completeAsync(ac, finalStatus, finalBody)
		}
		status = smb2.STATUS_PENDING
		er := smb2.ErrorResponse{}
		body = er.Encode()
	}
	rh.SetStatus(status)

	msg := append([]byte(rh), body...)
	if r.onBuilt != nil {
		r.onBuilt(msg)
	}

	om := outMessage{data: msg}
	if enc == nil && !r.noSign {
		switch {
		case r.signer != nil:
			om.signer = r.signer
		case r.session != nil && status != smb2.STATUS_PENDING:
			if signer := r.session.channelSigner(c); signer != nil && (r.session.signingRequired || r.signed) {
				om.signer = signer
			}
		}
	}

	c.logger.Debug("request handled",
		zap.Uint16("cmd", cmd),
		zap.Uint64("mid", mid),
		zap.String("status", smb2.StatusName(status)),
		zap.Uint16("granted", granted),
	)
	return om, later, nil
}

// dispatch checks the session and tree of a request and runs its handler.
func (c *connection) dispatch(r *request, enc *session) (uint32, []byte) {
	s := c.server
	h := r.hdr
	cmd := h.Command()

	if !c.negotiated && cmd != smb2.SMB2_NEGOTIATE {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}

	switch cmd {
	case smb2.SMB2_NEGOTIATE:
		return c.handleNegotiate(r)
	case smb2.SMB2_SESSION_SETUP:
		return c.handleSessionSetup(r)
	case smb2.SMB2_ECHO:
		if ss := s.globalSessionTable[h.SessionID()]; ss != nil && ss.state == sessionValid {
			r.session = ss
		}
		return smb2.STATUS_OK, smb2.EmptyResponse{}.Encode()
	}

	sid := h.SessionID()
	if r.related && r.st.session != nil {
		sid = r.st.session.sessionID
		r.sessionID = sid
	}
	ss := s.globalSessionTable[sid]
	if ss == nil || ss.state != sessionValid {
		return smb2.STATUS_USER_SESSION_DELETED, nil
	}
	signer, bound := ss.channelList[c]
	if !bound {
		return smb2.STATUS_USER_SESSION_DELETED, nil
	}
	r.session = ss

	if enc == nil {
		if r.signed {
			if signer != nil && !signer.Verify(h) {
				return smb2.STATUS_ACCESS_DENIED, nil
			}
		} else if ss.signingRequired && signer != nil && !ss.encryptData {
			return smb2.STATUS_ACCESS_DENIED, nil
		}
		if ss.encryptData {
			return smb2.STATUS_ACCESS_DENIED, nil
		}
	} else if enc != ss {
		return smb2.STATUS_ACCESS_DENIED, nil
	}

	if cmd == smb2.SMB2_LOGOFF {
		return c.handleLogoff(r)
	}
	if cmd == smb2.SMB2_TREE_CONNECT {
		return c.handleTreeConnect(r)
	}
	if cmd == smb2.SMB2_OPLOCK_BREAK {
		return c.handleBreakAck(r)
	}

	tid := h.TreeID()
	if r.related && r.st.tree != nil {
		tid = r.st.tree.treeID
	}
	tc := ss.treeConnectTable[tid]
	if tc == nil {
		return smb2.STATUS_NETWORK_NAME_DELETED, nil
	}
	if tc.share.encrypt && enc == nil {
		return smb2.STATUS_ACCESS_DENIED, nil
	}
	r.tree = tc

	switch cmd {
	case smb2.SMB2_TREE_DISCONNECT:
		return c.handleTreeDisconnect(r)
	case smb2.SMB2_CREATE:
		return c.handleCreate(r)
	case smb2.SMB2_CLOSE:
		return c.handleClose(r)
	case smb2.SMB2_FLUSH:
		return c.handleFlush(r)
	case smb2.SMB2_READ:
		return c.handleRead(r)
	case smb2.SMB2_WRITE:
		return c.handleWrite(r)
	case smb2.SMB2_LOCK:
		return c.handleLock(r)
	case smb2.SMB2_IOCTL:
		return c.handleIoctl(r)
	case smb2.SMB2_CHANGE_NOTIFY:
		return c.handleChangeNotify(r)
	case smb2.SMB2_QUERY_INFO:
		return c.handleQueryInfo(r)
	case smb2.SMB2_SET_INFO:
		return c.handleSetInfo(r)
	}
	return smb2.STATUS_NOT_SUPPORTED, nil
}

// newAsync registers r as an async command. cancel may be nil for
// operations that complete on their own.
func (c *connection) newAsync(r *request, cancel func()) *asyncCommand {
	s := c.server
	ac := &asyncCommand{
		asyncID:   s.nextAsyncID,
		messageID: r.hdr.MessageID(),
		command:   r.hdr.Command(),
		session:   r.session,
		encrypted: r.encrypted,
		cancel:    cancel,
	}
	s.nextAsyncID++
	if r.session != nil && !r.encrypted {
		if signer := r.session.channelSigner(c); signer != nil && (r.session.signingRequired || r.signed) {
			ac.signer = signer
		}
	}
	c.asyncCommandList[ac.asyncID] = ac
	r.async = ac
	return ac
}

// goAsync turns r into an async command; the handler returns its result.
func (c *connection) goAsync(r *request, cancel func()) (uint32, []byte) {
	c.newAsync(r, cancel)
	return smb2.STATUS_PENDING, nil
}

// completeAsync sends the final response of an async command. Called with
// server.mu held.
func (c *connection) completeAsync(ac *asyncCommand, status uint32, body []byte) {
	if ac.done {
		return
	}
	ac.done = true
	delete(c.asyncCommandList, ac.asyncID)

	if body == nil {
		er := smb2.ErrorResponse{}
		body = er.Encode()
	}

	h := smb2.NewHeader(ac.command)
	h.SetFlag(smb2.FLAGS_SERVER_TO_REDIR | smb2.FLAGS_ASYNC_COMMAND)
	h.SetAsyncID(ac.asyncID)
	h.SetMessageID(ac.messageID)
	h.SetStatus(status)
	var cipherSession *session
	if ac.session != nil {
		h.SetSessionID(ac.session.sessionID)
		if ac.encrypted {
			cipherSession = ac.session
		}
	}

	c.send([]outMessage{{data: append([]byte(h), body...), signer: ac.signer}}, cipherSession)
}

// cancelRequest looks up the async command a CANCEL refers to. No response
// is sent for the CANCEL itself.
func (c *connection) cancelRequest(h smb2.Header) {
	var ac *asyncCommand
	if h.IsAsync() {
		ac = c.asyncCommandList[h.AsyncID()]
	} else {
		for _, cand := range c.asyncCommandList {
			if cand.messageID == h.MessageID() {
				ac = cand
				break
			}
		}
	}
	if ac == nil || ac.done || ac.cancel == nil {
		c.logger.Debug("nothing to cancel", zap.Uint64("mid", h.MessageID()))
		return
	}
	ac.cancel()
}

// send chains, signs, compresses and encrypts responses into one frame.
// Called with server.mu held.
func (c *connection) send(msgs []outMessage, cipherSession *session) {
	raw := make([][]byte, len(msgs))
	for i, m := range msgs {
		raw[i] = m.data
	}
	frame := smb2.Chain(raw)

	if cipherSession == nil {
		parts, err := smb2.Split(frame)
		if err != nil {
			c.logger.Error("cannot split response", zap.Error(err))
			return
		}
		for i, part := range parts {
			if msgs[i].signer == nil {
				continue
			}
			if err := msgs[i].signer.Sign(part); err != nil {
				c.logger.Error("cannot sign response", zap.Error(err))
			}
		}
	}

	frame = c.transform.Compress(frame)
	if cipherSession != nil {
		var err error
		frame, err = cipherSession.cipher.Encrypt(cipherSession.sessionID, frame)
		if err != nil {
			c.logger.Error("cannot encrypt response", zap.Error(err))
			return
		}
	}
	c.queue(frame)
}

// notify sends an unsolicited message such as a break notification.
func (c *connection) notify(cmd uint16, body []byte) {
	h := smb2.NewHeader(cmd)
	h.SetFlag(smb2.FLAGS_SERVER_TO_REDIR)
	h.SetMessageID(smb2.UnsolicitedMessageID)
	c.send([]outMessage{{data: append([]byte(h), body...)}}, nil)
}
