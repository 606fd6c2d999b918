package smbtest

import (
	"time"

	"github.com/mike76-dev/smbprobe/ntlm"
	"github.com/mike76-dev/smbprobe/protect"
	"github.com/mike76-dev/smbprobe/smb2"
	"github.com/mike76-dev/smbprobe/spnego"
	"go.uber.org/zap"
)

const (
	sessionInProgress int = iota
	sessionValid
	sessionExpired
)

// session represents a Session object. channelList maps every connection
// bound to the session to the signer of that channel.
type session struct {
	sessionID       uint64
	state           int
	isGuest         bool
	signingRequired bool
	encryptData     bool
	cipher          *protect.Cipher
	userName        string
	clientGuid      [16]byte
	dialect         uint16
	creationTime    time.Time
	idleTime        time.Time

	channelList      map[*connection]*protect.Signer
	treeConnectTable map[uint32]*treeConnect
	openTable        map[smb2.FileID]*open
	nextTreeID       uint32
}

// preauthSession is a session setup in progress on one connection.
type preauthSession struct {
	sessionID  uint64
	binding    *session
	auth       *ntlm.Server
	challenged bool
	preauth    protect.PreauthHash
}

func (ss *session) channelSigner(c *connection) *protect.Signer {
	return ss.channelList[c]
}

// anySigner returns the signer of some channel, used to check the first
// message binding a new channel.
func (ss *session) anySigner() *protect.Signer {
	for _, signer := range ss.channelList {
		if signer != nil {
			return signer
		}
	}
	return nil
}

func (ss *session) flags() uint16 {
	var flags uint16
	if ss.isGuest {
		flags |= smb2.SESSION_FLAG_IS_GUEST
	}
	if ss.encryptData {
		flags |= smb2.SESSION_FLAG_ENCRYPT_DATA
	}
	return flags
}

func (s *Server) newAuthenticator() *ntlm.Server {
	auth := ntlm.NewServer("smbtest", s.opts.Domain)
	for user, password := range s.opts.Users {
		auth.AddAccount(user, password)
	}
	return auth
}

// handleSessionSetup runs the two legs of NTLM inside SPNEGO. A request
// with SESSION_FLAG_BINDING adds the connection as a channel of an
// existing session.
func (c *connection) handleSessionSetup(r *request) (uint32, []byte) {
	s := c.server

	var req smb2.SessionSetupRequest
	if err := req.Decode(r.body()); err != nil {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}

	sid := r.hdr.SessionID()
	ps := c.preauthSessionTable[sid]
	if sid == 0 || ps == nil {
		var status uint32
		ps, status = c.newPreauthSession(r, &req)
		if ps == nil {
			return status, nil
		}
	}
	sid = ps.sessionID
	r.sessionID = sid

	is311 := c.dialect == smb2.SMB_DIALECT_311
	if is311 {
		ps.preauth.Update(r.hdr)
	}

	if !ps.challenged {
		init, err := spnego.DecodeNegTokenInit(req.SecurityBuffer)
		if err != nil {
			delete(c.preauthSessionTable, sid)
			return smb2.STATUS_INVALID_PARAMETER, nil
		}
		cmsg, err := ps.auth.Challenge(init.MechToken)
		if err != nil {
			delete(c.preauthSessionTable, sid)
			return smb2.STATUS_LOGON_FAILURE, nil
		}
		token, err := spnego.EncodeNegTokenResp(spnego.AcceptIncomplete, spnego.NlmpOid, cmsg, nil)
		if err != nil {
			delete(c.preauthSessionTable, sid)
			return smb2.STATUS_INSUFFICIENT_RESOURCES, nil
		}
		ps.challenged = true
		if is311 {
			r.onBuilt = func(msg []byte) { ps.preauth.Update(msg) }
		}
		resp := smb2.SessionSetupResponse{SecurityBuffer: token}
		return smb2.STATUS_MORE_PROCESSING_REQUIRED, resp.Encode()
	}

	delete(c.preauthSessionTable, sid)

	guest := false
	nt, err := spnego.DecodeNegTokenResp(req.SecurityBuffer)
	if err == nil {
		err = ps.auth.Authenticate(nt.ResponseToken)
	}
	if err != nil {
		if !s.opts.AllowGuest || ps.binding != nil {
			s.stats.pwErrors++
			c.logger.Debug("authentication failed", zap.Error(err))
			return smb2.STATUS_LOGON_FAILURE, nil
		}
		guest = true
	}

	var signer *protect.Signer
	var keys protect.Keys
	if !guest {
		key := ps.auth.Session().SessionKey()
		size := 16
		if is311 && protect.CipherKeySize(c.cipherID) == 32 {
			size = 32
		}
		key = key[:min(len(key), size)]
		keys = protect.DeriveKeys(c.dialect, c.cipherID, key, ps.preauth[:])
		signer, err = protect.NewSigner(c.dialect, c.signingAlgorithmID, keys.Signing)
		if err != nil {
			return smb2.STATUS_INSUFFICIENT_RESOURCES, nil
		}
	}

	ss := ps.binding
	if ss == nil {
		now := s.now()
		ss = &session{
			sessionID:        sid,
			state:            sessionValid,
			isGuest:          guest,
			clientGuid:       c.clientGuid,
			dialect:          c.dialect,
			creationTime:     now,
			idleTime:         now,
			channelList:      make(map[*connection]*protect.Signer),
			treeConnectTable: make(map[uint32]*treeConnect),
			openTable:        make(map[smb2.FileID]*open),
			nextTreeID:       1,
		}
		if !guest {
			ss.userName = ps.auth.Session().User()
			ss.signingRequired = s.opts.RequireSigning || req.SecurityMode&smb2.NEGOTIATE_SIGNING_REQUIRED != 0
			if smb2.Is3X(c.dialect) && c.cipherID != 0 {
				if cipher, err := protect.NewCipher(c.cipherID, keys.Decryption, keys.Encryption); err == nil {
					ss.cipher = cipher
					ss.encryptData = s.opts.EncryptData
				}
			}
		}
		s.globalSessionTable[sid] = ss
		s.stats.sOpens++
	}
	ss.channelList[c] = signer

	if signer != nil && !s.opts.UnsignedSessionSetup {
		r.signer = signer
	} else {
		r.noSign = true
	}

	c.logger.Debug("session established",
		zap.Uint64("session", sid),
		zap.String("user", ss.userName),
		zap.Bool("binding", ps.binding != nil),
		zap.Bool("guest", guest),
	)

	token, _ := spnego.EncodeNegTokenResp(spnego.AcceptCompleted, nil, nil, nil)
	resp := smb2.SessionSetupResponse{
		SessionFlags:   ss.flags(),
		SecurityBuffer: token,
	}
	return smb2.STATUS_OK, resp.Encode()
}

// newPreauthSession starts a session setup. A fresh session gets a new id;
// a binding request must come signed by a channel the session already has.
func (c *connection) newPreauthSession(r *request, req *smb2.SessionSetupRequest) (*preauthSession, uint32) {
	s := c.server
	sid := r.hdr.SessionID()

	ps := &preauthSession{
		auth:    s.newAuthenticator(),
		preauth: c.preauthIntegrityHashValue,
	}

	switch {
	case req.Flags&smb2.SESSION_FLAG_BINDING != 0:
		if !smb2.Is3X(c.dialect) || c.serverCapabilities&smb2.GLOBAL_CAP_MULTI_CHANNEL == 0 {
			return nil, smb2.STATUS_REQUEST_NOT_ACCEPTED
		}
		ss := s.globalSessionTable[sid]
		if ss == nil || ss.state != sessionValid {
			return nil, smb2.STATUS_USER_SESSION_DELETED
		}
		if ss.dialect != c.dialect || ss.clientGuid != c.clientGuid || ss.isGuest {
			return nil, smb2.STATUS_INVALID_PARAMETER
		}
		if _, ok := ss.channelList[c]; ok {
			return nil, smb2.STATUS_REQUEST_NOT_ACCEPTED
		}
		signer := ss.anySigner()
		if signer == nil || !r.signed || !signer.Verify(r.hdr) {
			return nil, smb2.STATUS_ACCESS_DENIED
		}
		ps.sessionID = sid
		ps.binding = ss

	case sid == 0:
		ps.sessionID = s.nextSessionID
		s.nextSessionID++

	default:
		if _, ok := s.globalSessionTable[sid]; ok {
			return nil, smb2.STATUS_REQUEST_NOT_ACCEPTED
		}
		return nil, smb2.STATUS_USER_SESSION_DELETED
	}

	c.preauthSessionTable[ps.sessionID] = ps
	return ps, 0
}

// handleLogoff closes every open and tree of the session.
func (c *connection) handleLogoff(r *request) (uint32, []byte) {
	s := c.server
	ss := r.session

	if signer := ss.channelSigner(c); signer != nil && !r.encrypted && (ss.signingRequired || r.signed) {
		r.signer = signer
	}
	s.deregisterSession(ss)

	return smb2.STATUS_OK, smb2.EmptyResponse{}.Encode()
}

// deregisterSession removes the session and closes what it owns.
func (s *Server) deregisterSession(ss *session) {
	for _, o := range ss.openTable {
		s.closeOpen(o)
	}
	ss.treeConnectTable = make(map[uint32]*treeConnect)
	ss.channelList = make(map[*connection]*protect.Signer)
	ss.state = sessionExpired
	delete(s.globalSessionTable, ss.sessionID)
	s.stats.sOpens--
}

// sessionLost handles a session whose last channel went away. Durable,
// persistent and resilient opens survive in the disconnected state until
// they are reclaimed or time out.
func (s *Server) sessionLost(ss *session) {
	now := s.now()
	for id, o := range ss.openTable {
		if o.survivesDisconnect() {
			o.disconnect(now)
			delete(ss.openTable, id)
			continue
		}
		s.closeOpen(o)
	}
	ss.treeConnectTable = make(map[uint32]*treeConnect)
	ss.state = sessionExpired
	delete(s.globalSessionTable, ss.sessionID)
	s.stats.sOpens--
}
