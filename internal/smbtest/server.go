// Package smbtest runs an in-process SMB2/3 server for exercising the
// client engine: negotiation with 3.1.1 contexts, NTLM sessions with
// signing and encryption, credits, compounds, async operations, oplocks,
// leases and durable handles.
package smbtest

import (
	"errors"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mike76-dev/smbprobe/rpc"
	"github.com/mike76-dev/smbprobe/smb2"
	"go.uber.org/zap"
)

const (
	defaultMaxCredits        = 512
	defaultDurableTimeout    = 60 * time.Second
	defaultMaxDurableTimeout = 300 * time.Second
	maxResiliencyTimeout     = 300 * time.Second

	MaxTransactSize = 1 << 20
	MaxReadSize     = 1 << 20
	MaxWriteSize    = 1 << 20
)

var errServerClosed = errors.New("server closed")

// PipeHandler serves one open of a named pipe.
type PipeHandler interface {
	Transact(in []byte) ([]byte, error)
}

// Share is a share exported by the server.
type Share struct {
	Name   string
	Remark string
	// Type is smb2.SHARE_TYPE_DISK unless set.
	Type  uint8
	Flags uint32
	// ContinuouslyAvailable advertises SHARE_CAP_CONTINUOUS_AVAILABILITY
	// to 3.x clients.
	ContinuouslyAvailable bool
	// Encrypt requires encryption of all traffic on the share.
	Encrypt bool
	// Access limits the share to the listed users and the file rights
	// each is granted; everyone gets full access when nil.
	Access map[string]uint32
	// Pipes maps pipe names to a constructor called for every open.
	Pipes map[string]func() PipeHandler
}

// Options configure a Server. The zero value serves every dialect without
// shares.
type Options struct {
	Logger *zap.Logger

	// Dialects lists the dialects the server accepts.
	Dialects []uint16
	// RequireSigning sets NEGOTIATE_SIGNING_REQUIRED.
	RequireSigning bool
	// EncryptData marks every 3.1.1 session as encrypted.
	EncryptData bool
	// Multichannel advertises GLOBAL_CAP_MULTI_CHANNEL.
	Multichannel bool
	// PersistentHandles advertises GLOBAL_CAP_PERSISTENT_HANDLES.
	PersistentHandles bool
	Ciphers           []uint16
	SigningAlgorithms []uint16
	Compression       []uint16

	// Users maps account names to passwords.
	Users  map[string]string
	Domain string
	// AllowGuest admits unknown users as guests.
	AllowGuest bool

	Shares []Share

	// MaxCredits caps the credits a connection may hold.
	MaxCredits int
	// Grant caps the credits granted by one response; unlimited when zero.
	Grant int

	// Async lists commands that are always answered with an interim
	// response before the final one.
	Async map[uint16]bool

	// DurableTimeout is granted to durable handles that ask for none.
	DurableTimeout time.Duration
	// MaxDurableTimeout caps the timeout of durable handles.
	MaxDurableTimeout time.Duration

	// Interfaces is the answer to FSCTL_QUERY_NETWORK_INTERFACE_INFO.
	Interfaces []smb2.NetworkInterfaceInfo

	// SkewValidateNegotiate answers FSCTL_VALIDATE_NEGOTIATE_INFO with a
	// capability set that does not match the negotiation.
	SkewValidateNegotiate bool
	// UnsignedSessionSetup leaves the final SESSION_SETUP response unsigned.
	UnsignedSessionSetup bool

	// Banned rejects connections accepted by Serve.
	Banned func(addr net.Addr) bool
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if len(o.Dialects) == 0 {
		o.Dialects = []uint16{
			smb2.SMB_DIALECT_202,
			smb2.SMB_DIALECT_21,
			smb2.SMB_DIALECT_30,
			smb2.SMB_DIALECT_302,
			smb2.SMB_DIALECT_311,
		}
	}
	if len(o.Ciphers) == 0 {
		o.Ciphers = []uint16{smb2.AES_128_GCM, smb2.AES_256_GCM}
	}
	if len(o.SigningAlgorithms) == 0 {
		o.SigningAlgorithms = []uint16{smb2.AES_GMAC, smb2.AES_CMAC}
	}
	if o.MaxCredits <= 0 {
		o.MaxCredits = defaultMaxCredits
	}
	if o.DurableTimeout <= 0 {
		o.DurableTimeout = defaultDurableTimeout
	}
	if o.MaxDurableTimeout <= 0 {
		o.MaxDurableTimeout = defaultMaxDurableTimeout
	}
	return o
}

type serverStats struct {
	start      time.Time
	sOpens     uint32
	fOpens     uint32
	pwErrors   uint32
	bytesSent  uint64
	bytesRcvd  uint64
	breaksSent uint32
}

// Server is an in-process SMB2/3 server. A single mutex guards all of its
// state; requests are handled one at a time across connections.
type Server struct {
	opts       Options
	logger     *zap.Logger
	serverGuid [16]byte

	mu                 sync.Mutex
	stats              serverStats
	shareList          map[string]*share
	globalSessionTable map[uint64]*session
	globalOpenTable    map[smb2.FileID]*open
	leaseTable         map[leaseID]*lease
	resumeKeys         map[smb2.ResumeKey]*open
	connectionList     map[*connection]struct{}
	nextSessionID      uint64
	nextFileID         uint64
	nextAsyncID        uint64
	clockSkew          time.Duration

	listeners []net.Listener
	closed    bool
}

// NewServer returns a server exporting the configured shares plus IPC$.
func NewServer(opts Options) *Server {
	opts = opts.withDefaults()
	s := &Server{
		opts:               opts,
		logger:             opts.Logger,
		serverGuid:         uuid.New(),
		shareList:          make(map[string]*share),
		globalSessionTable: make(map[uint64]*session),
		globalOpenTable:    make(map[smb2.FileID]*open),
		leaseTable:         make(map[leaseID]*lease),
		resumeKeys:         make(map[smb2.ResumeKey]*open),
		connectionList:     make(map[*connection]struct{}),
		nextSessionID:      0x0000040000000001,
		nextFileID:         1,
		nextAsyncID:        1,
	}
	s.stats.start = time.Now()

	for _, sh := range opts.Shares {
		s.registerShare(sh)
	}
	if _, ok := s.shareList["ipc$"]; !ok {
		s.registerShare(Share{Name: "IPC$", Type: smb2.SHARE_TYPE_PIPE, Remark: "Remote IPC"})
	}
	ipc := s.shareList["ipc$"]
	if _, ok := ipc.pipes[rpc.SRVSVCPipe]; !ok {
		ipc.pipes[rpc.SRVSVCPipe] = func() PipeHandler { return rpc.NewShareServer(s.shareInfo) }
	}

	return s
}

// shareInfo lists the exported shares for SRVSVC. Called with s.mu held.
func (s *Server) shareInfo() []rpc.ShareInfo1 {
	infos := make([]rpc.ShareInfo1, 0, len(s.shareList))
	for _, sh := range s.shareList {
		info := rpc.ShareInfo1{Name: sh.name, Comment: sh.remark}
		switch sh.shareType {
		case smb2.SHARE_TYPE_PIPE:
			info.Type = rpc.STYPE_IPC
		case smb2.SHARE_TYPE_PRINT:
			info.Type = rpc.STYPE_PRINTQ
		default:
			info.Type = rpc.STYPE_DISKTREE
		}
		if strings.HasSuffix(sh.name, "$") {
			info.Type |= rpc.STYPE_SPECIAL
		}
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b rpc.ShareInfo1) int { return strings.Compare(a.Name, b.Name) })
	return infos
}

func (s *Server) now() time.Time {
	return time.Now().Add(s.clockSkew)
}

// Advance moves the server clock forward, e.g. to expire durable handles.
func (s *Server) Advance(d time.Duration) {
	s.mu.Lock()
	s.clockSkew += d
	s.scavenge()
	s.mu.Unlock()
}

// Pipe returns the client end of an in-memory connection served by s.
func (s *Server) Pipe() net.Conn {
	client, srv := net.Pipe()
	s.newConnection(srv)
	return client
}

// Serve accepts connections on l until l is closed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errServerClosed
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if s.opts.Banned != nil && s.opts.Banned(conn.RemoteAddr()) {
			s.logger.Info("rejected banned host", zap.Stringer("addr", conn.RemoteAddr()))
			conn.Close()
			continue
		}
		s.newConnection(conn)
	}
}

// Close stops the listeners and drops every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	s.DropConnections()
	return nil
}

// DropConnections closes every transport connection as a network failure
// would. Durable and resilient opens are kept for reconnection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.connectionList))
	for c := range s.connectionList {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		s.closeConnection(c)
	}
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connectionList)
}

// Sessions returns the number of sessions, including disconnected ones.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.globalSessionTable)
}

// Opens returns the number of opens, including disconnected durable ones.
func (s *Server) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.globalOpenTable)
}

// BreaksSent returns the number of break notifications sent.
func (s *Server) BreaksSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.stats.breaksSent)
}

// BytesReceived returns the number of bytes read off the wire, before
// decryption and decompression.
func (s *Server) BytesReceived() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.bytesRcvd
}

// File returns a copy of the contents of name on the share.
func (s *Server) File(shareName, name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shareList[strings.ToLower(shareName)]
	if !ok {
		return nil, false
	}
	f, ok := sh.files[normalizePath(name)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

// PutFile creates or replaces name on the share.
func (s *Server) PutFile(shareName, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shareList[strings.ToLower(shareName)]
	if !ok {
		return errNoShare
	}
	f := sh.lookup(normalizePath(name), true, false, s.now())
	f.data = append([]byte(nil), data...)
	return nil
}
