package client

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/mike76-dev/smbprobe/smb2"
	"go.uber.org/zap"
)

// Tree is a connected share. It is usable through every channel of its
// session.
type Tree struct {
	session *Session
	logger  *zap.Logger
	id      uint32
	path    string

	shareType     uint8
	shareFlags    uint32
	capabilities  uint32
	maximalAccess uint32
	encrypt       bool

	mu           sync.Mutex
	disconnected bool
}

// ID returns the tree id.
func (t *Tree) ID() uint32 { return t.id }

// Path returns the UNC path of the share.
func (t *Tree) Path() string { return t.path }

// Session returns the owning session.
func (t *Tree) Session() *Session { return t.session }

// ShareType returns SHARE_TYPE_DISK, SHARE_TYPE_PIPE or SHARE_TYPE_PRINT.
func (t *Tree) ShareType() uint8 { return t.shareType }

// ShareFlags returns the share flags from TREE_CONNECT.
func (t *Tree) ShareFlags() uint32 { return t.shareFlags }

// Capabilities returns the share capabilities from TREE_CONNECT.
func (t *Tree) Capabilities() uint32 { return t.capabilities }

// MaximalAccess returns the access granted to the session on the share.
func (t *Tree) MaximalAccess() uint32 { return t.maximalAccess }

// ContinuouslyAvailable reports whether the share supports persistent
// handles.
func (t *Tree) ContinuouslyAvailable() bool {
	return t.capabilities&smb2.SHARE_CAP_CONTINUOUS_AVAILABILITY != 0
}

// Encrypted reports whether requests on the tree are encrypted.
func (t *Tree) Encrypted() bool { return t.encrypt || t.session.encryptsAll() }

func (t *Tree) isDisconnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnected
}

func (t *Tree) markDisconnected() {
	t.mu.Lock()
	t.disconnected = true
	t.mu.Unlock()
}

// TreeConnect connects the share at path, e.g. \\server\share.
func (ch *Channel) TreeConnect(ctx context.Context, path string) (*Tree, error) {
	ss := ch.session
	h, err := ch.roundTrip(ctx, ss.newMessage(&smb2.TreeConnectRequest{Path: path}, nil))
	if err != nil {
		return nil, fmt.Errorf("tree connect %s: %w", path, err)
	}

	var resp smb2.TreeConnectResponse
	if err := resp.Decode(h.Body()); err != nil {
		return nil, fmt.Errorf("tree connect %s: %w", path, err)
	}

	t := &Tree{
		session:       ss,
		id:            h.TreeID(),
		path:          path,
		shareType:     resp.ShareType,
		shareFlags:    resp.ShareFlags,
		capabilities:  resp.Capabilities,
		maximalAccess: resp.MaximalAccess,
		encrypt:       resp.ShareFlags&smb2.SHAREFLAG_ENCRYPT_DATA != 0,
	}
	t.logger = ss.logger.With(zap.Uint32("tree", t.id))
	if t.encrypt && ss.cipher == nil {
		return nil, fmt.Errorf("tree connect %s: share requires encryption the session cannot provide", path)
	}

	ss.mu.Lock()
	ss.trees[t.id] = t
	ss.mu.Unlock()

	d := ch.conn.info.Dialect
	if *ch.conn.cfg.ValidateNegotiate && (d == smb2.SMB_DIALECT_30 || d == smb2.SMB_DIALECT_302) {
		if err := t.validateNegotiate(ctx, ch); err != nil {
			ch.conn.fail(err)
			return nil, err
		}
	}

	t.logger.Debug("tree connected",
		zap.String("path", path),
		zap.Uint8("type", t.shareType),
		zap.Uint32("capabilities", t.capabilities),
	)

	return t, nil
}

// validateNegotiate asks the server to confirm what was negotiated on the
// channel's connection. Servers that do not implement the request are
// accepted.
func (t *Tree) validateNegotiate(ctx context.Context, ch *Channel) error {
	c := ch.conn
	in := &smb2.ValidateNegotiateInfoRequest{
		Capabilities: c.sentCaps,
		Guid:         c.cfg.ClientGUID,
		SecurityMode: c.sentSecMode,
		Dialects:     c.cfg.Dialects,
	}
	req := &smb2.IoctlRequest{
		CtlCode:           smb2.FSCTL_VALIDATE_NEGOTIATE_INFO,
		FileID:            smb2.DummyFileID,
		MaxOutputResponse: 24,
		Flags:             smb2.IOCTL_IS_FSCTL,
		Input:             in.Encode(),
	}
	pm := t.session.newMessage(req, t)
	pm.encrypt = false
	h, err := ch.roundTrip(ctx, pm)
	switch {
	case IsStatus(err, smb2.STATUS_NOT_SUPPORTED),
		IsStatus(err, smb2.STATUS_FILE_CLOSED),
		IsStatus(err, smb2.STATUS_INVALID_DEVICE_REQUEST):
		return nil
	case err != nil:
		return fmt.Errorf("validate negotiate: %w", err)
	}

	var resp smb2.IoctlResponse
	if err := resp.Decode(h.Body()); err != nil {
		return fmt.Errorf("validate negotiate: %w", err)
	}
	var out smb2.ValidateNegotiateInfoResponse
	if err := out.Decode(resp.Output); err != nil {
		return fmt.Errorf("validate negotiate: %w", err)
	}

	info := c.info
	if out.Dialect != info.Dialect || out.Guid != info.ServerGUID ||
		out.SecurityMode != info.SecurityMode || out.Capabilities != info.Capabilities {
		return fmt.Errorf("validate negotiate: %w", ErrDialectMismatch)
	}
	return nil
}

// Disconnect disconnects the tree. Opens on it become unusable.
func (t *Tree) Disconnect(ctx context.Context) error {
	if t.isDisconnected() {
		return ErrTreeDisconnected
	}

	_, err := t.session.Transceive(ctx, NewBatch(t.session.newMessage(smb2.TreeDisconnectRequest{}, t)))
	t.markDisconnected()

	ss := t.session
	ss.mu.Lock()
	delete(ss.trees, t.id)
	var opens []*Open
	for _, o := range ss.opens {
		if o.tree == t {
			opens = append(opens, o)
		}
	}
	ss.mu.Unlock()
	for _, o := range opens {
		o.markClosed()
		ss.removeOpen(o)
	}

	return err
}

// NewMessage builds a request addressed to the tree.
func (t *Tree) NewMessage(req smb2.Request) *PendingMessage {
	pm := t.session.newMessage(req, t)
	pm.writeClass = isWriteClass(req)
	if _, ok := req.(*smb2.CloseRequest); ok {
		pm.onResult = closeHook(pm)
	}
	return pm
}

// NewRelated builds a request on the open that message index of the same
// batch creates. The message must be adopted by that batch.
func (t *Tree) NewRelated(req smb2.FileRequest, index int) *PendingMessage {
	pm := t.NewMessage(req)
	ref := Related(index)
	pm.file = &ref
	return pm
}

// isWriteClass reports whether a request modifies server state and is
// therefore fenced by the channel sequence.
func isWriteClass(req smb2.Request) bool {
	switch req.Command() {
	case smb2.SMB2_WRITE, smb2.SMB2_SET_INFO:
		return true
	case smb2.SMB2_IOCTL:
		ir, ok := req.(*smb2.IoctlRequest)
		return ok && slices.Contains([]uint32{
			smb2.FSCTL_SRV_COPYCHUNK,
			smb2.FSCTL_SRV_COPYCHUNK_WRITE,
			smb2.FSCTL_SET_REPARSE_POINT,
			smb2.FSCTL_FILE_LEVEL_TRIM,
		}, ir.CtlCode)
	}
	return false
}

// QueryNetworkInterfaces lists the server's interfaces, which multichannel
// clients bind additional channels to.
func (t *Tree) QueryNetworkInterfaces(ctx context.Context) ([]smb2.NetworkInterfaceInfo, error) {
	req := &smb2.IoctlRequest{
		CtlCode:           smb2.FSCTL_QUERY_NETWORK_INTERFACE_INFO,
		FileID:            smb2.DummyFileID,
		MaxOutputResponse: 64 * 1024,
		Flags:             smb2.IOCTL_IS_FSCTL,
	}
	resps, err := t.session.Transceive(ctx, NewBatch(t.NewMessage(req)))
	if err != nil {
		return nil, err
	}
	var resp smb2.IoctlResponse
	if err := resp.Decode(resps[0].Body()); err != nil {
		return nil, err
	}
	return smb2.DecodeNetworkInterfaces(resp.Output)
}
