package smbtest

import (
	"slices"
	"time"

	"github.com/mike76-dev/smbprobe/smb2"
	"go.uber.org/zap"
)

const (
	genericRead    = 0x00120089
	genericWrite   = 0x00120116
	genericExecute = 0x001200a0
)

// open represents an Open object.
type open struct {
	fileID        smb2.FileID
	file          *file
	share         *share
	treeConnect   *treeConnect
	session       *session
	clientGuid    [16]byte
	userName      string
	grantedAccess uint32
	shareAccess   uint32
	createOptions uint32
	pipe          PipeHandler

	oplockLevel    uint8
	oplockBreaking bool
	oplockBreakTo  uint8
	lease          *lease

	isDurable         bool
	isPersistent      bool
	durableTimeout    time.Duration
	createGuid        [16]byte
	hasCreateGuid     bool
	isResilient       bool
	resiliencyTimeout time.Duration
	disconnected      bool
	disconnectTime    time.Time

	channelSequence uint16
	deleteOnClose   bool
	notifies        []*pendingNotify
}

// leaseID identifies a lease across the opens of one client.
type leaseID struct {
	clientGuid [16]byte
	key        [16]byte
}

// lease represents a Lease object shared by the opens with the same key.
type lease struct {
	id        leaseID
	file      *file
	state     smb2.LeaseState
	epoch     uint16
	v2        bool
	parentKey [16]byte
	breaking  bool
	breakTo   smb2.LeaseState
	opens     []*open
}

func (l *lease) context() smb2.CreateContext {
	ctx := smb2.Lease{
		Key:       l.id.key,
		State:     l.state,
		ParentKey: l.parentKey,
		Epoch:     l.epoch,
		V2:        l.v2,
	}
	if l.breaking {
		ctx.Flags |= smb2.LEASE_FLAG_BREAK_IN_PROGRESS
	}
	if l.v2 && l.parentKey != [16]byte{} {
		ctx.Flags |= smb2.LEASE_FLAG_PARENT_LEASE_KEY_SET
	}
	return ctx.Context()
}

// survivesDisconnect reports whether the open is kept when its session
// loses the last channel.
func (o *open) survivesDisconnect() bool {
	return o.file != nil && (o.isDurable || o.isPersistent || o.isResilient)
}

func (o *open) disconnect(now time.Time) {
	o.disconnected = true
	o.disconnectTime = now
	o.session = nil
	o.treeConnect = nil
}

// timeout is how long a disconnected open is kept.
func (o *open) timeout() time.Duration {
	if o.isResilient {
		return o.resiliencyTimeout
	}
	return o.durableTimeout
}

// cachesHandle reports whether a disconnected open holds caching that a
// conflicting open would have to break.
func (o *open) cachesHandle() bool {
	if o.lease != nil {
		return o.lease.state&(smb2.LEASE_WRITE_CACHING|smb2.LEASE_HANDLE_CACHING) != 0
	}
	return smb2.OplockRank(o.oplockLevel) >= smb2.OplockRank(smb2.OPLOCK_LEVEL_EXCLUSIVE)
}

func mapAccess(desired, maximal uint32) uint32 {
	access := desired &^ (smb2.GENERIC_ALL | smb2.GENERIC_READ | smb2.GENERIC_WRITE | smb2.GENERIC_EXECUTE | smb2.MAXIMUM_ALLOWED)
	if desired&smb2.GENERIC_ALL != 0 {
		access |= fullAccess
	}
	if desired&smb2.GENERIC_READ != 0 {
		access |= genericRead
	}
	if desired&smb2.GENERIC_WRITE != 0 {
		access |= genericWrite
	}
	if desired&smb2.GENERIC_EXECUTE != 0 {
		access |= genericExecute
	}
	if desired&smb2.MAXIMUM_ALLOWED != 0 {
		access |= maximal
	}
	return access
}

// shareConflict reports whether an open with access and share mode cannot
// coexist with o.
func shareConflict(o *open, access, share uint32) bool {
	reads := func(a uint32) bool { return a&(smb2.FILE_READ_DATA|smb2.FILE_EXECUTE) != 0 }
	writes := func(a uint32) bool { return a&(smb2.FILE_WRITE_DATA|smb2.FILE_APPEND_DATA) != 0 }
	deletes := func(a uint32) bool { return a&smb2.DELETE != 0 }

	switch {
	case reads(access) && o.shareAccess&smb2.FILE_SHARE_READ == 0,
		writes(access) && o.shareAccess&smb2.FILE_SHARE_WRITE == 0,
		deletes(access) && o.shareAccess&smb2.FILE_SHARE_DELETE == 0,
		reads(o.grantedAccess) && share&smb2.FILE_SHARE_READ == 0,
		writes(o.grantedAccess) && share&smb2.FILE_SHARE_WRITE == 0,
		deletes(o.grantedAccess) && share&smb2.FILE_SHARE_DELETE == 0:
		return true
	}
	return false
}

// lookupOpen finds the open a request refers to on its session and tree.
func (c *connection) lookupOpen(r *request, id smb2.FileID) *open {
	o := r.session.openTable[r.fileID(id)]
	if o == nil || o.treeConnect != r.tree {
		return nil
	}
	r.st.fileID = o.fileID
	return o
}

// handleCreate opens or creates a file, reclaims a durable open or answers
// a replayed create.
func (c *connection) handleCreate(r *request) (uint32, []byte) {
	s := c.server
	ss := r.session
	tc := r.tree
	sh := tc.share

	var req smb2.CreateRequest
	if err := req.Decode(r.body()); err != nil {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}

	s.scavenge()

	if data, ok := smb2.FindCreateContext(req.Contexts, smb2.CREATE_DURABLE_HANDLE_RECONNECT_V2); ok {
		var dh smb2.DurableHandleV2
		if err := dh.DecodeReconnect(data); err != nil {
			return smb2.STATUS_INVALID_PARAMETER, nil
		}
		return c.reconnectOpen(r, &req, dh.FileID, &dh)
	}
	if data, ok := smb2.FindCreateContext(req.Contexts, smb2.CREATE_DURABLE_HANDLE_RECONNECT); ok {
		if len(data) < 16 {
			return smb2.STATUS_INVALID_PARAMETER, nil
		}
		return c.reconnectOpen(r, &req, smb2.FileID(data[:16]), nil)
	}

	var dh2 *smb2.DurableHandleV2
	if data, ok := smb2.FindCreateContext(req.Contexts, smb2.CREATE_DURABLE_HANDLE_REQUEST_V2); ok && smb2.Is3X(c.dialect) {
		dh2 = new(smb2.DurableHandleV2)
		if err := dh2.DecodeRequest(data); err != nil {
			return smb2.STATUS_INVALID_PARAMETER, nil
		}
		if o := s.findCreateGuid(c.clientGuid, dh2.CreateGuid); o != nil {
			if !r.hdr.IsFlagSet(smb2.FLAGS_REPLAY_OPERATION) {
				return smb2.STATUS_DUPLICATE_OBJECTID, nil
			}
			if o.disconnected || o.session != ss {
				return smb2.STATUS_FILE_NOT_AVAILABLE, nil
			}
			c.logger.Debug("create replayed", zap.Stringer("file", o.fileID))
			r.st.fileID = o.fileID
			return smb2.STATUS_OK, c.createResponse(o, smb2.FILE_OPENED, c.grantedContexts(o, true))
		}
	}

	if sh.shareType == smb2.SHARE_TYPE_PIPE {
		return c.openPipe(r, &req)
	}

	access := mapAccess(req.DesiredAccess, tc.maximalAccess)
	if access&^tc.maximalAccess != 0 {
		return smb2.STATUS_ACCESS_DENIED, nil
	}

	name := normalizePath(req.Name)
	now := s.now()
	wantDir := req.CreateOptions&smb2.FILE_DIRECTORY_FILE != 0

	f := sh.lookup(name, false, false, now)
	action := uint32(smb2.FILE_OPENED)
	switch req.CreateDisposition {
	case smb2.FILE_OPEN, smb2.FILE_OVERWRITE:
		if f == nil {
			if _, ok := sh.files[parentPath(name)]; !ok {
				return smb2.STATUS_OBJECT_PATH_NOT_FOUND, nil
			}
			return smb2.STATUS_OBJECT_NAME_NOT_FOUND, nil
		}
	case smb2.FILE_CREATE:
		if f != nil {
			return smb2.STATUS_OBJECT_NAME_COLLISION, nil
		}
	case smb2.FILE_OPEN_IF, smb2.FILE_OVERWRITE_IF, smb2.FILE_SUPERSEDE:
	default:
		return smb2.STATUS_INVALID_PARAMETER, nil
	}
	if f != nil {
		if f.deletePending {
			return smb2.STATUS_DELETE_PENDING, nil
		}
		if wantDir && !f.isDir {
			return smb2.STATUS_NOT_A_DIRECTORY, nil
		}
		if f.isDir && req.CreateOptions&smb2.FILE_NON_DIRECTORY_FILE != 0 {
			return smb2.STATUS_FILE_IS_A_DIRECTORY, nil
		}
	}
	overwrite := f != nil && !f.isDir && (req.CreateDisposition == smb2.FILE_OVERWRITE ||
		req.CreateDisposition == smb2.FILE_OVERWRITE_IF || req.CreateDisposition == smb2.FILE_SUPERSEDE)

	var lr *smb2.Lease
	if req.RequestedOplockLevel == smb2.OPLOCK_LEVEL_LEASE && c.dialect != smb2.SMB_DIALECT_202 {
		if data, ok := smb2.FindCreateContext(req.Contexts, smb2.CREATE_REQUEST_LEASE); ok {
			lr = new(smb2.Lease)
			if err := lr.Decode(data); err != nil {
				return smb2.STATUS_INVALID_PARAMETER, nil
			}
		}
	}
	var l *lease
	if lr != nil {
		l = s.leaseTable[leaseID{c.clientGuid, lr.Key}]
		if l != nil && l.file != f {
			return smb2.STATUS_INVALID_PARAMETER, nil
		}
	}

	if f != nil {
		if status := s.resolveConflicts(c, f, access, req.ShareAccess, l, overwrite); status != smb2.STATUS_OK {
			return status, nil
		}
	}

	if f == nil {
		f = sh.lookup(name, true, wantDir, now)
		if f == nil {
			return smb2.STATUS_OBJECT_PATH_NOT_FOUND, nil
		}
		action = smb2.FILE_CREATED
		if req.FileAttributes != 0 && !wantDir {
			f.attributes = req.FileAttributes &^ smb2.FILE_ATTRIBUTE_DIRECTORY
		}
		s.notifyChange(sh, f.name, smb2.FILE_ACTION_ADDED)
	} else if overwrite {
		f.truncate(0, now)
		action = smb2.FILE_OVERWRITTEN
		if req.CreateDisposition == smb2.FILE_SUPERSEDE {
			action = smb2.FILE_SUPERSEDED
		}
		s.notifyChange(sh, f.name, smb2.FILE_ACTION_MODIFIED)
	}

	id := smb2.NewFileID(s.nextFileID, s.nextFileID)
	s.nextFileID++
	o := &open{
		fileID:        id,
		file:          f,
		share:         sh,
		treeConnect:   tc,
		session:       ss,
		clientGuid:    c.clientGuid,
		userName:      ss.userName,
		grantedAccess: access,
		shareAccess:   req.ShareAccess,
		createOptions: req.CreateOptions,
		deleteOnClose: req.CreateOptions&smb2.FILE_DELETE_ON_CLOSE != 0,
	}

	switch {
	case lr != nil:
		s.grantLease(o, l, lr)
	case req.RequestedOplockLevel != smb2.OPLOCK_LEVEL_LEASE && !f.isDir:
		o.oplockLevel = smb2.GrantOplock(req.RequestedOplockLevel, len(f.opens) > 0)
	}

	durable := false
	switch {
	case dh2 != nil:
		persistent := dh2.Flags&smb2.DHANDLE_FLAG_PERSISTENT != 0 &&
			sh.continuouslyAvailable && s.opts.PersistentHandles
		if persistent || o.cachesHandle() {
			o.hasCreateGuid = true
			o.createGuid = dh2.CreateGuid
			o.isPersistent = persistent
			o.isDurable = !persistent
			o.durableTimeout = s.durableTimeout(dh2.Timeout)
			durable = true
		}
	default:
		if _, ok := smb2.FindCreateContext(req.Contexts, smb2.CREATE_DURABLE_HANDLE_REQUEST); ok && o.cachesHandle() {
			o.isDurable = true
			o.durableTimeout = s.opts.DurableTimeout
			durable = true
		}
	}

	f.opens = append(f.opens, o)
	s.globalOpenTable[id] = o
	ss.openTable[id] = o
	tc.openCount++
	s.stats.fOpens++
	r.st.fileID = id

	c.logger.Debug("file opened",
		zap.String("name", f.name),
		zap.Stringer("file", id),
		zap.Uint8("oplock", o.oplockLevel),
		zap.Bool("durable", durable),
		zap.Bool("persistent", o.isPersistent),
	)

	return smb2.STATUS_OK, c.createResponse(o, action, c.grantedContexts(o, durable))
}

// durableTimeout turns a requested timeout in milliseconds into the one
// granted.
func (s *Server) durableTimeout(ms uint32) time.Duration {
	if ms == 0 {
		return s.opts.DurableTimeout
	}
	return min(time.Duration(ms)*time.Millisecond, s.opts.MaxDurableTimeout)
}

func (s *Server) findCreateGuid(clientGuid, createGuid [16]byte) *open {
	for _, o := range s.globalOpenTable {
		if o.hasCreateGuid && o.createGuid == createGuid && o.clientGuid == clientGuid {
			return o
		}
	}
	return nil
}

// resolveConflicts checks a new open of f against the existing ones. It
// purges disconnected opens that stand in the way and breaks the caching
// of the others.
func (s *Server) resolveConflicts(c *connection, f *file, access, share uint32, l *lease, overwrite bool) uint32 {
	for _, o := range slices.Clone(f.opens) {
		if !o.disconnected {
			continue
		}
		if o.isPersistent {
			if o.clientGuid != c.clientGuid && shareConflict(o, access, share) {
				return smb2.STATUS_FILE_NOT_AVAILABLE
			}
			continue
		}
		if o.cachesHandle() || shareConflict(o, access, share) {
			c.logger.Debug("purging disconnected open", zap.Stringer("file", o.fileID))
			s.closeOpen(o)
		}
	}

	violation := false
	for _, o := range f.opens {
		if shareConflict(o, access, share) {
			violation = true
			break
		}
	}

	cause := smb2.BreakOpen
	switch {
	case violation:
		cause = smb2.BreakSharingViolation
	case overwrite:
		cause = smb2.BreakWrite
	}

	seen := make(map[*lease]bool)
	for _, o := range slices.Clone(f.opens) {
		switch {
		case o.lease != nil:
			if o.lease == l || seen[o.lease] {
				continue
			}
			seen[o.lease] = true
			s.breakLease(o.lease, smb2.BreakLease(o.lease.state, cause))
		case o.oplockLevel != smb2.OPLOCK_LEVEL_NONE:
			s.breakOplock(o, smb2.BreakOplock(o.oplockLevel, cause))
		}
	}

	if violation {
		return smb2.STATUS_SHARING_VIOLATION
	}
	return smb2.STATUS_OK
}

// grantLease attaches o to the lease it asked for, creating the lease when
// the key is new.
func (s *Server) grantLease(o *open, l *lease, lr *smb2.Lease) {
	f := o.file
	var held []smb2.LeaseState
	for _, other := range f.opens {
		switch {
		case other.lease == l && l != nil:
		case other.lease != nil:
			held = append(held, other.lease.state)
		default:
			held = append(held, smb2.LEASE_READ_CACHING)
		}
	}

	want := lr.State
	if f.isDir {
		want &^= smb2.LEASE_WRITE_CACHING
	}
	granted := smb2.GrantLease(want, held)

	if l == nil {
		l = &lease{
			id:        leaseID{o.clientGuid, lr.Key},
			file:      f,
			state:     granted,
			v2:        lr.V2,
			parentKey: lr.ParentKey,
		}
		if l.v2 {
			l.epoch = 1
		}
		s.leaseTable[l.id] = l
	} else if !l.breaking {
		state := l.state | granted
		if !state.Valid() {
			state = l.state
		}
		if state != l.state {
			l.state = state
			if l.v2 {
				l.epoch++
			}
		}
	}

	l.opens = append(l.opens, o)
	o.lease = l
	o.oplockLevel = smb2.OPLOCK_LEVEL_LEASE
}

// grantedContexts returns the create contexts describing the caching and
// durability of o.
func (c *connection) grantedContexts(o *open, durable bool) []smb2.CreateContext {
	var ccs []smb2.CreateContext
	if o.lease != nil {
		ccs = append(ccs, o.lease.context())
	}
	if !durable {
		return ccs
	}
	if o.hasCreateGuid {
		dh := smb2.DurableHandleV2{Timeout: uint32(o.durableTimeout.Milliseconds())}
		if o.isPersistent {
			dh.Flags = smb2.DHANDLE_FLAG_PERSISTENT
		}
		return append(ccs, dh.ResponseContext())
	}
	return append(ccs, smb2.CreateContext{Name: smb2.CREATE_DURABLE_HANDLE_REQUEST, Data: make([]byte, 8)})
}

func (c *connection) createResponse(o *open, action uint32, ccs []smb2.CreateContext) []byte {
	resp := smb2.CreateResponse{
		OplockLevel:    o.oplockLevel,
		CreateAction:   action,
		FileAttributes: smb2.FILE_ATTRIBUTE_NORMAL,
		FileID:         o.fileID,
		Contexts:       ccs,
	}
	if f := o.file; f != nil {
		info := f.standardInfo()
		resp.CreationTime = f.creationTime
		resp.LastAccessTime = f.lastWriteTime
		resp.LastWriteTime = f.lastWriteTime
		resp.ChangeTime = f.lastWriteTime
		resp.AllocationSize = info.AllocationSize
		resp.EndOfFile = info.EndOfFile
		resp.FileAttributes = f.attributes
	}
	return resp.Encode()
}

// reconnectOpen reattaches a disconnected durable or resilient open to the
// session of the request.
func (c *connection) reconnectOpen(r *request, req *smb2.CreateRequest, id smb2.FileID, dh *smb2.DurableHandleV2) (uint32, []byte) {
	s := c.server
	ss := r.session

	o := s.globalOpenTable[id]
	switch {
	case o == nil, o.file == nil, !o.disconnected:
		return smb2.STATUS_OBJECT_NAME_NOT_FOUND, nil
	case dh != nil && (!o.hasCreateGuid || o.createGuid != dh.CreateGuid):
		return smb2.STATUS_OBJECT_NAME_NOT_FOUND, nil
	case dh == nil && o.hasCreateGuid:
		return smb2.STATUS_OBJECT_NAME_NOT_FOUND, nil
	case dh != nil && (dh.Flags&smb2.DHANDLE_FLAG_PERSISTENT != 0) != o.isPersistent:
		return smb2.STATUS_INVALID_PARAMETER, nil
	case o.clientGuid != c.clientGuid, o.userName != ss.userName:
		return smb2.STATUS_ACCESS_DENIED, nil
	case o.share != r.tree.share:
		return smb2.STATUS_OBJECT_NAME_NOT_FOUND, nil
	}

	if o.lease != nil {
		data, ok := smb2.FindCreateContext(req.Contexts, smb2.CREATE_REQUEST_LEASE)
		if !ok {
			return smb2.STATUS_OBJECT_NAME_NOT_FOUND, nil
		}
		var lr smb2.Lease
		if err := lr.Decode(data); err != nil || lr.Key != o.lease.id.key {
			return smb2.STATUS_OBJECT_NAME_NOT_FOUND, nil
		}
	}

	o.disconnected = false
	o.disconnectTime = time.Time{}
	o.session = ss
	o.treeConnect = r.tree
	ss.openTable[id] = o
	r.tree.openCount++
	r.st.fileID = id

	c.logger.Debug("open reconnected",
		zap.Stringer("file", id),
		zap.Bool("persistent", o.isPersistent),
		zap.Bool("resilient", o.isResilient),
	)

	return smb2.STATUS_OK, c.createResponse(o, smb2.FILE_OPENED, c.grantedContexts(o, false))
}

// openPipe opens a named pipe on an IPC share.
func (c *connection) openPipe(r *request, req *smb2.CreateRequest) (uint32, []byte) {
	s := c.server
	ss := r.session
	tc := r.tree

	newHandler, ok := tc.share.pipes[normalizePath(req.Name)]
	if !ok {
		return smb2.STATUS_OBJECT_NAME_NOT_FOUND, nil
	}

	id := smb2.NewFileID(s.nextFileID, s.nextFileID)
	s.nextFileID++
	o := &open{
		fileID:        id,
		share:         tc.share,
		treeConnect:   tc,
		session:       ss,
		clientGuid:    c.clientGuid,
		userName:      ss.userName,
		grantedAccess: mapAccess(req.DesiredAccess, fullAccess),
		shareAccess:   req.ShareAccess,
		pipe:          newHandler(),
	}
	s.globalOpenTable[id] = o
	ss.openTable[id] = o
	tc.openCount++
	s.stats.fOpens++
	r.st.fileID = id

	return smb2.STATUS_OK, c.createResponse(o, smb2.FILE_OPENED, nil)
}

// handleClose closes an open, returning its attributes on request.
func (c *connection) handleClose(r *request) (uint32, []byte) {
	s := c.server

	var req smb2.CloseRequest
	if err := req.Decode(r.body()); err != nil {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}
	o := c.lookupOpen(r, req.FileID)
	if o == nil {
		return smb2.STATUS_FILE_CLOSED, nil
	}

	var resp smb2.CloseResponse
	if f := o.file; f != nil && req.Flags&smb2.CLOSE_FLAG_POSTQUERY_ATTRIB != 0 {
		info := f.standardInfo()
		resp = smb2.CloseResponse{
			Flags:          smb2.CLOSE_FLAG_POSTQUERY_ATTRIB,
			CreationTime:   f.creationTime,
			LastAccessTime: f.lastWriteTime,
			LastWriteTime:  f.lastWriteTime,
			ChangeTime:     f.lastWriteTime,
			AllocationSize: info.AllocationSize,
			EndOfFile:      info.EndOfFile,
			FileAttributes: f.attributes,
		}
	}

	s.closeOpen(o)
	return smb2.STATUS_OK, resp.Encode()
}

// closeOpen removes an open from every table, releases its locks and
// completes what is pending on it. The file goes away when it was marked
// for deletion and this was its last open.
func (s *Server) closeOpen(o *open) {
	delete(s.globalOpenTable, o.fileID)
	if o.session != nil {
		delete(o.session.openTable, o.fileID)
	}
	if o.treeConnect != nil && o.treeConnect.openCount > 0 {
		o.treeConnect.openCount--
	}
	if s.stats.fOpens > 0 {
		s.stats.fOpens--
	}
	for key, ro := range s.resumeKeys {
		if ro == o {
			delete(s.resumeKeys, key)
		}
	}

	for _, pn := range o.notifies {
		pn.conn.completeAsync(pn.ac, smb2.STATUS_NOTIFY_CLEANUP, nil)
	}
	o.notifies = nil

	if l := o.lease; l != nil {
		l.opens = slices.DeleteFunc(l.opens, func(x *open) bool { return x == o })
		if len(l.opens) == 0 {
			delete(s.leaseTable, l.id)
		}
	}

	f := o.file
	if f == nil {
		return
	}
	f.opens = slices.DeleteFunc(f.opens, func(x *open) bool { return x == o })
	s.releaseLocks(f, o)

	if o.deleteOnClose {
		f.deletePending = true
	}
	if f.deletePending && len(f.opens) == 0 {
		s.notifyChange(o.share, f.name, smb2.FILE_ACTION_REMOVED)
		o.share.remove(f)
	}
}

// scavenge closes disconnected opens whose timeout has passed.
func (s *Server) scavenge() {
	now := s.now()
	for _, o := range s.globalOpenTable {
		if !o.disconnected {
			continue
		}
		if now.Sub(o.disconnectTime) > o.timeout() {
			s.logger.Debug("durable open expired", zap.Stringer("file", o.fileID))
			s.closeOpen(o)
		}
	}
}
