package smbtest

import (
	"encoding/binary"

	"github.com/mike76-dev/smbprobe/smb2"
	"github.com/mike76-dev/smbprobe/utils"
	"go.uber.org/zap"
)

// checkCharge verifies that a request moving size bytes paid enough
// credits for it.
func (c *connection) checkCharge(r *request, size int) bool {
	if !c.supportsMultiCredit {
		return size <= 65536
	}
	return c.creditCharge(r.hdr) >= utils.Ceil(max(size, 1), 65536)
}

// checkChannelSequence fences a write-class request tagged with a channel
// sequence older than the one the open has seen.
func (c *connection) checkChannelSequence(r *request, o *open) uint32 {
	if !smb2.Is3X(c.dialect) {
		return smb2.STATUS_OK
	}
	seq := r.hdr.ChannelSequence()
	diff := int16(seq - o.channelSequence)
	switch {
	case diff < 0:
		c.logger.Debug("stale channel sequence",
			zap.Stringer("file", o.fileID),
			zap.Uint16("request", seq),
			zap.Uint16("open", o.channelSequence),
		)
		return smb2.STATUS_FILE_NOT_AVAILABLE
	case diff > 0:
		o.channelSequence = seq
	}
	return smb2.STATUS_OK
}

func (c *connection) handleRead(r *request) (uint32, []byte) {
	var req smb2.ReadRequest
	if err := req.Decode(r.body()); err != nil {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}
	if req.Length > MaxReadSize || !c.checkCharge(r, int(req.Length)) {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}
	o := c.lookupOpen(r, req.FileID)
	if o == nil {
		return smb2.STATUS_FILE_CLOSED, nil
	}
	if o.pipe != nil {
		return smb2.STATUS_INVALID_DEVICE_REQUEST, nil
	}
	f := o.file
	if f.isDir {
		return smb2.STATUS_INVALID_DEVICE_REQUEST, nil
	}
	if o.grantedAccess&(smb2.FILE_READ_DATA|smb2.FILE_EXECUTE) == 0 {
		return smb2.STATUS_ACCESS_DENIED, nil
	}
	if c.server.lockConflict(f, o, req.Offset, uint64(req.Length), false) {
		return smb2.STATUS_FILE_LOCK_CONFLICT, nil
	}

	size := uint64(len(f.data))
	if req.Offset >= size {
		return smb2.STATUS_END_OF_FILE, nil
	}
	end := min(size, req.Offset+uint64(req.Length))
	if end-req.Offset < uint64(req.MinimumCount) {
		return smb2.STATUS_END_OF_FILE, nil
	}

	resp := smb2.ReadResponse{Data: append([]byte(nil), f.data[req.Offset:end]...)}
	return smb2.STATUS_OK, resp.Encode()
}

func (c *connection) handleWrite(r *request) (uint32, []byte) {
	s := c.server

	var req smb2.WriteRequest
	if err := req.Decode(r.body()); err != nil {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}
	if len(req.Data) > MaxWriteSize || !c.checkCharge(r, len(req.Data)) {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}
	o := c.lookupOpen(r, req.FileID)
	if o == nil {
		return smb2.STATUS_FILE_CLOSED, nil
	}
	if status := c.checkChannelSequence(r, o); status != smb2.STATUS_OK {
		return status, nil
	}
	if o.pipe != nil || o.file.isDir {
		return smb2.STATUS_INVALID_DEVICE_REQUEST, nil
	}
	if o.grantedAccess&(smb2.FILE_WRITE_DATA|smb2.FILE_APPEND_DATA) == 0 {
		return smb2.STATUS_ACCESS_DENIED, nil
	}
	f := o.file
	if s.lockConflict(f, o, req.Offset, uint64(len(req.Data)), true) {
		return smb2.STATUS_FILE_LOCK_CONFLICT, nil
	}

	f.write(req.Offset, req.Data, s.now())
	s.breakForWrite(f, o)
	s.notifyChange(o.share, f.name, smb2.FILE_ACTION_MODIFIED)

	resp := smb2.WriteResponse{Count: uint32(len(req.Data))}
	return smb2.STATUS_OK, resp.Encode()
}

func (c *connection) handleFlush(r *request) (uint32, []byte) {
	var req smb2.FlushRequest
	if err := req.Decode(r.body()); err != nil {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}
	if c.lookupOpen(r, req.FileID) == nil {
		return smb2.STATUS_FILE_CLOSED, nil
	}
	return smb2.STATUS_OK, smb2.EmptyResponse{}.Encode()
}

func (c *connection) handleQueryInfo(r *request) (uint32, []byte) {
	var req smb2.QueryInfoRequest
	if err := req.Decode(r.body()); err != nil {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}
	o := c.lookupOpen(r, req.FileID)
	if o == nil {
		return smb2.STATUS_FILE_CLOSED, nil
	}
	if req.InfoType != smb2.INFO_FILE || o.file == nil {
		return smb2.STATUS_NOT_SUPPORTED, nil
	}
	f := o.file

	var out []byte
	switch req.FileInfoClass {
	case smb2.FileStandardInformation:
		info := f.standardInfo()
		out = info.Encode()
	case smb2.FileBasicInformation:
		info := smb2.FileBasicInfo{
			CreationTime:   f.creationTime,
			LastAccessTime: f.lastWriteTime,
			LastWriteTime:  f.lastWriteTime,
			ChangeTime:     f.lastWriteTime,
			FileAttributes: f.attributes,
		}
		out = info.Encode()
	case smb2.FileInternalInformation:
		out = make([]byte, smb2.FileInternalInformationSize)
		binary.LittleEndian.PutUint64(out, o.fileID.Persistent())
	case smb2.FileEndOfFileInformation:
		out = smb2.EndOfFileInfo(uint64(len(f.data)))
	default:
		return smb2.STATUS_INVALID_INFO_CLASS, nil
	}
	if len(out) > int(req.OutputBufferLength) {
		return smb2.STATUS_INFO_LENGTH_MISMATCH, nil
	}

	resp := smb2.QueryInfoResponse{Output: out}
	return smb2.STATUS_OK, resp.Encode()
}

func (c *connection) handleSetInfo(r *request) (uint32, []byte) {
	s := c.server

	var req smb2.SetInfoRequest
	if err := req.Decode(r.body()); err != nil {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}
	o := c.lookupOpen(r, req.FileID)
	if o == nil {
		return smb2.STATUS_FILE_CLOSED, nil
	}
	if status := c.checkChannelSequence(r, o); status != smb2.STATUS_OK {
		return status, nil
	}
	if req.InfoType != smb2.INFO_FILE || o.file == nil {
		return smb2.STATUS_NOT_SUPPORTED, nil
	}
	f := o.file
	now := s.now()

	switch req.FileInfoClass {
	case smb2.FileEndOfFileInformation:
		if len(req.Info) < smb2.FileEndOfFileInformationSize {
			return smb2.STATUS_INFO_LENGTH_MISMATCH, nil
		}
		if f.isDir {
			return smb2.STATUS_INVALID_PARAMETER, nil
		}
		if o.grantedAccess&smb2.FILE_WRITE_DATA == 0 {
			return smb2.STATUS_ACCESS_DENIED, nil
		}
		f.truncate(binary.LittleEndian.Uint64(req.Info), now)
		s.breakForWrite(f, o)
		s.notifyChange(o.share, f.name, smb2.FILE_ACTION_MODIFIED)
	case smb2.FileDispositionInformation:
		if len(req.Info) < smb2.FileDispositionInformationSize {
			return smb2.STATUS_INFO_LENGTH_MISMATCH, nil
		}
		if o.grantedAccess&smb2.DELETE == 0 {
			return smb2.STATUS_ACCESS_DENIED, nil
		}
		if req.Info[0] != 0 && f.isDir && s.hasChildren(o.share, f) {
			return smb2.STATUS_DIRECTORY_NOT_EMPTY, nil
		}
		f.deletePending = req.Info[0] != 0
	case smb2.FileBasicInformation:
		var info smb2.FileBasicInfo
		if err := info.Decode(req.Info); err != nil {
			return smb2.STATUS_INFO_LENGTH_MISMATCH, nil
		}
		if o.grantedAccess&smb2.FILE_WRITE_ATTRIBUTES == 0 {
			return smb2.STATUS_ACCESS_DENIED, nil
		}
		if !info.CreationTime.IsZero() {
			f.creationTime = info.CreationTime
		}
		if !info.LastWriteTime.IsZero() {
			f.lastWriteTime = info.LastWriteTime
		}
		if info.FileAttributes != 0 {
			f.attributes = info.FileAttributes&^smb2.FILE_ATTRIBUTE_DIRECTORY | f.attributes&smb2.FILE_ATTRIBUTE_DIRECTORY
		}
	default:
		return smb2.STATUS_INVALID_INFO_CLASS, nil
	}

	return smb2.STATUS_OK, smb2.SetInfoResponse{}.Encode()
}

func (s *Server) hasChildren(sh *share, dir *file) bool {
	for name, f := range sh.files {
		if f != dir && parentPath(name) == dir.name && name != "" {
			return true
		}
	}
	return false
}
