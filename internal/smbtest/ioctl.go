package smbtest

import (
	"crypto/rand"
	"time"

	"github.com/mike76-dev/smbprobe/smb2"
	"go.uber.org/zap"
)

const (
	maxChunkCount      = 256
	maxChunkSize       = 1 << 20
	maxTotalCopySize   = 16 << 20
	defaultResiliency  = 120 * time.Second
	interfaceLinkSpeed = 10_000_000_000
)

// handleIoctl runs the FSCTLs the server implements.
func (c *connection) handleIoctl(r *request) (uint32, []byte) {
	var req smb2.IoctlRequest
	if err := req.Decode(r.body()); err != nil {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}
	if req.Flags&smb2.IOCTL_IS_FSCTL == 0 {
		return smb2.STATUS_NOT_SUPPORTED, nil
	}
	if !c.checkCharge(r, max(len(req.Input), int(req.MaxInputResponse)+int(req.MaxOutputResponse))) {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}

	var status uint32
	var out []byte
	switch req.CtlCode {
	case smb2.FSCTL_VALIDATE_NEGOTIATE_INFO:
		if req.FileID != smb2.DummyFileID {
			return smb2.STATUS_INVALID_PARAMETER, nil
		}
		status, out = c.validateNegotiate(req.Input)
		if status == smb2.STATUS_ACCESS_DENIED {
			c.logger.Warn("validate negotiate mismatch")
		}
	case smb2.FSCTL_QUERY_NETWORK_INTERFACE_INFO:
		status, out = c.queryInterfaces()
	default:
		o := c.lookupOpen(r, req.FileID)
		if o == nil {
			return smb2.STATUS_FILE_CLOSED, nil
		}
		switch req.CtlCode {
		case smb2.FSCTL_PIPE_TRANSCEIVE:
			status, out = c.transceive(o, req.Input, req.MaxOutputResponse)
		case smb2.FSCTL_SRV_REQUEST_RESUME_KEY:
			status, out = c.requestResumeKey(o)
		case smb2.FSCTL_SRV_COPYCHUNK, smb2.FSCTL_SRV_COPYCHUNK_WRITE:
			if st := c.checkChannelSequence(r, o); st != smb2.STATUS_OK {
				return st, nil
			}
			status, out = c.copyChunk(o, req.CtlCode, req.Input)
		case smb2.FSCTL_LMR_REQUEST_RESILIENCY:
			status, out = c.requestResiliency(o, req.Input)
		default:
			return smb2.STATUS_INVALID_DEVICE_REQUEST, nil
		}
	}

	if out == nil && !smb2.IsSuccess(status) && status != smb2.STATUS_BUFFER_OVERFLOW {
		return status, nil
	}
	resp := smb2.IoctlResponse{
		CtlCode: req.CtlCode,
		FileID:  req.FileID,
		Output:  out,
	}
	return status, resp.Encode()
}

func (c *connection) queryInterfaces() (uint32, []byte) {
	s := c.server
	if c.serverCapabilities&smb2.GLOBAL_CAP_MULTI_CHANNEL == 0 {
		return smb2.STATUS_NOT_SUPPORTED, nil
	}
	ifs := s.opts.Interfaces
	if len(ifs) == 0 {
		if addr := localIP(c.conn.LocalAddr()); addr != nil {
			ifs = []smb2.NetworkInterfaceInfo{{
				IfIndex:   1,
				LinkSpeed: interfaceLinkSpeed,
				IP:        addr,
			}}
		}
	}
	return smb2.STATUS_OK, smb2.EncodeNetworkInterfaces(ifs)
}

// transceive passes the input to the pipe handler. Output longer than the
// client accepts is cut and reported with STATUS_BUFFER_OVERFLOW.
func (c *connection) transceive(o *open, in []byte, maxOut uint32) (uint32, []byte) {
	if o.pipe == nil {
		return smb2.STATUS_INVALID_DEVICE_REQUEST, nil
	}
	out, err := o.pipe.Transact(in)
	if err != nil {
		c.logger.Debug("pipe transaction failed", zap.Error(err))
		return smb2.STATUS_INVALID_PARAMETER, nil
	}
	if len(out) > int(maxOut) {
		return smb2.STATUS_BUFFER_OVERFLOW, out[:maxOut]
	}
	return smb2.STATUS_OK, out
}

func (c *connection) requestResumeKey(o *open) (uint32, []byte) {
	s := c.server
	if o.file == nil || o.file.isDir {
		return smb2.STATUS_INVALID_DEVICE_REQUEST, nil
	}
	var key smb2.ResumeKey
	rand.Read(key[:])
	s.resumeKeys[key] = o
	return smb2.STATUS_OK, smb2.EncodeResumeKey(key)
}

// copyChunk copies ranges from the open named by the resume key into o.
func (c *connection) copyChunk(o *open, code uint32, input []byte) (uint32, []byte) {
	s := c.server

	var req smb2.CopychunkRequest
	if err := req.Decode(input); err != nil {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}
	src := s.resumeKeys[req.SourceKey]
	if src == nil || src.file == nil {
		return smb2.STATUS_OBJECT_NAME_NOT_FOUND, nil
	}
	if o.file == nil || o.file.isDir {
		return smb2.STATUS_INVALID_DEVICE_REQUEST, nil
	}
	if o.grantedAccess&smb2.FILE_WRITE_DATA == 0 ||
		(code == smb2.FSCTL_SRV_COPYCHUNK && o.grantedAccess&smb2.FILE_READ_DATA == 0) ||
		src.grantedAccess&smb2.FILE_READ_DATA == 0 {
		return smb2.STATUS_ACCESS_DENIED, nil
	}

	limits := smb2.CopychunkResponse{
		ChunksWritten:     maxChunkCount,
		ChunkBytesWritten: maxChunkSize,
		TotalBytesWritten: maxTotalCopySize,
	}
	total := 0
	for _, ch := range req.Chunks {
		total += int(ch.Length)
		if ch.Length == 0 || ch.Length > maxChunkSize {
			return smb2.STATUS_INVALID_PARAMETER, limits.Encode()
		}
	}
	if len(req.Chunks) > maxChunkCount || total > maxTotalCopySize {
		return smb2.STATUS_INVALID_PARAMETER, limits.Encode()
	}

	var resp smb2.CopychunkResponse
	now := s.now()
	for _, ch := range req.Chunks {
		end := ch.SourceOffset + uint64(ch.Length)
		if end > uint64(len(src.file.data)) {
			break
		}
		if s.lockConflict(src.file, src, ch.SourceOffset, uint64(ch.Length), false) ||
			s.lockConflict(o.file, o, ch.TargetOffset, uint64(ch.Length), true) {
			return smb2.STATUS_FILE_LOCK_CONFLICT, nil
		}
		data := append([]byte(nil), src.file.data[ch.SourceOffset:end]...)
		o.file.write(ch.TargetOffset, data, now)
		resp.ChunksWritten++
		resp.TotalBytesWritten += ch.Length
	}
	if resp.ChunksWritten > 0 {
		s.breakForWrite(o.file, o)
		s.notifyChange(o.share, o.file.name, smb2.FILE_ACTION_MODIFIED)
	}
	return smb2.STATUS_OK, resp.Encode()
}

// requestResiliency keeps o alive across a disconnect for the requested
// time.
func (c *connection) requestResiliency(o *open, input []byte) (uint32, []byte) {
	if c.dialect == smb2.SMB_DIALECT_202 || o.file == nil {
		return smb2.STATUS_INVALID_DEVICE_REQUEST, nil
	}
	if len(input) < smb2.NetworkResiliencyRequestSize {
		return smb2.STATUS_BUFFER_TOO_SMALL, nil
	}
	var req smb2.NetworkResiliencyRequest
	if err := req.Decode(input); err != nil {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}
	timeout := time.Duration(req.Timeout) * time.Millisecond
	if timeout > maxResiliencyTimeout {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}
	if timeout == 0 {
		timeout = defaultResiliency
	}
	o.isResilient = true
	o.resiliencyTimeout = timeout

	c.logger.Debug("open made resilient", zap.Stringer("file", o.fileID), zap.Duration("timeout", timeout))
	return smb2.STATUS_OK, []byte{}
}
