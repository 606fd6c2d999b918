package client

import (
	"context"
	"fmt"

	"github.com/mike76-dev/smbprobe/smb2"
)

// do sends a single request on the open and waits for its response.
func (o *Open) do(ctx context.Context, req smb2.FileRequest, allow ...uint32) (smb2.Header, error) {
	if err := o.usable(); err != nil {
		return nil, err
	}
	pm := o.NewMessage(req).Allow(allow...)
	resps, err := o.Tree().session.Transceive(ctx, NewBatch(pm))
	if err != nil {
		return nil, err
	}
	return resps[0], nil
}

// submit sends a single request on the open and returns its future.
func (o *Open) submit(ctx context.Context, req smb2.FileRequest) (*Future, error) {
	if err := o.usable(); err != nil {
		return nil, err
	}
	fs, err := o.Tree().session.Submit(ctx, NewBatch(o.NewMessage(req)))
	if err != nil {
		return nil, err
	}
	return fs[0], nil
}

// BreakInProgress reports whether a lease break of the open is waiting for
// its acknowledgment to complete.
func (o *Open) BreakInProgress() bool {
	o.mu.Lock()
	l := o.lease
	o.mu.Unlock()
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.breaking
}

// Read reads up to n bytes at off. A read at or past the end of the file
// returns no data and no error.
func (o *Open) Read(ctx context.Context, off uint64, n uint32) ([]byte, error) {
	h, err := o.do(ctx, &smb2.ReadRequest{Offset: off, Length: n})
	if IsStatus(err, smb2.STATUS_END_OF_FILE) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var resp smb2.ReadResponse
	if err := resp.Decode(h.Body()); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Write writes data at off and returns the count the server reports.
func (o *Open) Write(ctx context.Context, off uint64, data []byte) (int, error) {
	h, err := o.do(ctx, &smb2.WriteRequest{Offset: off, Data: data})
	if err != nil {
		return 0, err
	}
	var resp smb2.WriteResponse
	if err := resp.Decode(h.Body()); err != nil {
		return 0, err
	}
	return int(resp.Count), nil
}

// WriteMessage builds a WRITE without sending it. It is tagged with the
// session's current channel sequence.
func (o *Open) WriteMessage(off uint64, data []byte) *PendingMessage {
	return o.NewMessage(&smb2.WriteRequest{Offset: off, Data: data})
}

// Flush flushes cached data of the open on the server.
func (o *Open) Flush(ctx context.Context) error {
	_, err := o.do(ctx, &smb2.FlushRequest{})
	return err
}

// Lock acquires or releases byte-range locks and waits for the outcome.
func (o *Open) Lock(ctx context.Context, locks ...smb2.Lock) error {
	f, err := o.LockAsync(ctx, locks...)
	if err != nil {
		return err
	}
	_, err = f.Result(ctx)
	return err
}

// LockAsync sends a LOCK and returns its future. A blocking lock that
// conflicts stays pending until it is granted or cancelled.
func (o *Open) LockAsync(ctx context.Context, locks ...smb2.Lock) (*Future, error) {
	if len(locks) == 0 {
		return nil, fmt.Errorf("lock: no ranges")
	}
	return o.submit(ctx, &smb2.LockRequest{Locks: locks})
}

// Unlock releases a byte range.
func (o *Open) Unlock(ctx context.Context, off, length uint64) error {
	return o.Lock(ctx, smb2.Lock{Offset: off, Length: length, Flags: smb2.LOCKFLAG_UNLOCK})
}

// QueryInfo returns the raw information of the given type and class.
func (o *Open) QueryInfo(ctx context.Context, infoType, class uint8, outLen uint32) ([]byte, error) {
	h, err := o.do(ctx, &smb2.QueryInfoRequest{
		InfoType:           infoType,
		FileInfoClass:      class,
		OutputBufferLength: outLen,
	})
	if err != nil {
		return nil, err
	}
	var resp smb2.QueryInfoResponse
	if err := resp.Decode(h.Body()); err != nil {
		return nil, err
	}
	return resp.Output, nil
}

// StandardInfo returns FileStandardInformation.
func (o *Open) StandardInfo(ctx context.Context) (smb2.FileStandardInfo, error) {
	var fsi smb2.FileStandardInfo
	buf, err := o.QueryInfo(ctx, smb2.INFO_FILE, smb2.FileStandardInformation, smb2.FileStandardInformationSize)
	if err != nil {
		return fsi, err
	}
	err = fsi.Decode(buf)
	return fsi, err
}

// SetInfo sets information of the given type and class.
func (o *Open) SetInfo(ctx context.Context, infoType, class uint8, info []byte) error {
	_, err := o.do(ctx, &smb2.SetInfoRequest{
		InfoType:      infoType,
		FileInfoClass: class,
		Info:          info,
	})
	return err
}

// Truncate sets the end of file.
func (o *Open) Truncate(ctx context.Context, size uint64) error {
	return o.SetInfo(ctx, smb2.INFO_FILE, smb2.FileEndOfFileInformation, smb2.EndOfFileInfo(size))
}

// ChangeNotify watches a directory open. The future resolves on the first
// change, or with STATUS_CANCELLED after Cancel.
func (o *Open) ChangeNotify(ctx context.Context, filter uint32, recursive bool, outLen uint32) (*Future, error) {
	req := &smb2.ChangeNotifyRequest{
		OutputBufferLength: outLen,
		CompletionFilter:   filter,
	}
	if recursive {
		req.Flags = smb2.WATCH_TREE
	}
	return o.submit(ctx, req)
}

// Ioctl sends an FSCTL on the open and returns its output.
func (o *Open) Ioctl(ctx context.Context, code uint32, input []byte, maxOut uint32) ([]byte, error) {
	h, err := o.do(ctx, &smb2.IoctlRequest{
		CtlCode:           code,
		MaxOutputResponse: maxOut,
		Flags:             smb2.IOCTL_IS_FSCTL,
		Input:             input,
	})
	if err != nil {
		return nil, err
	}
	var resp smb2.IoctlResponse
	if err := resp.Decode(h.Body()); err != nil {
		return nil, err
	}
	return resp.Output, nil
}

// ResumeKey returns the key that names the open as a copy source.
func (o *Open) ResumeKey(ctx context.Context) (smb2.ResumeKey, error) {
	out, err := o.Ioctl(ctx, smb2.FSCTL_SRV_REQUEST_RESUME_KEY, nil, smb2.ResumeKeySize+4)
	if err != nil {
		return smb2.ResumeKey{}, err
	}
	return smb2.DecodeResumeKey(out)
}

// CopyChunk copies ranges of the source identified by key into the open.
func (o *Open) CopyChunk(ctx context.Context, key smb2.ResumeKey, chunks []smb2.Chunk) (smb2.CopychunkResponse, error) {
	in := &smb2.CopychunkRequest{SourceKey: key, Chunks: chunks}
	var resp smb2.CopychunkResponse
	out, err := o.Ioctl(ctx, smb2.FSCTL_SRV_COPYCHUNK_WRITE, in.Encode(), smb2.SrvCopychunkResponseSize)
	if err != nil {
		return resp, err
	}
	err = resp.Decode(out)
	return resp, err
}

// Transceive writes in to a named pipe open and reads the reply. A reply
// longer than maxOut is returned truncated together with a
// STATUS_BUFFER_OVERFLOW error.
func (o *Open) Transceive(ctx context.Context, in []byte, maxOut uint32) ([]byte, error) {
	h, err := o.do(ctx, &smb2.IoctlRequest{
		CtlCode:           smb2.FSCTL_PIPE_TRANSCEIVE,
		MaxOutputResponse: maxOut,
		Flags:             smb2.IOCTL_IS_FSCTL,
		Input:             in,
	}, smb2.STATUS_BUFFER_OVERFLOW)
	if err != nil {
		return nil, err
	}
	var resp smb2.IoctlResponse
	if err := resp.Decode(h.Body()); err != nil {
		return nil, err
	}
	if h.Status() == smb2.STATUS_BUFFER_OVERFLOW {
		return resp.Output, &StatusError{Command: smb2.SMB2_IOCTL, Status: h.Status()}
	}
	return resp.Output, nil
}
