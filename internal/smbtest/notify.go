package smbtest

import (
	"slices"
	"strings"

	"github.com/mike76-dev/smbprobe/smb2"
)

// pendingNotify is a CHANGE_NOTIFY waiting for a change under a directory.
type pendingNotify struct {
	open      *open
	conn      *connection
	ac        *asyncCommand
	filter    uint32
	recursive bool
	outLen    uint32
}

// handleChangeNotify watches a directory. The request always goes async and
// completes with the first matching change.
func (c *connection) handleChangeNotify(r *request) (uint32, []byte) {
	var req smb2.ChangeNotifyRequest
	if err := req.Decode(r.body()); err != nil {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}
	if !c.checkCharge(r, int(req.OutputBufferLength)) || req.OutputBufferLength > MaxTransactSize {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}
	o := c.lookupOpen(r, req.FileID)
	if o == nil {
		return smb2.STATUS_FILE_CLOSED, nil
	}
	if o.file == nil || !o.file.isDir {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}
	if o.grantedAccess&smb2.FILE_READ_DATA == 0 {
		return smb2.STATUS_ACCESS_DENIED, nil
	}

	pn := &pendingNotify{
		open:      o,
		conn:      c,
		filter:    req.CompletionFilter,
		recursive: req.Flags&smb2.WATCH_TREE != 0,
		outLen:    req.OutputBufferLength,
	}
	o.notifies = append(o.notifies, pn)
	status, body := c.goAsync(r, func() {
		o.notifies = slices.DeleteFunc(o.notifies, func(x *pendingNotify) bool { return x == pn })
		c.completeAsync(pn.ac, smb2.STATUS_CANCELLED, nil)
	})
	pn.ac = r.async
	return status, body
}

// notifyFilter returns the completion filter bits an action on a file or
// directory matches.
func notifyFilter(action uint32, isDir bool) uint32 {
	if action == smb2.FILE_ACTION_MODIFIED {
		return smb2.FILE_NOTIFY_CHANGE_SIZE | smb2.FILE_NOTIFY_CHANGE_LAST_WRITE
	}
	if isDir {
		return smb2.FILE_NOTIFY_CHANGE_DIR_NAME
	}
	return smb2.FILE_NOTIFY_CHANGE_FILE_NAME
}

// notifyChange completes the watches of the directories above name.
func (s *Server) notifyChange(sh *share, name string, action uint32) {
	if name == "" {
		return
	}
	isDir := false
	if f := sh.files[name]; f != nil {
		isDir = f.isDir
	}
	filter := notifyFilter(action, isDir)

	dir := parentPath(name)
	direct := true
	for {
		if d := sh.files[dir]; d != nil {
			for _, o := range d.opens {
				s.completeNotifies(o, dir, name, action, filter, direct)
			}
		}
		if dir == "" {
			return
		}
		dir = parentPath(dir)
		direct = false
	}
}

func (s *Server) completeNotifies(o *open, dir, name string, action, filter uint32, direct bool) {
	var keep []*pendingNotify
	for _, pn := range o.notifies {
		if pn.filter&filter == 0 || (!direct && !pn.recursive) {
			keep = append(keep, pn)
			continue
		}
		rel := name
		if dir != "" {
			rel = strings.TrimPrefix(name, dir+"\\")
		}
		out := smb2.EncodeFileNotifyInformation([]smb2.FileNotifyInformation{{Action: action, FileName: rel}})
		if len(out) > int(pn.outLen) {
			pn.conn.completeAsync(pn.ac, smb2.STATUS_NOTIFY_ENUM_DIR, nil)
			continue
		}
		resp := smb2.QueryInfoResponse{Output: out}
		pn.conn.completeAsync(pn.ac, smb2.STATUS_OK, resp.Encode())
	}
	o.notifies = keep
}
