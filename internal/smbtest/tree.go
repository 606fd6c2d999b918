package smbtest

import (
	"strings"
	"time"

	"github.com/mike76-dev/smbprobe/smb2"
	"go.uber.org/zap"
)

type treeConnect struct {
	treeID        uint32
	session       *session
	share         *share
	openCount     uint64
	creationTime  time.Time
	maximalAccess uint32
}

func extractShareName(path string) string {
	var ok bool
	path, ok = strings.CutPrefix(path, "\\\\")
	if !ok {
		return ""
	}

	pos := strings.Index(path, "\\")
	if pos == -1 {
		return ""
	}

	if pos == len(path)-1 {
		return ""
	}

	return path[pos+1:]
}

// handleTreeConnect connects the session to a share by its UNC path.
func (c *connection) handleTreeConnect(r *request) (uint32, []byte) {
	s := c.server
	ss := r.session

	var req smb2.TreeConnectRequest
	if err := req.Decode(r.body()); err != nil {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}

	name := extractShareName(req.Path)
	if name == "" {
		return smb2.STATUS_BAD_NETWORK_NAME, nil
	}
	sh, ok := s.shareList[strings.ToLower(name)]
	if !ok {
		return smb2.STATUS_BAD_NETWORK_NAME, nil
	}

	access := sh.access(ss.userName)
	if sh.shareType == smb2.SHARE_TYPE_PIPE && access == 0 {
		access = fullAccess
	}
	if access == 0 {
		return smb2.STATUS_ACCESS_DENIED, nil
	}
	if sh.encrypt && ss.cipher == nil {
		return smb2.STATUS_ACCESS_DENIED, nil
	}

	tc := &treeConnect{
		treeID:        ss.nextTreeID,
		session:       ss,
		share:         sh,
		creationTime:  s.now(),
		maximalAccess: access,
	}
	ss.nextTreeID++
	ss.treeConnectTable[tc.treeID] = tc
	r.tree = tc
	r.hdr.SetTreeID(tc.treeID)

	var caps uint32
	if sh.continuouslyAvailable && smb2.Is3X(c.dialect) {
		caps |= smb2.SHARE_CAP_CONTINUOUS_AVAILABILITY
	}

	c.logger.Debug("tree connected",
		zap.String("share", sh.name),
		zap.Uint32("tree", tc.treeID),
		zap.Uint64("session", ss.sessionID),
	)

	resp := smb2.TreeConnectResponse{
		ShareType:     sh.shareType,
		ShareFlags:    sh.shareFlags(),
		Capabilities:  caps,
		MaximalAccess: access,
	}
	return smb2.STATUS_OK, resp.Encode()
}

// handleTreeDisconnect closes the opens of the tree and removes it.
func (c *connection) handleTreeDisconnect(r *request) (uint32, []byte) {
	s := c.server
	tc := r.tree
	for _, o := range tc.session.openTable {
		if o.treeConnect == tc {
			s.closeOpen(o)
		}
	}
	delete(tc.session.treeConnectTable, tc.treeID)
	return smb2.STATUS_OK, smb2.EmptyResponse{}.Encode()
}
