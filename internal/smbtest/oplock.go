package smbtest

import (
	"github.com/mike76-dev/smbprobe/smb2"
	"go.uber.org/zap"
)

// channelOf returns a connection the session can be reached on.
func channelOf(ss *session) *connection {
	if ss == nil {
		return nil
	}
	for c := range ss.channelList {
		return c
	}
	return nil
}

// breakLease downgrades l to state and tells the holder. The new state takes
// effect at once; an acknowledgment is only required when write or handle
// caching is lost.
func (s *Server) breakLease(l *lease, state smb2.LeaseState) {
	if state == l.state || !l.state.Contains(state) {
		return
	}
	from := l.state
	ackRequired := from&(smb2.LEASE_WRITE_CACHING|smb2.LEASE_HANDLE_CACHING) != 0

	l.state = state
	if l.v2 {
		l.epoch++
	}
	l.breaking = ackRequired
	l.breakTo = state

	var c *connection
	for _, o := range l.opens {
		if c = channelOf(o.session); c != nil {
			break
		}
	}
	if c == nil {
		l.breaking = false
		return
	}

	lbn := smb2.LeaseBreakNotification{
		NewEpoch:          l.epoch,
		LeaseKey:          l.id.key,
		CurrentLeaseState: from,
		NewLeaseState:     state,
	}
	if ackRequired {
		lbn.Flags = smb2.NOTIFY_BREAK_LEASE_FLAG_ACK_REQUIRED
	}
	c.notify(smb2.SMB2_OPLOCK_BREAK, lbn.Encode())
	s.stats.breaksSent++

	c.logger.Debug("lease break sent",
		zap.Stringer("from", from),
		zap.Stringer("to", state),
		zap.Bool("ack", ackRequired),
	)
}

// breakOplock downgrades the oplock of o to level.
func (s *Server) breakOplock(o *open, level uint8) {
	if smb2.OplockRank(level) >= smb2.OplockRank(o.oplockLevel) {
		return
	}
	from := o.oplockLevel
	o.oplockLevel = level
	o.oplockBreaking = from != smb2.OPLOCK_LEVEL_II
	o.oplockBreakTo = level

	c := channelOf(o.session)
	if c == nil {
		o.oplockBreaking = false
		return
	}

	ob := smb2.OplockBreak{OplockLevel: level, FileID: o.fileID}
	c.notify(smb2.SMB2_OPLOCK_BREAK, ob.Encode())
	s.stats.breaksSent++

	c.logger.Debug("oplock break sent",
		zap.Stringer("file", o.fileID),
		zap.Uint8("from", from),
		zap.Uint8("to", level),
	)
}

// breakForWrite drops the read caching other holders keep on f once
// writer changed its data.
func (s *Server) breakForWrite(f *file, writer *open) {
	seen := make(map[*lease]bool)
	for _, o := range f.opens {
		if o == writer || o.disconnected {
			continue
		}
		switch {
		case o.lease != nil:
			if o.lease == writer.lease || seen[o.lease] {
				continue
			}
			seen[o.lease] = true
			s.breakLease(o.lease, smb2.BreakLease(o.lease.state, smb2.BreakWrite))
		case o.oplockLevel != smb2.OPLOCK_LEVEL_NONE:
			s.breakOplock(o, smb2.BreakOplock(o.oplockLevel, smb2.BreakWrite))
		}
	}
}

// handleBreakAck takes an oplock or lease break acknowledgment, told apart
// by the structure size of the body.
func (c *connection) handleBreakAck(r *request) (uint32, []byte) {
	s := c.server

	switch smb2.BreakStructureSize(r.body()) {
	case smb2.SMB2LeaseBreakAckStructureSize:
		var ack smb2.LeaseBreakAck
		if err := ack.Decode(r.body()); err != nil {
			return smb2.STATUS_INVALID_PARAMETER, nil
		}
		l := s.leaseTable[leaseID{c.clientGuid, ack.LeaseKey}]
		if l == nil {
			return smb2.STATUS_OBJECT_NAME_NOT_FOUND, nil
		}
		if !l.breaking {
			return smb2.STATUS_INVALID_OPLOCK_PROTOCOL, nil
		}
		if !l.breakTo.Contains(ack.LeaseState) {
			return smb2.STATUS_REQUEST_NOT_ACCEPTED, nil
		}
		l.state = ack.LeaseState
		l.breaking = false
		resp := smb2.LeaseBreakAck{LeaseKey: l.id.key, LeaseState: l.state}
		return smb2.STATUS_OK, resp.Encode()

	case smb2.SMB2OplockBreakStructureSize:
		var ack smb2.OplockBreak
		if err := ack.Decode(r.body()); err != nil {
			return smb2.STATUS_INVALID_PARAMETER, nil
		}
		o := r.session.openTable[r.fileID(ack.FileID)]
		if o == nil {
			return smb2.STATUS_FILE_CLOSED, nil
		}
		r.st.fileID = o.fileID
		if !o.oplockBreaking {
			return smb2.STATUS_INVALID_OPLOCK_PROTOCOL, nil
		}
		if smb2.OplockRank(ack.OplockLevel) > smb2.OplockRank(o.oplockBreakTo) {
			return smb2.STATUS_INVALID_OPLOCK_PROTOCOL, nil
		}
		o.oplockLevel = ack.OplockLevel
		o.oplockBreaking = false
		resp := smb2.OplockBreak{OplockLevel: o.oplockLevel, FileID: o.fileID}
		return smb2.STATUS_OK, resp.Encode()
	}

	return smb2.STATUS_INVALID_PARAMETER, nil
}
