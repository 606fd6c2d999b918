package smbtest

import (
	"slices"

	"github.com/mike76-dev/smbprobe/smb2"
	"go.uber.org/zap"
)

// byteRange is a granted byte-range lock.
type byteRange struct {
	open      *open
	offset    uint64
	length    uint64
	exclusive bool
}

// pendingLock is a LOCK request waiting for conflicting ranges to be
// released.
type pendingLock struct {
	open  *open
	conn  *connection
	ac    *asyncCommand
	locks []smb2.Lock
}

func overlaps(off1, len1, off2, len2 uint64) bool {
	if len1 == 0 || len2 == 0 {
		return false
	}
	return off1 < off2+len2 && off2 < off1+len1
}

// lockConflict reports whether an I/O or lock on [off, off+length) by o
// collides with a lock held on f. Shared locks only conflict with writes
// and exclusive locks.
func (s *Server) lockConflict(f *file, o *open, off, length uint64, exclusive bool) bool {
	for _, br := range f.locks {
		if !overlaps(br.offset, br.length, off, length) {
			continue
		}
		if br.exclusive && br.open != o {
			return true
		}
		if exclusive && (br.open != o || !br.exclusive) {
			return true
		}
	}
	return false
}

// lockRangeConflict is lockConflict for a new lock, which also collides
// with exclusive locks held by the same open.
func (s *Server) lockRangeConflict(f *file, o *open, l smb2.Lock) bool {
	exclusive := l.Flags&smb2.LOCKFLAG_EXCLUSIVE_LOCK != 0
	for _, br := range f.locks {
		if !overlaps(br.offset, br.length, l.Offset, l.Length) {
			continue
		}
		if br.exclusive || exclusive {
			return true
		}
	}
	return false
}

func (s *Server) grantable(f *file, o *open, locks []smb2.Lock) bool {
	for _, l := range locks {
		if s.lockRangeConflict(f, o, l) {
			return false
		}
	}
	return true
}

func (s *Server) grantLocks(f *file, o *open, locks []smb2.Lock) {
	for _, l := range locks {
		f.locks = append(f.locks, &byteRange{
			open:      o,
			offset:    l.Offset,
			length:    l.Length,
			exclusive: l.Flags&smb2.LOCKFLAG_EXCLUSIVE_LOCK != 0,
		})
	}
}

// releaseLocks drops the locks and waiters of o and wakes whoever can now
// proceed.
func (s *Server) releaseLocks(f *file, o *open) {
	n := len(f.locks)
	f.locks = slices.DeleteFunc(f.locks, func(br *byteRange) bool { return br.open == o })
	for _, pl := range f.waiters {
		if pl.open == o {
			pl.conn.completeAsync(pl.ac, smb2.STATUS_CANCELLED, nil)
		}
	}
	f.waiters = slices.DeleteFunc(f.waiters, func(pl *pendingLock) bool { return pl.open == o })
	if len(f.locks) != n {
		s.retryWaiters(f)
	}
}

// retryWaiters grants pending locks in arrival order.
func (s *Server) retryWaiters(f *file) {
	for i := 0; i < len(f.waiters); {
		pl := f.waiters[i]
		if !s.grantable(f, pl.open, pl.locks) {
			i++
			continue
		}
		s.grantLocks(f, pl.open, pl.locks)
		f.waiters = slices.Delete(f.waiters, i, i+1)
		pl.conn.completeAsync(pl.ac, smb2.STATUS_OK, smb2.EmptyResponse{}.Encode())
	}
}

// handleLock locks or unlocks ranges. A lock that cannot be granted at once
// goes async unless it asked to fail immediately.
func (c *connection) handleLock(r *request) (uint32, []byte) {
	s := c.server

	var req smb2.LockRequest
	if err := req.Decode(r.body()); err != nil || len(req.Locks) == 0 {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}
	o := c.lookupOpen(r, req.FileID)
	if o == nil {
		return smb2.STATUS_FILE_CLOSED, nil
	}
	if o.file == nil || o.file.isDir {
		return smb2.STATUS_INVALID_DEVICE_REQUEST, nil
	}
	f := o.file

	if req.Locks[0].Flags&smb2.LOCKFLAG_UNLOCK != 0 {
		for _, l := range req.Locks {
			if l.Flags != smb2.LOCKFLAG_UNLOCK {
				return smb2.STATUS_INVALID_PARAMETER, nil
			}
			i := slices.IndexFunc(f.locks, func(br *byteRange) bool {
				return br.open == o && br.offset == l.Offset && br.length == l.Length
			})
			if i < 0 {
				return smb2.STATUS_RANGE_NOT_LOCKED, nil
			}
			f.locks = slices.Delete(f.locks, i, i+1)
		}
		s.retryWaiters(f)
		return smb2.STATUS_OK, smb2.EmptyResponse{}.Encode()
	}

	failImmediately := false
	for _, l := range req.Locks {
		shared := l.Flags&smb2.LOCKFLAG_SHARED_LOCK != 0
		exclusive := l.Flags&smb2.LOCKFLAG_EXCLUSIVE_LOCK != 0
		if shared == exclusive || l.Flags&smb2.LOCKFLAG_UNLOCK != 0 {
			return smb2.STATUS_INVALID_PARAMETER, nil
		}
		if l.Length > 0 && l.Offset+l.Length < l.Offset {
			return smb2.STATUS_INVALID_LOCK_RANGE, nil
		}
		failImmediately = failImmediately || l.Flags&smb2.LOCKFLAG_FAIL_IMMEDIATELY != 0
	}

	if s.grantable(f, o, req.Locks) {
		s.grantLocks(f, o, req.Locks)
		return smb2.STATUS_OK, smb2.EmptyResponse{}.Encode()
	}
	if failImmediately || len(req.Locks) > 1 {
		return smb2.STATUS_LOCK_NOT_GRANTED, nil
	}

	pl := &pendingLock{open: o, conn: c, locks: req.Locks}
	f.waiters = append(f.waiters, pl)
	status, body := c.goAsync(r, func() {
		f.waiters = slices.DeleteFunc(f.waiters, func(x *pendingLock) bool { return x == pl })
		c.completeAsync(pl.ac, smb2.STATUS_CANCELLED, nil)
	})
	pl.ac = r.async

	c.logger.Debug("lock pending",
		zap.Stringer("file", o.fileID),
		zap.Uint64("offset", req.Locks[0].Offset),
		zap.Uint64("length", req.Locks[0].Length),
	)
	return status, body
}
