package smbtest

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/mike76-dev/smbprobe/smb2"
)

const fullAccess = 0x001f01ff

var errNoShare = errors.New("no such share")

// share represents a Share object.
type share struct {
	name                  string
	remark                string
	shareType             uint8
	flags                 uint32
	continuouslyAvailable bool
	encrypt               bool
	fileSecurity          map[string]uint32
	pipes                 map[string]func() PipeHandler
	volumeID              uint64

	files map[string]*file
}

// file is a file or directory stored in memory. Names are kept lower-case
// with backslash separators and no leading separator; the root is "".
type file struct {
	name          string
	isDir         bool
	data          []byte
	attributes    uint32
	creationTime  time.Time
	lastWriteTime time.Time
	deletePending bool

	opens   []*open
	locks   []*byteRange
	waiters []*pendingLock
}

// registerShare adds a new share to the server.
func (s *Server) registerShare(cfg Share) {
	sh := &share{
		name:                  cfg.Name,
		remark:                cfg.Remark,
		shareType:             cfg.Type,
		flags:                 cfg.Flags,
		continuouslyAvailable: cfg.ContinuouslyAvailable,
		encrypt:               cfg.Encrypt,
		fileSecurity:          cfg.Access,
		pipes:                 make(map[string]func() PipeHandler),
		files:                 make(map[string]*file),
	}
	if sh.shareType == 0 {
		sh.shareType = smb2.SHARE_TYPE_DISK
		if len(cfg.Pipes) > 0 {
			sh.shareType = smb2.SHARE_TYPE_PIPE
		}
	}
	for name, h := range cfg.Pipes {
		sh.pipes[normalizePath(name)] = h
	}

	vid := make([]byte, 8)
	rand.Read(vid)
	sh.volumeID = binary.LittleEndian.Uint64(vid)

	now := time.Now()
	sh.files[""] = &file{
		isDir:         true,
		attributes:    smb2.FILE_ATTRIBUTE_DIRECTORY,
		creationTime:  now,
		lastWriteTime: now,
	}

	s.shareList[strings.ToLower(cfg.Name)] = sh
}

// shareFlags returns the flags announced in TREE_CONNECT.
func (sh *share) shareFlags() uint32 {
	flags := sh.flags
	if sh.encrypt {
		flags |= smb2.SHAREFLAG_ENCRYPT_DATA
	}
	return flags
}

// access returns the rights user holds on the share, or 0 if the user may
// not connect.
func (sh *share) access(user string) uint32 {
	if sh.fileSecurity == nil {
		return fullAccess
	}
	return sh.fileSecurity[strings.ToLower(user)]
}

func normalizePath(name string) string {
	name = strings.ReplaceAll(name, "/", "\\")
	return strings.ToLower(strings.Trim(name, "\\"))
}

func parentPath(name string) string {
	i := strings.LastIndexByte(name, '\\')
	if i < 0 {
		return ""
	}
	return name[:i]
}

func baseName(name string) string {
	return path.Base(strings.ReplaceAll(name, "\\", "/"))
}

// lookup returns the file called name. With create set, a missing file is
// created if its parent directory exists.
func (sh *share) lookup(name string, create, dir bool, now time.Time) *file {
	if f, ok := sh.files[name]; ok {
		return f
	}
	if !create {
		return nil
	}
	if parent, ok := sh.files[parentPath(name)]; !ok || !parent.isDir {
		return nil
	}

	f := &file{
		name:          name,
		isDir:         dir,
		attributes:    smb2.FILE_ATTRIBUTE_ARCHIVE,
		creationTime:  now,
		lastWriteTime: now,
	}
	if dir {
		f.attributes = smb2.FILE_ATTRIBUTE_DIRECTORY
	}
	sh.files[name] = f
	return f
}

func (sh *share) remove(f *file) {
	if sh.files[f.name] == f && f.name != "" {
		delete(sh.files, f.name)
	}
}

// write stores data at off, growing the file as needed.
func (f *file) write(off uint64, data []byte, now time.Time) {
	end := off + uint64(len(data))
	if end > uint64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:], data)
	f.lastWriteTime = now
}

func (f *file) truncate(size uint64, now time.Time) {
	if size <= uint64(len(f.data)) {
		f.data = f.data[:size]
	} else {
		f.data = append(f.data, make([]byte, size-uint64(len(f.data)))...)
	}
	f.lastWriteTime = now
}

func (f *file) standardInfo() smb2.FileStandardInfo {
	return smb2.FileStandardInfo{
		AllocationSize: uint64(len(f.data)+4095) &^ 4095,
		EndOfFile:      uint64(len(f.data)),
		NumberOfLinks:  1,
		DeletePending:  f.deletePending,
		Directory:      f.isDir,
	}
}
