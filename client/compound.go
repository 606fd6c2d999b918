package client

import (
	"github.com/mike76-dev/smbprobe/protect"
	"github.com/mike76-dev/smbprobe/smb2"
)

// FileRef addresses the open a request operates on: either a concrete file
// id or the open that an earlier CREATE of the same batch will produce.
type FileRef struct {
	open    *Open
	id      smb2.FileID
	index   int
	related bool
}

// FileOf refers to a file id directly.
func FileOf(id smb2.FileID) FileRef {
	return FileRef{id: id}
}

// Related refers to the open created by message index of the same batch.
// It is sent as a related operation of the compound.
func Related(index int) FileRef {
	return FileRef{index: index, related: true}
}

// IsRelated reports whether the reference is still pending in a batch.
func (r FileRef) IsRelated() bool { return r.related }

// Index returns the batch index a related reference points at.
func (r FileRef) Index() int { return r.index }

// FileID returns the concrete file id, if any.
func (r FileRef) FileID() smb2.FileID {
	if r.open != nil {
		return r.open.FileID()
	}
	return r.id
}

// PendingMessage is a request that has been built but not sent yet.
type PendingMessage struct {
	req       smb2.Request
	session   *Session
	tree      *Tree
	sessionID uint64
	treeID    uint32
	file      *FileRef

	writeClass bool
	channelSeq uint16
	replay     bool
	encrypt    bool

	// signer overrides the channel's signer, e.g. for a binding request.
	signer *protect.Signer
	allow  []uint32

	batch    *Batch
	index    int
	onSent   func(msg []byte)
	onResult func(smb2.Header, error) (any, error)
}

// NewMessage wraps a request that needs no session, such as ECHO.
func NewMessage(req smb2.Request) *PendingMessage {
	return &PendingMessage{req: req}
}

// Request returns the request body.
func (pm *PendingMessage) Request() smb2.Request { return pm.req }

// ChannelSequence returns the channel sequence the message was tagged with.
func (pm *PendingMessage) ChannelSequence() uint16 { return pm.channelSeq }

// Allow makes the given statuses resolve the future without an error.
func (pm *PendingMessage) Allow(statuses ...uint32) *PendingMessage {
	pm.allow = append(pm.allow, statuses...)
	return pm
}

// Replay retags the message with the session's current channel sequence
// and marks it as a replay of an operation that may already have been
// applied through a failed channel.
func (pm *PendingMessage) Replay() *PendingMessage {
	if pm.session != nil {
		pm.channelSeq = pm.session.ChannelSequence()
	}
	pm.replay = true
	return pm
}

// target returns the open the message addresses, once known.
func (pm *PendingMessage) target() *Open {
	if pm.file == nil {
		return nil
	}
	if !pm.file.related {
		return pm.file.open
	}
	if pm.batch == nil || pm.file.index >= len(pm.batch.futures) {
		return nil
	}
	f := pm.batch.futures[pm.file.index]
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, _ := f.value.(*Open)
	return o
}

// Batch is a compound of requests sent in one frame.
type Batch struct {
	msgs      []*PendingMessage
	futures   []*Future
	submitted bool
}

// NewBatch returns a batch of the given messages.
func NewBatch(msgs ...*PendingMessage) *Batch {
	b := &Batch{}
	for _, pm := range msgs {
		b.Adopt(pm)
	}
	return b
}

// Adopt appends pm and returns its index.
func (b *Batch) Adopt(pm *PendingMessage) int {
	pm.batch = b
	pm.index = len(b.msgs)
	b.msgs = append(b.msgs, pm)
	return pm.index
}

// Len returns the number of messages.
func (b *Batch) Len() int { return len(b.msgs) }

// Futures returns the futures of a submitted batch in submission order.
func (b *Batch) Futures() []*Future { return b.futures }

// Resolve turns a reference into a concrete file id once the CREATE it
// points at has completed.
func (b *Batch) Resolve(ref FileRef) (smb2.FileID, bool) {
	if !ref.related {
		return ref.FileID(), true
	}
	if ref.index < 0 || ref.index >= len(b.futures) {
		return smb2.FileID{}, false
	}
	f := b.futures[ref.index]
	select {
	case <-f.done:
	default:
		return smb2.FileID{}, false
	}
	o, ok := f.value.(*Open)
	if !ok {
		return smb2.FileID{}, false
	}
	return o.FileID(), true
}

// validate checks the invariants of related operations: a related message
// refers to an earlier CREATE, every message in between is related to the
// same one, and all of them share its session and tree.
func (b *Batch) validate() error {
	if len(b.msgs) == 0 {
		return ErrEmptyBatch
	}
	if b.submitted {
		return ErrBatchSubmitted
	}

	for k, pm := range b.msgs {
		if pm.file == nil || !pm.file.related {
			continue
		}
		i := pm.file.index
		if i < 0 || i >= k || b.msgs[i].req.Command() != smb2.SMB2_CREATE {
			return ErrBadRelatedIndex
		}
		for j := i + 1; j < k; j++ {
			prev := b.msgs[j].file
			if prev == nil || !prev.related || prev.index != i {
				return ErrBadRelatedIndex
			}
		}
		if pm.sessionID != b.msgs[i].sessionID || pm.treeID != b.msgs[i].treeID {
			return ErrBadRelatedIndex
		}
		if _, ok := pm.req.(smb2.FileRequest); !ok {
			return ErrBadRelatedIndex
		}
	}

	return nil
}
