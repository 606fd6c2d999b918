package stores

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/mike76-dev/smbprobe/client"
)

// FileJournal records disconnected durable handles in a JSON file.
type FileJournal struct {
	mu      sync.Mutex
	path    string
	handles map[string]client.DurableHandle
}

// NewFileJournal opens the journal at path. A missing file is an empty
// journal.
func NewFileJournal(path string) (*FileJournal, error) {
	j := &FileJournal{
		path:    path,
		handles: make(map[string]client.DurableHandle),
	}
	if err := j.load(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *FileJournal) load() error {
	var handles []client.DurableHandle
	if js, err := os.ReadFile(j.path); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	} else if err := json.Unmarshal(js, &handles); err != nil {
		return err
	}
	for _, h := range handles {
		j.handles[h.Key()] = h
	}
	return nil
}

// save replaces the journal file atomically. Called with j.mu held.
func (j *FileJournal) save() error {
	handles := j.sorted()
	js, err := json.MarshalIndent(handles, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0700); err != nil {
		return err
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, js, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, j.path)
}

func (j *FileJournal) sorted() []client.DurableHandle {
	handles := make([]client.DurableHandle, 0, len(j.handles))
	for _, h := range j.handles {
		handles = append(handles, h)
	}
	slices.SortFunc(handles, func(a, b client.DurableHandle) int {
		return a.DisconnectedAt.Compare(b.DisconnectedAt)
	})
	return handles
}

// Record implements client.Journal.
func (j *FileJournal) Record(h client.DurableHandle) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.handles[h.Key()] = h
	return j.save()
}

// Remove implements client.Journal.
func (j *FileJournal) Remove(h client.DurableHandle) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.handles[h.Key()]; !ok {
		return nil
	}
	delete(j.handles, h.Key())
	return j.save()
}

// List returns the handles recorded for clientGUID, oldest first.
func (j *FileJournal) List(clientGUID [16]byte) ([]client.DurableHandle, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.DeleteFunc(j.sorted(), func(h client.DurableHandle) bool {
		return h.ClientGUID != clientGUID
	}), nil
}

// Prune deletes handles whose timeout has passed and returns how many were
// removed.
func (j *FileJournal) Prune() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for key, h := range j.handles {
		if h.Expired() {
			delete(j.handles, key)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, j.save()
}

// HandleJournal is a journal that can also be listed, as needed to
// reclaim handles from a new process.
type HandleJournal interface {
	client.Journal
	List(clientGUID [16]byte) ([]client.DurableHandle, error)
	Prune() (int, error)
}

var (
	_ HandleJournal = (*FileJournal)(nil)
	_ HandleJournal = (*Database)(nil)
)
