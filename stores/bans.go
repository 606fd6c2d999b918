package stores

import (
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
)

// BansStore lists hosts the test server refuses to serve.
type BansStore struct {
	mu   sync.Mutex
	path string
	Bans map[string]struct{}
}

// NewJSONBansStore reads the banned hosts from the JSON file at path.
func NewJSONBansStore(path string) (*BansStore, error) {
	bs := &BansStore{
		path: path,
		Bans: make(map[string]struct{}),
	}
	err := bs.load()
	if err != nil {
		return nil, err
	}
	return bs, nil
}

func (bs *BansStore) load() error {
	var bans []string
	if js, err := os.ReadFile(bs.path); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	} else if err := json.Unmarshal(js, &bans); err != nil {
		return err
	}
	for _, ban := range bans {
		bs.Bans[ban] = struct{}{}
	}
	return nil
}

// Banned reports whether the host of addr is banned.
func (bs *BansStore) Banned(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	_, banned := bs.Bans[host]
	return banned
}

// Ban adds host to the list and saves it.
func (bs *BansStore) Ban(host string) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.Bans[host] = struct{}{}
	return bs.save()
}

func (bs *BansStore) save() error {
	bans := make([]string, 0, len(bs.Bans))
	for host := range bs.Bans {
		bans = append(bans, host)
	}
	js, err := json.MarshalIndent(bans, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(bs.path, js, 0600)
}
