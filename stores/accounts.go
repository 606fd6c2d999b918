package stores

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// AccountStore holds the user accounts the test server accepts.
type AccountStore struct {
	users map[string]string
}

// NewJSONAccountStore reads {"accounts":[{"username":..,"password":..}]}
// from path. A missing file yields no accounts. User names are
// case-insensitive and must be unique.
func NewJSONAccountStore(path string) (*AccountStore, error) {
	as := &AccountStore{users: make(map[string]string)}
	js, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return as, nil
	} else if err != nil {
		return nil, err
	}

	var file struct {
		Accounts []struct {
			Username string `json:"username"`
			Password string `json:"password"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(js, &file); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i, a := range file.Accounts {
		name := strings.ToLower(a.Username)
		if name == "" {
			return nil, fmt.Errorf("%s: account %d has no username", path, i)
		}
		if _, dup := as.users[name]; dup {
			return nil, fmt.Errorf("%s: duplicate account %q", path, a.Username)
		}
		as.users[name] = a.Password
	}
	return as, nil
}

// Users returns the accounts as lower-cased user name to password.
func (as *AccountStore) Users() map[string]string {
	return as.users
}
