package stores

import (
	"os"

	"gopkg.in/yaml.v3"
)

// AccessRights describes the access policy of a user account on a share.
type AccessRights struct {
	Username      string `yaml:"username"`
	ReadAccess    bool   `yaml:"read"`
	WriteAccess   bool   `yaml:"write"`
	DeleteAccess  bool   `yaml:"delete"`
	ExecuteAccess bool   `yaml:"execute"`
}

// Share is a share exported by the test server.
type Share struct {
	Name                  string         `yaml:"name"`
	Remark                string         `yaml:"remark,omitempty"`
	Policies              []AccessRights `yaml:"policies,omitempty"`
	ContinuouslyAvailable bool           `yaml:"continuouslyAvailable,omitempty"`
	Encrypt               bool           `yaml:"encrypt,omitempty"`
}

// SharesStore lists the shares of the test server.
type SharesStore struct {
	Shares []Share `yaml:"shares,omitempty"`
}

// NewSharesStore reads the shares from the YAML file at path.
func NewSharesStore(path string) (*SharesStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	ss := &SharesStore{}
	if err := dec.Decode(ss); err != nil {
		return nil, err
	}

	return ss, nil
}

// Access maps the share's users to their file rights; nil when the share
// has no policies.
func (sh Share) Access() map[string]uint32 {
	if len(sh.Policies) == 0 {
		return nil
	}
	access := make(map[string]uint32, len(sh.Policies))
	for _, p := range sh.Policies {
		access[p.Username] = FlagsFromAccessRights(p)
	}
	return access
}

// FlagsFromAccessRights converts an AccessRights structure into SMB2 flags.
func FlagsFromAccessRights(ar AccessRights) uint32 {
	var flags uint32
	if ar.ReadAccess {
		flags |= 0x00120089 // FILE_READ_DATA | FILE_READ_EA | FILE_READ_ATTRIBUTES | READ_CONTROL | SYNCHRONIZE
	}

	if ar.WriteAccess {
		flags |= 0x000c0116 // FILE_WRITE_DATA | FILE_APPEND_DATA | FILE_WRITE_EA | FILE_WRITE_ATTRIBUTES | WRITE_DAC | WRITE_OWNER
	}

	if ar.DeleteAccess {
		flags |= 0x00010040 // FILE_DELETE_CHILD | DELETE
	}

	if ar.ExecuteAccess {
		flags |= 0x00000020 // FILE_EXECUTE
	}

	return flags
}
