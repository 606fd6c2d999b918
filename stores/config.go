package stores

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mike76-dev/smbprobe/smb2"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig lists all the fields needed to connect to a PostgreSQL database.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslMode"`
}

// String returns a connection string.
func (dc DatabaseConfig) String() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", dc.Host, dc.Port, dc.User, dc.Password, dc.Database, dc.SSLMode)
}

// JournalConfig selects where disconnected durable handles are recorded.
type JournalConfig struct {
	// Type is "file", "postgres" or empty for no journal.
	Type     string         `yaml:"type"`
	Path     string         `yaml:"path,omitempty"`
	Database DatabaseConfig `yaml:"database,omitempty"`
}

// Config lists the config fields.
type Config struct {
	Server   string `yaml:"server"`
	Share    string `yaml:"share"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Domain   string `yaml:"domain,omitempty"`
	Kerberos bool   `yaml:"kerberos,omitempty"`
	Realm    string `yaml:"realm,omitempty"`

	// KDC is host[:port]; looked up in DNS when empty.
	KDC    string `yaml:"kdc,omitempty"`
	Keytab string `yaml:"keytab,omitempty"`

	// Dialects are written as "2.0.2", "2.1", "3.0", "3.0.2" and "3.1.1".
	Dialects       []string      `yaml:"dialects,omitempty"`
	RequireSigning bool          `yaml:"requireSigning,omitempty"`
	Encrypt        bool          `yaml:"encrypt,omitempty"`
	Compression    bool          `yaml:"compression,omitempty"`
	Multichannel   bool          `yaml:"multichannel,omitempty"`
	MaxCredits     int           `yaml:"maxCredits,omitempty"`
	SendRate       float64       `yaml:"sendRate,omitempty"`
	DurableTimeout time.Duration `yaml:"durableTimeout,omitempty"`

	LogLevel string        `yaml:"logLevel,omitempty"`
	APIAddr  string        `yaml:"apiAddr,omitempty"`
	Journal  JournalConfig `yaml:"journal,omitempty"`
}

// DefaultConfig returns the config used when no file is given.
func DefaultConfig() Config {
	return Config{
		Server:   "localhost:445",
		Share:    "share",
		LogLevel: "info",
	}
}

// ReadConfig reads the config from path on top of the defaults. Unknown
// fields are an error.
func ReadConfig(path string) (cfg Config, err error) {
	cfg = DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	if err = dec.Decode(&cfg); err != nil {
		err = fmt.Errorf("failed to decode %s: %w", path, err)
		return
	}
	err = cfg.Validate()
	return
}

// Validate checks the config for values the client cannot use.
func (cfg Config) Validate() error {
	if cfg.Server == "" {
		return errors.New("server address missing")
	}
	if _, err := ParseDialects(cfg.Dialects); err != nil {
		return err
	}
	switch cfg.Journal.Type {
	case "", "file", "postgres":
	default:
		return fmt.Errorf("invalid journal type %q", cfg.Journal.Type)
	}
	if cfg.Journal.Type == "file" && cfg.Journal.Path == "" {
		return errors.New("journal path missing")
	}
	if cfg.MaxCredits < 0 || cfg.SendRate < 0 {
		return errors.New("negative credit or rate limit")
	}
	return nil
}

var dialects = map[string]uint16{
	"2.0.2": smb2.SMB_DIALECT_202,
	"2.1":   smb2.SMB_DIALECT_21,
	"3.0":   smb2.SMB_DIALECT_30,
	"3.0.2": smb2.SMB_DIALECT_302,
	"3.1.1": smb2.SMB_DIALECT_311,
}

// ParseDialects converts dialect names into their wire values.
func ParseDialects(names []string) ([]uint16, error) {
	var ds []uint16
	for _, name := range names {
		d, ok := dialects[name]
		if !ok {
			return nil, fmt.Errorf("unknown dialect %q", name)
		}
		ds = append(ds, d)
	}
	return ds, nil
}
