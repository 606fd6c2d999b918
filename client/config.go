package client

import (
	"time"

	"github.com/google/uuid"
	"github.com/mike76-dev/smbprobe/smb2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// creditUnit is the number of payload bytes one credit covers.
	creditUnit = 65536

	defaultMaxCreditBalance = 128
	defaultDialTimeout      = 10 * time.Second
	defaultDurableTimeout   = 60 * time.Second
	maxMessageSize          = 1 << 24
)

// Journal persists disconnected durable handles so that they can be
// reclaimed by another process with the same client GUID.
type Journal interface {
	Record(h DurableHandle) error
	Remove(h DurableHandle) error
}

// Config holds the parameters of a connection. The zero value is usable.
type Config struct {
	Logger  *zap.Logger
	Metrics *Metrics
	Journal Journal

	ClientGUID [16]byte
	Dialects   []uint16

	// RequireSigning sets NEGOTIATE_SIGNING_REQUIRED. Signing is also
	// used whenever the server requires it.
	RequireSigning bool
	// Encrypt asks for encrypted sessions when the dialect allows it.
	Encrypt bool
	Ciphers []uint16
	// SigningAlgorithms are offered to 3.1.1 servers.
	SigningAlgorithms []uint16
	// Compression lists the algorithms offered to 3.1.1 servers; none when
	// empty.
	Compression []uint16
	// Multichannel announces GLOBAL_CAP_MULTI_CHANNEL.
	Multichannel bool
	// ValidateNegotiate runs FSCTL_VALIDATE_NEGOTIATE_INFO after each tree
	// connect on 3.0 and 3.0.2.
	ValidateNegotiate *bool

	// MaxCreditBalance is the balance the client asks the server to keep it
	// at.
	MaxCreditBalance int
	// NonBlockingCredits makes a submission fail with ErrInsufficientCredit
	// instead of waiting for credit.
	NonBlockingCredits bool
	// AllowCreditOverdraft sends regardless of the balance. Servers are
	// expected to drop the connection.
	AllowCreditOverdraft bool

	// SendRate paces outgoing frames per second; unlimited when zero.
	SendRate  rate.Limit
	SendBurst int

	DialTimeout time.Duration
	// DurableTimeout is requested for DurableV2 and persistent handles.
	DurableTimeout time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ClientGUID == [16]byte{} {
		cfg.ClientGUID = uuid.New()
	}
	if len(cfg.Dialects) == 0 {
		cfg.Dialects = []uint16{
			smb2.SMB_DIALECT_202,
			smb2.SMB_DIALECT_21,
			smb2.SMB_DIALECT_30,
			smb2.SMB_DIALECT_302,
			smb2.SMB_DIALECT_311,
		}
	}
	if len(cfg.Ciphers) == 0 {
		cfg.Ciphers = []uint16{smb2.AES_128_GCM, smb2.AES_256_GCM}
	}
	if len(cfg.SigningAlgorithms) == 0 {
		cfg.SigningAlgorithms = []uint16{smb2.AES_GMAC, smb2.AES_CMAC}
	}
	if cfg.ValidateNegotiate == nil {
		v := true
		cfg.ValidateNegotiate = &v
	}
	if cfg.MaxCreditBalance <= 0 {
		cfg.MaxCreditBalance = defaultMaxCreditBalance
	}
	if cfg.SendRate > 0 && cfg.SendBurst <= 0 {
		cfg.SendBurst = 1
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.DurableTimeout <= 0 {
		cfg.DurableTimeout = defaultDurableTimeout
	}
	return cfg
}
