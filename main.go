package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/mike76-dev/smbprobe/client"
	"github.com/mike76-dev/smbprobe/krb5"
	"github.com/mike76-dev/smbprobe/smb2"
	"github.com/mike76-dev/smbprobe/stores"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const version = "0.3.0"

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "smbprobe",
	Short: "SMB2/3 protocol conformance probe",
	Long: `smbprobe drives an SMB2/3 server through negotiation, session setup,
credits, compounds, leases, oplocks and durable handles, and reports where
the server departs from the protocol.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides the config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sharesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file named by --config, or the defaults.
func loadConfig() (stores.Config, error) {
	if cfgFile == "" {
		return stores.DefaultConfig(), nil
	}
	return stores.ReadConfig(cfgFile)
}

// newLogger builds a production logger at the configured level; "debug"
// switches to the development encoder.
func newLogger(cfg stores.Config) (*zap.Logger, error) {
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	if level == "" {
		level = "info"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	zc := zap.NewProductionConfig()
	if lvl.Level() == zap.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = lvl
	return zc.Build()
}

// openJournal opens the durable handle journal named in the config; nil
// when none is configured. The returned func releases it.
func openJournal(ctx context.Context, jc stores.JournalConfig, logger *zap.Logger) (stores.HandleJournal, func(), error) {
	switch jc.Type {
	case "":
		return nil, func() {}, nil
	case "file":
		j, err := stores.NewFileJournal(jc.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open journal: %w", err)
		}
		return j, func() {}, nil
	case "postgres":
		db, err := stores.NewStore(ctx, jc.Database, logger.Named("journal"))
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	}
	return nil, nil, fmt.Errorf("invalid journal type %q", jc.Type)
}

// clientConfig translates the file config into engine parameters.
func clientConfig(cfg stores.Config, logger *zap.Logger) (client.Config, error) {
	dialects, err := stores.ParseDialects(cfg.Dialects)
	if err != nil {
		return client.Config{}, err
	}
	cc := client.Config{
		Logger:           logger,
		Dialects:         dialects,
		RequireSigning:   cfg.RequireSigning,
		Encrypt:          cfg.Encrypt,
		Multichannel:     cfg.Multichannel,
		MaxCreditBalance: cfg.MaxCredits,
		SendRate:         rate.Limit(cfg.SendRate),
		DurableTimeout:   cfg.DurableTimeout,
	}
	if cfg.Compression {
		cc.Compression = []uint16{smb2.COMPRESSION_LZ4, smb2.COMPRESSION_PATTERN_V1}
	}
	return cc, nil
}

// parseClientGUID accepts an empty string for a random GUID.
func parseClientGUID(s string) ([16]byte, error) {
	if s == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}, fmt.Errorf("invalid client GUID: %w", err)
	}
	return id, nil
}

// serverHost returns the host part of the configured server address, used
// in UNC paths and SPNs.
func serverHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// newInitiator returns a fresh authenticator for one session setup.
func newInitiator(cfg stores.Config) (client.Initiator, error) {
	if !cfg.Kerberos {
		return &client.NTLMInitiator{
			User:      cfg.User,
			Password:  cfg.Password,
			Domain:    cfg.Domain,
			TargetSPN: "cifs/" + serverHost(cfg.Server),
		}, nil
	}
	if cfg.Realm == "" {
		return nil, errors.New("kerberos needs a realm")
	}
	return &krb5.Initiator{
		User:       cfg.User,
		Password:   cfg.Password,
		KeytabPath: cfg.Keytab,
		Realm:      cfg.Realm,
		KDC:        cfg.KDC,
		TargetSPN:  "cifs/" + serverHost(cfg.Server),
	}, nil
}
