package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/mike76-dev/smbprobe/api"
	"github.com/mike76-dev/smbprobe/client"
	"github.com/mike76-dev/smbprobe/internal/smbtest"
	"github.com/mike76-dev/smbprobe/rpc"
	"github.com/mike76-dev/smbprobe/stores"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	runScenarioNames []string
	runClientGUID    string
	runKeepAPI       bool

	serveDir    string
	serveAddr   string
	serveBans   []string
	serveSign   bool
	serveMulti  bool
	serveGrant  int
	serveAPIKey string

	statusAPIAddr  string
	statusPassword string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run conformance scenarios against the configured server",
	Long: `Run conformance scenarios against the server named in the config.

Scenarios run concurrently, each on connections of its own. Available:
  end-to-end         create, write one credit's worth, close, create again
  durable-reconnect  lose the connection under a durable open and reclaim it
  share-enum         enumerate shares through SRVSVC on IPC$
  reclaim            reconnect handles a previous run left in the journal

Examples:
  smbprobe run --config probe.yml
  smbprobe run --config probe.yml --scenario reclaim --client-guid 6ba7b810-9dad-11d1-80b4-00c04fd430c8`,
	RunE: runRun,
}

var sharesCmd = &cobra.Command{
	Use:   "shares",
	Short: "List the shares of the configured server",
	RunE:  runShares,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve an in-process SMB2/3 test server",
	Long: `Serve the in-process test server on a TCP address. Shares, accounts
and banned hosts are read from shares.yml, accounts.json and bans.json in
--dir.`,
	RunE: runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the connections and handles of a running probe",
	RunE:  runStatus,
}

func init() {
	runCmd.Flags().StringSliceVar(&runScenarioNames, "scenario", []string{"end-to-end", "durable-reconnect", "share-enum"}, "scenarios to run")
	runCmd.Flags().StringVar(&runClientGUID, "client-guid", "", "client GUID to negotiate with (default: random)")
	runCmd.Flags().BoolVar(&runKeepAPI, "keep-api", false, "keep serving the API after the scenarios finish, until interrupted")

	serveCmd.Flags().StringVar(&serveDir, "dir", ".", "directory holding shares, accounts and bans")
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":445", "address to listen on")
	serveCmd.Flags().StringSliceVar(&serveBans, "ban", nil, "hosts to add to the ban list")
	serveCmd.Flags().BoolVar(&serveSign, "require-signing", false, "require signed sessions")
	serveCmd.Flags().BoolVar(&serveMulti, "multichannel", false, "advertise multichannel")
	serveCmd.Flags().IntVar(&serveGrant, "grant", 0, "credits granted per response (default: unlimited)")
	serveCmd.Flags().StringVar(&serveAPIKey, "api-password", "", "password of the API served on the configured apiAddr")

	statusCmd.Flags().StringVar(&statusAPIAddr, "api", "localhost:9980", "API address of the running probe")
	statusCmd.Flags().StringVar(&statusPassword, "api-password", "", "API password")
}

// setup loads the config and builds the logger shared by every command.
func setup() (stores.Config, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

func newProbe(ctx context.Context, cfg stores.Config, logger *zap.Logger, reg prometheus.Registerer) (*probe, func(), error) {
	cc, err := clientConfig(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if cc.ClientGUID, err = parseClientGUID(runClientGUID); err != nil {
		return nil, nil, err
	}
	cc.Metrics = client.NewMetrics(reg)

	j, release, err := openJournal(ctx, cfg.Journal, logger)
	if err != nil {
		return nil, nil, err
	}
	if j != nil {
		cc.Journal = j
	}
	return &probe{cfg: cfg, cc: cc, logger: logger, journal: j}, release, nil
}

// serveAPI serves a on addr until ctx is done.
func serveAPI(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	logger.Info("serving API", zap.Stringer("addr", l.Addr()))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	reg := prometheus.NewRegistry()
	p, release, err := newProbe(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer release()
	logger.Info("probing server",
		zap.String("server", cfg.Server),
		zap.String("share", cfg.Share),
		zap.Stringer("clientGuid", uuid.UUID(p.cc.ClientGUID)))

	if cfg.APIAddr == "" {
		return runScenarios(ctx, p, runScenarioNames)
	}

	p.api = api.NewAPI(reg, p.journal, logger.Named("api"))
	apiCtx, stopAPI := context.WithCancel(ctx)
	defer stopAPI()
	g, gctx := errgroup.WithContext(apiCtx)
	g.Go(func() error { return serveAPI(gctx, cfg.APIAddr, p.api, logger) })
	g.Go(func() error {
		err := runScenarios(ctx, p, runScenarioNames)
		if runKeepAPI {
			logger.Info("scenarios finished, API stays up until interrupted")
			<-ctx.Done()
		}
		stopAPI()
		return err
	})
	return g.Wait()
}

func runShares(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	p, release, err := newProbe(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer release()

	shares, err := listShares(ctx, p)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tREMARK")
	for _, sh := range shares {
		fmt.Fprintf(w, "%s\t%s\t%s\n", sh.Name, shareType(sh.Type), sh.Comment)
	}
	return w.Flush()
}

func shareType(t uint32) string {
	var s string
	switch t &^ rpc.STYPE_SPECIAL {
	case rpc.STYPE_DISKTREE:
		s = "disk"
	case rpc.STYPE_PRINTQ:
		s = "printer"
	case rpc.STYPE_IPC:
		s = "ipc"
	default:
		s = fmt.Sprintf("0x%x", t&^rpc.STYPE_SPECIAL)
	}
	if t&rpc.STYPE_SPECIAL != 0 {
		s += " (special)"
	}
	return s
}

// serverOptions builds the test server from the stores in dir.
func serverOptions(dir string, cfg stores.Config, logger *zap.Logger) (smbtest.Options, *stores.BansStore, error) {
	ss, err := stores.NewSharesStore(filepath.Join(dir, "shares.yml"))
	if err != nil {
		return smbtest.Options{}, nil, fmt.Errorf("failed to read shares: %w", err)
	}
	as, err := stores.NewJSONAccountStore(filepath.Join(dir, "accounts.json"))
	if err != nil {
		return smbtest.Options{}, nil, fmt.Errorf("failed to read accounts: %w", err)
	}
	bs, err := stores.NewJSONBansStore(filepath.Join(dir, "bans.json"))
	if err != nil {
		return smbtest.Options{}, nil, fmt.Errorf("failed to read bans: %w", err)
	}

	dialects, err := stores.ParseDialects(cfg.Dialects)
	if err != nil {
		return smbtest.Options{}, nil, err
	}
	opts := smbtest.Options{
		Logger:            logger,
		Dialects:          dialects,
		RequireSigning:    serveSign || cfg.RequireSigning,
		EncryptData:       cfg.Encrypt,
		Multichannel:      serveMulti || cfg.Multichannel,
		PersistentHandles: true,
		Users:             as.Users(),
		Domain:            cfg.Domain,
		MaxCredits:        cfg.MaxCredits,
		Grant:             serveGrant,
		DurableTimeout:    cfg.DurableTimeout,
		Banned:            bs.Banned,
	}
	for _, sh := range ss.Shares {
		opts.Shares = append(opts.Shares, smbtest.Share{
			Name:                  sh.Name,
			Remark:                sh.Remark,
			ContinuouslyAvailable: sh.ContinuouslyAvailable,
			Encrypt:               sh.Encrypt,
			Access:                sh.Access(),
		})
	}
	return opts, bs, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	dir, err := filepath.Abs(serveDir)
	if err != nil {
		return err
	}
	opts, bs, err := serverOptions(dir, cfg, logger.Named("server"))
	if err != nil {
		return err
	}
	for _, host := range serveBans {
		if err := bs.Ban(host); err != nil {
			return fmt.Errorf("failed to ban %s: %w", host, err)
		}
		logger.Info("banned host", zap.String("host", host))
	}

	l, err := net.Listen("tcp", serveAddr)
	if err != nil {
		return err
	}
	srv := smbtest.NewServer(opts)
	logger.Info("listening", zap.Stringer("addr", l.Addr()), zap.Int("shares", len(opts.Shares)), zap.Int("users", len(opts.Users)))

	ctx := cmd.Context()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(l) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down",
			zap.Int("connections", srv.Connections()),
			zap.Int("sessions", srv.Sessions()),
			zap.Int("opens", srv.Opens()))
		return srv.Close()
	})
	if cfg.APIAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(serverCollector(srv))
		var h http.Handler = api.NewAPI(reg, nil, logger.Named("api"))
		if serveAPIKey != "" {
			h = api.BasicAuth(serveAPIKey)(h)
		}
		g.Go(func() error { return serveAPI(gctx, cfg.APIAddr, h, logger) })
	}
	return g.Wait()
}

// serverCollector exports the test server's counters.
func serverCollector(srv *smbtest.Server) prometheus.Collector {
	return collectorFunc(func(ch chan<- prometheus.Metric) {
		gauge := func(name, help string, v float64) {
			desc := prometheus.NewDesc(prometheus.BuildFQName("smbprobe", "server", name), help, nil, nil)
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v)
		}
		gauge("connections", "Live connections", float64(srv.Connections()))
		gauge("sessions", "Sessions, including disconnected ones", float64(srv.Sessions()))
		gauge("opens", "Opens, including disconnected durable ones", float64(srv.Opens()))
		gauge("breaks_sent", "Break notifications sent", float64(srv.BreaksSent()))
		gauge("bytes_received", "Bytes read off the wire", float64(srv.BytesReceived()))
	})
}

type collectorFunc func(ch chan<- prometheus.Metric)

// Describe sends no descriptors, which makes the collector unchecked.
func (f collectorFunc) Describe(chan<- *prometheus.Desc) {}

func (f collectorFunc) Collect(ch chan<- prometheus.Metric) { f(ch) }

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	c := api.NewClient(statusAPIAddr, statusPassword)

	conns, err := c.Connections(ctx)
	if err != nil {
		return err
	}
	handles, err := c.Handles(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tADDR\tDIALECT\tCREDITS\tOUTSTANDING\tIN FLIGHT\tERROR")
	for _, ci := range conns {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%s\n", ci.ID, ci.Addr, ci.Dialect, ci.Credits.Balance, ci.Credits.Outstanding, ci.InFlight, ci.Error)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "SESSION\tNAME\tSTATE\tCONNECTIVITY\tDURABILITY\tCAPABILITY")
	for _, hi := range handles {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", hi.Session, hi.Name, hi.State, hi.Connectivity, hi.Durability, hi.Capability)
	}
	return w.Flush()
}
