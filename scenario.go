package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mike76-dev/smbprobe/api"
	"github.com/mike76-dev/smbprobe/client"
	"github.com/mike76-dev/smbprobe/rpc"
	"github.com/mike76-dev/smbprobe/smb2"
	"github.com/mike76-dev/smbprobe/stores"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// probe holds what every scenario needs to reach the server.
type probe struct {
	cfg     stores.Config
	cc      client.Config
	logger  *zap.Logger
	journal stores.HandleJournal
	// api, when set, is told about every connection and session.
	api *api.API
}

func (p *probe) dial(ctx context.Context) (*client.Connection, error) {
	c, err := client.Dial(ctx, p.cfg.Server, p.cc)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", p.cfg.Server, err)
	}
	if p.api != nil {
		p.api.AddConnection(c)
	}
	return c, nil
}

func (p *probe) logon(ctx context.Context, c *client.Connection) (*client.Session, error) {
	auth, err := newInitiator(p.cfg)
	if err != nil {
		return nil, err
	}
	ch, err := c.Establish(ctx, auth)
	if err != nil {
		return nil, fmt.Errorf("session setup: %w", err)
	}
	if p.api != nil {
		p.api.AddSession(ch.Session())
	}
	return ch.Session(), nil
}

func (p *probe) uncPath(share string) string {
	return `\\` + serverHost(p.cfg.Server) + `\` + share
}

// connect dials, logs on and connects to share.
func (p *probe) connect(ctx context.Context, share string) (*client.Connection, *client.Tree, error) {
	c, err := p.dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	ss, err := p.logon(ctx, c)
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	tree, err := ss.TreeConnect(ctx, p.uncPath(share))
	if err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("tree connect %s: %w", share, err)
	}
	return c, tree, nil
}

type scenario struct {
	name string
	run  func(ctx context.Context, p *probe) error
}

var scenarios = []scenario{
	{"end-to-end", endToEnd},
	{"durable-reconnect", durableReconnect},
	{"share-enum", shareEnum},
	{"reclaim", reclaim},
}

func findScenario(name string) (scenario, bool) {
	for _, s := range scenarios {
		if s.name == name {
			return s, true
		}
	}
	return scenario{}, false
}

// runScenarios runs the named scenarios concurrently, each on its own
// connections. Every scenario runs to completion; the failures are
// combined.
func runScenarios(ctx context.Context, p *probe, names []string) error {
	var selected []scenario
	for _, name := range names {
		s, ok := findScenario(name)
		if !ok {
			return fmt.Errorf("unknown scenario %q", name)
		}
		selected = append(selected, s)
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	for _, s := range selected {
		g.Go(func() error {
			logger := p.logger.With(zap.String("scenario", s.name))
			start := time.Now()
			err := s.run(ctx, p)
			if err != nil {
				logger.Error("scenario failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.name, err))
				mu.Unlock()
				return nil
			}
			logger.Info("scenario passed", zap.Duration("elapsed", time.Since(start)))
			return nil
		})
	}
	g.Wait()
	return errs
}

func scratchName() string {
	return "smbprobe-" + uuid.NewString() + ".tmp"
}

func fileOptions(disposition uint32) client.CreateOptions {
	return client.CreateOptions{
		DesiredAccess:     smb2.GENERIC_READ | smb2.GENERIC_WRITE | smb2.DELETE,
		ShareAccess:       smb2.FILE_SHARE_READ | smb2.FILE_SHARE_WRITE | smb2.FILE_SHARE_DELETE,
		CreateDisposition: disposition,
		CreateOptions:     smb2.FILE_NON_DIRECTORY_FILE,
	}
}

// cachingRequest asks for the strongest caching the connection supports: a
// RWH lease where leasing is available, a batch oplock otherwise.
func cachingRequest(c *client.Connection, opts *client.CreateOptions) client.Capability {
	if c.Dialect() != smb2.SMB_DIALECT_202 && c.Info().Capabilities&smb2.GLOBAL_CAP_LEASING != 0 {
		opts.Lease = &client.LeaseRequest{State: smb2.LEASE_RWH}
		return client.Capability{Oplock: smb2.OPLOCK_LEVEL_LEASE, Lease: smb2.LEASE_RWH}
	}
	opts.Oplock = smb2.OPLOCK_LEVEL_BATCH
	return client.Capability{Oplock: smb2.OPLOCK_LEVEL_BATCH}
}

// removeFile deletes name through a delete-on-close open and checks that it
// still holds want.
func removeFile(ctx context.Context, tree *client.Tree, name string, want []byte) (err error) {
	opts := fileOptions(smb2.FILE_OPEN)
	opts.CreateOptions |= smb2.FILE_DELETE_ON_CLOSE
	o, err := tree.Open(ctx, name, opts)
	if err != nil {
		return fmt.Errorf("reopen %s: %w", name, err)
	}
	defer func() { err = multierr.Append(err, o.Close(ctx)) }()

	if want == nil {
		return nil
	}
	data, err := o.Read(ctx, 0, uint32(len(want)))
	if err != nil {
		return fmt.Errorf("read back: %w", err)
	}
	if !bytes.Equal(data, want) {
		return fmt.Errorf("read back %d bytes that differ from the %d written", len(data), len(want))
	}
	return nil
}

// endToEnd creates a file without conflicting state, expects the full
// caching it asked for, writes one credit's worth of data and reuses the
// tree for a second create.
func endToEnd(ctx context.Context, p *probe) (err error) {
	c, tree, err := p.connect(ctx, p.cfg.Share)
	if err != nil {
		return err
	}
	defer c.Close()

	name := scratchName()
	opts := fileOptions(smb2.FILE_CREATE)
	want := cachingRequest(c, &opts)
	o, err := tree.Open(ctx, name, opts)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if got := o.Capability(); got != want {
		err = multierr.Append(err, fmt.Errorf("granted %v on an uncontended file, requested %v", got, want))
	}

	payload := bytes.Repeat([]byte{0xa5}, 256)
	before := c.Credits().Charged
	if _, werr := o.Write(ctx, 0, payload); werr != nil {
		err = multierr.Append(err, fmt.Errorf("write: %w", werr))
	} else if charged := c.Credits().Charged - before; charged != 1 {
		err = multierr.Append(err, fmt.Errorf("write of %d bytes charged %d credits", len(payload), charged))
	}
	if cerr := o.Close(ctx); cerr != nil {
		return multierr.Append(err, fmt.Errorf("close: %w", cerr))
	}

	return multierr.Append(err, removeFile(ctx, tree, name, payload))
}

// durableReconnect drops the connection under a durable open and reclaims
// it from a new connection with the same client GUID.
func durableReconnect(ctx context.Context, p *probe) error {
	c, tree, err := p.connect(ctx, p.cfg.Share)
	if err != nil {
		return err
	}
	defer c.Close()

	name := scratchName()
	opts := fileOptions(smb2.FILE_CREATE)
	cachingRequest(c, &opts)
	opts.Durability = client.Durable
	if smb2.Is3X(c.Dialect()) {
		opts.Durability = client.DurableV2
	}
	o, err := tree.Open(ctx, name, opts)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if o.Durability() == client.NotDurable {
		o.Close(ctx)
		return multierr.Append(
			fmt.Errorf("server granted no durability to %v", o.Capability()),
			removeFile(ctx, tree, name, nil),
		)
	}
	p.logger.Debug("durable open granted",
		zap.Stringer("durability", o.Durability()),
		zap.Duration("timeout", o.Timeout()),
		zap.Stringer("capability", o.Capability()))

	payload := []byte("written before the connection was lost")
	if _, err := o.Write(ctx, 0, payload); err != nil {
		o.Close(ctx)
		return fmt.Errorf("write: %w", err)
	}

	c.Close()
	if o.Connectivity() != client.Disconnected {
		return fmt.Errorf("open is %v after its connection closed", o.Connectivity())
	}

	c2, tree2, err := p.connect(ctx, p.cfg.Share)
	if err != nil {
		return err
	}
	defer c2.Close()
	if err := reconnectOpen(ctx, tree2, o); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	if err := o.Close(ctx); err != nil {
		return fmt.Errorf("close after reconnect: %w", err)
	}
	return removeFile(ctx, tree2, name, payload)
}

// reconnectOpen retries while the server may not yet have noticed that the
// old connection is gone.
func reconnectOpen(ctx context.Context, tree *client.Tree, o *client.Open) error {
	const attempts = 10
	var err error
	for i := 0; i < attempts; i++ {
		err = tree.ReconnectOpen(ctx, o)
		if err == nil || !errors.Is(err, client.ErrHandleNotFound) || errors.Is(err, client.ErrHandleExpired) || o.State() == client.OpenInvalidated {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return err
}

// listShares enumerates the shares of the server through SRVSVC on IPC$.
func listShares(ctx context.Context, p *probe) (shares []rpc.ShareInfo1, err error) {
	c, ipc, err := p.connect(ctx, "IPC$")
	if err != nil {
		return nil, err
	}
	defer c.Close()

	pipe, err := ipc.Open(ctx, rpc.SRVSVCPipe, client.CreateOptions{
		DesiredAccess:     smb2.FILE_READ_DATA | smb2.FILE_WRITE_DATA,
		ShareAccess:       smb2.FILE_SHARE_READ | smb2.FILE_SHARE_WRITE,
		CreateDisposition: smb2.FILE_OPEN,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", rpc.SRVSVCPipe, err)
	}
	defer func() { err = multierr.Append(err, pipe.Close(ctx)) }()

	rc, err := rpc.BindSRVSVC(ctx, pipe)
	if err != nil {
		return nil, err
	}
	return rc.NetShareEnumAll(ctx, serverHost(p.cfg.Server))
}

func shareEnum(ctx context.Context, p *probe) error {
	shares, err := listShares(ctx, p)
	if err != nil {
		return err
	}
	found := false
	for _, sh := range shares {
		p.logger.Debug("share", zap.String("name", sh.Name), zap.Uint32("type", sh.Type), zap.String("remark", sh.Comment))
		found = found || sh.Name == p.cfg.Share
	}
	if !found {
		return fmt.Errorf("share %q not among the %d enumerated", p.cfg.Share, len(shares))
	}
	return nil
}

// reclaim reconnects the durable handles a previous run left in the
// journal under the configured client GUID and closes them.
func reclaim(ctx context.Context, p *probe) error {
	if p.journal == nil {
		return errors.New("no journal configured")
	}
	if n, err := p.journal.Prune(); err != nil {
		return fmt.Errorf("failed to prune journal: %w", err)
	} else if n > 0 {
		p.logger.Info("pruned expired handles", zap.Int("count", n))
	}
	handles, err := p.journal.List(p.cc.ClientGUID)
	if err != nil {
		return err
	}
	if len(handles) == 0 {
		p.logger.Info("nothing to reclaim", zap.Stringer("clientGuid", uuid.UUID(p.cc.ClientGUID)))
		return nil
	}

	c, err := p.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	ss, err := p.logon(ctx, c)
	if err != nil {
		return err
	}

	trees := make(map[string]*client.Tree)
	var errs error
	for _, h := range handles {
		tree, ok := trees[h.Share]
		if !ok {
			if tree, err = ss.TreeConnect(ctx, h.Share); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("tree connect %s: %w", h.Share, err))
				continue
			}
			trees[h.Share] = tree
		}
		o, err := tree.Reconnect(ctx, h, nil)
		if err != nil {
			if errors.Is(err, client.ErrHandleExpired) {
				p.logger.Info("handle expired on the server", zap.String("name", h.Name))
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("reconnect %s: %w", h.Name, err))
			continue
		}
		p.logger.Info("reclaimed handle", zap.String("name", h.Name), zap.Stringer("fileId", o.FileID()))
		errs = multierr.Append(errs, o.Close(ctx))
	}
	return errs
}
