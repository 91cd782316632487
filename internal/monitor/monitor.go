// Package monitor runs one monitoring session: it provisions trust, starts
// the proxy and the child, waits for the child to exit or the session to be
// interrupted, drains the proxy and prices what was recorded.
package monitor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/theirongolddev/tokmon/internal/certs"
	"github.com/theirongolddev/tokmon/internal/config"
	"github.com/theirongolddev/tokmon/internal/extract"
	"github.com/theirongolddev/tokmon/internal/model"
	"github.com/theirongolddev/tokmon/internal/pipeline"
	"github.com/theirongolddev/tokmon/internal/proxy"
	"github.com/theirongolddev/tokmon/internal/status"
	"github.com/theirongolddev/tokmon/internal/store"
	"github.com/theirongolddev/tokmon/internal/supervisor"
)

// StartupError is a failure before the child was started. Nothing was
// monitored, so there is no report.
type StartupError struct {
	Op  string
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup: %s: %v", e.Op, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// Options configure a session.
type Options struct {
	Invocation model.Invocation
	Config     config.Config
	// Pricing is loaded from Config when nil.
	Pricing *config.PricingTable
	Logger  *zap.Logger
	// Env is the child's base environment; nil uses os.Environ().
	Env []string
	// Observers receive pipeline events in addition to the log observer.
	Observers []pipeline.Observer
	// OnStart is called once the child is running.
	OnStart func(pid int, proxyURL string)

	// UpstreamTLS and DialContext override how the proxy reaches upstream.
	UpstreamTLS *tls.Config
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Run executes a session. Canceling ctx interrupts it: the child is asked to
// stop, exchanges in flight get the configured grace period, and the outcome
// covers whatever completed. Errors before the child starts are returned as
// *StartupError.
func Run(ctx context.Context, opts Options) (model.Outcome, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cfg := opts.Config
	outcome := model.Outcome{Invocation: opts.Invocation}

	grace, err := cfg.Proxy.Grace()
	if err != nil {
		return outcome, &StartupError{Op: "config", Err: err}
	}
	upstreamTimeout, err := cfg.Proxy.Timeout()
	if err != nil {
		return outcome, &StartupError{Op: "config", Err: err}
	}

	table := opts.Pricing
	if table == nil {
		if table, err = config.LoadPricing(config.GetPricingPath(cfg)); err != nil {
			return outcome, &StartupError{Op: "pricing", Err: err}
		}
	}
	outcome.PricingSource = table.Source

	mat, err := certs.EnsureTrustMaterial(cfg.Trust.CADir)
	if err != nil {
		return outcome, &StartupError{Op: "trust", Err: err}
	}
	log.Debug("trust material ready", zap.String("ca", mat.CertPath), zap.String("bundle", mat.BundlePath))

	var leafStore certs.LeafStore
	if cache := openLeafCache(mat, log); cache != nil {
		defer cache.Close()
		leafStore = cache
	}
	authority := certs.NewAuthority(mat, leafStore, log)

	agg := pipeline.NewAggregator()
	observers := append([]pipeline.Observer{pipeline.NewLogObserver(log)}, opts.Observers...)

	var (
		statusSvc *status.Service
		statusLn  net.Listener
	)
	if cfg.Status.Addr != "" {
		statusLn, err = net.Listen("tcp", cfg.Status.Addr)
		if err != nil {
			return outcome, &StartupError{Op: "status", Err: err}
		}
		statusSvc = status.New(status.Config{
			Invocation: opts.Invocation,
			Pricing:    table,
			Logger:     log,
		}, agg, nil)
		observers = append(observers, statusSvc)
	}

	pipe := pipeline.New(agg, extract.New(log), log, observers...)
	srv := proxy.New(proxy.Config{
		Targets:         cfg.Proxy.Targets,
		MaxCaptureBytes: cfg.Proxy.MaxCaptureBytes,
		UpstreamTimeout: upstreamTimeout,
		UpstreamTLS:     opts.UpstreamTLS,
		DialContext:     opts.DialContext,
		Logger:          log,
	}, authority, pipe)
	if err := srv.Listen(cfg.Proxy.Listen); err != nil {
		if statusLn != nil {
			_ = statusLn.Close()
		}
		return outcome, &StartupError{Op: "proxy", Err: err}
	}
	log.Info("proxy listening", zap.String("addr", srv.Addr().String()), zap.Strings("targets", cfg.Proxy.Targets))

	statusCtx, stopStatus := context.WithCancel(context.Background())
	defer stopStatus()
	g, gctx := errgroup.WithContext(statusCtx)
	g.Go(func() error {
		if err := srv.Serve(); !errors.Is(err, proxy.ErrServerClosed) {
			return err
		}
		return nil
	})
	if statusSvc != nil {
		g.Go(func() error { return statusSvc.Run(gctx, statusLn) })
	}

	env := opts.Env
	if env == nil {
		env = os.Environ()
	}
	env = supervisor.InjectedEnv(env, srv.URL(), mat.BundlePath)

	outcome.Started = time.Now()
	child, err := supervisor.Start(opts.Invocation, env, log)
	if err != nil {
		_ = srv.Shutdown(context.Background())
		stopStatus()
		_ = g.Wait()
		return outcome, &StartupError{Op: "child", Err: err}
	}
	if opts.OnStart != nil {
		opts.OnStart(child.Pid(), srv.URL())
	}

	var serveErr error
	select {
	case <-child.Done():
	case <-ctx.Done():
	case <-gctx.Done():
		serveErr = errors.New("proxy stopped unexpectedly")
		log.Error("session aborted", zap.Error(serveErr))
	}
	outcome.Interrupted = ctx.Err() != nil || serveErr != nil

	deadline := time.Now().Add(grace)
	if outcome.Interrupted {
		if err := child.SignalStop(); err != nil {
			log.Warn("stopping child", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithDeadline(context.Background(), deadline)
	err = srv.Shutdown(shutdownCtx)
	cancel()
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn("grace period expired, in-flight exchanges dropped", zap.Duration("grace", grace))
	}

	select {
	case <-child.Done():
	case <-time.After(time.Until(deadline)):
		log.Warn("child still running after grace period, killing", zap.Int("pid", child.Pid()))
		if err := child.Kill(); err != nil {
			log.Warn("killing child", zap.Error(err))
		}
	}
	outcome.Child = child.Wait()
	outcome.Ended = time.Now()

	stopStatus()
	if err := g.Wait(); err != nil && serveErr == nil {
		serveErr = err
	}

	outcome.Snapshot = pipe.Snapshot()
	sum := pipeline.BuildReports(outcome.Snapshot, table)
	outcome.Reports = sum.Reports
	outcome.TotalCost = sum.TotalCost
	outcome.Unpriced = sum.Unpriced

	log.Info("session finished",
		zap.Stringer("child", outcome.Child),
		zap.Bool("interrupted", outcome.Interrupted),
		zap.Uint64("records", agg.Records()),
		zap.Float64("total_cost", outcome.TotalCost))

	return outcome, serveErr
}

// openLeafCache opens the persistent leaf cache next to the CA. The cache
// only saves minting work, so failures are logged and ignored.
func openLeafCache(mat *certs.Material, log *zap.Logger) *store.Cache {
	cache, err := store.Open(mat.LeafDBPath())
	if err != nil {
		log.Warn("leaf cache unavailable, minting in memory", zap.Error(err))
		return nil
	}
	now := time.Now()
	if n, err := cache.PruneExpired(now); err != nil {
		log.Debug("pruning leaf cache", zap.Error(err))
	} else if n > 0 {
		log.Debug("pruned expired leaves", zap.Int64("count", n))
	}
	if err := cache.DeleteForOtherCAs(mat.Fingerprint()); err != nil {
		log.Debug("dropping leaves of previous CAs", zap.Error(err))
	}
	return cache
}
