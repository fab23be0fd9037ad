package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/nuetzliches/ingestq/internal/config"
	"github.com/nuetzliches/ingestq/internal/grpcapi"
	"github.com/nuetzliches/ingestq/internal/httpapi"
	"github.com/nuetzliches/ingestq/internal/ingest"
	"github.com/nuetzliches/ingestq/internal/logging"
	"github.com/nuetzliches/ingestq/internal/queue"
	"github.com/nuetzliches/ingestq/internal/secrets"
	"github.com/nuetzliches/ingestq/internal/source/jsonl"
	"github.com/nuetzliches/ingestq/internal/tracing"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

type serveOptions struct {
	pidFile    string
	watch      bool
	listen     string
	grpcListen string
}

func newServeCommand(cc *commandContext) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue API and periodic ingestion",
		Long: "Serve the HTTP queue API, and the gRPC queue and health services when\n" +
			"api.grpc_listen is set. With ingest.interval set the JSONL source is scanned\n" +
			"periodically. SIGHUP, or a file change with --watch, reloads the log level and\n" +
			"API tokens.",
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cc, opts)
		},
	}
	cmd.Flags().StringVar(&opts.pidFile, "pid-file", "", "write the process id to this file")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "reload the config file when it changes")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "override api.listen")
	cmd.Flags().StringVar(&opts.grpcListen, "grpc-listen", "", "override api.grpc_listen")
	return cmd
}

func runServe(ctx context.Context, cc *commandContext, opts serveOptions) error {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	if opts.listen != "" {
		cfg.API.Listen = opts.listen
	}
	if opts.grpcListen != "" {
		cfg.API.GRPCListen = opts.grpcListen
	}
	logger := cc.logger

	release, err := claimPIDFile(opts.pidFile)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, tracingConfig(cfg), func(err error) {
		logger.Warn("tracing_export_error", slog.Any("err", err))
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing_shutdown_failed", slog.Any("err", err))
		}
	}()

	m, err := cc.openManager()
	if err != nil {
		return err
	}
	if err := pingStore(ctx, m.Store()); err != nil {
		return fmt.Errorf("store %s: %w", cfg.Store.Backend, err)
	}

	tokens := &tokenGate{now: time.Now}
	set, err := cfg.TokenSet()
	if err != nil {
		return err
	}
	tokens.store(set)

	srv, _, err := startHTTPServer(cfg, m, tokens, logger, cancel)
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		_ = srv.Shutdown(sctx)
	}()

	if cfg.API.GRPCListen != "" {
		gs, err := startGRPCServer(ctx, cfg, m, tokens, logger, cancel)
		if err != nil {
			return err
		}
		defer stopGRPC(gs, logger)
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	if cfg.Ingest.Interval.Duration > 0 && cfg.Ingest.JSONLPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runPeriodicIngest(ctx, m, cfg.Ingest, logger)
		}()
	}

	running := cfg
	var reloadMu sync.Mutex
	reloadNow := func(trigger string) {
		reloadMu.Lock()
		defer reloadMu.Unlock()
		if next, ok := reloadServeConfig(cc, running, tokens, logger, trigger); ok {
			running = next
		}
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				reloadNow("signal_sighup")
			}
		}
	}()
	if opts.watch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchConfig(ctx, cc.configPath, logger, func() { reloadNow("watch") })
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown_started")
	return nil
}

// startHTTPServer binds api.listen and serves the queue API on it. It
// returns the bound address, which differs from the configured one for port 0.
func startHTTPServer(cfg *config.Config, m *queue.Manager, tokens *tokenGate, logger *slog.Logger, cancel context.CancelFunc) (*http.Server, string, error) {
	api := httpapi.NewServer(m)
	api.Authorize = tokens.httpAuthorizer()
	api.MaxBatch = cfg.API.MaxBatch
	api.Logger = logger.With(slog.String("component", "queue_api"))

	handler := tracing.WrapHandler(cfg.Tracing.Enabled, "queue_api", api)
	if cfg.API.AccessLog {
		handler = logging.AccessLog(logger.With(slog.String("component", "queue_api")), handler)
	}

	ln, err := net.Listen("tcp", cfg.API.Listen)
	if err != nil {
		return nil, "", fmt.Errorf("api listen %q: %w", cfg.API.Listen, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	serveOnListener(logger, "queue_api", srv, ln, cancel)
	addr := ln.Addr().String()
	logger.Info("api_listening", slog.String("addr", addr))
	return srv, addr, nil
}

func serveOnListener(logger *slog.Logger, name string, srv *http.Server, ln net.Listener, cancel func()) {
	go func() {
		err := srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		logger.Error("http_server_error", slog.String("name", name), slog.Any("err", err))
		if cancel != nil {
			cancel()
		}
	}()
}

func startGRPCServer(ctx context.Context, cfg *config.Config, m *queue.Manager, tokens *tokenGate, logger *slog.Logger, cancel context.CancelFunc) (*grpc.Server, error) {
	svc := grpcapi.NewServer(m)
	svc.Authorize = tokens.grpcAuthorizer()
	svc.MaxBatch = cfg.API.MaxBatch
	svc.Logger = logger.With(slog.String("component", "grpc_api"))

	ln, err := net.Listen("tcp", cfg.API.GRPCListen)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %q: %w", cfg.API.GRPCListen, err)
	}
	gs, hs := grpcapi.NewGRPCServer(svc)
	go func() {
		if err := gs.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("grpc_server_error", slog.Any("err", err))
			cancel()
		}
	}()
	if p, ok := m.Store().(queue.Pinger); ok {
		go grpcapi.MonitorHealth(ctx, hs, p, 0, logger)
	}
	logger.Info("grpc_listening", slog.String("addr", ln.Addr().String()))
	return gs, nil
}

func stopGRPC(gs *grpc.Server, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("grpc_graceful_stop_timeout", slog.Duration("timeout", shutdownTimeout))
		gs.Stop()
	}
}

// runPeriodicIngest scans the configured JSONL source once per interval
// until ctx is done. A scan that finds the source locked is skipped.
func runPeriodicIngest(ctx context.Context, m *queue.Manager, ic config.Ingest, logger *slog.Logger) {
	src, err := jsonl.New(ic.SourceName, ic.JSONLPath)
	if err != nil {
		logger.Error("ingest_disabled", slog.Any("err", err))
		return
	}
	d := newDriver(m, ic, logger.With(slog.String("component", "ingest")))
	logger.Info("ingest_scheduled",
		slog.String("source", ic.SourceName),
		slog.Duration("interval", ic.Interval.Duration),
	)

	scan := func() {
		_, err := d.Scan(ctx, src)
		switch {
		case err == nil, ctx.Err() != nil:
		case errors.Is(err, ingest.ErrScanInProgress):
			logger.Info("ingest_skipped", slog.String("source", ic.SourceName), slog.String("reason", "locked"))
		default:
			logger.Error("ingest_failed", slog.String("source", ic.SourceName), slog.Any("err", err))
		}
	}

	scan()
	t := time.NewTicker(ic.Interval.Duration)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			scan()
		}
	}
}

// reloadServeConfig applies the parts of a changed config file that can
// change at runtime: the log level and the API tokens. Other changes are
// logged and wait for a restart.
func reloadServeConfig(cc *commandContext, running *config.Config, tokens *tokenGate, logger *slog.Logger, trigger string) (*config.Config, bool) {
	next, _, err := config.Load(cc.configPath)
	if err == nil {
		err = cc.applyOverrides(next)
	}
	if err != nil {
		logger.Error("config_reload_failed", slog.String("trigger", trigger), slog.Any("err", err))
		return nil, false
	}
	set, err := next.TokenSet()
	if err != nil {
		logger.Error("config_reload_failed", slog.String("trigger", trigger), slog.Any("err", err))
		return nil, false
	}
	level, err := logging.ParseLevel(next.Logging.Level)
	if err != nil {
		logger.Error("config_reload_failed", slog.String("trigger", trigger), slog.Any("err", err))
		return nil, false
	}

	// Listen addresses are not live-reloadable; keep what is bound.
	next.API.Listen = running.API.Listen
	next.API.GRPCListen = running.API.GRPCListen

	cc.level.Set(level)
	tokens.store(set)
	if sections := restartRequired(running, next); len(sections) > 0 {
		logger.Warn("config_reload_requires_restart",
			slog.String("trigger", trigger),
			slog.Any("sections", sections),
		)
	}
	logger.Info("config_reloaded",
		slog.String("trigger", trigger),
		slog.String("level", level.String()),
		slog.Any("active_tokens", set.ActiveIDs(time.Now())),
	)
	return next, true
}

// restartRequired names the config sections whose changes serve only picks
// up on restart.
func restartRequired(old, next *config.Config) []string {
	var out []string
	if old.Store != next.Store {
		out = append(out, "store")
	}
	if old.Queues != next.Queues {
		out = append(out, "queues")
	}
	if old.Ingest.SourceName != next.Ingest.SourceName ||
		old.Ingest.JSONLPath != next.Ingest.JSONLPath ||
		old.Ingest.DefaultCursor != next.Ingest.DefaultCursor ||
		old.Ingest.LockDir != next.Ingest.LockDir ||
		old.Ingest.Interval != next.Ingest.Interval ||
		!slices.Equal(old.Ingest.FanOut, next.Ingest.FanOut) {
		out = append(out, "ingest")
	}
	if old.API.MaxBatch != next.API.MaxBatch || old.API.AccessLog != next.API.AccessLog {
		out = append(out, "api")
	}
	if old.Logging.Output != next.Logging.Output || old.Logging.Path != next.Logging.Path {
		out = append(out, "logging")
	}
	ot, nt := old.Tracing, next.Tracing
	if ot.Enabled != nt.Enabled || ot.Endpoint != nt.Endpoint || ot.Insecure != nt.Insecure ||
		ot.Compression != nt.Compression || ot.Timeout != nt.Timeout || ot.CAFile != nt.CAFile ||
		ot.ServerName != nt.ServerName || !maps.Equal(ot.Headers, nt.Headers) {
		out = append(out, "tracing")
	}
	return out
}

func tracingConfig(cfg *config.Config) tracing.Config {
	return tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		Compression:    cfg.Tracing.Compression,
		Timeout:        cfg.Tracing.Timeout.Duration,
		Headers:        cfg.Tracing.Headers,
		CAFile:         cfg.Tracing.CAFile,
		ServerName:     cfg.Tracing.ServerName,
		ServiceVersion: currentVersion().Version,
	}
}

// tokenGate holds the current API token set. Reloads swap it atomically;
// the HTTP and gRPC authorizers read it per request.
type tokenGate struct {
	set atomic.Pointer[secrets.Set]
	now func() time.Time
}

func (g *tokenGate) store(set secrets.Set) {
	g.set.Store(&set)
}

func (g *tokenGate) load() secrets.Set {
	if p := g.set.Load(); p != nil {
		return *p
	}
	return secrets.Set{}
}

func (g *tokenGate) httpAuthorizer() httpapi.Authorizer {
	return func(r *http.Request) bool {
		return httpapi.TokenSetAuthorizer(g.load(), g.now)(r)
	}
}

func (g *tokenGate) grpcAuthorizer() grpcapi.Authorizer {
	return func(ctx context.Context) bool {
		return grpcapi.TokenSetAuthorizer(g.load(), g.now)(ctx)
	}
}
