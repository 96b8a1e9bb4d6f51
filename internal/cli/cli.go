// Package cli is the deterministic boundary between process arguments and
// engine logic: it canonicalizes an Invocation, then maps engine outcomes to
// semantic process exit codes.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"shadowdog/internal/cache"
	"shadowdog/internal/config"
	"shadowdog/internal/daemon"
	"shadowdog/internal/eventbus"
	"shadowdog/internal/generator"
	"shadowdog/internal/lockfile"
	"shadowdog/internal/logging"
	"shadowdog/internal/model"
	"shadowdog/internal/notify"
	"shadowdog/internal/plugins"
	"shadowdog/internal/rpc"
	"shadowdog/internal/runner"
	"shadowdog/internal/supervisor"
)

// Exit codes: 0 and a small dense range, one per §7 error-taxonomy bucket
// that can terminate a non-watching invocation.
const (
	ExitSuccess             = 0
	ExitCommandFailed       = 1
	ExitInvalidInvocation   = 2
	ExitConfigInvalid       = 3
	ExitArtifactUnavailable = 4
	ExitInternalError       = 5
)

// Invocation is the fully canonicalized description of a single run,
// produced by cmd/shadowdog's cobra flag binding.
type Invocation struct {
	ConfigPath    string
	ProjectRoot   string
	Watch         bool
	CacheDir      string
	LockFilePath  string
	NotifySocket  string
	RPCHost       string
	RPCPort       int
	LogLevel      logging.Level
	JSONLogs      bool
}

// Result carries the outcome of Run.
type Result struct {
	ExitCode int
}

// Run executes inv to completion (non-watching) or until the process
// receives SIGINT/SIGTERM (watching).
func Run(ctx context.Context, inv Invocation) (res Result, err error) {
	res.ExitCode = ExitInternalError

	logging.Init(logging.Config{Level: inv.LogLevel, JSONOutput: inv.JSONLogs})

	cfg, err := config.Load(inv.ConfigPath)
	if err != nil {
		var invalidErr *config.InvalidError
		if errors.As(err, &invalidErr) {
			res.ExitCode = ExitConfigInvalid
			return res, err
		}
		res.ExitCode = ExitInternalError
		return res, err
	}

	watchers := model.FromConfig(cfg)
	bus := eventbus.New()
	lw := lockfile.New(inv.lockFilePath(), inv.ProjectRoot)
	notifier := notify.New(inv.NotifySocket)

	mwFactory := middlewareFactory(inv.CacheDir)

	if !inv.Watch {
		return runOnce(ctx, watchers, cfg, bus, lw, notifier, mwFactory, inv)
	}
	return runWatching(ctx, watchers, cfg, bus, lw, notifier, mwFactory, inv)
}

func (inv Invocation) lockFilePath() string {
	if inv.LockFilePath != "" {
		return inv.LockFilePath
	}
	return filepath.Join(inv.ProjectRoot, "shadowdog-lock.json")
}

func middlewareFactory(cacheDir string) daemon.MiddlewareFactory {
	return func() []runner.Middleware {
		var mws []runner.Middleware

		local := cache.NewFileBackend(cacheDir)
		mws = append(mws, cache.Middleware(cache.Options{
			Backend:       local,
			ReadEnabled:   true,
			WriteEnabled:  true,
			ReadEnvVar:    "SHADOWDOG_LOCAL_CACHE_READ",
			WriteEnvVar:   "SHADOWDOG_LOCAL_CACHE_WRITE",
			DisableEnvVar: "SHADOWDOG_LOCAL_CACHE_DISABLE",
		}))

		remote := cache.NewRemoteBackendFromEnv()
		mws = append(mws, cache.Middleware(cache.Options{
			Backend:       remote,
			ReadEnabled:   true,
			WriteEnabled:  true,
			ReadEnvVar:    "SHADOWDOG_REMOTE_CACHE_READ",
			WriteEnvVar:   "SHADOWDOG_REMOTE_CACHE_WRITE",
			DisableEnvVar: "SHADOWDOG_REMOTE_CACHE_DISABLE",
		}))

		return mws
	}
}

// runOnce builds the Task tree and executes it exactly once, failing fast on
// the first Command error (ContinueOnError=false), per §6.
func runOnce(ctx context.Context, watchers []model.Watcher, cfg *config.Config, bus *eventbus.Bus, lw *lockfile.Writer, notifier *notify.Notifier, mwFactory daemon.MiddlewareFactory, inv Invocation) (Result, error) {
	res := Result{ExitCode: ExitInternalError}

	tree, err := generator.BuildTree(inv.ProjectRoot, watchers, cfg.Plugins)
	if err != nil {
		var cycleErr *plugins.CycleError
		if errors.As(err, &cycleErr) {
			res.ExitCode = ExitConfigInvalid
			return res, err
		}
		return res, err
	}

	gen := generator.New(bus)
	opts := generator.Options{
		ProjectRoot:     inv.ProjectRoot,
		ContinueOnError: false,
		Middlewares:     mwFactory(),
	}

	lw.RecordBegin(outputsOf(tree))
	genErr := gen.Generate(ctx, tree, opts)
	lw.RecordEnd(outputsOf(tree))
	_ = lw.Rebuild(watchers)

	if genErr != nil {
		var cmdFailed *supervisor.CommandFailedError
		var artifactErr *generator.ArtifactUnavailableError
		switch {
		case errors.As(genErr, &cmdFailed):
			res.ExitCode = ExitCommandFailed
		case errors.As(genErr, &artifactErr):
			res.ExitCode = ExitArtifactUnavailable
		default:
			res.ExitCode = ExitInternalError
		}
		return res, genErr
	}

	res.ExitCode = ExitSuccess
	return res, nil
}

// runWatching starts the RPC server and the Daemon, running until SIGINT or
// SIGTERM. The initial build pass runs with ContinueOnError=true so an
// unrelated command's failure does not prevent the daemon from starting.
func runWatching(ctx context.Context, watchers []model.Watcher, cfg *config.Config, bus *eventbus.Bus, lw *lockfile.Writer, notifier *notify.Notifier, mwFactory daemon.MiddlewareFactory, inv Invocation) (Result, error) {
	res := Result{ExitCode: ExitInternalError}

	tree, err := generator.BuildTree(inv.ProjectRoot, watchers, cfg.Plugins)
	if err != nil {
		res.ExitCode = ExitConfigInvalid
		return res, err
	}

	gen := generator.New(bus)
	lw.RecordBegin(outputsOf(tree))
	_ = gen.Generate(ctx, tree, generator.Options{
		ProjectRoot:     inv.ProjectRoot,
		ContinueOnError: true,
		Middlewares:     mwFactory(),
	})
	lw.RecordEnd(outputsOf(tree))
	_ = lw.Rebuild(watchers)

	d := daemon.New(inv.ProjectRoot, inv.ConfigPath, cfg, bus, lw, notifier, mwFactory)

	server := rpc.NewServer(inv.RPCHost, inv.RPCPort)
	registerRPCTools(server, d, bus, inv.CacheDir)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("rpc server: %w", err)
		}
	}()

	daemonDone := make(chan struct{})
	go func() {
		_ = d.Start(sigCtx)
		close(daemonDone)
	}()

	select {
	case <-sigCtx.Done():
		logger := logging.WithComponent("cli")
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger := logging.WithComponent("cli")
		logger.Error().Err(err).Msg("rpc server failed")
	}

	d.Stop()
	<-daemonDone

	res.ExitCode = ExitSuccess
	return res, nil
}

func outputsOf(t model.Task) []string {
	var out []string
	for _, a := range t.Artifacts() {
		out = append(out, a.Output)
	}
	return out
}
