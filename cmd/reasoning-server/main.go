// Package main provides the CLI entry point for the reasoning server: a
// JSON-RPC tool that an IDE assistant escalates to when it is stuck on a
// debugging problem too large for its own context window.
//
// # Basic usage
//
// Start the server (it speaks JSON-RPC 2.0 over stdin/stdout):
//
//	reasoning-server serve
//
// # Environment variables
//
// Every setting is environment-driven; see internal/config for the full
// list and defaults. A ".env" file in the working directory is loaded
// first, if present.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deepcode-reasoning/reasoning-server/internal/checkpoint"
	"github.com/deepcode-reasoning/reasoning-server/internal/coderead"
	"github.com/deepcode-reasoning/reasoning-server/internal/concurrency"
	"github.com/deepcode-reasoning/reasoning-server/internal/config"
	"github.com/deepcode-reasoning/reasoning-server/internal/dispatcher"
	"github.com/deepcode-reasoning/reasoning-server/internal/health"
	"github.com/deepcode-reasoning/reasoning-server/internal/observability"
	"github.com/deepcode-reasoning/reasoning-server/internal/promptbuilder"
	"github.com/deepcode-reasoning/reasoning-server/internal/provider"
	"github.com/deepcode-reasoning/reasoning-server/internal/reasoningcache"
	"github.com/deepcode-reasoning/reasoning-server/internal/rpc"
	"github.com/deepcode-reasoning/reasoning-server/internal/session"
	"github.com/deepcode-reasoning/reasoning-server/internal/tournament"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "reasoning-server",
		Short: "Deep reasoning escalation server for stuck debugging sessions",
		Long: `reasoning-server implements the JSON-RPC tool surface a coding
assistant escalates to when it is stuck: execution-trace analysis,
cross-system impact tracing, performance bottleneck diagnosis,
hypothesis testing, multi-turn conversational sessions, and hypothesis
tournaments, arbitrated across an Anthropic-primary, OpenAI-fallback
provider pair.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the reasoning server on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe wires every subsystem, starts the JSON-RPC read loop, and
// blocks until a shutdown signal arrives or the transport reaches EOF.
func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	setLogLevel(cfg.LogLevel)

	slog.Info("starting reasoning server", "version", version, "commit", commit, "workspaceRoot", cfg.WorkspaceRoot)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	startup := &health.StartupFlag{}
	deps, err := wire(ctx, cfg, startup)
	if err != nil {
		return fmt.Errorf("wiring server: %w", err)
	}
	startup.MarkComplete()

	stopSweeps := deps.startSweeps(ctx, cfg.HealthInterval)
	// The sweep goroutines exit on ctx cancellation, so cancel before
	// waiting on them: a transport EOF reaches this return path without
	// any signal having fired.
	defer func() {
		cancel()
		stopSweeps()
	}()

	server := rpc.NewServer(os.Stdin, os.Stdout, deps.dispatcher, slog.Default(), cfg.CallTimeout)

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- server.Serve(ctx) }()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining in-flight calls", "grace", cfg.ShutdownGrace)
		graceCtx, graceCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer graceCancel()
		select {
		case <-serveErrCh:
		case <-graceCtx.Done():
			slog.Warn("shutdown grace period elapsed with calls still in flight")
		}
	case err := <-serveErrCh:
		if err != nil && err != context.Canceled {
			return fmt.Errorf("transport: %w", err)
		}
	}

	if cp, ok := deps.checkpoints.Latest(); ok {
		slog.Debug("final checkpoint at shutdown", "sequence", cp.Sequence)
	}
	slog.Info("reasoning server stopped")
	return nil
}

func setLogLevel(level string) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})))
}

// serverDeps is every long-lived subsystem the server needs to run the
// periodic sweeps and answer tool calls.
type serverDeps struct {
	dispatcher  *dispatcher.Dispatcher
	sessions    *session.Store
	cache       *reasoningcache.Cache
	health      *health.Registry
	checkpoints *checkpoint.Protocol
}

// startSweeps runs the session-TTL sweep (every 60s), the cache-TTL
// sweep (every 5m), and the periodic health check (at healthInterval) on
// their own tickers, each tied to ctx cancellation, and returns a stop
// function that waits for all of them to exit.
func (d *serverDeps) startSweeps(ctx context.Context, healthInterval time.Duration) func() {
	var wg sync.WaitGroup

	run := func(interval time.Duration, tick func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					tick()
				}
			}
		}()
	}

	run(time.Minute, func() {
		if n := d.sessions.Sweep(); n > 0 {
			slog.Debug("session sweep removed expired sessions", "count", n)
		}
	})
	run(5*time.Minute, func() {
		if n := d.cache.Sweep(); n > 0 {
			slog.Debug("cache sweep removed expired entries", "count", n)
		}
	})
	run(healthInterval, func() {
		summary := d.health.Run(ctx)
		if summary.Status != health.StatusHealthy {
			slog.Warn("periodic health check", "status", summary.Status)
		}
	})

	return wg.Wait
}

// startEventLoopHeartbeat starts a background goroutine that immediately
// echoes anything sent on its probe channel, and returns the resulting
// health.Check. A probe that never echoes within the check's timeout
// means the runtime scheduler itself is starved -- a condition no
// per-component check below it could otherwise detect.
func startEventLoopHeartbeat(ctx context.Context) health.Check {
	probe := make(chan struct{}, 1)
	echo := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-probe:
				echo <- struct{}{}
			}
		}
	}()
	return health.EventLoopCheck(probe, echo)
}

// wire constructs the full dependency graph: providers, cache, arbiter,
// sessions, tournament engine, health registry, checkpoint protocol, and
// finally the dispatcher that ties them together.
func wire(ctx context.Context, cfg *config.Config, startup *health.StartupFlag) (*serverDeps, error) {
	metrics := observability.NewMetrics()

	cache := reasoningcache.New(cfg.CacheMaxEntries, cfg.CacheMaxBytes, cfg.CacheTTL)
	cache.SetMetrics(metrics)

	reader := coderead.NewFileSystemReader(cfg.WorkspaceRoot)
	promptOpts := promptbuilder.Options{MaxFileBytes: cfg.PromptMaxFileBytes}

	anthropicProvider := provider.NewAnthropicProvider(cfg.APIKeyPrimary, cfg.ModelPrimary, cfg.CircuitFailureThreshold, cfg.CircuitResetSeconds)
	anthropicProvider.SetFileProvider(reader.Read)
	anthropicProvider.SetPromptOptions(promptOpts)
	anthropicProvider.OnCircuitOpen(func() { metrics.CircuitOpened(anthropicProvider.Name()) })
	openaiProvider := provider.NewOpenAIProvider(cfg.APIKeySecondary, cfg.ModelSecondary, cfg.CircuitFailureThreshold, cfg.CircuitResetSeconds)
	openaiProvider.SetFileProvider(reader.Read)
	openaiProvider.SetPromptOptions(promptOpts)
	openaiProvider.OnCircuitOpen(func() { metrics.CircuitOpened(openaiProvider.Name()) })

	providerArbiter := provider.New([]provider.Provider{anthropicProvider, openaiProvider}, cfg.CostBudgetUSD, cache)
	providerArbiter.SetMetrics(metrics)
	if cfg.APIKeyPrimary == "" {
		// The server still starts, but every analysis tool answers
		// provider-not-configured even when a secondary credential is
		// present.
		providerArbiter.MarkNotConfigured()
		slog.Warn("API_KEY_PRIMARY is not set; analysis tools will return provider-not-configured")
	}

	sessionStore := session.NewStore(cfg.MaxSessions, cfg.SessionTTL)
	sessionStore.SetMetrics(metrics)
	sessionManager := session.NewManager(sessionStore, providerArbiter, cfg.MaxSessionTurns)

	tournamentEngine := tournament.New(
		tournament.ArbiterGenerator{Arbiter: providerArbiter},
		tournament.SessionEvidenceGatherer{Sessions: sessionManager},
	)
	tournamentEngine.SetMetrics(metrics)

	healthRegistry := health.NewRegistry(5 * time.Second)
	healthRegistry.Register("memory", health.MemoryCheck())
	healthRegistry.Register("startup", startup.Check())
	healthRegistry.Register("providers", health.ProviderAvailabilityCheck(func() []health.CircuitOpen {
		return []health.CircuitOpen{anthropicProvider, openaiProvider}
	}))
	healthRegistry.Register("event-bus", startEventLoopHeartbeat(ctx))

	checkpoints := checkpoint.New(cfg.CheckpointMax, cfg.CheckpointEvery, cfg.CheckpointPath)

	analysisGate := concurrency.NewSemaphore(cfg.MaxConcurrentAnalyses)

	d := dispatcher.New(dispatcher.Deps{
		ProviderArbiter: providerArbiter,
		Sessions:        sessionManager,
		SessionStore:    sessionStore,
		Tournaments:     tournamentEngine,
		HealthRegistry:  healthRegistry,
		WorkspaceRoot:   cfg.WorkspaceRoot,
		Metrics:         metrics,
		AnalysisGate:    analysisGate,
		Cache:           cache,
		Checkpoints:     checkpoints,
	})

	return &serverDeps{
		dispatcher:  d,
		sessions:    sessionStore,
		cache:       cache,
		health:      healthRegistry,
		checkpoints: checkpoints,
	}, nil
}
