// Command swarmgate runs the multi-agent LLM gateway.
//
// Usage:
//
//	swarmgate serve --config config.yaml
//	swarmgate validate --config config.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/swarmgate/swarmgate/pkg/agent"
	"github.com/swarmgate/swarmgate/pkg/config"
	"github.com/swarmgate/swarmgate/pkg/engine"
	"github.com/swarmgate/swarmgate/pkg/evidence"
	"github.com/swarmgate/swarmgate/pkg/hooks"
	"github.com/swarmgate/swarmgate/pkg/llms"
	"github.com/swarmgate/swarmgate/pkg/logger"
	"github.com/swarmgate/swarmgate/pkg/observability"
	"github.com/swarmgate/swarmgate/pkg/recovery"
	"github.com/swarmgate/swarmgate/pkg/server"
	"github.com/swarmgate/swarmgate/pkg/task"
	"github.com/swarmgate/swarmgate/pkg/todo"
	"github.com/swarmgate/swarmgate/pkg/tools"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the gateway server."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"config.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("swarmgate version %s\n", version)
	return nil
}

// ValidateCmd parses the configuration and reports problems.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	_ = config.LoadDotEnvForConfig(cli.Config)
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("%s: OK (%d backends, chain %v)\n", cli.Config, len(cfg.Backends), cfg.Chain)
	return nil
}

// ServeCmd starts the gateway.
type ServeCmd struct {
	Port int `help:"Override the listen port." default:"0"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = config.LoadDotEnvForConfig(cli.Config)
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	slog.Info("Loaded configuration", "path", cli.Config, "chain", cfg.Chain)

	// Observability first so everything below records into it.
	var metrics observability.Metrics = observability.NoopMetrics{}
	if cfg.Observe.MetricsEnabled {
		m, err := observability.InitMetrics(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		metrics = m
	} else {
		observability.SetGlobalMetrics(metrics)
	}

	_, shutdownTracer, err := observability.InitGlobalTracer(ctx, observability.TracerConfig{
		Enabled:      cfg.Observe.TracingEnabled,
		TraceFile:    cfg.Observe.TraceFile,
		SamplingRate: cfg.Observe.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	// Backends and routing.
	registry := llms.NewBackendRegistry(cfg.Backends)
	router := llms.NewRouter(registry, cfg.Chain, cfg.Router)

	// Tooling: external host, permissions, hooks, local tools.
	hookClient := hooks.New(cfg.Hooks)
	perms := tools.NewPermissionManager(cfg.Permissions)

	var host *tools.Host
	var hostTools []llms.ToolDefinition
	if cfg.ToolHost.URL != "" {
		host = tools.NewHost(cfg.ToolHost)
		listCtx, cancelList := context.WithTimeout(ctx, 10*time.Second)
		hostTools, err = host.ListTools(listCtx)
		cancelList()
		if err != nil {
			slog.Warn("Tool host unavailable at startup, continuing without external tools", "url", cfg.ToolHost.URL, "error", err)
			hostTools = nil
		} else {
			slog.Info("Tool host connected", "url", cfg.ToolHost.URL, "tools", len(hostTools))
		}
	}

	dispatcher := tools.NewDispatcher(host, perms, hookClient)

	broker := tools.NewInterruptBroker()
	dispatcher.RegisterLocal(tools.NewAskUserTool(broker))

	subagents := agent.NewSubagentRunner(router, dispatcher, hostTools)
	dispatcher.RegisterLocal(agent.NewSpawnSubagentTool(subagents))
	dispatcher.RegisterLocal(agent.NewSpawnSubagentsParallelTool(subagents))

	driver := agent.NewDriver(router, dispatcher, hookClient, cfg.Loop, hostTools)

	// Task model, todo.md, evidence, recovery, engine.
	store := task.NewStore()
	todos := todo.NewStore(cfg.Workspace.TodoFile)
	packs := evidence.NewWriter(cfg.Workspace.EvidenceDir)
	checkpoints := recovery.NewCheckpointStore(cfg.Workspace.CheckpointDir, cfg.Engine.MaxCheckpoints)
	rec := recovery.NewManager(store, checkpoints, cfg.Engine.MaxRetryAttempts)
	archiver := engine.NewArchiver(cfg.Workspace.CheckpointDir)
	eng := engine.New(store, todos, packs, rec, archiver, cfg.Engine)

	if err := rec.StartupRecovery(); err != nil {
		slog.Warn("Startup recovery failed", "error", err)
	}

	monitor := engine.NewMonitor(store, packs,
		time.Duration(cfg.Engine.MonitorIntervalSecs)*time.Second,
		time.Duration(cfg.Engine.SilentWorkerSeconds)*time.Second)
	go monitor.Run(ctx)

	// Graceful shutdown: pause, checkpoint, persist, then stop serving.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
		if err := rec.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown persistence failed", "error", err)
		}
		cancelShutdown()
		cancel()
	}()

	srv := server.New(cfg.Server, driver, eng, rec, router, registry, broker, metrics)

	fmt.Printf("\nswarmgate ready on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("   Chat:     POST /v1/chat\n")
	fmt.Printf("   Reports:  POST /v1/reports\n")
	fmt.Printf("   Backends: GET  /v1/backends\n")
	fmt.Printf("   Health:   GET  /healthz\n")
	if cfg.Observe.MetricsEnabled {
		fmt.Printf("   Metrics:  GET  /metrics\n")
	}
	fmt.Println("\nPress Ctrl+C to stop")

	return srv.Start(ctx)
}

func main() {
	_ = config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("swarmgate"),
		kong.Description("swarmgate - multi-agent LLM gateway"),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	output := os.Stderr
	if cli.LogFile != "" {
		f, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = f
	}
	logger.Init(level, output, cli.LogFormat)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
