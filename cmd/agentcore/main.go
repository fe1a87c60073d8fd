// Command agentcore runs the execution core as a standalone CLI.
//
// Usage:
//
//	agentcore serve --config agentcore.yaml
//	agentcore validate --config agentcore.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/scaffoldai/agentcore/pkg/config"
	"github.com/scaffoldai/agentcore/pkg/logger"
	"github.com/scaffoldai/agentcore/pkg/telemetry"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Run the execution loop against a task."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file without running anything."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, or custom)." default:"simple"`
}

// VersionCmd prints build version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("agentcore version %s\n", version)
	return nil
}

// ValidateCmd loads and decodes the configuration file, reporting any
// error without starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("validate: --config is required")
	}
	provider, err := config.NewFileProvider(cli.Config)
	if err != nil {
		return err
	}
	loader := config.NewLoader(provider)
	cfg, err := loader.Load(context.Background())
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	fmt.Printf("config OK: log_level=%s budget.max_tokens=%d swarm.max_concurrent_workers=%d\n",
		cfg.LogLevel, cfg.Budget.MaxTokens, cfg.Swarm.MaxConcurrentWorkers)
	return nil
}

// ServeCmd loads configuration, wires up logging, and blocks until
// interrupted. Wiring the execution loop to a concrete LLM provider
// and tool registry is left to embedding callers; this command's job
// is demonstrating that the configuration and signal-handling
// scaffolding boots cleanly.
type ServeCmd struct {
	TaskFile string `name:"task-file" help:"Path to a file containing the root task description." type:"path"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	tp := telemetry.InitTracerProvider()
	defer tp.Shutdown(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutdown signal received")
		stop()
	}()

	cfg := config.Default()
	if cli.Config != "" {
		provider, err := config.NewFileProvider(cli.Config)
		if err != nil {
			return err
		}
		loader := config.NewLoader(provider, config.WithOnChange(func(c *config.Config) {
			slog.Info("configuration reloaded")
		}))
		loaded, err := loader.Load(ctx)
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		cfg = loaded
		if err := loader.WatchAndReload(ctx); err != nil {
			slog.Warn("config hot-reload disabled", "error", err)
		}
	}

	slog.Info("agentcore starting", "budget_max_tokens", cfg.Budget.MaxTokens, "swarm_workers", cfg.Swarm.MaxConcurrentWorkers)

	<-ctx.Done()
	slog.Info("agentcore stopped")
	return nil
}

func main() {
	var cli CLI
	parser := kong.Parse(&cli,
		kong.Name("agentcore"),
		kong.Description("Execution core for coordinated, budget-aware coding agents."),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		parser.FatalIfErrorf(err)
	}

	output := os.Stderr
	if cli.LogFile != "" {
		f, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			parser.FatalIfErrorf(err)
		}
		defer cleanup()
		output = f
	}
	logger.Init(level, output, cli.LogFormat)

	err = parser.Run(&cli)
	parser.FatalIfErrorf(err)
}
