package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/edvin/rollout/internal/config"
	"github.com/edvin/rollout/internal/credentials"
	"github.com/edvin/rollout/internal/engine"
	"github.com/edvin/rollout/internal/history"
	"github.com/edvin/rollout/internal/logging"
	"github.com/edvin/rollout/internal/registry"
	"github.com/edvin/rollout/internal/remote"
	"github.com/edvin/rollout/internal/rollback"
)

// Run is the deploy command. It returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := ParseFlags(args, stderr)
	if err != nil {
		if IsHelp(err) {
			return ExitSucceeded
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return ExitUsage
	}
	if opts.HistoryFile != "" {
		cfg.HistoryFile = opts.HistoryFile
	}
	if err := cfg.Validate("deploy"); err != nil {
		fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return ExitUsage
	}

	req, dc, err := BuildRequest(opts, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsage
	}

	logger := logging.NewStderrLogger(cfg)
	resolver := credentials.NewResolver()

	exec, err := remote.NewSSHExecutor(logger, resolver, remote.SSHConfig{
		KnownHostsFile:        cfg.SSHKnownHosts,
		InsecureIgnoreHostKey: cfg.SSHInsecureIgnoreHostKey,
		DialTimeout:           cfg.SSHDialTimeout,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsage
	}
	defer exec.Close()

	stores, pool, err := history.Open(ctx, logger, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsage
	}
	if pool != nil {
		defer pool.Close()
	}

	eng := NewEngine(logger, exec, resolver, dc)
	if stores.Len() > 0 {
		eng.WithHistory(stores)
	}
	return Deploy(ctx, eng, req, stdout)
}

// NewEngine assembles an engine whose registry client and rollback
// controller follow dc.
func NewEngine(logger zerolog.Logger, exec remote.Executor, resolver credentials.Resolver, dc *config.DeployConfig) *engine.Engine {
	reg := registry.NewDockerClient(logger, exec, resolver, dc.StepTimeout())
	rb := rollback.NewController(logger, exec, rollback.Options{
		Attempts:       dc.RestoreAttempts,
		CommandTimeout: dc.StepTimeout(),
	})
	return engine.New(logger, exec, reg, rb, engine.Options{Defaults: engine.SettingsFromConfig(dc)})
}
