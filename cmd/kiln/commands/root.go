package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/llamakiln/kiln/pkg/config"
	"github.com/llamakiln/kiln/pkg/engine"
	"github.com/llamakiln/kiln/pkg/engineapi"
	"github.com/llamakiln/kiln/pkg/planner"
	"github.com/llamakiln/kiln/pkg/toolchain"
	"github.com/llamakiln/kiln/pkg/transport"
)

// Exit codes. Scripts branch on these, so each failure family keeps a
// stable code.
const (
	exitOK         = 0
	exitError      = 1
	exitToolchain  = 2
	exitLaunch     = 3
	exitConnection = 4
)

// app carries the state shared by all subcommands, assembled once in the
// root command's PersistentPreRunE.
type app struct {
	configPath string
	cacheRoot  string
	logLevel   string

	cfg      config.Config
	log      *logrus.Logger
	platform transport.Platform
	registry *engine.Registry
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.cacheRoot != "" {
		cfg.CacheRoot = a.cacheRoot
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	a.log = logrus.New()
	a.log.SetLevel(level)
	a.log.SetOutput(cmd.ErrOrStderr())

	platform, err := transport.NewPlatform(cfg.RuntimeDir())
	if err != nil {
		return err
	}
	a.platform = platform

	registry, err := engine.NewRegistry(a.log, cfg.InstanceDir())
	if err != nil {
		return err
	}
	a.registry = registry
	return nil
}

func (a *app) store() (*toolchain.Store, error) {
	return toolchain.NewStore(
		a.log.WithField("component", "toolchain"),
		a.cfg.ToolchainDir(),
		toolchain.WithReleaseBase(a.cfg.Toolchain.ReleaseBase),
	)
}

// connect resolves an instance by id and opens a typed session to it.
// Callers must close the returned session.
func (a *app) connect(ctx context.Context, id string) (*engineapi.Client, *transport.Session, engine.Instance, error) {
	instance, err := a.registry.Get(id)
	if err != nil {
		return nil, nil, engine.Instance{}, err
	}
	session, err := transport.NewClient(a.log, a.platform).Connect(ctx, instance.Endpoint, instance.Alive)
	if err != nil {
		return nil, nil, engine.Instance{}, err
	}
	return engineapi.New(session), session, instance, nil
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "kiln",
		Short:         "Run and talk to local LLM inference engines",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "path to the config file")
	rootCmd.PersistentFlags().StringVar(&a.cacheRoot, "cache-root", "", "override the cache root directory")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newStartCmd(a),
		newStopCmd(a),
		newPSCmd(a),
		newStatusCmd(a),
		newInspectCmd(a),
		newCompleteCmd(a),
		newInfillCmd(a),
		newEmbedCmd(a),
		newTokenizeCmd(a),
		newDetokenizeCmd(a),
	)
	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	a := &app{}
	if err := newRootCmd(a).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, toolchain.ErrUnsupported),
		errors.Is(err, toolchain.ErrBuildUnavailable),
		errors.Is(err, toolchain.ErrIntegrity),
		errors.Is(err, toolchain.ErrNotCached):
		return exitToolchain
	case errors.Is(err, engine.ErrLaunchFailed),
		errors.Is(err, engine.ErrReadinessTimeout),
		errors.Is(err, engine.ErrEndpointUnavailable),
		errors.Is(err, planner.ErrInsufficientResources):
		return exitLaunch
	case errors.Is(err, transport.ErrConnectionRefused),
		errors.Is(err, transport.ErrTimeout),
		errors.Is(err, transport.ErrDisconnected),
		errors.Is(err, engine.ErrInstanceNotFound):
		return exitConnection
	default:
		return exitError
	}
}
