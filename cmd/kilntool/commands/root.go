// Package commands implements the kilntool CLI, the management surface for
// the engine toolchain cache. Engine lifecycle lives in the kiln CLI; this
// tool only acquires, lists and evicts cached builds.
package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/llamakiln/kiln/pkg/config"
	"github.com/llamakiln/kiln/pkg/toolchain"
)

const (
	exitOK        = 0
	exitError     = 1
	exitToolchain = 2
)

type app struct {
	configPath string
	cacheRoot  string
	logLevel   string

	cfg config.Config
	log *logrus.Logger
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
	return nil
}

func (a *app) store() (*toolchain.Store, error) {
	return toolchain.NewStore(
		a.log.WithField("component", "toolchain"),
		a.cfg.ToolchainDir(),
		toolchain.WithReleaseBase(a.cfg.Toolchain.ReleaseBase),
	)
}

// specFromFlags builds the build spec from --tag/--variant, falling back to
// configured defaults.
func (a *app) specFromFlags(tag, variant string) (toolchain.Spec, error) {
	if tag == "" {
		tag = a.cfg.Toolchain.Tag
	}
	if variant == "" {
		variant = a.cfg.Toolchain.Variant
	}
	v, err := toolchain.ParseVariant(variant)
	if err != nil {
		return toolchain.Spec{}, err
	}
	spec := toolchain.Spec{Tag: tag, Variant: v, Platform: toolchain.HostPlatform()}
	return spec, spec.Validate()
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "kilntool",
		Short:         "Manage the inference engine toolchain cache",
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
		newResolveCmd(a),
		newBuildCmd(a),
		newListCmd(a),
		newRemoveCmd(a),
		newPurgeCmd(a),
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
	default:
		return exitError
	}
}
