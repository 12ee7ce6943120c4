// Package app is the fern command line: the HTTP server plus one-shot
// maintenance commands that share its wiring.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/fern/config"
)

type App struct {
	version string
	envFile string
	cfg     *config.Config
	logger  ectologger.Logger
}

func New(version string) *App {
	return &App{version: version}
}

// Execute runs the command named by args.
func (a *App) Execute(ctx context.Context, args []string) error {
	root := a.rootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func (a *App) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "fern",
		Short: "Entity resolution and external sync engine",
		Long: `fern keeps one canonical record per real-world entity. It resolves
names against existing entities, mirrors external listings into the
registry and merges duplicates.`,
		Version:           a.version,
		PersistentPreRunE: a.setup,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", "", "dotenv file loaded before the environment")

	root.AddCommand(
		a.serveCommand(),
		a.migrateCommand(),
		a.syncCommand(),
		a.publishCommand(),
		a.dedupeCommand(),
		a.resolveCommand(),
	)
	return root
}

func (a *App) setup(_ *cobra.Command, _ []string) error {
	var files []string
	if a.envFile != "" {
		files = append(files, a.envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func newLogger(cfg *config.Config) (ectologger.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	zapLogger, err := zc.Build(zap.Fields(zap.String("app", cfg.AppName)))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil), nil
}
