package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/scrypster/quanta/internal/config"
	"github.com/scrypster/quanta/internal/engine"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	dataPath   string
	jsonOutput bool
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "quanta",
		Short:         "Relevance-scored memory store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "YAML config file (default: $QUANTA_CONFIG_FILE)")
	cmd.PersistentFlags().StringVar(&flags.dataPath, "data-path", "", "data directory for the sqlite engine (overrides config)")
	cmd.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "output as JSON")

	cmd.AddCommand(storeCmd(flags))
	cmd.AddCommand(searchCmd(flags))
	cmd.AddCommand(getCmd(flags))
	cmd.AddCommand(deleteCmd(flags))
	cmd.AddCommand(reinforceCmd(flags))
	cmd.AddCommand(historyCmd(flags))
	cmd.AddCommand(linkCmd(flags))
	cmd.AddCommand(relatedCmd(flags))
	cmd.AddCommand(clustersCmd(flags))
	cmd.AddCommand(consolidateCmd(flags))
	cmd.AddCommand(cleanupCmd(flags))
	cmd.AddCommand(statsCmd(flags))
	cmd.AddCommand(snapshotCmd(flags))
	return cmd
}

// loadConfig resolves the configuration for one invocation.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.configPath != "" {
		cfg, err = config.Load(f.configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, err
	}
	if f.dataPath != "" {
		cfg.Storage.DataPath = f.dataPath
	}
	return cfg, nil
}

// withEngine opens the backend, starts an engine, runs fn and tears both
// down again.
func (f *globalFlags) withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine.MemoryEngine) error) error {
	cfg, err := f.loadConfig()
	if err != nil {
		return err
	}

	backend, err := cfg.OpenBackend()
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Printf("failed to close backend: %v", err)
		}
	}()

	e, err := engine.NewMemoryEngine(backend, cfg.EngineConfig())
	if err != nil {
		return fmt.Errorf("failed to create memory engine: %w", err)
	}

	ctx := cmd.Context()
	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("failed to start memory engine: %w", err)
	}
	defer func() {
		if err := e.Shutdown(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, engine.ErrNotStarted) {
			log.Printf("engine shutdown error: %v", err)
		}
	}()

	return fn(ctx, e)
}
