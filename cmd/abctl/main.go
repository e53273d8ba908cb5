package main

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/omnisearch/omnisearch/abengine/internal/config"
	"github.com/omnisearch/omnisearch/abengine/internal/engine"
)

var (
	configPath string
	verbose    bool

	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:           "abctl",
		Short:         "Inspect and administer the search A/B experiment",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

			loaded, err := config.Load(configPath)
			if errors.Is(err, fs.ErrNotExist) {
				log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
				cfg = config.Default()
				return nil
			}
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Command failed")
		stop()
		os.Exit(1)
	}
}

func init() {
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "config/abengine.yaml"
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultPath, "path to the engine config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	rootCmd.AddCommand(assignCmd, ctrCmd, compareCmd, summaryCmd, analyzeCmd, replayCmd, resetCmd)
}

// openEngine builds an engine over the configured storage
func openEngine(ctx context.Context, opts ...engine.Option) (*engine.Engine, error) {
	return engine.New(ctx, cfg, opts...)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
