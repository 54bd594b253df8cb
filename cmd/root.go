// Package cmd defines the grokapi command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/grokipedia-api/internal/app"
	"github.com/JakeFAU/grokipedia-api/internal/config"
	"github.com/JakeFAU/grokipedia-api/internal/logging"
)

type envKey struct{}

// cliEnv is what every subcommand receives from the root hooks.
type cliEnv struct {
	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "grokapi",
		Short: "Structured, cached API in front of Grokipedia",
		Long: `grokapi serves Grokipedia articles as structured JSON. It caches parsed
articles, rate limits callers per origin and per API key, and manages the
keys it issues.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Service:     "grokapi",
				Version:     app.Version,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey{}, &cliEnv{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, err := envFrom(cmd.Context()); err == nil {
				_ = rt.logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newKeysCmd())
	return cmd
}

func envFrom(ctx context.Context) (*cliEnv, error) {
	rt, ok := ctx.Value(envKey{}).(*cliEnv)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
