// Package main implements the subscoutd CLI for semantic community discovery.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/subscout/internal/config"
	"github.com/fyrsmithlabs/subscout/internal/logging"
	"github.com/fyrsmithlabs/subscout/internal/vectorstore"
)

var (
	// cfgFile is the config file path, overriding the default location
	cfgFile string
	// version information
	version = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "subscoutd",
	Short: "Semantic community discovery over a vector store",
	Long: `subscoutd finds Reddit communities whose indexed descriptions are
semantically close to a free-text query. It embeds the query, searches the
configured vector store backend, and ranks matches by confidence.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/subscout/config.yaml)")
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(countCmd)
}

// setup loads configuration and builds the logger shared by every command.
func setup() (*config.Config, *zap.Logger, error) {
	if err := config.EnsureConfigDir(); err != nil {
		return nil, nil, err
	}
	cfg, err := config.LoadWithFile(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openStore builds a store for the named provider, ignoring any configured
// shadow so migration and count operate on exactly one backend.
func openStore(cfg *config.Config, logger *zap.Logger, provider string) (vectorstore.Store, error) {
	sc := cfg.VectorStore
	if provider != "" {
		sc.Provider = provider
	}
	sc.Shadow = ""
	return vectorstore.NewStore(sc, logger)
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
