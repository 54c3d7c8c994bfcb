// Command mmengine runs the market-making engine.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/atmx/market-maker/internal/config"
	"github.com/atmx/market-maker/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "mmengine",
	Short:        "Market-making engine: order books, quotes, risk and trade resolution",
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file (MM_* environment variables override it)")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads the configuration and installs the logger.
func bootstrap() (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closer, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closer, nil
}
