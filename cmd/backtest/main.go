// Command backtest replays a recorded tick file through the trading
// core instead of live adapters: same config, same algo runtime, same
// risk gate, only the market data and fills come from a file rather
// than an exchange.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"opentrade-go/internal/config"
	"opentrade-go/internal/refdata"
	"opentrade-go/internal/runtime"
)

var (
	configFile  string
	backtestDir string
	tickFile    string
	startDate   string
	endDate     string
)

const dateLayout = "2006-01-02"

func main() {
	root := &cobra.Command{
		Use:          "backtest",
		Short:        "Replay a tick file through the trading core",
		SilenceUsage: true,
		RunE:         run,
	}
	flags := root.Flags()
	flags.StringVar(&configFile, "config_file", "configs/config.yaml", "path to the YAML config file")
	flags.StringVar(&backtestDir, "backtest_file", "", "directory to write backtest output (position snapshots, journal)")
	flags.StringVar(&tickFile, "tick_file", "", "path to the tick file to replay (required)")
	flags.StringVar(&startDate, "start_date", "", "only replay ticks on/after this date (YYYY-MM-DD)")
	flags.StringVar(&endDate, "end_date", "", "only replay ticks before this date (YYYY-MM-DD)")
	_ = root.MarkFlagRequired("tick_file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if backtestDir != "" {
		cfg.Journal.Dir = backtestDir
		cfg.Store.DataDir = backtestDir
	}
	cfg.Adapters = []config.AdapterConfig{{Name: "backtest", Kind: "backtest"}}
	cfg.Frontend.Enabled = false
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	var start, end time.Time
	if startDate != "" {
		start, err = time.Parse(dateLayout, startDate)
		if err != nil {
			return fmt.Errorf("parse start_date: %w", err)
		}
	}
	if endDate != "" {
		end, err = time.Parse(dateLayout, endDate)
		if err != nil {
			return fmt.Errorf("parse end_date: %w", err)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	loader := refdata.NewFileLoader(cfg.RefData.File)
	initial, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load reference catalog: %w", err)
	}
	catalog := refdata.NewCatalog(loader, initial)

	rt, err := runtime.New(cfg, logger, catalog)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	if err := rt.RegisterAdapters(); err != nil {
		return fmt.Errorf("register adapters: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run(ctx) }()

	logger.Info("replaying tick file", "file", tickFile, "start", startDate, "end", endDate)
	if err := rt.RunBacktest(ctx, tickFile, start, end); err != nil {
		return fmt.Errorf("run backtest: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := rt.Shutdown(shutdownCtx, 0); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	cancel()
	<-runErr

	logger.Info("backtest complete")
	return nil
}
