// Command server runs the trading core as a standalone process: loads
// configuration, bootstraps the reference catalog, wires every
// component through internal/runtime, and serves until a shutdown
// signal (or a client's admin "shutdown" request) arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"opentrade-go/internal/config"
	"opentrade-go/internal/refdata"
	"opentrade-go/internal/runtime"
)

// configError marks a failure that occurred before the runtime ever
// started, distinct from a fatal error during operation: exit code 1
// for the former, >1 for the latter.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

var (
	configFile    string
	logConfigFile string
	dbURL         string
	port          int
	ioThreads     int
	algoThreads   int
	disableRMS    bool
	dbCreateTables bool
)

func main() {
	root := &cobra.Command{
		Use:           "server",
		Short:         "Run the trading core",
		SilenceUsage:  true,
		RunE:          run,
	}
	flags := root.Flags()
	flags.StringVar(&configFile, "config_file", "configs/config.yaml", "path to the YAML config file")
	flags.StringVar(&logConfigFile, "log_config_file", "", "accepted for command-line compatibility; not read (logging comes from the config file's logging section)")
	flags.StringVar(&dbURL, "db_url", "", "reference-data database URL (external collaborator; see RefDataConfig)")
	flags.IntVar(&port, "port", 0, "override frontend.port (0 keeps the config file's value)")
	flags.IntVar(&ioThreads, "io_threads", 0, "override server.io_threads (0 keeps the config file's value)")
	flags.IntVar(&algoThreads, "algo_threads", 0, "override algo.threads (0 keeps the config file's value)")
	flags.BoolVar(&disableRMS, "disable_rms", false, "disable the pre-trade risk gate (testing only)")
	flags.BoolVar(&dbCreateTables, "db_create_tables", false, "create reference-data tables if missing (external collaborator)")

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return configError{fmt.Errorf("load config: %w", err)}
	}
	applyFlagOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return configError{fmt.Errorf("validate config: %w", err)}
	}

	logger := newLogger(cfg.Logging)

	loader := refdata.NewFileLoader(cfg.RefData.File)
	initial, err := loader.Load()
	if err != nil {
		return configError{fmt.Errorf("load reference catalog: %w", err)}
	}
	catalog := refdata.NewCatalog(loader, initial)

	rt, err := runtime.New(cfg, logger, catalog)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	if err := rt.RegisterAdapters(); err != nil {
		return configError{fmt.Errorf("register adapters: %w", err)}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownCh := make(chan struct {
		seconds, interval int
	}, 1)
	rt.SetShutdownHook(func(seconds, interval int) {
		select {
		case shutdownCh <- struct{ seconds, interval int }{seconds, interval}:
		default:
		}
	})

	runErr := make(chan error, 1)
	go func() {
		runErr <- rt.Run(ctx)
	}()

	logger.Info("server started", "config", configFile, "frontend_enabled", cfg.Frontend.Enabled, "frontend_port", cfg.Frontend.Port)

	select {
	case sig := <-waitSignal(ctx):
		logger.Info("received shutdown signal", "signal", sig)
	case req := <-shutdownCh:
		logger.Info("client requested shutdown", "seconds", req.seconds, "interval", req.interval)
		if req.seconds > 0 {
			time.Sleep(time.Duration(req.seconds) * time.Second)
		}
	case err := <-runErr:
		if err != nil {
			logger.Error("runtime exited", "error", err)
			return err
		}
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx, 2*time.Second); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// waitSignal adapts ctx.Done (already wired to SIGINT/SIGTERM via
// signal.NotifyContext) into the same channel shape as the other
// select arms so run's select can treat all three sources uniformly.
func waitSignal(ctx context.Context) <-chan string {
	ch := make(chan string, 1)
	go func() {
		<-ctx.Done()
		ch <- "interrupt"
	}()
	return ch
}

func applyFlagOverrides(cfg *config.Config) {
	if port > 0 {
		cfg.Frontend.Port = port
	}
	if ioThreads > 0 {
		cfg.Server.IOThreads = ioThreads
	}
	if algoThreads > 0 {
		cfg.Algo.Threads = algoThreads
	}
	if disableRMS {
		cfg.Server.DisableRMS = true
	}
	if dbURL != "" {
		cfg.RefData.DBURL = dbURL
	}
	if dbCreateTables {
		cfg.RefData.CreateTables = true
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// exitCodeFor maps a run error to an exit code: 0 normal, 1
// configuration error, >1 fatal runtime.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var cfgErr configError
	if errors.As(err, &cfgErr) {
		return 1
	}
	return 2
}
