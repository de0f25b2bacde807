package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Marketen/duties-notifier/internal/api"
	"github.com/Marketen/duties-notifier/internal/config"
	"github.com/Marketen/duties-notifier/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:           "duties-notifier",
	Short:         "Tracks Ethereum validator duties and notifies before they are due",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runService,
}

var verbose bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the notifier service (default)",
	RunE:  runService,
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	rootCmd.PersistentPreRun = func(*cobra.Command, []string) {
		if verbose {
			logger.SetOutput(os.Stderr, zerolog.DebugLevel, os.Getenv("LOG_FORMAT"))
		}
	}
	rootCmd.AddCommand(runCmd, validatorsCmd(), cacheCmd(), settingsCmd(), beaconCmd())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT / SIGTERM for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Warn("Received signal %s, shutting down...", sig)
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func runService(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger.Info("Starting duties-notifier")
	logger.Info("Notify interval: %s, refresh interval: %s", cfg.NotifyInterval, cfg.RefreshInterval)

	env, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.app.Load(ctx); err != nil {
		return err
	}
	env.app.Start(ctx)
	logger.Info("Tracking %d validators", env.app.Registry.Len())

	var push api.PushRegistrar
	if env.push != nil {
		push = env.push
	}
	server := api.NewServer(env.app, push)

	return serveAndRun(ctx,
		func(ctx context.Context) error { return server.ListenAndServe(ctx, cfg.HTTPListen) },
		env.app.Run,
	)
}

// serveAndRun runs the API server next to the app. A server failure stops the
// app and is returned.
func serveAndRun(ctx context.Context, serve, run func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		err := serve(ctx)
		if err != nil {
			logger.Error("HTTP API failed: %v", err)
			cancel()
		}
		errCh <- err
	}()

	runErr := run(ctx)
	cancel()
	if serveErr := <-errCh; serveErr != nil {
		return serveErr
	}
	return runErr
}
