package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dirkhh/adsb-boottest/pkg/api"
	"github.com/dirkhh/adsb-boottest/pkg/config"
	"github.com/dirkhh/adsb-boottest/pkg/executor"
	"github.com/dirkhh/adsb-boottest/pkg/github"
	"github.com/dirkhh/adsb-boottest/pkg/reporter"
	"github.com/dirkhh/adsb-boottest/pkg/scheduler"
	"github.com/dirkhh/adsb-boottest/pkg/store"
	"github.com/dirkhh/adsb-boottest/pkg/upload"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the boot test service",
	Long: `Start the full service: the intake API, the serialized test rig
scheduler, and (when enabled) the GitHub status reporter.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// The config log level applies unless overridden on the command line.
	if !cmd.Flags().Changed("log-level") && cfg.Global.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	var uploader upload.Uploader

	if cfg.Upload.S3 != nil && cfg.Upload.S3.Enabled {
		uploader, err = upload.NewS3Uploader(log, cfg.Upload.S3)
		if err != nil {
			return fmt.Errorf("creating uploader: %w", err)
		}

		if err := uploader.Preflight(ctx); err != nil {
			return fmt.Errorf("upload preflight: %w", err)
		}
	}

	exec := executor.NewScriptExecutor(log, &cfg.Executor)

	sched := scheduler.NewScheduler(log, &scheduler.Config{
		PollInterval: cfg.SchedulerPollInterval(),
		Timeout:      cfg.RunTimeout(),
		ResultsDir:   cfg.Executor.ResultsDir,
	}, st, exec, uploader)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	var (
		rep        reporter.Reporter
		credential api.CredentialHealthSource
	)

	if cfg.GitHub.Enabled {
		gh := github.NewClient(log, &github.Config{
			Token:          cfg.GitHub.Token,
			Repo:           cfg.GitHub.Repo,
			APIBaseURL:     cfg.GitHub.APIURL,
			RequestTimeout: cfg.RequestTimeout(),
		})

		monitor := reporter.NewCredentialMonitor(
			log, gh, cfg.ExpiryWarningThreshold(),
		)
		credential = monitor

		rep = reporter.NewReporter(log, &reporter.Config{
			PollInterval: cfg.ReportPollInterval(),
		}, st, gh, monitor)

		if err := rep.Start(ctx); err != nil {
			return fmt.Errorf("starting reporter: %w", err)
		}
	} else {
		log.Info("GitHub reporting disabled")
	}

	srv := api.NewServer(log, cfg, st, sched, credential)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	// Stop in reverse order: no new submissions, then the worker, then
	// reporting, then the store.
	if err := srv.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop api server")
	}

	if err := sched.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop scheduler")
	}

	if rep != nil {
		if err := rep.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop reporter")
		}
	}

	if err := st.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop store")
	}

	return nil
}
