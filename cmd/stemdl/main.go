package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"stemdl/internal/browser"
	"stemdl/internal/config"
	"stemdl/internal/database"
	"stemdl/internal/report"
	"stemdl/internal/runner"
	"stemdl/internal/session"
	"stemdl/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	songsPath  string
	envPath    string
	limit      int
)

func main() {
	// Initialize basic logger for startup
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	root := &cobra.Command{
		Use:           "stemdl",
		Short:         "Download isolated stems of every track of a song list",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownload(cmd.Context(), logger)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.toml", "configuration file")
	root.PersistentFlags().StringVarP(&songsPath, "songs", "s", "./songs.toml", "songs file")
	root.PersistentFlags().StringVar(&envPath, "env", ".env", "file holding STEMDL_EMAIL and STEMDL_PASSWORD")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Download every stem of the songs file (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownload(cmd.Context(), logger)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Rename late downloads of earlier permanent failures, without a browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), logger)
		},
	})
	history := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(logger)
		},
	}
	history.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to show")
	root.AddCommand(history)

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		logger.WithError(err).Error("stemdl failed")
		os.Exit(1)
	}
}

// setup loads the configuration, applies its logging settings and opens the
// history database.
func setup(logger *logrus.Logger) (*config.Config, *database.Database, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading configuration: %w", err)
	}
	if err := configureLogging(logger, cfg.Logging); err != nil {
		return nil, nil, err
	}

	db, err := database.NewDatabase(cfg.Database.Path, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("error initializing database: %w", err)
	}
	return cfg, db, nil
}

func configureLogging(logger *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(io.MultiWriter(os.Stderr, file))
	}
	return nil
}

func runDownload(ctx context.Context, logger *logrus.Logger) error {
	cfg, db, err := setup(logger)
	if err != nil {
		return err
	}
	defer db.Close()

	songs, err := config.LoadSongs(songsPath)
	if err != nil {
		return err
	}
	creds, err := config.LoadCredentials(envPath)
	if err != nil {
		return err
	}

	chrome, err := browser.NewChrome(cfg.Browser, cfg.Selectors, logger)
	if err != nil {
		return fmt.Errorf("error starting browser: %w", err)
	}
	defer chrome.Close()

	sessions := session.NewManager(cfg.Session, chrome, creds, cfg.Browser.Headless, logger)

	runID := uuid.NewString()
	r, err := runner.New(cfg, chrome, sessions, runner.Options{
		RunID:    runID,
		History:  db,
		Failures: db.Failures(runID),
	}, logger)
	if err != nil {
		return err
	}
	// No monitor may outlive the browser it watches
	defer r.Engine().Drain()

	logger.WithFields(logrus.Fields{
		"run_id": runID,
		"songs":  len(songs),
		"output": cfg.Download.OutputRoot,
	}).Info("Starting run")

	summary, err := r.Run(ctx, songs)
	logger.WithFields(logrus.Fields{
		"items":      summary.Items,
		"downloaded": summary.Downloaded,
		"skipped":    summary.Skipped,
		"swept":      summary.Swept,
	}).Info("Run finished")

	for song, songErr := range summary.SongErrors {
		logger.WithError(songErr).WithField("song", song).Warn("Song was not processed")
	}
	for _, rec := range summary.Unfinished {
		logger.WithFields(logrus.Fields{
			"song":    rec.Item.SongLabel(),
			"track":   rec.Item.TrackName,
			"attempt": rec.Attempt,
		}).Warn("Track left without a final retry")
	}
	report.WriteOutcome(os.Stdout, summary.Failures, err)
	return err
}

func runSweep(ctx context.Context, logger *logrus.Logger) error {
	cfg, db, err := setup(logger)
	if err != nil {
		return err
	}
	defer db.Close()

	songs, err := config.LoadSongs(songsPath)
	if err != nil {
		return err
	}
	byURL := make(map[string]models.Song, len(songs))
	for _, song := range songs {
		byURL[song.URL] = song
	}

	failures, err := db.UnresolvedFailures()
	if err != nil {
		return fmt.Errorf("failed to load failures: %w", err)
	}

	var items []models.WorkItem
	var unknown []string
	for _, rec := range failures {
		song, ok := byURL[rec.Item.SongURL]
		if !ok {
			unknown = append(unknown, rec.Item.SongURL)
			continue
		}
		item := rec.Item
		item.Dir = song.Dir(cfg.Download.OutputRoot)
		items = append(items, item)
	}
	if len(unknown) > 0 {
		logger.WithField("songs", strings.Join(unknown, ", ")).Warn("Failures of songs missing from the songs file are ignored")
	}

	r, err := runner.New(cfg, nil, nil, runner.Options{History: db}, logger)
	if err != nil {
		return err
	}
	results := r.Sweep(ctx, items)
	for _, res := range results {
		fmt.Printf("%s -> %s\n", res.From, res.Path)
	}
	logger.WithFields(logrus.Fields{
		"candidates": len(items),
		"recovered":  len(results),
	}).Info("Sweep finished")
	return ctx.Err()
}

func runHistory(logger *logrus.Logger) error {
	_, db, err := setup(logger)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.RecentRuns(limit)
	if err != nil {
		return fmt.Errorf("failed to load runs: %w", err)
	}
	report.WriteRuns(os.Stdout, runs)
	return nil
}
