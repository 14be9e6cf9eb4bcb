// Package main implements the solrqueue daemon.
// It serves the queue HTTP API and runs the scheduler that replays deferred
// record changes and indexes pending queue items.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/solrqueue/solrqueue/internal/app"
	"github.com/solrqueue/solrqueue/internal/config"
	"github.com/solrqueue/solrqueue/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		envFile     string
		dataDir     string
		httpAddr    string
		monitoring  string
		noScheduler bool
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the environment is read")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP API address")
	flag.StringVar(&monitoring, "monitoring", "", "Monitoring mode: immediate, delayed, disabled")
	flag.BoolVar(&noScheduler, "no-scheduler", false, "Serve the API without running the scheduler")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "solrqueue - index queue daemon for Solr\n\n")
		fmt.Fprintf(os.Stderr, "Usage: solrqueue [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  solrqueue --config /etc/solrqueue/config.yaml\n")
		fmt.Fprintf(os.Stderr, "  solrqueue --config config.yaml --monitoring delayed\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  SOLRQUEUE_DATA_DIR          Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  SOLRQUEUE_DB_PATH           Queue database path\n")
		fmt.Fprintf(os.Stderr, "  SOLRQUEUE_RECORDS_DB_PATH   CMS record database path\n")
		fmt.Fprintf(os.Stderr, "  SOLRQUEUE_REDIS_URL         Persistent cache level\n")
		fmt.Fprintf(os.Stderr, "  SOLRQUEUE_MONITORING_MODE   immediate, delayed or disabled\n")
		fmt.Fprintf(os.Stderr, "  SOLRQUEUE_LOG_LEVEL         Log level\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("solrqueue version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(envFile, configFile, dataDir, httpAddr, monitoring, noScheduler)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	printBanner(logger, cfg)

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to create application")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start application")
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		logger.WithError(err).Warn("shutdown finished with errors")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := application.Stop(stopCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
		os.Exit(1)
	}
}

// loadConfig loads configuration from the dotenv file, the config file, the
// environment and the command line flags, in increasing priority.
func loadConfig(envFile, configFile, dataDir, httpAddr, monitoring string, noScheduler bool) (*config.Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("failed to load env file: %w", err)
			}
		}
	}

	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if monitoring != "" {
		cfg.Monitoring.Mode = config.MonitoringMode(monitoring)
	}
	if noScheduler {
		cfg.Scheduler.Enabled = false
	}
	return cfg, nil
}

func printBanner(logger logrus.FieldLogger, cfg *config.Config) {
	logger.WithFields(logrus.Fields{
		"version":    version,
		"commit":     commit,
		"data_dir":   cfg.DataDir,
		"http":       cfg.HTTP.Addr,
		"monitoring": cfg.Monitoring.Mode,
		"scheduler":  cfg.Scheduler.Enabled,
		"interval":   cfg.Scheduler.CheckInterval,
		"sites":      len(cfg.Sites),
		"redis":      cfg.Cache.RedisURL != "",
	}).Info("solrqueue starting")
}
