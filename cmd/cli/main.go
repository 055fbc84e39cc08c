package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/creatorhub/pipeline-service/config"
	"github.com/creatorhub/pipeline-service/internal/alert"
	"github.com/creatorhub/pipeline-service/internal/database"
	"github.com/creatorhub/pipeline-service/internal/jobs"
	"github.com/creatorhub/pipeline-service/internal/pipeline"
	"github.com/creatorhub/pipeline-service/internal/pipelinequeue"
	"github.com/creatorhub/pipeline-service/internal/runs"
	"github.com/creatorhub/pipeline-service/internal/stubs"
	"github.com/creatorhub/pipeline-service/internal/worker"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *zerolog.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pipeline-service",
	Short: "Pipeline Service CLI - creator content pipeline operations",
	Long: `A CLI tool for operating the creator content pipeline: drain job batches,
enqueue pipeline runs for creators, and inspect or replay dead-lettered runs.`,
	PersistentPreRunE: persistentPreRun,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Persistent flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config/config.yaml or ./config.yaml)")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
	}
}

// persistentPreRun runs before each command and initializes dependencies
func persistentPreRun(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" {
		return nil
	}

	logger = initLogger()

	if cfg == nil {
		return fmt.Errorf("config required for %s command but not loaded", cmd.Name())
	}
	if err := initDatabase(); err != nil {
		return fmt.Errorf("database initialization failed: %w", err)
	}
	logger.Info().Msg("Database connected")

	return nil
}

func initLogger() *zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level := zerolog.InfoLevel
	if cfg != nil && cfg.Logging.Level != "" {
		if parsedLevel, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			level = parsedLevel
		}
	}

	// Always use console format for CLI
	var output io.Writer
	if cfg != nil && cfg.Logging.Format == "json" {
		output = os.Stdout
	} else {
		noColor := false
		if cfg != nil {
			noColor = cfg.Logging.NoColor
		}
		output = zerolog.ConsoleWriter{Out: os.Stdout, NoColor: noColor}
	}

	log := zerolog.New(output).Level(level).With().Timestamp().Logger()
	return &log
}

func initDatabase() error {
	dbURL := config.GetDatabaseURL()
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL not set")
	}

	ctx := context.Background()
	if err := database.Connect(
		ctx,
		dbURL,
		cfg.Database.MaxConnections,
		cfg.Database.MinConnections,
		cfg.Database.MaxConnLifetime,
		cfg.Database.MaxConnIdleTime,
	); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	return nil
}

// buildQueue constructs the pipeline job queue from config.
func buildQueue() *pipelinequeue.Queue {
	return pipelinequeue.New(database.Pool(), pipelinequeue.BackoffPolicy{
		Base: cfg.Queue.BaseBackoff,
		Cap:  cfg.Queue.MaxBackoff,
	})
}

// buildProcessor wires the full worker stack the same way the server does.
func buildProcessor() *worker.Processor {
	pool := database.Pool()

	notifier := alert.NewNotifier(cfg.Alert.WebhookURL, cfg.Alert.Timeout, *logger)
	registry := runs.NewRegistry(pool, notifier, *logger)
	guard := runs.NewGuard(pool)

	jobStack := stubs.NewJobStack(*logger)
	dispatcher := &jobs.Dispatcher{
		Importer:    jobStack,
		Transcripts: jobStack,
		Embeddings:  jobStack,
		Mail:        jobStack,
	}
	jobRunner := jobs.NewRunner(jobs.NewStore(pool), dispatcher, *logger)

	contentStack := stubs.NewContentStack(*logger)
	body := pipeline.New(pipeline.Deps{
		Store:           pipeline.NewStore(pool),
		Guard:           guard,
		Runs:            registry,
		Scraper:         contentStack,
		Transcriber:     contentStack,
		Cleaner:         contentStack,
		Clusterer:       contentStack,
		Extractor:       contentStack,
		MinContentItems: cfg.Pipeline.MinContentItems,
		Logger:          *logger,
	})

	return worker.NewProcessor(buildQueue(), registry, guard, body, jobRunner, worker.Config{
		LeaseSeconds: cfg.Queue.LeaseSeconds,
		BatchLimit:   cfg.Queue.BatchLimit,
		ImportLimit:  cfg.Queue.ImportBatchLimit,
	}, *logger)
}

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
