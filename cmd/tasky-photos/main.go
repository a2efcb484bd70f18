package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tasky-photos/internal/compressor"
	"tasky-photos/internal/config"
	"tasky-photos/internal/logger"
	"tasky-photos/internal/statistics"
	"tasky-photos/internal/upload"
	"tasky-photos/internal/web"
	"tasky-photos/internal/worker"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	verbose   bool
	quiet     bool
	threshold int64
	cacheDir  string
	format    string
	eventFile string
	update    bool
	port      int
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "tasky-photos",
	Short: "Compress and upload agenda photos",
	Long: `tasky-photos stages agenda event photos for upload.

Each image is re-encoded at decreasing quality until it fits under a byte
threshold, written to a cache directory, and can then be uploaded to the
agenda API as part of a multipart event request.`,
	SilenceUsage: true,
}

// compressCmd compresses images and prints one output path per input.
var compressCmd = &cobra.Command{
	Use:   "compress <uri>...",
	Short: "Compress images under a byte threshold",
	Long: `Compresses every URI concurrently and prints one line per input, in input
order: the absolute path of the compressed file, or an empty line when the
image could not be read, decoded or written.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(cmd.Context(), args)
	},
}

// uploadCmd uploads an event with compressed photos.
var uploadCmd = &cobra.Command{
	Use:   "upload --event <file.json> <photo>...",
	Short: "Upload an event with its compressed photos",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpload(cmd.Context(), args)
	},
}

// serveCmd starts the HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the compression API server",
	Long: `Starts an HTTP server exposing synchronous compression, background
compression jobs and a WebSocket stream of job events.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	compressCmd.Flags().Int64Var(&threshold, "threshold", 0, "maximum size of a compressed image in bytes (default from config)")
	compressCmd.Flags().StringVar(&cacheDir, "cache-dir", "", "directory receiving compressed files (default from config)")
	compressCmd.Flags().StringVar(&format, "format", "", "output format: png or jpeg (default from config)")

	uploadCmd.Flags().StringVar(&eventFile, "event", "", "JSON file with the event request")
	uploadCmd.Flags().BoolVar(&update, "update", false, "update an existing event instead of creating one")
	_ = uploadCmd.MarkFlagRequired("event")

	serveCmd.Flags().IntVar(&port, "port", 0, "port to run the API server on (default from config)")

	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(serveCmd)
}

// runCompress compresses the given URIs and prints the resulting paths.
func runCompress(ctx context.Context, uris []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if threshold < 0 {
		return fmt.Errorf("threshold must not be negative")
	}
	if threshold == 0 {
		threshold = cfg.Compression.ThresholdBytes
	}

	log := setupLogger(cfg)
	stats := statistics.NewStatistics()
	c, err := newCompressor(cfg, log, stats)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := c.Compress(ctx, compressor.CompressionRequest{URIs: uris, ThresholdBytes: threshold})
	for _, path := range res.Paths() {
		fmt.Println(path)
	}
	if err != nil {
		return fmt.Errorf("compression interrupted: %w", err)
	}

	if !quiet {
		fmt.Fprintln(os.Stderr, "\n"+stats.GetSummary())
		if res.Failed() > 0 {
			fmt.Fprintln(os.Stderr, "\n"+stats.GetErrorSummary())
		}
	}
	return nil
}

// runUpload sends the event in eventFile with the given photo files.
func runUpload(ctx context.Context, paths []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Upload.BaseURL == "" {
		return fmt.Errorf("upload.base_url is not configured")
	}

	raw, err := os.ReadFile(eventFile)
	if err != nil {
		return fmt.Errorf("read event file: %w", err)
	}
	if !json.Valid(raw) {
		return fmt.Errorf("event file %s is not valid JSON", eventFile)
	}
	event := json.RawMessage(raw)

	log := setupLogger(cfg)
	stats := statistics.NewStatistics()
	u := upload.NewUploader(upload.Options{
		BaseURL:    cfg.Upload.BaseURL,
		EventRoute: cfg.Upload.EventRoute,
		APIKey:     cfg.Upload.APIKey,
		Token:      cfg.Upload.Token,
		Timeout:    cfg.Upload.Timeout,
		Logger:     log,
		Stats:      stats,
	})

	var out json.RawMessage
	if update {
		err = u.UpdateEvent(ctx, event, paths, &out)
	} else {
		err = u.CreateEvent(ctx, event, paths, &out)
	}
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Println(string(out))
	}
	return nil
}

// runServe starts the API server and handles graceful shutdown.
func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port == 0 {
		port = cfg.Server.Port
	}

	log := setupLogger(cfg)
	stats := statistics.NewStatistics()
	c, err := newCompressor(cfg, log, stats)
	if err != nil {
		return err
	}
	jobs := worker.NewManager(c, worker.ManagerOptions{
		MaxConcurrentJobs: cfg.Performance.MaxConcurrentJobs,
		MaxFinishedJobs:   cfg.Performance.MaxFinishedJobs,
		Retention:         cfg.Performance.JobRetention,
		Logger:            log,
		Stats:             stats,
	})
	server := web.NewServer(cfg, log, c, jobs, stats)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(port); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server failed to start: %w", err)
	case <-sigChan:
	}
	log.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("Server stopped gracefully")
	return nil
}

// loadConfig loads configuration and applies CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if cacheDir != "" {
		cfg.CacheDirectory = cacheDir
	}
	if format != "" {
		cfg.Compression.Format = format
	}
	return cfg, cfg.Validate()
}

// newCompressor builds the adaptive compressor described by cfg.
func newCompressor(cfg *config.Config, log *logrus.Logger, stats *statistics.Statistics) (*compressor.AdaptiveCompressor, error) {
	enc, err := compressor.NewEncoder(cfg.Compression.Format)
	if err != nil {
		return nil, err
	}
	return compressor.NewAdaptiveCompressor(compressor.Options{
		CacheDir:      cfg.CacheDirectory,
		Encoder:       enc,
		Source:        compressor.NewURISource(cfg.Performance.DownloadTimeout),
		EncodeWorkers: cfg.Performance.EncodeWorkers,
		ImageTimeout:  cfg.Performance.ImageTimeout,
		Logger:        log,
		Stats:         stats,
	})
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.DefaultConfig()
	if cfg.Logging.Level != "" {
		loggerCfg.Level = cfg.Logging.Level
	}
	loggerCfg.FilePath = cfg.Logging.FilePath
	if cfg.Logging.MaxSize > 0 {
		loggerCfg.MaxSize = cfg.Logging.MaxSize
	}
	if cfg.Logging.MaxBackups > 0 {
		loggerCfg.MaxBackups = cfg.Logging.MaxBackups
	}
	if cfg.Logging.MaxAge > 0 {
		loggerCfg.MaxAge = cfg.Logging.MaxAge
	}
	loggerCfg.Compress = cfg.Logging.Compress
	loggerCfg.Console = !quiet

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetOutput(os.Stderr)
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
