package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"image-squasher-go/internal/batch"
	"image-squasher-go/internal/compressor"
	"image-squasher-go/internal/config"
	"image-squasher-go/internal/discovery"
	"image-squasher-go/internal/logger"
	"image-squasher-go/internal/probe"
	"image-squasher-go/internal/report"
	"image-squasher-go/internal/statistics"
	"image-squasher-go/internal/tinify"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile          string
	apiKey           string
	concurrency      int
	maxWidth         int
	dryRun           bool
	preserveMetadata bool
	verbose          bool
	quiet            bool
	version          = "dev"
)

// rootCmd compresses every supported image one level below <path> into <target>.
var rootCmd = &cobra.Command{
	Use:   "image-squasher <path> <target>",
	Short: "Compress images through the TinyPNG service",
	Long: `Image Squasher compresses a tree of images through the TinyPNG API.

Every file in each first-level subdirectory of <path> is uploaded, resized
to at most 1920 pixels wide, and written to <target>/<subdirectory>/<file>.
Targets that already exist are left alone, so an interrupted run can simply
be started again. When <path> is a single file, only that file is compressed.

The API key is read from --api-key, then TINYPNG_API_KEY, then the
api_key entry of the config file.`,
	Args:          cobra.ExactArgs(2),
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, args)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		key, err := cfg.ResolveAPIKey(apiKey)
		if err != nil {
			return err
		}
		return runCompress(cmd.Context(), cfg, key, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

// scanCmd shows what a run would do without calling the remote service.
var scanCmd = &cobra.Command{
	Use:   "scan <path> <target>",
	Short: "List the files a run would compress, without compressing them",
	Long: `Scan <path> the same way the main command does and print the planned
action and resize width for every supported file. No API key is needed and
nothing is uploaded or written.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, args)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return runScan(cmd.Context(), cfg, cmd.OutOrStdout())
	},
}

// quotaCmd verifies the API key and prints this month's usage.
var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Verify the API key and show compressions used this month",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, args)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		key, err := cfg.ResolveAPIKey(apiKey)
		if err != nil {
			return err
		}
		return runQuota(cmd.Context(), cfg, key, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "TinyPNG API key (default $"+config.APIKeyEnvVar+")")
	rootCmd.PersistentFlags().IntVar(&maxWidth, "max-width", config.DefaultMaxWidth, "widest output image in pixels, never upscaled")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	rootCmd.Flags().IntVar(&concurrency, "concurrency", 4, "number of files compressed at once")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "probe and plan without uploading or writing")
	rootCmd.Flags().BoolVar(&preserveMetadata, "preserve-metadata", false, "keep copyright and creation metadata of images with EXIF data")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(quotaCmd)
}

// loadConfig loads configuration and applies CLI overrides.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	if len(args) > 0 {
		cfg.SourcePath = args[0]
	}
	if len(args) > 1 {
		cfg.TargetDirectory = args[1]
	}

	flags := cmd.Flags()
	if flags.Changed("max-width") {
		cfg.Compression.MaxWidth = maxWidth
	}
	if flags.Changed("concurrency") {
		cfg.Performance.Concurrency = concurrency
	}
	if flags.Changed("dry-run") {
		cfg.Compression.DryRun = dryRun
	}
	if flags.Changed("preserve-metadata") {
		cfg.Compression.PreserveMetadata = preserveMetadata
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runCompress verifies the key, then compresses everything found under cfg.SourcePath.
func runCompress(ctx context.Context, cfg *config.Config, key string, out, errOut io.Writer) error {
	if err := cfg.ValidatePaths(); err != nil {
		return err
	}

	log := setupLogger(cfg)
	client, err := newClient(key, cfg, log)
	if err != nil {
		return err
	}
	if err := client.Validate(ctx); err != nil {
		return fmt.Errorf("API key validation failed: %w", err)
	}
	printf(out, "TinyPng API Key verified\n")

	var progress batch.ProgressFunc
	if !quiet {
		progress = func(done, total int, res compressor.Result) {
			fmt.Fprintf(errOut, "[%d/%d] %s: %s\n", done, total, filepath.Base(res.Mapping.SourcePath), res.Outcome)
		}
	}

	results, stats, runErr := process(ctx, cfg, client, log, progress)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	if runErr != nil {
		printf(out, "\nCompression cancelled after %s.\n", stats.GetDuration().Round(time.Millisecond))
	} else {
		printf(out, "\nCompression complete in %s.\n", stats.GetDuration().Round(time.Millisecond))
	}
	printSummary(out, cfg, results, stats)
	if n := client.CompressionCount(); n >= 0 {
		printf(out, "%d compressions this month\n", n)
	}
	return runErr
}

// runScan plans a run without a client.
func runScan(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if err := cfg.ValidatePaths(); err != nil {
		return err
	}
	cfg.Compression.DryRun = true

	printf(out, "Scanning: %s\n", cfg.SourcePath)
	log := setupLogger(cfg)
	results, stats, err := process(ctx, cfg, nil, log, nil)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	printf(out, "\n==================================================\n")
	printf(out, "SCAN RESULTS\n")
	printf(out, "==================================================\n")
	printSummary(out, cfg, results, stats)
	return nil
}

// runQuota validates the key, which also reports the current usage.
func runQuota(ctx context.Context, cfg *config.Config, key string, out io.Writer) error {
	log := setupLogger(cfg)
	client, err := newClient(key, cfg, log)
	if err != nil {
		return err
	}
	if err := client.Validate(ctx); err != nil {
		return fmt.Errorf("API key validation failed: %w", err)
	}

	fmt.Fprintln(out, "TinyPng API Key verified")
	if n := client.CompressionCount(); n >= 0 {
		fmt.Fprintf(out, "%d compressions this month\n", n)
	} else {
		fmt.Fprintln(out, "Compression count not reported by the service")
	}
	return nil
}

// process discovers the files under cfg.SourcePath and runs them through a
// FileCompressor. client may be nil when cfg.Compression.DryRun is set.
func process(
	ctx context.Context,
	cfg *config.Config,
	client compressor.Client,
	log *logrus.Logger,
	progress batch.ProgressFunc,
) ([]compressor.Result, *statistics.Statistics, error) {
	stats := statistics.NewStatistics()
	fc := compressor.NewFileCompressor(client, probe.NewHeaderProber(log), log, compressor.Options{
		MaxWidth:         cfg.Compression.MaxWidth,
		PreserveMetadata: cfg.Compression.PreserveMetadata,
		DryRun:           cfg.Compression.DryRun,
	})
	orch := batch.NewOrchestratorWithProgress(fc, log, stats, cfg.Performance.Concurrency, progress)

	info, err := os.Stat(cfg.SourcePath)
	if err != nil {
		return nil, stats, fmt.Errorf("failed to discover files: %w", err)
	}
	exts := discovery.NewExtensionSet(cfg.SupportedExtensions...)
	mappings, err := orch.Discover(cfg.SourcePath, cfg.TargetDirectory, exts, !info.IsDir())
	if err != nil {
		return nil, stats, err
	}

	results, err := orch.Run(ctx, mappings)
	return results, stats, err
}

func newClient(key string, cfg *config.Config, log logrus.FieldLogger) (*tinify.Client, error) {
	return tinify.NewClient(key,
		tinify.WithEndpoint(cfg.Remote.Endpoint),
		tinify.WithTimeout(cfg.Remote.Timeout),
		tinify.WithLogger(log),
	)
}

func printSummary(out io.Writer, cfg *config.Config, results []compressor.Result, stats *statistics.Statistics) {
	if quiet {
		return
	}
	fmt.Fprintln(out, "\n"+stats.GetSummary())
	if breakdown := stats.GetFileTypeBreakdown(); breakdown != "" {
		fmt.Fprintln(out, "\n"+breakdown)
	}
	if errs := stats.GetErrorSummary(); errs != "" {
		fmt.Fprintln(out, "\n"+errs)
	}
	if len(results) > 0 {
		root := cfg.SourcePath
		if info, err := os.Stat(root); err == nil && !info.IsDir() {
			root = filepath.Dir(filepath.Dir(root))
		}
		fmt.Fprintln(out)
		report.WriteResults(out, root, results)
	}
}

// printf writes to out unless --quiet is set.
func printf(out io.Writer, format string, a ...interface{}) {
	if quiet {
		return
	}
	fmt.Fprintf(out, format, a...)
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.LoggerConfig{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		Console:    !quiet,
	}

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
