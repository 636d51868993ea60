package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-resumable/analytics"
	"github.com/bitrise-io/go-resumable/source"
	"github.com/bitrise-io/go-steputils/stepconf"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := log.NewLogger()

	var cfg Config
	if err := stepconf.Parse(&cfg); err != nil {
		logger.Errorf("Invalid inputs: %s", err)
		return 1
	}
	stepconf.Print(cfg)
	logger.EnableDebugLog(cfg.VerboseLog)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := upload(ctx, cfg, env.NewRepository(), logger)
	if err != nil {
		logger.Errorf("Upload failed: %s", err)
		return 1
	}

	logSummary(logger, result)
	if len(result.Failed) > 0 {
		return 1
	}
	return 0
}

func upload(ctx context.Context, cfg Config, envRepo env.Repository, logger log.Logger) (Result, error) {
	schedulerCfg, err := cfg.schedulerConfig()
	if err != nil {
		return Result{}, err
	}

	var s3Client source.S3API
	if cfg.AWSRegion != "" {
		client, err := source.NewS3Client(ctx, source.S3Params{
			Region:          cfg.AWSRegion,
			AccessKeyID:     string(cfg.AWSAccessKeyID),
			SecretAccessKey: string(cfg.AWSSecretAccessKey),
		}, logger)
		if err != nil {
			return Result{}, err
		}
		s3Client = client
	}

	provider := source.NewProvider(
		source.NewDownloader(logger),
		pathutil.NewPathProvider(),
		pathutil.NewPathModifier(),
		s3Client,
		cfg.StageS3,
		logger,
	).WithPatterns(cfg.Patterns...)
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Warnf("Failed to close files: %s", err)
		}
	}()

	u := uploader{logger: logger, provider: provider}

	var tracker *analytics.UploadTracker
	if cfg.EnableAnalytics {
		tracker = analytics.NewDefaultUploadTracker(envRepo, logger)
		u.tracker = tracker
	}

	result, err := u.run(ctx, schedulerCfg, cfg.UploadPaths, cfg.Category)
	if tracker != nil {
		tracker.Wait()
	}
	return result, err
}

func logSummary(logger log.Logger, result Result) {
	logger.Println()
	logger.Infof("Upload summary")
	logger.Printf("Uploaded: %d file(s), %s in %s", len(result.Uploaded), units.HumanSize(float64(result.Size)), result.Duration.Round(time.Millisecond))
	if result.Stats != nil {
		logger.Printf("Chunks: %d uploaded, %d already present, %d retried, average %s",
			result.Stats.FinishedCount(), result.Stats.ProbedCount(), result.Stats.RetryCount(), result.Stats.Average())
	}
	for _, name := range result.Rejected {
		logger.Warnf("Rejected: %s", name)
	}
	for _, name := range result.Failed {
		logger.Errorf("Failed: %s", name)
	}
	if len(result.Failed) > 0 {
		logger.Errorf("%d file(s) failed to upload", len(result.Failed))
	}
}
