// Package app wires configuration into the render pipeline. Shared by the API
// server and the offline compositor.
package app

import (
	"context"
	"os"

	"github.com/bobarin/reelcomposer/internal/config"
	"github.com/bobarin/reelcomposer/internal/pipeline"
	"github.com/bobarin/reelcomposer/internal/services"
	"github.com/bobarin/reelcomposer/internal/storage"
	"github.com/rs/zerolog"
)

// NewLogger builds the root logger at the configured level.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)
}

// NewPipeline builds the asset resolver, encoder and optional aligner from cfg.
// allowLocal overrides cfg.AllowLocalAssets when true. Each component tags its
// own log lines, so log should carry no component field.
func NewPipeline(ctx context.Context, cfg *config.Config, allowLocal bool, log zerolog.Logger) (*pipeline.Pipeline, error) {
	var objects storage.ObjectFetcher
	if cfg.S3Bucket != "" || cfg.S3AccessKey != "" || cfg.S3Endpoint != "" {
		s3, err := storage.NewS3Fetcher(ctx, storage.S3Options{
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
		}, log)
		if err != nil {
			return nil, err
		}
		if cfg.S3Bucket != "" {
			if err := s3.HeadBucket(ctx); err != nil {
				log.Warn().Err(err).Str("bucket", cfg.S3Bucket).Msg("s3 bucket check failed")
			}
		}
		objects = s3
		log.Info().Str("bucket", cfg.S3Bucket).Str("endpoint", cfg.S3Endpoint).Msg("s3 asset source enabled")
	}

	assets := storage.NewResolver(storage.Options{
		FetchTimeout: cfg.FetchTimeout,
		AllowLocal:   cfg.AllowLocalAssets || allowLocal,
		Objects:      objects,
		Log:          log,
	})

	ffmpeg := services.NewFFmpegService(cfg.FFmpegPath, cfg.FFprobePath, cfg.EncodeTimeout, log)

	var aligner services.WordAligner
	if cfg.AlignmentEnabled() {
		aligner = services.NewOpenAIService(cfg.OpenAIKey, log)
		log.Info().Str("language", cfg.AlignLanguage).Msg("word alignment enabled")
	}

	return pipeline.New(pipeline.Options{
		Assets:        assets,
		Encoder:       ffmpeg,
		Prober:        ffmpeg,
		Aligner:       aligner,
		AlignLanguage: cfg.AlignLanguage,
		NarrationGain: cfg.NarrationGain,
		Log:           log,
	}), nil
}
