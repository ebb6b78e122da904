package cmd

import (
	"net/http"
	"time"

	"Narrato/config"
	"Narrato/core/audio"
	"Narrato/core/mixer"
	"Narrato/core/tts"
	"Narrato/db"
	"Narrato/metrics"
	"Narrato/repository"
	"Narrato/storage"

	"github.com/hibiken/asynq"
)

// redisClientOpt reuses the go-redis settings for the asynq broker.
func redisClientOpt(cfg *config.Config) asynq.RedisClientOpt {
	opts := db.RedisOptions(cfg)
	return asynq.RedisClientOpt{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}
}

func newNarrator(cfg *config.Config, m *metrics.Metrics) (*tts.Client, error) {
	provider, err := tts.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel,
		tts.WithBaseURL(cfg.OpenAIBaseURL),
		tts.WithTimeout(cfg.OpenAITimeout),
		tts.WithSDKRetries(cfg.OpenAIMaxRetries),
	)
	if err != nil {
		return nil, err
	}
	return tts.NewClient(provider,
		tts.WithDefaultVoice(cfg.DefaultVoice),
		tts.WithFallbackVoice(cfg.FallbackVoice),
		tts.WithMetrics(m),
	), nil
}

func newFFmpeg(cfg *config.Config) *audio.FFmpegProcessor {
	return audio.NewFFmpegProcessor(cfg.FFmpegPath, cfg.AudioBitrate, cfg.MixTimeout)
}

// newMixWorker builds a worker that reports over HTTP, or straight into the
// track table when tracks is non-nil.
func newMixWorker(cfg *config.Config, blobs *storage.BlobStore, tracks repository.TrackRepository, m *metrics.Metrics) *mixer.Worker {
	var reporter mixer.Reporter
	if tracks != nil {
		reporter = mixer.NewRepositoryReporter(tracks)
	} else {
		reporter = mixer.NewHTTPReporter(cfg.CallbackBaseURL, cfg.CallbackSecret, &http.Client{Timeout: 30 * time.Second})
	}
	return mixer.NewWorker(blobs, blobs, newFFmpeg(cfg), reporter, cfg.VariantPresets, cfg.ScratchDir, m)
}
