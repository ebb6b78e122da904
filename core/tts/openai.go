package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "tts-1"

// OpenAIProvider calls the OpenAI speech endpoint.
type OpenAIProvider struct {
	client oai.Client
	model  string
}

var _ Provider = (*OpenAIProvider)(nil)

type providerConfig struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
}

// Option is a functional option for OpenAIProvider.
type Option func(*providerConfig)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *providerConfig) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *providerConfig) { c.timeout = d }
}

// WithSDKRetries sets the SDK's own retry count. Narration retries are handled
// by Client, so this defaults to zero.
func WithSDKRetries(n int) Option {
	return func(c *providerConfig) { c.maxRetries = n }
}

// NewOpenAIProvider constructs a provider. If model is empty, DefaultModel is used.
func NewOpenAIProvider(apiKey, model string, opts ...Option) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &providerConfig{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &OpenAIProvider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Synthesize implements Provider.
func (p *OpenAIProvider) Synthesize(ctx context.Context, text, voice, format string) ([]byte, error) {
	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormat(format),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech response: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("provider returned empty audio")
	}
	return audio, nil
}

// Retryable reports whether err is worth another attempt with a fallback voice:
// rate limiting, provider 5xx, or a timeout.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}
