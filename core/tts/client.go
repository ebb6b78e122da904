package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"Narrato/logger"
	"Narrato/metrics"
)

// ErrEmptyText is returned when there is nothing to narrate after normalization.
var ErrEmptyText = errors.New("text is empty")

// Provider is the raw narration call: one request, no retries.
type Provider interface {
	Synthesize(ctx context.Context, text, voice, format string) ([]byte, error)
}

// Request is one narration unit.
type Request struct {
	Text    string
	Voice   string
	Format  string
	Variant string
}

// Result is the synthesized audio plus what was actually used to produce it.
type Result struct {
	Audio       []byte
	VoiceUsed   string
	ContentHash string
	Chunks      int
}

// Client prepares text, chunks it, and retries failed attempts with backoff,
// switching to a fallback voice on rate limits, 5xx, and timeouts.
type Client struct {
	provider      Provider
	defaultVoice  string
	fallbackVoice string
	maxAttempts   int
	baseBackoff   time.Duration
	metrics       *metrics.Metrics
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithFallbackVoice sets the voice tried after a retryable failure.
func WithFallbackVoice(voice string) ClientOption {
	return func(c *Client) { c.fallbackVoice = voice }
}

// WithDefaultVoice sets the voice used when a request names none.
func WithDefaultVoice(voice string) ClientOption {
	return func(c *Client) { c.defaultVoice = voice }
}

// WithRetry sets the attempt budget and the first backoff; each later wait doubles.
func WithRetry(attempts int, base time.Duration) ClientOption {
	return func(c *Client) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
		c.baseBackoff = base
	}
}

// WithMetrics records provider latency.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient wraps provider.
func NewClient(provider Provider, opts ...ClientOption) *Client {
	c := &Client{
		provider:      provider,
		defaultVoice:  "alloy",
		fallbackVoice: "verse",
		maxAttempts:   3,
		baseBackoff:   time.Second,
		metrics:       metrics.Noop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) nextVoice(current string) string {
	if current == c.fallbackVoice {
		return c.defaultVoice
	}
	return c.fallbackVoice
}

// Narrate synthesizes req.Text. The returned error is the provider's last error
// so it can be shown to users as is.
func (c *Client) Narrate(ctx context.Context, req Request) (*Result, error) {
	hash := ContentHash(req.Text)
	text := ApplyPacing(NormalizeText(req.Text), req.Variant)
	if text == "" {
		return nil, ErrEmptyText
	}
	voice := req.Voice
	if voice == "" {
		voice = c.defaultVoice
	}
	format := req.Format
	if format == "" {
		format = "mp3"
	}
	chunks := ChunkText(text, MaxChunkLen)

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		start := time.Now()
		audio, err := c.synthesizeAll(ctx, chunks, voice, format)
		if err == nil {
			c.metrics.RecordTTS(ctx, time.Since(start), "ok")
			return &Result{Audio: audio, VoiceUsed: voice, ContentHash: hash, Chunks: len(chunks)}, nil
		}
		c.metrics.RecordTTS(ctx, time.Since(start), "error")
		lastErr = err

		if ctx.Err() != nil {
			return nil, lastErr
		}
		logger.Warn("Narration attempt failed",
			logger.Int("attempt", attempt),
			logger.String("voice", voice),
			logger.ErrorField(err))

		if Retryable(err) {
			voice = c.nextVoice(voice)
		}
		if attempt < c.maxAttempts {
			wait := c.baseBackoff * time.Duration(1<<(attempt-1))
			if err := sleep(ctx, wait); err != nil {
				return nil, lastErr
			}
		}
	}
	return nil, lastErr
}

func (c *Client) synthesizeAll(ctx context.Context, chunks []string, voice, format string) ([]byte, error) {
	var buf bytes.Buffer
	for i, chunk := range chunks {
		audio, err := c.provider.Synthesize(ctx, chunk, voice, format)
		if err != nil {
			if len(chunks) > 1 {
				return nil, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
			}
			return nil, err
		}
		buf.Write(audio)
	}
	return buf.Bytes(), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
