package generator

import (
	"context"
	"fmt"

	"Narrato/core/tts"
	"Narrato/logger"
	"Narrato/storage"
)

// PreviewStore is what voice previews need from object storage.
type PreviewStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	PutBytes(ctx context.Context, key string, data []byte, contentType string) (string, error)
	PublicURL(key string) string
}

// Preview is a voice sample clip.
type Preview struct {
	Voice    tts.Voice `json:"voice"`
	URL      string    `json:"url"`
	Key      string    `json:"key"`
	Existing bool      `json:"existing"`
}

// Previews generates one reference clip per voice and reuses it afterwards.
type Previews struct {
	narrator Narrator
	store    PreviewStore
}

// NewPreviews creates the voice preview service.
func NewPreviews(narrator Narrator, store PreviewStore) *Previews {
	return &Previews{narrator: narrator, store: store}
}

// GetOrCreate returns the preview for voiceID, synthesizing it only when the clip is missing.
func (p *Previews) GetOrCreate(ctx context.Context, voiceID, format string) (*Preview, error) {
	voice, ok := tts.LookupVoice(voiceID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown voice %q", ErrInvalidRequest, voiceID)
	}
	if format == "" {
		format = "mp3"
	}
	key := storage.PreviewKey(voice.ID, format)

	exists, err := p.store.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check preview %s: %w", key, err)
	}
	if exists {
		return &Preview{Voice: voice, URL: p.store.PublicURL(key), Key: key, Existing: true}, nil
	}

	res, err := p.narrator.Narrate(ctx, tts.Request{Text: tts.PreviewText, Voice: voice.ID, Format: format})
	if err != nil {
		return nil, fmt.Errorf("narrate preview for %s: %w", voice.ID, err)
	}
	url, err := p.store.PutBytes(ctx, key, res.Audio, storage.ContentTypeFor(format))
	if err != nil {
		return nil, fmt.Errorf("store preview %s: %w", key, err)
	}
	logger.Info("Voice preview generated", logger.String("voice", voice.ID), logger.String("key", key))
	return &Preview{Voice: voice, URL: url, Key: key}, nil
}
