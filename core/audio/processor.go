package audio

import "context"

// Processor defines an interface for audio processing operations.
type Processor interface {
	// Mix renders spec.Output; the voice input governs the output length.
	Mix(ctx context.Context, spec MixSpec) error
	// Concat joins inputs in order into output.
	Concat(ctx context.Context, inputs []string, output string) error
	GetAudioDuration(ctx context.Context, inputFile string) (float64, error)
}

// MixInput is one local input file and the linear gain applied to it.
type MixInput struct {
	Path   string
	Volume float64
}

// MixSpec describes one mix. Layers (background, binaural) are looped
// indefinitely and cut at the end of the voice.
type MixSpec struct {
	Voice  MixInput
	Layers []MixInput
	Output string
}
