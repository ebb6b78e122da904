package mixer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"Narrato/config"
	"Narrato/core/audio"
	"Narrato/logger"
	"Narrato/metrics"
	"Narrato/model"
	"Narrato/storage"
)

// DefaultBinauralVolume is used when an event carries a binaural layer without a volume.
const DefaultBinauralVolume = 0.2

// State is a step of one mixing job.
type State string

const (
	StateReceived    State = "received"
	StateDownloading State = "downloading"
	StateMixing      State = "mixing"
	StateUploading   State = "uploading"
	StateReporting   State = "reporting"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// ErrInvalidEvent marks events that can never succeed.
var ErrInvalidEvent = errors.New("invalid mix event")

// Fetcher downloads a URL to a local path.
type Fetcher interface {
	DownloadURL(ctx context.Context, rawURL, destPath string) error
}

// Publisher uploads a finished file.
type Publisher interface {
	PutFile(ctx context.Context, key, path, contentType string) (string, error)
}

// Mixer runs the audio graph.
type Mixer interface {
	Mix(ctx context.Context, spec audio.MixSpec) error
}

// durationProber is implemented by mixers that can measure their output.
type durationProber interface {
	GetAudioDuration(ctx context.Context, inputFile string) (float64, error)
}

// Reporter writes the mix outcome back to the track.
type Reporter interface {
	Report(ctx context.Context, trackID int64, update model.MixUpdate) error
}

// Worker executes one mixing job per Process call and keeps no state between calls,
// so any number of jobs may run concurrently.
type Worker struct {
	fetcher    Fetcher
	publisher  Publisher
	mixer      Mixer
	reporter   Reporter
	presets    map[string]config.VolumePreset
	scratchDir string
	metrics    *metrics.Metrics
}

// NewWorker creates a mixing worker. reporter may be nil for one-shot runs.
func NewWorker(fetcher Fetcher, publisher Publisher, mixer Mixer, reporter Reporter, presets map[string]config.VolumePreset, scratchDir string, m *metrics.Metrics) *Worker {
	if presets == nil {
		presets = config.DefaultVariantPresets()
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &Worker{
		fetcher:    fetcher,
		publisher:  publisher,
		mixer:      mixer,
		reporter:   reporter,
		presets:    presets,
		scratchDir: scratchDir,
		metrics:    m,
	}
}

// job tracks the state of one Process call.
type job struct {
	event model.MixEvent
	state State
	start time.Time
}

func (j *job) enter(s State) {
	j.state = s
	logger.Info("Mix job state",
		logger.Int64("trackId", j.event.TrackID),
		logger.String("outputKey", j.event.OutputKey),
		logger.String("state", string(s)),
		logger.Duration("elapsed", time.Since(j.start)))
}

func validate(ev model.MixEvent) error {
	switch {
	case ev.VoiceURL == "":
		return fmt.Errorf("%w: voiceUrl is required", ErrInvalidEvent)
	case ev.BgURL == "":
		return fmt.Errorf("%w: bgUrl is required", ErrInvalidEvent)
	case ev.OutputKey == "":
		return fmt.Errorf("%w: outputKey is required", ErrInvalidEvent)
	case strings.HasPrefix(ev.OutputKey, "/") || strings.Contains(ev.OutputKey, ".."):
		return fmt.Errorf("%w: bad outputKey %q", ErrInvalidEvent, ev.OutputKey)
	}
	for _, v := range []*float64{ev.VoiceVolume, ev.BgVolume, ev.BinauralVolume} {
		if v != nil && (*v < 0 || *v > 4) {
			return fmt.Errorf("%w: volume %.2f out of range", ErrInvalidEvent, *v)
		}
	}
	return nil
}

// extOf returns the extension of a URL or key path, defaulting to ".mp3".
func extOf(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	if ext := strings.ToLower(path.Ext(p)); ext != "" && len(ext) <= 6 {
		return ext
	}
	return ".mp3"
}

// Process runs received → downloading → mixing → uploading → reporting → done.
// Any failing step goes straight to failed; scratch files are removed either way.
func (w *Worker) Process(ctx context.Context, ev model.MixEvent) model.MixResult {
	j := &job{event: ev, start: time.Now()}
	j.enter(StateReceived)

	mixedURL, err := w.run(ctx, j)
	status := "completed"
	if err != nil {
		status = "failed"
	}
	w.metrics.RecordMix(ctx, time.Since(j.start), status)

	if err != nil {
		failedAt := j.state
		j.enter(StateFailed)
		logger.Error("Mix job failed",
			logger.Int64("trackId", ev.TrackID),
			logger.String("step", string(failedAt)),
			logger.ErrorField(err))
		if failedAt != StateReporting {
			msg := err.Error()
			w.report(ctx, ev.TrackID, model.MixUpdate{Status: model.MixStatusFailed, ErrorMessage: &msg})
		}
		code := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidEvent) {
			code = http.StatusBadRequest
		}
		return model.MixResult{
			StatusCode: code,
			Body:       model.MixResultBody{Success: false, OutputKey: ev.OutputKey, Error: err.Error()},
		}
	}

	j.enter(StateDone)
	return model.MixResult{
		StatusCode: http.StatusOK,
		Body:       model.MixResultBody{Success: true, OutputKey: ev.OutputKey, MixedURL: mixedURL},
	}
}

func (w *Worker) run(ctx context.Context, j *job) (string, error) {
	ev := j.event
	if err := validate(ev); err != nil {
		return "", err
	}

	dir, err := os.MkdirTemp(w.scratchDir, "mix-*")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("Failed to clean mix scratch dir", logger.String("dir", dir), logger.ErrorField(err))
		}
	}()

	j.enter(StateDownloading)
	voicePath := filepath.Join(dir, "voice"+extOf(ev.VoiceURL))
	if err := w.fetcher.DownloadURL(ctx, ev.VoiceURL, voicePath); err != nil {
		return "", fmt.Errorf("download voice track: %w", err)
	}
	bgPath := filepath.Join(dir, "background"+extOf(ev.BgURL))
	if err := w.fetcher.DownloadURL(ctx, ev.BgURL, bgPath); err != nil {
		return "", fmt.Errorf("download background track: %w", err)
	}

	vols := model.ResolveVolumes(w.presets, ev.Variant, ev.VoiceVolume, ev.BgVolume)
	spec := audio.MixSpec{
		Voice:  audio.MixInput{Path: voicePath, Volume: vols.Voice},
		Layers: []audio.MixInput{{Path: bgPath, Volume: vols.Background}},
		Output: filepath.Join(dir, "mixed"+extOf(ev.OutputKey)),
	}
	if ev.BinauralURL != "" {
		binPath := filepath.Join(dir, "binaural"+extOf(ev.BinauralURL))
		if err := w.fetcher.DownloadURL(ctx, ev.BinauralURL, binPath); err != nil {
			return "", fmt.Errorf("download binaural track: %w", err)
		}
		vol := DefaultBinauralVolume
		if ev.BinauralVolume != nil {
			vol = *ev.BinauralVolume
		}
		spec.Layers = append(spec.Layers, audio.MixInput{Path: binPath, Volume: vol})
	}

	j.enter(StateMixing)
	logger.Info("Mixing",
		logger.Int64("trackId", ev.TrackID),
		logger.String("variant", model.NormalizeVariant(ev.Variant)),
		logger.Float64("voiceVolume", vols.Voice),
		logger.Float64("bgVolume", vols.Background),
		logger.Int("layers", len(spec.Layers)))
	if err := w.mixer.Mix(ctx, spec); err != nil {
		return "", fmt.Errorf("mix: %w", err)
	}
	if p, ok := w.mixer.(durationProber); ok {
		if secs, err := p.GetAudioDuration(ctx, spec.Output); err != nil {
			logger.Warn("Failed to probe mixed duration", logger.Int64("trackId", ev.TrackID), logger.ErrorField(err))
		} else {
			logger.Info("Mixed", logger.Int64("trackId", ev.TrackID), logger.Float64("seconds", secs))
		}
	}

	j.enter(StateUploading)
	mixedURL, err := w.publisher.PutFile(ctx, ev.OutputKey, spec.Output, storage.ContentTypeFor(extOf(ev.OutputKey)))
	if err != nil {
		return "", fmt.Errorf("upload mixed track: %w", err)
	}

	j.enter(StateReporting)
	if w.reporter != nil && ev.TrackID != 0 {
		update := model.MixUpdate{Status: model.MixStatusCompleted, MixedURL: mixedURL, MixedKey: ev.OutputKey}
		if err := w.reporter.Report(ctx, ev.TrackID, update); err != nil {
			return "", fmt.Errorf("report mix status: %w", err)
		}
	}
	return mixedURL, nil
}

// report sends a failure update; its own errors are only logged.
func (w *Worker) report(ctx context.Context, trackID int64, update model.MixUpdate) {
	if w.reporter == nil || trackID == 0 {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := w.reporter.Report(rctx, trackID, update); err != nil {
		logger.Error("Failed to report mix failure", logger.Int64("trackId", trackID), logger.ErrorField(err))
	}
}
