package mixer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"Narrato/core/audio"
	"Narrato/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	fail map[string]error
}

func (f *fakeFetcher) DownloadURL(_ context.Context, rawURL, dest string) error {
	if err := f.fail[rawURL]; err != nil {
		return err
	}
	return os.WriteFile(dest, []byte(rawURL), 0o644)
}

type fakeMixer struct {
	specs []audio.MixSpec
	err   error
}

func (f *fakeMixer) Mix(_ context.Context, spec audio.MixSpec) error {
	f.specs = append(f.specs, spec)
	if f.err != nil {
		return f.err
	}
	for _, in := range append([]audio.MixInput{spec.Voice}, spec.Layers...) {
		if _, err := os.Stat(in.Path); err != nil {
			return err
		}
	}
	return os.WriteFile(spec.Output, []byte("mixed"), 0o644)
}

type fakePublisher struct {
	objects map[string][]byte
	err     error
}

func (f *fakePublisher) PutFile(_ context.Context, key, path, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	f.objects[key] = data
	return "https://cdn.test/" + key, nil
}

type fakeReporter struct {
	mu      sync.Mutex
	updates map[int64][]model.MixUpdate
	err     error
}

func (f *fakeReporter) Report(_ context.Context, trackID int64, u model.MixUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[trackID] = append(f.updates[trackID], u)
	return f.err
}

type workerHarness struct {
	fetcher   *fakeFetcher
	mixer     *fakeMixer
	publisher *fakePublisher
	reporter  *fakeReporter
	worker    *Worker
	scratch   string
}

func newWorkerHarness(t *testing.T) *workerHarness {
	t.Helper()
	h := &workerHarness{
		fetcher:   &fakeFetcher{fail: map[string]error{}},
		mixer:     &fakeMixer{},
		publisher: &fakePublisher{objects: map[string][]byte{}},
		reporter:  &fakeReporter{updates: map[int64][]model.MixUpdate{}},
		scratch:   t.TempDir(),
	}
	h.worker = NewWorker(h.fetcher, h.publisher, h.mixer, h.reporter, nil, h.scratch, nil)
	return h
}

func (h *workerHarness) assertScratchClean(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.scratch)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch dir must be removed on every exit path")
}

func sleepEvent() model.MixEvent {
	return model.MixEvent{
		VoiceURL:  "https://cdn.test/user-uploads/u/v/audio/sleep/forward-nova.mp3",
		BgURL:     "https://cdn.test/site-assets/ocean.mp3",
		OutputKey: "user-uploads/u/v/audio/sleep/forward-nova-mixed.mp3",
		Variant:   "sleep",
		TrackID:   42,
	}
}

func ptr(v float64) *float64 { return &v }

func TestProcess_SleepPresetVolumes(t *testing.T) {
	h := newWorkerHarness(t)

	res := h.worker.Process(context.Background(), sleepEvent())

	require.Equal(t, 200, res.StatusCode, res.Body.Error)
	assert.True(t, res.Body.Success)
	assert.Equal(t, "https://cdn.test/user-uploads/u/v/audio/sleep/forward-nova-mixed.mp3", res.Body.MixedURL)

	require.Len(t, h.mixer.specs, 1)
	spec := h.mixer.specs[0]
	assert.InEpsilon(t, 0.3, spec.Voice.Volume, 1e-9)
	require.Len(t, spec.Layers, 1)
	assert.InEpsilon(t, 0.7, spec.Layers[0].Volume, 1e-9)
	assert.True(t, strings.HasSuffix(spec.Output, "mixed.mp3"))

	assert.Equal(t, []byte("mixed"), h.publisher.objects[sleepEvent().OutputKey])
	require.Len(t, h.reporter.updates[42], 1)
	u := h.reporter.updates[42][0]
	assert.Equal(t, model.MixStatusCompleted, u.Status)
	assert.Equal(t, res.Body.MixedURL, u.MixedURL)
	assert.Equal(t, sleepEvent().OutputKey, u.MixedKey)
	assert.Nil(t, u.ErrorMessage)
	h.assertScratchClean(t)
}

func TestProcess_ExplicitVolumesOverridePreset(t *testing.T) {
	h := newWorkerHarness(t)
	ev := sleepEvent()
	ev.VoiceVolume = ptr(0.9)

	res := h.worker.Process(context.Background(), ev)
	require.True(t, res.Body.Success)

	spec := h.mixer.specs[0]
	assert.InEpsilon(t, 0.9, spec.Voice.Volume, 1e-9)
	assert.InEpsilon(t, 0.7, spec.Layers[0].Volume, 1e-9)
}

func TestProcess_UnknownVariantUsesStandard(t *testing.T) {
	h := newWorkerHarness(t)
	ev := sleepEvent()
	ev.Variant = "custom"

	h.worker.Process(context.Background(), ev)
	spec := h.mixer.specs[0]
	assert.InEpsilon(t, 0.7, spec.Voice.Volume, 1e-9)
	assert.InEpsilon(t, 0.3, spec.Layers[0].Volume, 1e-9)
}

func TestProcess_BinauralLayer(t *testing.T) {
	h := newWorkerHarness(t)
	ev := sleepEvent()
	ev.BinauralURL = "https://cdn.test/site-assets/binaural/delta.wav"

	res := h.worker.Process(context.Background(), ev)
	require.True(t, res.Body.Success)

	spec := h.mixer.specs[0]
	require.Len(t, spec.Layers, 2)
	assert.InEpsilon(t, DefaultBinauralVolume, spec.Layers[1].Volume, 1e-9)
	assert.True(t, strings.HasSuffix(spec.Layers[1].Path, "binaural.wav"))
}

func TestProcess_EncoderTimeoutFails(t *testing.T) {
	h := newWorkerHarness(t)
	h.mixer.err = fmt.Errorf("%w after 10m0s", audio.ErrMixTimeout)

	res := h.worker.Process(context.Background(), sleepEvent())

	assert.Equal(t, 500, res.StatusCode)
	assert.False(t, res.Body.Success)
	assert.Contains(t, res.Body.Error, "timed out")
	assert.Empty(t, h.publisher.objects)

	require.Len(t, h.reporter.updates[42], 1)
	u := h.reporter.updates[42][0]
	assert.Equal(t, model.MixStatusFailed, u.Status)
	require.NotNil(t, u.ErrorMessage)
	assert.Contains(t, *u.ErrorMessage, "timed out")
	h.assertScratchClean(t)
}

func TestProcess_DownloadFailureSkipsMix(t *testing.T) {
	h := newWorkerHarness(t)
	h.fetcher.fail[sleepEvent().BgURL] = errors.New("403 Forbidden")

	res := h.worker.Process(context.Background(), sleepEvent())

	assert.Equal(t, 500, res.StatusCode)
	assert.Contains(t, res.Body.Error, "download background track")
	assert.Empty(t, h.mixer.specs)
	assert.Equal(t, model.MixStatusFailed, h.reporter.updates[42][0].Status)
	h.assertScratchClean(t)
}

func TestProcess_UploadFailure(t *testing.T) {
	h := newWorkerHarness(t)
	h.publisher.err = errors.New("SlowDown")

	res := h.worker.Process(context.Background(), sleepEvent())

	assert.Equal(t, 500, res.StatusCode)
	assert.Contains(t, res.Body.Error, "upload mixed track")
	assert.Equal(t, model.MixStatusFailed, h.reporter.updates[42][0].Status)
	h.assertScratchClean(t)
}

func TestProcess_InvalidEvent(t *testing.T) {
	h := newWorkerHarness(t)
	ev := sleepEvent()
	ev.BgURL = ""

	res := h.worker.Process(context.Background(), ev)

	assert.Equal(t, 400, res.StatusCode)
	assert.Contains(t, res.Body.Error, "bgUrl")
	assert.Empty(t, h.mixer.specs)
	assert.Equal(t, model.MixStatusFailed, h.reporter.updates[42][0].Status)
}

func TestProcess_ReportFailureIsTheResult(t *testing.T) {
	h := newWorkerHarness(t)
	h.reporter.err = errors.New("503 Service Unavailable")

	res := h.worker.Process(context.Background(), sleepEvent())

	assert.Equal(t, 500, res.StatusCode)
	assert.Contains(t, res.Body.Error, "report mix status")
	assert.Len(t, h.reporter.updates[42], 1, "a failed report is not followed by a second one")
	h.assertScratchClean(t)
}

func TestProcess_NoTrackSkipsReporting(t *testing.T) {
	h := newWorkerHarness(t)
	ev := sleepEvent()
	ev.TrackID = 0

	res := h.worker.Process(context.Background(), ev)
	require.True(t, res.Body.Success)
	assert.Empty(t, h.reporter.updates)
}

func TestExtOf(t *testing.T) {
	assert.Equal(t, ".wav", extOf("https://cdn.test/a/b.WAV?X-Amz-Signature=abc"))
	assert.Equal(t, ".mp3", extOf("https://cdn.test/a/b"))
	assert.Equal(t, ".m4a", extOf("x/y-mixed.m4a"))
}

type probingMixer struct {
	fakeMixer
	probed []string
	err    error
}

func (p *probingMixer) GetAudioDuration(_ context.Context, path string) (float64, error) {
	p.probed = append(p.probed, path)
	return 93.5, p.err
}

func TestProcess_ProbesMixedOutputWhenSupported(t *testing.T) {
	for _, probeErr := range []error{nil, errors.New("ffprobe missing")} {
		h := newWorkerHarness(t)
		m := &probingMixer{err: probeErr}
		h.worker = NewWorker(h.fetcher, h.publisher, m, h.reporter, nil, h.scratch, nil)

		res := h.worker.Process(context.Background(), sleepEvent())

		require.True(t, res.Body.Success, "a failed probe never fails the job")
		require.Len(t, m.probed, 1)
		assert.Equal(t, m.specs[0].Output, m.probed[0])
		h.assertScratchClean(t)
	}
}
