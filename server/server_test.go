package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"Narrato/config"
	"Narrato/core/generator"
	"Narrato/core/mixer"
	"Narrato/core/upload"
	"Narrato/model"
	"Narrato/repository"
	"Narrato/storage"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGenerator struct {
	got    []generator.Request
	result *generator.Result
	err    error
}

func (s *stubGenerator) Run(_ context.Context, req generator.Request) (*generator.Result, error) {
	s.got = append(s.got, req)
	return s.result, s.err
}

type stubTracks struct {
	repository.TrackRepository
	rows    map[int64]*model.Track
	updates map[int64][]model.MixUpdate
}

func (s *stubTracks) GetByID(_ context.Context, id int64) (*model.Track, error) {
	return s.rows[id], nil
}

func (s *stubTracks) ListByEntity(_ context.Context, entityID string) ([]*model.Track, error) {
	var out []*model.Track
	for _, t := range s.rows {
		if t.EntityID == entityID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *stubTracks) UpdateMix(_ context.Context, id int64, u model.MixUpdate) error {
	if _, ok := s.rows[id]; !ok {
		return repository.ErrTrackNotFound
	}
	s.updates[id] = append(s.updates[id], u)
	return nil
}

type stubBatches struct {
	repository.BatchRepository
	rows map[string]*model.Batch
}

func (s *stubBatches) GetByID(_ context.Context, id string) (*model.Batch, error) {
	return s.rows[id], nil
}

type stubBackend struct{ n int }

func (b *stubBackend) Create(context.Context, string, string) (string, error) {
	b.n++
	return fmt.Sprintf("up-%d", b.n), nil
}
func (b *stubBackend) PartURL(_ context.Context, key, id string, part int) (string, error) {
	return fmt.Sprintf("https://storage.test/%s?partNumber=%d&uploadId=%s", key, part, id), nil
}
func (b *stubBackend) Complete(_ context.Context, key, _ string, _ []model.CompletedPart) (string, error) {
	return "https://cdn.test/" + key, nil
}
func (b *stubBackend) Abort(context.Context, string, string) error { return nil }

type stubMixes struct{ events []model.MixEvent }

func (s *stubMixes) EnqueueMix(_ context.Context, ev model.MixEvent) error {
	s.events = append(s.events, ev)
	return nil
}

type stubProgress struct {
	ch          chan model.BatchProgress
	onSubscribe func(batchID string)
}

func (s *stubProgress) Subscribe(_ context.Context, batchID string) (<-chan model.BatchProgress, error) {
	if s.onSubscribe != nil {
		s.onSubscribe(batchID)
	}
	return s.ch, nil
}

type memObjects map[string][]byte

type nopSeekCloser struct{ *bytes.Reader }

func (nopSeekCloser) Close() error { return nil }

func (m memObjects) Open(_ context.Context, key string) (io.ReadSeekCloser, time.Time, error) {
	data, ok := m[key]
	if !ok {
		return nil, time.Time{}, storage.ErrObjectNotFound
	}
	return nopSeekCloser{bytes.NewReader(data)}, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), nil
}

type testAPI struct {
	gen      *stubGenerator
	tracks   *stubTracks
	batches  *stubBatches
	mixes    *stubMixes
	progress *stubProgress
	srv      *httptest.Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	cfg := &config.Config{
		OwnerScope:     "user-uploads",
		CallbackSecret: "s3cret",
		DefaultVoice:   "alloy",
		BackgroundURL:  "https://cdn.test/site-assets/ocean.mp3",
	}
	api := &testAPI{
		gen: &stubGenerator{},
		tracks: &stubTracks{
			rows: map[int64]*model.Track{
				7: {ID: 7, OwnerID: "user-1", EntityID: "vision-9", SectionKey: "forward", VoiceID: "nova", Variant: "sleep",
					StorageKey: "user-uploads/user-1/vision-9/audio/sleep/forward-nova.mp3",
					AudioURL:   "https://cdn.test/user-uploads/user-1/vision-9/audio/sleep/forward-nova.mp3"},
			},
			updates: map[int64][]model.MixUpdate{},
		},
		batches:  &stubBatches{rows: map[string]*model.Batch{}},
		mixes:    &stubMixes{},
		progress: &stubProgress{ch: make(chan model.BatchProgress, 4)},
	}
	h := NewAPIHandler(cfg, Deps{
		Generator: api.gen,
		Uploads:   upload.NewService(&stubBackend{}, upload.NewMemorySessionStore(), cfg.OwnerScope, nil),
		Tracks:    api.tracks,
		Batches:   api.batches,
		Progress:  api.progress,
		Mixes:     api.mixes,
	})
	api.srv = httptest.NewServer(NewRouter(h, nil, nil))
	t.Cleanup(api.srv.Close)
	return api
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

var owner = map[string]string{OwnerHeader: "user-1"}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)
	resp, body := api.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestChunkedUpload_Flow(t *testing.T) {
	api := newTestAPI(t)

	resp, created := api.do(t, http.MethodPost, "/api/upload/chunked", map[string]interface{}{
		"action": "create", "key": "user-uploads/user-1/videos/raw.mp4", "fileType": "video/mp4",
	}, owner)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	uploadID := created["uploadId"].(string)

	resp, part := api.do(t, http.MethodPost, "/api/upload/chunked", map[string]interface{}{
		"action": "getPartUrl", "uploadId": uploadID, "partNumber": 1,
	}, owner)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, part["url"], "partNumber=1")

	resp, _ = api.do(t, http.MethodPost, "/api/upload/chunked", map[string]interface{}{
		"action": "complete", "uploadId": uploadID, "parts": []map[string]interface{}{{"partNumber": 2, "etag": "x"}},
	}, owner)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "gap in part list")

	resp, done := api.do(t, http.MethodPost, "/api/upload/chunked", map[string]interface{}{
		"action": "complete", "uploadId": uploadID, "parts": []map[string]interface{}{{"partNumber": 1, "etag": "abc"}},
	}, owner)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://cdn.test/user-uploads/user-1/videos/raw.mp4", done["url"])

	resp, _ = api.do(t, http.MethodPost, "/api/upload/chunked", map[string]interface{}{
		"action": "abort", "uploadId": uploadID,
	}, owner)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/api/upload/chunked", map[string]interface{}{
		"action": "complete", "uploadId": "missing", "parts": []map[string]interface{}{{"partNumber": 1, "etag": "abc"}},
	}, owner)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChunkedUpload_RequiresOwner(t *testing.T) {
	api := newTestAPI(t)
	resp, body := api.do(t, http.MethodPost, "/api/upload/chunked", map[string]interface{}{"action": "create", "fileName": "a.mp4"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, body["error"])
}

func TestGenerate(t *testing.T) {
	api := newTestAPI(t)
	api.gen.result = &generator.Result{
		Batch: &model.Batch{ID: "b-1", TotalExpected: 3, CompletedCount: 2, FailedCount: 1, Status: model.BatchStatusCompleted},
		Outcomes: []model.SectionOutcome{
			{SectionKey: "forward", Outcome: model.OutcomeGenerated},
			{SectionKey: "health", Outcome: model.OutcomeGenerated},
			{SectionKey: "money", Outcome: model.OutcomeFailed, Error: "timeout"},
		},
	}

	resp, body := api.do(t, http.MethodPost, "/api/audio/generate", map[string]interface{}{
		"entityId": "vision-9",
		"voiceId":  "nova",
		"variant":  "sleep",
		"mix":      true,
		"sections": []map[string]string{{"sectionKey": "forward", "text": "a"}, {"sectionKey": "health", "text": "b"}, {"sectionKey": "money", "text": "c"}},
	}, owner)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2 of 3 sections generated, 1 failed: money", body["summary"])
	assert.Len(t, body["outcomes"], 3)

	require.Len(t, api.gen.got, 1)
	got := api.gen.got[0]
	assert.Equal(t, "user-1", got.OwnerID)
	assert.Equal(t, []string{"sleep"}, got.Variants)
	assert.Equal(t, "https://cdn.test/site-assets/ocean.mp3", got.BackgroundURL)
}

func TestGenerate_InFlightConflict(t *testing.T) {
	api := newTestAPI(t)
	api.gen.result = &generator.Result{Batch: &model.Batch{ID: "b-running", Status: model.BatchStatusProcessing}}
	api.gen.err = generator.ErrBatchInFlight

	resp, body := api.do(t, http.MethodPost, "/api/audio/generate", map[string]interface{}{"entityId": "v"}, owner)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "b-running", body["batch"].(map[string]interface{})["id"])
}

func TestGenerate_LedgerUnavailableStillReturnsOutcomes(t *testing.T) {
	api := newTestAPI(t)
	api.gen.result = &generator.Result{
		Batch:    &model.Batch{ID: "b-1", TotalExpected: 1, CompletedCount: 1, Status: model.BatchStatusProcessing},
		Outcomes: []model.SectionOutcome{{SectionKey: "forward", Outcome: model.OutcomeGenerated}},
	}
	api.gen.err = fmt.Errorf("%w: batch b-1: db down", generator.ErrLedgerUnavailable)

	resp, body := api.do(t, http.MethodPost, "/api/audio/generate", map[string]interface{}{"entityId": "v"}, owner)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["outcomes"], 1)
	assert.Equal(t, "1 of 1 sections generated", body["summary"])
	assert.Contains(t, body["warning"], "db down")
}

func TestGenerate_InvalidRequest(t *testing.T) {
	api := newTestAPI(t)
	api.gen.err = fmt.Errorf("%w: at least one section is required", generator.ErrInvalidRequest)

	resp, body := api.do(t, http.MethodPost, "/api/audio/generate", map[string]interface{}{"entityId": "v"}, owner)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "at least one section")
}

func TestTracks(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.do(t, http.MethodGet, "/api/audio/tracks/7", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "forward", body["sectionKey"])

	resp, _ = api.do(t, http.MethodGet, "/api/audio/tracks/99", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = api.do(t, http.MethodGet, "/api/audio/tracks?entityId=vision-9", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["tracks"], 1)

	resp, _ = api.do(t, http.MethodGet, "/api/audio/tracks", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEnqueueMix(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.do(t, http.MethodPost, "/api/audio/tracks/7/mix", map[string]interface{}{"bgVolume": 0.6}, owner)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "user-uploads/user-1/vision-9/audio/sleep/forward-nova-mixed.mp3", body["outputKey"])

	require.Len(t, api.mixes.events, 1)
	ev := api.mixes.events[0]
	assert.Equal(t, "sleep", ev.Variant)
	assert.Equal(t, "https://cdn.test/site-assets/ocean.mp3", ev.BgURL)
	assert.InEpsilon(t, 0.6, *ev.BgVolume, 1e-9)
	assert.Equal(t, model.MixStatusPending, api.tracks.updates[7][0].Status)

	resp, _ = api.do(t, http.MethodPost, "/api/audio/tracks/7/mix", map[string]interface{}{}, map[string]string{OwnerHeader: "someone-else"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMixStatusCallback(t *testing.T) {
	api := newTestAPI(t)
	update := map[string]interface{}{
		"mix_status":      "completed",
		"mixed_audio_url": "https://cdn.test/k-mixed.mp3",
		"mixed_s3_key":    "k-mixed.mp3",
	}

	resp, _ := api.do(t, http.MethodPatch, "/api/audio/tracks/7/mix-status", update, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	wrongTrack, err := mixer.IssueToken("s3cret", 8, time.Minute)
	require.NoError(t, err)
	resp, _ = api.do(t, http.MethodPatch, "/api/audio/tracks/7/mix-status", update, map[string]string{"Authorization": "Bearer " + wrongTrack})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := mixer.IssueToken("s3cret", 7, time.Minute)
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}

	resp, _ = api.do(t, http.MethodPatch, "/api/audio/tracks/7/mix-status", map[string]interface{}{"mix_status": "exploded"}, auth)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPatch, "/api/audio/tracks/7/mix-status", update, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, api.tracks.updates[7], 1)
	assert.Equal(t, "k-mixed.mp3", api.tracks.updates[7][0].MixedKey)
}

func TestMixStatusCallback_ThroughReporter(t *testing.T) {
	api := newTestAPI(t)
	rep := mixer.NewHTTPReporter(api.srv.URL, "s3cret", api.srv.Client())
	msg := "audio encoder timed out"

	require.NoError(t, rep.Report(context.Background(), 7, model.MixUpdate{Status: model.MixStatusFailed, ErrorMessage: &msg}))
	require.Len(t, api.tracks.updates[7], 1)
	assert.Equal(t, model.MixStatusFailed, api.tracks.updates[7][0].Status)
	assert.Equal(t, msg, *api.tracks.updates[7][0].ErrorMessage)

	err := rep.Report(context.Background(), 99, model.MixUpdate{Status: model.MixStatusFailed})
	assert.Error(t, err)
}

func TestGetBatch(t *testing.T) {
	api := newTestAPI(t)
	api.batches.rows["b-1"] = &model.Batch{ID: "b-1", TotalExpected: 3, CompletedCount: 3, Status: model.BatchStatusCompleted}

	resp, body := api.do(t, http.MethodGet, "/api/audio/batches/b-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])

	resp, _ = api.do(t, http.MethodGet, "/api/audio/batches/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBatchProgressWebsocket(t *testing.T) {
	api := newTestAPI(t)
	api.batches.rows["b-1"] = &model.Batch{ID: "b-1", TotalExpected: 2, Status: model.BatchStatusProcessing}

	url := "ws" + strings.TrimPrefix(api.srv.URL, "http") + "/api/audio/batches/b-1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first model.BatchProgress
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, model.BatchStatusProcessing, first.Status)

	api.progress.ch <- model.BatchProgress{BatchID: "b-1", SectionKey: "forward", Outcome: model.OutcomeGenerated, CompletedCount: 1, TotalExpected: 2, Status: model.BatchStatusProcessing}
	api.progress.ch <- model.BatchProgress{BatchID: "b-1", CompletedCount: 2, TotalExpected: 2, Status: model.BatchStatusCompleted}

	var second, last model.BatchProgress
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "forward", second.SectionKey)
	require.NoError(t, conn.ReadJSON(&last))
	assert.Equal(t, model.BatchStatusCompleted, last.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "server closes after the terminal update: %v", err)
}

func TestBatchProgressWebsocket_FinishedWhileSubscribing(t *testing.T) {
	api := newTestAPI(t)
	api.batches.rows["b-1"] = &model.Batch{ID: "b-1", TotalExpected: 2, CompletedCount: 1, Status: model.BatchStatusProcessing}
	// the terminal event fires before the subscription exists and is never replayed
	api.progress.onSubscribe = func(id string) {
		api.batches.rows[id] = &model.Batch{ID: id, TotalExpected: 2, CompletedCount: 2, Status: model.BatchStatusCompleted}
	}

	url := "ws" + strings.TrimPrefix(api.srv.URL, "http") + "/api/audio/batches/b-1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first model.BatchProgress
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, model.BatchStatusCompleted, first.Status)
	assert.Equal(t, 2, first.CompletedCount)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "server closes without waiting for events: %v", err)
}

func TestMediaHandler(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 100)
	h := NewMediaHandler(memObjects{"user-uploads/u/e/audio/standard/a-nova.mp3": payload})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/user-uploads/u/e/audio/standard/a-nova.mp3", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "Sun, 01 Mar 2026 00:00:00 GMT", rec.Header().Get("Last-Modified"))
	assert.Equal(t, payload, rec.Body.Bytes())

	req := httptest.NewRequest(http.MethodGet, "/media/user-uploads/u/e/audio/standard/a-nova.mp3", nil)
	req.Header.Set("Range", "bytes=10-19")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "0123456789", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/missing.mp3", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/../secret", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVoices(t *testing.T) {
	api := newTestAPI(t)
	resp, body := api.do(t, http.MethodGet, "/api/audio/voices", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alloy", body["default"])
	assert.Len(t, body["voices"], 10)
}
