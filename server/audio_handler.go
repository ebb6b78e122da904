package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"Narrato/core/generator"
	"Narrato/core/mixer"
	"Narrato/core/tts"
	"Narrato/logger"
	"Narrato/model"
	"Narrato/storage"

	"github.com/gorilla/mux"
)

// GenerateRequest is the body of POST /api/audio/generate.
type GenerateRequest struct {
	EntityID      string               `json:"entityId"`
	VoiceID       string               `json:"voiceId"`
	Format        string               `json:"format"`
	Variant       string               `json:"variant"`
	Variants      []string             `json:"variants"`
	Sections      []model.SectionInput `json:"sections"`
	Force         bool                 `json:"force"`
	Category      string               `json:"category"`
	GroupName     string               `json:"groupName"`
	Mix           bool                 `json:"mix"`
	BackgroundURL string               `json:"backgroundUrl"`
	VoiceVolume   *float64             `json:"voiceVolume"`
	BgVolume      *float64             `json:"bgVolume"`
}

// GenerateResponse adds a one-line summary to the run result.
type GenerateResponse struct {
	*generator.Result
	Summary string `json:"summary"`
	Warning string `json:"warning,omitempty"`
}

// GenerateHandler runs a batch and answers with per-section outcomes.
func (h *APIHandler) GenerateHandler(w http.ResponseWriter, r *http.Request) {
	owner, _ := GetOwnerIDFromContext(r.Context())

	var body GenerateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&body); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	variants := body.Variants
	if len(variants) == 0 && body.Variant != "" {
		variants = []string{body.Variant}
	}
	bg := body.BackgroundURL
	if bg == "" && body.Mix {
		bg = h.cfg.BackgroundURL
	}

	req := generator.Request{
		OwnerID:       owner,
		EntityID:      body.EntityID,
		VoiceID:       body.VoiceID,
		Format:        body.Format,
		Variants:      variants,
		Sections:      body.Sections,
		Force:         body.Force,
		Category:      body.Category,
		GroupName:     body.GroupName,
		BackgroundURL: bg,
		VoiceVolume:   body.VoiceVolume,
		BgVolume:      body.BgVolume,
	}

	// 调用方断开后批次仍然跑完
	res, err := h.generator.Run(context.WithoutCancel(r.Context()), req)
	if errors.Is(err, generator.ErrBatchInFlight) && res != nil {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error": err.Error(),
			"batch": res.Batch,
		})
		return
	}
	if errors.Is(err, generator.ErrLedgerUnavailable) && res != nil {
		// 分段已写入，只是批次记录未收尾；结果照常返回
		logger.Error("Generate finished without a final ledger record", logger.ErrorField(err))
		writeJSON(w, http.StatusOK, GenerateResponse{Result: res, Summary: res.Summary(), Warning: err.Error()})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, GenerateResponse{Result: res, Summary: res.Summary()})
}

func trackID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid track id", errBadRequest)
	}
	return id, nil
}

// ListTracksHandler lists the tracks of an entity, newest first.
func (h *APIHandler) ListTracksHandler(w http.ResponseWriter, r *http.Request) {
	entityID := r.URL.Query().Get("entityId")
	if entityID == "" {
		writeError(w, r, fmt.Errorf("%w: entityId is required", errBadRequest))
		return
	}
	tracks, err := h.tracks.ListByEntity(r.Context(), entityID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tracks == nil {
		tracks = []*model.Track{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tracks": tracks})
}

// GetTrackHandler returns one track, including its mix status.
func (h *APIHandler) GetTrackHandler(w http.ResponseWriter, r *http.Request) {
	id, err := trackID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	track, err := h.tracks.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if track == nil {
		writeError(w, r, fmt.Errorf("%w: track %d", errNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, track)
}

// EnqueueMixRequest is the body of POST /api/audio/tracks/{id}/mix.
type EnqueueMixRequest struct {
	BgURL          string   `json:"bgUrl"`
	VoiceVolume    *float64 `json:"voiceVolume"`
	BgVolume       *float64 `json:"bgVolume"`
	BinauralURL    string   `json:"binauralUrl"`
	BinauralVolume *float64 `json:"binauralVolume"`
}

// EnqueueMixHandler marks a track pending and queues a mixing job for it.
func (h *APIHandler) EnqueueMixHandler(w http.ResponseWriter, r *http.Request) {
	if h.mixes == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "mix queue is not configured"})
		return
	}
	id, err := trackID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body EnqueueMixRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if body.BgURL == "" {
		body.BgURL = h.cfg.BackgroundURL
	}
	if body.BgURL == "" {
		writeError(w, r, fmt.Errorf("%w: bgUrl is required", errBadRequest))
		return
	}

	track, err := h.tracks.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if track == nil || track.AudioURL == "" {
		writeError(w, r, fmt.Errorf("%w: track %d has no narration", errNotFound, id))
		return
	}
	owner, _ := GetOwnerIDFromContext(r.Context())
	if track.OwnerID != owner {
		writeError(w, r, fmt.Errorf("%w: track %d", errNotFound, id))
		return
	}

	event := model.MixEvent{
		VoiceURL:       track.AudioURL,
		BgURL:          body.BgURL,
		OutputKey:      storage.MixedKey(track.StorageKey),
		Variant:        track.Variant,
		VoiceVolume:    body.VoiceVolume,
		BgVolume:       body.BgVolume,
		BinauralURL:    body.BinauralURL,
		BinauralVolume: body.BinauralVolume,
		TrackID:        track.ID,
	}
	if err := h.tracks.UpdateMix(r.Context(), track.ID, model.MixUpdate{Status: model.MixStatusPending}); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.mixes.EnqueueMix(r.Context(), event); err != nil {
		msg := err.Error()
		_ = h.tracks.UpdateMix(context.WithoutCancel(r.Context()), track.ID, model.MixUpdate{Status: model.MixStatusFailed, ErrorMessage: &msg})
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, event)
}

// MixStatusHandler receives the mixing worker callback. It requires a Bearer
// token issued for this track with the shared callback secret.
func (h *APIHandler) MixStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, err := trackID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		writeError(w, r, fmt.Errorf("%w: missing bearer token", mixer.ErrUnauthorized))
		return
	}
	if err := mixer.VerifyToken(h.cfg.CallbackSecret, parts[1], id); err != nil {
		logger.Warn("Rejected mix status callback", logger.Int64("trackId", id), logger.ErrorField(err))
		writeError(w, r, err)
		return
	}

	var update model.MixUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&update); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if !update.Status.Valid() {
		writeError(w, r, fmt.Errorf("%w: unknown mix_status %q", errBadRequest, update.Status))
		return
	}
	if update.Status == model.MixStatusCompleted && update.MixedURL == "" {
		writeError(w, r, fmt.Errorf("%w: mixed_audio_url is required when completed", errBadRequest))
		return
	}
	if err := h.tracks.UpdateMix(r.Context(), id, update); err != nil {
		writeError(w, r, err)
		return
	}
	logger.Info("Mix status updated", logger.Int64("trackId", id), logger.String("status", string(update.Status)))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetBatchHandler returns the batch ledger record.
func (h *APIHandler) GetBatchHandler(w http.ResponseWriter, r *http.Request) {
	batch, err := h.batches.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if batch == nil {
		writeError(w, r, fmt.Errorf("%w: batch %s", errNotFound, mux.Vars(r)["id"]))
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// VoicesHandler lists the narration voices.
func (h *APIHandler) VoicesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"voices":  tts.Voices(),
		"default": h.cfg.DefaultVoice,
	})
}

// VoicePreviewHandler returns the preview clip of a voice, generating it the first time.
func (h *APIHandler) VoicePreviewHandler(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	preview, err := h.previews.GetOrCreate(r.Context(), mux.Vars(r)["voice"], format)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}
