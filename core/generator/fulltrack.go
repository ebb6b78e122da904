package generator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"Narrato/core/tts"
	"Narrato/logger"
	"Narrato/model"
	"Narrato/storage"
)

// FullSectionKey is the section key of the combined track.
const FullSectionKey = "full"

// maybeBuildFull concatenates the standard-variant section tracks in request order.
// It returns nil when the run does not qualify. Failures come back as a failed outcome
// and never touch the batch.
func (r *batchRun) maybeBuildFull(ctx context.Context, outcomes []model.SectionOutcome) *model.SectionOutcome {
	if r.o.concat == nil || len(r.req.Sections) < 2 {
		return nil
	}

	var parts []model.SectionOutcome
	allSkipped := true
	for _, oc := range outcomes {
		if oc.Variant != model.VariantStandard {
			continue
		}
		if oc.Outcome == model.OutcomeFailed {
			return nil
		}
		if oc.Outcome != model.OutcomeSkipped {
			allSkipped = false
		}
		parts = append(parts, oc)
	}
	if len(parts) < 2 {
		return nil
	}

	out, err := r.buildFull(ctx, parts, allSkipped)
	if err != nil {
		logger.Warn("Failed to build full track",
			logger.String("batchId", r.batch.ID),
			logger.String("entityId", r.req.EntityID),
			logger.ErrorField(err))
		return &model.SectionOutcome{
			SectionKey: FullSectionKey,
			Variant:    model.VariantStandard,
			Outcome:    model.OutcomeFailed,
			Error:      err.Error(),
		}
	}
	return out
}

func (r *batchRun) buildFull(ctx context.Context, parts []model.SectionOutcome, allSkipped bool) (*model.SectionOutcome, error) {
	key := model.TrackKey{EntityID: r.req.EntityID, SectionKey: FullSectionKey, VoiceID: r.req.VoiceID, Variant: model.VariantStandard}
	prior, err := r.o.tracks.FindCanonical(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup full track: %w", err)
	}
	// 所有分段都没有变化, 已有的合并音轨仍然有效
	if allSkipped && !r.req.Force && prior != nil && prior.AudioURL != "" {
		return &model.SectionOutcome{
			SectionKey: FullSectionKey,
			Variant:    model.VariantStandard,
			Outcome:    model.OutcomeSkipped,
			TrackID:    prior.ID,
			AudioURL:   prior.AudioURL,
		}, nil
	}

	dir, err := os.MkdirTemp(r.o.opts.ScratchDir, "full-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("Failed to clean scratch dir", logger.String("dir", dir), logger.ErrorField(err))
		}
	}()

	ext := strings.ToLower(r.req.Format)
	inputs := make([]string, 0, len(parts))
	for i, p := range parts {
		track, err := r.o.tracks.GetByID(ctx, p.TrackID)
		if err != nil {
			return nil, fmt.Errorf("load track %d: %w", p.TrackID, err)
		}
		if track == nil {
			return nil, fmt.Errorf("track %d for section %s disappeared", p.TrackID, p.SectionKey)
		}
		local := filepath.Join(dir, fmt.Sprintf("%03d.%s", i, ext))
		if err := r.o.blobs.Download(ctx, track.StorageKey, local); err != nil {
			return nil, fmt.Errorf("download section %s: %w", p.SectionKey, err)
		}
		inputs = append(inputs, local)
	}

	output := filepath.Join(dir, FullSectionKey+"."+ext)
	if err := r.o.concat.Concat(ctx, inputs, output); err != nil {
		return nil, fmt.Errorf("concat sections: %w", err)
	}

	storageKey := storage.TrackKey(storage.TrackKeySpec{
		OwnerScope: r.o.opts.OwnerScope,
		OwnerID:    r.req.OwnerID,
		EntityID:   r.req.EntityID,
		Category:   r.req.Category,
		Variant:    model.VariantStandard,
		SectionKey: FullSectionKey,
		VoiceID:    r.req.VoiceID,
		Ext:        ext,
	})
	audioURL, err := r.o.blobs.PutFile(ctx, storageKey, output, storage.ContentTypeFor(ext))
	if err != nil {
		return nil, fmt.Errorf("store full track: %w", err)
	}

	texts := make([]string, len(r.req.Sections))
	for i, s := range r.req.Sections {
		texts[i] = s.Text
	}
	track := &model.Track{
		OwnerID:     r.req.OwnerID,
		EntityID:    r.req.EntityID,
		SectionKey:  FullSectionKey,
		VoiceID:     r.req.VoiceID,
		Variant:     model.VariantStandard,
		StorageKey:  storageKey,
		AudioURL:    audioURL,
		ContentHash: tts.ContentHash(strings.Join(texts, "\n")),
	}
	if g := r.group(ctx, model.VariantStandard); g != nil {
		track.AssetGroupID = &g.ID
	}
	saved, err := r.o.tracks.Upsert(ctx, track)
	if err != nil {
		r.discard(ctx, storageKey, prior)
		return nil, fmt.Errorf("save full track: %w", err)
	}

	logger.Info("Full track built",
		logger.String("batchId", r.batch.ID),
		logger.Int64("trackId", saved.ID),
		logger.Int("sections", len(parts)))
	return &model.SectionOutcome{
		SectionKey: FullSectionKey,
		Variant:    model.VariantStandard,
		Outcome:    model.OutcomeGenerated,
		TrackID:    saved.ID,
		AudioURL:   saved.AudioURL,
	}, nil
}
