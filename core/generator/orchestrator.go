package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"Narrato/core/tts"
	"Narrato/logger"
	"Narrato/metrics"
	"Narrato/model"
	"Narrato/repository"
	"Narrato/storage"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidRequest wraps structural problems with a generation request.
	ErrInvalidRequest = errors.New("invalid generation request")
	// ErrBatchInFlight is returned, together with the running batch, when the owner already has one.
	ErrBatchInFlight = errors.New("a batch is already in progress for this owner")
	// ErrLedgerUnavailable is returned with the section outcomes when the batch could
	// not be finalized; the tracks themselves were written.
	ErrLedgerUnavailable = errors.New("batch ledger could not be finalized")
)

// finalizeAttempts bounds how often a terminal status is retried before giving up.
const finalizeAttempts = 4

// Narrator turns text into audio.
type Narrator interface {
	Narrate(ctx context.Context, req tts.Request) (*tts.Result, error)
}

// BlobStore is the subset of object storage the orchestrator writes to.
type BlobStore interface {
	PutBytes(ctx context.Context, key string, data []byte, contentType string) (string, error)
	PutFile(ctx context.Context, key, path, contentType string) (string, error)
	Download(ctx context.Context, key, destPath string) error
	Remove(ctx context.Context, key string) error
}

// Concatenator joins audio files in order.
type Concatenator interface {
	Concat(ctx context.Context, inputs []string, output string) error
}

// ProgressPublisher receives a snapshot after each ledger update.
type ProgressPublisher interface {
	Publish(ctx context.Context, p model.BatchProgress) error
}

// MixDispatcher schedules a mixing job.
type MixDispatcher interface {
	EnqueueMix(ctx context.Context, event model.MixEvent) error
}

// Request is one generation run.
type Request struct {
	OwnerID  string
	EntityID string
	VoiceID  string
	Format   string
	Variants []string
	Sections []model.SectionInput
	Force    bool
	// Category is the storage folder under the entity, "audio" when empty.
	Category  string
	GroupName string
	// BackgroundURL, when set, queues a mix for every non-standard variant track.
	BackgroundURL string
	VoiceVolume   *float64
	BgVolume      *float64
}

// Result is what the caller shows the requester.
type Result struct {
	Batch     *model.Batch           `json:"batch"`
	Outcomes  []model.SectionOutcome `json:"outcomes"`
	FullTrack *model.SectionOutcome  `json:"fullTrack,omitempty"`
}

// Summary renders "2 of 3 sections generated, 1 failed: money".
func (r *Result) Summary() string {
	var generated, skipped int
	var failed []string
	for _, o := range r.Outcomes {
		switch o.Outcome {
		case model.OutcomeGenerated:
			generated++
		case model.OutcomeSkipped:
			skipped++
		case model.OutcomeFailed:
			failed = append(failed, o.SectionKey)
		}
	}
	s := fmt.Sprintf("%d of %d sections generated", generated, len(r.Outcomes))
	if skipped > 0 {
		s += fmt.Sprintf(", %d skipped", skipped)
	}
	if len(failed) > 0 {
		s += fmt.Sprintf(", %d failed: %s", len(failed), strings.Join(failed, ", "))
	}
	return s
}

// Options configures an Orchestrator.
type Options struct {
	OwnerScope   string
	ScratchDir   string
	DefaultVoice string
	// Concurrency bounds parallel sections within one batch; 1 means sequential.
	Concurrency int
	// FinalizeBackoff is the first delay between finalize attempts; it doubles per attempt.
	FinalizeBackoff time.Duration
}

// Orchestrator runs batches: skip or generate each section, persist tracks, and keep the ledger current.
type Orchestrator struct {
	narrator Narrator
	blobs    BlobStore
	tracks   repository.TrackRepository
	batches  repository.BatchRepository
	groups   repository.AssetGroupRepository
	concat   Concatenator
	progress ProgressPublisher
	mixes    MixDispatcher
	metrics  *metrics.Metrics
	opts     Options
}

// Deps bundles collaborators. Concat, Progress and Mixes are optional.
type Deps struct {
	Narrator Narrator
	Blobs    BlobStore
	Tracks   repository.TrackRepository
	Batches  repository.BatchRepository
	Groups   repository.AssetGroupRepository
	Concat   Concatenator
	Progress ProgressPublisher
	Mixes    MixDispatcher
	Metrics  *metrics.Metrics
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(d Deps, opts Options) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.OwnerScope == "" {
		opts.OwnerScope = "user-uploads"
	}
	if opts.DefaultVoice == "" {
		opts.DefaultVoice = "alloy"
	}
	if opts.FinalizeBackoff <= 0 {
		opts.FinalizeBackoff = 250 * time.Millisecond
	}
	m := d.Metrics
	if m == nil {
		m = metrics.Noop()
	}
	return &Orchestrator{
		narrator: d.Narrator,
		blobs:    d.Blobs,
		tracks:   d.Tracks,
		batches:  d.Batches,
		groups:   d.Groups,
		concat:   d.Concat,
		progress: d.Progress,
		mixes:    d.Mixes,
		metrics:  m,
		opts:     opts,
	}
}

func (o *Orchestrator) normalize(req *Request) error {
	if req.OwnerID == "" || req.EntityID == "" {
		return fmt.Errorf("%w: ownerId and entityId are required", ErrInvalidRequest)
	}
	if len(req.Sections) == 0 {
		return fmt.Errorf("%w: at least one section is required", ErrInvalidRequest)
	}
	seen := make(map[string]bool, len(req.Sections))
	for _, s := range req.Sections {
		if strings.TrimSpace(s.SectionKey) == "" {
			return fmt.Errorf("%w: section key is empty", ErrInvalidRequest)
		}
		if s.SectionKey == FullSectionKey {
			return fmt.Errorf("%w: section key %q is reserved", ErrInvalidRequest, FullSectionKey)
		}
		if seen[s.SectionKey] {
			return fmt.Errorf("%w: duplicate section %q", ErrInvalidRequest, s.SectionKey)
		}
		seen[s.SectionKey] = true
	}

	if req.VoiceID == "" {
		req.VoiceID = o.opts.DefaultVoice
	}
	if _, ok := tts.LookupVoice(req.VoiceID); !ok {
		return fmt.Errorf("%w: unknown voice %q", ErrInvalidRequest, req.VoiceID)
	}
	req.VoiceID = strings.ToLower(strings.TrimSpace(req.VoiceID))

	req.Format = strings.ToLower(strings.TrimSpace(req.Format))
	if req.Format == "" {
		req.Format = "mp3"
	}
	if !tts.ValidFormat(req.Format) {
		return fmt.Errorf("%w: unsupported format %q", ErrInvalidRequest, req.Format)
	}
	if len(req.Variants) == 0 {
		req.Variants = []string{model.VariantStandard}
	}
	variants := make([]string, 0, len(req.Variants))
	seenVariant := map[string]bool{}
	for _, v := range req.Variants {
		v = model.NormalizeVariant(v)
		if !seenVariant[v] {
			seenVariant[v] = true
			variants = append(variants, v)
		}
	}
	req.Variants = variants
	if req.Category == "" {
		req.Category = storage.CategoryAudio
	}
	return nil
}

// unit is one (variant, section) pair.
type unit struct {
	index   int
	variant string
	section model.SectionInput
}

// Run processes every section of req and finalizes the batch. Per-section
// failures are reported in the outcomes, never returned as the error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if err := o.normalize(&req); err != nil {
		return nil, err
	}

	sectionKeys := make([]string, len(req.Sections))
	for i, s := range req.Sections {
		sectionKeys[i] = s.SectionKey
	}
	batch, created, err := o.batches.StartOrGetActive(ctx, model.BatchRequest{
		OwnerID:           req.OwnerID,
		EntityID:          req.EntityID,
		VoiceID:           req.VoiceID,
		RequestedSections: sectionKeys,
		Variants:          req.Variants,
	})
	if err != nil {
		return nil, fmt.Errorf("start batch: %w", err)
	}
	if !created {
		logger.Info("Batch already in flight for owner",
			logger.String("ownerId", req.OwnerID),
			logger.String("batchId", batch.ID))
		return &Result{Batch: batch}, ErrBatchInFlight
	}
	if err := o.batches.MarkProcessing(ctx, batch.ID); err != nil {
		// 释放 active_key，否则该用户之后的请求都会被拒绝
		if _, ferr := o.finalize(ctx, batch.ID, model.BatchStatusFailed); ferr != nil {
			logger.Error("Failed to release batch after start failure",
				logger.String("batchId", batch.ID), logger.ErrorField(ferr))
		}
		return nil, fmt.Errorf("mark batch %s processing: %w", batch.ID, err)
	}

	o.metrics.ActiveBatches.Add(ctx, 1)
	defer o.metrics.ActiveBatches.Add(ctx, -1)

	logger.Info("Batch started",
		logger.String("batchId", batch.ID),
		logger.String("entityId", req.EntityID),
		logger.String("voice", req.VoiceID),
		logger.Strings("variants", req.Variants),
		logger.Int("total", batch.TotalExpected))

	units := make([]unit, 0, batch.TotalExpected)
	for _, v := range req.Variants {
		for _, s := range req.Sections {
			units = append(units, unit{index: len(units), variant: v, section: s})
		}
	}

	run := &batchRun{o: o, req: req, batch: batch, groups: map[string]*model.AssetGroup{}}
	outcomes := make([]model.SectionOutcome, len(units))

	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for _, u := range units {
		u := u
		g.Go(func() error {
			outcomes[u.index] = run.process(ctx, u)
			run.record(ctx, outcomes[u.index])
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, oc := range outcomes {
		if oc.Outcome == model.OutcomeFailed {
			failed++
		}
	}
	status := model.FinalStatus(len(outcomes), failed)
	final, err := o.finalize(ctx, batch.ID, status)
	if err != nil {
		logger.Error("Batch could not be finalized",
			logger.String("batchId", batch.ID),
			logger.String("status", string(status)),
			logger.ErrorField(err))
		snap := *batch
		snap.Status = model.BatchStatusProcessing
		snap.CompletedCount = len(outcomes) - failed
		snap.FailedCount = failed
		return &Result{Batch: &snap, Outcomes: outcomes}, fmt.Errorf("%w: batch %s: %v", ErrLedgerUnavailable, batch.ID, err)
	}
	o.publish(ctx, model.BatchProgress{
		BatchID:        final.ID,
		CompletedCount: final.CompletedCount,
		FailedCount:    final.FailedCount,
		TotalExpected:  final.TotalExpected,
		Status:         final.Status,
	})

	result := &Result{Batch: final, Outcomes: outcomes}
	if full := run.maybeBuildFull(ctx, outcomes); full != nil {
		result.FullTrack = full
	}

	logger.Info("Batch finished",
		logger.String("batchId", final.ID),
		logger.String("status", string(final.Status)),
		logger.String("summary", result.Summary()))
	return result, nil
}

// finalize writes the terminal status, retrying transient failures. It ignores
// cancellation of ctx so an abandoned request still releases the owner's slot.
// A batch already made terminal elsewhere (stale reclamation) counts as done.
func (o *Orchestrator) finalize(ctx context.Context, id string, status model.BatchStatus) (*model.Batch, error) {
	ctx = context.WithoutCancel(ctx)
	delay := o.opts.FinalizeBackoff
	var lastErr error
	for attempt := 1; attempt <= finalizeAttempts; attempt++ {
		b, err := o.batches.Finalize(ctx, id, status)
		if err == nil {
			return b, nil
		}
		if errors.Is(err, repository.ErrBatchTerminal) && b != nil {
			logger.Warn("Batch was already finalized", logger.String("batchId", id), logger.String("status", string(b.Status)))
			return b, nil
		}
		lastErr = err
		if attempt < finalizeAttempts {
			logger.Warn("Finalize failed, retrying",
				logger.String("batchId", id),
				logger.Int("attempt", attempt),
				logger.ErrorField(err))
			time.Sleep(delay)
			delay *= 2
		}
	}
	return nil, fmt.Errorf("finalize batch %s: %w", id, lastErr)
}

func (o *Orchestrator) publish(ctx context.Context, p model.BatchProgress) {
	if o.progress == nil {
		return
	}
	if err := o.progress.Publish(ctx, p); err != nil {
		logger.Warn("Failed to publish batch progress", logger.String("batchId", p.BatchID), logger.ErrorField(err))
	}
}

// batchRun carries per-run state shared by concurrent units.
type batchRun struct {
	o     *Orchestrator
	req   Request
	batch *model.Batch

	mu     sync.Mutex
	groups map[string]*model.AssetGroup
}

func (r *batchRun) record(ctx context.Context, oc model.SectionOutcome) {
	completed, failed := 1, 0
	if oc.Outcome == model.OutcomeFailed {
		completed, failed = 0, 1
	}
	r.o.metrics.RecordSection(ctx, oc.Variant, string(oc.Outcome))

	b, err := r.o.batches.RecordProgress(ctx, r.batch.ID, completed, failed)
	if err != nil {
		logger.Error("Failed to record batch progress",
			logger.String("batchId", r.batch.ID),
			logger.String("sectionKey", oc.SectionKey),
			logger.ErrorField(err))
		return
	}
	r.o.publish(ctx, model.BatchProgress{
		BatchID:        b.ID,
		SectionKey:     oc.SectionKey,
		Outcome:        oc.Outcome,
		CompletedCount: b.CompletedCount,
		FailedCount:    b.FailedCount,
		TotalExpected:  b.TotalExpected,
		Status:         b.Status,
	})
}

// group returns the asset group for variant, creating it on first use. Failures
// are logged and yield nil; grouping is presentational.
func (r *batchRun) group(ctx context.Context, variant string) *model.AssetGroup {
	if r.o.groups == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[variant]; ok {
		return g
	}

	name := r.req.GroupName
	if name == "" {
		name = "Narration"
	}
	if variant != model.VariantStandard {
		name = fmt.Sprintf("%s (%s)", name, variant)
	}
	g, err := r.o.groups.GetOrCreate(ctx, &model.AssetGroup{
		OwnerID:  r.req.OwnerID,
		EntityID: r.req.EntityID,
		Variant:  variant,
		VoiceID:  r.req.VoiceID,
		Name:     name,
	})
	if err != nil {
		logger.Warn("Failed to get asset group", logger.String("variant", variant), logger.ErrorField(err))
		return nil
	}
	if err := r.o.batches.LinkAssetGroup(ctx, r.batch.ID, g.ID); err != nil {
		logger.Warn("Failed to link asset group to batch", logger.String("batchId", r.batch.ID), logger.ErrorField(err))
	}
	r.groups[variant] = g
	return g
}

func failedOutcome(u unit, msg string) model.SectionOutcome {
	return model.SectionOutcome{SectionKey: u.section.SectionKey, Variant: u.variant, Outcome: model.OutcomeFailed, Error: msg}
}

func (r *batchRun) process(ctx context.Context, u unit) model.SectionOutcome {
	key := model.TrackKey{EntityID: r.req.EntityID, SectionKey: u.section.SectionKey, VoiceID: r.req.VoiceID, Variant: u.variant}

	prior, err := r.o.tracks.FindCanonical(ctx, key)
	if err != nil {
		return failedOutcome(u, fmt.Sprintf("lookup existing track: %v", err))
	}
	if prior != nil && prior.AudioURL != "" && !r.req.Force {
		logger.Debug("Section already generated, skipping",
			logger.String("batchId", r.batch.ID),
			logger.String("sectionKey", u.section.SectionKey),
			logger.Int64("trackId", prior.ID))
		oc := model.SectionOutcome{
			SectionKey: u.section.SectionKey,
			Variant:    u.variant,
			Outcome:    model.OutcomeSkipped,
			TrackID:    prior.ID,
			AudioURL:   prior.AudioURL,
		}
		r.group(ctx, u.variant)
		if mixOutstanding(prior) {
			oc.MixQueued = r.dispatchMix(ctx, prior)
		}
		return oc
	}

	res, err := r.o.narrator.Narrate(ctx, tts.Request{
		Text:    u.section.Text,
		Voice:   r.req.VoiceID,
		Format:  r.req.Format,
		Variant: u.variant,
	})
	if err != nil {
		logger.Warn("Narration failed",
			logger.String("batchId", r.batch.ID),
			logger.String("sectionKey", u.section.SectionKey),
			logger.ErrorField(err))
		return failedOutcome(u, err.Error())
	}

	if res.VoiceUsed != "" && res.VoiceUsed != r.req.VoiceID {
		logger.Warn("Section narrated with fallback voice",
			logger.String("batchId", r.batch.ID),
			logger.String("sectionKey", u.section.SectionKey),
			logger.String("requested", r.req.VoiceID),
			logger.String("used", res.VoiceUsed))
	}

	storageKey := storage.TrackKey(storage.TrackKeySpec{
		OwnerScope: r.o.opts.OwnerScope,
		OwnerID:    r.req.OwnerID,
		EntityID:   r.req.EntityID,
		Category:   r.req.Category,
		Variant:    u.variant,
		SectionKey: u.section.SectionKey,
		VoiceID:    r.req.VoiceID,
		Ext:        r.req.Format,
	})
	audioURL, err := r.o.blobs.PutBytes(ctx, storageKey, res.Audio, storage.ContentTypeFor(r.req.Format))
	if err != nil {
		// a failed put may still leave a partial object behind
		r.discard(ctx, storageKey, prior)
		return failedOutcome(u, fmt.Sprintf("store audio: %v", err))
	}

	track := &model.Track{
		OwnerID:     r.req.OwnerID,
		EntityID:    r.req.EntityID,
		SectionKey:  u.section.SectionKey,
		VoiceID:     r.req.VoiceID,
		Variant:     u.variant,
		StorageKey:  storageKey,
		AudioURL:    audioURL,
		ContentHash: res.ContentHash,
		VoiceUsed:   res.VoiceUsed,
	}
	if g := r.group(ctx, u.variant); g != nil {
		track.AssetGroupID = &g.ID
	}
	saved, err := r.o.tracks.Upsert(ctx, track)
	if err != nil {
		r.discard(ctx, storageKey, prior)
		return failedOutcome(u, fmt.Sprintf("save track: %v", err))
	}

	logger.Info("Section generated",
		logger.String("batchId", r.batch.ID),
		logger.String("sectionKey", u.section.SectionKey),
		logger.String("variant", u.variant),
		logger.Int64("trackId", saved.ID),
		logger.Int("chunks", res.Chunks))

	return model.SectionOutcome{
		SectionKey: u.section.SectionKey,
		Variant:    u.variant,
		Outcome:    model.OutcomeGenerated,
		TrackID:    saved.ID,
		AudioURL:   saved.AudioURL,
		MixQueued:  r.dispatchMix(ctx, saved),
	}
}

// discard removes a blob written for a unit that then failed. A blob at the
// same key as an existing canonical row is left alone since that row still points at it.
func (r *batchRun) discard(ctx context.Context, key string, prior *model.Track) {
	if prior != nil && prior.StorageKey == key {
		return
	}
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := r.o.blobs.Remove(rmCtx, key); err != nil {
		logger.Warn("Failed to discard generated audio", logger.String("key", key), logger.ErrorField(err))
	}
}

// mixOutstanding reports whether a skipped track still needs its mix: never
// mixed, or the last attempt failed. Pending and completed mixes are left alone.
func mixOutstanding(t *model.Track) bool {
	switch t.MixStatus {
	case "", model.MixStatusNone, model.MixStatusFailed:
		return true
	}
	return false
}

// dispatchMix queues a mix for non-standard variants when a background was requested.
func (r *batchRun) dispatchMix(ctx context.Context, track *model.Track) bool {
	if r.o.mixes == nil || r.req.BackgroundURL == "" || track.Variant == model.VariantStandard {
		return false
	}
	if err := r.o.tracks.UpdateMix(ctx, track.ID, model.MixUpdate{Status: model.MixStatusPending}); err != nil {
		logger.Warn("Failed to mark mix pending", logger.Int64("trackId", track.ID), logger.ErrorField(err))
		return false
	}
	event := model.MixEvent{
		VoiceURL:    track.AudioURL,
		BgURL:       r.req.BackgroundURL,
		OutputKey:   storage.MixedKey(track.StorageKey),
		Variant:     track.Variant,
		VoiceVolume: r.req.VoiceVolume,
		BgVolume:    r.req.BgVolume,
		TrackID:     track.ID,
	}
	if err := r.o.mixes.EnqueueMix(ctx, event); err != nil {
		logger.Warn("Failed to enqueue mix", logger.Int64("trackId", track.ID), logger.ErrorField(err))
		msg := err.Error()
		_ = r.o.tracks.UpdateMix(ctx, track.ID, model.MixUpdate{Status: model.MixStatusFailed, ErrorMessage: &msg})
		return false
	}
	return true
}
