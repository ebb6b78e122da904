package generator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"Narrato/core/tts"
	"Narrato/model"
	"Narrato/repository"
)

type fakeNarrator struct {
	calls     atomic.Int32
	failures  map[string]error  // by text
	fallbacks map[string]string // text -> voice actually used
}

func (f *fakeNarrator) Narrate(_ context.Context, req tts.Request) (*tts.Result, error) {
	f.calls.Add(1)
	if err, ok := f.failures[req.Text]; ok {
		return nil, err
	}
	voice := req.Voice
	if v, ok := f.fallbacks[req.Text]; ok {
		voice = v
	}
	return &tts.Result{
		Audio:       []byte("audio:" + req.Text),
		VoiceUsed:   voice,
		ContentHash: tts.ContentHash(req.Text),
		Chunks:      1,
	}, nil
}

type fakeBlobs struct {
	mu       sync.Mutex
	objects  map[string][]byte
	removed  []string
	putErr   map[string]error // by key substring
	existing map[string]bool
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}, putErr: map[string]error{}, existing: map[string]bool{}}
}

func (f *fakeBlobs) url(key string) string { return "https://cdn.test/" + key }

func (f *fakeBlobs) PutBytes(_ context.Context, key string, data []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub, err := range f.putErr {
		if strings.Contains(key, sub) {
			return "", err
		}
	}
	f.objects[key] = append([]byte(nil), data...)
	return f.url(key), nil
}

func (f *fakeBlobs) PutFile(ctx context.Context, key, path, contentType string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return f.PutBytes(ctx, key, data, contentType)
}

func (f *fakeBlobs) Download(_ context.Context, key, dest string) error {
	f.mu.Lock()
	data, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("no object %s", key)
	}
	return os.WriteFile(dest, data, 0o644)
}

func (f *fakeBlobs) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.removed = append(f.removed, key)
	return nil
}

func (f *fakeBlobs) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeBlobs) PublicURL(key string) string { return f.url(key) }

type fakeTracks struct {
	mu        sync.Mutex
	nextID    int64
	rows      map[model.TrackKey]*model.Track
	upsertErr error
	mixes     map[int64][]model.MixUpdate
}

func newFakeTracks() *fakeTracks {
	return &fakeTracks{rows: map[model.TrackKey]*model.Track{}, mixes: map[int64][]model.MixUpdate{}}
}

func (f *fakeTracks) FindCanonical(_ context.Context, key model.TrackKey) (*model.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.rows[key]; ok {
		c := *t
		return &c, nil
	}
	return nil, nil
}

func (f *fakeTracks) Upsert(_ context.Context, track *model.Track) (*model.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	key := track.Key()
	if prev, ok := f.rows[key]; ok {
		track.ID = prev.ID
		track.CreatedAt = prev.CreatedAt
	} else {
		f.nextID++
		track.ID = f.nextID
		track.CreatedAt = time.Now()
	}
	track.MixStatus = model.MixStatusNone
	track.MixedURL, track.MixedKey = "", ""
	c := *track
	f.rows[key] = &c
	out := c
	return &out, nil
}

func (f *fakeTracks) GetByID(_ context.Context, id int64) (*model.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.rows {
		if t.ID == id {
			c := *t
			return &c, nil
		}
	}
	return nil, nil
}

func (f *fakeTracks) ListByEntity(_ context.Context, entityID string) ([]*model.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Track
	for _, t := range f.rows {
		if t.EntityID == entityID {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (f *fakeTracks) UpdateMix(_ context.Context, id int64, update model.MixUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.rows {
		if t.ID == id {
			t.MixStatus = update.Status
			f.mixes[id] = append(f.mixes[id], update)
			return nil
		}
	}
	return repository.ErrTrackNotFound
}

func (f *fakeTracks) byKey(entity, section, voice, variant string) *model.Track {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[model.TrackKey{EntityID: entity, SectionKey: section, VoiceID: voice, Variant: variant}]
}

// fakeBatches applies progress under a lock, standing in for the SQL increment.
type fakeBatches struct {
	mu      sync.Mutex
	seq     int
	batches map[string]*model.Batch

	markErr      error
	finalizeErrs []error // consumed one per Finalize call
	finalizeCall int
}

func newFakeBatches() *fakeBatches {
	return &fakeBatches{batches: map[string]*model.Batch{}}
}

func (f *fakeBatches) StartOrGetActive(_ context.Context, req model.BatchRequest) (*model.Batch, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.batches {
		if b.ActiveKey != nil && *b.ActiveKey == req.OwnerID {
			c := *b
			return &c, false, nil
		}
	}
	f.seq++
	owner := req.OwnerID
	b := &model.Batch{
		ID:                fmt.Sprintf("batch-%d", f.seq),
		OwnerID:           req.OwnerID,
		EntityID:          req.EntityID,
		ActiveKey:         &owner,
		RequestedSections: req.RequestedSections,
		VoiceID:           req.VoiceID,
		Variants:          req.Variants,
		TotalExpected:     req.TotalExpected(),
		Status:            model.BatchStatusPending,
	}
	f.batches[b.ID] = b
	c := *b
	return &c, true, nil
}

func (f *fakeBatches) MarkProcessing(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	b, ok := f.batches[id]
	if !ok {
		return repository.ErrBatchNotFound
	}
	b.Status = model.BatchStatusProcessing
	return nil
}

func (f *fakeBatches) RecordProgress(_ context.Context, id string, c, fl int) (*model.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return nil, repository.ErrBatchNotFound
	}
	if b.Status.Terminal() {
		return nil, repository.ErrBatchTerminal
	}
	if b.CompletedCount+b.FailedCount+c+fl > b.TotalExpected {
		return nil, repository.ErrProgressOverflow
	}
	b.CompletedCount += c
	b.FailedCount += fl
	out := *b
	return &out, nil
}

func (f *fakeBatches) Finalize(_ context.Context, id string, status model.BatchStatus) (*model.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizeCall++
	if len(f.finalizeErrs) > 0 {
		err := f.finalizeErrs[0]
		f.finalizeErrs = f.finalizeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	b, ok := f.batches[id]
	if !ok {
		return nil, repository.ErrBatchNotFound
	}
	b.Status = status
	b.ActiveKey = nil
	now := time.Now()
	b.FinishedAt = &now
	out := *b
	return &out, nil
}

func (f *fakeBatches) LinkAssetGroup(_ context.Context, id string, groupID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return repository.ErrBatchNotFound
	}
	if !b.AssetGroupIDs.Contains(groupID) {
		b.AssetGroupIDs = append(b.AssetGroupIDs, groupID)
	}
	return nil
}

func (f *fakeBatches) GetByID(_ context.Context, id string) (*model.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.batches[id]; ok {
		c := *b
		return &c, nil
	}
	return nil, nil
}

type fakeGroups struct {
	mu     sync.Mutex
	groups []*model.AssetGroup
}

func (f *fakeGroups) GetOrCreate(_ context.Context, g *model.AssetGroup) (*model.AssetGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.groups {
		if e.OwnerID == g.OwnerID && e.EntityID == g.EntityID && e.Variant == g.Variant && e.VoiceID == g.VoiceID {
			return e, nil
		}
	}
	g.ID = int64(len(f.groups) + 1)
	f.groups = append(f.groups, g)
	return g, nil
}

func (f *fakeGroups) GetByID(_ context.Context, id int64) (*model.AssetGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.groups {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, nil
}

type fakeConcat struct {
	inputs [][]string
}

func (f *fakeConcat) Concat(_ context.Context, inputs []string, output string) error {
	f.inputs = append(f.inputs, inputs)
	var buf bytes.Buffer
	for _, in := range inputs {
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		buf.Write(data)
		buf.WriteByte('|')
	}
	return os.WriteFile(output, buf.Bytes(), 0o644)
}

type fakeProgress struct {
	mu     sync.Mutex
	events []model.BatchProgress
}

func (f *fakeProgress) Publish(_ context.Context, p model.BatchProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, p)
	return nil
}

type fakeMixes struct {
	mu     sync.Mutex
	events []model.MixEvent
	err    error
}

func (f *fakeMixes) EnqueueMix(_ context.Context, e model.MixEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

var errTimeout = errors.New("timeout")
