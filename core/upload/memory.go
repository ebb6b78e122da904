package upload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"Narrato/model"
)

// MemorySessionStore keeps sessions in process memory. Used by tests and single-node dev runs.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*model.UploadSession
}

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: map[string]*model.UploadSession{}}
}

func (m *MemorySessionStore) Create(_ context.Context, sess *model.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sess.UploadID]; ok {
		return fmt.Errorf("upload session %s already exists", sess.UploadID)
	}
	c := *sess
	c.Requested = map[int]bool{}
	m.sessions[sess.UploadID] = &c
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, uploadID string) (*model.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[uploadID]
	if !ok {
		return nil, nil
	}
	c := *sess
	c.Requested = make(map[int]bool, len(sess.Requested))
	for k, v := range sess.Requested {
		c.Requested[k] = v
	}
	return &c, nil
}

func (m *MemorySessionStore) AddRequestedPart(_ context.Context, uploadID string, part int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[uploadID]
	if !ok {
		return fmt.Errorf("upload session %s not found", uploadID)
	}
	sess.Requested[part] = true
	return nil
}

func (m *MemorySessionStore) Transition(_ context.Context, uploadID string, from, to model.UploadState) (model.UploadState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[uploadID]
	if !ok {
		return "", false, nil
	}
	prev := sess.State
	if prev != from {
		return prev, false, nil
	}
	sess.State = to
	if to == model.UploadStateCompleted || to == model.UploadStateAborted {
		now := time.Now()
		sess.ClosedAt = &now
	}
	return prev, true, nil
}
