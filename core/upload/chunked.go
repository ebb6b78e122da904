package upload

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"Narrato/logger"
	"Narrato/metrics"
	"Narrato/model"
	"Narrato/storage"

	"github.com/google/uuid"
)

// MaxParts is the S3 multipart limit.
const MaxParts = 10000

var (
	ErrUnknownUpload  = errors.New("unknown upload")
	ErrSessionClosed  = errors.New("upload session is closed")
	ErrInvalidParts   = errors.New("invalid part list")
	ErrInvalidRequest = errors.New("invalid upload request")
)

// Action is the discriminator of the chunked upload endpoint.
type Action string

const (
	ActionCreate     Action = "create"
	ActionGetPartURL Action = "getPartUrl"
	ActionComplete   Action = "complete"
	ActionAbort      Action = "abort"
)

// Backend is the object storage side of a multipart upload.
type Backend interface {
	Create(ctx context.Context, key, contentType string) (string, error)
	PartURL(ctx context.Context, key, uploadID string, partNumber int) (string, error)
	Complete(ctx context.Context, key, uploadID string, parts []model.CompletedPart) (string, error)
	Abort(ctx context.Context, key, uploadID string) error
}

// SessionStore tracks handles issued by this service. Transition must be atomic.
type SessionStore interface {
	Create(ctx context.Context, sess *model.UploadSession) error
	Get(ctx context.Context, uploadID string) (*model.UploadSession, error)
	AddRequestedPart(ctx context.Context, uploadID string, part int) error
	Transition(ctx context.Context, uploadID string, from, to model.UploadState) (model.UploadState, bool, error)
}

// Request is the body of one chunked upload call.
type Request struct {
	Action     Action                `json:"action"`
	Key        string                `json:"key,omitempty"`
	UploadID   string                `json:"uploadId,omitempty"`
	PartNumber int                   `json:"partNumber,omitempty"`
	Parts      []model.CompletedPart `json:"parts,omitempty"`
	FileType   string                `json:"fileType,omitempty"`
	FileName   string                `json:"fileName,omitempty"`
	Folder     string                `json:"folder,omitempty"`
}

// Response carries whichever fields the action produces.
type Response struct {
	UploadID string `json:"uploadId,omitempty"`
	Key      string `json:"key,omitempty"`
	URL      string `json:"url,omitempty"`
	Success  bool   `json:"success,omitempty"`
}

// Service implements create, getPartUrl, complete and abort over one handle.
type Service struct {
	backend    Backend
	sessions   SessionStore
	ownerScope string
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewService creates the chunked upload service.
func NewService(backend Backend, sessions SessionStore, ownerScope string, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.Noop()
	}
	return &Service{backend: backend, sessions: sessions, ownerScope: ownerScope, metrics: m, now: time.Now}
}

// Handle dispatches on req.Action.
func (s *Service) Handle(ctx context.Context, ownerID string, req Request) (resp *Response, err error) {
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.RecordUpload(ctx, string(req.Action), status)
	}()

	switch req.Action {
	case ActionCreate:
		return s.Create(ctx, ownerID, req)
	case ActionGetPartURL:
		url, err := s.PartURL(ctx, req.UploadID, req.Key, req.PartNumber)
		if err != nil {
			return nil, err
		}
		return &Response{UploadID: req.UploadID, Key: req.Key, URL: url}, nil
	case ActionComplete:
		return s.Complete(ctx, req.UploadID, req.Key, req.Parts)
	case ActionAbort:
		if err := s.Abort(ctx, req.UploadID, req.Key); err != nil {
			return nil, err
		}
		return &Response{UploadID: req.UploadID, Key: req.Key, Success: true}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, req.Action)
	}
}

func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return false
	}
	return path.Clean(key) == key && !strings.HasPrefix(key, "../") && key != ".."
}

// Create opens a multipart upload. When req.Key is empty one is derived from the
// owner, folder and file name.
func (s *Service) Create(ctx context.Context, ownerID string, req Request) (*Response, error) {
	key := req.Key
	if key == "" {
		if req.FileName == "" {
			return nil, fmt.Errorf("%w: key or fileName is required", ErrInvalidRequest)
		}
		if ownerID == "" {
			return nil, fmt.Errorf("%w: owner is required to derive a key", ErrInvalidRequest)
		}
		key = storage.UploadKey(s.ownerScope, ownerID, req.Folder, uuid.NewString()[:8], req.FileName)
	}
	if !validKey(key) {
		return nil, fmt.Errorf("%w: bad key %q", ErrInvalidRequest, key)
	}

	uploadID, err := s.backend.Create(ctx, key, req.FileType)
	if err != nil {
		return nil, err
	}
	sess := &model.UploadSession{
		UploadID:  uploadID,
		Key:       key,
		FileName:  req.FileName,
		FileType:  req.FileType,
		State:     model.UploadStateOpen,
		CreatedAt: s.now(),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		// 会话没记下来, 释放存储端的上传
		if abortErr := s.backend.Abort(context.WithoutCancel(ctx), key, uploadID); abortErr != nil {
			logger.Warn("Failed to release orphaned multipart upload",
				logger.String("uploadId", uploadID), logger.ErrorField(abortErr))
		}
		return nil, fmt.Errorf("record upload session: %w", err)
	}

	logger.Info("Chunked upload created", logger.String("uploadId", uploadID), logger.String("key", key))
	return &Response{UploadID: uploadID, Key: key}, nil
}

// load fetches a session and checks it is addressed by key. An empty key matches.
func (s *Service) load(ctx context.Context, uploadID, key string) (*model.UploadSession, error) {
	if uploadID == "" {
		return nil, fmt.Errorf("%w: uploadId is required", ErrInvalidRequest)
	}
	sess, err := s.sessions.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrUnknownUpload
	}
	if key != "" && key != sess.Key {
		return nil, fmt.Errorf("%w: key does not match upload", ErrInvalidRequest)
	}
	return sess, nil
}

// PartURL issues a signed PUT URL for a 1-based part number.
func (s *Service) PartURL(ctx context.Context, uploadID, key string, partNumber int) (string, error) {
	if partNumber < 1 || partNumber > MaxParts {
		return "", fmt.Errorf("%w: partNumber must be between 1 and %d", ErrInvalidRequest, MaxParts)
	}
	sess, err := s.load(ctx, uploadID, key)
	if err != nil {
		return "", err
	}
	if sess.State != model.UploadStateOpen {
		return "", fmt.Errorf("%w: %s", ErrSessionClosed, sess.State)
	}
	if err := s.sessions.AddRequestedPart(ctx, uploadID, partNumber); err != nil {
		return "", fmt.Errorf("record part %d: %w", partNumber, err)
	}
	return s.backend.PartURL(ctx, sess.Key, uploadID, partNumber)
}

// ValidateParts checks the list is exactly 1..k with tags, and that it covers every
// part a URL was issued for. It returns the parts sorted by number.
func ValidateParts(parts []model.CompletedPart, requested map[int]bool) ([]model.CompletedPart, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: no parts", ErrInvalidParts)
	}
	sorted := make([]model.CompletedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	for i, p := range sorted {
		if p.PartNumber != i+1 {
			if i > 0 && p.PartNumber == sorted[i-1].PartNumber {
				return nil, fmt.Errorf("%w: duplicate part %d", ErrInvalidParts, p.PartNumber)
			}
			return nil, fmt.Errorf("%w: missing part %d", ErrInvalidParts, i+1)
		}
		if strings.TrimSpace(p.ETag) == "" {
			return nil, fmt.Errorf("%w: part %d has no etag", ErrInvalidParts, p.PartNumber)
		}
	}
	for n := range requested {
		if n > len(sorted) {
			return nil, fmt.Errorf("%w: part %d was requested but not reported", ErrInvalidParts, n)
		}
	}
	return sorted, nil
}

// Complete finalizes the object. The session moves open → completing first so a
// concurrent abort or second complete is rejected; a provider failure reopens it.
func (s *Service) Complete(ctx context.Context, uploadID, key string, parts []model.CompletedPart) (*Response, error) {
	sess, err := s.load(ctx, uploadID, key)
	if err != nil {
		return nil, err
	}
	if sess.State != model.UploadStateOpen {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, sess.State)
	}
	sorted, err := ValidateParts(parts, sess.Requested)
	if err != nil {
		return nil, err
	}

	prev, ok, err := s.sessions.Transition(ctx, uploadID, model.UploadStateOpen, model.UploadStateCompleting)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, prev)
	}

	url, err := s.backend.Complete(ctx, sess.Key, uploadID, sorted)
	if err != nil {
		if _, _, revertErr := s.sessions.Transition(context.WithoutCancel(ctx), uploadID, model.UploadStateCompleting, model.UploadStateOpen); revertErr != nil {
			logger.Error("Failed to reopen upload session", logger.String("uploadId", uploadID), logger.ErrorField(revertErr))
		}
		return nil, err
	}
	if _, _, err := s.sessions.Transition(context.WithoutCancel(ctx), uploadID, model.UploadStateCompleting, model.UploadStateCompleted); err != nil {
		// 对象已经生成, 只记录日志
		logger.Error("Failed to mark upload completed", logger.String("uploadId", uploadID), logger.ErrorField(err))
	}

	logger.Info("Chunked upload completed",
		logger.String("uploadId", uploadID),
		logger.String("key", sess.Key),
		logger.Int("parts", len(sorted)))
	return &Response{UploadID: uploadID, Key: sess.Key, URL: url, Success: true}, nil
}

// Abort cancels the upload and releases its parts. Repeating it is harmless. A handle
// this service no longer remembers is still released at the provider when a key is given.
func (s *Service) Abort(ctx context.Context, uploadID, key string) error {
	sess, err := s.load(ctx, uploadID, key)
	if errors.Is(err, ErrUnknownUpload) && key != "" {
		logger.Info("Aborting upload without session", logger.String("uploadId", uploadID), logger.String("key", key))
		return s.backend.Abort(ctx, key, uploadID)
	}
	if err != nil {
		return err
	}

	switch sess.State {
	case model.UploadStateAborted:
	case model.UploadStateOpen:
		prev, ok, err := s.sessions.Transition(ctx, uploadID, model.UploadStateOpen, model.UploadStateAborted)
		if err != nil {
			return err
		}
		if !ok && prev != model.UploadStateAborted {
			return fmt.Errorf("%w: %s", ErrSessionClosed, prev)
		}
	default:
		return fmt.Errorf("%w: %s", ErrSessionClosed, sess.State)
	}

	if err := s.backend.Abort(ctx, sess.Key, uploadID); err != nil {
		return err
	}
	logger.Info("Chunked upload aborted", logger.String("uploadId", uploadID), logger.String("key", sess.Key))
	return nil
}
