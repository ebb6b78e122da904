package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"Narrato/model"

	"github.com/redis/go-redis/v9"
)

const (
	uploadSessionKey = "upload:session:%s"       // Hash: 会话元数据
	uploadPartsKey   = "upload:session:%s:parts" // Set: 已签发 URL 的分片号
	uploadSessionTTL = 24 * time.Hour
	// closed sessions stay around as tombstones so late calls are rejected instead of looking unknown
	uploadTombstoneTTL = 24 * time.Hour
)

// transitionScript swaps the state field only if it currently equals ARGV[1].
// Returns the state observed before the call, or "" if the session does not exist.
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'state')
if not cur then
  return ''
end
if cur == ARGV[1] then
  redis.call('HSET', KEYS[1], 'state', ARGV[2])
  if ARGV[3] ~= '' then
    redis.call('HSET', KEYS[1], 'closedAt', ARGV[3])
    redis.call('EXPIRE', KEYS[1], ARGV[4])
    redis.call('EXPIRE', KEYS[2], ARGV[4])
  end
end
return cur
`)

// UploadSessionStore keeps chunked upload sessions in Redis.
type UploadSessionStore struct {
	client *redis.Client
}

// NewUploadSessionStore 创建上传会话缓存
func NewUploadSessionStore(client *redis.Client) *UploadSessionStore {
	return &UploadSessionStore{client: client}
}

// Create stores a new open session. It fails if the upload id is already known.
func (s *UploadSessionStore) Create(ctx context.Context, sess *model.UploadSession) error {
	key := fmt.Sprintf(uploadSessionKey, sess.UploadID)
	created, err := s.client.HSetNX(ctx, key, "state", string(sess.State)).Result()
	if err != nil {
		return fmt.Errorf("create upload session: %w", err)
	}
	if !created {
		return fmt.Errorf("upload session %s already exists", sess.UploadID)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"key", sess.Key,
		"fileName", sess.FileName,
		"fileType", sess.FileType,
		"createdAt", sess.CreatedAt.Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, key, uploadSessionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Get loads a session, or returns nil if it does not exist or expired.
func (s *UploadSessionStore) Get(ctx context.Context, uploadID string) (*model.UploadSession, error) {
	fields, err := s.client.HGetAll(ctx, fmt.Sprintf(uploadSessionKey, uploadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get upload session: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	sess := &model.UploadSession{
		UploadID: uploadID,
		Key:      fields["key"],
		FileName: fields["fileName"],
		FileType: fields["fileType"],
		State:    model.UploadState(fields["state"]),
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["createdAt"]); err == nil {
		sess.CreatedAt = t
	}
	if raw := fields["closedAt"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			sess.ClosedAt = &t
		}
	}

	members, err := s.client.SMembers(ctx, fmt.Sprintf(uploadPartsKey, uploadID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get requested parts: %w", err)
	}
	sess.Requested = make(map[int]bool, len(members))
	for _, m := range members {
		if n, err := strconv.Atoi(m); err == nil {
			sess.Requested[n] = true
		}
	}
	return sess, nil
}

// AddRequestedPart records that a URL was issued for part.
func (s *UploadSessionStore) AddRequestedPart(ctx context.Context, uploadID string, part int) error {
	key := fmt.Sprintf(uploadPartsKey, uploadID)
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, part)
	pipe.Expire(ctx, key, uploadSessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Transition moves the session from one state to another atomically. It returns
// the state observed before the call and whether the swap happened.
func (s *UploadSessionStore) Transition(ctx context.Context, uploadID string, from, to model.UploadState) (model.UploadState, bool, error) {
	closedAt := ""
	ttl := "0"
	if to == model.UploadStateCompleted || to == model.UploadStateAborted {
		closedAt = time.Now().Format(time.RFC3339Nano)
		ttl = strconv.Itoa(int(uploadTombstoneTTL.Seconds()))
	}
	keys := []string{fmt.Sprintf(uploadSessionKey, uploadID), fmt.Sprintf(uploadPartsKey, uploadID)}
	res, err := transitionScript.Run(ctx, s.client, keys, string(from), string(to), closedAt, ttl).Text()
	if err != nil {
		return "", false, fmt.Errorf("transition upload session %s: %w", uploadID, err)
	}
	prev := model.UploadState(res)
	return prev, prev == from, nil
}
