package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"Narrato/logger"
	"Narrato/model"

	"github.com/redis/go-redis/v9"
)

const batchProgressChannel = "batch:%s:progress"

// ProgressBus fans batch progress out to any process watching the batch.
type ProgressBus struct {
	client *redis.Client
}

// NewProgressBus 创建批次进度发布器
func NewProgressBus(client *redis.Client) *ProgressBus {
	return &ProgressBus{client: client}
}

// Publish sends one progress snapshot.
func (b *ProgressBus) Publish(ctx context.Context, p model.BatchProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	return b.client.Publish(ctx, fmt.Sprintf(batchProgressChannel, p.BatchID), data).Err()
}

// Subscribe streams progress for batchID until ctx is done. The channel is closed afterwards.
func (b *ProgressBus) Subscribe(ctx context.Context, batchID string) (<-chan model.BatchProgress, error) {
	sub := b.client.Subscribe(ctx, fmt.Sprintf(batchProgressChannel, batchID))
	// 等待订阅确认
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to batch %s: %w", batchID, err)
	}

	out := make(chan model.BatchProgress, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var p model.BatchProgress
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					logger.Warn("Dropping malformed progress message",
						logger.String("batchId", batchID),
						logger.ErrorField(err))
					continue
				}
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
