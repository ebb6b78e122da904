package mixer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"Narrato/logger"
	"Narrato/model"

	"github.com/hibiken/asynq"
)

const (
	// TypeMix is the asynq task type of a mixing job.
	TypeMix = "audio:mix"
	// QueueName keeps long mixes off the default queue.
	QueueName = "mix"
)

// NewMixTask builds the task for ev. timeout bounds the handler including downloads and upload.
func NewMixTask(ev model.MixEvent, timeout time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal mix event: %w", err)
	}
	return asynq.NewTask(TypeMix, payload,
		asynq.Queue(QueueName),
		asynq.MaxRetry(3),
		asynq.Timeout(timeout),
		asynq.Retention(24*time.Hour),
	), nil
}

// Dispatcher enqueues mixing jobs.
type Dispatcher struct {
	client  *asynq.Client
	timeout time.Duration
}

// NewDispatcher creates a dispatcher. mixTimeout is the encoder limit; the task gets extra room for transfers.
func NewDispatcher(client *asynq.Client, mixTimeout time.Duration) *Dispatcher {
	return &Dispatcher{client: client, timeout: mixTimeout + 5*time.Minute}
}

// EnqueueMix 将混音任务加入队列
func (d *Dispatcher) EnqueueMix(ctx context.Context, ev model.MixEvent) error {
	task, err := NewMixTask(ev, d.timeout)
	if err != nil {
		return err
	}
	info, err := d.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueue mix: %w", err)
	}
	logger.Info("Mix job enqueued",
		logger.Int64("trackId", ev.TrackID),
		logger.String("taskId", info.ID),
		logger.String("outputKey", ev.OutputKey))
	return nil
}

// Processor is satisfied by *Worker.
type Processor interface {
	Process(ctx context.Context, ev model.MixEvent) model.MixResult
}

// HandleMixTask adapts a worker to asynq. Malformed payloads and invalid events are not retried.
func HandleMixTask(p Processor) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var ev model.MixEvent
		if err := json.Unmarshal(t.Payload(), &ev); err != nil {
			return fmt.Errorf("decode mix event: %v: %w", err, asynq.SkipRetry)
		}
		res := p.Process(ctx, ev)
		if res.Body.Success {
			return nil
		}
		err := errors.New(res.Body.Error)
		if res.StatusCode < 500 {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
}

// NewServeMux routes mix tasks to p.
func NewServeMux(p Processor) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeMix, HandleMixTask(p))
	return mux
}

// NewServer creates the asynq server consuming the mix queue.
func NewServer(redisOpt asynq.RedisClientOpt, concurrency int) *asynq.Server {
	if concurrency < 1 {
		concurrency = 1
	}
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueName: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Warn("Mix task failed", logger.String("type", task.Type()), logger.ErrorField(err))
		}),
	})
}
