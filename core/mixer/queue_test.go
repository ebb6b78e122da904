package mixer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"Narrato/model"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProcessor struct {
	result model.MixResult
	got    []model.MixEvent
}

func (s *scriptedProcessor) Process(_ context.Context, ev model.MixEvent) model.MixResult {
	s.got = append(s.got, ev)
	return s.result
}

func TestNewMixTask(t *testing.T) {
	task, err := NewMixTask(sleepEvent(), 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, TypeMix, task.Type())

	var ev model.MixEvent
	require.NoError(t, json.Unmarshal(task.Payload(), &ev))
	assert.Equal(t, sleepEvent(), ev)
}

func TestHandleMixTask(t *testing.T) {
	task, err := NewMixTask(sleepEvent(), time.Minute)
	require.NoError(t, err)

	ok := &scriptedProcessor{result: model.MixResult{StatusCode: 200, Body: model.MixResultBody{Success: true}}}
	require.NoError(t, HandleMixTask(ok)(context.Background(), task))
	assert.Len(t, ok.got, 1)

	transient := &scriptedProcessor{result: model.MixResult{StatusCode: 500, Body: model.MixResultBody{Error: "mix: audio encoder timed out"}}}
	err = HandleMixTask(transient)(context.Background(), task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	invalid := &scriptedProcessor{result: model.MixResult{StatusCode: 400, Body: model.MixResultBody{Error: "invalid mix event"}}}
	err = HandleMixTask(invalid)(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	garbage := asynq.NewTask(TypeMix, []byte("{"))
	err = HandleMixTask(ok)(context.Background(), garbage)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
