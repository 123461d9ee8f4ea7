package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/codeGROOVE-dev/parlor/pkg/logger"
)

const (
	// TaskRecipientOffline is the task type consumed by the notification worker.
	TaskRecipientOffline = "chat:recipient_offline"
	// DefaultQueue is the asynq queue offline signals are enqueued on.
	DefaultQueue = "notifications"

	maxRetry  = 5
	retention = 24 * time.Hour
)

// Asynq enqueues offline signals as background tasks.
type Asynq struct {
	client *asynq.Client
	queue  string
}

// NewAsynq connects to the Redis instance at redisURL. The client dials lazily.
func NewAsynq(redisURL string) (*Asynq, error) {
	if redisURL == "" {
		return nil, errors.New("asynq: redis url is empty")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	return &Asynq{client: asynq.NewClient(opt), queue: DefaultQueue}, nil
}

// NewTask encodes s as a task. The message id is the task id so a signal is queued at most once.
func NewTask(s Signal) (*asynq.Task, error) {
	if s.RecipientID == "" || s.MessageID == "" {
		return nil, errors.New("signal requires recipient and message ids")
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode signal: %w", err)
	}
	return asynq.NewTask(TaskRecipientOffline, payload, asynq.TaskID("offline:"+s.MessageID)), nil
}

// ParseTask decodes a task produced by NewTask.
func ParseTask(t *asynq.Task) (Signal, error) {
	var s Signal
	if t.Type() != TaskRecipientOffline {
		return s, fmt.Errorf("unexpected task type %q", t.Type())
	}
	if err := json.Unmarshal(t.Payload(), &s); err != nil {
		return s, fmt.Errorf("decode signal: %w", err)
	}
	return s, nil
}

// RecipientOffline implements Notifier.
func (a *Asynq) RecipientOffline(ctx context.Context, s Signal) error {
	task, err := NewTask(s)
	if err != nil {
		return err
	}
	info, err := a.client.EnqueueContext(ctx, task,
		asynq.Queue(a.queue),
		asynq.MaxRetry(maxRetry),
		asynq.Retention(retention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", TaskRecipientOffline, err)
	}
	logger.Debug(ctx, "queued offline signal", logger.Fields{
		"task_id":      info.ID,
		"queue":        info.Queue,
		"recipient_id": s.RecipientID,
	})
	return nil
}

// Close implements Notifier.
func (a *Asynq) Close() error {
	return a.client.Close()
}
