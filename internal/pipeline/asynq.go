package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/config"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/logger"
	"github.com/hibiken/asynq"
)

// TypeStageTask is the asynq task type carrying a Task payload.
const TypeStageTask = "image:stage"

// TaskEnqueuer is the subset of *asynq.Client used by AsynqDispatcher.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskInspector is the subset of *asynq.Inspector used to resolve task id conflicts.
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

var (
	_ TaskEnqueuer  = (*asynq.Client)(nil)
	_ TaskInspector = (*asynq.Inspector)(nil)
)

// RedisOpt converts the queue config to asynq connection options.
func RedisOpt(cfg config.QueueConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}

// AsynqDispatcher enqueues stage tasks into a Redis-backed asynq queue.
// The task id is the (image, stage) key, so a task already waiting in the queue is not enqueued twice.
// A task that ended up archived or completed under the same id is removed and enqueued again.
type AsynqDispatcher struct {
	client    TaskEnqueuer
	inspector TaskInspector
	queue     string
	timeout   time.Duration
}

// NewAsynqDispatcher creates a dispatcher over client. timeout bounds one task run and
// should cover the runner's whole retry budget.
func NewAsynqDispatcher(client TaskEnqueuer, inspector TaskInspector, queue string, timeout time.Duration) *AsynqDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &AsynqDispatcher{client: client, inspector: inspector, queue: queue, timeout: timeout}
}

// Dispatch enqueues task. An identical task that is still waiting or running counts as success.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, task Task) error {
	b, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode stage task: %w", err)
	}
	err = d.enqueue(ctx, task, b)
	if !errors.Is(err, asynq.ErrTaskIDConflict) && !errors.Is(err, asynq.ErrDuplicateTask) {
		return err
	}

	retired, err := d.retireFinished(task.Key())
	if err != nil || !retired {
		return err
	}
	logger.With(logger.Fields{logger.FieldTaskID: task.Key()}).
		Debug(ctx, "Re-enqueueing stage task that previously finished")
	err = d.enqueue(ctx, task, b)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		// another dispatcher re-enqueued it first
		return nil
	}
	return err
}

func (d *AsynqDispatcher) enqueue(ctx context.Context, task Task, payload []byte) error {
	_, err := d.client.EnqueueContext(ctx, asynq.NewTask(TypeStageTask, payload),
		asynq.Queue(d.queue),
		asynq.TaskID(task.Key()),
		asynq.MaxRetry(0),
		asynq.Timeout(d.timeout),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) && !errors.Is(err, asynq.ErrDuplicateTask) {
		return fmt.Errorf("failed to enqueue stage task: %w", err)
	}
	return err
}

// retireFinished deletes the task holding id if it is archived or completed, and reports
// whether the id is free again. Pending, scheduled, retrying and active tasks are left alone.
func (d *AsynqDispatcher) retireFinished(id string) (bool, error) {
	if d.inspector == nil {
		return false, nil
	}
	info, err := d.inspector.GetTaskInfo(d.queue, id)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return true, nil
		}
		return false, fmt.Errorf("failed to inspect stage task %s: %w", id, err)
	}
	switch info.State {
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
	default:
		return false, nil
	}
	if err := d.inspector.DeleteTask(d.queue, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, fmt.Errorf("failed to delete finished stage task %s: %w", id, err)
	}
	return true, nil
}

// NewAsynqMux routes stage tasks to handler. Retries happen inside handler, so a returned
// error archives the task instead of re-queueing it.
func NewAsynqMux(handler TaskHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeStageTask, func(ctx context.Context, t *asynq.Task) error {
		var task Task
		if err := json.Unmarshal(t.Payload(), &task); err != nil {
			return fmt.Errorf("invalid stage task payload: %v: %w", err, asynq.SkipRetry)
		}
		if !task.Stage.Valid() || task.ImageID == "" {
			return fmt.Errorf("invalid stage task %q: %w", task.Key(), asynq.SkipRetry)
		}
		ctx = logger.WithFields(ctx, logger.Fields{logger.FieldComponent: "asynq_worker"})
		ctx = logger.SetImageID(ctx, task.ImageID)
		ctx = logger.SetStage(ctx, string(task.Stage))
		return handler.Handle(ctx, task)
	})
	return mux
}

// NewAsynqServer creates the consumer side of the stage queue.
func NewAsynqServer(cfg config.QueueConfig) *asynq.Server {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return asynq.NewServer(RedisOpt(cfg), asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{cfg.Name: 1},
	})
}
