package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	errs  []error
	calls int
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "x"}, nil
}

type fakeInspector struct {
	state   asynq.TaskState
	err     error
	deleted []string
}

func (f *fakeInspector) GetTaskInfo(_, id string) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &asynq.TaskInfo{ID: id, State: f.state}, nil
}

func (f *fakeInspector) DeleteTask(_, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func TestAsynqDispatcherEncodesTask(t *testing.T) {
	enq := &fakeEnqueuer{}
	d := NewAsynqDispatcher(enq, nil, "stages", time.Minute)

	require.NoError(t, d.Dispatch(context.Background(), Task{ImageID: "img-1", Stage: domain.StageThumbnail}))
	require.Len(t, enq.tasks, 1)
	assert.Equal(t, TypeStageTask, enq.tasks[0].Type())

	var got Task
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &got))
	assert.Equal(t, Task{ImageID: "img-1", Stage: domain.StageThumbnail}, got)
}

func TestAsynqDispatcherTreatsQueuedDuplicateAsSuccess(t *testing.T) {
	task := Task{ImageID: "a", Stage: domain.StageMetadata}
	for _, state := range []asynq.TaskState{asynq.TaskStatePending, asynq.TaskStateActive, asynq.TaskStateRetry} {
		t.Run(state.String(), func(t *testing.T) {
			enq := &fakeEnqueuer{errs: []error{asynq.ErrTaskIDConflict}}
			insp := &fakeInspector{state: state}
			d := NewAsynqDispatcher(enq, insp, "stages", 0)

			assert.NoError(t, d.Dispatch(context.Background(), task))
			assert.Equal(t, 1, enq.calls)
			assert.Empty(t, insp.deleted)
		})
	}

	d := NewAsynqDispatcher(&fakeEnqueuer{errs: []error{errors.New("redis down")}}, &fakeInspector{}, "stages", 0)
	assert.Error(t, d.Dispatch(context.Background(), task))
}

func TestAsynqDispatcherReplacesFinishedTask(t *testing.T) {
	task := Task{ImageID: "a", Stage: domain.StageEmbedding}
	for _, state := range []asynq.TaskState{asynq.TaskStateArchived, asynq.TaskStateCompleted} {
		t.Run(state.String(), func(t *testing.T) {
			enq := &fakeEnqueuer{errs: []error{asynq.ErrTaskIDConflict}}
			insp := &fakeInspector{state: state}
			d := NewAsynqDispatcher(enq, insp, "stages", 0)

			require.NoError(t, d.Dispatch(context.Background(), task))
			assert.Equal(t, []string{task.Key()}, insp.deleted)
			assert.Equal(t, 2, enq.calls)
			assert.Len(t, enq.tasks, 1)
		})
	}

	t.Run("vanished between calls", func(t *testing.T) {
		enq := &fakeEnqueuer{errs: []error{asynq.ErrTaskIDConflict}}
		d := NewAsynqDispatcher(enq, &fakeInspector{err: asynq.ErrTaskNotFound}, "stages", 0)
		require.NoError(t, d.Dispatch(context.Background(), task))
		assert.Len(t, enq.tasks, 1)
	})

	t.Run("inspection fails", func(t *testing.T) {
		enq := &fakeEnqueuer{errs: []error{asynq.ErrTaskIDConflict}}
		d := NewAsynqDispatcher(enq, &fakeInspector{err: errors.New("redis down")}, "stages", 0)
		assert.Error(t, d.Dispatch(context.Background(), task))
		assert.Empty(t, enq.tasks)
	})
}

func TestAsynqDispatcherRedispatchesArchivedTaskOnRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	opt := asynq.RedisClientOpt{Addr: mr.Addr()}
	client := asynq.NewClient(opt)
	inspector := asynq.NewInspector(opt)
	t.Cleanup(func() {
		_ = client.Close()
		_ = inspector.Close()
	})

	d := NewAsynqDispatcher(client, inspector, "stages", time.Minute)
	task := Task{ImageID: "img-1", Stage: domain.StageThumbnail}
	stateOf := func() asynq.TaskState {
		t.Helper()
		info, err := inspector.GetTaskInfo("stages", task.Key())
		require.NoError(t, err)
		return info.State
	}

	require.NoError(t, d.Dispatch(context.Background(), task))
	assert.Equal(t, asynq.TaskStatePending, stateOf())

	// still queued: the second dispatch is a no-op
	require.NoError(t, d.Dispatch(context.Background(), task))
	assert.Equal(t, asynq.TaskStatePending, stateOf())

	// a handler that exhausted its attempts leaves the task archived
	require.NoError(t, inspector.ArchiveTask("stages", task.Key()))
	assert.Equal(t, asynq.TaskStateArchived, stateOf())

	require.NoError(t, d.Dispatch(context.Background(), task))
	assert.Equal(t, asynq.TaskStatePending, stateOf())
}

func TestAsynqMuxRoutesToHandler(t *testing.T) {
	var got []Task
	mux := NewAsynqMux(HandlerFunc(func(_ context.Context, task Task) error {
		got = append(got, task)
		return nil
	}))

	payload, err := json.Marshal(Task{ImageID: "img-2", Stage: domain.StageEmbedding})
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), asynq.NewTask(TypeStageTask, payload)))
	assert.Equal(t, []Task{{ImageID: "img-2", Stage: domain.StageEmbedding}}, got)

	err = mux.ProcessTask(context.Background(), asynq.NewTask(TypeStageTask, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	bad, _ := json.Marshal(Task{ImageID: "img-3", Stage: "colour"})
	err = mux.ProcessTask(context.Background(), asynq.NewTask(TypeStageTask, bad))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
