package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/logger"
)

// ErrPoolClosed is returned by Dispatch after Shutdown has begun.
var ErrPoolClosed = errors.New("worker pool is shut down")

// Task asks for one stage to be run for one image.
type Task struct {
	ImageID string           `json:"image_id"`
	Stage   domain.StageKind `json:"stage"`
}

// Key identifies the (image, stage) pair. Tasks with equal keys are interchangeable.
func (t Task) Key() string {
	return t.ImageID + ":" + string(t.Stage)
}

// Dispatcher accepts stage tasks for asynchronous execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}

// TaskHandler executes one task.
type TaskHandler interface {
	Handle(ctx context.Context, task Task) error
}

// HandlerFunc adapts a function to TaskHandler.
type HandlerFunc func(ctx context.Context, task Task) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// DispatchAll sends one task per stage for imageID.
func DispatchAll(ctx context.Context, d Dispatcher, imageID string, stages []domain.StageKind) error {
	var errs []error
	for _, stage := range stages {
		if err := d.Dispatch(ctx, Task{ImageID: imageID, Stage: stage}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WorkerPool is an in-process Dispatcher: a bounded queue drained by a fixed set of goroutines.
type WorkerPool struct {
	handler TaskHandler
	workers int
	tasks   chan Task

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	stop   sync.Once

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewWorkerPool creates a pool. Call Start before dispatching.
func NewWorkerPool(handler TaskHandler, workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		handler: handler,
		workers: workers,
		tasks:   make(chan Task, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
	}
}

// Start launches the worker goroutines. Calling it twice is a no-op.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		ctx := logger.WithFields(p.ctx, logger.Fields{
			logger.FieldComponent: "worker_pool",
			"worker":              id,
		})
		ctx = logger.SetImageID(ctx, task.ImageID)
		ctx = logger.SetStage(ctx, string(task.Stage))
		if err := p.handler.Handle(ctx, task); err != nil {
			logger.FromContext(ctx).WithError(err).Warn("Stage task failed")
		}
	}
}

// Dispatch enqueues task, blocking while the queue is full.
func (p *WorkerPool) Dispatch(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	case <-p.quit:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued tasks not yet picked up.
func (p *WorkerPool) Pending() int {
	return len(p.tasks)
}

// Shutdown stops accepting tasks and waits for queued ones to finish.
// If ctx ends first, in-flight handlers are cancelled and ctx.Err() is returned once they exit.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.stop.Do(func() { close(p.quit) })
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
