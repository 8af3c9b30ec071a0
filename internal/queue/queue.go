package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of background work: a handler name plus a JSON payload.
type Task struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// Handler executes a task. Returning an error triggers a retry until the
// budget is spent.
type Handler func(ctx context.Context, payload json.RawMessage) error

// ErrQueueFull is returned by Enqueue when the buffer has no room.
var ErrQueueFull = errors.New("task queue full")

// ErrUnknownTask is returned for a name with no registered handler.
var ErrUnknownTask = errors.New("unknown task")

// Options tunes the dispatcher.
type Options struct {
	Workers int
	Depth   int
	// Retries is the retry budget per task beyond the first attempt.
	Retries int
	// Timeout bounds one task across all its attempts.
	Timeout time.Duration
	// Backoff between attempts; grows linearly with the attempt number.
	Backoff time.Duration
}

// FailureHook runs after a task spends its whole retry budget or times out,
// with the error from the final attempt.
type FailureHook func(ctx context.Context, payload json.RawMessage, err error)

// Dispatcher executes named tasks on a channel-fed worker pool with a
// bounded retry budget and an overall per-task timeout.
type Dispatcher struct {
	opts     Options
	handlers map[string]Handler
	failures map[string]FailureHook
	tasks    chan Task
	logger   *slog.Logger
}

// NewDispatcher builds an idle dispatcher; call Run to start the workers.
func NewDispatcher(opts Options, logger *slog.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Depth <= 0 {
		opts.Depth = 16
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	return &Dispatcher{
		opts:     opts,
		handlers: make(map[string]Handler),
		failures: make(map[string]FailureHook),
		tasks:    make(chan Task, opts.Depth),
		logger:   logger,
	}
}

// Register binds a handler to a task name. Must happen before Run.
func (d *Dispatcher) Register(name string, handler Handler) {
	d.handlers[name] = handler
}

// OnFailure binds a hook invoked when a task for name gives up for good.
func (d *Dispatcher) OnFailure(name string, hook FailureHook) {
	d.failures[name] = hook
}

// Enqueue queues a task for execution. payload is marshalled to JSON.
// Non-blocking: a full queue is reported to the caller instead of stalling
// an upload response.
func (d *Dispatcher) Enqueue(name string, payload any) error {
	if _, ok := d.handlers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}
	select {
	case d.tasks <- Task{Name: name, Payload: data}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the worker pool and blocks until ctx is cancelled. Queued
// tasks already picked up finish their current attempt.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case task := <-d.tasks:
					d.execute(ctx, task)
				}
			}
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// execute runs one task through its retry budget under the overall timeout.
func (d *Dispatcher) execute(parent context.Context, task Task) {
	handler := d.handlers[task.Name]

	ctx := parent
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, d.opts.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt <= d.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = fmt.Errorf("task timed out after %d attempts: %w", attempt, ctx.Err())
				d.giveUp(parent, task, lastErr)
				return
			case <-time.After(time.Duration(attempt) * d.opts.Backoff):
			}
		}

		lastErr = handler(ctx, task.Payload)
		if lastErr == nil {
			return
		}
		d.logger.Warn("task attempt failed",
			"task", task.Name,
			"attempt", attempt+1,
			"error", lastErr,
		)
	}

	d.giveUp(parent, task, fmt.Errorf("retry budget exhausted after %d attempts: %w", d.opts.Retries+1, lastErr))
}

func (d *Dispatcher) giveUp(ctx context.Context, task Task, err error) {
	d.logger.Error("task failed permanently", "task", task.Name, "error", err)
	if hook, ok := d.failures[task.Name]; ok {
		hook(ctx, task.Payload, err)
	}
}
