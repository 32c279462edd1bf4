package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts a goroutine with a name, optional parent context
// Example usage:
//
//	groutine.Go(ctx, "scan-window", func(ctx context.Context) {
//	    // work
//	})
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Task is a named goroutine that can be cancelled and awaited
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start runs fn as a named goroutine with a context cancelled by Cancel or Stop
func Start(parentCtx context.Context, name string, fn func(ctx context.Context)) *Task {
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	t := &Task{name: name, cancel: cancel, done: make(chan struct{})}

	Go(ctx, name, func(ctx context.Context) {
		defer close(t.done)
		fn(ctx)
	})
	return t
}

// Name returns the goroutine name the task was started with
func (t *Task) Name() string {
	return t.name
}

// Cancel requests the task to stop without waiting. Safe to call from inside the task.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(t.cancel)
}

// Stop cancels the task and waits for it to exit. Must not be called from inside the task.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.Cancel()
	<-t.done
}

// Done is closed once the task function has returned
func (t *Task) Done() <-chan struct{} {
	return t.done
}
