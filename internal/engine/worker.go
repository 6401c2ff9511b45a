package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Draft-Lab/db/internal/wire"
)

// ErrTerminated is returned by Post after the worker has been terminated.
var ErrTerminated = errors.New("worker terminated")

// Worker runs an Engine on its own goroutine. Envelopes posted to it are
// processed strictly in order, one to completion before the next; every
// envelope produces exactly one response on the Responses channel.
type Worker struct {
	requests  chan wire.Envelope
	responses chan wire.Response
	done      chan struct{}
	stop      sync.Once
	cancel    context.CancelFunc
	logger    *zap.Logger
}

// StartWorker spawns the engine goroutine.
func StartWorker(logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		requests:  make(chan wire.Envelope, 128),
		responses: make(chan wire.Response, 128),
		done:      make(chan struct{}),
		cancel:    cancel,
		logger:    logger,
	}
	go w.run(ctx)
	return w
}

func (w *Worker) run(ctx context.Context) {
	eng := New(w.logger)
	defer close(w.responses)
	defer eng.Destroy()

	for {
		select {
		case <-w.done:
			return
		case env := <-w.requests:
			resp := w.handle(ctx, eng, env)
			select {
			case w.responses <- resp:
			case <-w.done:
				return
			}
		}
	}
}

// handle services env, converting panics into error responses so a bad
// statement can never kill the loop silently.
func (w *Worker) handle(ctx context.Context, eng *Engine, env wire.Envelope) (resp wire.Response) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("engine panic", zap.String("id", env.ID), zap.Any("panic", r))
			resp = wire.Fail(env.ID, fmt.Errorf("engine panic: %v", r))
		}
	}()
	return eng.Handle(ctx, env)
}

// Post queues env for execution. It never blocks past termination.
func (w *Worker) Post(env wire.Envelope) error {
	select {
	case <-w.done:
		return ErrTerminated
	default:
	}
	select {
	case <-w.done:
		return ErrTerminated
	case w.requests <- env:
		return nil
	}
}

// Responses is the stream of envelope responses. It is closed on terminate.
func (w *Worker) Responses() <-chan wire.Response {
	return w.responses
}

// Terminate stops the loop and closes the engine. Idempotent.
func (w *Worker) Terminate() {
	w.stop.Do(func() {
		w.cancel()
		close(w.done)
	})
}
