package base

import (
	"context"
	"errors"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"sync"
	"time"
)

// minSplitBudget is the smallest budget that is still split between the two wait stages
const minSplitBudget = 2 * time.Millisecond

// --------------------------------------------------------------------------
// Raw Future (response as it arrived)
// --------------------------------------------------------------------------

// responseFuture is the future of a raw response. The future of a plain request and
// the body future of a query wait for the main response, the head future of a query
// waits for the head.
type responseFuture struct {
	ref  *responseRef
	head bool
}

func newResponseFuture(cr *ChannelResponse, head bool) *responseFuture {
	return &responseFuture{ref: &responseRef{cr: cr}, head: head}
}

func (f *responseFuture) channel() <-chan struct{} {
	if f.head {
		return f.ref.cr.headCh
	}
	return f.ref.cr.mainCh
}

func (f *responseFuture) Get(ctx context.Context) (transport.Response, error) {
	if f.ref.closed.Load() {
		return nil, errResponseClosed
	}
	if err := f.ref.cr.wait(ctx, f.channel()); err != nil {
		return nil, err
	}
	if err := f.ref.cr.failure(f.head); err != nil {
		return nil, err
	}
	return f.ref, nil
}

func (f *responseFuture) IsDone() bool {
	select {
	case <-f.channel():
		return true
	default:
		return false
	}
}

func (f *responseFuture) Close() error {
	return f.ref.Close()
}

// --------------------------------------------------------------------------
// Foreground Future
// --------------------------------------------------------------------------

// ForegroundFuture maps a raw response with a ResponseProcessor in the goroutine that
// calls Get. The mapped value (or the mapping error) is cached, timeouts are not.
//
// If the processor needs the main response, Get spends at most half of the ctx budget
// waiting for the raw response and the rest waiting for the main response. A response
// that arrived but whose main part timed out is kept, the next Get resumes with it.
type ForegroundFuture[T any] struct {
	delegate  transport.FutureResponse[transport.Response]
	processor transport.ResponseProcessor[T]

	sem chan struct{} // serializes Get, a waiting Get still honors its ctx

	mu          sync.Mutex
	unprocessed transport.Response
	done        bool
	value       T
	err         error
}

// NewForegroundFuture creates a new ForegroundFuture
func NewForegroundFuture[T any](delegate transport.FutureResponse[transport.Response], processor transport.ResponseProcessor[T]) *ForegroundFuture[T] {
	return &ForegroundFuture[T]{
		delegate:  delegate,
		processor: processor,
		sem:       make(chan struct{}, 1),
	}
}

func (f *ForegroundFuture[T]) Get(ctx context.Context) (T, error) {
	var zero T

	select {
	case f.sem <- struct{}{}:
	case <-ctx.Done():
		return zero, common.ContextError(ctx, "waiting for response")
	}
	defer func() { <-f.sem }()

	if value, ok, err := f.cached(); ok {
		return value, err
	}

	resp, err := f.getInternal(ctx)
	if err != nil {
		return zero, err
	}
	return f.process(ctx, resp)
}

func (f *ForegroundFuture[T]) IsDone() bool {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()
	return done || f.delegate.IsDone()
}

func (f *ForegroundFuture[T]) Close() error {
	f.mu.Lock()
	unprocessed := f.unprocessed
	f.unprocessed = nil
	f.mu.Unlock()

	var errs []error
	if unprocessed != nil {
		errs = append(errs, unprocessed.Close())
	}
	errs = append(errs, f.delegate.Close())
	return errors.Join(errs...)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (f *ForegroundFuture[T]) cached() (T, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.done, f.err
}

// getInternal returns a response that is ready to be processed
func (f *ForegroundFuture[T]) getInternal(ctx context.Context) (transport.Response, error) {
	required := f.processor.IsMainResponseRequired()

	f.mu.Lock()
	resp := f.unprocessed
	f.unprocessed = nil
	f.mu.Unlock()

	if resp == nil {
		if !required {
			return f.delegate.Get(ctx)
		}

		// first stage: the raw response, bounded by half of the budget
		stageCtx, cancel := halfBudget(ctx)
		var err error
		resp, err = f.delegate.Get(stageCtx)
		cancel()
		if err != nil {
			if cerr := common.ContextError(ctx, "waiting for response"); cerr != nil {
				return nil, cerr
			}
			return nil, err
		}
	}
	if !required {
		return resp, nil
	}

	// second stage: the main response, bounded by the rest
	if err := resp.WaitForMainResponse(ctx); err != nil {
		if isWaitError(err) {
			f.keep(resp)
		}
		return nil, err
	}
	return resp, nil
}

func (f *ForegroundFuture[T]) process(ctx context.Context, resp transport.Response) (T, error) {
	value, err := f.processor.Process(ctx, resp)
	if err != nil {
		if isWaitError(err) {
			f.keep(resp)
			var zero T
			return zero, err
		}
		if cerr := resp.Close(); cerr != nil {
			Logger.Warningf("Closing response after failed processing: %v", cerr)
		}
	}

	f.mu.Lock()
	f.value, f.err, f.done = value, err, true
	f.mu.Unlock()
	return value, err
}

// keep retains a response whose processing could not complete, the next Get resumes with it
func (f *ForegroundFuture[T]) keep(resp transport.Response) {
	f.mu.Lock()
	f.unprocessed = resp
	f.mu.Unlock()
}

// isWaitError reports whether err only ended a local wait
func isWaitError(err error) bool {
	return errors.Is(err, common.ErrTimeout) || errors.Is(err, common.ErrInterrupted)
}

// halfBudget derives a context that expires after half of the remaining budget of ctx.
// Without a deadline ctx is returned unchanged.
func halfBudget(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return ctx, func() {}
	}
	budget := time.Until(deadline)
	if budget < minSplitBudget {
		budget = minSplitBudget
	}
	return context.WithTimeout(ctx, budget/2)
}

// --------------------------------------------------------------------------
// Background Future
// --------------------------------------------------------------------------

// Executor runs a task in the background (e.g. an errgroup.Group)
type Executor interface {
	Go(task func() error)
}

// BackgroundFuture maps the response on an Executor as soon as it arrives.
// Get only waits for that task.
type BackgroundFuture[T any] struct {
	fg   *ForegroundFuture[T]
	done chan struct{}
}

// NewBackgroundFuture creates a BackgroundFuture and submits its processing to exec.
// Submitting may block while the executor is saturated.
func NewBackgroundFuture[T any](delegate transport.FutureResponse[transport.Response], processor transport.ResponseProcessor[T], exec Executor) *BackgroundFuture[T] {
	f := &BackgroundFuture[T]{
		fg:   NewForegroundFuture(delegate, processor),
		done: make(chan struct{}),
	}
	exec.Go(func() error {
		defer close(f.done)
		if _, err := f.fg.Get(context.Background()); err != nil {
			Logger.Debugf("Background processing failed: %v", err)
		}
		// the error belongs to the caller of Get, not to the executor
		return nil
	})
	return f
}

func (f *BackgroundFuture[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.fg.Get(ctx)
	case <-ctx.Done():
		var zero T
		return zero, common.ContextError(ctx, "waiting for background processing")
	}
}

func (f *BackgroundFuture[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *BackgroundFuture[T]) Close() error {
	return f.fg.Close()
}
