package dispatcher

import (
	"context"

	"github.com/aidispatch/dispatcher/internal/inference"
)

// dispatcherStream adapts a runner's ResultStream into the Dispatcher's
// cancellation-aware sequence, per SPEC_FULL.md §4.7.2: every emission is a
// suspension point checked before producing the next item, and the cleanup
// epilogue (cancel registry unregister, active-count decrement, status
// publish) always runs once the sequence ends.
type dispatcherStream struct {
	ctx      context.Context
	upstream inference.ResultStream
	cleanup  func()
	done     bool
}

func (s *dispatcherStream) Next(ctx context.Context) (inference.Result, bool, error) {
	if s.done {
		return inference.Result{}, false, nil
	}

	if ctx.Err() != nil {
		s.finish()
		return inference.Result{}, false, nil
	}

	result, ok, err := s.upstream.Next(ctx)
	if err != nil {
		s.finish()
		return inference.ErrorResult(inference.CodeRuntimeError, err.Error(), err, true), true, nil
	}
	if !ok || !result.Partial {
		s.finish()
		return result, ok, nil
	}
	return result, true, nil
}

func (s *dispatcherStream) Close() {
	s.finish()
}

func (s *dispatcherStream) finish() {
	if s.done {
		return
	}
	s.done = true
	s.upstream.Close()
	s.cleanup()
}

// singleResultStream yields exactly one result (used for selection/model
// errors and STREAMING_NOT_SUPPORTED, where the prelude fails before a real
// stream exists).
type singleResultStream struct {
	result  inference.Result
	emitted bool
}

func newSingleResultStream(result inference.Result) *singleResultStream {
	return &singleResultStream{result: result}
}

func (s *singleResultStream) Next(context.Context) (inference.Result, bool, error) {
	if s.emitted {
		return inference.Result{}, false, nil
	}
	s.emitted = true
	return s.result, true, nil
}

func (s *singleResultStream) Close() {}
