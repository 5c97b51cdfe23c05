package crawler

import (
	"context"
	"fmt"
	"io"
	"iter"
	"runtime/debug"
	"sync"
)

// Stream delivers Outputs one at a time. Next returns io.EOF once the producer
// is exhausted; any other error is a fault raised by the producer. A Stream has
// a single consumer, moves forward only and cannot be restarted. Close releases
// the producer and is safe to call repeatedly; for an asynchronous producer it
// returns only once the producer goroutine has exited.
//
// Incremental streams expose each value as soon as it is produced, so values
// pulled before a fault stay observable. Batch streams expose nothing until the
// producer has completed; a fault while building the batch hides every value.
type Stream interface {
	Next(ctx context.Context) (Output, error)
	Incremental() bool
	Close() error
}

// PanicError wraps a panic raised by a producer, callback or middleware hook.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Value)
}

// NewPanicError captures the current stack for a recovered panic value.
func NewPanicError(value any) *PanicError {
	return &PanicError{Value: value, Stack: string(debug.Stack())}
}

func canceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("stream canceled: %w", err)
	}
	return nil
}

// FromSeq adapts a synchronous generator. Each Next resumes the generator only
// until its next yield. A yielded non-nil error is a fault and ends the stream.
func FromSeq(seq iter.Seq2[Output, error]) Stream {
	return &seqStream{seq: seq}
}

type seqStream struct {
	seq iter.Seq2[Output, error]

	// mu serializes the pull function: Close never runs while a Next on
	// another goroutine is still inside the generator.
	mu   sync.Mutex
	next func() (Output, error, bool)
	stop func()
	done bool
}

func (s *seqStream) Next(ctx context.Context) (Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return Output{}, io.EOF
	}
	if err := canceled(ctx); err != nil {
		s.closeLocked()
		return Output{}, err
	}
	if s.next == nil {
		s.next, s.stop = iter.Pull2(s.seq)
	}
	out, err, ok := s.next()
	if !ok {
		s.closeLocked()
		return Output{}, io.EOF
	}
	if err != nil {
		s.closeLocked()
		return Output{}, err
	}
	return out, nil
}

func (s *seqStream) Incremental() bool { return true }

func (s *seqStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *seqStream) closeLocked() {
	s.done = true
	if s.stop != nil {
		s.stop()
	}
}

// Go adapts an asynchronous producer running on its own goroutine. The producer
// waits for demand before producing each value, so it never runs ahead of the
// consumer. yield returns an error once the stream is closed or its context
// ends; the producer should return promptly when that happens.
func Go(produce func(ctx context.Context, yield func(Output) error) error) Stream {
	return &goStream{produce: produce}
}

type goStream struct {
	produce func(ctx context.Context, yield func(Output) error) error
	values  chan Output
	demand  chan struct{}
	cancel  context.CancelFunc
	err     error
	started bool
	done    bool
}

func (s *goStream) start(ctx context.Context) {
	pctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.values = make(chan Output)
	s.demand = make(chan struct{}, 1)
	s.started = true
	go func() {
		defer close(s.values)
		select {
		case <-s.demand:
		case <-pctx.Done():
			s.err = pctx.Err()
			return
		}
		s.err = s.run(pctx)
	}()
}

func (s *goStream) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewPanicError(r)
		}
	}()
	return s.produce(ctx, func(out Output) error {
		select {
		case s.values <- out:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case <-s.demand:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func (s *goStream) Next(ctx context.Context) (Output, error) {
	if s.done {
		return Output{}, io.EOF
	}
	if err := canceled(ctx); err != nil {
		_ = s.Close()
		return Output{}, err
	}
	if !s.started {
		s.start(ctx)
	}
	s.demand <- struct{}{}
	select {
	case out, ok := <-s.values:
		if ok {
			return out, nil
		}
		s.done = true
		s.cancel()
		if s.err != nil {
			return Output{}, s.err
		}
		return Output{}, io.EOF
	case <-ctx.Done():
		_ = s.Close()
		return Output{}, canceled(ctx)
	}
}

func (s *goStream) Incremental() bool { return true }

// Close cancels the producer and waits for its goroutine to exit, so whatever
// it was pulling from can be closed safely afterwards.
func (s *goStream) Close() error {
	s.done = true
	if !s.started {
		return nil
	}
	s.cancel()
	for range s.values {
	}
	return nil
}

// FromBatch adapts a synchronous producer that returns its whole result at
// once. The producer runs on the first Next; if it fails, none of its values
// are exposed.
func FromBatch(produce func() ([]Output, error)) Stream {
	return &batchStream{produce: func(context.Context) ([]Output, error) { return produce() }}
}

// Await adapts an asynchronous batch producer. It runs on its own goroutine on
// the first Next; the wait honors ctx and a cancelled or failed producer
// exposes nothing. A cancelled wait returns once the producer has returned.
func Await(produce func(ctx context.Context) ([]Output, error)) Stream {
	return &batchStream{produce: produce, async: true}
}

// Slice is an already completed batch.
func Slice(outs ...Output) Stream {
	return &batchStream{items: outs, loaded: true}
}

// Items is a completed batch of items.
func Items(items ...Item) Stream {
	outs := make([]Output, 0, len(items))
	for _, it := range items {
		outs = append(outs, ItemOutput(it))
	}
	return Slice(outs...)
}

// Empty is a completed batch with no values.
func Empty() Stream {
	return Slice()
}

type batchStream struct {
	produce func(ctx context.Context) ([]Output, error)
	async   bool
	cancel  context.CancelFunc
	items   []Output
	loaded  bool
	done    bool
}

type batchResult struct {
	items []Output
	err   error
}

func (s *batchStream) load(ctx context.Context) (items []Output, err error) {
	if !s.async {
		defer func() {
			if r := recover(); r != nil {
				items, err = nil, NewPanicError(r)
			}
		}()
		return s.produce(ctx)
	}
	pctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	result := make(chan batchResult, 1)
	go func() {
		var res batchResult
		defer func() {
			if r := recover(); r != nil {
				res = batchResult{err: NewPanicError(r)}
			}
			result <- res
		}()
		res.items, res.err = s.produce(pctx)
	}()
	select {
	case res := <-result:
		cancel()
		return res.items, res.err
	case <-ctx.Done():
		cancel()
		<-result
		return nil, canceled(ctx)
	}
}

func (s *batchStream) Next(ctx context.Context) (Output, error) {
	if s.done {
		return Output{}, io.EOF
	}
	if err := canceled(ctx); err != nil {
		_ = s.Close()
		return Output{}, err
	}
	if !s.loaded {
		s.loaded = true
		items, err := s.load(ctx)
		if err != nil {
			s.done = true
			return Output{}, err
		}
		s.items = items
	}
	if len(s.items) == 0 {
		s.done = true
		return Output{}, io.EOF
	}
	out := s.items[0]
	s.items = s.items[1:]
	return out, nil
}

func (s *batchStream) Incremental() bool { return false }

func (s *batchStream) Close() error {
	s.done = true
	s.items = nil
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// All ranges over a stream. A fault is yielded once as the final pair. The
// stream is closed when the loop ends, early or not.
func All(ctx context.Context, s Stream) iter.Seq2[Output, error] {
	return func(yield func(Output, error) bool) {
		defer s.Close()
		for {
			out, err := s.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(Output{}, err)
				return
			}
			if !yield(out, nil) {
				return
			}
		}
	}
}

// Collect drains a stream. It returns either every value or the fault, never
// a partial result.
func Collect(ctx context.Context, s Stream) ([]Output, error) {
	var outs []Output
	for out, err := range All(ctx, s) {
		if err != nil {
			return nil, err
		}
		outs = append(outs, out)
	}
	return outs, nil
}

// Transform returns an incremental stream applying fn to each value of in.
// fn drops a value by returning keep=false; an error from fn is a fault.
func Transform(ctx context.Context, in Stream, fn func(Output) (out Output, keep bool, err error)) Stream {
	return FromSeq(func(yield func(Output, error) bool) {
		for out, err := range All(ctx, in) {
			if err != nil {
				yield(Output{}, err)
				return
			}
			next, keep, ferr := fn(out)
			if ferr != nil {
				yield(Output{}, ferr)
				return
			}
			if keep && !yield(next, nil) {
				return
			}
		}
	})
}
