package crawler

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errProducer = errors.New("producer failed")

func TestFromSeqIsLazy(t *testing.T) {
	t.Parallel()

	var produced int
	s := FromSeq(func(yield func(Output, error) bool) {
		for i := 1; i <= 3; i++ {
			produced++
			if !yield(ItemOutput(Item{"n": i}), nil) {
				return
			}
		}
	})
	require.True(t, s.Incremental())
	require.Equal(t, 0, produced)

	ctx := context.Background()
	out, err := s.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, out.Item["n"])
	require.Equal(t, 1, produced)

	require.NoError(t, s.Close())
	_, err = s.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 1, produced)
}

func TestFromSeqExposesValuesBeforeFault(t *testing.T) {
	t.Parallel()

	s := FromSeq(func(yield func(Output, error) bool) {
		if !yield(ItemOutput(Item{"n": 1}), nil) {
			return
		}
		if !yield(ItemOutput(Item{"n": 2}), nil) {
			return
		}
		yield(Output{}, errProducer)
	})

	ctx := context.Background()
	for want := 1; want <= 2; want++ {
		out, err := s.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, want, out.Item["n"])
	}
	_, err := s.Next(ctx)
	require.ErrorIs(t, err, errProducer)
	_, err = s.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestGoStreamWaitsForDemand(t *testing.T) {
	t.Parallel()

	produced := make(chan int, 10)
	s := Go(func(ctx context.Context, yield func(Output) error) error {
		for i := 1; i <= 3; i++ {
			produced <- i
			if err := yield(ItemOutput(Item{"n": i})); err != nil {
				return err
			}
		}
		return nil
	})
	require.True(t, s.Incremental())

	ctx := context.Background()
	out, err := s.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, out.Item["n"])

	// The producer must not start the second value until it is asked for.
	time.Sleep(20 * time.Millisecond)
	require.Len(t, produced, 1)

	outs, err := Collect(ctx, s)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	require.Len(t, produced, 3)
}

func TestGoStreamFaultAfterValues(t *testing.T) {
	t.Parallel()

	s := Go(func(ctx context.Context, yield func(Output) error) error {
		if err := yield(ItemOutput(Item{"n": 1})); err != nil {
			return err
		}
		return errProducer
	})

	ctx := context.Background()
	_, err := s.Next(ctx)
	require.NoError(t, err)
	_, err = s.Next(ctx)
	require.ErrorIs(t, err, errProducer)
	_, err = s.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestGoStreamPanicBecomesFault(t *testing.T) {
	t.Parallel()

	s := Go(func(context.Context, func(Output) error) error {
		panic("boom")
	})
	_, err := s.Next(context.Background())
	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "boom", perr.Value)
	require.NotEmpty(t, perr.Stack)
}

func TestGoStreamCloseStopsProducer(t *testing.T) {
	t.Parallel()

	stopped := make(chan error, 1)
	s := Go(func(ctx context.Context, yield func(Output) error) error {
		for i := 0; ; i++ {
			if err := yield(ItemOutput(Item{"n": i})); err != nil {
				stopped <- err
				return err
			}
		}
	})
	_, err := s.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	select {
	case err := <-stopped:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("producer did not stop after Close")
	}
}

func TestGoStreamCloseWaitsForProducer(t *testing.T) {
	t.Parallel()

	var exited atomic.Bool
	s := Go(func(ctx context.Context, yield func(Output) error) error {
		if err := yield(ItemOutput(Item{"n": 1})); err != nil {
			return err
		}
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		exited.Store(true)
		return ctx.Err()
	})
	_, err := s.Next(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, exited.Load())
	require.NoError(t, s.Close())
}

func TestAwaitCancelWaitsForProducer(t *testing.T) {
	t.Parallel()

	var exited atomic.Bool
	s := Await(func(ctx context.Context) ([]Output, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		exited.Store(true)
		return nil, ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, exited.Load())
}

func TestFromBatchHidesPartialWork(t *testing.T) {
	t.Parallel()

	var built int
	s := FromBatch(func() ([]Output, error) {
		built++
		return []Output{ItemOutput(Item{"n": 1})}, errProducer
	})
	require.False(t, s.Incremental())
	require.Equal(t, 0, built)

	_, err := s.Next(context.Background())
	require.ErrorIs(t, err, errProducer)
	require.Equal(t, 1, built)
	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestFromBatchPanicBecomesFault(t *testing.T) {
	t.Parallel()

	s := FromBatch(func() ([]Output, error) {
		panic("bad batch")
	})
	_, err := s.Next(context.Background())
	var perr *PanicError
	require.ErrorAs(t, err, &perr)
}

func TestAwaitDeliversBatch(t *testing.T) {
	t.Parallel()

	s := Await(func(ctx context.Context) ([]Output, error) {
		return []Output{ItemOutput(Item{"n": 1}), ItemOutput(Item{"n": 2})}, nil
	})
	require.False(t, s.Incremental())
	outs, err := Collect(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, outs, 2)
}

func TestAwaitHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	defer close(release)
	s := Await(func(ctx context.Context) ([]Output, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return []Output{ItemOutput(Item{"n": 1})}, nil
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := s.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestCollectIsAllOrNothing(t *testing.T) {
	t.Parallel()

	s := FromSeq(func(yield func(Output, error) bool) {
		if !yield(ItemOutput(Item{"n": 1}), nil) {
			return
		}
		yield(Output{}, errProducer)
	})
	outs, err := Collect(context.Background(), s)
	require.ErrorIs(t, err, errProducer)
	require.Nil(t, outs)
}

func TestAllClosesOnEarlyExit(t *testing.T) {
	t.Parallel()

	var stopped bool
	s := FromSeq(func(yield func(Output, error) bool) {
		defer func() { stopped = true }()
		for i := 0; ; i++ {
			if !yield(ItemOutput(Item{"n": i}), nil) {
				return
			}
		}
	})
	for out := range All(context.Background(), s) {
		if out.Item["n"] == 2 {
			break
		}
	}
	require.True(t, stopped)
}

func TestTransformFiltersAndMaps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	in := Items(Item{"n": 1}, Item{"n": 2}, Item{"n": 3})
	s := Transform(ctx, in, func(out Output) (Output, bool, error) {
		n := out.Item["n"].(int)
		return ItemOutput(Item{"n": n * 10}), n != 2, nil
	})
	outs, err := Collect(ctx, s)
	require.NoError(t, err)
	require.Equal(t, []Output{ItemOutput(Item{"n": 10}), ItemOutput(Item{"n": 30})}, outs)
}

func TestStreamCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := Items(Item{"n": 1})
	_, err := s.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
