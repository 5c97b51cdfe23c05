package spidermw

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
)

var errHook = errors.New("hook error")

func TestExceptionHookFaultContinuesSearch(t *testing.T) {
	t.Parallel()

	log := &trace{}
	parse := func(context.Context, *crawler.Response) (crawler.Stream, error) {
		return nil, errImport
	}
	h := newHarness(t, []Registration{
		{Name: "engine", Priority: 1, Middleware: &logExceptionMW{name: "engine", log: log}},
		{Name: "broken", Priority: 2, Middleware: &failingExceptionMW{err: errHook}},
	}, parse)

	require.NoError(t, h.ex.ProcessResponse(context.Background(), newResponse(nil)))

	require.True(t, log.contains("engine.exception caught hook error"))
	faults := h.faults.all()
	require.Len(t, faults, 1)
	require.Equal(t, StageException, faults[0].Stage)
	require.Equal(t, "broken", faults[0].Middleware)
	require.ErrorIs(t, faults[0], errHook)
}

func TestOutputHookCallFaultSearchesEngineWard(t *testing.T) {
	t.Parallel()

	log := &trace{}
	h := newHarness(t, []Registration{
		{Name: "recover", Priority: 1, Middleware: &stepMW{name: "recover", log: log, recovery: func() []crawler.Output {
			return []crawler.Output{crawler.ItemOutput(steps("recovered"))}
		}}},
		{Name: "refuse", Priority: 2, Middleware: &refuseOutputMW{err: errHook}},
		{Name: "callback_side", Priority: 3, Middleware: &logExceptionMW{name: "callback_side", log: log}},
	}, itemsCallback(steps("lost")))

	require.NoError(t, h.ex.ProcessResponse(context.Background(), newResponse(nil)))

	require.False(t, log.contains("callback_side.exception"))
	require.True(t, log.contains("recover.exception caught hook error"))
	require.Empty(t, cmp.Diff([][]string{{"recovered"}}, h.sink.processed()))
}

func TestPanicsBecomeFaults(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		regs     []Registration
		callback crawler.Callback
		stage    Stage
	}{
		"input hook": {
			regs:     []Registration{{Name: "p", Priority: 1, Middleware: &panicMW{input: true}}},
			callback: itemsCallback(crawler.Item{"n": 1}),
			stage:    StageInput,
		},
		"output hook call": {
			regs:     []Registration{{Name: "p", Priority: 1, Middleware: &panicMW{outputCall: true}}},
			callback: itemsCallback(crawler.Item{"n": 1}),
			stage:    StageOutput,
		},
		"output hook stream": {
			regs:     []Registration{{Name: "p", Priority: 1, Middleware: &panicMW{outputPull: true}}},
			callback: itemsCallback(crawler.Item{"n": 1}),
			stage:    StageOutput,
		},
		"callback": {
			callback: func(context.Context, *crawler.Response) (crawler.Stream, error) {
				panic("callback exploded")
			},
			stage: StageCallback,
		},
		"callback stream": {
			callback: func(context.Context, *crawler.Response) (crawler.Stream, error) {
				return crawler.FromSeq(func(func(crawler.Output, error) bool) {
					panic("generator exploded")
				}), nil
			},
			stage: StageCallback,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, tc.regs, tc.callback)

			require.NoError(t, h.ex.ProcessResponse(context.Background(), newResponse(nil)))

			faults := h.faults.all()
			require.Len(t, faults, 1)
			require.Equal(t, tc.stage, faults[0].Stage)
			var perr *PanicError
			require.ErrorAs(t, faults[0], &perr)
		})
	}
}

func TestCallbackStreamFaultRoutedToErrback(t *testing.T) {
	t.Parallel()

	for name, shape := range incrementalShapes {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			log := &trace{}
			h := newHarness(t, []Registration{
				{Name: "log_exception", Priority: 5, Middleware: &logExceptionMW{name: "log_exception", log: log}},
				{Name: "pass", Priority: 6, Middleware: &passMW{name: "pass"}},
			}, nil)

			req := crawler.NewRequest("http://example.com/")
			req.Callback = func(context.Context, *crawler.Response) (crawler.Stream, error) {
				return shape([]crawler.Item{steps("first")}, errImport), nil
			}
			req.Errback = func(_ context.Context, _ *crawler.Response, fault error) (crawler.Stream, error) {
				var f *Fault
				require.ErrorAs(t, fault, &f)
				require.Equal(t, StageCallback, f.Stage)
				return crawler.Items(steps("errback")), nil
			}
			require.NoError(t, h.ex.ProcessResponse(context.Background(), newResponse(req)))

			want := [][]string{{"first", "pass.output"}, {"errback", "pass.output"}}
			require.Empty(t, cmp.Diff(want, h.sink.processed()))
			require.False(t, log.contains("log_exception"))
			require.Empty(t, h.faults.all())
		})
	}
}

func TestErrbackFaultSearchedFromCallbackSide(t *testing.T) {
	t.Parallel()

	log := &trace{}
	h := newHarness(t, []Registration{
		{Name: "log_exception", Priority: 5, Middleware: &logExceptionMW{name: "log_exception", log: log}},
	}, nil)

	req := crawler.NewRequest("http://example.com/")
	req.Callback = func(context.Context, *crawler.Response) (crawler.Stream, error) {
		return nil, errImport
	}
	req.Errback = func(context.Context, *crawler.Response, error) (crawler.Stream, error) {
		return nil, errHook
	}
	require.NoError(t, h.ex.ProcessResponse(context.Background(), newResponse(req)))

	require.True(t, log.contains("log_exception.exception caught hook error"))
	faults := h.faults.all()
	require.Len(t, faults, 1)
	require.Equal(t, StageErrback, faults[0].Stage)
}

func TestErrbackStreamFaultSearchedFromCallbackSide(t *testing.T) {
	t.Parallel()

	log := &trace{}
	h := newHarness(t, []Registration{
		{Name: "log_exception", Priority: 5, Middleware: &logExceptionMW{name: "log_exception", log: log}},
	}, nil)

	req := crawler.NewRequest("http://example.com/")
	req.Callback = func(context.Context, *crawler.Response) (crawler.Stream, error) {
		return nil, errImport
	}
	req.Errback = func(context.Context, *crawler.Response, error) (crawler.Stream, error) {
		return seqOf([]crawler.Item{{"from": "errback"}}, errHook), nil
	}
	require.NoError(t, h.ex.ProcessResponse(context.Background(), newResponse(req)))

	require.Empty(t, cmp.Diff([]crawler.Item{{"from": "errback"}}, h.sink.items()))
	require.True(t, log.contains("log_exception.exception caught hook error"))
	require.Len(t, h.faults.all(), 1)
}

func TestRecoveredStreamFaultSearchesPastRecoverer(t *testing.T) {
	t.Parallel()

	log := &trace{}
	h := newHarness(t, []Registration{
		{Name: "engine", Priority: 1, Middleware: &stepMW{name: "engine", log: log, recovery: func() []crawler.Output {
			return []crawler.Output{crawler.ItemOutput(steps("engine"))}
		}}},
		{Name: "flaky", Priority: 2, Middleware: &flakyRecoveryMW{log: log, err: errHook}},
	}, func(context.Context, *crawler.Response) (crawler.Stream, error) {
		return nil, errImport
	})

	require.NoError(t, h.ex.ProcessResponse(context.Background(), newResponse(nil)))

	want := [][]string{{"flaky", "engine.output"}, {"engine"}}
	require.Empty(t, cmp.Diff(want, h.sink.processed()))
	require.True(t, log.contains("flaky caught import error"))
	require.True(t, log.contains("engine.exception caught hook error"))
	require.Empty(t, h.faults.all())
}

func TestRecoveredOutputFollowsInterruptedStream(t *testing.T) {
	t.Parallel()

	log := &trace{}
	h := newHarness(t, []Registration{
		{Name: "recover", Priority: 1, Middleware: &stepMW{name: "recover", log: log, recovery: func() []crawler.Output {
			return []crawler.Output{crawler.ItemOutput(steps("recovered"))}
		}}},
		{Name: "fail", Priority: 2, Middleware: &failOnSecondMW{name: "fail", err: errLookup}},
	}, func(context.Context, *crawler.Response) (crawler.Stream, error) {
		return seqOf([]crawler.Item{steps("one"), steps("two")}, nil), nil
	})

	require.NoError(t, h.ex.ProcessResponse(context.Background(), newResponse(nil)))

	want := [][]string{{"one", "fail.output", "recover.output"}, {"recovered"}}
	require.Empty(t, cmp.Diff(want, h.sink.processed()))
}

func TestProcessFailureWithErrback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []Registration{{Name: "pass", Priority: 1, Middleware: &passMW{name: "pass"}}}, nil)
	req := crawler.NewRequest("http://example.com/down")
	req.Errback = func(_ context.Context, resp *crawler.Response, fault error) (crawler.Stream, error) {
		require.Equal(t, "http://example.com/down", resp.URL)
		var f *Fault
		require.ErrorAs(t, fault, &f)
		require.Equal(t, StageDownload, f.Stage)
		return crawler.Items(steps("errback")), nil
	}

	require.NoError(t, h.ex.ProcessFailure(context.Background(), req, errHook))

	require.Empty(t, cmp.Diff([][]string{{"errback", "pass.output"}}, h.sink.processed()))
	require.Empty(t, h.faults.all())
}

func TestProcessFailureWithoutErrbackReports(t *testing.T) {
	t.Parallel()

	log := &trace{}
	h := newHarness(t, []Registration{
		{Name: "log_exception", Priority: 1, Middleware: &logExceptionMW{name: "log_exception", log: log}},
	}, nil)

	require.NoError(t, h.ex.ProcessFailure(context.Background(), crawler.NewRequest("http://example.com/"), errHook))

	require.False(t, log.contains("log_exception"))
	faults := h.faults.all()
	require.Len(t, faults, 1)
	require.Equal(t, StageDownload, faults[0].Stage)
	require.ErrorIs(t, faults[0], errHook)
}

func TestCancellationStopsDelivery(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain, err := Build([]Registration{{Name: "pass", Priority: 1, Middleware: &passMW{name: "pass"}}})
	require.NoError(t, err)
	var delivered int
	sink := OutputSinkFunc(func(context.Context, *crawler.Response, crawler.Output) error {
		delivered++
		if delivered == 2 {
			cancel()
		}
		return nil
	})
	faults := &faultLog{}
	stopped := make(chan struct{})
	endless := func(context.Context, *crawler.Response) (crawler.Stream, error) {
		return crawler.Go(func(ctx context.Context, yield func(crawler.Output) error) error {
			defer close(stopped)
			for i := 0; ; i++ {
				if err := yield(crawler.ItemOutput(steps("n"))); err != nil {
					return err
				}
			}
		}), nil
	}
	ex, err := NewExecutor(chain, sink, faults, Config{DefaultCallback: endless}, nil)
	require.NoError(t, err)

	err = ex.ProcessResponse(ctx, newResponse(nil))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 2, delivered)
	require.Empty(t, faults.all())
	<-stopped
}

func TestCanceledBeforeStart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var called bool
	h := newHarness(t, nil, func(context.Context, *crawler.Response) (crawler.Stream, error) {
		called = true
		return crawler.Empty(), nil
	})

	err := h.ex.ProcessResponse(ctx, newResponse(nil))
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, called)
}

// --- fakes ---

type failingExceptionMW struct {
	err error
}

func (m *failingExceptionMW) ProcessException(context.Context, *crawler.Response, error) (crawler.Stream, error) {
	return nil, m.err
}

type refuseOutputMW struct {
	err error
}

func (m *refuseOutputMW) ProcessOutput(context.Context, *crawler.Response, crawler.Stream) (crawler.Stream, error) {
	return nil, m.err
}

// flakyRecoveryMW recovers with one item and then faults inside the
// recovered stream.
type flakyRecoveryMW struct {
	log *trace
	err error
}

func (m *flakyRecoveryMW) ProcessException(_ context.Context, _ *crawler.Response, fault error) (crawler.Stream, error) {
	m.log.add("flaky caught %v", errors.Unwrap(fault))
	return seqOf([]crawler.Item{steps("flaky")}, m.err), nil
}

type panicMW struct {
	input      bool
	outputCall bool
	outputPull bool
}

func (m *panicMW) ProcessInput(context.Context, *crawler.Response) error {
	if m.input {
		panic("input exploded")
	}
	return nil
}

func (m *panicMW) ProcessOutput(ctx context.Context, _ *crawler.Response, in crawler.Stream) (crawler.Stream, error) {
	if m.outputCall {
		panic("output exploded")
	}
	return crawler.Transform(ctx, in, func(out crawler.Output) (crawler.Output, bool, error) {
		if m.outputPull {
			panic("output stream exploded")
		}
		return out, true, nil
	}), nil
}
