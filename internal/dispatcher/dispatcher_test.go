package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
	"github.com/JakeFAU/spider-pipeline/internal/storage/memory"
)

func TestExecuteRecordsSuccessfulRun(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{stats: crawler.RunStats{Responses: 2, Items: 3}}
	runs := memory.NewRunStore()
	d := newDispatcher(t, eng, runs)

	run, err := d.Execute(context.Background(), []string{"https://example.com/"})
	require.NoError(t, err)
	require.Equal(t, crawler.RunSucceeded, run.Status)
	require.Equal(t, int64(3), run.Stats.Items)
	require.NotNil(t, run.Started)
	require.NotNil(t, run.Finished)
	require.Equal(t, []string{"https://example.com/"}, run.Seeds)

	require.Len(t, eng.calls(), 1)
	call := eng.calls()[0]
	require.Equal(t, run.ID, call.id.String())
	require.Equal(t, "https://example.com/", call.seeds[0].URL)
}

func TestExecuteRecordsFailure(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{err: errors.New("frontier broke")}
	runs := memory.NewRunStore()
	d := newDispatcher(t, eng, runs)

	run, err := d.Execute(context.Background(), []string{"https://example.com/"})
	require.ErrorContains(t, err, "frontier broke")
	require.Equal(t, crawler.RunFailed, run.Status)
	require.Equal(t, "frontier broke", run.Error)
}

func TestSubmitValidatesSeeds(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, &fakeEngine{}, memory.NewRunStore())

	_, err := d.Submit(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoSeeds)

	_, err = d.Submit(context.Background(), []string{"::bad"})
	require.ErrorIs(t, err, ErrInvalidSeed)
}

func TestSubmitRunsInBackgroundAndCancels(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{block: true, started: make(chan struct{}, 1)}
	runs := memory.NewRunStore()
	d := newDispatcher(t, eng, runs)

	run, err := d.Submit(context.Background(), []string{"https://example.com/"})
	require.NoError(t, err)
	require.Equal(t, crawler.RunQueued, run.Status)

	select {
	case <-eng.started:
	case <-time.After(time.Second):
		t.Fatal("engine did not start")
	}
	require.Equal(t, []string{run.ID}, d.Active())

	require.NoError(t, d.Cancel(context.Background(), run.ID))
	require.Eventually(t, func() bool {
		got, err := runs.GetRun(context.Background(), run.ID)
		return err == nil && got.Status == crawler.RunCanceled
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(d.Active()) == 0 }, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, d.Cancel(context.Background(), run.ID), ErrRunFinished)
	require.ErrorIs(t, d.Cancel(context.Background(), "missing"), crawler.ErrRunNotFound)
}

func TestShutdownCancelsActiveRunsAndRejectsNewOnes(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{block: true, started: make(chan struct{}, 1)}
	runs := memory.NewRunStore()
	d := newDispatcher(t, eng, runs)

	run, err := d.Submit(context.Background(), []string{"https://example.com/"})
	require.NoError(t, err)
	<-eng.started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))

	got, err := runs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.RunCanceled, got.Status)

	_, err = d.Submit(context.Background(), []string{"https://example.com/"})
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	runs := memory.NewRunStore()
	ids := &sequentialIDs{}
	_, err := New(nil, seedBuilder{}, runs, ids, fixedClock{}, nil)
	require.ErrorContains(t, err, "engine")
	_, err = New(&fakeEngine{}, nil, runs, ids, fixedClock{}, nil)
	require.ErrorContains(t, err, "seed builder")
	_, err = New(&fakeEngine{}, seedBuilder{}, nil, ids, fixedClock{}, nil)
	require.ErrorContains(t, err, "run store")
	_, err = New(&fakeEngine{}, seedBuilder{}, runs, nil, fixedClock{}, nil)
	require.ErrorContains(t, err, "id generator")
	_, err = New(&fakeEngine{}, seedBuilder{}, runs, ids, nil, nil)
	require.ErrorContains(t, err, "clock")
}

func TestRunIDsComeFromGenerator(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	d, err := New(eng, seedBuilder{}, memory.NewRunStore(), &sequentialIDs{}, fixedClock{}, zap.NewNop())
	require.NoError(t, err)

	first, err := d.Execute(context.Background(), []string{"https://example.com/"})
	require.NoError(t, err)
	second, err := d.Execute(context.Background(), []string{"https://example.com/"})
	require.NoError(t, err)
	require.Equal(t, "00000000-0000-7000-8000-000000000001", first.ID)
	require.Equal(t, "00000000-0000-7000-8000-000000000002", second.ID)
	require.Equal(t, second.ID, eng.calls()[1].id.String())
}

func TestRunIDGeneratorErrors(t *testing.T) {
	t.Parallel()

	runs := memory.NewRunStore()
	d, err := New(&fakeEngine{}, seedBuilder{}, runs, badIDs{}, fixedClock{}, zap.NewNop())
	require.NoError(t, err)
	_, err = d.Submit(context.Background(), []string{"https://example.com/"})
	require.ErrorContains(t, err, "generate run id")
	listed, err := runs.ListRuns(context.Background())
	require.NoError(t, err)
	require.Empty(t, listed)
}

func newDispatcher(t *testing.T, eng Engine, runs crawler.RunStore) *Dispatcher {
	t.Helper()
	d, err := New(eng, seedBuilder{}, runs, &sequentialIDs{}, fixedClock{}, zap.NewNop())
	require.NoError(t, err)
	return d
}

// --- fakes ---

type engineCall struct {
	id    uuid.UUID
	seeds []*crawler.Request
}

type fakeEngine struct {
	stats   crawler.RunStats
	err     error
	block   bool
	started chan struct{}

	mu  sync.Mutex
	got []engineCall
}

func (f *fakeEngine) Run(ctx context.Context, id uuid.UUID, seeds []*crawler.Request) (crawler.RunStats, error) {
	f.mu.Lock()
	f.got = append(f.got, engineCall{id: id, seeds: seeds})
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block {
		<-ctx.Done()
		return f.stats, ctx.Err()
	}
	return f.stats, f.err
}

func (f *fakeEngine) calls() []engineCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engineCall(nil), f.got...)
}

type seedBuilder struct{}

func (seedBuilder) Seeds(rawURLs []string) ([]*crawler.Request, error) {
	reqs := make([]*crawler.Request, 0, len(rawURLs))
	for _, raw := range rawURLs {
		if raw == "::bad" {
			return nil, errors.New("missing scheme")
		}
		reqs = append(reqs, &crawler.Request{URL: raw})
	}
	return reqs, nil
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

type sequentialIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("00000000-0000-7000-8000-%012d", s.n), nil
}

type badIDs struct{}

func (badIDs) NewID() (string, error) { return "not-a-uuid", nil }
