package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
	"github.com/JakeFAU/spider-pipeline/internal/spidermw"
	"github.com/JakeFAU/spider-pipeline/internal/spidermw/builtins"
)

func TestFaultReporterClassifiesHTTPErrorsAsIgnored(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	emitter := &recordingEmitter{}
	runID := uuid.New()
	r := NewFaultReporter(runID, emitter, fixedClock{}, zap.New(core))

	resp := &crawler.Response{URL: "https://example.com/missing", StatusCode: 404}
	r.ReportFault(context.Background(), resp, &spidermw.Fault{
		Stage:      spidermw.StageInput,
		Middleware: builtins.NameHTTPError,
		Err:        &builtins.HTTPError{URL: resp.URL, StatusCode: 404},
	})

	events := emitter.Events()
	require.Len(t, events, 1)
	require.Equal(t, KindResponseIgnored, events[0].Kind)
	require.Equal(t, Status4xx, events[0].StatusClass)
	require.Equal(t, "example.com", events[0].Site)
	require.Equal(t, runID, events[0].RunID)
	require.NoError(t, events[0].Validate())

	require.Equal(t, 1, logs.FilterMessage("ignoring response").Len())
	require.Zero(t, logs.FilterMessage("spider fault").Len())
}

func TestFaultReporterEmitsSpiderFaults(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	emitter := &recordingEmitter{}
	r := NewFaultReporter(uuid.New(), emitter, fixedClock{}, zap.New(core))

	resp := &crawler.Response{URL: "https://example.com/", StatusCode: 200}
	r.ReportFault(context.Background(), resp, &spidermw.Fault{
		Stage:      spidermw.StageOutput,
		Middleware: "depth",
		Err:        crawler.NewPanicError("boom"),
	})

	events := emitter.Events()
	require.Len(t, events, 1)
	require.Equal(t, KindSpiderFault, events[0].Kind)
	require.Equal(t, "output", events[0].FaultStage)
	require.Equal(t, "depth", events[0].Middleware)
	require.Contains(t, events[0].Note, "boom")

	entries := logs.FilterMessage("spider fault").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "output", fields["stage"])
	require.NotEmpty(t, fields["stack"])
}

func TestFaultReporterToleratesMissingCollaborators(t *testing.T) {
	t.Parallel()

	r := NewFaultReporter(uuid.New(), nil, nil, nil)
	r.ReportFault(context.Background(), nil, &spidermw.Fault{
		Stage: spidermw.StageDownload,
		Err:   errors.New("connection refused"),
	})
	r.ReportFault(context.Background(), nil, nil)
}

func TestIsIgnoredResponse(t *testing.T) {
	t.Parallel()

	wrapped := &spidermw.Fault{Stage: spidermw.StageInput, Err: &builtins.HTTPError{StatusCode: 500}}
	require.True(t, IsIgnoredResponse(wrapped))
	require.False(t, IsIgnoredResponse(errors.New("other")))
}

// --- fakes ---

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (e *recordingEmitter) Emit(evt Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Event(nil), e.events...)
}

type fixedClock struct{}

func (fixedClock) Now() time.Time {
	return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
}
