package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/spider-pipeline/internal/progress"
)

// PrometheusSink exports crawl progress as Prometheus collectors.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	responses        *prometheus.CounterVec
	responseBytes    *prometheus.CounterVec
	responseDuration *prometheus.HistogramVec
	ignored          *prometheus.CounterVec

	items     prometheus.Counter
	scheduled prometheus.Counter
	dropped   *prometheus.CounterVec
	faults    *prometheus.CounterVec

	active *runSet
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spider_runs_started_total",
			Help: "Crawl runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spider_runs_completed_total",
			Help: "Crawl runs completed partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spider_runs_active",
			Help: "Crawl runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spider_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"result"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spider_responses_total",
			Help: "Responses processed partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		responseBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spider_response_bytes_total",
			Help: "Response bytes downloaded per site.",
		}, []string{"site"}),
		responseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spider_fetch_duration_seconds",
			Help:    "Fetch latency partitioned by site.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"site"}),
		ignored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spider_responses_ignored_total",
			Help: "Responses rejected by HTTP status partitioned by status class.",
		}, []string{"status_class"}),
		items: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spider_items_scraped_total",
			Help: "Items delivered to the item pipeline.",
		}),
		scheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spider_requests_scheduled_total",
			Help: "Follow-up requests accepted by the scheduler.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spider_requests_dropped_total",
			Help: "Requests rejected by the scheduler partitioned by reason.",
		}, []string{"reason"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spider_faults_total",
			Help: "Unrecovered spider faults partitioned by stage and middleware.",
		}, []string{"stage", "middleware"}),
		active: newRunSet(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsActive,
		s.runDuration,
		s.responses,
		s.responseBytes,
		s.responseDuration,
		s.ignored,
		s.items,
		s.scheduled,
		s.dropped,
		s.faults,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindRunStart:
		s.runsStarted.Inc()
		if s.active.add(evt.RunID) {
			s.runsActive.Inc()
		}
	case progress.KindRunDone:
		s.finishRun(evt, "success")
	case progress.KindRunError:
		s.finishRun(evt, "error")
	case progress.KindResponse:
		site := labelOr(evt.Site, "unknown")
		s.responses.WithLabelValues(site, labelOr(string(evt.StatusClass), string(progress.StatusOther))).Inc()
		if evt.Bytes > 0 {
			s.responseBytes.WithLabelValues(site).Add(float64(evt.Bytes))
		}
		if evt.Dur > 0 {
			s.responseDuration.WithLabelValues(site).Observe(evt.Dur.Seconds())
		}
	case progress.KindResponseIgnored:
		s.ignored.WithLabelValues(labelOr(string(evt.StatusClass), string(progress.StatusOther))).Inc()
	case progress.KindItemScraped:
		s.items.Inc()
	case progress.KindRequestScheduled:
		s.scheduled.Inc()
	case progress.KindRequestDropped:
		s.dropped.WithLabelValues(labelOr(evt.Note, "unknown")).Inc()
	case progress.KindSpiderFault:
		s.faults.WithLabelValues(evt.FaultStage, labelOr(evt.Middleware, "none")).Inc()
	}
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.active.remove(evt.RunID) {
		s.runsActive.Dec()
	}
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func labelOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

type runSet struct {
	mu   sync.Mutex
	runs map[uuid.UUID]struct{}
}

func newRunSet() *runSet {
	return &runSet{runs: make(map[uuid.UUID]struct{})}
}

func (r *runSet) add(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[id]; ok {
		return false
	}
	r.runs[id] = struct{}{}
	return true
}

func (r *runSet) remove(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[id]; !ok {
		return false
	}
	delete(r.runs, id)
	return true
}
