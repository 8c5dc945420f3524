package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/RegardV/JournalCraftCrew-sub002/internal/progress"
)

// PrometheusSink exports job lifecycle metrics from the mirrored event
// stream. It owns all collectors for jobs started/completed/running plus
// runtime and report-volume observations.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	reportsTotal  *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "journal_jobs_started_total",
			Help: "Total jobs that have begun running.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journal_jobs_completed_total",
			Help: "Total jobs finished, partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "journal_jobs_running",
			Help: "Current number of running jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "journal_job_runtime_seconds",
			Help:    "Wall time from first running event to terminal event.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		reportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journal_progress_reports_total",
			Help: "Progress reports observed, partitioned by agent.",
		}, []string{"agent"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.reportsTotal,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunning:
		if s.tracker.start(evt.JobID, evt.TS) {
			s.jobsStarted.Inc()
			s.jobsRunning.Inc()
		}
		agent := evt.Agent
		if agent == "" {
			agent = "unknown"
		}
		s.reportsTotal.WithLabelValues(agent).Inc()
	case progress.StageCompleted:
		s.finishJob(evt, "success")
	case progress.StageFailed:
		s.finishJob(evt, resultLabel(evt.ErrorKind))
	}
}

func (s *PrometheusSink) finishJob(evt progress.Event, label string) {
	s.jobsCompleted.WithLabelValues(label).Inc()
	startedAt, wasRunning := s.tracker.complete(evt.JobID)
	if !wasRunning {
		return
	}
	s.jobsRunning.Dec()
	if dur := evt.TS.Sub(startedAt); dur > 0 {
		s.jobRuntime.WithLabelValues(label).Observe(dur.Seconds())
	}
}

func resultLabel(kind progress.ErrorKind) string {
	switch kind {
	case progress.ErrorKindCancelled:
		return "cancelled"
	case progress.ErrorKindTimeout:
		return "timeout"
	default:
		return "error"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]time.Time
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]time.Time)}
}

// start records the first running event for a job; reports whether the
// job was newly tracked.
func (t *jobTracker) start(id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = at
	return true
}

func (t *jobTracker) complete(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	startedAt, ok := t.running[id]
	if !ok {
		return time.Time{}, false
	}
	delete(t.running, id)
	return startedAt, true
}
