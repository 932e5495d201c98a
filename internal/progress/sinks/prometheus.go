package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/multisession-harvester/internal/progress"
)

// PrometheusSink turns run events into run-level collectors.
type PrometheusSink struct {
	runsStarted    prometheus.Counter
	runsCompleted  *prometheus.CounterVec
	runsRunning    prometheus.Gauge
	runDuration    *prometheus.HistogramVec
	runRecords     prometheus.Histogram
	accountAuth    *prometheus.CounterVec
	accountRecords prometheus.Counter
	accountRuntime prometheus.Histogram

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_runs_started_total",
			Help: "Harvest runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_completed_total",
			Help: "Harvest runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_runs_running",
			Help: "Harvest runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		}, []string{"result"}),
		runRecords: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_run_records",
			Help:    "Deduplicated records per completed run.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}),
		accountAuth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_account_logins_total",
			Help: "Account login attempts within runs partitioned by outcome.",
		}, []string{"outcome"}),
		accountRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_account_records_total",
			Help: "Records contributed by finished sessions.",
		}),
		accountRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_account_harvest_seconds",
			Help:    "Time one session spent harvesting.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		running: make(map[string]struct{}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.runRecords,
		s.accountAuth,
		s.accountRecords,
		s.accountRuntime,
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
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if s.markRunning(evt.RunID, true) {
				s.runsRunning.Inc()
			}
		case progress.StageRunDone, progress.StageRunError:
			result := "success"
			if evt.Stage == progress.StageRunError {
				result = "error"
			}
			s.runsCompleted.WithLabelValues(result).Inc()
			if evt.Dur > 0 {
				s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
			}
			s.runRecords.Observe(float64(evt.Records))
			if s.markRunning(evt.RunID, false) {
				s.runsRunning.Dec()
			}
		case progress.StageAccountAuth:
			outcome := "success"
			if !evt.OK {
				outcome = "failure"
			}
			s.accountAuth.WithLabelValues(outcome).Inc()
		case progress.StageAccountDone:
			s.accountRecords.Add(float64(evt.Records))
			if evt.Dur > 0 {
				s.accountRuntime.Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

// markRunning adds or removes runID and reports whether the set changed.
func (s *PrometheusSink) markRunning(runID string, running bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[runID]
	if running {
		if ok {
			return false
		}
		s.running[runID] = struct{}{}
		return true
	}
	if !ok {
		return false
	}
	delete(s.running, runID)
	return true
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
