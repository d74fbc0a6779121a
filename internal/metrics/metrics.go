package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the daemon's counters. All methods are safe on a nil
// receiver so components can run unmetered in tests.
type Recorder struct {
	merged         prometheus.Counter
	duplicates     prometheus.Counter
	sendFailures   prometheus.Counter
	backfillErrors prometheus.Counter
}

// NewRecorder registers the counters on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		merged: factory.NewCounter(prometheus.CounterOpts{
			Name: "amigo_messages_merged_total",
			Help: "Messages merged into the canonical set.",
		}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "amigo_duplicate_events_total",
			Help: "Events or historical entries dropped as already present.",
		}),
		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "amigo_send_failures_total",
			Help: "Outbound messages whose transaction failed or reverted.",
		}),
		backfillErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "amigo_backfill_errors_total",
			Help: "Historical read attempts that returned an error.",
		}),
	}
}

func (r *Recorder) MessageMerged() {
	if r != nil {
		r.merged.Inc()
	}
}

func (r *Recorder) DuplicateDropped() {
	if r != nil {
		r.duplicates.Inc()
	}
}

func (r *Recorder) SendFailed() {
	if r != nil {
		r.sendFailures.Inc()
	}
}

func (r *Recorder) BackfillError() {
	if r != nil {
		r.backfillErrors.Inc()
	}
}
