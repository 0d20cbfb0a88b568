// Package metrics records job counters with Prometheus and writes them in
// the node-exporter textfile format at the end of a run.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chargemix"

// Recorder holds the job metrics. A nil *Recorder discards everything.
type Recorder struct {
	registry *prometheus.Registry

	eventsLoaded    prometheus.Counter
	eventsMixed     prometheus.Counter
	recordsWritten  prometheus.Counter
	archiveScans    prometheus.Counter
	channelsFitted  *prometheus.CounterVec
	channelsInvalid prometheus.Counter
	fitRMS          prometheus.Histogram
	stageDuration   *prometheus.HistogramVec
}

// New creates a recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		eventsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_events_loaded_total",
			Help:      "Source events accepted into the mixing pool.",
		}),
		eventsMixed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "target_events_mixed_total",
			Help:      "Target events that received admixed charge.",
		}),
		recordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_records_written_total",
			Help:      "Channel charge mix records appended to the archive.",
		}),
		archiveScans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_scans_total",
			Help:      "Full archive passes performed by the filter builder.",
		}),
		channelsFitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_fitted_total",
			Help:      "Channels that received a fitted filter, by fit order.",
		}, []string{"order"}),
		channelsInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_invalid_total",
			Help:      "Channels left with the invalid filter for lack of data.",
		}),
		fitRMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fit_rms",
			Help:      "Weighted residual RMS of fitted channels.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of job stages in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 12),
		}, []string{"stage"}),
	}

	r.registry.MustRegister(
		r.eventsLoaded,
		r.eventsMixed,
		r.recordsWritten,
		r.archiveScans,
		r.channelsFitted,
		r.channelsInvalid,
		r.fitRMS,
		r.stageDuration,
	)

	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// EventsLoaded counts n events accepted into the pool.
func (r *Recorder) EventsLoaded(n int) {
	if r != nil {
		r.eventsLoaded.Add(float64(n))
	}
}

// EventMixed counts one mixed target event.
func (r *Recorder) EventMixed() {
	if r != nil {
		r.eventsMixed.Inc()
	}
}

// RecordsWritten counts n archive records.
func (r *Recorder) RecordsWritten(n int) {
	if r != nil {
		r.recordsWritten.Add(float64(n))
	}
}

// ArchiveScan counts one archive pass.
func (r *Recorder) ArchiveScan() {
	if r != nil {
		r.archiveScans.Inc()
	}
}

// ChannelFitted records a fitted channel of the given order and its RMS.
func (r *Recorder) ChannelFitted(order string, rms float64) {
	if r != nil {
		r.channelsFitted.WithLabelValues(order).Inc()
		r.fitRMS.Observe(rms)
	}
}

// ChannelInvalid counts one channel without a fitted filter.
func (r *Recorder) ChannelInvalid() {
	if r != nil {
		r.channelsInvalid.Inc()
	}
}

// StageDone records the duration of a job stage.
func (r *Recorder) StageDone(stage string, seconds float64) {
	if r != nil {
		r.stageDuration.WithLabelValues(stage).Observe(seconds)
	}
}

// WriteTextfile writes all metrics to path in the textfile collector format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}
