package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawlctl/internal/crawl"
	"github.com/JakeFAU/crawlctl/internal/status"
)

// PrometheusSink exports lifecycle metrics: the current controller state,
// event counts by kind and checkpoint outcomes.
type PrometheusSink struct {
	events             *prometheus.CounterVec
	state              *prometheus.GaugeVec
	documents          prometheus.Gauge
	bytes              prometheus.Gauge
	checkpoints        *prometheus.CounterVec
	checkpointDuration prometheus.Histogram
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_events_total",
			Help: "Lifecycle events broadcast, partitioned by kind.",
		}, []string{"kind"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawl_state",
			Help: "1 for the controller's current state, 0 otherwise.",
		}, []string{"state"}),
		documents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_documents",
			Help: "Succeeded fetch count at the last lifecycle event.",
		}),
		bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_bytes",
			Help: "Total bytes written at the last lifecycle event.",
		}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_checkpoints_total",
			Help: "Completed checkpoint attempts partitioned by status.",
		}, []string{"status"}),
		checkpointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawl_checkpoint_duration_seconds",
			Help:    "Wall time per checkpoint.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.events,
		s.state,
		s.documents,
		s.bytes,
		s.checkpoints,
		s.checkpointDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register status collector: %w", err)
		}
	}
	return s, nil
}

// OnCrawlEvent implements status.Listener.
func (s *PrometheusSink) OnCrawlEvent(_ context.Context, evt status.Event) {
	s.events.WithLabelValues(string(evt.Kind)).Inc()
	for st := crawl.StateNascent; st <= crawl.StateFinished; st++ {
		v := 0.0
		if st == evt.State {
			v = 1
		}
		s.state.WithLabelValues(st.String()).Set(v)
	}
	s.documents.Set(float64(evt.Totals.Documents))
	s.bytes.Set(float64(evt.Totals.Bytes))
	if evt.Kind == status.KindCheckpointEnd && evt.Checkpoint != nil {
		s.checkpoints.WithLabelValues(evt.Checkpoint.Status).Inc()
		if evt.Checkpoint.Elapsed > 0 {
			s.checkpointDuration.Observe(evt.Checkpoint.Elapsed.Seconds())
		}
	}
}
