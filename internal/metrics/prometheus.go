// Package metrics records apply-cycle metrics in a private Prometheus
// registry and writes them in the node_exporter textfile format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Apply results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Registry holds the compiler metrics. A nil *Registry records nothing.
type Registry struct {
	reg *prometheus.Registry

	ApplyTotal    *prometheus.CounterVec
	ApplyDuration prometheus.Histogram
	LastApply     prometheus.Gauge

	RulesGenerated       *prometheus.GaugeVec
	DuplicatesSuppressed prometheus.Counter
	RulesSkipped         *prometheus.CounterVec
	DegradedFeatures     *prometheus.CounterVec

	AccountingBytes   *prometheus.GaugeVec
	AccountingPackets *prometheus.GaugeVec
}

// New returns a registry with every metric registered.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}
	f := promauto.With(r.reg)

	r.ApplyTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "rampart_apply_total",
		Help: "Apply cycles by result",
	}, []string{"result"})

	r.ApplyDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "rampart_apply_duration_seconds",
		Help:    "Duration of apply cycles",
		Buckets: prometheus.DefBuckets,
	})

	r.LastApply = f.NewGauge(prometheus.GaugeOpts{
		Name: "rampart_last_apply_timestamp_seconds",
		Help: "Unix time of the last successful apply",
	})

	r.RulesGenerated = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rampart_rules",
		Help: "Rules in the last generated ruleset",
	}, []string{"family", "table"})

	r.DuplicatesSuppressed = f.NewCounter(prometheus.CounterOpts{
		Name: "rampart_duplicate_rules_total",
		Help: "Generated rules dropped as exact duplicates",
	})

	r.RulesSkipped = f.NewCounterVec(prometheus.CounterOpts{
		Name: "rampart_skipped_rules_total",
		Help: "Rule fragments skipped for a missing feature",
	}, []string{"kind"})

	r.DegradedFeatures = f.NewCounterVec(prometheus.CounterOpts{
		Name: "rampart_degraded_features_total",
		Help: "Missing packet filter features hit while generating",
	}, []string{"kind", "feature"})

	r.AccountingBytes = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rampart_accounting_bytes",
		Help: "Bytes counted by the accounting chains",
	}, []string{"device", "direction"})

	r.AccountingPackets = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rampart_accounting_packets",
		Help: "Packets counted by the accounting chains",
	}, []string{"device", "direction"})

	return r
}

// Gatherer exposes the registry for tests and exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// RecordApply records one finished apply cycle.
func (r *Registry) RecordApply(d time.Duration, err error) {
	if r == nil {
		return
	}
	r.ApplyDuration.Observe(d.Seconds())
	if err != nil {
		r.ApplyTotal.WithLabelValues(ResultFailure).Inc()
		return
	}
	r.ApplyTotal.WithLabelValues(ResultSuccess).Inc()
	r.LastApply.SetToCurrentTime()
}

// RecordRules sets the rule count of one family's tables.
func (r *Registry) RecordRules(family string, perTable map[string]int) {
	if r == nil {
		return
	}
	for table, n := range perTable {
		r.RulesGenerated.WithLabelValues(family, table).Set(float64(n))
	}
}

// RecordDuplicates adds suppressed duplicates.
func (r *Registry) RecordDuplicates(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.DuplicatesSuppressed.Add(float64(n))
}

// RecordSkipped counts a skipped rule fragment.
func (r *Registry) RecordSkipped(kind string) {
	if r == nil {
		return
	}
	r.RulesSkipped.WithLabelValues(kind).Inc()
}

// RecordDegraded counts a missing feature hit by a rule kind.
func (r *Registry) RecordDegraded(kind, feature string) {
	if r == nil {
		return
	}
	r.DegradedFeatures.WithLabelValues(kind, feature).Inc()
}

// WriteTextfile writes every metric to path for the node_exporter textfile
// collector.
func (r *Registry) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.reg)
}
