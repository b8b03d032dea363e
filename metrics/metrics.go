package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the counters a pipeline run exports. Each run owns its own
// registry so repeated runs in one process never collide.
type Metrics struct {
	Registry *prometheus.Registry

	Partitions    *prometheus.CounterVec
	RowsIngested  *prometheus.CounterVec
	RowsRemoved   *prometheus.CounterVec
	RowsFact      *prometheus.CounterVec
	StageDuration *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Partitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taxi_emissions",
			Name:      "partitions_total",
			Help:      "Partition fetch attempts by source and outcome.",
		}, []string{"taxi_type", "status"}),
		RowsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taxi_emissions",
			Name:      "rows_ingested_total",
			Help:      "Rows appended to raw trip tables.",
		}, []string{"table"}),
		RowsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taxi_emissions",
			Name:      "rows_removed_total",
			Help:      "Rows removed by cleaning rules.",
		}, []string{"table", "rule"}),
		RowsFact: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taxi_emissions",
			Name:      "fact_rows_total",
			Help:      "Rows written to the trip fact table.",
		}, []string{"taxi_type"}),
		StageDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taxi_emissions",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of the last run of each pipeline stage.",
		}, []string{"stage"}),
	}
	m.Registry.MustRegister(m.Partitions, m.RowsIngested, m.RowsRemoved, m.RowsFact, m.StageDuration)
	return m
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	m.StageDuration.WithLabelValues(stage).Set(time.Since(start).Seconds())
}

// WriteTextfile dumps the registry in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
