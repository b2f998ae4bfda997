package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warehouse_build_info",
			Help: "Build information of the warehouse merge job",
		},
		[]string{"version", "commit", "date"},
	)

	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warehouse_merges_total",
			Help: "Total number of dataset merges",
		},
		[]string{"dataset", "mode", "status"},
	)

	MergeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warehouse_merge_duration_seconds",
			Help:    "Duration of dataset merges",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 0.05s to ~102s
		},
		[]string{"dataset"},
	)

	RowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warehouse_rows_total",
			Help: "Rows processed by merges, by kind (added, removed, replaced)",
		},
		[]string{"dataset", "kind"},
	)

	DatasetRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warehouse_dataset_rows",
			Help: "Row count of each dataset after its last merge",
		},
		[]string{"dataset"},
	)

	BackupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warehouse_backups_total",
			Help: "Total number of backup attempts",
		},
		[]string{"dataset", "status"},
	)

	SchemaMigrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warehouse_schema_migrations_total",
			Help: "Total number of columns widened on disk",
		},
		[]string{"dataset"},
	)
)

// Push sends everything registered with the default registry to a
// Pushgateway under the given job name.
func Push(ctx context.Context, url, job string) error {
	if err := push.New(url, job).Gatherer(prometheus.DefaultGatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
