// metrics.go — Prometheus-метрики движка миграции.
package migration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// entitiesTotal — итоги обработки сущностей.
	entitiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_migration_entities_total",
			Help: "Количество обработанных сущностей по виду и итогу",
		},
		[]string{"kind", "action", "dry_run"},
	)

	// phaseDuration — длительность фаз миграции.
	phaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "im_migration_phase_duration_seconds",
			Help:    "Длительность фазы миграции",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"phase"},
	)
)
