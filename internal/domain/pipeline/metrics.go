// metrics.go — метрики Prometheus конвейера записи.
package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// stepsTotal — счётчик выполнений шагов конвейера по исходам.
	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vv_pipeline_steps_total",
			Help: "Количество выполнений шагов конвейера по шагам и исходам",
		},
		[]string{"step", "outcome"},
	)
)
