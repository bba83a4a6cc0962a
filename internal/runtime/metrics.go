package runtime

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors are process-wide; register them once no matter how
// many silos a test spins up.
var (
	metricsOnce sync.Once
	shared      *siloMetrics
)

type siloMetrics struct {
	activations prometheus.Gauge
	calls       *prometheus.CounterVec
}

func newSiloMetrics() *siloMetrics {
	metricsOnce.Do(func() {
		shared = &siloMetrics{
			activations: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "titan_silo_activations",
				Help: "Live activations hosted by this silo",
			}),
			calls: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "titan_silo_calls_total",
				Help: "Grain calls routed through this silo",
			}, []string{"grain_type", "result"}),
		}
	})
	return shared
}
