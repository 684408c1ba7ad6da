package join

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	leftLookupSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kflow_join_left_lookup_size",
		Help: "Number of join keys in the left table.",
	}, []string{"join"})

	rightLookupSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kflow_join_right_lookup_size",
		Help: "Number of join keys in the right table.",
	}, []string{"join"})

	unsatisfied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kflow_join_unsatisfied_total",
		Help: "Operations that produced no joined record.",
	}, []string{"join"})

	opsIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kflow_join_operations_in_total",
		Help: "Operations received by the join.",
	}, []string{"join"})

	opsOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kflow_join_operations_out_total",
		Help: "Operations forwarded by the join.",
	}, []string{"join"})

	latency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kflow_join_latency_seconds",
		Help:    "Time to process one operation.",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
	}, []string{"join"})
)

type joinMetrics struct {
	left, right   prometheus.Gauge
	unsatisfied   prometheus.Counter
	opsIn, opsOut prometheus.Counter
	latency       prometheus.Observer
}

func newJoinMetrics(id string) joinMetrics {
	return joinMetrics{
		left:        leftLookupSize.WithLabelValues(id),
		right:       rightLookupSize.WithLabelValues(id),
		unsatisfied: unsatisfied.WithLabelValues(id),
		opsIn:       opsIn.WithLabelValues(id),
		opsOut:      opsOut.WithLabelValues(id),
		latency:     latency.WithLabelValues(id),
	}
}
