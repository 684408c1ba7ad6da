package execution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	nodeOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kflow_node_operations_total",
		Help: "Operations received by node and kind",
	}, []string{"node", "kind"})

	nodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kflow_node_errors_total",
		Help: "Per-record errors by node",
	}, []string{"node"})

	epochID = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kflow_epoch_id",
		Help: "Id of the last epoch started by the source coordinator",
	})

	blockedSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kflow_channel_blocked_sends_total",
		Help: "Sends that found the downstream channel full, by sending node",
	}, []string{"node"})
)
