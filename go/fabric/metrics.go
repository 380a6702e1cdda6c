package fabric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var dispatchCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "trellis_fabric_dispatch_total",
	Help: "counter of task bundle dispatches to the callback fabric, by outcome",
}, []string{"status"})
