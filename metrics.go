package hscore

import (
	"github.com/prometheus/client_golang/prometheus"
)

var authRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hscore",
	Subsystem: "eventauth",
	Name:      "rejections_total",
	Help:      "Number of events rejected by Allowed, by event type.",
}, []string{"event_type"})

func init() {
	prometheus.MustRegister(authRejections)
}
