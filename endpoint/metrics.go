package endpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "onesession_loopback_requests_total",
	Help: "Requests served by the loopback server by endpoint and status",
}, []string{"endpoint", "status"})
