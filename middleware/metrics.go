package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var authResponses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "onesession_auth_responses_total",
	Help: "Authenticated requests answered with 401 or 403",
}, []string{"status"})
