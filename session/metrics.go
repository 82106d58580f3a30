package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sessionResets = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "onesession_session_resets_total",
	Help: "Number of times the session cache was reset to unauthenticated",
}, []string{"reason"})

var statusRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "onesession_status_refresh_total",
	Help: "Session status refreshes by outcome",
}, []string{"outcome"})
