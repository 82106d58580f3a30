package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var loginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "onesession_login_attempts_total",
	Help: "Login attempts started, by prompt",
}, []string{"prompt"})

var callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "onesession_callbacks_total",
	Help: "OAuth callbacks processed, by outcome",
}, []string{"outcome"})
