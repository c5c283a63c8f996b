package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultSuccess  = "success"
	resultFailure  = "failure"
	resultRejected = "rejected"
	resultExpired  = "expired"

	triggerScheduled = "scheduled"
	triggerManual    = "manual"
	triggerInit      = "init"
	triggerVerify    = "verify"
)

// Metrics are the session counters. A nil Registerer keeps them
// unregistered.
type Metrics struct {
	Logins        *prometheus.CounterVec
	Refreshes     *prometheus.CounterVec
	Logouts       prometheus.Counter
	Authenticated prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Logins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fmsession",
			Name:      "login_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		Refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fmsession",
			Name:      "refresh_total",
			Help:      "Token refresh attempts by trigger and result.",
		}, []string{"trigger", "result"}),
		Logouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fmsession",
			Name:      "logout_total",
			Help:      "Logouts.",
		}),
		Authenticated: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "fmsession",
			Name:      "authenticated",
			Help:      "1 while a session is held.",
		}),
	}
}
