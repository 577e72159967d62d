package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "docloader",
		Name:      "sessions",
		Help:      "The number of connected loader sessions.",
	})

	messagesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docloader",
		Name:      "client_messages_total",
		Help:      "The total number of client messages by type.",
	}, []string{"type"})
)
