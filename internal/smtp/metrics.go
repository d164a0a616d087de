package smtp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrelay_smtp_sends_total",
			Help: "Send attempts through the upstream server, by result (ok or error kind).",
		},
		[]string{"result"},
	)
	metricCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrelay_smtp_commands_total",
			Help: "Commands written to the upstream server, by step.",
		},
		[]string{"step"},
	)
	metricSessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailrelay_smtp_session_duration_seconds",
			Help:    "Duration of a send session, from connect to close.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
)
