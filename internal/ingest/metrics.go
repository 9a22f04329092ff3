package ingest

import "github.com/prometheus/client_golang/prometheus"

var (
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floorsight_ingest_messages_total",
			Help: "Kafka telemetry messages handled, by outcome.",
		},
		[]string{"outcome"},
	)
	rowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "floorsight_ingest_rows_total",
			Help: "Telemetry rows written by the ingest consumer.",
		},
	)
)

func init() {
	prometheus.MustRegister(messagesTotal, rowsTotal)
}
