package smtp

import "github.com/prometheus/client_golang/prometheus"

var (
	connectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vsmtp_connections_total",
		Help: "Accepted connections by connection kind.",
	}, []string{"kind"})

	messagesQueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vsmtp_messages_queued_total",
		Help: "Messages accepted at the end of DATA.",
	})

	authFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vsmtp_auth_failures_total",
		Help: "Failed SASL exchanges.",
	})

	tlsUpgradesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vsmtp_tls_upgrades_total",
		Help: "Successful STARTTLS upgrades.",
	})

	timeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vsmtp_timeouts_total",
		Help: "Sessions closed on a stage timeout.",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		messagesQueuedTotal,
		authFailuresTotal,
		tlsUpgradesTotal,
		timeoutsTotal,
	)
}
