package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	// NotificationsTotal tracks notifications accepted per severity.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_notify_notifications_total",
		Help: "Total number of notifications accepted by a sink",
	}, []string{"severity"})

	// DroppedTotal tracks notifications dropped on a full queue.
	DroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polymarket_notify_dropped_total",
		Help: "Total number of notifications dropped because the queue was full",
	})

	// SendErrorsTotal tracks failed Telegram deliveries.
	SendErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polymarket_notify_send_errors_total",
		Help: "Total number of Telegram send failures",
	})

	// CommandsTotal tracks operator commands by name.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_notify_commands_total",
		Help: "Total number of Telegram commands handled",
	}, []string{"command"})
)
