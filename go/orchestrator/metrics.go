package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var createdCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "trellis_tickets_created_total",
	Help: "counter of tickets created",
})

var updatedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "trellis_tickets_updated_total",
	Help: "counter of ticket updates, by outcome",
}, []string{"outcome"})

var actionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "trellis_user_actions_total",
	Help: "counter of user actions emitted by advancements, by kind",
}, []string{"kind"})

var pingCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "trellis_notifier_ping_total",
	Help: "counter of notifier pings, by outcome",
}, []string{"status"})
