// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Set struct {
	Settlements      *prometheus.CounterVec
	WorkflowsStarted prometheus.Counter
	SweepActions     *prometheus.CounterVec
	SchedulerRuns    prometheus.Counter
	SchedulerResults *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)
	return &Set{
		Settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corebank",
			Name:      "settlements_total",
			Help:      "Settlement attempts by outcome.",
		}, []string{"outcome"}),
		WorkflowsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "corebank",
			Name:      "approval_workflows_started_total",
			Help:      "Approval workflows created.",
		}),
		SweepActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corebank",
			Name:      "overdue_sweep_actions_total",
			Help:      "Overdue approval sweep outcomes by action.",
		}, []string{"action"}),
		SchedulerRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "corebank",
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler polling runs.",
		}),
		SchedulerResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corebank",
			Name:      "scheduler_executions_total",
			Help:      "Scheduled executions by outcome.",
		}, []string{"outcome"}),
	}
}
