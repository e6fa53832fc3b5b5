// Package metrics exposes the Prometheus collectors for the binding engine,
// the relay orchestrator and the batch task engine. Collectors register with
// the default registry on init and are served by the /metrics endpoint.
//
// Label values are drawn from small fixed sets (operation names, delivery
// modes, outcome words) so cardinality stays bounded.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

var (
	// BindingOps counts binding operations by op and outcome.
	BindingOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stickerhub_binding_operations_total",
			Help: "Binding operations by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// Relays counts single-asset relays by delivery mode and outcome.
	Relays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stickerhub_relays_total",
			Help: "Asset relays by delivery mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	// BatchItems counts processed batch items by task mode and outcome.
	BatchItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stickerhub_batch_items_total",
			Help: "Batch items processed by task mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	// BatchTasksRunning gauges the live batch tasks.
	BatchTasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stickerhub_batch_tasks_running",
			Help: "Batch tasks currently running.",
		},
	)

	// BatchTasks counts finished batch tasks by mode and terminal outcome
	// (completed, stopped, failed, empty).
	BatchTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stickerhub_batch_tasks_total",
			Help: "Finished batch tasks by mode and terminal outcome.",
		},
		[]string{"mode", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(BindingOps, Relays, BatchItems, BatchTasksRunning, BatchTasks)
}
