// Package metrics exposes the backend's Prometheus collectors. Counters
// only; the engine's state lives in SQLite, not in gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BallotsCast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scrutin_ballots_cast_total",
		Help: "Ballots accepted into the ledger.",
	})
	BallotsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scrutin_ballots_rejected_total",
		Help: "Cast attempts rejected (closed election, revote limit, bad input).",
	})
	CeremoniesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scrutin_ceremonies_completed_total",
		Help: "Keys ceremonies that reached the completed state.",
	})
	StepsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrutin_tally_steps_executed_total",
		Help: "Tally steps executed, by kind.",
	}, []string{"kind"})
	PartialsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scrutin_tally_partials_accepted_total",
		Help: "Trustee partial decryptions accepted after verification.",
	})
	ResultsAggregated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scrutin_results_aggregated_total",
		Help: "Completed executions aggregated into results events.",
	})
)

// Handler serves the default registry, mounted by the server command.
func Handler() http.Handler {
	return promhttp.Handler()
}
