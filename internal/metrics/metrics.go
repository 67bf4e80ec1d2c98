// Package metrics provides Prometheus instrumentation for the bonus engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BonusesGranted counts bonus instances created, across all grant paths.
	BonusesGranted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bonus_granted_total",
		Help: "Total bonus instances granted",
	})

	// BonusesCompleted counts instances that met their wagering requirement.
	BonusesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bonus_completed_total",
		Help: "Total bonus instances completed and released",
	})

	// BonusesExpired counts instances expired by the sweep.
	BonusesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bonus_expired_total",
		Help: "Total bonus instances expired",
	})

	// BonusesForfeited counts instances forfeited by withdrawal or admin action.
	BonusesForfeited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bonus_forfeited_total",
		Help: "Total bonus instances forfeited",
	})

	// BetsRouted counts processed bets, partitioned by the wallet mix that
	// funded them.
	BetsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bonus_bets_routed_total",
		Help: "Total bets routed through the orchestrator",
	}, []string{"funding"})

	// WageringContribution accumulates turnover contribution amounts.
	WageringContribution = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bonus_wagering_contribution_total",
		Help: "Cumulative wagering contribution amount",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
