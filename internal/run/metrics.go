package run

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	imagesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adgen_images_accepted_total",
		Help: "Images persisted and counted toward the run target.",
	})

	duplicatesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adgen_duplicates_rejected_total",
		Help: "Provider responses rejected as perceptual near-duplicates.",
	})

	providerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adgen_provider_failures_total",
		Help: "Provider call failures by classification.",
	}, []string{"kind"})

	providerRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adgen_provider_retries_total",
		Help: "Provider calls retried after a transient failure.",
	})

	persistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adgen_persist_failures_total",
		Help: "Generated images dropped because persisting them failed.",
	})

	runCost = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "adgen_run_cost_usd",
		Help: "Accrued provider cost of the current run in USD.",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adgen_runs_total",
		Help: "Completed runs by terminal state.",
	}, []string{"state"})
)
