package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollout_deployments_total",
		Help: "Finished deployments by terminal state",
	}, []string{"state"})

	DeploymentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rollout_deployment_duration_seconds",
		Help:    "Wall time of a deployment from lock acquisition to result",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"state"})

	DeploymentsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollout_deployments_in_flight",
		Help: "Deployments currently holding a host lock",
	})

	StepAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollout_step_attempts_total",
		Help: "Step execution attempts by step and outcome",
	}, []string{"step", "outcome"})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rollout_step_duration_seconds",
		Help:    "Step duration including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"step"})

	RollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollout_rollbacks_total",
		Help: "Restore invocations by result",
	}, []string{"result"})

	HistoryWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollout_history_write_errors_total",
		Help: "Failed writes to a deployment history store",
	}, []string{"store"})
)
