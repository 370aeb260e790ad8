package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Processor metrics

	JobPickupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dataqueue",
		Name:      "job_pickup_latency_seconds",
		Help:      "Time from job creation to a worker claiming it.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	JobExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dataqueue",
		Name:      "job_execution_duration_seconds",
		Help:      "Duration of one handler invocation.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})

	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dataqueue",
		Name:      "jobs_in_flight",
		Help:      "Number of handlers currently executing.",
	})

	JobsProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dataqueue",
		Name:      "jobs_processed_total",
		Help:      "Total handler invocations finished, by outcome.",
	}, []string{"outcome"})

	JobsClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dataqueue",
		Name:      "jobs_claimed_total",
		Help:      "Total jobs claimed from the backend.",
	})

	// Supervisor metrics

	SupervisorCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dataqueue",
		Name:      "supervisor_cycle_duration_seconds",
		Help:      "Time taken for one supervisor tick.",
		Buckets:   prometheus.DefBuckets,
	})

	JobsReclaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dataqueue",
		Name:      "jobs_reclaimed_total",
		Help:      "Total stuck jobs returned to pending by the supervisor.",
	})

	TokensExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dataqueue",
		Name:      "tokens_expired_total",
		Help:      "Total waitpoints expired past their timeout.",
	})

	CronJobsEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dataqueue",
		Name:      "cron_jobs_enqueued_total",
		Help:      "Total jobs enqueued from due cron schedules.",
	})

	// Store metrics

	EventLogFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dataqueue",
		Name:      "event_log_failures_total",
		Help:      "Job event inserts that failed and were swallowed.",
	})

	// HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dataqueue",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dataqueue",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		JobPickupLatency,
		JobExecutionDuration,
		JobsInFlight,
		JobsProcessedTotal,
		JobsClaimedTotal,
		SupervisorCycleDuration,
		JobsReclaimedTotal,
		TokensExpiredTotal,
		CronJobsEnqueuedTotal,
		EventLogFailures,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

type readinessChecker interface {
	ReadinessHandler() http.Handler
	LivenessHandler() http.Handler
}

func NewServer(addr string, checker readinessChecker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if checker != nil {
		mux.Handle("/healthz", checker.LivenessHandler())
		mux.Handle("/readyz", checker.ReadinessHandler())
	}
	return &http.Server{Addr: addr, Handler: mux}
}
